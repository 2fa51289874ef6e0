package main

import (
	"testing"
	"time"
)

func TestParseV2TrafficFlow(t *testing.T) {
	raw := map[string]any{
		"id":       "flow-abc",
		"time":     float64(1_700_000_000_000),
		"risk":     "high",
		"action":   "blocked",
		"protocol": "tcp",
		"service":  "http",
		"ips": map[string]any{
			"signature":            "ET SCAN Nmap Scripting Engine",
			"signature_id":         float64(2009358),
			"category_name":        "Attempted Information Leak",
			"session_id":           "sess-1",
			"advanced_information": "Nmap NSE probe observed",
		},
		"source":      map[string]any{"ip": "203.0.113.9", "port": float64(51234), "mac": "AA-BB-CC-DD-EE-FF"},
		"destination": map[string]any{"ip": "192.168.1.20", "port": float64(443)},
	}

	ev := parseThreatEvent(raw, 1_700_000_005_000)

	if ev.EventID != "flow-abc" {
		t.Fatalf("event id: got=%q", ev.EventID)
	}
	if ev.Timestamp != 1_700_000_000_000 {
		t.Fatalf("timestamp: got=%d", ev.Timestamp)
	}
	if ev.Severity != SeverityHigh {
		t.Fatalf("high risk should map to severity %d, got=%d", SeverityHigh, ev.Severity)
	}
	if ev.Action != "block" {
		t.Fatalf("blocked should normalize to block, got=%q", ev.Action)
	}
	if ev.Signature != "ET SCAN Nmap Scripting Engine" || ev.Message != "Nmap NSE probe observed" {
		t.Fatalf("signature/message not lifted from ips object: %q / %q", ev.Signature, ev.Message)
	}
	if ev.SrcIP != "203.0.113.9" || ev.SrcPort == nil || *ev.SrcPort != 51234 {
		t.Fatalf("source not parsed: %q %v", ev.SrcIP, ev.SrcPort)
	}
	if ev.SrcMac != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("source mac not normalized: %q", ev.SrcMac)
	}
	if ev.SignatureID == nil || *ev.SignatureID != 2009358 {
		t.Fatalf("signature id: %v", ev.SignatureID)
	}
	if ev.FetchedAt != 1_700_000_005_000 {
		t.Fatalf("fetched_at: got=%d", ev.FetchedAt)
	}
}

func TestParseV2ActionAndRiskDefaults(t *testing.T) {
	for _, tc := range []struct {
		risk, action string
		wantSeverity int
		wantAction   string
	}{
		{"high", "blocked", SeverityHigh, "block"},
		{"medium", "dropped", SeverityMedium, "block"},
		{"low", "rejected", SeverityLow, "block"},
		{"critical", "allowed", SeverityLow, "alert"},
		{"", "", SeverityLow, "alert"},
	} {
		raw := map[string]any{
			"ips":    map[string]any{},
			"risk":   tc.risk,
			"action": tc.action,
		}
		ev := parseThreatEvent(raw, 1_700_000_000_000)
		if ev.Severity != tc.wantSeverity {
			t.Fatalf("risk %q: severity got=%d want=%d", tc.risk, ev.Severity, tc.wantSeverity)
		}
		if ev.Action != tc.wantAction {
			t.Fatalf("action %q: got=%q want=%q", tc.action, ev.Action, tc.wantAction)
		}
	}
}

func TestParseV2MissingIDIsDeterministic(t *testing.T) {
	raw := map[string]any{
		"ips":  map[string]any{},
		"time": float64(1_700_000_000_000),
	}

	first := parseThreatEvent(raw, 1_700_000_001_000)
	second := parseThreatEvent(raw, 1_700_000_999_000)

	if first.EventID == "" {
		t.Fatalf("expected a synthesized event id")
	}
	if first.EventID != second.EventID {
		t.Fatalf("re-fetching the same flow must dedup: %q vs %q", first.EventID, second.EventID)
	}
}

func TestParseLegacyIPSEvent(t *testing.T) {
	raw := map[string]any{
		"_id":                      "65a1f",
		"timestamp":                float64(1_700_000_000_000),
		"inner_alert_severity":     float64(2),
		"inner_alert_action":       "block",
		"inner_alert_signature":    "ET DROP Dshield Block Listed Source",
		"inner_alert_signature_id": float64(2402000),
		"inner_alert_category":     "Misc Attack",
		"msg":                      "IPS Alert 1: Misc Attack",
		"src_ip":                   "198.51.100.4",
		"src_port":                 float64(40000),
		"src_ip_country":           "NL",
		"src_ip_geo": map[string]any{
			"city":         "Amsterdam",
			"latitude":     float64(52.37),
			"longitude":    float64(4.89),
			"organization": "Example Hosting",
		},
		"dest_ip":   "192.168.1.10",
		"dest_port": float64(22),
		"proto":     "TCP",
		"in_iface":  "eth8",
	}

	ev := parseThreatEvent(raw, 1_700_000_005_000)

	if ev.EventID != "65a1f" {
		t.Fatalf("event id should come from _id, got=%q", ev.EventID)
	}
	if ev.Severity != SeverityMedium {
		t.Fatalf("severity: got=%d", ev.Severity)
	}
	if ev.Action != "block" {
		t.Fatalf("action: got=%q", ev.Action)
	}
	if ev.SrcCountry != "NL" || ev.SrcCity != "Amsterdam" || ev.SrcOrg != "Example Hosting" {
		t.Fatalf("geo fields not parsed: %q %q %q", ev.SrcCountry, ev.SrcCity, ev.SrcOrg)
	}
	if ev.SrcLat == nil || *ev.SrcLat != 52.37 {
		t.Fatalf("latitude: %v", ev.SrcLat)
	}
	if ev.Interface != "eth8" {
		t.Fatalf("interface: got=%q", ev.Interface)
	}
}

func TestParseLegacyIDAndSeverityFallbacks(t *testing.T) {
	raw := map[string]any{
		"unique_alertid":       "ua-77",
		"timestamp":            float64(1_700_000_000_000),
		"inner_alert_severity": float64(9),
	}
	ev := parseThreatEvent(raw, 1_700_000_005_000)
	if ev.EventID != "ua-77" {
		t.Fatalf("expected unique_alertid fallback, got=%q", ev.EventID)
	}
	if ev.Severity != SeverityLow {
		t.Fatalf("out of range severity should fall back to low, got=%d", ev.Severity)
	}
	if ev.Action != "alert" {
		t.Fatalf("missing action should default to alert, got=%q", ev.Action)
	}

	raw = map[string]any{"timestamp": float64(1_700_000_000_000)}
	ev = parseThreatEvent(raw, 1_700_000_005_000)
	if ev.EventID != "1700000000000" {
		t.Fatalf("expected timestamp id fallback, got=%q", ev.EventID)
	}
}

func TestMatchIgnoreRule(t *testing.T) {
	rules := []ThreatIgnoreRule{
		{ID: 1, IPAddress: "203.0.113.9", Enabled: false, MatchSource: true, MatchDestination: true, IgnoreHigh: true, IgnoreMedium: true, IgnoreLow: true},
		{ID: 2, IPAddress: "203.0.113.9", Enabled: true, MatchSource: true, IgnoreLow: true},
		{ID: 3, IPAddress: "203.0.113.9", Enabled: true, MatchSource: true, MatchDestination: true, IgnoreHigh: true, IgnoreMedium: true, IgnoreLow: true},
	}

	ev := ThreatEvent{SrcIP: "203.0.113.9", Severity: SeverityLow}
	if got := matchIgnoreRule(rules, ev); got == nil || got.ID != 2 {
		t.Fatalf("first enabled match should win, got=%+v", got)
	}

	ev.Severity = SeverityHigh
	if got := matchIgnoreRule(rules, ev); got == nil || got.ID != 3 {
		t.Fatalf("severity filter should skip rule 2, got=%+v", got)
	}

	ev = ThreatEvent{DestIP: "203.0.113.9", Severity: SeverityLow}
	if got := matchIgnoreRule(rules, ev); got == nil || got.ID != 3 {
		t.Fatalf("source-only rule must not match destination traffic, got=%+v", got)
	}

	ev = ThreatEvent{SrcIP: "198.51.100.1", Severity: SeverityLow}
	if got := matchIgnoreRule(rules, ev); got != nil {
		t.Fatalf("unrelated ip must not match, got=%+v", got)
	}
}

func TestThreatWebhookEligible(t *testing.T) {
	w := ThreatWebhook{Enabled: true, MinSeverity: SeverityMedium, OnAlert: true, OnBlock: false}

	if !threatWebhookEligible(w, ThreatEvent{Severity: SeverityHigh, Action: "alert"}) {
		t.Fatalf("high severity alert should be eligible")
	}
	if threatWebhookEligible(w, ThreatEvent{Severity: SeverityLow, Action: "alert"}) {
		t.Fatalf("low severity is below the threshold")
	}
	if threatWebhookEligible(w, ThreatEvent{Severity: SeverityHigh, Action: "block"}) {
		t.Fatalf("block events are disabled on this webhook")
	}

	w.Enabled = false
	if threatWebhookEligible(w, ThreatEvent{Severity: SeverityHigh, Action: "alert"}) {
		t.Fatalf("disabled webhook must never fire")
	}
}

func TestIPSQueryStart(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)

	if got := ipsQueryStart(1_699_999_000_000, true, now); got != 1_699_999_001_000 {
		t.Fatalf("cursor should advance one second past the newest event, got=%d", got)
	}
	if got := ipsQueryStart(0, false, now); got != now.Add(-24*time.Hour).UnixMilli() {
		t.Fatalf("empty table should look back 24h, got=%d", got)
	}
}
