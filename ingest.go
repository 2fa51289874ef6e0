package main

import (
	"encoding/json"
	"strconv"
	"time"
)

var riskSeverity = map[string]int{
	"high":   SeverityHigh,
	"medium": SeverityMedium,
	"low":    SeverityLow,
}

// parseThreatEvent normalizes one raw controller IPS record. Network 10.x
// traffic flows carry a nested "ips" object; anything else is the flat
// legacy stat/ips/event shape.
func parseThreatEvent(raw map[string]any, nowMs int64) ThreatEvent {
	if _, ok := raw["ips"]; ok {
		return parseV2TrafficFlow(raw, nowMs)
	}
	return parseLegacyIPSEvent(raw, nowMs)
}

func parseV2TrafficFlow(raw map[string]any, nowMs int64) ThreatEvent {
	ips, _ := raw["ips"].(map[string]any)
	source, _ := raw["source"].(map[string]any)
	destination, _ := raw["destination"].(map[string]any)

	timestamp := nowMs
	if ts := pickFloat(raw, []string{"time"}); ts != nil {
		timestamp = int64(*ts)
	}

	severity := SeverityLow
	if s, ok := riskSeverity[pickString(raw, []string{"risk"})]; ok {
		severity = s
	}

	action := pickString(raw, []string{"action"})
	switch action {
	case "allowed", "":
		action = "alert"
	case "blocked", "dropped", "rejected":
		action = "block"
	}

	// Timestamp fallback keeps the id deterministic so re-fetching the same
	// flow cannot produce a second row.
	eventID := pickString(raw, []string{"id"})
	if eventID == "" {
		eventID = strconv.FormatInt(timestamp, 10)
	}

	signature := pickString(ips, []string{"signature"})
	message := pickString(ips, []string{"advanced_information"})
	if message == "" {
		message = signature
	}

	rawJSON, _ := json.Marshal(raw)
	ev := ThreatEvent{
		EventID:     eventID,
		FlowID:      pickString(ips, []string{"session_id"}),
		Timestamp:   timestamp,
		Signature:   signature,
		Severity:    severity,
		Category:    pickString(ips, []string{"category_name"}),
		Action:      action,
		Message:     message,
		SrcIP:       pickString(source, []string{"ip"}),
		SrcPort:     pickInt(source, []string{"port"}),
		SrcMac:      normalizeMac(pickString(source, []string{"mac"})),
		DestIP:      pickString(destination, []string{"ip"}),
		DestPort:    pickInt(destination, []string{"port"}),
		DestMac:     normalizeMac(pickString(destination, []string{"mac"})),
		Protocol:    pickString(raw, []string{"protocol"}),
		AppProtocol: pickString(raw, []string{"service"}),
		RawData:     string(rawJSON),
		FetchedAt:   nowMs,
	}
	if sigID := pickFloat(ips, []string{"signature_id"}); sigID != nil {
		v := int64(*sigID)
		ev.SignatureID = &v
	}
	return ev
}

func parseLegacyIPSEvent(raw map[string]any, nowMs int64) ThreatEvent {
	timestamp := nowMs
	if ts := pickFloat(raw, []string{"timestamp"}); ts != nil {
		timestamp = int64(*ts)
	} else if ts := pickFloat(raw, []string{"time"}); ts != nil {
		timestamp = int64(*ts)
	}

	eventID := pickString(raw, []string{"_id"})
	if eventID == "" {
		eventID = pickString(raw, []string{"unique_alertid"})
	}
	if eventID == "" {
		eventID = strconv.FormatInt(timestamp, 10)
	}

	severity := SeverityLow
	if s := pickFloat(raw, []string{"inner_alert_severity"}); s != nil {
		if v := int(*s); v >= SeverityHigh && v <= SeverityLow {
			severity = v
		}
	}

	action := pickString(raw, []string{"inner_alert_action"})
	if action == "" {
		action = "alert"
	}

	signature := pickString(raw, []string{"inner_alert_signature"}, []string{"msg"})
	category := pickString(raw, []string{"inner_alert_category"}, []string{"catname"})

	srcGeo, _ := raw["src_ip_geo"].(map[string]any)
	if srcGeo == nil {
		srcGeo, _ = raw["source_ip_geo"].(map[string]any)
	}
	destGeo, _ := raw["dest_ip_geo"].(map[string]any)
	if destGeo == nil {
		destGeo, _ = raw["dst_ip_geo"].(map[string]any)
	}

	rawJSON, _ := json.Marshal(raw)
	ev := ThreatEvent{
		EventID:     eventID,
		FlowID:      pickString(raw, []string{"flow_id"}),
		Timestamp:   timestamp,
		Signature:   signature,
		Severity:    severity,
		Category:    category,
		Action:      action,
		Message:     pickString(raw, []string{"msg"}),
		SrcIP:       pickString(raw, []string{"src_ip"}),
		SrcPort:     pickInt(raw, []string{"src_port"}),
		SrcMac:      normalizeMac(pickString(raw, []string{"src_mac"})),
		DestIP:      pickString(raw, []string{"dest_ip"}),
		DestPort:    pickInt(raw, []string{"dest_port"}),
		DestMac:     normalizeMac(pickString(raw, []string{"dst_mac"})),
		Protocol:    pickString(raw, []string{"proto"}),
		AppProtocol: pickString(raw, []string{"app_proto"}),
		Interface:   pickString(raw, []string{"in_iface"}),
		SrcCountry:  pickString(raw, []string{"src_ip_country"}),
		SrcCity:     pickString(srcGeo, []string{"city"}),
		SrcLat:      pickFloat(srcGeo, []string{"latitude"}),
		SrcLon:      pickFloat(srcGeo, []string{"longitude"}),
		SrcASN:      pickString(raw, []string{"src_ip_asn"}),
		SrcOrg:      pickString(srcGeo, []string{"organization"}),
		DestCountry: pickString(raw, []string{"dest_ip_country"}),
		DestCity:    pickString(destGeo, []string{"city"}),
		DestLat:     pickFloat(destGeo, []string{"latitude"}),
		DestLon:     pickFloat(destGeo, []string{"longitude"}),
		DestASN:     pickString(raw, []string{"dst_ip_asn"}),
		DestOrg:     pickString(destGeo, []string{"organization"}),
		SiteID:      pickString(raw, []string{"site_id"}),
		Archived:    pickBool(raw, "archived"),
		RawData:     string(rawJSON),
		FetchedAt:   nowMs,
	}
	if ev.SrcCountry == "" {
		ev.SrcCountry = pickString(srcGeo, []string{"country_code"})
	}
	if ev.DestCountry == "" {
		ev.DestCountry = pickString(destGeo, []string{"country_code"})
	}
	if ev.SrcASN == "" {
		ev.SrcASN = pickString(srcGeo, []string{"asn"})
	}
	if ev.DestASN == "" {
		ev.DestASN = pickString(destGeo, []string{"asn"})
	}
	if sigID := pickFloat(raw, []string{"inner_alert_signature_id"}); sigID != nil {
		v := int64(*sigID)
		ev.SignatureID = &v
	}
	return ev
}

// matchIgnoreRule returns the first enabled rule that covers the event.
// Rules are evaluated in the order given, so callers pass them ordered by id.
func matchIgnoreRule(rules []ThreatIgnoreRule, ev ThreatEvent) *ThreatIgnoreRule {
	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled {
			continue
		}
		ipMatch := (rule.MatchSource && ev.SrcIP == rule.IPAddress) ||
			(rule.MatchDestination && ev.DestIP == rule.IPAddress)
		if !ipMatch {
			continue
		}
		if rule.ignoresSeverity(ev.Severity) {
			return rule
		}
	}
	return nil
}

// threatWebhookEligible decides whether a newly stored, non-ignored event
// should fire a given webhook. Lower severity number means more severe.
func threatWebhookEligible(w ThreatWebhook, ev ThreatEvent) bool {
	if !w.Enabled {
		return false
	}
	if ev.Severity > w.MinSeverity {
		return false
	}
	if ev.Action == "alert" && !w.OnAlert {
		return false
	}
	if ev.Action == "block" && !w.OnBlock {
		return false
	}
	return true
}

// ipsQueryStart picks the fetch window start: one second past the newest
// stored event, or 24 hours back on an empty table.
func ipsQueryStart(latestMs int64, haveEvents bool, now time.Time) int64 {
	if haveEvents {
		return latestMs + 1000
	}
	return now.Add(-24 * time.Hour).UnixMilli()
}
