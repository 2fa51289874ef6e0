package main

import "testing"

func intp(v int) *int { return &v }

func boolp(v bool) *bool { return &v }

func wirelessRecord(mac, apMac string, signal int) ClientRecord {
	return ClientRecord{
		Mac:    mac,
		IP:     "192.168.1.50",
		APMac:  apMac,
		Signal: intp(signal),
	}
}

func countEvents(events []deviceEvent, eventType string) int {
	n := 0
	for _, ev := range events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func TestReconcileAbsentOfflineDeviceIsNoop(t *testing.T) {
	dev := TrackedDevice{ID: 1, MacAddress: "aa:bb:cc:dd:ee:01"}
	out := reconcileDevice(dev, ClientRecord{}, false, nil, nil, 1_700_000_000_000)

	if out.Changed {
		t.Fatalf("absent offline device should not change, got %+v", out.Device)
	}
	if len(out.Events) != 0 {
		t.Fatalf("expected no events, got %d", len(out.Events))
	}
	if out.CloseHistory || out.OpenHistory != nil {
		t.Fatalf("expected no history operations")
	}
}

func TestReconcileFirstConnectOpensHistory(t *testing.T) {
	nowMs := int64(1_700_000_000_000)
	dev := TrackedDevice{ID: 1, MacAddress: "aa:bb:cc:dd:ee:01"}
	names := map[string]string{"aa:bb:cc:00:00:01": "Upstairs AP"}
	rec := wirelessRecord(dev.MacAddress, "aa:bb:cc:00:00:01", -60)

	out := reconcileDevice(dev, rec, true, names, nil, nowMs)

	if !out.Changed || !out.Device.IsConnected {
		t.Fatalf("expected device to come online, got %+v", out.Device)
	}
	if countEvents(out.Events, eventConnected) != 1 {
		t.Fatalf("expected one connected event, got %+v", out.Events)
	}
	if out.CloseHistory {
		t.Fatalf("first connect must not close history")
	}
	if out.OpenHistory == nil {
		t.Fatalf("expected a new history segment")
	}
	if out.OpenHistory.APMac != "aa:bb:cc:00:00:01" || out.OpenHistory.APName != "Upstairs AP" {
		t.Fatalf("unexpected segment location: %+v", out.OpenHistory)
	}
	if out.OpenHistory.ConnectedAt != nowMs {
		t.Fatalf("segment should start at poll time, got %d", out.OpenHistory.ConnectedAt)
	}
	if out.Device.LastSeen != nowMs {
		t.Fatalf("last_seen not stamped")
	}
}

func TestReconcileRoamClosesAndReopensSegment(t *testing.T) {
	nowMs := int64(1_700_000_060_000)
	dev := TrackedDevice{
		ID:            2,
		MacAddress:    "aa:bb:cc:dd:ee:02",
		IsConnected:   true,
		CurrentAPMac:  "aa:bb:cc:00:00:01",
		CurrentAPName: "Upstairs AP",
	}
	names := map[string]string{"aa:bb:cc:00:00:02": "Downstairs AP"}
	rec := wirelessRecord(dev.MacAddress, "aa:bb:cc:00:00:02", -55)

	out := reconcileDevice(dev, rec, true, names, nil, nowMs)

	if countEvents(out.Events, eventRoamed) != 1 {
		t.Fatalf("expected one roamed event, got %+v", out.Events)
	}
	if countEvents(out.Events, eventConnected) != 0 {
		t.Fatalf("a roam of an online device must not emit connected")
	}
	if !out.CloseHistory {
		t.Fatalf("roam must close the previous segment")
	}
	if out.OpenHistory == nil || out.OpenHistory.APMac != "aa:bb:cc:00:00:02" {
		t.Fatalf("roam must open a segment at the new AP, got %+v", out.OpenHistory)
	}
	if out.Device.CurrentAPName != "Downstairs AP" {
		t.Fatalf("AP name not resolved: %q", out.Device.CurrentAPName)
	}
}

func TestReconcileSameLocationKeepsSegmentOpen(t *testing.T) {
	dev := TrackedDevice{
		ID:           3,
		MacAddress:   "aa:bb:cc:dd:ee:03",
		IsConnected:  true,
		CurrentAPMac: "aa:bb:cc:00:00:01",
	}
	rec := wirelessRecord(dev.MacAddress, "aa:bb:cc:00:00:01", -62)

	out := reconcileDevice(dev, rec, true, nil, nil, 1_700_000_000_000)

	if len(out.Events) != 0 {
		t.Fatalf("steady state should emit nothing, got %+v", out.Events)
	}
	if out.CloseHistory || out.OpenHistory != nil {
		t.Fatalf("steady state should not touch history")
	}
	if !out.Changed {
		t.Fatalf("last_seen and signal refresh should still be persisted")
	}
}

func TestReconcileDisconnectClosesSegment(t *testing.T) {
	dev := TrackedDevice{
		ID:            4,
		MacAddress:    "aa:bb:cc:dd:ee:04",
		IsConnected:   true,
		CurrentAPMac:  "aa:bb:cc:00:00:01",
		CurrentAPName: "Upstairs AP",
	}

	out := reconcileDevice(dev, ClientRecord{}, false, nil, nil, 1_700_000_000_000)

	if out.Device.IsConnected {
		t.Fatalf("device should be marked offline")
	}
	if !out.CloseHistory {
		t.Fatalf("disconnect must close the open segment")
	}
	if out.OpenHistory != nil {
		t.Fatalf("disconnect must not open a segment")
	}
	if countEvents(out.Events, eventDisconnected) != 1 {
		t.Fatalf("expected one disconnected event, got %+v", out.Events)
	}
	if out.Device.CurrentAPMac != "aa:bb:cc:00:00:01" {
		t.Fatalf("last known location should be kept for display")
	}
}

func TestReconcileWiredPortChangeIsRoam(t *testing.T) {
	dev := TrackedDevice{
		ID:                5,
		MacAddress:        "aa:bb:cc:dd:ee:05",
		IsConnected:       true,
		IsWired:           true,
		CurrentSwitchMac:  "aa:bb:cc:00:00:10",
		CurrentSwitchPort: intp(4),
	}
	rec := ClientRecord{
		Mac:        dev.MacAddress,
		IsWired:    true,
		SwitchMac:  "aa:bb:cc:00:00:10",
		SwitchPort: intp(7),
	}

	out := reconcileDevice(dev, rec, true, nil, nil, 1_700_000_000_000)

	if countEvents(out.Events, eventRoamed) != 1 {
		t.Fatalf("moving ports on the same switch is a roam, got %+v", out.Events)
	}
	if !out.CloseHistory || out.OpenHistory == nil {
		t.Fatalf("port move must rotate the history segment")
	}
	if out.OpenHistory.SwitchPort == nil || *out.OpenHistory.SwitchPort != 7 {
		t.Fatalf("new segment should carry the new port, got %+v", out.OpenHistory)
	}
}

func TestReconcileMediumChangeIsRoam(t *testing.T) {
	dev := TrackedDevice{
		ID:           6,
		MacAddress:   "aa:bb:cc:dd:ee:06",
		IsConnected:  true,
		CurrentAPMac: "aa:bb:cc:00:00:01",
	}
	rec := ClientRecord{
		Mac:        dev.MacAddress,
		IsWired:    true,
		SwitchMac:  "aa:bb:cc:00:00:10",
		SwitchPort: intp(2),
	}

	out := reconcileDevice(dev, rec, true, nil, nil, 1_700_000_000_000)

	if countEvents(out.Events, eventRoamed) != 1 {
		t.Fatalf("wireless to wired must be a roam, got %+v", out.Events)
	}
	if !out.Device.IsWired {
		t.Fatalf("device should now be wired")
	}
	if out.Device.CurrentAPMac != "" || out.Device.CurrentSignal != nil {
		t.Fatalf("wireless fields must be cleared on a wired device: %+v", out.Device)
	}
}

func TestReconcileBlockedFlagTransitions(t *testing.T) {
	dev := TrackedDevice{ID: 7, MacAddress: "aa:bb:cc:dd:ee:07"}

	out := reconcileDevice(dev, ClientRecord{}, false, nil, boolp(true), 1_700_000_000_000)
	if !out.Device.IsBlocked || countEvents(out.Events, eventBlocked) != 1 {
		t.Fatalf("expected blocked transition, got %+v", out.Events)
	}

	out = reconcileDevice(out.Device, ClientRecord{}, false, nil, boolp(false), 1_700_000_001_000)
	if out.Device.IsBlocked || countEvents(out.Events, eventUnblocked) != 1 {
		t.Fatalf("expected unblocked transition, got %+v", out.Events)
	}

	// A failed lookup leaves the stored flag alone.
	out = reconcileDevice(dev, ClientRecord{}, false, nil, nil, 1_700_000_002_000)
	if len(out.Events) != 0 {
		t.Fatalf("nil blocked state must not emit events")
	}
}
