package main

import "fmt"

// Device transition types. Webhook flags and websocket frames key off these.
const (
	eventConnected    = "connected"
	eventDisconnected = "disconnected"
	eventRoamed       = "roamed"
	eventBlocked      = "blocked"
	eventUnblocked    = "unblocked"
)

type deviceEvent struct {
	Type    string
	Device  TrackedDevice
	Message string
}

// reconcileOutcome is the full decision for one device in one poll cycle.
// The caller applies the history operations and state write in its
// transaction and dispatches the events after commit.
type reconcileOutcome struct {
	Device       TrackedDevice
	Changed      bool
	CloseHistory bool
	OpenHistory  *ConnectionHistory
	Events       []deviceEvent
}

// reconcileDevice compares a tracked device's stored state with one frozen
// snapshot and decides what changed. It performs no I/O. blocked is nil when
// the controller's blocked lookup failed this cycle; the stored flag is then
// left alone.
func reconcileDevice(dev TrackedDevice, rec ClientRecord, present bool, names map[string]string, blocked *bool, nowMs int64) reconcileOutcome {
	out := reconcileOutcome{Device: dev}
	d := &out.Device

	if blocked != nil && *blocked != d.IsBlocked {
		d.IsBlocked = *blocked
		out.Changed = true
		evType := eventUnblocked
		if *blocked {
			evType = eventBlocked
		}
		out.Events = append(out.Events, deviceEvent{
			Type:    evType,
			Message: fmt.Sprintf("%s is now %s on the controller", deviceLabel(*d), evType),
		})
	}

	switch {
	case present:
		wasConnected := d.IsConnected
		hadLocation := d.CurrentAPMac != "" || d.CurrentSwitchMac != "" || d.CurrentSwitchPort != nil

		newWired := rec.IsWired
		locationChanged := newWired != d.IsWired
		if !locationChanged {
			if newWired {
				locationChanged = rec.SwitchMac != d.CurrentSwitchMac || !intPtrEqual(rec.SwitchPort, d.CurrentSwitchPort)
			} else {
				locationChanged = rec.APMac != d.CurrentAPMac
			}
		}

		d.IsConnected = true
		d.IsWired = newWired
		d.LastSeen = nowMs
		d.CurrentIPAddress = rec.IP
		if newWired {
			d.CurrentAPMac = ""
			d.CurrentAPName = ""
			d.CurrentSignal = nil
			d.CurrentSwitchMac = rec.SwitchMac
			d.CurrentSwitchName = names[rec.SwitchMac]
			d.CurrentSwitchPort = rec.SwitchPort
		} else {
			d.CurrentSwitchMac = ""
			d.CurrentSwitchName = ""
			d.CurrentSwitchPort = nil
			d.CurrentAPMac = rec.APMac
			d.CurrentAPName = names[rec.APMac]
			d.CurrentSignal = rec.Signal
		}
		out.Changed = true

		if !wasConnected {
			out.Events = append(out.Events, deviceEvent{
				Type:    eventConnected,
				Message: fmt.Sprintf("%s connected at %s", deviceLabel(*d), locationLabel(*d)),
			})
		}
		if locationChanged {
			// Superseding a still-open segment only makes sense if the
			// device was online with a known location before this cycle.
			out.CloseHistory = wasConnected && hadLocation
			out.Events = append(out.Events, deviceEvent{
				Type:    eventRoamed,
				Message: fmt.Sprintf("%s moved to %s", deviceLabel(*d), locationLabel(*d)),
			})
		}
		if !wasConnected || locationChanged {
			out.OpenHistory = &ConnectionHistory{
				DeviceID:    d.ID,
				IsWired:     d.IsWired,
				APMac:       d.CurrentAPMac,
				APName:      d.CurrentAPName,
				SwitchMac:   d.CurrentSwitchMac,
				SwitchName:  d.CurrentSwitchName,
				SwitchPort:  d.CurrentSwitchPort,
				ConnectedAt: nowMs,
				Signal:      d.CurrentSignal,
			}
		}

	case d.IsConnected:
		// Tracked device dropped out of the snapshot. Last known location is
		// kept on the record for display.
		d.IsConnected = false
		out.Changed = true
		out.CloseHistory = true
		out.Events = append(out.Events, deviceEvent{
			Type:    eventDisconnected,
			Message: fmt.Sprintf("%s disconnected", deviceLabel(*d)),
		})
	}

	for i := range out.Events {
		out.Events[i].Device = *d
	}
	return out
}

func deviceLabel(d TrackedDevice) string {
	if d.FriendlyName != "" {
		return d.FriendlyName
	}
	return d.MacAddress
}

func locationLabel(d TrackedDevice) string {
	if d.IsWired {
		name := d.CurrentSwitchName
		if name == "" {
			name = d.CurrentSwitchMac
		}
		if name == "" {
			return "wired network"
		}
		if d.CurrentSwitchPort != nil {
			return fmt.Sprintf("%s port %d", name, *d.CurrentSwitchPort)
		}
		return name
	}
	if d.CurrentAPName != "" {
		return d.CurrentAPName
	}
	if d.CurrentAPMac != "" {
		return d.CurrentAPMac
	}
	return "wireless network"
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
