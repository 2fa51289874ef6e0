package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Notifier fans device transitions and new threat events out to configured
// webhooks and connected websocket clients. Delivery is fire and forget:
// deciding what to send happens inside a poll cycle, sending never does.
type Notifier struct {
	store  *Store
	hub    *wsHub
	log    *slog.Logger
	client *http.Client
}

func NewNotifier(store *Store, hub *wsHub, log *slog.Logger) *Notifier {
	return &Notifier{
		store: store,
		hub:   hub,
		log:   log,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func deviceWebhookWants(w DeviceWebhook, eventType string) bool {
	if !w.Enabled {
		return false
	}
	switch eventType {
	case eventConnected:
		return w.OnConnected
	case eventDisconnected:
		return w.OnDisconnected
	case eventRoamed:
		return w.OnRoamed
	case eventBlocked:
		return w.OnBlocked
	case eventUnblocked:
		return w.OnUnblocked
	}
	return false
}

// DeviceEvents dispatches reconciler transitions. Call after the cycle's
// transaction has committed.
func (n *Notifier) DeviceEvents(ctx context.Context, events []deviceEvent) {
	if len(events) == 0 {
		return
	}
	for _, ev := range events {
		n.hub.Broadcast("device_"+ev.Type, ev.Device)
	}

	webhooks, err := n.store.ListDeviceWebhooks(ctx)
	if err != nil {
		n.log.Warn("list_device_webhooks_failed", "error", err.Error())
		return
	}

	for _, ev := range events {
		for _, w := range webhooks {
			if !deviceWebhookWants(w, ev.Type) {
				continue
			}
			payload := n.buildPayload(w.Type, ev.Message, map[string]any{
				"event":         "device_" + ev.Type,
				"mac_address":   ev.Device.MacAddress,
				"friendly_name": ev.Device.FriendlyName,
				"location":      locationLabel(ev.Device),
				"is_wired":      ev.Device.IsWired,
			})
			go n.deliver(w.ID, w.Name, w.URL, payload, n.store.TouchDeviceWebhook)
		}
	}
}

// ThreatEvents dispatches newly stored, non-ignored threat events.
func (n *Notifier) ThreatEvents(ctx context.Context, events []ThreatEvent) {
	if len(events) == 0 {
		return
	}
	for _, ev := range events {
		n.hub.Broadcast("threat_event", ev)
	}

	webhooks, err := n.store.ListThreatWebhooks(ctx)
	if err != nil {
		n.log.Warn("list_threat_webhooks_failed", "error", err.Error())
		return
	}

	for _, ev := range events {
		for _, w := range webhooks {
			if !threatWebhookEligible(w, ev) {
				continue
			}
			text := threatMessage(ev)
			payload := n.buildPayload(w.Type, text, map[string]any{
				"event":     "threat_event",
				"signature": ev.Signature,
				"severity":  ev.Severity,
				"category":  ev.Category,
				"action":    ev.Action,
				"src_ip":    ev.SrcIP,
				"dest_ip":   ev.DestIP,
			})
			go n.deliver(w.ID, w.Name, w.URL, payload, n.store.TouchThreatWebhook)
		}
	}
}

func threatMessage(ev ThreatEvent) string {
	label := severityLabels[ev.Severity]
	if label == "" {
		label = fmt.Sprintf("Severity %d", ev.Severity)
	}
	msg := fmt.Sprintf("Threat detected (%s)\nSignature: %s\nCategory: %s\nAction: %s",
		label, ev.Signature, ev.Category, ev.Action)
	src := ev.SrcIP
	if ev.SrcCountry != "" {
		src += " (" + ev.SrcCountry + ")"
	}
	return msg + fmt.Sprintf("\nSource: %s\nDestination: %s", src, ev.DestIP)
}

func (n *Notifier) buildPayload(webhookType, text string, fields map[string]any) map[string]any {
	switch webhookType {
	case "slack":
		return map[string]any{"text": text}
	case "discord":
		return map[string]any{"content": text}
	}
	fields["message"] = text
	fields["timestamp"] = time.Now().UnixMilli()
	return fields
}

func (n *Notifier) deliver(id int64, name, url string, payload map[string]any, touch func(context.Context, int64, int64)) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		n.log.Warn("webhook_payload_marshal_failed", "webhook", name, "error", err.Error())
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.log.Warn("webhook_request_failed", "webhook", name, "error", err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn("webhook_delivery_failed", "webhook", name, "error", err.Error())
		return
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.log.Warn("webhook_delivery_rejected", "webhook", name, "status", resp.StatusCode)
		return
	}

	touch(ctx, id, time.Now().UnixMilli())
	n.log.Info("webhook_delivered", "webhook", name)
}
