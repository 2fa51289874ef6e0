package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDeviceWebhookWants(t *testing.T) {
	w := DeviceWebhook{Enabled: true, OnConnected: true, OnBlocked: true}

	if !deviceWebhookWants(w, eventConnected) || !deviceWebhookWants(w, eventBlocked) {
		t.Fatalf("enabled event types should fire")
	}
	if deviceWebhookWants(w, eventRoamed) || deviceWebhookWants(w, eventDisconnected) {
		t.Fatalf("disabled event types must not fire")
	}

	w.Enabled = false
	if deviceWebhookWants(w, eventConnected) {
		t.Fatalf("disabled webhook must never fire")
	}
}

func TestBuildPayloadShapes(t *testing.T) {
	n := &Notifier{}

	slack := n.buildPayload("slack", "hello", map[string]any{"event": "x"})
	if slack["text"] != "hello" || len(slack) != 1 {
		t.Fatalf("slack payload: %+v", slack)
	}

	discord := n.buildPayload("discord", "hello", map[string]any{"event": "x"})
	if discord["content"] != "hello" || len(discord) != 1 {
		t.Fatalf("discord payload: %+v", discord)
	}

	generic := n.buildPayload("generic", "hello", map[string]any{"event": "device_connected"})
	if generic["message"] != "hello" || generic["event"] != "device_connected" {
		t.Fatalf("generic payload: %+v", generic)
	}
	if _, ok := generic["timestamp"]; !ok {
		t.Fatalf("generic payload missing timestamp: %+v", generic)
	}
}

func TestDeviceEventDelivery(t *testing.T) {
	t.Parallel()
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		received <- body
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	st := newTestStore(t)
	n := NewNotifier(st, newWSHub(log), log)
	ctx := context.Background()

	w, err := st.CreateDeviceWebhook(ctx, DeviceWebhook{
		Name:      "test-hook",
		Type:      "slack",
		URL:       srv.URL,
		OnRoamed:  true,
		Enabled:   true,
		CreatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("create webhook: %v", err)
	}

	n.DeviceEvents(ctx, []deviceEvent{
		{Type: eventRoamed, Device: TrackedDevice{MacAddress: "11:22:33:44:55:66"}, Message: "Phone moved to Upstairs AP"},
		{Type: eventConnected, Device: TrackedDevice{MacAddress: "11:22:33:44:55:66"}, Message: "Phone connected"},
	})

	select {
	case body := <-received:
		if body["text"] != "Phone moved to Upstairs AP" {
			t.Fatalf("payload: %+v", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("webhook never delivered")
	}

	// Only the roamed event matches the flags.
	select {
	case body := <-received:
		t.Fatalf("unexpected second delivery: %+v", body)
	case <-time.After(200 * time.Millisecond):
	}

	// last_triggered is written after the 2xx response; poll for it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		hooks, err := st.ListDeviceWebhooks(ctx)
		if err != nil {
			t.Fatalf("list webhooks: %v", err)
		}
		if len(hooks) == 1 && hooks[0].ID == w.ID && hooks[0].LastTriggered != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("last_triggered never set: %+v", hooks)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestThreatEventDeliveryFiltersSeverity(t *testing.T) {
	t.Parallel()
	hits := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
		rw.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	st := newTestStore(t)
	n := NewNotifier(st, newWSHub(log), log)
	ctx := context.Background()

	if _, err := st.CreateThreatWebhook(ctx, ThreatWebhook{
		Name:        "soc",
		Type:        "generic",
		URL:         srv.URL,
		MinSeverity: SeverityHigh,
		OnAlert:     true,
		OnBlock:     true,
		Enabled:     true,
	}); err != nil {
		t.Fatalf("create webhook: %v", err)
	}

	n.ThreatEvents(ctx, []ThreatEvent{
		{EventID: "ev-1", Severity: SeverityHigh, Action: "alert", Signature: "sig"},
		{EventID: "ev-2", Severity: SeverityLow, Action: "alert", Signature: "sig"},
	})

	select {
	case <-hits:
	case <-time.After(5 * time.Second):
		t.Fatalf("high severity event never delivered")
	}
	select {
	case <-hits:
		t.Fatalf("low severity event should have been filtered")
	case <-time.After(200 * time.Millisecond):
	}
}
