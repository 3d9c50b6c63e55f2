package redpanda

import (
	"context"
	"testing"
)

func TestEnvelopeHeaders(t *testing.T) {
	env := Envelope{
		Topic:     TopicDoseEvents,
		Key:       "patient-1",
		EventType: "dose_taken",
		CommandID: "cmd-1",
	}

	hs := env.headers(context.Background())
	got := make(map[string]string, len(hs))
	for _, h := range hs {
		got[h.Key] = string(h.Value)
	}

	if got["event-type"] != "dose_taken" {
		t.Errorf("event-type header %q", got["event-type"])
	}
	if got["command-id"] != "cmd-1" {
		t.Errorf("command-id header %q", got["command-id"])
	}
	if got["source"] != "dose-engine" {
		t.Errorf("source header %q", got["source"])
	}
	if _, ok := got["traceparent"]; ok {
		t.Error("traceparent set without an active span")
	}
}

func TestEnvelopeHeadersOmitEmpty(t *testing.T) {
	hs := Envelope{Topic: TopicAuditTrail, Key: "cmd-1"}.headers(context.Background())
	for _, h := range hs {
		if h.Key == "event-type" || h.Key == "command-id" {
			t.Errorf("unexpected %s header on untyped envelope", h.Key)
		}
	}
}

func TestMessageDecode(t *testing.T) {
	msg := &Message{
		Topic:   TopicNotificationRequests,
		Value:   []byte(`{"patient_id":"patient-1","title":"Missed medication"}`),
		Headers: map[string]string{"event-type": "notification_requested", "command-id": "cmd-1"},
	}

	var payload struct {
		PatientID string `json:"patient_id"`
		Title     string `json:"title"`
	}
	if err := msg.Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.PatientID != "patient-1" || payload.Title != "Missed medication" {
		t.Errorf("decoded %+v", payload)
	}
	if msg.EventType() != "notification_requested" {
		t.Errorf("event type %q", msg.EventType())
	}
	if msg.CommandID() != "cmd-1" {
		t.Errorf("command id %q", msg.CommandID())
	}
}

func TestMessageDecodeMalformed(t *testing.T) {
	msg := &Message{Topic: TopicNotificationRequests, Value: []byte("not json")}
	var v map[string]interface{}
	if err := msg.Decode(&v); err == nil {
		t.Fatal("malformed payload decoded without error")
	}
}
