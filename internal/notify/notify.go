// Package notify is the engine's boundary to the external Notification
// Service. The engine only decides that a dose transitioned and when a
// notification should be requested; channel formatting and delivery belong
// to the service behind this interface.
package notify

import (
	"context"
	"sync"
)

// Urgency grades a notification request.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Request is the payload accepted by the Notification Service.
type Request struct {
	PatientID  string   `json:"patient_id"`
	CommandID  string   `json:"command_id,omitempty"`
	Title      string   `json:"title"`
	Message    string   `json:"message"`
	Urgency    Urgency  `json:"urgency"`
	Recipients []string `json:"recipients,omitempty"`
}

// Notifier requests notifications and reports how many were sent (or
// enqueued, for asynchronous implementations).
type Notifier interface {
	Send(ctx context.Context, req Request) (int, error)
}

// Nop discards every request.
type Nop struct{}

// Send implements Notifier.
func (Nop) Send(context.Context, Request) (int, error) { return 0, nil }

// Recorder captures requests for tests.
type Recorder struct {
	mu       sync.Mutex
	Requests []Request
}

// Send implements Notifier.
func (r *Recorder) Send(_ context.Context, req Request) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Requests = append(r.Requests, req)
	return 1, nil
}

// Count returns how many requests were recorded.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Requests)
}
