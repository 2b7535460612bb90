// Package dispatch delivers named events to registered handlers with per-key
// admission limits and bounded retries.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the unit carried by every backend. Key selects the rate-limit bucket
// (the user id for recurring work) and Attempt counts deliveries so far.
type Event struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent marshals payload and stamps a fresh id.
func NewEvent(name, key string, payload any) (*Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return &Event{
		ID:        uuid.NewString(),
		Name:      name,
		Key:       key,
		Payload:   body,
		Timestamp: time.Now(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func EventFromJSON(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	if ev.Name == "" {
		return nil, fmt.Errorf("event without name")
	}
	return &ev, nil
}

// Handler processes one delivery. Returning an error wrapped with Permanent stops
// retries; any other error is retried under the RetryPolicy.
type Handler func(ctx context.Context, ev *Event) error

// Sender enqueues events for asynchronous delivery.
type Sender interface {
	Send(ctx context.Context, events ...*Event) error
}
