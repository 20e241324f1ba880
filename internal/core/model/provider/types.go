package provider

import "context"

// ModelSession represents a live realtime session with a speech model. The
// bridge drives it with raw protocol events and receives decoded events back
// through the handler.
type ModelSession interface {
	// Connect dials the provider and configures the session.
	Connect(ctx context.Context) error

	// SendEvent sends a protocol event to the model.
	SendEvent(event map[string]interface{}) error

	// SetEventHandler sets the handler for events received from the model.
	// Must be called before Connect.
	SetEventHandler(handler func(event map[string]interface{}))

	// Close closes the session.
	Close() error

	// IsConnected returns whether the session is active.
	IsConnected() bool
}

// SessionParams contains everything needed to open a model session for one
// phone call.
type SessionParams struct {
	APIKey         string
	Model          string
	Voice          string
	Instructions   string
	Temperature    *float64
	NoiseReduction string
	Tools          []interface{}
}

// SessionFactory creates a model session from per-call parameters.
type SessionFactory func(params SessionParams) ModelSession
