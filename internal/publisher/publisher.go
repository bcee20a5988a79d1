// Package publisher holds event publisher implementations for
// archived-accession notifications.
package publisher

import "context"

// NoOp discards every event. Useful when no downstream consumer is wired.
type NoOp struct{}

// Publish does nothing and returns a dummy ID.
func (NoOp) Publish(_ context.Context, _ map[string]any) (string, error) {
	return "noop", nil
}

// Close does nothing.
func (NoOp) Close() error { return nil }
