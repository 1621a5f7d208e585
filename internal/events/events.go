// Package events publishes a change feed of directory mutations to a
// message broker. Publishing is fire-and-forget: a broker failure is
// logged and never fails the request that triggered it.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Event types emitted on the directory change feed.
const (
	TypeUserCreated = "user.created"
	TypeUserUpdated = "user.updated"
	TypeUserDeleted = "user.deleted"
	TypeRoleChanged = "user.role_changed"
)

// Event describes a single directory mutation.
type Event struct {
	Type     string    `json:"type"`
	Username string    `json:"username"`
	Role     string    `json:"role,omitempty"`
	At       time.Time `json:"at"`
}

// Backend defines the broker-agnostic publish operations used by the app.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Close() error
}

// Publisher wraps a backend with the directory's event vocabulary.
type Publisher struct {
	backend Backend
	channel string
	log     zerolog.Logger
}

// NewPublisher constructs a Publisher for the provided backend and channel.
func NewPublisher(backend Backend, channel string, log zerolog.Logger) *Publisher {
	return &Publisher{backend: backend, channel: channel, log: log}
}

// Emit publishes an event, stamping it with the current time.
func (p *Publisher) Emit(ctx context.Context, evt Event) {
	if p == nil || p.backend == nil {
		return
	}
	evt.At = time.Now()

	data, err := json.Marshal(evt)
	if err != nil {
		p.log.Warn().Err(err).Str("type", evt.Type).Msg("failed to encode event")
		return
	}

	attrs := map[string]string{"type": evt.Type}
	if _, err := p.backend.Publish(ctx, p.channel, data, attrs); err != nil {
		p.log.Warn().Err(err).Str("type", evt.Type).Str("username", evt.Username).Msg("failed to publish event")
	}
}

// Close closes the underlying backend.
func (p *Publisher) Close() error {
	if p == nil || p.backend == nil {
		return nil
	}
	return p.backend.Close()
}
