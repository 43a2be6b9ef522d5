// Package eventbus publishes stream and turn events to NATS so other
// processes can follow generation progress and conversation activity.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ShayCichocki/quill/pkg/models"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "quill"

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// TurnEvent describes one handled conversation turn.
type TurnEvent struct {
	SessionID  string          `json:"session_id"`
	ActorID    string          `json:"actor_id,omitempty"`
	Status     string          `json:"status"`
	Capability string          `json:"capability,omitempty"`
	Workflow   string          `json:"workflow,omitempty"`
	Step       string          `json:"step,omitempty"`
	Decision   models.Decision `json:"decision"`
	Streaming  bool            `json:"streaming,omitempty"`
	At         time.Time       `json:"at"`
}

// streamMessage is the wire form of a stream event.
type streamMessage struct {
	ResourceID string `json:"resource_id"`
	models.StreamEvent
}

// Publisher sends events to NATS. A nil *Publisher publishes nothing.
type Publisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

// Connect dials url and returns a publisher on it.
func Connect(url, prefix string, logger *slog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("quill"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return New(nc, prefix, logger), nil
}

// New wraps an existing connection.
func New(conn Conn, prefix string, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{conn: conn, prefix: prefix, logger: logger}
}

// StreamSubject is the subject for events of a resource:
// <prefix>.stream.<resource>.<type>.
func (p *Publisher) StreamSubject(resourceID string, t models.StreamEventType) string {
	return strings.Join([]string{p.prefix, "stream", token(resourceID), string(t)}, ".")
}

// TurnSubject is the subject for turns of a session: <prefix>.turn.<session>.
func (p *Publisher) TurnSubject(sessionID string) string {
	return strings.Join([]string{p.prefix, "turn", token(sessionID)}, ".")
}

// Publish sends a stream event. It satisfies streaming.Sink.
func (p *Publisher) Publish(ctx context.Context, resourceID string, ev models.StreamEvent) error {
	if p == nil {
		return nil
	}
	return p.send(ctx, p.StreamSubject(resourceID, ev.Type), streamMessage{ResourceID: resourceID, StreamEvent: ev})
}

// PublishTurn sends a turn event.
func (p *Publisher) PublishTurn(ctx context.Context, ev TurnEvent) error {
	if p == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return p.send(ctx, p.TurnSubject(ev.SessionID), ev)
}

func (p *Publisher) send(ctx context.Context, subject string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("published event", "subject", subject, "bytes", len(data))
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

// token makes s safe to use as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
