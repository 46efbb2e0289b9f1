package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Event is published once per finished job.
type Event struct {
	BatchID    string    `json:"batch_id"`
	Seq        int       `json:"seq"`
	Job        string    `json:"job"`
	Binding    string    `json:"binding"`
	GPU        int       `json:"gpu"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	ExitCode   int       `json:"exit_code"`
	DurationMS int64     `json:"duration_ms"`
	Detail     string    `json:"detail,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Publisher sends outcome events to a NATS subject.
type Publisher struct {
	nc      conn
	subject string
}

// Connect dials the NATS server at url. Reconnects are unlimited so a broker
// restart mid-batch does not fail the renders.
func Connect(url, subject string) (*Publisher, error) {
	if url == "" {
		return nil, fmt.Errorf("nats url is empty")
	}
	if subject == "" {
		return nil, fmt.Errorf("nats subject is empty")
	}
	nc, err := nats.Connect(url,
		nats.Name("rendergate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	return &Publisher{nc: nc, subject: subject}, nil
}

func (p *Publisher) Subject() string { return p.subject }

// Publish encodes ev as JSON and publishes it. The context is checked before
// sending; NATS core publish itself does not block on the server.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.subject, b); err != nil {
		return fmt.Errorf("publish to %s: %w", p.subject, err)
	}
	return nil
}

func (p *Publisher) Close() {
	if p != nil && p.nc != nil {
		_ = p.nc.Drain()
	}
}
