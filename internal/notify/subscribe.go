package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Subscription relays outcome events from a NATS subject to a handler.
type Subscription struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

// Subscribe connects to url and calls handle for every event published on
// subject. Messages that are not outcome events are dropped and reported to
// onError when it is non-nil.
func Subscribe(url, subject string, handle func(Event), onError func(error)) (*Subscription, error) {
	if url == "" {
		return nil, fmt.Errorf("nats url is empty")
	}
	if subject == "" {
		return nil, fmt.Errorf("nats subject is empty")
	}
	nc, err := nats.Connect(url,
		nats.Name("rendergate-serve"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := DecodeEvent(msg.Data)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		handle(ev)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return &Subscription{nc: nc, sub: sub}, nil
}

// DecodeEvent parses one published outcome.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.BatchID == "" || ev.State == "" {
		return Event{}, fmt.Errorf("decode event: missing batch_id or state")
	}
	return ev, nil
}

func (s *Subscription) Close() {
	if s == nil || s.nc == nil {
		return
	}
	_ = s.sub.Unsubscribe()
	_ = s.nc.Drain()
}
