package ingest

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSSource is an alternative FrameSource: it subscribes to a NATS subject
// carrying raw binary telemetry frames instead of dialing a websocket
// directly. Useful when the upstream sensor node publishes through a
// message broker rather than exposing its own socket.
type NATSSource struct {
	url     string
	subject string
	conn    *nats.Conn
	sub     *nats.Subscription
	msgs    chan *nats.Msg
}

// NewNATSSource builds a NATSSource for the given server URL and subject.
func NewNATSSource(url, subject string) *NATSSource {
	return &NATSSource{url: url, subject: subject}
}

func (s *NATSSource) Connect(ctx context.Context) error {
	conn, err := nats.Connect(s.url)
	if err != nil {
		return fmt.Errorf("ingest: nats connect %s: %w", s.url, err)
	}
	s.msgs = make(chan *nats.Msg, busCapacity)
	sub, err := conn.ChanSubscribe(s.subject, s.msgs)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ingest: nats subscribe %s: %w", s.subject, err)
	}
	s.conn = conn
	s.sub = sub
	return nil
}

func (s *NATSSource) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.msgs:
		if !ok {
			return nil, fmt.Errorf("ingest: nats subscription closed")
		}
		return msg.Data, nil
	}
}

func (s *NATSSource) Close() error {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
		s.sub = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return nil
}
