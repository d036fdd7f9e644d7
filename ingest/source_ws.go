package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// WSSource is a FrameSource backed by a gorilla/websocket client connection
// to the upstream binary telemetry stream, replacing the hand-rolled RFC6455
// framing of the original OpenSky-era client with the pack's websocket
// library.
type WSSource struct {
	url    string
	dialer *websocket.Dialer
	conn   *websocket.Conn
}

// NewWSSource builds a WSSource targeting url (e.g.
// "ws://localhost:8080/ws/binary").
func NewWSSource(url string) *WSSource {
	return &WSSource{url: url, dialer: websocket.DefaultDialer}
}

func (s *WSSource) Connect(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("ingest: dial %s: %w", s.url, err)
	}
	s.conn = conn
	return nil
}

func (s *WSSource) ReadFrame(ctx context.Context) ([]byte, error) {
	if s.conn == nil {
		return nil, fmt.Errorf("ingest: not connected")
	}
	// Unblock the pending read when ctx is cancelled.
	conn := s.conn
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *WSSource) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
