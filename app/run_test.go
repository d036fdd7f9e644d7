package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerobyte/telemkv/config"
	"github.com/aerobyte/telemkv/ingest"
)

func TestNewFrameSourceSelectsTransport(t *testing.T) {
	ws, err := newFrameSource(config.Config{Transport: "ws", UpstreamURL: "ws://localhost:8080/ws/binary"})
	require.NoError(t, err)
	assert.IsType(t, &ingest.WSSource{}, ws)

	def, err := newFrameSource(config.Config{UpstreamURL: "ws://localhost:8080/ws/binary"})
	require.NoError(t, err)
	assert.IsType(t, &ingest.WSSource{}, def)

	nats, err := newFrameSource(config.Config{Transport: "nats", UpstreamURL: "nats://localhost:4222", NATSSubject: "telemkv.telemetry"})
	require.NoError(t, err)
	assert.IsType(t, &ingest.NATSSource{}, nats)
}

func TestNewFrameSourceRejectsUnknownTransport(t *testing.T) {
	_, err := newFrameSource(config.Config{Transport: "carrier-pigeon"})
	assert.Error(t, err)
}
