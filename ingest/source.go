// Package ingest drives the single-writer ingest loop and the broadcast
// fan-out bus: decode -> persist -> publish, in that order, plus subscriber
// onboarding with backfill-then-live ordering.
package ingest

import "context"

// FrameSource is a transport-agnostic upstream of raw binary telemetry
// frames. Implementations connect lazily and block in ReadFrame until a
// frame arrives, the connection drops, or ctx is cancelled.
type FrameSource interface {
	// Connect establishes (or re-establishes) the upstream connection.
	Connect(ctx context.Context) error
	// ReadFrame blocks for exactly one upstream frame.
	ReadFrame(ctx context.Context) ([]byte, error)
	// Close releases any connection resources.
	Close() error
}
