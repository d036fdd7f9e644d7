package ingest

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/aerobyte/telemkv/kv"
	"github.com/aerobyte/telemkv/monitoring"
	"github.com/aerobyte/telemkv/telemetry"
)

// ReconnectDelay is the fixed backoff between upstream reconnect attempts.
const ReconnectDelay = 5 * time.Second

// Coupler drives C1->C4->C3 and the broadcast bus: it owns the single
// exclusive lock over the store+segmenter pair, the ingest loop, and
// subscriber onboarding (backfill then live tail).
type Coupler struct {
	mu        sync.RWMutex
	store     *kv.Store
	segmenter *telemetry.Segmenter
	bus       *Bus
}

// NewCoupler wires a store and segmenter pair behind a single lock.
func NewCoupler(store *kv.Store, segmenter *telemetry.Segmenter) *Coupler {
	return &Coupler{store: store, segmenter: segmenter, bus: NewBus()}
}

// IngestLoop connects to source and, for each received frame, decodes it,
// persists it under the segmenter's exclusive lock, and publishes it to the
// bus. Decode failures drop the frame silently; on disconnect or error it
// waits ReconnectDelay and reconnects indefinitely. It returns only when ctx
// is cancelled.
func (c *Coupler) IngestLoop(ctx context.Context, source FrameSource) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := source.Connect(ctx); err != nil {
			log.Printf("ingest: connect failed: %v", err)
			if !sleepOrDone(ctx, ReconnectDelay) {
				return
			}
			continue
		}

		for {
			frame, err := source.ReadFrame(ctx)
			if err != nil {
				if ctx.Err() != nil {
					_ = source.Close()
					return
				}
				log.Printf("ingest: upstream disconnected: %v", err)
				break
			}

			packet, err := telemetry.Decode(frame)
			if err != nil {
				monitoring.IngestFramesTotal.WithLabelValues("dropped").Inc()
				continue
			}

			c.mu.Lock()
			saveErr := c.segmenter.SavePacket(packet)
			c.mu.Unlock()
			if saveErr != nil {
				log.Printf("ingest: save_packet failed: %v", saveErr)
				monitoring.IngestFramesTotal.WithLabelValues("dropped").Inc()
				continue
			}
			monitoring.IngestFramesTotal.WithLabelValues("saved").Inc()

			c.bus.Publish(packet)
		}

		_ = source.Close()
		if !sleepOrDone(ctx, ReconnectDelay) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Subscribe attaches a new subscriber: it acquires a read lock, queries the
// currently-open flight's backfill, then subscribes to the bus for the live
// tail. Backfill is delivered in ascending-timestamp order; within live, the
// order the ingest loop publishes. There is no cross-subscriber ordering
// guarantee.
//
// The returned backfill slice and live channel must be consumed by the
// caller; the caller is responsible for calling Unsubscribe when its
// transport goes away.
func (c *Coupler) Subscribe() (backfill []telemetry.Packet, id uint64, live <-chan telemetry.Packet) {
	c.mu.RLock()
	if currentID, ok := c.segmenter.GetCurrentFlightID(); ok {
		backfill = c.segmenter.GetFlightData(currentID)
	}
	c.mu.RUnlock()

	id, live = c.bus.Subscribe()
	return backfill, id, live
}

// Unsubscribe detaches a subscriber from the bus.
func (c *Coupler) Unsubscribe(id uint64) {
	c.bus.Unsubscribe(id)
}

// ListFlights acquires the lock and returns the flight list.
func (c *Coupler) ListFlights() []telemetry.FlightMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.segmenter.ListFlights()
}

// GetFlight acquires the lock and returns one flight's metadata.
func (c *Coupler) GetFlight(id string) (telemetry.FlightMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.segmenter.GetFlight(id)
}

// GetFlightData acquires the lock and returns one flight's packets.
func (c *Coupler) GetFlightData(id string) []telemetry.Packet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.segmenter.GetFlightData(id)
}

// DeleteFlight acquires the exclusive lock and deletes a flight.
func (c *Coupler) DeleteFlight(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.segmenter.DeleteFlight(id)
}

// StoreFragmentation acquires a read lock and returns the store's current
// fragmentation ratio.
func (c *Coupler) StoreFragmentation() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.FragmentationRatio()
}

// Save acquires the exclusive lock and snapshots the store to disk.
func (c *Coupler) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Save()
}

// Close acquires the exclusive lock and closes the store, triggering its
// scoped-acquisition save contract.
func (c *Coupler) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Close()
}
