package ingest

import (
	"sync"

	"github.com/aerobyte/telemkv/telemetry"
)

// busCapacity is the bound on each subscriber's independent buffer.
const busCapacity = 1000

// Bus is a bounded multi-subscriber broadcast channel. Each subscription
// buffers independently; on overflow the oldest undelivered packet is
// dropped for that subscriber only. Publication never blocks the publisher.
//
// Bus assumes a single publisher (the ingest loop); concurrent Publish calls
// are not supported.
type Bus struct {
	mu          sync.Mutex
	subscribers map[uint64]chan telemetry.Packet
	nextID      uint64
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[uint64]chan telemetry.Packet)}
}

// Subscribe registers a new subscriber and returns its id and receive
// channel. The subscriber must call Unsubscribe when it goes away.
func (b *Bus) Subscribe() (uint64, <-chan telemetry.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan telemetry.Packet, busCapacity)
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber. Safe to call more than once.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Publish delivers p to every current subscriber, non-blocking. A
// subscriber whose buffer is full has its oldest packet dropped to make
// room for p.
func (b *Bus) Publish(p telemetry.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- p:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- p:
			default:
			}
		}
	}
}
