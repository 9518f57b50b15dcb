// Package broadcast publishes vehicle snapshots to a shared store for
// cross-process replicas and late joiners, and fans them out to in-process
// subscribers via bounded queues, dropping slow subscribers rather than
// blocking the poll loop on them. Grounded on results_publisher.go's NATS
// publish shape (promoted from a one-shot results publish to a read-then-
// subscribe snapshot store via JetStream KeyValue) and the sagostin-
// goefidash websocket server's non-blocking per-client send pattern.
package broadcast

import (
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// SubscriberQueueCapacity is the bounded queue size per in-process
// subscriber; a full queue marks that subscriber for removal rather than
// blocking publish.
const SubscriberQueueCapacity = 10

const (
	stateKVBucket  = "vehicle-state"
	stateKVKey     = "state"
	updatesSubject = "vehicles.updates"
)

// Broadcaster holds a handle to the shared NATS JetStream KeyValue bucket
// (for cross-process replicas and late joiners) plus the in-process set of
// bounded subscriber channels the HTTP/WebSocket layer reads from.
type Broadcaster struct {
	nc *nats.Conn
	kv nats.KeyValue

	mu          sync.Mutex
	subscribers map[chan []byte]struct{}
}

// New connects to the shared NATS JetStream KeyValue bucket used for the
// overwritable snapshot state, creating it if absent.
func New(nc *nats.Conn) (*Broadcaster, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("broadcast: jetstream context: %w", err)
	}

	kv, err := js.KeyValue(stateKVBucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: stateKVBucket})
		if err != nil {
			return nil, fmt.Errorf("broadcast: create kv bucket: %w", err)
		}
	}

	return &Broadcaster{
		nc:          nc,
		kv:          kv,
		subscribers: make(map[chan []byte]struct{}),
	}, nil
}

// Publish serializes the snapshot once as opaque bytes, writes it to the
// shared state key, publishes to the update subject, and fans it out to
// every in-process subscriber via a non-blocking enqueue. Subscribers whose
// queue is full are dropped after the fan-out loop, never awaited.
func (b *Broadcaster) Publish(snapshot []byte) error {
	if _, err := b.kv.Put(stateKVKey, snapshot); err != nil {
		return fmt.Errorf("broadcast: kv put: %w", err)
	}
	if err := b.nc.Publish(updatesSubject, snapshot); err != nil {
		return fmt.Errorf("broadcast: nats publish: %w", err)
	}

	b.fanOut(snapshot)
	return nil
}

// fanOut performs the in-process half of Publish: a non-blocking enqueue to
// every subscriber, dropping (and closing) any whose queue is full.
func (b *Broadcaster) fanOut(snapshot []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var full []chan []byte
	for sub := range b.subscribers {
		select {
		case sub <- snapshot:
		default:
			full = append(full, sub)
		}
	}
	for _, sub := range full {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Subscribe creates a new bounded queue and registers it for fan-out. The
// caller should read from the returned channel until it is closed (which
// happens only if the subscriber falls behind) or call Unsubscribe.
func (b *Broadcaster) Subscribe() chan []byte {
	sub := make(chan []byte, SubscriberQueueCapacity)
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe deregisters sub. Safe to call even if sub was already dropped
// for being slow.
func (b *Broadcaster) Unsubscribe(sub chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// LatestSnapshot reads the current state key, returning (nil, nil) if no
// snapshot has ever been published.
func (b *Broadcaster) LatestSnapshot() ([]byte, error) {
	entry, err := b.kv.Get(stateKVKey)
	if err == nats.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broadcast: kv get: %w", err)
	}
	return entry.Value(), nil
}
