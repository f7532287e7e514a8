package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultQueueCount   = 10
	DefaultQueueBuffer  = 256
	defaultVirtualNodes = 64
	queueNamePrefix     = "q.reporting."
)

var ErrBrokerClosed = errors.New("broker is closed")

// Queue is one ordered lane of the memory broker.
type Queue struct {
	name string
	ch   chan Message
}

func (q *Queue) Name() string { return q.name }

// Messages is closed when the broker closes.
func (q *Queue) Messages() <-chan Message { return q.ch }

type ringPoint struct {
	hash  uint64
	queue int
}

// MemoryBroker is an in-process consistent-hash exchange. Every queue owns
// a fixed number of points on an xxhash ring and a hash key goes to the
// first point clockwise. Queue names are stable so a key keeps its queue
// across restarts with the same queue count.
type MemoryBroker struct {
	queues []*Queue
	ring   []ringPoint

	mu     sync.RWMutex
	closed bool
}

// NewMemoryBroker creates count queues with buffer slots each.
func NewMemoryBroker(count, buffer int) *MemoryBroker {
	if count <= 0 {
		count = DefaultQueueCount
	}
	if buffer <= 0 {
		buffer = DefaultQueueBuffer
	}
	b := &MemoryBroker{
		queues: make([]*Queue, count),
		ring:   make([]ringPoint, 0, count*defaultVirtualNodes),
	}
	for i := range b.queues {
		name := queueNamePrefix + strconv.Itoa(i)
		b.queues[i] = &Queue{name: name, ch: make(chan Message, buffer)}
		for v := 0; v < defaultVirtualNodes; v++ {
			b.ring = append(b.ring, ringPoint{
				hash:  xxhash.Sum64String(name + "#" + strconv.Itoa(v)),
				queue: i,
			})
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i].hash < b.ring[j].hash })
	return b
}

// QueueFor returns the queue a hash key is bound to.
func (b *MemoryBroker) QueueFor(hashKey string) *Queue {
	h := xxhash.Sum64String(hashKey)
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i].hash >= h })
	if idx == len(b.ring) {
		idx = 0
	}
	return b.queues[b.ring[idx].queue]
}

func (b *MemoryBroker) Queues() []*Queue {
	out := make([]*Queue, len(b.queues))
	copy(out, b.queues)
	return out
}

// Publish blocks while the target queue is full.
func (b *MemoryBroker) Publish(ctx context.Context, msg Message) error {
	key := msg.HashKey()
	if key == "" {
		return ErrMissingHashOn
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	queue := b.QueueFor(key)
	select {
	case queue.ch <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", queue.name, ctx.Err())
	}
}

// Close stops accepting messages and closes every queue. Messages already
// queued are still delivered.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		close(q.ch)
	}
	return nil
}
