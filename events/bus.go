package events

import (
	"sync"
	"time"
)

const (
	// ChannelLaunchFinished carries LaunchFinished values.
	ChannelLaunchFinished = "launch.finished"
	// ChannelItemRetried carries ItemRetried values.
	ChannelItemRetried = "item.retried"

	maxConcurrentPublishers = 64
)

// LaunchFinished is published once a launch finish has been persisted.
type LaunchFinished struct {
	LaunchID  int64
	ProjectID int64
	UserLogin string
	BaseURL   string
}

// ItemRetried is published after a retry link has been written.
type ItemRetried struct {
	LaunchID   int64
	ItemID     int64
	PreviousID int64
	LinkedAt   time.Time
}

// CallbackFn receives data published on a channel. Publisher and subscriber
// agree on the concrete type per channel.
type CallbackFn func(data any)

// Bus is an in-process publish/subscribe hub. Every callback runs on its own
// goroutine; at most maxConcurrentPublishers callbacks run at a time.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]CallbackFn
	slots    chan struct{}
	inflight sync.WaitGroup
}

func NewBus() *Bus {
	return &Bus{
		handlers: map[string][]CallbackFn{},
		slots:    make(chan struct{}, maxConcurrentPublishers),
	}
}

// Publish hands data to every subscriber of channel.
func (b *Bus) Publish(channel string, data any) {
	b.mu.RLock()
	callbacks := b.handlers[channel]
	b.mu.RUnlock()

	for _, callback := range callbacks {
		b.slots <- struct{}{}
		b.inflight.Add(1)
		go func(callback CallbackFn) {
			defer func() {
				<-b.slots
				b.inflight.Done()
			}()
			callback(data)
		}(callback)
	}
}

// SubscribeAsync registers callback for channel.
func (b *Bus) SubscribeAsync(channel string, callback CallbackFn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channel] = append(b.handlers[channel], callback)
}

// Wait blocks until every callback started so far has returned.
func (b *Bus) Wait() {
	b.inflight.Wait()
}
