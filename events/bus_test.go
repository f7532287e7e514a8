package events

import (
	"sync"
	"testing"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var got []int64
	for i := 0; i < 3; i++ {
		bus.SubscribeAsync(ChannelLaunchFinished, func(data any) {
			event := data.(LaunchFinished)
			mu.Lock()
			got = append(got, event.LaunchID)
			mu.Unlock()
		})
	}
	bus.SubscribeAsync(ChannelItemRetried, func(data any) {
		t.Errorf("unexpected delivery on %s", ChannelItemRetried)
	})

	bus.Publish(ChannelLaunchFinished, LaunchFinished{LaunchID: 7})
	bus.Wait()

	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(got))
	}
	for _, id := range got {
		if id != 7 {
			t.Fatalf("expected launch 7, got %d", id)
		}
	}
}

func TestBusPublishWithoutSubscribers(t *testing.T) {
	bus := NewBus()
	bus.Publish("nobody", struct{}{})
	bus.Wait()
}
