package relay

import (
	"context"
	"sync"

	"github.com/casalink/casalink/internal/logging"
	"github.com/casalink/casalink/internal/protocol"
)

// FeedEvent is one feed update from a hub, tagged with the hub it came from.
type FeedEvent struct {
	Mac  string
	Feed protocol.Feed
}

// FeedBus fans feed updates out to subscribers. Delivery is best effort: a
// subscriber that cannot keep up has events dropped rather than stalling
// the hub read loop.
type FeedBus struct {
	logger logging.Logger

	mu   sync.Mutex
	subs map[chan FeedEvent]string
}

func NewFeedBus(logger logging.Logger) *FeedBus {
	return &FeedBus{logger: logger, subs: make(map[chan FeedEvent]string)}
}

// Subscribe registers a subscriber for feed events from the given hub, or
// from all hubs when mac is empty. The returned cancel func must be called
// to release the subscription.
func (b *FeedBus) Subscribe(mac string, buffer int) (<-chan FeedEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan FeedEvent, buffer)

	b.mu.Lock()
	b.subs[ch] = mac
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers a feed event to all matching subscribers, dropping it
// for any subscriber whose buffer is full.
func (b *FeedBus) Publish(ctx context.Context, event FeedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch, mac := range b.subs {
		if mac != "" && mac != event.Mac {
			continue
		}
		select {
		case ch <- event:
		default:
			b.logger.Warn(ctx, "slow feed subscriber, dropping event",
				"mac", event.Mac, "feedType", string(event.Feed.FeedType))
		}
	}
}

// Subscribers reports the current subscription count.
func (b *FeedBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
