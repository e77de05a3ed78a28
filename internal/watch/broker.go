// Package watch fans the daemon's activity feed out to any number of
// subscribers. New subscribers get a replay of recent events, then the
// live stream; a slow subscriber loses its oldest buffered events
// rather than stalling publishers.
package watch

import (
	"context"
	"sync"

	"coderunner"
)

const (
	// subscriberBufferCap is 128 events per subscriber.
	subscriberBufferCap = 128
	// replayBufferCap is 256: how much recent history a new subscriber
	// sees before the live stream.
	replayBufferCap = 256
)

// Broker is a single-topic activity fanout. The zero value is not
// usable; call NewBroker.
type Broker struct {
	mu     sync.Mutex
	subs   map[uint64]chan coderunner.Activity
	nextID uint64
	replay []coderunner.Activity
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[uint64]chan coderunner.Activity)}
}

// Publish appends the event to the replay ring and delivers it to
// every subscriber. Never blocks.
func (b *Broker) Publish(ev coderunner.Activity) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.replay = appendReplay(b.replay, ev)
	for _, ch := range b.subs {
		deliver(ch, ev)
	}
}

// Subscribe registers a subscriber that lives until ctx is cancelled.
// The returned channel first carries the replay buffer, then live
// events, and is closed on unsubscribe.
func (b *Broker) Subscribe(ctx context.Context) <-chan coderunner.Activity {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan coderunner.Activity, subscriberBufferCap)
	for _, ev := range b.replay {
		deliver(ch, ev)
	}
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()
	return ch
}

// Subscribers reports the current subscriber count.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// deliver pushes ev into ch, evicting the channel's oldest event when
// it is full. The subscriber may drain concurrently; the loop settles
// either way.
func deliver(ch chan coderunner.Activity, ev coderunner.Activity) {
	for {
		select {
		case ch <- ev:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func appendReplay(replay []coderunner.Activity, ev coderunner.Activity) []coderunner.Activity {
	if len(replay) < replayBufferCap {
		return append(replay, ev)
	}
	copy(replay, replay[1:])
	replay[len(replay)-1] = ev
	return replay
}
