// Package broker is a small in-process pub/sub used to push usage
// notifications to connected websocket clients.
package broker

import (
	"sync"
)

// UsageEvent announces recorded token usage for one user.
type UsageEvent struct {
	ExternalID string  `json:"external_id"`
	Tokens     int64   `json:"tokens"`
	CostUSD    float64 `json:"cost_usd"`
}

// UsageTopic names the per-user usage channel.
func UsageTopic(externalID string) string {
	return "usage_update_" + externalID
}

type Broker struct {
	subscribers map[string][]chan UsageEvent
	mu          sync.RWMutex
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[string][]chan UsageEvent),
	}
}

func (b *Broker) Subscribe(topic string) <-chan UsageEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan UsageEvent, 4)
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	return ch
}

func (b *Broker) Unsubscribe(topic string, ch <-chan UsageEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if chans, ok := b.subscribers[topic]; ok {
		for i, c := range chans {
			if c == ch {
				b.subscribers[topic] = append(chans[:i], chans[i+1:]...)
				close(c)
				break
			}
		}
	}
}

// Publish delivers to every subscriber of the topic. Slow consumers
// with a full buffer are skipped rather than blocking the sender.
func (b *Broker) Publish(topic string, event UsageEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- event:
		default:
		}
	}
}
