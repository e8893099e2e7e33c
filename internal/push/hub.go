// Package push fans resolved futures out to watchers. Publish never blocks:
// a watcher whose buffer is full is dropped and its channel closed.
package push

import (
	"sync"

	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 32

// Subscription delivers futures for one topic.
type Subscription struct {
	C     <-chan *types.JobFuture
	topic string
	ch    chan *types.JobFuture
	hub   *Hub
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s.topic, s.ch)
}

// Hub routes futures by resource key and by channel code.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan *types.JobFuture]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: make(map[string]map[chan *types.JobFuture]struct{}), buffer: buffer}
}

// Subscribe watches topic, which is a channel code or a resource key.
func (h *Hub) Subscribe(topic string) *Subscription {
	ch := make(chan *types.JobFuture, h.buffer)
	h.mu.Lock()
	set, ok := h.subs[topic]
	if !ok {
		set = make(map[chan *types.JobFuture]struct{})
		h.subs[topic] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()
	return &Subscription{C: ch, topic: topic, ch: ch, hub: h}
}

// Publish sends f to watchers of its key and of its channel.
func (h *Hub) Publish(f *types.JobFuture) {
	if f == nil {
		return
	}
	topics := []string{f.Key}
	if f.Channel != "" && f.Channel != f.Key {
		topics = append(topics, f.Channel)
	}

	var slow []chan *types.JobFuture
	var slowTopics []string
	h.mu.RLock()
	for _, topic := range topics {
		for ch := range h.subs[topic] {
			select {
			case ch <- f.Clone():
			default:
				slow = append(slow, ch)
				slowTopics = append(slowTopics, topic)
			}
		}
	}
	h.mu.RUnlock()

	for i, ch := range slow {
		h.remove(slowTopics[i], ch)
	}
}

// Subscribers counts watchers of topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

func (h *Hub) remove(topic string, ch chan *types.JobFuture) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[topic]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(h.subs, topic)
	}
}
