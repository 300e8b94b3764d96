package events

import "sync"

// Memory is a process-local broker. Slow subscribers drop events rather
// than block the publisher.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // routeId -> set of channels
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Memory) Subscribe(routeID string) chan Event {
	ch := make(chan Event, 8)
	b.mu.Lock()
	if b.subs[routeID] == nil {
		b.subs[routeID] = map[chan Event]struct{}{}
	}
	b.subs[routeID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Memory) Unsubscribe(routeID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[routeID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, routeID)
	}
	close(ch)
}

func (b *Memory) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[evt.RouteID] {
		select {
		case ch <- evt:
		default:
		}
	}
}
