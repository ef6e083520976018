// Package eventbus carries in-process lifecycle signals between the module
// manager, the connection registry and the host.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the host.
const (
	ModuleLoaded      = "module.loaded"
	ModuleSkipped     = "module.skipped"
	ModuleFailed      = "module.failed"
	ModuleInvalid     = "module.invalid"
	ConnectionMissing = "connection.missing"
	DefinitionChanged = "definition.changed"
)

// Event is a small signal. Publish never blocks: a subscriber whose buffer is
// full misses the event.
type Event struct {
	Type   string
	Time   time.Time
	Module string
	Data   map[string]any
}

type Bus interface {
	Publish(e Event)
	// Subscribe receives every event whose type starts with one of the
	// prefixes; no prefix means everything.
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

// Nop discards everything.
func Nop() Bus { return nopBus{} }

type subscriber struct {
	ch       chan Event
	prefixes []string
	dropped  atomic.Uint64
}

func (s *subscriber) wants(typ string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock; unsubscribe takes the write lock
	// before closing, so a send can never hit a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), prefixes: prefixes}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, unsub
}

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
