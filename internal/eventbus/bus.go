// Package eventbus fans engine events out to in-process listeners. Publish
// never blocks: a listener that falls behind loses events, and the loss is
// counted.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeInboundFlushed   = "inbound.flushed"
	TypeDispatchStarted  = "dispatch.started"
	TypeDispatchProgress = "dispatch.progress"
	TypeDispatchCooldown = "dispatch.cooldown"
	TypeDispatchPhase    = "dispatch.phase"
	TypeDispatchFinished = "dispatch.finished"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Topic is the part of the type before the first dot ("dispatch").
func (e Event) Topic() string {
	t, _, _ := strings.Cut(e.Type, ".")
	return t
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a channel of the given capacity (8 when <= 0).
	// When topics are given only events of those topics are delivered.
	Subscribe(buffer int, topics ...string) (ch <-chan Event, unsubscribe func())
}

// Stats is a point-in-time view of a bus, for health output.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

func New() *Memory {
	return &Memory{}
}

// Memory is the in-process Bus. It owns no goroutines.
type Memory struct {
	mu        sync.RWMutex
	listeners []*listener

	published atomic.Uint64
	dropped   atomic.Uint64
}

type listener struct {
	ch     chan Event
	topics []string
	closed bool
}

func (l *listener) wants(topic string) bool {
	if len(l.topics) == 0 {
		return true
	}
	for _, t := range l.topics {
		if t == topic {
			return true
		}
	}
	return false
}

func (m *Memory) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	m.published.Add(1)
	topic := e.Topic()

	// Sends happen under the read lock; unsubscribe takes the write lock
	// before closing, so a send never hits a closed channel.
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.listeners {
		if !l.wants(topic) {
			continue
		}
		select {
		case l.ch <- e:
		default:
			m.dropped.Add(1)
		}
	}
}

func (m *Memory) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	l := &listener{ch: make(chan Event, buffer), topics: topics}

	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()

	return l.ch, func() { m.remove(l) }
}

func (m *Memory) remove(l *listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for i, cur := range m.listeners {
		if cur == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			break
		}
	}
	close(l.ch)
}

func (m *Memory) Stats() Stats {
	m.mu.RLock()
	n := len(m.listeners)
	m.mu.RUnlock()
	return Stats{Subscribers: n, Published: m.published.Load(), Dropped: m.dropped.Load()}
}

// Publish is a nil-safe helper for components whose bus is optional.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Data: data})
}
