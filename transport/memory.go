package transport

import (
	"context"
	"errors"
	"sync"
)

const memoryBufferSize = 256

var errClosed = errors.New("transport closed")

// Memory is a process-local broker. Every Send fans out to all current
// subscriptions on the topic; each subscription runs its handler in its own
// goroutine so one slow handler cannot stall publishers or other handlers.
//
// Delivery is at-least-once from the subscriber's point of view: an accepted
// Send blocks until every subscriber's buffer has space rather than dropping.
type Memory struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]*memorySub
	closed bool
}

type memorySub struct {
	ch   chan []byte
	done chan struct{}
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[int]*memorySub)}
}

func (m *Memory) Send(ctx context.Context, topic string, data []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return &Error{Op: "send", Topic: topic, Err: errClosed}
	}
	// Snapshot the subscriber set so delivery happens outside the lock.
	targets := make([]*memorySub, 0, len(m.subs[topic]))
	for _, s := range m.subs[topic] {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	for _, s := range targets {
		// Copy per subscriber so a handler mutating its slice cannot
		// corrupt another subscriber's view.
		msg := append([]byte(nil), data...)
		select {
		case s.ch <- msg:
		case <-s.done:
			// Subscriber went away between snapshot and delivery.
		case <-ctx.Done():
			return &Error{Op: "send", Topic: topic, Err: ctx.Err()}
		}
	}
	return nil
}

func (m *Memory) Subscribe(topic string, h Handler) (*Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &Error{Op: "subscribe", Topic: topic, Err: errClosed}
	}
	if _, ok := m.subs[topic]; !ok {
		m.subs[topic] = make(map[int]*memorySub)
	}
	id := m.nextID
	m.nextID++
	s := &memorySub{
		ch:   make(chan []byte, memoryBufferSize),
		done: make(chan struct{}),
	}
	m.subs[topic][id] = s
	m.mu.Unlock()

	go func() {
		for {
			select {
			case data := <-s.ch:
				h(topic, data)
			case <-s.done:
				return
			}
		}
	}()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if byTopic, ok := m.subs[topic]; ok {
			if sub, exists := byTopic[id]; exists {
				delete(byTopic, id)
				close(sub.done)
			}
			if len(byTopic) == 0 {
				delete(m.subs, topic)
			}
		}
	}
	return newSubscription(topic, cancel), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for topic, byTopic := range m.subs {
		for id, sub := range byTopic {
			close(sub.done)
			delete(byTopic, id)
		}
		delete(m.subs, topic)
	}
	return nil
}
