// Package session models the live host connection and its lifecycle.
//
// The provider never reaches for a global connection object: it is handed a
// Source at construction and reads the current session (nil when
// disconnected) per operation. Capabilities are a descriptor filled once at
// connect time, not probed by reflection.
package session

import (
	"context"
	"sync"

	"github.com/crisrivlop/qsysfs/internal/gateway"
)

// BadCCSID is the sentinel encoding identifier the host reports for an
// unreliable or mixed character encoding.
const BadCCSID = 65535

// Capabilities describes what the connected session can do.
type Capabilities struct {
	// SupportsSQL is true when the host exposes the SQL CLI the
	// source-date overlay needs for its auxiliary queries.
	SupportsSQL bool
}

// Settings carries the connection configuration the provider reacts to.
type Settings struct {
	// SourceDates requests the source-date overlay.
	SourceDates bool
	// ReadOnly forces every presented file to read-only.
	ReadOnly bool
}

// Session is a live connection handle.
type Session struct {
	Gateway  gateway.ContentGateway
	Caps     Capabilities
	CCSID    int
	Settings Settings
}

// Source hands out the current session and can re-establish it. Current
// returns nil when disconnected.
type Source interface {
	Current() *Session
	Reconnect(ctx context.Context) (*Session, error)
}

// EventKind classifies a lifecycle event.
type EventKind int

const (
	Connected EventKind = iota + 1
	Disconnected
	ConfigChanged
)

// Event is one lifecycle notification. Session is set for Connected and
// ConfigChanged events.
type Event struct {
	Kind    EventKind
	Session *Session
}

// Bus fans lifecycle events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe adds a subscriber and returns its event channel. The caller
// must call Unsubscribe when done.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subs, ch)
	close(ch)
	b.mu.Unlock()
}

// Publish sends an event to all subscribers. Non-blocking: drops events for
// slow consumers.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Count returns the current number of subscribers.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DialFunc establishes a session with the previously configured target.
type DialFunc func(ctx context.Context) (*Session, error)

// Manager owns the process-wide session and publishes lifecycle events.
// It implements Source.
type Manager struct {
	dial DialFunc
	bus  *Bus

	mu      sync.RWMutex
	current *Session
}

// NewManager creates a manager that connects via dial.
func NewManager(dial DialFunc) *Manager {
	return &Manager{dial: dial, bus: NewBus()}
}

// Bus returns the lifecycle event bus.
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Current returns the live session, or nil when disconnected.
func (m *Manager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Connect establishes the session and publishes a Connected event.
func (m *Manager) Connect(ctx context.Context) error {
	sess, err := m.dial(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()
	m.bus.Publish(Event{Kind: Connected, Session: sess})
	return nil
}

// Disconnect drops the session and publishes a Disconnected event.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	m.bus.Publish(Event{Kind: Disconnected})
}

// Reconnect re-dials the last target. On success the new session becomes
// current and a Connected event is published.
func (m *Manager) Reconnect(ctx context.Context) (*Session, error) {
	sess, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()
	m.bus.Publish(Event{Kind: Connected, Session: sess})
	return sess, nil
}

// UpdateSettings replaces the current session settings and publishes a
// ConfigChanged event. No-op when disconnected.
func (m *Manager) UpdateSettings(s Settings) {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return
	}
	updated := *m.current
	updated.Settings = s
	m.current = &updated
	m.mu.Unlock()
	m.bus.Publish(Event{Kind: ConfigChanged, Session: m.Current()})
}
