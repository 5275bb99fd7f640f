package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the binary connection state of a session. A DISCONNECTED session
// keeps its history and settings until the idle timeout evicts it.
type State string

const (
	StateConnected    State = "CONNECTED"
	StateDisconnected State = "DISCONNECTED"
)

// HistoryLimit bounds the per-session conversation history.
const HistoryLimit = 10

// DefaultIdleTimeout is how long a DISCONNECTED session survives.
const DefaultIdleTimeout = 5 * time.Minute

var ErrNotFound = errors.New("session not found")

// Entry is one conversational exchange half.
type Entry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Session is one logical conversation across reconnects. The manager owns
// it; the pipeline coordinator borrows a snapshot for the span of a turn.
type Session struct {
	ID         string    `json:"session_id"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	History    []Entry   `json:"history"`
	TTSSpeed   float64   `json:"tts_speed"`
	VoiceID    string    `json:"voice_id"`
}

// Manager is the session table. It is the only structure shared across
// sessions' goroutines; every mutation happens inside one short critical
// section with no I/O under the lock.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	onEvict     func(Session)
}

func NewManager(idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
	}
}

// SetEvictHook registers a callback invoked (outside the lock) for every
// session removed by the janitor.
func (m *Manager) SetEvictHook(hook func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = hook
}

// Resume restores the session for a presented token, or creates a fresh one
// when the token is absent, unknown, or expired. An expired token is never
// surfaced as an error; the caller just gets a new session. The second
// return reports whether an existing session was restored.
func (m *Manager) Resume(token, defaultVoice string) (Session, bool) {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if token != "" {
		if s, ok := m.sessions[token]; ok {
			s.State = StateConnected
			s.LastSeenAt = now
			return snapshot(s), true
		}
	}

	s := &Session{
		ID:         uuid.NewString(),
		State:      StateConnected,
		CreatedAt:  now,
		LastSeenAt: now,
		TTSSpeed:   1.0,
		VoiceID:    defaultVoice,
	}
	m.sessions[s.ID] = s
	return snapshot(s), false
}

func (m *Manager) Get(id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return snapshot(s), nil
}

// Touch refreshes the idle clock.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastSeenAt = time.Now().UTC()
	return nil
}

// Disconnect marks the session DISCONNECTED. History survives; the idle
// timer starts running from now.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.State = StateDisconnected
	s.LastSeenAt = time.Now().UTC()
	return nil
}

// AppendHistory records one (role, text) entry, trimming to HistoryLimit.
func (m *Manager) AppendHistory(id, role, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.History = append(s.History, Entry{Role: role, Text: text})
	if n := len(s.History); n > HistoryLimit {
		s.History = append(s.History[:0], s.History[n-HistoryLimit:]...)
	}
	s.LastSeenAt = time.Now().UTC()
	return nil
}

func (m *Manager) ClearHistory(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.History = nil
	s.LastSeenAt = time.Now().UTC()
	return nil
}

func (m *Manager) SetTTSSpeed(id string, speed float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.TTSSpeed = speed
	s.LastSeenAt = time.Now().UTC()
	return nil
}

// ConnectedCount reports sessions currently CONNECTED.
func (m *Manager) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s.State == StateConnected {
			n++
		}
	}
	return n
}

// StartJanitor evicts DISCONNECTED sessions past the idle timeout.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.evictIdle()
			}
		}
	}()
}

func (m *Manager) evictIdle() {
	now := time.Now().UTC()
	var evicted []Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.State != StateDisconnected {
			continue
		}
		if now.Sub(s.LastSeenAt) < m.idleTimeout {
			continue
		}
		evicted = append(evicted, snapshot(s))
		delete(m.sessions, id)
	}
	hook := m.onEvict
	m.mu.Unlock()

	if hook != nil {
		for _, s := range evicted {
			hook(s)
		}
	}
}

func snapshot(s *Session) Session {
	c := *s
	c.History = append([]Entry(nil), s.History...)
	return c
}
