package room

import (
	"context"
	"errors"
	"sync"
)

// SessionFactory builds a session for an authenticated identity with the
// connection's render callbacks.
type SessionFactory func(identity Identity, render Renderers) (*Session, error)

// Manager tracks the live session per user. A user re-entering the room
// replaces their previous session, which is closed first so its presence
// row and timers do not linger.
type Manager struct {
	factory SessionFactory

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager constructs a session manager.
func NewManager(factory SessionFactory) (*Manager, error) {
	if factory == nil {
		return nil, errors.New("room: session factory required")
	}
	return &Manager{
		factory:  factory,
		sessions: make(map[string]*Session),
	}, nil
}

// Open builds, registers, and starts a session for the identity.
func (m *Manager) Open(ctx context.Context, identity Identity, render Renderers) (*Session, error) {
	session, err := m.factory(identity, render)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	previous := m.sessions[identity.UserID]
	m.sessions[identity.UserID] = session
	m.mu.Unlock()

	if previous != nil {
		previous.Close(ctx)
	}

	session.Start(ctx)
	return session, nil
}

// Lookup returns the live session for the user, if any.
func (m *Manager) Lookup(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[userID]
	return session, ok
}

// Release closes and forgets the user's session. Releasing a session
// that was already replaced is a no-op.
func (m *Manager) Release(ctx context.Context, session *Session) {
	if session == nil {
		return
	}

	m.mu.Lock()
	current := m.sessions[session.identity.UserID]
	if current == session {
		delete(m.sessions, session.identity.UserID)
	}
	m.mu.Unlock()

	session.Close(ctx)
}

// CloseAll tears down every live session.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, session := range sessions {
		session.Close(ctx)
	}
}
