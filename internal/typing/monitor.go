package typing

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/studyroom-labs/studyroom/internal/realtime"
	"github.com/studyroom-labs/studyroom/internal/users"
)

// MonitorConfig describes the dependencies for a typing monitor.
type MonitorConfig struct {
	Feed   *realtime.Feed
	Users  *users.Service
	SelfID string
	Render func(text string)
	Logger *zap.Logger
}

// Monitor projects peers' typing flags onto a single display slot.
// The slot shows the most recent typer; a later event always wins,
// so two overlapping typers resolve to whoever wrote last.
type Monitor struct {
	feed   *realtime.Feed
	users  *users.Service
	selfID string
	render func(string)
	logger *zap.Logger

	mu          sync.Mutex
	current     string
	currentUser string
	cancel      func()
	closed      bool
}

// NewMonitor constructs a monitor for the shared typing slot.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Feed == nil {
		return nil, fmt.Errorf("typing: feed required")
	}
	if cfg.Users == nil {
		return nil, fmt.Errorf("typing: users service required")
	}
	if cfg.SelfID == "" {
		return nil, fmt.Errorf("typing: self id required")
	}
	if cfg.Render == nil {
		return nil, fmt.Errorf("typing: render callback required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		feed:   cfg.Feed,
		users:  cfg.Users,
		selfID: cfg.SelfID,
		render: cfg.Render,
		logger: logger,
	}, nil
}

// Start subscribes to typing events and begins updating the slot.
func (m *Monitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return
	}
	m.cancel = cancel
	m.mu.Unlock()

	events, unsubscribe := m.feed.Subscribe(runCtx, realtime.Filter{Table: realtime.TableTypingIndicators})
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				m.handleEvent(runCtx, event)
			}
		}
	}()
}

// Close stops the monitor and clears the slot.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.render("")
}

// Current reports the text currently in the slot.
func (m *Monitor) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Monitor) handleEvent(ctx context.Context, event realtime.Event) {
	if event.UserID == "" || event.UserID == m.selfID {
		return
	}
	record, ok := event.Row.(Record)
	if !ok {
		return
	}

	text := ""
	if record.IsTyping {
		username := "User"
		profile, err := m.users.Lookup(ctx, record.UserID)
		if err != nil {
			m.logger.Warn("typing monitor profile lookup failed",
				zap.String("user_id", record.UserID),
				zap.Error(err),
			)
		} else if profile.Username != "" {
			username = profile.Username
		}
		text = fmt.Sprintf("%s is typing...", username)
	} else {
		// A stop event only clears the slot when it belongs to the
		// user currently shown; another typer keeps the slot.
		m.mu.Lock()
		keep := m.current != "" && m.currentUser != record.UserID
		m.mu.Unlock()
		if keep {
			return
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.current = text
	if text == "" {
		m.currentUser = ""
	} else {
		m.currentUser = record.UserID
	}
	m.mu.Unlock()

	m.render(text)
}
