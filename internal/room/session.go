package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/studyroom-labs/studyroom/internal/chat"
	"github.com/studyroom-labs/studyroom/internal/focustimer"
	"github.com/studyroom-labs/studyroom/internal/ids"
	"github.com/studyroom-labs/studyroom/internal/notify"
	"github.com/studyroom-labs/studyroom/internal/presence"
	"github.com/studyroom-labs/studyroom/internal/realtime"
	"github.com/studyroom-labs/studyroom/internal/receipts"
	"github.com/studyroom-labs/studyroom/internal/status"
	"github.com/studyroom-labs/studyroom/internal/typing"
	"github.com/studyroom-labs/studyroom/internal/users"
)

// Identity is the authenticated user bound to a session. It is fixed at
// login and discarded with the session.
type Identity struct {
	UserID   string
	Email    string
	Username string
}

// Renderers carries the optional per-surface render callbacks. A nil
// callback leaves that surface silent.
type Renderers struct {
	Chat     func(chat.Snapshot)
	Presence func([]presence.OnlineUser)
	Typing   func(text string)
	Toasts   func([]notify.Toast)
	Badge    func(visible bool)
	Timer    func(focustimer.State)
}

// SessionConfig describes the dependencies for one room session.
type SessionConfig struct {
	Identity      Identity
	Users         *users.Service
	Chat          *chat.Service
	Status        *status.Service
	Presence      *presence.Store
	Typing        *typing.Store
	Notifications *notify.Service
	Marker        *receipts.Marker
	Feed          *realtime.Feed
	IDProvider    ids.Provider
	Prompter      notify.Prompter
	Notifier      notify.SystemNotifier

	Heartbeat     time.Duration
	TypingIdle    time.Duration
	ToastLifetime time.Duration
	TimerTick     time.Duration

	Render Renderers
	Logger *zap.Logger
}

// Session is the live state of one user in the study room. It owns the
// presence tracker, typing debouncer and monitor, read-receipt marker,
// notification dispatcher, and the live chat view, and tears them all
// down together.
type Session struct {
	identity      Identity
	chat          *chat.Service
	status        *status.Service
	marker        *receipts.Marker
	notifications *notify.Service
	logger        *zap.Logger

	tracker    *presence.Tracker
	debouncer  *typing.Debouncer
	monitor    *typing.Monitor
	dispatcher *notify.Dispatcher
	liveView   *chat.LiveView

	timer       *focustimer.Timer
	timerTick   time.Duration
	renderTimer func(focustimer.State)

	mu          sync.Mutex
	timerCancel func()

	sessionID string
}

// NewSession wires a session's components without starting any of them.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Identity.UserID == "" {
		return nil, errors.New("room: identity required")
	}
	if cfg.Users == nil || cfg.Chat == nil || cfg.Status == nil {
		return nil, errors.New("room: core services required")
	}
	if cfg.Presence == nil || cfg.Typing == nil || cfg.Notifications == nil || cfg.Marker == nil {
		return nil, errors.New("room: sync services required")
	}
	if cfg.Feed == nil {
		return nil, errors.New("room: feed required")
	}
	if cfg.IDProvider == nil {
		return nil, errors.New("room: id provider required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sessionID, err := cfg.IDProvider.NewID()
	if err != nil {
		return nil, fmt.Errorf("room: session id: %w", err)
	}

	tracker, err := presence.NewTracker(presence.TrackerConfig{
		Store:     cfg.Presence,
		Users:     cfg.Users,
		Feed:      cfg.Feed,
		SelfID:    cfg.Identity.UserID,
		SessionID: sessionID,
		Heartbeat: cfg.Heartbeat,
		Render:    cfg.Render.Presence,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	debouncer, err := typing.NewDebouncer(typing.DebouncerConfig{
		Store:      cfg.Typing,
		UserID:     cfg.Identity.UserID,
		IdleWindow: cfg.TypingIdle,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	typingRender := cfg.Render.Typing
	if typingRender == nil {
		typingRender = func(string) {}
	}
	monitor, err := typing.NewMonitor(typing.MonitorConfig{
		Feed:   cfg.Feed,
		Users:  cfg.Users,
		SelfID: cfg.Identity.UserID,
		Render: typingRender,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	dispatcher, err := notify.NewDispatcher(notify.DispatcherConfig{
		Service:       cfg.Notifications,
		Feed:          cfg.Feed,
		SelfID:        cfg.Identity.UserID,
		Prompter:      cfg.Prompter,
		Notifier:      cfg.Notifier,
		ToastLifetime: cfg.ToastLifetime,
		RenderToasts:  cfg.Render.Toasts,
		RenderBadge:   cfg.Render.Badge,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	timerTick := cfg.TimerTick
	if timerTick <= 0 {
		timerTick = time.Second
	}
	renderTimer := cfg.Render.Timer
	if renderTimer == nil {
		renderTimer = func(focustimer.State) {}
	}

	session := &Session{
		identity:      cfg.Identity,
		chat:          cfg.Chat,
		status:        cfg.Status,
		marker:        cfg.Marker,
		notifications: cfg.Notifications,
		logger:        logger,
		tracker:       tracker,
		debouncer:     debouncer,
		monitor:       monitor,
		dispatcher:    dispatcher,
		timer:         focustimer.NewTimer(),
		timerTick:     timerTick,
		renderTimer:   renderTimer,
		sessionID:     sessionID,
	}

	liveView, err := chat.NewLiveView(chat.LiveViewConfig{
		Service: cfg.Chat,
		Feed:    cfg.Feed,
		Render:  cfg.Render.Chat,
		// Every reload means those messages are on screen, so the
		// receipt pass rides along with it.
		OnRefresh: session.markVisible,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	session.liveView = liveView

	return session, nil
}

// Identity returns the user bound to this session.
func (s *Session) Identity() Identity {
	return s.identity
}

// SessionID returns the identifier distinguishing this connection's
// presence rows from prior ones.
func (s *Session) SessionID() string {
	return s.sessionID
}

// Start brings every room feature up. Each step is guarded on its own:
// one feature failing to start is logged and skipped, the rest proceed.
func (s *Session) Start(ctx context.Context) {
	if err := s.ensureDefaultStatus(ctx); err != nil {
		s.logger.Warn("session default status failed",
			zap.String("user_id", s.identity.UserID),
			zap.Error(err),
		)
	}
	if err := s.tracker.Start(ctx); err != nil {
		s.logger.Warn("session presence start failed",
			zap.String("user_id", s.identity.UserID),
			zap.Error(err),
		)
	}
	s.monitor.Start(ctx)
	if err := s.dispatcher.Start(ctx); err != nil {
		s.logger.Warn("session notifications start failed",
			zap.String("user_id", s.identity.UserID),
			zap.Error(err),
		)
	}
	if err := s.liveView.Start(ctx); err != nil {
		s.logger.Warn("session chat start failed",
			zap.String("user_id", s.identity.UserID),
			zap.Error(err),
		)
	}
	s.startTimerLoop(ctx)
}

// startTimerLoop drives the focus timer one tick per interval. The loop
// stops when the session closes, not only when ctx ends.
func (s *Session) startTimerLoop(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.timerCancel = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.timerTick)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				finished := s.timer.Tick()
				state := s.timer.Snapshot()
				if state.Running || finished {
					s.renderTimer(state)
				}
				if finished {
					s.quarterFinished(runCtx, state)
				}
			}
		}
	}()
}

func (s *Session) quarterFinished(ctx context.Context, state focustimer.State) {
	message := fmt.Sprintf("Focus quarter complete. Streak: %d", state.Streak)
	if _, err := s.notifications.Create(ctx, s.identity.UserID, "Focus timer", message); err != nil {
		s.logger.Warn("focus quarter notification failed",
			zap.String("user_id", s.identity.UserID),
			zap.Error(err),
		)
	}
}

// Close tears the session down best-effort: offline announce, timers
// stopped, subscriptions cancelled. Safe to call more than once.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	cancel := s.timerCancel
	s.timerCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.debouncer.Close(ctx)
	s.monitor.Close()
	s.dispatcher.Close()
	s.liveView.Close()
	s.tracker.Close()
}

// SendMessage posts to the room chat under the session identity.
func (s *Session) SendMessage(ctx context.Context, text string) (chat.Message, error) {
	return s.chat.Send(ctx, s.identity.UserID, s.identity.Username, text)
}

// Keystroke feeds the typing debouncer.
func (s *Session) Keystroke(ctx context.Context) {
	s.debouncer.Keystroke(ctx)
}

// SetVisibility relays tab visibility to the presence tracker.
func (s *Session) SetVisibility(ctx context.Context, visibility presence.Visibility) {
	s.tracker.SetVisibility(ctx, visibility)
}

// SetStatus updates the user's study status.
func (s *Session) SetStatus(ctx context.Context, text string) error {
	return s.status.Set(ctx, s.identity.UserID, text)
}

// OnlineCount reports how many users the tracker currently sees online.
func (s *Session) OnlineCount() int {
	return s.tracker.OnlineCount()
}

// StartTimer begins the focus countdown and renders the new state.
func (s *Session) StartTimer() focustimer.State {
	s.timer.Start()
	state := s.timer.Snapshot()
	s.renderTimer(state)
	return state
}

// ResetTimer stops the countdown, restores the full quarter, and renders.
func (s *Session) ResetTimer() focustimer.State {
	s.timer.Reset()
	state := s.timer.Snapshot()
	s.renderTimer(state)
	return state
}

// TimerState snapshots the focus timer.
func (s *Session) TimerState() focustimer.State {
	return s.timer.Snapshot()
}

// ensureDefaultStatus writes the default status for first-time entrants
// and leaves an existing choice alone.
func (s *Session) ensureDefaultStatus(ctx context.Context) error {
	_, err := s.status.Get(ctx, s.identity.UserID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return s.status.Set(ctx, s.identity.UserID, status.DefaultStatus)
}

func (s *Session) markVisible(ctx context.Context) {
	if err := s.marker.MarkVisible(ctx, s.identity.UserID); err != nil {
		s.logger.Warn("read receipt pass failed",
			zap.String("user_id", s.identity.UserID),
			zap.Error(err),
		)
	}
}
