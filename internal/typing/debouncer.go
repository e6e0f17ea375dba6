package typing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Timer is the cancellable delayed call behind the idle window.
type Timer interface {
	Reset(d time.Duration) bool
	Stop() bool
}

// AfterFunc schedules fn after d; injectable for deterministic tests.
type AfterFunc func(d time.Duration, fn func()) Timer

type stdTimer struct{ *time.Timer }

func standardAfterFunc(d time.Duration, fn func()) Timer {
	return stdTimer{time.AfterFunc(d, fn)}
}

// DebouncerConfig describes the dependencies for a typing debouncer.
type DebouncerConfig struct {
	Store      *Store
	UserID     string
	IdleWindow time.Duration
	After      AfterFunc
	Logger     *zap.Logger
}

// Debouncer collapses a burst of keystrokes into a single typing-start
// write and a single typing-stop write once the idle window elapses.
type Debouncer struct {
	store  *Store
	userID string
	idle   time.Duration
	after  AfterFunc
	logger *zap.Logger

	mu     sync.Mutex
	typing bool
	timer  Timer
	closed bool
}

// NewDebouncer constructs a debouncer for one user.
func NewDebouncer(cfg DebouncerConfig) (*Debouncer, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("typing: store required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("typing: user id required")
	}
	if cfg.IdleWindow <= 0 {
		return nil, fmt.Errorf("typing: idle window must be positive")
	}
	after := cfg.After
	if after == nil {
		after = standardAfterFunc
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Debouncer{
		store:  cfg.Store,
		userID: cfg.UserID,
		idle:   cfg.IdleWindow,
		after:  after,
		logger: logger,
	}, nil
}

// Keystroke records one keystroke. The first keystroke of a burst
// announces typing; every subsequent one only pushes the idle deadline.
func (d *Debouncer) Keystroke(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	if d.typing {
		d.timer.Reset(d.idle)
		return
	}

	d.typing = true
	d.emit(ctx, true)
	d.timer = d.after(d.idle, d.idleExpired)
}

func (d *Debouncer) idleExpired() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || !d.typing {
		return
	}
	d.typing = false
	d.emit(context.Background(), false)
}

// Close stops the idle timer and clears the typing flag if it is set.
func (d *Debouncer) Close(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
	}
	if d.typing {
		d.typing = false
		d.emit(ctx, false)
	}
}

// emit writes the flag through the store; failures are logged and
// swallowed so a storage hiccup never breaks the input path.
func (d *Debouncer) emit(ctx context.Context, isTyping bool) {
	if err := d.store.Set(ctx, d.userID, isTyping); err != nil {
		d.logger.Warn("typing indicator write failed",
			zap.String("user_id", d.userID),
			zap.Bool("is_typing", isTyping),
			zap.Error(err),
		)
	}
}
