package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/studyroom-labs/studyroom/internal/realtime"
)

// PermissionState mirrors the desktop-notification permission states.
type PermissionState string

const (
	PermissionDefault PermissionState = "default"
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
)

// Prompter asks the user for notification permission.
type Prompter interface {
	RequestPermission(ctx context.Context) (PermissionState, error)
}

// SystemNotifier raises a system-level notification.
type SystemNotifier interface {
	Notify(title, message string) error
}

// Toast is a transient on-screen notification card.
type Toast struct {
	NotificationID string
	Title          string
	Message        string
	ShownAt        time.Time
}

// dismissTimer is the cancellable delayed call behind toast auto-dismiss.
type dismissTimer interface {
	Stop() bool
}

type afterFunc func(d time.Duration, fn func()) dismissTimer

func standardAfterFunc(d time.Duration, fn func()) dismissTimer {
	return time.AfterFunc(d, fn)
}

// DispatcherConfig describes the dependencies for a notification dispatcher.
type DispatcherConfig struct {
	Service       *Service
	Feed          *realtime.Feed
	SelfID        string
	Prompter      Prompter
	Notifier      SystemNotifier
	ToastLifetime time.Duration
	RenderToasts  func(toasts []Toast)
	RenderBadge   func(visible bool)
	Clock         func() time.Time
	After         afterFunc
	Logger        *zap.Logger
}

// Dispatcher fans each incoming notification out to three surfaces: a
// transient toast, an optional system notification, and the persistent
// unread badge. Toasts expire on their own; the badge only clears when
// the unread set drains.
type Dispatcher struct {
	service    *Service
	feed       *realtime.Feed
	selfID     string
	prompter   Prompter
	notifier   SystemNotifier
	lifetime   time.Duration
	renderList func([]Toast)
	badge      func(bool)
	clock      func() time.Time
	after      afterFunc
	logger     *zap.Logger

	mu         sync.Mutex
	permission PermissionState
	toasts     []Toast
	timers     map[string]dismissTimer
	badgeOn    bool
	cancel     func()
	closed     bool
}

// NewDispatcher constructs a dispatcher for the local user.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("notify: service required")
	}
	if cfg.Feed == nil {
		return nil, fmt.Errorf("notify: feed required")
	}
	if cfg.SelfID == "" {
		return nil, fmt.Errorf("notify: self id required")
	}
	if cfg.ToastLifetime <= 0 {
		return nil, fmt.Errorf("notify: toast lifetime must be positive")
	}
	renderList := cfg.RenderToasts
	if renderList == nil {
		renderList = func([]Toast) {}
	}
	badge := cfg.RenderBadge
	if badge == nil {
		badge = func(bool) {}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	after := cfg.After
	if after == nil {
		after = standardAfterFunc
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		service:    cfg.Service,
		feed:       cfg.Feed,
		selfID:     cfg.SelfID,
		prompter:   cfg.Prompter,
		notifier:   cfg.Notifier,
		lifetime:   cfg.ToastLifetime,
		renderList: renderList,
		badge:      badge,
		clock:      clock,
		after:      after,
		logger:     logger,
		permission: PermissionDefault,
		timers:     map[string]dismissTimer{},
	}, nil
}

// Start requests permission once if undecided, seeds the badge from
// stored unread rows, then begins consuming notification events.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.requestPermission(ctx)

	count, err := d.service.UnreadCount(ctx, d.selfID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel()
		return fmt.Errorf("notify: dispatcher already closed")
	}
	d.cancel = cancel
	d.badgeOn = count > 0
	d.mu.Unlock()
	d.badge(count > 0)

	events, unsubscribe := d.feed.Subscribe(runCtx, realtime.Filter{
		Table:  realtime.TableNotifications,
		UserID: d.selfID,
	})
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
				d.handleEvent(event)
			}
		}
	}()
	return nil
}

// Permission reports the state decided at start.
func (d *Dispatcher) Permission() PermissionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permission
}

// Toasts snapshots the toasts currently on screen.
func (d *Dispatcher) Toasts() []Toast {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Toast, len(d.toasts))
	copy(out, d.toasts)
	return out
}

// BadgeVisible reports whether the unread badge is showing.
func (d *Dispatcher) BadgeVisible() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.badgeOn
}

// Close stops event handling and cancels every pending dismiss timer.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	cancel := d.cancel
	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
	d.toasts = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (d *Dispatcher) requestPermission(ctx context.Context) {
	d.mu.Lock()
	undecided := d.permission == PermissionDefault
	d.mu.Unlock()
	if !undecided || d.prompter == nil {
		return
	}

	state, err := d.prompter.RequestPermission(ctx)
	if err != nil {
		d.logger.Warn("notification permission prompt failed", zap.Error(err))
		return
	}
	d.mu.Lock()
	d.permission = state
	d.mu.Unlock()
}

func (d *Dispatcher) handleEvent(event realtime.Event) {
	notification, ok := event.Row.(Notification)
	if !ok || notification.UserID != d.selfID {
		return
	}

	switch event.Kind {
	case realtime.KindInsert:
		d.deliver(notification)
	case realtime.KindUpdate:
		d.applyReadState(notification)
	}
}

func (d *Dispatcher) deliver(notification Notification) {
	toast := Toast{
		NotificationID: notification.NotificationID,
		Title:          notification.Title,
		Message:        notification.Message,
		ShownAt:        d.clock().UTC(),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.toasts = append(d.toasts, toast)
	d.badgeOn = true
	d.timers[notification.NotificationID] = d.after(d.lifetime, func() {
		d.dismiss(notification.NotificationID)
	})
	snapshot := make([]Toast, len(d.toasts))
	copy(snapshot, d.toasts)
	granted := d.permission == PermissionGranted
	d.mu.Unlock()

	d.renderList(snapshot)
	d.badge(true)

	if granted && d.notifier != nil {
		if err := d.notifier.Notify(notification.Title, notification.Message); err != nil {
			d.logger.Warn("system notification failed",
				zap.String("notification_id", notification.NotificationID),
				zap.Error(err),
			)
		}
	}
}

func (d *Dispatcher) dismiss(notificationID string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	delete(d.timers, notificationID)
	kept := d.toasts[:0]
	for _, toast := range d.toasts {
		if toast.NotificationID != notificationID {
			kept = append(kept, toast)
		}
	}
	d.toasts = kept
	snapshot := make([]Toast, len(d.toasts))
	copy(snapshot, d.toasts)
	d.mu.Unlock()

	d.renderList(snapshot)
}

// applyReadState re-derives the badge from stored rows after a read-state
// change. The badge is persistent, so one marked row only clears it once
// no unread notification remains.
func (d *Dispatcher) applyReadState(notification Notification) {
	if !notification.IsRead {
		return
	}

	count, err := d.service.UnreadCount(context.Background(), d.selfID)
	if err != nil {
		d.logger.Warn("unread recount failed", zap.Error(err))
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.badgeOn = count > 0
	d.mu.Unlock()

	d.badge(count > 0)
}
