package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/studyroom-labs/studyroom/internal/realtime"
	"github.com/studyroom-labs/studyroom/internal/users"
)

const (
	defaultHeartbeat = 30 * time.Second
	teardownTimeout  = 2 * time.Second
)

// Visibility mirrors the page's foreground/background state.
type Visibility int

const (
	Foreground Visibility = iota
	Background
)

// OnlineUser is one entry of the tracker's peer cache.
type OnlineUser struct {
	UserID    string
	Username  string
	AvatarURL string
	IsOnline  bool
	LastSeen  time.Time
}

// TrackerConfig describes the dependencies for the presence tracker.
type TrackerConfig struct {
	Store     *Store
	Users     *users.Service
	Feed      *realtime.Feed
	SelfID    string
	SessionID string
	Heartbeat time.Duration
	Render    func([]OnlineUser)
	Logger    *zap.Logger
}

// Tracker announces local liveness and projects peer liveness from feed
// events into an in-process cache. Announcing is best-effort: failures are
// logged and swallowed, never surfaced.
type Tracker struct {
	store     *Store
	users     *users.Service
	feed      *realtime.Feed
	selfID    string
	sessionID string
	heartbeat time.Duration
	render    func([]OnlineUser)
	logger    *zap.Logger

	mu         sync.Mutex
	visibility Visibility
	cache      map[string]OnlineUser
	cancel     func()
	closed     bool
}

// NewTracker constructs the presence tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, errors.New("presence: store required")
	}
	if cfg.Users == nil {
		return nil, errors.New("presence: user service required")
	}
	if cfg.Feed == nil {
		return nil, errors.New("presence: feed required")
	}
	if cfg.SelfID == "" {
		return nil, errors.New("presence: self user id required")
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:      cfg.Store,
		users:      cfg.Users,
		feed:       cfg.Feed,
		selfID:     cfg.SelfID,
		sessionID:  cfg.SessionID,
		heartbeat:  heartbeat,
		render:     cfg.Render,
		logger:     logger,
		visibility: Foreground,
		cache:      make(map[string]OnlineUser),
	}, nil
}

// Start announces online immediately, then heartbeats while foreground and
// consumes peer presence events until ctx is done.
func (t *Tracker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		return errors.New("presence: tracker closed")
	}
	t.cancel = cancel
	t.mu.Unlock()

	stream, unsubscribe := t.feed.Subscribe(runCtx, realtime.Filter{Table: realtime.TableUserPresence})

	t.announce(runCtx, true)

	go func() {
		defer unsubscribe()
		ticker := time.NewTicker(t.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if t.currentVisibility() == Foreground {
					t.announce(runCtx, true)
				}
			case event, open := <-stream:
				if !open {
					return
				}
				t.handleEvent(runCtx, event)
			}
		}
	}()
	return nil
}

// SetVisibility records a foreground/background transition and immediately
// announces the corresponding state.
func (t *Tracker) SetVisibility(ctx context.Context, visibility Visibility) {
	t.mu.Lock()
	t.visibility = visibility
	t.mu.Unlock()
	t.announce(ctx, visibility == Foreground)
}

// Close performs best-effort teardown: the heartbeat loop is stopped first so
// it cannot re-announce online, then an offline announcement goes out with a
// short deadline. Never blocks on failure.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	ctx, cancelTimeout := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancelTimeout()
	t.announce(ctx, false)
}

// Snapshot returns the peer cache sorted by username.
func (t *Tracker) Snapshot() []OnlineUser {
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshot := make([]OnlineUser, 0, len(t.cache))
	for _, entry := range t.cache {
		snapshot = append(snapshot, entry)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].Username == snapshot[j].Username {
			return snapshot[i].UserID < snapshot[j].UserID
		}
		return snapshot[i].Username < snapshot[j].Username
	})
	return snapshot
}

// OnlineCount reports the number of cache entries currently online.
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	for _, entry := range t.cache {
		if entry.IsOnline {
			count++
		}
	}
	return count
}

func (t *Tracker) currentVisibility() Visibility {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.visibility
}

func (t *Tracker) announce(ctx context.Context, online bool) {
	if err := t.store.Announce(ctx, t.selfID, t.sessionID, online); err != nil {
		t.logger.Warn("presence announce failed",
			zap.Bool("online", online),
			zap.Error(err))
	}
}

func (t *Tracker) handleEvent(ctx context.Context, event realtime.Event) {
	record, ok := event.Row.(Record)
	if !ok || record.UserID == t.selfID {
		return
	}

	entry := OnlineUser{
		UserID:   record.UserID,
		Username: "User",
		IsOnline: record.IsOnline,
		LastSeen: record.LastSeen,
	}
	profile, err := t.users.Lookup(ctx, record.UserID)
	if err != nil {
		t.logger.Warn("presence profile lookup failed",
			zap.String("user_id", record.UserID),
			zap.Error(err))
	} else {
		entry.Username = profile.Username
		entry.AvatarURL = profile.AvatarURL
	}

	t.mu.Lock()
	t.cache[record.UserID] = entry
	t.mu.Unlock()

	if t.render != nil {
		t.render(t.Snapshot())
	}
}
