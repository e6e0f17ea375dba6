package presence

import (
	"context"
	"testing"
	"time"

	githubsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/studyroom-labs/studyroom/internal/ids"
	"github.com/studyroom-labs/studyroom/internal/realtime"
	"github.com/studyroom-labs/studyroom/internal/users"
)

type fixture struct {
	store *Store
	users *users.Service
	feed  *realtime.Feed
	db    *gorm.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(githubsqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Record{}, &users.Profile{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	feed := realtime.NewFeed()
	store, err := NewStore(StoreConfig{Database: db, Feed: feed})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, IDProvider: ids.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct user service: %v", err)
	}
	return &fixture{store: store, users: userService, feed: feed, db: db}
}

func (f *fixture) newTracker(t *testing.T, selfID string, render func([]OnlineUser)) *Tracker {
	t.Helper()
	tracker, err := NewTracker(TrackerConfig{
		Store:     f.store,
		Users:     f.users,
		Feed:      f.feed,
		SelfID:    selfID,
		SessionID: "session-" + selfID,
		Heartbeat: time.Hour,
		Render:    render,
	})
	if err != nil {
		t.Fatalf("failed to construct tracker: %v", err)
	}
	return tracker
}

func (f *fixture) registerPeer(t *testing.T, email string) users.Profile {
	t.Helper()
	profile, err := f.users.Register(context.Background(), email, "pw", "")
	if err != nil {
		t.Fatalf("failed to register peer: %v", err)
	}
	return profile
}

func waitForRender(t *testing.T, renders <-chan []OnlineUser) []OnlineUser {
	t.Helper()
	select {
	case snapshot := <-renders:
		return snapshot
	case <-time.After(time.Second):
		t.Fatal("expected render within deadline")
		return nil
	}
}

func TestTrackerAnnouncesOnlineOnStart(t *testing.T) {
	f := newFixture(t)
	tracker := f.newTracker(t, "self", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer tracker.Close()

	var record Record
	if err := f.db.Where("user_id = ?", "self").Take(&record).Error; err != nil {
		t.Fatalf("expected presence row: %v", err)
	}
	if !record.IsOnline {
		t.Fatal("expected online announcement on start")
	}
	if record.SessionID != "session-self" {
		t.Fatalf("unexpected session id %s", record.SessionID)
	}
}

func TestTrackerVisibilityTransitionsAnnounceImmediately(t *testing.T) {
	f := newFixture(t)
	tracker := f.newTracker(t, "self", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer tracker.Close()

	tracker.SetVisibility(ctx, Background)
	var record Record
	if err := f.db.Where("user_id = ?", "self").Take(&record).Error; err != nil {
		t.Fatalf("expected presence row: %v", err)
	}
	if record.IsOnline {
		t.Fatal("expected offline announcement on background transition")
	}

	tracker.SetVisibility(ctx, Foreground)
	if err := f.db.Where("user_id = ?", "self").Take(&record).Error; err != nil {
		t.Fatalf("expected presence row: %v", err)
	}
	if !record.IsOnline {
		t.Fatal("expected online announcement on foreground transition")
	}
}

func TestTrackerProjectsPeerEventsIntoCache(t *testing.T) {
	f := newFixture(t)
	peer := f.registerPeer(t, "peer@example.com")

	renders := make(chan []OnlineUser, 8)
	tracker := f.newTracker(t, "self", func(snapshot []OnlineUser) { renders <- snapshot })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer tracker.Close()

	if err := f.store.Announce(context.Background(), peer.UserID, "peer-session", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snapshot := waitForRender(t, renders)
	if len(snapshot) != 1 {
		t.Fatalf("expected one cache entry, got %d", len(snapshot))
	}
	if snapshot[0].Username != "peer" {
		t.Fatalf("expected resolved display profile, got %s", snapshot[0].Username)
	}
	if !snapshot[0].IsOnline {
		t.Fatal("expected peer marked online")
	}
	if tracker.OnlineCount() != 1 {
		t.Fatalf("expected online count 1, got %d", tracker.OnlineCount())
	}
}

func TestTrackerIgnoresSelfEvents(t *testing.T) {
	f := newFixture(t)
	renders := make(chan []OnlineUser, 8)
	tracker := f.newTracker(t, "self", func(snapshot []OnlineUser) { renders <- snapshot })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer tracker.Close()

	// The start announcement publishes a self event; it must not render.
	select {
	case snapshot := <-renders:
		t.Fatalf("did not expect render for self event, got %#v", snapshot)
	case <-time.After(200 * time.Millisecond):
	}
	if len(tracker.Snapshot()) != 0 {
		t.Fatal("expected empty cache after self event")
	}
}

func TestOnlineCountMatchesCacheAfterAnyEventOrder(t *testing.T) {
	f := newFixture(t)
	peerA := f.registerPeer(t, "amy@example.com")
	peerB := f.registerPeer(t, "ben@example.com")

	renders := make(chan []OnlineUser, 16)
	tracker := f.newTracker(t, "self", func(snapshot []OnlineUser) { renders <- snapshot })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer tracker.Close()

	steps := []struct {
		userID string
		online bool
	}{
		{peerA.UserID, true},
		{peerB.UserID, true},
		{peerA.UserID, false},
		{peerA.UserID, true},
		{peerB.UserID, false},
	}
	for _, step := range steps {
		if err := f.store.Announce(context.Background(), step.userID, "s", step.online); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		snapshot := waitForRender(t, renders)
		online := 0
		for _, entry := range snapshot {
			if entry.IsOnline {
				online++
			}
		}
		if online != tracker.OnlineCount() {
			t.Fatalf("rendered count %d diverges from tracker count %d", online, tracker.OnlineCount())
		}
	}

	if tracker.OnlineCount() != 1 {
		t.Fatalf("expected one online peer at the end, got %d", tracker.OnlineCount())
	}
}

func TestTrackerCloseStopsHeartbeat(t *testing.T) {
	f := newFixture(t)
	tracker, err := NewTracker(TrackerConfig{
		Store:     f.store,
		Users:     f.users,
		Feed:      f.feed,
		SelfID:    "self",
		SessionID: "session-self",
		Heartbeat: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct tracker: %v", err)
	}

	// The start context outlives Close, as it does when the stream
	// connection lingers after logout or session replacement.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tracker.Close()

	time.Sleep(150 * time.Millisecond)

	var record Record
	if err := f.db.Where("user_id = ?", "self").Take(&record).Error; err != nil {
		t.Fatalf("expected presence row: %v", err)
	}
	if record.IsOnline {
		t.Fatal("heartbeat after close must not re-announce online")
	}
}

func TestTrackerCloseAnnouncesOffline(t *testing.T) {
	f := newFixture(t)
	tracker := f.newTracker(t, "self", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tracker.Close()

	var record Record
	if err := f.db.Where("user_id = ?", "self").Take(&record).Error; err != nil {
		t.Fatalf("expected presence row: %v", err)
	}
	if record.IsOnline {
		t.Fatal("expected best-effort offline announcement on close")
	}
}
