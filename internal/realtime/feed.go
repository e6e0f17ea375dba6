package realtime

import (
	"context"
	"sync"
	"time"
)

// Kind enumerates the row-change kinds a table feed can deliver.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Table names shared between the storage layer and feed subscribers.
const (
	TableTasks            = "tasks"
	TableChatMessages     = "chat_messages"
	TableMaterials        = "materials"
	TableStatus           = "status"
	TableUserPresence     = "user_presence"
	TableTypingIndicators = "typing_indicators"
	TableReadReceipts     = "read_receipts"
	TableNotifications    = "notifications"
	TableUserProfiles     = "user_profiles"
)

// Event carries a single row change. Row holds the new row image for inserts
// and updates and the prior image for deletes. UserID identifies the row's
// owner or recipient and is what user-scoped filters match against.
type Event struct {
	Table  string
	Kind   Kind
	UserID string
	Row    any
	At     time.Time
}

// Filter selects which events a subscription receives. Table is required;
// an empty UserID matches rows for every user.
type Filter struct {
	Table  string
	UserID string
}

func (f Filter) matches(event Event) bool {
	if f.Table != event.Table {
		return false
	}
	if f.UserID != "" && f.UserID != event.UserID {
		return false
	}
	return true
}

// Feed fans row-change events out to per-table subscribers. Delivery is
// at-least-once from the producer's point of view and possibly reordered
// relative to other tables; a subscriber whose buffer is full misses the
// event rather than blocking the producer.
type Feed struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*feedSubscriber
	nextID      int64
	bufferSize  int
}

type feedSubscriber struct {
	id     int64
	filter Filter
	stream chan Event
}

func NewFeed() *Feed {
	return &Feed{
		subscribers: make(map[string]map[int64]*feedSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a filtered subscription. The returned cancel function
// is idempotent and also runs when ctx is done.
func (f *Feed) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func()) {
	if filter.Table == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &feedSubscriber{
		id:     f.nextSequence(),
		filter: filter,
		stream: make(chan Event, f.bufferSize),
	}
	f.register(filter.Table, subscriber)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.unregister(filter.Table, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return subscriber.stream, cancel
}

// Publish delivers the event to every matching subscriber without blocking.
func (f *Feed) Publish(event Event) {
	if event.Table == "" || event.Kind == "" {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	f.mu.RLock()
	subscribers := f.subscribers[event.Table]
	if len(subscribers) == 0 {
		f.mu.RUnlock()
		return
	}
	copies := make([]*feedSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	f.mu.RUnlock()
	for _, subscriber := range copies {
		if !subscriber.filter.matches(event) {
			continue
		}
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (f *Feed) nextSequence() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}

func (f *Feed) register(table string, subscriber *feedSubscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscribers[table]; !ok {
		f.subscribers[table] = make(map[int64]*feedSubscriber)
	}
	f.subscribers[table][subscriber.id] = subscriber
}

func (f *Feed) unregister(table string, subscriberID int64) {
	f.mu.Lock()
	subscribers := f.subscribers[table]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(f.subscribers, table)
		}
	}
	f.mu.Unlock()
}
