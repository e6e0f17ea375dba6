package chat

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/studyroom-labs/studyroom/internal/realtime"
)

// Snapshot is the full render state for the chat region. Correctness relies
// on re-fetch-and-replace, never incremental append, which makes the view
// immune to out-of-order event delivery.
type Snapshot struct {
	Messages       []Message
	ScrollToBottom bool
}

// LiveViewConfig describes the dependencies for the live chat view.
type LiveViewConfig struct {
	Service *Service
	Feed    *realtime.Feed
	Render  func(Snapshot)
	// OnRefresh runs after every reload, on initial load and on each
	// new-message event. The room wires read-receipt marking here.
	OnRefresh func(context.Context)
	Logger    *zap.Logger
}

// LiveView reloads the bounded chat history whenever a new message row is
// announced and re-renders the whole region.
type LiveView struct {
	service   *Service
	feed      *realtime.Feed
	render    func(Snapshot)
	onRefresh func(context.Context)
	logger    *zap.Logger

	mu     sync.Mutex
	cancel func()
	closed bool
}

// NewLiveView constructs the live chat view.
func NewLiveView(cfg LiveViewConfig) (*LiveView, error) {
	if cfg.Service == nil {
		return nil, errors.New("chat: service required")
	}
	if cfg.Feed == nil {
		return nil, errors.New("chat: feed required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &LiveView{
		service:   cfg.Service,
		feed:      cfg.Feed,
		render:    cfg.Render,
		onRefresh: cfg.OnRefresh,
		logger:    logger,
	}, nil
}

// Start performs the initial load and subscribes to new-message events.
// The consumer loop exits on Close as well as on ctx ending.
func (v *LiveView) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		cancel()
		return errors.New("chat: live view closed")
	}
	v.cancel = cancel
	v.mu.Unlock()

	stream, unsubscribe := v.feed.Subscribe(runCtx, realtime.Filter{Table: realtime.TableChatMessages})

	if err := v.refresh(runCtx); err != nil {
		v.logger.Error("chat initial load failed", zap.Error(err))
	}

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case event, open := <-stream:
				if !open {
					return
				}
				if event.Kind != realtime.KindInsert {
					continue
				}
				if err := v.refresh(runCtx); err != nil {
					v.logger.Error("chat refresh failed", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// Refresh reloads the history snapshot on demand.
func (v *LiveView) Refresh(ctx context.Context) error {
	return v.refresh(ctx)
}

// Close tears down the subscription.
func (v *LiveView) Close() {
	v.mu.Lock()
	v.closed = true
	cancel := v.cancel
	v.cancel = nil
	v.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (v *LiveView) refresh(ctx context.Context) error {
	messages, err := v.service.History(ctx)
	if err != nil {
		return err
	}
	if v.render != nil {
		v.render(Snapshot{Messages: messages, ScrollToBottom: true})
	}
	if v.onRefresh != nil {
		v.onRefresh(ctx)
	}
	return nil
}
