package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/studyroom-labs/studyroom/internal/chat"
	"github.com/studyroom-labs/studyroom/internal/focustimer"
	"github.com/studyroom-labs/studyroom/internal/notify"
	"github.com/studyroom-labs/studyroom/internal/presence"
	"github.com/studyroom-labs/studyroom/internal/room"
	"github.com/studyroom-labs/studyroom/internal/users"
)

const (
	sseEventReady     = "ready"
	sseEventChat      = "chat"
	sseEventPresence  = "presence"
	sseEventTyping    = "typing"
	sseEventToasts    = "toasts"
	sseEventBadge     = "badge"
	sseEventTimer     = "timer"
	sseEventHeartbeat = "heartbeat"

	sseHeartbeatInterval = 15 * time.Second
	sseFrameBuffer       = 64
)

type sseFrame struct {
	event string
	data  any
}

// handleEvents is the page-session boundary. Opening the stream starts
// the user's room session; the request context ending (tab closed,
// network gone) tears it down best-effort.
func (h *httpHandler) handleEvents(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	profile, err := h.users.Lookup(c.Request.Context(), userID)
	if err != nil {
		if err == users.ErrProfileNotFound {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("event stream profile lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stream_failed"})
		return
	}

	frames := make(chan sseFrame, sseFrameBuffer)
	push := func(event string, data any) {
		select {
		case frames <- sseFrame{event: event, data: data}:
		default:
		}
	}

	ctx := c.Request.Context()
	session, err := h.rooms.Open(ctx, room.Identity{
		UserID:   profile.UserID,
		Email:    profile.Email,
		Username: profile.Username,
	}, room.Renderers{
		Chat:     func(snapshot chat.Snapshot) { push(sseEventChat, snapshot) },
		Presence: func(online []presence.OnlineUser) { push(sseEventPresence, online) },
		Typing:   func(text string) { push(sseEventTyping, gin.H{"text": text}) },
		Toasts:   func(toasts []notify.Toast) { push(sseEventToasts, toasts) },
		Badge:    func(visible bool) { push(sseEventBadge, gin.H{"visible": visible}) },
		Timer:    func(state focustimer.State) { push(sseEventTimer, timerPayload(state)) },
	})
	if err != nil {
		h.logger.Error("room session open failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stream_failed"})
		return
	}
	defer h.rooms.Release(context.Background(), session)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	h.writeFrame(c, sseFrame{event: sseEventReady, data: gin.H{"session_id": session.SessionID()}})

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-frames:
			if !h.writeFrame(c, frame) {
				return
			}
		case <-heartbeat.C:
			frame := sseFrame{event: sseEventHeartbeat, data: gin.H{"at": time.Now().UTC().Unix()}}
			if !h.writeFrame(c, frame) {
				return
			}
		}
	}
}

func (h *httpHandler) writeFrame(c *gin.Context, frame sseFrame) bool {
	payload, err := json.Marshal(frame.data)
	if err != nil {
		h.logger.Warn("event frame marshal failed", zap.String("event", frame.event), zap.Error(err))
		return true
	}
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", frame.event, payload); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}
