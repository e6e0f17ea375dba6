package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/studyroom-labs/studyroom/internal/chat"
	"github.com/studyroom-labs/studyroom/internal/focustimer"
	"github.com/studyroom-labs/studyroom/internal/materials"
	"github.com/studyroom-labs/studyroom/internal/notify"
	"github.com/studyroom-labs/studyroom/internal/presence"
	"github.com/studyroom-labs/studyroom/internal/room"
	"github.com/studyroom-labs/studyroom/internal/status"
	"github.com/studyroom-labs/studyroom/internal/tasks"
	"github.com/studyroom-labs/studyroom/internal/users"
)

const userIDContextKey = "studyroom_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingUsersService  = errors.New("users service dependency required")
	errMissingRoomManager   = errors.New("room manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SessionTokens issues and validates bearer tokens for room sessions.
type SessionTokens interface {
	IssueSessionToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies carries every service the HTTP surface exposes.
type Dependencies struct {
	Tokens        SessionTokens
	Users         *users.Service
	Tasks         *tasks.Service
	Chat          *chat.Service
	Materials     *materials.Service
	Status        *status.Service
	Notifications *notify.Service
	Presence      *presence.Store
	Rooms         *room.Manager
	FilesDir      string
	Logger        *zap.Logger
}

// NewHTTPHandler builds the gin router for the study room API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.Rooms == nil {
		return nil, errMissingRoomManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:        deps.Tokens,
		users:         deps.Users,
		tasks:         deps.Tasks,
		chat:          deps.Chat,
		materials:     deps.Materials,
		status:        deps.Status,
		notifications: deps.Notifications,
		presence:      deps.Presence,
		rooms:         deps.Rooms,
		logger:        logger,
	}

	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)

	if deps.FilesDir != "" {
		router.Static("/files", deps.FilesDir)
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/auth/me", handler.handleMe)
	protected.POST("/auth/logout", handler.handleLogout)

	protected.GET("/tasks", handler.handleListTasks)
	protected.POST("/tasks", handler.handleAddTask)
	protected.POST("/tasks/:id/toggle", handler.handleToggleTask)
	protected.DELETE("/tasks/:id", handler.handleDeleteTask)

	protected.GET("/chat/messages", handler.handleChatHistory)
	protected.POST("/chat/messages", handler.handleSendMessage)
	protected.POST("/chat/typing", handler.handleTyping)

	protected.GET("/materials", handler.handleListMaterials)
	protected.POST("/materials", handler.handleUploadMaterial)

	protected.PUT("/status", handler.handleSetStatus)

	protected.GET("/timer", handler.handleTimerState)
	protected.POST("/timer/start", handler.handleTimerStart)
	protected.POST("/timer/reset", handler.handleTimerReset)

	protected.POST("/presence/visibility", handler.handleVisibility)
	protected.GET("/presence/online", handler.handleOnline)

	protected.GET("/notifications", handler.handleNotificationPanel)
	protected.POST("/notifications", handler.handleCreateNotification)
	protected.POST("/notifications/:id/read", handler.handleMarkRead)
	protected.POST("/notifications/read-all", handler.handleMarkAllRead)

	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	tokens        SessionTokens
	users         *users.Service
	tasks         *tasks.Service
	chat          *chat.Service
	materials     *materials.Service
	status        *status.Service
	notifications *notify.Service
	presence      *presence.Store
	rooms         *room.Manager
	logger        *zap.Logger
}

type credentialsPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}

type profilePayload struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

type authResponsePayload struct {
	AccessToken string         `json:"access_token"`
	ExpiresIn   int64          `json:"expires_in"`
	TokenType   string         `json:"token_type"`
	User        profilePayload `json:"user"`
}

func toProfilePayload(profile users.Profile) profilePayload {
	return profilePayload{UserID: profile.UserID, Email: profile.Email, Username: profile.Username}
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	profile, err := h.users.Register(c.Request.Context(), request.Email, request.Password, request.Username)
	if errors.Is(err, users.ErrEmailTaken) {
		c.JSON(http.StatusConflict, gin.H{"error": "email_taken"})
		return
	}
	if errors.Is(err, users.ErrMissingField) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err != nil {
		h.logger.Error("registration failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
		return
	}

	h.respondWithToken(c, http.StatusCreated, profile)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	profile, err := h.users.Authenticate(c.Request.Context(), request.Email, request.Password)
	if errors.Is(err, users.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err != nil {
		h.logger.Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}

	h.respondWithToken(c, http.StatusOK, profile)
}

func (h *httpHandler) respondWithToken(c *gin.Context, statusCode int, profile users.Profile) {
	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), profile.UserID)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(statusCode, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		User:        toProfilePayload(profile),
	})
}

func (h *httpHandler) handleMe(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	profile, err := h.users.Lookup(c.Request.Context(), userID)
	if errors.Is(err, users.ErrProfileNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err != nil {
		h.logger.Error("profile lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, toProfilePayload(profile))
}

// handleLogout tears down the user's live session, if any. The token
// itself stays valid until it expires.
func (h *httpHandler) handleLogout(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if session, ok := h.rooms.Lookup(userID); ok {
		h.rooms.Release(context.Background(), session)
	}
	c.Status(http.StatusNoContent)
}

type taskPayload struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

func (h *httpHandler) handleListTasks(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	list, err := h.tasks.List(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("task list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "task_list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": list})
}

func (h *httpHandler) handleAddTask(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request taskPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	task, err := h.tasks.Add(c.Request.Context(), userID, request.Text)
	if errors.Is(err, tasks.ErrEmptyText) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_text"})
		return
	}
	if err != nil {
		h.logger.Error("task add failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "task_add_failed"})
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *httpHandler) handleToggleTask(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request taskPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	task, err := h.tasks.Toggle(c.Request.Context(), userID, c.Param("id"), request.Completed)
	if errors.Is(err, tasks.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("task toggle failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "task_toggle_failed"})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *httpHandler) handleDeleteTask(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	err := h.tasks.Delete(c.Request.Context(), userID, c.Param("id"))
	if errors.Is(err, tasks.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("task delete failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "task_delete_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

type messagePayload struct {
	Message string `json:"message"`
}

func (h *httpHandler) handleChatHistory(c *gin.Context) {
	messages, err := h.chat.History(c.Request.Context())
	if err != nil {
		h.logger.Error("chat history failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "chat_history_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request messagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	username := ""
	if profile, err := h.users.Lookup(c.Request.Context(), userID); err == nil {
		username = profile.Username
	}

	message, err := h.chat.Send(c.Request.Context(), userID, username, request.Message)
	if errors.Is(err, chat.ErrEmptyMessage) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_message"})
		return
	}
	if err != nil {
		h.logger.Error("chat send failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "chat_send_failed"})
		return
	}
	c.JSON(http.StatusCreated, message)
}

// handleTyping relays a keystroke into the session's debouncer. Typing is
// a best-effort signal: no session or a failed write still answers 204.
func (h *httpHandler) handleTyping(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if session, ok := h.rooms.Lookup(userID); ok {
		session.Keystroke(c.Request.Context())
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListMaterials(c *gin.Context) {
	items, err := h.materials.List(c.Request.Context())
	if err != nil {
		h.logger.Error("materials list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "materials_list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"materials": items})
}

func (h *httpHandler) handleUploadMaterial(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_required"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_required"})
		return
	}
	defer file.Close()

	material, err := h.materials.StoreUpload(c.Request.Context(), userID, materials.Upload{
		Filename:    fileHeader.Filename,
		Size:        fileHeader.Size,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Description: c.PostForm("description"),
		Content:     file,
	})
	if errors.Is(err, materials.ErrMissingFile) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_required"})
		return
	}
	if errors.Is(err, materials.ErrFileTooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large"})
		return
	}
	if err != nil {
		h.logger.Error("material upload failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
		return
	}
	c.JSON(http.StatusCreated, material)
}

type statusPayload struct {
	Status string `json:"status"`
}

func (h *httpHandler) handleSetStatus(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request statusPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.status.Set(c.Request.Context(), userID, request.Status)
	if errors.Is(err, status.ErrEmptyStatus) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_status"})
		return
	}
	if err != nil {
		h.logger.Error("status set failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_set_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func timerPayload(state focustimer.State) gin.H {
	return gin.H{
		"display":   state.Display(),
		"remaining": state.Remaining,
		"quarter":   state.Quarter,
		"streak":    state.Streak,
		"running":   state.Running,
	}
}

// The focus timer lives inside the room session, so its endpoints require
// an open event stream.
func (h *httpHandler) handleTimerState(c *gin.Context) {
	session, ok := h.rooms.Lookup(c.GetString(userIDContextKey))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_active_session"})
		return
	}
	c.JSON(http.StatusOK, timerPayload(session.TimerState()))
}

func (h *httpHandler) handleTimerStart(c *gin.Context) {
	session, ok := h.rooms.Lookup(c.GetString(userIDContextKey))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_active_session"})
		return
	}
	c.JSON(http.StatusOK, timerPayload(session.StartTimer()))
}

func (h *httpHandler) handleTimerReset(c *gin.Context) {
	session, ok := h.rooms.Lookup(c.GetString(userIDContextKey))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_active_session"})
		return
	}
	c.JSON(http.StatusOK, timerPayload(session.ResetTimer()))
}

type visibilityPayload struct {
	Visible bool `json:"visible"`
}

// handleVisibility relays tab visibility to the presence tracker. Like
// typing, this is best-effort and always answers 204.
func (h *httpHandler) handleVisibility(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request visibilityPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if session, ok := h.rooms.Lookup(userID); ok {
		visibility := presence.Background
		if request.Visible {
			visibility = presence.Foreground
		}
		session.SetVisibility(c.Request.Context(), visibility)
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleOnline(c *gin.Context) {
	records, err := h.presence.Snapshot(c.Request.Context())
	if err != nil {
		h.logger.Error("presence snapshot failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_failed"})
		return
	}

	online := make([]gin.H, 0, len(records))
	for _, record := range records {
		if !record.IsOnline {
			continue
		}
		entry := gin.H{"user_id": record.UserID, "last_seen": record.LastSeen}
		if profile, err := h.users.Lookup(c.Request.Context(), record.UserID); err == nil {
			entry["username"] = profile.Username
		}
		online = append(online, entry)
	}
	c.JSON(http.StatusOK, gin.H{"online": online, "count": len(online)})
}

type notificationPayload struct {
	UserID  string `json:"user_id"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

func (h *httpHandler) handleNotificationPanel(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	panel, err := h.notifications.Panel(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("notification panel failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "panel_failed"})
		return
	}
	unread, err := h.notifications.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("unread count failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "panel_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": panel, "unread": unread})
}

func (h *httpHandler) handleCreateNotification(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request notificationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	recipient := request.UserID
	if recipient == "" {
		recipient = userID
	}
	notification, err := h.notifications.Create(c.Request.Context(), recipient, request.Title, request.Message)
	if errors.Is(err, notify.ErrEmptyTitle) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_title"})
		return
	}
	if err != nil {
		h.logger.Error("notification create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "notification_failed"})
		return
	}
	c.JSON(http.StatusCreated, notification)
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	notification, err := h.notifications.MarkRead(c.Request.Context(), userID, c.Param("id"))
	if errors.Is(err, notify.ErrNotificationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("mark read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mark_read_failed"})
		return
	}
	c.JSON(http.StatusOK, notification)
}

func (h *httpHandler) handleMarkAllRead(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if err := h.notifications.MarkAllRead(c.Request.Context(), userID); err != nil {
		h.logger.Error("mark all read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mark_all_read_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expiry is routine churn, everything else is suspicious.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
