package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/studyroom-labs/studyroom/internal/materials"
	"github.com/studyroom-labs/studyroom/internal/room"
	"github.com/studyroom-labs/studyroom/internal/tasks"
)

func TestTaskLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	_, token := f.register(t, "alice@example.com")

	recorder := f.do(t, http.MethodPost, "/tasks", token, gin.H{"text": "read chapter 4"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("add status %d: %s", recorder.Code, recorder.Body.String())
	}
	var created tasks.Task
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode task: %v", err)
	}

	recorder = f.do(t, http.MethodPost, "/tasks", token, gin.H{"text": "   "})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank text, got %d", recorder.Code)
	}

	recorder = f.do(t, http.MethodPost, "/tasks/"+created.TaskID+"/toggle", token, gin.H{"completed": true})
	if recorder.Code != http.StatusOK {
		t.Fatalf("toggle status %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = f.do(t, http.MethodGet, "/tasks", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("list status %d", recorder.Code)
	}
	var listResponse struct {
		Tasks []tasks.Task `json:"tasks"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &listResponse); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listResponse.Tasks) != 1 || !listResponse.Tasks[0].Completed {
		t.Fatalf("unexpected list %+v", listResponse.Tasks)
	}

	recorder = f.do(t, http.MethodDelete, "/tasks/"+created.TaskID, token, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("delete status %d", recorder.Code)
	}
	recorder = f.do(t, http.MethodDelete, "/tasks/"+created.TaskID, token, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", recorder.Code)
	}
}

func TestChatSendAndHistoryOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	_, token := f.register(t, "alice@example.com")

	recorder := f.do(t, http.MethodPost, "/chat/messages", token, gin.H{"message": "hello room"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("send status %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = f.do(t, http.MethodPost, "/chat/messages", token, gin.H{"message": "  "})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank message, got %d", recorder.Code)
	}

	recorder = f.do(t, http.MethodGet, "/chat/messages", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("history status %d", recorder.Code)
	}
	var historyResponse struct {
		Messages []struct {
			Username string `json:"Username"`
			Message  string `json:"Message"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &historyResponse); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(historyResponse.Messages) != 1 || historyResponse.Messages[0].Message != "hello room" {
		t.Fatalf("unexpected history %+v", historyResponse.Messages)
	}
	if historyResponse.Messages[0].Username != "alice" {
		t.Fatalf("expected sender username resolved, got %q", historyResponse.Messages[0].Username)
	}
}

func TestTypingSignalIsBestEffort(t *testing.T) {
	f := newAPIFixture(t)
	_, token := f.register(t, "alice@example.com")

	// No open room session: the signal is accepted and dropped.
	recorder := f.do(t, http.MethodPost, "/chat/typing", token, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("typing status %d", recorder.Code)
	}
}

func TestStatusUpdateOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	response, token := f.register(t, "alice@example.com")

	recorder := f.do(t, http.MethodPut, "/status", token, gin.H{"status": "Deep in revision"})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("status update %d: %s", recorder.Code, recorder.Body.String())
	}

	record, err := f.statusOf(response.User.UserID)
	if err != nil {
		t.Fatalf("read back status: %v", err)
	}
	if record != "Deep in revision" {
		t.Fatalf("unexpected stored status %q", record)
	}

	recorder = f.do(t, http.MethodPut, "/status", token, gin.H{"status": "  "})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank status, got %d", recorder.Code)
	}
}

func (f *apiFixture) statusOf(userID string) (string, error) {
	var row struct {
		Status string
	}
	err := f.db.Table("status").Where("user_id = ?", userID).Take(&row).Error
	return row.Status, err
}

func TestNotificationEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	_, token := f.register(t, "alice@example.com")

	var firstID string
	for i := 0; i < 3; i++ {
		recorder := f.do(t, http.MethodPost, "/notifications", token, gin.H{
			"title":   fmt.Sprintf("reminder %d", i),
			"message": "study session at noon",
		})
		if recorder.Code != http.StatusCreated {
			t.Fatalf("create status %d: %s", recorder.Code, recorder.Body.String())
		}
		if i == 0 {
			var created struct {
				NotificationID string `json:"NotificationID"`
			}
			if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
				t.Fatalf("decode created: %v", err)
			}
			firstID = created.NotificationID
		}
	}

	recorder := f.do(t, http.MethodGet, "/notifications", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("panel status %d", recorder.Code)
	}
	var panel struct {
		Notifications []json.RawMessage `json:"notifications"`
		Unread        int64             `json:"unread"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &panel); err != nil {
		t.Fatalf("decode panel: %v", err)
	}
	if len(panel.Notifications) != 3 || panel.Unread != 3 {
		t.Fatalf("unexpected panel size %d unread %d", len(panel.Notifications), panel.Unread)
	}

	recorder = f.do(t, http.MethodPost, "/notifications/"+firstID+"/read", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("mark read status %d", recorder.Code)
	}
	recorder = f.do(t, http.MethodGet, "/notifications", token, nil)
	if err := json.Unmarshal(recorder.Body.Bytes(), &panel); err != nil {
		t.Fatalf("decode panel: %v", err)
	}
	if panel.Unread != 2 {
		t.Fatalf("expected 2 unread after single mark, got %d", panel.Unread)
	}

	recorder = f.do(t, http.MethodPost, "/notifications/read-all", token, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("mark all status %d", recorder.Code)
	}
	recorder = f.do(t, http.MethodGet, "/notifications", token, nil)
	if err := json.Unmarshal(recorder.Body.Bytes(), &panel); err != nil {
		t.Fatalf("decode panel: %v", err)
	}
	if panel.Unread != 0 {
		t.Fatalf("expected 0 unread after mark-all, got %d", panel.Unread)
	}
}

func TestMaterialUploadOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	_, token := f.register(t, "alice@example.com")

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "notes chapter 4.pdf")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("pdf-bytes")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.WriteField("description", "Chapter 4 summary"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	request := httptest.NewRequest(http.MethodPost, "/materials", body)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusCreated {
		t.Fatalf("upload status %d: %s", recorder.Code, recorder.Body.String())
	}
	var material materials.Material
	if err := json.Unmarshal(recorder.Body.Bytes(), &material); err != nil {
		t.Fatalf("decode material: %v", err)
	}
	if material.Filename != "notes chapter 4.pdf" || material.Description != "Chapter 4 summary" {
		t.Fatalf("unexpected material %+v", material)
	}

	recorder = f.do(t, http.MethodGet, "/materials", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("list status %d", recorder.Code)
	}
	var listResponse struct {
		Materials []materials.Item `json:"materials"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &listResponse); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listResponse.Materials) != 1 || listResponse.Materials[0].DownloadURL == "" {
		t.Fatalf("unexpected materials list %+v", listResponse.Materials)
	}
}

func TestMaterialUploadRejectsMissingFile(t *testing.T) {
	f := newAPIFixture(t)
	_, token := f.register(t, "alice@example.com")

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("description", "no file attached"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	request := httptest.NewRequest(http.MethodPost, "/materials", body)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without file, got %d", recorder.Code)
	}
}

func TestPresenceOnlineSnapshot(t *testing.T) {
	f := newAPIFixture(t)
	alice, token := f.register(t, "alice@example.com")
	bob, _ := f.register(t, "bob@example.com")

	ctx := context.Background()
	if err := f.presence.Announce(ctx, alice.User.UserID, "s1", true); err != nil {
		t.Fatalf("announce alice: %v", err)
	}
	if err := f.presence.Announce(ctx, bob.User.UserID, "s2", false); err != nil {
		t.Fatalf("announce bob: %v", err)
	}

	recorder := f.do(t, http.MethodGet, "/presence/online", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("online status %d", recorder.Code)
	}
	var response struct {
		Online []struct {
			UserID   string `json:"user_id"`
			Username string `json:"username"`
		} `json:"online"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode online: %v", err)
	}
	if response.Count != 1 || len(response.Online) != 1 {
		t.Fatalf("expected one online user, got %+v", response)
	}
	if response.Online[0].UserID != alice.User.UserID || response.Online[0].Username != "alice" {
		t.Fatalf("unexpected online entry %+v", response.Online[0])
	}
}

func TestFocusTimerOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	alice, token := f.register(t, "alice@example.com")

	// Without an open session the timer has no home.
	recorder := f.do(t, http.MethodGet, "/timer", token, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a session, got %d", recorder.Code)
	}
	recorder = f.do(t, http.MethodPost, "/timer/start", token, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a session, got %d", recorder.Code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session, err := f.rooms.Open(ctx, room.Identity{
		UserID:   alice.User.UserID,
		Email:    alice.User.Email,
		Username: alice.User.Username,
	}, room.Renderers{})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer f.rooms.Release(context.Background(), session)

	var state struct {
		Display string `json:"display"`
		Quarter int    `json:"quarter"`
		Streak  int    `json:"streak"`
		Running bool   `json:"running"`
	}

	recorder = f.do(t, http.MethodPost, "/timer/start", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("start status %d: %s", recorder.Code, recorder.Body.String())
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode start: %v", err)
	}
	if !state.Running || state.Display != "25:00" || state.Quarter != 1 {
		t.Fatalf("unexpected started state %+v", state)
	}

	recorder = f.do(t, http.MethodPost, "/timer/reset", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("reset status %d: %s", recorder.Code, recorder.Body.String())
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode reset: %v", err)
	}
	if state.Running || state.Display != "25:00" {
		t.Fatalf("unexpected reset state %+v", state)
	}

	recorder = f.do(t, http.MethodGet, "/timer", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("state status %d", recorder.Code)
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Running {
		t.Fatalf("expected stopped timer, got %+v", state)
	}
}
