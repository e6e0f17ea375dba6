package materials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	githubsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/studyroom-labs/studyroom/internal/ids"
	"github.com/studyroom-labs/studyroom/internal/realtime"
	"github.com/studyroom-labs/studyroom/internal/storage"
)

type touchyReader struct {
	inner   *strings.Reader
	wasRead bool
}

func (r *touchyReader) Read(p []byte) (int, error) {
	r.wasRead = true
	return r.inner.Read(p)
}

func newTestService(t *testing.T, maxBytes int64) (*Service, *storage.ObjectStore, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(githubsqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&Material{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := storage.NewObjectStore(t.TempDir(), "/files")
	if err != nil {
		t.Fatalf("failed to construct object store: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Store:      store,
		Feed:       realtime.NewFeed(),
		IDProvider: ids.NewUUIDProvider(),
		MaxBytes:   maxBytes,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, store, db
}

func TestStoreUploadRoundTrip(t *testing.T) {
	service, _, _ := newTestService(t, 1024)

	uploaded, err := service.StoreUpload(context.Background(), "user-1", Upload{
		Filename:    "study notes (final).pdf",
		Size:        int64(len("pdf-bytes")),
		ContentType: "application/pdf",
		Description: "week 4 notes",
		Content:     strings.NewReader("pdf-bytes"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(uploaded.Filepath, "study_notes__final_.pdf") {
		t.Fatalf("expected sanitized object path, got %s", uploaded.Filepath)
	}

	items, err := service.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one material, got %d", len(items))
	}
	item := items[0]
	if item.Filename != "study notes (final).pdf" {
		t.Fatalf("expected original filename surfaced, got %s", item.Filename)
	}
	if item.Description != "week 4 notes" {
		t.Fatalf("expected description surfaced, got %s", item.Description)
	}
	if !strings.HasPrefix(item.DownloadURL, "/files/materials/user-1/") {
		t.Fatalf("expected resolvable download reference, got %s", item.DownloadURL)
	}
	if item.Filesize != int64(len("pdf-bytes")) {
		t.Fatalf("unexpected recorded size %d", item.Filesize)
	}
}

func TestStoreUploadDefaultsDescriptionToFilename(t *testing.T) {
	service, _, _ := newTestService(t, 1024)

	uploaded, err := service.StoreUpload(context.Background(), "user-1", Upload{
		Filename: "syllabus.txt",
		Size:     4,
		Content:  strings.NewReader("text"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uploaded.Description != "syllabus.txt" {
		t.Fatalf("expected description defaulted to filename, got %s", uploaded.Description)
	}
}

func TestStoreUploadRejectsOversizeBeforeAnyBackendCall(t *testing.T) {
	service, store, db := newTestService(t, 10)

	reader := &touchyReader{inner: strings.NewReader("this content is larger than ten bytes")}
	_, err := service.StoreUpload(context.Background(), "user-1", Upload{
		Filename: "huge.bin",
		Size:     38,
		Content:  reader,
	})
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
	if reader.wasRead {
		t.Fatal("expected rejection before reading the upload stream")
	}

	var count int64
	if err := db.Model(&Material{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected zero rows after rejection, got %d", count)
	}

	entries, err := os.ReadDir(filepath.Join(store.Root()))
	if err != nil {
		t.Fatalf("failed to read store root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected zero stored objects after rejection, got %d", len(entries))
	}
}

func TestStoreUploadRemovesPartialObjectWhenStreamExceedsCap(t *testing.T) {
	service, store, db := newTestService(t, 10)

	// Declared size passes but the stream itself is over the cap.
	_, err := service.StoreUpload(context.Background(), "user-1", Upload{
		Filename: "lying.bin",
		Size:     5,
		Content:  strings.NewReader("this content is larger than ten bytes"),
	})
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}

	var count int64
	if err := db.Model(&Material{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected zero rows after rejection, got %d", count)
	}

	var leftovers []string
	err = filepath.WalkDir(store.Root(), func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			leftovers = append(leftovers, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to walk store root: %v", err)
	}
	if len(leftovers) != 0 {
		t.Fatalf("expected partial object removed, found %v", leftovers)
	}
}

func TestStoreUploadRejectsMissingFile(t *testing.T) {
	service, _, _ := newTestService(t, 1024)

	if _, err := service.StoreUpload(context.Background(), "user-1", Upload{}); !errors.Is(err, ErrMissingFile) {
		t.Fatalf("expected ErrMissingFile, got %v", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"notes.pdf":          "notes.pdf",
		"my file (2).txt":    "my_file__2_.txt",
		"weird/..\\path.png": "weird_.._path.png",
	}
	for input, expected := range cases {
		if got := SanitizeFilename(input); got != expected {
			t.Fatalf("SanitizeFilename(%q) = %q, expected %q", input, got, expected)
		}
	}
}
