package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/boardcast/recorder/internal/httputil"
)

func noRetry() Option {
	return WithRetry(httputil.RetryConfig{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1})
}

func TestCreateRecording(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/recording-sessions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req["boardId"] != "b1" || req["title"] != "Board Recording" || req["durationSec"] != float64(42) {
			t.Errorf("unexpected body: %v", req)
		}
		if v, ok := req["videoUrl"]; !ok || v != nil {
			t.Errorf("videoUrl = %v (present=%v), want explicit null", v, ok)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"rec-1","title":"Board Recording","createdAt":"2026-03-01T10:00:00Z","durationSec":42}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", noRetry())
	got, err := c.CreateRecording(context.Background(), &RecordingRequest{
		BoardID:     "b1",
		Title:       "Board Recording",
		DurationSec: 42,
	})
	if err != nil {
		t.Fatalf("CreateRecording: %v", err)
	}
	if got.ID != "rec-1" || got.DurationSec == nil || *got.DurationSec != 42 {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestCreateRecordingEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL, "", noRetry()).CreateRecording(context.Background(), &RecordingRequest{Title: "x"})
	if err != nil {
		t.Fatalf("CreateRecording: %v", err)
	}
	if got.Title != "x" {
		t.Fatalf("Title = %q, want x", got.Title)
	}
}

func TestCreateRecordingErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "bad", noRetry()).CreateRecording(context.Background(), &RecordingRequest{Title: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestListRecordings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		_, _ = w.Write([]byte(`{"sessions":[{"id":"1","title":"Project Planning","createdAt":"2026-03-01T10:00:00Z","durationSec":120,"workspace":{"id":"ws1","name":"Engineering"},"board":{"id":"b1","title":"Q4 Roadmap"}}]}`))
	}))
	defer srv.Close()

	sessions, err := NewClient(srv.URL, "", noRetry()).ListRecordings(context.Background())
	if err != nil {
		t.Fatalf("ListRecordings: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("len = %d, want 1", len(sessions))
	}
	s := sessions[0]
	if s.Workspace == nil || s.Workspace.Name != "Engineering" || s.Board == nil || s.Board.Title != "Q4 Roadmap" {
		t.Fatalf("unexpected session: %+v", s)
	}
}

func TestListRecordingsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	sessions, err := NewClient(srv.URL, "", noRetry()).ListRecordings(context.Background())
	if err != nil {
		t.Fatalf("ListRecordings: %v", err)
	}
	if sessions == nil || len(sessions) != 0 {
		t.Fatalf("sessions = %#v, want empty non-nil", sessions)
	}
}

func TestNotConfigured(t *testing.T) {
	c := NewClient("", "")
	if _, err := c.ListRecordings(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}
