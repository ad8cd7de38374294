package opencode

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestHealthAndSessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/global/health":
			json.NewEncoder(w).Encode(Health{Healthy: true, Version: "0.5.0"})
		case "/session":
			json.NewEncoder(w).Encode([]Session{
				{ID: "ses_1", Directory: "/proj/a", Time: SessionTime{Updated: 1724500000000}},
				{ID: "ses_2", Directory: "/proj/b"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)

	h, err := c.Health(context.Background())
	if err != nil || !h.Healthy {
		t.Fatalf("Health = %+v, %v", h, err)
	}

	sessions, err := c.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "ses_1" {
		t.Errorf("sessions = %+v", sessions)
	}
	if sessions[0].UpdatedAt().UnixMilli() != 1724500000000 {
		t.Errorf("UpdatedAt = %v", sessions[0].UpdatedAt())
	}
}

func TestGetSessionNotFound(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.GetSession(context.Background(), "ses_gone")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("404 was retried: %d requests", n)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(Session{ID: "ses_1"})
	}))
	defer srv.Close()

	// Zero backoff is not configurable; keep the test fast by failing only
	// twice (1s + 2s of backoff total).
	c := NewClient(srv.URL, WithMaxRetries(3))
	s, err := c.GetSession(context.Background(), "ses_1")
	if err != nil || s.ID != "ses_1" {
		t.Fatalf("GetSession = %+v, %v", s, err)
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}
}

func TestSendAsyncNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.SendAsync(context.Background(), "ses_1", "hello"); err == nil {
		t.Fatal("expected error")
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("prompt send was retried: %d requests", n)
	}
}

func TestSendAsyncBody(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/ses_1/prompt_async" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.SendAsync(context.Background(), "ses_1", "fix the bug"); err != nil {
		t.Fatal(err)
	}
	parts, ok := got["parts"].([]any)
	if !ok || len(parts) != 1 {
		t.Fatalf("parts = %v", got["parts"])
	}
	part := parts[0].(map[string]any)
	if part["type"] != "text" || part["text"] != "fix the bug" {
		t.Errorf("part = %v", part)
	}
}

func TestRespondToPermission(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.RespondToPermission(context.Background(), "ses_1", "perm_9", PermissionAlways); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/session/ses_1/permissions/perm_9" {
		t.Errorf("path = %s", gotPath)
	}
	if gotBody["response"] != "always" {
		t.Errorf("body = %v", gotBody)
	}
}
