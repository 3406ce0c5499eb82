package storage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/talentframe/interview-agent/internal/llm"
)

func TestUploadMissingConfig(t *testing.T) {
	s := NewSupabaseStorage("", "", "bucket")
	if err := s.Upload(context.Background(), "k", "text/plain", []byte("x")); err == nil {
		t.Fatal("expected error for missing configuration")
	}
}

func TestSaveChatHistoryUploadsFilteredArtifact(t *testing.T) {
	var gotPath, gotAuth, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSupabaseStorage(srv.URL, "service-key", "interview-artifacts")
	history := []llm.Message{
		{Role: "system", Content: "you are an interviewer"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi, welcome"},
		{Role: "tool", Content: `{"status":"ok"}`},
		{Role: "user", Content: "thanks"},
	}
	if err := s.SaveChatHistory(context.Background(), "sess-42", history); err != nil {
		t.Fatalf("SaveChatHistory: %v", err)
	}

	if gotPath != "/storage/v1/object/interview-artifacts/sessions/sess-42/chat_history.json" {
		t.Errorf("upload path = %q", gotPath)
	}
	if gotAuth != "Bearer service-key" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("content type = %q", gotContentType)
	}

	var artifact chatHistoryArtifact
	if err := json.Unmarshal(gotBody, &artifact); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if artifact.SessionID != "sess-42" {
		t.Errorf("session_id = %q", artifact.SessionID)
	}
	want := []historyTurn{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi, welcome"},
		{Role: "user", Content: "thanks"},
	}
	if len(artifact.ChatHistory) != len(want) {
		t.Fatalf("chat_history has %d turns, want %d", len(artifact.ChatHistory), len(want))
	}
	for i, turn := range want {
		if artifact.ChatHistory[i] != turn {
			t.Errorf("turn %d = %+v, want %+v", i, artifact.ChatHistory[i], turn)
		}
	}
}

func TestUploadSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewSupabaseStorage(srv.URL, "key", "bucket")
	if err := s.Upload(context.Background(), "k", "text/plain", []byte("x")); err == nil {
		t.Fatal("expected error for 403 response")
	}
}
