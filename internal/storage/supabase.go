// Package storage persists interview artifacts to Supabase Storage.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/talentframe/interview-agent/internal/llm"
)

// SupabaseStorage uploads objects through Supabase's Storage HTTP API.
type SupabaseStorage struct {
	BaseURL    string
	ServiceKey string
	Bucket     string
	Client     *http.Client
}

// NewSupabaseStorage constructs a storage client for the given bucket.
func NewSupabaseStorage(baseURL, serviceKey, bucket string) *SupabaseStorage {
	return &SupabaseStorage{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ServiceKey: serviceKey,
		Bucket:     bucket,
		Client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Upload writes an object to the bucket, upserting on key collision.
func (s *SupabaseStorage) Upload(ctx context.Context, objectKey string, contentType string, body []byte) error {
	if s.BaseURL == "" || s.ServiceKey == "" {
		return fmt.Errorf("missing Supabase configuration: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}

	uploadURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.BaseURL, s.Bucket, objectKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.ServiceKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Cache-Control", "3600")
	req.Header.Set("x-upsert", "true")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("upload to Supabase: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("upload failed with status %d", resp.StatusCode)
	}
	return nil
}

// historyTurn is one persisted conversation turn.
type historyTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatHistoryArtifact is the JSON document written at session end.
type chatHistoryArtifact struct {
	SessionID   string        `json:"session_id"`
	ChatHistory []historyTurn `json:"chat_history"`
}

// SaveChatHistory persists the session's conversation as a JSON artifact
// keyed by session id. Only user and assistant turns are recorded.
func (s *SupabaseStorage) SaveChatHistory(ctx context.Context, sessionID string, history []llm.Message) error {
	artifact := chatHistoryArtifact{
		SessionID:   sessionID,
		ChatHistory: make([]historyTurn, 0, len(history)),
	}
	for _, m := range history {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		artifact.ChatHistory = append(artifact.ChatHistory, historyTurn{Role: m.Role, Content: m.Content})
	}
	body, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshal chat history: %w", err)
	}
	key := fmt.Sprintf("sessions/%s/chat_history.json", sessionID)
	return s.Upload(ctx, key, "application/json", body)
}
