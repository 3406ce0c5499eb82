package agent

import (
	"context"
	"time"

	"github.com/talentframe/interview-agent/internal/llm"
)

// Transcriber is the minimal interface for realtime STT.
// It must accept PCM 16kHz little-endian mono buffers and emit live and finalized text.
type Transcriber interface {
	Connect() error
	SendPCM16KLE(pcm []byte) error
	GetTranscripts() <-chan string
	Finalize() <-chan string
	// RecentlyDetectedVoice returns true if voice energy was seen within the given window.
	RecentlyDetectedVoice(window time.Duration) bool
	Close() error
}

// LLM runs one chat-completions turn constrained to the advertised tools.
type LLM interface {
	Chat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (llm.Completion, error)
}

// TTS streams 48kHz PCM mono audio for the given text.
type TTS interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// PCM48kSink consumes 48kHz PCM bytes and performs delivery (e.g., Opus encode to WebRTC).
// Implementations should buffer internally and pace delivery.
type PCM48kSink interface {
	WritePCM(pcm []byte)
	FlushTail()
	// Reset drops any queued frames immediately (used for interruption).
	Reset()
}

// HistoryStore persists the final chat history artifact keyed by session id.
type HistoryStore interface {
	SaveChatHistory(ctx context.Context, sessionID string, history []llm.Message) error
}

type nopSink struct{}

func (nopSink) WritePCM(_ []byte) {}
func (nopSink) FlushTail()        {}
func (nopSink) Reset()            {}
