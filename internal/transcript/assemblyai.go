// Package transcript implements realtime speech-to-text over AssemblyAI's
// streaming websocket API. It accepts 16kHz PCM16LE mono audio and emits
// live partial transcripts plus finalized utterances detected through
// silence windows.
package transcript

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"
)

// silenceThreshold is the base inactivity window required before an
// utterance is considered complete. Conservative so the candidate is not cut
// off mid-sentence.
const silenceThreshold = 700 * time.Millisecond

// continuationExtension is added to the silence window when the utterance
// ends on a word that suggests the speaker will continue ("and", "if", ...).
const continuationExtension = 1200 * time.Millisecond

// stabilizationGrace absorbs late transcript updates from the ASR after the
// silence window has elapsed, before finalizing.
const stabilizationGrace = 250 * time.Millisecond

// voiceRMS is the PCM energy threshold above which a chunk counts as voice.
const voiceRMS = 250.0

// Service streams candidate audio to AssemblyAI and accumulates utterances.
type Service struct {
	apiKey string

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool

	transcripts chan string
	finalizeCh  chan string
	audioData   chan []byte
	stopCh      chan struct{}

	// utterance accumulation
	accMu        sync.Mutex
	latest       string
	committed    string
	lastUpdate   time.Time
	lastVoice    time.Time
	silenceTimer *time.Timer
}

type beginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

type terminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewService creates a transcription service.
func NewService(apiKey string) *Service {
	return &Service{
		apiKey:      apiKey,
		transcripts: make(chan string, 100),
		finalizeCh:  make(chan string, 10),
		audioData:   make(chan []byte, 1000),
		stopCh:      make(chan struct{}),
	}
}

// Finalize returns the channel delivering completed utterances.
func (s *Service) Finalize() <-chan string { return s.finalizeCh }

// GetTranscripts returns the channel delivering live partial transcripts.
func (s *Service) GetTranscripts() <-chan string { return s.transcripts }

// Connect establishes the websocket session.
func (s *Service) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	if s.apiKey == "" {
		return fmt.Errorf("assemblyai api key is empty")
	}

	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	wsURL := fmt.Sprintf("wss://streaming.assemblyai.com/v3/ws?%s", params.Encode())

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, map[string][]string{"Authorization": {s.apiKey}})
	if err != nil {
		if resp != nil {
			log.Printf("assemblyai connect failed: status=%d", resp.StatusCode)
		}
		return fmt.Errorf("connect to assemblyai: %w", err)
	}

	s.conn = conn
	s.connected = true
	now := time.Now()
	s.accMu.Lock()
	s.lastUpdate = now
	s.lastVoice = now
	s.accMu.Unlock()

	go s.readLoop()
	go s.writeLoop()
	log.Println("assemblyai streaming session connected")
	return nil
}

// SendPCM16KLE queues 16kHz PCM16LE mono audio for transcription.
func (s *Service) SendPCM16KLE(pcm []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return fmt.Errorf("not connected to assemblyai")
	}
	s.detectVoice(pcm)
	select {
	case s.audioData <- pcm:
	default:
		log.Println("assemblyai audio buffer full, dropping chunk")
	}
	return nil
}

// RecentlyDetectedVoice reports whether voice energy was observed within the
// given window.
func (s *Service) RecentlyDetectedVoice(window time.Duration) bool {
	s.accMu.Lock()
	last := s.lastVoice
	s.accMu.Unlock()
	return time.Since(last) <= window
}

// Close terminates the session after a best-effort flush of any uncommitted
// utterance text. The output channels stay open; consumers exit via their
// own context, and late sends from the read loop must not panic.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	close(s.stopCh)
	s.accMu.Lock()
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
	s.accMu.Unlock()
	if s.conn != nil {
		_ = s.conn.WriteJSON(map[string]string{"type": "Terminate"})
		_ = s.conn.Close()
	}
	s.connected = false
	s.conn = nil
	s.flushPending()
	log.Println("assemblyai session closed")
	return nil
}

// detectVoice tracks the last time the PCM stream carried voice energy.
func (s *Service) detectVoice(pcm []byte) {
	const minSamples = 160 // 10ms at 16kHz
	if len(pcm) < minSamples*2 {
		return
	}
	step := 2
	if len(pcm) > 3200 {
		step = 4
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return
	}
	if math.Sqrt(sumSquares/float64(count)) >= voiceRMS {
		s.accMu.Lock()
		s.lastVoice = time.Now()
		s.accMu.Unlock()
	}
}

func (s *Service) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("assemblyai read loop panic recovered: %v", r)
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				log.Printf("assemblyai read: %v", err)
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *Service) writeLoop() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("assemblyai write loop panic recovered: %v", r)
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		case chunk, ok := <-s.audioData:
			if !ok {
				return
			}
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				log.Printf("assemblyai send audio: %v", err)
				return
			}
		}
	}
}

func (s *Service) handleMessage(message []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		log.Printf("assemblyai message decode: %v", err)
		return
	}
	switch base.Type {
	case "Begin":
		var msg beginMessage
		if json.Unmarshal(message, &msg) == nil {
			log.Printf("assemblyai session began: id=%s", msg.ID)
		}
	case "Turn":
		var msg turnMessage
		if json.Unmarshal(message, &msg) != nil || msg.Transcript == "" {
			return
		}
		select {
		case s.transcripts <- msg.Transcript:
		default:
		}
		s.accMu.Lock()
		s.latest = msg.Transcript
		s.lastUpdate = time.Now()
		if s.silenceTimer == nil {
			s.silenceTimer = time.AfterFunc(silenceThreshold, s.finalizeOnSilence)
		} else {
			s.silenceTimer.Stop()
			s.silenceTimer.Reset(silenceThreshold)
		}
		s.accMu.Unlock()
	case "Termination":
		var msg terminationMessage
		if json.Unmarshal(message, &msg) == nil {
			log.Printf("assemblyai session terminated: audio=%.2fs session=%.2fs", msg.AudioDurationSeconds, msg.SessionDurationSeconds)
		}
		s.flushPending()
	case "Error":
		var msg errorMessage
		if json.Unmarshal(message, &msg) == nil {
			log.Printf("assemblyai error: %s", msg.Error)
		}
	default:
		log.Printf("assemblyai: unknown message type %q", base.Type)
	}
}

// finalizeOnSilence fires after the silence window. It re-checks inactivity
// (text and voice energy), waits out a short stabilization grace period for
// late ASR updates, and emits the utterance delta since the last commit.
func (s *Service) finalizeOnSilence() {
	select {
	case <-s.stopCh:
		return
	default:
	}

	s.accMu.Lock()
	threshold := silenceThreshold
	if continuationLikely(s.latest) {
		threshold += continuationExtension
	}
	now := time.Now()
	sinceText := now.Sub(s.lastUpdate)
	sinceVoice := now.Sub(s.lastVoice)
	if sinceText < threshold || sinceVoice < threshold {
		wait := threshold - sinceText
		if rem := threshold - sinceVoice; rem > wait {
			wait = rem
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		if s.silenceTimer != nil {
			s.silenceTimer.Stop()
			s.silenceTimer.Reset(wait)
		}
		s.accMu.Unlock()
		return
	}
	lastUpdateAt := s.lastUpdate
	s.accMu.Unlock()

	time.Sleep(stabilizationGrace)

	s.accMu.Lock()
	if s.lastUpdate.After(lastUpdateAt) {
		// A late update arrived during grace; wait out a fresh window.
		if s.silenceTimer != nil {
			s.silenceTimer.Stop()
			s.silenceTimer.Reset(silenceThreshold)
		}
		s.accMu.Unlock()
		return
	}
	delta := s.commitDeltaLocked()
	s.accMu.Unlock()

	if delta == "" {
		return
	}
	// Deliver without dropping so no words are lost downstream.
	select {
	case <-s.stopCh:
	case s.finalizeCh <- delta:
	}
}

// commitDeltaLocked advances the committed transcript and returns the new
// text since the previous commit. Caller holds accMu.
func (s *Service) commitDeltaLocked() string {
	delta := strings.TrimSpace(strings.TrimPrefix(s.latest, s.committed))
	if delta == "" && s.committed != "" {
		if idx := strings.LastIndex(s.latest, s.committed); idx >= 0 {
			delta = strings.TrimSpace(s.latest[idx+len(s.committed):])
		}
	}
	s.committed = s.latest
	return delta
}

// flushPending delivers any uncommitted utterance text, best-effort.
func (s *Service) flushPending() {
	s.accMu.Lock()
	delta := s.commitDeltaLocked()
	s.accMu.Unlock()
	if delta == "" {
		return
	}
	select {
	case s.finalizeCh <- delta:
	case <-time.After(200 * time.Millisecond):
		log.Println("assemblyai flush: timed out delivering final delta")
	}
}

// continuationLikely reports whether the last meaningful word suggests the
// speaker is mid-sentence.
func continuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	fields := strings.FieldsFunc(strings.TrimSpace(text), func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}
