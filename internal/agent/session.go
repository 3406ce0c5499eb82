package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/talentframe/interview-agent/internal/actions"
	"github.com/talentframe/interview-agent/internal/flow"
)

// maxToolRounds bounds LLM round-trips within one turn: a tool round plus
// the follow-up that produces the next spoken prompt.
const maxToolRounds = 4

// chunkReply splits an assistant reply into sentence-like chunks so the
// transcript commits only text whose audio was actually emitted.
// Heuristic: split on '.', '?', '!' and newlines, retaining punctuation.
func chunkReply(reply string) []string {
	txt := strings.TrimSpace(reply)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	for _, r := range txt {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			if chunk := strings.TrimSpace(b.String()); chunk != "" {
				chunks = append(chunks, chunk)
			}
			b.Reset()
		case '\n', '\r':
			if chunk := strings.TrimSpace(b.String()); chunk != "" {
				chunks = append(chunks, chunk)
			}
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if tail := strings.TrimSpace(b.String()); tail != "" {
		chunks = append(chunks, tail)
	}
	return chunks
}

// Deps wires one session's collaborators. Every handler and pipeline stage
// reaches shared state through here; there is no ambient global lookup.
type Deps struct {
	Transcriber Transcriber
	LLM         LLM
	TTS         TTS
	Sink        PCM48kSink
	Store       HistoryStore
	Graph       *flow.Graph
	Registry    *actions.Registry
	Messenger   actions.Messenger
	State       *actions.SessionState

	// OnTranscript receives live partial transcripts (optional UI).
	OnTranscript func(text string)
	// Release frees the transport's network resources. Called exactly once
	// during teardown, on every exit path.
	Release func()
}

// Session runs one interview: it owns the STT -> LLM -> TTS pipeline, the
// flow orchestrator, and the lifecycle from participant join to teardown.
type Session struct {
	d     Deps
	orch  *Orchestrator
	convo *Conversation

	mu                 sync.Mutex
	speaking           bool
	ttsCancel          context.CancelFunc
	interruptRequested bool
	inputMuted         bool

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	endOnce  sync.Once
	done     chan struct{}
	spokeYet bool
}

// NewSession constructs a session. The flow is validated against the
// registry here; a structurally invalid flow prevents the session from
// starting.
func NewSession(d Deps) (*Session, error) {
	if d.Sink == nil {
		d.Sink = nopSink{}
	}
	initial, ok := d.Graph.Node(d.Graph.InitialNode)
	var convo *Conversation
	if ok {
		convo = NewConversation(initial.RoleMessages)
	} else {
		convo = NewConversation(nil)
	}

	s := &Session{
		d:          d,
		convo:      convo,
		inputMuted: true,
		done:       make(chan struct{}),
	}
	orch, err := NewOrchestrator(d.Graph, d.Registry, d.State, convo, d.Messenger, func() {
		// Terminal post-action: stop the pipeline. Teardown is async so a
		// turn in flight can finish speaking its closing line.
		s.End("interview flow completed")
	})
	if err != nil {
		return nil, err
	}
	s.orch = orch
	return s, nil
}

// Start connects the pipeline and begins the interview at the flow's initial
// node. Pipeline construction gets exactly one automatic retry; a second
// failure is fatal and returned to the caller.
func (s *Session) Start(ctx context.Context) error {
	if err := s.d.Transcriber.Connect(); err != nil {
		log.Printf("[%s] pipeline construction failed, rebuilding once: %v", s.d.State.SessionID, err)
		if err2 := s.d.Transcriber.Connect(); err2 != nil {
			return fmt.Errorf("pipeline construction failed after retry: %w", err2)
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.d.State.SetRunning(true)

	// Stream live partial transcripts (optional UI).
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-sctx.Done():
				return
			case t, ok := <-s.d.Transcriber.GetTranscripts():
				if !ok {
					return
				}
				if s.d.OnTranscript != nil && t != "" {
					s.d.OnTranscript(t)
				}
			}
		}
	}()

	// Turn loop: opening prompt first, then one turn per finalized
	// utterance. Turns are strictly sequential.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.orch.Start()
		s.runTurn(sctx, "")
		// The opening turn has run its course. Even when the LLM errored or
		// produced nothing speakable, candidate audio must start flowing, or
		// no utterance can ever finalize and the loop below starves.
		s.mu.Lock()
		s.spokeYet = true
		s.inputMuted = false
		s.mu.Unlock()
		for {
			select {
			case <-sctx.Done():
				return
			case utterance, ok := <-s.d.Transcriber.Finalize():
				if !ok {
					return
				}
				utterance = strings.TrimSpace(utterance)
				if utterance == "" {
					continue
				}
				log.Printf("[%s] heard(final): %s", s.d.State.SessionID, utterance)
				s.awaitSilence(sctx)
				s.runTurn(sctx, utterance)
			}
		}
	}()

	return nil
}

// awaitSilence waits (bounded) for a window without voice energy before the
// assistant speaks, to avoid talking over the candidate.
func (s *Session) awaitSilence(ctx context.Context) {
	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	for waitCtx.Err() == nil {
		if !s.d.Transcriber.RecentlyDetectedVoice(500 * time.Millisecond) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// runTurn executes one complete turn: user input (empty for the opening
// turn), LLM response constrained to the active node's actions, handler
// execution with transition, and spoken delivery. LLM errors make the turn
// a logged no-op; the conversation stays alive.
func (s *Session) runTurn(ctx context.Context, userText string) {
	if ctx.Err() != nil {
		return
	}
	if userText != "" {
		s.convo.AppendUser(userText)
	}

	for round := 0; round < maxToolRounds; round++ {
		llmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		comp, err := s.d.LLM.Chat(llmCtx, s.convo.Snapshot(), s.orch.Tools())
		cancel()
		if err != nil {
			log.Printf("[%s] llm error: %v", s.d.State.SessionID, err)
			return
		}

		if len(comp.ToolCalls) == 0 {
			if comp.Content != "" {
				s.speak(ctx, comp.Content)
			}
			break
		}

		s.convo.AppendToolCalls(comp.Content, comp.ToolCalls)
		if comp.Content != "" {
			// Content alongside a tool call is spoken before the action's
			// outcome shapes the next prompt.
			s.speak(ctx, comp.Content)
		}
		for _, call := range comp.ToolCalls {
			payload := s.orch.HandleToolCall(ctx, call)
			s.convo.AppendToolResult(call.ID, call.Function.Name, payload)
		}
		if s.orch.Terminated() {
			break
		}
	}

	if s.orch.Terminated() {
		s.End("interview flow completed")
	}
}

// speak streams the reply through TTS in sentence chunks, committing to the
// transcript only what was actually delivered before any interruption.
func (s *Session) speak(ctx context.Context, reply string) {
	ctxTTS, cancelTTS := context.WithCancel(ctx)
	s.mu.Lock()
	s.speaking = true
	s.ttsCancel = cancelTTS
	s.interruptRequested = false
	s.mu.Unlock()

	var spokenBuilder strings.Builder
	chunks := chunkReply(reply)
CHUNK_LOOP:
	for i, chunk := range chunks {
		s.mu.Lock()
		interrupted := s.interruptRequested
		s.mu.Unlock()
		if interrupted {
			break CHUNK_LOOP
		}

		pcmCh, errCh := s.d.TTS.StreamPCM48k(ctxTTS, chunk)
		openPCM, openErr := true, true
		for openPCM || openErr {
			select {
			case b, ok := <-pcmCh:
				if ok {
					if len(b) > 0 {
						s.mu.Lock()
						drop := s.interruptRequested
						s.mu.Unlock()
						if !drop {
							s.d.Sink.WritePCM(b)
						}
					}
				} else {
					openPCM = false
				}
			case e, ok := <-errCh:
				if ok && e != nil {
					log.Printf("[%s] tts stream error: %v", s.d.State.SessionID, e)
				}
				openErr = false
			case <-ctx.Done():
				openPCM, openErr = false, false
			}
		}

		s.mu.Lock()
		interrupted = s.interruptRequested
		s.mu.Unlock()
		if interrupted {
			break CHUNK_LOOP
		}
		spokenBuilder.WriteString(strings.TrimSpace(chunk))
		if i < len(chunks)-1 {
			spokenBuilder.WriteString(" ")
		}
	}

	s.mu.Lock()
	wasInterrupted := s.interruptRequested
	s.speaking = false
	s.ttsCancel = nil
	s.interruptRequested = false
	firstUtterance := !s.spokeYet
	s.spokeYet = true
	// The mute gate lifts once the opening utterance has fully played out.
	if firstUtterance {
		s.inputMuted = false
	}
	s.mu.Unlock()
	cancelTTS()
	if !wasInterrupted {
		s.d.Sink.FlushTail()
	}

	spokenText := strings.TrimSpace(spokenBuilder.String())
	if wasInterrupted {
		if spokenText != "" {
			spokenText += " [interrupted]"
		} else {
			spokenText = "[interrupted]"
		}
	}
	if spokenText != "" {
		s.convo.AppendAssistant(spokenText)
		log.Printf("[%s] spoke: %s", s.d.State.SessionID, spokenText)
	}
}

// FeedPCM16KLE sends candidate audio to the transcriber. Input is suppressed
// until the opening prompt has been fully delivered.
func (s *Session) FeedPCM16KLE(pcm []byte) {
	s.mu.Lock()
	muted := s.inputMuted
	s.mu.Unlock()
	if muted {
		return
	}
	_ = s.d.Transcriber.SendPCM16KLE(pcm)
}

// IsSpeaking reports whether TTS is currently active for this session.
func (s *Session) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Interrupt cancels the in-flight assistant utterance without ending the
// session: TTS generation stops and queued audio is dropped immediately.
func (s *Session) Interrupt() {
	s.mu.Lock()
	cancel := s.ttsCancel
	if s.speaking {
		s.interruptRequested = true
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.d.Sink.Reset()
}

// End stops the session for the given reason. Safe to call from any
// goroutine, including the turn loop itself; teardown runs asynchronously
// and exactly once. Done() closes only after cleanup has finished.
func (s *Session) End(reason string) {
	s.endOnce.Do(func() {
		log.Printf("[%s] session ending: %s", s.d.State.SessionID, reason)
		go s.teardown()
	})
}

// Done closes once teardown has fully completed.
func (s *Session) Done() <-chan struct{} { return s.done }

// teardown stops all pipeline tasks, then persists and releases resources.
// Persistence failure is logged and never blocks release.
func (s *Session) teardown() {
	defer close(s.done)

	if s.cancel != nil {
		s.cancel()
	}
	if err := s.d.Transcriber.Close(); err != nil {
		log.Printf("[%s] transcriber close: %v", s.d.State.SessionID, err)
	}
	// Cleanup runs after the pipeline tasks have actually stopped, not
	// merely been signaled.
	s.wg.Wait()

	if s.d.Store != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.d.Store.SaveChatHistory(saveCtx, s.d.State.SessionID, s.convo.History()); err != nil {
			log.Printf("[%s] chat history save failed: %v", s.d.State.SessionID, err)
		}
		cancel()
	}
	if s.d.Release != nil {
		s.d.Release()
	}
	s.d.State.SetRunning(false)
	log.Printf("[%s] session ended", s.d.State.SessionID)
}
