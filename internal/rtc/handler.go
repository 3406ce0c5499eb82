// Package rtc terminates WebRTC peer connections for browser interviews:
// HTTP offer/answer and websocket trickle-ICE signaling, the Opus media
// path, and the JSON control channel the interview UI talks over.
package rtc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/talentframe/interview-agent/internal/actions"
	"github.com/talentframe/interview-agent/internal/agent"
	"github.com/talentframe/interview-agent/internal/bargein"
	"github.com/talentframe/interview-agent/internal/config"
	"github.com/talentframe/interview-agent/internal/flow"
	"github.com/talentframe/interview-agent/internal/llm"
	"github.com/talentframe/interview-agent/internal/transcript"
	"github.com/talentframe/interview-agent/internal/tts"
)

const (
	controlChannelLabel = "control"
	pcm16kChunkBytes    = 3200 // 100ms at 16kHz
	bargeInVoiceWindow  = 150 * time.Millisecond
)

// SessionDescription is a small DTO so transport layers never expose pion
// types.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Handler builds one interview session per peer connection. The flow graph
// and handler registry are shared across sessions; per-session state is not.
type Handler struct {
	cfg      config.Config
	graph    *flow.Graph
	registry *actions.Registry
	store    agent.HistoryStore
}

func NewHandler(cfg config.Config, graph *flow.Graph, registry *actions.Registry, store agent.HistoryStore) *Handler {
	return &Handler{cfg: cfg, graph: graph, registry: registry, store: store}
}

// HandleOffer accepts an SDP offer, wires a full interview session to the
// resulting peer connection, and returns the SDP answer (non-trickle).
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}

	pc, outTrack, err := newPeerConnection("")
	if err != nil {
		return SessionDescription{}, err
	}

	sessionID := uuid.NewString()
	h.attach(sessionID, pc, outTrack)

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		_ = pc.Close()
		return SessionDescription{}, ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return SessionDescription{}, errors.New("no local description")
	}
	log.Printf("[%s] answer created", sessionID)
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// newPeerConnection prepares a pion peer with default codecs and
// interceptors plus the outbound interviewer audio track.
func newPeerConnection(iceServersJSON string) (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: parseICEServers(iceServersJSON)})
	if err != nil {
		return nil, nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: trackSampleRate, Channels: 1},
		"interviewer-audio", "interviewer",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, outTrack, nil
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if iceJSON != "" {
		if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
			return servers
		}
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

// attach wires the media and control handlers for one peer. The interview
// session itself is built lazily when the candidate's audio track arrives.
func (h *Handler) attach(sessionID string, pc *webrtc.PeerConnection, outTrack *webrtc.TrackLocalStaticSample) {
	transcriber := transcript.NewService(h.cfg.AssemblyAIKey)
	llmClient := llm.NewCerebrasClient(h.cfg.CerebrasKey, h.cfg.CerebrasModelID)
	speaker := h.newSpeaker()
	messenger := newControlMessenger(sessionID)

	var sessPtr atomic.Pointer[agent.Session]

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("[%s] ICE state: %s", sessionID, state.String())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] peer connection state: %s", sessionID, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			if s := sessPtr.Load(); s != nil {
				s.End("participant departed")
			} else {
				_ = pc.Close()
			}
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != controlChannelLabel {
			return
		}
		log.Printf("[%s] control channel opened", sessionID)
		messenger.bind(dc)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			handleControlMessage(sessionID, sessPtr.Load(), msg.Data)
		})
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] candidate audio track received: codec=%s", sessionID, remote.Codec().MimeType)

		paced, err := NewOpusTrackWriter(outTrack)
		if err != nil {
			log.Printf("[%s] opus encoder error: %v", sessionID, err)
			_ = pc.Close()
			return
		}

		state := actions.NewSessionState(sessionID, time.Duration(h.cfg.InterviewMinutes)*time.Minute)
		detector := bargein.New(bargein.DefaultConfig())
		sess, err := agent.NewSession(agent.Deps{
			Transcriber:  transcriber,
			LLM:          llmClient,
			TTS:          speaker,
			Sink:         paced,
			Store:        h.store,
			Graph:        h.graph,
			Registry:     h.registry,
			Messenger:    messenger,
			State:        state,
			OnTranscript: detector.NotifyPartial,
			Release: func() {
				paced.FlushTail()
				time.AfterFunc(400*time.Millisecond, paced.Close)
				_ = pc.Close()
			},
		})
		if err != nil {
			log.Printf("[%s] session construction error: %v", sessionID, err)
			_ = pc.Close()
			return
		}
		sessPtr.Store(sess)

		if err := sess.Start(context.Background()); err != nil {
			log.Printf("[%s] session start error: %v", sessionID, err)
			sess.End("pipeline start failed")
			return
		}

		dec, derr := opus.NewDecoder(16000, 1)
		if derr != nil {
			log.Printf("[%s] opus decoder error: %v", sessionID, derr)
			sess.End("audio decode unavailable")
			return
		}
		go readMic(sessionID, remote, dec, sess)
		go watchBargeIn(sessionID, sess, transcriber, paced, detector)
	})
}

// newSpeaker selects the TTS backend from configuration. Deepgram Aura is
// the default.
func (h *Handler) newSpeaker() agent.TTS {
	if h.cfg.TTSProvider == "elevenlabs" {
		return tts.NewElevenLabsSpeaker(h.cfg.ElevenLabsKey, h.cfg.ElevenLabsVoiceID)
	}
	return tts.NewDeepgramSpeaker(h.cfg.DeepgramKey, h.cfg.DeepgramModel)
}

// controlMessage is the inbound shape on the control channel. The UI sends
// either a typed command or a bare msg field.
type controlMessage struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

// handleControlMessage dispatches one inbound control frame. Unknown
// messages are logged and ignored so a newer UI cannot break an older
// server.
func handleControlMessage(sessionID string, sess *agent.Session, data []byte) {
	var m controlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		log.Printf("[%s] control message decode: %v", sessionID, err)
		return
	}
	switch {
	case m.Type == "end_session":
		log.Printf("[%s] client requested session end", sessionID)
		if sess != nil {
			sess.End("client requested end")
		}
	case m.Msg == "interrupt":
		log.Printf("[%s] client requested interrupt", sessionID)
		if sess != nil {
			sess.Interrupt()
		}
	default:
		log.Printf("[%s] unhandled control message: type=%q msg=%q", sessionID, m.Type, m.Msg)
	}
}

// readMic decodes the candidate's Opus packets to 16kHz PCM and feeds the
// session in fixed chunks.
func readMic(sessionID string, remote *webrtc.TrackRemote, dec *opus.Decoder, sess *agent.Session) {
	pcmBuf := make([]byte, 0, pcm16kChunkBytes*4)
	samples := make([]int16, 1920)
	for {
		pkt, _, readErr := remote.ReadRTP()
		if readErr != nil {
			log.Printf("[%s] RTP read ended: %v", sessionID, readErr)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, decErr := dec.Decode(pkt.Payload, samples)
		if decErr != nil {
			log.Printf("[%s] opus decode error: %v", sessionID, decErr)
			continue
		}
		startLen := len(pcmBuf)
		need := n * 2
		if cap(pcmBuf)-startLen < need {
			tmp := make([]byte, startLen, startLen+need+pcm16kChunkBytes)
			copy(tmp, pcmBuf)
			pcmBuf = tmp
		}
		pcmBuf = pcmBuf[:startLen+need]
		o := pcmBuf[startLen:]
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(o[i*2:(i+1)*2], uint16(samples[i]))
		}
		for len(pcmBuf) >= pcm16kChunkBytes {
			sess.FeedPCM16KLE(pcmBuf[:pcm16kChunkBytes])
			copy(pcmBuf, pcmBuf[pcm16kChunkBytes:])
			pcmBuf = pcmBuf[:len(pcmBuf)-pcm16kChunkBytes]
		}
	}
}

// watchBargeIn samples interruption cues while the interviewer is speaking
// and cuts playback when the detector fuses them into a trigger.
func watchBargeIn(sessionID string, sess *agent.Session, transcriber agent.Transcriber, paced *OpusTrackWriter, detector *bargein.Detector) {
	ticker := time.NewTicker(40 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sess.Done():
			return
		case <-ticker.C:
			detector.SetSpeaking(sess.IsSpeaking())
			voice := transcriber.RecentlyDetectedVoice(bargeInVoiceWindow)
			if detector.Evaluate(voice, time.Now()) {
				log.Printf("[%s] barge-in: interrupting playback", sessionID)
				sess.Interrupt()
				paced.Reset()
				detector.Reset()
			}
		}
	}
}

// controlMessenger sends outbound control JSON over the data channel once it
// opens. Before then sends fail, which handlers treat as best-effort.
type controlMessenger struct {
	sessionID string
	mu        sync.Mutex
	dc        *webrtc.DataChannel
}

func newControlMessenger(sessionID string) *controlMessenger {
	return &controlMessenger{sessionID: sessionID}
}

func (c *controlMessenger) bind(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()
}

func (c *controlMessenger) SendControl(v any) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("[%s] control channel not open", c.sessionID)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	return dc.SendText(string(data))
}
