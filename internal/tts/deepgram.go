// Package tts synthesizes interviewer speech. Deepgram Aura over websocket is
// the primary voice; ElevenLabs HTTP streaming is available as an alternate.
// All synthesizers emit 48kHz linear16 PCM suitable for the Opus track writer.
package tts

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

const (
	outputSampleRate = 48000
	outputEncoding   = "linear16"

	// audioIdleWindow: once audio has started flowing, this much quiet from
	// the server means the utterance is complete.
	audioIdleWindow = 400 * time.Millisecond

	// synthesisDeadline bounds a single utterance end to end so a stalled
	// websocket cannot hang the interviewer's turn.
	synthesisDeadline = 12 * time.Second
)

// DeepgramSpeaker synthesizes speech through Deepgram's Aura streaming API.
type DeepgramSpeaker struct {
	apiKey string
	model  string
}

// NewDeepgramSpeaker creates a speaker for the given Aura voice model.
func NewDeepgramSpeaker(apiKey, model string) *DeepgramSpeaker {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &DeepgramSpeaker{apiKey: apiKey, model: model}
}

// StreamPCM48k synthesizes text and streams 48kHz PCM16LE chunks. Both
// returned channels close when synthesis finishes or the context is
// cancelled.
func (d *DeepgramSpeaker) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)

	go func() {
		defer close(pcmCh)
		defer close(errCh)

		if d.apiKey == "" {
			errCh <- fmt.Errorf("deepgram: API key missing")
			return
		}
		if text == "" {
			return
		}

		options := &clientinterfaces.WSSpeakOptions{
			Model:      d.model,
			Encoding:   outputEncoding,
			SampleRate: outputSampleRate,
		}

		var lastRecvUnix int64
		var seenAudio int32

		cb := &auraCallback{onBinary: func(data []byte) error {
			if len(data) == 0 {
				return nil
			}
			atomic.StoreInt64(&lastRecvUnix, time.Now().UnixNano())
			atomic.StoreInt32(&seenAudio, 1)
			b := make([]byte, len(data))
			copy(b, data)
			select {
			case pcmCh <- b:
			default:
			}
			return nil
		}}

		dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
		if err != nil {
			errCh <- fmt.Errorf("deepgram: create ws client: %w", err)
			return
		}

		stopped := false
		stopClient := func() {
			if !stopped {
				stopped = true
				dg.Stop()
			}
		}
		defer stopClient()

		if ok := dg.Connect(); !ok {
			errCh <- fmt.Errorf("deepgram: connect failed")
			return
		}

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				stopClient()
			case <-done:
			}
		}()

		if err := dg.SpeakWithText(text); err != nil {
			errCh <- fmt.Errorf("deepgram: speak text: %w", err)
			close(done)
			return
		}
		if err := dg.Flush(); err != nil {
			log.Printf("deepgram: flush error: %v", err)
		}

		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.Now().Add(synthesisDeadline)
		for {
			select {
			case <-ctx.Done():
				stopClient()
				close(done)
				return
			case <-ticker.C:
				if atomic.LoadInt32(&seenAudio) == 1 {
					last := time.Unix(0, atomic.LoadInt64(&lastRecvUnix))
					if !last.IsZero() && time.Since(last) > audioIdleWindow {
						stopClient()
						close(done)
						return
					}
				}
				if time.Now().After(deadline) {
					stopClient()
					close(done)
					return
				}
			}
		}
	}()

	return pcmCh, errCh
}

// auraCallback funnels websocket binary frames into the PCM channel and
// ignores the control events.
type auraCallback struct{ onBinary func([]byte) error }

func (a *auraCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (a *auraCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (a *auraCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (a *auraCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (a *auraCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (a *auraCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (a *auraCallback) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (a *auraCallback) UnhandledEvent([]byte) error                    { return nil }
func (a *auraCallback) Binary(byMsg []byte) error {
	if a.onBinary != nil {
		return a.onBinary(byMsg)
	}
	return nil
}
