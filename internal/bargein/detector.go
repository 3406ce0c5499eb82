// Package bargein decides when the candidate is talking over the
// interviewer. Two cues are fused: sustained voice energy from the
// transcriber and token growth in the live partial transcript. Requiring
// both keeps coughs and room noise from cutting the interviewer off
// mid-sentence.
package bargein

import (
	"strings"
	"sync"
	"time"
)

// Config holds the fusion thresholds.
type Config struct {
	// MinTokenGrowth is how many new partial-transcript tokens count as the
	// ASR cue.
	MinTokenGrowth int
	// VoiceWindow is how recent voice energy must be to count as the VAD cue.
	VoiceWindow time.Duration
	// FuseWindow is how close together the two cues must land.
	FuseWindow time.Duration
	// HoldOff suppresses retriggering after a trigger fires.
	HoldOff time.Duration
}

// DefaultConfig is tuned for a WebRTC headset path.
func DefaultConfig() Config {
	return Config{
		MinTokenGrowth: 2,
		VoiceWindow:    150 * time.Millisecond,
		FuseWindow:     180 * time.Millisecond,
		HoldOff:        200 * time.Millisecond,
	}
}

// Detector fuses interruption cues while the interviewer is speaking.
type Detector struct {
	cfg Config

	mu          sync.Mutex
	speaking    bool
	lastTokens  int
	baseTokens  int
	lastASRCue  time.Time
	lastTrigger time.Time
}

func New(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// SetSpeaking toggles the interviewer-speaking state. The partial-token
// baseline resets on the rising edge so text spoken before playback started
// does not count as an interruption.
func (d *Detector) SetSpeaking(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if on && !d.speaking {
		d.baseTokens = d.lastTokens
		d.lastASRCue = time.Time{}
	}
	d.speaking = on
}

// NotifyPartial feeds the latest live partial transcript. Token growth past
// the threshold arms the ASR cue.
func (d *Detector) NotifyPartial(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastTokens = tokenCount(text)
	if !d.speaking {
		d.baseTokens = d.lastTokens
		return
	}
	if d.lastTokens-d.baseTokens >= d.cfg.MinTokenGrowth {
		d.lastASRCue = time.Now()
	}
}

// Evaluate reports whether a barge-in should fire now, given whether voice
// energy was recently detected. A trigger starts the hold-off period.
func (d *Detector) Evaluate(voiceRecent bool, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.speaking || !voiceRecent {
		return false
	}
	if !d.lastTrigger.IsZero() && now.Sub(d.lastTrigger) < d.cfg.HoldOff {
		return false
	}
	if d.lastASRCue.IsZero() || now.Sub(d.lastASRCue) > d.cfg.FuseWindow {
		return false
	}
	d.lastTrigger = now
	d.lastASRCue = time.Time{}
	return true
}

// Reset clears cue state, typically after an interruption was handled.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastASRCue = time.Time{}
	d.baseTokens = 0
}

func tokenCount(text string) int {
	return len(strings.Fields(text))
}
