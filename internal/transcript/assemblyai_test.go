package transcript

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestContinuationLikely(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"I built the service with Go and", true},
		{"we deployed it to", true},
		{"the cache invalidation was tricky.", false},
		{"", false},
		{"So,", true},
		{"that's everything I did there", false},
	}
	for _, c := range cases {
		if got := continuationLikely(c.text); got != c.want {
			t.Errorf("continuationLikely(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}

func TestLastWordStripsPunctuation(t *testing.T) {
	if got := lastWord("I was thinking, um..."); got != "um" {
		t.Errorf("lastWord = %q, want %q", got, "um")
	}
	if got := lastWord("123 456"); got != "" {
		t.Errorf("lastWord on digits = %q, want empty", got)
	}
}

func TestCommitDeltaReturnsOnlyNewText(t *testing.T) {
	s := NewService("key")

	s.accMu.Lock()
	s.latest = "hello there"
	delta := s.commitDeltaLocked()
	s.accMu.Unlock()
	if delta != "hello there" {
		t.Fatalf("first delta = %q, want %q", delta, "hello there")
	}

	s.accMu.Lock()
	s.latest = "hello there how are you"
	delta = s.commitDeltaLocked()
	s.accMu.Unlock()
	if delta != "how are you" {
		t.Fatalf("second delta = %q, want %q", delta, "how are you")
	}

	// No new text since the last commit.
	s.accMu.Lock()
	delta = s.commitDeltaLocked()
	s.accMu.Unlock()
	if delta != "" {
		t.Fatalf("unchanged transcript produced delta %q", delta)
	}
}

func TestDetectVoiceUpdatesActivity(t *testing.T) {
	s := NewService("key")
	s.accMu.Lock()
	s.lastVoice = time.Now().Add(-time.Minute)
	s.accMu.Unlock()

	// 20ms of silence should not register.
	silent := make([]byte, 640)
	s.detectVoice(silent)
	if s.RecentlyDetectedVoice(time.Second) {
		t.Fatal("silence registered as voice")
	}

	// A loud square wave clears the RMS threshold.
	loud := make([]byte, 640)
	for i := 0; i+1 < len(loud); i += 2 {
		binary.LittleEndian.PutUint16(loud[i:i+2], uint16(int16(8000)))
	}
	s.detectVoice(loud)
	if !s.RecentlyDetectedVoice(time.Second) {
		t.Fatal("loud audio not registered as voice")
	}
}

func TestConnectRequiresAPIKey(t *testing.T) {
	s := NewService("")
	if err := s.Connect(); err == nil {
		t.Fatal("expected error connecting with empty api key")
	}
}

func TestSendBeforeConnectFails(t *testing.T) {
	s := NewService("key")
	if err := s.SendPCM16KLE(make([]byte, 320)); err == nil {
		t.Fatal("expected error sending before connect")
	}
}
