package rtc

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
)

type fakeTrack struct{ writes int32 }

func (f *fakeTrack) WriteSample(_ media.Sample) error {
	atomic.AddInt32(&f.writes, 1)
	return nil
}

func TestOpusTrackWriter_PacerWritesFrames(t *testing.T) {
	ft := &fakeTrack{}
	w := &OpusTrackWriter{
		track:  ft,
		frames: make(chan []byte, 8),
		stopCh: make(chan struct{}),
	}
	done := make(chan struct{})
	go func() { w.pace(); close(done) }()

	for i := 0; i < 3; i++ {
		w.enqueue([]byte{0x01, 0x02})
	}

	time.Sleep(50 * time.Millisecond)
	close(w.stopCh)
	<-done

	if atomic.LoadInt32(&ft.writes) == 0 {
		t.Fatalf("expected pacer to write at least one frame")
	}
}

func TestOpusTrackWriter_ResetDrains(t *testing.T) {
	w := &OpusTrackWriter{
		track:  &fakeTrack{},
		frames: make(chan []byte, 8),
		stopCh: make(chan struct{}),
		pcmBuf: []int16{1, 2, 3},
	}
	w.frames <- []byte{0x01}
	w.frames <- []byte{0x02}
	w.Reset()
	select {
	case <-w.frames:
		t.Fatalf("expected frames channel to be drained")
	default:
	}
	if len(w.pcmBuf) != 0 {
		t.Fatalf("expected pcmBuf to be reset, got len=%d", len(w.pcmBuf))
	}
}

func TestParseICEServers(t *testing.T) {
	servers := parseICEServers("")
	if len(servers) != 1 || servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("expected stun fallback, got %+v", servers)
	}
	custom := `[{"urls":["turn:turn.example.com:3478"],"username":"u","credential":"c"}]`
	servers = parseICEServers(custom)
	if len(servers) != 1 || servers[0].URLs[0] != "turn:turn.example.com:3478" {
		t.Fatalf("expected custom servers, got %+v", servers)
	}
	servers = parseICEServers("{not json")
	if len(servers) != 1 || servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("expected fallback on bad json, got %+v", servers)
	}
}

func TestHandleControlMessage_NilSessionDoesNotPanic(t *testing.T) {
	handleControlMessage("s1", nil, []byte(`{"type":"end_session"}`))
	handleControlMessage("s1", nil, []byte(`{"msg":"interrupt"}`))
	handleControlMessage("s1", nil, []byte(`{"type":"unknown-thing"}`))
	handleControlMessage("s1", nil, []byte(`not json`))
}

func TestControlMessengerRequiresChannel(t *testing.T) {
	m := newControlMessenger("s1")
	if err := m.SendControl(map[string]string{"label": "x"}); err == nil {
		t.Fatalf("expected error before channel bound")
	}
}

func TestControlMessageDecoding(t *testing.T) {
	var m controlMessage
	if err := json.Unmarshal([]byte(`{"type":"end_session"}`), &m); err != nil || m.Type != "end_session" {
		t.Fatalf("decode end_session: %v %+v", err, m)
	}
	m = controlMessage{}
	if err := json.Unmarshal([]byte(`{"msg":"interrupt"}`), &m); err != nil || m.Msg != "interrupt" {
		t.Fatalf("decode interrupt: %v %+v", err, m)
	}
}
