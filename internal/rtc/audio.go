package rtc

import (
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

const (
	trackSampleRate  = 48000
	opusFrameSamples = 960 // 20ms at 48kHz
	frameInterval    = 20 * time.Millisecond
)

// sampleWriter is the slice of TrackLocalStaticSample the pacer needs.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// OpusTrackWriter encodes 48kHz PCM mono to Opus and writes 20ms frames,
// paced in real time, to a WebRTC track. It is the session's audio sink:
// Reset drops everything queued so an interruption cuts playback immediately.
type OpusTrackWriter struct {
	enc    *opus.Encoder
	track  sampleWriter
	frames chan []byte

	mu      sync.Mutex
	pcmBuf  []int16
	stopped bool
	stopCh  chan struct{}
}

// NewOpusTrackWriter constructs a paced writer for the given outbound track.
func NewOpusTrackWriter(track *webrtc.TrackLocalStaticSample) (*OpusTrackWriter, error) {
	enc, err := opus.NewEncoder(trackSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &OpusTrackWriter{
		enc:    enc,
		track:  track,
		frames: make(chan []byte, 512),
		stopCh: make(chan struct{}),
	}
	go w.pace()
	return w, nil
}

// WritePCM buffers 48kHz PCM16LE mono bytes and emits full Opus frames.
func (w *OpusTrackWriter) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	need := len(pcmBytes) / 2
	startLen := len(w.pcmBuf)
	if cap(w.pcmBuf)-startLen < need {
		tmp := make([]int16, startLen, startLen+need+2048)
		copy(tmp, w.pcmBuf)
		w.pcmBuf = tmp
	}
	w.pcmBuf = w.pcmBuf[:startLen+need]
	for i := 0; i < need; i++ {
		w.pcmBuf[startLen+i] = int16(uint16(pcmBytes[2*i]) | uint16(pcmBytes[2*i+1])<<8)
	}

	opusBuf := make([]byte, 4000)
	for len(w.pcmBuf) >= opusFrameSamples {
		n, _ := w.enc.Encode(w.pcmBuf[:opusFrameSamples], opusBuf)
		if n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.enqueue(pkt)
		}
		copy(w.pcmBuf, w.pcmBuf[opusFrameSamples:])
		w.pcmBuf = w.pcmBuf[:len(w.pcmBuf)-opusFrameSamples]
	}
}

// FlushTail pads any partial frame and appends ~200ms of silence so the last
// syllable is not clipped by the decoder.
func (w *OpusTrackWriter) FlushTail() {
	opusBuf := make([]byte, 4000)
	w.mu.Lock()
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, opusFrameSamples)
		copy(pad, w.pcmBuf)
		if n, _ := w.enc.Encode(pad, opusBuf); n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.enqueue(pkt)
		}
		w.pcmBuf = w.pcmBuf[:0]
	}
	w.mu.Unlock()

	silence := make([]int16, opusFrameSamples)
	for i := 0; i < 10; i++ {
		if n, _ := w.enc.Encode(silence, opusBuf); n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.enqueue(pkt)
		}
	}
}

// Reset drops queued frames and buffered PCM for immediate interruption.
func (w *OpusTrackWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case <-w.frames:
		default:
			w.pcmBuf = w.pcmBuf[:0]
			return
		}
	}
}

// Close stops the pacer goroutine.
func (w *OpusTrackWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *OpusTrackWriter) pace() {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: frameInterval})
			default:
			}
		}
	}
}

// enqueue blocks until the frame fits or the writer stops; dropping here
// would corrupt the utterance mid-word.
func (w *OpusTrackWriter) enqueue(pkt []byte) {
	select {
	case <-w.stopCh:
	case w.frames <- pkt:
	}
}
