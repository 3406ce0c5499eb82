package tts

import (
	"context"
	"testing"
	"time"
)

func TestDeepgramSpeaker_NoKeyErrorsQuickly(t *testing.T) {
	d := NewDeepgramSpeaker("", "")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	pcmCh, errCh := d.StreamPCM48k(ctx, "hello")
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected error when api key missing")
		}
	case <-pcmCh:
		// ignore
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("timeout waiting for error")
	}
}

func TestDeepgramSpeaker_DefaultVoice(t *testing.T) {
	d := NewDeepgramSpeaker("key", "")
	if d.model != "aura-2-thalia-en" {
		t.Fatalf("default model = %q", d.model)
	}
	d = NewDeepgramSpeaker("key", "aura-2-orion-en")
	if d.model != "aura-2-orion-en" {
		t.Fatalf("explicit model = %q", d.model)
	}
}

func TestDeepgramSpeaker_EmptyTextClosesCleanly(t *testing.T) {
	d := NewDeepgramSpeaker("key", "")
	pcmCh, errCh := d.StreamPCM48k(context.Background(), "")
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			t.Fatalf("unexpected error for empty text: %v", err)
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("timeout waiting for channels to close")
	}
	if _, ok := <-pcmCh; ok {
		t.Fatalf("expected pcm channel closed without audio")
	}
}

func TestElevenLabsSpeaker_MissingCredentials(t *testing.T) {
	e := NewElevenLabsSpeaker("", "")
	_, errCh := e.StreamPCM48k(context.Background(), "hello")
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected error when credentials missing")
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("timeout waiting for error")
	}
}
