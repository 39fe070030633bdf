package call

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestManager(t *testing.T, stt *mockSTTSession, tts *mockTTS, phone *mockTelephony) *Manager {
	t.Helper()
	m, err := NewManager(ProviderRegistry{Phone: phone, TTS: tts, STT: stt2provider(stt)}, NoOpLogger{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func stt2provider(s *mockSTTSession) STTProvider { return &mockSTTProvider{session: s} }

func TestManagerInitiateContinueEnd(t *testing.T) {
	stt := &mockSTTSession{transcript: "yes hello"}
	tts := &mockTTS{}
	phone := &mockTelephony{carrierRef: "CA999"}
	m := newTestManager(t, stt, tts, phone)

	cfg := DefaultConfig()
	cfg.MediaConnectTimeout = time.Second

	callID := m.NewCallID()
	go func() {
		deadline := time.After(time.Second)
		for {
			select {
			case <-deadline:
				return
			default:
			}
			if sess, ok := m.Lookup(callID); ok {
				sess.HandleRinging()
				sess.HandleAnswered()
				sess.BindMedia(&mockMediaSink{})
				sess.BindSTT(context.Background())
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	result, err := m.Initiate(context.Background(), callID, "+15551234567", "+15557654321", "wss://example.test/media-stream", "", "hello?", cfg)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if result.Response != "yes hello" {
		t.Errorf("expected %q, got %q", "yes hello", result.Response)
	}

	stt.transcript = "continuing"
	resp, err := m.Continue(context.Background(), result.CallID, "and then?")
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if resp != "continuing" {
		t.Errorf("expected %q, got %q", "continuing", resp)
	}

	endResult, err := m.End(context.Background(), result.CallID, "goodbye")
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if endResult.DurationSeconds < 0 {
		t.Errorf("expected non-negative duration, got %v", endResult.DurationSeconds)
	}

	if _, ok := m.Lookup(result.CallID); ok {
		t.Error("expected call to be removed from registry after End")
	}
}

func TestManagerContinueUnknownCall(t *testing.T) {
	m := newTestManager(t, &mockSTTSession{}, &mockTTS{}, &mockTelephony{})
	if _, err := m.Continue(context.Background(), "nonexistent", "hi"); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("expected ErrCallNotFound, got %v", err)
	}
}

func TestManagerRejectsNilProvider(t *testing.T) {
	_, err := NewManager(ProviderRegistry{TTS: &mockTTS{}, STT: &mockSTTProvider{}}, NoOpLogger{})
	if !errors.Is(err, ErrNilProvider) {
		t.Errorf("expected ErrNilProvider, got %v", err)
	}
}
