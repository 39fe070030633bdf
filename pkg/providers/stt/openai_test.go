package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/voicebridge-ai/voicebridge/pkg/call"
)

// newTestRealtimeServer fakes OpenAI's realtime transcription WebSocket:
// reads the session.update, then emits a delta partial followed by a
// completed transcription event. TLS because the session always dials
// wss://; the test swaps http.DefaultClient (which websocket.Dial falls back
// to when DialOptions.HTTPClient is nil) for one that trusts this server.
func newTestRealtimeServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		var sessionUpdate map[string]interface{}
		if err := wsjson.Read(r.Context(), conn, &sessionUpdate); err != nil {
			t.Errorf("read session.update: %v", err)
			return
		}

		wsjson.Write(r.Context(), conn, map[string]interface{}{
			"type":  "conversation.item.input_audio_transcription.delta",
			"delta": "hel",
		})
		wsjson.Write(r.Context(), conn, map[string]interface{}{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "hello world",
		})

		<-r.Context().Done()
	}))
}

func TestOpenAIRealtimeSessionResolvesTranscript(t *testing.T) {
	srv := newTestRealtimeServer(t)
	defer srv.Close()

	origClient := http.DefaultClient
	http.DefaultClient = srv.Client()
	defer func() { http.DefaultClient = origClient }()

	provider := NewOpenAIRealtimeProvider("test-key")
	provider.wsHost = strings.TrimPrefix(srv.URL, "https://")

	sess := provider.CreateSession(call.SttSessionConfig{SampleRate: 8000, Encoding: "mulaw", SilenceDurationMs: 800}, call.NoOpLogger{})

	var partials []string
	sess.OnPartial(func(s string) { partials = append(partials, s) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	transcript, err := sess.WaitForTranscript(ctx, time.Second)
	if err != nil {
		t.Fatalf("WaitForTranscript: %v", err)
	}
	if transcript != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", transcript)
	}
	if len(partials) == 0 || partials[0] != "hel" {
		t.Errorf("expected partial delta to be forwarded, got %v", partials)
	}
}

func TestOpenAIRealtimeSessionWaitForTranscriptTimesOut(t *testing.T) {
	provider := NewOpenAIRealtimeProvider("test-key")
	sess := &openaiRealtimeSession{apiKey: "test-key", model: "gpt-4o-transcribe", logger: call.NoOpLogger{}}
	_ = provider

	ctx := context.Background()
	_, err := sess.WaitForTranscript(ctx, 10*time.Millisecond)
	if err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}
