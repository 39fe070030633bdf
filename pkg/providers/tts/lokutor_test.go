package tts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// newTestLokutorServer fakes the lokutor streaming protocol: read the JSON
// synthesis request, reply with two binary chunks, then a text "EOS". TLS
// because LokutorTTS always dials wss://; the test swaps http.DefaultClient
// (which websocket.Dial falls back to with nil options) for one that trusts
// this server's certificate.
func newTestLokutorServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		var req map[string]interface{}
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			t.Errorf("read request: %v", err)
			return
		}

		conn.Write(r.Context(), websocket.MessageBinary, []byte("chunk1"))
		conn.Write(r.Context(), websocket.MessageBinary, []byte("chunk2"))
		conn.Write(r.Context(), websocket.MessageText, []byte("EOS"))
	}))
}

func TestLokutorSynthesizeCollectsChunks(t *testing.T) {
	srv := newTestLokutorServer(t)
	defer srv.Close()

	origClient := http.DefaultClient
	http.DefaultClient = srv.Client()
	defer func() { http.DefaultClient = origClient }()

	tts := NewLokutorTTS("test-key", "alloy", "en", 24000)
	tts.host = strings.TrimPrefix(srv.URL, "https://")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pcm, rate, err := tts.Synthesize(ctx, "hello there")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(pcm) != "chunk1chunk2" {
		t.Errorf("expected concatenated chunks, got %q", pcm)
	}
	if rate != 24000 {
		t.Errorf("expected default sample rate 24000, got %d", rate)
	}
}

func TestLokutorNameAndSampleRate(t *testing.T) {
	tts := NewLokutorTTS("key", "alloy", "en", 0)
	if tts.Name() != "lokutor" {
		t.Errorf("expected lokutor, got %s", tts.Name())
	}
	if tts.DefaultSampleRate() != 24000 {
		t.Errorf("expected default sample rate of 24000 when unset, got %d", tts.DefaultSampleRate())
	}
}
