package tts

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// LokutorTTS synthesizes over a persistent WebSocket connection, streaming
// binary audio frames back as they are generated — lower first-byte
// latency than a request/response endpoint. The wire protocol and
// reconnect-on-error handling are unchanged from the original client; only
// the provider-facing shape (call.TTSProvider) and abort support are new.
type LokutorTTS struct {
	apiKey     string
	host       string
	voice      string
	language   string
	sampleRate int

	mu      sync.Mutex
	conn    *websocket.Conn
	aborted bool
}

// NewLokutorTTS builds a provider against the lokutor streaming endpoint.
func NewLokutorTTS(apiKey, voice, language string, sampleRate int) *LokutorTTS {
	if sampleRate == 0 {
		sampleRate = 24000
	}
	return &LokutorTTS{
		apiKey:     apiKey,
		host:       "api.lokutor.com",
		voice:      voice,
		language:   language,
		sampleRate: sampleRate,
	}
}

func (t *LokutorTTS) Name() string           { return "lokutor" }
func (t *LokutorTTS) DefaultSampleRate() int { return t.sampleRate }

func (t *LokutorTTS) getConn(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return t.conn, nil
	}

	u := url.URL{Scheme: "wss", Host: t.host, Path: "/ws", RawQuery: "api_key=" + t.apiKey}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lokutor: %w", err)
	}

	t.conn = conn
	return conn, nil
}

// Synthesize collects the full streamed clip into one buffer.
func (t *LokutorTTS) Synthesize(ctx context.Context, text string) ([]byte, int, error) {
	var audio []byte
	rate, err := t.SynthesizeStream(ctx, text, func(chunk []byte, _ int) error {
		audio = append(audio, chunk...)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return audio, rate, nil
}

// SynthesizeStream sends a synthesis request and forwards binary frames to
// onChunk as they arrive, tagged with the session's configured sample rate
// (lokutor's wire protocol carries no per-response rate of its own, unlike
// the WAV-bearing OpenAI-compatible path).
func (t *LokutorTTS) SynthesizeStream(ctx context.Context, text string, onChunk func(chunk []byte, sampleRate int) error) (int, error) {
	t.mu.Lock()
	t.aborted = false
	t.mu.Unlock()

	conn, err := t.getConn(ctx)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	req := map[string]interface{}{
		"text":    text,
		"voice":   t.voice,
		"lang":    t.language,
		"speed":   1.05,
		"steps":   5,
		"version": "versa-1.0",
	}
	writeErr := wsjson.Write(ctx, conn, req)
	if writeErr != nil {
		t.conn = nil
		conn.Close(websocket.StatusAbnormalClosure, "failed to write json")
	}
	t.mu.Unlock()
	if writeErr != nil {
		return 0, fmt.Errorf("failed to send synthesis request: %w", writeErr)
	}

	for {
		t.mu.Lock()
		aborted := t.aborted
		t.mu.Unlock()
		if aborted {
			return t.sampleRate, nil
		}

		messageType, payload, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			t.conn = nil
			t.mu.Unlock()
			conn.Close(websocket.StatusAbnormalClosure, "failed to read")
			return 0, fmt.Errorf("failed to read from lokutor: %w", err)
		}

		switch messageType {
		case websocket.MessageBinary:
			if err := onChunk(payload, t.sampleRate); err != nil {
				return t.sampleRate, err
			}
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				return t.sampleRate, nil
			}
			if len(msg) >= 4 && msg[:4] == "ERR:" {
				return 0, fmt.Errorf("lokutor error: %s", msg)
			}
		}
	}
}

// Abort requests the in-flight SynthesizeStream loop exit on its next
// frame boundary and drops the connection so the next call reconnects
// cleanly rather than reading a stale reply into the next turn.
func (t *LokutorTTS) Abort() error {
	t.mu.Lock()
	t.aborted = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "aborted")
	}
	return nil
}

// Close releases the underlying connection.
func (t *LokutorTTS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		err := t.conn.Close(websocket.StatusNormalClosure, "")
		t.conn = nil
		return err
	}
	return nil
}
