package stt

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/voicebridge-ai/voicebridge/pkg/call"
)

// OpenAIRealtimeProvider creates streaming recognition sessions against
// OpenAI's Realtime transcription WebSocket. Replaces the original
// upload-then-wait Whisper REST call: a telephony leg needs continuous
// recognition with server-side endpointing, not one-shot transcription.
type OpenAIRealtimeProvider struct {
	apiKey string
	wsHost string // defaults to api.openai.com; overridden by tests
}

// NewOpenAIRealtimeProvider builds a provider bound to apiKey.
func NewOpenAIRealtimeProvider(apiKey string) *OpenAIRealtimeProvider {
	return &OpenAIRealtimeProvider{apiKey: apiKey, wsHost: "api.openai.com"}
}

func (p *OpenAIRealtimeProvider) Name() string { return "openai" }

func (p *OpenAIRealtimeProvider) CreateSession(cfg call.SttSessionConfig, logger call.Logger) call.SttSession {
	if logger == nil {
		logger = call.NoOpLogger{}
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-transcribe"
	}
	return &openaiRealtimeSession{apiKey: p.apiKey, wsHost: p.wsHost, model: model, cfg: cfg, logger: logger}
}

type openaiRealtimeSession struct {
	apiKey string
	wsHost string
	model  string
	cfg    call.SttSessionConfig
	logger call.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	closed      bool // set by Close; reconnectLoop stops retrying once true
	unavailable bool // set once reconnection is exhausted; terminal
	reconnects  int
	partial     func(string)
	waiters     []chan sttResult

	cancelRead context.CancelFunc
}

func (s *openaiRealtimeSession) Connect(ctx context.Context) error {
	if err := s.dial(ctx); err != nil {
		return err
	}
	go s.reconnectLoop()
	return nil
}

// dial opens the realtime WebSocket, sends the session.update configuration
// and starts the read pump and keepalive pinger. Called both for the
// initial Connect and by reconnectLoop after an unexpected close.
func (s *openaiRealtimeSession) dial(ctx context.Context) error {
	u := url.URL{
		Scheme:   "wss",
		Host:     s.wsHost,
		Path:     "/v1/realtime",
		RawQuery: "intent=transcription",
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("openai realtime: dial failed: %w", err)
	}

	sessionUpdate := map[string]interface{}{
		"type": "transcription_session.update",
		"session": map[string]interface{}{
			"input_audio_format": "g711_ulaw",
			"input_audio_transcription": map[string]interface{}{
				"model":    s.model,
				"language": s.cfg.Language,
			},
			"turn_detection": map[string]interface{}{
				"type":                "server_vad",
				"silence_duration_ms": s.cfg.SilenceDurationMs,
				"create_response":     false,
			},
		},
	}
	if err := wsjson.Write(ctx, conn, sessionUpdate); err != nil {
		conn.Close(websocket.StatusAbnormalClosure, "session.update failed")
		return fmt.Errorf("openai realtime: session configuration failed: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.cancelRead = cancel
	s.mu.Unlock()

	go s.readLoop(readCtx, conn)
	go s.keepalive(readCtx, conn)
	return nil
}

// keepalive pings the upstream every 10s so OpenAI's idle timeout never
// fires during long silences between turns (spec §4.4).
func (s *openaiRealtimeSession) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// reconnectLoop redials after the read pump exits, unless Close() was
// called intentionally. Exponential backoff, base 1s, up to 5 attempts
// (spec §4.4); exhausting all attempts marks the session permanently
// unavailable and resolves any outstanding (and future) waiter with
// ErrSTTUnavailable instead of looping forever.
func (s *openaiRealtimeSession) reconnectLoop() {
	for {
		<-s.disconnected()

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		reconnected := false
		for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
			time.Sleep(reconnectDelay(attempt))

			s.mu.Lock()
			closed = s.closed
			s.mu.Unlock()
			if closed {
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := s.dial(ctx)
			cancel()
			if err == nil {
				s.mu.Lock()
				s.reconnects++
				s.mu.Unlock()
				reconnected = true
				break
			}
			s.logger.Warn("openai realtime: reconnect attempt failed", "attempt", attempt, "error", err)
		}

		if !reconnected {
			s.logger.Error("openai realtime: reconnect attempts exhausted, session unavailable")
			s.mu.Lock()
			s.unavailable = true
			s.mu.Unlock()
			s.failWaiters(call.ErrSTTUnavailable)
			return
		}
	}
}

// disconnected returns a channel that closes once the session transitions
// to not-connected, for reconnectLoop to wait on between dial attempts.
func (s *openaiRealtimeSession) disconnected() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for {
			s.mu.Lock()
			connected := s.connected
			closed := s.closed
			s.mu.Unlock()
			if !connected || closed {
				close(ch)
				return
			}
			time.Sleep(200 * time.Millisecond)
		}
	}()
	return ch
}

func (s *openaiRealtimeSession) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var event struct {
			Type       string `json:"type"`
			Transcript string `json:"transcript"`
			Delta      string `json:"delta"`
			Error      struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			s.mu.Lock()
			s.connected = false
			s.mu.Unlock()
			return
		}

		switch event.Type {
		case "conversation.item.input_audio_transcription.delta":
			s.mu.Lock()
			cb := s.partial
			s.mu.Unlock()
			if cb != nil && event.Delta != "" {
				cb(event.Delta)
			}
		case "conversation.item.input_audio_transcription.completed":
			text := strings.TrimSpace(event.Transcript)
			if text != "" {
				s.resolveUtterance(text)
			}
		case "error":
			s.logger.Warn("openai realtime: stream error", "message", event.Error.Message)
		}
	}
}

func (s *openaiRealtimeSession) SendAudio(muLawBytes []byte) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || len(muLawBytes) == 0 {
		return
	}
	msg := map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(muLawBytes),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = wsjson.Write(ctx, conn, msg)
}

func (s *openaiRealtimeSession) OnPartial(cb func(string)) {
	s.mu.Lock()
	s.partial = cb
	s.mu.Unlock()
}

func (s *openaiRealtimeSession) WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error) {
	s.mu.Lock()
	if s.unavailable {
		s.mu.Unlock()
		return "", call.ErrSTTUnavailable
	}
	ch := make(chan sttResult, 1)
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		return result.transcript, result.err
	case <-timer.C:
		return "", context.DeadlineExceeded
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *openaiRealtimeSession) resolveUtterance(text string) {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- sttResult{transcript: text}:
		default:
		}
	}
}

// failWaiters delivers a terminal error to every outstanding waiter, used
// once reconnection is exhausted so a LISTENING turn doesn't sit blocked
// until its own transcript timeout.
func (s *openaiRealtimeSession) failWaiters(err error) {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- sttResult{err: err}:
		default:
		}
	}
}

func (s *openaiRealtimeSession) Close() error {
	s.mu.Lock()
	conn := s.conn
	cancel := s.cancelRead
	s.connected = false
	s.closed = true
	s.conn = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "")
	}
	return nil
}

func (s *openaiRealtimeSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
