package stt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen/v1/websocket/interfaces"
	"github.com/voicebridge-ai/voicebridge/pkg/call"
)

// DeepgramProvider creates streaming recognition sessions against
// Deepgram's live transcription WebSocket. Replaces the original batch
// REST Transcribe call: a telephony leg needs continuous recognition, not
// one-shot upload-then-wait.
type DeepgramProvider struct {
	apiKey string
}

// NewDeepgramProvider builds a provider bound to apiKey.
func NewDeepgramProvider(apiKey string) *DeepgramProvider {
	return &DeepgramProvider{apiKey: apiKey}
}

func (p *DeepgramProvider) Name() string { return "deepgram" }

func (p *DeepgramProvider) CreateSession(cfg call.SttSessionConfig, logger call.Logger) call.SttSession {
	if logger == nil {
		logger = call.NoOpLogger{}
	}
	model := cfg.Model
	if model == "" {
		model = "nova-2"
	}
	return &deepgramSession{apiKey: p.apiKey, model: model, cfg: cfg, logger: logger}
}

// deepgramSession accumulates final (is_final) segments into the current
// utterance, forwards interim results to the partial callback, and resolves WaitForTranscript once Deepgram reports speech_final or an
// explicit UtteranceEnd event — both signal Deepgram's own server-side
// endpointing has closed out the turn.
type deepgramSession struct {
	apiKey string
	model  string
	cfg    call.SttSessionConfig
	logger call.Logger

	mu          sync.Mutex
	conn        *client.WSChannel
	connected   bool
	closed      bool // set by Close; reconnectOnClose stops retrying once true
	unavailable bool // set once reconnection is exhausted; terminal
	reconnects  int
	partial     func(string)

	builder strings.Builder
	waiters []chan sttResult
}

func (s *deepgramSession) Connect(ctx context.Context) error {
	return s.dial(ctx)
}

// dial opens the Deepgram live-transcription WebSocket. Used both for the
// initial Connect and by reconnectOnClose after an unexpected disconnect
// (spec §4.4's reconnection policy).
func (s *deepgramSession) dial(ctx context.Context) error {
	opts := &interfaces.LiveTranscriptionOptions{
		Model:       s.model,
		Language:    s.cfg.Language,
		Encoding:    "mulaw",
		SampleRate:  s.cfg.SampleRate,
		Channels:    1,
		Punctuate:   true,
		SmartFormat: true,
		Endpointing: fmt.Sprintf("%d", s.cfg.SilenceDurationMs),
	}

	cli, err := client.NewWSUsingCallback(ctx, s.apiKey, &interfaces.ClientOptions{}, opts, &deepgramCallback{session: s})
	if err != nil {
		return fmt.Errorf("deepgram: connect failed: %w", err)
	}
	if !cli.Connect() {
		return fmt.Errorf("deepgram: websocket handshake failed")
	}

	s.mu.Lock()
	s.conn = cli
	s.connected = true
	s.mu.Unlock()
	return nil
}

// reconnectOnClose is invoked once by deepgramCallback.Close when the
// upstream connection drops while the session was not intentionally
// closed. Retries with exponential backoff (base 1s, up to 5 attempts);
// SendAudio drops silently for the duration since s.conn is nil until a
// retry succeeds. The SDK emits its own keepalive pings internally while
// connected, satisfying the 10s idle-timeout rule. Exhausting all attempts
// marks the session permanently unavailable and resolves any outstanding
// (and future) waiter with ErrSTTUnavailable.
func (s *deepgramSession) reconnectOnClose() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

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
			return
		}
		s.logger.Warn("deepgram: reconnect attempt failed", "attempt", attempt, "error", err)
	}
	s.logger.Error("deepgram: reconnect attempts exhausted, session unavailable")
	s.mu.Lock()
	s.unavailable = true
	s.mu.Unlock()
	s.failWaiters(call.ErrSTTUnavailable)
}

func (s *deepgramSession) SendAudio(muLawBytes []byte) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	_, _ = conn.Write(muLawBytes)
}

func (s *deepgramSession) OnPartial(cb func(string)) {
	s.mu.Lock()
	s.partial = cb
	s.mu.Unlock()
}

func (s *deepgramSession) WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error) {
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

func (s *deepgramSession) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.connected = false
	s.closed = true
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Stop()
	}
	return nil
}

func (s *deepgramSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *deepgramSession) resolveUtterance(text string) {
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
func (s *deepgramSession) failWaiters(err error) {
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

// deepgramCallback implements Deepgram's msginterfaces.LiveMessageCallback,
// translating SDK events into the session's utterance accumulator.
type deepgramCallback struct {
	session *deepgramSession
}

func (c *deepgramCallback) Open(*msginterfaces.OpenResponse) error { return nil }

func (c *deepgramCallback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	text := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)
	if text == "" {
		return nil
	}

	s := c.session
	s.mu.Lock()
	cb := s.partial
	s.mu.Unlock()
	if cb != nil && !mr.SpeechFinal {
		cb(text)
	}

	if mr.IsFinal {
		s.mu.Lock()
		s.builder.WriteString(text)
		s.builder.WriteString(" ")
		s.mu.Unlock()
	}

	if mr.SpeechFinal {
		s.mu.Lock()
		full := strings.TrimSpace(s.builder.String())
		s.builder.Reset()
		s.mu.Unlock()
		if full != "" {
			s.resolveUtterance(full)
		}
	}
	return nil
}

func (c *deepgramCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }

func (c *deepgramCallback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error { return nil }

func (c *deepgramCallback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	s := c.session
	s.mu.Lock()
	full := strings.TrimSpace(s.builder.String())
	s.builder.Reset()
	s.mu.Unlock()
	if full != "" {
		s.resolveUtterance(full)
	}
	return nil
}

func (c *deepgramCallback) Close(*msginterfaces.CloseResponse) error {
	c.session.mu.Lock()
	c.session.connected = false
	c.session.conn = nil
	closed := c.session.closed
	c.session.mu.Unlock()
	if !closed {
		go c.session.reconnectOnClose()
	}
	return nil
}

func (c *deepgramCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.session.logger.Warn("deepgram: stream error", "description", er.Description)
	return nil
}

func (c *deepgramCallback) UnhandledEvent(byMsg []byte) error { return nil }
