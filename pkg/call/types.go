// Package call implements the Call Orchestration Subsystem: the per-call
// state machine, the turn-taking protocol between TTS and STT, and the
// registry that the webhook router and agent-facing operations drive.
package call

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Logger is the narrow structured-logging surface the rest of this module
// depends on, so tests can inject a no-op implementation and callers can
// wire in whatever backend they prefer.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// NoOpLogger discards everything. Used as the default so providers never
// have to nil-check their logger.
type NoOpLogger struct{}

func (NoOpLogger) Debug(msg string, args ...interface{}) {}
func (NoOpLogger) Info(msg string, args ...interface{})  {}
func (NoOpLogger) Warn(msg string, args ...interface{})  {}
func (NoOpLogger) Error(msg string, args ...interface{}) {}

// State is one position in the per-call state machine described by
// INITIATING -> RINGING -> ANSWERED -> READY -> SPEAKING <-> LISTENING ->
// ENDING -> ENDED.
type State string

const (
	StateInitiating State = "INITIATING"
	StateRinging    State = "RINGING"
	StateAnswered   State = "ANSWERED"
	StateReady      State = "READY"
	StateSpeaking   State = "SPEAKING"
	StateListening  State = "LISTENING"
	StateEnding     State = "ENDING"
	StateEnded      State = "ENDED"
)

// Transcript is a single speech-to-text result. Interim transcripts may be
// superseded by a later one before isFinal; isSpeechFinal (or an
// out-of-band utterance-end signal) flushes the accumulated utterance as
// the turn's answer.
type Transcript struct {
	Text          string
	IsFinal       bool
	IsSpeechFinal bool
}

// SttSessionConfig configures a single streaming recognition session.
type SttSessionConfig struct {
	Language          string
	Model             string
	SampleRate        int // fixed 8000 for the telephony leg
	Encoding          string // fixed "mulaw"
	SilenceDurationMs int    // endpointing threshold, default 800
}

// SttSession is a single streaming recognition session bound to one call's
// media. Exactly one WaitForTranscript call may be outstanding at a time.
type SttSession interface {
	Connect(ctx context.Context) error
	SendAudio(muLawBytes []byte)
	OnPartial(cb func(transcript string))
	WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error)
	Close() error
	IsConnected() bool
}

// STTProvider creates streaming recognition sessions.
type STTProvider interface {
	CreateSession(cfg SttSessionConfig, logger Logger) SttSession
	Name() string
}

// TTSProvider synthesizes speech, one-shot or streamed, and reports the
// sample rate of what it produces so the caller can resample to 8kHz.
type TTSProvider interface {
	Synthesize(ctx context.Context, text string) (pcm []byte, sampleRate int, err error)
	// SynthesizeStream forwards each produced chunk to onChunk alongside the
	// sample rate that chunk was actually produced at. Spec §4.3: the
	// configured rate is only a hint — a WAV-returning provider's header may
	// carry a different rate, and onChunk's caller must resample from the
	// rate it is actually given, not a provider-wide default. The returned
	// sampleRate mirrors the rate of the last chunk delivered.
	SynthesizeStream(ctx context.Context, text string, onChunk func(chunk []byte, sampleRate int) error) (sampleRate int, err error)
	// Abort cancels any in-flight synthesis this provider is performing for
	// the current call. Safe to call when nothing is in flight.
	Abort() error
	Name() string
	DefaultSampleRate() int
}

// PlaceCallRequest carries what a telephony provider needs to dial out and
// direct the carrier to the media WebSocket.
type PlaceCallRequest struct {
	From              string
	To                string
	MediaWsURL        string
	StatusCallbackURL string
}

// TelephonyProvider places/ends calls and bridges carrier webhook security
// and instruction-document rendering.
type TelephonyProvider interface {
	PlaceCall(ctx context.Context, req PlaceCallRequest) (carrierCallRef string, err error)
	Hangup(ctx context.Context, carrierCallRef string) error
	VerifyWebhook(headers http.Header, rawBody []byte) bool
	RenderCallInstruction(mediaWsURL string) (contentType string, body []byte)
	Name() string
}

// MediaSink is how a Call Session emits audio without knowing about the
// WebSocket framing underneath. Implemented by a Media Stream Session
// (pkg/media). SendAudio blocks until the mark frame confirming playout
// echoes back, or its safety timeout elapses.
type MediaSink interface {
	SendAudio(ctx context.Context, pcm []byte, sourceSampleRate int) error
	Close() error
}

// Config is the per-call configuration snapshot: voice, target rate,
// endpointing and timeout knobs. Copied onto Call at creation so later
// mutation of process-wide defaults never affects a call in flight.
type Config struct {
	Voice                string
	Language              string
	STTModel              string
	TargetSampleRate      int
	SilenceDurationMs     int
	TranscriptTimeoutMs   int
	STTConnectTimeout     time.Duration
	CallHardCeiling       time.Duration
	MediaConnectTimeout   time.Duration
}

// DefaultConfig mirrors the defaults spec.md enumerates: 800ms endpointing
// silence, a 3-minute per-listen transcript timeout, a 6-minute hard
// ceiling per call, and a 10s STT connect timeout.
func DefaultConfig() Config {
	return Config{
		Voice:               "alloy",
		Language:            "en",
		TargetSampleRate:    8000,
		SilenceDurationMs:   800,
		TranscriptTimeoutMs: 180_000,
		STTConnectTimeout:   10 * time.Second,
		CallHardCeiling:     6 * time.Minute,
		MediaConnectTimeout: 30 * time.Second,
	}
}

// Call is the registry-owned record for one live telephone conversation.
// It is mutated only by its owning Call Session goroutine and by
// webhook-routed events delivered through the Manager.
type Call struct {
	mu sync.RWMutex

	ID             string
	CarrierCallRef string
	State          State
	Config         Config

	StartedAt time.Time
	EndedAt   time.Time

	lastResponse string
}

// NewCall creates a Call in the INITIATING state.
func NewCall(id string, cfg Config) *Call {
	return &Call{
		ID:        id,
		State:     StateInitiating,
		Config:    cfg,
		StartedAt: time.Time{},
	}
}

func (c *Call) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.State = s
}

// GetState returns the call's current state.
func (c *Call) GetState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.State
}

func (c *Call) setCarrierRef(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CarrierCallRef = ref
}

// CarrierRef returns the provider's opaque identifier for this call.
func (c *Call) CarrierRef() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.CarrierCallRef
}

func (c *Call) setLastResponse(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastResponse = text
}

// LastResponse returns the most recent final transcript recorded for this
// call.
func (c *Call) LastResponse() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastResponse
}

// Duration returns how long the call has been (or was) active.
func (c *Call) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.StartedAt.IsZero() {
		return 0
	}
	end := c.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(c.StartedAt)
}

// ProviderRegistry is the immutable-after-startup set of capability
// providers a Call Manager draws from to build new calls. All three
// providers must be concurrency-safe: they are shared across every call.
type ProviderRegistry struct {
	Phone TelephonyProvider
	TTS   TTSProvider
	STT   STTProvider
}
