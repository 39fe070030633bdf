package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/voicebridge-ai/voicebridge/pkg/metrics"
)

// stateGraph lists the transitions allowed by Speak's turn protocol. Any
// state except ENDING/ENDED may additionally transition to ENDING directly
// (handled separately in forceTransitionToEnding) — that edge isn't listed
// here since it bypasses the turn protocol entirely.
var stateGraph = map[State][]State{
	StateInitiating: {StateRinging},
	StateRinging:    {StateAnswered},
	StateAnswered:   {StateReady},
	StateReady:      {StateSpeaking},
	StateSpeaking:   {StateListening, StateReady},
	StateListening:  {StateReady},
	StateEnding:     {StateEnded},
}

func validTransition(from, to State) bool {
	if to == StateEnding {
		return from != StateEnded && from != StateEnding
	}
	for _, allowed := range stateGraph[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Session is the per-call state machine: C7. One Session owns exactly one
// Call for its lifetime, binds a Media Stream Session and an STT session
// once the carrier connects, and serializes speak/continue/speakOnly/end
// through a single turn lock. Grounded on the turn-lock and drop-when-full
// event channel shape of managed_stream.go, re-purposed
// from microphone/speaker turn-taking to telephony turn-taking.
type Session struct {
	call     *Call
	registry ProviderRegistry
	logger   Logger

	ctx    context.Context
	cancel context.CancelFunc

	events chan Event

	mediaMu sync.RWMutex
	media   MediaSink

	sttMu sync.RWMutex
	stt   SttSession

	// turnMu serializes speak/continue/speakOnly/end against each other and
	// against the forced-teardown path (watchdog, media loss, carrier
	// hangup). It is a plain mutex rather than CallBusy's single-flight
	// guard: that guard lives one layer up, in the Manager, which owns the
	// agent-facing operations. Here it exists purely so a forced teardown
	// can wait for an in-flight turn to unwind after cancelling it.
	turnMu sync.Mutex

	stateMu   sync.Mutex
	opCancel  context.CancelFunc // cancels the operation currently holding turnMu
	waitCancel context.CancelFunc // cancels an in-flight waitForTranscript

	closeOnce sync.Once
}

// NewSession creates a Session for call in the INITIATING state. Call
// StartWatchdog once the caller has placed the outbound call.
func NewSession(c *Call, registry ProviderRegistry, logger Logger) *Session {
	if logger == nil {
		logger = NoOpLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		call:     c,
		registry: registry,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan Event, 256),
	}
}

// Events returns the channel of state/transcript/error notifications for
// this call. Closed once the call reaches ENDED.
func (s *Session) Events() <-chan Event { return s.events }

// Call returns the underlying registry record.
func (s *Session) Call() *Call { return s.call }

// State returns the call's current state.
func (s *Session) State() State { return s.call.GetState() }

func (s *Session) emit(t EventType, data interface{}) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	select {
	case s.events <- Event{CallID: s.call.ID, Type: t, Data: data}:
	default:
		s.logger.Warn("call: event channel full, dropping event", "callId", s.call.ID, "type", t)
	}
}

// transition moves the call from its current state to to, validating the
// edge against stateGraph (ENDING is always reachable except from ENDED/
// ENDING and is handled by forceTransitionToEnding, not here).
func (s *Session) transition(to State) error {
	from := s.call.GetState()
	if !validTransition(from, to) {
		return fmt.Errorf("call: illegal transition %s -> %s", from, to)
	}
	s.call.setState(to)
	s.emit(EventStateChanged, to)
	return nil
}

func (s *Session) forceTransitionToEnding() {
	if s.call.GetState() == StateEnded {
		return
	}
	s.call.setState(StateEnding)
	s.emit(EventStateChanged, StateEnding)
}

// StartWatchdog enforces the 6-minute per-call hard ceiling (spec §4.7),
// forcing teardown regardless of state once it fires.
func (s *Session) StartWatchdog() {
	metrics.Default().ActiveCalls.Add(s.ctx, 1)
	go func() {
		timer := time.NewTimer(s.call.Config.CallHardCeiling)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.logger.Warn("call: hard ceiling reached, forcing teardown", "callId", s.call.ID)
			s.forceEnding("hard ceiling exceeded")
		case <-s.ctx.Done():
		}
	}()
}

// HandleRinging applies the carrier's call.ringing webhook.
func (s *Session) HandleRinging() error { return s.transition(StateRinging) }

// HandleAnswered applies the carrier's call.answered webhook.
func (s *Session) HandleAnswered() error { return s.transition(StateAnswered) }

// BindMedia attaches the Media Stream Session once the carrier's WebSocket
// has connected and sent its start frame. Becomes READY once STT is also
// bound.
func (s *Session) BindMedia(sink MediaSink) error {
	s.mediaMu.Lock()
	s.media = sink
	s.mediaMu.Unlock()
	return s.maybeBecomeReady()
}

// BindSTT connects a streaming recognition session within the configured
// STT connect timeout. Failure here is fatal to the call (spec §4.7).
func (s *Session) BindSTT(ctx context.Context) error {
	cfg := SttSessionConfig{
		Language:          s.call.Config.Language,
		Model:             s.call.Config.STTModel,
		SampleRate:        8000,
		Encoding:          "mulaw",
		SilenceDurationMs: s.call.Config.SilenceDurationMs,
	}
	sess := s.registry.STT.CreateSession(cfg, s.logger)

	connectCtx, cancel := context.WithTimeout(ctx, s.call.Config.STTConnectTimeout)
	defer cancel()
	if err := sess.Connect(connectCtx); err != nil {
		return fmt.Errorf("%w: %v", ErrSTTUnavailable, err)
	}

	sess.OnPartial(func(transcript string) {
		// Discarded while SPEAKING: there is no acoustic loopback on a
		// telephony leg to correlate against, so the simplest correct rule
		// is to never surface a partial produced while our own audio is
		// still being played out.
		if s.call.GetState() == StateSpeaking {
			return
		}
		s.emit(EventTranscriptPartial, transcript)
	})

	s.sttMu.Lock()
	s.stt = sess
	s.sttMu.Unlock()
	return s.maybeBecomeReady()
}

func (s *Session) maybeBecomeReady() error {
	s.mediaMu.RLock()
	mediaOK := s.media != nil
	s.mediaMu.RUnlock()
	s.sttMu.RLock()
	sttOK := s.stt != nil
	s.sttMu.RUnlock()

	if !mediaOK || !sttOK {
		return nil
	}
	if s.call.GetState() != StateAnswered {
		return nil
	}
	return s.transition(StateReady)
}

// HandleInboundAudio forwards carrier mu-law bytes to STT. STT runs
// continuously once connected, independent of whether a waiter is armed
// (spec §4.7.2) — only waitForTranscript's arming is state-gated.
func (s *Session) HandleInboundAudio(muLawBytes []byte) {
	s.sttMu.RLock()
	stt := s.stt
	s.sttMu.RUnlock()
	if stt == nil || !stt.IsConnected() {
		return
	}
	stt.SendAudio(muLawBytes)
}

// HandleMediaClosed reacts to the carrier's media WebSocket closing
// unexpectedly: the call cannot continue without it.
func (s *Session) HandleMediaClosed() {
	go s.forceEnding("media stream closed unexpectedly")
}

// HandleCarrierHangup reacts to a carrier call.hangup webhook.
func (s *Session) HandleCarrierHangup() {
	go s.forceEnding("carrier reported hangup")
}

func (s *Session) mediaSink() (MediaSink, error) {
	s.mediaMu.RLock()
	defer s.mediaMu.RUnlock()
	if s.media == nil {
		return nil, fmt.Errorf("call: no media sink bound")
	}
	return s.media, nil
}

// newOp registers ctx's cancel func as the one cancelCurrentOp will call to
// preempt whatever turnMu-holding operation is in flight.
func (s *Session) newOp(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	s.stateMu.Lock()
	s.opCancel = cancel
	s.stateMu.Unlock()
	return ctx, cancel
}

func (s *Session) clearOp() {
	s.stateMu.Lock()
	s.opCancel = nil
	s.stateMu.Unlock()
}

func (s *Session) cancelCurrentOp() {
	s.stateMu.Lock()
	opCancel := s.opCancel
	waitCancel := s.waitCancel
	s.stateMu.Unlock()
	if waitCancel != nil {
		waitCancel()
	}
	if opCancel != nil {
		opCancel()
	}
}

// Speak implements the turn protocol (spec §4.7.1): requires READY,
// transitions to SPEAKING, plays text out over the bound media sink, then
// either returns to READY (speakOnly) or transitions to LISTENING and
// arms a transcript waiter.
func (s *Session) Speak(ctx context.Context, text string, expectReply bool) (string, error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	if s.call.GetState() != StateReady {
		return "", fmt.Errorf("call: speak requires READY state, have %s", s.call.GetState())
	}

	opCtx, cancel := s.newOp(ctx)
	defer func() {
		cancel()
		s.clearOp()
	}()

	if err := s.transition(StateSpeaking); err != nil {
		return "", err
	}

	if err := s.playout(opCtx, text); err != nil {
		s.transition(StateReady)
		return "", fmt.Errorf("%w: %v", ErrTTSFailed, err)
	}

	if !expectReply {
		if err := s.transition(StateReady); err != nil {
			return "", err
		}
		return "", nil
	}

	if err := s.transition(StateListening); err != nil {
		return "", err
	}

	transcript, err := s.armWaiter(opCtx)

	if tErr := s.transition(StateReady); tErr != nil && err == nil {
		err = tErr
	}
	return transcript, err
}

func (s *Session) playout(ctx context.Context, text string) error {
	sink, err := s.mediaSink()
	if err != nil {
		return err
	}

	start := time.Now()
	var sendErr error
	_, err = s.registry.TTS.SynthesizeStream(ctx, text, func(chunk []byte, rate int) error {
		if rate == 0 {
			rate = s.registry.TTS.DefaultSampleRate()
		}
		if e := sink.SendAudio(ctx, chunk, rate); e != nil {
			sendErr = e
			return e
		}
		return nil
	})
	metrics.Default().RecordTtsTurn(ctx, s.registry.TTS.Name(), time.Since(start).Seconds())
	if err != nil {
		metrics.Default().RecordProviderError(ctx, s.registry.TTS.Name(), "tts")
		return err
	}
	if sendErr != nil {
		metrics.Default().RecordProviderError(ctx, s.registry.TTS.Name(), "tts")
	}
	return sendErr
}

// armWaiter blocks on the STT session's accumulated utterance. Only called
// from LISTENING, per the turn protocol — it is never armed while SPEAKING.
func (s *Session) armWaiter(ctx context.Context) (string, error) {
	s.sttMu.RLock()
	stt := s.stt
	s.sttMu.RUnlock()
	if stt == nil {
		return "", ErrSTTUnavailable
	}

	waitCtx, cancel := context.WithCancel(ctx)
	s.stateMu.Lock()
	s.waitCancel = cancel
	s.stateMu.Unlock()
	defer func() {
		s.stateMu.Lock()
		s.waitCancel = nil
		s.stateMu.Unlock()
		cancel()
	}()

	start := time.Now()
	timeout := time.Duration(s.call.Config.TranscriptTimeoutMs) * time.Millisecond
	transcript, err := stt.WaitForTranscript(waitCtx, timeout)
	metrics.Default().RecordSttTurn(ctx, s.registry.STT.Name(), time.Since(start).Seconds())
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			metrics.Default().RecordProviderError(ctx, s.registry.STT.Name(), "stt_timeout")
			return "", ErrTranscriptTimeout
		case ctx.Err() != nil:
			return "", ErrCancelled
		default:
			metrics.Default().RecordProviderError(ctx, s.registry.STT.Name(), "stt")
			return "", fmt.Errorf("%w: %v", ErrSTTUnavailable, err)
		}
	}

	s.call.setLastResponse(transcript)
	s.emit(EventTranscriptFinal, transcript)
	return transcript, nil
}

// EndCall implements spec §4.7's endCall: if the call is READY or
// LISTENING and a final message was given, it is played out best-effort,
// then the call is torn down (STT closed, media closed, carrier hung up).
// Safe to call on a call already ending or ended — returns ErrCallEnded.
func (s *Session) EndCall(ctx context.Context, finalMessage string) (time.Duration, error) {
	if s.call.GetState() == StateEnded {
		return s.call.Duration(), ErrCallEnded
	}

	s.cancelCurrentOp()
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	state := s.call.GetState()
	if state == StateEnding || state == StateEnded {
		return s.call.Duration(), ErrCallEnded
	}

	if (state == StateReady || state == StateListening) && finalMessage != "" {
		opCtx, cancel := s.newOp(ctx)
		if err := s.playout(opCtx, finalMessage); err != nil {
			s.logger.Warn("call: best-effort final message failed", "callId", s.call.ID, "error", err)
		}
		cancel()
		s.clearOp()
	}

	return s.tearDown("agent requested end"), nil
}

// forceEnding tears the call down without going through EndCall's agent
// contract — used by the watchdog, carrier hangup and lost-media paths,
// all of which must work even if a turn is currently in flight.
func (s *Session) forceEnding(reason string) (time.Duration, error) {
	s.cancelCurrentOp()
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	return s.tearDown(reason), nil
}

// tearDown releases STT, media and the carrier leg exactly once, then
// marks the call ENDED and records its duration. Best-effort throughout:
// mirrors the teacher's idempotent closeOnce-guarded Close(), since a
// carrier hangup may have already ended the leg by the time we get here.
func (s *Session) tearDown(reason string) time.Duration {
	s.forceTransitionToEnding()

	s.closeOnce.Do(func() {
		s.logger.Info("call: tearing down", "callId", s.call.ID, "reason", reason)

		s.sttMu.RLock()
		stt := s.stt
		s.sttMu.RUnlock()
		if stt != nil {
			if err := stt.Close(); err != nil {
				s.logger.Warn("call: stt close error", "callId", s.call.ID, "error", err)
			}
		}

		s.mediaMu.RLock()
		media := s.media
		s.mediaMu.RUnlock()
		if media != nil {
			if err := media.Close(); err != nil {
				s.logger.Warn("call: media close error", "callId", s.call.ID, "error", err)
			}
		}

		if s.registry.Phone != nil && s.call.CarrierRef() != "" {
			hangupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.registry.Phone.Hangup(hangupCtx, s.call.CarrierRef()); err != nil {
				s.logger.Warn("call: hangup failed, carrier may have already ended the call", "callId", s.call.ID, "error", err)
			}
			cancel()
		}

		s.call.mu.Lock()
		s.call.EndedAt = time.Now()
		s.call.mu.Unlock()
		s.call.setState(StateEnded)
		s.emit(EventEnded, reason)

		metrics.Default().ActiveCalls.Add(context.Background(), -1)
		metrics.Default().RecordCallEnded(context.Background(), reason, s.call.Duration().Seconds())

		s.cancel()
		close(s.events)
	})

	return s.call.Duration()
}
