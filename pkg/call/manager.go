package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager is the process-wide registry of active calls (C8), keyed by
// callId. It owns placing outbound calls, single-flighting agent
// operations per call, and routing carrier webhooks to the right Session.
// Shaped after the teacher's single-session ownership, generalized to an
// in-memory map of concurrently active calls guarded by one mutex.
type Manager struct {
	registry ProviderRegistry
	logger   Logger

	mu       sync.Mutex
	sessions map[string]*Session
	busy     map[string]struct{}
}

// NewManager constructs a Manager bound to registry, which must have all
// three providers set.
func NewManager(registry ProviderRegistry, logger Logger) (*Manager, error) {
	if registry.Phone == nil || registry.TTS == nil || registry.STT == nil {
		return nil, ErrNilProvider
	}
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &Manager{
		registry: registry,
		logger:   logger,
		sessions: make(map[string]*Session),
		busy:     make(map[string]struct{}),
	}, nil
}

// acquireBusy claims the single-flight slot for callId. Returns false if
// another agent operation is already in flight for this call.
func (m *Manager) acquireBusy(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, inFlight := m.busy[callID]; inFlight {
		return false
	}
	m.busy[callID] = struct{}{}
	return true
}

func (m *Manager) releaseBusy(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.busy, callID)
}

func (m *Manager) get(callID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[callID]
	return sess, ok
}

func (m *Manager) register(sess *Session) {
	m.mu.Lock()
	m.sessions[sess.Call().ID] = sess
	m.mu.Unlock()
}

func (m *Manager) unregister(callID string) {
	m.mu.Lock()
	delete(m.sessions, callID)
	m.mu.Unlock()
}

// InitiateResult is the return value of Initiate.
type InitiateResult struct {
	CallID   string
	Response string
}

// NewCallID generates a fresh call identifier. Callers that need the id
// before placing the call — to embed it in a media/status callback URL,
// for instance — should call this first and pass the result to Initiate.
func (m *Manager) NewCallID() string { return uuid.NewString() }

// Initiate creates a Call under callID, places the outbound leg, waits for
// READY, then executes the initial speak(message, expectReply=true) and
// returns its response. Spec §4.8: "the first response is inseparable from
// initiation." callID must not already be registered; pass the result of
// NewCallID (or any other caller-chosen unique id needed ahead of time to
// build mediaWsURL/statusCallbackURL).
func (m *Manager) Initiate(ctx context.Context, callID, to, from, mediaWsURL, statusCallbackURL, message string, cfg Config) (InitiateResult, error) {
	if !m.acquireBusy(callID) {
		return InitiateResult{}, ErrCallBusy
	}
	defer m.releaseBusy(callID)

	c := NewCall(callID, cfg)
	sess := NewSession(c, m.registry, m.logger)
	m.register(sess)

	carrierRef, err := m.registry.Phone.PlaceCall(ctx, PlaceCallRequest{
		From:              from,
		To:                to,
		MediaWsURL:        mediaWsURL,
		StatusCallbackURL: statusCallbackURL,
	})
	if err != nil {
		m.unregister(callID)
		return InitiateResult{}, fmt.Errorf("%w: %v", ErrCarrierRejected, err)
	}

	c.mu.Lock()
	c.StartedAt = time.Now()
	c.mu.Unlock()
	c.setCarrierRef(carrierRef)
	sess.StartWatchdog()

	if err := m.awaitReady(ctx, sess, cfg.MediaConnectTimeout); err != nil {
		sess.forceEnding("media never connected")
		m.unregister(callID)
		return InitiateResult{}, err
	}

	response, err := sess.Speak(ctx, message, true)
	if err != nil {
		return InitiateResult{CallID: callID}, err
	}
	return InitiateResult{CallID: callID, Response: response}, nil
}

func (m *Manager) awaitReady(ctx context.Context, sess *Session, timeout time.Duration) error {
	if sess.State() == StateReady {
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(25 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrMediaTimeout
		case <-poll.C:
			if sess.State() == StateReady {
				return nil
			}
			if sess.State() == StateEnding || sess.State() == StateEnded {
				return ErrCarrierRejected
			}
		}
	}
}

// Continue requires the call to be READY and executes
// speak(message, expectReply=true), returning the next transcript.
func (m *Manager) Continue(ctx context.Context, callID, message string) (string, error) {
	if !m.acquireBusy(callID) {
		return "", ErrCallBusy
	}
	defer m.releaseBusy(callID)

	sess, ok := m.get(callID)
	if !ok {
		return "", ErrCallNotFound
	}
	return sess.Speak(ctx, message, true)
}

// SpeakOnly requires the call to be READY and executes
// speak(message, expectReply=false).
func (m *Manager) SpeakOnly(ctx context.Context, callID, message string) error {
	if !m.acquireBusy(callID) {
		return ErrCallBusy
	}
	defer m.releaseBusy(callID)

	sess, ok := m.get(callID)
	if !ok {
		return ErrCallNotFound
	}
	_, err := sess.Speak(ctx, message, false)
	return err
}

// EndResult is the return value of End.
type EndResult struct {
	DurationSeconds float64
}

// End runs endCall(message) and waits for ENDED, then removes the call
// from the registry.
func (m *Manager) End(ctx context.Context, callID, message string) (EndResult, error) {
	if !m.acquireBusy(callID) {
		return EndResult{}, ErrCallBusy
	}
	defer m.releaseBusy(callID)

	sess, ok := m.get(callID)
	if !ok {
		return EndResult{}, ErrCallNotFound
	}

	duration, err := sess.EndCall(ctx, message)
	m.unregister(callID)
	if err != nil && err != ErrCallEnded {
		return EndResult{}, err
	}
	return EndResult{DurationSeconds: duration.Seconds()}, nil
}

// Lookup returns the Session owning callID, for webhook routing.
func (m *Manager) Lookup(callID string) (*Session, bool) {
	return m.get(callID)
}

// LookupByCarrierRef finds the Session whose Call carries the given
// carrier-assigned reference, used to route /status webhooks that only
// know the carrier's own call identifier.
func (m *Manager) LookupByCarrierRef(carrierRef string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		if sess.Call().CarrierRef() == carrierRef {
			return sess, true
		}
	}
	return nil, false
}

// ProviderNames reports the configured provider names, surfaced on
// GET /health.
func (m *Manager) ProviderNames() (phone, tts, stt string) {
	return m.registry.Phone.Name(), m.registry.TTS.Name(), m.registry.STT.Name()
}
