// Package media implements the Media Stream Session (C6): the carrier-facing
// WebSocket endpoint that carries line-delimited JSON frames of 8kHz mu-law
// telephony audio in both directions. Grounded on the pacing and framing
// shape of the pack's Twilio/Telnyx media-stream transports (gorilla/websocket
// is the library several of them standardize on for this server-accept role;
// see DESIGN.md).
package media

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge-ai/voicebridge/pkg/audio"
	"github.com/voicebridge-ai/voicebridge/pkg/call"
)

const (
	// chunkBytes is 500ms of 8kHz mu-law audio (1 byte/sample): spec §4.6.
	chunkBytes = 4000
	// pacingLead keeps a shallow jitter buffer without starvation.
	pacingLead = 50 * time.Millisecond
	// markSafetyExtra is added atop chunks*chunkMs when a carrier never
	// echoes the mark frame back (spec §4.6).
	markSafetyExtra = 2 * time.Second
)

type frame struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Mark      *markPayload  `json:"mark,omitempty"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type startPayload struct {
	StreamSID string `json:"streamSid"`
}

type markPayload struct {
	Name string `json:"name"`
}

// Session is one carrier media WebSocket. It implements call.MediaSink for
// the outbound path and calls OnInboundAudio for every inbound mu-law
// frame. One Session is bound to exactly one call.Session via BindMedia
// after OnStart fires.
type Session struct {
	conn   *websocket.Conn
	logger call.Logger

	writeMu sync.Mutex

	mu          sync.Mutex
	streamSID   string
	started     bool
	stopped     bool
	markWaiters map[string]chan struct{}

	audioMu  sync.Mutex
	leftover []byte // odd trailing byte carried over from the previous SendAudio call

	OnInboundAudio func(muLawBytes []byte)
	OnStart        func(streamSID string)
	OnStop         func()
	OnClosed       func()

	closeOnce sync.Once
}

// NewSession wraps an already-upgraded WebSocket connection.
func NewSession(conn *websocket.Conn, logger call.Logger) *Session {
	if logger == nil {
		logger = call.NoOpLogger{}
	}
	return &Session{conn: conn, logger: logger, markWaiters: make(map[string]chan struct{})}
}

// Run reads frames until the socket closes or ctx is cancelled. Blocking;
// call it from its own goroutine. Always invokes OnClosed exactly once on
// return.
func (s *Session) Run(ctx context.Context) {
	defer s.handleClosed()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-stopWatch:
		}
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("media: malformed frame", "error", err)
			continue
		}
		s.dispatch(&f)
	}
}

func (s *Session) dispatch(f *frame) {
	switch f.Event {
	case "start":
		streamSID := f.StreamSID
		if f.Start != nil && f.Start.StreamSID != "" {
			streamSID = f.Start.StreamSID
		}
		s.mu.Lock()
		s.streamSID = streamSID
		s.started = true
		s.mu.Unlock()
		if s.OnStart != nil {
			s.OnStart(streamSID)
		}

	case "media":
		s.mu.Lock()
		started, stopped := s.started, s.stopped
		s.mu.Unlock()
		if !started || stopped || f.Media == nil {
			return // dropped: frames before start or after stop (spec §4.6)
		}
		raw, err := base64.StdEncoding.DecodeString(f.Media.Payload)
		if err != nil {
			return
		}
		if s.OnInboundAudio != nil {
			s.OnInboundAudio(raw)
		}

	case "mark":
		if f.Mark == nil {
			return
		}
		s.mu.Lock()
		ch, ok := s.markWaiters[f.Mark.Name]
		if ok {
			delete(s.markWaiters, f.Mark.Name)
		}
		s.mu.Unlock()
		if ok {
			close(ch)
		}

	case "stop":
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		if s.OnStop != nil {
			s.OnStop()
		}
	}
}

func (s *Session) handleClosed() {
	s.closeOnce.Do(func() {
		if s.OnClosed != nil {
			s.OnClosed()
		}
	})
}

func (s *Session) writeFrame(f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// SendAudio implements call.MediaSink. pcm is little-endian int16 samples
// at sourceSampleRate; it is resampled to 8kHz if needed, mu-law encoded,
// split into 500ms/4000-byte chunks, and paced out with a short lead so
// playout stays below the chunk's wall-clock duration. After the final
// chunk a mark frame is emitted and awaited (or the chunks*chunkMs+2s
// fallback fires) before returning — spec §4.6.
//
// A TTS provider may hand back chunks that don't land on 2-byte sample
// boundaries (lokutor's binary frames in particular), so an odd trailing
// byte is held over to be prepended to the next call's pcm rather than
// dropped, which would otherwise progressively misalign samples across a
// single turn's sequence of chunk calls.
func (s *Session) SendAudio(ctx context.Context, pcm []byte, sourceSampleRate int) error {
	s.mu.Lock()
	streamSID := s.streamSID
	s.mu.Unlock()
	if streamSID == "" {
		return fmt.Errorf("media: no stream bound yet")
	}
	if len(pcm) == 0 {
		return s.sendMarkAndWait(ctx, streamSID, 0)
	}

	s.audioMu.Lock()
	buf := append(s.leftover, pcm...)
	if len(buf)%2 == 1 {
		s.leftover = append([]byte(nil), buf[len(buf)-1])
		buf = buf[:len(buf)-1]
	} else {
		s.leftover = nil
	}
	s.audioMu.Unlock()

	if len(buf) == 0 {
		return s.sendMarkAndWait(ctx, streamSID, 0)
	}

	samples := bytesToInt16LE(buf)
	if sourceSampleRate > 0 && sourceSampleRate != 8000 {
		samples = audio.ResampleLinear(samples, sourceSampleRate, 8000)
	}
	muLaw := audio.MuLawEncode(samples)

	chunks := 0
	for off := 0; off < len(muLaw); off += chunkBytes {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		end := off + chunkBytes
		if end > len(muLaw) {
			end = len(muLaw)
		}
		chunk := muLaw[off:end]
		chunks++

		if err := s.writeFrame(frame{
			Event:     "media",
			StreamSID: streamSID,
			Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(chunk)},
		}); err != nil {
			return fmt.Errorf("media: write failed: %w", err)
		}

		dur := time.Duration(len(chunk)) * time.Second / 8000
		sleep := dur - pacingLead
		if sleep > 0 {
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return s.sendMarkAndWait(ctx, streamSID, chunks)
}

func (s *Session) sendMarkAndWait(ctx context.Context, streamSID string, chunks int) error {
	name := fmt.Sprintf("mark-%d", rand.Int63())
	waitCh := make(chan struct{})
	s.mu.Lock()
	s.markWaiters[name] = waitCh
	s.mu.Unlock()

	if err := s.writeFrame(frame{
		Event:     "mark",
		StreamSID: streamSID,
		Mark:      &markPayload{Name: name},
	}); err != nil {
		s.mu.Lock()
		delete(s.markWaiters, name)
		s.mu.Unlock()
		return fmt.Errorf("media: mark write failed: %w", err)
	}

	fallback := time.Duration(chunks)*500*time.Millisecond + markSafetyExtra
	timer := time.NewTimer(fallback)
	defer timer.Stop()
	select {
	case <-waitCh:
		return nil
	case <-timer.C:
		s.mu.Lock()
		delete(s.markWaiters, name)
		s.mu.Unlock()
		return nil // carrier may not support marks; proceed anyway (spec §4.6)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts down the underlying WebSocket connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

func bytesToInt16LE(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
	}
	return out
}
