// Package webhook implements the Webhook Router (C9): the HTTP surface a
// carrier calls back into — the call-instruction document fetch, call
// status events, the media WebSocket upgrade, and a health probe.
package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicebridge-ai/voicebridge/pkg/call"
	"github.com/voicebridge-ai/voicebridge/pkg/media"
)

var upgrader = websocket.Upgrader{
	// The media WebSocket is only ever reached via the mediaWsURL this
	// process itself handed the carrier at PlaceCall time, so any origin is
	// acceptable — there is no browser involved to protect against CSRF-ish
	// cross-origin upgrades.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Router wires carrier HTTP/WebSocket callbacks to a call.Manager.
type Router struct {
	manager   *call.Manager
	phone     call.TelephonyProvider
	publicURL string
	logger    call.Logger
}

// New builds a Router. publicURL is the externally reachable base
// (PUBLIC_URL, e.g. "https://example.ngrok.io") used to derive the media
// WebSocket URL handed to PlaceCall.
func New(manager *call.Manager, phone call.TelephonyProvider, publicURL string, logger call.Logger) *Router {
	if logger == nil {
		logger = call.NoOpLogger{}
	}
	return &Router{manager: manager, phone: phone, publicURL: publicURL, logger: logger}
}

// MediaWsURL returns the wss:// URL PlaceCall should hand the carrier for
// callID, scoping the later /media-stream upgrade to the right call.
func (rt *Router) MediaWsURL(callID string) string {
	u, err := url.Parse(rt.publicURL)
	if err != nil {
		return rt.publicURL
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/media-stream"
	q := u.Query()
	q.Set("callId", callID)
	u.RawQuery = q.Encode()
	return u.String()
}

// StatusCallbackURL returns the HTTP(S) URL PlaceCall should hand the
// carrier for call-status events for callID.
func (rt *Router) StatusCallbackURL(callID string) string {
	u, err := url.Parse(rt.publicURL)
	if err != nil {
		return rt.publicURL
	}
	u.Path = "/status"
	q := u.Query()
	q.Set("callId", callID)
	u.RawQuery = q.Encode()
	return u.String()
}

// Mux builds the http.ServeMux with all four routes (spec §4.9), plus
// /metrics for the Prometheus scrape the otel bridge in pkg/metrics
// registers against.
func (rt *Router) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/call-instruction", rt.handleCallInstruction)
	mux.HandleFunc("/status", rt.handleStatus)
	mux.HandleFunc("/media-stream", rt.handleMediaStream)
	mux.HandleFunc("/health", rt.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (rt *Router) handleCallInstruction(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("callId")
	contentType, body := rt.phone.RenderCallInstruction(rt.MediaWsURL(callID))
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// statusEvent is the provider-agnostic shape the router reduces a Twilio
// form POST or a Telnyx JSON POST down to.
type statusEvent struct {
	carrierRef string
	kind       string // "ringing" | "answered" | "hangup" | "" (ignored)
}

func (rt *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	// Twilio signs over the absolute URL it originally requested; since the
	// router sits behind PUBLIC_URL-based TLS termination, reconstruct it
	// here rather than trusting r.URL, which may only carry the path.
	r.Header.Set("X-Webhook-Url", rt.publicURL+r.URL.Path+"?"+r.URL.RawQuery)
	if !rt.phone.VerifyWebhook(r.Header, raw) {
		http.Error(w, "webhook signature verification failed", http.StatusUnauthorized)
		return
	}

	evt, err := parseStatusEvent(r, raw)
	if err != nil {
		rt.logger.Warn("webhook: failed to parse status event", "error", err)
		w.WriteHeader(http.StatusOK) // ack anyway; the carrier will retry on non-2xx
		return
	}

	sess, ok := rt.manager.LookupByCarrierRef(evt.carrierRef)
	if !ok {
		// callId query param is a fallback correlation path for carriers
		// (like Telnyx) whose call-control id isn't known until the
		// webhook itself arrives.
		if callID := r.URL.Query().Get("callId"); callID != "" {
			sess, ok = rt.manager.Lookup(callID)
		}
	}
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	switch evt.kind {
	case "ringing":
		_ = sess.HandleRinging()
	case "answered":
		_ = sess.HandleAnswered()
	case "hangup":
		sess.HandleCarrierHangup()
	}
	w.WriteHeader(http.StatusOK)
}

func parseStatusEvent(r *http.Request, raw []byte) (statusEvent, error) {
	contentType := r.Header.Get("Content-Type")
	if len(contentType) >= len("application/json") && contentType[:len("application/json")] == "application/json" {
		return parseTelnyxStatusEvent(raw)
	}
	return parseTwilioStatusEvent(raw)
}

// parseTwilioStatusEvent reads CallSid/CallStatus from a
// application/x-www-form-urlencoded body.
func parseTwilioStatusEvent(raw []byte) (statusEvent, error) {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return statusEvent{}, fmt.Errorf("webhook: malformed twilio status body: %w", err)
	}
	evt := statusEvent{carrierRef: values.Get("CallSid")}
	switch values.Get("CallStatus") {
	case "ringing":
		evt.kind = "ringing"
	case "in-progress", "answered":
		evt.kind = "answered"
	case "completed", "busy", "failed", "no-answer", "canceled":
		evt.kind = "hangup"
	}
	return evt, nil
}

// telnyxStatusPayload is Telnyx's Call Control webhook envelope, trimmed to
// the fields the state machine cares about.
type telnyxStatusPayload struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
		} `json:"payload"`
	} `json:"data"`
}

func parseTelnyxStatusEvent(raw []byte) (statusEvent, error) {
	var body telnyxStatusPayload
	if err := json.Unmarshal(raw, &body); err != nil {
		return statusEvent{}, fmt.Errorf("webhook: malformed telnyx status body: %w", err)
	}
	evt := statusEvent{carrierRef: body.Data.Payload.CallControlID}
	switch body.Data.EventType {
	case "call.ringing":
		evt.kind = "ringing"
	case "call.answered":
		evt.kind = "answered"
	case "call.hangup":
		evt.kind = "hangup"
	}
	return evt, nil
}

func (rt *Router) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("callId")
	sess, ok := rt.manager.Lookup(callID)
	if !ok {
		http.Error(w, "unknown call id", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.logger.Warn("webhook: media upgrade failed", "error", err)
		return
	}

	mediaSess := media.NewSession(conn, rt.logger)
	mediaSess.OnStart = func(streamSID string) {
		if err := sess.BindMedia(mediaSess); err != nil {
			rt.logger.Warn("webhook: bind media failed", "callId", callID, "error", err)
			return
		}
		if err := sess.BindSTT(r.Context()); err != nil {
			rt.logger.Warn("webhook: bind stt failed", "callId", callID, "error", err)
		}
	}
	mediaSess.OnInboundAudio = sess.HandleInboundAudio
	mediaSess.OnClosed = sess.HandleMediaClosed

	mediaSess.Run(r.Context())
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	phone, tts, stt := rt.manager.ProviderNames()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"phone":  phone,
		"tts":    tts,
		"stt":    stt,
	})
}
