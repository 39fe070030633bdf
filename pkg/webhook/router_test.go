package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/voicebridge-ai/voicebridge/pkg/call"
)

type mockTelephony struct {
	verifyResult bool
	renderedURL  string
}

func (m *mockTelephony) PlaceCall(ctx context.Context, req call.PlaceCallRequest) (string, error) {
	return "CA123", nil
}
func (m *mockTelephony) Hangup(ctx context.Context, carrierCallRef string) error { return nil }
func (m *mockTelephony) VerifyWebhook(headers http.Header, rawBody []byte) bool  { return m.verifyResult }
func (m *mockTelephony) RenderCallInstruction(mediaWsURL string) (string, []byte) {
	m.renderedURL = mediaWsURL
	return "text/xml", []byte(`<Response><Connect><Stream url="` + mediaWsURL + `"/></Connect></Response>`)
}
func (m *mockTelephony) Name() string { return "mock-telephony" }

type mockTTS struct{}

func (mockTTS) Synthesize(ctx context.Context, text string) ([]byte, int, error) { return nil, 8000, nil }
func (mockTTS) SynthesizeStream(ctx context.Context, text string, onChunk func(chunk []byte, sampleRate int) error) (int, error) {
	return 8000, nil
}
func (mockTTS) Abort() error           { return nil }
func (mockTTS) Name() string           { return "mock-tts" }
func (mockTTS) DefaultSampleRate() int { return 8000 }

type mockSTTSession struct{}

func (mockSTTSession) Connect(ctx context.Context) error { return nil }
func (mockSTTSession) SendAudio(b []byte)                {}
func (mockSTTSession) OnPartial(cb func(string))         {}
func (mockSTTSession) WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error) {
	return "", context.DeadlineExceeded
}
func (mockSTTSession) Close() error      { return nil }
func (mockSTTSession) IsConnected() bool { return true }

type mockSTTProvider struct{}

func (mockSTTProvider) CreateSession(cfg call.SttSessionConfig, logger call.Logger) call.SttSession {
	return mockSTTSession{}
}
func (mockSTTProvider) Name() string { return "mock-stt" }

func newTestRouter(t *testing.T, phone *mockTelephony) *Router {
	t.Helper()
	registry := call.ProviderRegistry{Phone: phone, TTS: mockTTS{}, STT: mockSTTProvider{}}
	mgr, err := call.NewManager(registry, call.NoOpLogger{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return New(mgr, phone, "https://example.com", call.NoOpLogger{})
}

func TestHealthEndpoint(t *testing.T) {
	rt := newTestRouter(t, &mockTelephony{})
	srv := httptest.NewServer(rt.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["phone"] != "mock-telephony" {
		t.Errorf("expected phone provider name in health body, got %v", body)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	rt := newTestRouter(t, &mockTelephony{})
	srv := httptest.NewServer(rt.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/plain") {
		t.Errorf("expected text/plain prometheus exposition format, got %s", resp.Header.Get("Content-Type"))
	}
}

func TestCallInstructionRendersStreamURL(t *testing.T) {
	phone := &mockTelephony{}
	rt := newTestRouter(t, phone)
	srv := httptest.NewServer(rt.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/call-instruction?callId=abc123")
	if err != nil {
		t.Fatalf("GET /call-instruction: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(phone.renderedURL, "callId=abc123") {
		t.Errorf("expected media ws url to carry callId, got %s", phone.renderedURL)
	}
	if !strings.HasPrefix(phone.renderedURL, "wss://") {
		t.Errorf("expected wss:// scheme, got %s", phone.renderedURL)
	}
}

func TestStatusRejectsUnverifiedWebhook(t *testing.T) {
	phone := &mockTelephony{verifyResult: false}
	rt := newTestRouter(t, phone)
	srv := httptest.NewServer(rt.Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/status", "application/x-www-form-urlencoded", strings.NewReader("CallSid=CA1&CallStatus=ringing"))
	if err != nil {
		t.Fatalf("POST /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for unverified webhook, got %d", resp.StatusCode)
	}
}

func TestStatusDispatchesRingingToMatchingCall(t *testing.T) {
	phone := &mockTelephony{verifyResult: true}
	registry := call.ProviderRegistry{Phone: phone, TTS: mockTTS{}, STT: mockSTTProvider{}}
	mgr, err := call.NewManager(registry, call.NoOpLogger{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	rt := New(mgr, phone, "https://example.com", call.NoOpLogger{})
	srv := httptest.NewServer(rt.Mux())
	defer srv.Close()

	// Initiate blocks until media connects or MediaConnectTimeout fires,
	// unregistering the call on timeout — so the webhook under test must
	// arrive while Initiate is still polling, not after it returns.
	callID := mgr.NewCallID()
	go func() {
		_, _ = mgr.Initiate(context.Background(), callID, "+1555", "+1444", "wss://example.com/media-stream?callId=x", "https://example.com/status?callId=x", "hi", shortTimeoutConfig())
	}()

	var sess interface{ State() call.State }
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s, ok := mgr.LookupByCarrierRef("CA123"); ok {
			sess = s
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sess == nil {
		t.Fatal("expected session registered under carrier ref CA123")
	}
	if sess.State() != call.StateInitiating {
		t.Fatalf("expected INITIATING before ringing webhook, got %s", sess.State())
	}

	form := url.Values{"CallSid": {"CA123"}, "CallStatus": {"ringing"}}
	resp, err := http.Post(srv.URL+"/status", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("POST /status: %v", err)
	}
	defer resp.Body.Close()

	deadline = time.Now().Add(time.Second)
	for sess.State() == call.StateInitiating && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sess.State() != call.StateRinging {
		t.Errorf("expected RINGING after status webhook, got %s", sess.State())
	}
}

func shortTimeoutConfig() call.Config {
	cfg := call.DefaultConfig()
	cfg.MediaConnectTimeout = 500 * time.Millisecond
	return cfg
}
