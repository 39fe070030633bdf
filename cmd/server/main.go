// Command server is the voicebridge entry point (C11): it reads the
// environment table from spec.md §6, builds the provider registry, starts
// the webhook HTTP server, and places the single outbound call this process
// is configured for. Wiring style follows cmd/agent/main.go's flat
// os.Getenv reads and log.Fatal-on-missing-config, generalized from a local
// mic/speaker agent to a carrier-facing HTTP service.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voicebridge-ai/voicebridge/pkg/call"
	"github.com/voicebridge-ai/voicebridge/pkg/metrics"
	"github.com/voicebridge-ai/voicebridge/pkg/providers/stt"
	"github.com/voicebridge-ai/voicebridge/pkg/providers/telephony"
	"github.com/voicebridge-ai/voicebridge/pkg/providers/tts"
	"github.com/voicebridge-ai/voicebridge/pkg/webhook"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	logger := call.NewSlogLogger(slog.Default())

	shutdownMetrics, err := metrics.InitProvider("voicebridge", "0.1.0")
	if err != nil {
		log.Fatalf("Error: failed to initialize metrics provider: %v", err)
	}
	defer shutdownMetrics(context.Background())

	phoneProvider := requireEnv("PHONE_PROVIDER")
	phoneNumber := requireEnv("PHONE_NUMBER")
	userPhoneNumber := requireEnv("USER_PHONE_NUMBER")
	publicURL := requireEnv("PUBLIC_URL")

	phone := buildTelephonyProvider(phoneProvider)

	ttsAPIKey := requireEnv("TTS_API_KEY")
	ttsBaseURL := os.Getenv("TTS_BASE_URL")
	ttsVoice := os.Getenv("TTS_VOICE")
	ttsSampleRate := envInt("TTS_SAMPLE_RATE", 0)
	ttsProviderName := os.Getenv("TTS_PROVIDER")
	if ttsProviderName == "" {
		ttsProviderName = "openaicompat"
	}
	ttsSynth := buildTTSProvider(ttsProviderName, ttsAPIKey, ttsBaseURL, ttsVoice, ttsSampleRate)

	sttAPIKey := requireEnv("STT_API_KEY")
	sttProviderName := os.Getenv("STT_PROVIDER")
	if sttProviderName == "" {
		sttProviderName = "openai"
	}
	sttProv := buildSTTProvider(sttProviderName, sttAPIKey)

	registry := call.ProviderRegistry{Phone: phone, TTS: ttsSynth, STT: sttProv}
	manager, err := call.NewManager(registry, logger)
	if err != nil {
		log.Fatalf("Error: failed to build call manager: %v", err)
	}

	router := webhook.New(manager, phone, publicURL, logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "3333"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router.Mux(),
	}

	go func() {
		logger.Info("server: listening", "port", port, "phone", phoneProvider, "tts", ttsProviderName, "stt", sttProviderName)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Error: http server failed: %v", err)
		}
	}()

	cfg := call.DefaultConfig()
	cfg.Voice = ttsVoice
	cfg.STTModel = os.Getenv("STT_MODEL")
	cfg.SilenceDurationMs = envInt("STT_SILENCE_DURATION_MS", cfg.SilenceDurationMs)
	cfg.TranscriptTimeoutMs = envInt("TRANSCRIPT_TIMEOUT_MS", cfg.TranscriptTimeoutMs)

	go placeConfiguredCall(manager, router, userPhoneNumber, phoneNumber, cfg, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("server: shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// placeConfiguredCall dials USER_PHONE_NUMBER with a fixed greeting, the
// single-outbound-call role the teacher's CLI agent played against a local
// microphone; here the "microphone" is the carrier's media stream instead.
func placeConfiguredCall(manager *call.Manager, router *webhook.Router, to, from string, cfg call.Config, logger call.Logger) {
	callID := manager.NewCallID()
	mediaWsURL := router.MediaWsURL(callID)
	statusCallbackURL := router.StatusCallbackURL(callID)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.MediaConnectTimeout+30*time.Second)
	defer cancel()

	greeting := "Hello! This is your voice assistant calling. How can I help you today?"
	result, err := manager.Initiate(ctx, callID, to, from, mediaWsURL, statusCallbackURL, greeting, cfg)
	if err != nil {
		logger.Error("server: initiate failed", "error", err)
		return
	}
	logger.Info("server: call answered", "callId", result.CallID, "response", result.Response)
}

func buildTelephonyProvider(name string) call.TelephonyProvider {
	accountSID := requireEnv("PHONE_ACCOUNT_SID")
	authToken := requireEnv("PHONE_AUTH_TOKEN")

	switch name {
	case "twilio":
		return telephony.NewTwilio(accountSID, authToken)
	case "telnyx":
		// spec.md's config table has no telnyx-specific connection-id
		// variable; PHONE_ACCOUNT_SID doubles as the Call Control
		// Application id here the same way it's the Twilio account SID above.
		connectionID := accountSID
		publicKey := os.Getenv("TELNYX_PUBLIC_KEY")
		provider, err := telephony.NewTelnyx(authToken, connectionID, publicKey)
		if err != nil {
			log.Fatalf("Error: failed to build telnyx provider: %v", err)
		}
		return provider
	default:
		log.Fatalf("Error: PHONE_PROVIDER must be one of {telnyx, twilio}, got %q", name)
		return nil
	}
}

// buildTTSProvider selects between the REST-based OpenAI-compatible
// endpoint and the teacher's lower-latency lokutor WebSocket stream
// (spec.md §4.3 names both; TTS_PROVIDER defaults to the REST path since
// it works against any OpenAI-compatible host, lokutor's own).
func buildTTSProvider(name, apiKey, baseURL, voice string, sampleRate int) call.TTSProvider {
	switch name {
	case "lokutor":
		language := os.Getenv("TTS_LANGUAGE")
		if language == "" {
			language = "en"
		}
		return tts.NewLokutorTTS(apiKey, voice, language, sampleRate)
	case "openaicompat":
		fallthrough
	default:
		return tts.NewOpenAICompat(apiKey, baseURL, voice, sampleRate)
	}
}

func buildSTTProvider(name, apiKey string) call.STTProvider {
	switch name {
	case "deepgram":
		return stt.NewDeepgramProvider(apiKey)
	case "openai":
		fallthrough
	default:
		return stt.NewOpenAIRealtimeProvider(apiKey)
	}
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("Error: %s must be set.", key)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("Error: %s must be an integer, got %q: %v", key, v, err)
	}
	return n
}
