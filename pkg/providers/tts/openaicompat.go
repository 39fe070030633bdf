// Package tts implements TTSProvider for the carrier-facing voice agent:
// an OpenAI-compatible speech endpoint (TTS_BASE_URL may point at OpenAI
// itself or any compatible host) and, where available, the lower-latency
// WebSocket streaming protocol the lokutor backend exposes.
package tts

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/voicebridge-ai/voicebridge/pkg/audio"
	"github.com/voicebridge-ai/voicebridge/pkg/call"
)

// OpenAICompat synthesizes speech through any OpenAI-compatible
// /v1/audio/speech endpoint. It has no native streaming chunk callback, so
// SynthesizeStream fetches the whole clip and replays it through onChunk in
// fixed-size pieces — the Media Stream Session paces playout regardless.
type OpenAICompat struct {
	client     openai.Client
	voice      string
	model      string
	sampleRate int

	mu      sync.Mutex
	aborted bool
}

// NewOpenAICompat builds a provider against baseURL (empty uses OpenAI's
// default) with the given API key, default voice and reported sample rate
// (spec's TTS_SAMPLE_RATE; OpenAI's tts-1 family emits 24kHz PCM/MP3).
func NewOpenAICompat(apiKey, baseURL, voice string, sampleRate int) *OpenAICompat {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if sampleRate == 0 {
		sampleRate = 24000
	}
	if voice == "" {
		voice = "alloy"
	}
	return &OpenAICompat{
		client:     openai.NewClient(opts...),
		voice:      voice,
		model:      "tts-1",
		sampleRate: sampleRate,
	}
}

func (p *OpenAICompat) Name() string           { return "openai-compat-tts" }
func (p *OpenAICompat) DefaultSampleRate() int { return p.sampleRate }

// Synthesize requests a WAV clip and returns the raw PCM payload plus the
// sample rate the container actually carries (may differ from the
// configured default if the endpoint resamples).
func (p *OpenAICompat) Synthesize(ctx context.Context, text string) ([]byte, int, error) {
	p.mu.Lock()
	p.aborted = false
	p.mu.Unlock()

	resp, err := p.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(p.model),
		Input:          text,
		Voice:          openai.AudioSpeechNewParamsVoice(p.voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatWAV,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", call.ErrTTSFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: reading response: %v", call.ErrTTSFailed, err)
	}

	info, err := audio.ParseWAV(raw)
	if err != nil {
		// A RIFF container that ParseWAV rejects (e.g. not 16-bit) fails
		// the turn rather than being played out as if it were samples.
		if len(raw) >= 4 && string(raw[:4]) == "RIFF" {
			return nil, 0, fmt.Errorf("%w: %v", call.ErrTTSFailed, err)
		}
		// Some compatible endpoints return bare PCM when asked for "pcm";
		// fall back to treating the whole body as raw samples at our
		// configured rate rather than failing the turn.
		return raw, p.sampleRate, nil
	}
	return info.PCM, info.SampleRate, nil
}

const streamChunkBytes = 4096

// SynthesizeStream has no incremental source to stream from here, so it
// synthesizes the full clip then feeds onChunk in fixed slices, checking
// for abort/cancellation between each. Every slice is tagged with the rate
// actually parsed out of the response (the WAV header when present, the
// configured default otherwise) since that may differ from
// DefaultSampleRate() — spec §4.3's "hint, overridden by WAV header".
func (p *OpenAICompat) SynthesizeStream(ctx context.Context, text string, onChunk func(chunk []byte, sampleRate int) error) (int, error) {
	pcm, sampleRate, err := p.Synthesize(ctx, text)
	if err != nil {
		return 0, err
	}

	for off := 0; off < len(pcm); off += streamChunkBytes {
		p.mu.Lock()
		aborted := p.aborted
		p.mu.Unlock()
		if aborted {
			return sampleRate, call.ErrCancelled
		}
		select {
		case <-ctx.Done():
			return sampleRate, ctx.Err()
		default:
		}

		end := off + streamChunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := onChunk(pcm[off:end], sampleRate); err != nil {
			return sampleRate, err
		}
	}
	return sampleRate, nil
}

// Abort marks any in-flight SynthesizeStream call for early exit on its
// next chunk boundary.
func (p *OpenAICompat) Abort() error {
	p.mu.Lock()
	p.aborted = true
	p.mu.Unlock()
	return nil
}
