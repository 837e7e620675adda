package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/teslashibe/voxchat/internal/httpc"
	"github.com/teslashibe/voxchat/pkg/audioio"
	"github.com/teslashibe/voxchat/pkg/speech"
)

const (
	toneRate      = 24000
	toneFrequency = 440.0
	toneAmplitude = 0.2
	toneWordTime  = 120 * time.Millisecond
	toneMin       = 200 * time.Millisecond
	toneMax       = 5 * time.Second

	// silenceFloor is the level below which a recording counts as silent
	silenceFloor = -50.0
)

var errUnsupportedAudio = errors.New("unsupported audio format, send 16-bit PCM WAV")

// offlineTranscriber describes WAV uploads instead of recognizing them.
// Silent recordings transcribe to empty text.
type offlineTranscriber struct{}

func (offlineTranscriber) Transcribe(ctx context.Context, audio io.Reader, filename string) (*speech.Transcript, error) {
	data, err := io.ReadAll(audio)
	if err != nil {
		return nil, err
	}
	samples, rate, channels, err := audioio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnsupportedAudio, err)
	}

	frames := len(samples) / max(channels, 1)
	d := time.Duration(frames) * time.Second / time.Duration(rate)

	t := &speech.Transcript{Language: "en", Duration: d}
	if audioio.Level(samples) > silenceFloor {
		t.Text = fmt.Sprintf("I spoke for %.1f seconds.", d.Seconds())
	}
	return t, nil
}

// toneSynthesizer renders a beep whose length follows the word count.
type toneSynthesizer struct{}

func (toneSynthesizer) Synthesize(ctx context.Context, req speech.SynthesisRequest) (*speech.Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, speech.ErrEmptyText
	}

	d := time.Duration(len(strings.Fields(req.Text))) * toneWordTime
	d = min(max(d, toneMin), toneMax)

	n := int(int64(d) * toneRate / int64(time.Second))
	fade := toneRate / 100
	samples := make([]int16, n)
	for i := range samples {
		gain := toneAmplitude
		if i < fade {
			gain *= float64(i) / float64(fade)
		} else if n-i < fade {
			gain *= float64(n-i) / float64(fade)
		}
		samples[i] = int16(gain * 32767 * math.Sin(2*math.Pi*toneFrequency*float64(i)/toneRate))
	}

	return &speech.Audio{
		Data:     audioio.EncodeWAV(samples, toneRate, 1),
		MIMEType: "audio/wav",
		Format:   "wav",
	}, nil
}

// elevenLabsRequest is the body of POST /api/audio/elevenlabs/tts.
type elevenLabsRequest struct {
	Text            string   `json:"text"`
	VoiceID         string   `json:"voice_id"`
	ModelID         string   `json:"model_id"`
	Stability       *float64 `json:"stability"`
	SimilarityBoost *float64 `json:"similarity_boost"`
	Style           *float64 `json:"style"`
	Speed           *float64 `json:"speed"`
	SpeakerBoost    *bool    `json:"use_speaker_boost"`
}

// elevenLabsProxy forwards synthesis to the ElevenLabs REST API.
type elevenLabsProxy struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

func newElevenLabsProxy(baseURL, apiKey string, logger *slog.Logger) *elevenLabsProxy {
	return &elevenLabsProxy{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  httpc.Client,
		logger:  logger.With("component", "backend.elevenlabs"),
	}
}

func (p *elevenLabsProxy) synthesize(ctx context.Context, req elevenLabsRequest) ([]byte, error) {
	defaults := speech.DefaultVoiceSettings()
	settings := map[string]any{
		"stability":         pick(req.Stability, defaults.Stability),
		"similarity_boost":  pick(req.SimilarityBoost, defaults.SimilarityBoost),
		"style":             pick(req.Style, defaults.Style),
		"use_speaker_boost": pick(req.SpeakerBoost, defaults.SpeakerBoost),
		"speed":             pick(req.Speed, speech.DefaultSpeed),
	}

	voiceID := speech.ResolveElevenLabsVoice(req.VoiceID)
	if voiceID == "" {
		voiceID = speech.DefaultElevenLabsVoiceID
	}
	modelID := req.ModelID
	if modelID == "" {
		modelID = speech.ModelMultilingualV2
	}

	r, err := httpc.NewJSONRequest(ctx, p.baseURL+"/text-to-speech/"+voiceID, map[string]any{
		"text":           req.Text,
		"model_id":       modelID,
		"voice_settings": settings,
	})
	if err != nil {
		return nil, err
	}
	r.Header.Set("xi-api-key", p.apiKey)
	r.Header.Set("Accept", "audio/mpeg")

	start := time.Now()
	resp, err := p.client.Do(r)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	body, err := httpc.ReadBody(resp, 32<<20)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	p.logger.Debug("synthesized",
		"voice", voiceID,
		"model", modelID,
		"bytes", len(body),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return body, nil
}

func pick[T any](v *T, def T) T {
	if v != nil {
		return *v
	}
	return def
}
