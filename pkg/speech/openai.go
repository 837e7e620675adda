package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const providerOpenAI = "openai"

func newOpenAIClient(cfg *Config) *openai.Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = cfg.HTTPClient
	return openai.NewClientWithConfig(oc)
}

// openAIError converts go-openai failures into *APIError where a status
// code is available.
func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Provider: providerOpenAI}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := requestErrorMessage(reqErr)
		return &APIError{StatusCode: reqErr.HTTPStatusCode, Message: msg, Provider: providerOpenAI}
	}
	return err
}

func requestErrorMessage(e *openai.RequestError) string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.HTTPStatus
}

// OpenAITranscriber calls the OpenAI Whisper API directly.
type OpenAITranscriber struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAITranscriber creates a Whisper transcriber.
func NewOpenAITranscriber(opts ...Option) (*OpenAITranscriber, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &OpenAITranscriber{
		client: newOpenAIClient(cfg),
		logger: cfg.Logger.With("component", "speech.openai"),
	}, nil
}

// Transcribe sends audio to whisper-1.
func (o *OpenAITranscriber) Transcribe(ctx context.Context, audio io.Reader, filename string) (*Transcript, error) {
	if filename == "" {
		filename = DefaultFilename
	}

	start := time.Now()
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: filename,
		Reader:   audio,
	})
	if err != nil {
		return nil, transcriptionError(providerOpenAI, openAIError(err))
	}

	o.logger.Debug("transcribed audio",
		"chars", len(resp.Text),
		"language", resp.Language,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	return &Transcript{
		Text:     resp.Text,
		Language: resp.Language,
		Duration: time.Duration(resp.Duration * float64(time.Second)),
	}, nil
}

// OpenAISynthesizer calls the OpenAI speech API directly.
type OpenAISynthesizer struct {
	client   *openai.Client
	maxBytes int64
	logger   *slog.Logger
}

// NewOpenAISynthesizer creates a TTS client.
func NewOpenAISynthesizer(opts ...Option) (*OpenAISynthesizer, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &OpenAISynthesizer{
		client:   newOpenAIClient(cfg),
		maxBytes: cfg.MaxResponseBytes,
		logger:   cfg.Logger.With("component", "speech.openai"),
	}, nil
}

// Synthesize converts text to audio in req.Format.
func (o *OpenAISynthesizer) Synthesize(ctx context.Context, req SynthesisRequest) (*Audio, error) {
	if err := req.validate(); err != nil {
		return nil, synthesisError(providerOpenAI, err)
	}
	req = req.withDefaults()

	start := time.Now()
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(req.Model),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(req.Voice),
		ResponseFormat: openai.SpeechResponseFormat(req.Format),
		Speed:          req.Speed,
	})
	if err != nil {
		return nil, synthesisError(providerOpenAI, openAIError(err))
	}
	defer resp.Close()

	var r io.Reader = resp
	if o.maxBytes > 0 {
		r = io.LimitReader(resp, o.maxBytes)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, synthesisError(providerOpenAI, fmt.Errorf("read response: %w", err))
	}

	audio := newAudio(data, "", req.Format, time.Since(start))
	o.logger.Debug("synthesized audio",
		"chars", len(req.Text),
		"bytes", len(data),
		"latency_ms", audio.Latency.Milliseconds(),
		"voice", req.Voice,
	)
	return audio, nil
}

var (
	_ Transcriber = (*OpenAITranscriber)(nil)
	_ Synthesizer = (*OpenAISynthesizer)(nil)
)
