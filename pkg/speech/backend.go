package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/teslashibe/voxchat/internal/httpc"
	"github.com/teslashibe/voxchat/pkg/protocol"
)

const (
	providerBackend = "backend"

	// DefaultFilename is the upload name used when the caller gives none.
	DefaultFilename = "recording.wav"

	transcribePath = "/audio/transcribe"
	ttsPath        = "/audio/tts"
)

// restClient is the HTTP plumbing shared by the backend clients.
type restClient struct {
	base     string
	provider string
	cfg      *Config
	logger   *slog.Logger
}

func newRESTClient(provider, baseURL string, opts []Option) *restClient {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if cfg.BaseURL != "" {
		baseURL = cfg.BaseURL
	}
	return &restClient{
		base:     strings.TrimRight(baseURL, "/"),
		provider: provider,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "speech."+provider),
	}
}

// do sends the request built by build, retrying rate-limited and 5xx
// responses. build is called once per attempt so bodies can be replayed.
func (c *restClient) do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	if c.base == "" {
		return nil, ErrNoBaseURL
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.RetryDelay * time.Duration(attempt)):
			}
		}

		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := c.cfg.HTTPClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = c.parseError(resp)
			resp.Body.Close()
			c.logger.Warn("retrying request",
				"attempt", attempt+1,
				"status", resp.StatusCode,
			)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			err := c.parseError(resp)
			resp.Body.Close()
			return nil, err
		}
		return resp, nil
	}

	return nil, lastErr
}

// parseError reads an error response. The backend answers with
// {"error": "...", "details": "..."}.
func (c *restClient) parseError(resp *http.Response) error {
	body, _ := httpc.ReadBody(resp, 64<<10)

	var errResp struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}

	message := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		message = errResp.Error
		if errResp.Details != "" {
			message += ": " + errResp.Details
		}
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Provider:   c.provider,
	}
}

// readAudio normalizes a synthesis response into raw bytes. Raw audio is
// recognized by Content-Type; anything else is decoded as the JSON envelope
// {"audio_data": "<base64>", "format": "mp3"}.
func (c *restClient) readAudio(resp *http.Response, format string, start time.Time) (*Audio, error) {
	body, err := httpc.ReadBody(resp, c.cfg.MaxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case strings.HasPrefix(mediaType, "audio/"):
		return newAudio(body, mediaType, format, time.Since(start)), nil
	case mediaType == "application/octet-stream":
		return newAudio(body, "", format, time.Since(start)), nil
	}

	var envelope struct {
		AudioData string `json:"audio_data"`
		Format    string `json:"format"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	data, err := protocol.DecodeAudio(envelope.AudioData)
	if err != nil {
		return nil, err
	}
	if envelope.Format != "" {
		format = envelope.Format
	}
	return newAudio(data, "", format, time.Since(start)), nil
}

// Backend talks to the chat service's audio endpoints. It implements both
// Transcriber and Synthesizer.
type Backend struct {
	rc  *restClient
	raw bool
}

// NewBackend creates a client for the backend API rooted at baseURL
// (for example "http://localhost:3001/api").
func NewBackend(baseURL string, opts ...Option) *Backend {
	return &Backend{rc: newRESTClient(providerBackend, baseURL, opts)}
}

// PreferRawAudio asks the backend for raw audio bytes instead of the
// base64 JSON envelope.
func (b *Backend) PreferRawAudio(raw bool) *Backend {
	b.raw = raw
	return b
}

// Transcribe uploads audio as multipart field "audio".
func (b *Backend) Transcribe(ctx context.Context, audio io.Reader, filename string) (*Transcript, error) {
	if filename == "" {
		filename = DefaultFilename
	}

	// buffered once so retries can replay it
	data, err := io.ReadAll(audio)
	if err != nil {
		return nil, transcriptionError(providerBackend, fmt.Errorf("read audio: %w", err))
	}

	start := time.Now()
	resp, err := b.rc.do(ctx, func() (*http.Request, error) {
		return httpc.NewMultipartRequest(ctx, b.rc.base+transcribePath, "audio", filename, bytes.NewReader(data))
	})
	if err != nil {
		return nil, transcriptionError(providerBackend, err)
	}
	defer resp.Body.Close()

	var out struct {
		Text     string  `json:"text"`
		Language string  `json:"language"`
		Duration float64 `json:"duration"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, transcriptionError(providerBackend, fmt.Errorf("decode response: %w", err))
	}

	b.rc.logger.Debug("transcribed audio",
		"bytes", len(data),
		"chars", len(out.Text),
		"latency_ms", time.Since(start).Milliseconds(),
	)

	return &Transcript{
		Text:     out.Text,
		Language: out.Language,
		Duration: time.Duration(out.Duration * float64(time.Second)),
	}, nil
}

// Synthesize posts an OpenAI-style TTS request to the backend.
func (b *Backend) Synthesize(ctx context.Context, req SynthesisRequest) (*Audio, error) {
	if err := req.validate(); err != nil {
		return nil, synthesisError(providerBackend, err)
	}
	req = req.withDefaults()

	payload := map[string]any{}
	for k, v := range req.Extra {
		payload[k] = v
	}
	payload["text"] = req.Text
	payload["voice"] = req.Voice
	payload["model"] = req.Model
	payload["response_format"] = req.Format
	payload["speed"] = req.Speed

	start := time.Now()
	resp, err := b.rc.do(ctx, func() (*http.Request, error) {
		r, err := httpc.NewJSONRequest(ctx, b.rc.base+ttsPath, payload)
		if err != nil {
			return nil, err
		}
		if b.raw {
			r.Header.Set("Accept", "audio/*")
		} else {
			r.Header.Set("Accept", "application/json")
		}
		return r, nil
	})
	if err != nil {
		return nil, synthesisError(providerBackend, err)
	}
	defer resp.Body.Close()

	audio, err := b.rc.readAudio(resp, req.Format, start)
	if err != nil {
		return nil, synthesisError(providerBackend, err)
	}

	b.rc.logger.Debug("synthesized audio",
		"chars", len(req.Text),
		"bytes", len(audio.Data),
		"latency_ms", audio.Latency.Milliseconds(),
		"voice", req.Voice,
	)
	return audio, nil
}

// IsAPIError reports whether err carries an HTTP error response.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// Verify Backend implements both interfaces at compile time.
var (
	_ Transcriber = (*Backend)(nil)
	_ Synthesizer = (*Backend)(nil)
)
