package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// =============================================================================
// Chat request construction
// =============================================================================

// RequestOption sets an optional field on a ChatRequest.
type RequestOption func(*ChatRequest)

// NewChatRequest creates an outbound chat frame.
func NewChatRequest(content string, opts ...RequestOption) *ChatRequest {
	r := &ChatRequest{Type: TypeMessage, Content: content}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithSessionID ties the request to a conversation.
func WithSessionID(id string) RequestOption {
	return func(r *ChatRequest) { r.SessionID = id }
}

// WithPersonaID selects the persona answering the request.
func WithPersonaID(id int) RequestOption {
	return func(r *ChatRequest) { r.PersonaID = &id }
}

// WithSystemPrompt overrides the persona's system prompt.
func WithSystemPrompt(p string) RequestOption {
	return func(r *ChatRequest) { r.SystemPrompt = p }
}

// WithFileIDs attaches previously uploaded files.
func WithFileIDs(ids ...string) RequestOption {
	return func(r *ChatRequest) { r.FileIDs = append([]string(nil), ids...) }
}

// WithModel selects provider and model.
func WithModel(provider, model string) RequestOption {
	return func(r *ChatRequest) {
		r.Provider = provider
		r.Model = model
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) RequestOption {
	return func(r *ChatRequest) { r.Temperature = &t }
}

// WithMaxTokens caps the answer length.
func WithMaxTokens(n int) RequestOption {
	return func(r *ChatRequest) { r.MaxTokens = &n }
}

// =============================================================================
// Audio payload codec
// =============================================================================

// EncodeAudio encodes raw audio bytes for transport.
func EncodeAudio(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeAudio decodes a transported audio payload.
// It accepts a data URL prefix ("data:audio/mpeg;base64,"), surrounding
// whitespace and missing padding.
func DecodeAudio(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 {
			return nil, fmt.Errorf("protocol: malformed data URL")
		}
		s = s[i+1:]
	}
	s = strings.TrimRight(s, "=")

	data, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode audio: %w", err)
	}
	return data, nil
}

// AudioMIMEType returns the MIME type for a synthesis format name.
// Unknown formats are returned as audio/<format>.
func AudioMIMEType(format string) string {
	switch strings.ToLower(format) {
	case "", "mp3", "mpeg":
		return "audio/mpeg"
	case "wav", "wave":
		return "audio/wav"
	case "opus", "ogg":
		return "audio/ogg"
	case "pcm", "pcm16", "l16":
		return "audio/pcm"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	default:
		return "audio/" + strings.ToLower(format)
	}
}
