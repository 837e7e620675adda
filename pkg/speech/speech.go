// Package speech provides the transcription and synthesis boundaries of the
// voice pipeline.
//
// Transcribers turn a recorded utterance into text; Synthesizers turn text
// into a playable audio payload. Each has a backend implementation that talks
// to the chat service's REST API and a direct implementation that calls
// OpenAI through go-openai, so the client can run with or without the backend
// proxying audio.
//
// Example usage:
//
//	stt := speech.NewBackend("http://localhost:3001/api")
//	tr, _ := stt.Transcribe(ctx, bytes.NewReader(wav), "recording.wav")
//
//	audio, _ := stt.Synthesize(ctx, speech.NewSynthesisRequest(tr.Text))
//	// audio.Data holds mp3 bytes, audio.MIMEType is "audio/mpeg"
package speech

import (
	"context"
	"io"
	"time"

	"github.com/teslashibe/voxchat/pkg/protocol"
)

// Transcriber converts recorded speech to text.
type Transcriber interface {
	// Transcribe uploads audio under filename and returns the recognized text.
	Transcribe(ctx context.Context, audio io.Reader, filename string) (*Transcript, error)
}

// Synthesizer converts text to a playable audio payload.
type Synthesizer interface {
	// Synthesize returns the complete audio for req.
	Synthesize(ctx context.Context, req SynthesisRequest) (*Audio, error)
}

// Transcript is the result of a transcription call.
type Transcript struct {
	Text     string        `json:"text"`
	Language string        `json:"language,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// MaxTextLength is the longest text a synthesis request may carry.
const MaxTextLength = 4096

// Synthesis defaults.
const (
	DefaultVoice  = VoiceNova
	DefaultModel  = ModelTTS1
	DefaultFormat = "mp3"
	DefaultSpeed  = 1.0
)

// OpenAI voice options
const (
	VoiceAlloy   = "alloy"
	VoiceEcho    = "echo"
	VoiceFable   = "fable"
	VoiceOnyx    = "onyx"
	VoiceNova    = "nova"
	VoiceShimmer = "shimmer"
)

// OpenAI model options
const (
	ModelTTS1   = "tts-1"    // Standard quality, faster
	ModelTTS1HD = "tts-1-hd" // Higher quality, slower
)

// SynthesisRequest describes one synthesis call.
// Zero fields take provider defaults.
type SynthesisRequest struct {
	Text   string
	Voice  string
	Model  string
	Format string
	Speed  float64

	// Extra carries provider-specific fields, merged into the request body.
	Extra map[string]any
}

// NewSynthesisRequest returns a request for text with the default voice,
// model, format and speed.
func NewSynthesisRequest(text string) SynthesisRequest {
	return SynthesisRequest{
		Text:   text,
		Voice:  DefaultVoice,
		Model:  DefaultModel,
		Format: DefaultFormat,
		Speed:  DefaultSpeed,
	}
}

// withDefaults fills unset fields.
func (r SynthesisRequest) withDefaults() SynthesisRequest {
	if r.Voice == "" {
		r.Voice = DefaultVoice
	}
	if r.Model == "" {
		r.Model = DefaultModel
	}
	if r.Format == "" {
		r.Format = DefaultFormat
	}
	if r.Speed == 0 {
		r.Speed = DefaultSpeed
	}
	return r
}

// validate checks the text before any network call.
func (r SynthesisRequest) validate() error {
	if r.Text == "" {
		return ErrEmptyText
	}
	if len(r.Text) > MaxTextLength {
		return ErrTextTooLong
	}
	return nil
}

// Audio is a synthesized payload, normalized to raw bytes regardless of how
// the provider transported it.
type Audio struct {
	Data     []byte
	MIMEType string
	Format   string

	// Latency is the time from request to complete payload.
	Latency time.Duration
}

// newAudio builds an Audio, deriving the MIME type from format when the
// provider did not supply one.
func newAudio(data []byte, mimeType, format string, latency time.Duration) *Audio {
	if mimeType == "" {
		mimeType = protocol.AudioMIMEType(format)
	}
	return &Audio{Data: data, MIMEType: mimeType, Format: format, Latency: latency}
}
