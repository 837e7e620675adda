package speech

import (
	"context"
	"net/http"
	"time"

	"github.com/teslashibe/voxchat/internal/httpc"
)

const (
	providerElevenLabs = "elevenlabs"

	elevenLabsTTSPath = "/audio/elevenlabs/tts"
)

// ElevenLabs model IDs
const (
	// ModelMultilingualV2 is the highest quality multilingual model.
	ModelMultilingualV2 = "eleven_multilingual_v2"

	// ModelTurboV2_5 is the fastest English model.
	ModelTurboV2_5 = "eleven_turbo_v2_5"

	// ModelFlashV2_5 is the fastest multilingual model.
	ModelFlashV2_5 = "eleven_flash_v2_5"
)

// DefaultElevenLabsVoiceID is the "rachel" preset.
const DefaultElevenLabsVoiceID = "21m00Tcm4TlvDq8ikWAM"

// ElevenLabsVoices maps friendly preset names to ElevenLabs voice IDs.
var ElevenLabsVoices = map[string]string{
	"rachel":    "21m00Tcm4TlvDq8ikWAM", // American female, calm
	"charlotte": "XB0fDUnXU5powFXDhCwa", // British female, warm
	"aria":      "9BWtsMINqrJLrRacOk9x", // American female, expressive
	"sarah":     "EXAVITQu4vr4xnSDxMaL", // American female, soft
	"domi":      "AZnzlk1XvdvUeBnXmlld", // American female, strong
	"josh":      "TxGEqnHWrfWFTfGW9XjX", // American male, deep
	"adam":      "pNInz6obpgDQGcFmaJgB", // American male, deep
}

// ResolveElevenLabsVoice returns the voice ID for a preset name,
// or the input unchanged if it's already a voice ID.
func ResolveElevenLabsVoice(name string) string {
	if id, ok := ElevenLabsVoices[name]; ok {
		return id
	}
	return name
}

// VoiceSettings controls voice characteristics.
type VoiceSettings struct {
	// Stability controls voice consistency (0.0-1.0).
	// Lower values = more expressive/variable, higher = more consistent.
	Stability float64

	// SimilarityBoost controls how closely the voice matches the original (0.0-1.0).
	SimilarityBoost float64

	// Style controls style exaggeration (0.0-1.0).
	Style float64

	// SpeakerBoost enhances speaker clarity.
	SpeakerBoost bool
}

// DefaultVoiceSettings returns sensible defaults for voice synthesis.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:       0.5,
		SimilarityBoost: 0.75,
		Style:           0.0,
		SpeakerBoost:    true,
	}
}

// ElevenLabsBackend synthesizes through the backend's ElevenLabs proxy.
type ElevenLabsBackend struct {
	rc       *restClient
	voiceID  string
	modelID  string
	settings VoiceSettings
}

// NewElevenLabsBackend creates a client for {baseURL}/audio/elevenlabs/tts.
func NewElevenLabsBackend(baseURL string, opts ...Option) *ElevenLabsBackend {
	return &ElevenLabsBackend{
		rc:       newRESTClient(providerElevenLabs, baseURL, opts),
		voiceID:  DefaultElevenLabsVoiceID,
		modelID:  ModelMultilingualV2,
		settings: DefaultVoiceSettings(),
	}
}

// WithVoice sets the default voice by preset name or ID.
func (e *ElevenLabsBackend) WithVoice(voice string) *ElevenLabsBackend {
	if voice != "" {
		e.voiceID = ResolveElevenLabsVoice(voice)
	}
	return e
}

// WithModel sets the default model ID.
func (e *ElevenLabsBackend) WithModel(model string) *ElevenLabsBackend {
	if model != "" {
		e.modelID = model
	}
	return e
}

// WithVoiceSettings replaces the voice settings.
func (e *ElevenLabsBackend) WithVoiceSettings(s VoiceSettings) *ElevenLabsBackend {
	e.settings = s
	return e
}

// VoiceID returns the configured default voice.
func (e *ElevenLabsBackend) VoiceID() string {
	return e.voiceID
}

// Synthesize requests mp3 audio. req.Voice and req.Model override the
// defaults unless they name OpenAI voices or models.
func (e *ElevenLabsBackend) Synthesize(ctx context.Context, req SynthesisRequest) (*Audio, error) {
	if err := req.validate(); err != nil {
		return nil, synthesisError(providerElevenLabs, err)
	}

	voiceID := e.voiceID
	if req.Voice != "" && !isOpenAIVoice(req.Voice) {
		voiceID = ResolveElevenLabsVoice(req.Voice)
	}
	modelID := e.modelID
	if req.Model != "" && req.Model != ModelTTS1 && req.Model != ModelTTS1HD {
		modelID = req.Model
	}
	speed := req.Speed
	if speed == 0 {
		speed = DefaultSpeed
	}

	payload := map[string]any{}
	for k, v := range req.Extra {
		payload[k] = v
	}
	payload["text"] = req.Text
	payload["voice_id"] = voiceID
	payload["model_id"] = modelID
	payload["stability"] = e.settings.Stability
	payload["similarity_boost"] = e.settings.SimilarityBoost
	payload["style"] = e.settings.Style
	payload["speed"] = speed
	payload["use_speaker_boost"] = e.settings.SpeakerBoost

	start := time.Now()
	resp, err := e.rc.do(ctx, func() (*http.Request, error) {
		r, err := httpc.NewJSONRequest(ctx, e.rc.base+elevenLabsTTSPath, payload)
		if err != nil {
			return nil, err
		}
		r.Header.Set("Accept", "audio/mpeg")
		return r, nil
	})
	if err != nil {
		return nil, synthesisError(providerElevenLabs, err)
	}
	defer resp.Body.Close()

	audio, err := e.rc.readAudio(resp, "mp3", start)
	if err != nil {
		return nil, synthesisError(providerElevenLabs, err)
	}

	e.rc.logger.Debug("synthesized audio",
		"chars", len(req.Text),
		"bytes", len(audio.Data),
		"latency_ms", audio.Latency.Milliseconds(),
		"voice", voiceID,
		"model", modelID,
	)
	return audio, nil
}

func isOpenAIVoice(v string) bool {
	switch v {
	case VoiceAlloy, VoiceEcho, VoiceFable, VoiceOnyx, VoiceNova, VoiceShimmer:
		return true
	}
	return false
}

// Verify ElevenLabsBackend implements Synthesizer at compile time.
var _ Synthesizer = (*ElevenLabsBackend)(nil)
