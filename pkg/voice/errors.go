package voice

import (
	"errors"
	"fmt"

	"github.com/teslashibe/voxchat/pkg/capture"
	"github.com/teslashibe/voxchat/pkg/channel"
	"github.com/teslashibe/voxchat/pkg/chat"
	"github.com/teslashibe/voxchat/pkg/playback"
)

// Common errors returned by the orchestrator.
var (
	ErrBusy            = errors.New("voice: orchestrator busy")
	ErrNotRecording    = errors.New("voice: not recording")
	ErrCanceled        = errors.New("voice: turn canceled")
	ErrEmptyTranscript = errors.New("voice: no speech recognized")
	ErrEmptyResponse   = errors.New("voice: empty chat response")
	ErrEmptyAudio      = errors.New("voice: empty synthesized audio")
)

// Step names one stage of the pipeline.
type Step string

const (
	StepCapture    Step = "capture"
	StepTranscribe Step = "transcribe"
	StepChat       Step = "chat"
	StepSynthesize Step = "synthesize"
	StepPlay       Step = "play"
)

// StepError is a pipeline failure attributed to the step that caused it.
type StepError struct {
	Step Step
	Err  error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("voice: %s: %v", e.Step, e.Err)
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error {
	return e.Err
}

// FailedStep returns the step that failed, or "" if err is not a StepError.
func FailedStep(err error) Step {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}

// describe turns a failure into the message shown to the user.
func describe(step Step, err error) string {
	var remote *chat.RemoteError
	switch {
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return "Microphone unavailable. Please allow microphone access and try again."
	case errors.Is(err, ErrEmptyTranscript):
		return "No speech was recognized in the recording."
	case errors.Is(err, ErrEmptyResponse):
		return "No response received from the assistant."
	case errors.Is(err, ErrEmptyAudio):
		return "The speech service returned no audio."
	case errors.As(err, &remote):
		return remote.Error()
	case errors.Is(err, chat.ErrResponseTimeout):
		return "The assistant took too long to respond."
	case errors.Is(err, chat.ErrExchangeInProgress):
		return "Another message is still being answered."
	case channel.IsNotConnected(err):
		return "Not connected to the chat server."
	case step == StepPlay:
		var perr *playback.Error
		if errors.As(err, &perr) && perr.Err != nil {
			return "Unable to play audio: " + perr.Err.Error()
		}
		return "Unable to play audio: " + err.Error()
	case step == StepTranscribe:
		return "Transcription failed: " + err.Error()
	case step == StepSynthesize:
		return "Speech synthesis failed: " + err.Error()
	default:
		return err.Error()
	}
}
