package speech_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/teslashibe/voxchat/pkg/audioio"
	"github.com/teslashibe/voxchat/pkg/speech"
)

func TestMockTranscriber(t *testing.T) {
	m := speech.NewMockTranscriber("turn on the lights")

	tr, err := m.Transcribe(context.Background(), strings.NewReader("wav"), "a.wav")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Text != "turn on the lights" {
		t.Errorf("text = %q", tr.Text)
	}
	if m.CallCount() != 1 || m.Calls()[0].Input != "a.wav" {
		t.Errorf("calls = %+v", m.Calls())
	}

	m.Reset()
	if m.CallCount() != 0 {
		t.Error("expected calls to be cleared")
	}
}

func TestMockSynthesizerProducesWAV(t *testing.T) {
	m := speech.NewMockSynthesizer()

	out, err := m.Synthesize(context.Background(), speech.NewSynthesisRequest("Hello world"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	samples, rate, ch, err := audioio.DecodeWAV(out.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rate != 16000 || ch != 1 {
		t.Errorf("profile = %d Hz x %d", rate, ch)
	}
	// 11 chars at 20ms each
	if want := 16000 * 220 / 1000; len(samples) != want {
		t.Errorf("samples = %d, want %d", len(samples), want)
	}
}

func TestChainFallsBack(t *testing.T) {
	failing := speech.FailingSynthesizer(errors.New("quota exceeded"))
	backup := speech.NewMockSynthesizer()

	chain, err := speech.NewChain(nil, failing, backup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := chain.Synthesize(context.Background(), speech.NewSynthesisRequest("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Data) == 0 {
		t.Error("expected audio")
	}
	if failing.CallCount() != 1 || backup.CallCount() != 1 {
		t.Errorf("calls = %d/%d", failing.CallCount(), backup.CallCount())
	}
}

func TestChainAllFail(t *testing.T) {
	cause := errors.New("down")
	chain, _ := speech.NewChain(nil, speech.FailingSynthesizer(cause), speech.FailingSynthesizer(cause))

	_, err := chain.Synthesize(context.Background(), speech.NewSynthesisRequest("hi"))
	var ce *speech.ChainError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ChainError, got %v", err)
	}
	if len(ce.Errors) != 2 {
		t.Errorf("errors = %d", len(ce.Errors))
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to unwrap")
	}
}

func TestChainDoesNotRetryInvalidInput(t *testing.T) {
	m := speech.NewMockSynthesizer()
	chain, _ := speech.NewChain(nil, m)

	_, err := chain.Synthesize(context.Background(), speech.SynthesisRequest{})
	if !errors.Is(err, speech.ErrEmptyText) {
		t.Errorf("expected ErrEmptyText, got %v", err)
	}
	if m.CallCount() != 0 {
		t.Error("provider should not be called")
	}
}

func TestNewChainRequiresProviders(t *testing.T) {
	if _, err := speech.NewChain(nil); !errors.Is(err, speech.ErrNoProviders) {
		t.Errorf("expected ErrNoProviders, got %v", err)
	}
}

func TestSilentAudioLength(t *testing.T) {
	out := speech.SilentAudio(500 * time.Millisecond)
	samples, _, _, err := audioio.DecodeWAV(out.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(samples) != 8000 {
		t.Errorf("samples = %d", len(samples))
	}
}
