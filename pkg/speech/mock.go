package speech

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/teslashibe/voxchat/pkg/audioio"
)

// MockCall records a method invocation for verification.
type MockCall struct {
	Method string
	Input  string
	Time   time.Time
}

type callLog struct {
	mu    sync.Mutex
	calls []MockCall
}

func (l *callLog) record(method, input string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, MockCall{Method: method, Input: input, Time: time.Now()})
}

// Calls returns all recorded method calls.
func (l *callLog) Calls() []MockCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]MockCall, len(l.calls))
	copy(out, l.calls)
	return out
}

// CallCount returns the number of recorded calls.
func (l *callLog) CallCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

// Reset clears all recorded calls.
func (l *callLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

// MockTranscriber implements Transcriber for testing.
type MockTranscriber struct {
	// TranscribeFunc is called when Transcribe is invoked.
	// If nil, returns Text.
	TranscribeFunc func(ctx context.Context, audio []byte, filename string) (*Transcript, error)

	// Text is the default transcript.
	Text string

	callLog
}

// NewMockTranscriber returns a transcriber that always hears text.
func NewMockTranscriber(text string) *MockTranscriber {
	return &MockTranscriber{Text: text}
}

// Transcribe records the call and returns the scripted transcript.
func (m *MockTranscriber) Transcribe(ctx context.Context, audio io.Reader, filename string) (*Transcript, error) {
	data, err := io.ReadAll(audio)
	if err != nil {
		return nil, transcriptionError("mock", err)
	}
	m.record("Transcribe", filename)

	if m.TranscribeFunc != nil {
		return m.TranscribeFunc(ctx, data, filename)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Transcript{Text: m.Text}, nil
}

// MockSynthesizer implements Synthesizer for testing.
type MockSynthesizer struct {
	// SynthesizeFunc is called when Synthesize is invoked.
	// If nil, returns silent WAV audio of roughly natural speech length.
	SynthesizeFunc func(ctx context.Context, req SynthesisRequest) (*Audio, error)

	callLog
}

// NewMockSynthesizer returns a synthesizer producing silence.
func NewMockSynthesizer() *MockSynthesizer {
	return &MockSynthesizer{}
}

// Synthesize records the call and returns the scripted audio.
func (m *MockSynthesizer) Synthesize(ctx context.Context, req SynthesisRequest) (*Audio, error) {
	m.record("Synthesize", req.Text)

	if m.SynthesizeFunc != nil {
		return m.SynthesizeFunc(ctx, req)
	}
	if err := req.validate(); err != nil {
		return nil, synthesisError("mock", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return SilentAudio(time.Duration(len(req.Text)) * 20 * time.Millisecond), nil
}

// SilentAudio returns a 16 kHz mono WAV payload of length d.
func SilentAudio(d time.Duration) *Audio {
	const rate = 16000
	samples := make([]int16, int(int64(d)*rate/int64(time.Second)))
	return &Audio{Data: audioio.EncodeWAV(samples, rate, 1), MIMEType: "audio/wav", Format: "wav"}
}

// FailingSynthesizer returns a mock that always fails with err.
func FailingSynthesizer(err error) *MockSynthesizer {
	return &MockSynthesizer{
		SynthesizeFunc: func(context.Context, SynthesisRequest) (*Audio, error) {
			return nil, synthesisError("mock", err)
		},
	}
}

var (
	_ Transcriber = (*MockTranscriber)(nil)
	_ Synthesizer = (*MockSynthesizer)(nil)
)
