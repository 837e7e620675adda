package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/voxchat/pkg/audioio"
	"github.com/teslashibe/voxchat/pkg/capture"
	"github.com/teslashibe/voxchat/pkg/chat"
	"github.com/teslashibe/voxchat/pkg/playback"
	"github.com/teslashibe/voxchat/pkg/speech"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeRecorder struct {
	mu       sync.Mutex
	starts   int
	stops    int
	cancels  int
	active   bool
	startErr error
	stopErr  error
	gate     chan struct{}
}

func (r *fakeRecorder) StartRecording(ctx context.Context) error {
	r.mu.Lock()
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if r.startErr != nil {
		return r.startErr
	}
	r.active = true
	return nil
}

func (r *fakeRecorder) StopRecording(ctx context.Context) (*capture.Blob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	if !r.active {
		return nil, capture.ErrNoActiveSession
	}
	r.active = false
	if r.stopErr != nil {
		return nil, r.stopErr
	}
	return &capture.Blob{
		Data:       audioio.EncodeWAV(make([]int16, 1600), 16000, 1),
		MIMEType:   "audio/wav",
		SampleRate: 16000,
		Channels:   1,
		Duration:   100 * time.Millisecond,
	}, nil
}

func (r *fakeRecorder) CancelRecording() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels++
	r.active = false
}

func (r *fakeRecorder) isActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

type chatCall struct {
	content string
	meta    chat.Metadata
	timeout time.Duration
}

type fakeChat struct {
	mu    sync.Mutex
	reply *chat.Reply
	err   error
	gate  chan struct{}
	calls []chatCall
}

func (c *fakeChat) SendAndAwait(ctx context.Context, content string, meta chat.Metadata, timeout time.Duration) (*chat.Reply, error) {
	c.mu.Lock()
	c.calls = append(c.calls, chatCall{content, meta, timeout})
	gate, reply, err := c.gate, c.reply, c.err
	c.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *fakeChat) Calls() []chatCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chatCall(nil), c.calls...)
}

type fixedSession string

func (s fixedSession) SessionID() (string, error) { return string(s), nil }

type harness struct {
	orch   *Orchestrator
	rec    *fakeRecorder
	stt    *speech.MockTranscriber
	chat   *fakeChat
	tts    *speech.MockSynthesizer
	sink   *audioio.MockSink
	player *playback.Player

	mu     sync.Mutex
	states []State
}

func newHarness(t *testing.T, sinkOpts ...audioio.MockSinkOption) *harness {
	t.Helper()

	h := &harness{
		rec:  &fakeRecorder{},
		stt:  speech.NewMockTranscriber("what time is it"),
		chat: &fakeChat{reply: &chat.Reply{Text: "It is noon.", MessageID: "m1", TokensUsed: 4}},
		tts:  speech.NewMockSynthesizer(),
		sink: audioio.NewMockSink(audioio.PlaybackConfig(), quiet, sinkOpts...),
	}
	h.player = playback.NewPlayer(h.sink, playback.WithLogger(quiet))

	orch, err := New(Deps{
		Recorder:    h.rec,
		Transcriber: h.stt,
		Chat:        h.chat,
		Synthesizer: h.tts,
		Player:      h.player,
	}, WithSessions(fixedSession("sess-1")), WithLogger(quiet))
	require.NoError(t, err)
	h.orch = orch

	orch.OnChange(func(s Snapshot) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if n := len(h.states); n == 0 || h.states[n-1] != s.State {
			h.states = append(h.states, s.State)
		}
	})
	return h
}

func (h *harness) seen() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func (h *harness) waitFor(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.orch.State() == want }, 3*time.Second, time.Millisecond)
}

func (h *harness) processAsync() <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.orch.StopAndProcess(context.Background()) }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("StopAndProcess did not return")
		return nil
	}
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)

	h := newHarness(t)
	_, err = New(h.orch.deps, WithChatTimeout(0))
	assert.Error(t, err)
}

func TestFullTurn(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.orch.StartRecording(context.Background()))
	assert.Equal(t, StateRecording, h.orch.State())

	require.NoError(t, h.orch.StopAndProcess(context.Background()))

	snap := h.orch.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Error)
	assert.Equal(t, "what time is it", snap.Transcript)
	assert.Equal(t, "It is noon.", snap.Response)
	assert.Equal(t, OutcomeOK, snap.Metrics.Outcome)
	assert.Equal(t, 4, snap.Metrics.TokensUsed)

	assert.Equal(t, []State{StateRecording, StateProcessing, StatePlaying, StateIdle}, h.seen())

	calls := h.chat.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "what time is it", calls[0].content)
	assert.Equal(t, "sess-1", calls[0].meta.SessionID)
	require.NotNil(t, calls[0].meta.PersonaID)
	assert.Equal(t, DefaultPersonaID, *calls[0].meta.PersonaID)
	assert.Equal(t, DefaultSystemPrompt, calls[0].meta.SystemPrompt)
	assert.Equal(t, DefaultChatTimeout, calls[0].timeout)

	require.Equal(t, 1, h.tts.CallCount())
	assert.Equal(t, "It is noon.", h.tts.Calls()[0].Input)
	assert.Equal(t, "recording.wav", h.stt.Calls()[0].Input)

	assert.NotEmpty(t, h.sink.Samples())
	assert.Equal(t, int64(1), h.player.Stats().Released)
}

func TestStartRecordingDeviceUnavailable(t *testing.T) {
	h := newHarness(t)
	h.rec.startErr = errors.Join(capture.ErrDeviceUnavailable, errors.New("permission denied"))

	err := h.orch.StartRecording(context.Background())
	assert.ErrorIs(t, err, capture.ErrDeviceUnavailable)

	snap := h.orch.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Contains(t, snap.Error, "Microphone unavailable")
	assert.Equal(t, StepCapture, FailedStep(h.orch.Err()))

	// next successful transition clears the error
	h.rec.startErr = nil
	require.NoError(t, h.orch.StartRecording(context.Background()))
	assert.Empty(t, h.orch.Snapshot().Error)
}

func TestStartRecordingWhenBusy(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.StartRecording(context.Background()))

	assert.ErrorIs(t, h.orch.StartRecording(context.Background()), ErrBusy)
	assert.Equal(t, 1, h.rec.starts)
	assert.True(t, h.rec.isActive())
	assert.Equal(t, StateRecording, h.orch.State())
}

func TestStopAndProcessRequiresRecording(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.orch.StopAndProcess(context.Background()), ErrNotRecording)
	assert.Equal(t, 0, h.rec.stops)
}

func TestStartProcessingChecksBeforeReturning(t *testing.T) {
	h := newHarness(t)

	done, err := h.orch.StartProcessing(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)
	assert.Nil(t, done)

	h.chat.gate = make(chan struct{})
	require.NoError(t, h.orch.StartRecording(context.Background()))
	done, err = h.orch.StartProcessing(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, h.orch.State())

	// a second stop loses the race
	_, err = h.orch.StartProcessing(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)

	close(h.chat.gate)
	require.NoError(t, waitErr(t, done))
	assert.Equal(t, "It is noon.", h.orch.Snapshot().Response)
	assert.Equal(t, OutcomeOK, h.orch.Metrics().Current().Outcome)
}

func TestStepFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(h *harness)
		step       Step
		cause      error
		message    string
		transcript string
		response   string
	}{
		{
			name:    "empty transcript",
			setup:   func(h *harness) { h.stt.Text = "   " },
			step:    StepTranscribe,
			cause:   ErrEmptyTranscript,
			message: "No speech was recognized in the recording.",
		},
		{
			name: "transcription error",
			setup: func(h *harness) {
				h.stt.TranscribeFunc = func(context.Context, []byte, string) (*speech.Transcript, error) {
					return nil, speech.ErrTranscriptionFailed
				}
			},
			step:  StepTranscribe,
			cause: speech.ErrTranscriptionFailed,
		},
		{
			name:       "chat timeout",
			setup:      func(h *harness) { h.chat.err = chat.ErrResponseTimeout },
			step:       StepChat,
			cause:      chat.ErrResponseTimeout,
			message:    "The assistant took too long to respond.",
			transcript: "what time is it",
		},
		{
			name:       "remote error",
			setup:      func(h *harness) { h.chat.err = &chat.RemoteError{Message: "boom"} },
			step:       StepChat,
			message:    "boom",
			transcript: "what time is it",
		},
		{
			name:       "empty response",
			setup:      func(h *harness) { h.chat.reply = &chat.Reply{Text: ""} },
			step:       StepChat,
			cause:      ErrEmptyResponse,
			transcript: "what time is it",
		},
		{
			name: "empty audio",
			setup: func(h *harness) {
				h.tts.SynthesizeFunc = func(context.Context, speech.SynthesisRequest) (*speech.Audio, error) {
					return &speech.Audio{MIMEType: "audio/mpeg"}, nil
				}
			},
			step:       StepSynthesize,
			cause:      ErrEmptyAudio,
			transcript: "what time is it",
			response:   "It is noon.",
		},
		{
			name: "undecodable audio",
			setup: func(h *harness) {
				h.tts.SynthesizeFunc = func(context.Context, speech.SynthesisRequest) (*speech.Audio, error) {
					return &speech.Audio{Data: []byte("nope"), MIMEType: "audio/flac"}, nil
				}
			},
			step:       StepPlay,
			cause:      playback.ErrUnsupportedFormat,
			transcript: "what time is it",
			response:   "It is noon.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)

			require.NoError(t, h.orch.StartRecording(context.Background()))
			err := h.orch.StopAndProcess(context.Background())

			var se *StepError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.step, se.Step)
			if tt.cause != nil {
				assert.ErrorIs(t, err, tt.cause)
			}

			snap := h.orch.Snapshot()
			assert.Equal(t, StateIdle, snap.State)
			assert.NotEmpty(t, snap.Error)
			if tt.message != "" {
				assert.Equal(t, tt.message, snap.Error)
			}
			assert.Equal(t, tt.transcript, snap.Transcript)
			assert.Equal(t, tt.response, snap.Response)
			assert.Equal(t, OutcomeFailed, snap.Metrics.Outcome)
			assert.Equal(t, tt.step, snap.Metrics.FailedStep)
			assert.False(t, h.rec.isActive())

			h.orch.ClearError()
			assert.Empty(t, h.orch.Snapshot().Error)
		})
	}
}

func TestCaptureFailureReleasesDevice(t *testing.T) {
	h := newHarness(t)
	h.rec.stopErr = errors.New("encoder exploded")

	require.NoError(t, h.orch.StartRecording(context.Background()))
	err := h.orch.StopAndProcess(context.Background())
	assert.Equal(t, StepCapture, FailedStep(err))
	assert.Equal(t, 1, h.rec.cancels)
	assert.Equal(t, 0, h.stt.CallCount())
}

func TestCancelWhilePlaying(t *testing.T) {
	h := newHarness(t, audioio.WithPacing(10*time.Millisecond))
	h.chat.reply = &chat.Reply{Text: strings.Repeat("a long answer ", 20)}

	require.NoError(t, h.orch.StartRecording(context.Background()))
	done := h.processAsync()
	h.waitFor(t, StatePlaying)

	h.orch.Cancel()
	snap := h.orch.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Error)
	assert.False(t, h.player.Playing())

	assert.ErrorIs(t, waitErr(t, done), ErrCanceled)

	stats := h.player.Stats()
	assert.Equal(t, int64(1), stats.Released)
	assert.Equal(t, int64(1), stats.Stopped)
	assert.Equal(t, 1, h.sink.Clears())
	assert.Equal(t, StateIdle, h.orch.State())
	assert.Equal(t, OutcomeCanceled, h.orch.Metrics().Current().Outcome)
}

func TestCancelDropsLateChatResult(t *testing.T) {
	h := newHarness(t)
	h.chat.gate = make(chan struct{})

	require.NoError(t, h.orch.StartRecording(context.Background()))
	done := h.processAsync()
	require.Eventually(t, func() bool { return len(h.chat.Calls()) == 1 }, 3*time.Second, time.Millisecond)

	h.orch.Cancel()
	close(h.chat.gate)

	assert.ErrorIs(t, waitErr(t, done), ErrCanceled)

	snap := h.orch.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Error)
	assert.Equal(t, "what time is it", snap.Transcript)
	assert.Empty(t, snap.Response)
	assert.Equal(t, 0, h.tts.CallCount())
	assert.Equal(t, int64(0), h.player.Stats().Released)
}

func TestCancelDuringDeviceAcquisition(t *testing.T) {
	h := newHarness(t)
	h.rec.gate = make(chan struct{})

	started := make(chan error, 1)
	go func() { started <- h.orch.StartRecording(context.Background()) }()
	h.waitFor(t, StateRecording)

	assert.ErrorIs(t, h.orch.StopAndProcess(context.Background()), ErrBusy)
	_, err := h.orch.StartProcessing(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	h.orch.Cancel()
	close(h.rec.gate)

	select {
	case err := <-started:
		assert.ErrorIs(t, err, ErrCanceled)
	case <-time.After(3 * time.Second):
		t.Fatal("StartRecording did not return")
	}
	assert.False(t, h.rec.isActive())
	assert.Equal(t, StateIdle, h.orch.State())
}

func TestCancelIsSafeFromAnyState(t *testing.T) {
	h := newHarness(t)

	h.orch.Cancel()
	h.orch.Cancel()
	assert.Equal(t, StateIdle, h.orch.State())

	require.NoError(t, h.orch.StartRecording(context.Background()))
	h.orch.Cancel()
	assert.Equal(t, StateIdle, h.orch.State())
	assert.False(t, h.rec.isActive())

	// a fresh turn works after cancel
	require.NoError(t, h.orch.StartRecording(context.Background()))
	require.NoError(t, h.orch.StopAndProcess(context.Background()))
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.StartRecording(context.Background()))
	require.NoError(t, h.orch.StopAndProcess(context.Background()))
	require.NotEmpty(t, h.orch.Snapshot().Response)

	h.orch.Reset()
	snap := h.orch.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Transcript)
	assert.Empty(t, snap.Response)
}

func TestOnChangeUnsubscribe(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	count := 0
	remove := h.orch.OnChange(func(Snapshot) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	require.NoError(t, h.orch.StartRecording(context.Background()))
	remove()
	h.orch.Cancel()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestSynthesisRequestUsesConfig(t *testing.T) {
	h := newHarness(t)
	orch, err := New(h.orch.deps,
		WithVoice("alloy", "tts-1-hd"),
		WithSpeed(1.25),
		WithFormat("wav"),
		WithSynthesisExtra(map[string]any{"style": 0.2}),
		WithPersonaID(0),
		WithSystemPrompt(""),
		WithLogger(quiet),
	)
	require.NoError(t, err)

	var got speech.SynthesisRequest
	h.tts.SynthesizeFunc = func(_ context.Context, req speech.SynthesisRequest) (*speech.Audio, error) {
		got = req
		return speech.SilentAudio(40 * time.Millisecond), nil
	}

	require.NoError(t, orch.StartRecording(context.Background()))
	require.NoError(t, orch.StopAndProcess(context.Background()))

	assert.Equal(t, "alloy", got.Voice)
	assert.Equal(t, "tts-1-hd", got.Model)
	assert.Equal(t, "wav", got.Format)
	assert.Equal(t, 1.25, got.Speed)
	assert.Equal(t, 0.2, got.Extra["style"])

	meta := h.chat.Calls()[0].meta
	assert.Nil(t, meta.PersonaID)
	assert.Empty(t, meta.SystemPrompt)
	assert.Empty(t, meta.SessionID)
}
