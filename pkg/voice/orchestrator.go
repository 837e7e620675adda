package voice

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/voxchat/pkg/capture"
	"github.com/teslashibe/voxchat/pkg/chat"
	"github.com/teslashibe/voxchat/pkg/playback"
	"github.com/teslashibe/voxchat/pkg/speech"
)

// State is the orchestrator state.
type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateProcessing State = "processing"
	StatePlaying    State = "playing"
)

// Recorder captures one utterance. *capture.Recorder implements it.
type Recorder interface {
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) (*capture.Blob, error)
	CancelRecording()
}

// Chat runs one correlated exchange. *chat.Correlator implements it.
type Chat interface {
	SendAndAwait(ctx context.Context, content string, meta chat.Metadata, timeout time.Duration) (*chat.Reply, error)
}

// Player plays synthesized audio. *playback.Player implements it.
type Player interface {
	Play(ctx context.Context, audio []byte, mimeType string, opts ...playback.PlayOption) (*playback.Handle, error)
	Stop()
}

// SessionSource supplies the chat session id. *session.Store implements it.
type SessionSource interface {
	SessionID() (string, error)
}

var (
	_ Recorder = (*capture.Recorder)(nil)
	_ Chat     = (*chat.Correlator)(nil)
	_ Player   = (*playback.Player)(nil)
)

// Deps are the components the orchestrator drives.
type Deps struct {
	Recorder    Recorder
	Transcriber speech.Transcriber
	Chat        Chat
	Synthesizer speech.Synthesizer
	Player      Player
}

func (d Deps) validate() error {
	switch {
	case d.Recorder == nil:
		return errors.New("voice: recorder required")
	case d.Transcriber == nil:
		return errors.New("voice: transcriber required")
	case d.Chat == nil:
		return errors.New("voice: chat required")
	case d.Synthesizer == nil:
		return errors.New("voice: synthesizer required")
	case d.Player == nil:
		return errors.New("voice: player required")
	}
	return nil
}

// Snapshot is the orchestrator's public state.
type Snapshot struct {
	State      State   `json:"state"`
	Error      string  `json:"error,omitempty"`
	Transcript string  `json:"transcript"`
	Response   string  `json:"response"`
	Metrics    Metrics `json:"metrics"`
}

// Orchestrator sequences capture, transcription, chat, synthesis and
// playback for one spoken turn at a time.
type Orchestrator struct {
	deps     Deps
	cfg      Config
	sessions SessionSource
	metrics  *MetricsCollector
	logger   *slog.Logger

	mu         sync.Mutex
	state      State
	errMsg     string
	err        error
	transcript string
	response   string
	gen        uint64
	acquiring  uint64
	runCancel  context.CancelFunc
	handle     *playback.Handle

	lmu       sync.Mutex
	listeners map[int]func(Snapshot)
	nextID    int
}

// New creates an orchestrator in the idle state.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	o := options{cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	if o.metrics == nil {
		o.metrics = NewMetricsCollector()
	}
	logger := o.cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		deps:      deps,
		cfg:       o.cfg,
		sessions:  o.sessions,
		metrics:   o.metrics,
		logger:    logger.With("component", "voice.orchestrator"),
		state:     StateIdle,
		listeners: make(map[int]func(Snapshot)),
	}, nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Err returns the error behind the current error message, if any.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Snapshot returns the public state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	return Snapshot{
		State:      o.state,
		Error:      o.errMsg,
		Transcript: o.transcript,
		Response:   o.response,
		Metrics:    o.metrics.Current(),
	}
}

// Metrics returns the collector recording per-turn latencies.
func (o *Orchestrator) Metrics() *MetricsCollector {
	return o.metrics
}

// Config returns the configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// OnChange registers fn to receive a snapshot after every change.
// fn runs on the goroutine that made the change. The returned func
// removes the listener.
func (o *Orchestrator) OnChange(fn func(Snapshot)) func() {
	o.lmu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = fn
	o.lmu.Unlock()

	return func() {
		o.lmu.Lock()
		delete(o.listeners, id)
		o.lmu.Unlock()
	}
}

func (o *Orchestrator) emit(s Snapshot) {
	o.lmu.Lock()
	fns := make([]func(Snapshot), 0, len(o.listeners))
	// registration order
	for i := 0; i < o.nextID; i++ {
		if fn, ok := o.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	o.lmu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// StartRecording moves idle → recording and acquires the microphone.
// From any other state it returns ErrBusy and leaves the active turn alone.
func (o *Orchestrator) StartRecording(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		state := o.state
		o.mu.Unlock()
		o.logger.Debug("start ignored", "state", state)
		return ErrBusy
	}
	o.gen++
	gen := o.gen
	o.state = StateRecording
	o.acquiring = gen
	o.clearErrorLocked()
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.emit(snap)

	err := o.deps.Recorder.StartRecording(ctx)

	o.mu.Lock()
	if o.acquiring == gen {
		o.acquiring = 0
	}
	if o.gen != gen {
		// canceled while the device was being acquired; a newer
		// recording, if any, has already replaced this session
		stale := o.state == StateIdle
		o.mu.Unlock()
		if stale {
			o.deps.Recorder.CancelRecording()
		}
		if err != nil {
			return err
		}
		return ErrCanceled
	}
	if err != nil {
		o.state = StateIdle
		o.setErrorLocked(StepCapture, err)
		snap = o.snapshotLocked()
		o.mu.Unlock()
		o.logger.Error("recording failed to start", "error", err)
		o.emit(snap)
		return err
	}
	o.mu.Unlock()

	o.logger.Info("recording started")
	return nil
}

// StopAndProcess ends the recording and runs the rest of the turn:
// transcribe, chat, synthesize and play. It returns ErrNotRecording outside
// recording and ErrBusy while the microphone is still being acquired.
//
// It returns once playback has ended, failed or been canceled. Each step
// runs once; a failure returns the orchestrator to idle with the error
// message set and is returned as a *StepError. A turn superseded by Cancel
// returns ErrCanceled.
func (o *Orchestrator) StopAndProcess(ctx context.Context) error {
	done, err := o.StartProcessing(ctx)
	if err != nil {
		return err
	}
	return <-done
}

// StartProcessing is StopAndProcess without the wait. The recording is
// checked and the orchestrator enters processing before it returns; the
// rest of the turn runs in the background and its result is delivered on
// the returned channel.
func (o *Orchestrator) StartProcessing(ctx context.Context) (<-chan error, error) {
	o.mu.Lock()
	if o.state != StateRecording {
		o.mu.Unlock()
		return nil, ErrNotRecording
	}
	if o.acquiring != 0 {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	o.gen++
	gen := o.gen
	runCtx, cancel := context.WithCancel(ctx)
	o.runCancel = cancel
	o.state = StateProcessing
	o.clearErrorLocked()
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.metrics.Begin()
	o.emit(snap)

	done := make(chan error, 1)
	go func() {
		defer cancel()
		err := o.run(runCtx, gen)
		switch {
		case err == nil:
			o.metrics.Finish(OutcomeOK, "")
		case errors.Is(err, ErrCanceled):
			o.metrics.Finish(OutcomeCanceled, "")
		default:
			o.metrics.Finish(OutcomeFailed, FailedStep(err))
		}
		done <- err
	}()
	return done, nil
}

func (o *Orchestrator) run(ctx context.Context, gen uint64) error {
	logger := o.logger.With("turn", o.metrics.Current().Turn)

	// capture
	blob, err := o.deps.Recorder.StopRecording(ctx)
	if !o.current(gen) {
		return ErrCanceled
	}
	if err != nil {
		return o.fail(gen, StepCapture, err)
	}
	o.metrics.MarkCaptured(blob.Duration)
	logger.Debug("recording finished", "bytes", len(blob.Data), "duration", blob.Duration)

	// transcribe
	tr, err := o.deps.Transcriber.Transcribe(ctx, bytes.NewReader(blob.Data), blob.Filename())
	if !o.current(gen) {
		return ErrCanceled
	}
	if err != nil {
		return o.fail(gen, StepTranscribe, err)
	}
	text := strings.TrimSpace(tr.Text)
	if !o.update(gen, func() { o.transcript = text }) {
		return ErrCanceled
	}
	o.metrics.MarkTranscript(len(text))
	if text == "" {
		return o.fail(gen, StepTranscribe, ErrEmptyTranscript)
	}
	logger.Info("transcribed", "text", text)

	// chat
	reply, err := o.deps.Chat.SendAndAwait(ctx, text, o.metadata(), o.cfg.ChatTimeout)
	if !o.current(gen) {
		return ErrCanceled
	}
	if err != nil {
		return o.fail(gen, StepChat, err)
	}
	answer := strings.TrimSpace(reply.Text)
	if !o.update(gen, func() { o.response = answer }) {
		return ErrCanceled
	}
	o.metrics.MarkResponse(len(answer), reply.TokensUsed)
	if answer == "" {
		return o.fail(gen, StepChat, ErrEmptyResponse)
	}
	logger.Info("response received", "chars", len(answer), "tokens", reply.TokensUsed, "message_id", reply.MessageID)

	// synthesize
	audio, err := o.deps.Synthesizer.Synthesize(ctx, o.synthesisRequest(answer))
	if !o.current(gen) {
		return ErrCanceled
	}
	if err != nil {
		return o.fail(gen, StepSynthesize, err)
	}
	if audio == nil || len(audio.Data) == 0 {
		return o.fail(gen, StepSynthesize, ErrEmptyAudio)
	}
	o.metrics.MarkAudio(len(audio.Data))
	logger.Debug("speech synthesized", "bytes", len(audio.Data), "mime", audio.MIMEType)

	// play
	h, err := o.deps.Player.Play(ctx, audio.Data, audio.MIMEType,
		playback.OnStart(func() {
			if o.update(gen, func() { o.state = StatePlaying }) {
				o.metrics.MarkPlaybackStart()
			}
		}),
	)
	if err != nil {
		if !o.current(gen) {
			return ErrCanceled
		}
		return o.fail(gen, StepPlay, err)
	}
	if !o.hold(gen, h) {
		_ = h.Stop()
		return ErrCanceled
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
		_ = h.Stop()
	}

	if !o.current(gen) {
		return ErrCanceled
	}
	switch err := h.Err(); {
	case err == nil:
	case playback.IsStopped(err):
		if ctx.Err() != nil {
			return o.fail(gen, StepPlay, ctx.Err())
		}
		// stopped from outside the orchestrator
		o.finish(gen)
		return ErrCanceled
	default:
		return o.fail(gen, StepPlay, err)
	}

	o.finish(gen)
	logger.Info("turn complete")
	return nil
}

// current reports whether gen is still the active generation.
func (o *Orchestrator) current(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen == gen
}

// update applies fn and notifies listeners if gen is still active.
func (o *Orchestrator) update(gen uint64, fn func()) bool {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return false
	}
	fn()
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.emit(snap)
	return true
}

func (o *Orchestrator) hold(gen uint64, h *playback.Handle) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen {
		return false
	}
	o.handle = h
	return true
}

// finish returns to idle after a completed turn.
func (o *Orchestrator) finish(gen uint64) {
	o.update(gen, func() {
		o.state = StateIdle
		o.handle = nil
		o.runCancel = nil
	})
}

// fail aborts the turn: idle, error message set, held resources released.
func (o *Orchestrator) fail(gen uint64, step Step, err error) error {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return ErrCanceled
	}
	h := o.handle
	o.state = StateIdle
	o.handle = nil
	o.runCancel = nil
	o.setErrorLocked(step, err)
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.deps.Recorder.CancelRecording()
	if h != nil {
		_ = h.Stop()
	}

	o.logger.Error("turn failed", "step", step, "error", err)
	o.emit(snap)
	return &StepError{Step: step, Err: err}
}

// Cancel stops whatever is in progress and returns to idle with no error.
// It is safe to call from any state and never fails.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	o.gen++
	prev := o.state
	cancel := o.runCancel
	h := o.handle
	o.runCancel = nil
	o.handle = nil
	o.state = StateIdle
	o.clearErrorLocked()
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.deps.Recorder.CancelRecording()
	switch {
	case h != nil:
		_ = h.Stop()
	case prev == StateProcessing || prev == StatePlaying:
		// playback may have started before its handle was recorded
		o.deps.Player.Stop()
	}
	if cancel != nil {
		cancel()
	}

	if prev != StateIdle {
		o.logger.Info("turn canceled", "state", prev)
	}
	o.emit(snap)
}

// Reset cancels and clears the transcript and response.
func (o *Orchestrator) Reset() {
	o.Cancel()

	o.mu.Lock()
	o.transcript = ""
	o.response = ""
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.emit(snap)
}

// ClearError clears the error message.
func (o *Orchestrator) ClearError() {
	o.mu.Lock()
	if o.errMsg == "" && o.err == nil {
		o.mu.Unlock()
		return
	}
	o.clearErrorLocked()
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.emit(snap)
}

func (o *Orchestrator) setErrorLocked(step Step, err error) {
	o.err = &StepError{Step: step, Err: err}
	o.errMsg = describe(step, err)
}

func (o *Orchestrator) clearErrorLocked() {
	o.err = nil
	o.errMsg = ""
}

func (o *Orchestrator) metadata() chat.Metadata {
	meta := chat.Metadata{
		SystemPrompt: o.cfg.SystemPrompt,
		FileIDs:      o.cfg.FileIDs,
		Provider:     o.cfg.ChatProvider,
		Model:        o.cfg.ChatModel,
		Temperature:  o.cfg.Temperature,
		MaxTokens:    o.cfg.MaxTokens,
	}
	if o.cfg.PersonaID != 0 {
		id := o.cfg.PersonaID
		meta.PersonaID = &id
	}
	if o.sessions != nil {
		id, err := o.sessions.SessionID()
		if err != nil {
			o.logger.Warn("session id unavailable", "error", err)
		} else {
			meta.SessionID = id
		}
	}
	return meta
}

func (o *Orchestrator) synthesisRequest(text string) speech.SynthesisRequest {
	req := speech.NewSynthesisRequest(text)
	if o.cfg.Voice != "" {
		req.Voice = o.cfg.Voice
	}
	if o.cfg.TTSModel != "" {
		req.Model = o.cfg.TTSModel
	}
	if o.cfg.Format != "" {
		req.Format = o.cfg.Format
	}
	if o.cfg.Speed > 0 {
		req.Speed = o.cfg.Speed
	}
	req.Extra = o.cfg.SynthesisExtra
	return req
}
