package audioio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// stopGrace is how long a capture tool gets to flush after SIGINT.
const stopGrace = 2 * time.Second

// captureArgs returns the tool and arguments that write raw PCM16 to stdout.
func captureArgs(cfg Config) (string, []string) {
	rate := strconv.Itoa(cfg.SampleRate)
	channels := strconv.Itoa(cfg.Channels)

	if runtime.GOOS == "darwin" {
		in := []string{"-d"}
		if cfg.Device != "" {
			in = []string{"-t", "coreaudio", cfg.Device}
		}
		args := append([]string{"-q"}, in...)
		return "sox", append(args, "-t", "raw", "-b", "16", "-e", "signed-integer", "-L", "-c", channels, "-r", rate, "-")
	}

	args := []string{"-q", "-t", "raw", "-f", "S16_LE", "-r", rate, "-c", channels}
	if cfg.Device != "" {
		args = append(args, "-D", cfg.Device)
	}
	return "arecord", args
}

// playbackArgs returns the tool and arguments that play raw PCM16 from stdin.
func playbackArgs(cfg Config) (string, []string) {
	rate := strconv.Itoa(cfg.SampleRate)
	channels := strconv.Itoa(cfg.Channels)

	if runtime.GOOS == "darwin" {
		out := []string{"-d"}
		if cfg.Device != "" {
			out = []string{"-t", "coreaudio", cfg.Device}
		}
		args := []string{"-q", "-t", "raw", "-b", "16", "-e", "signed-integer", "-L", "-c", channels, "-r", rate, "-"}
		return "sox", append(args, out...)
	}

	args := []string{"-q", "-t", "raw", "-f", "S16_LE", "-r", rate, "-c", channels}
	if cfg.Device != "" {
		args = append(args, "-D", cfg.Device)
	}
	return "aplay", append(args, "-")
}

// commandsAvailable reports whether the capture and playback tools are installed.
func commandsAvailable() bool {
	cfg := DefaultConfig()
	rec, _ := captureArgs(cfg)
	play, _ := playbackArgs(cfg)
	if _, err := exec.LookPath(rec); err != nil {
		return false
	}
	if _, err := exec.LookPath(play); err != nil {
		return false
	}
	return true
}

// CommandSource captures audio by reading the stdout of arecord or sox.
type CommandSource struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	running bool
	stopped bool
	closed  bool
	ch      chan AudioChunk
	done    chan struct{}

	chunksRead  atomic.Int64
	samplesRead atomic.Int64
	overruns    atomic.Int64
}

func newCommandSource(cfg Config, logger *slog.Logger) (*CommandSource, error) {
	name, _ := captureArgs(cfg)
	if _, err := exec.LookPath(name); err != nil {
		return nil, &DeviceError{Backend: "command", Op: "open", Err: err}
	}
	return &CommandSource{
		cfg:    cfg,
		logger: logger.With("component", "audioio.command_source", "tool", name),
		ch:     make(chan AudioChunk, 512),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the capture tool.
func (s *CommandSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running || s.stopped {
		return nil
	}

	name, args := captureArgs(s.cfg)
	cmd := exec.Command(name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &DeviceError{Backend: "command", Op: "start", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &DeviceError{Backend: "command", Op: "start", Err: err}
	}

	s.cmd = cmd
	s.running = true
	go s.readLoop(stdout)

	s.logger.Debug("capture started", "args", args)
	return nil
}

func (s *CommandSource) readLoop(r io.Reader) {
	defer close(s.done)
	defer close(s.ch)

	buf := make([]byte, s.cfg.BufferBytes())
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			var chunk AudioChunk
			chunk.FromBytes(buf[:n-n%2], s.cfg.SampleRate, s.cfg.Channels)
			select {
			case s.ch <- chunk:
				s.chunksRead.Add(1)
				s.samplesRead.Add(int64(len(chunk.Samples)))
			default:
				s.overruns.Add(1)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.logger.Warn("capture read failed", "error", err)
			}
			return
		}
	}
}

// Stop interrupts the capture tool and waits for it to flush its
// final block.
func (s *CommandSource) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cmd, wasRunning := s.cmd, s.running
	s.running = false
	s.mu.Unlock()

	if !wasRunning {
		close(s.ch)
		close(s.done)
		return nil
	}

	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-s.done:
	case <-time.After(stopGrace):
		s.logger.Warn("capture tool ignored interrupt, killing")
		_ = cmd.Process.Kill()
		<-s.done
	}
	// arecord exits non-zero on SIGINT
	_ = cmd.Wait()
	return nil
}

// Read returns the next captured chunk.
func (s *CommandSource) Read(ctx context.Context) (AudioChunk, error) {
	select {
	case <-ctx.Done():
		return AudioChunk{}, ctx.Err()
	case chunk, ok := <-s.ch:
		if !ok {
			return AudioChunk{}, io.EOF
		}
		return chunk, nil
	}
}

// Config returns the audio configuration.
func (s *CommandSource) Config() Config { return s.cfg }

// Name returns "command".
func (s *CommandSource) Name() string { return "command" }

// Close stops the tool if it is still running.
func (s *CommandSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.Stop()
}

// Stats returns source statistics.
func (s *CommandSource) Stats() SourceStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return SourceStats{
		ChunksRead:  s.chunksRead.Load(),
		SamplesRead: s.samplesRead.Load(),
		Overruns:    s.overruns.Load(),
		Running:     running,
		Backend:     "command",
	}
}

var _ SourceWithStats = (*CommandSource)(nil)

// CommandSink plays audio by writing to the stdin of aplay or sox.
// The tool is started lazily on the first Write and restarted after
// Flush or Clear.
type CommandSink struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	running bool
	closed  bool

	chunksWritten  atomic.Int64
	samplesWritten atomic.Int64
}

func newCommandSink(cfg Config, logger *slog.Logger) (*CommandSink, error) {
	name, _ := playbackArgs(cfg)
	if _, err := exec.LookPath(name); err != nil {
		return nil, &DeviceError{Backend: "command", Op: "open", Err: err}
	}
	return &CommandSink{
		cfg:    cfg,
		logger: logger.With("component", "audioio.command_sink", "tool", name),
	}, nil
}

// Start marks the sink ready. The tool is spawned on first Write.
func (s *CommandSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	s.running = true
	return nil
}

func (s *CommandSink) spawnLocked() error {
	name, args := playbackArgs(s.cfg)
	cmd := exec.Command(name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	s.cmd = cmd
	s.stdin = stdin
	return nil
}

// Write pipes a chunk to the playback tool.
func (s *CommandSink) Write(ctx context.Context, chunk AudioChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.running {
		return &DeviceError{Backend: "command", Op: "write", Err: io.ErrClosedPipe}
	}
	if s.cmd == nil {
		if err := s.spawnLocked(); err != nil {
			return &DeviceError{Backend: "command", Op: "start", Err: err}
		}
	}

	if _, err := s.stdin.Write(chunk.Bytes()); err != nil {
		s.killLocked()
		return &DeviceError{Backend: "command", Op: "write", Err: err}
	}

	s.chunksWritten.Add(1)
	s.samplesWritten.Add(int64(len(chunk.Samples)))
	return nil
}

// Flush closes the tool's input and waits for it to finish playing.
func (s *CommandSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	cmd, stdin := s.cmd, s.stdin
	s.cmd, s.stdin = nil, nil
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}
	_ = stdin.Close()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		if err != nil {
			return &DeviceError{Backend: "command", Op: "flush", Err: err}
		}
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return ctx.Err()
	}
}

// Clear kills the tool, dropping whatever it has buffered.
func (s *CommandSink) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killLocked()
	return nil
}

func (s *CommandSink) killLocked() {
	if s.cmd == nil {
		return
	}
	_ = s.stdin.Close()
	_ = s.cmd.Process.Kill()
	_ = s.cmd.Wait()
	s.cmd, s.stdin = nil, nil
}

// Stop halts playback immediately.
func (s *CommandSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killLocked()
	s.running = false
	return nil
}

// Config returns the audio configuration.
func (s *CommandSink) Config() Config { return s.cfg }

// Name returns "command".
func (s *CommandSink) Name() string { return "command" }

// Close releases the device.
func (s *CommandSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killLocked()
	s.running = false
	s.closed = true
	return nil
}

// Stats returns sink statistics.
func (s *CommandSink) Stats() SinkStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return SinkStats{
		ChunksWritten:  s.chunksWritten.Load(),
		SamplesWritten: s.samplesWritten.Load(),
		Running:        running,
		Backend:        "command",
	}
}

var _ SinkWithStats = (*CommandSink)(nil)
