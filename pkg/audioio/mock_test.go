package audioio

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestMockSource_StartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferDuration = 10 * time.Millisecond

	src := NewMockSource(cfg, nil)
	defer src.Close()

	ctx := context.Background()

	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// Starting again should be a no-op
	if err := src.Start(ctx); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("Second Stop failed: %v", err)
	}
}

func TestMockSource_Read(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferDuration = 10 * time.Millisecond

	src := NewMockSource(cfg, nil)
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	chunk, err := src.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if want := cfg.BufferSize() * cfg.Channels; len(chunk.Samples) != want {
		t.Errorf("Expected %d samples, got %d", want, len(chunk.Samples))
	}
	if chunk.SampleRate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", chunk.SampleRate)
	}
	if chunk.Duration() != 10*time.Millisecond {
		t.Errorf("Duration = %v, want 10ms", chunk.Duration())
	}
}

func TestMockSource_StopDrainsThenEOF(t *testing.T) {
	cfg := DefaultConfig()
	script := []AudioChunk{
		{Samples: []int16{1, 2}, SampleRate: 16000, Channels: 1},
		{Samples: []int16{3}, SampleRate: 16000, Channels: 1},
	}
	src := NewMockSource(cfg, nil, WithScript(script...))
	defer src.Close()

	ctx := context.Background()
	if err := src.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := src.Stop(); err != nil {
		t.Fatal(err)
	}

	var got []int16
	for {
		chunk, err := src.Read(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		got = append(got, chunk.Samples...)
	}

	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("drained %v, want [1 2 3]", got)
	}
}

func TestMockSource_SineWave(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferDuration = 10 * time.Millisecond

	src := NewMockSource(cfg, nil, WithSineWave(440, 0.5))
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	chunk, err := src.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if Level(chunk.Samples) < -20 {
		t.Errorf("sine wave level = %.1f dBFS, expected audible signal", Level(chunk.Samples))
	}
}

func TestMockSource_StartError(t *testing.T) {
	boom := errors.New("permission denied")
	src := NewMockSource(DefaultConfig(), nil, WithStartError(boom))

	if err := src.Start(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Start() error = %v, want %v", err, boom)
	}
}

func TestMockSource_Close(t *testing.T) {
	src := NewMockSource(DefaultConfig(), nil)

	ctx := context.Background()
	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !src.Closed() {
		t.Error("Closed() should be true")
	}
	if err := src.Start(ctx); err != io.ErrClosedPipe {
		t.Errorf("Expected ErrClosedPipe after close, got: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}
}

func TestMockSink_WriteAndClear(t *testing.T) {
	sink := NewMockSink(PlaybackConfig(), nil)
	defer sink.Close()

	ctx := context.Background()
	if err := sink.Start(ctx); err != nil {
		t.Fatal(err)
	}

	chunk := AudioChunk{Samples: []int16{1, 2, 3}, SampleRate: 24000, Channels: 1}
	for i := 0; i < 2; i++ {
		if err := sink.Write(ctx, chunk); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	stats := sink.Stats()
	if stats.ChunksWritten != 2 || stats.SamplesWritten != 6 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.BufferedSamples != 6 {
		t.Errorf("BufferedSamples = %d, want 6", stats.BufferedSamples)
	}

	if err := sink.Clear(); err != nil {
		t.Fatal(err)
	}
	if sink.Stats().BufferedSamples != 0 || sink.Clears() != 1 {
		t.Error("Clear should discard buffered audio")
	}
	if len(sink.Samples()) != 6 {
		t.Errorf("Samples() = %d, want 6 recorded", len(sink.Samples()))
	}
}

func TestMockSink_FailWrites(t *testing.T) {
	sink := NewMockSink(PlaybackConfig(), nil)
	ctx := context.Background()
	_ = sink.Start(ctx)

	fault := &DeviceError{Backend: "mock", Op: "write"}
	sink.FailWrites(1, fault)

	chunk := AudioChunk{Samples: []int16{1}}
	var de *DeviceError
	if err := sink.Write(ctx, chunk); !errors.As(err, &de) || de.HasDetail() {
		t.Errorf("first write error = %v, want detail-less DeviceError", err)
	}
	if err := sink.Write(ctx, chunk); err != nil {
		t.Errorf("second write error = %v", err)
	}
}

func TestMockSink_PacingHonorsContext(t *testing.T) {
	sink := NewMockSink(PlaybackConfig(), nil, WithPacing(time.Second))
	_ = sink.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := sink.Write(ctx, AudioChunk{Samples: []int16{1}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Write() error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Write should return promptly on cancellation")
	}
}

func TestMockSink_WriteWhenStopped(t *testing.T) {
	sink := NewMockSink(PlaybackConfig(), nil)

	err := sink.Write(context.Background(), AudioChunk{Samples: []int16{1}})
	var de *DeviceError
	if !errors.As(err, &de) || !de.HasDetail() {
		t.Errorf("Write() before Start error = %v, want DeviceError with detail", err)
	}
}

func TestDeviceErrorMessage(t *testing.T) {
	e := &DeviceError{Backend: "command", Op: "write"}
	if e.Error() != "audioio: command write: device fault" {
		t.Errorf("Error() = %q", e.Error())
	}
	e.Err = io.ErrClosedPipe
	if !errors.Is(e, io.ErrClosedPipe) {
		t.Error("DeviceError should unwrap to its cause")
	}
}

func TestNewSourceMockBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = BackendMock

	src, err := NewSource(cfg, nil)
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	defer src.Close()
	if src.Name() != "mock" {
		t.Errorf("Name() = %q", src.Name())
	}

	cfg.SampleRate = 0
	if _, err := NewSource(cfg, nil); err == nil {
		t.Error("expected validation error")
	}
}
