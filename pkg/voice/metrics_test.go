package voice

import (
	"testing"
	"time"
)

func TestMetricsTurn(t *testing.T) {
	m := NewMetricsCollector()

	m.Begin()
	m.MarkCaptured(2 * time.Second)
	m.MarkTranscript(12)
	m.MarkFirstToken()
	first := m.Current().FirstTokenTime
	m.MarkFirstToken()
	m.MarkResponse(40, 9)
	m.MarkAudio(1024)
	m.MarkPlaybackStart()
	m.Finish(OutcomeOK, "")

	cur := m.Current()
	if cur.Turn != 1 {
		t.Errorf("turn = %d", cur.Turn)
	}
	if cur.RecordingDuration != 2*time.Second {
		t.Errorf("recording = %v", cur.RecordingDuration)
	}
	if !cur.FirstTokenTime.Equal(first) {
		t.Error("first token time should not move")
	}
	if cur.TranscriptChars != 12 || cur.ResponseChars != 40 || cur.TokensUsed != 9 || cur.AudioBytes != 1024 {
		t.Errorf("counts = %+v", cur)
	}
	if cur.TotalLatency < cur.FirstAudio {
		t.Errorf("total %v < first audio %v", cur.TotalLatency, cur.FirstAudio)
	}

	// a second Finish does not archive again
	m.Finish(OutcomeFailed, StepChat)
	if got := len(m.History()); got != 1 {
		t.Errorf("history = %d", got)
	}
	if m.Current().Outcome != OutcomeOK {
		t.Errorf("outcome = %s", m.Current().Outcome)
	}
}

func TestMetricsIgnoreMarksOutsideTurn(t *testing.T) {
	m := NewMetricsCollector()
	m.MarkFirstToken()
	m.MarkPlaybackStart()
	m.Finish(OutcomeOK, "")

	if !m.Current().FirstTokenTime.IsZero() || !m.Current().PlaybackTime.IsZero() {
		t.Error("marks before Begin should be ignored")
	}
	if len(m.History()) != 0 {
		t.Error("nothing should be archived")
	}
}

func TestMetricsAverageSkipsFailedTurns(t *testing.T) {
	m := &MetricsCollector{
		history: []Metrics{
			{Outcome: OutcomeOK, ASRLatency: 100 * time.Millisecond, TotalLatency: time.Second},
			{Outcome: OutcomeOK, ASRLatency: 300 * time.Millisecond, TotalLatency: 3 * time.Second},
			{Outcome: OutcomeFailed, ASRLatency: time.Hour},
		},
	}

	avg := m.Average()
	if avg.ASRLatency != 200*time.Millisecond {
		t.Errorf("asr = %v", avg.ASRLatency)
	}
	if avg.TotalLatency != 2*time.Second {
		t.Errorf("total = %v", avg.TotalLatency)
	}
	if avg.Turn != 2 {
		t.Errorf("turns = %d", avg.Turn)
	}

	if got := NewMetricsCollector().Average(); got != (Metrics{}) {
		t.Errorf("empty average = %+v", got)
	}
}

func TestMetricsHistoryBounded(t *testing.T) {
	m := NewMetricsCollector()
	for i := 0; i < historySize+5; i++ {
		m.Begin()
		m.Finish(OutcomeOK, "")
	}
	h := m.History()
	if len(h) != historySize {
		t.Fatalf("history = %d", len(h))
	}
	if h[0].Turn != 6 {
		t.Errorf("oldest turn = %d", h[0].Turn)
	}
}

func TestFormatLatency(t *testing.T) {
	m := Metrics{ASRLatency: 150 * time.Millisecond}
	got := m.FormatLatency()
	want := "150ms ASR | ---ms first token | ---ms LLM | ---ms TTS | ---ms first audio | ---ms TOTAL"
	if got != want {
		t.Errorf("got %q", got)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.ChatTimeout != 30*time.Second {
		t.Errorf("chat timeout = %v", cfg.ChatTimeout)
	}
	if cfg.Voice != "nova" || cfg.TTSModel != "tts-1" || cfg.Format != "mp3" || cfg.Speed != 1.0 {
		t.Errorf("synthesis defaults = %+v", cfg)
	}
}

func TestConfigValidation(t *testing.T) {
	hot := 3.0
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero timeout", func(c *Config) { c.ChatTimeout = 0 }},
		{"slow speech", func(c *Config) { c.Speed = 0.1 }},
		{"fast speech", func(c *Config) { c.Speed = 5 }},
		{"temperature", func(c *Config) { c.Temperature = &hot }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
