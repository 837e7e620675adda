package voice

import (
	"sync"
	"time"
)

// historySize is the number of finished turns kept for averaging.
const historySize = 100

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeOK       Outcome = "ok"
	OutcomeFailed   Outcome = "failed"
	OutcomeCanceled Outcome = "canceled"
)

// Metrics tracks latency at each stage of one turn.
// Step latencies are measured from the end of the previous step; the
// reference point for FirstAudio and Total is the moment recording stopped.
type Metrics struct {
	Turn int `json:"turn"`

	// Timestamps for key events
	StopTime         time.Time `json:"stop_time"`
	TranscriptTime   time.Time `json:"transcript_time"`
	FirstTokenTime   time.Time `json:"first_token_time"`
	ResponseTime     time.Time `json:"response_time"`
	AudioTime        time.Time `json:"audio_time"`
	PlaybackTime     time.Time `json:"playback_time"`
	ResponseDoneTime time.Time `json:"response_done_time"`

	// Computed latencies
	RecordingDuration time.Duration `json:"recording_duration"`
	CaptureLatency    time.Duration `json:"capture_latency"`
	ASRLatency        time.Duration `json:"asr_latency"`
	LLMFirstToken     time.Duration `json:"llm_first_token"`
	LLMLatency        time.Duration `json:"llm_latency"`
	TTSLatency        time.Duration `json:"tts_latency"`
	FirstAudio        time.Duration `json:"first_audio"`
	TotalLatency      time.Duration `json:"total_latency"`

	// Counts for this turn
	TranscriptChars int `json:"transcript_chars"`
	ResponseChars   int `json:"response_chars"`
	TokensUsed      int `json:"tokens_used"`
	AudioBytes      int `json:"audio_bytes"`

	Outcome    Outcome `json:"outcome"`
	FailedStep Step    `json:"failed_step,omitempty"`
}

// MetricsCollector collects latency metrics during a turn.
// It is goroutine-safe and can be used from multiple callbacks.
type MetricsCollector struct {
	mu      sync.Mutex
	turns   int
	current Metrics
	history []Metrics
	last    time.Time

	onUpdate func(Metrics)
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		history: make([]Metrics, 0, historySize),
	}
}

// OnUpdate sets a callback that fires whenever metrics are updated.
func (m *MetricsCollector) OnUpdate(fn func(Metrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// Begin starts a new turn at the moment recording stops.
func (m *MetricsCollector) Begin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns++
	now := time.Now()
	m.current = Metrics{Turn: m.turns, StopTime: now}
	m.last = now
}

// MarkCaptured records the end of capture finalization.
func (m *MetricsCollector) MarkCaptured(recording time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.RecordingDuration = recording
	m.current.CaptureLatency = m.step()
}

// MarkTranscript records when transcription completed.
func (m *MetricsCollector) MarkTranscript(chars int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.ASRLatency = m.step()
	m.current.TranscriptTime = m.last
	m.current.TranscriptChars = chars
	m.notify()
}

// MarkFirstToken records the first streamed chat delta of the turn.
// Later calls are ignored.
func (m *MetricsCollector) MarkFirstToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.StopTime.IsZero() || m.current.Outcome != OutcomeNone || !m.current.FirstTokenTime.IsZero() {
		return
	}
	m.current.FirstTokenTime = time.Now()
	if !m.current.TranscriptTime.IsZero() {
		m.current.LLMFirstToken = m.current.FirstTokenTime.Sub(m.current.TranscriptTime)
	}
	m.notify()
}

// MarkResponse records the settled chat answer.
func (m *MetricsCollector) MarkResponse(chars, tokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.LLMLatency = m.step()
	m.current.ResponseTime = m.last
	m.current.ResponseChars = chars
	m.current.TokensUsed = tokens
	m.notify()
}

// MarkAudio records when synthesized audio arrived.
func (m *MetricsCollector) MarkAudio(bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.TTSLatency = m.step()
	m.current.AudioTime = m.last
	m.current.AudioBytes = bytes
}

// MarkPlaybackStart records when the first audio reached the speaker.
func (m *MetricsCollector) MarkPlaybackStart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.StopTime.IsZero() || !m.current.PlaybackTime.IsZero() {
		return
	}
	m.current.PlaybackTime = time.Now()
	m.current.FirstAudio = m.current.PlaybackTime.Sub(m.current.StopTime)
	m.notify()
}

// Finish closes the turn and archives it.
func (m *MetricsCollector) Finish(outcome Outcome, failed Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.StopTime.IsZero() || m.current.Outcome != OutcomeNone {
		return
	}
	m.current.ResponseDoneTime = time.Now()
	m.current.TotalLatency = m.current.ResponseDoneTime.Sub(m.current.StopTime)
	m.current.Outcome = outcome
	m.current.FailedStep = failed

	m.history = append(m.history, m.current)
	if len(m.history) > historySize {
		m.history = m.history[1:]
	}
	m.notify()
}

// step returns the time since the previous mark and advances it.
// Must be called with mutex held.
func (m *MetricsCollector) step() time.Duration {
	now := time.Now()
	if m.last.IsZero() {
		m.last = now
		return 0
	}
	d := now.Sub(m.last)
	m.last = now
	return d
}

// Current returns the current metrics snapshot.
func (m *MetricsCollector) Current() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// History returns the archived turns, oldest first.
func (m *MetricsCollector) History() []Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Metrics(nil), m.history...)
}

// Average returns average latencies over recent successful turns.
func (m *MetricsCollector) Average() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var avg Metrics
	n := 0
	for _, h := range m.history {
		if h.Outcome != OutcomeOK {
			continue
		}
		n++
		avg.CaptureLatency += h.CaptureLatency
		avg.ASRLatency += h.ASRLatency
		avg.LLMFirstToken += h.LLMFirstToken
		avg.LLMLatency += h.LLMLatency
		avg.TTSLatency += h.TTSLatency
		avg.FirstAudio += h.FirstAudio
		avg.TotalLatency += h.TotalLatency
	}
	if n == 0 {
		return Metrics{}
	}

	d := time.Duration(n)
	avg.CaptureLatency /= d
	avg.ASRLatency /= d
	avg.LLMFirstToken /= d
	avg.LLMLatency /= d
	avg.TTSLatency /= d
	avg.FirstAudio /= d
	avg.TotalLatency /= d
	avg.Turn = n
	avg.Outcome = OutcomeOK
	return avg
}

// notify calls the update callback if set.
// Must be called with mutex held.
func (m *MetricsCollector) notify() {
	if m.onUpdate != nil {
		metrics := m.current
		go m.onUpdate(metrics)
	}
}

// FormatLatency returns a formatted string of the turn's latencies.
func (m *Metrics) FormatLatency() string {
	return formatDuration(m.ASRLatency) + " ASR | " +
		formatDuration(m.LLMFirstToken) + " first token | " +
		formatDuration(m.LLMLatency) + " LLM | " +
		formatDuration(m.TTSLatency) + " TTS | " +
		formatDuration(m.FirstAudio) + " first audio | " +
		formatDuration(m.TotalLatency) + " TOTAL"
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "---ms"
	}
	return d.Round(time.Millisecond).String()
}
