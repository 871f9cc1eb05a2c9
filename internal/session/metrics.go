package session

import (
	"sync"
	"time"
)

// Latency sample names as they appear in metrics_updated payloads.
const (
	MetricSTTConnect       = "stt_connect"
	MetricSTTFirstPartial  = "stt_first_partial"
	MetricSTTDuration      = "stt_duration"
	MetricSilenceDetection = "silence_detection"
	MetricLLMFirstFragment = "llm_first_fragment"
	MetricLLMDuration      = "llm_duration"
	MetricTTSSentence      = "tts_sentence"
	MetricAudioStream      = "audio_stream"
	MetricTimeToFirstAudio = "time_to_first_audio"
	MetricPipelineTotal    = "pipeline_total"
)

// Aggregate accumulates min/max/mean over latency samples in milliseconds.
type Aggregate struct {
	MinMS   float64 `json:"min_ms"`
	MaxMS   float64 `json:"max_ms"`
	MeanMS  float64 `json:"mean_ms"`
	Samples int     `json:"samples"`

	sum float64
}

func (a *Aggregate) observe(ms float64) {
	if a.Samples == 0 || ms < a.MinMS {
		a.MinMS = ms
	}
	if ms > a.MaxMS {
		a.MaxMS = ms
	}
	a.sum += ms
	a.Samples++
	a.MeanMS = a.sum / float64(a.Samples)
}

// Snapshot is the metrics_updated event payload: per-session counters plus
// the latency aggregates collected so far.
type Snapshot struct {
	Turns     int                  `json:"turns"`
	Errors    int                  `json:"errors"`
	Latencies map[string]Aggregate `json:"latencies"`
}

// Stats collects per-session latency samples and counters. Sampling happens
// once per completed turn; all methods are safe for concurrent use.
type Stats struct {
	mu         sync.Mutex
	turns      int
	errors     int
	aggregates map[string]*Aggregate
}

// NewStats returns an empty collector.
func NewStats() *Stats {
	return &Stats{aggregates: make(map[string]*Aggregate)}
}

// Observe records one latency sample under the given metric name. Zero and
// negative durations are recorded as zero, keeping stage ordering glitches
// from producing nonsense minimums.
func (s *Stats) Observe(name string, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.aggregates[name]
	if !ok {
		a = &Aggregate{}
		s.aggregates[name] = a
	}
	a.observe(ms)
}

// CountTurn increments the completed-turn counter.
func (s *Stats) CountTurn() {
	s.mu.Lock()
	s.turns++
	s.mu.Unlock()
}

// CountError increments the error counter.
func (s *Stats) CountError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

// merge folds b into a, weighting the mean by sample counts.
func (a Aggregate) merge(b Aggregate) Aggregate {
	if b.Samples == 0 {
		return a
	}
	if a.Samples == 0 {
		return b
	}
	out := Aggregate{
		MinMS:   min(a.MinMS, b.MinMS),
		MaxMS:   max(a.MaxMS, b.MaxMS),
		Samples: a.Samples + b.Samples,
	}
	total := a.MeanMS*float64(a.Samples) + b.MeanMS*float64(b.Samples)
	out.MeanMS = total / float64(out.Samples)
	return out
}

// MergeSnapshots combines per-session snapshots into one server-wide view.
func MergeSnapshots(snaps ...Snapshot) Snapshot {
	out := Snapshot{Latencies: make(map[string]Aggregate)}
	for _, s := range snaps {
		out.Turns += s.Turns
		out.Errors += s.Errors
		for name, a := range s.Latencies {
			out.Latencies[name] = out.Latencies[name].merge(a)
		}
	}
	return out
}

// Snapshot returns a copy of the current counters and aggregates.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Turns:     s.turns,
		Errors:    s.errors,
		Latencies: make(map[string]Aggregate, len(s.aggregates)),
	}
	for name, a := range s.aggregates {
		snap.Latencies[name] = *a
	}
	return snap
}
