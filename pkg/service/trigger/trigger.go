package trigger

import (
	"time"

	"github.com/y-okubo/soniq/pkg/model"
)

// Reason explains why the evaluator decided to flush
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonSilenceGap   Reason = "silence_gap"
	ReasonBufferLength Reason = "buffer_length"
	ReasonChunkCount   Reason = "chunk_count"
	// ReasonModelSignal is not produced here; it labels turns triggered by
	// the speech model's own shouldProcess signal.
	ReasonModelSignal Reason = "model_signal"
	// ReasonSessionEnd labels the forced flush of leftover chunks when a
	// session ends.
	ReasonSessionEnd Reason = "session_end"
	// ReasonExplicit labels a processing run forced by the caller.
	ReasonExplicit Reason = "explicit"
)

// Config holds the flush thresholds. Rules apply in priority order: silence
// gap first, then buffer length, then the chunk-count backstop.
type Config struct {
	// SilenceGap triggers when the arrival gap between the two most recent
	// chunks exceeds this duration
	SilenceGap time.Duration
	// MaxBufferChars triggers when the running transcription buffer grows
	// past this many characters
	MaxBufferChars int
	// MaxChunks is the backstop against unbounded accumulation
	MaxChunks int
}

// DefaultConfig returns the production thresholds
func DefaultConfig() Config {
	return Config{
		SilenceGap:     2000 * time.Millisecond,
		MaxBufferChars: 100,
		MaxChunks:      50,
	}
}

// Decision is the evaluator output
type Decision struct {
	ShouldProcess bool
	Reason        Reason
}

// Evaluator decides whether accumulated audio should be flushed to full
// processing. It is a pure function of its inputs: the same chunk timeline
// always yields the same decision. The decision is advisory; when the
// primary speech path supplies its own shouldProcess signal, that signal
// wins and this evaluator is the deterministic fallback.
type Evaluator struct {
	cfg Config
}

// New creates an evaluator. Zero-valued config fields fall back to the
// defaults.
func New(cfg Config) *Evaluator {
	def := DefaultConfig()
	if cfg.SilenceGap <= 0 {
		cfg.SilenceGap = def.SilenceGap
	}
	if cfg.MaxBufferChars <= 0 {
		cfg.MaxBufferChars = def.MaxBufferChars
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = def.MaxChunks
	}
	return &Evaluator{cfg: cfg}
}

// Evaluate applies the flush rules to the buffered chunks and the current
// transcription buffer length. First matching rule wins.
func (e *Evaluator) Evaluate(chunks []*model.AudioChunk, bufferChars int) Decision {
	if gap, ok := latestArrivalGap(chunks); ok && gap > e.cfg.SilenceGap {
		return Decision{ShouldProcess: true, Reason: ReasonSilenceGap}
	}
	if bufferChars > e.cfg.MaxBufferChars {
		return Decision{ShouldProcess: true, Reason: ReasonBufferLength}
	}
	if len(chunks) > e.cfg.MaxChunks {
		return Decision{ShouldProcess: true, Reason: ReasonChunkCount}
	}
	return Decision{}
}

// latestArrivalGap returns the receive-time gap between the two most
// recently arrived chunks. Arrival order is independent of sequence order,
// so this scans receive timestamps rather than trusting slice position.
func latestArrivalGap(chunks []*model.AudioChunk) (time.Duration, bool) {
	if len(chunks) < 2 {
		return 0, false
	}

	var latest, second time.Time
	for _, c := range chunks {
		switch {
		case c.ReceivedAt.After(latest):
			second = latest
			latest = c.ReceivedAt
		case c.ReceivedAt.After(second):
			second = c.ReceivedAt
		}
	}
	return latest.Sub(second), true
}
