package trigger_test

import (
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/y-okubo/soniq/pkg/model"
	"github.com/y-okubo/soniq/pkg/service/trigger"
)

func chunkAt(seq int64, at time.Time) *model.AudioChunk {
	return &model.AudioChunk{
		Sequence:   seq,
		Payload:    []byte{0x00, 0x01},
		Format:     model.AudioFormatPCM16,
		ReceivedAt: at,
	}
}

func TestSilenceGap(t *testing.T) {
	ev := trigger.New(trigger.Config{})
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	// Chunks 1,2,3 with inter-arrival gaps of 200ms, 200ms, 2500ms: the
	// silence gap rule fires even though buffer and count are far below
	// their thresholds.
	chunks := []*model.AudioChunk{
		chunkAt(1, base),
		chunkAt(2, base.Add(200*time.Millisecond)),
		chunkAt(3, base.Add(2900*time.Millisecond)),
	}

	decision := ev.Evaluate(chunks, 10)
	gt.True(t, decision.ShouldProcess)
	gt.Equal(t, decision.Reason, trigger.ReasonSilenceGap)
}

func TestSilenceGapIgnoresSequenceOrder(t *testing.T) {
	ev := trigger.New(trigger.Config{})
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	// The chunk with the highest sequence number is not the most recently
	// received one; the gap must be computed from arrival times.
	chunks := []*model.AudioChunk{
		chunkAt(3, base.Add(100*time.Millisecond)),
		chunkAt(1, base),
		chunkAt(2, base.Add(2700*time.Millisecond)),
	}

	decision := ev.Evaluate(chunks, 0)
	gt.True(t, decision.ShouldProcess)
	gt.Equal(t, decision.Reason, trigger.ReasonSilenceGap)
}

func TestBufferLength(t *testing.T) {
	ev := trigger.New(trigger.Config{})
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	chunks := []*model.AudioChunk{
		chunkAt(1, base),
		chunkAt(2, base.Add(100*time.Millisecond)),
	}

	gt.False(t, ev.Evaluate(chunks, 100).ShouldProcess)

	decision := ev.Evaluate(chunks, 101)
	gt.True(t, decision.ShouldProcess)
	gt.Equal(t, decision.Reason, trigger.ReasonBufferLength)
}

func TestChunkCountBackstop(t *testing.T) {
	ev := trigger.New(trigger.Config{})
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	var chunks []*model.AudioChunk
	for i := 0; i < 51; i++ {
		chunks = append(chunks, chunkAt(int64(i), base.Add(time.Duration(i)*10*time.Millisecond)))
	}

	gt.False(t, ev.Evaluate(chunks[:50], 0).ShouldProcess)

	decision := ev.Evaluate(chunks, 0)
	gt.True(t, decision.ShouldProcess)
	gt.Equal(t, decision.Reason, trigger.ReasonChunkCount)
}

func TestPriorityOrder(t *testing.T) {
	ev := trigger.New(trigger.Config{})
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	// Both the silence gap and the buffer rule match; the silence gap rule
	// has priority.
	chunks := []*model.AudioChunk{
		chunkAt(1, base),
		chunkAt(2, base.Add(3*time.Second)),
	}

	decision := ev.Evaluate(chunks, 500)
	gt.True(t, decision.ShouldProcess)
	gt.Equal(t, decision.Reason, trigger.ReasonSilenceGap)
}

func TestNoTrigger(t *testing.T) {
	ev := trigger.New(trigger.Config{})
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		chunks []*model.AudioChunk
		chars  int
	}{
		{name: "empty", chunks: nil, chars: 0},
		{name: "single chunk", chunks: []*model.AudioChunk{chunkAt(1, base)}, chars: 0},
		{
			name: "steady stream",
			chunks: []*model.AudioChunk{
				chunkAt(1, base),
				chunkAt(2, base.Add(200*time.Millisecond)),
				chunkAt(3, base.Add(400*time.Millisecond)),
			},
			chars: 42,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			decision := ev.Evaluate(tc.chunks, tc.chars)
			gt.False(t, decision.ShouldProcess)
			gt.Equal(t, decision.Reason, trigger.ReasonNone)
		})
	}
}

func TestDeterminism(t *testing.T) {
	ev := trigger.New(trigger.Config{})
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	chunks := []*model.AudioChunk{
		chunkAt(1, base),
		chunkAt(2, base.Add(200*time.Millisecond)),
		chunkAt(3, base.Add(2900*time.Millisecond)),
	}

	first := ev.Evaluate(chunks, 10)
	for i := 0; i < 100; i++ {
		gt.Equal(t, ev.Evaluate(chunks, 10), first)
	}
}
