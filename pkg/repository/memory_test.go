package repository_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/y-okubo/soniq/pkg/model"
	"github.com/y-okubo/soniq/pkg/repository"
)

func newSession(id model.SessionID, phase model.Phase) *model.Session {
	now := time.Now()
	return &model.Session{
		ID:          id,
		UserID:      "user-1",
		AudioFormat: model.AudioFormatPCM16,
		Language:    "en-US",
		Phase:       phase,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestInitializeFreshOnly(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	id := model.NewSessionID()

	gt.NoError(t, repo.Initialize(ctx, newSession(id, model.PhaseIdle), false))

	err := repo.Initialize(ctx, newSession(id, model.PhaseIdle), true)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrSessionExists))
}

func TestInitializeOverwriteDropsChunks(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	id := model.NewSessionID()

	gt.NoError(t, repo.Initialize(ctx, newSession(id, model.PhaseIdle), false))
	gt.NoError(t, repo.AppendChunk(ctx, id, &model.AudioChunk{Sequence: 1, Payload: []byte("a")}))

	// Re-initializing the same ID must not merge prior state into the new
	// session.
	gt.NoError(t, repo.Initialize(ctx, newSession(id, model.PhaseIdle), false))
	chunks, err := repo.GetBufferedChunks(ctx, id)
	gt.NoError(t, err)
	gt.Equal(t, len(chunks), 0)
}

func TestAppendChunkIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	id := model.NewSessionID()

	gt.NoError(t, repo.Initialize(ctx, newSession(id, model.PhaseReceiving), false))

	gt.NoError(t, repo.AppendChunk(ctx, id, &model.AudioChunk{Sequence: 1, Payload: []byte("first")}))
	// Redelivery of the same sequence overwrites, never duplicates.
	gt.NoError(t, repo.AppendChunk(ctx, id, &model.AudioChunk{Sequence: 1, Payload: []byte("redelivered")}))

	chunks, err := repo.GetBufferedChunks(ctx, id)
	gt.NoError(t, err)
	gt.Equal(t, len(chunks), 1)
	gt.Equal(t, chunks[0].Payload, []byte("redelivered"))
}

func TestAppendChunkSessionNotFound(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	err := repo.AppendChunk(ctx, model.NewSessionID(), &model.AudioChunk{Sequence: 1})
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrSessionNotFound))
}

func TestGetBufferedChunksSorted(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	id := model.NewSessionID()

	gt.NoError(t, repo.Initialize(ctx, newSession(id, model.PhaseReceiving), false))
	for _, seq := range []int64{5, 1, 3, 2, 4} {
		gt.NoError(t, repo.AppendChunk(ctx, id, &model.AudioChunk{Sequence: seq}))
	}

	chunks, err := repo.GetBufferedChunks(ctx, id)
	gt.NoError(t, err)
	gt.Equal(t, len(chunks), 5)
	for i, chunk := range chunks {
		gt.Equal(t, chunk.Sequence, int64(i+1))
	}
}

func TestSetPhaseTransitions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		stored   model.Phase
		expected model.Phase
		next     model.Phase
		ok       bool
	}{
		{name: "idle to receiving", stored: model.PhaseIdle, expected: model.PhaseIdle, next: model.PhaseReceiving, ok: true},
		{name: "receiving to processing", stored: model.PhaseReceiving, expected: model.PhaseReceiving, next: model.PhaseProcessing, ok: true},
		{name: "processing to responding", stored: model.PhaseProcessing, expected: model.PhaseProcessing, next: model.PhaseResponding, ok: true},
		{name: "responding back to receiving", stored: model.PhaseResponding, expected: model.PhaseResponding, next: model.PhaseReceiving, ok: true},
		{name: "any to ended", stored: model.PhaseReceiving, expected: model.PhaseReceiving, next: model.PhaseEnded, ok: true},
		{name: "responding to receiving without reset via wrong expectation", stored: model.PhaseResponding, expected: model.PhaseReceiving, next: model.PhaseProcessing, ok: false},
		{name: "skip processing", stored: model.PhaseReceiving, expected: model.PhaseReceiving, next: model.PhaseResponding, ok: false},
		{name: "ended is terminal", stored: model.PhaseEnded, expected: model.PhaseEnded, next: model.PhaseReceiving, ok: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := repository.NewMemory()
			id := model.NewSessionID()
			gt.NoError(t, repo.Initialize(ctx, newSession(id, tc.stored), false))

			err := repo.SetPhase(ctx, id, tc.expected, tc.next)
			if tc.ok {
				gt.NoError(t, err)
				session, err := repo.GetSession(ctx, id)
				gt.NoError(t, err)
				gt.Equal(t, session.Phase, tc.next)
			} else {
				gt.Error(t, err)
				gt.True(t, errors.Is(err, model.ErrInvalidTransition))
				session, err := repo.GetSession(ctx, id)
				gt.NoError(t, err)
				gt.Equal(t, session.Phase, tc.stored)
			}
		})
	}
}

func TestSetPhaseConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	id := model.NewSessionID()

	gt.NoError(t, repo.Initialize(ctx, newSession(id, model.PhaseReceiving), false))

	const handlers = 16
	var wg sync.WaitGroup
	results := make([]error, handlers)

	for i := 0; i < handlers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = repo.SetPhase(ctx, id, model.PhaseReceiving, model.PhaseProcessing)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			gt.True(t, errors.Is(err, model.ErrInvalidTransition))
		}
	}
	gt.Equal(t, winners, 1)
}

func TestResetPhase(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	id := model.NewSessionID()

	gt.NoError(t, repo.Initialize(ctx, newSession(id, model.PhaseResponding), false))

	// A reverse move is only possible through an explicit reset.
	gt.NoError(t, repo.ResetPhase(ctx, id, model.PhaseIdle))
	session, err := repo.GetSession(ctx, id)
	gt.NoError(t, err)
	gt.Equal(t, session.Phase, model.PhaseIdle)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	id := model.NewSessionID()

	gt.NoError(t, repo.Initialize(ctx, newSession(id, model.PhaseReceiving), false))
	gt.NoError(t, repo.AppendChunk(ctx, id, &model.AudioChunk{Sequence: 1}))

	gt.NoError(t, repo.ClearChunks(ctx, id))
	chunks, err := repo.GetBufferedChunks(ctx, id)
	gt.NoError(t, err)
	gt.Equal(t, len(chunks), 0)
	_, err = repo.GetSession(ctx, id)
	gt.NoError(t, err)

	gt.NoError(t, repo.Clear(ctx, id))
	_, err = repo.GetSession(ctx, id)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrSessionNotFound))
}
