package repository_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/y-okubo/soniq/pkg/model"
	"github.com/y-okubo/soniq/pkg/repository"
)

func newFirestoreRepo(t *testing.T) *repository.Firestore {
	t.Helper()

	projectID := os.Getenv("TEST_FIRESTORE_PROJECT_ID")
	databaseID := os.Getenv("TEST_FIRESTORE_DATABASE_ID")
	if projectID == "" || databaseID == "" {
		t.Skip("TEST_FIRESTORE_PROJECT_ID and TEST_FIRESTORE_DATABASE_ID are required")
	}

	repo, err := repository.NewFirestore(context.Background(), projectID, databaseID)
	gt.NoError(t, err)
	t.Cleanup(func() {
		_ = repo.Close()
	})
	return repo
}

func TestFirestoreSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newFirestoreRepo(t)
	id := model.NewSessionID()

	gt.NoError(t, repo.Initialize(ctx, newSession(id, model.PhaseIdle), false))
	t.Cleanup(func() {
		_ = repo.Clear(ctx, id)
	})

	stored, err := repo.GetSession(ctx, id)
	gt.NoError(t, err)
	gt.Equal(t, stored.ID, id)
	gt.Equal(t, stored.Phase, model.PhaseIdle)

	gt.NoError(t, repo.AppendChunk(ctx, id, &model.AudioChunk{
		Sequence: 2, Payload: []byte("b"), Format: model.AudioFormatPCM16, ReceivedAt: time.Now(),
	}))
	gt.NoError(t, repo.AppendChunk(ctx, id, &model.AudioChunk{
		Sequence: 1, Payload: []byte("a"), Format: model.AudioFormatPCM16, ReceivedAt: time.Now(),
	}))

	chunks, err := repo.GetBufferedChunks(ctx, id)
	gt.NoError(t, err)
	gt.Equal(t, len(chunks), 2)
	gt.Equal(t, chunks[0].Sequence, int64(1))
	gt.Equal(t, chunks[1].Sequence, int64(2))
}

func TestFirestoreConditionalPhase(t *testing.T) {
	ctx := context.Background()
	repo := newFirestoreRepo(t)
	id := model.NewSessionID()

	gt.NoError(t, repo.Initialize(ctx, newSession(id, model.PhaseReceiving), false))
	t.Cleanup(func() {
		_ = repo.Clear(ctx, id)
	})

	gt.NoError(t, repo.SetPhase(ctx, id, model.PhaseReceiving, model.PhaseProcessing))

	// The same precondition no longer holds; a second writer must lose.
	err := repo.SetPhase(ctx, id, model.PhaseReceiving, model.PhaseProcessing)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrInvalidTransition))
}
