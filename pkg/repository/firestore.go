package repository

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/y-okubo/soniq/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionSessions = "voice_sessions"
	collectionChunks   = "chunks"
	collectionContexts = "conversations"
	collectionTurns    = "turns"
)

// Firestore implements SessionStore and ConversationStore on Cloud
// Firestore. Phase transitions run inside transactions so two concurrent
// handlers cannot both win the same transition.
type Firestore struct {
	client *firestore.Client
}

// NewFirestore creates a Firestore-backed store
func NewFirestore(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client")
	}

	return &Firestore{client: client}, nil
}

// Close releases the underlying client
func (r *Firestore) Close() error {
	return r.client.Close()
}

func (r *Firestore) sessionDoc(id model.SessionID) *firestore.DocumentRef {
	return r.client.Collection(collectionSessions).Doc(string(id))
}

func (r *Firestore) chunkDoc(id model.SessionID, seq int64) *firestore.DocumentRef {
	return r.sessionDoc(id).Collection(collectionChunks).Doc(fmt.Sprintf("%016d", seq))
}

func (r *Firestore) contextDoc(id model.SessionID) *firestore.DocumentRef {
	return r.client.Collection(collectionContexts).Doc(string(id))
}

func (r *Firestore) Initialize(ctx context.Context, session *model.Session, freshOnly bool) error {
	doc := r.sessionDoc(session.ID)

	if freshOnly {
		if _, err := doc.Create(ctx, session); err != nil {
			if status.Code(err) == codes.AlreadyExists {
				return goerr.Wrap(model.ErrSessionExists, "initialize", goerr.Value("session_id", session.ID))
			}
			return goerr.Wrap(err, "failed to create session", goerr.T(model.TagRetryable))
		}
		return nil
	}

	// Overwrite-fresh: drop any buffered chunks of a prior session with the
	// same ID so unrelated state never merges into the new session.
	if err := r.deleteChunks(ctx, session.ID); err != nil {
		return err
	}
	if _, err := doc.Set(ctx, session); err != nil {
		return goerr.Wrap(err, "failed to put session", goerr.T(model.TagRetryable))
	}
	return nil
}

func (r *Firestore) GetSession(ctx context.Context, id model.SessionID) (*model.Session, error) {
	snap, err := r.sessionDoc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrSessionNotFound, "get session", goerr.Value("session_id", id))
		}
		return nil, goerr.Wrap(err, "failed to get session", goerr.T(model.TagRetryable))
	}

	var session model.Session
	if err := snap.DataTo(&session); err != nil {
		return nil, goerr.Wrap(err, "failed to decode session")
	}
	return &session, nil
}

func (r *Firestore) AppendChunk(ctx context.Context, id model.SessionID, chunk *model.AudioChunk) error {
	if _, err := r.GetSession(ctx, id); err != nil {
		return err
	}

	// Set (not Create) keyed by sequence: a redelivered chunk overwrites
	// its prior copy instead of duplicating audio.
	if _, err := r.chunkDoc(id, chunk.Sequence).Set(ctx, chunk); err != nil {
		return goerr.Wrap(err, "failed to append chunk", goerr.T(model.TagRetryable),
			goerr.Value("session_id", id), goerr.Value("sequence", chunk.Sequence))
	}
	return nil
}

func (r *Firestore) GetBufferedChunks(ctx context.Context, id model.SessionID) ([]*model.AudioChunk, error) {
	iter := r.sessionDoc(id).Collection(collectionChunks).OrderBy("sequence", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var chunks []*model.AudioChunk
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list chunks", goerr.T(model.TagRetryable))
		}

		var chunk model.AudioChunk
		if err := snap.DataTo(&chunk); err != nil {
			return nil, goerr.Wrap(err, "failed to decode chunk")
		}
		chunks = append(chunks, &chunk)
	}

	return chunks, nil
}

func (r *Firestore) SetPhase(ctx context.Context, id model.SessionID, expected, next model.Phase) error {
	doc := r.sessionDoc(id)

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return goerr.Wrap(model.ErrSessionNotFound, "set phase", goerr.Value("session_id", id))
			}
			return goerr.Wrap(err, "failed to get session", goerr.T(model.TagRetryable))
		}

		var session model.Session
		if err := snap.DataTo(&session); err != nil {
			return goerr.Wrap(err, "failed to decode session")
		}

		if session.Phase != expected || !expected.CanTransitionTo(next) {
			return goerr.Wrap(model.ErrInvalidTransition, "set phase",
				goerr.Value("session_id", id),
				goerr.Value("stored", session.Phase),
				goerr.Value("expected", expected),
				goerr.Value("next", next))
		}

		session.Phase = next
		session.UpdatedAt = time.Now()
		return tx.Set(doc, &session)
	})
	if err != nil {
		return err
	}
	return nil
}

func (r *Firestore) ResetPhase(ctx context.Context, id model.SessionID, next model.Phase) error {
	session, err := r.GetSession(ctx, id)
	if err != nil {
		return err
	}

	session.Phase = next
	session.UpdatedAt = time.Now()
	if _, err := r.sessionDoc(id).Set(ctx, session); err != nil {
		return goerr.Wrap(err, "failed to reset phase", goerr.T(model.TagRetryable))
	}
	return nil
}

func (r *Firestore) ClearChunks(ctx context.Context, id model.SessionID) error {
	return r.deleteChunks(ctx, id)
}

func (r *Firestore) Clear(ctx context.Context, id model.SessionID) error {
	if err := r.deleteChunks(ctx, id); err != nil {
		return err
	}
	if _, err := r.sessionDoc(id).Delete(ctx); err != nil {
		return goerr.Wrap(err, "failed to delete session", goerr.T(model.TagRetryable))
	}
	return nil
}

func (r *Firestore) deleteChunks(ctx context.Context, id model.SessionID) error {
	iter := r.sessionDoc(id).Collection(collectionChunks).Documents(ctx)
	defer iter.Stop()

	bw := r.client.BulkWriter(ctx)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return goerr.Wrap(err, "failed to list chunks for delete", goerr.T(model.TagRetryable))
		}
		if _, err := bw.Delete(snap.Ref); err != nil {
			return goerr.Wrap(err, "failed to schedule chunk delete")
		}
	}
	bw.End()

	return nil
}

func (r *Firestore) PutContext(ctx context.Context, c *model.ConversationContext) error {
	if _, err := r.contextDoc(c.SessionID).Set(ctx, c); err != nil {
		return goerr.Wrap(err, "failed to put context", goerr.T(model.TagRetryable),
			goerr.Value("session_id", c.SessionID))
	}
	return nil
}

func (r *Firestore) GetContext(ctx context.Context, id model.SessionID) (*model.ConversationContext, error) {
	snap, err := r.contextDoc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrContextNotFound, "get context", goerr.Value("session_id", id))
		}
		return nil, goerr.Wrap(err, "failed to get context", goerr.T(model.TagRetryable))
	}

	var c model.ConversationContext
	if err := snap.DataTo(&c); err != nil {
		return nil, goerr.Wrap(err, "failed to decode context")
	}
	return &c, nil
}

func (r *Firestore) PutTurn(ctx context.Context, turn *model.ConversationTurn) error {
	doc := r.contextDoc(turn.SessionID).Collection(collectionTurns).Doc(string(turn.ID))
	if _, err := doc.Create(ctx, turn); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			// Turns are immutable; a redelivered turn write is a no-op.
			return nil
		}
		return goerr.Wrap(err, "failed to put turn", goerr.T(model.TagRetryable),
			goerr.Value("session_id", turn.SessionID), goerr.Value("turn_id", turn.ID))
	}
	return nil
}

func (r *Firestore) ListTurns(ctx context.Context, id model.SessionID) ([]*model.ConversationTurn, error) {
	iter := r.contextDoc(id).Collection(collectionTurns).OrderBy("timestamp", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var turns []*model.ConversationTurn
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list turns", goerr.T(model.TagRetryable))
		}

		var turn model.ConversationTurn
		if err := snap.DataTo(&turn); err != nil {
			return nil, goerr.Wrap(err, "failed to decode turn")
		}
		turns = append(turns, &turn)
	}

	return turns, nil
}

func (r *Firestore) ListContextsByUser(ctx context.Context, userID string, limit int) ([]*model.ConversationContext, error) {
	iter := r.client.Collection(collectionContexts).
		Where("user_id", "==", userID).
		OrderBy("updated_at", firestore.Desc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var contexts []*model.ConversationContext
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list contexts")
		}

		var c model.ConversationContext
		if err := snap.DataTo(&c); err != nil {
			return nil, goerr.Wrap(err, "failed to decode context")
		}
		contexts = append(contexts, &c)
	}

	return contexts, nil
}
