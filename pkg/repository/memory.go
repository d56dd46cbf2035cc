package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/y-okubo/soniq/pkg/model"
)

// Memory implements SessionStore and ConversationStore in process memory.
// It keeps the same conditional-write semantics as the Firestore store, so
// concurrency properties can be exercised without external services. Used by
// tests and the local chat command; never for production sessions.
type Memory struct {
	mu       sync.Mutex
	sessions map[model.SessionID]*model.Session
	chunks   map[model.SessionID]map[int64]*model.AudioChunk
	contexts map[model.SessionID]*model.ConversationContext
	turns    map[model.SessionID]map[model.TurnID]*model.ConversationTurn
}

// NewMemory creates an empty in-process store
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[model.SessionID]*model.Session),
		chunks:   make(map[model.SessionID]map[int64]*model.AudioChunk),
		contexts: make(map[model.SessionID]*model.ConversationContext),
		turns:    make(map[model.SessionID]map[model.TurnID]*model.ConversationTurn),
	}
}

func (r *Memory) Initialize(ctx context.Context, session *model.Session, freshOnly bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; ok {
		if freshOnly {
			return goerr.Wrap(model.ErrSessionExists, "initialize", goerr.Value("session_id", session.ID))
		}
		delete(r.chunks, session.ID)
	}

	copied := *session
	r.sessions[session.ID] = &copied
	return nil
}

func (r *Memory) GetSession(ctx context.Context, id model.SessionID) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrSessionNotFound, "get session", goerr.Value("session_id", id))
	}

	copied := *session
	return &copied, nil
}

func (r *Memory) AppendChunk(ctx context.Context, id model.SessionID, chunk *model.AudioChunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return goerr.Wrap(model.ErrSessionNotFound, "append chunk", goerr.Value("session_id", id))
	}

	if r.chunks[id] == nil {
		r.chunks[id] = make(map[int64]*model.AudioChunk)
	}

	copied := *chunk
	r.chunks[id][chunk.Sequence] = &copied
	return nil
}

func (r *Memory) GetBufferedChunks(ctx context.Context, id model.SessionID) ([]*model.AudioChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chunks := make([]*model.AudioChunk, 0, len(r.chunks[id]))
	for _, chunk := range r.chunks[id] {
		copied := *chunk
		chunks = append(chunks, &copied)
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Sequence < chunks[j].Sequence
	})
	return chunks, nil
}

func (r *Memory) SetPhase(ctx context.Context, id model.SessionID, expected, next model.Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return goerr.Wrap(model.ErrSessionNotFound, "set phase", goerr.Value("session_id", id))
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
	return nil
}

func (r *Memory) ResetPhase(ctx context.Context, id model.SessionID, next model.Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return goerr.Wrap(model.ErrSessionNotFound, "reset phase", goerr.Value("session_id", id))
	}

	session.Phase = next
	session.UpdatedAt = time.Now()
	return nil
}

func (r *Memory) ClearChunks(ctx context.Context, id model.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.chunks, id)
	return nil
}

func (r *Memory) Clear(ctx context.Context, id model.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
	delete(r.chunks, id)
	return nil
}

func (r *Memory) PutContext(ctx context.Context, c *model.ConversationContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *c
	copied.Turns = nil
	r.contexts[c.SessionID] = &copied
	return nil
}

func (r *Memory) GetContext(ctx context.Context, id model.SessionID) (*model.ConversationContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contexts[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrContextNotFound, "get context", goerr.Value("session_id", id))
	}

	copied := *c
	return &copied, nil
}

func (r *Memory) PutTurn(ctx context.Context, turn *model.ConversationTurn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.turns[turn.SessionID] == nil {
		r.turns[turn.SessionID] = make(map[model.TurnID]*model.ConversationTurn)
	}
	if _, ok := r.turns[turn.SessionID][turn.ID]; ok {
		return nil
	}

	copied := *turn
	r.turns[turn.SessionID][turn.ID] = &copied
	return nil
}

func (r *Memory) ListTurns(ctx context.Context, id model.SessionID) ([]*model.ConversationTurn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	turns := make([]*model.ConversationTurn, 0, len(r.turns[id]))
	for _, turn := range r.turns[id] {
		copied := *turn
		turns = append(turns, &copied)
	}

	sort.Slice(turns, func(i, j int) bool {
		return turns[i].Timestamp.Before(turns[j].Timestamp)
	})
	return turns, nil
}

func (r *Memory) ListContextsByUser(ctx context.Context, userID string, limit int) ([]*model.ConversationContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var contexts []*model.ConversationContext
	for _, c := range r.contexts {
		if c.UserID != userID {
			continue
		}
		copied := *c
		contexts = append(contexts, &copied)
	}

	sort.Slice(contexts, func(i, j int) bool {
		return contexts[i].UpdatedAt.After(contexts[j].UpdatedAt)
	})
	if limit > 0 && len(contexts) > limit {
		contexts = contexts[:limit]
	}
	return contexts, nil
}
