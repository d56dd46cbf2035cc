package repository

import (
	"context"

	"github.com/y-okubo/soniq/pkg/model"
)

// SessionStore is the durable state for in-progress audio ingestion. Every
// operation is safe to call from any stateless invocation handling the same
// session; nothing here relies on process memory.
type SessionStore interface {
	// Initialize creates the session record. An existing session with the
	// same ID is overwritten unless freshOnly is set, in which case
	// model.ErrSessionExists is returned.
	Initialize(ctx context.Context, session *model.Session, freshOnly bool) error

	// GetSession retrieves the session record, or model.ErrSessionNotFound.
	GetSession(ctx context.Context, id model.SessionID) (*model.Session, error)

	// AppendChunk stores one audio chunk keyed by (session, sequence). A
	// duplicate sequence number overwrites the prior chunk rather than
	// duplicating it, which makes redelivery from the transport layer safe.
	AppendChunk(ctx context.Context, id model.SessionID, chunk *model.AudioChunk) error

	// GetBufferedChunks returns all buffered chunks sorted by ascending
	// sequence number.
	GetBufferedChunks(ctx context.Context, id model.SessionID) ([]*model.AudioChunk, error)

	// SetPhase transitions the session phase with an expected-current-phase
	// precondition. When the stored phase differs from expected, or the
	// move is not a legal lifecycle transition, model.ErrInvalidTransition
	// is returned and the stored state is left untouched. This is how two
	// concurrent handlers racing to process the same buffered audio settle
	// on exactly one winner.
	SetPhase(ctx context.Context, id model.SessionID, expected, next model.Phase) error

	// ResetPhase forces the phase without a precondition. Only for explicit
	// resets; normal lifecycle moves go through SetPhase.
	ResetPhase(ctx context.Context, id model.SessionID, next model.Phase) error

	// ClearChunks drops the buffered chunks but keeps the session record.
	// Called after a flush consumes the buffer mid-session.
	ClearChunks(ctx context.Context, id model.SessionID) error

	// Clear removes the buffered chunks and the session record.
	Clear(ctx context.Context, id model.SessionID) error
}

// ConversationStore persists conversation contexts and their turns. The
// context envelope and its turns are stored separately so a long session
// never outgrows a single record.
type ConversationStore interface {
	// PutContext saves the context envelope (without turns).
	PutContext(ctx context.Context, c *model.ConversationContext) error

	// GetContext retrieves the context envelope, or model.ErrContextNotFound.
	GetContext(ctx context.Context, id model.SessionID) (*model.ConversationContext, error)

	// PutTurn appends one immutable conversation turn.
	PutTurn(ctx context.Context, turn *model.ConversationTurn) error

	// ListTurns returns all turns of a session ordered by timestamp.
	ListTurns(ctx context.Context, id model.SessionID) ([]*model.ConversationTurn, error)

	// ListContextsByUser returns up to limit contexts for a user, most
	// recently updated first.
	ListContextsByUser(ctx context.Context, userID string, limit int) ([]*model.ConversationContext, error)
}
