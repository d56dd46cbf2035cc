package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/y-okubo/soniq/pkg/model"
	"github.com/y-okubo/soniq/pkg/repository"
	"github.com/y-okubo/soniq/pkg/utils/logging"
)

// Service is the durable multi-turn conversation memory with a working-set
// cache. The cache is strictly a same-process optimization: any invocation
// may start with a cold cache and rehydrates the context, including its
// historical turns, from the store.
type Service struct {
	store     repository.ConversationStore
	extractor TopicExtractor

	mu    sync.Mutex
	cache map[model.SessionID]*model.ConversationContext
}

type Option func(*Service)

// WithTopicExtractor replaces the default keyword extractor
func WithTopicExtractor(e TopicExtractor) Option {
	return func(s *Service) {
		s.extractor = e
	}
}

func New(store repository.ConversationStore, opts ...Option) *Service {
	s := &Service{
		store:     store,
		extractor: NewKeywordExtractor(),
		cache:     make(map[model.SessionID]*model.ConversationContext),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// InitializeContext creates a context and persists it immediately, so the
// context survives a crash between creation and the first turn.
func (s *Service) InitializeContext(ctx context.Context, sessionID model.SessionID, userID, language string) (*model.ConversationContext, error) {
	now := time.Now()
	c := &model.ConversationContext{
		SessionID: sessionID,
		UserID:    userID,
		Language:  language,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.PutContext(ctx, c); err != nil {
		return nil, goerr.Wrap(err, "failed to persist new context")
	}

	s.mu.Lock()
	s.cache[sessionID] = c
	s.mu.Unlock()

	return c, nil
}

// AddTurn appends one immutable turn to the conversation. On a cache miss
// the context is rehydrated from the store first. model.ErrContextNotFound
// is returned when neither cache nor store knows the session: callers must
// InitializeContext first. Appending to a finalized context fails with
// model.ErrContextClosed rather than resurrecting it.
func (s *Service) AddTurn(ctx context.Context, sessionID model.SessionID, input model.UserInput, resp model.AIResponse, md model.TurnMetadata) (*model.ConversationTurn, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	c, err := s.working(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if c.Closed {
		return nil, goerr.Wrap(model.ErrContextClosed, "add turn", goerr.Value("session_id", sessionID))
	}

	turn := &model.ConversationTurn{
		ID:        model.NewTurnID(),
		SessionID: sessionID,
		Timestamp: time.Now(),
		UserInput: input,
		Response:  resp,
		Metadata:  md,
	}

	if err := s.store.PutTurn(ctx, turn); err != nil {
		return nil, goerr.Wrap(err, "failed to persist turn")
	}

	c.Turns = append(c.Turns, turn)
	c.TotalTurns++
	c.TotalDurationMs += resp.ProcessingTimeMs
	c.UpdatedAt = turn.Timestamp
	s.extractTopics(ctx, c, input, resp)

	if err := s.store.PutContext(ctx, c); err != nil {
		return nil, goerr.Wrap(err, "failed to persist context")
	}

	s.mu.Lock()
	s.cache[sessionID] = c
	s.mu.Unlock()

	return turn, nil
}

// RecentHistory renders the most recent maxTurns turns as alternating
// User/Assistant lines, used as prompt context for the speech model.
// Returns an empty string when no turns exist.
func (s *Service) RecentHistory(ctx context.Context, sessionID model.SessionID, maxTurns int) (string, error) {
	c, err := s.working(ctx, sessionID)
	if err != nil {
		return "", err
	}

	turns := c.Turns
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}

	var b strings.Builder
	for _, turn := range turns {
		content := turn.UserInput.Content
		if content == "" {
			content = turn.UserInput.Transcription
		}
		fmt.Fprintf(&b, "User: %s\n", content)
		fmt.Fprintf(&b, "Assistant: %s\n", turn.Response.Content)
	}
	return b.String(), nil
}

// Finalize computes the session summary, persists the closed context, and
// evicts it from the working cache. Finalizing an already-closed context
// returns the stored result unchanged, which makes a duplicate session end
// a no-op for memory.
func (s *Service) Finalize(ctx context.Context, sessionID model.SessionID) (*model.ConversationContext, error) {
	c, err := s.working(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if !c.Closed {
		c.Summary = summarize(c)
		c.Closed = true
		c.UpdatedAt = time.Now()
		if err := s.store.PutContext(ctx, c); err != nil {
			return nil, goerr.Wrap(err, "failed to persist finalized context")
		}
	}

	s.mu.Lock()
	delete(s.cache, sessionID)
	s.mu.Unlock()

	return c, nil
}

// ListByUser returns the user's contexts, most recently updated first. The
// query is non-critical: callers log and continue on error.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*model.ConversationContext, error) {
	return s.store.ListContextsByUser(ctx, userID, limit)
}

// working returns the cached context, rehydrating from the store (context
// envelope plus historical turns) on a miss.
func (s *Service) working(ctx context.Context, sessionID model.SessionID) (*model.ConversationContext, error) {
	s.mu.Lock()
	c, ok := s.cache[sessionID]
	s.mu.Unlock()
	if ok {
		return c, nil
	}

	c, err := s.store.GetContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	turns, err := s.store.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to rehydrate turns")
	}
	// Conversational order is chronological regardless of how the store
	// happened to write the turns.
	sort.SliceStable(turns, func(i, j int) bool {
		return turns[i].Timestamp.Before(turns[j].Timestamp)
	})
	c.Turns = turns

	s.mu.Lock()
	s.cache[sessionID] = c
	s.mu.Unlock()

	return c, nil
}

func (s *Service) extractTopics(ctx context.Context, c *model.ConversationContext, input model.UserInput, resp model.AIResponse) {
	text := input.Content
	if input.Transcription != "" {
		text += " " + input.Transcription
	}
	text += " " + resp.Content

	topics, err := s.extractor.Extract(text)
	if err != nil {
		// Topic extraction is non-critical
		logging.From(ctx).Warn("topic extraction failed", "error", err, "session_id", c.SessionID)
		return
	}
	for _, topic := range topics {
		c.AppendTopic(topic)
	}
}

func summarize(c *model.ConversationContext) string {
	duration := time.Duration(c.TotalDurationMs) * time.Millisecond
	if len(c.Topics) == 0 {
		return fmt.Sprintf("Voice session with %d turns (%s processing).", c.TotalTurns, duration)
	}
	return fmt.Sprintf("Voice session with %d turns (%s processing). Topics: %s.",
		c.TotalTurns, duration, strings.Join(c.Topics, ", "))
}
