package memory_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/y-okubo/soniq/pkg/model"
	"github.com/y-okubo/soniq/pkg/repository"
	"github.com/y-okubo/soniq/pkg/service/memory"
)

func voiceInput(text string) model.UserInput {
	return model.UserInput{
		Kind:          model.InputKindVoice,
		Content:       text,
		Transcription: text,
		Confidence:    0.9,
	}
}

func response(text string) model.AIResponse {
	return model.AIResponse{
		Content:          text,
		Model:            "test-model",
		ProcessingTimeMs: 120,
	}
}

func TestAddTurnRequiresContext(t *testing.T) {
	ctx := context.Background()
	svc := memory.New(repository.NewMemory())

	_, err := svc.AddTurn(ctx, model.NewSessionID(), voiceInput("hello"), response("hi"), model.TurnMetadata{})
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrContextNotFound))
}

func TestAddTurnAndHistory(t *testing.T) {
	ctx := context.Background()
	svc := memory.New(repository.NewMemory())
	sessionID := model.NewSessionID()

	_, err := svc.InitializeContext(ctx, sessionID, "user-1", "en-US")
	gt.NoError(t, err)

	_, err = svc.AddTurn(ctx, sessionID, voiceInput("what time is it"), response("it is noon"), model.TurnMetadata{Language: "en-US"})
	gt.NoError(t, err)
	_, err = svc.AddTurn(ctx, sessionID, voiceInput("thanks"), response("anytime"), model.TurnMetadata{Language: "en-US"})
	gt.NoError(t, err)

	history, err := svc.RecentHistory(ctx, sessionID, 10)
	gt.NoError(t, err)
	gt.Equal(t, history,
		"User: what time is it\nAssistant: it is noon\nUser: thanks\nAssistant: anytime\n")
}

func TestRecentHistoryEmpty(t *testing.T) {
	ctx := context.Background()
	svc := memory.New(repository.NewMemory())
	sessionID := model.NewSessionID()

	_, err := svc.InitializeContext(ctx, sessionID, "user-1", "en-US")
	gt.NoError(t, err)

	history, err := svc.RecentHistory(ctx, sessionID, 10)
	gt.NoError(t, err)
	gt.Equal(t, history, "")
}

func TestRecentHistoryLimit(t *testing.T) {
	ctx := context.Background()
	svc := memory.New(repository.NewMemory())
	sessionID := model.NewSessionID()

	_, err := svc.InitializeContext(ctx, sessionID, "user-1", "en-US")
	gt.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := svc.AddTurn(ctx, sessionID, voiceInput(fmt.Sprintf("q%d", i)), response(fmt.Sprintf("a%d", i)), model.TurnMetadata{})
		gt.NoError(t, err)
	}

	history, err := svc.RecentHistory(ctx, sessionID, 2)
	gt.NoError(t, err)
	gt.Equal(t, history, "User: q3\nAssistant: a3\nUser: q4\nAssistant: a4\n")
}

func TestRehydration(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	sessionID := model.NewSessionID()

	// First invocation initializes and records turns.
	first := memory.New(store)
	_, err := first.InitializeContext(ctx, sessionID, "user-1", "en-US")
	gt.NoError(t, err)
	_, err = first.AddTurn(ctx, sessionID, voiceInput("remember the milk"), response("noted"), model.TurnMetadata{})
	gt.NoError(t, err)

	// A second service instance simulates a fresh stateless invocation: the
	// working cache is cold and the context rehydrates from the store.
	second := memory.New(store)
	turn, err := second.AddTurn(ctx, sessionID, voiceInput("and eggs"), response("got it"), model.TurnMetadata{})
	gt.NoError(t, err)
	gt.NotNil(t, turn)

	history, err := second.RecentHistory(ctx, sessionID, 10)
	gt.NoError(t, err)
	gt.Equal(t, history,
		"User: remember the milk\nAssistant: noted\nUser: and eggs\nAssistant: got it\n")
}

func TestTurnOrderingByTimestamp(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	sessionID := model.NewSessionID()

	svc := memory.New(store)
	_, err := svc.InitializeContext(ctx, sessionID, "user-1", "en-US")
	gt.NoError(t, err)

	// Write turns to the store directly in reverse chronological order. A
	// cold rehydration must still yield chronological history.
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	for i := 2; i >= 0; i-- {
		gt.NoError(t, store.PutTurn(ctx, &model.ConversationTurn{
			ID:        model.NewTurnID(),
			SessionID: sessionID,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			UserInput: voiceInput(fmt.Sprintf("q%d", i)),
			Response:  response(fmt.Sprintf("a%d", i)),
		}))
	}

	cold := memory.New(store)
	history, err := cold.RecentHistory(ctx, sessionID, 10)
	gt.NoError(t, err)
	gt.Equal(t, history,
		"User: q0\nAssistant: a0\nUser: q1\nAssistant: a1\nUser: q2\nAssistant: a2\n")
}

func TestTopicBound(t *testing.T) {
	ctx := context.Background()
	svc := memory.New(repository.NewMemory())
	sessionID := model.NewSessionID()

	_, err := svc.InitializeContext(ctx, sessionID, "user-1", "en-US")
	gt.NoError(t, err)

	// 12 distinct topic-matching turns; only the 10 most recent survive.
	words := []string{
		"weather", "music", "schedule", "meeting", "reminder", "news",
		"time", "shopping", "travel", "food", "health", "sports",
	}
	for _, w := range words {
		_, err := svc.AddTurn(ctx, sessionID, voiceInput("tell me about "+w), response("sure"), model.TurnMetadata{})
		gt.NoError(t, err)
	}

	c, err := svc.Finalize(ctx, sessionID)
	gt.NoError(t, err)
	gt.Equal(t, len(c.Topics), model.MaxTopics)
	gt.Equal(t, c.Topics, words[2:])
}

func TestFinalize(t *testing.T) {
	ctx := context.Background()
	svc := memory.New(repository.NewMemory())
	sessionID := model.NewSessionID()

	_, err := svc.InitializeContext(ctx, sessionID, "user-1", "en-US")
	gt.NoError(t, err)
	_, err = svc.AddTurn(ctx, sessionID, voiceInput("play some music"), response("playing"), model.TurnMetadata{})
	gt.NoError(t, err)

	c, err := svc.Finalize(ctx, sessionID)
	gt.NoError(t, err)
	gt.True(t, c.Closed)
	gt.S(t, c.Summary).Contains("1 turns")
	gt.S(t, c.Summary).Contains("music")

	// Finalize is idempotent: the second call returns the same summary.
	again, err := svc.Finalize(ctx, sessionID)
	gt.NoError(t, err)
	gt.Equal(t, again.Summary, c.Summary)

	// The closed context must not be resurrected by a late turn.
	_, err = svc.AddTurn(ctx, sessionID, voiceInput("one more"), response("no"), model.TurnMetadata{})
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrContextClosed))
}

func TestListByUser(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	svc := memory.New(store)

	for i := 0; i < 3; i++ {
		id := model.NewSessionID()
		_, err := svc.InitializeContext(ctx, id, "user-1", "en-US")
		gt.NoError(t, err)
	}
	_, err := svc.InitializeContext(ctx, model.NewSessionID(), "user-2", "en-US")
	gt.NoError(t, err)

	contexts, err := svc.ListByUser(ctx, "user-1", 2)
	gt.NoError(t, err)
	gt.Equal(t, len(contexts), 2)
	for _, c := range contexts {
		gt.Equal(t, c.UserID, "user-1")
	}
}

func TestKeywordExtractor(t *testing.T) {
	e := memory.NewKeywordExtractor()

	topics, err := e.Extract("What's the WEATHER like, and play some music")
	gt.NoError(t, err)
	gt.Equal(t, topics, []string{"weather", "music"})

	topics, err = e.Extract("nothing relevant here")
	gt.NoError(t, err)
	gt.Equal(t, len(topics), 0)
}
