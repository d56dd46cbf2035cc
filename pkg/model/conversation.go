package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type TurnID string

// NewTurnID generates a new unique TurnID
func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

type InputKind string

const (
	InputKindVoice InputKind = "voice"
	InputKindText  InputKind = "text"
)

// UserInput is the user half of a conversation turn. Transcription and
// Confidence are only meaningful for voice input.
type UserInput struct {
	Kind          InputKind `firestore:"kind"`
	Content       string    `firestore:"content"`
	Transcription string    `firestore:"transcription,omitempty"`
	Confidence    float64   `firestore:"confidence,omitempty"`
}

// Validate checks the input against its kind
func (u *UserInput) Validate() error {
	switch u.Kind {
	case InputKindVoice, InputKindText:
	default:
		return goerr.New("invalid input kind", goerr.Value("kind", string(u.Kind)))
	}
	if u.Content == "" && u.Transcription == "" {
		return goerr.New("user input has no content")
	}
	return nil
}

// AIResponse is the assistant half of a conversation turn. AudioRef points
// at the synthesized audio object in blob storage when one exists.
type AIResponse struct {
	Content          string `firestore:"content"`
	AudioRef         string `firestore:"audio_ref,omitempty"`
	Model            string `firestore:"model"`
	ProcessingTimeMs int64  `firestore:"processing_time_ms"`
}

type TurnMetadata struct {
	Language      string `firestore:"language"`
	TriggerReason string `firestore:"trigger_reason"`
}

// ConversationTurn is one user/assistant exchange. Turns are immutable once
// written; the conversation only ever appends.
type ConversationTurn struct {
	ID        TurnID       `firestore:"id"`
	SessionID SessionID    `firestore:"session_id"`
	Timestamp time.Time    `firestore:"timestamp"`
	UserInput UserInput    `firestore:"user_input"`
	Response  AIResponse   `firestore:"response"`
	Metadata  TurnMetadata `firestore:"metadata"`
}

// MaxTopics bounds the topics list of a conversation context. The oldest
// topic is evicted first when the bound is exceeded.
const MaxTopics = 10

// ConversationContext is the per-session memory envelope. Turns are kept in
// conversational order, Topics holds at most MaxTopics entries, and Summary
// stays empty until the session is finalized.
type ConversationContext struct {
	SessionID SessionID `firestore:"session_id"`
	UserID    string    `firestore:"user_id"`
	Language  string    `firestore:"language"`

	CreatedAt time.Time `firestore:"created_at"`
	UpdatedAt time.Time `firestore:"updated_at"`

	// Turns are stored in their own subcollection, not inside the context
	// document, due to the document size limitation of Firestore
	Turns   []*ConversationTurn `firestore:"-"`
	Topics  []string            `firestore:"topics"`
	Summary string              `firestore:"summary,omitempty"`
	Closed  bool                `firestore:"closed"`

	TotalTurns      int   `firestore:"total_turns"`
	TotalDurationMs int64 `firestore:"total_duration_ms"`
}

// AppendTopic adds a topic if not already present, evicting from the front
// when the list exceeds MaxTopics.
func (c *ConversationContext) AppendTopic(topic string) {
	for _, t := range c.Topics {
		if t == topic {
			return
		}
	}
	c.Topics = append(c.Topics, topic)
	if len(c.Topics) > MaxTopics {
		c.Topics = c.Topics[len(c.Topics)-MaxTopics:]
	}
}
