package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type SessionID string

// NewSessionID generates a new unique SessionID
func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseReceiving  Phase = "receiving"
	PhaseProcessing Phase = "processing"
	PhaseResponding Phase = "responding"
	PhaseEnded      Phase = "ended"
)

// Validate checks if the phase is valid
func (p Phase) Validate() error {
	switch p {
	case PhaseIdle, PhaseReceiving, PhaseProcessing, PhaseResponding, PhaseEnded:
		return nil
	default:
		return goerr.New("invalid phase", goerr.Value("phase", string(p)))
	}
}

// CanTransitionTo reports whether a phase change from p to next follows the
// session lifecycle. Reverse moves are only possible through an explicit
// reset, never through a normal phase update.
func (p Phase) CanTransitionTo(next Phase) bool {
	if next == PhaseEnded {
		return true
	}
	switch p {
	case PhaseIdle:
		return next == PhaseReceiving
	case PhaseReceiving:
		return next == PhaseProcessing || next == PhaseReceiving
	case PhaseProcessing:
		return next == PhaseResponding
	case PhaseResponding:
		return next == PhaseReceiving || next == PhaseIdle
	default:
		return false
	}
}

type AudioFormat string

const (
	AudioFormatPCM16 AudioFormat = "pcm16"
	AudioFormatOpus  AudioFormat = "opus"
	AudioFormatWebM  AudioFormat = "webm"
)

// Session is the durable record of one voice interaction. It is owned by the
// session orchestrator and persisted so that any stateless invocation
// handling the same SessionID sees the same lifecycle state.
type Session struct {
	ID           SessionID   `firestore:"id"`
	ConnectionID string      `firestore:"connection_id"`
	UserID       string      `firestore:"user_id"`
	AudioFormat  AudioFormat `firestore:"audio_format"`
	Language     string      `firestore:"language"`
	Model        string      `firestore:"model"`
	Phase        Phase       `firestore:"phase"`

	CreatedAt time.Time `firestore:"created_at"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// SessionConfig carries the caller-supplied parameters of a new session.
type SessionConfig struct {
	AudioFormat AudioFormat
	Language    string
	Model       string

	// FreshOnly rejects initialization when a session with the same ID
	// already exists. The default is to overwrite the prior state.
	FreshOnly bool
}

// AudioChunk is one fragment of inbound audio. Chunks arrive in arbitrary
// order; Sequence is assigned by the caller and final assembly sorts by it.
type AudioChunk struct {
	Sequence   int64       `firestore:"sequence"`
	Payload    []byte      `firestore:"payload"`
	Format     AudioFormat `firestore:"format"`
	ReceivedAt time.Time   `firestore:"received_at"`
}

// AssembleAudio concatenates chunk payloads in ascending sequence order.
// The input slice must already be sorted by Sequence.
func AssembleAudio(chunks []*AudioChunk) []byte {
	var total int
	for _, c := range chunks {
		total += len(c.Payload)
	}
	buf := make([]byte, 0, total)
	for _, c := range chunks {
		buf = append(buf, c.Payload...)
	}
	return buf
}
