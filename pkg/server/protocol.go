package server

import (
	"encoding/base64"

	"github.com/m-mizutani/goerr/v2"
	"github.com/y-okubo/soniq/pkg/model"
)

// ClientMessage is one inbound control frame. Type selects which fields are
// meaningful; audio payloads travel base64-encoded inside chunk frames.
type ClientMessage struct {
	Type string `json:"type"`

	// start
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Language  string `json:"language,omitempty"`
	Format    string `json:"format,omitempty"`
	FreshOnly bool   `json:"fresh_only,omitempty"`

	// chunk
	Sequence int64  `json:"sequence,omitempty"`
	Audio    string `json:"audio,omitempty"`
}

const (
	msgStart = "start"
	msgChunk = "chunk"
	msgEnd   = "end"
)

// ServerMessage is one outbound frame
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	Partial       string `json:"partial,omitempty"`
	Transcription string `json:"transcription,omitempty"`
	Response      string `json:"response,omitempty"`
	AudioRef      string `json:"audio_ref,omitempty"`
	Summary       string `json:"summary,omitempty"`
	Error         string `json:"error,omitempty"`
	Retryable     bool   `json:"retryable,omitempty"`
}

// decodeChunk converts a chunk frame into a model.AudioChunk
func decodeChunk(msg *ClientMessage, format model.AudioFormat) (*model.AudioChunk, error) {
	payload, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid chunk audio encoding", goerr.Value("sequence", msg.Sequence))
	}
	if len(payload) == 0 {
		return nil, goerr.New("empty chunk payload", goerr.Value("sequence", msg.Sequence))
	}

	return &model.AudioChunk{
		Sequence: msg.Sequence,
		Payload:  payload,
		Format:   format,
	}, nil
}
