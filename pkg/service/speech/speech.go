package speech

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/y-okubo/soniq/pkg/model"
	"github.com/y-okubo/soniq/pkg/utils/logging"
)

// StreamState tracks one session's stream against a provider
type StreamState string

const (
	StreamUninitialized StreamState = "uninitialized"
	StreamStreaming     StreamState = "streaming"
	StreamClosed        StreamState = "closed"
)

// PushResult is the provider feedback for one forwarded chunk.
// ShouldProcess is nil when the provider has no opinion, in which case the
// deterministic trigger evaluator decides.
type PushResult struct {
	PartialTranscription string
	ShouldProcess        *bool
}

// ExchangeResult is the outcome of one full speech-to-speech exchange
type ExchangeResult struct {
	Transcription string
	ResponseText  string
	ResponseAudio []byte
	Model         string
	Degraded      bool
}

// Provider is one processing route for a voice session. Two implementations
// exist: the remote speech model and the local degraded path.
type Provider interface {
	Name() string
	OpenStream(ctx context.Context, sessionID model.SessionID, language string) error
	PushChunk(ctx context.Context, sessionID model.SessionID, chunk *model.AudioChunk) (*PushResult, error)
	Complete(ctx context.Context, sessionID model.SessionID, audio []byte, history string) (*ExchangeResult, error)
	CloseStream(ctx context.Context, sessionID model.SessionID) error
}

// Service fronts the remote speech model with an isolated fallback path.
// Provider selection happens in exactly one place (route): once the primary
// path fails for a session, the session is latched onto the fallback and
// stays there. The service never retries the primary internally; retries
// are the orchestrator's call.
type Service struct {
	primary  Provider
	fallback Provider
	timeout  time.Duration

	mu       sync.Mutex
	degraded map[model.SessionID]bool
	states   map[model.SessionID]StreamState
}

type Option func(*Service)

// WithTimeout bounds every primary-provider call. A timeout is treated
// exactly like a remote error: the session falls back, it never hangs.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.timeout = d
	}
}

func New(primary, fallback Provider, opts ...Option) *Service {
	s := &Service{
		primary:  primary,
		fallback: fallback,
		timeout:  30 * time.Second,
		degraded: make(map[model.SessionID]bool),
		states:   make(map[model.SessionID]StreamState),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// State returns the stream state of a session
func (s *Service) State(sessionID model.SessionID) StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[sessionID]; ok {
		return st
	}
	return StreamUninitialized
}

// route is the single provider decision point
func (s *Service) route(sessionID model.SessionID) Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded[sessionID] {
		return s.fallback
	}
	return s.primary
}

// degrade latches the session onto the fallback path
func (s *Service) degrade(ctx context.Context, sessionID model.SessionID, cause error) {
	s.mu.Lock()
	already := s.degraded[sessionID]
	s.degraded[sessionID] = true
	s.mu.Unlock()

	if !already {
		logging.From(ctx).Warn("speech session degraded to fallback path",
			"session_id", sessionID,
			"error", goerr.Wrap(model.ErrRemoteProcessing, "primary path failed", goerr.Value("cause", cause.Error())))
	}
}

// OpenStream establishes the session stream. A primary failure does not
// fail the call: the session opens on the fallback path instead.
func (s *Service) OpenStream(ctx context.Context, sessionID model.SessionID, language string) error {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.route(sessionID).OpenStream(callCtx, sessionID, language); err != nil {
		s.degrade(ctx, sessionID, err)
		if err := s.fallback.OpenStream(ctx, sessionID, language); err != nil {
			return goerr.Wrap(err, "failed to open fallback stream")
		}
	}

	s.mu.Lock()
	s.states[sessionID] = StreamStreaming
	s.mu.Unlock()
	return nil
}

// PushChunk forwards one chunk. On a remote error the chunk is re-run
// through the fallback heuristic rather than dropped.
func (s *Service) PushChunk(ctx context.Context, sessionID model.SessionID, chunk *model.AudioChunk) (*PushResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.route(sessionID).PushChunk(callCtx, sessionID, chunk)
	if err != nil {
		s.degrade(ctx, sessionID, err)
		result, err = s.fallback.PushChunk(ctx, sessionID, chunk)
		if err != nil {
			return nil, goerr.Wrap(err, "fallback push failed")
		}
	}
	return result, nil
}

// Complete runs one full speech-to-speech exchange over the assembled
// session audio. A remote failure falls through to the degraded
// text-generation-plus-synthesis path: a degraded response beats none in a
// user-facing real-time exchange.
func (s *Service) Complete(ctx context.Context, sessionID model.SessionID, audio []byte, history string) (*ExchangeResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.route(sessionID).Complete(callCtx, sessionID, audio, history)
	if err != nil {
		s.degrade(ctx, sessionID, err)
		result, err = s.fallback.Complete(ctx, sessionID, audio, history)
		if err != nil {
			return nil, goerr.Wrap(err, "fallback exchange failed")
		}
	}
	return result, nil
}

// CloseStream tears down the session stream. Idempotent: closing an
// already-closed or never-opened stream logs and succeeds.
func (s *Service) CloseStream(ctx context.Context, sessionID model.SessionID) error {
	s.mu.Lock()
	state := s.states[sessionID]
	s.states[sessionID] = StreamClosed
	degraded := s.degraded[sessionID]
	delete(s.degraded, sessionID)
	s.mu.Unlock()

	if state != StreamStreaming {
		logging.From(ctx).Debug("close on non-streaming session", "session_id", sessionID, "state", state)
		return nil
	}

	provider := s.primary
	if degraded {
		provider = s.fallback
	}
	if err := provider.CloseStream(ctx, sessionID); err != nil {
		logging.From(ctx).Warn("failed to close stream", "session_id", sessionID, "error", err)
	}
	return nil
}
