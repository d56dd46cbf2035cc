package session

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/y-okubo/soniq/pkg/adapter"
	"github.com/y-okubo/soniq/pkg/metrics"
	"github.com/y-okubo/soniq/pkg/model"
	"github.com/y-okubo/soniq/pkg/notify"
	"github.com/y-okubo/soniq/pkg/repository"
	memorysvc "github.com/y-okubo/soniq/pkg/service/memory"
	"github.com/y-okubo/soniq/pkg/service/speech"
	"github.com/y-okubo/soniq/pkg/service/trigger"
	"github.com/y-okubo/soniq/pkg/utils/logging"
)

// Orchestrator composes the session stores, the trigger evaluator, the
// conversation memory and the speech facade into the session lifecycle
// state machine. It is the only entry point the transport glue consumes.
// Every method is safe to call from independent stateless invocations: all
// state that matters lives in the stores, and phase changes go through
// conditional writes so concurrent handlers settle on one winner.
type Orchestrator struct {
	sessions  repository.SessionStore
	memory    *memorysvc.Service
	speech    *speech.Service
	trigger   *trigger.Evaluator
	storage   adapter.Storage
	sink      notify.Sink
	analytics adapter.Analytics
	metrics   *metrics.Metrics

	historyTurns int
	endFlushWait time.Duration
}

// NewInput contains the orchestrator dependencies. Storage, Analytics and
// Metrics are optional; Sink defaults to the structured log.
type NewInput struct {
	Sessions  repository.SessionStore
	Memory    *memorysvc.Service
	Speech    *speech.Service
	Trigger   *trigger.Evaluator
	Storage   adapter.Storage
	Sink      notify.Sink
	Analytics adapter.Analytics
	Metrics   *metrics.Metrics
}

func New(input NewInput) *Orchestrator {
	o := &Orchestrator{
		sessions:  input.Sessions,
		memory:    input.Memory,
		speech:    input.Speech,
		trigger:   input.Trigger,
		storage:   input.Storage,
		sink:      input.Sink,
		analytics: input.Analytics,
		metrics:   input.Metrics,

		historyTurns: 10,
		endFlushWait: 10 * time.Second,
	}

	if o.trigger == nil {
		o.trigger = trigger.New(trigger.Config{})
	}
	if o.sink == nil {
		o.sink = notify.SlogSink{}
	}

	return o
}

// StartInput contains parameters for starting a voice session
type StartInput struct {
	// SessionID is generated when empty
	SessionID    model.SessionID
	ConnectionID string
	UserID       string
	Config       model.SessionConfig
}

// Start initializes the session: durable store entry, speech stream, and
// conversation context. The returned session is the initialization
// acknowledgment for the caller.
func (o *Orchestrator) Start(ctx context.Context, input StartInput) (*model.Session, error) {
	id := input.SessionID
	if id == "" {
		id = model.NewSessionID()
	}

	now := time.Now()
	session := &model.Session{
		ID:           id,
		ConnectionID: input.ConnectionID,
		UserID:       input.UserID,
		AudioFormat:  input.Config.AudioFormat,
		Language:     input.Config.Language,
		Model:        input.Config.Model,
		Phase:        model.PhaseIdle,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if session.AudioFormat == "" {
		session.AudioFormat = model.AudioFormatPCM16
	}
	if session.Language == "" {
		session.Language = "en-US"
	}

	if err := o.sessions.Initialize(ctx, session, input.Config.FreshOnly); err != nil {
		return nil, err
	}

	if _, err := o.memory.InitializeContext(ctx, id, input.UserID, session.Language); err != nil {
		return nil, goerr.Wrap(err, "failed to initialize conversation context")
	}

	if err := o.speech.OpenStream(ctx, id, session.Language); err != nil {
		return nil, goerr.Wrap(err, "failed to open speech stream")
	}

	o.publish(ctx, &notify.Event{Type: notify.EventStarted, SessionID: id, Timestamp: time.Now()})
	if o.metrics != nil {
		o.metrics.SessionsStarted.Inc()
		o.metrics.ActiveSessions.Inc()
	}

	return session, nil
}

// ChunkResult is the outcome of handling one inbound chunk
type ChunkResult struct {
	PartialTranscription string
	Triggered            bool
	Reason               trigger.Reason
	// Turn is set when this chunk won the trigger and full processing ran
	Turn *model.ConversationTurn
}

// HandleChunk appends one audio chunk, forwards it to the speech facade,
// and evaluates whether buffered audio should flush to full processing.
// When two handlers race on the same trigger, the conditional phase write
// picks one winner; the loser reports Triggered=false and returns early.
func (o *Orchestrator) HandleChunk(ctx context.Context, sessionID model.SessionID, chunk *model.AudioChunk) (*ChunkResult, error) {
	if chunk.ReceivedAt.IsZero() {
		chunk.ReceivedAt = time.Now()
	}

	if err := o.sessions.AppendChunk(ctx, sessionID, chunk); err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.ChunksReceived.Inc()
		o.metrics.ChunkBytes.Observe(float64(len(chunk.Payload)))
	}

	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Receiving begins implicitly on the first chunk. A concurrent handler
	// may have advanced the phase already; that is not a failure.
	if session.Phase == model.PhaseIdle {
		if err := o.sessions.SetPhase(ctx, sessionID, model.PhaseIdle, model.PhaseReceiving); err != nil &&
			!errors.Is(err, model.ErrInvalidTransition) {
			return nil, err
		}
	}

	push, err := o.speech.PushChunk(ctx, sessionID, chunk)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to push chunk to speech facade")
	}

	result := &ChunkResult{PartialTranscription: push.PartialTranscription}

	// The speech path's own positive signal wins; otherwise the
	// deterministic trigger evaluator decides.
	var should bool
	var reason trigger.Reason
	if push.ShouldProcess != nil && *push.ShouldProcess {
		should = true
		reason = trigger.ReasonModelSignal
	} else {
		chunks, err := o.sessions.GetBufferedChunks(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		decision := o.trigger.Evaluate(chunks, len(push.PartialTranscription))
		should = decision.ShouldProcess
		reason = decision.Reason
	}

	if !should {
		return result, nil
	}
	if o.metrics != nil {
		o.metrics.TriggerDecisions.WithLabelValues(string(reason)).Inc()
	}

	// At-most-one handler proceeds to processing.
	if err := o.sessions.SetPhase(ctx, sessionID, model.PhaseReceiving, model.PhaseProcessing); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			if o.metrics != nil {
				o.metrics.TransitionConflict.Inc()
			}
			logging.From(ctx).Debug("trigger already handled by concurrent handler", "session_id", sessionID)
			return result, nil
		}
		return nil, err
	}

	turn, err := o.process(ctx, session, reason)
	if err != nil {
		return nil, err
	}

	result.Triggered = true
	result.Reason = reason
	result.Turn = turn
	return result, nil
}

// Process forces a full processing run regardless of trigger state, e.g.
// for an explicit flush request from the caller.
func (o *Orchestrator) Process(ctx context.Context, sessionID model.SessionID) (*model.ConversationTurn, error) {
	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := o.sessions.SetPhase(ctx, sessionID, model.PhaseReceiving, model.PhaseProcessing); err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.TriggerDecisions.WithLabelValues(string(trigger.ReasonExplicit)).Inc()
	}
	return o.process(ctx, session, trigger.ReasonExplicit)
}

// process runs one full exchange over the buffered audio. The caller must
// already hold the PROCESSING transition.
func (o *Orchestrator) process(ctx context.Context, session *model.Session, reason trigger.Reason) (*model.ConversationTurn, error) {
	sessionID := session.ID
	o.publish(ctx, &notify.Event{Type: notify.EventProcessing, SessionID: sessionID, Timestamp: time.Now()})

	chunks, err := o.sessions.GetBufferedChunks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	assembled := model.AssembleAudio(chunks)

	audioRef := o.storeAudio(ctx, sessionID, assembled)

	history, err := o.memory.RecentHistory(ctx, sessionID, o.historyTurns)
	if err != nil {
		// History is prompt enrichment, not a processing precondition.
		logging.From(ctx).Warn("failed to load conversation history", "session_id", sessionID, "error", err)
		history = ""
	}

	started := time.Now()
	exchange, err := o.speech.Complete(ctx, sessionID, assembled, history)
	if err != nil {
		o.publish(ctx, &notify.Event{
			Type: notify.EventError, SessionID: sessionID, Timestamp: time.Now(),
			Message: "speech processing failed",
		})
		return nil, goerr.Wrap(err, "speech exchange failed")
	}
	elapsed := time.Since(started)

	if o.metrics != nil {
		o.metrics.ProcessRuns.Inc()
		o.metrics.ProcessDuration.Observe(elapsed.Seconds())
		if exchange.Degraded {
			o.metrics.FallbackExchanges.Inc()
		}
	}

	if err := o.sessions.SetPhase(ctx, sessionID, model.PhaseProcessing, model.PhaseResponding); err != nil {
		return nil, err
	}

	response := model.AIResponse{
		Content:          exchange.ResponseText,
		AudioRef:         audioRef,
		Model:            exchange.Model,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}
	// The live stream may not have produced any input transcription by
	// exchange time; the turn still needs user content, and a validation
	// failure here would strand the session in RESPONDING.
	content := exchange.Transcription
	if content == "" {
		content = "[voice input]"
	}

	turn, err := o.memory.AddTurn(ctx, sessionID,
		model.UserInput{
			Kind:          model.InputKindVoice,
			Content:       content,
			Transcription: exchange.Transcription,
		},
		response,
		model.TurnMetadata{Language: session.Language, TriggerReason: string(reason)},
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to record turn")
	}

	if err := o.sessions.ClearChunks(ctx, sessionID); err != nil {
		return nil, err
	}

	o.publish(ctx, &notify.Event{
		Type: notify.EventResponseReady, SessionID: sessionID, Timestamp: time.Now(),
		Response: &turn.Response, Transcription: exchange.Transcription,
	})

	// The session stays open for further chunks until the caller ends it.
	if err := o.sessions.SetPhase(ctx, sessionID, model.PhaseResponding, model.PhaseReceiving); err != nil {
		return nil, err
	}

	return turn, nil
}

// EndResult is the final acknowledgment of a session
type EndResult struct {
	Summary string
	Context *model.ConversationContext
}

// End closes the session: leftover chunks are flushed through one final
// processing run, the conversation is finalized, the speech stream closed,
// and the durable buffer cleared. A duplicate End on an already-ended
// session returns the same summary with no error.
func (o *Orchestrator) End(ctx context.Context, sessionID model.SessionID) (*EndResult, error) {
	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			// The session record is already cleared; the finalized context
			// still holds the summary, which makes End idempotent.
			c, ferr := o.memory.Finalize(ctx, sessionID)
			if ferr != nil {
				return nil, err
			}
			return &EndResult{Summary: c.Summary, Context: c}, nil
		}
		return nil, err
	}

	// An in-flight processing run must complete and record its turn before
	// memory is finalized, so the last exchange is never lost.
	session, err = o.awaitQuiescence(ctx, sessionID, session)
	if err != nil {
		return nil, err
	}

	if session.Phase != model.PhaseEnded {
		// A failed final flush surfaces to the caller so the transport can
		// redeliver End; swallowing it would silently drop the last exchange.
		if err := o.flushRemaining(ctx, session); err != nil {
			return nil, goerr.Wrap(err, "failed to flush remaining audio", goerr.Value("session_id", sessionID))
		}
		if err := o.sessions.ResetPhase(ctx, sessionID, model.PhaseEnded); err != nil &&
			!errors.Is(err, model.ErrSessionNotFound) {
			return nil, err
		}
	}

	c, err := o.memory.Finalize(ctx, sessionID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to finalize conversation")
	}

	if err := o.speech.CloseStream(ctx, sessionID); err != nil {
		logging.From(ctx).Warn("failed to close speech stream", "session_id", sessionID, "error", err)
	}

	if err := o.sessions.Clear(ctx, sessionID); err != nil {
		return nil, err
	}

	o.publish(ctx, &notify.Event{
		Type: notify.EventCompleted, SessionID: sessionID, Timestamp: time.Now(),
		Summary: c.Summary,
	})
	o.exportAnalytics(ctx, c)
	if o.metrics != nil {
		o.metrics.SessionsEnded.Inc()
		o.metrics.ActiveSessions.Dec()
	}

	return &EndResult{Summary: c.Summary, Context: c}, nil
}

// flushRemaining runs one final processing step when unflushed chunks
// remain and no response is already being delivered.
func (o *Orchestrator) flushRemaining(ctx context.Context, session *model.Session) error {
	if session.Phase == model.PhaseResponding {
		return nil
	}

	chunks, err := o.sessions.GetBufferedChunks(ctx, session.ID)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	// A crash between the first append and the implicit transition to
	// RECEIVING can leave buffered chunks on an idle session; step through
	// RECEIVING so the flush below holds a valid precondition.
	if session.Phase == model.PhaseIdle {
		if err := o.sessions.SetPhase(ctx, session.ID, model.PhaseIdle, model.PhaseReceiving); err != nil {
			if !errors.Is(err, model.ErrInvalidTransition) {
				return err
			}
			session, err = o.sessions.GetSession(ctx, session.ID)
			if err != nil {
				return err
			}
		} else {
			session.Phase = model.PhaseReceiving
		}
	}

	if err := o.sessions.SetPhase(ctx, session.ID, session.Phase, model.PhaseProcessing); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			// A concurrent handler is flushing the same audio.
			return nil
		}
		return err
	}
	if _, err := o.process(ctx, session, trigger.ReasonSessionEnd); err != nil {
		return err
	}
	return nil
}

// awaitQuiescence polls until no processing run is in flight
func (o *Orchestrator) awaitQuiescence(ctx context.Context, sessionID model.SessionID, session *model.Session) (*model.Session, error) {
	deadline := time.Now().Add(o.endFlushWait)
	for session.Phase == model.PhaseProcessing && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, goerr.Wrap(ctx.Err(), "canceled while waiting for in-flight processing")
		case <-time.After(100 * time.Millisecond):
		}

		var err error
		session, err = o.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
	}
	return session, nil
}

// ListSessions returns the user's stored conversation contexts, most recent
// first. Best-effort surface over conversation memory.
func (o *Orchestrator) ListSessions(ctx context.Context, userID string, limit int) ([]*model.ConversationContext, error) {
	return o.memory.ListByUser(ctx, userID, limit)
}

// storeAudio persists the assembled audio and returns its blob key. Blob
// persistence is non-critical: on failure the turn is recorded without an
// audio reference.
func (o *Orchestrator) storeAudio(ctx context.Context, sessionID model.SessionID, audio []byte) string {
	if o.storage == nil || len(audio) == 0 {
		return ""
	}

	key := adapter.AudioObjectKey(sessionID, time.Now())
	w, err := o.storage.Put(ctx, key)
	if err != nil {
		logging.From(ctx).Warn("failed to open audio object", "session_id", sessionID, "error", err)
		return ""
	}
	if _, err := w.Write(audio); err != nil {
		logging.From(ctx).Warn("failed to write audio object", "session_id", sessionID, "error", err)
		_ = w.Close()
		return ""
	}
	if err := w.Close(); err != nil {
		logging.From(ctx).Warn("failed to close audio object", "session_id", sessionID, "error", err)
		return ""
	}
	return key
}

func (o *Orchestrator) publish(ctx context.Context, event *notify.Event) {
	if err := o.sink.Publish(ctx, event); err != nil {
		logging.From(ctx).Warn("failed to publish session event",
			"type", event.Type, "session_id", event.SessionID, "error", err)
	}
}

func (o *Orchestrator) exportAnalytics(ctx context.Context, c *model.ConversationContext) {
	if o.analytics == nil {
		return
	}

	row := &adapter.SessionSummaryRow{
		SessionID:       string(c.SessionID),
		UserID:          c.UserID,
		Language:        c.Language,
		TotalTurns:      c.TotalTurns,
		TotalDurationMs: c.TotalDurationMs,
		Topics:          c.Topics,
		Summary:         c.Summary,
		StartedAt:       c.CreatedAt,
		EndedAt:         c.UpdatedAt,
	}
	if err := o.analytics.InsertSessionSummary(ctx, row); err != nil {
		logging.From(ctx).Warn("failed to export session analytics",
			"session_id", c.SessionID, "error", err)
	}
}
