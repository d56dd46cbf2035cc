package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-mizutani/goerr/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/y-okubo/soniq/pkg/model"
	"github.com/y-okubo/soniq/pkg/notify"
	"github.com/y-okubo/soniq/pkg/usecase/session"
	"github.com/y-okubo/soniq/pkg/utils/logging"
)

// SessionFactory builds one orchestrator bound to a connection's event sink.
// One orchestrator per websocket connection keeps lifecycle events flowing
// back to the client that owns the session.
type SessionFactory func(sink notify.Sink) *session.Orchestrator

// Server exposes the session engine over websocket plus the usual
// health and metrics endpoints.
type Server struct {
	mux      *http.ServeMux
	factory  SessionFactory
	upgrader websocket.Upgrader
}

func New(factory SessionFactory, registry *prometheus.Registry) *Server {
	s := &Server{
		factory: factory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if registry != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	s.mux.HandleFunc("/v1/session", s.handleSession)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	logger := logging.From(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sink := &connSink{conn: conn}
	uc := s.factory(sink)

	ctx := logging.With(r.Context(), logger)
	if err := s.runSession(ctx, conn, sink, uc); err != nil {
		logger.Warn("session connection closed with error", "error", err)
	}
}

// runSession drives one connection: a start frame, any number of chunk
// frames, then an end frame. The orchestrator carries all session state,
// so a dropped connection can resume by starting with the same session ID.
func (s *Server) runSession(ctx context.Context, conn *websocket.Conn, sink *connSink, uc *session.Orchestrator) error {
	logger := logging.From(ctx)

	var sessionID model.SessionID
	var format model.AudioFormat

	defer func() {
		if sessionID == "" {
			return
		}
		// Closing the socket without an end frame leaves the session durable
		// for resumption. Only log that we are leaving it open.
		logger.Info("connection closed with session left open", "session_id", sessionID)
	}()

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return goerr.Wrap(err, "failed to read client frame")
		}

		switch msg.Type {
		case msgStart:
			resp, err := uc.Start(ctx, session.StartInput{
				SessionID:    model.SessionID(msg.SessionID),
				ConnectionID: conn.RemoteAddr().String(),
				UserID:       msg.UserID,
				Config: model.SessionConfig{
					AudioFormat: model.AudioFormat(msg.Format),
					Language:    msg.Language,
					FreshOnly:   msg.FreshOnly,
				},
			})
			if err != nil {
				sink.sendError(ctx, err)
				continue
			}
			sessionID = resp.ID
			format = resp.AudioFormat
			sink.send(ctx, &ServerMessage{Type: "ack", SessionID: string(resp.ID)})

		case msgChunk:
			if sessionID == "" {
				sink.send(ctx, &ServerMessage{Type: "error", Error: "chunk before start"})
				continue
			}
			chunk, err := decodeChunk(&msg, format)
			if err != nil {
				sink.sendError(ctx, err)
				continue
			}
			result, err := uc.HandleChunk(ctx, sessionID, chunk)
			if err != nil {
				sink.sendError(ctx, err)
				continue
			}
			if !result.Triggered && result.PartialTranscription != "" {
				sink.send(ctx, &ServerMessage{
					Type:      "partial",
					SessionID: string(sessionID),
					Partial:   result.PartialTranscription,
				})
			}

		case msgEnd:
			if sessionID == "" {
				sink.send(ctx, &ServerMessage{Type: "error", Error: "end before start"})
				continue
			}
			result, err := uc.End(ctx, sessionID)
			if err != nil {
				sink.sendError(ctx, err)
				continue
			}
			sink.send(ctx, &ServerMessage{
				Type:      "ended",
				SessionID: string(sessionID),
				Summary:   result.Summary,
			})
			return nil

		default:
			sink.send(ctx, &ServerMessage{Type: "error", Error: "unknown frame type: " + msg.Type})
		}
	}
}

// connSink forwards orchestrator lifecycle events to the websocket client.
// Writes are serialized; gorilla/websocket allows only one concurrent writer.
type connSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *connSink) Publish(ctx context.Context, event *notify.Event) error {
	msg := &ServerMessage{
		Type:      string(event.Type),
		SessionID: string(event.SessionID),
		Summary:   event.Summary,
	}
	if event.Type == notify.EventError {
		msg.Error = event.Message
	}
	if event.Response != nil {
		msg.Response = event.Response.Content
		msg.AudioRef = event.Response.AudioRef
		msg.Transcription = event.Transcription
	}
	return s.write(msg)
}

func (s *connSink) send(ctx context.Context, msg *ServerMessage) {
	if err := s.write(msg); err != nil {
		logging.From(ctx).Warn("failed to write server frame", "error", err, "type", msg.Type)
	}
}

func (s *connSink) sendError(ctx context.Context, err error) {
	logging.From(ctx).Warn("session operation failed", "error", err)
	s.send(ctx, &ServerMessage{
		Type:      "error",
		Error:     err.Error(),
		Retryable: goerr.HasTag(err, model.TagRetryable),
	})
}

func (s *connSink) write(msg *ServerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal server frame")
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return goerr.Wrap(err, "failed to write server frame")
	}
	return nil
}
