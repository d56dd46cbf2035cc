package adapter

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

// Gemini wraps the genai client with the two call shapes the speech engine
// needs: a bidirectional live session for streamed audio, and plain content
// generation for the degraded text path.
type Gemini interface {
	GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	ConnectLive(ctx context.Context, config *genai.LiveConnectConfig) (LiveSession, error)
}

// LiveSession is one open bidirectional stream against the speech model.
type LiveSession interface {
	// SendAudio forwards one chunk of raw audio to the remote session
	SendAudio(payload []byte, mimeType string) error
	// Receive blocks for the next server message
	Receive() (*genai.LiveServerMessage, error)
	// Close tears down the remote session
	Close() error
}

type GeminiClient struct {
	client          *genai.Client
	generativeModel string
	liveModel       string
}

type GeminiOption func(*GeminiClient)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.generativeModel = model
	}
}

func WithLiveModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.liveModel = model
	}
}

func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	g := &GeminiClient{
		client:          client,
		generativeModel: "gemini-2.5-flash",
		liveModel:       "gemini-2.0-flash-live-preview-04-09",
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

func (g *GeminiClient) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.generativeModel, contents, config)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to generate content")
	}
	return resp, nil
}

func (g *GeminiClient) ConnectLive(ctx context.Context, config *genai.LiveConnectConfig) (LiveSession, error) {
	session, err := g.client.Live.Connect(ctx, g.liveModel, config)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect live session")
	}
	return &liveSession{session: session}, nil
}

type liveSession struct {
	session *genai.Session
}

func (s *liveSession) SendAudio(payload []byte, mimeType string) error {
	err := s.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{
			Data:     payload,
			MIMEType: mimeType,
		},
	})
	if err != nil {
		return goerr.Wrap(err, "failed to send audio to live session")
	}
	return nil
}

func (s *liveSession) Receive() (*genai.LiveServerMessage, error) {
	msg, err := s.session.Receive()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to receive from live session")
	}
	return msg, nil
}

func (s *liveSession) Close() error {
	return s.session.Close()
}
