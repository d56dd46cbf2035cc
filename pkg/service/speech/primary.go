package speech

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/y-okubo/soniq/pkg/adapter"
	"github.com/y-okubo/soniq/pkg/model"
	"github.com/y-okubo/soniq/pkg/utils/logging"
	"google.golang.org/genai"
)

// GeminiProvider is the primary processing route: a bidirectional live
// stream per session for incremental feedback, and a multimodal generation
// call for the full exchange.
type GeminiProvider struct {
	gemini adapter.Gemini

	mu      sync.Mutex
	streams map[model.SessionID]*geminiStream
}

func NewGeminiProvider(gemini adapter.Gemini) *GeminiProvider {
	return &GeminiProvider{
		gemini:  gemini,
		streams: make(map[model.SessionID]*geminiStream),
	}
}

// geminiStream holds one live session and the feedback its reader loop has
// accumulated so far.
type geminiStream struct {
	live adapter.LiveSession

	mu            sync.Mutex
	transcription strings.Builder
	modelAudio    []byte
	turnComplete  bool
	recvErr       error
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) OpenStream(ctx context.Context, sessionID model.SessionID, language string) error {
	prompt := fmt.Sprintf(
		"You are a helpful voice assistant. Respond concisely and conversationally. Reply in %s.",
		language)

	config := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		SystemInstruction:        genai.NewContentFromText(prompt, ""),
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}

	live, err := p.gemini.ConnectLive(ctx, config)
	if err != nil {
		return goerr.Wrap(err, "failed to open live stream", goerr.Value("session_id", sessionID))
	}

	stream := &geminiStream{live: live}
	go stream.readLoop()

	p.mu.Lock()
	p.streams[sessionID] = stream
	p.mu.Unlock()
	return nil
}

// readLoop drains server messages, accumulating input transcription, model
// audio, and turn-completion signals until the stream errors or closes.
func (s *geminiStream) readLoop() {
	for {
		msg, err := s.live.Receive()
		if err != nil {
			s.mu.Lock()
			s.recvErr = err
			s.mu.Unlock()
			return
		}

		content := msg.ServerContent
		if content == nil {
			continue
		}

		s.mu.Lock()
		if content.InputTranscription != nil {
			s.transcription.WriteString(content.InputTranscription.Text)
		}
		if content.ModelTurn != nil {
			for _, part := range content.ModelTurn.Parts {
				if part.InlineData != nil {
					s.modelAudio = append(s.modelAudio, part.InlineData.Data...)
				}
			}
		}
		if content.TurnComplete {
			s.turnComplete = true
		}
		s.mu.Unlock()
	}
}

func (p *GeminiProvider) stream(sessionID model.SessionID) (*geminiStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stream, ok := p.streams[sessionID]
	if !ok {
		return nil, goerr.New("no open live stream", goerr.Value("session_id", sessionID))
	}
	return stream, nil
}

func (p *GeminiProvider) PushChunk(ctx context.Context, sessionID model.SessionID, chunk *model.AudioChunk) (*PushResult, error) {
	stream, err := p.stream(sessionID)
	if err != nil {
		return nil, err
	}

	stream.mu.Lock()
	recvErr := stream.recvErr
	stream.mu.Unlock()
	if recvErr != nil {
		return nil, goerr.Wrap(recvErr, "live stream receive failed")
	}

	if err := stream.live.SendAudio(chunk.Payload, audioMIMEType(chunk.Format)); err != nil {
		return nil, err
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()

	result := &PushResult{PartialTranscription: stream.transcription.String()}
	if stream.turnComplete {
		// The model decided the user's turn is over; surface it once.
		stream.turnComplete = false
		signal := true
		result.ShouldProcess = &signal
	}
	return result, nil
}

func (p *GeminiProvider) Complete(ctx context.Context, sessionID model.SessionID, audio []byte, history string) (*ExchangeResult, error) {
	prompt := "You are a helpful voice assistant. Respond concisely to the user's spoken request."
	if history != "" {
		prompt += "\n\nConversation so far:\n" + history
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(audio, audioMIMEType(model.AudioFormatPCM16)),
			genai.NewPartFromText("Answer the request in this audio."),
		}, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(prompt, ""),
	}

	resp, err := p.gemini.GenerateContent(ctx, contents, config)
	if err != nil {
		return nil, goerr.Wrap(err, "full exchange failed", goerr.Value("session_id", sessionID))
	}

	text := resp.Text()
	if text == "" {
		return nil, goerr.New("empty model response", goerr.Value("session_id", sessionID))
	}

	result := &ExchangeResult{
		ResponseText: text,
		Model:        "gemini",
	}

	// The live stream, when present, contributes what it heard and spoke.
	if stream, err := p.stream(sessionID); err == nil {
		stream.mu.Lock()
		result.Transcription = stream.transcription.String()
		result.ResponseAudio = stream.modelAudio
		stream.transcription.Reset()
		stream.modelAudio = nil
		stream.mu.Unlock()
	}

	return result, nil
}

func (p *GeminiProvider) CloseStream(ctx context.Context, sessionID model.SessionID) error {
	p.mu.Lock()
	stream, ok := p.streams[sessionID]
	delete(p.streams, sessionID)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	if err := stream.live.Close(); err != nil {
		logging.From(ctx).Debug("live stream close", "session_id", sessionID, "error", err)
	}
	return nil
}

func audioMIMEType(format model.AudioFormat) string {
	switch format {
	case model.AudioFormatOpus:
		return "audio/opus"
	case model.AudioFormatWebM:
		return "audio/webm"
	default:
		return "audio/pcm;rate=16000"
	}
}
