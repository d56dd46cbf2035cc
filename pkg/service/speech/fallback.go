package speech

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/y-okubo/soniq/pkg/adapter"
	"github.com/y-okubo/soniq/pkg/model"
	"github.com/y-okubo/soniq/pkg/utils/logging"
	"google.golang.org/genai"
)

// LocalProvider is the degraded processing route. It never depends on the
// live speech model: incremental feedback comes from a deterministic
// heuristic, and the full exchange first tries plain text generation and,
// failing that, a canned local response. Whatever happens, Complete returns
// a non-empty response text — a degraded answer beats none.
type LocalProvider struct {
	// textGen may be nil; when set, the full exchange tries remote text
	// generation before the local template.
	textGen adapter.Gemini

	mu     sync.Mutex
	counts map[model.SessionID]int
}

func NewLocalProvider(textGen adapter.Gemini) *LocalProvider {
	return &LocalProvider{
		textGen: textGen,
		counts:  make(map[model.SessionID]int),
	}
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) OpenStream(ctx context.Context, sessionID model.SessionID, language string) error {
	p.mu.Lock()
	p.counts[sessionID] = 0
	p.mu.Unlock()
	return nil
}

// PushChunk derives a placeholder partial transcription and a process
// signal from the chunk count parity. Deliberately simple: the point is to
// keep the session advancing while the real model is unreachable.
func (p *LocalProvider) PushChunk(ctx context.Context, sessionID model.SessionID, chunk *model.AudioChunk) (*PushResult, error) {
	p.mu.Lock()
	p.counts[sessionID]++
	count := p.counts[sessionID]
	p.mu.Unlock()

	signal := count%2 == 0
	return &PushResult{
		PartialTranscription: fmt.Sprintf("[listening: %d chunks received]", count),
		ShouldProcess:        &signal,
	}, nil
}

func (p *LocalProvider) Complete(ctx context.Context, sessionID model.SessionID, audio []byte, history string) (*ExchangeResult, error) {
	transcription := fmt.Sprintf("[voice input, %.1fs of audio]", pcmDuration(len(audio)).Seconds())

	if p.textGen != nil {
		if text, err := p.generateText(ctx, transcription, history); err == nil && text != "" {
			return &ExchangeResult{
				Transcription: transcription,
				ResponseText:  text,
				ResponseAudio: synthesizePlaceholder(text),
				Model:         "gemini-text",
				Degraded:      true,
			}, nil
		} else if err != nil {
			logging.From(ctx).Warn("degraded text generation failed, using local response",
				"session_id", sessionID, "error", err)
		}
	}

	text := localResponse(history)
	return &ExchangeResult{
		Transcription: transcription,
		ResponseText:  text,
		ResponseAudio: synthesizePlaceholder(text),
		Model:         "local",
		Degraded:      true,
	}, nil
}

func (p *LocalProvider) CloseStream(ctx context.Context, sessionID model.SessionID) error {
	p.mu.Lock()
	delete(p.counts, sessionID)
	p.mu.Unlock()
	return nil
}

func (p *LocalProvider) generateText(ctx context.Context, transcription, history string) (string, error) {
	prompt := "You are a voice assistant whose speech recognition is temporarily degraded. " +
		"Acknowledge the user's spoken input and continue the conversation helpfully."
	if history != "" {
		prompt += "\n\nConversation so far:\n" + history
	}

	contents := []*genai.Content{
		genai.NewContentFromText("The user said something like: "+transcription, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(prompt, ""),
	}

	resp, err := p.textGen.GenerateContent(ctx, contents, config)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// localResponse is the last-resort canned answer
func localResponse(history string) string {
	if strings.TrimSpace(history) == "" {
		return "I heard you, but I'm having trouble understanding speech right now. Could you repeat that?"
	}
	return "I'm having trouble processing speech at the moment. Let's pick up where we left off in a bit."
}

// pcmDuration estimates playback time of 16kHz 16-bit mono PCM
func pcmDuration(byteLen int) time.Duration {
	const bytesPerSecond = 16000 * 2
	return time.Duration(byteLen) * time.Second / bytesPerSecond
}

// synthesizePlaceholder produces silent PCM sized to roughly match reading
// the text aloud, so downstream playback plumbing always has audio to play.
func synthesizePlaceholder(text string) []byte {
	const bytesPerSecond = 16000 * 2
	words := len(strings.Fields(text))
	seconds := float64(words) / 2.5
	if seconds < 1 {
		seconds = 1
	}
	return make([]byte, int(seconds*bytesPerSecond))
}
