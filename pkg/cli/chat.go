package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
	"github.com/y-okubo/soniq/pkg/adapter"
	"github.com/y-okubo/soniq/pkg/model"
	"github.com/y-okubo/soniq/pkg/notify"
	"github.com/y-okubo/soniq/pkg/repository"
	"github.com/y-okubo/soniq/pkg/service/speech"
	"github.com/y-okubo/soniq/pkg/usecase/session"
)

// chatCommand runs the session engine against an in-process store with the
// local speech path, one synthetic chunk per typed line. It exists to debug
// the orchestrator loop without cloud credentials; when a Gemini project is
// configured, fallback text generation uses the real model.
func chatCommand() *cli.Command {
	var (
		cfg    config
		userID string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "User ID for the session",
			Value:       "local",
			Destination: &userID,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, speechFlags(&cfg)...)
	flags = append(flags, engineFlags(&cfg)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Interactive local session for debugging the engine",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg.configureLogging()

			// Gemini is optional here: without it the local provider
			// answers from its canned responses.
			var gemini adapter.Gemini
			if cfg.project != "" || cfg.geminiProject != "" {
				g, err := cfg.newGemini(ctx)
				if err != nil {
					return err
				}
				gemini = g
			}

			repo := repository.NewMemory()
			memory, err := cfg.newMemoryService(repo)
			if err != nil {
				return err
			}
			local := speech.NewLocalProvider(gemini)

			uc := session.New(session.NewInput{
				Sessions: repo,
				Memory:   memory,
				Speech:   speech.New(local, local),
				Trigger:  cfg.newTrigger(),
				Sink:     notify.SlogSink{},
			})

			ack, err := uc.Start(ctx, session.StartInput{
				ConnectionID: "chat",
				UserID:       userID,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to start session")
			}

			rl, err := readline.New("> ")
			if err != nil {
				return goerr.Wrap(err, "failed to initialize input")
			}
			defer rl.Close()

			fmt.Fprintf(c.Root().Writer, "Session %s started. Type 'exit' to quit.\n", ack.ID)

			sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
			sp.Suffix = " processing..."

			var sequence int64
			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return goerr.Wrap(err, "failed to read input")
				}
				if line == "" {
					continue
				}
				if line == "exit" {
					break
				}

				sequence++
				chunk := &model.AudioChunk{
					Sequence:   sequence,
					Payload:    []byte(line),
					Format:     ack.AudioFormat,
					ReceivedAt: time.Now(),
				}

				sp.Start()
				turn, err := exchange(ctx, uc, ack.ID, chunk)
				sp.Stop()
				if err != nil {
					return err
				}

				fmt.Fprintf(c.Root().Writer, "[heard] %s\n", turn.UserInput.Transcription)
				fmt.Fprintf(c.Root().Writer, "%s\n", turn.Response.Content)
			}

			result, err := uc.End(ctx, ack.ID)
			if err != nil {
				return goerr.Wrap(err, "failed to end session")
			}
			fmt.Fprintf(c.Root().Writer, "\n%s\n", result.Summary)

			return nil
		},
	}
}

// exchange pushes one chunk and forces a processing run when the trigger
// did not fire on its own, so every typed line yields a response.
func exchange(ctx context.Context, uc *session.Orchestrator, id model.SessionID, chunk *model.AudioChunk) (*model.ConversationTurn, error) {
	result, err := uc.HandleChunk(ctx, id, chunk)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to handle chunk")
	}
	if result.Turn != nil {
		return result.Turn, nil
	}

	turn, err := uc.Process(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to process input")
	}
	return turn, nil
}
