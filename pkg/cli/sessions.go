package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func sessionsCommand() *cli.Command {
	var (
		cfg    config
		userID string
		limit  int64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "User ID to list sessions for",
			Required:    true,
			Destination: &userID,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"n"},
			Usage:       "Maximum number of sessions to show",
			Value:       20,
			Destination: &limit,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "sessions",
		Usage: "List stored conversation contexts for a user",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg.configureLogging()

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			contexts, err := repo.ListContextsByUser(ctx, userID, int(limit))
			if err != nil {
				return goerr.Wrap(err, "failed to list sessions", goerr.Value("user_id", userID))
			}

			if len(contexts) == 0 {
				fmt.Fprintf(c.Root().Writer, "No sessions found for %s\n", userID)
				return nil
			}

			for _, cc := range contexts {
				state := "open"
				if cc.Closed {
					state = "closed"
				}
				fmt.Fprintf(c.Root().Writer, "%s  %s  turns=%d  %s\n",
					cc.SessionID, cc.UpdatedAt.Format("2006-01-02 15:04"), cc.TotalTurns, state)
				if len(cc.Topics) > 0 {
					fmt.Fprintf(c.Root().Writer, "    topics: %s\n", strings.Join(cc.Topics, ", "))
				}
				if cc.Summary != "" {
					fmt.Fprintf(c.Root().Writer, "    %s\n", cc.Summary)
				}
			}

			return nil
		},
	}
}
