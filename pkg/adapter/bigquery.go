package adapter

import (
	"context"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/goerr/v2"
)

// Analytics exports finalized session summaries for offline analysis. The
// export is best-effort; callers must never fail the session lifecycle on
// an insert error.
type Analytics interface {
	InsertSessionSummary(ctx context.Context, row *SessionSummaryRow) error
}

// SessionSummaryRow is one finalized voice session
type SessionSummaryRow struct {
	SessionID       string    `bigquery:"session_id"`
	UserID          string    `bigquery:"user_id"`
	Language        string    `bigquery:"language"`
	TotalTurns      int       `bigquery:"total_turns"`
	TotalDurationMs int64     `bigquery:"total_duration_ms"`
	Topics          []string  `bigquery:"topics"`
	Summary         string    `bigquery:"summary"`
	StartedAt       time.Time `bigquery:"started_at"`
	EndedAt         time.Time `bigquery:"ended_at"`
}

type bigqueryAnalytics struct {
	inserter *bigquery.Inserter
}

// NewBigQueryAnalytics creates an Analytics exporter writing to the given
// dataset and table
func NewBigQueryAnalytics(ctx context.Context, projectID, dataset, table string) (Analytics, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create BigQuery client")
	}

	return &bigqueryAnalytics{
		inserter: client.Dataset(dataset).Table(table).Inserter(),
	}, nil
}

func (a *bigqueryAnalytics) InsertSessionSummary(ctx context.Context, row *SessionSummaryRow) error {
	if err := a.inserter.Put(ctx, row); err != nil {
		return goerr.Wrap(err, "failed to insert session summary",
			goerr.Value("session_id", row.SessionID))
	}
	return nil
}
