package cli

import (
	"context"
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"github.com/y-okubo/soniq/pkg/adapter"
	"github.com/y-okubo/soniq/pkg/metrics"
	"github.com/y-okubo/soniq/pkg/notify"
	"github.com/y-okubo/soniq/pkg/repository"
	memorysvc "github.com/y-okubo/soniq/pkg/service/memory"
	"github.com/y-okubo/soniq/pkg/service/speech"
	"github.com/y-okubo/soniq/pkg/service/trigger"
	"github.com/y-okubo/soniq/pkg/usecase/session"
	"github.com/y-okubo/soniq/pkg/utils/logging"
)

// config holds configuration values
type config struct {
	// Repository
	project  string
	database string

	// Adapters
	bucket          string
	geminiProject   string
	geminiLocation  string
	generativeModel string
	liveModel       string

	// Trigger thresholds
	silenceGap     time.Duration
	maxBufferChars int64
	maxChunks      int64

	// Analytics
	bqDataset string
	bqTable   string

	// Memory
	topicsFile string

	// Logging
	logLevel  string
	logFormat string
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("SONIQ_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       "console",
			Sources:     cli.EnvVars("SONIQ_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
	}
}

// speechFlags returns flags for speech-model configuration with destination config
func speechFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini (defaults to --project)",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "generative-model",
			Usage:       "Model for text generation and fallback exchanges",
			Sources:     cli.EnvVars("SONIQ_GENERATIVE_MODEL"),
			Destination: &cfg.generativeModel,
		},
		&cli.StringFlag{
			Name:        "live-model",
			Usage:       "Model for bidirectional speech streaming",
			Sources:     cli.EnvVars("SONIQ_LIVE_MODEL"),
			Destination: &cfg.liveModel,
		},
	}
}

// engineFlags returns flags for the session engine with destination config
func engineFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket for assembled audio (disabled when empty)",
			Sources:     cli.EnvVars("SONIQ_AUDIO_BUCKET"),
			Destination: &cfg.bucket,
		},
		&cli.DurationFlag{
			Name:        "silence-gap",
			Usage:       "Arrival gap that triggers processing",
			Value:       2 * time.Second,
			Sources:     cli.EnvVars("SONIQ_SILENCE_GAP"),
			Destination: &cfg.silenceGap,
		},
		&cli.IntFlag{
			Name:        "max-buffer-chars",
			Usage:       "Transcription buffer length that triggers processing",
			Value:       100,
			Sources:     cli.EnvVars("SONIQ_MAX_BUFFER_CHARS"),
			Destination: &cfg.maxBufferChars,
		},
		&cli.IntFlag{
			Name:        "max-chunks",
			Usage:       "Buffered chunk count that triggers processing",
			Value:       50,
			Sources:     cli.EnvVars("SONIQ_MAX_CHUNKS"),
			Destination: &cfg.maxChunks,
		},
		&cli.StringFlag{
			Name:        "topics-file",
			Usage:       "YAML file with the topic vocabulary",
			Sources:     cli.EnvVars("SONIQ_TOPICS_FILE"),
			Destination: &cfg.topicsFile,
		},
		&cli.StringFlag{
			Name:        "bq-dataset",
			Usage:       "BigQuery dataset for session analytics (disabled when empty)",
			Sources:     cli.EnvVars("SONIQ_BQ_DATASET"),
			Destination: &cfg.bqDataset,
		},
		&cli.StringFlag{
			Name:        "bq-table",
			Usage:       "BigQuery table for session analytics",
			Value:       "sessions",
			Sources:     cli.EnvVars("SONIQ_BQ_TABLE"),
			Destination: &cfg.bqTable,
		},
	}
}

// configureLogging installs the default logger from the log flags
func (cfg *config) configureLogging() {
	logging.SetDefault(logging.New(cfg.logLevel, cfg.logFormat, os.Stderr))
}

// newRepository creates the durable store backing both sessions and
// conversation memory
func (cfg *config) newRepository(ctx context.Context) (*repository.Firestore, error) {
	if cfg.project == "" {
		return nil, goerr.New("project is required")
	}
	if cfg.database == "" {
		return nil, goerr.New("database is required")
	}

	repo, err := repository.NewFirestore(ctx, cfg.project, cfg.database)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create repository")
	}
	return repo, nil
}

// newGemini creates a new Gemini adapter instance
func (cfg *config) newGemini(ctx context.Context) (adapter.Gemini, error) {
	project := cfg.geminiProject
	if project == "" {
		project = cfg.project
	}
	if project == "" {
		return nil, goerr.New("gemini-project or project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}

	var opts []adapter.GeminiOption
	if cfg.generativeModel != "" {
		opts = append(opts, adapter.WithGenerativeModel(cfg.generativeModel))
	}
	if cfg.liveModel != "" {
		opts = append(opts, adapter.WithLiveModel(cfg.liveModel))
	}

	return adapter.NewGemini(ctx, project, cfg.geminiLocation, opts...)
}

// newStorage creates the audio blob store; nil when no bucket is configured
func (cfg *config) newStorage(ctx context.Context) (adapter.Storage, error) {
	if cfg.bucket == "" {
		return nil, nil
	}

	storage, err := adapter.NewStorage(ctx, cfg.bucket)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage")
	}
	return storage, nil
}

// newAnalytics creates the BigQuery exporter; nil when no dataset is configured
func (cfg *config) newAnalytics(ctx context.Context) (adapter.Analytics, error) {
	if cfg.bqDataset == "" {
		return nil, nil
	}
	if cfg.project == "" {
		return nil, goerr.New("project is required for analytics export")
	}

	analytics, err := adapter.NewBigQueryAnalytics(ctx, cfg.project, cfg.bqDataset, cfg.bqTable)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create analytics exporter")
	}
	return analytics, nil
}

// newMemoryService creates conversation memory over the given store,
// honoring the topic vocabulary override
func (cfg *config) newMemoryService(store repository.ConversationStore) (*memorysvc.Service, error) {
	var opts []memorysvc.Option
	if cfg.topicsFile != "" {
		extractor, err := memorysvc.NewKeywordExtractorFromFile(cfg.topicsFile)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to load topic vocabulary")
		}
		opts = append(opts, memorysvc.WithTopicExtractor(extractor))
	}
	return memorysvc.New(store, opts...), nil
}

// newSpeechService creates the two-provider speech facade
func (cfg *config) newSpeechService(gemini adapter.Gemini) *speech.Service {
	primary := speech.NewGeminiProvider(gemini)
	fallback := speech.NewLocalProvider(gemini)
	return speech.New(primary, fallback)
}

// newTrigger creates the flush evaluator from the threshold flags
func (cfg *config) newTrigger() *trigger.Evaluator {
	return trigger.New(trigger.Config{
		SilenceGap:     cfg.silenceGap,
		MaxBufferChars: int(cfg.maxBufferChars),
		MaxChunks:      int(cfg.maxChunks),
	})
}

// engine bundles the constructed session engine dependencies
type engine struct {
	repo      *repository.Firestore
	memory    *memorysvc.Service
	speech    *speech.Service
	trigger   *trigger.Evaluator
	storage   adapter.Storage
	analytics adapter.Analytics
	metrics   *metrics.Metrics
	registry  *prometheus.Registry
}

// newEngine wires the full production dependency set
func (cfg *config) newEngine(ctx context.Context) (*engine, error) {
	repo, err := cfg.newRepository(ctx)
	if err != nil {
		return nil, err
	}

	gemini, err := cfg.newGemini(ctx)
	if err != nil {
		return nil, err
	}

	storage, err := cfg.newStorage(ctx)
	if err != nil {
		return nil, err
	}

	analytics, err := cfg.newAnalytics(ctx)
	if err != nil {
		return nil, err
	}

	memory, err := cfg.newMemoryService(repo)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()

	return &engine{
		repo:      repo,
		memory:    memory,
		speech:    cfg.newSpeechService(gemini),
		trigger:   cfg.newTrigger(),
		storage:   storage,
		analytics: analytics,
		metrics:   metrics.New(registry),
		registry:  registry,
	}, nil
}

// orchestrator builds a session orchestrator bound to the given event sink
func (e *engine) orchestrator(sink notify.Sink) *session.Orchestrator {
	return session.New(session.NewInput{
		Sessions:  e.repo,
		Memory:    e.memory,
		Speech:    e.speech,
		Trigger:   e.trigger,
		Storage:   e.storage,
		Sink:      sink,
		Analytics: e.analytics,
		Metrics:   e.metrics,
	})
}
