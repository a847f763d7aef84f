package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/storychain/go/internal/dbconfig"
	"github.com/mcdev12/storychain/go/internal/story"
)

// Config is the process configuration, read from the environment.
type Config struct {
	Port      string `envconfig:"PORT" default:"8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`

	// StoreBackend selects the shared room store: redis, nats, bolt or memory.
	StoreBackend string        `envconfig:"STORE_BACKEND" default:"redis"`
	RedisURL     string        `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	BoltPath     string        `envconfig:"BOLT_PATH" default:"storychain.db"`
	KVBucket     string        `envconfig:"NATS_KV_BUCKET" default:"storychain_rooms"`
	KVReplicas   int           `envconfig:"NATS_KV_REPLICAS" default:"1"`
	RoomTTL      time.Duration `envconfig:"ROOM_TTL" default:"1h"`

	// BroadcastBackend is local for a single replica or nats to fan out across replicas.
	BroadcastBackend  string `envconfig:"BROADCAST_BACKEND" default:"local"`
	NATSURL           string `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	NATSSubjectPrefix string `envconfig:"NATS_SUBJECT_PREFIX" default:"storychain.rooms"`

	OpenAIAPIKey  string        `envconfig:"OPENAI_API_KEY"`
	OpenAIModel   string        `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIBaseURL string        `envconfig:"OPENAI_BASE_URL"`
	ScoreTimeout  time.Duration `envconfig:"SCORE_TIMEOUT" default:"15s"`

	// CatalogSource is embedded, file or postgres.
	CatalogSource    string `envconfig:"CATALOG_SOURCE" default:"embedded"`
	CatalogFile      string `envconfig:"CATALOG_FILE"`
	CatalogCacheSize int    `envconfig:"CATALOG_CACHE_SIZE" default:"128"`

	RecordResults bool            `envconfig:"RECORD_RESULTS" default:"false"`
	Database      dbconfig.Config `envconfig:"DB"`

	MaxPartySize    int           `envconfig:"MAX_PARTY_SIZE" default:"3"`
	StartThresholds []int         `envconfig:"START_THRESHOLDS" default:"1,3"`
	OpeningTurn     time.Duration `envconfig:"OPENING_TURN" default:"20s"`
	NextTurn        time.Duration `envconfig:"NEXT_TURN" default:"15s"`
	EvaluationRetry time.Duration `envconfig:"EVALUATION_RETRY" default:"5s"`
	TimerWorkers    int           `envconfig:"TIMER_WORKERS" default:"10"`

	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process config: %w", err)
	}

	switch cfg.StoreBackend {
	case "redis", "nats", "bolt", "memory":
	default:
		return Config{}, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	switch cfg.BroadcastBackend {
	case "local", "nats":
	default:
		return Config{}, fmt.Errorf("unknown BROADCAST_BACKEND %q", cfg.BroadcastBackend)
	}
	switch cfg.CatalogSource {
	case "embedded", "postgres":
	case "file":
		if cfg.CatalogFile == "" {
			return Config{}, fmt.Errorf("CATALOG_FILE is required when CATALOG_SOURCE=file")
		}
	default:
		return Config{}, fmt.Errorf("unknown CATALOG_SOURCE %q", cfg.CatalogSource)
	}
	return cfg, nil
}

func (c Config) storyConfig() story.Config {
	return story.Config{
		MaxPartySize:     c.MaxPartySize,
		StartThresholds:  c.StartThresholds,
		SubmissionPoints: 2,
		TimeoutPenalty:   2,
		OpeningTurn:      c.OpeningTurn,
		NextTurn:         c.NextTurn,
		EvaluationRetry:  c.EvaluationRetry,
		TimerWorkers:     c.TimerWorkers,
	}
}

func (c Config) needsNATS() bool {
	return c.StoreBackend == "nats" || c.BroadcastBackend == "nats"
}

// setupLogging configures the global zerolog logger.
func setupLogging(level, format string) {
	if strings.EqualFold(format, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
