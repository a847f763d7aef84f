package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/storychain/go/clients/openai_client"
	"github.com/mcdev12/storychain/go/internal/broadcast"
	"github.com/mcdev12/storychain/go/internal/catalog"
	"github.com/mcdev12/storychain/go/internal/evaluation"
	"github.com/mcdev12/storychain/go/internal/gateway"
	"github.com/mcdev12/storychain/go/internal/lobby"
	"github.com/mcdev12/storychain/go/internal/progress"
	"github.com/mcdev12/storychain/go/internal/room"
	"github.com/mcdev12/storychain/go/internal/store"
	"github.com/mcdev12/storychain/go/internal/story"
)

type Services struct {
	Store       store.Store
	Hub         *broadcast.Hub
	NATS        *nats.Conn
	Relay       *broadcast.NATSBroadcaster
	Stages      catalog.Provider
	Engine      *story.Engine
	Lobby       *lobby.Service
	DB          *sql.DB
	Recorder    *progress.Recorder
	Connections *gateway.ConnectionManager
	Gateway     *gateway.Handler

	closers []func()
}

// setupServices wires store → room repository → engine → gateway.
// On error everything opened so far is closed again.
func setupServices(ctx context.Context, cfg Config) (services *Services, err error) {
	s := &Services{}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if cfg.needsNATS() {
		natsCfg := broadcast.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.SubjectPrefix = cfg.NATSSubjectPrefix
		if s.NATS, err = broadcast.Connect(natsCfg); err != nil {
			return nil, err
		}
		s.onClose(s.NATS.Close)
	}

	if s.Store, err = setupStore(ctx, cfg, s.NATS); err != nil {
		return nil, err
	}
	s.onClose(func() {
		if err := s.Store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close store")
		}
	})

	s.Hub = broadcast.NewHub(0)
	var publisher broadcast.Broadcaster = s.Hub
	if cfg.BroadcastBackend == "nats" {
		s.Relay = broadcast.NewNATSBroadcaster(s.NATS, s.Hub, cfg.NATSSubjectPrefix)
		publisher = s.Relay
	}

	if s.Stages, err = setupCatalog(ctx, cfg, s); err != nil {
		return nil, err
	}

	var opts []story.Option
	if cfg.RecordResults {
		if s.DB, err = setupDatabase(ctx, cfg.Database); err != nil {
			return nil, err
		}
		s.onClose(func() { s.DB.Close() })

		s.Recorder = progress.NewRecorder(s.DB)
		if err := s.Recorder.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		opts = append(opts, story.WithRecorder(s.Recorder))
	}

	rooms := room.NewRepository(s.Store, cfg.RoomTTL, clockwork.NewRealClock())
	s.Engine = story.NewEngine(cfg.storyConfig(), rooms, publisher, setupEvaluator(cfg), s.Stages, opts...)
	s.Lobby = lobby.NewService(s.Store, publisher, lobby.Config{PartySize: cfg.MaxPartySize, TTL: cfg.RoomTTL})

	s.Connections = gateway.NewConnectionManager(gateway.DefaultConnectionConfig(), publisher)
	s.Gateway = gateway.NewHandler(s.Connections, s.Engine, s.Lobby,
		gateway.WithStats(s.Hub),
		gateway.WithHealthChecker(gateway.NewHealthChecker(s.Store, s.NATS, s.DB, s.Connections)),
	)

	return s, nil
}

func setupStore(ctx context.Context, cfg Config, nc *nats.Conn) (store.Store, error) {
	switch cfg.StoreBackend {
	case "redis":
		log.Info().Str("url", cfg.RedisURL).Msg("using redis room store")
		return store.NewRedisStore(ctx, cfg.RedisURL)
	case "nats":
		log.Info().Str("bucket", cfg.KVBucket).Msg("using jetstream kv room store")
		return store.NewKVStore(ctx, nc, store.KVConfig{
			Bucket:   cfg.KVBucket,
			TTL:      cfg.RoomTTL,
			Replicas: cfg.KVReplicas,
		})
	case "bolt":
		log.Info().Str("path", cfg.BoltPath).Msg("using bolt room store")
		return store.NewBoltStore(cfg.BoltPath, clockwork.NewRealClock())
	default:
		log.Warn().Msg("using in-memory room store; state is lost on restart")
		return store.NewMemoryStore(clockwork.NewRealClock()), nil
	}
}

func setupCatalog(ctx context.Context, cfg Config, s *Services) (catalog.Provider, error) {
	switch cfg.CatalogSource {
	case "file":
		return catalog.LoadFile(cfg.CatalogFile)
	case "postgres":
		pool, err := setupPool(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		s.onClose(pool.Close)

		pg, err := catalog.NewPostgresCatalog(pool, cfg.CatalogCacheSize)
		if err != nil {
			return nil, err
		}
		seed, err := catalog.Default()
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx, seed.Stages()); err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return catalog.Default()
	}
}

// setupEvaluator runs on the fallback score alone when no API key is set.
func setupEvaluator(cfg Config) *evaluation.Orchestrator {
	evalCfg := evaluation.DefaultConfig()
	evalCfg.Timeout = cfg.ScoreTimeout

	if cfg.OpenAIAPIKey == "" {
		log.Warn().Msg("OPENAI_API_KEY not set, every round scores the fallback")
		return evaluation.NewOrchestrator(nil, evalCfg)
	}

	var opts []openai_client.Option
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, openai_client.WithBaseURL(cfg.OpenAIBaseURL))
	}
	opts = append(opts,
		openai_client.WithModel(cfg.OpenAIModel),
		openai_client.WithTimeout(cfg.ScoreTimeout),
	)
	return evaluation.NewOrchestrator(openai_client.NewOpenAIClient(cfg.OpenAIAPIKey, opts...), evalCfg)
}

// Run starts the background workers and blocks until ctx is done or one fails.
func (s *Services) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.Hub.Start(ctx)
		return nil
	})
	if s.Relay != nil {
		g.Go(func() error {
			return s.Relay.Start(ctx)
		})
	}
	g.Go(func() error {
		return s.Engine.Run(ctx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("services stopped: %w", err)
	}
	return nil
}

func (s *Services) onClose(fn func()) {
	s.closers = append(s.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
