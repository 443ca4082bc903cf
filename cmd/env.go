package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/spendwise-app/spendwise/internal/batch"
	"github.com/spendwise-app/spendwise/internal/cache"
	"github.com/spendwise-app/spendwise/internal/categorizer"
	"github.com/spendwise-app/spendwise/internal/queue"
	"github.com/spendwise-app/spendwise/internal/report"
	"github.com/spendwise-app/spendwise/internal/resolver"
	"github.com/spendwise-app/spendwise/internal/store"
	"github.com/spendwise-app/spendwise/pkg/anthropic"
)

// appEnv holds the shared wiring for the serve, worker, and recategorize
// commands.
type appEnv struct {
	Store        store.Store
	Client       categorizer.Client
	Resolver     *resolver.Resolver
	Renderer     *report.Renderer
	Orchestrator *batch.Orchestrator
	Broker       *queue.Broker
	Sweeper      *cache.Sweeper
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initEnv builds the store, AI client, resolver, renderer, and orchestrator.
// The broker is only dialed when the command consumes or enqueues jobs, so
// the synchronous CLI path works without a running AMQP server.
func initEnv(ctx context.Context, withBroker bool) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	aiClient := anthropic.NewClient(cfg.Anthropic.Key)
	client := categorizer.New(aiClient, st, cfg.Anthropic)
	res := resolver.New(client, st)

	renderer := report.New(st, cfg.Report)
	orchestrator := batch.New(res, st, renderer.Summaries(), cfg.Batch)

	sweeper := cache.NewSweeper()
	sweeper.Register(renderer.Summaries())
	sweeper.Start(time.Minute)

	env := &appEnv{
		Store:        st,
		Client:       client,
		Resolver:     res,
		Renderer:     renderer,
		Orchestrator: orchestrator,
		Sweeper:      sweeper,
	}

	if withBroker {
		broker, err := queue.NewBroker(cfg.Broker, cfg.Queues, st, nil)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		env.Broker = broker
	}

	zap.L().Info("environment initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("ai_enabled", cfg.Anthropic.Enabled),
		zap.Bool("broker", withBroker),
	)
	return env, nil
}

func (e *appEnv) Close() {
	e.Sweeper.Stop()
	if e.Broker != nil {
		if err := e.Broker.Close(); err != nil {
			zap.L().Warn("broker close", zap.Error(err))
		}
	}
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("store close", zap.Error(err))
	}
}
