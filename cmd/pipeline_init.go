package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/repo-scout/internal/events"
	"github.com/sells-group/repo-scout/internal/expand"
	"github.com/sells-group/repo-scout/internal/judge"
	"github.com/sells-group/repo-scout/internal/pipeline"
	"github.com/sells-group/repo-scout/internal/search"
	"github.com/sells-group/repo-scout/internal/store"
	anthropicpkg "github.com/sells-group/repo-scout/pkg/anthropic"
	"github.com/sells-group/repo-scout/pkg/github"
)

// pipelineEnv holds the initialized store and controller shared by the
// search and serve commands.
type pipelineEnv struct {
	Store      store.Store
	Controller *pipeline.Controller
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens the configured backend. Callers own Close.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	case "sqlite", "":
		return store.NewSQLite(cfg.Store.Path)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initPipeline sets up the store, provider clients, and the controller.
// Callers should defer env.Close(). A nil publisher discards events.
func initPipeline(ctx context.Context, pub events.Publisher) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	ghOpts := []github.Option{github.WithBaseURL(cfg.GitHub.BaseURL)}
	if cfg.GitHub.RPS > 0 {
		ghOpts = append(ghOpts, github.WithRateLimit(rate.Limit(cfg.GitHub.RPS), 1))
	}
	ghClient := github.NewClient(cfg.GitHub.Token, ghOpts...)
	if cfg.GitHub.Token == "" {
		zap.L().Warn("github token not set, using unauthenticated rate limits")
	}

	expander, err := expand.New()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	aiClient := anthropicpkg.NewClient(cfg.Anthropic.Key)
	judgeClient := judge.New(aiClient, cfg.Anthropic.JudgeModel)
	fetcher := search.NewFetcher(ghClient, st, cfg.Search.MaxResults)

	controller := pipeline.NewController(st, expander, fetcher, judgeClient, cfg.Anthropic.JudgeModel, pub)

	return &pipelineEnv{Store: st, Controller: controller}, nil
}
