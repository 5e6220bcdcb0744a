package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/toankh-dev/chat-bot-sub001/internal/agents"
	"github.com/toankh-dev/chat-bot-sub001/internal/governance"
	"github.com/toankh-dev/chat-bot-sub001/internal/knowledge"
	"github.com/toankh-dev/chat-bot-sub001/internal/llm"
	"github.com/toankh-dev/chat-bot-sub001/internal/observability"
	"github.com/toankh-dev/chat-bot-sub001/internal/orchestrator"
	"github.com/toankh-dev/chat-bot-sub001/internal/store"
	"github.com/toankh-dev/chat-bot-sub001/pkg/config"
)

// app holds everything a command needs and how to release it.
type app struct {
	cfg          *config.Config
	logger       *observability.Logger
	orchestrator *orchestrator.Orchestrator
	closers      []func() error
}

func (r *app) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// indexer is a retriever that can also take new documents.
type indexer interface {
	knowledge.Retriever
	Index(ctx context.Context, docs []knowledge.Document) error
}

// openKnowledge opens the configured knowledge backend.
func openKnowledge(cfg *config.Config) (indexer, func() error, error) {
	kc := cfg.Knowledge
	switch kc.Backend {
	case "qdrant":
		name, pCfg := cfg.GetDefaultProvider()
		embedder, err := llm.NewEmbedder(name, pCfg, kc.EmbeddingModel)
		if err != nil {
			return nil, nil, err
		}
		r, err := knowledge.NewQdrantRetriever(kc.VectorURL, kc.VectorAPIKey, kc.Collection, embedder)
		if err != nil {
			return nil, nil, err
		}
		return r, func() error { return nil }, nil
	default:
		idx, err := knowledge.OpenIndex(kc.IndexPath)
		if err != nil {
			return nil, nil, err
		}
		return idx, idx.Close, nil
	}
}

// newApp wires the orchestrator and its collaborators. Event logs go
// to events.
func newApp(events io.Writer) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	rt := &app{cfg: cfg}

	rt.logger = observability.NewLogger(
		observability.WithOutput(events),
		observability.WithLLMLog(cfg.Logging.LLMLogPath, cfg.Logging.MaxSizeMB),
	)

	pName, pCfg := cfg.GetDefaultProvider()
	if pName == "" {
		return nil, errors.New("no enabled provider found in config")
	}
	model, err := llm.New(pName, pCfg, rt.logger)
	if err != nil {
		return nil, err
	}

	registry, err := agents.FromConfig(cfg.Agents)
	if err != nil {
		return nil, fmt.Errorf("building agent registry: %w", err)
	}

	policy, err := governance.FromConfig(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("building policy: %w", err)
	}

	kb, closeKB, err := openKnowledge(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening knowledge base: %w", err)
	}
	rt.closers = append(rt.closers, closeKB)

	cached, err := knowledge.NewCached(kb, cfg.Knowledge.CacheTTL, cfg.Knowledge.CacheMaxCost)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, func() error { cached.Close(); return nil })

	sessions, err := store.NewSessionStore(cfg.Memory.Path, cfg.Memory.CacheSize)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	rt.closers = append(rt.closers, sessions.Close)

	rt.orchestrator = orchestrator.New(cfg, orchestrator.Deps{
		Model:     model,
		Registry:  registry,
		Retriever: cached,
		Sessions:  sessions,
		Policy:    policy,
		Logger:    rt.logger,
	})
	return rt, nil
}
