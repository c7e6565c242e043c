// Command gatewayd runs the context-enrichment webhook gateway: it
// receives agent-platform webhooks, fans out to the knowledge-graph,
// arXiv, and agent-registry enrichment sources, reconciles the agent's
// memory blocks, and drives tool selection.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oculair/graphiti-gateway/internal/agenttracker"
	"github.com/oculair/graphiti-gateway/internal/config"
	"github.com/oculair/graphiti-gateway/internal/enrichment"
	"github.com/oculair/graphiti-gateway/internal/httpx"
	"github.com/oculair/graphiti-gateway/internal/memoryblock"
	"github.com/oculair/graphiti-gateway/internal/server"
	"github.com/oculair/graphiti-gateway/internal/toolinventory"
	"github.com/oculair/graphiti-gateway/internal/toolselector"
	"github.com/oculair/graphiti-gateway/internal/webhook"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := run(); err != nil {
		slog.Error("gatewayd exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log.Info("starting graphiti-gateway", "version", version, "commit", commit, "bind_addr", cfg.BindAddr)

	lettaClient := httpx.New(cfg.Letta.BaseURL, cfg.Letta.Password, 10*time.Second)
	matrixClient := httpx.New(cfg.Matrix.ClientURL, "", 5*time.Second)
	registryClient := httpx.New(cfg.AgentRegistry.URL, "", 10*time.Second)
	graphitiClient := httpx.New(cfg.Graphiti.URL, "", cfg.Graphiti.Timeout)
	selectorClient := httpx.New(cfg.ToolSelector.URL, "", 15*time.Second)

	tracker := agenttracker.New(lettaClient, matrixClient, registryClient, 4, log)
	kg := enrichment.NewKnowledgeGraph(graphitiClient, cfg.Graphiti.MaxNodes, cfg.Graphiti.MaxFacts)
	arxiv := enrichment.NewArxiv(cfg.Arxiv.Enabled)
	enricher := enrichment.NewEnricher(kg, arxiv)
	registry := enrichment.NewAgentRegistry(registryClient, cfg.AgentRegistry.MaxAgents, cfg.AgentRegistry.MinScore)
	blocks := memoryblock.New(lettaClient)
	selector := toolselector.New(selectorClient, lettaClient)
	inventory := toolinventory.New(lettaClient)

	handler := webhook.New(tracker, enricher, registry, blocks, selector, inventory, cfg.ToolSelector.FindToolsID, log)
	srv := server.New(cfg.BindAddr, handler, tracker, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	<-ctx.Done()
	log.Info("shutdown signal received, draining in-flight requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	log.Info("graphiti-gateway stopped gracefully")
	return nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
