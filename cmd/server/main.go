package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quantlake/finsight/internal/api"
	"github.com/quantlake/finsight/internal/config"
	"github.com/quantlake/finsight/internal/embed"
	"github.com/quantlake/finsight/internal/index"
	"github.com/quantlake/finsight/internal/pipeline"
	"github.com/quantlake/finsight/internal/retrieve"
	"github.com/quantlake/finsight/internal/summarize"
	"github.com/quantlake/finsight/internal/tree"
)

// sectionGroupCap bounds how many chunks a single section summary node
// covers before the section is split.
const sectionGroupCap = 8

func main() {
	_ = godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage and index.
	store, err := index.Open(cfg.DBPath, log)
	if err != nil {
		log.Error("open index", "error", err, "path", cfg.DBPath)
		os.Exit(1)
	}

	// Embedding provider chain and summarizer.
	chain, err := embed.BuildChain(cfg, log)
	if err != nil {
		log.Error("build embedding chain", "error", err)
		os.Exit(1)
	}
	summarizer := summarize.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	builder := tree.NewBuilder(summarizer, chain, log, sectionGroupCap)

	var reranker retrieve.Reranker
	if cfg.RerankerURL != "" {
		reranker = retrieve.NewHTTPReranker(cfg.RerankerURL)
	}
	retriever := retrieve.NewRetriever(store, chain, reranker, log)

	// Ingestion pipeline.
	orch := pipeline.NewOrchestrator(cfg, chain, builder, store, log)
	orch.Start(ctx)

	// HTTP server.
	srv := api.NewServer(orch, retriever, store, log, cfg)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")

		orch.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)

		summarizer.Close()
		store.Close()
	}()

	log.Info("starting finsight", "port", cfg.Port, "db", cfg.DBPath)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
