// Cisod is the personnel-risk question answering daemon.
//
// It serves a synchronous question API and a streaming websocket channel,
// grounding answers in per-user conversational memory, uploaded documents,
// the organization's policy corpus and the structured employee record store.
//
// Configuration is loaded from an optional YAML file and environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults plus environment overrides
//	AUTH_JWT_SECRET=... cisod
//
//	# Start with a config file
//	cisod -config /etc/cisod/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/aegisops/cisod/internal/answer"
	"github.com/aegisops/cisod/internal/auth"
	"github.com/aegisops/cisod/internal/config"
	"github.com/aegisops/cisod/internal/embeddings"
	"github.com/aegisops/cisod/internal/extraction"
	"github.com/aegisops/cisod/internal/intent"
	"github.com/aegisops/cisod/internal/ledger"
	"github.com/aegisops/cisod/internal/llm"
	"github.com/aegisops/cisod/internal/logging"
	"github.com/aegisops/cisod/internal/memory"
	"github.com/aegisops/cisod/internal/policy"
	"github.com/aegisops/cisod/internal/records"
	"github.com/aegisops/cisod/internal/server"
	"github.com/aegisops/cisod/internal/synth"
	"github.com/aegisops/cisod/internal/vectorstore"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("cisod\nVersion:    %s\nCommit:     %s\nBuild Date: %s\n", version, gitCommit, buildDate)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("cisod: %v", err)
	}
}

// run wires every service and blocks until the context is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting cisod",
		zap.String("version", version),
		zap.String("store_backend", cfg.Store.Backend),
	)

	embedder, err := embeddings.NewService(cfg.Embeddings)
	if err != nil {
		return fmt.Errorf("create embedding service: %w", err)
	}

	store, err := newVectorStore(cfg.Store, embedder, logger)
	if err != nil {
		return fmt.Errorf("create vector store: %w", err)
	}
	defer store.Close()

	if err := store.EnsureCollection(ctx, cfg.Store.MemoryCollection, cfg.Store.VectorSize); err != nil {
		return fmt.Errorf("prepare memory collection: %w", err)
	}

	mem, err := memory.NewStore(store, memory.Config{
		Collection:   cfg.Store.MemoryCollection,
		ChunkSize:    cfg.Pipeline.ChunkSize,
		ChunkOverlap: cfg.Pipeline.ChunkOverlap,
	}, logger)
	if err != nil {
		return fmt.Errorf("create memory store: %w", err)
	}

	kb, err := policy.NewKnowledgeBase(store, policy.Config{
		Collection: cfg.Store.PolicyCollection,
		VectorSize: cfg.Store.VectorSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("create policy knowledge base: %w", err)
	}

	recordSource, err := records.NewSQLiteSource(expandHome(cfg.Records.Path), logger)
	if err != nil {
		return fmt.Errorf("open record source: %w", err)
	}
	defer recordSource.Close()

	led, err := ledger.Open(expandHome(cfg.Ledger.Path), logger)
	if err != nil {
		return fmt.Errorf("open conversation ledger: %w", err)
	}
	defer led.Close()

	chat, err := llm.NewClient(cfg.LLM)
	if err != nil {
		return fmt.Errorf("create chat client: %w", err)
	}

	pipeline := answer.New(
		mem,
		kb,
		recordSource,
		synth.New(chat.Model(), logger),
		intent.NewKeywordClassifier(),
		chat,
		led,
		extraction.NewHTTPExtractor(logger),
		cfg.Pipeline,
		logger,
	)

	verifier, err := auth.NewJWTVerifier(cfg.Auth)
	if err != nil {
		return fmt.Errorf("create token verifier: %w", err)
	}

	srv, err := server.New(pipeline, verifier, led, logger, cfg.Server)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown did not complete cleanly", zap.Error(err))
	}

	logger.Info("cisod stopped")
	return nil
}

func newVectorStore(cfg config.StoreConfig, embedder vectorstore.Embedder, logger *zap.Logger) (vectorstore.Store, error) {
	switch cfg.Backend {
	case "qdrant":
		return vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
			Host: cfg.QdrantHost,
			Port: cfg.QdrantPort,
		}, embedder, logger)
	default:
		return vectorstore.NewChromemStore(vectorstore.ChromemConfig{
			Path: cfg.Path,
		}, embedder, logger)
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
