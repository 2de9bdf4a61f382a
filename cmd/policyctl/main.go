// Policyctl ingests the organization's policy corpus and seeds the employee
// record store used by the cisod daemon.
//
// Usage:
//
//	# Ingest a policy corpus
//	policyctl -corpus policies.txt
//
//	# Seed employee profiles from a JSON array
//	policyctl -profiles profiles.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/aegisops/cisod/internal/config"
	"github.com/aegisops/cisod/internal/embeddings"
	"github.com/aegisops/cisod/internal/logging"
	"github.com/aegisops/cisod/internal/policy"
	"github.com/aegisops/cisod/internal/records"
	"github.com/aegisops/cisod/internal/vectorstore"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	corpusPath := flag.String("corpus", "", "policy corpus text file to ingest")
	profilesPath := flag.String("profiles", "", "employee profile JSON file to load")
	flag.Parse()

	if *corpusPath == "" && *profilesPath == "" {
		fmt.Fprintln(os.Stderr, "nothing to do: pass -corpus and/or -profiles")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(context.Background(), *configPath, *corpusPath, *profilesPath); err != nil {
		log.Fatalf("policyctl: %v", err)
	}
}

func run(ctx context.Context, configPath, corpusPath, profilesPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logger.Sync()

	if corpusPath != "" {
		if err := ingestCorpus(ctx, cfg, corpusPath, logger); err != nil {
			return err
		}
	}
	if profilesPath != "" {
		if err := seedProfiles(ctx, cfg, profilesPath, logger); err != nil {
			return err
		}
	}
	return nil
}

func ingestCorpus(ctx context.Context, cfg *config.Config, path string, logger *zap.Logger) error {
	corpus, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read corpus: %w", err)
	}

	embedder, err := embeddings.NewService(cfg.Embeddings)
	if err != nil {
		return fmt.Errorf("create embedding service: %w", err)
	}

	var store vectorstore.Store
	switch cfg.Store.Backend {
	case "qdrant":
		store, err = vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
			Host: cfg.Store.QdrantHost,
			Port: cfg.Store.QdrantPort,
		}, embedder, logger)
	default:
		store, err = vectorstore.NewChromemStore(vectorstore.ChromemConfig{
			Path: cfg.Store.Path,
		}, embedder, logger)
	}
	if err != nil {
		return fmt.Errorf("create vector store: %w", err)
	}
	defer store.Close()

	kb, err := policy.NewKnowledgeBase(store, policy.Config{
		Collection: cfg.Store.PolicyCollection,
		VectorSize: cfg.Store.VectorSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("create policy knowledge base: %w", err)
	}

	count, err := kb.Ingest(ctx, string(corpus))
	if err != nil {
		return fmt.Errorf("ingest corpus: %w", err)
	}

	logger.Info("policy corpus ingested",
		zap.String("corpus", path),
		zap.Int("chunks", count),
	)
	return nil
}

func seedProfiles(ctx context.Context, cfg *config.Config, path string, logger *zap.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read profiles: %w", err)
	}

	var profiles []records.Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return fmt.Errorf("parse profiles: %w", err)
	}

	source, err := records.NewSQLiteSource(expandHome(cfg.Records.Path), logger)
	if err != nil {
		return fmt.Errorf("open record source: %w", err)
	}
	defer source.Close()

	for _, p := range profiles {
		if err := source.Put(ctx, p); err != nil {
			return fmt.Errorf("store profile %s: %w", p.EmployeeID, err)
		}
	}

	logger.Info("employee profiles loaded",
		zap.String("profiles", path),
		zap.Int("count", len(profiles)),
	)
	return nil
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
