// mnemora-mcp exposes the memory core as an MCP server over stdio, for use
// by agent hosts. It shares the same data directory as the HTTP service but
// runs its own pipeline, so either can be used standalone.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/mnemora/mnemora/internal/cluster"
	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/convqueue"
	"github.com/mnemora/mnemora/internal/extractor"
	"github.com/mnemora/mnemora/internal/index"
	"github.com/mnemora/mnemora/internal/llm"
	"github.com/mnemora/mnemora/internal/mcpserver"
	"github.com/mnemora/mnemora/internal/profile"
	"github.com/mnemora/mnemora/internal/retrieval"
	"github.com/mnemora/mnemora/internal/segment"
	"github.com/mnemora/mnemora/internal/store"
	"github.com/mnemora/mnemora/internal/syncer"
	"github.com/mnemora/mnemora/internal/vectorizer"
	"github.com/mnemora/mnemora/internal/worker"
)

func main() {
	godotenv.Load()

	// Logs go to stderr; stdout carries the JSON-RPC stream.
	log.SetOutput(os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	idx, err := index.Open(db.SQL())
	if err != nil {
		log.Fatalf("Failed to open index: %v", err)
	}

	queue := convqueue.New(cfg.DataDir, cfg.Tuning.QueueCapacity, cfg.Tuning.QueueTTL)
	if err := queue.Load(); err != nil {
		log.Fatalf("Failed to load conversation queue: %v", err)
	}

	embed := vectorizer.NewClient(cfg.OllamaURL, cfg.EmbedModel)
	gen := llm.NewClient(llm.Config{BaseURL: cfg.OllamaURL, Model: cfg.GenModel})

	seg := segment.New(gen, embed, db, queue, cfg.Tuning)
	derive := extractor.New(gen, embed, cfg.Tuning)
	clusters := cluster.New(db, cfg.Tuning)
	profiles := profile.New(db, gen, cfg.Tuning)
	sync := syncer.New(db, idx)
	engine := retrieval.New(idx, db, embed, gen, cfg.Tuning)

	pipeline := worker.New(db, queue, seg, derive, clusters, profiles, sync, nil, cfg.Tuning)
	pipeline.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		pipeline.Stop(ctx)
	}()

	srv := mcpserver.NewServer()
	mcpserver.RegisterMemoryTools(srv, pipeline, engine, profiles)

	if err := srv.Run(); err != nil {
		log.Fatalf("MCP server error: %v", err)
	}
}
