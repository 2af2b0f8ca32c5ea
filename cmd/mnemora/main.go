// mnemora is the long-term conversational memory service: messages flow in
// over HTTP (or Discord), are segmented into episodes by an LLM, distilled
// into derived memories and profiles, and served back through lexical,
// vector, and fused retrieval.
//
// External dependencies:
//   - SQLite (embedded, via go-sqlite3, with FTS5 and sqlite-vec when available)
//   - Ollama (for embeddings and generation)
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mnemora/mnemora/internal/cluster"
	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/convqueue"
	"github.com/mnemora/mnemora/internal/extractor"
	"github.com/mnemora/mnemora/internal/index"
	"github.com/mnemora/mnemora/internal/llm"
	"github.com/mnemora/mnemora/internal/profile"
	"github.com/mnemora/mnemora/internal/retrieval"
	"github.com/mnemora/mnemora/internal/segment"
	"github.com/mnemora/mnemora/internal/server"
	"github.com/mnemora/mnemora/internal/source"
	"github.com/mnemora/mnemora/internal/store"
	"github.com/mnemora/mnemora/internal/syncer"
	"github.com/mnemora/mnemora/internal/vectorizer"
	"github.com/mnemora/mnemora/internal/worker"
)

func main() {
	godotenv.Load()

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

	pipeline := worker.New(db, queue, seg, derive, clusters, profiles, sync,
		worker.NewLoadWatcher(), cfg.Tuning)
	pipeline.Start()

	// Optional Discord intake.
	var discord *source.DiscordSource
	if token := os.Getenv("DISCORD_TOKEN"); token != "" {
		discord, err = source.NewDiscordSource(source.DiscordConfig{
			Token:      token,
			ChannelIDs: splitList(os.Getenv("DISCORD_CHANNELS")),
		}, pipeline)
		if err != nil {
			log.Fatalf("Failed to create Discord source: %v", err)
		}
		if err := discord.Start(); err != nil {
			log.Fatalf("Failed to connect Discord: %v", err)
		}
	}

	svc := server.New(pipeline, engine, profiles, sync, db)
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: svc.Routes(),
	}

	// Graceful shutdown: stop intake, drain the pipeline, persist the queue.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if discord != nil {
			discord.Stop()
		}
		httpServer.Shutdown(ctx)
		if err := pipeline.Stop(ctx); err != nil {
			log.Printf("Pipeline stop: %v", err)
		}
	}()

	log.Printf("mnemora listening on :%s (data: %s)", cfg.Port, cfg.DataDir)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
