// Package config loads service configuration from environment variables,
// with an optional YAML tunables file for the segmentation and clustering
// constants that vary by deployment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service configuration, populated from environment variables.
type Config struct {
	Port       string // HTTP port (default "8240")
	DataDir    string // Directory for the SQLite database (default "./data")
	OllamaURL  string // Ollama API base URL (default "http://localhost:11434")
	EmbedModel string // Ollama embedding model (default "nomic-embed-text")
	GenModel   string // Ollama generation model (default "llama3.2")

	Tuning Tuning
}

// Tuning holds the knobs the pipeline exposes as configuration. Zero values
// are replaced by defaults in Load; the struct round-trips through YAML.
type Tuning struct {
	// Segmentation
	MinWindow        int           `yaml:"min_window"`         // min messages before boundary detection (default 4)
	MinWindowSpan    time.Duration `yaml:"min_window_span"`    // min time span of a window (default 30s)
	MaxPromptTokens  int           `yaml:"max_prompt_tokens"`  // prompt budget for the boundary call (default 6000)
	BoundaryRetries  int           `yaml:"boundary_retries"`   // validation retries with a stricter prompt (default 2)

	// Clustering
	SimilarityThreshold float64       `yaml:"similarity_threshold"` // cosine floor for joining a cluster (default 0.70)
	ClusterTimeGap      time.Duration `yaml:"cluster_time_gap"`     // max gap to a cluster's last episode (default 168h)

	// Profiles
	ProfileRecentK         int     `yaml:"profile_recent_k"`         // most-recent cells fed to a rebuild (default 20)
	ProfileMemberThreshold float64 `yaml:"profile_member_threshold"` // cluster share that triggers a rebuild (default 0.2)

	// Conversation queue
	QueueCapacity int           `yaml:"queue_capacity"` // per-group message cap (default 1000)
	QueueTTL      time.Duration `yaml:"queue_ttl"`      // idle key expiry (default 72h)

	// Derived records
	DurationCeilingDays int `yaml:"duration_ceiling_days"` // sanity cap on duration_days (default 36500)

	// Worker
	WorkerShards  int `yaml:"worker_shards"`   // group-sharded workers (default 4)
	TaskQueueSize int `yaml:"task_queue_size"` // bounded ingest task queue (default 256)

	// Retrieval
	RRFConstant int `yaml:"rrf_constant"` // rank constant k0 for fusion (default 60)
}

// DefaultTuning returns the built-in tunables.
func DefaultTuning() Tuning {
	return Tuning{
		MinWindow:              4,
		MinWindowSpan:          30 * time.Second,
		MaxPromptTokens:        6000,
		BoundaryRetries:        2,
		SimilarityThreshold:    0.70,
		ClusterTimeGap:         7 * 24 * time.Hour,
		ProfileRecentK:         20,
		ProfileMemberThreshold: 0.2,
		QueueCapacity:          1000,
		QueueTTL:               72 * time.Hour,
		DurationCeilingDays:    36500,
		WorkerShards:           4,
		TaskQueueSize:          256,
		RRFConstant:            60,
	}
}

// Load reads configuration from the environment. If MNEMORA_TUNING points at
// a YAML file, its values override the tuning defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:       envOr("MNEMORA_PORT", "8240"),
		DataDir:    envOr("MNEMORA_DATA_DIR", "./data"),
		OllamaURL:  envOr("OLLAMA_URL", "http://localhost:11434"),
		EmbedModel: envOr("OLLAMA_EMBED_MODEL", "nomic-embed-text"),
		GenModel:   envOr("OLLAMA_GEN_MODEL", "llama3.2"),
		Tuning:     DefaultTuning(),
	}

	if path := os.Getenv("MNEMORA_TUNING"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read tuning file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg.Tuning); err != nil {
			return cfg, fmt.Errorf("parse tuning file: %w", err)
		}
		cfg.Tuning.fillDefaults()
	}

	return cfg, nil
}

// fillDefaults replaces zero values left by a partial YAML file.
func (t *Tuning) fillDefaults() {
	d := DefaultTuning()
	if t.MinWindow <= 0 {
		t.MinWindow = d.MinWindow
	}
	if t.MinWindowSpan <= 0 {
		t.MinWindowSpan = d.MinWindowSpan
	}
	if t.MaxPromptTokens <= 0 {
		t.MaxPromptTokens = d.MaxPromptTokens
	}
	if t.BoundaryRetries <= 0 {
		t.BoundaryRetries = d.BoundaryRetries
	}
	if t.SimilarityThreshold <= 0 {
		t.SimilarityThreshold = d.SimilarityThreshold
	}
	if t.ClusterTimeGap <= 0 {
		t.ClusterTimeGap = d.ClusterTimeGap
	}
	if t.ProfileRecentK <= 0 {
		t.ProfileRecentK = d.ProfileRecentK
	}
	if t.ProfileMemberThreshold <= 0 {
		t.ProfileMemberThreshold = d.ProfileMemberThreshold
	}
	if t.QueueCapacity <= 0 {
		t.QueueCapacity = d.QueueCapacity
	}
	if t.QueueTTL <= 0 {
		t.QueueTTL = d.QueueTTL
	}
	if t.DurationCeilingDays <= 0 {
		t.DurationCeilingDays = d.DurationCeilingDays
	}
	if t.WorkerShards <= 0 {
		t.WorkerShards = d.WorkerShards
	}
	if t.TaskQueueSize <= 0 {
		t.TaskQueueSize = d.TaskQueueSize
	}
	if t.RRFConstant <= 0 {
		t.RRFConstant = d.RRFConstant
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
