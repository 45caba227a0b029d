package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Vector    VectorConfig
	Run       RunConfig
	Retrieval RetrievalConfig
	Log       LogConfig
}

type ServerConfig struct {
	Addr     string
	APIToken string
}

type OllamaConfig struct {
	BaseURL      string
	ChatModel    string
	EmbedModel   string
	ChatTimeout  time.Duration
	EmbedTimeout time.Duration
	RatePerSec   float64
	Burst        int
}

type StorageConfig struct {
	DataDir string
}

// VectorConfig selects the vector store: "sqlite" keeps vectors next to the
// notes, "chromem" uses an embedded chromem-go database under the data dir.
// "none" disables embeddings and retrieval falls back to keyword matching.
type VectorConfig struct {
	Backend  string
	Compress bool
}

type RunConfig struct {
	LockPolicy           string
	MaxPlanSteps         int
	CardinalityThreshold int
	ContextTokens        int
}

type RetrievalConfig struct {
	TopK int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr: "127.0.0.1:4100",
		},
		Ollama: OllamaConfig{
			BaseURL:      "http://localhost:11434",
			ChatModel:    "llama3.2",
			EmbedModel:   "nomic-embed-text",
			ChatTimeout:  60 * time.Second,
			EmbedTimeout: 10 * time.Second,
			RatePerSec:   10,
			Burst:        5,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Vector: VectorConfig{
			Backend: "sqlite",
		},
		Run: RunConfig{
			LockPolicy:           "queue",
			MaxPlanSteps:         12,
			CardinalityThreshold: 50,
			ContextTokens:        2048,
		},
		Retrieval: RetrievalConfig{
			TopK: 6,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/dawn/config.json and applies DAWN_* environment
// overrides. The API token is a secret: it comes from DAWN_API_TOKEN or the
// secrets file under $XDG_DATA_HOME/dawn, never from config.json.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), secretsFile{})
}

// secretStore abstracts secret lookup for testing.
type secretStore interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Server.APIToken == "" {
		if tok, err := secrets.Get("dawn", "api_token"); err == nil && tok != "" {
			cfg.Server.APIToken = tok
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	switch c.Vector.Backend {
	case "sqlite", "chromem", "none":
	default:
		errs = append(errs, fmt.Errorf("vector.backend must be sqlite, chromem or none, got %q", c.Vector.Backend))
	}
	switch c.Run.LockPolicy {
	case "queue", "reject":
	default:
		errs = append(errs, fmt.Errorf("run.lock_policy must be queue or reject, got %q", c.Run.LockPolicy))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Run.MaxPlanSteps <= 0 {
		errs = append(errs, fmt.Errorf("run.max_plan_steps must be positive, got %d", c.Run.MaxPlanSteps))
	}
	if c.Retrieval.TopK <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is empty"))
	}
	return errors.Join(errs...)
}

// SlogLevel returns the configured log level.
func (c LogConfig) SlogLevel() slog.Level {
	l, _ := parseLevel(c.Level)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level must be debug, info, warn or error, got %q", s)
}
