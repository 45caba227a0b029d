package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.addr", typ: kString, env: "DAWN_SERVER_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Server.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Addr },
	},
	{
		key: "server.api_token", typ: kString, env: "DAWN_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "ollama.base_url", typ: kString, env: "DAWN_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "DAWN_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "DAWN_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.llm_timeout", typ: kDuration, env: "DAWN_OLLAMA_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatTimeout },
	},
	{
		key: "ollama.embed_timeout", typ: kDuration, env: "DAWN_OLLAMA_EMBED_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedTimeout },
	},
	{
		key: "ollama.rate_per_sec", typ: kFloat, env: "DAWN_OLLAMA_RATE_PER_SEC",
		apply:   func(cfg *Config, v any) { cfg.Ollama.RatePerSec = v.(float64) },
		extract: func(cfg Config) any { return cfg.Ollama.RatePerSec },
	},
	{
		key: "ollama.burst", typ: kInt, env: "DAWN_OLLAMA_BURST",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Burst = v.(int) },
		extract: func(cfg Config) any { return cfg.Ollama.Burst },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DAWN_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "vector.backend", typ: kString, env: "DAWN_VECTOR_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Vector.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.Backend },
	},
	{
		key: "vector.compress", typ: kBool, env: "DAWN_VECTOR_COMPRESS",
		apply:   func(cfg *Config, v any) { cfg.Vector.Compress = v.(bool) },
		extract: func(cfg Config) any { return cfg.Vector.Compress },
	},
	{
		key: "run.lock_policy", typ: kString, env: "DAWN_RUN_LOCK_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Run.LockPolicy = v.(string) },
		extract: func(cfg Config) any { return cfg.Run.LockPolicy },
	},
	{
		key: "run.max_plan_steps", typ: kInt, env: "DAWN_RUN_MAX_PLAN_STEPS",
		apply:   func(cfg *Config, v any) { cfg.Run.MaxPlanSteps = v.(int) },
		extract: func(cfg Config) any { return cfg.Run.MaxPlanSteps },
	},
	{
		key: "run.cardinality_threshold", typ: kInt, env: "DAWN_RUN_CARDINALITY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Run.CardinalityThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Run.CardinalityThreshold },
	},
	{
		key: "run.context_tokens", typ: kInt, env: "DAWN_RUN_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Run.ContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Run.ContextTokens },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "DAWN_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "log.level", typ: kString, env: "DAWN_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts a raw string for a key of type t.
func parseValue(t keyType, raw string) (any, error) {
	switch t {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			parsed, err := parseValue(s.typ, v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
