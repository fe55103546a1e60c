package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "scheduler.max_retries", typ: kInt, env: "DOCSIFT_SCHEDULER_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.MaxRetries },
	},
	{
		key: "scheduler.token_ceiling", typ: kInt, env: "DOCSIFT_SCHEDULER_TOKEN_CEILING",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.TokenCeiling = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.TokenCeiling },
	},
	{
		key: "scheduler.batch_size", typ: kInt, env: "DOCSIFT_SCHEDULER_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.BatchSize },
	},
	{
		key: "scheduler.quality_threshold", typ: kFloat, env: "DOCSIFT_SCHEDULER_QUALITY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.QualityThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Scheduler.QualityThreshold },
	},
	{
		key: "scheduler.fast_mode", typ: kBool, env: "DOCSIFT_SCHEDULER_FAST_MODE",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.FastMode = v.(bool) },
		extract: func(cfg Config) any { return cfg.Scheduler.FastMode },
	},
	{
		key: "scheduler.skip_failed", typ: kBool, env: "DOCSIFT_SCHEDULER_SKIP_FAILED",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.SkipFailed = v.(bool) },
		extract: func(cfg Config) any { return cfg.Scheduler.SkipFailed },
	},
	{
		key: "scheduler.quarantine_base_seconds", typ: kInt, env: "DOCSIFT_SCHEDULER_QUARANTINE_BASE_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.QuarantineBaseSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.QuarantineBaseSeconds },
	},
	{
		key: "backend.command", typ: kString, env: "DOCSIFT_BACKEND_COMMAND",
		apply:   func(cfg *Config, v any) { cfg.Backend.Command = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.Command },
	},
	{
		key: "backend.timeout_seconds", typ: kInt, env: "DOCSIFT_BACKEND_TIMEOUT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Backend.TimeoutSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Backend.TimeoutSeconds },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DOCSIFT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.output_dir", typ: kString, env: "DOCSIFT_STORAGE_OUTPUT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.OutputDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.OutputDir },
	},
	{
		key: "server.status_addr", typ: kString, env: "DOCSIFT_SERVER_STATUS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Server.StatusAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.StatusAddr },
	},
	{
		key: "log.level", typ: kString, env: "DOCSIFT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
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
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
