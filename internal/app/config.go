package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lexicraft/lexicraft-backend/internal/jobs/executor"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/envutil"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

// Config carries the process-level knobs main wires together. Component-level
// settings (bucket names, API keys, callback URLs) stay env-driven inside
// their constructors.
type Config struct {
	Port        string
	ChunkLimit  int
	DrainGrace  time.Duration
	SnapshotTTL time.Duration
	ActiveTTL   time.Duration
	Retry       executor.RetryPolicy
}

// LoadConfig applies the optional YAML overlay, then reads the environment.
// Real environment variables always win over file values.
func LoadConfig(log *logger.Logger) (Config, error) {
	if err := applyFileOverlay(log); err != nil {
		return Config{}, err
	}
	return Config{
		Port:        envutil.Str("PORT", "8080"),
		ChunkLimit:  envutil.Int("CHUNK_TOKEN_LIMIT", 120000),
		DrainGrace:  envutil.Duration("CALLBACK_DRAIN_GRACE", 30*time.Second),
		SnapshotTTL: envutil.Duration("JOB_SNAPSHOT_TTL", 24*time.Hour),
		ActiveTTL:   envutil.Duration("JOB_ACTIVE_TTL", 2*time.Hour),
		Retry: executor.RetryPolicy{
			MaxRetries: envutil.Int("STAGE_MAX_RETRIES", 2),
			Base:       envutil.Duration("STAGE_RETRY_BASE", 3*time.Second),
			Cap:        envutil.Duration("STAGE_RETRY_CAP", 30*time.Second),
		},
	}, nil
}

// applyFileOverlay seeds unset environment variables from the YAML file named
// by LEXICRAFT_CONFIG. Nested keys flatten with underscores: redis.addr
// becomes REDIS_ADDR.
func applyFileOverlay(log *logger.Logger) error {
	path := strings.TrimSpace(os.Getenv("LEXICRAFT_CONFIG"))
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	flat := map[string]string{}
	flatten("", doc, flat)
	applied := 0
	for key, val := range flat {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("apply %s: %w", key, err)
		}
		applied++
	}
	log.Info("config overlay applied", "path", path, "keys", applied)
	return nil
}

func flatten(prefix string, node map[string]any, out map[string]string) {
	for k, v := range node {
		key := strings.ToUpper(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		if child, ok := v.(map[string]any); ok {
			flatten(key, child, out)
			continue
		}
		out[key] = fmt.Sprint(v)
	}
}
