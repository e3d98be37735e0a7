package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Addr        string
	DatabaseURL string

	// Write-path auth.
	WriterKeysFile string
	WriteScope     string
	TrustedCN      string
	AllowMTLS      bool
	DevAllowLocal  bool

	// Outbox streaming.
	StreamEnabled bool
	KafkaBrokers  []string
	KafkaTopic    string
	ArchiveBucket string
	ArchivePrefix string

	// Analytics tuning.
	TopContentLimit int
	AssignmentSeed  int64
}

const (
	defaultAddr            = ":8070"
	defaultKafkaTopic      = "growth.analytics"
	defaultWriteScope      = "growth:write"
	defaultTopContentLimit = 10
)

func Load() (Config, error) {
	cfg := Config{
		Addr:            getEnv("GROWTH_ADDR", defaultAddr),
		DatabaseURL:     firstNonEmpty(os.Getenv("GROWTH_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		WriterKeysFile:  os.Getenv("GROWTH_WRITER_KEYS_FILE"),
		WriteScope:      getEnv("GROWTH_WRITE_SCOPE", defaultWriteScope),
		TrustedCN:       os.Getenv("GROWTH_TRUSTED_CN"),
		AllowMTLS:       getBool("GROWTH_ALLOW_MTLS", true),
		DevAllowLocal:   getBool("GROWTH_DEV_ALLOW_LOCAL", false),
		StreamEnabled:   getBool("GROWTH_STREAM_ENABLED", false),
		KafkaBrokers:    splitList(os.Getenv("GROWTH_KAFKA_BROKERS")),
		KafkaTopic:      getEnv("GROWTH_KAFKA_TOPIC", defaultKafkaTopic),
		ArchiveBucket:   os.Getenv("GROWTH_ARCHIVE_BUCKET"),
		ArchivePrefix:   os.Getenv("GROWTH_ARCHIVE_PREFIX"),
		TopContentLimit: getInt("GROWTH_TOP_CONTENT_LIMIT", defaultTopContentLimit),
		AssignmentSeed:  getInt64("GROWTH_ASSIGNMENT_SEED", 0),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or GROWTH_DATABASE_URL required")
	}
	if cfg.StreamEnabled && len(cfg.KafkaBrokers) == 0 {
		return Config{}, fmt.Errorf("GROWTH_KAFKA_BROKERS required when GROWTH_STREAM_ENABLED=true")
	}
	nodeEnv := os.Getenv("NODE_ENV")
	if nodeEnv == "production" && cfg.DevAllowLocal {
		return Config{}, fmt.Errorf("GROWTH_DEV_ALLOW_LOCAL=true is forbidden in production")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
