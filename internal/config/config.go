package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultWorkers        = 4
	defaultQueueSize      = 256
	defaultMaxUploadBytes = 256 << 20
	defaultArchiveTimeout = 5 * time.Minute
)

// Config holds everything storaged reads from the environment.
type Config struct {
	HTTPAddr       string
	DatabaseURL    string
	SubmitDir      string
	SubmitCommand  string
	ToolConfigPath string
	ToolTimeout    time.Duration

	KeyAuthorityURL string
	PublicKeyFile   string
	RequiredRole    string

	Workers        int
	QueueSize      int
	MaxUploadBytes int64

	ArchiveTargets []string
	ArchiveTimeout time.Duration
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	rawAddr := env("HTTP_ADDR", ":8080")
	addr := SanitizeListenAddr(rawAddr)
	if addr != rawAddr {
		log.Warn().
			Str("raw", rawAddr).
			Str("sanitized", addr).
			Msg("sanitized HTTP_ADDR; remove inline comments from address")
	}

	cfg := Config{
		HTTPAddr:        addr,
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		SubmitDir:       env("SUBMIT_DIRECTORY", "data/submissions"),
		SubmitCommand:   strings.TrimSpace(os.Getenv("SUBMIT_COMMAND")),
		ToolConfigPath:  strings.TrimSpace(os.Getenv("SUBMIT_TOOL_CONFIG")),
		ToolTimeout:     durationEnv("SUBMIT_TOOL_TIMEOUT", 0),
		KeyAuthorityURL: strings.TrimSuffix(os.Getenv("SALT_API_URL"), "/"),
		PublicKeyFile:   env("SALT_API_PUBLIC_KEY_FILE", "data/public-key.pem"),
		RequiredRole:    env("REQUIRED_ROLE", "Admin"),
		Workers:         intEnv("SUBMISSION_WORKERS", defaultWorkers),
		QueueSize:       intEnv("SUBMISSION_QUEUE_SIZE", defaultQueueSize),
		MaxUploadBytes:  int64Env("MAX_UPLOAD_BYTES", defaultMaxUploadBytes),
		ArchiveTargets:  SplitCSV(os.Getenv("ARCHIVE_TARGETS")),
		ArchiveTimeout:  durationEnv("ARCHIVE_TIMEOUT", defaultArchiveTimeout),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.KeyAuthorityURL == "" {
		errs = append(errs, errors.New("SALT_API_URL is required"))
	}
	if c.SubmitCommand == "" && c.ToolConfigPath == "" {
		errs = append(errs, errors.New("one of SUBMIT_COMMAND or SUBMIT_TOOL_CONFIG is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func BoolEnv(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return parsed
		}
		log.Warn().Str("key", key).Str("value", v).Msg("ignoring invalid boolean")
	}
	return def
}

func intEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			return parsed
		}
		log.Warn().Str("key", key).Str("value", v).Int("default", def).Msg("ignoring invalid integer")
	}
	return def
}

func int64Env(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && parsed > 0 {
			return parsed
		}
		log.Warn().Str("key", key).Str("value", v).Int64("default", def).Msg("ignoring invalid integer")
	}
	return def
}

func durationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && parsed >= 0 {
			return parsed
		}
		log.Warn().Str("key", key).Str("value", v).Dur("default", def).Msg("ignoring invalid duration")
	}
	return def
}

// SanitizeListenAddr trims whitespace/comments so malformed env values (e.g. ":8080 :: note") do not break net.Listen.
func SanitizeListenAddr(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return trimmed
	}
	fields := strings.Fields(trimmed)
	if len(fields) > 0 {
		trimmed = fields[0]
	}
	return strings.Trim(trimmed, "\"'")
}

// SplitCSV splits a comma separated list, dropping blanks.
func SplitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
