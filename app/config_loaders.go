package chatsync

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type ConfigLoader interface {
	Load() (*Config, error)
}

// EnvConfigLoader loads the client configuration from environment variables,
// after loading Files (default .env) into the environment if they exist.
// Durations use time.ParseDuration syntax. Unset variables keep the values of
// DefaultConfig.
type EnvConfigLoader struct {
	Files []string
}

func (l *EnvConfigLoader) Load() (*Config, error) {
	files := l.Files
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		// Load environment variables from .env file
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}

	c := DefaultConfig()
	c.WSURL = getEnv("CHATSYNC_WS_URL")
	c.APIURL = getEnv("CHATSYNC_API_URL")
	c.Token = getEnv("CHATSYNC_TOKEN")
	c.WorkspaceID = getEnv("CHATSYNC_WORKSPACE_ID")

	if v := getEnv("CHATSYNC_LOG_LEVEL"); v != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("CHATSYNC_LOG_LEVEL: %w", err)
		}
		c.LogLevel = level
	}

	durations := map[string]*time.Duration{
		"CHATSYNC_HEARTBEAT":            &c.Heartbeat,
		"CHATSYNC_RECONNECT_BASE_DELAY": &c.Reconnect.BaseDelay,
		"CHATSYNC_RECONNECT_MAX_DELAY":  &c.Reconnect.MaxDelay,
		"CHATSYNC_CORRELATION_WINDOW":   &c.CorrelationWindow,
		"CHATSYNC_TYPING_TIMEOUT":       &c.TypingTimeout,
	}
	for key, dst := range durations {
		v := getEnv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	if v := getEnv("CHATSYNC_RECONNECT_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("CHATSYNC_RECONNECT_MAX_ATTEMPTS: %w", err)
		}
		c.Reconnect.MaxAttempts = n
	}
	if v := getEnv("CHATSYNC_PAGE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("CHATSYNC_PAGE_SIZE: %w", err)
		}
		c.PageSize = n
	}
	return c, nil
}

// FileConfigLoader loads the configuration with LoadConfig.
type FileConfigLoader struct {
	// Path is the directory holding chatsync.yaml.
	Path string
}

func (l *FileConfigLoader) Load() (*Config, error) {
	return LoadConfig(l.Path)
}

// getEnv returns the value of key, empty when unset.
func getEnv(key string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return ""
	}
	return value
}
