package chatsync

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/putto11262002/chatsync/core"

	"github.com/spf13/viper"
)

type Config struct {
	// WSURL is the WebSocket endpoint of the chat backend.
	WSURL string `mapstructure:"ws_url" validate:"required,wsurl"`
	// APIURL is the base URL of the history API.
	APIURL string `mapstructure:"api_url" validate:"required,url"`
	// Token is the access token of the user. It is a JWT issued by the backend.
	Token string `mapstructure:"token" validate:"required,jwt"`
	// WorkspaceID is the workspace outbound messages are attributed to.
	WorkspaceID string `mapstructure:"workspace_id" validate:"required"`
	// LogLevel is one of debug, info, warn or error. The default is info.
	LogLevel slog.Level `mapstructure:"log_level"`
	// Heartbeat is the period of heartbeat events. The default is 30s.
	Heartbeat time.Duration `mapstructure:"heartbeat" validate:"gt=0"`
	Reconnect struct {
		BaseDelay   time.Duration `mapstructure:"base_delay" validate:"gt=0"`
		MaxDelay    time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
		MaxAttempts uint64        `mapstructure:"max_attempts" validate:"gte=1"`
	} `mapstructure:"reconnect"`
	// CorrelationWindow bounds the matching of acknowledgements without a
	// client id. The default is 10s.
	CorrelationWindow time.Duration `mapstructure:"correlation_window" validate:"gt=0"`
	// TypingTimeout is the lifetime of typing indicators. The default is 3s.
	TypingTimeout time.Duration `mapstructure:"typing_timeout" validate:"gt=0"`
	// PageSize is the number of messages loaded per history page. The default is 50.
	PageSize int `mapstructure:"page_size" validate:"gte=1,lte=200"`
	valid    bool
}

func (c *Config) ReconnectPolicy() core.ReconnectPolicy {
	return core.ReconnectPolicy{
		BaseDelay:   c.Reconnect.BaseDelay,
		MaxDelay:    c.Reconnect.MaxDelay,
		MaxAttempts: c.Reconnect.MaxAttempts,
	}
}

// DefaultConfig returns a configuration with every optional field set.
func DefaultConfig() *Config {
	policy := core.DefaultReconnectPolicy()
	c := &Config{
		LogLevel:          slog.LevelInfo,
		Heartbeat:         core.HeartbeatInterval,
		CorrelationWindow: core.DefaultCorrelationWindow,
		TypingTimeout:     core.TypingTimeout,
		PageSize:          core.DefaultPage().Limit,
	}
	c.Reconnect.BaseDelay = policy.BaseDelay
	c.Reconnect.MaxDelay = policy.MaxDelay
	c.Reconnect.MaxAttempts = policy.MaxAttempts
	return c
}

func setClientDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("ws_url", "")
	v.SetDefault("api_url", "")
	v.SetDefault("token", "")
	v.SetDefault("workspace_id", "")
	v.SetDefault("log_level", d.LogLevel.String())
	v.SetDefault("heartbeat", d.Heartbeat)
	v.SetDefault("reconnect.base_delay", d.Reconnect.BaseDelay)
	v.SetDefault("reconnect.max_delay", d.Reconnect.MaxDelay)
	v.SetDefault("reconnect.max_attempts", d.Reconnect.MaxAttempts)
	v.SetDefault("correlation_window", d.CorrelationWindow)
	v.SetDefault("typing_timeout", d.TypingTimeout)
	v.SetDefault("page_size", d.PageSize)
}

// LoadConfig loads the client configuration from chatsync.yaml in path (if
// it exists) and CHATSYNC_* environment variables. Values that fail to decode
// are left for the validation step to report.
func LoadConfig(path string) (*Config, error) {
	v := newViper("chatsync", path)
	setClientDefaults(v)
	if err := readConfig(v); err != nil {
		return nil, err
	}
	config := &Config{}
	if err := unmarshal(v, config); err != nil {
		// defer error to validation step
		return config, nil
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	c.valid = true
	return nil
}

// ServerConfig configures the development backend.
type ServerConfig struct {
	// Port is the Port number to listen on. The default is 8080.
	Port int `mapstructure:"port" validate:"required,port"`
	// Hostname is the Hostname to listen on. The default is 0.0.0.0.
	Hostname string `mapstructure:"hostname" validate:"required"`
	Auth     struct {
		// Secret is the Secret key used to sign JWT tokens.
		// The secret must be a base64 encoded string. The default is a random 32 byte string.
		Secret Base64Encoded `mapstructure:"secret" validate:"required"`
		// TokenTTL is the lifetime of issued tokens. The default is 24h.
		TokenTTL time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
	} `mapstructure:"auth"`
	SQLite struct {
		// File is the path to the SQLite database file.
		File string `mapstructure:"file" validate:"required"`
	} `mapstructure:"sqlite"`
	// AllowedOrigins is a list of origins that are allowed to connect to the server.
	// The default is ["*"].
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	LogLevel       slog.Level `mapstructure:"log_level"`
	valid          bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

// LoadServerConfig loads the development backend configuration from
// chatsync-devserver.yaml in path (if it exists) and CHATSYNC_* environment
// variables.
func LoadServerConfig(path string) (*ServerConfig, error) {
	v := newViper("chatsync-devserver", path)

	v.SetDefault("port", 8080)
	// generate a random secret key
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	v.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("sqlite.file", "./chatsync.db")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("log_level", slog.LevelInfo.String())

	if err := readConfig(v); err != nil {
		return nil, err
	}
	config := &ServerConfig{}
	if err := unmarshal(v, config); err != nil {
		// defer error to validation step
		return config, nil
	}
	return config, nil
}

func (c *ServerConfig) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	c.valid = true
	return nil
}

func newViper(name, path string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(name)
	if path == "" {
		path = "."
	}
	v.AddConfigPath(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CHATSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func unmarshal(v *viper.Viper, out interface{}) error {
	return v.Unmarshal(out,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	)
}

// FormatValidationErrors renders validation errors one per line, sorted.
func FormatValidationErrors(err error) string {

	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return ""
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errs.Translate(trans)

	var sb strings.Builder
	for _, v := range slices.Sorted(maps.Values(translated)) {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}
