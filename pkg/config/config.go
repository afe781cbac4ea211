package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/filecoinjs/lotusrpc/pkg/log"
	"github.com/filecoinjs/lotusrpc/pkg/rpc"
)

const (
	configDirPathEnv     = "LOTUS_CONFIG_DIR"
	defaultConfigDirPath = "."
)

var (
	ErrReadingConfig = fmt.Errorf("error reading config")
	ErrInvalidConfig = fmt.Errorf("invalid config")
)

// Config is the client configuration read from the environment.
type Config struct {
	APIURL   string `env:"LOTUS_API_URL" env-default:"ws://127.0.0.1:1234/rpc/v1" env-description:"node API endpoint (http, https, ws or wss)" validate:"required,rpcendpoint"`
	APIToken string `env:"LOTUS_API_TOKEN" env-description:"node API token, as printed by 'lotus auth create-token'"`

	HandshakeTimeout time.Duration `env:"LOTUS_HANDSHAKE_TIMEOUT" env-default:"5s" env-description:"websocket opening handshake timeout" validate:"gt=0"`
	PingInterval     time.Duration `env:"LOTUS_PING_INTERVAL" env-default:"15s" env-description:"websocket keepalive interval, 0 disables pings" validate:"gte=0"`
	RequestTimeout   time.Duration `env:"LOTUS_REQUEST_TIMEOUT" env-default:"30s" env-description:"deadline applied by the CLI to each call" validate:"gt=0"`
	PollInterval     time.Duration `env:"LOTUS_POLL_INTERVAL" env-default:"30s" env-description:"chain head polling interval for HTTP endpoints" validate:"gt=0"`

	MetricsAddr string `env:"LOTUS_METRICS_ADDR" env-description:"address serving /metrics, empty disables it" validate:"omitempty,hostname_port"`

	Log log.Config
}

// Load reads the .env file found in LOTUS_CONFIG_DIR, then the process
// environment, and validates the result. Variables already present in the
// environment take precedence over the .env file.
func Load(logger log.Logger) (*Config, error) {
	logger = logger.WithName("config")

	configDirPath := os.Getenv(configDirPathEnv)
	if configDirPath == "" {
		configDirPath = defaultConfigDirPath
	}

	configDotEnvPath := filepath.Join(configDirPath, ".env")
	logger.Debug("loading .env file", "path", configDotEnvPath)
	if err := godotenv.Load(configDotEnvPath); err != nil {
		logger.Debug(".env file not loaded", "path", configDotEnvPath, "error", err)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadingConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Debug("config loaded", "endpoint", cfg.APIURL, "hasToken", cfg.APIToken != "")
	return &cfg, nil
}

// Validate checks every field against its validate tag.
func (c *Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// ConnectorConfig maps the configuration onto the connector options.
func (c *Config) ConnectorConfig(metrics *rpc.Metrics) rpc.ConnectorConfig {
	return rpc.ConnectorConfig{
		Token:            c.APIToken,
		HandshakeTimeout: c.HandshakeTimeout,
		PingInterval:     c.PingInterval,
		Metrics:          metrics,
	}
}

// Usage describes every supported environment variable.
func Usage() (string, error) {
	var cfg Config
	return cleanenv.GetDescription(&cfg, nil)
}

func getValidator() *validator.Validate {
	validate := validator.New()

	if err := validate.RegisterValidation("rpcendpoint", func(fl validator.FieldLevel) bool {
		return isRPCEndpoint(fl.Field().String())
	}); err != nil {
		panic(fmt.Sprintf("failed to register rpcendpoint validation: %v", err))
	}
	return validate
}

func isRPCEndpoint(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
		return true
	default:
		return false
	}
}
