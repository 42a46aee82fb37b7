package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// FileEnvVar names the optional JSON config file
const FileEnvVar = "TICKSTREAM_CONFIG_FILE"

// Config is the full process configuration. Every field reads from the
// environment; a JSON file can override any of them.
type Config struct {
	HTTP      HTTPConfig
	WebSocket WebSocketConfig
	RateLimit RateLimitConfig
	Broker    BrokerConfig
	Auth      AuthConfig
	Metrics   MetricsConfig
	Journal   JournalConfig
	Simulator SimulatorConfig
	Client    ClientConfig
	Log       LogConfig
}

type HTTPConfig struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":8080" validate:"required"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s" validate:"gt=0"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s" validate:"gt=0"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s" validate:"gt=0"`
}

type WebSocketConfig struct {
	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" envDefault:"2m" validate:"gt=0"`
	PingInterval time.Duration `env:"PING_INTERVAL" envDefault:"30s" validate:"gt=0"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s" validate:"gt=0"`
	SendBuffer   int           `env:"SEND_BUFFER" envDefault:"256" validate:"gte=1"`
	PublishRate  float64       `env:"PUBLISH_RATE" envDefault:"10" validate:"gt=0"`
	PublishBurst int           `env:"PUBLISH_BURST" envDefault:"20" validate:"gte=1"`
	TrustProxy   bool          `env:"TRUST_PROXY" envDefault:"true"`

	AllowClientPublish bool `env:"ALLOW_CLIENT_PUBLISH" envDefault:"true"`
}

type RateLimitConfig struct {
	Window        time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s" validate:"gt=0"`
	MaxRequests   int           `env:"RATE_LIMIT_MAX" envDefault:"100" validate:"gte=1"`
	SweepInterval time.Duration `env:"RATE_LIMIT_SWEEP_INTERVAL" envDefault:"60s" validate:"gt=0"`
}

type BrokerConfig struct {
	// URL is empty for single-process mode
	URL           string `env:"BROKER_URL" validate:"omitempty,url"`
	SubjectPrefix string `env:"BROKER_SUBJECT_PREFIX" envDefault:"tickstream" validate:"required"`
}

type AuthConfig struct {
	Secret   string `env:"AUTH_SECRET"`
	Required bool   `env:"AUTH_REQUIRED" envDefault:"false"`
	// OperatorSubject is the token subject allowed to publish and disconnect through the admin API
	OperatorSubject string `env:"AUTH_OPERATOR_SUBJECT" envDefault:"operator" validate:"required,max=100"`
}

type MetricsConfig struct {
	Interval time.Duration `env:"METRICS_INTERVAL" envDefault:"30s" validate:"gt=0"`
}

type JournalConfig struct {
	// Path is empty to disable the journal
	Path string `env:"JOURNAL_PATH"`
}

type SimulatorConfig struct {
	Enabled  bool          `env:"SIMULATOR_ENABLED" envDefault:"false"`
	Symbols  []string      `env:"SIMULATOR_SYMBOLS" envDefault:"NIFTY50,BANKNIFTY,SENSEX" envSeparator:","`
	Interval time.Duration `env:"SIMULATOR_INTERVAL" envDefault:"1s" validate:"gt=0"`
}

type ClientConfig struct {
	BaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"1s" validate:"gt=0"`
	MaxDelay    time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"30s" validate:"gt=0"`
	MaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"10"`
	QueueSize   int           `env:"OUTBOUND_QUEUE_SIZE" envDefault:"100" validate:"gte=1"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	Format string `env:"LOG_FORMAT" envDefault:"json" validate:"oneof=json pretty"`
}

// DefaultConfig returns the configuration with every envDefault applied and
// nothing read from the environment
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Sprintf("invalid config defaults: %v", err))
	}
	return cfg
}

// Validate checks field ranges and cross-field rules
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Client.MaxDelay < c.Client.BaseDelay {
		return fmt.Errorf("%w: RECONNECT_MAX_DELAY (%s) must be >= RECONNECT_BASE_DELAY (%s)",
			ErrInvalidConfig, c.Client.MaxDelay, c.Client.BaseDelay)
	}
	if c.Auth.Required && c.Auth.Secret == "" {
		return fmt.Errorf("%w: AUTH_REQUIRED needs AUTH_SECRET", ErrInvalidConfig)
	}
	if c.Simulator.Enabled && len(c.Simulator.Symbols) == 0 {
		return fmt.Errorf("%w: SIMULATOR_SYMBOLS cannot be empty when the simulator is enabled", ErrInvalidConfig)
	}
	return nil
}

// LoadFromEnv reads the environment over the defaults
func LoadFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// LoadConfigWithPrecedence resolves file > environment > defaults.
// A .env file in the working directory is loaded first when present; a
// missing config file is not an error, a malformed one is.
func LoadConfigWithPrecedence(path string, logger zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		logger.Info().Msg("Loaded environment from .env file")
	}

	cfg, err := LoadFromEnv()
	if err != nil {
		return nil, err
	}

	if path == "" {
		path = os.Getenv(FileEnvVar)
	}
	if path != "" {
		err := ApplyFile(cfg, path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Warn().Str("path", path).Msg("Config file not found, using environment")
		case err != nil:
			return nil, err
		default:
			logger.Info().Str("path", path).Msg("Applied config file")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogFields writes the effective configuration without secrets
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Str("http_addr", c.HTTP.Addr).
		Bool("broker_enabled", c.Broker.URL != "").
		Str("broker_subject_prefix", c.Broker.SubjectPrefix).
		Dur("rate_limit_window", c.RateLimit.Window).
		Int("rate_limit_max", c.RateLimit.MaxRequests).
		Dur("idle_timeout", c.WebSocket.IdleTimeout).
		Dur("ping_interval", c.WebSocket.PingInterval).
		Int("send_buffer", c.WebSocket.SendBuffer).
		Bool("allow_client_publish", c.WebSocket.AllowClientPublish).
		Bool("auth_required", c.Auth.Required).
		Bool("auth_enabled", c.Auth.Secret != "").
		Dur("metrics_interval", c.Metrics.Interval).
		Bool("journal_enabled", c.Journal.Path != "").
		Bool("simulator_enabled", c.Simulator.Enabled).
		Str("simulator_symbols", strings.Join(c.Simulator.Symbols, ",")).
		Str("log_level", c.Log.Level).
		Msg("Configuration loaded")
}

// ConfigFile is the JSON layout of the config file. Durations are strings
// such as "30s"; absent fields leave the current value untouched.
type ConfigFile struct {
	HTTP *struct {
		Addr            string `json:"addr"`
		ReadTimeout     string `json:"read_timeout"`
		WriteTimeout    string `json:"write_timeout"`
		ShutdownTimeout string `json:"shutdown_timeout"`
	} `json:"http"`
	WebSocket *struct {
		IdleTimeout        string  `json:"idle_timeout"`
		PingInterval       string  `json:"ping_interval"`
		WriteTimeout       string  `json:"write_timeout"`
		SendBuffer         int     `json:"send_buffer"`
		PublishRate        float64 `json:"publish_rate"`
		PublishBurst       int     `json:"publish_burst"`
		TrustProxy         *bool   `json:"trust_proxy"`
		AllowClientPublish *bool   `json:"allow_client_publish"`
	} `json:"websocket"`
	RateLimit *struct {
		Window        string `json:"window"`
		MaxRequests   int    `json:"max_requests"`
		SweepInterval string `json:"sweep_interval"`
	} `json:"rate_limit"`
	Broker *struct {
		URL           *string `json:"url"`
		SubjectPrefix string  `json:"subject_prefix"`
	} `json:"broker"`
	Auth *struct {
		Secret          *string `json:"secret"`
		Required        *bool   `json:"required"`
		OperatorSubject string  `json:"operator_subject"`
	} `json:"auth"`
	Metrics *struct {
		Interval string `json:"interval"`
	} `json:"metrics"`
	Journal *struct {
		Path *string `json:"path"`
	} `json:"journal"`
	Simulator *struct {
		Enabled  *bool    `json:"enabled"`
		Symbols  []string `json:"symbols"`
		Interval string   `json:"interval"`
	} `json:"simulator"`
	Client *struct {
		BaseDelay   string `json:"base_delay"`
		MaxDelay    string `json:"max_delay"`
		MaxAttempts *int   `json:"max_attempts"`
		QueueSize   int    `json:"queue_size"`
	} `json:"client"`
	Log *struct {
		Level  string `json:"level"`
		Format string `json:"format"`
	} `json:"log"`
}

// LoadFromFile reads a JSON file over the defaults
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := ApplyFile(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyFile overlays the JSON file at path onto cfg
func ApplyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	p := &overlay{}
	if f := file.HTTP; f != nil {
		p.str(&cfg.HTTP.Addr, f.Addr)
		p.dur(&cfg.HTTP.ReadTimeout, f.ReadTimeout, "http.read_timeout")
		p.dur(&cfg.HTTP.WriteTimeout, f.WriteTimeout, "http.write_timeout")
		p.dur(&cfg.HTTP.ShutdownTimeout, f.ShutdownTimeout, "http.shutdown_timeout")
	}
	if f := file.WebSocket; f != nil {
		p.dur(&cfg.WebSocket.IdleTimeout, f.IdleTimeout, "websocket.idle_timeout")
		p.dur(&cfg.WebSocket.PingInterval, f.PingInterval, "websocket.ping_interval")
		p.dur(&cfg.WebSocket.WriteTimeout, f.WriteTimeout, "websocket.write_timeout")
		p.num(&cfg.WebSocket.SendBuffer, f.SendBuffer)
		p.num(&cfg.WebSocket.PublishBurst, f.PublishBurst)
		if f.PublishRate > 0 {
			cfg.WebSocket.PublishRate = f.PublishRate
		}
		p.flag(&cfg.WebSocket.TrustProxy, f.TrustProxy)
		p.flag(&cfg.WebSocket.AllowClientPublish, f.AllowClientPublish)
	}
	if f := file.RateLimit; f != nil {
		p.dur(&cfg.RateLimit.Window, f.Window, "rate_limit.window")
		p.num(&cfg.RateLimit.MaxRequests, f.MaxRequests)
		p.dur(&cfg.RateLimit.SweepInterval, f.SweepInterval, "rate_limit.sweep_interval")
	}
	if f := file.Broker; f != nil {
		if f.URL != nil {
			cfg.Broker.URL = *f.URL
		}
		p.str(&cfg.Broker.SubjectPrefix, f.SubjectPrefix)
	}
	if f := file.Auth; f != nil {
		if f.Secret != nil {
			cfg.Auth.Secret = *f.Secret
		}
		p.flag(&cfg.Auth.Required, f.Required)
		p.str(&cfg.Auth.OperatorSubject, f.OperatorSubject)
	}
	if f := file.Metrics; f != nil {
		p.dur(&cfg.Metrics.Interval, f.Interval, "metrics.interval")
	}
	if f := file.Journal; f != nil && f.Path != nil {
		cfg.Journal.Path = *f.Path
	}
	if f := file.Simulator; f != nil {
		p.flag(&cfg.Simulator.Enabled, f.Enabled)
		if len(f.Symbols) > 0 {
			cfg.Simulator.Symbols = f.Symbols
		}
		p.dur(&cfg.Simulator.Interval, f.Interval, "simulator.interval")
	}
	if f := file.Client; f != nil {
		p.dur(&cfg.Client.BaseDelay, f.BaseDelay, "client.base_delay")
		p.dur(&cfg.Client.MaxDelay, f.MaxDelay, "client.max_delay")
		if f.MaxAttempts != nil {
			cfg.Client.MaxAttempts = *f.MaxAttempts
		}
		p.num(&cfg.Client.QueueSize, f.QueueSize)
	}
	if f := file.Log; f != nil {
		p.str(&cfg.Log.Level, f.Level)
		p.str(&cfg.Log.Format, f.Format)
	}

	if p.err != nil {
		return fmt.Errorf("invalid value in config file %s: %w", path, p.err)
	}
	return nil
}

// overlay applies non-empty file values and keeps the first parse error
type overlay struct {
	err error
}

func (o *overlay) str(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (o *overlay) num(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func (o *overlay) flag(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func (o *overlay) dur(dst *time.Duration, v, key string) {
	if v == "" || o.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		o.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = d
}
