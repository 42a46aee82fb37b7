package journal

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds journal storage settings
type Config struct {
	Path            string        `json:"path" validate:"required"`
	MaxConnections  int           `json:"max_connections" validate:"gte=1"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" validate:"gt=0"`
	QueueSize       int           `json:"queue_size" validate:"gte=1"`
	RetryDelay      time.Duration `json:"retry_delay" validate:"gte=0"`
}

// DefaultConfig returns settings for a local journal file
func DefaultConfig() Config {
	return Config{
		Path:            "./data/tickstream.db",
		MaxConnections:  4,
		ConnMaxLifetime: time.Hour,
		QueueSize:       1024,
		RetryDelay:      time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Path == "" {
		return ErrEmptyPath
	}
	return validator.New().Struct(c)
}
