package server

import (
	"fmt"
	"time"
)

// Config holds the HTTP façade configuration.
type Config struct {
	// ListenAddr is the host:port the API listens on.
	ListenAddr string
	// MetricsAddr is the host:port the Prometheus listener binds, empty to
	// disable.
	MetricsAddr string
	// ReadTimeout bounds request reads; archives arrive in the request body,
	// so this is generous.
	ReadTimeout time.Duration
	// WriteTimeout bounds response writes.
	WriteTimeout time.Duration
	// MaxArchiveBytes caps the accepted archive upload size.
	MaxArchiveBytes int64
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		MetricsAddr:     ":9090",
		ReadTimeout:     5 * time.Minute,
		WriteTimeout:    2 * time.Minute,
		MaxArchiveBytes: 2 << 30, // 2 GiB
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.MaxArchiveBytes <= 0 {
		return fmt.Errorf("max archive size must be positive")
	}
	return nil
}
