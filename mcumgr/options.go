package mcumgr

import (
	"time"

	"github.com/CuriousInventions/smartpaci-dfu/smp"
)

// Config holds the client configuration.
type Config struct {
	// Logger is used for logging exchanges (optional)
	Logger Logger

	// RequestTimeout bounds the wait for each response
	RequestTimeout time.Duration

	// ProtocolVersion is the SMP version written into request headers
	ProtocolVersion uint8
}

// defaultConfig returns the default configuration.
func defaultConfig() Config {
	return Config{
		RequestTimeout:  5 * time.Second,
		ProtocolVersion: smp.Version2,
	}
}

// Option is a functional option for configuring the Client.
type Option func(*Config)

// WithLogger sets a logger for client operations.
//
// Example:
//
//	client := mcumgr.New(mcumgr.WithLogger(logging.NewAdapter(log.Logger)))
func WithLogger(logger Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithRequestTimeout sets how long each request waits for its response.
//
// Example:
//
//	client := mcumgr.New(mcumgr.WithRequestTimeout(10*time.Second))
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.RequestTimeout = timeout
		}
	}
}

// WithProtocolVersion selects SMP v1 (smp.Version1) or v2 (smp.Version2)
// request headers. Default is v2.
func WithProtocolVersion(v uint8) Option {
	return func(c *Config) {
		if v <= smp.Version2 {
			c.ProtocolVersion = v
		}
	}
}
