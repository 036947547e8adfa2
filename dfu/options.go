package dfu

import (
	"time"

	"github.com/CuriousInventions/smartpaci-dfu/image"
	"github.com/CuriousInventions/smartpaci-dfu/mcumgr"
)

// Config holds uploader and updater configuration.
type Config struct {
	// Logger is used for logging operations (optional)
	Logger mcumgr.Logger

	// MaxImageSize is the largest image accepted
	MaxImageSize int64

	// Retries is the number of consecutive responses without offset
	// progress tolerated before the upload fails
	Retries int

	// ChunkRate limits chunk requests per second; zero disables pacing
	ChunkRate float64

	// ResetDelay is the pause after reset before the first reconnect
	ResetDelay time.Duration

	// ReconnectWindow bounds the time from reset until the device must
	// answer again
	ReconnectWindow time.Duration

	// ReconnectInterval is the pause between reconnect attempts
	ReconnectInterval time.Duration

	// Recorder receives a report for every finished update (optional)
	Recorder Recorder
}

// defaultConfig returns the default configuration.
func defaultConfig() Config {
	return Config{
		MaxImageSize:      image.DefaultMaxSize,
		Retries:           3,
		ResetDelay:        time.Second,
		ReconnectWindow:   60 * time.Second,
		ReconnectInterval: time.Second,
	}
}

// Option is a functional option for configuring the Uploader and Updater.
type Option func(*Config)

// WithLogger sets a logger.
func WithLogger(logger mcumgr.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMaxImageSize sets the image size limit in bytes.
//
// Example:
//
//	up := dfu.NewUploader(client, dfu.WithMaxImageSize(512*1024))
func WithMaxImageSize(n int64) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxImageSize = n
		}
	}
}

// WithRetries sets how many responses without progress are tolerated.
func WithRetries(retries int) Option {
	return func(c *Config) {
		if retries >= 0 {
			c.Retries = retries
		}
	}
}

// WithChunkRate paces chunk requests to at most perSecond.
func WithChunkRate(perSecond float64) Option {
	return func(c *Config) {
		if perSecond >= 0 {
			c.ChunkRate = perSecond
		}
	}
}

// WithResetDelay sets the pause after reset before reconnecting.
func WithResetDelay(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.ResetDelay = d
		}
	}
}

// WithReconnectWindow bounds how long to wait for the device after reset.
//
// Example:
//
//	upd := dfu.NewUpdater(tr, client, dfu.WithReconnectWindow(30*time.Second))
func WithReconnectWindow(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ReconnectWindow = d
		}
	}
}

// WithReconnectInterval sets the pause between reconnect attempts.
func WithReconnectInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ReconnectInterval = d
		}
	}
}

// WithRecorder sets the destination for update reports.
func WithRecorder(r Recorder) Option {
	return func(c *Config) {
		c.Recorder = r
	}
}
