// Package config loads pacidfu runtime settings.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings.
// Load order: defaults -> YAML (optional) -> env overrides.
type Config struct {
	Transport struct {
		Kind    string `yaml:"kind"`    // udp, simulated
		Address string `yaml:"address"` // host:port for udp
		MTU     int    `yaml:"mtu"`     // largest frame per write
	} `yaml:"transport"`

	Update struct {
		MaxImageKB          int64   `yaml:"max_image_kb"`
		RequestTimeoutMS    int     `yaml:"request_timeout_ms"`
		ReconnectWindowSec  int     `yaml:"reconnect_window_sec"`
		ReconnectIntervalMS int     `yaml:"reconnect_interval_ms"`
		ResetDelayMS        int     `yaml:"reset_delay_ms"`
		ChunkRate           float64 `yaml:"chunk_rate"`       // chunks per second, 0 = unpaced
		Retries             int     `yaml:"retries"`          // stalled responses tolerated
		ProtocolVersion     int     `yaml:"protocol_version"` // 1 or 2
	} `yaml:"update"`

	// Logging configuration
	Logging struct {
		Level      string `yaml:"level"`        // trace, debug, info, warn, error, fatal, panic
		Format     string `yaml:"format"`       // json, console
		Output     string `yaml:"output"`       // stdout, stderr, file, multi
		FilePath   string `yaml:"file_path"`    // path to log file (if output=file or multi)
		MaxSizeMB  int    `yaml:"max_size_mb"`  // max size before rotation
		MaxBackups int    `yaml:"max_backups"`  // max number of old log files
		MaxAgeDays int    `yaml:"max_age_days"` // max age in days
		Compress   bool   `yaml:"compress"`     // compress rotated files
	} `yaml:"logging"`

	Tracing struct {
		Enabled  bool   `yaml:"enabled"`
		Exporter string `yaml:"exporter"` // stdout, noop
	} `yaml:"tracing"`

	History struct {
		Enabled bool   `yaml:"enabled"`
		DBPath  string `yaml:"db_path"`
	} `yaml:"history"`

	// Simulator settings apply when Transport.Kind is "simulated".
	Simulator struct {
		BootDelayMS int  `yaml:"boot_delay_ms"`
		FailBoot    bool `yaml:"fail_boot"`
	} `yaml:"simulator"`
}

// Load reads YAML if path is non-empty, then applies env overrides.
func Load(path string) (Config, error) {
	cfg := defaults()

	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return defaults()
}

func defaults() Config {
	var c Config
	c.Transport.Kind = "udp"
	c.Transport.Address = "192.0.2.1:1337"
	c.Transport.MTU = 1024

	c.Update.MaxImageKB = 1024
	c.Update.RequestTimeoutMS = 5000
	c.Update.ReconnectWindowSec = 60
	c.Update.ReconnectIntervalMS = 1000
	c.Update.ResetDelayMS = 1000
	c.Update.ChunkRate = 0
	c.Update.Retries = 3
	c.Update.ProtocolVersion = 2

	// Logging defaults
	c.Logging.Level = "info"
	c.Logging.Format = "console"
	c.Logging.Output = "stderr"
	c.Logging.FilePath = "pacidfu.log"
	c.Logging.MaxSizeMB = 10
	c.Logging.MaxBackups = 3
	c.Logging.MaxAgeDays = 28
	c.Logging.Compress = true

	c.Tracing.Enabled = false
	c.Tracing.Exporter = "noop"

	c.History.Enabled = true
	c.History.DBPath = "pacidfu-history.db"

	c.Simulator.BootDelayMS = 200
	return c
}

func applyEnv(cfg *Config) {
	setStr(&cfg.Transport.Kind, "PACI_TRANSPORT")
	setStr(&cfg.Transport.Address, "PACI_ADDRESS")
	setInt(&cfg.Transport.MTU, "PACI_MTU", 1)

	if v := os.Getenv("PACI_MAX_IMAGE_KB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Update.MaxImageKB = n
		}
	}
	setInt(&cfg.Update.RequestTimeoutMS, "PACI_REQUEST_TIMEOUT_MS", 1)
	setInt(&cfg.Update.ReconnectWindowSec, "PACI_RECONNECT_WINDOW_SEC", 1)
	setInt(&cfg.Update.ReconnectIntervalMS, "PACI_RECONNECT_INTERVAL_MS", 1)
	setInt(&cfg.Update.ResetDelayMS, "PACI_RESET_DELAY_MS", 0)
	setInt(&cfg.Update.Retries, "PACI_RETRIES", 0)
	setInt(&cfg.Update.ProtocolVersion, "PACI_PROTOCOL_VERSION", 1)
	if v := os.Getenv("PACI_CHUNK_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Update.ChunkRate = f
		}
	}

	// Logging configuration
	setStr(&cfg.Logging.Level, "PACI_LOG_LEVEL")
	setStr(&cfg.Logging.Format, "PACI_LOG_FORMAT")
	setStr(&cfg.Logging.Output, "PACI_LOG_OUTPUT")
	setStr(&cfg.Logging.FilePath, "PACI_LOG_FILE_PATH")
	setInt(&cfg.Logging.MaxSizeMB, "PACI_LOG_MAX_SIZE_MB", 1)
	setInt(&cfg.Logging.MaxBackups, "PACI_LOG_MAX_BACKUPS", 0)
	setInt(&cfg.Logging.MaxAgeDays, "PACI_LOG_MAX_AGE_DAYS", 0)
	setBool(&cfg.Logging.Compress, "PACI_LOG_COMPRESS")

	setBool(&cfg.Tracing.Enabled, "PACI_TRACING_ENABLED")
	setStr(&cfg.Tracing.Exporter, "PACI_TRACING_EXPORTER")

	setBool(&cfg.History.Enabled, "PACI_HISTORY_ENABLED")
	setStr(&cfg.History.DBPath, "PACI_HISTORY_DB_PATH")

	setInt(&cfg.Simulator.BootDelayMS, "PACI_SIM_BOOT_DELAY_MS", 0)
	setBool(&cfg.Simulator.FailBoot, "PACI_SIM_FAIL_BOOT")
}

func setStr(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string, min int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= min {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || strings.ToLower(v) == "true"
	}
}

// MaxImageSize returns the image size limit in bytes.
func (c Config) MaxImageSize() int64 {
	return c.Update.MaxImageKB * 1024
}

// RequestTimeout returns the per-request response deadline.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Update.RequestTimeoutMS) * time.Millisecond
}

// ReconnectWindow returns how long to wait for the device after reset.
func (c Config) ReconnectWindow() time.Duration {
	return time.Duration(c.Update.ReconnectWindowSec) * time.Second
}

// ReconnectInterval returns the pause between reconnect attempts.
func (c Config) ReconnectInterval() time.Duration {
	return time.Duration(c.Update.ReconnectIntervalMS) * time.Millisecond
}

// ResetDelay returns the pause between reset and the first reconnect.
func (c Config) ResetDelay() time.Duration {
	return time.Duration(c.Update.ResetDelayMS) * time.Millisecond
}
