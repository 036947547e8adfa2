package logging

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CuriousInventions/smartpaci-dfu/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zerolog.Level
		wantErr bool
	}{
		{"trace", zerolog.TraceLevel, false},
		{"DEBUG", zerolog.DebugLevel, false},
		{"info", zerolog.InfoLevel, false},
		{"warning", zerolog.WarnLevel, false},
		{"error", zerolog.ErrorLevel, false},
		{"disabled", zerolog.Disabled, false},
		{"loud", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestSetup(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	cfg := config.Default()
	cfg.Logging.Level = "warn"
	require.NoError(t, Setup(cfg))
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	cfg.Logging.Output = "file"
	cfg.Logging.FilePath = filepath.Join(t.TempDir(), "logs", "pacidfu.log")
	require.NoError(t, Setup(cfg))

	cfg.Logging.Output = "syslog"
	assert.Error(t, Setup(cfg))

	cfg.Logging.Output = "stderr"
	cfg.Logging.Level = "chatty"
	assert.Error(t, Setup(cfg))
}

func TestAdapterFields(t *testing.T) {
	var buf bytes.Buffer
	a := NewAdapter(zerolog.New(&buf).Level(zerolog.DebugLevel))

	a.Info("chunk acknowledged", "offset", 512, "session", "01J")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "chunk acknowledged", entry["message"])
	assert.Equal(t, float64(512), entry["offset"])
	assert.Equal(t, "01J", entry["session"])

	buf.Reset()
	a.Debug("dropped", "seq", 3)
	assert.Contains(t, buf.String(), `"seq":3`)

	buf.Reset()
	a.Error("failed")
	assert.Contains(t, buf.String(), `"level":"error"`)
}
