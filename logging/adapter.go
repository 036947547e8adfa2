package logging

import "github.com/rs/zerolog"

// Adapter exposes a zerolog.Logger through the Debug/Info/Error key/value
// interface accepted by mcumgr.WithLogger and dfu.WithLogger.
type Adapter struct {
	logger zerolog.Logger
}

// NewAdapter wraps l.
func NewAdapter(l zerolog.Logger) *Adapter {
	return &Adapter{logger: l}
}

func (a *Adapter) Debug(msg string, keysAndValues ...interface{}) {
	a.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (a *Adapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Info().Fields(keysAndValues).Msg(msg)
}

func (a *Adapter) Error(msg string, keysAndValues ...interface{}) {
	a.logger.Error().Fields(keysAndValues).Msg(msg)
}
