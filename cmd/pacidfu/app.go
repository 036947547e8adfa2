package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/CuriousInventions/smartpaci-dfu/config"
	"github.com/CuriousInventions/smartpaci-dfu/dfu"
	"github.com/CuriousInventions/smartpaci-dfu/history"
	"github.com/CuriousInventions/smartpaci-dfu/logging"
	"github.com/CuriousInventions/smartpaci-dfu/mcumgr"
	"github.com/CuriousInventions/smartpaci-dfu/transport"
	"github.com/CuriousInventions/smartpaci-dfu/transport/simulated"
	"github.com/CuriousInventions/smartpaci-dfu/transport/udp"
)

// app wires configuration to the transport, client and history store.
type app struct {
	cfg     config.Config
	logger  *logging.Adapter
	client  *mcumgr.Client
	updater *dfu.Updater
	store   *history.Store
}

func newApp(cfg config.Config) *app {
	return &app{
		cfg:    cfg,
		logger: logging.NewAdapter(log.Logger),
	}
}

func newTransport(cfg config.Config) (transport.Transport, error) {
	switch strings.ToLower(cfg.Transport.Kind) {
	case "udp", "":
		if cfg.Transport.Address == "" {
			return nil, fmt.Errorf("udp transport needs an address")
		}
		return &udp.Transport{Addr: cfg.Transport.Address, MTU: cfg.Transport.MTU}, nil
	case "simulated":
		return simulated.New(
			simulated.WithMTU(cfg.Transport.MTU),
			simulated.WithBootDelay(time.Duration(cfg.Simulator.BootDelayMS)*time.Millisecond),
			simulated.WithFailBoot(cfg.Simulator.FailBoot),
		), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
	}
}

func (a *app) updaterOptions() []dfu.Option {
	opts := []dfu.Option{
		dfu.WithLogger(a.logger),
		dfu.WithMaxImageSize(a.cfg.MaxImageSize()),
		dfu.WithRetries(a.cfg.Update.Retries),
		dfu.WithChunkRate(a.cfg.Update.ChunkRate),
		dfu.WithResetDelay(a.cfg.ResetDelay()),
		dfu.WithReconnectWindow(a.cfg.ReconnectWindow()),
		dfu.WithReconnectInterval(a.cfg.ReconnectInterval()),
	}
	if a.store != nil {
		opts = append(opts, dfu.WithRecorder(a.store))
	}
	return opts
}

// connect opens the device link and returns the attached updater.
func (a *app) connect(ctx context.Context) (*dfu.Updater, error) {
	if a.updater != nil {
		return a.updater, nil
	}

	t, err := newTransport(a.cfg)
	if err != nil {
		return nil, err
	}

	a.client = mcumgr.New(
		mcumgr.WithLogger(a.logger),
		mcumgr.WithRequestTimeout(a.cfg.RequestTimeout()),
		mcumgr.WithProtocolVersion(uint8(a.cfg.Update.ProtocolVersion-1)),
	)
	upd := dfu.NewUpdater(t, a.client, a.updaterOptions()...)

	log.Info().
		Str("transport", a.cfg.Transport.Kind).
		Str("address", a.cfg.Transport.Address).
		Msg("Connecting to device")
	if err := upd.Connect(ctx); err != nil {
		return nil, err
	}
	a.updater = upd
	return upd, nil
}

// openHistory opens the history store when enabled.
func (a *app) openHistory() (*history.Store, error) {
	if a.store != nil || !a.cfg.History.Enabled {
		return a.store, nil
	}
	s, err := history.Open(a.cfg.History.DBPath)
	if err != nil {
		return nil, err
	}
	a.store = s
	return s, nil
}

func (a *app) close() {
	if a.client != nil {
		_ = a.client.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close history store")
		}
	}
}
