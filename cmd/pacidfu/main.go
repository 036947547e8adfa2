// Command pacidfu inspects MCUboot images and updates SmartPaci firmware
// over SMP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/CuriousInventions/smartpaci-dfu/config"
	"github.com/CuriousInventions/smartpaci-dfu/logging"
	"github.com/CuriousInventions/smartpaci-dfu/tracing"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, app *app, args []string) error
}

var commands = []command{
	{"inspect", "inspect <image.bin>          show image header, digest and tags", runInspect},
	{"update", "update <image.bin>           upload, test, reset and confirm an image", runUpdate},
	{"status", "status                       list the device's image slots", runStatus},
	{"echo", "echo [text]                  check that the device answers", runEcho},
	{"params", "params                       show the device's SMP buffer parameters", runParams},
	{"erase", "erase                        erase the secondary slot", runErase},
	{"reset", "reset                        reboot the device", runReset},
	{"history", "history [-n count]           list recorded updates", runHistory},
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: pacidfu [-config file] <command> [args]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %s\n", c.usage)
	}
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", os.Getenv("PACI_CONFIG_FILE"), "Path to YAML config file")
	transportKind := flag.String("transport", "", "Transport override: udp or simulated")
	address := flag.String("address", "", "Device address override for udp")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *transportKind != "" {
		cfg.Transport.Kind = *transportKind
	}
	if *address != "" {
		cfg.Transport.Address = *address
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}

	if err := logging.Setup(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.Setup(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to setup tracing")
	}

	name := strings.ToLower(flag.Arg(0))
	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", name)
		usage()
		os.Exit(2)
	}

	a := newApp(cfg)
	err = cmd.run(ctx, a, flag.Args()[1:])
	a.close()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if serr := shutdown(flushCtx); serr != nil {
		log.Error().Err(serr).Msg("Failed to flush traces")
	}
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, failStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}
