// Command audio-bridge pairs with a phone, relays its audio and maps three
// push buttons to media and power actions.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/bluetuith-org/audio-bridge/api/config"
	"github.com/bluetuith-org/audio-bridge/api/errorkinds"
	"github.com/bluetuith-org/audio-bridge/api/eventbus"
	"github.com/bluetuith-org/audio-bridge/api/helpers/sessionstore"
	"github.com/bluetuith-org/audio-bridge/buttons"
	"github.com/bluetuith-org/audio-bridge/controller"
	"github.com/bluetuith-org/audio-bridge/indicator"
	"github.com/bluetuith-org/audio-bridge/internal/logger"
	"github.com/bluetuith-org/audio-bridge/platform"
	"github.com/bluetuith-org/audio-bridge/relay"
	"github.com/bluetuith-org/audio-bridge/session"
	flag "github.com/spf13/pflag"
)

type options struct {
	configPath string
	backend    string
	debug      bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}

		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if err := initLogging(cfg.Log, opts.debug); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	log := logger.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bridge(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("Bridge stopped")
		return 1
	}

	log.Info().Msg("Bridge stopped")

	return 0
}

func parseFlags(args []string) (options, error) {
	var opts options

	fs := flag.NewFlagSet("audio-bridge", flag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to the JSON configuration file")
	fs.StringVar(&opts.backend, "backend", "", "control channel backend (bluetoothctl or dbus)")
	fs.BoolVarP(&opts.debug, "debug", "d", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	if fs.NArg() > 0 {
		return opts, fault.Wrap(errorkinds.ErrInvalidConfig,
			ftag.With(ftag.InvalidArgument),
			fmsg.With("unexpected arguments: "+strings.Join(fs.Args(), " ")),
		)
	}

	return opts, nil
}

// initLogging configures the global logger; debug overrides the configured level.
func initLogging(cfg logger.Config, debug bool) error {
	if err := logger.Init(cfg); err != nil {
		return err
	}

	if debug {
		logger.SetDebug(true)
	}

	return nil
}

// loadConfig reads the configuration file, if any, and applies the flags over it.
func loadConfig(opts options) (config.Configuration, error) {
	cfg := config.New()

	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return cfg, err
		}
	}

	if opts.backend != "" {
		cfg.Backend = config.Backend(opts.backend)
	}

	return cfg, nil
}

func bridge(ctx context.Context, cfg config.Configuration) error {
	log := logger.GetLogger()

	dial, info, err := platform.Session(cfg, bluetooth.DefaultAuthorizer{}, logger.WithComponent("channel"))
	if err != nil {
		return err
	}

	log.Info().
		Str("os", info.OS).
		Str("stack", info.Stack.String()).
		Str("adapter", info.Adapter).
		Msg("Starting audio bridge")

	relayLog := logger.WithComponent("relay")
	supervisor := relay.NewSupervisor(
		relay.CommandSpawner{Command: cfg.RelayCommand, Log: relayLog},
		cfg.RelayStopGrace,
		relayLog,
	)
	defer supervisor.Close()

	store := sessionstore.NewSessionStore()
	sess := session.New(nil, supervisor, &store, cfg, logger.WithComponent("session"))

	source := buttons.NewSource(cfg.Buttons, nil, logger.WithComponent("buttons"))
	go source.Run(ctx)

	if cfg.LED != "" {
		led := indicator.NewLED(cfg.LEDRoot, cfg.LED)
		go indicator.New(led, logger.WithComponent("indicator")).Run(ctx)
	} else {
		eventbus.Disable()
	}

	power := controller.CommandPower{
		PowerOffCommand: cfg.PowerOffCommand,
		RebootCommand:   cfg.RebootCommand,
		Log:             logger.WithComponent("power"),
	}

	return controller.New(
		cfg,
		sess,
		dial,
		source.Events(),
		supervisor.Exits(),
		power,
		logger.WithComponent("controller"),
	).Run(ctx)
}
