package config

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"os"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/audio-bridge/api/bluetooth"
	"github.com/bluetuith-org/audio-bridge/api/errorkinds"
	"github.com/bluetuith-org/audio-bridge/internal/logger"
	"github.com/bluetuith-org/audio-bridge/internal/serde"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaSource []byte

const schemaURL = "audio-bridge-config.json"

// document is the on-disk form of Configuration.
type document struct {
	Backend           string           `json:"backend"`
	Adapter           string           `json:"adapter"`
	ControlCommand    []string         `json:"control_command"`
	CommandTimeout    string           `json:"command_timeout"`
	ListSettle        string           `json:"list_settle"`
	AuthTimeout       string           `json:"auth_timeout"`
	ScanTimeout       string           `json:"scan_timeout"`
	PairTimeout       string           `json:"pair_timeout"`
	ConnectTimeout    string           `json:"connect_timeout"`
	DisconnectTimeout string           `json:"disconnect_timeout"`
	TargetAddress     string           `json:"target_address"`
	ServiceWait       string           `json:"service_wait"`
	Autoconnect       bool             `json:"autoconnect"`
	RelayCommand      []string         `json:"relay_command"`
	RelayStopGrace    string           `json:"relay_stop_grace"`
	Buttons           []buttonDocument `json:"buttons"`
	LED               string           `json:"led"`
	LEDRoot           string           `json:"led_root"`
	PowerOffCommand   []string         `json:"power_off_command"`
	RebootCommand     []string         `json:"reboot_command"`
	RebootOnFailure   bool             `json:"reboot_on_failure"`
	ReconnectAttempts int              `json:"reconnect_attempts"`
	ReconnectDelay    string           `json:"reconnect_delay"`
	Log               logger.Config    `json:"log"`
}

type buttonDocument struct {
	ID   int    `json:"id"`
	GPIO int    `json:"gpio"`
	Path string `json:"path"`
}

// Load reads the configuration file at path. Values absent from the
// file keep their defaults.
func Load(path string) (Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return New(), fault.Wrap(err,
			fctx.With(context.Background(), "config_path", path),
			ftag.With(ftag.NotFound),
			fmsg.With("Cannot read configuration file"),
		)
	}

	cfg, err := Parse(data)
	if err != nil {
		return cfg, fault.Wrap(err, fctx.With(context.Background(), "config_path", path))
	}

	return cfg, nil
}

// Parse validates data against the configuration schema and applies it over the defaults.
func Parse(data []byte) (Configuration, error) {
	cfg := New()

	if err := validate(data); err != nil {
		return cfg, fault.Wrap(errorkinds.ErrInvalidConfig,
			ftag.With(ftag.InvalidArgument),
			fmsg.With(err.Error()),
		)
	}

	doc := newDocument(cfg)
	if err := serde.UnmarshalJson(data, &doc); err != nil {
		return cfg, fault.Wrap(errorkinds.ErrInvalidConfig,
			ftag.With(ftag.InvalidArgument),
			fmsg.With(err.Error()),
		)
	}

	if err := doc.apply(&cfg); err != nil {
		return cfg, fault.Wrap(errorkinds.ErrInvalidConfig,
			ftag.With(ftag.InvalidArgument),
			fmsg.With(err.Error()),
		)
	}

	return cfg, nil
}

func validate(data []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaSource)); err != nil {
		return err
	}

	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	return schema.Validate(payload)
}

// newDocument renders the defaults. Slices are left nil so that a
// list in the file replaces the default instead of merging into it.
func newDocument(cfg Configuration) document {
	return document{
		Backend:           string(cfg.Backend),
		Adapter:           cfg.Adapter,
		CommandTimeout:    cfg.CommandTimeout.String(),
		ListSettle:        cfg.ListSettle.String(),
		AuthTimeout:       cfg.AuthTimeout.String(),
		ScanTimeout:       cfg.ScanTimeout.String(),
		PairTimeout:       cfg.PairTimeout.String(),
		ConnectTimeout:    cfg.ConnectTimeout.String(),
		DisconnectTimeout: cfg.DisconnectTimeout.String(),
		TargetAddress:     cfg.TargetAddress.String(),
		ServiceWait:       cfg.ServiceWait.String(),
		Autoconnect:       cfg.Autoconnect,
		RelayStopGrace:    cfg.RelayStopGrace.String(),
		LED:               cfg.LED,
		LEDRoot:           cfg.LEDRoot,
		RebootOnFailure:   cfg.RebootOnFailure,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay.String(),
		Log:               cfg.Log,
	}
}

func (d *document) apply(cfg *Configuration) error {
	durations := []struct {
		value string
		dest  *time.Duration
	}{
		{d.CommandTimeout, &cfg.CommandTimeout},
		{d.ListSettle, &cfg.ListSettle},
		{d.AuthTimeout, &cfg.AuthTimeout},
		{d.ScanTimeout, &cfg.ScanTimeout},
		{d.PairTimeout, &cfg.PairTimeout},
		{d.ConnectTimeout, &cfg.ConnectTimeout},
		{d.DisconnectTimeout, &cfg.DisconnectTimeout},
		{d.ServiceWait, &cfg.ServiceWait},
		{d.RelayStopGrace, &cfg.RelayStopGrace},
		{d.ReconnectDelay, &cfg.ReconnectDelay},
	}
	for _, duration := range durations {
		parsed, err := time.ParseDuration(duration.value)
		if err != nil {
			return err
		}

		*duration.dest = parsed
	}

	if d.TargetAddress != "" {
		address, err := bluetooth.ParseMacAddress(d.TargetAddress)
		if err != nil {
			return err
		}

		cfg.TargetAddress = address
	}

	cfg.Backend = Backend(d.Backend)
	cfg.Adapter = d.Adapter
	cfg.Autoconnect = d.Autoconnect
	cfg.LED = d.LED
	cfg.LEDRoot = d.LEDRoot
	cfg.RebootOnFailure = d.RebootOnFailure
	cfg.ReconnectAttempts = d.ReconnectAttempts
	cfg.Log = d.Log

	if d.ControlCommand != nil {
		cfg.ControlCommand = d.ControlCommand
	}
	if d.RelayCommand != nil {
		cfg.RelayCommand = d.RelayCommand
	}
	if d.PowerOffCommand != nil {
		cfg.PowerOffCommand = d.PowerOffCommand
	}
	if d.RebootCommand != nil {
		cfg.RebootCommand = d.RebootCommand
	}

	if d.Buttons != nil {
		cfg.Buttons = make([]ButtonLine, 0, len(d.Buttons))
		for _, b := range d.Buttons {
			cfg.Buttons = append(cfg.Buttons, ButtonLine{
				ID:   bluetooth.ButtonID(b.ID),
				GPIO: b.GPIO,
				Path: b.Path,
			})
		}
	}

	return nil
}
