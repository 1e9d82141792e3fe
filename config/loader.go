package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/derktes/signal-recorder/signal"
)

// Load reads the YAML configuration file at path on top of [Default] and
// returns the validated result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown keys are errors.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}

	if err := cfg.Capture.Collector().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("capture: %w", err))
	}
	if cfg.Capture.SamplePeriod == 0 || cfg.Capture.SamplePeriod >= cfg.Capture.IdleTimeout {
		errs = append(errs, errors.New("capture.sample_period must be positive and below idle_timeout"))
	}

	for _, mode := range signal.Modes {
		src := cfg.Sources.For(mode)
		name := "sources." + mode.Tag()
		switch {
		case !src.Kind.IsValid():
			errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: none, gpio, poll, serial", name, src.Kind))
		case (src.Kind == SourceGPIO || src.Kind == SourcePoll) && (src.Chip == "" || src.Line < 0):
			errs = append(errs, fmt.Errorf("%s: gpio sources need chip and line", name))
		case src.Kind == SourceSerial && (src.Port == "" || src.Baud <= 0):
			errs = append(errs, fmt.Errorf("%s: serial sources need port and baud", name))
		}

		out := cfg.Outputs.For(mode)
		name = "outputs." + mode.Tag()
		switch {
		case !out.Kind.IsValid():
			errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: none, gpio, serial", name, out.Kind))
		case out.Kind == OutputGPIO && (out.Chip == "" || out.Line < 0):
			errs = append(errs, fmt.Errorf("%s: gpio outputs need chip and line", name))
		case out.Kind == OutputSerial && (out.Port == "" || out.Baud <= 0):
			errs = append(errs, fmt.Errorf("%s: serial outputs need port and baud", name))
		}
	}
	for _, mode := range cfg.Capture.Autostart {
		if cfg.Sources.For(mode).Kind == SourceNone {
			errs = append(errs, fmt.Errorf("capture.autostart: %s has no source", mode))
		}
	}

	switch cfg.Storage.Driver {
	case StorageDir:
		if cfg.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required by the dir driver"))
		}
	case StoragePostgres:
		if cfg.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required by the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is invalid; valid values: dir, postgres", cfg.Storage.Driver))
	}
	if cfg.Storage.LockTimeout <= 0 {
		errs = append(errs, errors.New("storage.lock_timeout must be positive"))
	}
	if cfg.Replay.LoadTimeout <= 0 {
		errs = append(errs, errors.New("replay.load_timeout must be positive"))
	}

	if cfg.Forward.URL != "" {
		u, err := url.Parse(cfg.Forward.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("forward.url %q must be an http or https address", cfg.Forward.URL))
		}
	}

	return errors.Join(errs...)
}
