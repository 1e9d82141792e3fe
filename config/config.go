// Package config provides the configuration schema and loader for the
// signal recorder.
package config

import (
	"time"

	"github.com/derktes/signal-recorder/collector"
	"github.com/derktes/signal-recorder/signal"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SourceKind selects how a mode's input is captured.
type SourceKind string

const (
	SourceNone SourceKind = "none"
	// SourceGPIO captures kernel edge events on a gpio line.
	SourceGPIO SourceKind = "gpio"
	// SourcePoll samples a gpio line every capture.sample_period.
	SourcePoll SourceKind = "poll"
	// SourceSerial reads observations from a bridge MCU.
	SourceSerial SourceKind = "serial"
)

func (k SourceKind) IsValid() bool {
	switch k {
	case SourceNone, SourceGPIO, SourcePoll, SourceSerial:
		return true
	}
	return false
}

// OutputKind selects how a mode's output is driven.
type OutputKind string

const (
	OutputNone   OutputKind = "none"
	OutputGPIO   OutputKind = "gpio"
	OutputSerial OutputKind = "serial"
)

func (k OutputKind) IsValid() bool {
	return k == OutputNone || k == OutputGPIO || k == OutputSerial
}

// StorageDriver selects the medium signals are stored on.
type StorageDriver string

const (
	StorageDir      StorageDriver = "dir"
	StoragePostgres StorageDriver = "postgres"
)

// Config is the root configuration structure. It is typically loaded from
// a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Capture CaptureConfig `yaml:"capture"`
	Sources Sources       `yaml:"sources"`
	Outputs Outputs       `yaml:"outputs"`
	Storage StorageConfig `yaml:"storage"`
	Replay  ReplayConfig  `yaml:"replay"`
	Forward ForwardConfig `yaml:"forward"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// Listen is the TCP address of the HTTP API (e.g. ":8080").
	Listen string `yaml:"listen"`

	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins are host patterns accepted on the websocket stream.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// CaptureConfig tunes every capture path. Durations are microseconds.
type CaptureConfig struct {
	IdleTimeout  uint32               `yaml:"idle_timeout"`
	MaxPulses    int                  `yaml:"max_pulses"`
	SamplePeriod uint32               `yaml:"sample_period"`
	QueueDepth   int                  `yaml:"queue_depth"`
	StopPolicy   collector.StopPolicy `yaml:"stop_policy"`
	// Autostart lists the modes that start capturing at boot.
	Autostart []signal.Mode `yaml:"autostart"`
}

// Collector converts c to the collector's per-path configuration.
func (c CaptureConfig) Collector() collector.Config {
	return collector.Config{
		IdleTimeout: c.IdleTimeout,
		MaxPulses:   c.MaxPulses,
		QueueDepth:  c.QueueDepth,
		StopPolicy:  c.StopPolicy,
	}
}

// SourceConfig describes one mode's input.
type SourceConfig struct {
	Kind      SourceKind `yaml:"kind"`
	Chip      string     `yaml:"chip"`
	Line      int        `yaml:"line"`
	ActiveLow bool       `yaml:"active_low"`
	Port      string     `yaml:"port"`
	Baud      int        `yaml:"baud"`
}

type Sources struct {
	IR SourceConfig `yaml:"ir"`
	RF SourceConfig `yaml:"rf"`
}

// For returns the source configured for mode.
func (s Sources) For(mode signal.Mode) SourceConfig {
	if mode == signal.ModeRF {
		return s.RF
	}
	return s.IR
}

// OutputConfig describes one mode's replay output.
type OutputConfig struct {
	Kind OutputKind `yaml:"kind"`
	Chip string     `yaml:"chip"`
	Line int        `yaml:"line"`
	Port string     `yaml:"port"`
	Baud int        `yaml:"baud"`
}

type Outputs struct {
	IR OutputConfig `yaml:"ir"`
	RF OutputConfig `yaml:"rf"`
}

// For returns the output configured for mode.
func (o Outputs) For(mode signal.Mode) OutputConfig {
	if mode == signal.ModeRF {
		return o.RF
	}
	return o.IR
}

// StorageConfig selects and tunes the signal store.
type StorageConfig struct {
	Driver StorageDriver `yaml:"driver"`

	// Dir is the directory signals are written to by the dir driver.
	Dir string `yaml:"dir"`

	// DSN is the PostgreSQL connection string used by the postgres driver.
	DSN string `yaml:"dsn"`

	// LockTimeout bounds how long a save waits for the storage lock.
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

type ReplayConfig struct {
	// LoadTimeout bounds loading a signal before it is replayed.
	LoadTimeout time.Duration `yaml:"load_timeout"`
}

// ForwardConfig publishes every saved signal to another recorder.
type ForwardConfig struct {
	// URL is the base address of the upstream recorder. Empty disables
	// forwarding.
	URL string `yaml:"url"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	cc := collector.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Listen:   ":8080",
			LogLevel: LogInfo,
		},
		Capture: CaptureConfig{
			IdleTimeout:  cc.IdleTimeout,
			MaxPulses:    cc.MaxPulses,
			SamplePeriod: 20,
			QueueDepth:   cc.QueueDepth,
			StopPolicy:   cc.StopPolicy,
		},
		Sources: Sources{
			IR: SourceConfig{Kind: SourceNone, Baud: 115200},
			RF: SourceConfig{Kind: SourceNone, Baud: 115200},
		},
		Outputs: Outputs{
			IR: OutputConfig{Kind: OutputNone, Baud: 115200},
			RF: OutputConfig{Kind: OutputNone, Baud: 115200},
		},
		Storage: StorageConfig{
			Driver:      StorageDir,
			Dir:         "signals",
			LockTimeout: 2 * time.Second,
		},
		Replay: ReplayConfig{
			LoadTimeout: 5 * time.Second,
		},
	}
}
