// Package config loads paengine settings from a file, the environment and
// command line flags bound by the caller.
//
// Environment variables use the PAENGINE_ prefix with dots replaced by
// underscores, e.g. PAENGINE_BACKEND_PERIOD=256.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/drgolem/paengine/engine"
	"github.com/drgolem/paengine/mididevice"
)

const EnvPrefix = "PAENGINE"

// Settings is the complete configuration.
type Settings struct {
	Backend BackendSettings `mapstructure:"backend"`
	Midi    MidiSettings    `mapstructure:"midi"`
	Log     LogSettings     `mapstructure:"log"`
	Metrics MetricsSettings `mapstructure:"metrics"`
}

type BackendSettings struct {
	HostAPI        string        `mapstructure:"hostapi"`
	Input          string        `mapstructure:"input"`
	Output         string        `mapstructure:"output"`
	InputChannels  int           `mapstructure:"inputchannels"`
	OutputChannels int           `mapstructure:"outputchannels"`
	SampleRate     float64       `mapstructure:"samplerate"`
	Period         int           `mapstructure:"period"`
	Mode           string        `mapstructure:"mode"` // callback or blocking
	StartTimeout   time.Duration `mapstructure:"starttimeout"`
	InputLatency   uint32        `mapstructure:"inputlatency"`
	OutputLatency  uint32        `mapstructure:"outputlatency"`
	Priority       int           `mapstructure:"priority"`
}

type MidiSettings struct {
	Enabled        bool             `mapstructure:"enabled"`
	QueueSize      int              `mapstructure:"queuesize"`
	OutputPriority int              `mapstructure:"outputpriority"`
	Devices        []DeviceSettings `mapstructure:"devices"`
}

// DeviceSettings configures one MIDI port. Port names are case sensitive,
// so devices are a list rather than a map keyed by name.
type DeviceSettings struct {
	Name          string `mapstructure:"name"`
	Enabled       bool   `mapstructure:"enabled"`
	InputLatency  uint32 `mapstructure:"inputlatency"`
	OutputLatency uint32 `mapstructure:"outputlatency"`
}

type LogSettings struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type MetricsSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// New returns a viper instance with defaults and environment binding set.
// Flags bound to it by the caller take precedence over both.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.hostapi", "")
	v.SetDefault("backend.input", "")
	v.SetDefault("backend.output", "")
	v.SetDefault("backend.inputchannels", 0)
	v.SetDefault("backend.outputchannels", 0)
	v.SetDefault("backend.samplerate", 48000.0)
	v.SetDefault("backend.period", 1024)
	v.SetDefault("backend.mode", "callback")
	v.SetDefault("backend.starttimeout", engine.DefaultStartTimeout)
	v.SetDefault("backend.inputlatency", 0)
	v.SetDefault("backend.outputlatency", 0)
	v.SetDefault("backend.priority", 80)

	v.SetDefault("midi.enabled", true)
	v.SetDefault("midi.queuesize", 0)
	v.SetDefault("midi.outputpriority", 70)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9464")
}

// Load reads path, if not empty, into v and decodes the result.
func Load(v *viper.Viper, path string) (*Settings, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects settings the backend could never open.
func (s *Settings) Validate() error {
	var errs []error
	if s.Backend.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("config: backend.samplerate must be positive, got %v", s.Backend.SampleRate))
	}
	if s.Backend.Period <= 0 {
		errs = append(errs, fmt.Errorf("config: backend.period must be positive, got %d", s.Backend.Period))
	}
	if s.Backend.InputChannels < 0 || s.Backend.OutputChannels < 0 {
		errs = append(errs, errors.New("config: channel counts cannot be negative"))
	}
	if _, err := engine.ParseMode(s.Backend.Mode); err != nil {
		errs = append(errs, fmt.Errorf("config: backend.mode: %w", err))
	}
	if s.Backend.Priority < 0 || s.Backend.Priority > 99 {
		errs = append(errs, fmt.Errorf("config: backend.priority must be 0..99, got %d", s.Backend.Priority))
	}
	seen := make(map[string]bool, len(s.Midi.Devices))
	for _, d := range s.Midi.Devices {
		if d.Name == "" {
			errs = append(errs, errors.New("config: midi device without a name"))
			continue
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("config: midi device %q listed twice", d.Name))
		}
		seen[d.Name] = true
	}
	return errors.Join(errs...)
}

// BackendConfig converts the backend section for engine.Backend.Start.
func (s *Settings) BackendConfig() engine.Config {
	// validated by Load
	mode, _ := engine.ParseMode(s.Backend.Mode)
	return engine.Config{
		HostAPI:               s.Backend.HostAPI,
		InputDevice:           s.Backend.Input,
		OutputDevice:          s.Backend.Output,
		InputChannels:         s.Backend.InputChannels,
		OutputChannels:        s.Backend.OutputChannels,
		SampleRate:            s.Backend.SampleRate,
		Period:                s.Backend.Period,
		Mode:                  mode,
		StartTimeout:          s.Backend.StartTimeout,
		SystemicInputLatency:  s.Backend.InputLatency,
		SystemicOutputLatency: s.Backend.OutputLatency,
		Priority:              s.Backend.Priority,
	}
}

// MidiOptions converts the midi section for mididevice.NewManager.
func (s *Settings) MidiOptions() mididevice.Options {
	opts := mididevice.Options{
		QueueSize:      s.Midi.QueueSize,
		OutputPriority: s.Midi.OutputPriority,
		Devices:        make(map[string]mididevice.DeviceConfig, len(s.Midi.Devices)),
	}
	for _, d := range s.Midi.Devices {
		opts.Devices[d.Name] = mididevice.DeviceConfig{
			Enabled:       d.Enabled,
			InputLatency:  d.InputLatency,
			OutputLatency: d.OutputLatency,
		}
	}
	return opts
}
