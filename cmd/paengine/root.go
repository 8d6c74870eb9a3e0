package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/drgolem/paengine/config"
	"github.com/drgolem/paengine/internal/logging"
)

// app is the state shared by every subcommand.
type app struct {
	v        *viper.Viper
	cfgPath  string
	settings *config.Settings
	log      *zap.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:           "paengine",
		Short:         "PortAudio audio and MIDI engine backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "config file (yaml, toml or json)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.Bool("log-dev", false, "human readable console logs")
	pf.String("hostapi", "", "PortAudio host API name")
	pf.String("input", "", `capture device name, "none" for no capture`)
	pf.String("output", "", `playback device name, "none" for no playback`)
	pf.Int("inputs", 0, "capture channels, 0 for all")
	pf.Int("outputs", 0, "playback channels, 0 for all")
	pf.Float64("rate", 48000, "sample rate in Hz")
	pf.Int("period", 1024, "frames per cycle")
	pf.String("mode", "callback", "cycle source: callback or blocking")
	pf.Int("priority", 80, "real-time priority of the audio thread (1..99)")

	bind := map[string]string{
		"log.level":              "log-level",
		"log.development":        "log-dev",
		"backend.hostapi":        "hostapi",
		"backend.input":          "input",
		"backend.output":         "output",
		"backend.inputchannels":  "inputs",
		"backend.outputchannels": "outputs",
		"backend.samplerate":     "rate",
		"backend.period":         "period",
		"backend.mode":           "mode",
		"backend.priority":       "priority",
	}
	for key, flag := range bind {
		// only fails for a nil flag
		_ = a.v.BindPFlag(key, pf.Lookup(flag))
	}

	root.AddCommand(
		newDevicesCommand(a),
		newMidiCommand(a),
		newRunCommand(a),
		newToneCommand(a),
	)
	return root
}

func (a *app) init() error {
	s, err := config.Load(a.v, a.cfgPath)
	if err != nil {
		return err
	}
	a.settings = s

	log, err := logging.New(s.Log.Level, s.Log.Development)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	a.log = log
	if a.cfgPath != "" {
		log.Debug("config loaded", zap.String("path", a.cfgPath))
	}
	return nil
}
