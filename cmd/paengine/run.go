package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drgolem/paengine/engine"
)

func newRunCommand(a *app) *cobra.Command {
	p := &patchbay{halted: make(halts, 1)}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine, routing capture to playback and MIDI in to MIDI out",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p.log = a.log.Named("patchbay")
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, p, p.halted)
		},
	}
	cmd.Flags().BoolVar(&p.audioThru, "audio-thru", true, "connect capture_N to playback_N")
	cmd.Flags().BoolVar(&p.midiThru, "midi-thru", true, "connect every MIDI input to every MIDI output")
	return cmd
}

// patchbay does no processing of its own. It wires the physical ports to
// each other and lets the port graph move the data.
type patchbay struct {
	engine.NopEngine

	log       *zap.Logger
	b         *engine.Backend
	halted    halts
	audioThru bool
	midiThru  bool
}

func (p *patchbay) attach(b *engine.Backend) error {
	p.b = b
	return nil
}

func (p *patchbay) run(context.Context) error { return nil }

func (p *patchbay) Halted(reason string) { p.halted.Halted(reason) }

// ReconnectPorts runs after every start, once the physical ports exist.
func (p *patchbay) ReconnectPorts() error {
	names := p.b.Ports().Name
	var errs []error
	if p.audioThru {
		capture, playback := p.b.CapturePorts(), p.b.PlaybackPorts()
		for i := range min(len(capture), len(playback)) {
			errs = append(errs, p.b.Connect(names(capture[i]), names(playback[i])))
		}
	}
	if p.midiThru {
		for _, in := range p.b.MidiCapturePorts() {
			for _, out := range p.b.MidiPlaybackPorts() {
				errs = append(errs, p.b.Connect(names(in), names(out)))
			}
		}
	}
	return errors.Join(errs...)
}

func (p *patchbay) ConnectionChanged(src, dst string, connected bool) {
	p.log.Info("connection changed", zap.String("src", src), zap.String("dst", dst), zap.Bool("connected", connected))
}
