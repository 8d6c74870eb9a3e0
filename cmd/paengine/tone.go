package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drgolem/paengine/engine"
	"github.com/drgolem/paengine/ports"
)

func newToneCommand(a *app) *cobra.Command {
	t := &tone{halted: make(halts, 1)}
	cmd := &cobra.Command{
		Use:   "tone",
		Short: "Play a sine tone on the first two playback channels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t.log = a.log.Named("tone")
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, t, t.halted)
		},
	}
	cmd.Flags().Float64Var(&t.freq[0], "left", 256, "left channel frequency in Hz")
	cmd.Flags().Float64Var(&t.freq[1], "right", 320, "right channel frequency in Hz")
	cmd.Flags().Float64Var(&t.gain, "gain", 0.2, "amplitude 0..1")
	cmd.Flags().DurationVar(&t.freewheel, "freewheel", 0, "after starting, render this long detached from the hardware clock")
	return cmd
}

// tone owns two output ports connected to the first playback channels and
// fills them with a sine wave every cycle.
type tone struct {
	engine.NopEngine

	log       *zap.Logger
	b         *engine.Backend
	halted    halts
	out       [2]ports.Handle
	freq      [2]float64
	gain      float64
	freewheel time.Duration

	// audio thread only
	rate  float64
	phase [2]float64
}

var toneNames = [2]string{"tone:out_left", "tone:out_right"}

func (t *tone) attach(b *engine.Backend) error {
	t.b = b
	for i, name := range toneNames {
		h, err := b.Ports().Register(name, ports.Audio, ports.IsOutput)
		if err != nil {
			return fmt.Errorf("tone: %w", err)
		}
		t.out[i] = h
	}
	return nil
}

func (t *tone) Halted(reason string) { t.halted.Halted(reason) }

func (t *tone) SampleRateChange(rate float64) error {
	t.rate = rate
	return nil
}

func (t *tone) ReconnectPorts() error {
	var errs []error
	playback := t.b.PlaybackPorts()
	for i := range min(len(playback), len(t.out)) {
		errs = append(errs, t.b.Connect(toneNames[i], t.b.Ports().Name(playback[i])))
	}
	return errors.Join(errs...)
}

func (t *tone) Process(frames int) error {
	if t.rate <= 0 {
		return nil
	}
	p := t.b.Ports()
	for ch, h := range t.out {
		buf := p.AudioBuffer(h)
		step := t.freq[ch] / t.rate
		for i := range min(frames, len(buf)) {
			buf[i] = float32(t.gain * math.Sin(2*math.Pi*t.phase[ch]))
			_, t.phase[ch] = math.Modf(t.phase[ch] + step)
		}
	}
	return nil
}

func (t *tone) Freewheel(on bool) {
	t.log.Info("freewheel", zap.Bool("on", on))
}

// run optionally renders a stretch of the tone in freewheel mode and then
// hands processing back to the hardware.
func (t *tone) run(ctx context.Context) error {
	if t.freewheel <= 0 {
		return nil
	}
	before := t.b.Stats().Cycles
	if err := t.b.Freewheel(true); err != nil {
		return err
	}
	if err := t.b.WaitFreewheel(true, 2*time.Second); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-time.After(t.freewheel):
	}
	if err := t.b.Freewheel(false); err != nil && !errors.Is(err, engine.ErrNotRunning) {
		return err
	}
	if err := t.b.WaitFreewheel(false, 2*time.Second); err != nil && !errors.Is(err, engine.ErrNotRunning) {
		return err
	}
	rendered := t.b.Stats().Cycles - before
	t.log.Info("freewheel finished",
		zap.Uint64("cycles", rendered),
		zap.Duration("audio", time.Duration(float64(rendered)*float64(t.b.Period())/t.b.SampleRate()*float64(time.Second))))
	return nil
}
