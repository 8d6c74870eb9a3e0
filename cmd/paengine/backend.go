package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drgolem/paengine/deviceio"
	"github.com/drgolem/paengine/engine"
	"github.com/drgolem/paengine/metrics"
	"github.com/drgolem/paengine/mididevice"
	"github.com/drgolem/paengine/ports"
)

// session is what a subcommand plugs into the backend.
type session interface {
	engine.Engine
	// attach is called once the backend exists, before it starts.
	attach(b *engine.Backend) error
	// run is called once the backend is running and returns when the
	// session has nothing more to do or ctx is done.
	run(ctx context.Context) error
}

// serve builds the backend around s, runs it until ctx is done or the
// backend halts, then shuts everything down.
func (a *app) serve(ctx context.Context, s session, halted <-chan string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewEngine(reg)
	if err != nil {
		return err
	}

	var midi *mididevice.Manager
	if a.settings.Midi.Enabled {
		drv, err := rtmididrv.New()
		if err != nil {
			a.log.Warn("midi disabled", zap.Error(err))
		} else {
			defer drv.Close()
			opts := a.settings.MidiOptions()
			opts.OnDrop = m.RecordMidiDrop
			midi = mididevice.NewManager(mididevice.NewDriver(drv, a.log), opts, a.log)
		}
	}

	dev := deviceio.New(deviceio.NewPortAudioHost(), a.log)
	defer func() {
		if err := dev.Deinit(); err != nil {
			a.log.Warn("deinit", zap.Error(err))
		}
	}()

	b, err := engine.New(engine.Options{
		Engine:  s,
		Device:  dev,
		Midi:    midi,
		Ports:   ports.New(ports.DefaultCapacity, 0, a.log),
		Metrics: m,
		Logger:  a.log,
	})
	if err != nil {
		return err
	}
	if err := s.attach(b); err != nil {
		return err
	}
	if err := b.Start(a.settings.BackendConfig()); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if a.settings.Metrics.Enabled {
		srv := &http.Server{
			Addr:              a.settings.Metrics.Listen,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("serving metrics", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdown)
		})
	}
	g.Go(func() error { return s.run(ctx) })
	g.Go(func() error {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case reason := <-halted:
				return fmt.Errorf("engine halted: %s", reason)
			case <-t.C:
				st := b.Stats()
				a.log.Info("engine stats",
					zap.Stringer("state", b.State()),
					zap.Uint64("cycles", st.Cycles),
					zap.Uint64("xruns", st.XRuns),
					zap.Float64("dsp_load", st.AvgDSPLoad),
					zap.Duration("mean_deviation", st.MeanDeviation),
					zap.Duration("peak_deviation", st.PeakDeviation))
			}
		}
	})

	err = g.Wait()
	if serr := b.Stop(); serr != nil {
		a.log.Warn("stop", zap.Error(serr))
	}
	return err
}

// halts forwards the halt notification to serve without blocking the
// backend's teardown goroutine.
type halts chan string

func (h halts) Halted(reason string) {
	select {
	case h <- reason:
	default:
	}
}
