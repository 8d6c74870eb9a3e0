package engine

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/drgolem/paengine/cycleclock"
	"github.com/drgolem/paengine/deviceio"
)

// cycle is the real-time cycle body for both cycle sources. It returns
// false to stop the host from calling again.
func (b *Backend) cycle(status deviceio.CycleStatus) bool {
	begin := time.Now()
	if !b.aliveSeen.Load() {
		b.aliveSeen.Store(true)
		close(b.alive)
	}
	if b.failed.Load() {
		b.dev.ClearPlayback()
		return false
	}

	if !b.fw.acquire(b.enterFreewheel) {
		// the freewheel worker renders and owns the port graph; keep the
		// hardware fed with silence
		b.dev.ClearPlayback()
		return true
	}
	b.ports.ApplyPending()
	if b.threadChanged.CompareAndSwap(true, false) {
		b.eng.ThreadInit()
	}

	if status == deviceio.CycleXRun {
		b.stats.xruns.Add(1)
		b.metrics.RecordXRun()
		b.eng.XRun()
		b.clock.ResetStart(cycleclock.Now())
		b.dev.ClearPlayback()
		return true
	}

	for i, h := range b.capture {
		b.dev.CopyCapture(i, b.ports.AudioBuffer(h))
	}
	b.readMidi()
	for _, h := range b.playback {
		b.ports.ClearAudio(h)
	}

	now := cycleclock.Now()
	var deviation float64
	if b.clock.Started() {
		deviation = math.Abs(float64(now-b.clock.Start()) - b.clock.CycleLengthUs())
		b.stats.deviation(deviation)
	}
	b.clock.ResetStart(now)

	if err := b.eng.Process(b.period); err != nil {
		b.dev.ClearPlayback()
		b.failAsync(fmt.Sprintf("process callback failed: %v", err))
		return false
	}

	b.writeMidi()
	for i, h := range b.playback {
		b.dev.CopyPlayback(i, b.ports.AudioBuffer(h))
	}

	load := b.stats.cycle(time.Since(begin), b.cycleDuration())
	b.metrics.RecordCycle(load, deviation)
	return true
}

// readMidi moves the records that arrived during the previous cycle into
// the MIDI capture ports. Records older than that cycle land on offset 0.
func (b *Backend) readMidi() {
	if b.midi == nil || len(b.midiIn) == 0 {
		return
	}
	started := b.clock.Started()
	start, end := b.clock.Start(), b.clock.NextCycleStart()
	last := uint32(b.period - 1)

	for i, h := range b.midiIn {
		buf := b.ports.MidiBuffer(h)
		buf.Clear()
		if !started {
			// no time base yet; the records wait for the next cycle
			continue
		}
		for {
			ts, msg, ok := b.midi.DequeueInput(i, start, end)
			if !ok {
				break
			}
			offset := min(b.clock.SamplesSinceStart(ts), last)
			if err := buf.Put(offset, msg); err != nil {
				b.stats.midiDropped.Add(1)
				b.metrics.RecordMidiDrop(b.ports.Name(h), "port")
			}
		}
	}
}

// writeMidi hands the events due now to the MIDI output devices, stamped
// against the current cycle start.
func (b *Backend) writeMidi() {
	if b.midi == nil {
		return
	}
	for i, h := range b.midiOut {
		b.ports.MidiBuffer(h)
		for _, ev := range b.ports.DelayedMidiBuffer(h).Events() {
			if err := b.midi.EnqueueOutput(i, b.clock.TimestampForOffset(ev.Time), ev.Data); err != nil {
				// the device already reported the drop to metrics
				b.stats.midiOutDropped.Add(1)
			}
		}
		b.ports.NextPeriod(h)
	}
}

// enterFreewheel runs on the real-time side when it hands processing to
// the freewheel worker.
func (b *Backend) enterFreewheel() {
	if b.midi != nil {
		b.midi.SetInputDecoding(false)
	}
	b.clock.Reset()
}

// leaveFreewheel runs on the worker when it hands processing back.
func (b *Backend) leaveFreewheel() {
	if b.midi != nil {
		b.midi.SetInputDecoding(true)
	}
	b.threadChanged.Store(true)
	b.clock.Reset()
}

func (b *Backend) freewheelWorker() {
	defer b.bg.Done()

	for b.fw.awaitTurn() {
		b.state.CompareAndSwap(int32(Running), int32(Freewheeling))
		b.metrics.SetState(int(Freewheeling))
		b.metrics.SetFreewheeling(true)
		b.log.Info("freewheeling started")
		b.eng.Freewheel(true)

		for b.fw.wanted() {
			if err := b.freewheelCycle(); err != nil {
				b.failAsync(fmt.Sprintf("process callback failed while freewheeling: %v", err))
				break
			}
		}

		b.eng.Freewheel(false)
		b.fw.release(b.leaveFreewheel)
		if b.state.CompareAndSwap(int32(Freewheeling), int32(Running)) {
			b.metrics.SetState(int(Running))
		}
		b.metrics.SetFreewheeling(false)
		b.log.Info("freewheeling stopped", zap.Uint64("cycles", b.stats.cycles.Load()))
	}
}

// freewheelCycle renders one period with no hardware attached.
func (b *Backend) freewheelCycle() error {
	b.ports.ApplyPending()
	for _, h := range b.capture {
		b.ports.ClearAudio(h)
	}
	for _, h := range b.midiIn {
		b.ports.ClearMidi(h)
	}
	for _, h := range b.playback {
		b.ports.ClearAudio(h)
	}
	if err := b.eng.Process(b.period); err != nil {
		return err
	}
	b.stats.cycles.Add(1)
	return nil
}

// Stats is a snapshot of cycle diagnostics.
type Stats struct {
	Cycles uint64
	XRuns  uint64
	// DSPLoad is the share of the last cycle spent processing; AvgDSPLoad
	// is its exponential average.
	DSPLoad    float64
	AvgDSPLoad float64
	// Deviation of the measured cycle interval from the nominal one.
	MeanDeviation time.Duration
	PeakDeviation time.Duration
	// MidiDropped counts input events that did not fit a port buffer.
	MidiDropped uint64
	// MidiOutDropped counts output events a device queue refused.
	MidiOutDropped uint64
}

// Stats returns cycle diagnostics since the last Start.
func (b *Backend) Stats() Stats { return b.stats.snapshot() }

const loadSmoothing = 0.05

type cycleStats struct {
	cycles         atomic.Uint64
	xruns          atomic.Uint64
	midiDropped    atomic.Uint64
	midiOutDropped atomic.Uint64
	load           atomic.Uint64 // float64 bits
	avgLoad        atomic.Uint64 // float64 bits
	devSum         atomic.Uint64 // microseconds
	devCount       atomic.Uint64
	devPeak        atomic.Uint64 // microseconds
}

func (s *cycleStats) reset() {
	s.cycles.Store(0)
	s.xruns.Store(0)
	s.midiDropped.Store(0)
	s.midiOutDropped.Store(0)
	s.load.Store(0)
	s.avgLoad.Store(0)
	s.devSum.Store(0)
	s.devCount.Store(0)
	s.devPeak.Store(0)
}

// cycle records a completed cycle and returns the smoothed load. Only the
// thread running the cycle calls it.
func (s *cycleStats) cycle(elapsed, nominal time.Duration) float64 {
	n := s.cycles.Add(1)
	if nominal <= 0 {
		return 0
	}
	load := float64(elapsed) / float64(nominal)
	avg := load
	if n > 1 {
		prev := math.Float64frombits(s.avgLoad.Load())
		avg = prev + loadSmoothing*(load-prev)
	}
	s.load.Store(math.Float64bits(load))
	s.avgLoad.Store(math.Float64bits(avg))
	return avg
}

func (s *cycleStats) deviation(us float64) {
	d := uint64(math.Round(us))
	s.devSum.Add(d)
	s.devCount.Add(1)
	if d > s.devPeak.Load() {
		s.devPeak.Store(d)
	}
}

func (s *cycleStats) snapshot() Stats {
	st := Stats{
		Cycles:         s.cycles.Load(),
		XRuns:          s.xruns.Load(),
		DSPLoad:        math.Float64frombits(s.load.Load()),
		AvgDSPLoad:     math.Float64frombits(s.avgLoad.Load()),
		PeakDeviation:  time.Duration(s.devPeak.Load()) * time.Microsecond,
		MidiDropped:    s.midiDropped.Load(),
		MidiOutDropped: s.midiOutDropped.Load(),
	}
	if n := s.devCount.Load(); n > 0 {
		st.MeanDeviation = time.Duration(s.devSum.Load()/n) * time.Microsecond
	}
	return st
}
