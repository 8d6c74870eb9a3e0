package engine

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/drgolem/paengine/cycleclock"
	"github.com/drgolem/paengine/deviceio"
	"github.com/drgolem/paengine/metrics"
	"github.com/drgolem/paengine/mididevice"
	"github.com/drgolem/paengine/ports"
)

// Options wires a Backend to its collaborators.
type Options struct {
	Engine Engine
	Device *deviceio.DeviceIO
	// Midi may be nil to run without MIDI hardware.
	Midi *mididevice.Manager
	// Ports may be nil; a fresh arena is created.
	Ports   *ports.Manager
	Metrics *metrics.Engine
	Logger  *zap.Logger
}

// Backend drives the audio cycle and owns the physical ports.
type Backend struct {
	log     *zap.Logger
	eng     Engine
	dev     *deviceio.DeviceIO
	midi    *mididevice.Manager
	ports   *ports.Manager
	metrics *metrics.Engine
	warn    *rate.Limiter

	// life serializes Start, Stop and failure teardown.
	life   sync.Mutex
	state  atomic.Int32
	cfg    Config
	source cycleSource
	bg     sync.WaitGroup

	lastRate   float64
	lastPeriod int

	// mu guards the stream shape and port lists. They are written only
	// while no cycle runs, so the cycle itself reads them without locking.
	mu       sync.RWMutex
	rate     float64
	period   int
	capture  []ports.Handle
	playback []ports.Handle
	midiIn   []ports.Handle
	midiOut  []ports.Handle

	// owned by whichever side currently processes
	clock cycleclock.Clock

	fw            *freewheel
	threadChanged atomic.Bool
	alive         chan struct{}
	aliveSeen     atomic.Bool
	failed        atomic.Bool
	// session counts starts; a queued failure only tears down its own
	session atomic.Uint64

	stats cycleStats
}

// New returns a stopped backend.
func New(opts Options) (*Backend, error) {
	if opts.Device == nil {
		return nil, errors.New("engine: no audio device")
	}
	if opts.Engine == nil {
		opts.Engine = NopEngine{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Ports == nil {
		opts.Ports = ports.New(ports.DefaultCapacity, 0, opts.Logger)
	}
	b := &Backend{
		log:     opts.Logger.Named("engine"),
		eng:     opts.Engine,
		dev:     opts.Device,
		midi:    opts.Midi,
		ports:   opts.Ports,
		metrics: opts.Metrics,
		warn:    rate.NewLimiter(rate.Every(time.Second), 4),
		fw:      newFreewheel(),
	}
	b.ports.OnConnectionChanged(b.eng.ConnectionChanged)
	b.metrics.SetState(int(Stopped))
	return b, nil
}

// State returns the lifecycle state.
func (b *Backend) State() State { return State(b.state.Load()) }

func (b *Backend) setState(s State) {
	b.state.Store(int32(s))
	b.metrics.SetState(int(s))
}

// Ports returns the port arena shared with the session engine.
func (b *Backend) Ports() *ports.Manager { return b.ports }

// Device returns the audio device layer.
func (b *Backend) Device() *deviceio.DeviceIO { return b.dev }

// Midi returns the MIDI device manager, or nil.
func (b *Backend) Midi() *mididevice.Manager { return b.midi }

// SampleRate is the rate of the running stream.
func (b *Backend) SampleRate() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rate
}

// Period is the cycle length in frames of the running stream.
func (b *Backend) Period() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.period
}

// Start opens the hardware, registers the physical ports and waits for
// the first cycle. On failure everything opened is closed again and a
// *StartError says why.
func (b *Backend) Start(cfg Config) error {
	b.life.Lock()
	defer b.life.Unlock()

	if b.State() != Stopped {
		return ErrAlreadyRunning
	}
	b.setState(Starting)
	cfg = cfg.withDefaults()
	b.cfg = cfg

	if err := b.startLocked(cfg); err != nil {
		if terr := b.teardownLocked(); terr != nil {
			b.log.Warn("cleanup after failed start", zap.Error(terr))
		}
		b.setState(Stopped)
		b.log.Error("start failed", zap.Error(err))
		return err
	}
	b.setState(Running)

	if err := b.eng.ReconnectPorts(); err != nil {
		b.log.Warn("reconnecting ports failed", zap.Error(err))
	}
	b.eng.RegistrationChanged()
	b.eng.GraphOrderChanged()
	b.log.Info("engine running",
		zap.Stringer("mode", cfg.Mode),
		zap.Float64("rate", b.rate),
		zap.Int("period", b.period),
		zap.Int("capture", len(b.capture)),
		zap.Int("playback", len(b.playback)))
	return nil
}

func (b *Backend) startLocked(cfg Config) error {
	if err := b.dev.Init(); err != nil {
		return &StartError{Reason: ReasonDevice, Err: err}
	}
	if cfg.HostAPI != "" {
		if err := b.dev.SetHostAPI(cfg.HostAPI); err != nil {
			return &StartError{Reason: ReasonDevice, Err: err}
		}
	}
	in, err := b.deviceID(cfg.InputDevice, true)
	if err != nil {
		return &StartError{Reason: ReasonDevice, Err: err}
	}
	out, err := b.deviceID(cfg.OutputDevice, false)
	if err != nil {
		return &StartError{Reason: ReasonDevice, Err: err}
	}

	if cfg.Mode == ModeBlocking {
		b.source = &polled{b: b, priority: cfg.Priority}
	} else {
		b.source = &driven{b: b}
	}
	sc := deviceio.StreamConfig{
		InputDevice:    in,
		OutputDevice:   out,
		InputChannels:  cfg.InputChannels,
		OutputChannels: cfg.OutputChannels,
		SampleRate:     cfg.SampleRate,
		Period:         cfg.Period,
	}
	if err := b.source.open(sc); err != nil {
		return &StartError{Reason: classify(err), Err: err}
	}

	// the hardware's answer wins over what was asked for
	b.mu.Lock()
	b.rate = b.dev.SampleRate()
	b.period = b.dev.Period()
	b.mu.Unlock()
	if b.rate != b.lastRate {
		if err := b.eng.SampleRateChange(b.rate); err != nil {
			return &StartError{Reason: ReasonEngine, Err: err}
		}
		b.lastRate = b.rate
	}
	if b.period != b.lastPeriod {
		if err := b.eng.BufferSizeChange(b.period); err != nil {
			return &StartError{Reason: ReasonEngine, Err: err}
		}
		b.lastPeriod = b.period
	}
	b.clock.SetRate(b.rate)
	b.clock.SetCycleLength(uint32(b.period))
	b.clock.Reset()
	b.ports.SetPeriod(b.period)

	if b.midi != nil {
		if err := b.midi.Start(); err != nil {
			return &StartError{Reason: ReasonDevice, Err: err}
		}
		b.midi.SetInputDecoding(true)
	}
	b.mu.Lock()
	err = b.registerPorts()
	b.mu.Unlock()
	if err != nil {
		return &StartError{Reason: ReasonEngine, Err: err}
	}
	if err := b.eng.ReestablishPorts(); err != nil {
		return &StartError{Reason: ReasonEngine, Err: err}
	}

	b.stats.reset()
	b.fw.reset()
	b.session.Add(1)
	b.failed.Store(false)
	b.threadChanged.Store(true)
	b.aliveSeen.Store(false)
	b.alive = make(chan struct{})

	b.bg.Add(1)
	go b.freewheelWorker()

	if err := b.source.start(); err != nil {
		return &StartError{Reason: classify(err), Err: err}
	}

	select {
	case <-b.alive:
		return nil
	case <-time.After(cfg.StartTimeout):
		return &StartError{Reason: ReasonTimeout, Err: ErrStartTimeout}
	}
}

func (b *Backend) deviceID(name string, input bool) (deviceio.DeviceID, error) {
	switch name {
	case DeviceNone:
		return deviceio.DeviceNone, nil
	case DeviceDefault:
		return deviceio.DeviceDefault, nil
	}
	return b.dev.DeviceByName(name, input)
}

// classify maps an open or start error to a reason for the user.
func classify(err error) Reason {
	switch {
	case errors.Is(err, deviceio.ErrDeviceNotFound),
		errors.Is(err, deviceio.ErrNoDevices),
		errors.Is(err, deviceio.ErrNotInitialized):
		return ReasonDevice
	case errors.Is(err, os.ErrPermission):
		return ReasonPermission
	default:
		return ReasonFormat
	}
}

// registerPorts creates the physical ports for the negotiated channel
// counts and MIDI devices.
func (b *Backend) registerPorts() error {
	period := uint32(b.period)
	physical := ports.IsPhysical | ports.IsTerminal

	inLatency := period + deviceio.ExcessLatency(b.dev.CaptureLatency(), period) + b.cfg.SystemicInputLatency
	for i := range b.dev.CaptureChannels() {
		h, err := b.register(fmt.Sprintf("system:capture_%d", i+1), ports.Audio, ports.IsOutput|physical, false, inLatency)
		if err != nil {
			return err
		}
		b.capture = append(b.capture, h)
	}

	outLatency := period + deviceio.ExcessLatency(b.dev.PlaybackLatency(), period) + b.cfg.SystemicOutputLatency
	for i := range b.dev.PlaybackChannels() {
		h, err := b.register(fmt.Sprintf("system:playback_%d", i+1), ports.Audio, ports.IsInput|physical, true, outLatency)
		if err != nil {
			return err
		}
		b.playback = append(b.playback, h)
	}

	if b.midi == nil {
		return nil
	}
	for i, d := range b.midi.Inputs() {
		h, err := b.register(fmt.Sprintf("system:midi_capture_%d", i+1), ports.Midi, ports.IsOutput|physical, false, period+d.Latency())
		if err != nil {
			return err
		}
		b.midiIn = append(b.midiIn, h)
	}
	for i, d := range b.midi.Outputs() {
		h, err := b.register(fmt.Sprintf("system:midi_playback_%d", i+1), ports.Midi, ports.IsInput|physical, true, period+d.Latency())
		if err != nil {
			return err
		}
		// hold events back while the device latency spans extra periods
		b.ports.SetMidiPeriods(h, 1+int(d.Latency()/period))
		b.midiOut = append(b.midiOut, h)
	}
	return nil
}

func (b *Backend) register(name string, kind ports.Kind, flags ports.Flags, playback bool, latency uint32) (ports.Handle, error) {
	h, err := b.ports.Register(name, kind, flags)
	if err != nil {
		return ports.Handle{}, fmt.Errorf("register %s: %w", name, err)
	}
	if err := b.ports.SetLatency(h, playback, ports.LatencyRange{Min: latency, Max: latency}); err != nil {
		return ports.Handle{}, err
	}
	return h, nil
}

// SetSystemicLatency changes the systemic audio latency of the physical
// ports. While running the session engine is told about the change.
func (b *Backend) SetSystemicLatency(input, output uint32) {
	b.life.Lock()
	defer b.life.Unlock()

	b.cfg.SystemicInputLatency = input
	b.cfg.SystemicOutputLatency = output
	st := b.State()
	if st != Running && st != Freewheeling {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	period := uint32(b.period)
	in := period + deviceio.ExcessLatency(b.dev.CaptureLatency(), period) + input
	for _, h := range b.capture {
		_ = b.ports.SetLatency(h, false, ports.LatencyRange{Min: in, Max: in})
	}
	out := period + deviceio.ExcessLatency(b.dev.PlaybackLatency(), period) + output
	for _, h := range b.playback {
		_ = b.ports.SetLatency(h, true, ports.LatencyRange{Min: out, Max: out})
	}
	b.eng.LatencyChanged(false)
	b.eng.LatencyChanged(true)
}

// SetSampleRate restarts the running backend at a new rate. The rate of an
// open stream never changes in place.
func (b *Backend) SetSampleRate(rate float64) error {
	return b.reconfigure(func(c *Config) { c.SampleRate = rate })
}

// SetPeriod restarts the running backend with a new cycle length.
func (b *Backend) SetPeriod(frames int) error {
	return b.reconfigure(func(c *Config) { c.Period = frames })
}

func (b *Backend) reconfigure(change func(*Config)) error {
	b.life.Lock()
	defer b.life.Unlock()

	if b.State() != Running {
		return ErrNotRunning
	}
	cfg := b.cfg
	change(&cfg)

	b.setState(Stopping)
	if err := b.teardownLocked(); err != nil {
		b.log.Warn("stop for reconfiguration", zap.Error(err))
	}
	b.setState(Starting)
	b.cfg = cfg
	if err := b.startLocked(cfg); err != nil {
		if terr := b.teardownLocked(); terr != nil {
			b.log.Warn("cleanup after failed restart", zap.Error(terr))
		}
		b.setState(Stopped)
		return err
	}
	b.setState(Running)
	if err := b.eng.ReconnectPorts(); err != nil {
		b.log.Warn("reconnecting ports failed", zap.Error(err))
	}
	b.eng.RegistrationChanged()
	b.eng.GraphOrderChanged()
	return nil
}

// Stop halts the cycle, closes MIDI devices and the stream, then removes
// the physical ports. Stopping a stopped backend does nothing.
func (b *Backend) Stop() error {
	b.life.Lock()
	defer b.life.Unlock()

	if b.State() == Stopped {
		return nil
	}
	b.setState(Stopping)
	err := b.teardownLocked()
	b.setState(Stopped)
	b.log.Info("engine stopped")
	return err
}

// teardownLocked undoes startLocked from any point it may have reached.
func (b *Backend) teardownLocked() error {
	var errs []error
	if b.source != nil {
		errs = append(errs, b.source.stop())
	}
	b.fw.close()
	b.bg.Wait()

	if b.midi != nil {
		errs = append(errs, b.midi.Stop())
		b.midi.SetInputDecoding(true)
	}
	errs = append(errs, b.dev.Close())

	b.mu.Lock()
	registered := len(b.capture)+len(b.playback)+len(b.midiIn)+len(b.midiOut) > 0
	if registered {
		b.ports.UnregisterPhysical()
	}
	b.capture, b.playback, b.midiIn, b.midiOut = nil, nil, nil, nil
	b.mu.Unlock()
	if registered {
		b.eng.RegistrationChanged()
	}
	b.source = nil
	b.metrics.SetFreewheeling(false)
	return errors.Join(errs...)
}

// failAsync stops the backend from outside the cycle after a fatal error
// and reports reason to the session engine. Only the first failure counts.
func (b *Backend) failAsync(reason string) {
	if !b.failed.CompareAndSwap(false, true) {
		return
	}
	b.log.Error("engine halted", zap.String("reason", reason))
	session := b.session.Load()
	go func() {
		b.life.Lock()
		st := b.State()
		if st == Stopped || st == Stopping || b.session.Load() != session {
			// stopped or restarted while this waited; the failed session is gone
			b.life.Unlock()
			return
		}
		b.setState(Stopping)
		if err := b.teardownLocked(); err != nil {
			b.log.Warn("teardown after failure", zap.Error(err))
		}
		b.setState(Stopped)
		b.life.Unlock()
		b.eng.Halted(reason)
	}()
}

// Freewheel asks the backend to start or stop rendering as fast as
// possible, detached from the hardware clock. It returns at once; use
// WaitFreewheel to wait for the switch.
func (b *Backend) Freewheel(on bool) error {
	st := b.State()
	if st != Running && st != Freewheeling {
		return ErrNotRunning
	}
	b.fw.request(on)
	return nil
}

// WaitFreewheel waits until freewheeling is on or off as asked. It fails
// on timeout or when the backend stops meanwhile.
func (b *Backend) WaitFreewheel(on bool, timeout time.Duration) error {
	return b.fw.wait(on, timeout)
}

// Freewheeling reports whether freewheel rendering is active.
func (b *Backend) Freewheeling() bool { return b.fw.isActive() }

// Connect queues a connection between two ports by name. It is applied
// between cycles.
func (b *Backend) Connect(src, dst string) error { return b.ports.Connect(src, dst) }

// Disconnect queues the removal of a connection.
func (b *Backend) Disconnect(src, dst string) error { return b.ports.Disconnect(src, dst) }

// CapturePorts returns the physical audio capture ports in channel order.
func (b *Backend) CapturePorts() []ports.Handle {
	return b.handles(func() []ports.Handle { return b.capture })
}

// PlaybackPorts returns the physical audio playback ports in channel order.
func (b *Backend) PlaybackPorts() []ports.Handle {
	return b.handles(func() []ports.Handle { return b.playback })
}

// MidiCapturePorts returns the physical MIDI input ports.
func (b *Backend) MidiCapturePorts() []ports.Handle {
	return b.handles(func() []ports.Handle { return b.midiIn })
}

// MidiPlaybackPorts returns the physical MIDI output ports.
func (b *Backend) MidiPlaybackPorts() []ports.Handle {
	return b.handles(func() []ports.Handle { return b.midiOut })
}

func (b *Backend) handles(get func() []ports.Handle) []ports.Handle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]ports.Handle(nil), get()...)
}

// cycleDuration is the nominal length of one period.
func (b *Backend) cycleDuration() time.Duration {
	if b.rate <= 0 {
		return time.Millisecond
	}
	return time.Duration(math.Round(float64(b.period) * 1e9 / b.rate))
}
