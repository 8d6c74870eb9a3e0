package mididevice

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drgolem/paengine/midiqueue"
)

var (
	ErrRunning    = errors.New("mididevice: devices are running")
	ErrNoSuchPort = errors.New("mididevice: no such port")
)

// DeviceConfig is the per-device configuration, keyed by port name.
// Latencies are systemic latency in samples.
type DeviceConfig struct {
	Enabled       bool
	InputLatency  uint32
	OutputLatency uint32
}

// Options configures a Manager.
type Options struct {
	// QueueSize is the ring size per device in bytes.
	QueueSize int
	// OutputPriority is the real-time priority requested for output
	// workers (1..99). Zero keeps normal priority.
	OutputPriority int
	// Devices holds per-device settings. Unlisted devices are enabled.
	Devices map[string]DeviceConfig
	// OnDrop, if set, is called for every dropped message.
	OnDrop func(device, reason string)
}

// Manager owns every MIDI device and starts and stops them together.
type Manager struct {
	log  *zap.Logger
	drv  Driver
	opts Options

	// listMu guards the discovered port lists.
	listMu  sync.Mutex
	inPorts []InPort
	outPort []OutPort

	// mu guards configuration and the running device set.
	mu      sync.Mutex
	devices map[string]DeviceConfig
	running bool
	inputs  []*InputDevice
	outputs []*OutputDevice

	decoding atomic.Bool
}

// NewManager returns a manager for the ports of drv.
func NewManager(drv Driver, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = midiqueue.DefaultSize
	}
	m := &Manager{
		log:     logger.Named("midi"),
		drv:     drv,
		opts:    opts,
		devices: make(map[string]DeviceConfig, len(opts.Devices)),
	}
	for name, cfg := range opts.Devices {
		m.devices[name] = cfg
	}
	m.decoding.Store(true)
	return m
}

// Discover refreshes the port lists. If another discovery is in progress
// it returns false at once without waiting.
func (m *Manager) Discover() bool {
	if !m.listMu.TryLock() {
		return false
	}
	defer m.listMu.Unlock()
	m.discoverLocked()
	return true
}

func (m *Manager) discoverLocked() {
	ins, err := m.drv.Inputs()
	if err != nil {
		m.log.Warn("input discovery failed", zap.Error(err))
		ins = nil
	}
	outs, err := m.drv.Outputs()
	if err != nil {
		m.log.Warn("output discovery failed", zap.Error(err))
		outs = nil
	}
	m.inPorts, m.outPort = ins, outs
	m.log.Debug("discovered midi ports", zap.Int("inputs", len(ins)), zap.Int("outputs", len(outs)))
}

// InputNames returns the names of the discovered input ports.
func (m *Manager) InputNames() []string {
	m.listMu.Lock()
	defer m.listMu.Unlock()
	names := make([]string, 0, len(m.inPorts))
	for _, p := range m.inPorts {
		names = append(names, p.Name())
	}
	return names
}

// OutputNames returns the names of the discovered output ports.
func (m *Manager) OutputNames() []string {
	m.listMu.Lock()
	defer m.listMu.Unlock()
	names := make([]string, 0, len(m.outPort))
	for _, p := range m.outPort {
		names = append(names, p.Name())
	}
	return names
}

// DeviceConfig returns the settings for the named device.
func (m *Manager) DeviceConfig(name string) DeviceConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configLocked(name)
}

func (m *Manager) configLocked(name string) DeviceConfig {
	if cfg, ok := m.devices[name]; ok {
		return cfg
	}
	return DeviceConfig{Enabled: true}
}

// SetDeviceConfig stores settings for the named device. They take effect
// on the next Start.
func (m *Manager) SetDeviceConfig(name string, cfg DeviceConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[name] = cfg
}

// SetInputDecoding turns parsing of incoming MIDI on or off for every
// input device. Bytes received while off are discarded.
func (m *Manager) SetInputDecoding(on bool) { m.decoding.Store(on) }

// InputDecoding reports whether incoming MIDI is parsed.
func (m *Manager) InputDecoding() bool { return m.decoding.Load() }

// Start discovers ports and opens every enabled device. A device that
// fails to open is logged and skipped.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrRunning
	}

	m.listMu.Lock()
	m.discoverLocked()
	ins := slices.Clone(m.inPorts)
	outs := slices.Clone(m.outPort)
	m.listMu.Unlock()

	for _, p := range ins {
		cfg := m.configLocked(p.Name())
		if !cfg.Enabled {
			m.log.Info("midi input disabled", zap.String("device", p.Name()))
			continue
		}
		dev := newInputDevice(p, cfg, m.opts, &m.decoding, m.log)
		if err := dev.open(); err != nil {
			m.log.Error("cannot open midi input", zap.String("device", p.Name()), zap.Error(err))
			continue
		}
		m.inputs = append(m.inputs, dev)
	}
	for _, p := range outs {
		cfg := m.configLocked(p.Name())
		if !cfg.Enabled {
			m.log.Info("midi output disabled", zap.String("device", p.Name()))
			continue
		}
		dev := newOutputDevice(p, cfg, m.opts, m.log)
		if err := dev.open(); err != nil {
			m.log.Error("cannot open midi output", zap.String("device", p.Name()), zap.Error(err))
			continue
		}
		m.outputs = append(m.outputs, dev)
	}

	m.running = true
	m.log.Info("midi started", zap.Int("inputs", len(m.inputs)), zap.Int("outputs", len(m.outputs)))
	return nil
}

// Stop closes every open device, joining the output workers.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}

	var g errgroup.Group
	for _, d := range m.inputs {
		g.Go(d.close)
	}
	for _, d := range m.outputs {
		g.Go(d.close)
	}
	err := g.Wait()

	m.inputs, m.outputs = nil, nil
	m.running = false
	m.log.Info("midi stopped")
	return err
}

// Inputs returns the open input devices. The slice is fixed between
// Start and Stop.
func (m *Manager) Inputs() []*InputDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.inputs)
}

// Outputs returns the open output devices. The slice is fixed between
// Start and Stop.
func (m *Manager) Outputs() []*OutputDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.outputs)
}

// DequeueInput returns at most one record from input port for the
// window [start, end). See InputDevice.Dequeue.
func (m *Manager) DequeueInput(port int, start, end int64) (int64, []byte, bool) {
	if port < 0 || port >= len(m.inputs) {
		return 0, nil, false
	}
	return m.inputs[port].Dequeue(start, end)
}

// EnqueueOutput schedules msg on output port at timestamp. It never blocks.
func (m *Manager) EnqueueOutput(port int, timestamp int64, msg []byte) error {
	if port < 0 || port >= len(m.outputs) {
		return ErrNoSuchPort
	}
	return m.outputs[port].Enqueue(timestamp, msg)
}
