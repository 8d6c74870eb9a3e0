// Package ports is the backend's port arena. Ports are slots addressed by
// Handle; audio ports carry one period of samples and MIDI ports one to
// three periods of events.
//
// Registration is safe at any time. Connection changes and unregistration
// are queued and applied between cycles by ApplyPending, which only
// try-locks so the cycle thread never waits.
package ports

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type Kind int

const (
	Audio Kind = iota
	Midi
)

func (k Kind) String() string {
	if k == Midi {
		return "midi"
	}
	return "audio"
}

// Flags follow the graph's point of view: a capture port is an Output
// because it produces data into the graph.
type Flags uint

const (
	IsInput Flags = 1 << iota
	IsOutput
	IsPhysical
	IsTerminal
)

// LatencyRange is a latency span in samples.
type LatencyRange struct {
	Min uint32
	Max uint32
}

// Handle addresses a slot. The zero Handle is invalid, and a handle goes
// stale when its port is unregistered.
type Handle struct {
	index uint32
	gen   uint32
}

func (h Handle) IsValid() bool { return h.gen != 0 }

var (
	ErrExists       = errors.New("ports: port name in use")
	ErrFull         = errors.New("ports: no free port slots")
	ErrInvalidFlags = errors.New("ports: port must be exactly one of input or output")
	ErrNotFound     = errors.New("ports: no such port")
	ErrIncompatible = errors.New("ports: ports cannot be connected")
	ErrQueueFull    = errors.New("ports: too many pending changes")
)

const (
	DefaultCapacity = 1024
	pendingDepth    = 256
)

type slot struct {
	live atomic.Bool
	gen  uint32

	name  string
	kind  Kind
	flags Flags

	latency [2]LatencyRange // capture, playback

	// conns lists upstream outputs of an input port.
	conns []uint32

	audio []float32

	midi    [3]*MidiBuffer
	periods int
	cur     int
}

// Manager owns the arena.
type Manager struct {
	log *zap.Logger

	mu     sync.Mutex
	slots  []slot
	byName map[string]uint32
	period int

	pending   chan change
	notes     []note
	onConnect atomic.Pointer[func(src, dst string, connected bool)]

	midiDropped atomic.Uint64
}

// New returns a manager with capacity slots and period-sized audio buffers.
func New(capacity, period int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		log:     logger.Named("ports"),
		slots:   make([]slot, capacity),
		byName:  make(map[string]uint32),
		period:  period,
		pending: make(chan change, pendingDepth),
		notes:   make([]note, 0, pendingDepth),
	}
	return m
}

// OnConnectionChanged sets the function told about applied connection
// changes. It runs on whichever thread applies them.
func (m *Manager) OnConnectionChanged(fn func(src, dst string, connected bool)) {
	if fn == nil {
		m.onConnect.Store(nil)
		return
	}
	m.onConnect.Store(&fn)
}

// SetPeriod resizes every audio buffer. Call only while no cycle runs.
func (m *Manager) SetPeriod(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.period = n
	for i := range m.slots {
		s := &m.slots[i]
		if s.live.Load() && s.kind == Audio {
			s.audio = make([]float32, n)
		}
	}
}

func (m *Manager) Period() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.period
}

// Register claims a free slot for a new port.
func (m *Manager) Register(name string, kind Kind, flags Flags) (Handle, error) {
	if (flags&IsInput != 0) == (flags&IsOutput != 0) {
		return Handle{}, ErrInvalidFlags
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byName[name]; ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrExists, name)
	}
	idx := -1
	for i := range m.slots {
		if !m.slots[i].live.Load() {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Handle{}, ErrFull
	}

	s := &m.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.name = name
	s.kind = kind
	s.flags = flags
	s.latency = [2]LatencyRange{}
	s.conns = s.conns[:0]
	if s.conns == nil {
		s.conns = make([]uint32, 0, 8)
	}
	s.audio = nil
	s.periods, s.cur = 1, 0
	if kind == Audio {
		s.audio = make([]float32, m.period)
	} else if s.midi[0] == nil {
		for i := range s.midi {
			s.midi[i] = NewMidiBuffer()
		}
	} else {
		for _, b := range s.midi {
			b.Clear()
		}
	}
	m.byName[name] = uint32(idx)
	s.live.Store(true)

	m.log.Debug("port registered", zap.String("port", name), zap.Stringer("kind", kind))
	return Handle{index: uint32(idx), gen: s.gen}, nil
}

// get returns the slot for a live, current handle.
func (m *Manager) get(h Handle) *slot {
	if !h.IsValid() || int(h.index) >= len(m.slots) {
		return nil
	}
	s := &m.slots[h.index]
	if !s.live.Load() || s.gen != h.gen {
		return nil
	}
	return s
}

// Lookup finds a port by name.
func (m *Manager) Lookup(name string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.byName[name]
	if !ok {
		return Handle{}, false
	}
	return Handle{index: idx, gen: m.slots[idx].gen}, true
}

func (m *Manager) Name(h Handle) string {
	if s := m.get(h); s != nil {
		return s.name
	}
	return ""
}

func (m *Manager) Kind(h Handle) Kind {
	if s := m.get(h); s != nil {
		return s.kind
	}
	return Audio
}

func (m *Manager) Flags(h Handle) Flags {
	if s := m.get(h); s != nil {
		return s.flags
	}
	return 0
}

// Ports lists the names of live ports whose flags include all of want.
func (m *Manager) Ports(kind Kind, want Flags) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for i := range m.slots {
		s := &m.slots[i]
		if s.live.Load() && s.kind == kind && s.flags&want == want {
			names = append(names, s.name)
		}
	}
	slices.Sort(names)
	return names
}

// Len counts live ports.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byName)
}

func (m *Manager) SetLatency(h Handle, playback bool, r LatencyRange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.get(h)
	if s == nil {
		return ErrNotFound
	}
	s.latency[dir(playback)] = r
	return nil
}

func (m *Manager) Latency(h Handle, playback bool) LatencyRange {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.get(h); s != nil {
		return s.latency[dir(playback)]
	}
	return LatencyRange{}
}

func dir(playback bool) int {
	if playback {
		return 1
	}
	return 0
}

// Connections lists the peers of a port: upstream outputs for an input,
// downstream inputs for an output.
func (m *Manager) Connections(h Handle) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.get(h)
	if s == nil {
		return nil
	}
	var names []string
	if s.flags&IsInput != 0 {
		for _, c := range s.conns {
			names = append(names, m.slots[c].name)
		}
		return names
	}
	for i := range m.slots {
		o := &m.slots[i]
		if o.live.Load() && slices.Contains(o.conns, h.index) {
			names = append(names, o.name)
		}
	}
	return names
}

// UnregisterPhysical removes every physical port at once. Call only while
// no cycle runs; it is a no-op when none are registered.
func (m *Manager) UnregisterPhysical() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.slots {
		if m.slots[i].live.Load() && m.slots[i].flags&IsPhysical != 0 {
			m.removeLocked(uint32(i))
		}
	}
}

// removeLocked drops a slot and every connection that refers to it.
func (m *Manager) removeLocked(idx uint32) {
	s := &m.slots[idx]
	for i := range m.slots {
		o := &m.slots[i]
		if !o.live.Load() {
			continue
		}
		if j := slices.Index(o.conns, idx); j >= 0 {
			o.conns = slices.Delete(o.conns, j, j+1)
		}
	}
	s.live.Store(false)
	delete(m.byName, s.name)
	s.name = ""
	s.conns = s.conns[:0]
	m.log.Debug("port unregistered", zap.Uint32("slot", idx))
}
