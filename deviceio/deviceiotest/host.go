// Package deviceiotest provides an in-memory deviceio.Host. Streams tick on
// their own goroutine in callback mode and pace Read in blocking mode, so
// engines can be exercised without audio hardware.
package deviceiotest

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drgolem/paengine/deviceio"
)

// Host is a scriptable fake. Exported fields may be changed between opens.
type Host struct {
	mu sync.Mutex

	APIs       []deviceio.HostAPIInfo
	DeviceList []deviceio.DeviceInfo

	// SupportedRates limits IsFormatSupported; nil accepts any rate.
	SupportedRates []float64
	// ActualRate, when set, is reported instead of the requested rate.
	ActualRate    float64
	InputLatency  float64
	OutputLatency float64
	// OpenErr fails the next OpenStream and is then cleared.
	OpenErr error
	// Interval paces cycles; defaults to one millisecond.
	Interval time.Duration
	// Signal generates capture samples; nil captures silence.
	Signal func(frame, ch int) float32

	initCount int
	streams   []*Stream
}

// New returns a host with one API named "Fake" and a stereo duplex device.
func New() *Host {
	h := &Host{
		APIs:     []deviceio.HostAPIInfo{{Index: 0, Name: "Fake", DefaultInput: 0, DefaultOutput: 0}},
		Interval: time.Millisecond,
	}
	h.AddDevice(0, "Duplex", 2, 2, 48000)
	return h
}

// AddDevice appends a device to a host API and returns its index.
func (h *Host) AddDevice(api int, name string, in, out int, rate float64) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := len(h.DeviceList)
	h.DeviceList = append(h.DeviceList, deviceio.DeviceInfo{
		Index:             idx,
		Name:              name,
		HostAPI:           api,
		MaxInputChannels:  in,
		MaxOutputChannels: out,
		DefaultSampleRate: rate,
	})
	return idx
}

func (h *Host) Initialize() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initCount++
	return nil
}

func (h *Host) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.initCount == 0 {
		return errors.New("deviceiotest: terminate without initialize")
	}
	h.initCount--
	return nil
}

// Initialized reports the outstanding Initialize count.
func (h *Host) Initialized() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initCount
}

func (h *Host) HostAPIs() ([]deviceio.HostAPIInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.APIs), nil
}

func (h *Host) Devices(api int) ([]deviceio.DeviceInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []deviceio.DeviceInfo
	for _, d := range h.DeviceList {
		if d.HostAPI == api {
			out = append(out, d)
		}
	}
	return out, nil
}

func (h *Host) checkLocked(p deviceio.StreamParams) error {
	if h.SupportedRates != nil && !slices.Contains(h.SupportedRates, p.SampleRate) {
		return fmt.Errorf("deviceiotest: rate %v not supported", p.SampleRate)
	}
	check := func(dev, ch int, input bool) error {
		if dev < 0 || ch == 0 {
			return nil
		}
		if dev >= len(h.DeviceList) {
			return fmt.Errorf("deviceiotest: invalid device %d", dev)
		}
		limit := h.DeviceList[dev].MaxOutputChannels
		if input {
			limit = h.DeviceList[dev].MaxInputChannels
		}
		if ch > limit {
			return fmt.Errorf("deviceiotest: %d channels requested, device has %d", ch, limit)
		}
		return nil
	}
	return errors.Join(check(p.InputDevice, p.InputChannels, true), check(p.OutputDevice, p.OutputChannels, false))
}

func (h *Host) IsFormatSupported(p deviceio.StreamParams) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.checkLocked(p)
}

func (h *Host) OpenStream(p deviceio.StreamParams, cb deviceio.HostCallback) (deviceio.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.OpenErr; err != nil {
		h.OpenErr = nil
		return nil, err
	}
	if err := h.checkLocked(p); err != nil {
		return nil, err
	}
	rate := p.SampleRate
	if h.ActualRate > 0 {
		rate = h.ActualRate
	}
	interval := h.Interval
	if interval <= 0 {
		interval = time.Millisecond
	}
	s := &Stream{
		Params:   p,
		cb:       cb,
		interval: interval,
		signal:   h.Signal,
		info: deviceio.StreamInfo{
			InputLatency:  h.InputLatency,
			OutputLatency: h.OutputLatency,
			SampleRate:    rate,
		},
	}
	h.streams = append(h.streams, s)
	return s, nil
}

// LastStream returns the most recently opened stream, or nil.
func (h *Host) LastStream() *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.streams) == 0 {
		return nil
	}
	return h.streams[len(h.streams)-1]
}

// Stream is a fake open stream.
type Stream struct {
	Params deviceio.StreamParams

	cb       deviceio.HostCallback
	interval time.Duration
	signal   func(frame, ch int) float32
	info     deviceio.StreamInfo

	mu      sync.Mutex
	started bool
	closed  bool
	stop    chan struct{}
	done    chan struct{}
	lastOut []float32
	fail    error

	xruns  atomic.Int32
	cycles atomic.Int64
}

// InjectXRuns makes the next n cycles report an xrun.
func (s *Stream) InjectXRuns(n int) { s.xruns.Add(int32(n)) }

// Fail makes the next blocking transfer fail with err.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Cycles counts completed periods.
func (s *Stream) Cycles() int64 { return s.cycles.Load() }

// LastOutput returns a copy of the last interleaved playback buffer.
func (s *Stream) LastOutput() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.lastOut)
}

func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) Info() deviceio.StreamInfo { return s.info }

func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("deviceiotest: stream closed")
	}
	if s.started {
		return errors.New("deviceiotest: stream already started")
	}
	s.started = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	if s.cb == nil {
		close(s.done)
		return nil
	}
	go s.drive(s.stop, s.done)
	return nil
}

func (s *Stream) takeXRun() bool {
	for {
		n := s.xruns.Load()
		if n <= 0 {
			return false
		}
		if s.xruns.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (s *Stream) fill(in []float32, ch int) {
	if s.signal == nil {
		clear(in)
		return
	}
	for i := range in {
		in[i] = s.signal(i/ch, i%ch)
	}
}

// drive plays the part of the host's audio thread.
func (s *Stream) drive(stop, done chan struct{}) {
	defer close(done)

	frames := s.Params.Period
	in := make([]float32, frames*s.Params.InputChannels)
	out := make([]float32, frames*s.Params.OutputChannels)
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		s.fill(in, max(s.Params.InputChannels, 1))
		ok := s.cb(in, out, frames, s.takeXRun())
		s.record(out)
		s.cycles.Add(1)
		if !ok {
			return
		}
	}
}

func (s *Stream) record(out []float32) {
	s.mu.Lock()
	s.lastOut = append(s.lastOut[:0], out...)
	s.mu.Unlock()
}

func (s *Stream) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Stream) transfer() (chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, errors.New("deviceiotest: stream not started")
	}
	if err := s.fail; err != nil {
		s.fail = nil
		return nil, err
	}
	return s.stop, nil
}

func (s *Stream) wait(stop chan struct{}) error {
	select {
	case <-time.After(s.interval):
		return nil
	case <-stop:
		return errors.New("deviceiotest: stream stopped")
	}
}

// Write records the playback buffer. Output-only streams are paced here.
func (s *Stream) Write(buf []float32) error {
	stop, err := s.transfer()
	if err != nil {
		return err
	}
	s.record(buf)
	if s.Params.InputChannels > 0 {
		return nil
	}
	if err := s.wait(stop); err != nil {
		return err
	}
	s.cycles.Add(1)
	if s.takeXRun() {
		return fmt.Errorf("%w: output underflow", deviceio.ErrXRun)
	}
	return nil
}

// Read waits one interval, as if for the hardware, then captures.
func (s *Stream) Read(buf []float32) error {
	stop, err := s.transfer()
	if err != nil {
		return err
	}
	if err := s.wait(stop); err != nil {
		return err
	}
	s.fill(buf, s.Params.InputChannels)
	s.cycles.Add(1)
	if s.takeXRun() {
		return fmt.Errorf("%w: input overflow", deviceio.ErrXRun)
	}
	return nil
}
