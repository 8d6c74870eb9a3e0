// Package deviceio owns the native audio stream: host API and device
// selection, capability queries, and one open duplex stream driven either
// by the host's callback or by blocking reads and writes.
//
// Requested channel counts, rate and period are advisory. After opening,
// callers read back CaptureChannels, PlaybackChannels and SampleRate; the
// hardware's answer wins.
package deviceio

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeviceID selects a device. Non-negative values are host device indices.
type DeviceID int

const (
	DeviceNone    DeviceID = -1
	DeviceDefault DeviceID = -2
)

var (
	ErrNotInitialized = errors.New("deviceio: not initialized")
	ErrUnknownHostAPI = errors.New("deviceio: unknown host API")
	ErrStreamOpen     = errors.New("deviceio: stream is open")
	ErrNoStream       = errors.New("deviceio: no stream")
	ErrDeviceNotFound = errors.New("deviceio: device not found")
	ErrNoDevices      = errors.New("deviceio: no input or output device selected")
	ErrInvalidConfig  = errors.New("deviceio: invalid sample rate or period")
	ErrWrongMode      = errors.New("deviceio: operation not valid for this stream mode")
)

// StreamError reports which stream operation failed.
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string { return "deviceio: " + e.Op + ": " + e.Err.Error() }
func (e *StreamError) Unwrap() error { return e.Err }

// StandardSampleRates are probed by AvailableSampleRates.
var StandardSampleRates = []float64{8000, 22050, 24000, 44100, 48000, 88200, 96000, 176400, 192000}

// StandardBufferSizes are the periods offered to users.
var StandardBufferSizes = []int{32, 64, 128, 256, 512, 1024, 2048, 4096}

// Device is an entry in the input or output device map.
type Device struct {
	ID                DeviceID
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
}

// StreamConfig is an open request. Channel counts <= 0 ask for every
// channel the device has.
type StreamConfig struct {
	InputDevice    DeviceID
	OutputDevice   DeviceID
	InputChannels  int
	OutputChannels int
	SampleRate     float64
	Period         int
}

type CycleStatus int

const (
	CycleOK CycleStatus = iota
	CycleXRun
	CycleError
)

func (s CycleStatus) String() string {
	switch s {
	case CycleOK:
		return "ok"
	case CycleXRun:
		return "xrun"
	default:
		return "error"
	}
}

// CycleFunc is run once per period in callback mode, after the capture
// buffer is filled and before the playback buffer is handed to the
// hardware. Returning false aborts the stream.
type CycleFunc func(status CycleStatus) bool

type Mode int

const (
	ModeClosed Mode = iota
	ModeCallback
	ModeBlocking
)

// DeviceIO is safe for concurrent configuration calls. The cycle path
// (NextCycle, the buffers, CopyCapture, CopyPlayback) belongs to the single
// thread driving the stream.
type DeviceIO struct {
	host Host
	log  *zap.Logger

	mu          sync.Mutex
	initialized bool
	apis        []HostAPIInfo
	api         int
	inputs      map[DeviceID]Device
	outputs     map[DeviceID]Device

	stream  Stream
	mode    Mode
	session uuid.UUID
	cycle   CycleFunc

	captureChannels  int
	playbackChannels int
	sampleRate       float64
	period           int
	captureLatency   uint32
	playbackLatency  uint32

	capture  []float32
	playback []float32
}

func New(host Host, logger *zap.Logger) *DeviceIO {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeviceIO{
		host:    host,
		log:     logger.Named("deviceio"),
		inputs:  map[DeviceID]Device{},
		outputs: map[DeviceID]Device{},
	}
}

// Init initializes the host, selects its first host API and scans devices.
// Calling Init twice is a no-op.
func (d *DeviceIO) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return nil
	}
	if err := d.host.Initialize(); err != nil {
		return fmt.Errorf("deviceio: initialize host: %w", err)
	}
	apis, err := d.host.HostAPIs()
	if err != nil {
		_ = d.host.Terminate()
		return fmt.Errorf("deviceio: enumerate host APIs: %w", err)
	}
	d.apis = apis
	d.api = 0
	d.initialized = true

	if err := d.refreshLocked(); err != nil {
		d.log.Warn("device scan failed", zap.Error(err))
	}
	return nil
}

// Deinit closes any open stream and releases the host.
func (d *DeviceIO) Deinit() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return nil
	}
	err := d.closeLocked()
	d.initialized = false
	d.apis = nil
	clear(d.inputs)
	clear(d.outputs)
	return errors.Join(err, d.host.Terminate())
}

// HostAPIs lists host API names in host order.
func (d *DeviceIO) HostAPIs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.apis))
	for _, a := range d.apis {
		names = append(names, a.Name)
	}
	return names
}

// HostAPI returns the selected host API name.
func (d *DeviceIO) HostAPI() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.api < len(d.apis) {
		return d.apis[d.api].Name
	}
	return ""
}

// SetHostAPI re-enumerates host APIs, selects the named one and rescans
// its devices.
func (d *DeviceIO) SetHostAPI(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return ErrNotInitialized
	}
	if d.stream != nil {
		return ErrStreamOpen
	}
	apis, err := d.host.HostAPIs()
	if err != nil {
		return fmt.Errorf("deviceio: enumerate host APIs: %w", err)
	}
	d.apis = apis
	idx := slices.IndexFunc(apis, func(a HostAPIInfo) bool { return a.Name == name })
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownHostAPI, name)
	}
	d.api = idx
	d.log.Info("host API selected", zap.String("api", name))
	return d.refreshLocked()
}

// RefreshDevices rescans the selected host API. It fails while a stream
// is open.
func (d *DeviceIO) RefreshDevices() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return ErrNotInitialized
	}
	if d.stream != nil {
		return ErrStreamOpen
	}
	return d.refreshLocked()
}

func (d *DeviceIO) refreshLocked() error {
	clear(d.inputs)
	clear(d.outputs)
	if d.api >= len(d.apis) {
		return ErrUnknownHostAPI
	}
	devices, err := d.host.Devices(d.apis[d.api].Index)
	if err != nil {
		return fmt.Errorf("deviceio: enumerate devices: %w", err)
	}
	for _, di := range devices {
		dev := Device{
			ID:                DeviceID(di.Index),
			Name:              di.Name,
			MaxInputChannels:  di.MaxInputChannels,
			MaxOutputChannels: di.MaxOutputChannels,
			DefaultSampleRate: di.DefaultSampleRate,
		}
		if di.MaxInputChannels > 0 {
			d.inputs[dev.ID] = dev
		}
		if di.MaxOutputChannels > 0 {
			d.outputs[dev.ID] = dev
		}
	}
	d.log.Debug("devices scanned",
		zap.String("api", d.apis[d.api].Name),
		zap.Int("inputs", len(d.inputs)),
		zap.Int("outputs", len(d.outputs)))
	return nil
}

func sortedDevices(m map[DeviceID]Device) []Device {
	out := []Device{{ID: DeviceNone, Name: "None"}, {ID: DeviceDefault, Name: "Default"}}
	ids := make([]DeviceID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

// InputDevices returns the sentinels followed by every capture-capable
// device ordered by id.
func (d *DeviceIO) InputDevices() []Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return sortedDevices(d.inputs)
}

// OutputDevices is InputDevices for playback.
func (d *DeviceIO) OutputDevices() []Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return sortedDevices(d.outputs)
}

// DeviceByName finds a device id by name; the sentinel names resolve to
// the sentinels.
func (d *DeviceIO) DeviceByName(name string, input bool) (DeviceID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	devices := d.outputs
	if input {
		devices = d.inputs
	}
	for _, dev := range sortedDevices(devices) {
		if dev.Name == name {
			return dev.ID, nil
		}
	}
	return DeviceNone, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
}

// DeviceName is the inverse of DeviceByName.
func (d *DeviceIO) DeviceName(id DeviceID, input bool) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch id {
	case DeviceNone:
		return "None", nil
	case DeviceDefault:
		return "Default", nil
	}
	devices := d.outputs
	if input {
		devices = d.inputs
	}
	if dev, ok := devices[id]; ok {
		return dev.Name, nil
	}
	return "", fmt.Errorf("%w: id %d", ErrDeviceNotFound, id)
}

// resolve maps an id, including the default sentinel, to a device.
func (d *DeviceIO) resolve(id DeviceID, input bool) (Device, bool) {
	devices := d.outputs
	if input {
		devices = d.inputs
	}
	if id == DeviceDefault {
		if d.api >= len(d.apis) {
			return Device{}, false
		}
		id = DeviceID(d.apis[d.api].DefaultOutput)
		if input {
			id = DeviceID(d.apis[d.api].DefaultInput)
		}
	}
	if id < 0 {
		return Device{}, false
	}
	dev, ok := devices[id]
	return dev, ok
}

func clampChannels(requested, available int) int {
	if requested <= 0 || requested > available {
		return available
	}
	return requested
}

func (d *DeviceIO) params(cfg StreamConfig) (StreamParams, error) {
	p := StreamParams{InputDevice: -1, OutputDevice: -1, SampleRate: cfg.SampleRate, Period: cfg.Period}
	if in, ok := d.resolve(cfg.InputDevice, true); ok {
		p.InputDevice = int(in.ID)
		p.InputChannels = clampChannels(cfg.InputChannels, in.MaxInputChannels)
	} else if cfg.InputDevice != DeviceNone {
		return p, fmt.Errorf("%w: input %d", ErrDeviceNotFound, cfg.InputDevice)
	}
	if out, ok := d.resolve(cfg.OutputDevice, false); ok {
		p.OutputDevice = int(out.ID)
		p.OutputChannels = clampChannels(cfg.OutputChannels, out.MaxOutputChannels)
	} else if cfg.OutputDevice != DeviceNone {
		return p, fmt.Errorf("%w: output %d", ErrDeviceNotFound, cfg.OutputDevice)
	}
	if !p.hasInput() && !p.hasOutput() {
		return p, ErrNoDevices
	}
	return p, nil
}

// AvailableSampleRates probes StandardSampleRates against the device pair.
// When nothing probes successfully the devices' default rate is offered.
func (d *DeviceIO) AvailableSampleRates(in, out DeviceID) []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, err := d.params(StreamConfig{InputDevice: in, OutputDevice: out, Period: StandardBufferSizes[0]})
	if err != nil {
		return nil
	}
	var rates []float64
	for _, rate := range StandardSampleRates {
		p.SampleRate = rate
		if d.host.IsFormatSupported(p) == nil {
			rates = append(rates, rate)
		}
	}
	if len(rates) == 0 {
		for _, dev := range []struct {
			id    DeviceID
			input bool
		}{{in, true}, {out, false}} {
			if v, ok := d.resolve(dev.id, dev.input); ok && v.DefaultSampleRate > 0 {
				return []float64{v.DefaultSampleRate}
			}
		}
	}
	return rates
}

// AvailableBufferSizes returns the periods that may be requested. The host
// rounds unusual sizes itself, so every standard size is offered.
func (d *DeviceIO) AvailableBufferSizes(in, out DeviceID) []int {
	return slices.Clone(StandardBufferSizes)
}

// OpenCallback opens a stream whose host thread runs cycle once per period.
func (d *DeviceIO) OpenCallback(cfg StreamConfig, cycle CycleFunc) error {
	if cycle == nil {
		return &StreamError{Op: "open", Err: errors.New("nil cycle function")}
	}
	return d.open(cfg, cycle)
}

// OpenBlocking opens a stream to be driven with NextCycle.
func (d *DeviceIO) OpenBlocking(cfg StreamConfig) error {
	return d.open(cfg, nil)
}

func (d *DeviceIO) open(cfg StreamConfig, cycle CycleFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return ErrNotInitialized
	}
	if d.stream != nil {
		return ErrStreamOpen
	}
	if cfg.SampleRate <= 0 || cfg.Period <= 0 {
		return &StreamError{Op: "open", Err: ErrInvalidConfig}
	}
	p, err := d.params(cfg)
	if err != nil {
		return &StreamError{Op: "open", Err: err}
	}

	var hostCb HostCallback
	if cycle != nil {
		hostCb = d.driven
	}
	s, err := d.host.OpenStream(p, hostCb)
	if err != nil {
		return &StreamError{Op: "open", Err: err}
	}

	d.stream = s
	d.cycle = cycle
	d.mode = ModeBlocking
	if cycle != nil {
		d.mode = ModeCallback
	}
	d.session = uuid.New()
	d.captureChannels, d.playbackChannels = 0, 0
	if p.hasInput() {
		d.captureChannels = p.InputChannels
	}
	if p.hasOutput() {
		d.playbackChannels = p.OutputChannels
	}
	d.period = cfg.Period

	info := s.Info()
	d.sampleRate = cfg.SampleRate
	if info.SampleRate > 0 && info.SampleRate != cfg.SampleRate {
		d.log.Warn("hardware runs at a different sample rate",
			zap.Stringer("session", d.session),
			zap.Float64("requested", cfg.SampleRate),
			zap.Float64("actual", info.SampleRate))
		d.sampleRate = info.SampleRate
	}
	d.captureLatency = uint32(math.Round(info.InputLatency * d.sampleRate))
	d.playbackLatency = uint32(math.Round(info.OutputLatency * d.sampleRate))

	d.capture = make([]float32, d.period*d.captureChannels)
	d.playback = make([]float32, d.period*d.playbackChannels)

	d.log.Info("stream opened",
		zap.Stringer("session", d.session),
		zap.Stringer("mode", d.mode),
		zap.Int("capture_channels", d.captureChannels),
		zap.Int("playback_channels", d.playbackChannels),
		zap.Float64("rate", d.sampleRate),
		zap.Int("period", d.period),
		zap.Uint32("capture_latency", d.captureLatency),
		zap.Uint32("playback_latency", d.playbackLatency))
	return nil
}

func (m Mode) String() string {
	switch m {
	case ModeCallback:
		return "callback"
	case ModeBlocking:
		return "blocking"
	default:
		return "closed"
	}
}

// driven adapts the host callback to the cycle function.
func (d *DeviceIO) driven(in, out []float32, frames int, xrun bool) bool {
	if frames != d.period {
		clear(out)
		return true
	}
	if len(in) >= len(d.capture) {
		copy(d.capture, in)
	} else {
		clear(d.capture)
	}
	status := CycleOK
	if xrun {
		status = CycleXRun
	}
	ok := d.cycle(status)
	copy(out, d.playback)
	return ok
}

func (d *DeviceIO) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream == nil {
		return &StreamError{Op: "start", Err: ErrNoStream}
	}
	clear(d.playback)
	if err := d.stream.Start(); err != nil {
		return &StreamError{Op: "start", Err: err}
	}
	return nil
}

// Stop halts the stream without closing it. A NextCycle blocked in the
// host returns with an error.
func (d *DeviceIO) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream == nil {
		return &StreamError{Op: "stop", Err: ErrNoStream}
	}
	if err := d.stream.Stop(); err != nil {
		return &StreamError{Op: "stop", Err: err}
	}
	return nil
}

// Close stops and closes the stream. Closing without a stream is a no-op.
func (d *DeviceIO) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *DeviceIO) closeLocked() error {
	if d.stream == nil {
		return nil
	}
	err := errors.Join(d.stream.Stop(), d.stream.Close())
	d.log.Info("stream closed", zap.Stringer("session", d.session))
	d.stream = nil
	d.cycle = nil
	d.mode = ModeClosed
	if err != nil {
		return &StreamError{Op: "close", Err: err}
	}
	return nil
}

func (d *DeviceIO) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream != nil
}

func (d *DeviceIO) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// NextCycle writes the pending playback buffer, then reads the next
// capture buffer. Over- and underflows zero the capture buffer and return
// CycleXRun; any other failure returns CycleError with the cause.
func (d *DeviceIO) NextCycle(frames int) (CycleStatus, error) {
	s := d.stream
	if s == nil {
		return CycleError, ErrNoStream
	}
	if d.mode != ModeBlocking {
		return CycleError, ErrWrongMode
	}
	if frames != d.period {
		return CycleError, fmt.Errorf("deviceio: cycle of %d frames on a %d frame stream", frames, d.period)
	}

	xrun := false
	if d.playbackChannels > 0 {
		if err := s.Write(d.playback); err != nil {
			if !errors.Is(err, ErrXRun) {
				return CycleError, &StreamError{Op: "write", Err: err}
			}
			xrun = true
		}
	}
	if d.captureChannels > 0 {
		if err := s.Read(d.capture); err != nil {
			if !errors.Is(err, ErrXRun) {
				return CycleError, &StreamError{Op: "read", Err: err}
			}
			clear(d.capture)
			xrun = true
		}
	}
	if xrun {
		return CycleXRun, nil
	}
	return CycleOK, nil
}

func (d *DeviceIO) CaptureChannels() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.captureChannels
}

func (d *DeviceIO) PlaybackChannels() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playbackChannels
}

// SampleRate is the rate the open stream actually runs at.
func (d *DeviceIO) SampleRate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sampleRate
}

func (d *DeviceIO) Period() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.period
}

// CaptureLatency is the host-reported input latency in samples.
func (d *DeviceIO) CaptureLatency() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.captureLatency
}

// PlaybackLatency is the host-reported output latency in samples.
func (d *DeviceIO) PlaybackLatency() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playbackLatency
}

// Session identifies the open stream in logs.
func (d *DeviceIO) Session() uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// ExcessLatency is the part of a reported latency beyond one period, or
// zero when the host reports less than a period.
func ExcessLatency(reported, period uint32) uint32 {
	if reported <= period {
		return 0
	}
	return reported - period
}

// CaptureBuffer and PlaybackBuffer are the interleaved period buffers.
func (d *DeviceIO) CaptureBuffer() []float32  { return d.capture }
func (d *DeviceIO) PlaybackBuffer() []float32 { return d.playback }

// CopyCapture deinterleaves capture channel ch into dst.
func (d *DeviceIO) CopyCapture(ch int, dst []float32) {
	n := d.captureChannels
	if ch < 0 || ch >= n {
		clear(dst)
		return
	}
	frames := min(len(dst), d.period)
	for i := 0; i < frames; i++ {
		dst[i] = d.capture[i*n+ch]
	}
}

// CopyPlayback interleaves src into playback channel ch.
func (d *DeviceIO) CopyPlayback(ch int, src []float32) {
	n := d.playbackChannels
	if ch < 0 || ch >= n {
		return
	}
	frames := min(len(src), d.period)
	for i := 0; i < frames; i++ {
		d.playback[i*n+ch] = src[i]
	}
}

// ClearPlayback zeroes the whole playback buffer.
func (d *DeviceIO) ClearPlayback() { clear(d.playback) }
