// Package portaudio is a thin cgo binding to PortAudio, shaped for a
// full-duplex audio backend.
//
// It exposes what a backend needs and nothing more: host API and device
// enumeration, format probing, duplex streams opened either with a
// real-time callback or for blocking read/write, and the stream's reported
// latency and actual sample rate.
//
//	portaudio.Initialize()
//	defer portaudio.Terminate()
//
//	in := &portaudio.StreamParameters{DeviceIndex: 1, ChannelCount: 2, SampleFormat: portaudio.SampleFmtFloat32}
//	out := &portaudio.StreamParameters{DeviceIndex: 1, ChannelCount: 2, SampleFormat: portaudio.SampleFmtFloat32}
//	stream, _ := portaudio.OpenStream(in, out, 48000, 256, portaudio.ClipOff|portaudio.DitherOff)
//	stream.StartStream()
//	stream.Read(256, capture)
//	stream.Write(256, playback)
//
// # Thread Safety
//
// Initialize and Terminate are reference counted and may be called from any
// goroutine. A Stream must be driven by one goroutine at a time; in
// blocking mode that is the backend's I/O thread, in callback mode
// PortAudio's own thread invokes the callback.
//
// # Callback Constraints
//
// Callbacks run on PortAudio's real-time thread. They must not allocate,
// block, or perform I/O. The bridge pre-allocates everything it hands to the
// callback.
package portaudio

/*
#cgo pkg-config: portaudio-2.0
#include <portaudio.h>

PaDeviceIndex Pa_GetDefaultInputDevice(void);
PaDeviceIndex Pa_GetDefaultOutputDevice(void);
PaHostApiIndex Pa_GetDefaultHostApi(void);
const PaHostErrorInfo* Pa_GetLastHostErrorInfo(void);

static PaError openBlockingStream(void **stream,
                                  const PaStreamParameters *in,
                                  const PaStreamParameters *out,
                                  double sampleRate,
                                  unsigned long framesPerBuffer,
                                  unsigned long flags) {
    return Pa_OpenStream((PaStream**)stream, in, out, sampleRate,
                         framesPerBuffer, (PaStreamFlags)flags, NULL, NULL);
}

static const PaStreamInfo* streamInfo(void *stream) {
    return Pa_GetStreamInfo((PaStream*)stream);
}
*/
import "C"
import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

var (
	// initialized is the Initialize/Terminate reference count
	initialized int
	initMu      sync.Mutex
)

// SampleFormat is the encoding of one sample in a stream buffer.
type SampleFormat int

const (
	// SampleFmtFloat32 is 32-bit float in [-1, 1], the backend's native format.
	SampleFmtFloat32 SampleFormat = C.paFloat32
	// SampleFmtInt32 is 32-bit signed integer.
	SampleFmtInt32 SampleFormat = C.paInt32
	// SampleFmtInt24 is packed 24-bit signed integer, three bytes per sample.
	SampleFmtInt24 SampleFormat = C.paInt24
	// SampleFmtInt16 is 16-bit signed integer.
	SampleFmtInt16 SampleFormat = C.paInt16
	// SampleFmtInt8 is 8-bit signed integer.
	SampleFmtInt8 SampleFormat = C.paInt8
	// SampleFmtUInt8 is 8-bit unsigned integer.
	SampleFmtUInt8 SampleFormat = C.paUInt8
)

// PortAudio error codes the backend distinguishes.
const (
	ErrNoError                = C.paNoError
	ErrInvalidChannelCount    = C.paInvalidChannelCount
	ErrInvalidSampleRate      = C.paInvalidSampleRate
	ErrInvalidDevice          = C.paInvalidDevice
	ErrSampleFormatNotSupport = C.paSampleFormatNotSupported
	ErrBadIODeviceCombination = C.paBadIODeviceCombination
	ErrBadStreamPtr           = C.paBadStreamPtr
	ErrInputOverflowed        = C.paInputOverflowed
	ErrOutputUnderflowed      = C.paOutputUnderflowed
	ErrDeviceUnavailable      = C.paDeviceUnavailable
	ErrInsufficientMemory     = C.paInsufficientMemory
)

// StreamFlags are options applied when a stream is opened.
type StreamFlags int

const (
	// NoFlag opens the stream with PortAudio's defaults.
	NoFlag StreamFlags = 0x00000000
	// ClipOff disables output clipping; the backend mixes in float and
	// never relies on PortAudio to clamp.
	ClipOff StreamFlags = 0x00000001
	// DitherOff disables dithering when converting float to integer samples.
	DitherOff StreamFlags = 0x00000002
	// NeverDropInput asks a full-duplex callback stream not to discard input
	// on overflow.
	NeverDropInput StreamFlags = 0x00000004
	// PrimeOutputBuffersUsingStreamCallback fills the first output buffers
	// from the callback instead of with silence.
	PrimeOutputBuffersUsingStreamCallback StreamFlags = 0x00000008
)

// Time is a PortAudio time value in seconds.
type Time float64

// StreamParameters describes one direction of a stream.
type StreamParameters struct {
	DeviceIndex  int // global device index
	ChannelCount int // interleaved channels
	SampleFormat SampleFormat
	// SuggestedLatency is used when non-zero; otherwise the device's low
	// (callback) or high (blocking) default latency is chosen.
	SuggestedLatency Time
}

// Error is a PortAudio error code.
type Error struct {
	Code int
}

// Error returns PortAudio's text for the code.
func (e *Error) Error() string {
	return ErrorText(e.Code)
}

// UnanticipatedHostError carries the host API's own error detail
// (ALSA, CoreAudio, WASAPI, ASIO, ...).
type UnanticipatedHostError struct {
	Code          int
	Text          string
	HostApiType   int
	HostErrorCode int
	HostErrorText string
}

// Error combines PortAudio's text with the host API's detail.
func (e *UnanticipatedHostError) Error() string {
	if e.HostErrorText != "" {
		return fmt.Sprintf("%s [Host API error %d: %s]", e.Text, e.HostErrorCode, e.HostErrorText)
	}
	return fmt.Sprintf("%s [Host API error %d]", e.Text, e.HostErrorCode)
}

// IsXRun reports whether err is an input overflow or output underflow from
// a blocking read or write. Those are transient; the stream keeps running.
func IsXRun(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Code == ErrInputOverflowed || pe.Code == ErrOutputUnderflowed
}

// HasCode reports whether err is a PortAudio error with the given code.
func HasCode(err error, code int) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == code
}

// VersionText returns the PortAudio library version string.
func VersionText() string {
	return C.GoString(C.Pa_GetVersionInfo().versionText)
}

// ErrorText returns PortAudio's description of an error code.
func ErrorText(code int) string {
	return C.GoString(C.Pa_GetErrorText(C.PaError(code)))
}

func newError(code C.PaError) error {
	if code >= 0 {
		return nil
	}
	if code == C.paUnanticipatedHostError {
		if hostErr := C.Pa_GetLastHostErrorInfo(); hostErr != nil {
			return &UnanticipatedHostError{
				Code:          int(code),
				Text:          C.GoString(C.Pa_GetErrorText(code)),
				HostApiType:   int(hostErr.hostApiType),
				HostErrorCode: int(hostErr.errorCode),
				HostErrorText: C.GoString(hostErr.errorText),
			}
		}
	}
	return &Error{int(code)}
}

// Initialize initializes PortAudio. Calls are reference counted; each must
// be matched by Terminate. Device lists are scanned on the first call only,
// so rescanning hardware requires the count to drop to zero first.
func Initialize() error {
	initMu.Lock()
	defer initMu.Unlock()

	if initialized == 0 {
		if errCode := C.Pa_Initialize(); errCode != C.paNoError {
			return newError(errCode)
		}
	}
	initialized++
	return nil
}

// Terminate releases one Initialize reference.
func Terminate() error {
	initMu.Lock()
	defer initMu.Unlock()

	if initialized == 0 {
		return nil
	}
	initialized--
	if initialized == 0 {
		if errCode := C.Pa_Terminate(); errCode != C.paNoError {
			initialized++
			return newError(errCode)
		}
	}
	return nil
}

// DeviceInfo mirrors PaDeviceInfo.
type DeviceInfo struct {
	Index             int // global device index
	Name              string
	HostApiIndex      int
	MaxInputChannels  int
	MaxOutputChannels int
	// Default latencies in seconds; low for interactive use, high for
	// robust blocking I/O.
	DefaultLowInputLatency   Time
	DefaultLowOutputLatency  Time
	DefaultHighInputLatency  Time
	DefaultHighOutputLatency Time
	DefaultSampleRate        float64
}

// DeviceCount returns the number of devices across all host APIs.
func DeviceCount() (int, error) {
	dc := int(C.Pa_GetDeviceCount())
	if dc < 0 {
		return 0, &Error{dc}
	}
	return dc, nil
}

// GetDeviceInfo returns the device at a global index.
func GetDeviceInfo(deviceIdx int) (*DeviceInfo, error) {
	di := C.Pa_GetDeviceInfo(C.int(deviceIdx))
	if di == nil {
		return nil, &Error{ErrInvalidDevice}
	}
	return &DeviceInfo{
		Index:                    deviceIdx,
		Name:                     C.GoString(di.name),
		HostApiIndex:             int(di.hostApi),
		MaxInputChannels:         int(di.maxInputChannels),
		MaxOutputChannels:        int(di.maxOutputChannels),
		DefaultLowInputLatency:   Time(di.defaultLowInputLatency),
		DefaultLowOutputLatency:  Time(di.defaultLowOutputLatency),
		DefaultHighInputLatency:  Time(di.defaultHighInputLatency),
		DefaultHighOutputLatency: Time(di.defaultHighOutputLatency),
		DefaultSampleRate:        float64(di.defaultSampleRate),
	}, nil
}

// Devices returns every device of every host API.
func Devices() ([]*DeviceInfo, error) {
	count, err := DeviceCount()
	if err != nil {
		return nil, err
	}
	devices := make([]*DeviceInfo, count)
	for i := range devices {
		if devices[i], err = GetDeviceInfo(i); err != nil {
			return nil, err
		}
	}
	return devices, nil
}

// HostApiInfo mirrors PaHostApiInfo. Default device fields are global
// device indices, or -1 when the API has none.
type HostApiInfo struct {
	Index               int
	Type                int // PaHostApiTypeId
	Name                string
	DeviceCount         int
	DefaultInputDevice  int
	DefaultOutputDevice int
}

// HostApiCount returns the number of compiled-in host APIs.
func HostApiCount() (int, error) {
	hc := int(C.Pa_GetHostApiCount())
	if hc < 0 {
		return 0, &Error{hc}
	}
	return hc, nil
}

// GetHostApiInfo returns the host API at an index.
func GetHostApiInfo(hostApiIdx int) (*HostApiInfo, error) {
	hi := C.Pa_GetHostApiInfo(C.PaHostApiIndex(hostApiIdx))
	if hi == nil {
		return nil, errors.New("invalid host API index")
	}
	return &HostApiInfo{
		Index:               hostApiIdx,
		Type:                int(hi._type),
		Name:                C.GoString(hi.name),
		DeviceCount:         int(hi.deviceCount),
		DefaultInputDevice:  int(hi.defaultInputDevice),
		DefaultOutputDevice: int(hi.defaultOutputDevice),
	}, nil
}

// HostApis returns every compiled-in host API.
func HostApis() ([]*HostApiInfo, error) {
	count, err := HostApiCount()
	if err != nil {
		return nil, err
	}
	apis := make([]*HostApiInfo, count)
	for i := range apis {
		if apis[i], err = GetHostApiInfo(i); err != nil {
			return nil, err
		}
	}
	return apis, nil
}

// DefaultHostApi returns the index of the platform's preferred host API.
func DefaultHostApi() (int, error) {
	idx := int(C.Pa_GetDefaultHostApi())
	if idx < 0 {
		return 0, &Error{idx}
	}
	return idx, nil
}

// HostApiDevices returns the devices belonging to one host API, in the
// API's own order.
func HostApiDevices(hostApiIdx int) ([]*DeviceInfo, error) {
	api, err := GetHostApiInfo(hostApiIdx)
	if err != nil {
		return nil, err
	}
	devices := make([]*DeviceInfo, 0, api.DeviceCount)
	for i := 0; i < api.DeviceCount; i++ {
		idx := int(C.Pa_HostApiDeviceIndexToDeviceIndex(C.PaHostApiIndex(hostApiIdx), C.int(i)))
		if idx < 0 {
			return nil, &Error{idx}
		}
		di, err := GetDeviceInfo(idx)
		if err != nil {
			return nil, err
		}
		devices = append(devices, di)
	}
	return devices, nil
}

func toCParams(p *StreamParameters, isInput, highLatency bool) (*C.PaStreamParameters, error) {
	if p == nil {
		return nil, nil
	}
	latency := p.SuggestedLatency
	if latency == 0 {
		di, err := GetDeviceInfo(p.DeviceIndex)
		if err != nil {
			return nil, err
		}
		switch {
		case isInput && highLatency:
			latency = di.DefaultHighInputLatency
		case isInput:
			latency = di.DefaultLowInputLatency
		case highLatency:
			latency = di.DefaultHighOutputLatency
		default:
			latency = di.DefaultLowOutputLatency
		}
	}
	return &C.PaStreamParameters{
		device:           C.int(p.DeviceIndex),
		channelCount:     C.int(p.ChannelCount),
		sampleFormat:     C.PaSampleFormat(p.SampleFormat),
		suggestedLatency: C.double(latency),
	}, nil
}

// IsFormatSupported probes a parameter combination without opening it.
// Either direction may be nil.
func IsFormatSupported(in, out *StreamParameters, sampleRate float64) error {
	inParams, err := toCParams(in, true, false)
	if err != nil {
		return err
	}
	outParams, err := toCParams(out, false, false)
	if err != nil {
		return err
	}
	errCode := C.Pa_IsFormatSupported(inParams, outParams, C.double(sampleRate))
	if errCode != C.paFormatIsSupported {
		return newError(errCode)
	}
	return nil
}

// SampleSize returns the size in bytes of one sample, or 0 if unknown.
func SampleSize(format SampleFormat) int {
	switch format {
	case SampleFmtFloat32, SampleFmtInt32:
		return 4
	case SampleFmtInt24:
		return 3
	case SampleFmtInt16:
		return 2
	case SampleFmtInt8, SampleFmtUInt8:
		return 1
	default:
		return 0
	}
}

// StreamInfo is what the host reports after a stream has been opened.
type StreamInfo struct {
	InputLatency  Time    // seconds
	OutputLatency Time    // seconds
	SampleRate    float64 // may differ from the requested rate
}

// Stream is an open PortAudio stream. Input or Output is nil for
// half-duplex streams.
type Stream struct {
	stream     unsafe.Pointer
	isOpen     bool
	Input      *StreamParameters
	Output     *StreamParameters
	SampleRate float64
	Frames     int

	callbackID    int
	callbackIDPtr unsafe.Pointer
}

// OpenStream opens a stream for blocking Read/Write. High default
// latencies are used unless the parameters suggest their own.
func OpenStream(in, out *StreamParameters, sampleRate float64, framesPerBuffer int, flags StreamFlags) (*Stream, error) {
	if in == nil && out == nil {
		return nil, errors.New("stream needs an input or an output")
	}
	if framesPerBuffer <= 0 {
		return nil, errors.New("framesPerBuffer must be positive")
	}
	inParams, err := toCParams(in, true, true)
	if err != nil {
		return nil, err
	}
	outParams, err := toCParams(out, false, true)
	if err != nil {
		return nil, err
	}

	s := &Stream{Input: in, Output: out, SampleRate: sampleRate, Frames: framesPerBuffer}
	errCode := C.openBlockingStream(&s.stream, inParams, outParams,
		C.double(sampleRate), C.ulong(framesPerBuffer), C.ulong(flags))
	if errCode != C.paNoError {
		return nil, newError(errCode)
	}
	s.isOpen = true
	return s, nil
}

// IsOpen reports whether the stream has not been closed.
func (s *Stream) IsOpen() bool { return s.isOpen }

// Close closes the stream and releases any callback registration. Closing
// a closed stream is a no-op.
func (s *Stream) Close() error {
	if s.callbackID != 0 {
		unregisterCallback(s.callbackID)
		s.callbackID = 0
	}
	if !s.isOpen {
		s.freeCallbackID()
		return nil
	}
	errCode := C.Pa_CloseStream(s.stream)
	s.freeCallbackID()
	if errCode != C.paNoError {
		return newError(errCode)
	}
	s.isOpen = false
	return nil
}

// StartStream starts processing. Callback streams begin calling back.
func (s *Stream) StartStream() error {
	if !s.isOpen {
		return &Error{ErrBadStreamPtr}
	}
	return newError(C.Pa_StartStream(s.stream))
}

// StopStream stops after pending output has been played.
func (s *Stream) StopStream() error {
	if !s.isOpen {
		return &Error{ErrBadStreamPtr}
	}
	return newError(C.Pa_StopStream(s.stream))
}

// AbortStream stops immediately, discarding pending output.
func (s *Stream) AbortStream() error {
	if !s.isOpen {
		return &Error{ErrBadStreamPtr}
	}
	return newError(C.Pa_AbortStream(s.stream))
}

// IsActive reports whether the stream is currently processing audio.
func (s *Stream) IsActive() bool {
	if !s.isOpen {
		return false
	}
	return C.Pa_IsStreamActive(s.stream) == 1
}

// Info returns the host's view of the open stream: the actual sample rate
// and the input/output latency in seconds.
func (s *Stream) Info() (StreamInfo, error) {
	if !s.isOpen {
		return StreamInfo{}, &Error{ErrBadStreamPtr}
	}
	si := C.streamInfo(s.stream)
	if si == nil {
		return StreamInfo{}, &Error{ErrBadStreamPtr}
	}
	return StreamInfo{
		InputLatency:  Time(si.inputLatency),
		OutputLatency: Time(si.outputLatency),
		SampleRate:    float64(si.sampleRate),
	}, nil
}

// ReadAvailable returns how many frames can be read without blocking.
func (s *Stream) ReadAvailable() (int, error) {
	if !s.isOpen {
		return 0, &Error{ErrBadStreamPtr}
	}
	n := C.Pa_GetStreamReadAvailable(s.stream)
	if n < 0 {
		return 0, &Error{int(n)}
	}
	return int(n), nil
}

// WriteAvailable returns how many frames can be written without blocking.
func (s *Stream) WriteAvailable() (int, error) {
	if !s.isOpen {
		return 0, &Error{ErrBadStreamPtr}
	}
	n := C.Pa_GetStreamWriteAvailable(s.stream)
	if n < 0 {
		return 0, &Error{int(n)}
	}
	return int(n), nil
}

func checkBuffer(p *StreamParameters, frames int, buf []byte) error {
	if p == nil {
		return &Error{ErrBadStreamPtr}
	}
	if frames <= 0 {
		return errors.New("frames must be positive")
	}
	sampleSize := SampleSize(p.SampleFormat)
	if sampleSize == 0 {
		return errors.New("unsupported sample format")
	}
	if want := frames * p.ChannelCount * sampleSize; len(buf) != want {
		return fmt.Errorf("buffer size mismatch: expected %d bytes for %d frames, got %d bytes",
			want, frames, len(buf))
	}
	return nil
}

// Read blocks until frames interleaved frames of input are available and
// copies them into buf. An input overflow is returned as an *Error with
// code ErrInputOverflowed; buf still holds the data that was read.
func (s *Stream) Read(frames int, buf []byte) error {
	if !s.isOpen {
		return &Error{ErrBadStreamPtr}
	}
	if err := checkBuffer(s.Input, frames, buf); err != nil {
		return err
	}
	return newError(C.Pa_ReadStream(s.stream, unsafe.Pointer(&buf[0]), C.ulong(frames)))
}

// Write blocks until frames interleaved frames from buf have been queued.
// An output underflow is returned as an *Error with code
// ErrOutputUnderflowed.
func (s *Stream) Write(frames int, buf []byte) error {
	if !s.isOpen {
		return &Error{ErrBadStreamPtr}
	}
	if err := checkBuffer(s.Output, frames, buf); err != nil {
		return err
	}
	return newError(C.Pa_WriteStream(s.stream, unsafe.Pointer(&buf[0]), C.ulong(frames)))
}
