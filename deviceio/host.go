package deviceio

import "errors"

// ErrXRun marks a Read or Write that lost data but left the stream running.
var ErrXRun = errors.New("deviceio: xrun")

// HostAPIInfo describes one native audio API (ALSA, CoreAudio, WASAPI, ...).
type HostAPIInfo struct {
	Index int
	Name  string
	// Default devices as global device indices, -1 when absent.
	DefaultInput  int
	DefaultOutput int
}

// DeviceInfo describes one native device as the host reports it.
type DeviceInfo struct {
	Index             int
	Name              string
	HostAPI           int
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
}

// StreamParams is a fully resolved open request. A direction with device
// index -1 or zero channels is absent.
type StreamParams struct {
	InputDevice    int
	InputChannels  int
	OutputDevice   int
	OutputChannels int
	SampleRate     float64
	Period         int
}

func (p StreamParams) hasInput() bool  { return p.InputDevice >= 0 && p.InputChannels > 0 }
func (p StreamParams) hasOutput() bool { return p.OutputDevice >= 0 && p.OutputChannels > 0 }

// StreamInfo is the host's answer after opening: latencies in seconds and
// the rate the hardware actually runs at.
type StreamInfo struct {
	InputLatency  float64
	OutputLatency float64
	SampleRate    float64
}

// HostCallback is invoked by the host once per period on its own thread
// with interleaved float32 buffers. Returning false aborts the stream.
type HostCallback func(in, out []float32, frames int, xrun bool) bool

// Host is the native audio API. Stream is what it opens.
type Host interface {
	Initialize() error
	Terminate() error
	HostAPIs() ([]HostAPIInfo, error)
	Devices(hostAPI int) ([]DeviceInfo, error)
	IsFormatSupported(p StreamParams) error
	// OpenStream opens for blocking Read/Write when cb is nil.
	OpenStream(p StreamParams, cb HostCallback) (Stream, error)
}

type Stream interface {
	Start() error
	Stop() error
	Close() error
	// Read and Write transfer one period of interleaved samples. Transient
	// data loss is reported with an error wrapping ErrXRun.
	Read(buf []float32) error
	Write(buf []float32) error
	Info() StreamInfo
}
