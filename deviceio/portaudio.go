package deviceio

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/drgolem/paengine/portaudio"
)

// PortAudioHost is the Host backed by the PortAudio library.
type PortAudioHost struct{}

func NewPortAudioHost() *PortAudioHost { return &PortAudioHost{} }

func (PortAudioHost) Initialize() error { return portaudio.Initialize() }
func (PortAudioHost) Terminate() error  { return portaudio.Terminate() }

func (PortAudioHost) HostAPIs() ([]HostAPIInfo, error) {
	apis, err := portaudio.HostApis()
	if err != nil {
		return nil, err
	}
	out := make([]HostAPIInfo, 0, len(apis))
	for _, a := range apis {
		out = append(out, HostAPIInfo{
			Index:         a.Index,
			Name:          a.Name,
			DefaultInput:  a.DefaultInputDevice,
			DefaultOutput: a.DefaultOutputDevice,
		})
	}
	return out, nil
}

func (PortAudioHost) Devices(hostAPI int) ([]DeviceInfo, error) {
	devices, err := portaudio.HostApiDevices(hostAPI)
	if err != nil {
		return nil, err
	}
	out := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceInfo{
			Index:             d.Index,
			Name:              d.Name,
			HostAPI:           d.HostApiIndex,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		})
	}
	return out, nil
}

func paParams(p StreamParams) (in, out *portaudio.StreamParameters) {
	if p.hasInput() {
		in = &portaudio.StreamParameters{
			DeviceIndex:  p.InputDevice,
			ChannelCount: p.InputChannels,
			SampleFormat: portaudio.SampleFmtFloat32,
		}
	}
	if p.hasOutput() {
		out = &portaudio.StreamParameters{
			DeviceIndex:  p.OutputDevice,
			ChannelCount: p.OutputChannels,
			SampleFormat: portaudio.SampleFmtFloat32,
		}
	}
	return in, out
}

func (PortAudioHost) IsFormatSupported(p StreamParams) error {
	in, out := paParams(p)
	return portaudio.IsFormatSupported(in, out, p.SampleRate)
}

func (PortAudioHost) OpenStream(p StreamParams, cb HostCallback) (Stream, error) {
	in, out := paParams(p)
	flags := portaudio.ClipOff | portaudio.DitherOff

	if cb == nil {
		s, err := portaudio.OpenStream(in, out, p.SampleRate, p.Period, flags)
		if err != nil {
			return nil, err
		}
		return &paStream{s: s}, nil
	}

	s, err := portaudio.OpenCallbackStream(in, out, p.SampleRate, p.Period, flags,
		func(input, output []byte, frames uint, _ *portaudio.StreamCallbackTimeInfo, status portaudio.StreamCallbackFlags) portaudio.StreamCallbackResult {
			if cb(floats(input), floats(output), int(frames), status.XRun()) {
				return portaudio.Continue
			}
			return portaudio.Abort
		})
	if err != nil {
		return nil, err
	}
	return &paStream{s: s}, nil
}

// floats reinterprets a native float32 buffer without copying.
func floats(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func bytesOf(f []float32) []byte {
	if len(f) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&f[0])), len(f)*4)
}

type paStream struct {
	s       *portaudio.Stream
	started atomic.Bool
}

func (p *paStream) Start() error {
	if err := p.s.StartStream(); err != nil {
		return err
	}
	p.started.Store(true)
	return nil
}

// Stop aborts a started stream; stopping twice is a no-op.
func (p *paStream) Stop() error {
	if !p.started.CompareAndSwap(true, false) {
		return nil
	}
	return p.s.AbortStream()
}

func (p *paStream) Close() error { return p.s.Close() }

func (p *paStream) Read(buf []float32) error {
	if p.s.Input == nil {
		return nil
	}
	return xrunOr(p.s.Read(len(buf)/p.s.Input.ChannelCount, bytesOf(buf)))
}

func (p *paStream) Write(buf []float32) error {
	if p.s.Output == nil {
		return nil
	}
	return xrunOr(p.s.Write(len(buf)/p.s.Output.ChannelCount, bytesOf(buf)))
}

func (p *paStream) Info() StreamInfo {
	info, err := p.s.Info()
	if err != nil {
		return StreamInfo{SampleRate: p.s.SampleRate}
	}
	return StreamInfo{
		InputLatency:  float64(info.InputLatency),
		OutputLatency: float64(info.OutputLatency),
		SampleRate:    info.SampleRate,
	}
}

func xrunOr(err error) error {
	if portaudio.IsXRun(err) {
		return fmt.Errorf("%w: %v", ErrXRun, err)
	}
	return err
}
