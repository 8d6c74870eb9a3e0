package portaudio

/*
#cgo pkg-config: portaudio-2.0
#include <portaudio.h>
#include <stdlib.h>

extern int goCallbackBridge(void *input, void *output,
                            unsigned long frameCount,
                            void *timeInfo,
                            unsigned long statusFlags,
                            long streamId);

static int paStreamCallbackWrapper(const void *input, void *output,
                                   unsigned long frameCount,
                                   const PaStreamCallbackTimeInfo* timeInfo,
                                   PaStreamCallbackFlags statusFlags,
                                   void *userData) {
    long streamId = *(long*)userData;
    return goCallbackBridge((void*)input, output, frameCount,
                           (void*)timeInfo, (unsigned long)statusFlags, streamId);
}

static int openCallbackStream(void** stream,
                              void* in,
                              void* out,
                              double sampleRate,
                              unsigned long framesPerBuffer,
                              unsigned long flags,
                              void *userData) {
    return Pa_OpenStream((PaStream**)stream,
                        (const PaStreamParameters*)in,
                        (const PaStreamParameters*)out,
                        sampleRate, framesPerBuffer,
                        (PaStreamFlags)flags,
                        paStreamCallbackWrapper, userData);
}
*/
import "C"
import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"
)

// StreamCallback is invoked on PortAudio's real-time thread once per
// buffer. input is nil for output-only streams and output is nil for
// input-only streams. Both are interleaved and valid only for the
// duration of the call.
type StreamCallback func(
	input, output []byte,
	frameCount uint,
	timeInfo *StreamCallbackTimeInfo,
	statusFlags StreamCallbackFlags,
) StreamCallbackResult

// StreamCallbackResult tells PortAudio what to do after a callback.
type StreamCallbackResult int

const (
	// Continue keeps the callback running.
	Continue StreamCallbackResult = 0
	// Complete plays out the buffered output, then stops.
	Complete StreamCallbackResult = 1
	// Abort stops at once, discarding buffered output.
	Abort StreamCallbackResult = 2
)

// StreamCallbackFlags report the stream's condition for one callback.
type StreamCallbackFlags uint

const (
	// InputUnderflow means input was missing and the buffer holds silence.
	InputUnderflow StreamCallbackFlags = 0x00000001
	// InputOverflow means input was discarded before this callback.
	InputOverflow StreamCallbackFlags = 0x00000002
	// OutputUnderflow means a gap was inserted into the output.
	OutputUnderflow StreamCallbackFlags = 0x00000004
	// OutputOverflow means output from this callback will be discarded.
	OutputOverflow StreamCallbackFlags = 0x00000008
	// PrimingOutput marks callbacks that fill the initial output buffers;
	// the input is silence.
	PrimingOutput StreamCallbackFlags = 0x00000010
)

// XRun reports whether the flags signal lost or discarded audio.
func (f StreamCallbackFlags) XRun() bool {
	return f&(InputUnderflow|InputOverflow|OutputUnderflow|OutputOverflow) != 0
}

// StreamCallbackTimeInfo carries stream clock times for one callback.
type StreamCallbackTimeInfo struct {
	InputBufferAdcTime  Time // capture time of the first input sample
	CurrentTime         Time // time the callback was invoked
	OutputBufferDacTime Time // playback time of the first output sample
}

type streamCallbackInfo struct {
	callback    StreamCallback
	inChannels  int
	inFormat    SampleFormat
	outChannels int
	outFormat   SampleFormat
	// reused for every call; PortAudio never calls one stream concurrently
	timeInfo StreamCallbackTimeInfo
}

// The registry maps integer stream IDs to callbacks so no Go pointer is
// ever handed to C.
var (
	callbackRegistry   = make(map[int]*streamCallbackInfo)
	callbackRegistryMu sync.RWMutex
	nextStreamID       = 1
)

var panicHandler atomic.Pointer[func(streamID int, v any)]

// SetPanicHandler installs h to receive any panic recovered from a
// callback; nil removes it. The stream is aborted either way.
func SetPanicHandler(h func(streamID int, v any)) {
	if h == nil {
		panicHandler.Store(nil)
		return
	}
	panicHandler.Store(&h)
}

func registerCallback(info *streamCallbackInfo) int {
	callbackRegistryMu.Lock()
	defer callbackRegistryMu.Unlock()

	id := nextStreamID
	nextStreamID++
	callbackRegistry[id] = info
	return id
}

func unregisterCallback(id int) {
	callbackRegistryMu.Lock()
	defer callbackRegistryMu.Unlock()
	delete(callbackRegistry, id)
}

func getCallbackInfo(id int) (*streamCallbackInfo, bool) {
	callbackRegistryMu.RLock()
	defer callbackRegistryMu.RUnlock()
	info, ok := callbackRegistry[id]
	return info, ok
}

// OpenCallbackStream opens a stream driven by callback. Low default
// latencies are used unless the parameters suggest their own.
func OpenCallbackStream(in, out *StreamParameters, sampleRate float64, framesPerBuffer int, flags StreamFlags, callback StreamCallback) (*Stream, error) {
	if in == nil && out == nil {
		return nil, errors.New("stream needs an input or an output")
	}
	if framesPerBuffer <= 0 {
		return nil, errors.New("framesPerBuffer must be positive")
	}
	if callback == nil {
		return nil, errors.New("callback cannot be nil")
	}

	inParams, err := toCParams(in, true, false)
	if err != nil {
		return nil, err
	}
	outParams, err := toCParams(out, false, false)
	if err != nil {
		return nil, err
	}

	info := &streamCallbackInfo{callback: callback}
	if in != nil {
		info.inChannels, info.inFormat = in.ChannelCount, in.SampleFormat
	}
	if out != nil {
		info.outChannels, info.outFormat = out.ChannelCount, out.SampleFormat
	}

	s := &Stream{Input: in, Output: out, SampleRate: sampleRate, Frames: framesPerBuffer}
	s.callbackID = registerCallback(info)

	// The ID lives in C memory; converting an int to a pointer would trip
	// checkptr under -race.
	idPtr := (*C.long)(C.malloc(C.size_t(unsafe.Sizeof(C.long(0)))))
	*idPtr = C.long(s.callbackID)
	s.callbackIDPtr = unsafe.Pointer(idPtr)

	errCode := C.openCallbackStream(&s.stream,
		unsafe.Pointer(inParams),
		unsafe.Pointer(outParams),
		C.double(sampleRate),
		C.ulong(framesPerBuffer),
		C.ulong(flags),
		s.callbackIDPtr)
	if errCode != C.paNoError {
		unregisterCallback(s.callbackID)
		s.callbackID = 0
		s.freeCallbackID()
		return nil, newError(C.PaError(errCode))
	}
	s.isOpen = true
	return s, nil
}

func (s *Stream) freeCallbackID() {
	if s.callbackIDPtr != nil {
		C.free(s.callbackIDPtr)
		s.callbackIDPtr = nil
	}
}

func byteView(p unsafe.Pointer, frames uint, channels int, format SampleFormat) []byte {
	if p == nil || channels == 0 {
		return nil
	}
	n := int(frames) * channels * SampleSize(format)
	if n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(p), n)
}

//export goCallbackBridge
func goCallbackBridge(input, output unsafe.Pointer,
	frameCount C.ulong,
	timeInfo unsafe.Pointer,
	statusFlags C.ulong,
	streamID C.long) (result C.int) {

	defer func() {
		if r := recover(); r != nil {
			if h := panicHandler.Load(); h != nil {
				(*h)(int(streamID), r)
			}
			result = C.int(Abort)
		}
	}()

	info, ok := getCallbackInfo(int(streamID))
	if !ok {
		return C.int(Abort)
	}

	frames := uint(frameCount)
	inBuf := byteView(input, frames, info.inChannels, info.inFormat)
	outBuf := byteView(output, frames, info.outChannels, info.outFormat)

	var ti *StreamCallbackTimeInfo
	if timeInfo != nil {
		c := (*C.PaStreamCallbackTimeInfo)(timeInfo)
		info.timeInfo.InputBufferAdcTime = Time(c.inputBufferAdcTime)
		info.timeInfo.CurrentTime = Time(c.currentTime)
		info.timeInfo.OutputBufferDacTime = Time(c.outputBufferDacTime)
		ti = &info.timeInfo
	}

	return C.int(info.callback(inBuf, outBuf, frames, ti, StreamCallbackFlags(statusFlags)))
}
