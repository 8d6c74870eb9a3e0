package portaudio

import (
	"errors"
	"fmt"
	"testing"
)

func initialize(t *testing.T) {
	t.Helper()
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { _ = Terminate() })
}

// duplexDevice returns the default device of the default host API if it
// has both inputs and outputs.
func duplexDevice(t *testing.T) *DeviceInfo {
	t.Helper()
	api, err := DefaultHostApi()
	if err != nil {
		t.Skip("No default host API")
	}
	info, err := GetHostApiInfo(api)
	if err != nil || info.DefaultOutputDevice < 0 {
		t.Skip("No default output device available")
	}
	di, err := GetDeviceInfo(info.DefaultOutputDevice)
	if err != nil || di.MaxInputChannels == 0 || di.MaxOutputChannels == 0 {
		t.Skip("Default device is not full duplex")
	}
	return di
}

func TestInitializeTerminate(t *testing.T) {
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := Terminate(); err != nil {
		t.Errorf("Terminate failed: %v", err)
	}
}

func TestMultipleInitialize(t *testing.T) {
	if err := Initialize(); err != nil {
		t.Fatalf("First Initialize failed: %v", err)
	}
	if err := Initialize(); err != nil {
		t.Fatalf("Second Initialize failed: %v", err)
	}
	if err := Terminate(); err != nil {
		t.Errorf("First Terminate failed: %v", err)
	}
	if err := Terminate(); err != nil {
		t.Errorf("Second Terminate failed: %v", err)
	}
	// unmatched Terminate is a no-op
	if err := Terminate(); err != nil {
		t.Errorf("Extra Terminate failed: %v", err)
	}
}

func TestVersionText(t *testing.T) {
	initialize(t)
	if VersionText() == "" {
		t.Error("VersionText returned empty string")
	}
}

func TestSampleSize(t *testing.T) {
	tests := []struct {
		name     string
		format   SampleFormat
		expected int
	}{
		{"Float32", SampleFmtFloat32, 4},
		{"Int32", SampleFmtInt32, 4},
		{"Int24", SampleFmtInt24, 3},
		{"Int16", SampleFmtInt16, 2},
		{"Int8", SampleFmtInt8, 1},
		{"UInt8", SampleFmtUInt8, 1},
		{"Unknown", SampleFormat(0x7000), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if size := SampleSize(tt.format); size != tt.expected {
				t.Errorf("SampleSize(%v) = %d, want %d", tt.format, size, tt.expected)
			}
		})
	}
}

func TestIsXRun(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"input overflow", &Error{ErrInputOverflowed}, true},
		{"output underflow", &Error{ErrOutputUnderflowed}, true},
		{"wrapped", fmt.Errorf("read: %w", &Error{ErrInputOverflowed}), true},
		{"device unavailable", &Error{ErrDeviceUnavailable}, false},
		{"host error", &UnanticipatedHostError{Code: -9999}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsXRun(tt.err); got != tt.want {
				t.Errorf("IsXRun(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCallbackFlagsXRun(t *testing.T) {
	if StreamCallbackFlags(0).XRun() {
		t.Error("no flags must not be an xrun")
	}
	if PrimingOutput.XRun() {
		t.Error("priming is not an xrun")
	}
	for _, f := range []StreamCallbackFlags{InputUnderflow, InputOverflow, OutputUnderflow, OutputOverflow} {
		if !(f | PrimingOutput).XRun() {
			t.Errorf("flag %#x should be an xrun", f)
		}
	}
}

func TestUnanticipatedHostErrorText(t *testing.T) {
	e := &UnanticipatedHostError{Text: "Unanticipated host error", HostErrorCode: -32, HostErrorText: "Broken pipe"}
	if got := e.Error(); got != "Unanticipated host error [Host API error -32: Broken pipe]" {
		t.Errorf("unexpected text %q", got)
	}
	e.HostErrorText = ""
	if got := e.Error(); got != "Unanticipated host error [Host API error -32]" {
		t.Errorf("unexpected text %q", got)
	}
}

func TestDevices(t *testing.T) {
	initialize(t)

	devices, err := Devices()
	if err != nil {
		t.Fatalf("Devices failed: %v", err)
	}
	if len(devices) == 0 {
		t.Skip("No audio devices available")
	}
	for i, device := range devices {
		if device.Name == "" {
			t.Errorf("Device %d has empty name", i)
		}
		if device.Index != i {
			t.Errorf("Device %d reports index %d", i, device.Index)
		}
	}

	if _, err := GetDeviceInfo(-1); err == nil {
		t.Error("GetDeviceInfo(-1) should fail")
	}
}

func TestHostApiDevices(t *testing.T) {
	initialize(t)

	apis, err := HostApis()
	if err != nil {
		t.Fatalf("HostApis failed: %v", err)
	}
	if len(apis) == 0 {
		t.Skip("No host APIs available")
	}
	for _, api := range apis {
		devices, err := HostApiDevices(api.Index)
		if err != nil {
			t.Fatalf("HostApiDevices(%d) failed: %v", api.Index, err)
		}
		if len(devices) != api.DeviceCount {
			t.Errorf("%s: expected %d devices, got %d", api.Name, api.DeviceCount, len(devices))
		}
		for _, d := range devices {
			if d.HostApiIndex != api.Index {
				t.Errorf("%s lists device %q of host API %d", api.Name, d.Name, d.HostApiIndex)
			}
		}
	}
}

func TestIsFormatSupported(t *testing.T) {
	initialize(t)
	dev := duplexDevice(t)

	tests := []struct {
		name       string
		channels   int
		sampleRate float64
		shouldPass bool
	}{
		{"Mono default rate", 1, dev.DefaultSampleRate, true},
		{"Invalid sample rate", 1, 1, false},
		{"Too many channels", 999, dev.DefaultSampleRate, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &StreamParameters{DeviceIndex: dev.Index, ChannelCount: tt.channels, SampleFormat: SampleFmtFloat32}
			err := IsFormatSupported(p, p, tt.sampleRate)
			if tt.shouldPass && err != nil {
				t.Errorf("Expected format to be supported, got error: %v", err)
			}
			if !tt.shouldPass && err == nil {
				t.Error("Expected format to be unsupported, but got no error")
			}
		})
	}
}

func TestBlockingDuplexLifecycle(t *testing.T) {
	initialize(t)
	dev := duplexDevice(t)

	in := &StreamParameters{DeviceIndex: dev.Index, ChannelCount: 1, SampleFormat: SampleFmtFloat32}
	out := &StreamParameters{DeviceIndex: dev.Index, ChannelCount: 1, SampleFormat: SampleFmtFloat32}
	stream, err := OpenStream(in, out, dev.DefaultSampleRate, 256, ClipOff|DitherOff)
	if err != nil {
		t.Skipf("Device refused duplex stream: %v", err)
	}
	defer stream.Close()

	info, err := stream.Info()
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.SampleRate <= 0 {
		t.Errorf("Expected positive actual sample rate, got %f", info.SampleRate)
	}

	if err := stream.StartStream(); err != nil {
		t.Fatalf("StartStream failed: %v", err)
	}
	if !stream.IsActive() {
		t.Error("Stream should be active after start")
	}

	buf := make([]byte, 256*4)
	for i := 0; i < 4; i++ {
		if err := stream.Read(256, buf); err != nil && !IsXRun(err) {
			t.Fatalf("Read failed: %v", err)
		}
		if err := stream.Write(256, buf); err != nil && !IsXRun(err) {
			t.Fatalf("Write failed: %v", err)
		}
	}

	if err := stream.Write(128, buf); err == nil {
		t.Error("Write with mismatched buffer should fail")
	}

	if err := stream.AbortStream(); err != nil {
		t.Errorf("AbortStream failed: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if stream.IsOpen() {
		t.Error("Stream should be closed")
	}
	if err := stream.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
}

func TestCallbackStreamLifecycle(t *testing.T) {
	initialize(t)
	dev := duplexDevice(t)

	in := &StreamParameters{DeviceIndex: dev.Index, ChannelCount: 1, SampleFormat: SampleFmtFloat32}
	out := &StreamParameters{DeviceIndex: dev.Index, ChannelCount: 1, SampleFormat: SampleFmtFloat32}
	callback := func(input, output []byte, frameCount uint,
		timeInfo *StreamCallbackTimeInfo,
		flags StreamCallbackFlags) StreamCallbackResult {
		copy(output, input)
		return Continue
	}

	stream, err := OpenCallbackStream(in, out, dev.DefaultSampleRate, 256, NoFlag, callback)
	if err != nil {
		t.Skipf("Device refused duplex callback stream: %v", err)
	}
	if stream.callbackID == 0 {
		t.Error("Callback should be registered")
	}
	if err := stream.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, ok := getCallbackInfo(stream.callbackID); ok || stream.callbackID != 0 {
		t.Error("Callback should be unregistered after Close")
	}
}

func TestInvalidOperations(t *testing.T) {
	if _, err := OpenStream(nil, nil, 48000, 256, NoFlag); err == nil {
		t.Error("OpenStream without directions should fail")
	}
	p := &StreamParameters{ChannelCount: 2, SampleFormat: SampleFmtFloat32}
	if _, err := OpenStream(p, nil, 48000, 0, NoFlag); err == nil {
		t.Error("OpenStream with zero frames should fail")
	}
	if _, err := OpenCallbackStream(p, nil, 48000, 256, NoFlag, nil); err == nil {
		t.Error("OpenCallbackStream without a callback should fail")
	}

	var s Stream
	if err := s.StartStream(); !HasCode(err, ErrBadStreamPtr) {
		t.Errorf("StartStream on unopened stream: %v", err)
	}
	if err := s.Read(1, make([]byte, 4)); !HasCode(err, ErrBadStreamPtr) {
		t.Errorf("Read on unopened stream: %v", err)
	}
	if s.IsActive() {
		t.Error("unopened stream cannot be active")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close on unopened stream should be a no-op, got %v", err)
	}
}
