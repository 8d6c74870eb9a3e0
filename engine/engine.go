// Package engine runs the real-time audio and MIDI cycle between the
// hardware (deviceio, mididevice) and a port graph owned by an external
// session engine.
package engine

import (
	"errors"
	"fmt"
	"time"
)

// Engine is the session engine the backend serves. Process runs on the
// thread driving the cycle; the other callbacks run on whichever thread
// caused them and must not block for long.
type Engine interface {
	SampleRateChange(rate float64) error
	BufferSizeChange(frames int) error

	// Process renders one cycle. An error stops the backend.
	Process(frames int) error

	Freewheel(on bool)
	XRun()
	Halted(reason string)
	LatencyChanged(playback bool)

	ReestablishPorts() error
	ReconnectPorts() error
	RegistrationChanged()
	GraphOrderChanged()
	ConnectionChanged(src, dst string, connected bool)

	// ThreadInit runs on a thread that is about to drive cycles for the
	// first time.
	ThreadInit()
}

// NopEngine implements Engine by doing nothing. Embed it to override only
// the callbacks you need.
type NopEngine struct{}

func (NopEngine) SampleRateChange(float64) error         { return nil }
func (NopEngine) BufferSizeChange(int) error             { return nil }
func (NopEngine) Process(int) error                      { return nil }
func (NopEngine) Freewheel(bool)                         {}
func (NopEngine) XRun()                                  {}
func (NopEngine) Halted(string)                          {}
func (NopEngine) LatencyChanged(bool)                    {}
func (NopEngine) ReestablishPorts() error                { return nil }
func (NopEngine) ReconnectPorts() error                  { return nil }
func (NopEngine) RegistrationChanged()                   {}
func (NopEngine) GraphOrderChanged()                     {}
func (NopEngine) ConnectionChanged(string, string, bool) {}
func (NopEngine) ThreadInit()                            {}

// State is the backend lifecycle state.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Freewheeling
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Freewheeling:
		return "freewheeling"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Mode selects who drives the cycle.
type Mode int

const (
	// ModeCallback lets the audio host call into the backend each period.
	ModeCallback Mode = iota
	// ModeBlocking runs the cycle on the backend's own thread using
	// blocking reads and writes.
	ModeBlocking
)

func (m Mode) String() string {
	if m == ModeBlocking {
		return "blocking"
	}
	return "callback"
}

// ParseMode accepts "callback" and "blocking".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "callback":
		return ModeCallback, nil
	case "blocking":
		return ModeBlocking, nil
	}
	return 0, fmt.Errorf("engine: unknown mode %q", s)
}

var (
	ErrAlreadyRunning   = errors.New("engine: already running")
	ErrNotRunning       = errors.New("engine: not running")
	ErrStartTimeout     = errors.New("engine: audio device did not start in time")
	ErrFreewheelTimeout = errors.New("engine: freewheel change not acknowledged in time")
)

// Reason classifies a start failure for display.
type Reason string

const (
	ReasonDevice     Reason = "device"
	ReasonFormat     Reason = "format"
	ReasonPermission Reason = "permission"
	ReasonTimeout    Reason = "timeout"
	ReasonEngine     Reason = "engine"
)

// StartError is returned by Start.
type StartError struct {
	Reason Reason
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("engine: start failed (%s): %v", e.Reason, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// DeviceNone and DeviceDefault are the special device names in Config.
const (
	DeviceNone    = "none"
	DeviceDefault = ""
)

// Config selects and shapes the audio stream.
type Config struct {
	HostAPI      string
	InputDevice  string
	OutputDevice string

	// Requested channel counts; zero or too many means all the device has.
	InputChannels  int
	OutputChannels int

	SampleRate float64
	Period     int
	Mode       Mode

	// StartTimeout bounds the wait for the first cycle.
	StartTimeout time.Duration

	// Systemic latency in samples added to the physical audio ports.
	SystemicInputLatency  uint32
	SystemicOutputLatency uint32

	// Priority is the real-time priority requested for the blocking-mode
	// thread (1..99). Zero keeps normal priority.
	Priority int
}

// DefaultStartTimeout is used when Config.StartTimeout is zero.
const DefaultStartTimeout = 5 * time.Second

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Period <= 0 {
		c.Period = 1024
	}
	return c
}
