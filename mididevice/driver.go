// Package mididevice moves MIDI between hardware ports and the audio cycle.
//
// Each input device parses raw driver bytes into complete messages,
// timestamps them with cycleclock.Now and queues them for the audio thread.
// Each output device owns a worker goroutine that sends queued messages at
// their scheduled time. A Manager starts and stops all devices as a unit.
package mididevice

import (
	"fmt"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"go.uber.org/zap"

	"github.com/drgolem/paengine/midiqueue"
)

// InPort is a hardware MIDI source.
type InPort interface {
	Name() string
	// Listen opens the port and calls recv from the driver's context for
	// every chunk of bytes received. The returned function stops listening
	// and closes the port.
	Listen(recv func(data []byte)) (stop func() error, err error)
}

// OutPort is a hardware MIDI sink.
type OutPort interface {
	Name() string
	Open() error
	Send(msg []byte) error
	Close() error
}

// Driver enumerates MIDI ports.
type Driver interface {
	Inputs() ([]InPort, error)
	Outputs() ([]OutPort, error)
}

type gomidiDriver struct {
	drv drivers.Driver
	log *zap.Logger
}

// NewDriver adapts a gomidi driver (rtmididrv, portmididrv, ...).
func NewDriver(drv drivers.Driver, logger *zap.Logger) Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &gomidiDriver{drv: drv, log: logger.Named("midi")}
}

func (g *gomidiDriver) Inputs() ([]InPort, error) {
	ins, err := g.drv.Ins()
	if err != nil {
		return nil, fmt.Errorf("mididevice: list inputs: %w", err)
	}
	ports := make([]InPort, 0, len(ins))
	for _, in := range ins {
		ports = append(ports, &gomidiIn{in: in, log: g.log})
	}
	return ports, nil
}

func (g *gomidiDriver) Outputs() ([]OutPort, error) {
	outs, err := g.drv.Outs()
	if err != nil {
		return nil, fmt.Errorf("mididevice: list outputs: %w", err)
	}
	ports := make([]OutPort, 0, len(outs))
	for _, out := range outs {
		ports = append(ports, gomidiOut{out})
	}
	return ports, nil
}

type gomidiIn struct {
	in  drivers.In
	log *zap.Logger
}

func (p *gomidiIn) Name() string { return p.in.String() }

func (p *gomidiIn) Listen(recv func([]byte)) (func() error, error) {
	if err := p.in.Open(); err != nil {
		return nil, fmt.Errorf("mididevice: open %q: %w", p.in.String(), err)
	}
	stop, err := midi.ListenTo(p.in, func(msg midi.Message, _ int32) {
		recv(msg.Bytes())
	},
		midi.UseSysEx(),
		midi.SysExBufferSize(midiqueue.MaxEventSize),
		midi.HandleError(func(err error) {
			p.log.Warn("listen error", zap.String("device", p.in.String()), zap.Error(err))
		}),
	)
	if err != nil {
		_ = p.in.Close()
		return nil, fmt.Errorf("mididevice: listen %q: %w", p.in.String(), err)
	}
	return func() error {
		stop()
		return p.in.Close()
	}, nil
}

type gomidiOut struct{ out drivers.Out }

func (p gomidiOut) Name() string          { return p.out.String() }
func (p gomidiOut) Open() error           { return p.out.Open() }
func (p gomidiOut) Send(msg []byte) error { return p.out.Send(msg) }
func (p gomidiOut) Close() error          { return p.out.Close() }
