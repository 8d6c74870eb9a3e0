package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/drgolem/paengine/mididevice"
)

func newMidiCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "midi",
		Short: "List MIDI ports and their configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.listMidi()
		},
	}
}

func (a *app) listMidi() error {
	drv, err := rtmididrv.New()
	if err != nil {
		return fmt.Errorf("rtmidi: %w", err)
	}
	defer drv.Close()

	m := mididevice.NewManager(mididevice.NewDriver(drv, a.log), a.settings.MidiOptions(), a.log)
	m.Discover()

	show := func(dir string, names []string) {
		fmt.Printf("%s ports: %d\n", dir, len(names))
		for i, name := range names {
			c := m.DeviceConfig(name)
			fmt.Printf("  [%d] %s enabled=%v input_latency=%d output_latency=%d\n",
				i, name, c.Enabled, c.InputLatency, c.OutputLatency)
		}
	}
	show("input", m.InputNames())
	show("output", m.OutputNames())
	return nil
}
