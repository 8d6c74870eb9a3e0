package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drgolem/paengine/deviceio"
	"github.com/drgolem/paengine/portaudio"
)

func newDevicesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List host APIs and audio devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.listDevices()
		},
	}
}

func (a *app) listDevices() error {
	fmt.Printf("version: %s\n", portaudio.VersionText())

	dev := deviceio.New(deviceio.NewPortAudioHost(), a.log)
	if err := dev.Init(); err != nil {
		return err
	}
	defer func() {
		if err := dev.Deinit(); err != nil {
			a.log.Warn("deinit", zap.Error(err))
		}
	}()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	for _, api := range dev.HostAPIs() {
		if err := dev.SetHostAPI(api); err != nil {
			fmt.Fprintf(w, "%s\tERR: %v\n", api, err)
			continue
		}
		fmt.Fprintf(w, "\n[%s]\n", api)
		fmt.Fprintln(w, "DIR\tNAME\tIN\tOUT\tDEFAULT RATE\tRATES")
		for _, d := range dev.InputDevices() {
			fmt.Fprintf(w, "capture\t%s\t%d\t%d\t%.0f\t%v\n", d.Name, d.MaxInputChannels, d.MaxOutputChannels,
				d.DefaultSampleRate, dev.AvailableSampleRates(d.ID, deviceio.DeviceNone))
		}
		for _, d := range dev.OutputDevices() {
			fmt.Fprintf(w, "playback\t%s\t%d\t%d\t%.0f\t%v\n", d.Name, d.MaxInputChannels, d.MaxOutputChannels,
				d.DefaultSampleRate, dev.AvailableSampleRates(deviceio.DeviceNone, d.ID))
		}
	}
	return nil
}
