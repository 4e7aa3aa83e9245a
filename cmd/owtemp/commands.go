// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"periph.io/x/conn/v3/physic"

	"github.com/GermanBionicSystems/thermowire/screen1d"
	"github.com/GermanBionicSystems/thermowire/sensorreg"
	"github.com/GermanBionicSystems/thermowire/tempchart"
)

var errNoSensor = errors.New("no thermometer found")

func newListCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Search the bus and print the thermometers found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, done, err := f.openRegistry(cmd)
			if err != nil {
				return err
			}
			defer done()
			if err := reg.List(); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, s := range reg.Sensors() {
				power := "external"
				if s.Parasitic() {
					power = "parasitic"
				}
				fmt.Fprintf(w, "%s %s %s\n", s.ROM(), s.Family(), power)
			}
			return nil
		},
	}
}

func newReadCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "Search the bus, convert once and print the temperatures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, done, err := f.openRegistry(cmd)
			if err != nil {
				return err
			}
			defer done()
			if err := reg.List(); err != nil {
				return err
			}
			r, err := convert(reg)
			if err != nil {
				return err
			}
			printReadings(cmd.OutOrStdout(), r)
			return nil
		},
	}
}

func newWatchCmd(f *flags) *cobra.Command {
	var interval time.Duration
	var count int
	var strip bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Search the bus once, then read the temperatures periodically",
		Long: `Search the bus once, then convert and read all the thermometers at every
interval until interrupted. A failed conversion is logged and the next one is
attempted at the following tick.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return errors.New("--interval must be positive")
			}
			reg, done, err := f.openRegistry(cmd)
			if err != nil {
				return err
			}
			defer done()
			if err := reg.List(); err != nil {
				return err
			}
			n := len(reg.Sensors())
			if n == 0 {
				return errNoSensor
			}
			w := cmd.OutOrStdout()
			var d *screen1d.Dev
			if strip {
				d = screen1d.New(&screen1d.Opts{X: n, W: w})
				defer d.Halt()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			log := f.logger(cmd.ErrOrStderr())
			t := clockwork.NewRealClock().NewTicker(interval)
			defer t.Stop()
			for i := 0; count == 0 || i < count; i++ {
				if i != 0 {
					select {
					case <-ctx.Done():
						return nil
					case <-t.Chan():
					}
				}
				r, err := convert(reg)
				if err != nil {
					log.Warn("conversion failed", "err", err)
					continue
				}
				if d != nil {
					if err := d.ShowReadings(r); err != nil {
						return err
					}
					continue
				}
				printReadings(w, r)
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&interval, "interval", "i", 5*time.Second, "Time between conversions")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Number of conversions, 0 for no limit")
	cmd.Flags().BoolVar(&strip, "strip", false, "Show a color strip instead of values")
	return cmd
}

func newSaveCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "save FILE",
		Short: "Search the bus and save the thermometers found to FILE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, done, err := f.openRegistry(cmd)
			if err != nil {
				return err
			}
			defer done()
			if err := reg.List(); err != nil {
				return err
			}
			b, err := reg.MarshalBinary()
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], b, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %d sensors to %s\n", len(b)/sensorreg.RecordSize, args[0])
			return nil
		},
	}
}

func newLoadCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "load FILE",
		Short: "Read the thermometers saved in FILE without searching the bus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			reg, done, err := f.openRegistry(cmd)
			if err != nil {
				return err
			}
			defer done()
			if err := reg.UnmarshalBinary(b); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			r, err := convert(reg)
			if err != nil {
				return err
			}
			printReadings(cmd.OutOrStdout(), r)
			return nil
		},
	}
}

func newChartCmd(f *flags) *cobra.Command {
	o := tempchart.DefaultOpts
	var lo, hi float64
	cmd := &cobra.Command{
		Use:   "chart FILE",
		Short: "Search the bus, convert once and draw the temperatures to a PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.Min = celsius(lo)
			o.Max = celsius(hi)
			reg, done, err := f.openRegistry(cmd)
			if err != nil {
				return err
			}
			defer done()
			if err := reg.List(); err != nil {
				return err
			}
			r, err := convert(reg)
			if err != nil {
				return err
			}
			out, err := os.Create(args[0])
			if err != nil {
				return err
			}
			if err := tempchart.Encode(out, r, &o); err != nil {
				_ = out.Close()
				return err
			}
			return out.Close()
		},
	}
	cmd.Flags().IntVar(&o.Width, "width", o.Width, "Image width in pixels")
	cmd.Flags().IntVar(&o.Height, "height", o.Height, "Image height in pixels")
	cmd.Flags().Float64Var(&lo, "min", 0, "Temperature at the bottom of the chart, in °C")
	cmd.Flags().Float64Var(&hi, "max", 40, "Temperature at the top of the chart, in °C")
	return cmd
}

// convert runs one conversion on the registry and reads it back.
func convert(reg *sensorreg.Registry) ([]sensorreg.Reading, error) {
	if len(reg.Sensors()) == 0 {
		return nil, errNoSensor
	}
	return reg.Cycle()
}

func printReadings(w io.Writer, r []sensorreg.Reading) {
	for i := range r {
		if r[i].Err != nil {
			fmt.Fprintf(w, "%s %s error: %v\n", r[i].Sensor.ROM(), r[i].Sensor.Family(), r[i].Err)
			continue
		}
		fmt.Fprintf(w, "%s %s %.3f°C\n", r[i].Sensor.ROM(), r[i].Sensor.Family(), r[i].Temp.Celsius())
	}
}

func celsius(c float64) physic.Temperature {
	return physic.ZeroCelsius + physic.Temperature(c*float64(physic.Celsius))
}
