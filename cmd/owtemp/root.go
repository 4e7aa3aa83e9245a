// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/onewire/onewirereg"
	"periph.io/x/host/v3"

	"github.com/GermanBionicSystems/thermowire/bitbang"
	"github.com/GermanBionicSystems/thermowire/ds18x20"
	"github.com/GermanBionicSystems/thermowire/ds248x"
	"github.com/GermanBionicSystems/thermowire/onewirebus"
	"github.com/GermanBionicSystems/thermowire/sensorreg"
	"github.com/GermanBionicSystems/thermowire/serialline"
)

// flags are the persistent flags shared by all the subcommands.
type flags struct {
	bus        string
	pin        string
	in, out    string
	ds248x     string
	ds248xAddr uint16
	serial     string
	verbose    bool
}

// sensorClock paces the conversions. nil is the real clock.
var sensorClock clockwork.Clock

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:   "owtemp",
		Short: "Read 1-Wire DS18S20 and DS18B20 thermometers",
		Long: `owtemp discovers and reads DS18S20 and DS18B20 thermometers on a 1-Wire bus.

Bus selection:
  GPIO:      --pin GPIO4, or --in GPIO17 --out GPIO27 for a buffered line
  DS248x:    --ds248x I2C1 [--ds248x-addr 0x18]
  UART:      --serial /dev/ttyUSB0
  Any bus registered in onewirereg: --bus NAME`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.bus, "bus", "", "Registered 1-Wire bus name, overrides the transport flags")
	pf.StringVar(&f.pin, "pin", "GPIO4", "GPIO of the 1-Wire data line")
	pf.StringVar(&f.in, "in", "", "GPIO sensing a buffered data line")
	pf.StringVar(&f.out, "out", "", "GPIO driving a buffered data line, high pulls the bus low")
	pf.StringVar(&f.ds248x, "ds248x", "", "I²C bus of a DS2482/DS2483 1-Wire master")
	pf.Uint16Var(&f.ds248xAddr, "ds248x-addr", 0x18, "I²C address of the DS2482/DS2483")
	pf.StringVar(&f.serial, "serial", "", "Serial port wired as a 1-Wire master")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "Log debug messages")

	root.AddCommand(
		newListCmd(f),
		newReadCmd(f),
		newWatchCmd(f),
		newSaveCmd(f),
		newLoadCmd(f),
		newChartCmd(f),
	)
	return root
}

func (f *flags) logger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// busName registers the transport selected on the command line and returns
// its name in onewirereg.
func (f *flags) busName() (string, error) {
	if f.bus != "" {
		return f.bus, nil
	}
	var name string
	var o onewirereg.Opener
	switch {
	case f.serial != "":
		name = "serial-" + f.serial
		o = func() (onewire.BusCloser, error) {
			l, err := serialline.Open(f.serial, nil)
			if err != nil {
				return nil, err
			}
			return onewirebus.New(l), nil
		}
	case f.ds248x != "":
		name = fmt.Sprintf("ds248x-%s-%#x", f.ds248x, f.ds248xAddr)
		o = func() (onewire.BusCloser, error) {
			if _, err := host.Init(); err != nil {
				return nil, err
			}
			b, err := i2creg.Open(f.ds248x)
			if err != nil {
				return nil, err
			}
			l, err := ds248x.New(b, f.ds248xAddr, nil)
			if err != nil {
				_ = b.Close()
				return nil, err
			}
			return onewirebus.New(&i2cLine{Dev: l, bus: b}), nil
		}
	case f.in != "" || f.out != "":
		if f.in == "" || f.out == "" {
			return "", errors.New("--in and --out must be used together")
		}
		name = "gpio-" + f.in + "-" + f.out
		o = func() (onewire.BusCloser, error) {
			if _, err := host.Init(); err != nil {
				return nil, err
			}
			in, out := gpioreg.ByName(f.in), gpioreg.ByName(f.out)
			if in == nil || out == nil {
				return nil, fmt.Errorf("unknown GPIO %q or %q", f.in, f.out)
			}
			l, err := bitbang.NewBuffered(in, out, nil)
			if err != nil {
				return nil, err
			}
			return onewirebus.New(l), nil
		}
	default:
		name = "gpio-" + f.pin
		o = func() (onewire.BusCloser, error) {
			if _, err := host.Init(); err != nil {
				return nil, err
			}
			p := gpioreg.ByName(f.pin)
			if p == nil {
				return nil, fmt.Errorf("unknown GPIO %q", f.pin)
			}
			l, err := bitbang.New(p, nil)
			if err != nil {
				return nil, err
			}
			return onewirebus.New(l), nil
		}
	}
	for _, r := range onewirereg.All() {
		if r.Name == name {
			return name, nil
		}
	}
	if err := onewirereg.Register(name, nil, -1, o); err != nil {
		return "", err
	}
	return name, nil
}

// openRegistry opens the selected bus and returns an empty registry on it.
// done releases both.
func (f *flags) openRegistry(cmd *cobra.Command) (reg *sensorreg.Registry, done func(), err error) {
	name, err := f.busName()
	if err != nil {
		return nil, nil, err
	}
	ob, err := onewirereg.Open(name)
	if err != nil {
		return nil, nil, err
	}
	bus, ok := ob.(*onewirebus.Bus)
	if !ok {
		_ = ob.Close()
		return nil, nil, fmt.Errorf("bus %s does not support transactions", ob)
	}
	log := f.logger(cmd.ErrOrStderr())
	log.Debug("opened bus", "bus", bus.String())
	reg = sensorreg.New(bus, &sensorreg.Opts{
		Logger: log,
		Sensor: &ds18x20.Opts{Clock: sensorClock},
	})
	return reg, func() {
		_ = reg.Destroy()
		if err := bus.Close(); err != nil {
			log.Warn("closing bus", "err", err)
		}
	}, nil
}

// i2cLine closes the I²C bus along with the DS248x.
type i2cLine struct {
	*ds248x.Dev
	bus io.Closer
}

func (l *i2cLine) Close() error {
	err := l.Dev.Close()
	if err2 := l.bus.Close(); err == nil {
		err = err2
	}
	return err
}
