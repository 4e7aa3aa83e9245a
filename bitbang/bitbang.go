// Copyright 2018 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package bitbang implements a 1-Wire line by toggling GPIOs.
//
// Two wirings are supported. With a single pin the GPIO is connected directly
// to the data line with an external pull-up resistor; releasing the line means
// switching the pin to input. With a buffered wiring the data line is sensed on
// an input pin and pulled low by a transistor driven by an output pin, so the
// output is inverted: high pulls the bus low.
//
// Timing is produced with busy waits. The process is not protected against
// preemption so a slot can occasionally be stretched by the kernel; the CRCs
// used by the 1-Wire devices catch the resulting errors.
//
// Use onewirebus.New to get a complete bus master from a Dev.
//
// Datasheet
//
// https://www.analog.com/en/resources/technical-articles/1wire-communication-through-software.html
package bitbang

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/host/v3/cpu"

	"github.com/GermanBionicSystems/thermowire/onewirebus"
)

// Opts contains the slot timing, named after the delays of the Maxim
// application note.
type Opts struct {
	A time.Duration // write 1 and read slot low time
	B time.Duration // write 1 recovery
	C time.Duration // write 0 low time
	D time.Duration // write 0 recovery
	E time.Duration // read slot wait before sampling
	F time.Duration // read slot recovery after sampling
	G time.Duration // wait before a reset
	H time.Duration // reset low time
	I time.Duration // wait before sampling the presence pulse
	J time.Duration // reset recovery after sampling

	// Pull is the pull resistor set on the sensing pin.
	Pull gpio.Pull
	// Delay busy waits for the given duration. It defaults to cpu.Nanospin.
	Delay func(time.Duration)
}

// DefaultOpts is the standard speed timing.
var DefaultOpts = Opts{
	A:    6 * time.Microsecond,
	B:    64 * time.Microsecond,
	C:    60 * time.Microsecond,
	D:    10 * time.Microsecond,
	E:    9 * time.Microsecond,
	F:    55 * time.Microsecond,
	G:    0,
	H:    480 * time.Microsecond,
	I:    70 * time.Microsecond,
	J:    410 * time.Microsecond,
	Pull: gpio.PullNoChange,
}

// New returns a line using a single GPIO connected to the data line.
//
// The pin is released immediately. A strong pull-up is produced by driving the
// pin high.
func New(q gpio.PinIO, opts *Opts) (*Dev, error) {
	d := &Dev{q: q, in: q, name: q.Name()}
	d.init(opts)
	if err := d.release(); err != nil {
		return nil, fmt.Errorf("bitbang: %s: %w", q, err)
	}
	return d, nil
}

// NewBuffered returns a line sensing the bus on in and pulling it low when out
// is driven high.
//
// This wiring has no strong pull-up: StrongPullup does nothing and parasitic
// devices only get the weak pull-up.
func NewBuffered(in gpio.PinIn, out gpio.PinOut, opts *Opts) (*Dev, error) {
	d := &Dev{in: in, out: out, name: in.Name() + "," + out.Name()}
	d.init(opts)
	if err := in.In(d.opts.Pull, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("bitbang: %s: %w", in, err)
	}
	if err := d.release(); err != nil {
		return nil, fmt.Errorf("bitbang: %s: %w", out, err)
	}
	return d, nil
}

// Dev is a 1-Wire line on GPIOs. It implements onewirebus.Line.
//
// Dev is not safe for concurrent use; wrap it with onewirebus.New.
type Dev struct {
	q     gpio.PinIO  // single pin wiring; nil when buffered
	in    gpio.PinIn  // sensing pin
	out   gpio.PinOut // buffered driving pin, inverted
	name  string
	opts  Opts
	delay func(time.Duration)
}

func (d *Dev) String() string {
	return "bitbang{" + d.name + "}"
}

// Reset implements onewirebus.Line.
//
// It returns onewirebus.ErrShorted if the line is low before the reset pulse.
func (d *Dev) Reset() (bool, error) {
	if err := d.release(); err != nil {
		return false, err
	}
	d.delay(d.opts.G)
	if d.in.Read() == gpio.Low {
		return false, onewirebus.ErrShorted
	}
	if err := d.drive(); err != nil {
		return false, err
	}
	d.delay(d.opts.H)
	if err := d.release(); err != nil {
		return false, err
	}
	d.delay(d.opts.I)
	present := d.in.Read() == gpio.Low
	d.delay(d.opts.J)
	return present, nil
}

// Touch implements onewirebus.Line.
func (d *Dev) Touch(bit bool) (bool, error) {
	if err := d.drive(); err != nil {
		return false, err
	}
	if !bit {
		d.delay(d.opts.C)
		if err := d.release(); err != nil {
			return false, err
		}
		d.delay(d.opts.D)
		return false, nil
	}
	d.delay(d.opts.A)
	if err := d.release(); err != nil {
		return false, err
	}
	d.delay(d.opts.E)
	v := d.in.Read() == gpio.High
	d.delay(d.opts.F)
	return v, nil
}

// StrongPullup implements onewirebus.Line.
//
// It drives the pin high. It does nothing with the buffered wiring.
func (d *Dev) StrongPullup(on bool) error {
	if d.q == nil {
		return nil
	}
	if on {
		return d.q.Out(gpio.High)
	}
	return d.release()
}

// Close implements onewirebus.Line. It leaves the line released.
func (d *Dev) Close() error {
	return d.release()
}

// Halt implements conn.Resource.
func (d *Dev) Halt() error {
	return d.release()
}

// Q implements onewire.Pins. It returns gpio.INVALID with the buffered
// wiring.
func (d *Dev) Q() gpio.PinIO {
	if d.q == nil {
		return gpio.INVALID
	}
	return d.q
}

//

func (d *Dev) init(opts *Opts) {
	if opts == nil {
		opts = &DefaultOpts
	}
	d.opts = *opts
	d.delay = d.opts.Delay
	if d.delay == nil {
		d.delay = cpu.Nanospin
	}
}

func (d *Dev) drive() error {
	if d.q != nil {
		return d.q.Out(gpio.Low)
	}
	return d.out.Out(gpio.High)
}

func (d *Dev) release() error {
	if d.q != nil {
		return d.q.In(d.opts.Pull, gpio.NoEdge)
	}
	return d.out.Out(gpio.Low)
}

var _ onewirebus.Line = &Dev{}
var _ onewire.Pins = &Dev{}
var _ conn.Resource = &Dev{}
