// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package serialline implements a 1-Wire line on a UART.
//
// The UART TX and RX pins are tied to the data line through an open-drain
// buffer, so every character sent is read back as it appears on the bus. A
// reset pulse is the character 0xF0 sent at 9600 bauds: a presence pulse
// corrupts the upper bits of the echo. At 115200 bauds one character is one
// time slot: 0x00 writes a 0 while 0xFF writes a 1 or starts a read slot, in
// which case the least significant bit of the echo is the sampled level.
//
// The UART cannot drive the line high, so StrongPullup does nothing and
// parasitically powered devices only get the weak pull-up.
//
// Use onewirebus.New to get a complete bus master from a Dev.
//
// Datasheet
//
// https://www.analog.com/en/resources/technical-articles/using-a-uart-to-implement-a-1wire-bus-master.html
package serialline

import (
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/GermanBionicSystems/thermowire/onewirebus"
)

// Opts contains options to pass to the constructors.
type Opts struct {
	// ReadTimeout bounds the wait for the echo of a character.
	ReadTimeout time.Duration
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	ReadTimeout: 100 * time.Millisecond,
}

// Baud rates used for reset pulses and time slots.
const (
	ResetBaud = 9600
	SlotBaud  = 115200
)

// Open opens the serial port name and returns a line on it.
func Open(name string, opts *Opts) (*Dev, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: SlotBaud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("serialline: %s: %w", name, err)
	}
	d, err := New(p, opts)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	d.name = name
	return d, nil
}

// New returns a line using an already open port. The line owns the port and
// closes it on Close.
func New(p serial.Port, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{
		port: p,
		name: "uart",
		mode: serial.Mode{
			BaudRate: SlotBaud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
	}
	if err := p.SetMode(&d.mode); err != nil {
		return nil, fmt.Errorf("serialline: %w", err)
	}
	if err := p.SetReadTimeout(opts.ReadTimeout); err != nil {
		return nil, fmt.Errorf("serialline: %w", err)
	}
	return d, nil
}

// Dev is a 1-Wire line on a UART. It implements onewirebus.Line.
//
// Dev is not safe for concurrent use; wrap it with onewirebus.New.
type Dev struct {
	port serial.Port
	name string
	mode serial.Mode
}

func (d *Dev) String() string {
	return "serialline{" + d.name + "}"
}

// Reset implements onewirebus.Line.
//
// It returns onewirebus.ErrShorted when the whole echo is low.
func (d *Dev) Reset() (bool, error) {
	if err := d.port.ResetInputBuffer(); err != nil {
		return false, fmt.Errorf("serialline: %w", err)
	}
	if err := d.setBaud(ResetBaud); err != nil {
		return false, err
	}
	echo, err := d.exchange(0xf0)
	if err2 := d.setBaud(SlotBaud); err == nil {
		err = err2
	}
	if err != nil {
		return false, err
	}
	switch {
	case echo == 0x00:
		return false, onewirebus.ErrShorted
	case echo&0x0f != 0:
		return false, fmt.Errorf("serialline: invalid reset echo 0x%02x", echo)
	}
	return echo != 0xf0, nil
}

// Touch implements onewirebus.Line.
func (d *Dev) Touch(bit bool) (bool, error) {
	var c byte
	if bit {
		c = 0xff
	}
	echo, err := d.exchange(c)
	if err != nil {
		return false, err
	}
	return bit && echo&1 != 0, nil
}

// StrongPullup implements onewirebus.Line. It does nothing.
func (d *Dev) StrongPullup(on bool) error {
	return nil
}

// Close implements onewirebus.Line. It closes the port.
func (d *Dev) Close() error {
	return d.port.Close()
}

//

func (d *Dev) setBaud(baud int) error {
	if d.mode.BaudRate == baud {
		return nil
	}
	d.mode.BaudRate = baud
	if err := d.port.SetMode(&d.mode); err != nil {
		return fmt.Errorf("serialline: %w", err)
	}
	return nil
}

// exchange sends c and returns its echo.
func (d *Dev) exchange(c byte) (byte, error) {
	if _, err := d.port.Write([]byte{c}); err != nil {
		return 0, fmt.Errorf("serialline: %w", err)
	}
	var b [1]byte
	n, err := d.port.Read(b[:])
	if err != nil {
		return 0, fmt.Errorf("serialline: %w", err)
	}
	if n != 1 {
		// The read timed out.
		return 0, ErrNoEcho
	}
	return b[0], nil
}

type lineError string

func (e lineError) Error() string { return string(e) }

// ErrNoEcho is returned when a character sent is not read back, usually
// because TX and RX are not connected together.
const ErrNoEcho = lineError("serialline: no echo received")

var _ onewirebus.Line = &Dev{}
