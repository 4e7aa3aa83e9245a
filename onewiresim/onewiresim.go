// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewiresim simulates a 1-Wire bus with devices attached to it.
//
// The simulation is electrical: the master drives the bus low and releases it,
// the devices answer by holding it low, and the line level is the wired-AND of
// everybody. Time is virtual and only moves when Delay is called (or when a
// slot is generated through Line), so the simulation is deterministic and fast
// regardless of the timing the master uses.
//
// Three ways to connect a master are provided:
//
//   - Pin returns a gpio.PinIO for a bit-banged master using a single pin.
//   - Pins returns the sense and drive pins of a buffered master; the drive
//     pin is inverted.
//   - Line returns an onewirebus.Line producing whole slots directly.
//
// Decoding pulses follows the thresholds devices use: a low pulse of at least
// 400µs is a reset, shorter than 15µs is a 1 (or a read slot) and anything in
// between is a 0.
package onewiresim

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/pin"

	"github.com/GermanBionicSystems/thermowire/onewirebus"
)

// Device is a 1-Wire slave connected to a simulated bus.
//
// The bus calls the methods with its lock held, one at a time.
type Device interface {
	// ROM returns the device's 64 bit ROM code.
	ROM() onewire.Address
	// Reset signals a reset pulse ending at now. The device returns true to
	// answer with a presence pulse.
	Reset(now time.Time) bool
	// Slot signals a time slot started at now in which the master writes bit.
	// The device returns false to pull the line low during the sampling window.
	Slot(now time.Time, bit bool) bool
	// Power signals that the strong pull-up was switched on or off.
	Power(now time.Time, strong bool)
}

// Pulse decoding thresholds and response windows.
const (
	ResetMin     = 400 * time.Microsecond
	SlotOneMax   = 15 * time.Microsecond
	presenceWait = 15 * time.Microsecond
	presenceLow  = 120 * time.Microsecond
	responseLow  = 45 * time.Microsecond
	slotTime     = 70 * time.Microsecond
	resetTime    = 960 * time.Microsecond
)

// Bus is a simulated 1-Wire bus.
type Bus struct {
	clock clockwork.FakeClock

	mu        sync.Mutex
	devices   []Device
	low       bool      // master pulls the line low
	lowSince  time.Time // start of the current low pulse
	holdFrom  time.Time // devices pull the line low in [holdFrom, holdUntil)
	holdUntil time.Time
	strong    bool
	shorted   bool
	resets    int
	slots     int
}

// NewBus returns a bus with devs attached.
func NewBus(devs ...Device) *Bus {
	return &Bus{clock: clockwork.NewFakeClock(), devices: devs}
}

func (b *Bus) String() string {
	return "onewiresim"
}

// Attach connects more devices to the bus.
func (b *Bus) Attach(devs ...Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = append(b.devices, devs...)
}

// Detach disconnects the device with the ROM code addr.
func (b *Bus) Detach(addr onewire.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, d := range b.devices {
		if d.ROM() == addr {
			b.devices = append(b.devices[:i], b.devices[i+1:]...)
			return
		}
	}
}

// Short simulates the line being stuck low.
func (b *Bus) Short(shorted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shorted = shorted
}

// Clock returns the virtual clock of the bus.
func (b *Bus) Clock() clockwork.FakeClock {
	return b.clock
}

// Delay advances the virtual clock by d. It is meant to be used as the delay
// function of a bit-banged master.
func (b *Bus) Delay(d time.Duration) {
	b.clock.Advance(d)
}

// Counters returns how many reset pulses and time slots devices have seen.
func (b *Bus) Counters() (resets, slots int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resets, b.slots
}

// StrongPullup returns true while the master holds the strong pull-up.
func (b *Bus) StrongPullup() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strong
}

// Line returns a slot level onewirebus.Line connected to the bus.
//
// Each reset advances the clock by 960µs and each slot by 70µs.
func (b *Bus) Line() *Line {
	return &Line{b: b}
}

// Pin returns a pin for a master driving the bus through a single open-drain
// GPIO.
func (b *Bus) Pin(name string) *Pin {
	return &Pin{Pin: gpiotest.Pin{N: name, Num: -1, Fn: "OW_Q", L: gpio.High}, b: b, role: roleQ}
}

// Pins returns the sense and drive pins for a buffered master. Driving the
// output pin high pulls the bus low.
func (b *Bus) Pins(in, out string) (*Pin, *Pin) {
	return &Pin{Pin: gpiotest.Pin{N: in, Num: -1, Fn: "In/High", L: gpio.High}, b: b, role: roleSense},
		&Pin{Pin: gpiotest.Pin{N: out, Num: -1, Fn: "Out/Low"}, b: b, role: roleDrive}
}

//

func (b *Bus) drive(now time.Time) {
	if b.low {
		return
	}
	b.setStrong(now, false)
	b.low = true
	b.lowSince = now
}

func (b *Bus) release(now time.Time) {
	if !b.low {
		return
	}
	b.low = false
	switch d := now.Sub(b.lowSince); {
	case d >= ResetMin:
		if b.reset(now) {
			b.holdFrom = now.Add(presenceWait)
			b.holdUntil = b.holdFrom.Add(presenceLow)
		}
	case d < SlotOneMax:
		if !b.slot(b.lowSince, true) {
			b.holdFrom = b.lowSince
			b.holdUntil = b.lowSince.Add(responseLow)
		}
	default:
		b.slot(b.lowSince, false)
	}
}

func (b *Bus) level(now time.Time) gpio.Level {
	if b.shorted || b.low {
		return gpio.Low
	}
	if !now.Before(b.holdFrom) && now.Before(b.holdUntil) {
		return gpio.Low
	}
	return gpio.High
}

func (b *Bus) setStrong(now time.Time, on bool) {
	if b.strong == on {
		return
	}
	b.strong = on
	for _, d := range b.devices {
		d.Power(now, on)
	}
}

func (b *Bus) reset(now time.Time) bool {
	b.resets++
	present := false
	for _, d := range b.devices {
		if d.Reset(now) {
			present = true
		}
	}
	return present && !b.shorted
}

// slot runs a time slot on every device and returns the wired-AND of their
// answers.
func (b *Bus) slot(now time.Time, bit bool) bool {
	b.slots++
	level := bit
	for _, d := range b.devices {
		if !d.Slot(now, bit) {
			level = false
		}
	}
	return level && !b.shorted
}

// Line implements onewirebus.Line on a simulated bus.
type Line struct {
	b      *Bus
	closed bool
}

func (l *Line) String() string {
	return "onewiresim.Line"
}

// Reset implements onewirebus.Line.
func (l *Line) Reset() (bool, error) {
	b := l.b
	b.mu.Lock()
	now := b.clock.Now()
	if b.shorted {
		b.mu.Unlock()
		return false, onewirebus.ErrShorted
	}
	b.setStrong(now, false)
	present := b.reset(now)
	b.mu.Unlock()
	b.clock.Advance(resetTime)
	return present, nil
}

// Touch implements onewirebus.Line.
func (l *Line) Touch(bit bool) (bool, error) {
	b := l.b
	b.mu.Lock()
	now := b.clock.Now()
	b.setStrong(now, false)
	v := b.slot(now, bit)
	b.mu.Unlock()
	b.clock.Advance(slotTime)
	return v, nil
}

// StrongPullup implements onewirebus.Line.
func (l *Line) StrongPullup(on bool) error {
	b := l.b
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStrong(b.clock.Now(), on)
	return nil
}

// Close implements onewirebus.Line.
func (l *Line) Close() error {
	l.closed = true
	return nil
}

// Closed returns true once Close was called.
func (l *Line) Closed() bool {
	return l.closed
}

type pinRole int

const (
	roleQ pinRole = iota
	roleSense
	roleDrive
)

// Pin is a simulated GPIO connected to the bus.
type Pin struct {
	gpiotest.Pin
	b    *Bus
	role pinRole
}

// In implements gpio.PinIn.
//
// For the single pin master it releases the bus.
func (p *Pin) In(pull gpio.Pull, edge gpio.Edge) error {
	if edge != gpio.NoEdge {
		return errNoEdge
	}
	b := p.b
	b.mu.Lock()
	defer b.mu.Unlock()
	switch p.role {
	case roleQ:
		now := b.clock.Now()
		b.setStrong(now, false)
		b.release(now)
	case roleDrive:
		return errNotInput
	}
	p.Pin.Lock()
	p.Pin.P = pull
	p.Pin.Fn = "In/" + b.level(b.clock.Now()).String()
	p.Pin.Unlock()
	return nil
}

// Read implements gpio.PinIn.
func (p *Pin) Read() gpio.Level {
	b := p.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.role == roleDrive {
		return gpio.Level(b.low)
	}
	return b.level(b.clock.Now())
}

// WaitForEdge implements gpio.PinIn. Edges are not simulated.
func (p *Pin) WaitForEdge(time.Duration) bool {
	return false
}

// Out implements gpio.PinOut.
func (p *Pin) Out(l gpio.Level) error {
	b := p.b
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	switch p.role {
	case roleSense:
		return errNotOutput
	case roleQ:
		if l == gpio.Low {
			b.drive(now)
		} else {
			b.release(now)
			b.setStrong(now, true)
		}
	case roleDrive:
		if l == gpio.High {
			b.drive(now)
		} else {
			b.release(now)
		}
	}
	p.Pin.Lock()
	p.Pin.L = l
	p.Pin.Fn = "Out/" + l.String()
	p.Pin.Unlock()
	return nil
}

// Function implements pin.Pin.
func (p *Pin) Function() string {
	p.Pin.Lock()
	defer p.Pin.Unlock()
	return p.Pin.Fn
}

// Func implements pin.Pin.
func (p *Pin) Func() pin.Func {
	return pin.Func(p.Function())
}

type pinError string

func (e pinError) Error() string { return string(e) }

const (
	errNoEdge    = pinError("onewiresim: edges are not simulated")
	errNotInput  = pinError("onewiresim: drive pin cannot be an input")
	errNotOutput = pinError("onewiresim: sense pin cannot be an output")
)

var _ onewirebus.Line = &Line{}
var _ gpio.PinIO = &Pin{}
