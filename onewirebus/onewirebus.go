// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewirebus implements a 1-Wire bus master on top of a time slot
// level Line.
//
// A Line knows how to produce a reset pulse and a single bit time slot, for
// example by toggling a GPIO (see package bitbang) or by asking a dedicated
// controller to do it (see packages ds248x and serialline). Bus adds
// everything else: byte transfers, ROM selection, the ROM search and the
// locking that makes multi-step commands atomic.
//
// Bus implements onewire.Bus and onewire.BusSearcher so any periph 1-Wire
// device driver can use it.
//
// Datasheet
//
// https://www.analog.com/en/resources/technical-articles/1wire-communication-through-software.html
//
// https://www.analog.com/en/resources/app-notes/1wire-search-algorithm.html
package onewirebus

import (
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
)

// Line is a 1-Wire line able to generate individual time slots.
//
// Implementations do not need to be safe for concurrent use; Bus serializes
// all calls.
type Line interface {
	String() string
	// Reset issues a reset pulse and reports whether at least one device
	// answered with a presence pulse.
	Reset() (bool, error)
	// Touch performs a single time slot. Writing a 1 is also a read slot: the
	// returned value is the level sampled on the line. Writing a 0 always
	// returns false.
	Touch(bit bool) (bool, error)
	// StrongPullup actively drives the line high when on is true, to power
	// parasitic devices. It is released by calling it again with false.
	StrongPullup(on bool) error
	// Close releases the underlying resources.
	Close() error
}

// ROM commands understood by every 1-Wire device.
const (
	CmdSearchROM = 0xf0
	CmdAlarmROM  = 0xec
	CmdMatchROM  = 0x55
	CmdSkipROM   = 0xcc
	CmdReadROM   = 0x33
)

// New returns a Bus that owns l.
//
// The bus is ready for use immediately. Close releases the line and the bus
// cannot be used afterward.
func New(l Line) *Bus {
	return &Bus{line: l}
}

// Bus is a 1-Wire bus master.
//
// All operations are serialized with an internal lock. Transact holds the lock
// for a complete command sequence so that devices sharing the bus cannot
// interleave their commands.
type Bus struct {
	mu     sync.Mutex
	line   Line
	closed bool
	strong bool // strong pull-up currently enabled
}

func (b *Bus) String() string {
	return "onewirebus{" + b.line.String() + "}"
}

// Close releases the line. Subsequent calls return ErrNotReady.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrNotReady
	}
	b.closed = true
	if b.strong {
		b.strong = false
		_ = b.line.StrongPullup(false)
	}
	return b.line.Close()
}

// Halt implements conn.Resource.
//
// It releases the strong pull-up if it was enabled.
func (b *Bus) Halt() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || !b.strong {
		return nil
	}
	b.strong = false
	return b.line.StrongPullup(false)
}

// Transact runs f while holding the bus lock.
//
// The Txn passed to f is only valid during the call. If f returns an error
// the strong pull-up is released so the next command starts from a known
// state.
func (b *Bus) Transact(f func(t *Txn) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrNotReady
	}
	t := &Txn{b: b}
	err := f(t)
	t.b = nil
	if err != nil && b.strong {
		b.strong = false
		_ = b.line.StrongPullup(false)
	}
	return err
}

// Reset issues a reset pulse and returns true if at least one device answered
// with a presence pulse.
//
// An empty bus is not an error.
func (b *Bus) Reset() (bool, error) {
	var present bool
	err := b.Transact(func(t *Txn) error {
		var err error
		present, err = t.Reset()
		return err
	})
	return present, err
}

// WriteBit writes a single bit.
func (b *Bus) WriteBit(bit bool) error {
	return b.Transact(func(t *Txn) error { return t.WriteBit(bit) })
}

// ReadBit performs a read slot.
func (b *Bus) ReadBit() (bool, error) {
	var bit bool
	err := b.Transact(func(t *Txn) error {
		var err error
		bit, err = t.ReadBit()
		return err
	})
	return bit, err
}

// WriteByte writes a byte, least significant bit first.
func (b *Bus) WriteByte(v byte) error {
	return b.Transact(func(t *Txn) error { return t.WriteByte(v) })
}

// ReadByte reads a byte, least significant bit first.
func (b *Bus) ReadByte() (byte, error) {
	var v byte
	err := b.Transact(func(t *Txn) error {
		var err error
		v, err = t.ReadByte()
		return err
	})
	return v, err
}

// Tx implements onewire.Bus.
//
// It resets the bus, writes w then reads into r. When power is
// onewire.StrongPullup the strong pull-up is enabled after the last bit and
// stays on until the next operation on the bus.
func (b *Bus) Tx(w, r []byte, power onewire.Pullup) error {
	return b.Transact(func(t *Txn) error {
		present, err := t.Reset()
		if err != nil {
			return err
		}
		if !present {
			return ErrNoDevice
		}
		if err := t.Write(w); err != nil {
			return err
		}
		if err := t.Read(r); err != nil {
			return err
		}
		if power == onewire.StrongPullup {
			return t.StrongPullup(true)
		}
		return nil
	})
}

// Search implements onewire.Bus.
//
// It returns the CRC-valid addresses of all the devices on the bus, or only
// the devices in alarm state when alarmOnly is true. The bus is locked for the
// whole enumeration. If an error occurs the addresses found so far are
// returned with it.
func (b *Bus) Search(alarmOnly bool) ([]onewire.Address, error) {
	s := NewSearcher(alarmOnly)
	var addrs []onewire.Address
	err := b.Transact(func(t *Txn) error {
		for {
			a, ok, err := s.Next(t)
			if err != nil || !ok {
				return err
			}
			addrs = append(addrs, a)
		}
	})
	return addrs, err
}

// SearchTriplet implements onewire.BusSearcher.
//
// It reads a bit and its complement, then writes the direction taken. It
// exists so onewire.Search can drive the bus; Search is preferred.
func (b *Bus) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	var tr onewire.TripletResult
	err := b.Transact(func(t *Txn) error {
		id, err := t.ReadBit()
		if err != nil {
			return err
		}
		cmp, err := t.ReadBit()
		if err != nil {
			return err
		}
		tr.GotZero = !id
		tr.GotOne = !cmp
		switch {
		case tr.GotZero && !tr.GotOne:
			tr.Taken = 0
		case tr.GotOne && !tr.GotZero:
			tr.Taken = 1
		default:
			tr.Taken = direction & 1
		}
		return t.WriteBit(tr.Taken == 1)
	})
	return tr, err
}

// stateError is returned when the bus is not in a state allowing the
// operation. It is not a 1-Wire bus error.
type stateError string

func (e stateError) Error() string { return string(e) }

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

// noDevicesError implements error, onewire.NoDevicesError and
// onewire.BusError.
type noDevicesError string

func (e noDevicesError) Error() string   { return string(e) }
func (e noDevicesError) NoDevices() bool { return true }
func (e noDevicesError) BusError() bool  { return true }

// shortedBusError implements error and onewire.ShortedBusError.
type shortedBusError string

func (e shortedBusError) Error() string   { return string(e) }
func (e shortedBusError) IsShorted() bool { return true }
func (e shortedBusError) BusError() bool  { return true }

const (
	// ErrNotReady is returned by every operation on a closed bus.
	ErrNotReady = stateError("onewirebus: bus is not ready")
	// ErrTxnDone is returned when a Txn is used after Transact returned.
	ErrTxnDone = stateError("onewirebus: transaction already completed")
	// ErrNoDevice is returned by Tx when no device answered the reset.
	ErrNoDevice = noDevicesError("onewirebus: no device present")
	// ErrShorted is returned by lines that detect the bus held low.
	ErrShorted = shortedBusError("onewirebus: bus is shorted")
	// ErrSearchNoMatch is returned when devices stopped answering in the
	// middle of a search pass more times than the retry limit.
	ErrSearchNoMatch = busError("onewirebus: devices disappeared during search")
	// ErrSearchCRC is returned when too many consecutive search passes
	// produced addresses with an invalid CRC.
	ErrSearchCRC = busError("onewirebus: too many CRC errors during search")
)

var _ conn.Resource = &Bus{}
var _ onewire.BusCloser = &Bus{}
var _ onewire.BusSearcher = &Bus{}
var _ onewire.NoDevicesError = ErrNoDevice
var _ onewire.ShortedBusError = ErrShorted
var _ onewire.BusError = ErrSearchNoMatch
