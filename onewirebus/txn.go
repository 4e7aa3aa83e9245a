// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebus

import (
	"periph.io/x/conn/v3/onewire"
)

// Txn gives exclusive access to the bus for the duration of Bus.Transact.
type Txn struct {
	b *Bus
}

// Reset issues a reset pulse and returns true if at least one device answered
// with a presence pulse.
func (t *Txn) Reset() (bool, error) {
	if err := t.weak(); err != nil {
		return false, err
	}
	return t.b.line.Reset()
}

// WriteBit writes a single bit.
func (t *Txn) WriteBit(bit bool) error {
	if err := t.weak(); err != nil {
		return err
	}
	_, err := t.b.line.Touch(bit)
	return err
}

// ReadBit performs a read slot and returns the sampled bit.
func (t *Txn) ReadBit() (bool, error) {
	if err := t.weak(); err != nil {
		return false, err
	}
	return t.b.line.Touch(true)
}

// WriteByte writes v, least significant bit first.
func (t *Txn) WriteByte(v byte) error {
	if err := t.weak(); err != nil {
		return err
	}
	for i := uint(0); i < 8; i++ {
		if _, err := t.b.line.Touch(v&(1<<i) != 0); err != nil {
			return err
		}
	}
	return nil
}

// ReadByte reads a byte, least significant bit first.
func (t *Txn) ReadByte() (byte, error) {
	if err := t.weak(); err != nil {
		return 0, err
	}
	var v byte
	for i := uint(0); i < 8; i++ {
		bit, err := t.b.line.Touch(true)
		if err != nil {
			return 0, err
		}
		if bit {
			v |= 1 << i
		}
	}
	return v, nil
}

// Write writes all the bytes of w.
func (t *Txn) Write(w []byte) error {
	for _, v := range w {
		if err := t.WriteByte(v); err != nil {
			return err
		}
	}
	return nil
}

// Read fills r.
func (t *Txn) Read(r []byte) error {
	for i := range r {
		v, err := t.ReadByte()
		if err != nil {
			return err
		}
		r[i] = v
	}
	return nil
}

// Select resets the bus and addresses a single device with the match ROM
// command.
//
// It returns ErrNoDevice if nothing answered the reset.
func (t *Txn) Select(addr onewire.Address) error {
	if err := t.start(); err != nil {
		return err
	}
	var w [9]byte
	w[0] = CmdMatchROM
	for i := 0; i < 8; i++ {
		w[i+1] = byte(addr >> uint(8*i))
	}
	return t.Write(w[:])
}

// SkipROM resets the bus and addresses all the devices at once.
//
// It returns ErrNoDevice if nothing answered the reset.
func (t *Txn) SkipROM() error {
	if err := t.start(); err != nil {
		return err
	}
	return t.WriteByte(CmdSkipROM)
}

// ReadROM resets the bus and reads the address of the only device present.
//
// The result is meaningless when more than one device is on the bus; the CRC
// will usually catch it.
func (t *Txn) ReadROM() (onewire.Address, error) {
	if err := t.start(); err != nil {
		return 0, err
	}
	if err := t.WriteByte(CmdReadROM); err != nil {
		return 0, err
	}
	var b [8]byte
	if err := t.Read(b[:]); err != nil {
		return 0, err
	}
	if !onewire.CheckCRC(b[:]) {
		return 0, busError("onewirebus: invalid ROM CRC")
	}
	var a onewire.Address
	for i := range b {
		a |= onewire.Address(b[i]) << uint(8*i)
	}
	return a, nil
}

// StrongPullup enables or disables the strong pull-up.
//
// The strong pull-up is released automatically before the next time slot.
func (t *Txn) StrongPullup(on bool) error {
	if t.b == nil {
		return ErrTxnDone
	}
	if t.b.strong == on {
		return nil
	}
	if err := t.b.line.StrongPullup(on); err != nil {
		return err
	}
	t.b.strong = on
	return nil
}

//

func (t *Txn) start() error {
	present, err := t.Reset()
	if err != nil {
		return err
	}
	if !present {
		return ErrNoDevice
	}
	return nil
}

// weak makes sure the strong pull-up is off before driving the line.
func (t *Txn) weak() error {
	if t.b == nil {
		return ErrTxnDone
	}
	if !t.b.strong {
		return nil
	}
	t.b.strong = false
	return t.b.line.StrongPullup(false)
}
