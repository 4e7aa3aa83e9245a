// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds248x

import (
	"testing"
	"time"

	"periph.io/x/conn/v3/i2c/i2ctest"

	"github.com/GermanBionicSystems/thermowire/onewirebus"
)

// initDS2483 is the initialization sequence of a DS2483 with DefaultOpts.
var initDS2483 = []i2ctest.IO{
	{Addr: 0x18, W: []byte{cmdReset}},
	{Addr: 0x18, W: []byte{cmdSetReadPtr, regStatus}, R: []byte{0x18}},
	{Addr: 0x18, W: []byte{cmdWriteConfig, 0xe1}, R: []byte{0x01}},
	{Addr: 0x18, W: []byte{cmdSetReadPtr, regPCR}},
	{Addr: 0x18, W: []byte{cmdAdjPort, 0x06, 0x26, 0x46, 0x66, 0x86}},
}

func playback(ops ...i2ctest.IO) *i2ctest.Playback {
	return &i2ctest.Playback{Ops: append(append([]i2ctest.IO(nil), initDS2483...), ops...)}
}

func TestNew(t *testing.T) {
	bus := playback()
	d, err := New(bus, 0x18, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s := d.String(); s != "DS2483{playback(24)}" {
		t.Fatal(s)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNew_fail(t *testing.T) {
	if _, err := New(&i2ctest.Playback{}, 0x30, nil); err == nil {
		t.Fatal("invalid address")
	}
	bus := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x18, W: []byte{cmdReset}},
			{Addr: 0x18, W: []byte{cmdSetReadPtr, regStatus}, R: []byte{0x10}},
		},
	}
	if _, err := New(bus, 0x18, nil); err == nil {
		t.Fatal("invalid status register")
	}
	bus = &i2ctest.Playback{DontPanic: true}
	if _, err := New(bus, 0x18, nil); err == nil {
		t.Fatal("no device")
	}
}

func TestNew_DS2482(t *testing.T) {
	common := []i2ctest.IO{
		{Addr: 0x19, W: []byte{cmdReset}},
		{Addr: 0x19, W: []byte{cmdSetReadPtr, regStatus}, R: []byte{0x18}},
		{Addr: 0x19, W: []byte{cmdWriteConfig, 0xf0}, R: []byte{0x00}},
	}
	// The port configuration register is missing on both.
	bus := &i2ctest.Playback{
		Ops: append(append([]i2ctest.IO(nil), common...),
			i2ctest.IO{Addr: 0x19, W: []byte{cmdSetReadPtr, regCSR}},
			i2ctest.IO{Addr: 0x19, W: []byte{cmdChannelSelect, cscIO0w}},
			i2ctest.IO{Addr: 0x19, W: []byte{cmdChannelSelect, cscIO7w}},
			i2ctest.IO{Addr: 0x19, W: []byte{cmdSetReadPtr, regCSR}, R: []byte{cscIO7r}},
		),
		DontPanic: true,
	}
	d, err := New(bus, 0x19, &Opts{PassivePullup: true})
	if err != nil {
		t.Fatal(err)
	}
	if s := d.String(); s != "DS2482-800{playback(25)}" {
		t.Fatal(s)
	}
	if err := d.ChannelSelect(12); err != nil {
		t.Fatal(err)
	}
	if ch := d.SelectedChannel(); ch != 7 {
		t.Fatalf("SelectedChannel() = %d", ch)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}

	bus = &i2ctest.Playback{
		Ops: append(append([]i2ctest.IO(nil), common...),
			i2ctest.IO{Addr: 0x19, W: []byte{cmd1WReset}},
		),
		DontPanic: true,
	}
	d, err = New(bus, 0x19, &Opts{PassivePullup: true})
	if err != nil {
		t.Fatal(err)
	}
	if s := d.String(); s != "DS2482-100{playback(25)}" {
		t.Fatal(s)
	}
	if ch := d.SelectedChannel(); ch != 0 {
		t.Fatalf("SelectedChannel() = %d", ch)
	}
}

func TestReset(t *testing.T) {
	for _, tc := range []struct {
		name    string
		status  []byte
		present bool
		err     error
	}{
		{"present", []byte{0x02}, true, nil},
		{"busy", []byte{0x03, 0x03, 0x02}, true, nil},
		{"empty", []byte{0x00}, false, nil},
		{"short", []byte{0x04}, false, onewirebus.ErrShorted},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ops := []i2ctest.IO{{Addr: 0x18, W: []byte{cmd1WReset}}}
			for _, s := range tc.status {
				ops = append(ops, i2ctest.IO{Addr: 0x18, R: []byte{s}})
			}
			bus := playback(ops...)
			d, err := New(bus, 0x18, nil)
			if err != nil {
				t.Fatal(err)
			}
			present, err := d.Reset()
			if err != tc.err {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
			if present != tc.present {
				t.Fatalf("Reset() = %t", present)
			}
			if err := bus.Close(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestTouch(t *testing.T) {
	bus := playback(
		i2ctest.IO{Addr: 0x18, W: []byte{cmd1WBit, 0x80}},
		i2ctest.IO{Addr: 0x18, R: []byte{statusSBR}},
		i2ctest.IO{Addr: 0x18, W: []byte{cmd1WBit, 0x80}},
		i2ctest.IO{Addr: 0x18, R: []byte{0x00}},
		i2ctest.IO{Addr: 0x18, W: []byte{cmd1WBit, 0x00}},
		i2ctest.IO{Addr: 0x18, R: []byte{0x00}},
	)
	d, err := New(bus, 0x18, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []struct{ w, r bool }{{true, true}, {true, false}, {false, false}} {
		got, err := d.Touch(want.w)
		if err != nil {
			t.Fatal(err)
		}
		if got != want.r {
			t.Fatalf("#%d: Touch(%t) = %t", i, want.w, got)
		}
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestStrongPullup(t *testing.T) {
	bus := playback(
		i2ctest.IO{Addr: 0x18, W: []byte{cmdWriteConfig, 0xa5}},
		i2ctest.IO{Addr: 0x18, W: []byte{cmd1WBit, 0x80}},
		i2ctest.IO{Addr: 0x18, R: []byte{statusSBR}},
		i2ctest.IO{Addr: 0x18, W: []byte{cmdWriteConfig, 0xe1}},
	)
	d, err := New(bus, 0x18, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.StrongPullup(true); err != nil {
		t.Fatal(err)
	}
	// Already enabled.
	if err := d.StrongPullup(true); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := d.Halt(); err != nil {
		t.Fatal(err)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestPersistentError(t *testing.T) {
	bus := playback()
	d, err := New(bus, 0x18, nil)
	if err != nil {
		t.Fatal(err)
	}
	bus.DontPanic = true
	_, err = d.Reset()
	if err == nil {
		t.Fatal("expected an I²C error")
	}
	if _, err2 := d.Touch(true); err2 != err {
		t.Fatalf("expected the persistent error, got %v", err2)
	}
	if err2 := d.StrongPullup(true); err2 != err {
		t.Fatalf("expected the persistent error, got %v", err2)
	}
}

func TestBus(t *testing.T) {
	bus := playback(
		i2ctest.IO{Addr: 0x18, W: []byte{cmd1WReset}},
		i2ctest.IO{Addr: 0x18, R: []byte{statusPPD}},
	)
	d, err := New(bus, 0x18, nil)
	if err != nil {
		t.Fatal(err)
	}
	ow := onewirebus.New(d)
	if s := ow.String(); s != "onewirebus{DS2483{playback(24)}}" {
		t.Fatal(s)
	}
	present, err := ow.Reset()
	if err != nil || !present {
		t.Fatalf("Reset() = %t, %v", present, err)
	}
	if err := ow.Close(); err != nil {
		t.Fatal(err)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func init() {
	sleep = func(time.Duration) {}
}
