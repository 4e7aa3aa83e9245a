// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package common

import (
	"testing"

	"periph.io/x/conn/v3/onewire"
)

func TestCRC8(t *testing.T) {
	var tests = []struct {
		bytes  []byte
		result byte
	}{
		{bytes: []byte("123456789"), result: 0xa1},
		{bytes: []byte{0x02, 0x1c, 0xb8, 0x01, 0x00, 0x00, 0x00}, result: 0xa2},
		{bytes: []byte{0x28, 0xac, 0x41, 0x0e, 0x07, 0x00, 0x00}, result: 0x74},
		{bytes: []byte{0xe0, 0x01, 0x00, 0x00, 0x3f, 0xff, 0x10, 0x10}, result: 0x3f},
		{bytes: nil, result: 0},
	}
	for _, test := range tests {
		res := CRC8(test.bytes)
		if res != test.result {
			t.Errorf("CRC8(%#v)!=%#x received %#x", test.bytes, test.result, res)
		}
	}
}

func TestCRC8_matchesPeriph(t *testing.T) {
	buf := make([]byte, 7)
	for seed := 0; seed < 512; seed++ {
		for i := range buf {
			buf[i] = byte(seed*31 + i*17 + seed>>3)
		}
		if got, want := CRC8(buf), onewire.CalcCRC(buf); got != want {
			t.Fatalf("CRC8(%#v) = %#x; onewire.CalcCRC = %#x", buf, got, want)
		}
	}
}

func TestCheckCRC8(t *testing.T) {
	if !CheckCRC8([]byte{0x28, 0xac, 0x41, 0x0e, 0x07, 0x00, 0x00, 0x74}) {
		t.Fatal("valid ROM rejected")
	}
	if CheckCRC8([]byte{0x28, 0xac, 0x41, 0x0e, 0x07, 0x00, 0x00, 0x75}) {
		t.Fatal("corrupted ROM accepted")
	}
	if CheckCRC8(nil) {
		t.Fatal("empty buffer accepted")
	}
}

func TestROM(t *testing.T) {
	const rom uint64 = 0x740000070e41ac28
	b := ROMBytes(rom)
	if want := [8]byte{0x28, 0xac, 0x41, 0x0e, 0x07, 0x00, 0x00, 0x74}; b != want {
		t.Fatalf("ROMBytes = %#v; want %#v", b, want)
	}
	if got := ROMFromBytes(b[:]); got != rom {
		t.Fatalf("ROMFromBytes = %#x", got)
	}
	if !ValidROM(rom) {
		t.Fatal("expected valid ROM")
	}
	if ValidROM(rom ^ 0x100) {
		t.Fatal("expected serial corruption to be detected")
	}
	if ValidROM(0) {
		t.Fatal("all zero ROM accepted")
	}
}
