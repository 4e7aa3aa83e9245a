// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains the checksum helpers shared by the 1-Wire bus and
// the Dallas thermometer drivers.
package common

// CRC8 calculates the Dallas/Maxim 8-bit CRC of the byte slice parameter and
// returns the calculated value.
//
// This is the CRC used in 1-Wire ROM codes and in DS18x20 scratchpads: the
// polynomial X^8+X^5+X^4+1 processed LSB first, which gives 0x8C in reflected
// form, with an initial value of 0.
func CRC8(bytes []byte) byte {
	var crc byte
	for _, val := range bytes {
		crc ^= val
		for i := 0; i < 8; i++ {
			if (crc & 0x01) == 0 {
				crc >>= 1
			} else {
				crc = (crc >> 1) ^ 0x8c
			}
		}
	}
	return crc
}

// CheckCRC8 returns true if the last byte of buf is the CRC8 of the bytes
// preceding it. Empty buffers never check.
//
// Running the CRC over a buffer that ends with its own CRC yields zero.
func CheckCRC8(buf []byte) bool {
	return len(buf) != 0 && CRC8(buf) == 0
}

// ROMBytes returns the 8 bytes of a 64 bit 1-Wire ROM code in the order they
// travel on the wire: family code first, CRC last.
func ROMBytes(rom uint64) [8]byte {
	var b [8]byte
	for i := range b {
		b[i] = byte(rom >> uint(8*i))
	}
	return b
}

// ROMFromBytes is the inverse of ROMBytes.
func ROMFromBytes(b []byte) uint64 {
	var rom uint64
	for i := 0; i < 8 && i < len(b); i++ {
		rom |= uint64(b[i]) << uint(8*i)
	}
	return rom
}

// ValidROM returns true when the ROM code's CRC byte matches the CRC of its
// family and serial bytes. An all zero ROM is rejected even though its CRC
// happens to match, since it is what an empty bus reads during a search.
func ValidROM(rom uint64) bool {
	if rom == 0 {
		return false
	}
	b := ROMBytes(rom)
	return CheckCRC8(b[:])
}
