// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiresim

import (
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3/onewire"

	"github.com/GermanBionicSystems/thermowire/common"
)

// Family codes of the simulated thermometers.
const (
	FamilyDS18S20 = 0x10
	FamilyDS18B20 = 0x28
)

// MakeROM returns the ROM code for a device of the given family and 48 bit
// serial number, with a valid CRC.
func MakeROM(family byte, serial uint64) onewire.Address {
	rom := uint64(family) | (serial&0xffffffffffff)<<8
	b := common.ROMBytes(rom)
	rom |= uint64(common.CRC8(b[:7])) << 56
	return onewire.Address(rom)
}

// Thermometer simulates a DS18S20 or DS18B20.
//
// Configure the exported fields before attaching the device to a bus.
type Thermometer struct {
	// Addr is the ROM code. It is not validated so a device with a corrupted
	// ROM can be simulated.
	Addr onewire.Address
	// Parasitic makes the device draw power from the data line. It then
	// reports parasitic power and its conversions only complete if the
	// strong pull-up is held for their whole duration.
	Parasitic bool
	// ConversionTime overrides the datasheet conversion time.
	ConversionTime time.Duration
	// CorruptCRC makes the device send a scratchpad with an invalid CRC.
	CorruptCRC bool
	// Silent makes the device ignore the bus entirely.
	Silent bool

	mu          sync.Mutex
	celsius     float64
	scratch     [9]byte
	state       state
	bits        int    // bits received in the current byte or address
	shift       uint64 // bits received, LSB first
	out         []bool // bits queued for transmission
	searchPhase int
	converting  bool
	powered     bool
	convEnd     time.Time
	conversions int
}

type state int

const (
	stIdle state = iota
	stROMCommand
	stMatch
	stSearch
	stFunction
	stSend
	stConverting
	stPower
	stWrite
)

// NewDS18B20 returns a DS18B20 at 12 bits resolution.
func NewDS18B20(serial uint64) *Thermometer {
	return NewThermometer(MakeROM(FamilyDS18B20, serial))
}

// NewDS18S20 returns a DS18S20.
func NewDS18S20(serial uint64) *Thermometer {
	return NewThermometer(MakeROM(FamilyDS18S20, serial))
}

// NewThermometer returns a thermometer with the ROM code addr in its power-on
// state: the scratchpad holds 85°C until the first conversion.
func NewThermometer(addr onewire.Address) *Thermometer {
	t := &Thermometer{Addr: addr, celsius: 25}
	t.scratch = [9]byte{0, 0, 0x4b, 0x46, 0x7f, 0xff, 0x0c, 0x10}
	if t.family() == FamilyDS18S20 {
		t.scratch[4] = 0xff
	}
	t.store(85)
	return t
}

// ROM implements Device.
func (t *Thermometer) ROM() onewire.Address {
	return t.Addr
}

// SetTemperature sets the temperature the next conversion will measure.
func (t *Thermometer) SetTemperature(celsius float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.celsius = celsius
}

// Conversions returns the number of conversions that completed.
func (t *Thermometer) Conversions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversions
}

// Resolution returns the resolution in bits the device is configured for.
func (t *Thermometer) Resolution() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolution()
}

// Reset implements Device.
func (t *Thermometer) Reset(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Silent {
		return false
	}
	t.finish(now)
	t.state = stROMCommand
	t.bits = 0
	t.shift = 0
	t.out = nil
	return true
}

// Power implements Device.
func (t *Thermometer) Power(now time.Time, strong bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.converting || !t.Parasitic {
		return
	}
	if strong {
		t.powered = true
		return
	}
	t.finish(now)
}

// Slot implements Device.
func (t *Thermometer) Slot(now time.Time, bit bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Silent {
		return true
	}
	switch t.state {
	case stROMCommand:
		if b, ok := t.collect(bit, 8); ok {
			t.romCommand(byte(b))
		}
	case stMatch:
		if a, ok := t.collect(bit, 64); ok {
			if onewire.Address(a) == t.Addr {
				t.state = stFunction
			} else {
				t.state = stIdle
			}
		}
	case stSearch:
		return t.search(bit)
	case stFunction:
		if b, ok := t.collect(bit, 8); ok {
			t.function(now, byte(b))
		}
	case stSend:
		if len(t.out) == 0 {
			t.state = stIdle
			return true
		}
		v := t.out[0]
		t.out = t.out[1:]
		return v
	case stConverting:
		t.finish(now)
		if t.Parasitic {
			return true
		}
		return !t.converting
	case stPower:
		return !t.Parasitic
	case stWrite:
		n := 3
		if t.family() == FamilyDS18S20 {
			n = 2
		}
		if v, ok := t.collect(bit, 8*n); ok {
			t.scratch[2] = byte(v)
			t.scratch[3] = byte(v >> 8)
			if n == 3 {
				t.scratch[4] = byte(v>>16)&0x60 | 0x1f
			}
			t.scratch[8] = common.CRC8(t.scratch[:8])
			t.state = stIdle
		}
	}
	return true
}

//

func (t *Thermometer) family() byte {
	return byte(t.Addr)
}

func (t *Thermometer) resolution() int {
	if t.family() == FamilyDS18S20 {
		return 9
	}
	return int(t.scratch[4]>>5&3) + 9
}

// collect shifts bit in and returns the accumulated value once n bits were
// received.
func (t *Thermometer) collect(bit bool, n int) (uint64, bool) {
	if bit {
		t.shift |= 1 << uint(t.bits)
	}
	t.bits++
	if t.bits < n {
		return 0, false
	}
	v := t.shift
	t.bits = 0
	t.shift = 0
	return v, true
}

func (t *Thermometer) romCommand(cmd byte) {
	switch cmd {
	case 0x33: // read ROM
		rom := common.ROMBytes(uint64(t.Addr))
		t.send(rom[:]...)
	case 0x55: // match ROM
		t.state = stMatch
	case 0xcc: // skip ROM
		t.state = stFunction
	case 0xf0: // search ROM
		t.state = stSearch
		t.searchPhase = 0
	case 0xec: // alarm search
		if t.alarm() {
			t.state = stSearch
			t.searchPhase = 0
		} else {
			t.state = stIdle
		}
	default:
		t.state = stIdle
	}
}

func (t *Thermometer) search(bit bool) bool {
	mine := (uint64(t.Addr)>>uint(t.bits))&1 == 1
	switch t.searchPhase {
	case 0:
		t.searchPhase = 1
		return mine
	case 1:
		t.searchPhase = 2
		return !mine
	}
	t.searchPhase = 0
	if bit != mine {
		t.state = stIdle
		return true
	}
	if t.bits++; t.bits == 64 {
		t.bits = 0
		t.state = stFunction
	}
	return true
}

func (t *Thermometer) function(now time.Time, cmd byte) {
	switch cmd {
	case 0x44: // convert T
		d := t.ConversionTime
		if d == 0 {
			d = 750 * time.Millisecond
			if t.family() == FamilyDS18B20 {
				d >>= uint(12 - t.resolution())
			}
		}
		t.converting = true
		t.powered = !t.Parasitic
		t.convEnd = now.Add(d)
		t.state = stConverting
	case 0xbe: // read scratchpad
		t.finish(now)
		s := t.scratch
		if t.CorruptCRC {
			s[8] ^= 0x01
		}
		t.send(s[:]...)
	case 0x4e: // write scratchpad
		t.state = stWrite
	case 0x48: // copy scratchpad
		t.state = stIdle
	case 0xb8: // recall EEPROM, completes instantly
		t.state = stIdle
	case 0xb4: // read power supply
		t.state = stPower
	default:
		t.state = stIdle
	}
}

// finish completes or aborts the ongoing conversion as of now.
func (t *Thermometer) finish(now time.Time) {
	if !t.converting {
		return
	}
	if now.Before(t.convEnd) {
		if t.Parasitic {
			// Power lost in the middle of the conversion.
			t.converting = false
		}
		return
	}
	t.converting = false
	if !t.powered {
		return
	}
	t.conversions++
	t.store(t.celsius)
}

func (t *Thermometer) alarm() bool {
	if t.conversions == 0 {
		return false
	}
	c := int(math.Floor(t.celsius))
	return c >= int(int8(t.scratch[2])) || c <= int(int8(t.scratch[3]))
}

// store encodes celsius in the scratchpad the way the device family does.
func (t *Thermometer) store(celsius float64) {
	if t.family() == FamilyDS18S20 {
		whole := math.Floor(celsius + 0.25)
		remain := 16 - math.Round((celsius-whole+0.25)*16)
		raw := int16(whole) * 2
		t.scratch[0] = byte(raw)
		t.scratch[1] = byte(uint16(raw) >> 8)
		t.scratch[6] = byte(remain)
		t.scratch[7] = 0x10
	} else {
		raw := int16(math.Round(celsius * 16))
		raw &^= int16(1)<<uint(12-t.resolution()) - 1
		t.scratch[0] = byte(raw)
		t.scratch[1] = byte(uint16(raw) >> 8)
	}
	t.scratch[8] = common.CRC8(t.scratch[:8])
}

func (t *Thermometer) send(bytes ...byte) {
	t.out = t.out[:0]
	for _, b := range bytes {
		for i := uint(0); i < 8; i++ {
			t.out = append(t.out, b&(1<<i) != 0)
		}
	}
	t.state = stSend
}

var _ Device = &Thermometer{}
