// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18x20

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"

	"github.com/GermanBionicSystems/thermowire/common"
	"github.com/GermanBionicSystems/thermowire/onewirebus"
)

// Family code of the specific device type
type Family byte

func (f Family) String() string {
	switch f {
	case DS18S20:
		return "DS18S20"
	case DS18B20:
		return "DS18B20"
	default:
		return "unknown"
	}
}

const DS18B20 Family = 0x28
const DS18S20 Family = 0x10

// Function commands.
const (
	cmdConvert         = 0x44
	cmdReadScratchpad  = 0xbe
	cmdWriteScratchpad = 0x4e
	cmdCopyScratchpad  = 0x48
	cmdReadPower       = 0xb4
)

// ParasiticWait is how long the strong pull-up is held during a conversion
// when at least one device is parasitically powered. Parasitic devices cannot
// signal completion so the worst case conversion time is waited for, with a
// margin.
const ParasiticWait = time.Second

// Opts holds the configuration shared by the sensors of a bus.
type Opts struct {
	// Clock is used to wait for conversions. It defaults to the real clock.
	Clock clockwork.Clock
	// ConversionTimeout bounds how long externally powered devices are polled
	// for the end of a conversion.
	ConversionTimeout time.Duration
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	ConversionTimeout: time.Second,
}

// New returns an object that communicates over 1-wire to the DS18S20 or
// DS18B20 sensor with the specified 64-bit address.
//
// The address must have a valid CRC and one of the supported family codes.
// The device is asked how it is powered; a device that does not answer is
// assumed to be externally powered.
func New(bus *onewirebus.Bus, addr onewire.Address, opts *Opts) (*Dev, error) {
	if err := checkAddr(addr); err != nil {
		return nil, err
	}
	d := newDev(bus, addr, opts)
	parasitic, err := d.readPowerSupply()
	if err != nil {
		return nil, err
	}
	d.parasitic = parasitic
	return d, nil
}

// Restore returns a sensor from previously saved information, without
// accessing the bus.
//
// family must match the family code of addr.
func Restore(bus *onewirebus.Bus, addr onewire.Address, family Family, parasitic bool, opts *Opts) (*Dev, error) {
	if err := checkAddr(addr); err != nil {
		return nil, err
	}
	if Family(addr&0xff) != family {
		return nil, fmt.Errorf("ds18x20: family %s does not match address %016x", family, uint64(addr))
	}
	d := newDev(bus, addr, opts)
	d.parasitic = parasitic
	return d, nil
}

// ConvertAll starts a temperature conversion on all the devices on the bus
// at once and returns when it has completed.
//
// When one of sensors is parasitically powered, the strong pull-up is held
// for ParasiticWait. Otherwise the bus is polled until the devices report the
// end of the conversion, which takes from 94ms to 750ms depending on the
// resolution, or until opts.ConversionTimeout elapses. The bus is locked for
// the whole duration.
func ConvertAll(bus *onewirebus.Bus, sensors []*Dev, opts *Opts) error {
	return bus.Transact(func(t *onewirebus.Txn) error {
		return ConvertTx(t, sensors, opts)
	})
}

// ConvertTx is ConvertAll as one step of a transaction, so the results can be
// read before the bus is released.
func ConvertTx(t *onewirebus.Txn, sensors []*Dev, opts *Opts) error {
	o := resolveOpts(opts)
	parasitic := false
	for _, s := range sensors {
		if s.parasitic {
			parasitic = true
			break
		}
	}
	if err := t.SkipROM(); err != nil {
		return err
	}
	return convert(t, parasitic, &o)
}

// Dev is a handle to a Dallas Semi / Maxim DS18S20 or DS18B20 temperature
// sensor on a 1-wire bus.
type Dev struct {
	bus       *onewirebus.Bus
	addr      onewire.Address
	parasitic bool
	opts      Opts

	mu        sync.Mutex
	destroyed bool
	shutdown  chan struct{}
}

// Addr returns the 64 bit ROM code.
func (d *Dev) Addr() onewire.Address {
	return d.addr
}

// ROM returns the ROM code as 16 lowercase hex digits, CRC byte first.
func (d *Dev) ROM() string {
	return fmt.Sprintf("%016x", uint64(d.addr))
}

func (d *Dev) Family() Family {
	return Family(d.addr & 0xFF)
}

// Parasitic returns true if the device draws its power from the data line.
func (d *Dev) Parasitic() bool {
	return d.parasitic
}

func (d *Dev) String() string {
	return d.Family().String() + "{" + d.bus.String() + "(" + d.ROM() + ")}"
}

// Halt implements conn.Resource.
//
// It terminates a SenseContinuous loop if running.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stop()
	return nil
}

// Destroy releases the sensor. Every later call to a method accessing the
// bus returns ErrDestroyed. Destroying twice is harmless.
func (d *Dev) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stop()
	d.destroyed = true
	return nil
}

// Temperature reads the temperature resulting from the last conversion from
// the device.
//
// It is useful in combination with ConvertAll.
func (d *Dev) Temperature() (physic.Temperature, error) {
	if err := d.alive(); err != nil {
		return 0, err
	}
	var c physic.Temperature
	err := d.bus.Transact(func(t *onewirebus.Txn) error {
		var err error
		c, err = d.TemperatureTx(t)
		return err
	})
	return c, err
}

// TemperatureTx is Temperature as one step of a transaction.
func (d *Dev) TemperatureTx(t *onewirebus.Txn) (physic.Temperature, error) {
	if err := d.alive(); err != nil {
		return 0, err
	}
	spad, err := d.readScratchpad(t)
	if err != nil {
		return 0, err
	}

	c := d.parseTemperature(spad)

	// The device powers up with a value of 85°C, so if we read that odds are
	// very high that either no conversion was performed or that the conversion
	// failed due to lack of power. This prevents reading a temp of exactly 85°C,
	// but that seems like the right tradeoff.
	if c == 85*physic.Celsius+physic.ZeroCelsius {
		return 0, ErrNotConverted
	}
	return c, nil
}

// Resolution returns the number of bits of the readings. It is always 9 for
// a DS18S20.
func (d *Dev) Resolution() (int, error) {
	if d.Family() == DS18S20 {
		if err := d.alive(); err != nil {
			return 0, err
		}
		return 9, nil
	}
	spad, err := d.scratchpad()
	if err != nil {
		return 0, err
	}
	return int(spad[4]>>5&3) + 9, nil
}

// SetResolution configures the DS18B20 for bits of resolution and saves it
// in EEPROM. The alarm thresholds are preserved.
//
// bits must be in the range 9..12 and determines how many bits of precision
// the readings have. The resolution affects the conversion time:
// 9bits:94ms, 10bits:188ms, 11bits:375ms, 12bits:750ms.
//
// A resolution of 10 bits corresponds to 0.25C and tends to be a good
// compromise between conversion time and the device's inherent accuracy of
// +/-0.5C.
func (d *Dev) SetResolution(bits int) error {
	if bits < 9 || bits > 12 {
		return errors.New("ds18x20: invalid resolution")
	}
	if d.Family() != DS18B20 {
		return fmt.Errorf("ds18x20: %s has a fixed resolution", d.Family())
	}
	spad, err := d.scratchpad()
	if err != nil {
		return err
	}
	if int(spad[4]>>5&3) == bits-9 {
		return nil
	}
	// Datasheet p.6.
	return d.bus.Transact(func(t *onewirebus.Txn) error {
		if err := t.Select(d.addr); err != nil {
			return err
		}
		if err := t.Write([]byte{cmdWriteScratchpad, spad[2], spad[3], byte((bits-9)<<5) | 0x1f}); err != nil {
			return err
		}
		// Copy the scratchpad to EEPROM to save the values.
		if err := t.Select(d.addr); err != nil {
			return err
		}
		if err := t.WriteByte(cmdCopyScratchpad); err != nil {
			return err
		}
		if err := t.StrongPullup(true); err != nil {
			return err
		}
		// Wait for the write to complete.
		d.opts.Clock.Sleep(10 * time.Millisecond)
		return t.StrongPullup(false)
	})
}

// Sense implements physic.SenseEnv.
//
// It runs a conversion on this device only and reads the result.
func (d *Dev) Sense(e *physic.Env) error {
	if err := d.alive(); err != nil {
		return err
	}
	return d.bus.Transact(func(t *onewirebus.Txn) error {
		if err := t.Select(d.addr); err != nil {
			return err
		}
		if err := convert(t, d.parasitic, &d.opts); err != nil {
			return err
		}
		c, err := d.TemperatureTx(t)
		if err != nil {
			return err
		}
		e.Temperature = c
		return nil
	})
}

// SenseContinuous implements physic.SenseEnv.
//
// Failed readings are skipped. Call Halt to terminate the loop; the channel is
// closed afterward.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return nil, ErrDestroyed
	}
	if d.shutdown != nil {
		return nil, errors.New("ds18x20: SenseContinuous already running")
	}
	shutdown := make(chan struct{})
	d.shutdown = shutdown
	ch := make(chan physic.Env, 16)
	go func() {
		ticker := d.opts.Clock.NewTicker(interval)
		defer ticker.Stop()
		defer close(ch)
		for {
			select {
			case <-shutdown:
				return
			case <-ticker.Chan():
				env := physic.Env{}
				if err := d.Sense(&env); err != nil {
					continue
				}
				select {
				case ch <- env:
				case <-shutdown:
					return
				}
			}
		}
	}()
	return ch, nil
}

// Precision implements physic.SenseEnv.
//
// It reads the configured resolution from the device. A DS18S20 only reaches
// 1/16°C when it reports its count per degree; it is 0.5°C otherwise, which is
// also what is reported when the device cannot be read.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = physic.Kelvin / 2
	spad, err := d.scratchpad()
	if err != nil {
		return
	}
	if d.Family() == DS18S20 {
		if spad[7] != 0 {
			e.Temperature = physic.Kelvin / 16
		}
		return
	}
	// 9 bits is 0.5°C, each additional bit halves it.
	e.Temperature = physic.Kelvin >> (spad[4]>>5&3 + 1)
}

// parseTemperature from scratchpad and handle special calculation for DS18S20
func (d *Dev) parseTemperature(spad []byte) physic.Temperature {
	// spad[1] is MSB and spad[0] is LSB of the raw temperature value
	rawTemp := int16(spad[1])<<8 | int16(spad[0])

	if d.Family() == DS18S20 && spad[7] != 0 {
		// for higher resolution some additional calculation is required
		// TEMPERATURE = TEMP_READ - 0,25 + (COUNT_PER_C-COUNT_REMAIN)/COUNT_PER_C
		//  TEMP_READ = value from spad[1] (MSB) and spad[0] (LSB) with truncated last bit (0,5°C)
		//  COUNT_PER_C = spad[7]
		//  COUNT_REMAIN = spad[6]
		mask := 0xFFFE
		rawTemp = ((rawTemp & int16(mask)) << 3) + 12 - int16(spad[6])
	} else if d.Family() == DS18S20 {
		// Without COUNT_PER_C the reading is in 0.5°C units.
		rawTemp <<= 3
	}
	// rawTemp has 4 fractional bits. Need to do sign extension multiply by
	// 1000 to get Millis, divide by 16 due to 4 fractional bits. Datasheet p.4.
	v := physic.Temperature(rawTemp)
	return v*physic.Kelvin/16 + physic.ZeroCelsius
}

// readPowerSupply asks the device whether it is parasitically powered.
func (d *Dev) readPowerSupply() (bool, error) {
	parasitic := false
	err := d.bus.Transact(func(t *onewirebus.Txn) error {
		if err := t.Select(d.addr); err != nil {
			return err
		}
		if err := t.WriteByte(cmdReadPower); err != nil {
			return err
		}
		// Parasitic devices pull the line low during the read slot.
		bit, err := t.ReadBit()
		parasitic = !bit
		return err
	})
	if errors.Is(err, onewirebus.ErrNoDevice) {
		return false, nil
	}
	return parasitic, err
}

// scratchpad reads the scratchpad in its own transaction.
func (d *Dev) scratchpad() ([]byte, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	var spad []byte
	err := d.bus.Transact(func(t *onewirebus.Txn) error {
		var err error
		spad, err = d.readScratchpad(t)
		return err
	})
	return spad, err
}

// readScratchpad reads the 9 bytes of scratchpad and checks the CRC.
// It returns the 8 bytes of scratchpad data (excluding the CRC byte).
func (d *Dev) readScratchpad(t *onewirebus.Txn) ([]byte, error) {
	var spad [9]byte
	if err := t.Select(d.addr); err != nil {
		return nil, err
	}
	if err := t.WriteByte(cmdReadScratchpad); err != nil {
		return nil, err
	}
	if err := t.Read(spad[:]); err != nil {
		return nil, err
	}
	// All zeros has a valid CRC but no device ever reports a zero
	// configuration byte: the line is held low.
	if allBytes(spad[:], 0xff) || allBytes(spad[:], 0) {
		return nil, ErrNoResponse
	}
	if !common.CheckCRC8(spad[:]) {
		return nil, ErrChecksum
	}
	return spad[:8], nil
}

func allBytes(b []byte, v byte) bool {
	for _, c := range b {
		if c != v {
			return false
		}
	}
	return true
}

func (d *Dev) alive() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}
	return nil
}

// stop terminates SenseContinuous. d.mu must be held.
func (d *Dev) stop() {
	if d.shutdown != nil {
		close(d.shutdown)
		d.shutdown = nil
	}
}

//

func newDev(bus *onewirebus.Bus, addr onewire.Address, opts *Opts) *Dev {
	return &Dev{bus: bus, addr: addr, opts: resolveOpts(opts)}
}

func resolveOpts(opts *Opts) Opts {
	if opts == nil {
		opts = &DefaultOpts
	}
	o := *opts
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.ConversionTimeout <= 0 {
		o.ConversionTimeout = DefaultOpts.ConversionTimeout
	}
	return o
}

func checkAddr(addr onewire.Address) error {
	if !common.ValidROM(uint64(addr)) {
		return ErrInvalidROM
	}
	if f := Family(addr & 0xff); f != DS18S20 && f != DS18B20 {
		return fmt.Errorf("%w: family 0x%02x", ErrUnsupportedDevice, byte(f))
	}
	return nil
}

// convert issues Convert T to the devices addressed by t and waits for the
// end of the conversion.
func convert(t *onewirebus.Txn, parasitic bool, o *Opts) error {
	if err := t.WriteByte(cmdConvert); err != nil {
		return err
	}
	if parasitic {
		if err := t.StrongPullup(true); err != nil {
			return err
		}
		o.Clock.Sleep(ParasiticWait)
		return t.StrongPullup(false)
	}
	// Externally powered devices answer read slots with 0 while converting.
	start := o.Clock.Now()
	for {
		done, err := t.ReadBit()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if o.Clock.Since(start) >= o.ConversionTimeout {
			return ErrConversionTimeout
		}
	}
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

// deviceError is returned for problems with the sensor itself, not the bus.
type deviceError string

func (e deviceError) Error() string { return string(e) }

const (
	// ErrInvalidROM is returned for an address with an invalid CRC.
	ErrInvalidROM = deviceError("ds18x20: invalid ROM CRC")
	// ErrUnsupportedDevice is returned for an address that is not a DS18S20
	// or a DS18B20.
	ErrUnsupportedDevice = deviceError("ds18x20: unsupported device family")
	// ErrDestroyed is returned when using a sensor after Destroy.
	ErrDestroyed = deviceError("ds18x20: sensor destroyed")
	// ErrChecksum is returned when the scratchpad CRC does not match.
	ErrChecksum = busError("ds18x20: incorrect scratchpad CRC")
	// ErrNoResponse is returned when the scratchpad reads as all ones or all
	// zeros: the device did not answer or the line is held low.
	ErrNoResponse = busError("ds18x20: device did not respond")
	// ErrNotConverted is returned when the scratchpad holds the power-on value.
	ErrNotConverted = busError("ds18x20: has not performed a temperature conversion (insufficient pull-up?)")
	// ErrConversionTimeout is returned when externally powered devices did
	// not report the end of a conversion in time.
	ErrConversionTimeout = busError("ds18x20: conversion timeout")
)

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
var _ onewire.BusError = ErrChecksum
