// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sensorreg discovers the Dallas thermometers on a 1-Wire bus and
// persists the resulting sensor set.
//
// A saved sensor set is a sequence of RecordSize byte records, one per sensor,
// without header nor count:
//
//	bytes 0..7  ROM code in wire order: family first, CRC last
//	byte  8     family code, repeated
//	byte  9     1 if the sensor is parasitically powered, else 0
//
// Loading a set does not access the bus.
package sensorreg

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"periph.io/x/conn/v3/onewire"

	"github.com/GermanBionicSystems/thermowire/common"
	"github.com/GermanBionicSystems/thermowire/ds18x20"
	"github.com/GermanBionicSystems/thermowire/onewirebus"
)

// RecordSize is the length of a serialized sensor.
const RecordSize = 10

// ErrMalformedData is returned when deserializing invalid data.
var ErrMalformedData = errors.New("sensorreg: malformed data")

// Opts contains the options of the registry functions.
type Opts struct {
	// Logger receives debug messages about skipped devices and warnings about
	// failed readings. It defaults to discarding everything.
	Logger *slog.Logger
	// Sensor is passed to the ds18x20 constructors.
	Sensor *ds18x20.Opts
}

// ListAll searches bus and returns a sensor for every DS18S20 and DS18B20
// found, in search order.
//
// Other devices are skipped. A search that loses track of some devices keeps
// the ones found so far and logs a warning. An error is only returned when the
// bus cannot be searched at all or when a thermometer cannot be probed.
func ListAll(bus *onewirebus.Bus, opts *Opts) ([]*ds18x20.Dev, error) {
	o := resolveOpts(opts)
	addrs, err := bus.Search(false)
	if errors.Is(err, onewirebus.ErrSearchNoMatch) || errors.Is(err, onewirebus.ErrSearchCRC) {
		o.Logger.Warn("search incomplete", "bus", bus.String(), "found", len(addrs), "err", err)
	} else if err != nil {
		return nil, fmt.Errorf("sensorreg: search: %w", err)
	}
	o.Logger.Debug("search done", "bus", bus.String(), "devices", len(addrs))
	sensors := make([]*ds18x20.Dev, 0, len(addrs))
	for _, a := range addrs {
		d, err := ds18x20.New(bus, a, o.Sensor)
		if errors.Is(err, ds18x20.ErrUnsupportedDevice) || errors.Is(err, ds18x20.ErrInvalidROM) {
			o.Logger.Debug("skipping device", "rom", romString(a), "err", err)
			continue
		}
		if err != nil {
			DestroyAll(sensors)
			return nil, fmt.Errorf("sensorreg: %s: %w", romString(a), err)
		}
		o.Logger.Debug("found sensor", "rom", d.ROM(), "family", d.Family().String(), "parasitic", d.Parasitic())
		sensors = append(sensors, d)
	}
	return sensors, nil
}

// SerializeAll returns the records of sensors concatenated in order.
func SerializeAll(sensors []*ds18x20.Dev) []byte {
	out := make([]byte, 0, len(sensors)*RecordSize)
	for _, s := range sensors {
		out = appendRecord(out, s)
	}
	return out
}

// DeserializeAll rebuilds the sensors saved by SerializeAll and binds them to
// bus.
//
// Every record is validated before any sensor is created: data is either
// accepted whole or rejected.
func DeserializeAll(bus *onewirebus.Bus, data []byte, opts *Opts) ([]*ds18x20.Dev, error) {
	o := resolveOpts(opts)
	if len(data)%RecordSize != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of %d", ErrMalformedData, len(data), RecordSize)
	}
	recs := make([]record, 0, len(data)/RecordSize)
	for i := 0; i < len(data); i += RecordSize {
		r, err := parseRecord(data[i : i+RecordSize])
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrMalformedData, i/RecordSize, err)
		}
		recs = append(recs, r)
	}
	sensors := make([]*ds18x20.Dev, 0, len(recs))
	for i, r := range recs {
		d, err := ds18x20.Restore(bus, r.addr, r.family, r.parasitic, o.Sensor)
		if err != nil {
			DestroyAll(sensors)
			return nil, fmt.Errorf("sensorreg: record %d: %w", i, err)
		}
		sensors = append(sensors, d)
	}
	return sensors, nil
}

// DestroyAll destroys every sensor.
func DestroyAll(sensors []*ds18x20.Dev) {
	for _, s := range sensors {
		_ = s.Destroy()
	}
}

//

type record struct {
	addr      onewire.Address
	family    ds18x20.Family
	parasitic bool
}

func appendRecord(b []byte, s *ds18x20.Dev) []byte {
	rom := common.ROMBytes(uint64(s.Addr()))
	b = append(b, rom[:]...)
	b = append(b, byte(s.Family()))
	if s.Parasitic() {
		return append(b, 1)
	}
	return append(b, 0)
}

func parseRecord(b []byte) (record, error) {
	r := record{
		addr:   onewire.Address(common.ROMFromBytes(b[:8])),
		family: ds18x20.Family(b[8]),
	}
	if byte(r.addr) != b[8] {
		return r, fmt.Errorf("family 0x%02x does not match ROM %s", b[8], romString(r.addr))
	}
	switch b[9] {
	case 0:
	case 1:
		r.parasitic = true
	default:
		return r, fmt.Errorf("invalid power flag %d", b[9])
	}
	return r, nil
}

func romString(a onewire.Address) string {
	return fmt.Sprintf("%016x", uint64(a))
}

func resolveOpts(opts *Opts) Opts {
	var o Opts
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}
