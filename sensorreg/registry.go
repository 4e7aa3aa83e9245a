// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sensorreg

import (
	"sync"

	"periph.io/x/conn/v3/physic"

	"github.com/GermanBionicSystems/thermowire/ds18x20"
	"github.com/GermanBionicSystems/thermowire/onewirebus"
)

// Reading is the outcome of reading one sensor.
type Reading struct {
	Sensor *ds18x20.Dev
	Temp   physic.Temperature
	Err    error
}

// Registry keeps the sensor set of a bus.
//
// It is safe for concurrent use.
type Registry struct {
	bus  *onewirebus.Bus
	opts Opts

	mu      sync.Mutex
	sensors []*ds18x20.Dev
}

// New returns an empty registry for bus.
func New(bus *onewirebus.Bus, opts *Opts) *Registry {
	return &Registry{bus: bus, opts: resolveOpts(opts)}
}

// List searches the bus and replaces the sensor set with the thermometers
// found.
func (r *Registry) List() error {
	sensors, err := ListAll(r.bus, &r.opts)
	if err != nil {
		return err
	}
	r.replace(sensors)
	return nil
}

// Sensors returns the current sensor set.
func (r *Registry) Sensors() []*ds18x20.Dev {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ds18x20.Dev(nil), r.sensors...)
}

// Convert runs one conversion on all the sensors of the bus.
func (r *Registry) Convert() error {
	return ds18x20.ConvertAll(r.bus, r.Sensors(), r.opts.Sensor)
}

// ReadAll reads the result of the last conversion from every sensor.
//
// A failed reading is reported in its Reading and does not prevent the other
// sensors from being read.
func (r *Registry) ReadAll() []Reading {
	sensors := r.Sensors()
	out := make([]Reading, len(sensors))
	for i, s := range sensors {
		out[i].Sensor = s
		out[i].Temp, out[i].Err = s.Temperature()
	}
	r.logFailures(out)
	return out
}

// Cycle runs one conversion on all the sensors and reads them back without
// releasing the bus in between, so no other command can run between the
// conversion and the reads.
//
// An error is returned only if the conversion fails. Failed readings are
// reported as in ReadAll.
func (r *Registry) Cycle() ([]Reading, error) {
	sensors := r.Sensors()
	out := make([]Reading, len(sensors))
	err := r.bus.Transact(func(t *onewirebus.Txn) error {
		if err := ds18x20.ConvertTx(t, sensors, r.opts.Sensor); err != nil {
			return err
		}
		for i, s := range sensors {
			out[i].Sensor = s
			out[i].Temp, out[i].Err = s.TemperatureTx(t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logFailures(out)
	return out, nil
}

func (r *Registry) logFailures(readings []Reading) {
	for _, rd := range readings {
		if rd.Err != nil {
			r.opts.Logger.Warn("reading failed", "rom", rd.Sensor.ROM(), "err", rd.Err)
		}
	}
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *Registry) MarshalBinary() ([]byte, error) {
	return SerializeAll(r.Sensors()), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
//
// The sensor set is replaced only if data is valid.
func (r *Registry) UnmarshalBinary(data []byte) error {
	sensors, err := DeserializeAll(r.bus, data, &r.opts)
	if err != nil {
		return err
	}
	r.replace(sensors)
	return nil
}

// Destroy destroys every sensor and empties the registry. The bus is left
// open.
func (r *Registry) Destroy() error {
	r.replace(nil)
	return nil
}

func (r *Registry) replace(sensors []*ds18x20.Dev) {
	r.mu.Lock()
	old := r.sensors
	r.sensors = sensors
	r.mu.Unlock()
	DestroyAll(old)
}
