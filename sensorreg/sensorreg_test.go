// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sensorreg

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"periph.io/x/conn/v3/onewire"

	"github.com/GermanBionicSystems/thermowire/ds18x20"
	"github.com/GermanBionicSystems/thermowire/onewirebus"
	"github.com/GermanBionicSystems/thermowire/onewiresim"
)

// info is the persisted content of a sensor.
type info struct {
	ROM       string
	Family    ds18x20.Family
	Parasitic bool
}

func infos(sensors []*ds18x20.Dev) []info {
	out := make([]info, len(sensors))
	for i, s := range sensors {
		out[i] = info{s.ROM(), s.Family(), s.Parasitic()}
	}
	return out
}

func newSim() (*onewiresim.Bus, *onewirebus.Bus, *Opts, *bytes.Buffer) {
	b20 := onewiresim.NewThermometer(0x740000070e41ac28)
	b20.SetTemperature(20.5)
	s20 := onewiresim.NewDS18S20(0x8019e6b3f)
	s20.Parasitic = true
	other := onewiresim.NewThermometer(onewiresim.MakeROM(0x22, 9))
	broken := onewiresim.NewThermometer(onewiresim.MakeROM(0x28, 5) ^ 1<<60)
	sim := onewiresim.NewBus(b20, s20, other, broken)
	var buf bytes.Buffer
	opts := &Opts{
		Logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Sensor: &ds18x20.Opts{Clock: sim.Clock(), ConversionTimeout: time.Second},
	}
	return sim, onewirebus.New(sim.Line()), opts, &buf
}

func TestListAll(t *testing.T) {
	_, bus, opts, buf := newSim()
	sensors, err := ListAll(bus, opts)
	if err != nil {
		t.Fatal(err)
	}
	want := []info{
		{"740000070e41ac28", ds18x20.DS18B20, false},
		{romString(onewiresim.MakeROM(0x10, 0x8019e6b3f)), ds18x20.DS18S20, true},
	}
	sortInfo := cmpopts.SortSlices(func(a, b info) bool { return a.ROM < b.ROM })
	if diff := cmp.Diff(want, infos(sensors), sortInfo); diff != "" {
		t.Fatalf("ListAll() mismatch (-want +got):\n%s", diff)
	}
	if s := buf.String(); !strings.Contains(s, "skipping device") || !strings.Contains(s, romString(onewiresim.MakeROM(0x22, 9))) {
		t.Fatalf("expected the skipped device to be logged:\n%s", s)
	}
}

func TestListAll_fail(t *testing.T) {
	sim, bus, opts, _ := newSim()
	sim.Short(true)
	if _, err := ListAll(bus, opts); !errors.Is(err, onewirebus.ErrShorted) {
		t.Fatalf("expected ErrShorted, got %v", err)
	}
	sim.Short(false)
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := ListAll(bus, opts); !errors.Is(err, onewirebus.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestListAll_empty(t *testing.T) {
	bus := onewirebus.New(onewiresim.NewBus().Line())
	sensors, err := ListAll(bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(sensors) != 0 {
		t.Fatalf("unexpected sensors %v", sensors)
	}
}

func TestSerializeAll(t *testing.T) {
	bus := onewirebus.New(onewiresim.NewBus().Line())
	a, err := ds18x20.Restore(bus, 0x740000070e41ac28, ds18x20.DS18B20, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ds18x20.Restore(bus, onewiresim.MakeROM(0x10, 0x8019e6b3f), ds18x20.DS18S20, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := SerializeAll([]*ds18x20.Dev{a, b})
	rom := b.Addr()
	want := []byte{
		0x28, 0xac, 0x41, 0x0e, 0x07, 0x00, 0x00, 0x74, 0x28, 0x00,
		byte(rom), byte(rom >> 8), byte(rom >> 16), byte(rom >> 24), byte(rom >> 32), byte(rom >> 40), byte(rom >> 48), byte(rom >> 56), 0x10, 0x01,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("SerializeAll() mismatch (-want +got):\n%s", diff)
	}
	if got := SerializeAll(nil); len(got) != 0 {
		t.Fatalf("expected no data, got %#v", got)
	}
}

func TestRoundTrip(t *testing.T) {
	sim, bus, opts, _ := newSim()
	sensors, err := ListAll(bus, opts)
	if err != nil {
		t.Fatal(err)
	}
	data := SerializeAll(sensors)
	if len(data) != 2*RecordSize {
		t.Fatalf("unexpected length %d", len(data))
	}
	resets, slots := sim.Counters()

	// Any bus will do, the sensors are rebound to it.
	other := onewirebus.New(onewiresim.NewBus().Line())
	for _, b := range []*onewirebus.Bus{bus, other} {
		got, err := DeserializeAll(b, data, opts)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(infos(sensors), infos(got)); diff != "" {
			t.Fatalf("DeserializeAll() mismatch (-want +got):\n%s", diff)
		}
	}
	if r, s := sim.Counters(); r != resets || s != slots {
		t.Fatal("DeserializeAll must not access the bus")
	}
}

func TestDeserializeAll_fail(t *testing.T) {
	bus := onewirebus.New(onewiresim.NewBus().Line())
	valid := []byte{0x28, 0xac, 0x41, 0x0e, 0x07, 0x00, 0x00, 0x74, 0x28, 0x00}
	with := func(i int, v byte) []byte {
		b := append([]byte(nil), valid...)
		b[i] = v
		return append(append([]byte(nil), valid...), b...)
	}
	for _, tc := range []struct {
		name string
		data []byte
		want error
	}{
		{"short", valid[:9], ErrMalformedData},
		{"long", append(append([]byte(nil), valid...), 0), ErrMalformedData},
		{"family", with(8, 0x10), ErrMalformedData},
		{"power", with(9, 2), ErrMalformedData},
		{"crc", with(7, 0x75), ds18x20.ErrInvalidROM},
		{"unsupported", []byte{0x22, 1, 0, 0, 0, 0, 0, byte(onewiresim.MakeROM(0x22, 1) >> 56), 0x22, 0}, ds18x20.ErrUnsupportedDevice},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DeserializeAll(bus, tc.data, nil)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if got != nil {
				t.Fatal("malformed data must not be partially parsed")
			}
		})
	}
}

func TestDeserializeAll_empty(t *testing.T) {
	bus := onewirebus.New(onewiresim.NewBus().Line())
	got, err := DeserializeAll(bus, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("unexpected sensors %v", got)
	}
}

func TestRegistry(t *testing.T) {
	a := onewiresim.NewDS18B20(1)
	a.SetTemperature(-1.25)
	b := onewiresim.NewDS18S20(2)
	b.SetTemperature(36.5)
	b.CorruptCRC = true
	sim := onewiresim.NewBus(a, b)
	bus := onewirebus.New(sim.Line())
	var buf bytes.Buffer
	opts := &Opts{
		Logger: slog.New(slog.NewTextHandler(&buf, nil)),
		Sensor: &ds18x20.Opts{Clock: sim.Clock()},
	}
	r := New(bus, opts)
	if err := r.List(); err != nil {
		t.Fatal(err)
	}
	if len(r.Sensors()) != 2 {
		t.Fatalf("expected 2 sensors, got %d", len(r.Sensors()))
	}
	if err := r.Convert(); err != nil {
		t.Fatal(err)
	}
	check := func(readings []Reading) {
		t.Helper()
		got := map[onewire.Address]Reading{}
		for _, rd := range readings {
			got[rd.Sensor.Addr()] = rd
		}
		if rd := got[a.Addr]; rd.Err != nil || rd.Temp.Celsius() != -1.25 {
			t.Fatalf("unexpected reading %s %v", rd.Temp, rd.Err)
		}
		if rd := got[b.Addr]; rd.Err != ds18x20.ErrChecksum {
			t.Fatalf("expected ErrChecksum, got %v", rd.Err)
		}
	}
	check(r.ReadAll())
	if !strings.Contains(buf.String(), "reading failed") {
		t.Fatalf("expected the failure to be logged:\n%s", buf.String())
	}

	data, err := r.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	r2 := New(bus, opts)
	if err := r2.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}
	check(r2.ReadAll())
	readings, err := r2.Cycle()
	if err != nil {
		t.Fatal(err)
	}
	check(readings)
	if err := r2.UnmarshalBinary(data[:5]); !errors.Is(err, ErrMalformedData) {
		t.Fatalf("expected ErrMalformedData, got %v", err)
	}
	if len(r2.Sensors()) != 2 {
		t.Fatal("a failed load must keep the sensor set")
	}

	old := r.Sensors()
	if err := r.Destroy(); err != nil {
		t.Fatal(err)
	}
	if len(r.Sensors()) != 0 || len(r.ReadAll()) != 0 {
		t.Fatal("expected an empty registry")
	}
	if _, err := old[0].Temperature(); err != ds18x20.ErrDestroyed {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
}

func TestListAll_partialSearch(t *testing.T) {
	// The ROM codes first differ at bit 9.
	a := onewiresim.NewDS18B20(1)
	b := onewiresim.NewDS18B20(3)
	sim := onewiresim.NewBus(a, b)
	var buf bytes.Buffer
	opts := &Opts{
		Logger: slog.New(slog.NewTextHandler(&buf, nil)),
		Sensor: &ds18x20.Opts{Clock: sim.Clock()},
	}
	bus := onewirebus.New(&branchLine{Line: sim.Line(), bit: 9})
	sensors, err := ListAll(bus, opts)
	if err != nil {
		t.Fatal(err)
	}
	want := []info{{romString(a.Addr), ds18x20.DS18B20, false}}
	if diff := cmp.Diff(want, infos(sensors)); diff != "" {
		t.Fatalf("ListAll() mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(buf.String(), "search incomplete") {
		t.Fatalf("expected a warning:\n%s", buf.String())
	}
}

func TestRegistry_cycleHoldsBus(t *testing.T) {
	a := onewiresim.NewDS18B20(1)
	a.SetTemperature(4.5)
	b := onewiresim.NewDS18B20(2)
	b.SetTemperature(5.5)
	sim := onewiresim.NewBus(a, b)
	l := &watchLine{Line: sim.Line(), mid: make(chan struct{})}
	bus := onewirebus.New(l)
	r := New(bus, &Opts{Sensor: &ds18x20.Opts{Clock: sim.Clock()}})
	if err := r.List(); err != nil {
		t.Fatal(err)
	}
	l.mu.Lock()
	l.at = l.slots + 100
	l.mu.Unlock()

	// Another user of the bus shows up while the conversion is running.
	done := make(chan error)
	go func() {
		<-l.mid
		_, err := bus.Reset()
		done <- err
	}()
	readings, err := r.Cycle()
	if err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	for _, rd := range readings {
		if rd.Err != nil {
			t.Fatal(rd.Err)
		}
	}
	l.mu.Lock()
	last := l.log[len(l.log)-1]
	l.mu.Unlock()
	if last != "reset" {
		t.Fatal("a reset ran between the conversion and the reads")
	}
}

//

// branchLine loses every device during a search pass right after the 1
// branch was taken at bit.
type branchLine struct {
	*onewiresim.Line
	bit int

	slot int
	cmd  byte
	lost bool
}

func (l *branchLine) Reset() (bool, error) {
	l.slot, l.cmd, l.lost = 0, 0, false
	return l.Line.Reset()
}

func (l *branchLine) Touch(bit bool) (bool, error) {
	l.slot++
	v, err := l.Line.Touch(bit)
	switch {
	case l.slot <= 8:
		if bit {
			l.cmd |= 1 << uint(l.slot-1)
		}
	case l.lost:
		return true, err
	case l.cmd == onewirebus.CmdSearchROM && l.slot == 11+3*l.bit && bit:
		// The slot writing the direction taken at bit.
		l.lost = true
	}
	return v, err
}

// watchLine logs the resets and slots and closes mid on slot number at.
type watchLine struct {
	*onewiresim.Line
	mid chan struct{}

	mu    sync.Mutex
	at    int
	log   []string
	slots int
}

func (l *watchLine) Reset() (bool, error) {
	l.record("reset")
	return l.Line.Reset()
}

func (l *watchLine) Touch(bit bool) (bool, error) {
	l.record("slot")
	return l.Line.Touch(bit)
}

func (l *watchLine) record(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = append(l.log, event)
	if event == "slot" {
		if l.slots++; l.slots == l.at {
			close(l.mid)
		}
	}
}
