// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebus

import (
	"periph.io/x/conn/v3/onewire"

	"github.com/GermanBionicSystems/thermowire/common"
)

// DefaultMaxRetries is the number of times a failed search pass is repeated
// before giving up on it.
const DefaultMaxRetries = 10

// Searcher enumerates the devices on a bus using the ROM search algorithm.
//
// Each pass walks the 64 bit address tree once, following the previous
// address up to the last discrepancy, taking the 1 branch there and the 0
// branch at every new conflict past it. Enumeration ends after a pass that
// records no discrepancy.
//
// A pass that fails because devices stopped answering or because the address
// has an invalid CRC is repeated from the same state up to MaxRetries times.
// An address whose CRC stays invalid is dropped and the search moves past it.
type Searcher struct {
	// MaxRetries bounds how many times a failed pass is repeated.
	MaxRetries int

	cmd     byte
	rom     uint64 // address found by the last committed pass
	last    int    // bit position of the last discrepancy; -1 for none
	done    bool
	passes  int
	dropped int
}

// NewSearcher returns a Searcher at the start of the address tree.
func NewSearcher(alarmOnly bool) *Searcher {
	s := &Searcher{MaxRetries: DefaultMaxRetries, cmd: CmdSearchROM, last: -1}
	if alarmOnly {
		s.cmd = CmdAlarmROM
	}
	return s
}

// Passes returns the number of search passes run so far, retries included.
func (s *Searcher) Passes() int {
	return s.passes
}

// Dropped returns the number of addresses skipped because of an invalid CRC.
func (s *Searcher) Dropped() int {
	return s.dropped
}

// Done returns true once every branch of the tree has been visited.
func (s *Searcher) Done() bool {
	return s.done
}

// Next runs search passes until it finds the next CRC-valid address.
//
// It returns false once the enumeration is complete or when no device answers
// the reset.
func (s *Searcher) Next(t *Txn) (onewire.Address, bool, error) {
	retries := 0
	badCRC := 0
	for !s.done {
		rom, last, res, err := s.pass(t)
		if err != nil {
			return 0, false, err
		}
		s.passes++
		switch res {
		case passFound:
			s.commit(rom, last)
			return onewire.Address(rom), true, nil
		case passEmpty:
			s.done = true
		case passNoMatch:
			if retries >= s.MaxRetries {
				return 0, false, ErrSearchNoMatch
			}
			retries++
		case passBadCRC:
			if rom == 0 {
				// Every bit read as a conflict: the line is stuck low.
				return 0, false, ErrShorted
			}
			if retries < s.MaxRetries {
				retries++
				continue
			}
			if badCRC++; badCRC > s.MaxRetries {
				return 0, false, ErrSearchCRC
			}
			s.dropped++
			s.commit(rom, last)
			retries = 0
		}
	}
	return 0, false, nil
}

//

type passResult int

const (
	passFound passResult = iota
	passEmpty
	passNoMatch
	passBadCRC
)

func (s *Searcher) commit(rom uint64, last int) {
	s.rom = rom
	s.last = last
	if last < 0 {
		s.done = true
	}
}

// pass walks the address tree once. It does not modify s.
func (s *Searcher) pass(t *Txn) (uint64, int, passResult, error) {
	present, err := t.Reset()
	if err != nil {
		return 0, -1, 0, err
	}
	if !present {
		return 0, -1, passEmpty, nil
	}
	if err := t.WriteByte(s.cmd); err != nil {
		return 0, -1, 0, err
	}
	var rom uint64
	last := -1
	for bit := 0; bit < 64; bit++ {
		id, err := t.ReadBit()
		if err != nil {
			return 0, -1, 0, err
		}
		cmp, err := t.ReadBit()
		if err != nil {
			return 0, -1, 0, err
		}
		var dir bool
		switch {
		case id && cmp:
			return 0, -1, passNoMatch, nil
		case id != cmp:
			dir = id
		case bit < s.last:
			dir = (s.rom>>uint(bit))&1 == 1
		case bit == s.last:
			dir = true
		}
		if !id && !cmp && !dir {
			last = bit
		}
		if err := t.WriteBit(dir); err != nil {
			return 0, -1, 0, err
		}
		if dir {
			rom |= 1 << uint(bit)
		}
	}
	if !common.ValidROM(rom) {
		return rom, last, passBadCRC, nil
	}
	return rom, last, passFound, nil
}
