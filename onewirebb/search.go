// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebb

import "periph.io/x/conn/v3/onewire"

// Command is a ROM command, sent right after a reset.
type Command byte

const (
	ReadROM     Command = 0x33 // read the address of the only device on the bus
	MatchROM    Command = 0x55 // select the device whose address follows
	SkipROM     Command = 0xcc // select all devices
	SearchROM   Command = 0xf0 // search all devices
	AlarmSearch Command = 0xec // search devices in alarm state
)

// addrBits is the width of a device address.
const addrBits = 64

func bitOf(a onewire.Address, i int) bool {
	return a>>uint(i)&1 != 0
}

// ReadSingleAddress reads the address of the device on the bus with
// ReadROM. ok is false when no device is present.
//
// The result is only meaningful when exactly one device shares the bus; with
// more, the addresses are wire-ANDed together.
func (m *Master) ReadSingleAddress() (a onewire.Address, ok bool, err error) {
	present, err := m.Reset()
	if err != nil || !present {
		return 0, false, err
	}
	if err := m.WriteByte(byte(ReadROM)); err != nil {
		return 0, false, err
	}
	v, err := m.ReadBits(addrBits)
	if err != nil {
		return 0, false, err
	}
	return onewire.Address(v), true, nil
}

// Select resets the bus and addresses the device a with MatchROM.
func (m *Master) Select(a onewire.Address) error {
	if err := m.start(MatchROM, "select"); err != nil {
		return err
	}
	return m.WriteBits(uint64(a), addrBits)
}

// Skip resets the bus and addresses all devices with SkipROM.
func (m *Master) Skip() error {
	return m.start(SkipROM, "skip")
}

// First returns the lowest address on the bus, considering only devices in
// alarm state if alarm is set. ok is false when there is none.
//
// Addresses are ordered the way the search visits them: bit 0 decides first.
func (m *Master) First(alarm bool) (a onewire.Address, ok bool, err error) {
	present, err := m.Reset()
	if err != nil || !present {
		return 0, false, err
	}
	if err := m.WriteByte(byte(searchCommand(alarm))); err != nil {
		return 0, false, err
	}
	if a, err = m.traverse(0, 0); err != nil {
		// Devices answer the reset but none is alarmed: every bit reads
		// (1, 1).
		if alarm && KindOf(err) == Vanished {
			return 0, false, nil
		}
		return 0, false, err
	}
	return a, true, nil
}

// Next returns the address following prev on the bus. ok is false when prev
// is the last one.
//
// Calling First then Next until ok is false visits every device once, as
// long as no device joins or leaves the bus meanwhile; a change is reported
// as Vanished.
func (m *Master) Next(prev onewire.Address, alarm bool) (a onewire.Address, ok bool, err error) {
	const op = "next"
	off, err := m.descend(prev, alarm)
	if err != nil || off == addrBits {
		return 0, false, err
	}
	if err := m.start(searchCommand(alarm), op); err != nil {
		return 0, false, err
	}
	for i := 0; i < off; i++ {
		v, c, err := m.readPair()
		if err != nil {
			return 0, false, locate(err, i)
		}
		want := bitOf(prev, i)
		if v && c || v != c && v != want {
			return 0, false, fail(Vanished, op, i)
		}
		if err := m.WriteBit(want); err != nil {
			return 0, false, locate(err, i)
		}
	}
	v, c, err := m.readPair()
	if err != nil {
		return 0, false, locate(err, off)
	}
	if v || c {
		return 0, false, fail(Vanished, op, off)
	}
	if err := m.WriteBit(true); err != nil {
		return 0, false, locate(err, off)
	}
	a = prev&(1<<uint(off)-1) | 1<<uint(off)
	if a, err = m.traverse(a, off+1); err != nil {
		return 0, false, err
	}
	return a, true, nil
}

// traverse completes a from bit from onwards, taking the 0 branch wherever
// devices disagree. The search must already be positioned at bit from.
func (m *Master) traverse(a onewire.Address, from int) (onewire.Address, error) {
	const op = "traverse"
	for i := from; i < addrBits; i++ {
		v, c, err := m.readPair()
		if err != nil {
			return 0, locate(err, i)
		}
		if v && c {
			return 0, fail(Vanished, op, i)
		}
		// When v == c both are 0 and v already is the 0 branch.
		if err := m.WriteBit(v); err != nil {
			return 0, locate(err, i)
		}
		if v {
			a |= 1 << uint(i)
		} else {
			a &^= 1 << uint(i)
		}
	}
	return a, nil
}

// descend replays the search path of a and returns the position of the last
// branch where a took the 0 side, or addrBits if there is none.
func (m *Master) descend(a onewire.Address, alarm bool) (int, error) {
	const op = "descend"
	present, err := m.Reset()
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, fail(Vanished, op, -1)
	}
	if err := m.WriteByte(byte(searchCommand(alarm))); err != nil {
		return 0, err
	}
	last := addrBits
	for i := 0; i < addrBits; i++ {
		v, c, err := m.readPair()
		if err != nil {
			return 0, locate(err, i)
		}
		want := bitOf(a, i)
		switch {
		case v && c:
			return 0, fail(Vanished, op, i)
		case v != c:
			if v != want {
				return 0, fail(Vanished, op, i)
			}
		case !want:
			last = i
		}
		if err := m.WriteBit(want); err != nil {
			return 0, locate(err, i)
		}
	}
	return last, nil
}

// readPair reads a bit and its complement as sent by all devices still
// taking part in the search.
func (m *Master) readPair() (v, c bool, err error) {
	if v, err = m.ReadBit(); err != nil {
		return
	}
	c, err = m.ReadBit()
	return
}

// start resets the bus, requiring a presence pulse, and sends cmd.
func (m *Master) start(cmd Command, op string) error {
	present, err := m.Reset()
	if err != nil {
		return err
	}
	if !present {
		return fail(NotPresent, op, -1)
	}
	return m.WriteByte(byte(cmd))
}

func searchCommand(alarm bool) Command {
	if alarm {
		return AlarmSearch
	}
	return SearchROM
}
