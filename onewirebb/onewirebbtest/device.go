// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebbtest

import (
	"periph.io/x/conn/v3/onewire"

	"github.com/GermanBionicSystems/bitbang/onewirebb"
)

// Device is a simulated 1-wire slave device.
//
// It implements the ROM command layer (ReadROM, MatchROM, SkipROM, SearchROM
// and AlarmSearch) and hands the first byte following it to Func.
type Device struct {
	Addr onewire.Address
	// Alarm makes the device take part in AlarmSearch.
	Alarm bool
	// Silent makes the device answer resets and ignore everything else.
	Silent bool
	// Func is called with the function command once the device is
	// selected. The device then sends reply in the following read slots,
	// then holds busy more read slots low. With neither, the device keeps
	// receiving bytes into Received.
	Func func(cmd byte) (reply []byte, busy int)

	// Received lists the bytes received while selected, command included.
	Received []byte

	phase phase
	n     int
	shift uint64
	step  int
	sent  bool
	reply []byte
	busy  int
}

type phase int

const (
	idle phase = iota
	romCommand
	readROM
	matchROM
	searchROM
	function
	replying
	holding
	sink
)

type sendState int

const (
	sendNone sendState = iota
	sendOne
	sendZero
)

func level(b bool) sendState {
	if b {
		return sendOne
	}
	return sendZero
}

func (d *Device) bit(i int) bool {
	return d.Addr>>uint(i)&1 != 0
}

func (d *Device) reset() {
	d.phase = romCommand
	d.n, d.shift, d.step = 0, 0, 0
	d.sent = false
	d.reply, d.busy = nil, 0
}

// send is called on the master's falling edge and returns what the device
// puts on the line for this slot.
func (d *Device) send() sendState {
	var s sendState
	switch d.phase {
	case readROM:
		s = level(d.bit(d.n))
		if d.n++; d.n == 64 {
			d.selected()
		}
	case searchROM:
		switch d.step {
		case 0:
			s = level(d.bit(d.n))
			d.step = 1
		case 1:
			s = level(!d.bit(d.n))
			d.step = 2
		}
	case replying:
		s = level(d.reply[d.n/8]>>uint(d.n%8)&1 != 0)
		if d.n++; d.n == 8*len(d.reply) {
			d.phase = sink
			d.n = 0
			if d.busy > 0 {
				d.phase = holding
			}
		}
	case holding:
		s = sendZero
		if d.busy--; d.busy == 0 {
			d.phase = sink
		}
	}
	d.sent = s != sendNone
	return s
}

// receive is called on the master's rising edge with the bit the master
// wrote, unless the device sent in this slot.
func (d *Device) receive(b bool) {
	if d.sent {
		d.sent = false
		return
	}
	switch d.phase {
	case romCommand:
		if v, ok := d.push(b, 8); ok {
			d.command(onewirebb.Command(v))
		}
	case matchROM:
		if v, ok := d.push(b, 64); ok {
			if onewire.Address(v) == d.Addr {
				d.selected()
			} else {
				d.phase = idle
			}
		}
	case searchROM:
		if d.step != 2 {
			return
		}
		if b != d.bit(d.n) {
			d.phase = idle
			return
		}
		d.step = 0
		if d.n++; d.n == 64 {
			d.selected()
		}
	case function:
		if v, ok := d.push(b, 8); ok {
			d.Received = append(d.Received, byte(v))
			d.function(byte(v))
		}
	case sink:
		if v, ok := d.push(b, 8); ok {
			d.Received = append(d.Received, byte(v))
		}
	}
}

// push shifts in one bit, least significant first, and returns the value
// once width bits were received.
func (d *Device) push(b bool, width int) (uint64, bool) {
	if b {
		d.shift |= 1 << uint(d.n)
	}
	if d.n++; d.n < width {
		return 0, false
	}
	v := d.shift
	d.n, d.shift = 0, 0
	return v, true
}

func (d *Device) command(c onewirebb.Command) {
	d.n, d.shift = 0, 0
	if d.Silent {
		d.phase = idle
		return
	}
	switch c {
	case onewirebb.ReadROM:
		d.phase = readROM
	case onewirebb.MatchROM:
		d.phase = matchROM
	case onewirebb.SkipROM:
		d.selected()
	case onewirebb.SearchROM:
		d.phase, d.step = searchROM, 0
	case onewirebb.AlarmSearch:
		if d.Alarm {
			d.phase, d.step = searchROM, 0
		} else {
			d.phase = idle
		}
	default:
		d.phase = idle
	}
}

func (d *Device) selected() {
	d.phase = function
	d.n, d.shift = 0, 0
}

func (d *Device) function(cmd byte) {
	d.phase = sink
	if d.Func == nil {
		return
	}
	d.reply, d.busy = d.Func(cmd)
	switch {
	case len(d.reply) > 0:
		d.phase = replying
	case d.busy > 0:
		d.phase = holding
	}
}
