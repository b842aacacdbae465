// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewirebbtest is meant to be used to test drivers over a
// simulated bit-banged 1-wire bus.
//
// Sim implements onewirebb.Line on a virtual clock with a population of
// simulated devices pulling the line low in the open-drain, wired-AND way real
// devices do.
package onewirebbtest

import (
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"

	"github.com/GermanBionicSystems/bitbang/onewirebb"
)

// Tick is an alias of onewirebb.Tick for brevity.
type Tick = onewirebb.Tick

// Frequency is the tick rate of the virtual clock: one tick per microsecond.
const Frequency = physic.MegaHertz

// Thresholds the simulated devices use to decode the master's pulses, in
// ticks after the falling edge.
const (
	ResetThreshold Tick = 240 // a low pulse at least this long is a reset
	SampleAt       Tick = 30  // devices sample written bits here
)

// Op identifies a Line call, for Sim.Stall.
type Op int

const (
	OpDrive Op = iota
	OpRelease
	OpLevel
	OpSpin
)

func (o Op) String() string {
	switch o {
	case OpDrive:
		return "drive"
	case OpRelease:
		return "release"
	case OpLevel:
		return "level"
	case OpSpin:
		return "spin"
	default:
		return "op?"
	}
}

// Slot records one low pulse produced by the master.
type Slot struct {
	Start Tick // falling edge
	Low   Tick // time until the master released the line
	Reset bool // decoded as a reset pulse
}

type span struct {
	start, end Tick
}

// Sim is a simulated 1-wire bus line.
//
// Time only advances when the master spins or when Stall says so, which makes
// every run deterministic. Sim is not safe for concurrent use.
type Sim struct {
	// Devices on the bus. They may be added or removed between calls.
	Devices []*Device

	// PresenceDelay and PresenceLow shape the presence pulse every device
	// sends after a reset.
	PresenceDelay Tick
	PresenceLow   Tick
	// BitLow is how long a device holds the line low to send a 0.
	BitLow Tick

	// Stall, when set, is called at the start of every Line call and the
	// clock is advanced by the returned ticks before the call takes effect.
	// It simulates the calling thread being preempted.
	Stall func(op Op) Tick
	// OnReset, when set, is called with the 1-based count of resets each
	// time the devices see one, before they answer it.
	OnReset func(n int)

	// Slots records every pulse the master produced.
	Slots []Slot

	now      Tick
	captured Tick
	driving  bool
	fell     Tick
	released Tick
	lows     []span
	armed    bool
	armedAt  Tick
	latched  bool
	resets   int
	irq      int
}

// New returns a Sim with the given devices and standard device timing.
func New(devices ...*Device) *Sim {
	return &Sim{
		Devices:       devices,
		PresenceDelay: 30,
		PresenceLow:   120,
		BitLow:        30,
	}
}

// Add connects devices to the bus.
func (s *Sim) Add(devices ...*Device) {
	s.Devices = append(s.Devices, devices...)
}

// Remove disconnects the device with address a, if present.
func (s *Sim) Remove(a onewire.Address) {
	for i, d := range s.Devices {
		if d.Addr == a {
			s.Devices = append(s.Devices[:i:i], s.Devices[i+1:]...)
			return
		}
	}
}

// Resets returns the number of reset pulses seen so far.
func (s *Sim) Resets() int {
	return s.resets
}

// Interrupts reports whether interrupts are enabled, that is every
// DisableInterrupts was matched by a RestoreInterrupts.
func (s *Sim) Interrupts() bool {
	return s.irq == 0
}

func (s *Sim) String() string {
	return "sim"
}

// Drive implements onewirebb.Line.
func (s *Sim) Drive() error {
	s.stall(OpDrive)
	if !s.driving {
		if s.armed && s.high(s.now) {
			s.latched = true
		}
		s.driving = true
		s.fell = s.now
		s.trim()
		for _, d := range s.Devices {
			if d.send() == sendZero {
				s.lows = append(s.lows, span{s.now, s.now + s.BitLow})
			}
		}
	}
	s.captured = s.now
	return nil
}

// Release implements onewirebb.Line.
func (s *Sim) Release() error {
	s.stall(OpRelease)
	if s.driving {
		s.driving = false
		s.released = s.now
		low := s.now - s.fell
		reset := low >= ResetThreshold
		s.Slots = append(s.Slots, Slot{Start: s.fell, Low: low, Reset: reset})
		if reset {
			s.reset()
		} else {
			bit := low < SampleAt && !s.lowAt(s.fell+SampleAt)
			for _, d := range s.Devices {
				d.receive(bit)
			}
		}
	}
	s.captured = s.now
	return nil
}

func (s *Sim) reset() {
	s.resets++
	if s.OnReset != nil {
		s.OnReset(s.resets)
	}
	if len(s.Devices) == 0 {
		return
	}
	for _, d := range s.Devices {
		d.reset()
	}
	start := s.now + s.PresenceDelay
	s.lows = append(s.lows, span{start, start + s.PresenceLow})
}

// Level implements onewirebb.Line.
func (s *Sim) Level() bool {
	s.stall(OpLevel)
	s.captured = s.now
	return s.high(s.now)
}

// ArmFallingEdge implements onewirebb.Line.
func (s *Sim) ArmFallingEdge() error {
	s.armed = true
	s.armedAt = s.now
	s.latched = false
	return nil
}

// DisarmEdge implements onewirebb.Line.
func (s *Sim) DisarmEdge() error {
	s.armed = false
	return nil
}

// EdgePending implements onewirebb.Line.
func (s *Sim) EdgePending() bool {
	if s.armed && !s.latched {
		for _, sp := range s.lows {
			if sp.start >= s.armedAt && sp.start <= s.now && sp.start > 0 && s.high(sp.start-1) {
				s.latched = true
				break
			}
		}
	}
	return s.latched
}

// ClearEdge implements onewirebb.Line.
func (s *Sim) ClearEdge() {
	s.latched = false
	s.armedAt = s.now + 1
}

// Frequency implements onewirebb.Line.
func (s *Sim) Frequency() physic.Frequency {
	return Frequency
}

// Now implements onewirebb.Line.
func (s *Sim) Now() Tick {
	return s.now
}

// Captured implements onewirebb.Line.
func (s *Sim) Captured() Tick {
	return s.captured
}

// SpinUntil implements onewirebb.Line.
func (s *Sim) SpinUntil(ref, min Tick) Tick {
	s.stall(OpSpin)
	if s.now < ref+min {
		s.now = ref + min
	}
	return s.now
}

// SpinUntilLevel implements onewirebb.Line.
func (s *Sim) SpinUntilLevel(ref, max Tick, high bool) (Tick, bool) {
	return s.spin(ref, max, func() bool { return s.high(s.now) == high })
}

// SpinUntilEdge implements onewirebb.Line.
func (s *Sim) SpinUntilEdge(ref, max Tick) (Tick, bool) {
	return s.spin(ref, max, s.EdgePending)
}

func (s *Sim) spin(ref, max Tick, cond func() bool) (Tick, bool) {
	s.stall(OpSpin)
	for first := true; ; first = false {
		if cond() {
			if first {
				return ref, true
			}
			return s.now, true
		}
		if s.now-ref >= max {
			return s.now, false
		}
		s.now++
	}
}

// DisableInterrupts implements onewirebb.Line.
func (s *Sim) DisableInterrupts() onewirebb.IRQState {
	s.irq++
	return onewirebb.IRQState(s.irq - 1)
}

// RestoreInterrupts implements onewirebb.Line.
func (s *Sim) RestoreInterrupts(st onewirebb.IRQState) {
	s.irq = int(st)
}

func (s *Sim) stall(op Op) {
	if s.Stall != nil {
		s.now += s.Stall(op)
	}
}

// high returns the wired-AND level of the line at t.
func (s *Sim) high(t Tick) bool {
	return !s.masterLow(t) && !s.lowAt(t)
}

func (s *Sim) masterLow(t Tick) bool {
	if s.driving {
		return t >= s.fell
	}
	return t >= s.fell && t < s.released
}

// lowAt reports whether a device holds the line low at t.
func (s *Sim) lowAt(t Tick) bool {
	for _, sp := range s.lows {
		if sp.start <= t && t < sp.end {
			return true
		}
	}
	return false
}

// trim forgets device pulses that ended.
func (s *Sim) trim() {
	n := 0
	for _, sp := range s.lows {
		if sp.end > s.now {
			s.lows[n] = sp
			n++
		}
	}
	s.lows = s.lows[:n]
}

var _ onewirebb.Line = &Sim{}
