// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebb

import "periph.io/x/conn/v3/physic"

// IRQState is the opaque state returned by Line.DisableInterrupts.
type IRQState uintptr

// Line is the capability a Master needs over the single GPIO line of the bus.
//
// The line is open-drain emulated: Drive switches it to output low, Release
// switches it to input and lets the pull-up bring it high. Every call is
// expected to return in well under a microsecond.
//
// All tick values come from one monotonic counter running at Frequency.
type Line interface {
	// Drive pulls the line low.
	Drive() error
	// Release switches the line to input.
	Release() error
	// Level returns the instantaneous level, true is high.
	Level() bool

	// ArmFallingEdge latches the next falling edge of the line.
	ArmFallingEdge() error
	// DisarmEdge stops latching edges.
	DisarmEdge() error
	// EdgePending reports whether an edge was latched since the last
	// ClearEdge.
	EdgePending() bool
	// ClearEdge forgets any latched edge.
	ClearEdge()

	// Frequency is the rate of the tick counter.
	Frequency() physic.Frequency
	// Now returns the current tick.
	Now() Tick
	// Captured returns the tick recorded by the most recent Drive, Release
	// or Level call.
	Captured() Tick
	// SpinUntil busy-waits until at least min ticks have elapsed since ref
	// and returns the tick it stopped at.
	SpinUntil(ref, min Tick) Tick
	// SpinUntilLevel busy-waits until the line reads high (or low) or max
	// ticks have elapsed since ref. It returns the tick at which the level
	// was observed and whether it was observed at all.
	SpinUntilLevel(ref, max Tick, high bool) (Tick, bool)
	// SpinUntilEdge is SpinUntilLevel for the edge latch.
	SpinUntilEdge(ref, max Tick) (Tick, bool)

	// DisableInterrupts reduces the sources of jitter competing with the
	// caller, as far as the platform allows.
	DisableInterrupts() IRQState
	// RestoreInterrupts undoes DisableInterrupts.
	RestoreInterrupts(s IRQState)
}
