// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebb

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// PinLine implements Line on a periph GPIO pin.
//
// Ticks are nanoseconds of the Go monotonic clock. Drive sets the pin as
// output low, Release sets it as input with the internal pull-up enabled; an
// external 4.7kΩ pull-up is still recommended since internal ones are weak.
//
// PinLine implements a persistent error model: once the pin returns an error,
// Drive, Release and the edge functions return that error without touching
// the pin again.
type PinLine struct {
	p        gpio.PinIO
	epoch    time.Time
	captured Tick
	driving  bool
	edge     gpio.Edge
	latched  bool
	err      error

	priority int
	raised   bool
}

// NewPinLine returns a Line on p and releases it.
func NewPinLine(p gpio.PinIO) (*PinLine, error) {
	l := &PinLine{p: p, epoch: time.Now(), edge: gpio.NoEdge}
	if err := l.Release(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *PinLine) String() string {
	return l.p.String()
}

// Err returns the persistent error, if any.
func (l *PinLine) Err() error {
	return l.err
}

// Drive implements Line.
func (l *PinLine) Drive() error {
	if l.err != nil {
		return l.err
	}
	l.err = l.p.Out(gpio.Low)
	l.captured = l.Now()
	l.driving = true
	return l.err
}

// Release implements Line.
func (l *PinLine) Release() error {
	if l.err != nil {
		return l.err
	}
	l.err = l.p.In(gpio.PullUp, l.edge)
	l.captured = l.Now()
	l.driving = false
	return l.err
}

// Level implements Line.
func (l *PinLine) Level() bool {
	v := l.p.Read()
	l.captured = l.Now()
	return v == gpio.High
}

// ArmFallingEdge implements Line.
//
// The edge detection takes effect on the next Release when the line is
// driven.
func (l *PinLine) ArmFallingEdge() error {
	return l.setEdge(gpio.FallingEdge)
}

// DisarmEdge implements Line.
func (l *PinLine) DisarmEdge() error {
	return l.setEdge(gpio.NoEdge)
}

func (l *PinLine) setEdge(e gpio.Edge) error {
	if l.err != nil {
		return l.err
	}
	l.edge = e
	if !l.driving {
		l.err = l.p.In(gpio.PullUp, e)
	}
	return l.err
}

// EdgePending implements Line.
func (l *PinLine) EdgePending() bool {
	if !l.latched && l.edge != gpio.NoEdge {
		l.latched = l.p.WaitForEdge(0)
	}
	return l.latched
}

// ClearEdge implements Line.
func (l *PinLine) ClearEdge() {
	l.latched = false
	if l.edge != gpio.NoEdge {
		for l.p.WaitForEdge(0) {
		}
	}
}

// Frequency implements Line.
func (l *PinLine) Frequency() physic.Frequency {
	return physic.GigaHertz
}

// Now implements Line.
func (l *PinLine) Now() Tick {
	return Tick(time.Since(l.epoch))
}

// Captured implements Line.
func (l *PinLine) Captured() Tick {
	return l.captured
}

// SpinUntil implements Line.
func (l *PinLine) SpinUntil(ref, min Tick) Tick {
	for {
		if now := l.Now(); now-ref >= min {
			return now
		}
	}
}

// SpinUntilLevel implements Line.
func (l *PinLine) SpinUntilLevel(ref, max Tick, high bool) (Tick, bool) {
	return l.spin(ref, max, func() bool { return l.p.Read() == gpio.Level(high) })
}

// SpinUntilEdge implements Line.
func (l *PinLine) SpinUntilEdge(ref, max Tick) (Tick, bool) {
	return l.spin(ref, max, l.EdgePending)
}

// spin polls cond until it holds or max ticks elapsed since ref. A condition
// already met at the first poll is reported at ref, since it may have become
// true at any time before.
func (l *PinLine) spin(ref, max Tick, cond func() bool) (Tick, bool) {
	for first := true; ; first = false {
		now := l.Now()
		if cond() {
			if first {
				return ref, true
			}
			return now, true
		}
		if now-ref >= max {
			return now, false
		}
	}
}

// DisableInterrupts implements Line.
//
// A user space process cannot mask interrupts. Instead the goroutine is
// locked to its thread, the garbage collector is suspended and, where the
// platform allows it, the thread priority is raised. It does not nest on
// one line; lines on different buses may overlap.
func (l *PinLine) DisableInterrupts() IRQState {
	runtime.LockOSThread()
	suspendGC()
	l.priority, l.raised = raisePriority()
	return 0
}

// RestoreInterrupts implements Line.
func (l *PinLine) RestoreInterrupts(IRQState) {
	if l.raised {
		restorePriority(l.priority)
		l.raised = false
	}
	resumeGC()
	runtime.UnlockOSThread()
}

// gc counts the lines having the garbage collector suspended. The GC
// percentage is process wide: only the first suspension saves it and only
// the last resumption restores it.
var gc struct {
	mu      sync.Mutex
	n       int
	percent int
}

func suspendGC() {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if gc.n++; gc.n == 1 {
		gc.percent = debug.SetGCPercent(-1)
	}
}

func resumeGC() {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if gc.n--; gc.n == 0 {
		debug.SetGCPercent(gc.percent)
	}
}

var _ Line = &PinLine{}
