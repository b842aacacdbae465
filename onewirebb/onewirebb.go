// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebb

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/physic"
)

// Opts contains options to pass to the constructor.
type Opts struct {
	// Timing overrides Standard when not nil.
	Timing *Template[Seconds]
	// Frequency overrides the line's tick frequency when not zero.
	Frequency physic.Frequency
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{}

// Master drives the time slots of a 1-wire bus on one Line.
//
// A Master is not safe for concurrent use; use Bus to share it. Every
// operation returns *Error for failures on the 1-wire bus and is never
// retried internally.
type Master struct {
	l Line
	t Template[Tick]
}

// New returns a Master using l.
//
// The line is released and must then read high: the bus relies on an
// external or internal pull-up to idle high.
func New(l Line, opts *Opts) (*Master, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	f := opts.Frequency
	if f == 0 {
		f = l.Frequency()
	}
	if f <= 0 {
		return nil, fmt.Errorf("onewirebb: invalid tick frequency %s", f)
	}
	s := Standard
	if opts.Timing != nil {
		s = *opts.Timing
		if err := Validate(s); err != nil {
			return nil, err
		}
	}
	m := &Master{l: l, t: ToTicks(s, f)}
	if m.t.ReadLow == 0 || m.t.Recovery == 0 || m.t.ReadSample.Min >= m.t.ReadSample.Max {
		return nil, fmt.Errorf("onewirebb: tick frequency %s is too low to time the bus", f)
	}
	if err := l.Release(); err != nil {
		return nil, fmt.Errorf("onewirebb: failed to release line: %w", err)
	}
	l.SpinUntil(l.Captured(), m.t.Recovery)
	if !l.Level() {
		return nil, errors.New("onewirebb: line is low when released; missing pull-up or shorted bus")
	}
	return m, nil
}

// Timing returns the tick bounds the Master works with.
func (m *Master) Timing() Template[Tick] {
	return m.t
}

// Reset issues a reset pulse and reports whether any device answered with a
// presence pulse.
//
// No presence pulse is not an error. A presence pulse seen too early fails
// with Timing; one whose timing could not be observed, or a reset pulse held
// low past ResetLow.Max, fails with Retry. The line is left released, on
// errors too.
func (m *Master) Reset() (bool, error) {
	const op = "reset"
	l, t := m.l, &m.t
	irq := l.DisableInterrupts()
	if err := l.Drive(); err != nil {
		l.RestoreInterrupts(irq)
		return false, err
	}
	start := l.Captured()
	l.SpinUntil(start, t.ResetLow.Min)
	if err := l.ArmFallingEdge(); err != nil {
		err = errors.Join(err, l.Release())
		l.RestoreInterrupts(irq)
		return false, err
	}
	if err := l.Release(); err != nil {
		err = errors.Join(err, l.DisarmEdge())
		l.RestoreInterrupts(irq)
		return false, err
	}
	released := l.Captured()
	present, k := m.presence(released)
	derr := l.DisarmEdge()
	l.ClearEdge()
	l.RestoreInterrupts(irq)

	l.SpinUntil(released, t.ResetCycle)
	if released-start > t.ResetLow.Max {
		return false, fail(Retry, op, -1)
	}
	if k != 0 {
		return false, fail(k, op, -1)
	}
	if derr != nil {
		return false, derr
	}
	return present, nil
}

// presence watches the presence pulse following a release at tick released.
// A non-zero Kind reports why the pulse could not be accepted.
func (m *Master) presence(released Tick) (bool, Kind) {
	l, t := m.l, &m.t
	fell, ok := l.SpinUntilEdge(released, t.PresenceDelay.Max)
	if !ok {
		return false, 0
	}
	if fell == released {
		// The edge was already latched at the first poll; it may have
		// happened at any time while the thread was away.
		return false, Retry
	}
	if fell-released < t.PresenceDelay.Min {
		return false, Timing
	}
	rose, ok := l.SpinUntilLevel(fell, t.PresenceLow.Max, true)
	switch {
	case !ok:
		return false, Timing
	case rose == fell:
		return false, Retry
	case rose-fell < t.PresenceLow.Min:
		return false, Timing
	}
	return true, 0
}

// WriteBit writes one bit in a write time slot.
//
// It fails with Retry when the line was held low longer than the slot allows;
// the devices may then have read the wrong value.
func (m *Master) WriteBit(v bool) error {
	l, t := m.l, &m.t
	low := t.Write0Low
	if v {
		low = t.Write1Low
	}
	if err := l.Drive(); err != nil {
		return err
	}
	start := l.Captured()
	l.SpinUntil(start, low.Min)
	if err := l.Release(); err != nil {
		return err
	}
	released := l.Captured()
	if released-start > low.Max {
		return fail(Retry, "write", -1)
	}
	l.SpinUntil(released, t.Recovery)
	l.SpinUntil(start, t.Slot.Min)
	return nil
}

// ReadBit reads one bit in a read time slot.
//
// The bit is sampled once early in the slot and judged a second time from
// when the line returned high. Any disagreement, a late sample or a line that
// never returned high fails with Retry.
func (m *Master) ReadBit() (bool, error) {
	return m.readBit(false)
}

// IsBusy reads one time slot to poll a device that holds the line low while
// an operation is in progress.
//
// Unlike ReadBit, a line that does not return high within the slot is
// reported as busy rather than as Retry.
func (m *Master) IsBusy() (bool, error) {
	v, err := m.readBit(true)
	return !v, err
}

func (m *Master) readBit(busyPoll bool) (bool, error) {
	const op = "read"
	l, t := m.l, &m.t
	if err := l.Drive(); err != nil {
		return false, err
	}
	start := l.Captured()
	l.SpinUntil(start, t.ReadLow)
	if err := l.Release(); err != nil {
		return false, err
	}
	l.SpinUntil(start, t.ReadSample.Min)
	early := l.Level()
	if l.Captured()-start > t.ReadSample.Max {
		return false, fail(Retry, op, -1)
	}
	rose, ok := l.SpinUntilLevel(start, t.Slot.Max, true)
	if !ok {
		if busyPoll {
			l.SpinUntil(l.Now(), t.Recovery)
			return false, nil
		}
		return false, fail(Retry, op, -1)
	}
	if one := rose-start <= t.ReadSample.Max; one != early {
		return false, fail(Retry, op, -1)
	}
	l.SpinUntil(rose, t.Recovery)
	l.SpinUntil(start, t.Slot.Min)
	return early, nil
}

// WriteBits writes the n least significant bits of v, least significant
// first.
func (m *Master) WriteBits(v uint64, n int) error {
	if n < 0 || n > 64 {
		return fmt.Errorf("onewirebb: invalid bit count %d", n)
	}
	for i := 0; i < n; i++ {
		if err := m.WriteBit(v>>uint(i)&1 != 0); err != nil {
			return locate(err, i)
		}
	}
	return nil
}

// ReadBits reads n bits, least significant first.
func (m *Master) ReadBits(n int) (uint64, error) {
	if n < 0 || n > 64 {
		return 0, fmt.Errorf("onewirebb: invalid bit count %d", n)
	}
	var v uint64
	for i := 0; i < n; i++ {
		b, err := m.ReadBit()
		if err != nil {
			return 0, locate(err, i)
		}
		if b {
			v |= 1 << uint(i)
		}
	}
	return v, nil
}

// WriteByte writes one byte, least significant bit first.
func (m *Master) WriteByte(b byte) error {
	return m.WriteBits(uint64(b), 8)
}

// ReadByte reads one byte, least significant bit first.
func (m *Master) ReadByte() (byte, error) {
	v, err := m.ReadBits(8)
	return byte(v), err
}

// WriteBytes writes w in order.
func (m *Master) WriteBytes(w []byte) error {
	for _, b := range w {
		if err := m.WriteByte(b); err != nil {
			return err
		}
	}
	return nil
}

// ReadBytes fills r in order.
func (m *Master) ReadBytes(r []byte) error {
	for i := range r {
		b, err := m.ReadByte()
		if err != nil {
			return err
		}
		r[i] = b
	}
	return nil
}

// locate sets the bit position of a bus error that does not carry one yet.
func locate(err error, bit int) error {
	var e *Error
	if errors.As(err, &e) && e.Bit < 0 {
		c := *e
		c.Bit = bit
		return &c
	}
	return err
}
