// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebb

import (
	"errors"
	"strconv"
)

// Kind classifies a failed bus operation.
//
// The set is closed; callers are expected to switch over all four values and
// decide per kind whether to retry.
type Kind int

const (
	// NotPresent means a reset produced no presence pulse where at least one
	// device was required.
	NotPresent Kind = iota + 1
	// Retry means the observed timing cannot be trusted, most likely because
	// the calling thread was preempted inside a time slot. The whole enclosing
	// operation must be restarted from its reset.
	Retry
	// Timing means an observed duration is out of bounds in a way scheduling
	// cannot explain. It is a protocol fault and is not retried.
	Timing
	// Vanished means a search pass contradicted itself or a previous pass: the
	// set of devices on the bus changed.
	Vanished
)

func (k Kind) String() string {
	switch k {
	case NotPresent:
		return "not present"
	case Retry:
		return "retry"
	case Timing:
		return "timing"
	case Vanished:
		return "vanished"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Error is returned by every Master operation that fails on the 1-wire bus.
//
// Op and Bit locate the failure for diagnostics; Bit is -1 when the failure
// is not tied to a bit position.
//
// Error implements onewire.BusError.
type Error struct {
	Kind Kind
	Op   string
	Bit  int
}

func (e *Error) Error() string {
	s := "onewirebb: " + e.Kind.String()
	if e.Op != "" {
		s += " in " + e.Op
	}
	if e.Bit >= 0 {
		s += " at bit " + strconv.Itoa(e.Bit)
	}
	return s
}

// BusError implements onewire.BusError.
func (e *Error) BusError() bool { return true }

// Is reports whether target is an *Error of the same Kind, so that the
// sentinels below match any locator.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotPresent error = &Error{Kind: NotPresent, Bit: -1}
	ErrRetry      error = &Error{Kind: Retry, Bit: -1}
	ErrTiming     error = &Error{Kind: Timing, Bit: -1}
	ErrVanished   error = &Error{Kind: Vanished, Bit: -1}
)

// KindOf returns the Kind of err, or 0 if err is not a bus error from this
// package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func fail(k Kind, op string, bit int) error {
	return &Error{Kind: k, Op: op, Bit: bit}
}
