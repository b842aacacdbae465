// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewirebb implements a 1-wire bus master by bit-banging a single
// GPIO line.
//
// The time slots are produced and measured in software by busy-waiting on a
// tick counter. A general purpose OS may preempt the thread in the middle of
// a slot; this package cannot prevent it but checks every measurement after
// the fact and reports an untrustworthy one as an error of Kind Retry,
// distinct from a device violating the protocol (Timing) or devices joining
// or leaving the bus during a search (Vanished).
//
// Master exposes the bit level operations and the search; Bus wraps a Master
// into a periph onewire.Bus so existing device drivers can use it.
//
// Datasheet
//
// https://www.analog.com/en/resources/technical-articles/1wire-communication-through-software.html
//
// https://www.analog.com/en/resources/app-notes/1wire-search-algorithm.html
package onewirebb
