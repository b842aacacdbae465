// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebb

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
)

// BusOpts contains options to pass to NewBus.
type BusOpts struct {
	// Retries is how many times an operation failing with Retry is run
	// again from its reset before the error is returned.
	Retries int
}

// DefaultBusOpts is the recommended default options.
var DefaultBusOpts = BusOpts{Retries: 3}

// Bus is a handle to a bit-banged 1-wire bus and it implements the
// onewire.Bus interface, so device drivers written against periph can use
// it.
//
// Bus serializes transactions from multiple goroutines. Operations failing
// with Retry are restarted from their reset; Timing, Vanished and NotPresent
// are returned as is.
type Bus struct {
	mu      sync.Mutex // lock for the bus while a transaction is in progress
	m       *Master
	retries int
}

// NewBus returns a Bus driving m. m must not be used directly afterwards.
func NewBus(m *Master, opts *BusOpts) *Bus {
	if opts == nil {
		opts = &DefaultBusOpts
	}
	return &Bus{m: m, retries: opts.Retries}
}

func (b *Bus) String() string {
	if s, ok := b.m.l.(fmt.Stringer); ok {
		return "onewirebb{" + s.String() + "}"
	}
	return "onewirebb"
}

// Halt implements conn.Resource. It releases the line.
func (b *Bus) Halt() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.m.l.Release()
}

// Tx performs a bus transaction: a reset, then writing w and reading r.
//
// A GPIO line cannot source a strong pull-up. The line is released after the
// last bit and the pull-up resistor powers the bus, so power is ignored;
// parasite powered devices need a pull-up strong enough on its own.
func (b *Bus) Tx(w, r []byte, power onewire.Pullup) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retry(func() error {
		present, err := b.m.Reset()
		if err != nil {
			return err
		}
		if !present {
			return fail(NotPresent, "tx", -1)
		}
		if err := b.m.WriteBytes(w); err != nil {
			return err
		}
		return b.m.ReadBytes(r)
	})
}

// Search performs a "search" cycle on the 1-wire bus and returns the
// addresses of all devices on the bus if alarmOnly is false and of all
// devices in alarm state if alarmOnly is true.
//
// If an error occurs during the search the already-discovered devices are
// returned with the error.
func (b *Bus) Search(alarmOnly bool) ([]onewire.Address, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []onewire.Address
	var a onewire.Address
	var ok bool
	err := b.retry(func() (err error) {
		a, ok, err = b.m.First(alarmOnly)
		return
	})
	for err == nil && ok {
		out = append(out, a)
		prev := a
		err = b.retry(func() (err error) {
			a, ok, err = b.m.Next(prev, alarmOnly)
			return
		})
	}
	return out, err
}

// IsBusy polls a device that signals an operation in progress by holding
// read time slots low, like a DS18B20 converting a temperature. The device
// must have been sent its command in a previous Tx.
func (b *Bus) IsBusy() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var busy bool
	err := b.retry(func() (err error) {
		busy, err = b.m.IsBusy()
		return
	})
	return busy, err
}

// retry runs f until it succeeds, fails with something else than Retry or
// the retries are exhausted.
func (b *Bus) retry(f func() error) error {
	for i := 0; ; i++ {
		err := f()
		if i >= b.retries || KindOf(err) != Retry {
			return err
		}
	}
}

var _ conn.Resource = &Bus{}
var _ onewire.Bus = &Bus{}
