// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebb_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/GermanBionicSystems/bitbang/onewirebb"
	"github.com/GermanBionicSystems/bitbang/onewirebb/onewirebbtest"
)

func newSim(devices ...*onewirebbtest.Device) *onewirebbtest.Sim {
	return onewirebbtest.New(devices...)
}

func newMaster(t *testing.T, s *onewirebbtest.Sim) *onewirebb.Master {
	t.Helper()
	m, err := onewirebb.New(s, nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// stallAfter returns a Stall hook adding d ticks to the first op of kind
// after the n-th op of kind trigger.
func stallAfter(trigger onewirebbtest.Op, n int, op onewirebbtest.Op, d onewirebb.Tick) func(onewirebbtest.Op) onewirebb.Tick {
	seen := 0
	armed := false
	return func(o onewirebbtest.Op) onewirebb.Tick {
		if armed && o == op {
			armed = false
			return d
		}
		if o == trigger {
			if seen++; seen == n {
				armed = true
			}
		}
		return 0
	}
}

// stuckLow is a line whose pull-up is missing.
type stuckLow struct {
	*onewirebbtest.Sim
}

func (stuckLow) Level() bool { return false }

func TestNew_pullup(t *testing.T) {
	if _, err := onewirebb.New(stuckLow{newSim()}, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestNew_invalidTiming(t *testing.T) {
	tm := onewirebb.Standard
	tm.Slot.Max = tm.Slot.Min / 2
	if _, err := onewirebb.New(newSim(), &onewirebb.Opts{Timing: &tm}); err == nil {
		t.Fatal("expected error")
	}
}

func TestReset(t *testing.T) {
	for _, tc := range []struct {
		name    string
		devices []*onewirebbtest.Device
		delay   onewirebb.Tick
		want    bool
	}{
		{"empty", nil, 30, false},
		{"earliest", []*onewirebbtest.Device{{Addr: 1}}, 15, true},
		{"typical", []*onewirebbtest.Device{{Addr: 1}, {Addr: 2}}, 30, true},
		{"latest", []*onewirebbtest.Device{{Addr: 1}}, 60, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := newSim(tc.devices...)
			s.PresenceDelay = tc.delay
			m := newMaster(t, s)
			start := s.Now()
			got, err := m.Reset()
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Fatalf("Reset() = %t, want %t", got, tc.want)
			}
			tm := m.Timing()
			if d := s.Now() - start; d < tm.ResetLow.Min+tm.ResetCycle {
				t.Fatalf("reset took %d ticks, want at least %d", d, tm.ResetLow.Min+tm.ResetCycle)
			}
			if len(s.Slots) != 1 || !s.Slots[0].Reset || s.Slots[0].Low < 480 {
				t.Fatalf("unexpected pulses %+v", s.Slots)
			}
			if !s.Interrupts() {
				t.Fatal("interrupts were not restored")
			}
		})
	}
}

func TestReset_fail(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(s *onewirebbtest.Sim)
		want  onewirebb.Kind
	}{
		{
			"preempted across presence",
			func(s *onewirebbtest.Sim) {
				s.Stall = stallAfter(onewirebbtest.OpRelease, 1, onewirebbtest.OpSpin, 100)
			},
			onewirebb.Retry,
		},
		{
			"reset pulse overrun",
			func(s *onewirebbtest.Sim) {
				s.Stall = stallAfter(onewirebbtest.OpDrive, 1, onewirebbtest.OpRelease, 300)
			},
			onewirebb.Retry,
		},
		{
			"presence too early",
			func(s *onewirebbtest.Sim) { s.PresenceDelay = 5 },
			onewirebb.Timing,
		},
		{
			"presence too short",
			func(s *onewirebbtest.Sim) { s.PresenceLow = 20 },
			onewirebb.Timing,
		},
		{
			"presence too long",
			func(s *onewirebbtest.Sim) { s.PresenceLow = 400 },
			onewirebb.Timing,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := newSim(&onewirebbtest.Device{Addr: 1})
			m := newMaster(t, s)
			tc.setup(s)
			present, err := m.Reset()
			if present {
				t.Fatal("unexpected presence")
			}
			if k := onewirebb.KindOf(err); k != tc.want {
				t.Fatalf("Reset() = %v, want kind %s", err, tc.want)
			}
			if !s.Interrupts() {
				t.Fatal("interrupts were not restored")
			}
		})
	}
}

// recorder logs the Line calls made around a reset.
type recorder struct {
	*onewirebbtest.Sim
	calls      []string
	failArm    bool
	failDisarm bool
}

func (r *recorder) Drive() error {
	r.calls = append(r.calls, "drive")
	return r.Sim.Drive()
}

func (r *recorder) Release() error {
	r.calls = append(r.calls, "release")
	return r.Sim.Release()
}

func (r *recorder) ArmFallingEdge() error {
	if r.failArm {
		return errArm
	}
	return r.Sim.ArmFallingEdge()
}

func (r *recorder) DisarmEdge() error {
	if r.failDisarm {
		return errDisarm
	}
	return r.Sim.DisarmEdge()
}

func (r *recorder) DisableInterrupts() onewirebb.IRQState {
	r.calls = append(r.calls, "disable")
	return r.Sim.DisableInterrupts()
}

func (r *recorder) RestoreInterrupts(st onewirebb.IRQState) {
	r.calls = append(r.calls, "restore")
	r.Sim.RestoreInterrupts(st)
}

var (
	errArm    = errors.New("arm failed")
	errDisarm = errors.New("disarm failed")
)

func TestReset_interruptsAroundPulse(t *testing.T) {
	r := &recorder{Sim: newSim(&onewirebbtest.Device{Addr: 1})}
	m, err := onewirebb.New(r, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.calls = nil
	if present, err := m.Reset(); err != nil || !present {
		t.Fatalf("Reset() = %t, %v", present, err)
	}
	if diff := cmp.Diff([]string{"disable", "drive", "release", "restore"}, r.calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestReset_armFails(t *testing.T) {
	r := &recorder{Sim: newSim(&onewirebbtest.Device{Addr: 1})}
	m, err := onewirebb.New(r, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.failArm = true
	present, err := m.Reset()
	if present || !errors.Is(err, errArm) {
		t.Fatalf("Reset() = %t, %v", present, err)
	}
	if !r.Level() {
		t.Fatal("line left driven low")
	}
	if !r.Interrupts() {
		t.Fatal("interrupts were not restored")
	}
}

func TestReset_disarmFails(t *testing.T) {
	r := &recorder{Sim: newSim(&onewirebbtest.Device{Addr: 1})}
	m, err := onewirebb.New(r, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.failDisarm = true
	// The presence pulse was seen but is not reported with the error.
	present, err := m.Reset()
	if present || !errors.Is(err, errDisarm) {
		t.Fatalf("Reset() = %t, %v", present, err)
	}
}

func TestWriteBit_slots(t *testing.T) {
	d := &onewirebbtest.Device{Addr: 0x28}
	s := newSim(d)
	m := newMaster(t, s)
	if err := m.Skip(); err != nil {
		t.Fatal(err)
	}
	s.Slots = nil
	if err := m.WriteBit(true); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteBit(false); err != nil {
		t.Fatal(err)
	}
	s0 := s.Slots[0].Start
	want := []onewirebbtest.Slot{
		{Start: s0, Low: 1},
		{Start: s0 + 60, Low: 60},
	}
	if diff := cmp.Diff(want, s.Slots); diff != "" {
		t.Fatalf("slots mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteBytes(t *testing.T) {
	d := &onewirebbtest.Device{Addr: 0x28}
	s := newSim(d)
	m := newMaster(t, s)
	if err := m.Skip(); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteBytes([]byte{0x4e, 0x00, 0xa5, 0x7f}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0x4e, 0x00, 0xa5, 0x7f}, d.Received); diff != "" {
		t.Fatalf("received mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteBit_overrun(t *testing.T) {
	s := newSim(&onewirebbtest.Device{Addr: 1})
	m := newMaster(t, s)
	// The thread is preempted while holding the line low for a 1.
	s.Stall = stallAfter(onewirebbtest.OpDrive, 1, onewirebbtest.OpRelease, 50)
	if err := m.WriteBit(true); onewirebb.KindOf(err) != onewirebb.Retry {
		t.Fatalf("WriteBit() = %v, want Retry", err)
	}
}

func TestWriteBits_count(t *testing.T) {
	m := newMaster(t, newSim())
	if err := m.WriteBits(0, 65); err == nil {
		t.Fatal("expected error")
	}
	if _, err := m.ReadBits(-1); err == nil {
		t.Fatal("expected error")
	}
}

func TestReadBit_lateSample(t *testing.T) {
	s := newSim()
	m := newMaster(t, s)
	s.Stall = func(op onewirebbtest.Op) onewirebb.Tick {
		if op == onewirebbtest.OpLevel {
			return 10
		}
		return 0
	}
	if _, err := m.ReadBit(); onewirebb.KindOf(err) != onewirebb.Retry {
		t.Fatalf("ReadBit() = %v, want Retry", err)
	}
}

func TestReadBit_inconsistent(t *testing.T) {
	// The device releases a 0 before the read-valid deadline: the early
	// sample reads 0 while the rise time says 1.
	s := newSim(&onewirebbtest.Device{Addr: 0x28})
	m := newMaster(t, s)
	s.BitLow = 14
	_, _, err := m.ReadSingleAddress()
	var e *onewirebb.Error
	if !errors.As(err, &e) || e.Kind != onewirebb.Retry || e.Bit != 0 {
		t.Fatalf("ReadSingleAddress() = %v, want Retry at bit 0", err)
	}
}

func TestReadSingleAddress(t *testing.T) {
	const addr = 0x740000070e41ac28
	s := newSim(&onewirebbtest.Device{Addr: addr})
	m := newMaster(t, s)
	a, ok, err := m.ReadSingleAddress()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || a != addr {
		t.Fatalf("ReadSingleAddress() = %#x, %t", a, ok)
	}
}

func TestReadSingleAddress_empty(t *testing.T) {
	m := newMaster(t, newSim())
	if _, ok, err := m.ReadSingleAddress(); ok || err != nil {
		t.Fatalf("ReadSingleAddress() = %t, %v", ok, err)
	}
}

func busyDevice(slots int) *onewirebbtest.Device {
	return &onewirebbtest.Device{
		Addr: 0x28,
		Func: func(cmd byte) ([]byte, int) {
			if cmd == 0x44 {
				return nil, slots
			}
			return nil, 0
		},
	}
}

func TestIsBusy(t *testing.T) {
	s := newSim(busyDevice(3))
	m := newMaster(t, s)
	if err := m.Skip(); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteByte(0x44); err != nil {
		t.Fatal(err)
	}
	var got []bool
	for i := 0; i < 5; i++ {
		busy, err := m.IsBusy()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, busy)
	}
	if diff := cmp.Diff([]bool{true, true, true, false, false}, got); diff != "" {
		t.Fatalf("IsBusy() mismatch (-want +got):\n%s", diff)
	}
}

// A device holding the line low for longer than a slot is busy to IsBusy
// but an untrustworthy read to ReadBit. The two are deliberately kept
// different.
func TestIsBusy_lineHeldLow(t *testing.T) {
	for _, busyPoll := range []bool{false, true} {
		s := newSim(busyDevice(2))
		m := newMaster(t, s)
		if err := m.Skip(); err != nil {
			t.Fatal(err)
		}
		if err := m.WriteByte(0x44); err != nil {
			t.Fatal(err)
		}
		s.BitLow = 200
		if busyPoll {
			busy, err := m.IsBusy()
			if err != nil || !busy {
				t.Fatalf("IsBusy() = %t, %v, want busy", busy, err)
			}
		} else {
			if _, err := m.ReadBit(); onewirebb.KindOf(err) != onewirebb.Retry {
				t.Fatalf("ReadBit() = %v, want Retry", err)
			}
		}
	}
}
