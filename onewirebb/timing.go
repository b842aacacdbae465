// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewirebb

import (
	"errors"
	"fmt"
	"io"
	"math"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"
)

// Seconds is a duration in seconds.
type Seconds float64

// Tick is a reading of, or a distance on, the line's monotonic counter.
type Tick uint64

// Unit is the unit a Template is expressed in.
type Unit interface {
	Seconds | Tick
}

// Range is a closed interval of durations.
type Range[U Unit] struct {
	Min U `yaml:"min"`
	Max U `yaml:"max"`
}

// Template holds the bounds of every phase of the 1-wire time slots.
//
// Durations marked "from the slot start" are measured from the falling edge
// the master produced; the others from the edge that precedes them.
type Template[U Unit] struct {
	ResetLow      Range[U] `yaml:"reset_low"`      // master reset pulse
	PresenceDelay Range[U] `yaml:"presence_delay"` // release to presence falling edge
	PresenceLow   Range[U] `yaml:"presence_low"`   // presence pulse width
	ResetCycle    U        `yaml:"reset_cycle"`    // release to end of the reset cycle
	Write1Low     Range[U] `yaml:"write1_low"`
	Write0Low     Range[U] `yaml:"write0_low"`
	ReadLow       U        `yaml:"read_low"`    // read slot initiation pulse
	ReadSample    Range[U] `yaml:"read_sample"` // from the slot start; Max is the read-valid deadline
	Slot          Range[U] `yaml:"slot"`        // from the slot start
	Recovery      U        `yaml:"recovery"`    // high time between slots
}

// Standard is the standard speed timing of the 1-wire bus.
var Standard = Template[Seconds]{
	ResetLow:      Range[Seconds]{480e-6, 640e-6},
	PresenceDelay: Range[Seconds]{15e-6, 60e-6},
	PresenceLow:   Range[Seconds]{60e-6, 240e-6},
	ResetCycle:    480e-6,
	Write1Low:     Range[Seconds]{1e-6, 15e-6},
	Write0Low:     Range[Seconds]{60e-6, 120e-6},
	ReadLow:       1e-6,
	ReadSample:    Range[Seconds]{12e-6, 15e-6},
	Slot:          Range[Seconds]{60e-6, 120e-6},
	Recovery:      1e-6,
}

// ToTicks translates t into ticks of a counter running at f. Each bound is
// rounded to the nearest tick independently.
func ToTicks(t Template[Seconds], f physic.Frequency) Template[Tick] {
	hz := float64(f) / float64(physic.Hertz)
	return convert(t, func(s Seconds) Tick {
		return Tick(math.Round(float64(s) * hz))
	})
}

// ToSeconds is the inverse of ToTicks.
func ToSeconds(t Template[Tick], f physic.Frequency) Template[Seconds] {
	hz := float64(f) / float64(physic.Hertz)
	return convert(t, func(n Tick) Seconds {
		return Seconds(float64(n) / hz)
	})
}

func convert[A, B Unit](t Template[A], c func(A) B) Template[B] {
	r := func(x Range[A]) Range[B] { return Range[B]{c(x.Min), c(x.Max)} }
	return Template[B]{
		ResetLow:      r(t.ResetLow),
		PresenceDelay: r(t.PresenceDelay),
		PresenceLow:   r(t.PresenceLow),
		ResetCycle:    c(t.ResetCycle),
		Write1Low:     r(t.Write1Low),
		Write0Low:     r(t.Write0Low),
		ReadLow:       c(t.ReadLow),
		ReadSample:    r(t.ReadSample),
		Slot:          r(t.Slot),
		Recovery:      c(t.Recovery),
	}
}

// LoadTiming reads a YAML document of overrides on top of Standard.
//
// Only the fields present in the document are changed, e.g.:
//
//	reset_low: {min: 500e-6, max: 640e-6}
//	recovery: 5e-6
func LoadTiming(r io.Reader) (Template[Seconds], error) {
	t := Standard
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err := d.Decode(&t); err != nil && !errors.Is(err, io.EOF) {
		return Template[Seconds]{}, fmt.Errorf("onewirebb: invalid timing: %w", err)
	}
	if err := Validate(t); err != nil {
		return Template[Seconds]{}, err
	}
	return t, nil
}

// Validate checks that every bound is positive and every range is ordered.
func Validate(t Template[Seconds]) error {
	ranges := []struct {
		name string
		r    Range[Seconds]
	}{
		{"reset_low", t.ResetLow},
		{"presence_delay", t.PresenceDelay},
		{"presence_low", t.PresenceLow},
		{"write1_low", t.Write1Low},
		{"write0_low", t.Write0Low},
		{"read_sample", t.ReadSample},
		{"slot", t.Slot},
	}
	for _, x := range ranges {
		if x.r.Min <= 0 || x.r.Max < x.r.Min {
			return fmt.Errorf("onewirebb: invalid timing: %s must satisfy 0 < min <= max, got %g..%g", x.name, x.r.Min, x.r.Max)
		}
	}
	singles := []struct {
		name string
		v    Seconds
	}{
		{"reset_cycle", t.ResetCycle},
		{"read_low", t.ReadLow},
		{"recovery", t.Recovery},
	}
	for _, x := range singles {
		if x.v <= 0 {
			return fmt.Errorf("onewirebb: invalid timing: %s must be positive, got %g", x.name, x.v)
		}
	}
	if t.Write1Low.Max >= t.Write0Low.Min {
		return errors.New("onewirebb: invalid timing: write1_low must end before write0_low starts")
	}
	if t.ReadLow >= t.ReadSample.Min {
		return errors.New("onewirebb: invalid timing: read_low must end before read_sample")
	}
	return nil
}
