// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package bitbang is a container for a 1-wire bus master bit-banged on a GPIO
// line and the device drivers using it.
//
// See package onewirebb for the bus master and package ds18b20 for a
// temperature sensor driver working over any periph onewire.Bus.
package bitbang
