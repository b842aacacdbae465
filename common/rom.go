// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains functions used across multiple packages. For
// example, validating a 1-wire ROM code.
package common

import (
	"encoding/binary"
	"fmt"

	"periph.io/x/conn/v3/onewire"
)

// ROMBytes returns the ROM code a as sent on the bus: family code first, CRC
// last.
func ROMBytes(a onewire.Address) [8]byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(a))
	return b
}

// ROMValid reports whether the CRC byte of the ROM code a matches the
// family code and serial number.
func ROMValid(a onewire.Address) bool {
	b := ROMBytes(a)
	return onewire.CheckCRC(b[:])
}

// Family returns the family code of a.
func Family(a onewire.Address) byte {
	return byte(a)
}

// ROMString formats a the way the Linux w1 subsystem names devices: family
// code and 48 bits serial number in hex, for example "28-0000070e41ac".
func ROMString(a onewire.Address) string {
	return fmt.Sprintf("%02x-%012x", byte(a), uint64(a)>>8&(1<<48-1))
}
