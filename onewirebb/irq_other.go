// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build !linux

package onewirebb

func raisePriority() (int, bool) {
	return 0, false
}

func restorePriority(int) {
}
