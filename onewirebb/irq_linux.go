// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build linux

package onewirebb

import "golang.org/x/sys/unix"

// raisePriority sets the calling thread to the highest nice level it is
// allowed to and returns the previous nice value. ok is false when the
// priority was left alone, for example without CAP_SYS_NICE.
func raisePriority() (nice int, ok bool) {
	// The raw syscall returns 20-nice.
	p, err := getpriority(unix.PRIO_PROCESS, 0)
	if err != nil {
		return 0, false
	}
	if err := setpriority(unix.PRIO_PROCESS, 0, -20); err != nil {
		return 0, false
	}
	return 20 - p, true
}

func restorePriority(nice int) {
	_ = setpriority(unix.PRIO_PROCESS, 0, nice)
}

var (
	getpriority = unix.Getpriority
	setpriority = unix.Setpriority
)
