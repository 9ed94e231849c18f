//go:build linux

/*
 * Copyright 2025 The Subspace Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Futex operations. The channel mutex word lives in memory shared between
// processes, so the private variants cannot be used here.
const (
	futexOpWait = unix.FUTEX_WAIT
	futexOpWake = unix.FUTEX_WAKE
)

// ErrFutexTimeout is returned by futexWaitTimeout when the wait expires
// before the word changes.
var ErrFutexTimeout = errors.New("shm: futex wait timed out")

// futexWaitTimeout blocks until the value at addr changes from val, a wake
// arrives, or timeoutNs elapses.
//
// Only call this when the logical condition is unmet and *addr == val.
// Always re-check the condition after it returns: wakeups can be spurious.
func futexWaitTimeout(addr *uint32, val uint32, timeoutNs int64) error {
	// Re-check atomically before entering the syscall so a wake that lands
	// between the caller's snapshot and the futex entry is not lost.
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	var tsp *unix.Timespec
	if timeoutNs > 0 {
		ts := unix.Timespec{
			Sec:  timeoutNs / 1e9,
			Nsec: timeoutNs % 1e9,
		}
		tsp = &ts
	}

	// uaddr, futex_op, val, timeout, uaddr2, val3
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWait),
		uintptr(val),
		uintptr(unsafe.Pointer(tsp)),
		0,
		0,
	)

	switch errno {
	case 0:
		return nil
	case unix.EAGAIN:
		// The word no longer matched val.
		return nil
	case unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return ErrFutexTimeout
	default:
		return fmt.Errorf("shm: futex wait: %w", errno)
	}
}

// futexWake wakes up to n waiters blocked on addr and returns the number
// actually woken.
func futexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWake),
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("shm: futex wake: %w", errno)
	}
	return int(r1), nil
}
