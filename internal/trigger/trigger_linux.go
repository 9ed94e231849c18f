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

// Package trigger provides the kernel-pollable notification objects the
// bus uses to wake participants: a Trigger becomes readable when signaled
// and stays readable until cleared. Both ends are plain file descriptors,
// so the broker can hand them across process boundaries and clients can
// multiplex them with poll or any event loop.
package trigger

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Trigger is an edge-to-level notification object backed by a non-blocking
// eventfd. Signal makes the descriptor readable; Clear drains it. Signals
// coalesce: many Signals before a Clear wake the poller once.
type Trigger struct {
	fd int
}

// New creates an unsignaled trigger.
func New() (*Trigger, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("trigger: eventfd: %w", err)
	}
	return &Trigger{fd: fd}, nil
}

// FromFd wraps a descriptor received from another process. The trigger
// takes ownership of fd.
func FromFd(fd int) *Trigger {
	return &Trigger{fd: fd}
}

// Fd returns the pollable descriptor.
func (t *Trigger) Fd() int { return t.fd }

// Dup duplicates the descriptor for transfer to another process. The
// caller owns the returned fd.
func (t *Trigger) Dup() (int, error) {
	fd, err := unix.Dup(t.fd)
	if err != nil {
		return -1, fmt.Errorf("trigger: dup: %w", err)
	}
	unix.CloseOnExec(fd)
	return fd, nil
}

// Signal makes the trigger readable. Signaling an already signaled
// trigger is a no-op.
func (t *Trigger) Signal() error {
	one := [8]byte{0: 1}
	for {
		_, err := unix.Write(t.fd, one[:])
		switch err {
		case nil, unix.EAGAIN:
			return nil
		case unix.EINTR:
			continue
		default:
			return fmt.Errorf("trigger: signal: %w", err)
		}
	}
}

// Clear drains the trigger so the next poll blocks until a new signal.
func (t *Trigger) Clear() error {
	var buf [8]byte
	for {
		_, err := unix.Read(t.fd, buf[:])
		switch err {
		case nil, unix.EAGAIN:
			return nil
		case unix.EINTR:
			continue
		default:
			return fmt.Errorf("trigger: clear: %w", err)
		}
	}
}

// Close releases the descriptor.
func (t *Trigger) Close() error {
	if t.fd < 0 {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	if err != nil {
		return fmt.Errorf("trigger: close: %w", err)
	}
	return nil
}

// Wait blocks until fd becomes readable, retrying on EINTR. It is the
// default waiter used by clients that do not plug in their own scheduler.
func Wait(fd int) error {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfd, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("trigger: poll: %w", err)
		}
		if n > 0 {
			return nil
		}
	}
}
