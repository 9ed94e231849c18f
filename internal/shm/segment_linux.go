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
	"fmt"

	"golang.org/x/sys/unix"
)

// Segment is one mmapped memory-backed object. The broker creates segments
// as anonymous memfds and passes the descriptors to clients, which map the
// same pages with MapSegment. Nothing about a segment is named in the
// filesystem; the fd is the only handle.
type Segment struct {
	Fd  int
	Mem []byte
}

// CreateSegment allocates a new anonymous shared memory segment of the
// given size, zero-filled, and maps it into the caller.
func CreateSegment(name string, size int) (*Segment, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("shm: memfd_create %s: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: ftruncate %s: %w", name, err)
	}
	mem, err := mmapFd(fd, size)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Segment{Fd: fd, Mem: mem}, nil
}

// MapSegment maps an existing segment received from the broker. The
// segment takes ownership of fd.
func MapSegment(fd int, size int) (*Segment, error) {
	mem, err := mmapFd(fd, size)
	if err != nil {
		return nil, err
	}
	return &Segment{Fd: fd, Mem: mem}, nil
}

// Close unmaps the segment and closes its descriptor. The pages stay alive
// while any process keeps a mapping or an fd.
func (s *Segment) Close() error {
	var first error
	if len(s.Mem) > 0 {
		if err := unix.Munmap(s.Mem); err != nil && first == nil {
			first = fmt.Errorf("shm: munmap: %w", err)
		}
		s.Mem = nil
	}
	if s.Fd >= 0 {
		if err := unix.Close(s.Fd); err != nil && first == nil {
			first = fmt.Errorf("shm: close: %w", err)
		}
		s.Fd = -1
	}
	return first
}

func mmapFd(fd int, size int) ([]byte, error) {
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap: %w", err)
	}
	return mem, nil
}
