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
	"sync/atomic"
	"unsafe"
)

// ChannelCounters is a snapshot of one channel's roster record in the
// system control block.
type ChannelCounters struct {
	NumPubs         uint16
	NumReliablePubs uint16
	NumSubs         uint16
	NumReliableSubs uint16
	NumPubUpdates   uint16
	NumSubUpdates   uint16
}

// counterRecord is the in-memory layout of one SCB record. The two update
// counters share a 4-byte-aligned word so clients can read both with one
// atomic load.
type counterRecord struct {
	numPubs         uint16
	numReliablePubs uint16
	numSubs         uint16
	numReliableSubs uint16
	numPubUpdates   uint16
	numSubUpdates   uint16
	_               [4]byte
}

// SystemControlBlock is a typed view over the mmapped SCB segment: an
// array of MaxChannels counter records. The broker is the only writer;
// clients poll the update counters to detect roster changes.
type SystemControlBlock struct {
	seg  *Segment
	base unsafe.Pointer
}

// NewSystemControlBlock wraps a mapped segment of at least SCBSize bytes.
func NewSystemControlBlock(seg *Segment) *SystemControlBlock {
	return &SystemControlBlock{seg: seg, base: unsafe.Pointer(&seg.Mem[0])}
}

// Segment returns the underlying mapping.
func (s *SystemControlBlock) Segment() *Segment { return s.seg }

func (s *SystemControlBlock) rec(ch int32) *counterRecord {
	return (*counterRecord)(unsafe.Add(s.base, uintptr(ch)*counterRecordSize))
}

func (s *SystemControlBlock) updatesWord(ch int32) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.rec(ch).numPubUpdates))
}

// Counters returns a snapshot of the channel's record.
func (s *SystemControlBlock) Counters(ch int32) ChannelCounters {
	r := s.rec(ch)
	w := atomic.LoadUint32(s.updatesWord(ch))
	return ChannelCounters{
		NumPubs:         r.numPubs,
		NumReliablePubs: r.numReliablePubs,
		NumSubs:         r.numSubs,
		NumReliableSubs: r.numReliableSubs,
		NumPubUpdates:   uint16(w),
		NumSubUpdates:   uint16(w >> 16),
	}
}

// UpdateCounters returns the pub and sub update counters as a single
// consistent pair.
func (s *SystemControlBlock) UpdateCounters(ch int32) (pub, sub uint16) {
	w := atomic.LoadUint32(s.updatesWord(ch))
	return uint16(w), uint16(w >> 16)
}

// AddPub adjusts the publisher counters by delta (+1 or -1) and bumps the
// publisher update counter. Broker only.
func (s *SystemControlBlock) AddPub(ch int32, reliable bool, delta int) {
	r := s.rec(ch)
	r.numPubs = uint16(int(r.numPubs) + delta)
	if reliable {
		r.numReliablePubs = uint16(int(r.numReliablePubs) + delta)
	}
	w := atomic.LoadUint32(s.updatesWord(ch))
	atomic.StoreUint32(s.updatesWord(ch), (w&0xffff0000)|uint32(uint16(w)+1))
}

// AddSub adjusts the subscriber counters by delta and bumps the subscriber
// update counter. Broker only.
func (s *SystemControlBlock) AddSub(ch int32, reliable bool, delta int) {
	r := s.rec(ch)
	r.numSubs = uint16(int(r.numSubs) + delta)
	if reliable {
		r.numReliableSubs = uint16(int(r.numReliableSubs) + delta)
	}
	w := atomic.LoadUint32(s.updatesWord(ch))
	atomic.StoreUint32(s.updatesWord(ch), (w&0x0000ffff)|uint32(uint16(w>>16)+1)<<16)
}
