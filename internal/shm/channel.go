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
	"os"
	"sort"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Channel is one participant's handle on a channel's shared memory: the
// CCB mapping, the buffer mapping and the slot geometry. A placeholder
// channel (subscriber to a channel with no publisher yet) has no mappings
// and zero slots until the broker materializes the memory.
type Channel struct {
	name     string
	id       int32
	slotSize int32
	numSlots int32
	stride   int64

	ccbSeg *Segment
	bufSeg *Segment
	ccb    *ccbView

	pid uint32
}

// Slot is a reference to one message slot. It stays valid while the
// channel mapping is alive; the slot's buffer may be reused once the
// holder releases it.
type Slot struct {
	ch *Channel
	ms *messageSlot
}

// TimestampBuffer is scratch storage for timestamp searches, reused across
// calls to avoid allocating a snapshot of the active list every time.
type TimestampBuffer []timestampEntry

type timestampEntry struct {
	timestamp uint64
	off       int32
}

// Allocate creates the shared memory for a channel: one CCB segment and
// one buffer segment, both anonymous memfds. Broker side only.
func Allocate(name string, id int32, slotSize, numSlots int32) (*Channel, error) {
	if len(name) >= MaxChannelName {
		return nil, fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}
	if err := CheckGeometry(slotSize, numSlots); err != nil {
		return nil, err
	}
	ccbSeg, err := CreateSegment("subspace_ccb_"+name, CCBSize(int(numSlots)))
	if err != nil {
		return nil, err
	}
	bufSeg, err := CreateSegment("subspace_buf_"+name, int(BuffersSize(slotSize, numSlots)))
	if err != nil {
		ccbSeg.Close()
		return nil, err
	}
	c := &Channel{
		name:     name,
		id:       id,
		slotSize: slotSize,
		numSlots: numSlots,
		stride:   BufferStride(slotSize),
		ccbSeg:   ccbSeg,
		bufSeg:   bufSeg,
		ccb:      newCCBView(ccbSeg.Mem),
		pid:      uint32(os.Getpid()),
	}
	c.ccb.init(name, slotSize, numSlots)
	return c, nil
}

// NewPlaceholder returns a channel handle with no memory behind it.
func NewPlaceholder(name string, id int32) *Channel {
	return &Channel{name: name, id: id, pid: uint32(os.Getpid())}
}

// Map attaches to an existing channel using descriptors received from the
// broker. The channel consumes both fds whether or not the mapping
// succeeds.
func Map(name string, id int32, slotSize, numSlots int32, ccbFd, bufFd int) (*Channel, error) {
	if err := CheckGeometry(slotSize, numSlots); err != nil {
		unix.Close(ccbFd)
		unix.Close(bufFd)
		return nil, err
	}
	ccbSeg, err := MapSegment(ccbFd, CCBSize(int(numSlots)))
	if err != nil {
		unix.Close(ccbFd)
		unix.Close(bufFd)
		return nil, err
	}
	bufSeg, err := MapSegment(bufFd, int(BuffersSize(slotSize, numSlots)))
	if err != nil {
		ccbSeg.Close()
		unix.Close(bufFd)
		return nil, err
	}
	c := &Channel{
		name:     name,
		id:       id,
		slotSize: slotSize,
		numSlots: numSlots,
		stride:   BufferStride(slotSize),
		ccbSeg:   ccbSeg,
		bufSeg:   bufSeg,
		ccb:      newCCBView(ccbSeg.Mem),
		pid:      uint32(os.Getpid()),
	}
	if got := c.ccb.name(); got != name {
		c.Unmap()
		return nil, fmt.Errorf("shm: mapped channel is %q, want %q", got, name)
	}
	return c, nil
}

// Unmap releases the channel's mappings. Safe on placeholders.
func (c *Channel) Unmap() error {
	var first error
	if c.ccbSeg != nil {
		if err := c.ccbSeg.Close(); err != nil {
			first = err
		}
		c.ccbSeg = nil
		c.ccb = nil
	}
	if c.bufSeg != nil {
		if err := c.bufSeg.Close(); err != nil && first == nil {
			first = err
		}
		c.bufSeg = nil
	}
	return first
}

func (c *Channel) Name() string    { return c.name }
func (c *Channel) ID() int32       { return c.id }
func (c *Channel) SlotSize() int32 { return c.slotSize }
func (c *Channel) NumSlots() int32 { return c.numSlots }

// IsPlaceholder reports whether the channel has no memory mapped yet.
func (c *Channel) IsPlaceholder() bool { return c.ccbSeg == nil }

// CcbFd and BufferFd expose the segment descriptors for transfer to
// clients. Broker side.
func (c *Channel) CcbFd() int    { return c.ccbSeg.Fd }
func (c *Channel) BufferFd() int { return c.bufSeg.Fd }

// SetReliableOwner records in shared memory whether the given participant
// holds reliable references, so a lock recovery in any process can sweep
// the right counters. Broker side; it takes the channel lock itself.
func (c *Channel) SetReliableOwner(owner int32, reliable bool) {
	c.lock(-1)
	if reliable {
		c.ccb.hdr().reliableOwners.Set(owner)
	} else {
		c.ccb.hdr().reliableOwners.Clear(owner)
	}
	c.unlock()
}

// lock acquires the channel mutex, running the owner cleanup sweep first
// if the previous holder died with the lock held.
func (c *Channel) lock(me int32) {
	dead, recovered, err := c.ccb.mutex().Lock(c.pid, me)
	if err != nil {
		// Futex failure leaves no way to keep the lists consistent.
		panic(err)
	}
	if recovered && dead >= 0 {
		c.cleanupLocked(dead)
	}
}

func (c *Channel) unlock() {
	c.ccb.mutex().Unlock()
}

// prefixAt returns the message prefix of slot i.
func (c *Channel) prefixAt(i int32) *MessagePrefix {
	off := c.stride * int64(i)
	return (*MessagePrefix)(unsafe.Add(unsafe.Pointer(&c.bufSeg.Mem[0]), uintptr(off)))
}

// bufferAt returns the payload bytes of slot i, capacity slotSize.
func (c *Channel) bufferAt(i int32) []byte {
	off := c.stride*int64(i) + PrefixSize
	return c.bufSeg.Mem[off : off+int64(c.slotSize)]
}

// FindFreeSlot returns a slot for the publisher to fill, moving it to the
// busy list. It takes the oldest free slot, or failing that reclaims the
// oldest active slot with no references. A reliable publisher stops at the
// first active slot still referenced by a reliable subscriber and returns
// nil, which is backpressure rather than an error.
func (c *Channel) FindFreeSlot(reliable bool, owner int32) *Slot {
	c.lock(owner)
	defer c.unlock()
	ms := c.findFreeLocked(reliable, owner)
	if ms == nil {
		return nil
	}
	return &Slot{ch: c, ms: ms}
}

func (c *Channel) findFreeLocked(reliable bool, owner int32) *messageSlot {
	h := c.ccb.hdr()
	ms := c.ccb.listFront(&h.freeList)
	if ms != nil {
		c.ccb.listRemove(&h.freeList, ms)
	} else {
		for s := c.ccb.listFront(&h.activeList); s != nil; s = c.ccb.slotAt(s.next) {
			if reliable && s.reliableRefCount > 0 {
				// Everything newer is still owed to a reliable
				// subscriber; reclaiming past this point would drop
				// messages the reliability contract promised.
				return nil
			}
			if s.refCount == 0 && s.reliableRefCount == 0 {
				ms = s
				c.ccb.listRemove(&h.activeList, ms)
				break
			}
		}
		if ms == nil {
			return nil
		}
	}
	ms.refCount = 0
	ms.reliableRefCount = 0
	ms.ordinal = 0
	ms.messageSize = 0
	ms.owners.ClearAll()
	ms.owners.Set(owner)
	c.ccb.listPushBack(&h.busyList, ms)
	return ms
}

// ActivateSlotAndGetAnother publishes the slot: stamps its prefix, moves
// it to the tail of the active list and releases the publisher's claim.
// Unless this is the activation message it then allocates the next slot
// for the publisher (nil under reliable backpressure). It returns the
// published ordinal and timestamp.
//
// With omitPrefix the prefix is taken as already written (bridge ingress);
// the channel adopts its ordinal instead of assigning one.
func (c *Channel) ActivateSlotAndGetAnother(slot *Slot, reliable, isActivation bool, owner int32, omitPrefix bool) (next *Slot, ordinal int64, timestamp uint64) {
	c.lock(owner)
	defer c.unlock()
	h := c.ccb.hdr()
	ms := slot.ms
	p := c.prefixAt(ms.id)

	if omitPrefix {
		ordinal = p.Ordinal
		timestamp = p.Timestamp
		ms.ordinal = ordinal
		ms.messageSize = int64(p.MessageSize)
	} else {
		ordinal = h.nextOrdinal
		h.nextOrdinal++
		timestamp = monotonicNow()
		p.MessageSize = int32(ms.messageSize)
		p.Ordinal = ordinal
		p.Timestamp = timestamp
		p.Flags = 0
		if isActivation {
			p.Flags |= FlagActivate
		}
		ms.ordinal = ordinal
	}

	h.totalBytes += ms.messageSize
	h.totalMessages++

	c.ccb.listRemove(&h.busyList, ms)
	ms.owners.Clear(owner)
	c.ccb.listPushBack(&h.activeList, ms)

	if isActivation {
		return nil, ordinal, timestamp
	}
	nextMS := c.findFreeLocked(reliable, owner)
	if nextMS == nil {
		return nil, ordinal, timestamp
	}
	return &Slot{ch: c, ms: nextMS}, ordinal, timestamp
}

// NextSlot moves the subscriber one message forward in the active list,
// releasing cur and referencing the next slot. With a nil cur it starts at
// the oldest active message. It returns nil when no newer message exists;
// the subscriber keeps its current position.
func (c *Channel) NextSlot(cur *Slot, owner int32, reliable bool) *Slot {
	c.lock(owner)
	defer c.unlock()
	h := c.ccb.hdr()
	var target *messageSlot
	if cur == nil {
		target = c.ccb.listFront(&h.activeList)
	} else {
		target = c.ccb.slotAt(cur.ms.next)
	}
	if target == nil {
		return nil
	}
	if cur != nil {
		c.releaseLocked(cur.ms, owner, reliable)
	}
	c.acquireLocked(target, owner, reliable)
	return &Slot{ch: c, ms: target}
}

// LastSlot jumps the subscriber to the newest active message. It returns
// nil when the subscriber is already on the newest message or the active
// list is empty; a message is never delivered twice.
func (c *Channel) LastSlot(cur *Slot, owner int32, reliable bool) *Slot {
	c.lock(owner)
	defer c.unlock()
	h := c.ccb.hdr()
	target := c.ccb.listBack(&h.activeList)
	if target == nil || (cur != nil && target == cur.ms) {
		return nil
	}
	if cur != nil {
		c.releaseLocked(cur.ms, owner, reliable)
	}
	c.acquireLocked(target, owner, reliable)
	return &Slot{ch: c, ms: target}
}

// FindActiveSlotByTimestamp positions the subscriber on the active message
// published at exactly the given timestamp. The active list snapshot is
// built in scratch, which grows as needed and is reused across calls. On a
// miss the subscriber's position is unchanged and nil is returned.
func (c *Channel) FindActiveSlotByTimestamp(cur *Slot, timestamp uint64, owner int32, reliable bool, scratch *TimestampBuffer) *Slot {
	c.lock(owner)
	defer c.unlock()
	h := c.ccb.hdr()

	buf := (*scratch)[:0]
	for s := c.ccb.listFront(&h.activeList); s != nil; s = c.ccb.slotAt(s.next) {
		buf = append(buf, timestampEntry{
			timestamp: c.prefixAt(s.id).Timestamp,
			off:       c.ccb.offsetOf(s),
		})
	}
	*scratch = buf

	// Activation order is publication order, so the snapshot is sorted.
	i := sort.Search(len(buf), func(i int) bool { return buf[i].timestamp >= timestamp })
	if i >= len(buf) || buf[i].timestamp != timestamp {
		return nil
	}
	target := c.ccb.slotAt(buf[i].off)
	if cur != nil {
		if target == cur.ms {
			return &Slot{ch: c, ms: target}
		}
		c.releaseLocked(cur.ms, owner, reliable)
	}
	c.acquireLocked(target, owner, reliable)
	return &Slot{ch: c, ms: target}
}

// ReleaseSlot drops the subscriber's reference on its current slot without
// taking another.
func (c *Channel) ReleaseSlot(cur *Slot, owner int32, reliable bool) {
	c.lock(owner)
	c.releaseLocked(cur.ms, owner, reliable)
	c.unlock()
}

func (c *Channel) acquireLocked(ms *messageSlot, owner int32, reliable bool) {
	ms.owners.Set(owner)
	ms.refCount++
	if reliable {
		ms.reliableRefCount++
	}
	p := c.prefixAt(ms.id)
	if p.Flags&FlagSeen == 0 {
		p.Flags |= FlagSeen
	}
}

func (c *Channel) releaseLocked(ms *messageSlot, owner int32, reliable bool) {
	if !ms.owners.IsSet(owner) {
		return
	}
	ms.owners.Clear(owner)
	ms.refCount--
	if reliable {
		ms.reliableRefCount--
	}
}

// CleanupSlots removes every trace of a departed participant: busy slots
// it was filling go back to the free list, references it held on active
// slots are dropped. Whether the participant held reliable references is
// read from the CCB so any process can run the sweep after a lock
// recovery.
func (c *Channel) CleanupSlots(owner int32) {
	c.lock(-1)
	c.cleanupLocked(owner)
	c.unlock()
}

func (c *Channel) cleanupLocked(owner int32) {
	h := c.ccb.hdr()
	reliable := h.reliableOwners.IsSet(owner)

	var busyOwned []*messageSlot
	for s := c.ccb.listFront(&h.busyList); s != nil; s = c.ccb.slotAt(s.next) {
		if s.owners.IsSet(owner) {
			busyOwned = append(busyOwned, s)
		}
	}
	for _, s := range busyOwned {
		c.ccb.listRemove(&h.busyList, s)
		s.owners.ClearAll()
		s.refCount = 0
		s.reliableRefCount = 0
		s.ordinal = 0
		s.messageSize = 0
		c.ccb.listPushBack(&h.freeList, s)
	}

	for s := c.ccb.listFront(&h.activeList); s != nil; s = c.ccb.slotAt(s.next) {
		if s.owners.IsSet(owner) {
			s.owners.Clear(owner)
			s.refCount--
			if reliable {
				s.reliableRefCount--
			}
		}
	}
	h.reliableOwners.Clear(owner)
}

// Stats returns the channel's cumulative publish statistics.
func (c *Channel) Stats() (totalBytes, totalMessages int64) {
	c.lock(-1)
	defer c.unlock()
	h := c.ccb.hdr()
	return h.totalBytes, h.totalMessages
}

// DumpLists renders the three slot lists for debugging.
func (c *Channel) DumpLists() string {
	c.lock(-1)
	defer c.unlock()
	h := c.ccb.hdr()
	var b strings.Builder
	dump := func(name string, l *slotList) {
		fmt.Fprintf(&b, "%s:", name)
		for s := c.ccb.listFront(l); s != nil; s = c.ccb.slotAt(s.next) {
			fmt.Fprintf(&b, " %d(ord=%d refs=%d/%d owners=%d)",
				s.id, s.ordinal, s.refCount, s.reliableRefCount, s.owners.Popcount())
		}
		b.WriteByte('\n')
	}
	dump("free", &h.freeList)
	dump("busy", &h.busyList)
	dump("active", &h.activeList)
	return b.String()
}

// Slot accessors.

func (s *Slot) ID() int32          { return s.ms.id }
func (s *Slot) Ordinal() int64     { return s.ms.ordinal }
func (s *Slot) MessageSize() int64 { return s.ms.messageSize }

// SetMessageSize records the payload length ahead of activation.
func (s *Slot) SetMessageSize(n int64) { s.ms.messageSize = n }

// Prefix returns the slot's message prefix in the buffer segment.
func (s *Slot) Prefix() *MessagePrefix { return s.ch.prefixAt(s.ms.id) }

// Buffer returns the slot's payload bytes, capacity SlotSize.
func (s *Slot) Buffer() []byte { return s.ch.bufferAt(s.ms.id) }

func monotonicNow() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
}
