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
)

// Capacity limits of a single broker instance. MaxSlotOwners must stay a
// multiple of 64 so the per-slot owner set is a whole number of words.
const (
	MaxChannels    = 1024
	MaxSlotOwners  = 1024
	MaxChannelName = 64

	ownerWords = MaxSlotOwners / 64
)

// PrefixSize is the number of bytes that precede each buffer slot. The
// layout of bytes 4..32 is shared with the TCP bridges and must not change.
const PrefixSize = 32

// Message prefix flag bits.
const (
	FlagActivate = 1 << 0
	FlagBridged  = 1 << 1
	FlagSeen     = 1 << 2
)

const (
	// counterRecordSize is the per-channel record size in the system
	// control block.
	counterRecordSize = 16

	// SCBSize is the size of the system control block segment.
	SCBSize = MaxChannels * counterRecordSize

	// ccbHeaderSize is the fixed channel control block header; the slot
	// array starts immediately after it. 64-byte aligned and nonzero, so
	// no slot ever sits at CCB offset 0 (offset 0 is the list sentinel).
	ccbHeaderSize = 320

	// slotStructSize is the size of one messageSlot in the CCB.
	slotStructSize = 160
)

var (
	// ErrNameTooLong reports a channel name over MaxChannelName-1 bytes
	// (the stored name is NUL terminated).
	ErrNameTooLong = errors.New("shm: channel name too long")

	// ErrBadGeometry reports a non-positive slot size or count.
	ErrBadGeometry = errors.New("shm: invalid slot geometry")
)

// CCBSize returns the size in bytes of a channel control block segment for
// the given number of slots.
func CCBSize(numSlots int) int {
	return ccbHeaderSize + numSlots*slotStructSize
}

// Align32 rounds n up to the next multiple of 32.
func Align32(n int32) int32 {
	return (n + 31) &^ 31
}

// BufferStride returns the per-slot spacing in the buffer segment: a
// 32-byte message prefix followed by the slot payload rounded up so every
// prefix stays 32-byte aligned.
func BufferStride(slotSize int32) int64 {
	return int64(PrefixSize) + int64(Align32(slotSize))
}

// BuffersSize returns the size in bytes of the buffer segment for the given
// slot geometry.
func BuffersSize(slotSize, numSlots int32) int64 {
	return BufferStride(slotSize) * int64(numSlots)
}

// CheckGeometry validates a requested channel geometry.
func CheckGeometry(slotSize, numSlots int32) error {
	if slotSize <= 0 || numSlots <= 0 {
		return fmt.Errorf("%w: slot_size=%d num_slots=%d", ErrBadGeometry, slotSize, numSlots)
	}
	return nil
}
