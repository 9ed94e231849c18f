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

// Package shm implements the shared memory substrate of the bus.
//
// The broker allocates three kinds of memory-backed objects and hands their
// file descriptors to clients: the system control block (SCB, one per
// broker, holding per-channel roster counters), one channel control block
// (CCB) per channel, and one buffer region per channel. Clients map these
// with mmap and from then on publish and read messages without contacting
// the broker.
//
// The CCB contains three intrusive doubly-linked lists of message slots
// (free, busy, active) linked by byte offsets relative to the CCB base,
// because the block is mapped at a different virtual address in every
// process. Offset 0 is the null sentinel. All list manipulation happens
// under a robust futex-based mutex embedded in the CCB; a participant that
// dies while holding the lock is detected by the next contender, which
// recovers the lock and sweeps the dead participant's slot ownership.
//
// Each buffer slot is preceded by a fixed 32-byte message prefix whose
// layout from byte 4 onward is wire-compatible with the TCP bridges and
// must not change.
package shm
