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

	"golang.org/x/sys/unix"
)

// The mutex word holds 0 when free, otherwise the holder's pid, with the
// top bit marking that at least one waiter is (or was) queued on the futex.
// Linux pids fit comfortably below bit 31.
const (
	lockWaitersBit = 1 << 31
	lockPIDMask    = ^uint32(lockWaitersBit)

	// lockProbeIntervalNs bounds each futex wait so a waiter periodically
	// probes whether the holder process is still alive.
	lockProbeIntervalNs = 50 * 1e6
)

// robustMutex is a cross-process mutex embedded in a channel control block.
// A participant that dies while holding the lock is detected by the next
// contender, which steals the lock, bumps the recovery epoch and reports
// the dead holder's participant id so the caller can sweep its slots.
//
// All fields point into the mapped block; the struct itself holds no state.
type robustMutex struct {
	word     *uint32
	ownerPID *uint32
	ownerID  *int32
	epoch    *uint32
}

// Lock acquires the mutex for the calling process. pid is the caller's
// process id, id its participant id (or -1 for the broker). If the previous
// holder died while holding the lock, Lock recovers it and returns the dead
// holder's participant id with recovered=true; the caller must run the
// owner cleanup sweep before relying on list integrity.
func (m *robustMutex) Lock(pid uint32, id int32) (deadOwner int32, recovered bool, err error) {
	deadOwner = -1
	for {
		if atomic.CompareAndSwapUint32(m.word, 0, pid) {
			atomic.StoreUint32(m.ownerPID, pid)
			atomic.StoreInt32(m.ownerID, id)
			return deadOwner, recovered, nil
		}
		cur := atomic.LoadUint32(m.word)
		if cur == 0 {
			continue
		}
		if cur&lockWaitersBit == 0 {
			if !atomic.CompareAndSwapUint32(m.word, cur, cur|lockWaitersBit) {
				continue
			}
			cur |= lockWaitersBit
		}
		werr := futexWaitTimeout(m.word, cur, lockProbeIntervalNs)
		if werr == ErrFutexTimeout {
			holder := cur & lockPIDMask
			if holder != 0 && processDead(int(holder)) {
				// Snapshot the dead holder's participant id before the
				// steal; it identifies whose slots must be swept.
				dead := atomic.LoadInt32(m.ownerID)
				if atomic.CompareAndSwapUint32(m.word, cur, pid) {
					atomic.AddUint32(m.epoch, 1)
					atomic.StoreUint32(m.ownerPID, pid)
					atomic.StoreInt32(m.ownerID, id)
					return dead, true, nil
				}
				// Lost the steal race; other waiters re-announce the
				// waiters bit on the next loop iteration.
			}
			continue
		}
		if werr != nil {
			return deadOwner, recovered, werr
		}
	}
}

// Unlock releases the mutex and wakes one waiter if any queued.
func (m *robustMutex) Unlock() {
	atomic.StoreInt32(m.ownerID, -1)
	atomic.StoreUint32(m.ownerPID, 0)
	old := atomic.SwapUint32(m.word, 0)
	if old&lockWaitersBit != 0 {
		futexWake(m.word, 1)
	}
}

// RecoveryEpoch returns the number of times the lock has been recovered
// from a dead holder.
func (m *robustMutex) RecoveryEpoch() uint32 {
	return atomic.LoadUint32(m.epoch)
}

// processDead reports whether no process with the given pid exists.
// Signal 0 performs permission and existence checks only.
func processDead(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == unix.ESRCH
}
