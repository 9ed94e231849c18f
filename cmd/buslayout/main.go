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

// buslayout prints the shared memory layout for a slot geometry and walks
// a scratch channel through a few publishes to show how the slot lists
// move.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/poftwaresatent/dallison-subspace/internal/shm"
)

func main() {
	slotSize := flag.Int("slot-size", 256, "slot payload size in bytes")
	numSlots := flag.Int("num-slots", 16, "number of slots")
	probes := flag.Int("probes", 3, "messages to publish into the scratch channel")
	flag.Parse()

	fmt.Printf("system control block: %d bytes (%d channels)\n", shm.SCBSize, shm.MaxChannels)
	fmt.Printf("channel control block: %d bytes (%d slots of %d bytes)\n",
		shm.CCBSize(*numSlots), *numSlots, *slotSize)
	fmt.Printf("buffer region: %d bytes (stride %d, prefix %d)\n",
		shm.BuffersSize(int32(*slotSize), int32(*numSlots)),
		shm.BufferStride(int32(*slotSize)), shm.PrefixSize)

	ch, err := shm.Allocate("buslayout-probe", 0, int32(*slotSize), int32(*numSlots))
	if err != nil {
		log.Fatalf("failed to allocate scratch channel: %v", err)
	}
	defer ch.Unmap()

	slot := ch.FindFreeSlot(false, 0)
	for i := 0; i < *probes && slot != nil; i++ {
		n := copy(slot.Buffer(), "probe")
		slot.SetMessageSize(int64(n))
		slot, _, _ = ch.ActivateSlotAndGetAnother(slot, false, false, 0, false)
	}

	totalBytes, totalMessages := ch.Stats()
	fmt.Printf("published %d messages, %d bytes\n", totalMessages, totalBytes)
	fmt.Print(ch.DumpLists())
}
