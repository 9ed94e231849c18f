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

package client

// Message is one delivered message. Buffer aliases shared memory and is
// valid until the subscriber's next read; copy it to keep it longer. The
// zero Message means no message was available.
type Message struct {
	Buffer    []byte
	Length    int
	Ordinal   int64
	Timestamp uint64
}

// IsEmpty reports whether the read returned no message.
func (m Message) IsEmpty() bool { return m.Length == 0 && m.Buffer == nil }

// ReadMode selects which active message a read takes.
type ReadMode int

const (
	// ReadNext delivers the message after the subscriber's current
	// position, oldest first. It skips only messages that were already
	// overwritten, which the drop callback reports.
	ReadNext ReadMode = iota
	// ReadNewest jumps to the most recently published message, skipping
	// anything between.
	ReadNewest
)
