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

import "unsafe"

// MessagePrefix precedes every buffer slot. Bytes 4..32 travel over the
// TCP bridges verbatim; their layout is frozen. Fields are little-endian,
// which is the native order on every supported target.
type MessagePrefix struct {
	_           [4]byte
	MessageSize int32
	Ordinal     int64
	Timestamp   uint64
	Flags       uint64
}

const (
	_ = PrefixSize - unsafe.Sizeof(MessagePrefix{})
	_ = unsafe.Sizeof(MessagePrefix{}) - PrefixSize
)

// IsActivation reports whether the prefix carries the activation flag.
func (p *MessagePrefix) IsActivation() bool { return p.Flags&FlagActivate != 0 }

// IsBridged reports whether the message entered through a TCP bridge.
func (p *MessagePrefix) IsBridged() bool { return p.Flags&FlagBridged != 0 }
