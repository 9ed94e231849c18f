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

package broker

import (
	"errors"
	"fmt"

	"github.com/poftwaresatent/dallison-subspace/internal/shm"
	"github.com/poftwaresatent/dallison-subspace/internal/trigger"
)

var (
	ErrChannelsExhausted = errors.New("broker: out of channel ids")
	ErrOwnersExhausted   = errors.New("broker: out of participant ids")
	ErrTypeMismatch      = errors.New("broker: channel type mismatch")
	ErrGeometryMismatch  = errors.New("broker: slot geometry mismatch")
	ErrUnknownChannel    = errors.New("broker: no such channel")
	ErrUnknownPart       = errors.New("broker: no such participant")
)

// participant is one registered publisher or subscriber. Its event object
// is signaled by peers and polled by the owner; the broker keeps the
// original and hands out dups.
type participant struct {
	id       int32
	reliable bool
	public   bool
	bridge   bool
	event    *trigger.Trigger
}

// channelRecord is the broker's bookkeeping for one channel. ch is nil
// while the channel only has placeholder subscribers; the first publisher
// materializes the shared memory.
type channelRecord struct {
	id       int32
	name     string
	typ      string
	slotSize int32
	numSlots int32
	ch       *shm.Channel
	pubs     map[int32]*participant
	subs     map[int32]*participant
}

// allocParticipantID returns the lowest id unused by either roster.
// Publisher and subscriber ids share the channel's owner space because
// both index the same per-slot owner bitset.
func (r *channelRecord) allocParticipantID() (int32, error) {
	for id := int32(0); id < shm.MaxSlotOwners; id++ {
		if _, ok := r.pubs[id]; ok {
			continue
		}
		if _, ok := r.subs[id]; ok {
			continue
		}
		return id, nil
	}
	return -1, ErrOwnersExhausted
}

// negotiateType applies the channel type rules: an empty requested type
// inherits the channel's, the first non-empty type fixes it, and any
// later non-empty mismatch is refused.
func (r *channelRecord) negotiateType(requested string) (string, error) {
	if requested == "" {
		return r.typ, nil
	}
	if r.typ == "" {
		r.typ = requested
		return r.typ, nil
	}
	if requested != r.typ {
		return "", fmt.Errorf("%w: channel %q has type %q, requested %q",
			ErrTypeMismatch, r.name, r.typ, requested)
	}
	return r.typ, nil
}

// channel returns the record for name, creating an empty one on demand.
func (s *Server) channel(name string, create bool) (*channelRecord, error) {
	if rec, ok := s.channels[name]; ok {
		return rec, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	if s.nextChanID >= shm.MaxChannels {
		return nil, ErrChannelsExhausted
	}
	rec := &channelRecord{
		id:   s.nextChanID,
		name: name,
		pubs: make(map[int32]*participant),
		subs: make(map[int32]*participant),
	}
	s.nextChanID++
	s.channels[name] = rec
	return rec, nil
}

// materialize creates the channel's shared memory with the first
// publisher's geometry and records the reliable flag of every subscriber
// that signed up while the channel was a placeholder.
func (s *Server) materialize(rec *channelRecord, slotSize, numSlots int32) error {
	ch, err := shm.Allocate(rec.name, rec.id, slotSize, numSlots)
	if err != nil {
		return err
	}
	rec.ch = ch
	rec.slotSize = slotSize
	rec.numSlots = numSlots
	for id, p := range rec.subs {
		ch.SetReliableOwner(id, p.reliable)
	}
	return nil
}

// ChannelInfo is a snapshot row for the layout listing.
type ChannelInfo struct {
	ID       int32
	Name     string
	Type     string
	SlotSize int32
	NumSlots int32
	NumPubs  int
	NumSubs  int
}

// Channels lists all registered channels, placeholders included.
func (s *Server) Channels() []ChannelInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChannelInfo, 0, len(s.channels))
	for _, rec := range s.channels {
		out = append(out, ChannelInfo{
			ID:       rec.id,
			Name:     rec.name,
			Type:     rec.typ,
			SlotSize: rec.slotSize,
			NumSlots: rec.numSlots,
			NumPubs:  len(rec.pubs),
			NumSubs:  len(rec.subs),
		})
	}
	return out
}
