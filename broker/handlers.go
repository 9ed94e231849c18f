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
	"fmt"
	"sort"

	"github.com/poftwaresatent/dallison-subspace/internal/shm"
	"github.com/poftwaresatent/dallison-subspace/internal/trigger"
	"github.com/poftwaresatent/dallison-subspace/internal/wire"
	"golang.org/x/sys/unix"
)

// fdBuilder accumulates the descriptor array for one response. Every
// descriptor is a fresh dup owned by the builder and closed after the
// frame is written; errors stick so callers check once.
type fdBuilder struct {
	fds []int
	err error
}

func (b *fdBuilder) add(fd int) uint32 {
	if b.err != nil {
		return wire.InvalidFdIndex
	}
	d, err := unix.Dup(fd)
	if err != nil {
		b.err = fmt.Errorf("broker: dup: %w", err)
		return wire.InvalidFdIndex
	}
	unix.CloseOnExec(d)
	b.fds = append(b.fds, d)
	return uint32(len(b.fds) - 1)
}

func (b *fdBuilder) closeAll() {
	for _, fd := range b.fds {
		closeFd(fd)
	}
	b.fds = nil
}

func closeFd(fd int) {
	unix.Close(fd)
}

func (s *Server) handleInit(h *connHandler, req *wire.InitRequest, b *fdBuilder) (*wire.InitResponse, error) {
	h.clientName = req.ClientName
	resp := &wire.InitResponse{ScbFdIndex: b.add(s.scbSeg.Fd)}
	if b.err != nil {
		return nil, b.err
	}
	s.log.Info("client connected", "client", req.ClientName)
	return resp, nil
}

func (s *Server) createPublisher(h *connHandler, req *wire.CreatePublisherRequest, b *fdBuilder) (*wire.CreatePublisherResponse, error) {
	if err := shm.CheckGeometry(req.SlotSize, req.NumSlots); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.channel(req.ChannelName, true)
	if err != nil {
		return nil, err
	}
	typ, err := rec.negotiateType(req.Type)
	if err != nil {
		return nil, err
	}
	if rec.ch == nil {
		if err := s.materialize(rec, req.SlotSize, req.NumSlots); err != nil {
			return nil, err
		}
	} else if rec.slotSize != req.SlotSize || rec.numSlots != req.NumSlots {
		return nil, fmt.Errorf("%w: channel %q has %d slots of %d bytes, requested %d of %d",
			ErrGeometryMismatch, rec.name, rec.numSlots, rec.slotSize, req.NumSlots, req.SlotSize)
	}

	id, err := rec.allocParticipantID()
	if err != nil {
		return nil, err
	}
	ev, err := trigger.New()
	if err != nil {
		return nil, err
	}
	p := &participant{id: id, reliable: req.Reliable, public: req.Public, bridge: req.Bridge, event: ev}

	resp := &wire.CreatePublisherResponse{
		ChannelID:      rec.id,
		PublisherID:    id,
		Type:           typ,
		SlotSize:       rec.slotSize,
		NumSlots:       rec.numSlots,
		CcbFdIndex:     b.add(rec.ch.CcbFd()),
		BuffersFdIndex: b.add(rec.ch.BufferFd()),
		TriggerFdIndex: b.add(ev.Fd()),
		PollFdIndex:    b.add(ev.Fd()),
	}
	for _, sub := range sortedParts(rec.subs) {
		resp.SubTriggerFdIndexes = append(resp.SubTriggerFdIndexes, b.add(sub.event.Fd()))
	}
	if b.err != nil {
		ev.Close()
		return nil, b.err
	}

	rec.pubs[id] = p
	rec.ch.SetReliableOwner(id, req.Reliable)
	s.scb.AddPub(rec.id, req.Reliable, 1)
	h.owned = append(h.owned, ownedPart{channel: rec.name, id: id, pub: true})
	s.log.Info("publisher created", "client", h.clientName, "channel", rec.name,
		"id", id, "reliable", req.Reliable)
	return resp, nil
}

func (s *Server) createSubscriber(h *connHandler, req *wire.CreateSubscriberRequest, b *fdBuilder) (*wire.CreateSubscriberResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.channel(req.ChannelName, true)
	if err != nil {
		return nil, err
	}
	typ, err := rec.negotiateType(req.Type)
	if err != nil {
		return nil, err
	}

	var p *participant
	fresh := false
	if req.SubscriberID >= 0 {
		p = rec.subs[req.SubscriberID]
		if p == nil {
			return nil, fmt.Errorf("%w: subscriber %d on %q", ErrUnknownPart, req.SubscriberID, rec.name)
		}
	} else {
		id, err := rec.allocParticipantID()
		if err != nil {
			return nil, err
		}
		ev, err := trigger.New()
		if err != nil {
			return nil, err
		}
		p = &participant{id: id, reliable: req.Reliable, bridge: req.Bridge, event: ev}
		fresh = true
	}

	resp := &wire.CreateSubscriberResponse{
		ChannelID:      rec.id,
		SubscriberID:   p.id,
		Type:           typ,
		SlotSize:       rec.slotSize,
		NumSlots:       rec.numSlots,
		CcbFdIndex:     wire.InvalidFdIndex,
		BuffersFdIndex: wire.InvalidFdIndex,
		TriggerFdIndex: b.add(p.event.Fd()),
		PollFdIndex:    b.add(p.event.Fd()),
	}
	if rec.ch != nil {
		resp.CcbFdIndex = b.add(rec.ch.CcbFd())
		resp.BuffersFdIndex = b.add(rec.ch.BufferFd())
	}
	for _, pub := range sortedParts(rec.pubs) {
		if pub.reliable {
			resp.ReliablePubTriggerFdIndexes = append(resp.ReliablePubTriggerFdIndexes, b.add(pub.event.Fd()))
		}
	}
	if b.err != nil {
		if fresh {
			p.event.Close()
		}
		return nil, b.err
	}

	if fresh {
		rec.subs[p.id] = p
		if rec.ch != nil {
			rec.ch.SetReliableOwner(p.id, p.reliable)
		}
		s.scb.AddSub(rec.id, p.reliable, 1)
		// Wake reliable publishers parked in WaitForSubscriber.
		for _, pub := range rec.pubs {
			if pub.reliable {
				pub.event.Signal()
			}
		}
		h.owned = append(h.owned, ownedPart{channel: rec.name, id: p.id, pub: false})
		s.log.Info("subscriber created", "client", h.clientName, "channel", rec.name,
			"id", p.id, "reliable", p.reliable, "placeholder", rec.ch == nil)
	}
	return resp, nil
}

func (s *Server) getTriggers(req *wire.GetTriggersRequest, b *fdBuilder) (*wire.GetTriggersResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.channel(req.ChannelName, false)
	if err != nil {
		return nil, err
	}
	resp := &wire.GetTriggersResponse{}
	for _, sub := range sortedParts(rec.subs) {
		resp.SubTriggerFdIndexes = append(resp.SubTriggerFdIndexes, b.add(sub.event.Fd()))
	}
	for _, pub := range sortedParts(rec.pubs) {
		if pub.reliable {
			resp.ReliablePubTriggerFdIndexes = append(resp.ReliablePubTriggerFdIndexes, b.add(pub.event.Fd()))
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	return resp, nil
}

func (s *Server) removePublisher(channelName string, id int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.channels[channelName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channelName)
	}
	p, ok := rec.pubs[id]
	if !ok {
		return fmt.Errorf("%w: publisher %d on %q", ErrUnknownPart, id, channelName)
	}
	if rec.ch != nil {
		rec.ch.CleanupSlots(id)
	}
	delete(rec.pubs, id)
	p.event.Close()
	s.scb.AddPub(rec.id, p.reliable, -1)
	s.log.Info("publisher removed", "channel", channelName, "id", id)
	return nil
}

func (s *Server) removeSubscriber(channelName string, id int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.channels[channelName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channelName)
	}
	p, ok := rec.subs[id]
	if !ok {
		return fmt.Errorf("%w: subscriber %d on %q", ErrUnknownPart, id, channelName)
	}
	if rec.ch != nil {
		rec.ch.CleanupSlots(id)
	}
	delete(rec.subs, id)
	p.event.Close()
	s.scb.AddSub(rec.id, p.reliable, -1)
	s.log.Info("subscriber removed", "channel", channelName, "id", id)
	return nil
}

// sortedParts returns the participants ordered by id so fd lists are
// stable across responses.
func sortedParts(m map[int32]*participant) []*participant {
	out := make([]*participant, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
