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

import (
	"github.com/poftwaresatent/dallison-subspace/internal/shm"
	"github.com/poftwaresatent/dallison-subspace/internal/trigger"
	"github.com/poftwaresatent/dallison-subspace/internal/wire"
)

// Subscriber reads messages from a channel's shared memory. It is not
// safe for concurrent use.
//
// A subscriber created before any publisher is a placeholder: it has a
// valid registration and trigger but no channel memory. The first read
// after a publisher appears re-issues the subscription and maps the
// memory transparently.
type Subscriber struct {
	c    *Client
	opts options

	id      int32
	channel *shm.Channel

	event               *trigger.Trigger
	reliablePubTriggers []*trigger.Trigger
	pubUpdates          uint16

	slot        *shm.Slot
	prevOrdinal int64
	scratch     shm.TimestampBuffer

	dropCb func(dropped int64)
}

// CreateSubscriber registers a subscriber on the named channel. The
// channel does not need a publisher yet.
func (c *Client) CreateSubscriber(channelName string, opts ...Option) (*Subscriber, error) {
	if c.scb == nil {
		return nil, ErrNotInitialized
	}
	o := buildOptions(opts)
	var resp wire.Response
	fds, err := c.roundTrip(&wire.Request{CreateSubscriber: &wire.CreateSubscriberRequest{
		ChannelName:  channelName,
		SubscriberID: -1,
		Reliable:     o.reliable,
		Bridge:       o.bridge,
		Type:         o.typ,
	}}, &resp)
	if err != nil {
		return nil, err
	}
	r := resp.CreateSubscriber

	var ch *shm.Channel
	if r.NumSlots == 0 {
		ch = shm.NewPlaceholder(channelName, r.ChannelID)
	} else {
		ch, err = shm.Map(channelName, r.ChannelID, r.SlotSize, r.NumSlots,
			wire.FdAt(fds, r.CcbFdIndex), wire.FdAt(fds, r.BuffersFdIndex))
		if err != nil {
			closeFdAt(fds, r.TriggerFdIndex)
			closeFdAt(fds, r.PollFdIndex)
			for _, idx := range r.ReliablePubTriggerFdIndexes {
				closeFdAt(fds, idx)
			}
			c.removeSubscriberID(channelName, r.SubscriberID)
			return nil, err
		}
	}
	s := &Subscriber{
		c:                   c,
		opts:                o,
		id:                  r.SubscriberID,
		channel:             ch,
		event:               trigger.FromFd(wire.FdAt(fds, r.PollFdIndex)),
		reliablePubTriggers: triggersAt(fds, r.ReliablePubTriggerFdIndexes),
	}
	closeFdAt(fds, r.TriggerFdIndex)
	s.pubUpdates, _ = c.scb.UpdateCounters(ch.ID())
	// Pre-signal so a first Wait does not sleep past messages that were
	// already on the channel when the subscriber joined.
	if err := s.event.Signal(); err != nil {
		s.Remove()
		return nil, err
	}
	return s, nil
}

// SetDropCallback installs a function called with the number of messages
// that were overwritten unseen between two consecutive reads.
func (s *Subscriber) SetDropCallback(fn func(dropped int64)) {
	s.dropCb = fn
}

// ReadMessage delivers the next message per mode, or the zero Message
// when nothing new is available. The returned buffer aliases shared
// memory and is valid until the next read.
func (s *Subscriber) ReadMessage(mode ReadMode) (Message, error) {
	if err := s.reloadIfNecessary(); err != nil {
		return Message{}, err
	}
	if s.channel.IsPlaceholder() {
		if err := s.event.Clear(); err != nil {
			return Message{}, err
		}
		return Message{}, nil
	}
	if err := s.event.Clear(); err != nil {
		return Message{}, err
	}
	return s.readLocked(mode), nil
}

// readLocked advances the subscriber's position. Activation messages are
// skipped unless the subscriber opted in; the skip loops instead of
// re-clearing the poll object so a real message signaled in between is
// not missed.
func (s *Subscriber) readLocked(mode ReadMode) Message {
	for {
		var next *shm.Slot
		switch mode {
		case ReadNewest:
			next = s.channel.LastSlot(s.slot, s.id, s.opts.reliable)
		default:
			next = s.channel.NextSlot(s.slot, s.id, s.opts.reliable)
		}
		if next == nil {
			// Nothing new. Poke reliable publishers anyway so one stalled
			// on backpressure re-checks the lists.
			s.notifyReliablePublishers()
			return Message{}
		}
		released := s.slot != nil
		s.slot = next
		if released {
			s.notifyReliablePublishers()
		}

		prefix := next.Prefix()
		ordinal := prefix.Ordinal
		if s.prevOrdinal != 0 && ordinal > s.prevOrdinal+1 && s.dropCb != nil {
			s.dropCb(ordinal - s.prevOrdinal - 1)
		}
		s.prevOrdinal = ordinal

		if prefix.IsActivation() && !s.opts.passActivation {
			continue
		}
		size := int(prefix.MessageSize)
		return Message{
			Buffer:    next.Buffer()[:size],
			Length:    size,
			Ordinal:   ordinal,
			Timestamp: prefix.Timestamp,
		}
	}
}

// FindMessage positions the subscriber on the active message published at
// exactly the given timestamp and returns it. A miss returns the zero
// Message and leaves the position unchanged.
func (s *Subscriber) FindMessage(timestamp uint64) (Message, error) {
	if err := s.reloadIfNecessary(); err != nil {
		return Message{}, err
	}
	if s.channel.IsPlaceholder() {
		if err := s.event.Clear(); err != nil {
			return Message{}, err
		}
		return Message{}, nil
	}
	slot := s.channel.FindActiveSlotByTimestamp(s.slot, timestamp, s.id, s.opts.reliable, &s.scratch)
	if slot == nil {
		return Message{}, nil
	}
	released := s.slot != nil && s.slot != slot
	s.slot = slot
	if released {
		s.notifyReliablePublishers()
	}
	prefix := slot.Prefix()
	s.prevOrdinal = prefix.Ordinal
	size := int(prefix.MessageSize)
	return Message{
		Buffer:    slot.Buffer()[:size],
		Length:    size,
		Ordinal:   prefix.Ordinal,
		Timestamp: prefix.Timestamp,
	}, nil
}

// Wait blocks until a publisher signals a new message.
func (s *Subscriber) Wait() error {
	return s.c.wait(s.event.Fd())
}

// WaitForReliablePublisher blocks until the channel has at least one
// reliable publisher.
func (s *Subscriber) WaitForReliablePublisher() error {
	for {
		if err := s.reloadIfNecessary(); err != nil {
			return err
		}
		if s.c.scb.Counters(s.channel.ID()).NumReliablePubs > 0 {
			return nil
		}
		if err := s.c.wait(s.event.Fd()); err != nil {
			return err
		}
		if err := s.event.Clear(); err != nil {
			return err
		}
	}
}

// PollFd exposes the descriptor Wait sleeps on.
func (s *Subscriber) PollFd() int { return s.event.Fd() }

// Remove deregisters the subscriber and releases its resources. A reliable
// subscriber also wakes the reliable publishers so a blocked one can
// re-evaluate the roster.
func (s *Subscriber) Remove() error {
	err := s.c.removeSubscriberID(s.channel.Name(), s.id)
	s.notifyReliablePublishers()
	s.channel.Unmap()
	s.event.Close()
	closeTriggers(s.reliablePubTriggers)
	s.reliablePubTriggers = nil
	return err
}

func (s *Subscriber) notifyReliablePublishers() {
	if !s.opts.reliable {
		return
	}
	for _, t := range s.reliablePubTriggers {
		t.Signal()
	}
}

// reloadIfNecessary tracks the publisher roster: a placeholder re-issues
// its subscription to pick up freshly created channel memory, and an
// existing subscriber refreshes its reliable publisher triggers.
func (s *Subscriber) reloadIfNecessary() error {
	pubU, _ := s.c.scb.UpdateCounters(s.channel.ID())
	if pubU == s.pubUpdates {
		return nil
	}

	if s.channel.IsPlaceholder() {
		var resp wire.Response
		fds, err := s.c.roundTrip(&wire.Request{CreateSubscriber: &wire.CreateSubscriberRequest{
			ChannelName:  s.channel.Name(),
			SubscriberID: s.id,
			Reliable:     s.opts.reliable,
			Bridge:       s.opts.bridge,
			Type:         s.opts.typ,
		}}, &resp)
		if err != nil {
			return err
		}
		r := resp.CreateSubscriber
		closeFdAt(fds, r.TriggerFdIndex)
		closeFdAt(fds, r.PollFdIndex)
		if r.NumSlots > 0 {
			ch, err := shm.Map(s.channel.Name(), r.ChannelID, r.SlotSize, r.NumSlots,
				wire.FdAt(fds, r.CcbFdIndex), wire.FdAt(fds, r.BuffersFdIndex))
			if err != nil {
				for _, idx := range r.ReliablePubTriggerFdIndexes {
					closeFdAt(fds, idx)
				}
				return err
			}
			s.channel.Unmap()
			s.channel = ch
		}
		closeTriggers(s.reliablePubTriggers)
		s.reliablePubTriggers = triggersAt(fds, r.ReliablePubTriggerFdIndexes)
		s.pubUpdates = pubU
		return nil
	}

	var resp wire.Response
	fds, err := s.c.roundTrip(&wire.Request{GetTriggers: &wire.GetTriggersRequest{
		ChannelName: s.channel.Name(),
	}}, &resp)
	if err != nil {
		return err
	}
	for _, idx := range resp.GetTriggers.SubTriggerFdIndexes {
		closeFdAt(fds, idx)
	}
	closeTriggers(s.reliablePubTriggers)
	s.reliablePubTriggers = triggersAt(fds, resp.GetTriggers.ReliablePubTriggerFdIndexes)
	s.pubUpdates = pubU
	return nil
}

func (c *Client) removeSubscriberID(channelName string, id int32) error {
	var resp wire.Response
	fds, err := c.roundTrip(&wire.Request{RemoveSubscriber: &wire.RemoveSubscriberRequest{
		ChannelName:  channelName,
		SubscriberID: id,
	}}, &resp)
	closeFds(fds)
	return err
}
