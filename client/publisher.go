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
	"errors"
	"fmt"

	"github.com/poftwaresatent/dallison-subspace/internal/shm"
	"github.com/poftwaresatent/dallison-subspace/internal/trigger"
	"github.com/poftwaresatent/dallison-subspace/internal/wire"
)

// Publisher writes messages into a channel's shared memory. It is not
// safe for concurrent use.
type Publisher struct {
	c    *Client
	opts options

	id      int32
	channel *shm.Channel

	// event is signaled by reliable subscribers when they release slots.
	event       *trigger.Trigger
	subTriggers []*trigger.Trigger
	subUpdates  uint16

	slot *shm.Slot
}

// CreatePublisher registers a publisher on the named channel. The first
// publisher fixes the channel's slot geometry; later publishers must
// request the same one. A reliable publisher immediately publishes its
// activation message so reliable subscribers pick up a slot reference
// from the very start.
func (c *Client) CreatePublisher(channelName string, slotSize, numSlots int32, opts ...Option) (*Publisher, error) {
	if c.scb == nil {
		return nil, ErrNotInitialized
	}
	o := buildOptions(opts)
	var resp wire.Response
	fds, err := c.roundTrip(&wire.Request{CreatePublisher: &wire.CreatePublisherRequest{
		ChannelName: channelName,
		SlotSize:    slotSize,
		NumSlots:    numSlots,
		Reliable:    o.reliable,
		Public:      o.public,
		Bridge:      o.bridge,
		Type:        o.typ,
	}}, &resp)
	if err != nil {
		return nil, err
	}
	r := resp.CreatePublisher

	ch, err := shm.Map(channelName, r.ChannelID, r.SlotSize, r.NumSlots,
		wire.FdAt(fds, r.CcbFdIndex), wire.FdAt(fds, r.BuffersFdIndex))
	if err != nil {
		closeFdAt(fds, r.TriggerFdIndex)
		closeFdAt(fds, r.PollFdIndex)
		for _, idx := range r.SubTriggerFdIndexes {
			closeFdAt(fds, idx)
		}
		c.removePublisherID(channelName, r.PublisherID)
		return nil, err
	}
	p := &Publisher{
		c:           c,
		opts:        o,
		id:          r.PublisherID,
		channel:     ch,
		event:       trigger.FromFd(wire.FdAt(fds, r.PollFdIndex)),
		subTriggers: triggersAt(fds, r.SubTriggerFdIndexes),
	}
	closeFdAt(fds, r.TriggerFdIndex)
	_, p.subUpdates = c.scb.UpdateCounters(ch.ID())

	if o.reliable && !o.bridge {
		if err := p.publishActivation(); err != nil {
			p.Remove()
			return nil, err
		}
	}
	return p, nil
}

// publishActivation sends the 1-byte activation message and leaves the
// publisher slotless until the first real publish.
func (p *Publisher) publishActivation() error {
	slot := p.channel.FindFreeSlot(true, p.id)
	if slot == nil {
		return errors.New("client: no free slot for activation message")
	}
	slot.Buffer()[0] = 0
	slot.SetMessageSize(1)
	p.channel.ActivateSlotAndGetAnother(slot, true, true, p.id, false)
	p.notifySubscribers()
	return nil
}

// GetMessageBuffer returns the buffer for the next message, at least the
// channel's slot size. A nil buffer with nil error is backpressure: a
// reliable publisher must wait for a reliable subscriber to release a
// slot (or for a subscriber to appear) and retry.
func (p *Publisher) GetMessageBuffer() ([]byte, error) {
	if err := p.reloadIfNecessary(); err != nil {
		return nil, err
	}
	if p.opts.reliable {
		if counters := p.c.scb.Counters(p.channel.ID()); counters.NumSubs == 0 {
			return nil, nil
		}
	}
	if p.slot == nil {
		p.slot = p.channel.FindFreeSlot(p.opts.reliable, p.id)
		if p.slot == nil {
			if p.opts.reliable {
				return nil, nil
			}
			return nil, ErrNoFreeSlots
		}
	}
	return p.slot.Buffer(), nil
}

// PublishMessage activates the current buffer's first msgSize bytes as a
// message and wakes every subscriber. It returns the published message's
// ordinal and timestamp; the returned Buffer is nil because the slot now
// belongs to the readers.
func (p *Publisher) PublishMessage(msgSize int) (Message, error) {
	if p.slot == nil {
		return Message{}, ErrNoBuffer
	}
	if int64(msgSize) > int64(p.channel.SlotSize()) {
		return Message{}, fmt.Errorf("client: message of %d bytes exceeds slot size %d",
			msgSize, p.channel.SlotSize())
	}
	p.slot.SetMessageSize(int64(msgSize))
	next, ordinal, timestamp := p.channel.ActivateSlotAndGetAnother(
		p.slot, p.opts.reliable, false, p.id, p.opts.bridge)
	p.slot = next
	p.notifySubscribers()
	return Message{Length: msgSize, Ordinal: ordinal, Timestamp: timestamp}, nil
}

// WaitForSubscriber blocks until a reliable subscriber releases a slot or
// a new subscriber joins the channel, then the caller retries
// GetMessageBuffer.
func (p *Publisher) WaitForSubscriber() error {
	if err := p.c.wait(p.event.Fd()); err != nil {
		return err
	}
	return p.event.Clear()
}

// PollFd exposes the descriptor WaitForSubscriber sleeps on, for event
// loops that multiplex many publishers.
func (p *Publisher) PollFd() int { return p.event.Fd() }

// Remove deregisters the publisher and releases its resources.
func (p *Publisher) Remove() error {
	err := p.c.removePublisherID(p.channel.Name(), p.id)
	p.channel.Unmap()
	p.event.Close()
	closeTriggers(p.subTriggers)
	p.subTriggers = nil
	return err
}

func (p *Publisher) notifySubscribers() {
	for _, t := range p.subTriggers {
		t.Signal()
	}
}

// reloadIfNecessary refreshes the subscriber trigger list when the
// subscriber roster changed since it was last fetched.
func (p *Publisher) reloadIfNecessary() error {
	_, subU := p.c.scb.UpdateCounters(p.channel.ID())
	if subU == p.subUpdates {
		return nil
	}
	var resp wire.Response
	fds, err := p.c.roundTrip(&wire.Request{GetTriggers: &wire.GetTriggersRequest{
		ChannelName: p.channel.Name(),
	}}, &resp)
	if err != nil {
		return err
	}
	closeTriggers(p.subTriggers)
	p.subTriggers = triggersAt(fds, resp.GetTriggers.SubTriggerFdIndexes)
	for _, idx := range resp.GetTriggers.ReliablePubTriggerFdIndexes {
		closeFdAt(fds, idx)
	}
	p.subUpdates = subU
	return nil
}

func (c *Client) removePublisherID(channelName string, id int32) error {
	var resp wire.Response
	fds, err := c.roundTrip(&wire.Request{RemovePublisher: &wire.RemovePublisherRequest{
		ChannelName: channelName,
		PublisherID: id,
	}}, &resp)
	closeFds(fds)
	return err
}
