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

// Package wire defines the control-plane protocol between clients and the
// broker: length-prefixed frames over a Unix seqpacket socket, one request
// or response per frame, with file descriptors riding as SCM_RIGHTS
// ancillary data. Messages reference descriptors by index into the
// frame's ancillary fd array.
package wire

// InvalidFdIndex marks an fd index field that carries no descriptor.
const InvalidFdIndex = ^uint32(0)

// Request is the envelope sent by clients. Exactly one of the pointer
// fields is set.
type Request struct {
	Init             *InitRequest
	CreatePublisher  *CreatePublisherRequest
	CreateSubscriber *CreateSubscriberRequest
	RemovePublisher  *RemovePublisherRequest
	RemoveSubscriber *RemoveSubscriberRequest
	GetTriggers      *GetTriggersRequest
}

// Response is the envelope returned by the broker. The field matching the
// request kind is set. A non-empty Error means the operation failed and
// changed no broker state.
type Response struct {
	Error            string
	Init             *InitResponse
	CreatePublisher  *CreatePublisherResponse
	CreateSubscriber *CreateSubscriberResponse
	RemovePublisher  *RemovePublisherResponse
	RemoveSubscriber *RemoveSubscriberResponse
	GetTriggers      *GetTriggersResponse
}

// InitRequest registers the client with the broker.
type InitRequest struct {
	ClientName string
}

// InitResponse returns the system control block mapping.
type InitResponse struct {
	ScbFdIndex uint32
}

type CreatePublisherRequest struct {
	ChannelName string
	SlotSize    int32
	NumSlots    int32
	Reliable    bool
	Public      bool
	Bridge      bool
	Type        string
}

type CreatePublisherResponse struct {
	ChannelID   int32
	PublisherID int32
	Type        string
	SlotSize    int32
	NumSlots    int32

	CcbFdIndex     uint32
	BuffersFdIndex uint32
	// The publisher's own notification object: peers signal the trigger,
	// the publisher sleeps on the poll descriptor.
	TriggerFdIndex uint32
	PollFdIndex    uint32
	// Triggers of every current subscriber, signaled after each publish.
	SubTriggerFdIndexes []uint32
}

type CreateSubscriberRequest struct {
	ChannelName string
	// SubscriberID >= 0 reuses an existing participant: a placeholder
	// subscriber re-issuing the request to pick up channel memory.
	SubscriberID int32
	Reliable     bool
	Bridge       bool
	Type         string
}

type CreateSubscriberResponse struct {
	ChannelID    int32
	SubscriberID int32
	Type         string
	// NumSlots == 0 marks a placeholder: the channel has no memory yet
	// and CcbFdIndex/BuffersFdIndex carry no descriptors.
	SlotSize int32
	NumSlots int32

	CcbFdIndex     uint32
	BuffersFdIndex uint32
	TriggerFdIndex uint32
	PollFdIndex    uint32
	// Triggers of every reliable publisher, signaled when this subscriber
	// releases a slot.
	ReliablePubTriggerFdIndexes []uint32
}

type RemovePublisherRequest struct {
	ChannelName string
	PublisherID int32
}

type RemovePublisherResponse struct{}

type RemoveSubscriberRequest struct {
	ChannelName  string
	SubscriberID int32
}

type RemoveSubscriberResponse struct{}

// GetTriggersRequest refreshes a client's cached peer trigger lists after
// an update counter changed.
type GetTriggersRequest struct {
	ChannelName string
}

type GetTriggersResponse struct {
	SubTriggerFdIndexes         []uint32
	ReliablePubTriggerFdIndexes []uint32
}
