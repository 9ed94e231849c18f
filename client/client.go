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

// Package client is the bus client library. A Client talks to the broker
// once per roster change; publishing and reading messages afterwards is
// pure shared memory and never blocks on the broker.
package client

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/poftwaresatent/dallison-subspace/internal/shm"
	"github.com/poftwaresatent/dallison-subspace/internal/trigger"
	"github.com/poftwaresatent/dallison-subspace/internal/wire"
	"golang.org/x/sys/unix"
)

// Waiter blocks until fd becomes readable. The default waiter parks the
// calling goroutine in poll; an application with its own event loop or
// cooperative scheduler can substitute one via SetWaiter.
type Waiter func(fd int) error

var (
	// ErrNotInitialized is returned when an operation runs before Init.
	ErrNotInitialized = errors.New("client: not initialized")

	// ErrNoBuffer is returned by PublishMessage when no buffer was
	// obtained first.
	ErrNoBuffer = errors.New("client: no message buffer, call GetMessageBuffer first")

	// ErrNoFreeSlots is returned to an unreliable publisher when every
	// slot is referenced by a subscriber. For a reliable publisher the
	// same condition is backpressure, not an error.
	ErrNoFreeSlots = errors.New("client: no free slot")
)

// Client is one connection to the broker plus the mapped system control
// block. Publishers and subscribers created through it share the
// connection; control-plane requests are serialized.
type Client struct {
	mu   sync.Mutex
	conn *net.UnixConn
	name string

	scbSeg *shm.Segment
	scb    *shm.SystemControlBlock

	wait Waiter
}

// NewClient returns an unconnected client with the default blocking
// waiter.
func NewClient() *Client {
	return &Client{wait: trigger.Wait}
}

// SetWaiter replaces the blocking wait used by every publisher and
// subscriber of this client, including those created before the call.
func (c *Client) SetWaiter(w Waiter) {
	if w != nil {
		c.wait = w
	}
}

// Init connects to the broker socket, registers the client under the
// given display name and maps the system control block.
func (c *Client) Init(socketPath, name string) error {
	conn, err := net.DialUnix("unixpacket", nil,
		&net.UnixAddr{Name: socketPath, Net: "unixpacket"})
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", socketPath, err)
	}
	c.conn = conn
	c.name = name

	var resp wire.Response
	fds, err := c.roundTrip(&wire.Request{Init: &wire.InitRequest{ClientName: name}}, &resp)
	if err != nil {
		conn.Close()
		c.conn = nil
		return err
	}
	scbFd := wire.FdAt(fds, resp.Init.ScbFdIndex)
	if scbFd < 0 {
		closeFds(fds)
		conn.Close()
		c.conn = nil
		return errors.New("client: broker sent no scb descriptor")
	}
	seg, err := shm.MapSegment(scbFd, shm.SCBSize)
	if err != nil {
		closeFds(fds)
		conn.Close()
		c.conn = nil
		return err
	}
	c.scbSeg = seg
	c.scb = shm.NewSystemControlBlock(seg)
	return nil
}

// Close drops the broker connection and the system control block
// mapping. Publishers and subscribers should be removed first; any left
// behind are reclaimed by the broker when it notices the disconnect.
func (c *Client) Close() error {
	var first error
	if c.conn != nil {
		first = c.conn.Close()
		c.conn = nil
	}
	if c.scbSeg != nil {
		if err := c.scbSeg.Close(); err != nil && first == nil {
			first = err
		}
		c.scbSeg = nil
		c.scb = nil
	}
	return first
}

// roundTrip sends one request and receives its response, returning the
// descriptors that rode along. The caller owns the fds. A broker-side
// refusal comes back as an error with no fds.
func (c *Client) roundTrip(req *wire.Request, resp *wire.Response) ([]int, error) {
	if c.conn == nil {
		return nil, ErrNotInitialized
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.WriteFrame(c.conn, req, nil); err != nil {
		return nil, err
	}
	fds, err := wire.ReadFrame(c.conn, resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		closeFds(fds)
		return nil, errors.New(resp.Error)
	}
	return fds, nil
}

func closeFds(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// closeFdAt closes the descriptor referenced by idx if it carries one.
func closeFdAt(fds []int, idx uint32) {
	if fd := wire.FdAt(fds, idx); fd >= 0 {
		unix.Close(fd)
	}
}

// triggersAt wraps a list of fd indexes as write-side trigger objects.
func triggersAt(fds []int, idxs []uint32) []*trigger.Trigger {
	out := make([]*trigger.Trigger, 0, len(idxs))
	for _, idx := range idxs {
		if fd := wire.FdAt(fds, idx); fd >= 0 {
			out = append(out, trigger.FromFd(fd))
		}
	}
	return out
}

func closeTriggers(ts []*trigger.Trigger) {
	for _, t := range ts {
		t.Close()
	}
}
