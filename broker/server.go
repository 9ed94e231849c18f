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

// Package broker implements the control plane of the bus: a registry of
// channels and participants behind a Unix socket. The broker allocates
// every shared resource (control blocks, buffers, triggers) and passes
// descriptors to clients; after setup the data plane never touches it.
package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/poftwaresatent/dallison-subspace/internal/shm"
	"github.com/poftwaresatent/dallison-subspace/internal/wire"
)

// Server owns the system control block and the channel registry. All
// registry state is serialized behind mu; connection goroutines only ever
// touch it through the handlers.
type Server struct {
	mu         sync.Mutex
	channels   map[string]*channelRecord
	nextChanID int32

	scbSeg *shm.Segment
	scb    *shm.SystemControlBlock

	socketPath string
	ln         *net.UnixListener
	log        *slog.Logger
	wg         sync.WaitGroup
}

// NewServer creates a broker with its system control block. The socket is
// not opened until Start.
func NewServer(socketPath string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	scbSeg, err := shm.CreateSegment("subspace_scb", shm.SCBSize)
	if err != nil {
		return nil, err
	}
	return &Server{
		channels:   make(map[string]*channelRecord),
		scbSeg:     scbSeg,
		scb:        shm.NewSystemControlBlock(scbSeg),
		socketPath: socketPath,
		log:        logger,
	}, nil
}

// SocketPath returns the control socket path.
func (s *Server) SocketPath() string { return s.socketPath }

// Start opens the control socket and begins accepting clients.
func (s *Server) Start() error {
	os.Remove(s.socketPath)
	ln, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: s.socketPath, Net: "unixpacket"})
	if err != nil {
		return fmt.Errorf("broker: listen %s: %w", s.socketPath, err)
	}
	s.ln = ln
	s.log.Info("broker listening", "socket", s.socketPath)
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener, waits for connection goroutines and releases
// every shared resource. Channel memory stays alive in clients that still
// hold mappings.
func (s *Server) Stop() error {
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
	os.Remove(s.socketPath)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.channels {
		for _, p := range rec.pubs {
			p.event.Close()
		}
		for _, p := range rec.subs {
			p.event.Close()
		}
		if rec.ch != nil {
			rec.ch.Unmap()
		}
	}
	s.channels = make(map[string]*channelRecord)
	return s.scbSeg.Close()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("accept failed", "err", err)
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// ownedPart remembers a participant created over one connection so the
// broker can unwind it when the client goes away without removing it.
type ownedPart struct {
	channel string
	id      int32
	pub     bool
}

type connHandler struct {
	clientName string
	owned      []ownedPart
}

func (s *Server) serveConn(conn *net.UnixConn) {
	defer s.wg.Done()
	defer conn.Close()
	h := &connHandler{}
	defer s.unwind(h)

	for {
		var req wire.Request
		fds, err := wire.ReadFrame(conn, &req)
		if err != nil {
			return
		}
		// Requests never carry descriptors.
		for _, fd := range fds {
			closeFd(fd)
		}
		resp, b := s.dispatch(h, &req)
		err = wire.WriteFrame(conn, resp, b.fds)
		b.closeAll()
		if err != nil {
			s.log.Error("write response failed", "client", h.clientName, "err", err)
			return
		}
	}
}

// unwind removes everything a disconnected client left registered.
func (s *Server) unwind(h *connHandler) {
	for i := len(h.owned) - 1; i >= 0; i-- {
		o := h.owned[i]
		var err error
		if o.pub {
			err = s.removePublisher(o.channel, o.id)
		} else {
			err = s.removeSubscriber(o.channel, o.id)
		}
		if err != nil {
			// Already removed explicitly.
			continue
		}
		s.log.Info("reclaimed participant from dead client",
			"client", h.clientName, "channel", o.channel, "id", o.id, "publisher", o.pub)
	}
}

func (h *connHandler) disown(channel string, id int32, pub bool) {
	for i, o := range h.owned {
		if o.channel == channel && o.id == id && o.pub == pub {
			h.owned = append(h.owned[:i], h.owned[i+1:]...)
			return
		}
	}
}

func (s *Server) dispatch(h *connHandler, req *wire.Request) (*wire.Response, *fdBuilder) {
	resp := &wire.Response{}
	b := &fdBuilder{}
	var err error
	switch {
	case req.Init != nil:
		resp.Init, err = s.handleInit(h, req.Init, b)
	case req.CreatePublisher != nil:
		resp.CreatePublisher, err = s.createPublisher(h, req.CreatePublisher, b)
	case req.CreateSubscriber != nil:
		resp.CreateSubscriber, err = s.createSubscriber(h, req.CreateSubscriber, b)
	case req.RemovePublisher != nil:
		err = s.removePublisher(req.RemovePublisher.ChannelName, req.RemovePublisher.PublisherID)
		if err == nil {
			resp.RemovePublisher = &wire.RemovePublisherResponse{}
			h.disown(req.RemovePublisher.ChannelName, req.RemovePublisher.PublisherID, true)
		}
	case req.RemoveSubscriber != nil:
		err = s.removeSubscriber(req.RemoveSubscriber.ChannelName, req.RemoveSubscriber.SubscriberID)
		if err == nil {
			resp.RemoveSubscriber = &wire.RemoveSubscriberResponse{}
			h.disown(req.RemoveSubscriber.ChannelName, req.RemoveSubscriber.SubscriberID, false)
		}
	case req.GetTriggers != nil:
		resp.GetTriggers, err = s.getTriggers(req.GetTriggers, b)
	default:
		err = errors.New("broker: empty request")
	}
	if err != nil {
		b.closeAll()
		*b = fdBuilder{}
		resp = &wire.Response{Error: err.Error()}
	}
	return resp, b
}
