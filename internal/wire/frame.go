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

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	tbinary "github.com/tinywasm/binary"
	"golang.org/x/sys/unix"
)

// Frames are a 4-byte little-endian body length followed by the encoded
// body, sent as a single seqpacket datagram so message boundaries and the
// ancillary fd payload stay attached to the frame they belong to.
const (
	maxFrameSize = 64 * 1024
	maxFrameFds  = 256
)

var (
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")
	ErrShortFrame    = errors.New("wire: truncated frame")
)

// WriteFrame encodes msg and sends it as one frame, attaching fds as
// SCM_RIGHTS ancillary data. The caller keeps ownership of the fds.
func WriteFrame(conn *net.UnixConn, msg any, fds []int) error {
	var body []byte
	if err := tbinary.Encode(msg, &body); err != nil {
		return fmt.Errorf("wire: encode: %w", err)
	}
	if len(body)+4 > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	n, oobn, err := conn.WriteMsgUnix(frame, oob, nil)
	if err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	if n != len(frame) || (oob != nil && oobn != len(oob)) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortFrame, n, len(frame))
	}
	return nil
}

// ReadFrame receives one frame, decodes its body into msg and returns any
// descriptors that rode along. The caller owns the returned fds.
func ReadFrame(conn *net.UnixConn, msg any) ([]int, error) {
	buf := make([]byte, maxFrameSize)
	oob := make([]byte, unix.CmsgSpace(maxFrameFds*4))
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, err
	}
	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, err
	}
	if n < 4 {
		closeAll(fds)
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, n)
	}
	bodyLen := int(binary.LittleEndian.Uint32(buf))
	if bodyLen != n-4 {
		closeAll(fds)
		return nil, fmt.Errorf("%w: header says %d, packet carries %d", ErrShortFrame, bodyLen, n-4)
	}
	if err := tbinary.Decode(buf[4:n], msg); err != nil {
		closeAll(fds)
		return nil, fmt.Errorf("wire: decode: %w", err)
	}
	return fds, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("wire: parse control message: %w", err)
	}
	var fds []int
	for _, m := range cmsgs {
		got, err := unix.ParseUnixRights(&m)
		if err != nil {
			closeAll(fds)
			return nil, fmt.Errorf("wire: parse rights: %w", err)
		}
		fds = append(fds, got...)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// FdAt returns the descriptor referenced by an index field, or -1 when
// the index is InvalidFdIndex or out of range.
func FdAt(fds []int, idx uint32) int {
	if idx == InvalidFdIndex || int(idx) >= len(fds) {
		return -1
	}
	return fds[idx]
}
