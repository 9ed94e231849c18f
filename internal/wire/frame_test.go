//go:build linux

package wire

import (
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func seqpacketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair failed: %v", err)
	}
	conns := make([]*net.UnixConn, 2)
	for i, fd := range fds {
		f := os.NewFile(uintptr(fd), "seqpacket")
		c, err := net.FileConn(f)
		f.Close()
		if err != nil {
			t.Fatalf("FileConn failed: %v", err)
		}
		conns[i] = c.(*net.UnixConn)
	}
	t.Cleanup(func() {
		conns[0].Close()
		conns[1].Close()
	})
	return conns[0], conns[1]
}

func TestFrameRoundTrip(t *testing.T) {
	a, b := seqpacketPair(t)

	req := Request{CreatePublisher: &CreatePublisherRequest{
		ChannelName: "camera/front",
		SlotSize:    4096,
		NumSlots:    32,
		Reliable:    true,
		Type:        "sensor_msgs/Image",
	}}
	if err := WriteFrame(a, &req, nil); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	var got Request
	fds, err := ReadFrame(b, &got)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if len(fds) != 0 {
		t.Fatalf("got %d fds, want 0", len(fds))
	}
	if got.CreatePublisher == nil {
		t.Fatal("CreatePublisher not set after decode")
	}
	cp := got.CreatePublisher
	if cp.ChannelName != "camera/front" || cp.SlotSize != 4096 || cp.NumSlots != 32 {
		t.Fatalf("decoded request = %+v", cp)
	}
	if !cp.Reliable || cp.Public || cp.Bridge {
		t.Fatalf("decoded flags = %v/%v/%v, want true/false/false", cp.Reliable, cp.Public, cp.Bridge)
	}
	if cp.Type != "sensor_msgs/Image" {
		t.Fatalf("decoded type = %q", cp.Type)
	}
	if got.Init != nil || got.CreateSubscriber != nil || got.GetTriggers != nil {
		t.Fatal("unset envelope fields decoded non-nil")
	}
}

func TestFrameCarriesDescriptors(t *testing.T) {
	a, b := seqpacketPair(t)

	var pipeFds [2]int
	if err := unix.Pipe(pipeFds[:]); err != nil {
		t.Fatalf("pipe failed: %v", err)
	}
	defer unix.Close(pipeFds[1])

	resp := Response{CreateSubscriber: &CreateSubscriberResponse{
		ChannelID:      2,
		SubscriberID:   9,
		SlotSize:       256,
		NumSlots:       16,
		CcbFdIndex:     InvalidFdIndex,
		BuffersFdIndex: InvalidFdIndex,
		TriggerFdIndex: 0,
		PollFdIndex:    InvalidFdIndex,
	}}
	if err := WriteFrame(a, &resp, []int{pipeFds[0]}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	unix.Close(pipeFds[0])

	var got Response
	fds, err := ReadFrame(b, &got)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if len(fds) != 1 {
		t.Fatalf("got %d fds, want 1", len(fds))
	}
	defer unix.Close(fds[0])

	// The received descriptor must reference the same pipe.
	if _, err := unix.Write(pipeFds[1], []byte("ping")); err != nil {
		t.Fatalf("pipe write failed: %v", err)
	}
	buf := make([]byte, 8)
	n, err := unix.Read(FdAt(fds, got.CreateSubscriber.TriggerFdIndex), buf)
	if err != nil {
		t.Fatalf("read through passed fd failed: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("read %q through passed fd, want %q", buf[:n], "ping")
	}
}

func TestFdAt(t *testing.T) {
	fds := []int{10, 11}
	if got := FdAt(fds, 1); got != 11 {
		t.Fatalf("FdAt(1) = %d, want 11", got)
	}
	if got := FdAt(fds, InvalidFdIndex); got != -1 {
		t.Fatalf("FdAt(InvalidFdIndex) = %d, want -1", got)
	}
	if got := FdAt(fds, 2); got != -1 {
		t.Fatalf("FdAt out of range = %d, want -1", got)
	}
	if got := FdAt(nil, 0); got != -1 {
		t.Fatalf("FdAt(nil, 0) = %d, want -1", got)
	}
}

func TestFrameRejectsOversizedBody(t *testing.T) {
	a, _ := seqpacketPair(t)
	big := Request{Init: &InitRequest{ClientName: string(make([]byte, maxFrameSize))}}
	if err := WriteFrame(a, &big, nil); err == nil {
		t.Fatal("WriteFrame accepted an oversized frame")
	}
}

func TestFramePreservesBoundaries(t *testing.T) {
	a, b := seqpacketPair(t)

	for i := int32(0); i < 3; i++ {
		req := Request{RemovePublisher: &RemovePublisherRequest{
			ChannelName: "odometry",
			PublisherID: i,
		}}
		if err := WriteFrame(a, &req, nil); err != nil {
			t.Fatalf("WriteFrame %d failed: %v", i, err)
		}
	}
	for i := int32(0); i < 3; i++ {
		var got Request
		if _, err := ReadFrame(b, &got); err != nil {
			t.Fatalf("ReadFrame %d failed: %v", i, err)
		}
		if got.RemovePublisher == nil || got.RemovePublisher.PublisherID != i {
			t.Fatalf("frame %d decoded as %+v", i, got.RemovePublisher)
		}
	}
}
