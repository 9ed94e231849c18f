//go:build linux

package client

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/poftwaresatent/dallison-subspace/broker"
)

func startBus(t *testing.T) string {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "bus.sock")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := broker.NewServer(socket, logger)
	if err != nil {
		t.Fatalf("broker setup failed: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("broker start failed: %v", err)
	}
	t.Cleanup(func() {
		if err := srv.Stop(); err != nil {
			t.Errorf("broker stop failed: %v", err)
		}
	})
	return socket
}

func newTestClient(t *testing.T, socket, name string) *Client {
	t.Helper()
	c := NewClient()
	if err := c.Init(socket, name); err != nil {
		t.Fatalf("client init failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func mustPublish(t *testing.T, pub *Publisher, payload string) Message {
	t.Helper()
	buf, err := pub.GetMessageBuffer()
	if err != nil {
		t.Fatalf("GetMessageBuffer failed: %v", err)
	}
	if buf == nil {
		t.Fatal("GetMessageBuffer returned no buffer")
	}
	n := copy(buf, payload)
	msg, err := pub.PublishMessage(n)
	if err != nil {
		t.Fatalf("PublishMessage failed: %v", err)
	}
	return msg
}

func TestClientRequiresInit(t *testing.T) {
	c := NewClient()
	if _, err := c.CreatePublisher("x", 64, 4); err != ErrNotInitialized {
		t.Fatalf("CreatePublisher before Init = %v, want ErrNotInitialized", err)
	}
	if _, err := c.CreateSubscriber("x"); err != ErrNotInitialized {
		t.Fatalf("CreateSubscriber before Init = %v, want ErrNotInitialized", err)
	}
}

func TestPublishSubscribeBasic(t *testing.T) {
	socket := startBus(t)
	c := newTestClient(t, socket, "basic")

	pub, err := c.CreatePublisher("chat", 256, 8)
	if err != nil {
		t.Fatalf("CreatePublisher failed: %v", err)
	}
	defer pub.Remove()
	sub, err := c.CreateSubscriber("chat")
	if err != nil {
		t.Fatalf("CreateSubscriber failed: %v", err)
	}
	defer sub.Remove()

	payloads := []string{"one", "two", "three"}
	for i, p := range payloads {
		msg := mustPublish(t, pub, p)
		if msg.Ordinal != int64(i)+1 {
			t.Fatalf("publish %d got ordinal %d, want %d", i, msg.Ordinal, i+1)
		}
		if msg.Timestamp == 0 {
			t.Fatalf("publish %d got zero timestamp", i)
		}
	}

	for i, p := range payloads {
		msg, err := sub.ReadMessage(ReadNext)
		if err != nil {
			t.Fatalf("ReadMessage %d failed: %v", i, err)
		}
		if msg.IsEmpty() {
			t.Fatalf("ReadMessage %d returned nothing", i)
		}
		if got := string(msg.Buffer); got != p {
			t.Fatalf("message %d = %q, want %q", i, got, p)
		}
		if msg.Ordinal != int64(i)+1 {
			t.Fatalf("message %d ordinal = %d, want %d", i, msg.Ordinal, i+1)
		}
	}

	msg, err := sub.ReadMessage(ReadNext)
	if err != nil {
		t.Fatalf("ReadMessage past end failed: %v", err)
	}
	if !msg.IsEmpty() {
		t.Fatalf("read past end delivered ordinal %d", msg.Ordinal)
	}
}

func TestMultipleSubscribersSeeEveryMessage(t *testing.T) {
	socket := startBus(t)
	c := newTestClient(t, socket, "fanout")

	pub, err := c.CreatePublisher("fanout", 128, 8)
	if err != nil {
		t.Fatalf("CreatePublisher failed: %v", err)
	}
	defer pub.Remove()

	subs := make([]*Subscriber, 2)
	for i := range subs {
		s, err := c.CreateSubscriber("fanout")
		if err != nil {
			t.Fatalf("CreateSubscriber %d failed: %v", i, err)
		}
		defer s.Remove()
		subs[i] = s
	}

	mustPublish(t, pub, "a")
	mustPublish(t, pub, "b")

	for i, s := range subs {
		for _, want := range []string{"a", "b"} {
			msg, err := s.ReadMessage(ReadNext)
			if err != nil {
				t.Fatalf("subscriber %d read failed: %v", i, err)
			}
			if got := string(msg.Buffer); got != want {
				t.Fatalf("subscriber %d got %q, want %q", i, got, want)
			}
		}
	}
}

func TestReadNewestSkipsBacklog(t *testing.T) {
	socket := startBus(t)
	c := newTestClient(t, socket, "newest")

	pub, err := c.CreatePublisher("ticker", 64, 8)
	if err != nil {
		t.Fatalf("CreatePublisher failed: %v", err)
	}
	defer pub.Remove()
	sub, err := c.CreateSubscriber("ticker")
	if err != nil {
		t.Fatalf("CreateSubscriber failed: %v", err)
	}
	defer sub.Remove()

	for i := 0; i < 5; i++ {
		mustPublish(t, pub, fmt.Sprintf("tick %d", i))
	}

	msg, err := sub.ReadMessage(ReadNewest)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if msg.Ordinal != 5 {
		t.Fatalf("newest ordinal = %d, want 5", msg.Ordinal)
	}

	// The newest message is never delivered twice.
	msg, err = sub.ReadMessage(ReadNewest)
	if err != nil {
		t.Fatalf("second ReadMessage failed: %v", err)
	}
	if !msg.IsEmpty() {
		t.Fatalf("newest redelivered ordinal %d", msg.Ordinal)
	}
}

func TestSubscriberBeforePublisher(t *testing.T) {
	socket := startBus(t)
	c := newTestClient(t, socket, "early")

	sub, err := c.CreateSubscriber("late-channel")
	if err != nil {
		t.Fatalf("CreateSubscriber failed: %v", err)
	}
	defer sub.Remove()

	// No publisher yet: the subscriber is a placeholder and reads nothing.
	msg, err := sub.ReadMessage(ReadNext)
	if err != nil {
		t.Fatalf("placeholder ReadMessage failed: %v", err)
	}
	if !msg.IsEmpty() {
		t.Fatal("placeholder subscriber delivered a message")
	}

	pub, err := c.CreatePublisher("late-channel", 128, 8)
	if err != nil {
		t.Fatalf("CreatePublisher failed: %v", err)
	}
	defer pub.Remove()
	mustPublish(t, pub, "finally")

	msg, err = sub.ReadMessage(ReadNext)
	if err != nil {
		t.Fatalf("ReadMessage after publisher appeared failed: %v", err)
	}
	if got := string(msg.Buffer); got != "finally" {
		t.Fatalf("got %q, want %q", got, "finally")
	}
}

func TestReliableFlowControl(t *testing.T) {
	socket := startBus(t)
	c := newTestClient(t, socket, "reliable")

	pub, err := c.CreatePublisher("telemetry", 64, 4, Reliable())
	if err != nil {
		t.Fatalf("CreatePublisher failed: %v", err)
	}
	defer pub.Remove()
	sub, err := c.CreateSubscriber("telemetry", Reliable())
	if err != nil {
		t.Fatalf("CreateSubscriber failed: %v", err)
	}
	defer sub.Remove()

	// The first read lands on the activation message and pins the
	// subscriber's position without delivering anything.
	msg, err := sub.ReadMessage(ReadNext)
	if err != nil {
		t.Fatalf("activation read failed: %v", err)
	}
	if !msg.IsEmpty() {
		t.Fatalf("activation read delivered ordinal %d", msg.Ordinal)
	}

	published := 0
	for {
		buf, err := pub.GetMessageBuffer()
		if err != nil {
			t.Fatalf("GetMessageBuffer failed: %v", err)
		}
		if buf == nil {
			break
		}
		buf[0] = byte(published)
		if _, err := pub.PublishMessage(1); err != nil {
			t.Fatalf("PublishMessage failed: %v", err)
		}
		published++
		if published > 10 {
			t.Fatal("publisher never hit backpressure")
		}
	}
	if published != 3 {
		t.Fatalf("published %d messages before backpressure, want 3", published)
	}

	// Consuming one message releases the pinned slot and wakes the
	// publisher.
	msg, err = sub.ReadMessage(ReadNext)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if msg.IsEmpty() || msg.Ordinal != 2 {
		t.Fatalf("first real message ordinal = %d, want 2", msg.Ordinal)
	}
	if err := pub.WaitForSubscriber(); err != nil {
		t.Fatalf("WaitForSubscriber failed: %v", err)
	}
	buf, err := pub.GetMessageBuffer()
	if err != nil {
		t.Fatalf("GetMessageBuffer after release failed: %v", err)
	}
	if buf == nil {
		t.Fatal("still backpressured after subscriber released a slot")
	}
}

func TestReliablePublisherWaitsForSubscriber(t *testing.T) {
	socket := startBus(t)
	c := newTestClient(t, socket, "no-subs")

	pub, err := c.CreatePublisher("silent", 64, 4, Reliable())
	if err != nil {
		t.Fatalf("CreatePublisher failed: %v", err)
	}
	defer pub.Remove()

	// No subscribers: a reliable publisher may not burn slots.
	buf, err := pub.GetMessageBuffer()
	if err != nil {
		t.Fatalf("GetMessageBuffer failed: %v", err)
	}
	if buf != nil {
		t.Fatal("reliable publisher got a buffer with no subscribers")
	}

	sub, err := c.CreateSubscriber("silent", Reliable())
	if err != nil {
		t.Fatalf("CreateSubscriber failed: %v", err)
	}
	defer sub.Remove()

	buf, err = pub.GetMessageBuffer()
	if err != nil {
		t.Fatalf("GetMessageBuffer after subscriber failed: %v", err)
	}
	if buf == nil {
		t.Fatal("reliable publisher still blocked after subscriber appeared")
	}
}

func TestFindMessageByTimestamp(t *testing.T) {
	socket := startBus(t)
	c := newTestClient(t, socket, "replay")

	pub, err := c.CreatePublisher("events", 64, 8)
	if err != nil {
		t.Fatalf("CreatePublisher failed: %v", err)
	}
	defer pub.Remove()
	sub, err := c.CreateSubscriber("events")
	if err != nil {
		t.Fatalf("CreateSubscriber failed: %v", err)
	}
	defer sub.Remove()

	var stamps []uint64
	for i := 0; i < 3; i++ {
		msg := mustPublish(t, pub, fmt.Sprintf("event %d", i))
		stamps = append(stamps, msg.Timestamp)
	}

	msg, err := sub.FindMessage(stamps[1])
	if err != nil {
		t.Fatalf("FindMessage failed: %v", err)
	}
	if msg.IsEmpty() || msg.Ordinal != 2 {
		t.Fatalf("FindMessage hit ordinal %d, want 2", msg.Ordinal)
	}
	if got := string(msg.Buffer); got != "event 1" {
		t.Fatalf("FindMessage payload = %q, want %q", got, "event 1")
	}

	// A miss leaves the position where the hit put it.
	miss, err := sub.FindMessage(stamps[2] + 12345)
	if err != nil {
		t.Fatalf("FindMessage miss failed: %v", err)
	}
	if !miss.IsEmpty() {
		t.Fatalf("miss delivered ordinal %d", miss.Ordinal)
	}
	next, err := sub.ReadMessage(ReadNext)
	if err != nil {
		t.Fatalf("ReadMessage after miss failed: %v", err)
	}
	if next.Ordinal != 3 {
		t.Fatalf("read after miss got ordinal %d, want 3", next.Ordinal)
	}
}

func TestDropCallbackCountsOverwrites(t *testing.T) {
	socket := startBus(t)
	c := newTestClient(t, socket, "lossy")

	pub, err := c.CreatePublisher("firehose", 64, 4)
	if err != nil {
		t.Fatalf("CreatePublisher failed: %v", err)
	}
	defer pub.Remove()
	sub, err := c.CreateSubscriber("firehose")
	if err != nil {
		t.Fatalf("CreateSubscriber failed: %v", err)
	}
	defer sub.Remove()

	var dropped int64
	sub.SetDropCallback(func(d int64) { dropped += d })

	mustPublish(t, pub, "first")
	msg, err := sub.ReadMessage(ReadNext)
	if err != nil || msg.Ordinal != 1 {
		t.Fatalf("first read = ordinal %d err %v, want 1", msg.Ordinal, err)
	}

	// Outrun the subscriber: with its slot pinned only three slots cycle,
	// so the oldest unread messages get overwritten.
	for i := 0; i < 6; i++ {
		mustPublish(t, pub, fmt.Sprintf("burst %d", i))
	}

	msg, err = sub.ReadMessage(ReadNext)
	if err != nil {
		t.Fatalf("read after burst failed: %v", err)
	}
	if msg.Ordinal != 5 {
		t.Fatalf("read after burst got ordinal %d, want 5", msg.Ordinal)
	}
	if dropped != 3 {
		t.Fatalf("drop callback counted %d, want 3", dropped)
	}
}

func TestChannelTypeNegotiation(t *testing.T) {
	socket := startBus(t)
	c := newTestClient(t, socket, "typed")

	pub, err := c.CreatePublisher("imu", 64, 4, WithType("sensor/Imu"))
	if err != nil {
		t.Fatalf("CreatePublisher failed: %v", err)
	}
	defer pub.Remove()

	if _, err := c.CreatePublisher("imu", 64, 4, WithType("sensor/Gps")); err == nil {
		t.Fatal("conflicting publisher type was accepted")
	}
	if _, err := c.CreateSubscriber("imu", WithType("sensor/Gps")); err == nil {
		t.Fatal("conflicting subscriber type was accepted")
	}

	sub, err := c.CreateSubscriber("imu")
	if err != nil {
		t.Fatalf("untyped subscriber refused: %v", err)
	}
	sub.Remove()
}

func TestSlotGeometryIsFixedByFirstPublisher(t *testing.T) {
	socket := startBus(t)
	c := newTestClient(t, socket, "geometry")

	pub, err := c.CreatePublisher("laser", 256, 8)
	if err != nil {
		t.Fatalf("CreatePublisher failed: %v", err)
	}
	defer pub.Remove()

	if _, err := c.CreatePublisher("laser", 128, 8); err == nil {
		t.Fatal("mismatched slot size was accepted")
	}
	if _, err := c.CreatePublisher("laser", 256, 16); err == nil {
		t.Fatal("mismatched slot count was accepted")
	}

	pub2, err := c.CreatePublisher("laser", 256, 8)
	if err != nil {
		t.Fatalf("matching second publisher refused: %v", err)
	}
	pub2.Remove()
}

func TestPublishRejectsOversizedMessage(t *testing.T) {
	socket := startBus(t)
	c := newTestClient(t, socket, "oversize")

	pub, err := c.CreatePublisher("small", 64, 4)
	if err != nil {
		t.Fatalf("CreatePublisher failed: %v", err)
	}
	defer pub.Remove()

	if _, err := pub.GetMessageBuffer(); err != nil {
		t.Fatalf("GetMessageBuffer failed: %v", err)
	}
	if _, err := pub.PublishMessage(65); err == nil {
		t.Fatal("oversized publish was accepted")
	}
}

func TestPublishWithoutBufferFails(t *testing.T) {
	socket := startBus(t)
	c := newTestClient(t, socket, "no-buffer")

	pub, err := c.CreatePublisher("strict", 64, 4)
	if err != nil {
		t.Fatalf("CreatePublisher failed: %v", err)
	}
	defer pub.Remove()

	if _, err := pub.PublishMessage(1); err != ErrNoBuffer {
		t.Fatalf("PublishMessage without buffer = %v, want ErrNoBuffer", err)
	}
}

func TestPublisherReplacementKeepsOrdinals(t *testing.T) {
	socket := startBus(t)
	c := newTestClient(t, socket, "handover")

	pub, err := c.CreatePublisher("log", 64, 8)
	if err != nil {
		t.Fatalf("CreatePublisher failed: %v", err)
	}
	sub, err := c.CreateSubscriber("log")
	if err != nil {
		t.Fatalf("CreateSubscriber failed: %v", err)
	}
	defer sub.Remove()

	mustPublish(t, pub, "old 1")
	mustPublish(t, pub, "old 2")
	if err := pub.Remove(); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	pub2, err := c.CreatePublisher("log", 64, 8)
	if err != nil {
		t.Fatalf("replacement publisher refused: %v", err)
	}
	defer pub2.Remove()
	mustPublish(t, pub2, "new 3")

	for want := int64(1); want <= 3; want++ {
		msg, err := sub.ReadMessage(ReadNext)
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		if msg.Ordinal != want {
			t.Fatalf("got ordinal %d, want %d", msg.Ordinal, want)
		}
	}
}

func TestSubscriberWakesForBacklog(t *testing.T) {
	socket := startBus(t)
	c := newTestClient(t, socket, "latecomer")

	pub, err := c.CreatePublisher("events", 64, 8)
	if err != nil {
		t.Fatalf("CreatePublisher failed: %v", err)
	}
	defer pub.Remove()
	mustPublish(t, pub, "before 1")
	mustPublish(t, pub, "before 2")

	sub, err := c.CreateSubscriber("events")
	if err != nil {
		t.Fatalf("CreateSubscriber failed: %v", err)
	}
	defer sub.Remove()

	done := make(chan error, 1)
	go func() { done <- sub.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait blocked despite unread backlog")
	}

	msg, err := sub.ReadMessage(ReadNext)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if got := string(msg.Buffer); got != "before 1" {
		t.Fatalf("first message = %q, want %q", got, "before 1")
	}
}
