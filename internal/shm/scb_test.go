//go:build linux

package shm

import (
	"fmt"
	"testing"
	"time"
)

func testSCB(t *testing.T) *SystemControlBlock {
	t.Helper()
	seg, err := CreateSegment(fmt.Sprintf("scb-test-%d", time.Now().UnixNano()), SCBSize)
	if err != nil {
		t.Fatalf("CreateSegment failed: %v", err)
	}
	t.Cleanup(func() { seg.Close() })
	return NewSystemControlBlock(seg)
}

func TestCountersTrackRoster(t *testing.T) {
	scb := testSCB(t)
	const ch = 12

	scb.AddPub(ch, false, 1)
	scb.AddPub(ch, true, 1)
	scb.AddSub(ch, true, 1)

	c := scb.Counters(ch)
	if c.NumPubs != 2 || c.NumReliablePubs != 1 {
		t.Fatalf("pubs = %d/%d, want 2/1", c.NumPubs, c.NumReliablePubs)
	}
	if c.NumSubs != 1 || c.NumReliableSubs != 1 {
		t.Fatalf("subs = %d/%d, want 1/1", c.NumSubs, c.NumReliableSubs)
	}

	scb.AddPub(ch, true, -1)
	scb.AddSub(ch, true, -1)
	c = scb.Counters(ch)
	if c.NumPubs != 1 || c.NumReliablePubs != 0 || c.NumSubs != 0 || c.NumReliableSubs != 0 {
		t.Fatalf("counters after removal = %+v", c)
	}
}

func TestUpdateCountersBumpIndependently(t *testing.T) {
	scb := testSCB(t)
	const ch = 3

	pub0, sub0 := scb.UpdateCounters(ch)
	if pub0 != 0 || sub0 != 0 {
		t.Fatalf("fresh update counters = %d/%d, want 0/0", pub0, sub0)
	}

	scb.AddPub(ch, false, 1)
	pub1, sub1 := scb.UpdateCounters(ch)
	if pub1 != pub0+1 || sub1 != sub0 {
		t.Fatalf("after AddPub: %d/%d, want %d/%d", pub1, sub1, pub0+1, sub0)
	}

	scb.AddSub(ch, false, 1)
	pub2, sub2 := scb.UpdateCounters(ch)
	if pub2 != pub1 || sub2 != sub1+1 {
		t.Fatalf("after AddSub: %d/%d, want %d/%d", pub2, sub2, pub1, sub1+1)
	}

	// Removal is a roster change too; watchers must see it.
	scb.AddSub(ch, false, -1)
	_, sub3 := scb.UpdateCounters(ch)
	if sub3 != sub2+1 {
		t.Fatalf("sub updates after removal = %d, want %d", sub3, sub2+1)
	}
}

func TestCounterRecordsAreIndependent(t *testing.T) {
	scb := testSCB(t)
	scb.AddPub(7, false, 1)
	if c := scb.Counters(8); c.NumPubs != 0 || c.NumPubUpdates != 0 {
		t.Fatalf("channel 8 disturbed by channel 7 update: %+v", c)
	}
}
