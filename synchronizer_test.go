package main

import (
	"testing"
	"time"
)

func syncReport(txts uint64) RangeReport {
	return RangeReport{TagAddr: 0x0134, TriggerTxts: txts}
}

func pushAll(s *Synchronizer, anchor int, txts ...uint64) {
	for _, v := range txts {
		s.Push(anchor, syncReport(v))
	}
}

func TestSynchronizeNeedsEveryFifo(t *testing.T) {
	s := NewSynchronizer(3)
	pushAll(s, 0, 9)
	pushAll(s, 1, 9)
	// FIFO 2 empty: nothing can be decided yet.
	if _, ok := s.TrySynchronize(); ok {
		t.Fatal("batch emitted with an empty FIFO")
	}
	pushAll(s, 2, 9)
	batch, ok := s.TrySynchronize()
	if !ok {
		t.Fatal("no batch despite a full match")
	}
	if len(batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch))
	}
	for i, r := range batch {
		if r.TriggerTxts != 9 {
			t.Errorf("batch[%d].TriggerTxts = %d, want 9", i, r.TriggerTxts)
		}
	}
}

func TestSynchronizeDropsUncorrelatable(t *testing.T) {
	s := NewSynchronizer(3)
	// Anchors missed different rounds; only round 9 reached all three.
	pushAll(s, 0, 5, 7, 9)
	pushAll(s, 1, 9, 10)
	pushAll(s, 2, 7, 9)

	batch, ok := s.TrySynchronize()
	if !ok {
		t.Fatal("no batch despite round 9 present everywhere")
	}
	for i, r := range batch {
		if r.TriggerTxts != 9 {
			t.Errorf("batch[%d].TriggerTxts = %d, want 9", i, r.TriggerTxts)
		}
	}
	// Rounds 5 and 7 from anchor 0 and round 7 from anchor 2 are gone.
	if got := s.Discarded(); got != 3 {
		t.Errorf("Discarded = %d, want 3", got)
	}
	if depths := s.Depths(); depths[0] != 0 || depths[1] != 1 || depths[2] != 0 {
		t.Errorf("Depths = %v, want [0 1 0]", depths)
	}
	if _, ok := s.TrySynchronize(); ok {
		t.Error("second batch emitted from leftovers")
	}
}

func TestSynchronizePrefersSmallestRound(t *testing.T) {
	s := NewSynchronizer(2)
	pushAll(s, 0, 7, 9)
	pushAll(s, 1, 7, 9)

	batch, ok := s.TrySynchronize()
	if !ok || batch[0].TriggerTxts != 7 {
		t.Fatalf("first batch = %+v ok=%v, want round 7", batch, ok)
	}
	batch, ok = s.TrySynchronize()
	if !ok || batch[0].TriggerTxts != 9 {
		t.Fatalf("second batch = %+v ok=%v, want round 9", batch, ok)
	}
	if _, ok := s.TrySynchronize(); ok {
		t.Error("batch emitted from empty FIFOs")
	}
}

func TestSynchronizeNoCommonRound(t *testing.T) {
	s := NewSynchronizer(2)
	pushAll(s, 0, 1, 2)
	pushAll(s, 1, 3, 4)
	if _, ok := s.TrySynchronize(); ok {
		t.Fatal("batch emitted without a common round")
	}
	// Nothing may be dropped until a later round proves them uncorrelatable.
	if got := s.Discarded(); got != 0 {
		t.Errorf("Discarded = %d, want 0", got)
	}
}

func TestSynchronizeDuplicateRoundInOneFifo(t *testing.T) {
	s := NewSynchronizer(2)
	// A duplicate in one FIFO must not count as presence in two.
	pushAll(s, 0, 6, 6)
	pushAll(s, 1, 8)
	if _, ok := s.TrySynchronize(); ok {
		t.Fatal("batch emitted from a duplicate within one FIFO")
	}
}

func TestStalledAnchors(t *testing.T) {
	s := NewSynchronizer(3)
	now := time.Now()

	// Nothing has flowed at all: idle, not stalled.
	if got := s.StalledAnchors(time.Second, now); got != nil {
		t.Fatalf("idle synchronizer reported stalls: %v", got)
	}

	s.Push(0, syncReport(1))
	s.lastPush[0] = now.Add(-10 * time.Millisecond)
	s.lastPush[1] = now.Add(-5 * time.Second) // pushed long ago, since drained
	s.fifos[1] = nil

	got := s.StalledAnchors(time.Second, now)
	want := []int{1, 2}
	if len(got) != len(want) {
		t.Fatalf("StalledAnchors = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("StalledAnchors = %v, want %v", got, want)
		}
	}
}
