package main

import "time"

// Synchronizer aligns asynchronous per-anchor report arrivals into batches
// that all belong to the same ranging round. Reports from anchor i go into
// FIFO i; a batch is emitted once every FIFO holds a report with the same
// trigger transmit timestamp. Reports whose timestamp never reaches every
// anchor can never be correlated and are discarded once a later timestamp
// matches.
//
// All methods must be called from a single goroutine; the pipeline event
// loop is the sole owner.
type Synchronizer struct {
	fifos    [][]RangeReport
	lastPush []time.Time

	// Running totals for diagnostics; the pipeline mirrors them into metrics.
	discarded uint64
	batches   uint64
}

// NewSynchronizer creates a synchronizer for n anchor streams.
func NewSynchronizer(n int) *Synchronizer {
	return &Synchronizer{
		fifos:    make([][]RangeReport, n),
		lastPush: make([]time.Time, n),
	}
}

// Push appends a report to the anchor's FIFO.
func (s *Synchronizer) Push(anchor int, r RangeReport) {
	s.fifos[anchor] = append(s.fifos[anchor], r)
	s.lastPush[anchor] = time.Now()
}

// TrySynchronize attempts to emit one batch, ordered by anchor index. Call
// repeatedly until ok is false to drain every currently matchable batch.
//
// When several timestamps qualify simultaneously the smallest wins. The
// choice only matters for which of the rounds survives; a fixed rule keeps
// replay runs reproducible.
func (s *Synchronizer) TrySynchronize() ([]RangeReport, bool) {
	for _, fifo := range s.fifos {
		if len(fifo) == 0 {
			return nil, false
		}
	}

	// Count, for each timestamp, how many FIFOs contain it anywhere.
	presence := make(map[uint64]int)
	for _, fifo := range s.fifos {
		seen := make(map[uint64]bool, len(fifo))
		for _, r := range fifo {
			if !seen[r.TriggerTxts] {
				seen[r.TriggerTxts] = true
				presence[r.TriggerTxts]++
			}
		}
	}

	match := uint64(0)
	found := false
	for txts, n := range presence {
		if n != len(s.fifos) {
			continue
		}
		if !found || txts < match {
			match = txts
			found = true
		}
	}
	if !found {
		return nil, false
	}

	// Leading entries from older rounds have missed their chance; drop them.
	for i, fifo := range s.fifos {
		j := 0
		for j < len(fifo) && fifo[j].TriggerTxts != match {
			j++
		}
		if j > 0 {
			s.discarded += uint64(j)
			s.fifos[i] = fifo[j:]
		}
	}

	// Guard: the matched value is present in every FIFO, but re-verify
	// rather than trust the bookkeeping above.
	for _, fifo := range s.fifos {
		if len(fifo) == 0 {
			return nil, false
		}
	}

	batch := make([]RangeReport, len(s.fifos))
	for i := range s.fifos {
		batch[i] = s.fifos[i][0]
		s.fifos[i] = s.fifos[i][1:]
	}
	s.batches++
	return batch, true
}

// Depths returns the pending report count per anchor FIFO.
func (s *Synchronizer) Depths() []int {
	depths := make([]int, len(s.fifos))
	for i, fifo := range s.fifos {
		depths[i] = len(fifo)
	}
	return depths
}

// Discarded returns the running count of reports dropped as uncorrelatable.
func (s *Synchronizer) Discarded() uint64 { return s.discarded }

// StalledAnchors returns the anchors blocking synchronization: FIFOs that
// are empty and have not received a report within the timeout while other
// anchors are still producing. Diagnostic only.
func (s *Synchronizer) StalledAnchors(timeout time.Duration, now time.Time) []int {
	anyRecent := false
	for _, t := range s.lastPush {
		if !t.IsZero() && now.Sub(t) <= timeout {
			anyRecent = true
			break
		}
	}
	if !anyRecent {
		// Either nothing is flowing at all (idle deployment, not a stall)
		// or everything stalled together (upstream outage, reported by the
		// stream reader instead).
		return nil
	}

	var stalled []int
	for i, t := range s.lastPush {
		if len(s.fifos[i]) == 0 && (t.IsZero() || now.Sub(t) > timeout) {
			stalled = append(stalled, i)
		}
	}
	return stalled
}
