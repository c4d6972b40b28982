package reliable

import "sync"

// Verdict is the outcome of classifying an incoming reliable id.
type Verdict int

const (
	// Fresh means the id advanced the watermark.
	Fresh Verdict = iota
	// GapFilled means the id was below the watermark and still missing.
	GapFilled
	// Duplicate means the id was already accepted.
	Duplicate
)

func (v Verdict) String() string {
	switch v {
	case Fresh:
		return "fresh"
	case GapFilled:
		return "gap-filled"
	default:
		return "duplicate"
	}
}

// Accepted reports whether the packet should be delivered upward.
func (v Verdict) Accepted() bool { return v != Duplicate }

// receiveWindow tracks which reliable ids have been accepted.
//
// Ids are compared as plain integers. After the sender wraps past 65535,
// small ids fall below the watermark and are rejected as duplicates. This
// limits a connection to 65535 reliable packets in each direction.
type receiveWindow struct {
	mu        sync.Mutex
	watermark uint16
	seenAny   bool
	missing   map[uint16]struct{}
}

func newReceiveWindow() *receiveWindow {
	return &receiveWindow{missing: make(map[uint16]struct{})}
}

// classify decides whether id is new and records it. Classification and the
// resulting mutation happen under one lock.
func (w *receiveWindow) classify(id uint16) Verdict {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.seenAny || id > w.watermark {
		// Before anything arrives the watermark is 0 and ids strictly
		// between 0 and id become missing.
		for gap := uint32(w.watermark) + 1; gap < uint32(id); gap++ {
			w.missing[uint16(gap)] = struct{}{}
		}
		w.watermark = id
		w.seenAny = true
		return Fresh
	}

	if _, ok := w.missing[id]; ok {
		delete(w.missing, id)
		return GapFilled
	}
	return Duplicate
}

func (w *receiveWindow) snapshot() (watermark uint16, seenAny bool, missing int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watermark, w.seenAny, len(w.missing)
}

func (w *receiveWindow) isMissing(id uint16) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.missing[id]
	return ok
}
