package tie

import (
	"container/heap"

	"scoretree/internal/expander"
	"scoretree/internal/score"
	"scoretree/internal/scoreerr"
	"scoretree/internal/timer"
)

// SerializedTieState is the serialized form of one active tie, used to
// rebuild a StreamCoalescer's activeTies at a cache section boundary (C8).
type SerializedTieState struct {
	VoiceID          int
	Pitch            int
	StartBeat        float64
	AccumulatedBeats float64
	StartOrder       int
	StartOp          score.Note
}

type readyItem struct {
	item  Item
}

type readyHeap []readyItem

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].item.BeatStart != h[j].item.BeatStart {
		return h[i].item.BeatStart < h[j].item.BeatStart
	}
	return h[i].item.InputOrder < h[j].item.InputOrder
}
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)        { *h = append(*h, x.(readyItem)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// StreamCoalescer is the streaming variant of Coalesce: it accepts timed
// items one at a time and returns output through a min-heap keyed on
// (beatStart, inputOrder), so already-ready items come out in order
// without a final sort over the whole stream.
type StreamCoalescer struct {
	active map[Key]*activeTie
	ready  readyHeap
	order  int
}

// NewStreamCoalescer builds a coalescer, optionally resuming from a
// previously serialized set of active ties at a section boundary.
func NewStreamCoalescer(prelude []SerializedTieState) *StreamCoalescer {
	sc := &StreamCoalescer{active: make(map[Key]*activeTie)}
	for _, s := range prelude {
		k := Key{VoiceID: s.VoiceID, Pitch: s.Pitch}
		sc.active[k] = &activeTie{
			start: timer.Item{
				Item:      expander.Item{Kind: expander.ItemOperation, Op: s.StartOp},
				BeatStart: s.StartBeat,
			},
			accumulatedBeats: s.AccumulatedBeats,
			startOrder:       s.StartOrder,
		}
		if s.StartOrder >= sc.order {
			sc.order = s.StartOrder + 1
		}
	}
	heap.Init(&sc.ready)
	return sc
}

// Push feeds one timed item into the coalescer. It returns any newly
// surfaced diagnostics; ready output is drained via Pop/Drain.
func (sc *StreamCoalescer) Push(it timer.Item) []scoreerr.Diagnostic {
	var diags []scoreerr.Diagnostic
	order := sc.order
	sc.order++

	note, isNote := it.Op.(score.Note)
	if !isNote || note.Tie == score.TieNone {
		heap.Push(&sc.ready, readyItem{item: Item{Item: it, InputOrder: order}})
		return diags
	}
	k := keyOf(note)
	switch note.Tie {
	case score.TieStart:
		if prev, ok := sc.active[k]; ok {
			diags = append(diags, scoreerr.OrphanedStart(prev.start.BeatStart, k.VoiceID, k.Pitch))
			heap.Push(&sc.ready, readyItem{item: Item{Item: prev.start, InputOrder: prev.startOrder}})
		}
		sc.active[k] = &activeTie{start: it, accumulatedBeats: it.BeatDuration, startOrder: order}
	case score.TieContinue:
		if a, ok := sc.active[k]; ok {
			a.accumulatedBeats += it.BeatDuration
		} else {
			diags = append(diags, scoreerr.OrphanedContinue(it.BeatStart, k.VoiceID, k.Pitch))
			heap.Push(&sc.ready, readyItem{item: Item{Item: untied(it), InputOrder: order}})
		}
	case score.TieEnd:
		if a, ok := sc.active[k]; ok {
			a.accumulatedBeats += it.BeatDuration
			merged := a.start
			merged.BeatDuration = a.accumulatedBeats
			merged.Op = withTie(a.start.Op.(score.Note), score.TieNone)
			heap.Push(&sc.ready, readyItem{item: Item{Item: merged, InputOrder: order}})
			delete(sc.active, k)
		} else {
			diags = append(diags, scoreerr.OrphanedEnd(it.BeatStart, k.VoiceID, k.Pitch))
			heap.Push(&sc.ready, readyItem{item: Item{Item: untied(it), InputOrder: order}})
		}
	}
	return diags
}

// Drain pops every currently ready item in (beatStart, inputOrder) order.
// Callers typically call this after each Push once they know no pending
// tie-start can still produce an earlier-sorting item (e.g. at a section
// boundary, or after Flush).
func (sc *StreamCoalescer) Drain() []Item {
	out := make([]Item, 0, sc.ready.Len())
	for sc.ready.Len() > 0 {
		out = append(out, heap.Pop(&sc.ready).(readyItem).item)
	}
	return out
}

// Flush closes the stream: any still-active ties are emitted as orphaned
// starts, matching the batch coalescer's end-of-stream behavior.
func (sc *StreamCoalescer) Flush() []scoreerr.Diagnostic {
	var diags []scoreerr.Diagnostic
	for k, a := range sc.active {
		diags = append(diags, scoreerr.OrphanedStart(a.start.BeatStart, k.VoiceID, k.Pitch))
		flushed := a.start
		flushed.BeatDuration = a.accumulatedBeats
		flushed.Op = withTie(a.start.Op.(score.Note), score.TieNone)
		heap.Push(&sc.ready, readyItem{item: Item{Item: flushed, InputOrder: a.startOrder}})
	}
	sc.active = make(map[Key]*activeTie)
	return diags
}

// Serialize captures the currently active ties for persistence at a cache
// section boundary.
func (sc *StreamCoalescer) Serialize() []SerializedTieState {
	out := make([]SerializedTieState, 0, len(sc.active))
	for k, a := range sc.active {
		out = append(out, SerializedTieState{
			VoiceID:          k.VoiceID,
			Pitch:            k.Pitch,
			StartBeat:        a.start.BeatStart,
			AccumulatedBeats: a.accumulatedBeats,
			StartOrder:       a.startOrder,
			StartOp:          a.start.Op.(score.Note),
		})
	}
	return out
}
