// Package tie implements C5: merging tie-start/continue/end chains into
// single extended notes, diagnosing orphaned ties along the way.
package tie

import (
	"sort"

	"scoretree/internal/score"
	"scoretree/internal/scoreerr"
	"scoretree/internal/timer"
)

// Key identifies a tie chain: a voice/pitch pair. VoiceID 0 is the default
// voice.
type Key struct {
	VoiceID int
	Pitch   int
}

func keyOf(n score.Note) Key { return Key{VoiceID: n.VoiceID, Pitch: n.Pitch} }

// Item is a timer.Item augmented with its position in the coalesced
// output stream.
type Item struct {
	timer.Item
	InputOrder int
}

// Result is the batch coalescer's output.
type Result struct {
	Items       []Item
	Diagnostics []scoreerr.Diagnostic
}

type activeTie struct {
	start            timer.Item
	accumulatedBeats float64
	startOrder       int
}

// Coalesce merges tie chains in seq. Non-tied operations pass through
// unchanged; merged notes are emitted at the position of their tie=end op,
// then the whole result is re-sorted by (beatStart, inputOrder) since a
// merge can place a note earlier than items already appended after it.
func Coalesce(seq timer.Sequence) Result {
	active := make(map[Key]*activeTie)
	var out []Item
	var diags []scoreerr.Diagnostic

	for order, it := range seq.Items {
		note, isNote := it.Op.(score.Note)
		if !isNote || note.Tie == score.TieNone {
			out = append(out, Item{Item: it, InputOrder: order})
			continue
		}
		k := keyOf(note)
		switch note.Tie {
		case score.TieStart:
			if prev, ok := active[k]; ok {
				diags = append(diags, scoreerr.OrphanedStart(prev.start.BeatStart, k.VoiceID, k.Pitch))
				out = append(out, Item{Item: prev.start, InputOrder: prev.startOrder})
			}
			active[k] = &activeTie{start: it, accumulatedBeats: it.BeatDuration, startOrder: order}
		case score.TieContinue:
			if a, ok := active[k]; ok {
				a.accumulatedBeats += it.BeatDuration
			} else {
				diags = append(diags, scoreerr.OrphanedContinue(it.BeatStart, k.VoiceID, k.Pitch))
				out = append(out, Item{Item: untied(it), InputOrder: order})
			}
		case score.TieEnd:
			if a, ok := active[k]; ok {
				a.accumulatedBeats += it.BeatDuration
				merged := a.start
				merged.BeatDuration = a.accumulatedBeats
				merged.Op = withTie(a.start.Op.(score.Note), score.TieNone)
				out = append(out, Item{Item: merged, InputOrder: order})
				delete(active, k)
			} else {
				diags = append(diags, scoreerr.OrphanedEnd(it.BeatStart, k.VoiceID, k.Pitch))
				out = append(out, Item{Item: untied(it), InputOrder: order})
			}
		}
	}

	// flush anything still active as an orphaned start
	for k, a := range active {
		diags = append(diags, scoreerr.OrphanedStart(a.start.BeatStart, k.VoiceID, k.Pitch))
		flushed := a.start
		flushed.BeatDuration = a.accumulatedBeats
		flushed.Op = withTie(a.start.Op.(score.Note), score.TieNone)
		out = append(out, Item{Item: flushed, InputOrder: a.startOrder})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BeatStart != out[j].BeatStart {
			return out[i].BeatStart < out[j].BeatStart
		}
		return out[i].InputOrder < out[j].InputOrder
	})
	return Result{Items: out, Diagnostics: diags}
}

func withTie(n score.Note, mode score.TieMode) score.Note {
	n.Tie = mode
	return n
}

func untied(it timer.Item) timer.Item {
	if n, ok := it.Op.(score.Note); ok {
		it.Op = withTie(n, score.TieNone)
	}
	return it
}
