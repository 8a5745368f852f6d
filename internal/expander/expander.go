// Package expander implements C3: the iterative tree walker that flattens a
// ClipNode into a linear sequence of operation items and structural markers,
// preserving tree shape via paired markers, while enforcing resource bounds.
package expander

import (
	"scoretree/internal/score"
	"scoretree/internal/scoreerr"
)

// MarkerKind identifies a structural marker preserving tree shape in the
// flat sequence.
type MarkerKind int

const (
	MarkStackStart MarkerKind = iota + 1
	MarkBranchStart
	MarkBranchEnd
	MarkStackEnd
	MarkScopeStart
	MarkScopeEnd
	MarkBlockMarker
)

func (m MarkerKind) String() string {
	switch m {
	case MarkStackStart:
		return "stack_start"
	case MarkBranchStart:
		return "branch_start"
	case MarkBranchEnd:
		return "branch_end"
	case MarkStackEnd:
		return "stack_end"
	case MarkScopeStart:
		return "scope_start"
	case MarkScopeEnd:
		return "scope_end"
	case MarkBlockMarker:
		return "block_marker"
	default:
		return "unknown"
	}
}

// ItemKind distinguishes an op-wrapper item from a structural marker item.
type ItemKind int

const (
	ItemOperation ItemKind = iota + 1
	ItemMarker
)

// Item is one element of an ExpandedSequence: either a wrapped Operation or
// a structural marker. Depth and SourceClipName are carried for diagnostics
// and for the cache's section bookkeeping; timing fields are filled in
// later by the timer (C4).
type Item struct {
	Kind           ItemKind
	Op             score.Operation // set when Kind == ItemOperation
	Marker         MarkerKind      // set when Kind == ItemMarker
	Depth          int
	SourceClipName string
	LoopIteration  int // -1 outside a loop; iteration index inside one
	BranchIndex    int // meaningful for stack/branch markers

	// ScopeIsolate is set on ScopeStart/ScopeEnd markers, copied from the
	// originating Scope operation.
	ScopeIsolate score.ScopeIsolation

	// BlockID is set on BlockMarker items.
	BlockID string
}

// Sequence is the flat output of expansion.
type Sequence struct {
	Items []Item
}

// Limits bounds expansion to keep pathological trees from exhausting memory.
type Limits struct {
	MaxDepth          int
	MaxLoopExpansions int
	MaxOperations     int
}

// DefaultLimits returns the limits named in the component contract.
func DefaultLimits() Limits {
	return Limits{MaxDepth: 2500, MaxLoopExpansions: 10000, MaxOperations: 100000}
}

// frame is one heap-allocated stack frame: a cursor over a sequential run of
// operations. The expander never recurses through the Go call stack; depths
// up to ~2500 are handled by this explicit stack instead.
type frame struct {
	ops            []score.Operation
	idx            int
	depth          int
	sourceName     string
	loopIteration  int
	semitoneOffset int
}

type taskKind int

const (
	taskFrame taskKind = iota + 1
	taskMarker
)

type task struct {
	kind  taskKind
	fr    *frame
	item  Item
}

type expanderState struct {
	limits         Limits
	stack          []task
	opCount        int
	loopExpansions int
	clipName       string
}

func (s *expanderState) push(t task) {
	s.stack = append(s.stack, t)
}

func (s *expanderState) pop() task {
	n := len(s.stack)
	t := s.stack[n-1]
	s.stack = s.stack[:n-1]
	return t
}

// Expand flattens clip into a Sequence, respecting limits. It never
// recurses: internal/expander walks an explicit stack of frames instead.
func Expand(clip *score.ClipNode, limits Limits) (Sequence, error) {
	state := &expanderState{limits: limits, clipName: clip.Name}
	var seq Sequence

	root := &frame{ops: clip.Operations, sourceName: clip.Name, depth: 0, loopIteration: -1}
	state.push(task{kind: taskFrame, fr: root})

	for len(state.stack) > 0 {
		t := state.pop()
		if t.kind == taskMarker {
			seq.Items = append(seq.Items, t.item)
			continue
		}
		fr := t.fr
		if fr.idx >= len(fr.ops) {
			continue
		}
		if fr.idx+1 < len(fr.ops) {
			state.push(task{kind: taskFrame, fr: &frame{
				ops: fr.ops, idx: fr.idx + 1, depth: fr.depth,
				sourceName: fr.sourceName, loopIteration: fr.loopIteration,
				semitoneOffset: fr.semitoneOffset,
			}})
		}
		if err := state.emit(fr.ops[fr.idx], fr, &seq); err != nil {
			return Sequence{}, err
		}
	}
	return seq, nil
}

func (s *expanderState) checkDepth(depth int) error {
	if depth > s.limits.MaxDepth {
		return &scoreerr.LimitExceededError{ClipName: s.clipName, Kind: scoreerr.LimitDepth, Limit: s.limits.MaxDepth, At: depth}
	}
	return nil
}

func (s *expanderState) countOp() error {
	s.opCount++
	if s.opCount > s.limits.MaxOperations {
		return &scoreerr.LimitExceededError{ClipName: s.clipName, Kind: scoreerr.LimitOperations, Limit: s.limits.MaxOperations, At: s.opCount}
	}
	return nil
}

func (s *expanderState) emit(op score.Operation, fr *frame, seq *Sequence) error {
	switch o := op.(type) {
	case score.Transpose:
		if err := s.checkDepth(fr.depth + 1); err != nil {
			return err
		}
		s.push(task{kind: taskFrame, fr: &frame{
			ops: []score.Operation{o.Inner}, depth: fr.depth + 1,
			sourceName: fr.sourceName, loopIteration: fr.loopIteration,
			semitoneOffset: fr.semitoneOffset + o.Semitones,
		}})
		return nil

	case score.Scope:
		if err := s.checkDepth(fr.depth + 1); err != nil {
			return err
		}
		seq.Items = append(seq.Items, Item{
			Kind: ItemMarker, Marker: MarkScopeStart, Depth: fr.depth,
			SourceClipName: fr.sourceName, LoopIteration: fr.loopIteration,
			ScopeIsolate: o.Isolate,
		})
		s.push(task{kind: taskMarker, item: Item{
			Kind: ItemMarker, Marker: MarkScopeEnd, Depth: fr.depth,
			SourceClipName: fr.sourceName, LoopIteration: fr.loopIteration,
			ScopeIsolate: o.Isolate,
		}})
		s.push(task{kind: taskFrame, fr: &frame{
			ops: []score.Operation{o.Inner}, depth: fr.depth + 1,
			sourceName: fr.sourceName, loopIteration: fr.loopIteration,
			semitoneOffset: fr.semitoneOffset,
		}})
		return nil

	case score.Stack:
		if err := s.checkDepth(fr.depth + 1); err != nil {
			return err
		}
		seq.Items = append(seq.Items, Item{
			Kind: ItemMarker, Marker: MarkStackStart, Depth: fr.depth,
			SourceClipName: fr.sourceName, LoopIteration: fr.loopIteration,
		})
		s.push(task{kind: taskMarker, item: Item{
			Kind: ItemMarker, Marker: MarkStackEnd, Depth: fr.depth,
			SourceClipName: fr.sourceName, LoopIteration: fr.loopIteration,
		}})
		for i := len(o.Children) - 1; i >= 0; i-- {
			idx := i
			s.push(task{kind: taskMarker, item: Item{
				Kind: ItemMarker, Marker: MarkBranchEnd, Depth: fr.depth + 1,
				SourceClipName: fr.sourceName, LoopIteration: fr.loopIteration, BranchIndex: idx,
			}})
			s.push(task{kind: taskFrame, fr: &frame{
				ops: []score.Operation{o.Children[idx]}, depth: fr.depth + 1,
				sourceName: fr.sourceName, loopIteration: fr.loopIteration,
				semitoneOffset: fr.semitoneOffset,
			}})
			s.push(task{kind: taskMarker, item: Item{
				Kind: ItemMarker, Marker: MarkBranchStart, Depth: fr.depth + 1,
				SourceClipName: fr.sourceName, LoopIteration: fr.loopIteration, BranchIndex: idx,
			}})
		}
		return nil

	case score.Loop:
		if o.Count <= 0 {
			return nil
		}
		s.loopExpansions += o.Count
		if s.loopExpansions > s.limits.MaxLoopExpansions {
			return &scoreerr.LimitExceededError{ClipName: s.clipName, Kind: scoreerr.LimitLoopExpansions, Limit: s.limits.MaxLoopExpansions, At: s.loopExpansions}
		}
		if err := s.checkDepth(fr.depth + 1); err != nil {
			return err
		}
		for i := o.Count - 1; i >= 0; i-- {
			s.push(task{kind: taskFrame, fr: &frame{
				ops: o.Children, depth: fr.depth + 1, sourceName: fr.sourceName,
				loopIteration: i, semitoneOffset: fr.semitoneOffset,
			}})
		}
		return nil

	case score.ClipRef:
		if err := s.checkDepth(fr.depth + 1); err != nil {
			return err
		}
		s.push(task{kind: taskFrame, fr: &frame{
			ops: o.Inner.Operations, depth: fr.depth + 1, sourceName: o.Inner.Name,
			loopIteration: fr.loopIteration, semitoneOffset: fr.semitoneOffset,
		}})
		return nil

	case score.Block:
		if err := s.countOp(); err != nil {
			return err
		}
		seq.Items = append(seq.Items, Item{
			Kind: ItemMarker, Marker: MarkBlockMarker, Depth: fr.depth,
			SourceClipName: fr.sourceName, LoopIteration: fr.loopIteration, BlockID: o.PrecompiledID,
		})
		return nil

	case score.Note:
		if err := s.countOp(); err != nil {
			return err
		}
		if fr.semitoneOffset != 0 {
			o.Pitch += fr.semitoneOffset
		}
		seq.Items = append(seq.Items, Item{
			Kind: ItemOperation, Op: o, Depth: fr.depth,
			SourceClipName: fr.sourceName, LoopIteration: fr.loopIteration,
		})
		return nil

	default:
		if err := s.countOp(); err != nil {
			return err
		}
		seq.Items = append(seq.Items, Item{
			Kind: ItemOperation, Op: op, Depth: fr.depth,
			SourceClipName: fr.sourceName, LoopIteration: fr.loopIteration,
		})
		return nil
	}
}

// Estimate reports worst-case expansion size without actually expanding,
// using loop counts as multipliers, so callers can precheck a tree before
// paying the cost of a full Expand.
type Estimate struct {
	EstimatedOperations int
	EstimatedDepth      int
	EstimatedMemoryMB   float64
	Warnings            []string
}

// bytesPerOp is a rough per-operation memory estimate (an Item plus its
// concrete Operation payload), used only to size Estimate.EstimatedMemoryMB.
const bytesPerOp = 160

type estFrame struct {
	ops   []score.Operation
	idx   int
	depth int
}

// EstimateExpansion walks clip counting worst-case operations and maximum
// depth, without unrolling loops or resolving ClipRefs into their own
// nested estimate pass beyond the same bound.
func EstimateExpansion(clip *score.ClipNode, limits Limits) Estimate {
	var est Estimate
	var stack []*estFrame
	stack = append(stack, &estFrame{ops: clip.Operations, depth: 0})

	for len(stack) > 0 {
		n := len(stack)
		f := stack[n-1]
		if f.idx >= len(f.ops) {
			stack = stack[:n-1]
			continue
		}
		op := f.ops[f.idx]
		f.idx++
		if f.depth > est.EstimatedDepth {
			est.EstimatedDepth = f.depth
		}
		if f.depth > limits.MaxDepth {
			est.Warnings = append(est.Warnings, "exceeds maxDepth")
			continue
		}
		switch o := op.(type) {
		case score.Scope:
			stack = append(stack, &estFrame{ops: []score.Operation{o.Inner}, depth: f.depth + 1})
		case score.Transpose:
			stack = append(stack, &estFrame{ops: []score.Operation{o.Inner}, depth: f.depth + 1})
		case score.Stack:
			est.EstimatedOperations += 2 // stack_start/stack_end
			for _, child := range o.Children {
				est.EstimatedOperations += 2 // branch_start/branch_end
				stack = append(stack, &estFrame{ops: []score.Operation{child}, depth: f.depth + 1})
			}
		case score.Loop:
			if o.Count > limits.MaxLoopExpansions {
				est.Warnings = append(est.Warnings, "loop count exceeds maxLoopExpansions")
			}
			est.EstimatedOperations += len(o.Children) * o.Count
			if o.Count > 0 {
				stack = append(stack, &estFrame{ops: o.Children, depth: f.depth + 1})
			}
		case score.ClipRef:
			stack = append(stack, &estFrame{ops: o.Inner.Operations, depth: f.depth + 1})
		default:
			est.EstimatedOperations++
		}
	}
	if est.EstimatedOperations > limits.MaxOperations {
		est.Warnings = append(est.Warnings, "estimated operations exceed maxOperations")
	}
	est.EstimatedMemoryMB = float64(est.EstimatedOperations) * bytesPerOp / (1024 * 1024)
	return est
}
