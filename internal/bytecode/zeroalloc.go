package bytecode

import (
	"scoretree/internal/emitter"
	"scoretree/internal/score"
	"scoretree/internal/scoreerr"
)

// wordsPerInstruction is the fixed word width every encoded instruction
// occupies in a zero-alloc buffer, regardless of opcode: [op, tick, a, b, c].
const wordsPerInstruction = 5

// fixedScale converts a float operand (bpm, normalized value) into a milli
// unit int32 so the whole instruction stream fits one flat Int32Array-style
// buffer with no float lanes.
const fixedScale = 1000

// ErrBufferTooSmall is returned by LowerZeroAlloc when buf cannot hold the
// full instruction stream; the caller is expected to size buf from a prior
// Lower call or a known upper bound and retry.
type ErrBufferTooSmall struct {
	Needed int
	Have   int
}

func (e *ErrBufferTooSmall) Error() string {
	return "bytecode: output buffer too small"
}

// zaFrame is one context-stack entry for the zero-alloc walker: a cursor
// over ops plus the running beat and transpose offset, stored by value in
// a fixed-size array so pushing a frame never allocates.
type zaFrame struct {
	ops            []score.Operation
	idx            int
	beat           float64
	semitoneOffset int
	loopIteration  int

	// isLoopBody marks a frame pushed for a Structural Loop's body: on pop,
	// the walker emits LOOP_END and advances the parent's beat by the
	// body's span times loopCount, since the body itself only ran once.
	isLoopBody    bool
	loopCount     int
	bodyStartBeat float64
}

// LowerZeroAlloc lowers clip the same way Lower does (Structural mode only
// -- Unroll's global re-sort needs an allocated scratch slice, defeating
// the point), but writes fixed-width int32 words directly into buf and
// bounds nesting with a fixed-size context stack instead of a growable
// one. Exceeding cfg.MaxContextStack (default 32) fails with
// LimitExceeded{ContextStack}, the same error the allocating path returns;
// here every Transpose, Scope, ClipRef and Loop frame counts toward that
// depth, and any Stack op fails with that error outright.
func LowerZeroAlloc(clip *score.ClipNode, cfg Config, buf []int32) (int, error) {
	maxDepth := cfg.maxContextStack()
	stack := make([]zaFrame, maxDepth+1) // one fixed-capacity array, sized once
	top := 0
	stack[0] = zaFrame{ops: clip.Operations, loopIteration: -1}

	st := &lowerState{cfg: cfg, clipName: clip.Name, ticksBeat: cfg.ticksPerBeat()}
	pos := 0

	write := func(ins Instruction) error {
		if pos+wordsPerInstruction > len(buf) {
			return &ErrBufferTooSmall{Needed: pos + wordsPerInstruction, Have: len(buf)}
		}
		buf[pos] = int32(ins.Op)
		buf[pos+1] = int32(ins.Tick)
		switch ins.Op {
		case OpNote:
			buf[pos+2], buf[pos+3], buf[pos+4] = int32(ins.Pitch), int32(ins.Velocity), int32(ins.DurationTicks)
		case OpRest:
			buf[pos+2] = int32(ins.DurationTicks)
		case OpTempo:
			buf[pos+2] = int32(ins.BPM * fixedScale)
		case OpCC:
			buf[pos+2], buf[pos+3] = int32(ins.Controller), int32(ins.Value*fixedScale)
		case OpBend:
			buf[pos+2] = int32(ins.Value * fixedScale)
		case OpLoopStart:
			buf[pos+2] = int32(ins.Count)
		case OpStackStart:
			buf[pos+2] = int32(ins.Branches)
		case OpBranchStart, OpBranchEnd:
			buf[pos+2] = int32(ins.Count)
		}
		pos += wordsPerInstruction
		return nil
	}

	for top >= 0 {
		fr := &stack[top]
		if fr.idx >= len(fr.ops) {
			if top == 0 {
				break
			}
			if fr.isLoopBody {
				if err := write(Instruction{Op: OpLoopEnd}); err != nil {
					return pos, err
				}
				span := fr.beat - fr.bodyStartBeat
				parent := &stack[top-1]
				parent.beat += span * float64(fr.loopCount)
			} else {
				parent := &stack[top-1]
				parent.beat = fr.beat
			}
			top--
			continue
		}
		op := fr.ops[fr.idx]
		fr.idx++

		switch o := op.(type) {
		case score.Note:
			pitch := o.Pitch + fr.semitoneOffset
			beats := o.Duration.BeatsFloat()
			seedOffset := 0
			if fr.loopIteration >= 0 {
				seedOffset = fr.loopIteration * 1000
			}
			order := st.nextOrder()
			tick := st.finalTick(fr.beat, order, seedOffset)
			vel := int(clamp01(o.Velocity)*127 + 0.5)
			vel = emitter.HumanizeVelocity(vel, cfg.Seed+uint32(seedOffset), order, cfg.Humanize.VelocityJitter)
			durTicks := emitter.BeatToTick(fr.beat+beats, st.ticksBeat) - emitter.BeatToTick(fr.beat, st.ticksBeat)
			fr.beat += beats
			if err := write(Instruction{Op: OpNote, Tick: tick, Pitch: pitch, Velocity: vel, DurationTicks: durTicks}); err != nil {
				return pos, err
			}

		case score.Rest:
			beats := o.Duration.BeatsFloat()
			tick := emitter.BeatToTick(fr.beat, st.ticksBeat)
			durTicks := emitter.BeatToTick(fr.beat+beats, st.ticksBeat) - tick
			fr.beat += beats
			if err := write(Instruction{Op: OpRest, Tick: tick, DurationTicks: durTicks}); err != nil {
				return pos, err
			}

		case score.Tempo:
			if err := write(Instruction{Op: OpTempo, Tick: emitter.BeatToTick(fr.beat, st.ticksBeat), BPM: o.BPM}); err != nil {
				return pos, err
			}

		case score.Control:
			if err := write(Instruction{Op: OpCC, Tick: emitter.BeatToTick(fr.beat, st.ticksBeat), Controller: o.Controller, Value: o.Value}); err != nil {
				return pos, err
			}

		case score.PitchBend:
			if err := write(Instruction{Op: OpBend, Tick: emitter.BeatToTick(fr.beat, st.ticksBeat), Value: o.Normalized}); err != nil {
				return pos, err
			}

		case score.Transpose:
			if top+1 > maxDepth {
				return pos, &scoreerr.LimitExceededError{ClipName: clip.Name, Kind: scoreerr.LimitContextStack, Limit: maxDepth, At: top + 1}
			}
			top++
			stack[top] = zaFrame{ops: []score.Operation{o.Inner}, beat: fr.beat, semitoneOffset: fr.semitoneOffset + o.Semitones, loopIteration: fr.loopIteration}

		case score.Scope:
			if top+1 > maxDepth {
				return pos, &scoreerr.LimitExceededError{ClipName: clip.Name, Kind: scoreerr.LimitContextStack, Limit: maxDepth, At: top + 1}
			}
			top++
			stack[top] = zaFrame{ops: []score.Operation{o.Inner}, beat: fr.beat, semitoneOffset: fr.semitoneOffset, loopIteration: fr.loopIteration}

		case score.ClipRef:
			if top+1 > maxDepth {
				return pos, &scoreerr.LimitExceededError{ClipName: clip.Name, Kind: scoreerr.LimitContextStack, Limit: maxDepth, At: top + 1}
			}
			top++
			stack[top] = zaFrame{ops: o.Inner.Operations, beat: fr.beat, semitoneOffset: fr.semitoneOffset, loopIteration: fr.loopIteration}

		case score.Stack:
			// The fixed-depth zero-alloc path only supports sequential
			// nesting (Transpose/Scope/ClipRef/Loop); parallel Stack
			// branches need a return-beat per branch that a single
			// linear context array cannot hold without its own growable
			// bookkeeping, so Stack falls back to LimitExceeded here
			// rather than silently mis-timing branches.
			return pos, &scoreerr.LimitExceededError{ClipName: clip.Name, Kind: scoreerr.LimitContextStack, Limit: maxDepth, At: top + 1}

		case score.Loop:
			if o.Count <= 0 {
				continue
			}
			if top+1 > maxDepth {
				return pos, &scoreerr.LimitExceededError{ClipName: clip.Name, Kind: scoreerr.LimitContextStack, Limit: maxDepth, At: top + 1}
			}
			if err := write(Instruction{Op: OpLoopStart, Tick: emitter.BeatToTick(fr.beat, st.ticksBeat), Count: o.Count}); err != nil {
				return pos, err
			}
			bodyStart := fr.beat
			top++
			stack[top] = zaFrame{
				ops: o.Children, beat: bodyStart, semitoneOffset: fr.semitoneOffset, loopIteration: -1,
				isLoopBody: true, loopCount: o.Count, bodyStartBeat: bodyStart,
			}

		case score.TimeSignature, score.Aftertouch, score.Vibrato, score.Automation, score.Block:
			// no dedicated opcode; skipped as in the allocating Lower path

		default:
			return pos, &scoreerr.InternalInvariantError{Component: "bytecode.LowerZeroAlloc", Detail: "unhandled operation kind"}
		}
	}

	if err := write(Instruction{Op: OpEOF}); err != nil {
		return pos, err
	}
	return pos, nil
}
