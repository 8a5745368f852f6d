// Package bytecode implements C9: a lowering of the operation tree into a
// tick-based opcode stream for a virtual-machine consumer, parallel to the
// expand/time/tie/emit pipeline rather than downstream of it. It reuses the
// emitter's quantize/groove/humanize tick transforms (C7) so both backends
// agree on what "finalTick" means for a given Config.
package bytecode

import (
	"sort"

	"scoretree/internal/emitter"
	"scoretree/internal/score"
	"scoretree/internal/scoreerr"
)

// Opcode identifies one VM instruction.
type Opcode int

const (
	OpNote Opcode = iota + 1
	OpRest
	OpTempo
	OpCC
	OpBend
	OpLoopStart
	OpLoopEnd
	OpStackStart
	OpBranchStart
	OpBranchEnd
	OpStackEnd
	OpEOF
)

func (o Opcode) String() string {
	switch o {
	case OpNote:
		return "NOTE"
	case OpRest:
		return "REST"
	case OpTempo:
		return "TEMPO"
	case OpCC:
		return "CC"
	case OpBend:
		return "BEND"
	case OpLoopStart:
		return "LOOP_START"
	case OpLoopEnd:
		return "LOOP_END"
	case OpStackStart:
		return "STACK_START"
	case OpBranchStart:
		return "BRANCH_START"
	case OpBranchEnd:
		return "BRANCH_END"
	case OpStackEnd:
		return "STACK_END"
	case OpEOF:
		return "EOF"
	default:
		return "UNKNOWN"
	}
}

// Instruction is one opcode plus whichever operands its Op uses; unused
// fields are left zero, the same flat-struct shape as emitter.Event.
type Instruction struct {
	Op            Opcode
	Tick          int
	Pitch         int
	Velocity      int
	DurationTicks int
	BPM           float64
	Controller    int
	Value         float64
	Count         int // LOOP_START iteration count
	Branches      int // STACK_START branch count
	InputOrder    int
}

// Mode selects how Loop nodes lower.
type Mode int

const (
	// Structural emits LOOP_START/LOOP_END once; the VM repeats the body.
	Structural Mode = iota
	// Unroll flattens every iteration into its own events, with a
	// per-iteration seed offset, then globally re-sorts by finalTick.
	Unroll
)

const defaultMaxContextStack = 32

// Config parameterizes one Lower run.
type Config struct {
	TicksPerBeat    int
	Quantize        emitter.QuantizeConfig
	Groove          *score.GrooveSpec
	Humanize        emitter.HumanizeConfig
	Seed            uint32
	Mode            Mode
	MaxContextStack int
}

func (c Config) ticksPerBeat() int {
	if c.TicksPerBeat <= 0 {
		return 1920
	}
	return c.TicksPerBeat
}

func (c Config) maxContextStack() int {
	if c.MaxContextStack <= 0 {
		return defaultMaxContextStack
	}
	return c.MaxContextStack
}

// ctxFrame is a cursor over a sequential run of operations, mirroring
// internal/expander's frame but carrying a running beat position since
// bytecode lowers directly from the tree rather than from timed items.
type ctxFrame struct {
	ops            []score.Operation
	idx            int
	beat           float64
	semitoneOffset int
	loopIteration  int // -1 outside an unrolled loop
}

type lowerState struct {
	cfg        Config
	clipName   string
	ticksBeat  int
	inputOrder int
	contextN   int // current nesting of Stack/Loop frames, for MaxContextStack
}

// Lower flattens clip into a VM-ready Instruction stream. In Structural
// mode loops keep their LOOP_START/LOOP_END shape; in Unroll mode loop
// bodies are repeated Count times with humanize reseeded per iteration and
// the whole stream stably re-sorted by Tick afterward, since jitter can
// make a later iteration's first event land before an earlier iteration's
// last one.
func Lower(clip *score.ClipNode, cfg Config) ([]Instruction, error) {
	st := &lowerState{cfg: cfg, clipName: clip.Name, ticksBeat: cfg.ticksPerBeat()}
	var out []Instruction

	root := &ctxFrame{ops: clip.Operations, loopIteration: -1}
	instrs, _, err := st.walk(root, 0)
	if err != nil {
		return nil, err
	}
	out = append(out, instrs...)
	out = append(out, Instruction{Op: OpEOF})

	if cfg.Mode == Unroll {
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Tick != out[j].Tick {
				return out[i].Tick < out[j].Tick
			}
			return out[i].InputOrder < out[j].InputOrder
		})
	}
	return out, nil
}

// walk lowers one frame's remaining operations in sequence, returning the
// instructions produced and the beat the frame ended at. depth tracks
// Stack/Loop context nesting against cfg.MaxContextStack; it does not count
// Scope/Transpose, which carry no VM opcode of their own.
func (st *lowerState) walk(fr *ctxFrame, depth int) ([]Instruction, float64, error) {
	var out []Instruction
	for fr.idx < len(fr.ops) {
		op := fr.ops[fr.idx]
		fr.idx++
		instrs, err := st.emit(op, fr, depth)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, instrs...)
	}
	return out, fr.beat, nil
}

func (st *lowerState) checkDepth(depth int) error {
	if depth > st.cfg.maxContextStack() {
		return &scoreerr.LimitExceededError{ClipName: st.clipName, Kind: scoreerr.LimitContextStack, Limit: st.cfg.maxContextStack(), At: depth}
	}
	return nil
}

func (st *lowerState) nextOrder() int {
	o := st.inputOrder
	st.inputOrder++
	return o
}

// finalTick runs the quantize -> groove -> humanize pipeline on beat using
// the same three functions the emitter (C7) uses, so a "NOTE tick" in the
// bytecode stream matches the onset the emitter would produce for the same
// Config and input order.
func (st *lowerState) finalTick(beat float64, inputOrder, seedOffset int) int {
	tpb := st.ticksBeat
	tick := emitter.BeatToTick(beat, tpb)
	tick = emitter.QuantizeTick(tick, st.cfg.Quantize)
	tick = emitter.ApplyGroove(tick, int(beat), st.cfg.Groove)
	tick = emitter.HumanizeTick(tick, st.cfg.Seed+uint32(seedOffset), inputOrder, st.cfg.Humanize.MaxTickJitter)
	return tick
}

func (st *lowerState) emit(op score.Operation, fr *ctxFrame, depth int) ([]Instruction, error) {
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
		vel = emitter.HumanizeVelocity(vel, st.cfg.Seed+uint32(seedOffset), order, st.cfg.Humanize.VelocityJitter)
		durTicks := emitter.BeatToTick(fr.beat+beats, st.ticksBeat) - emitter.BeatToTick(fr.beat, st.ticksBeat)
		fr.beat += beats
		return []Instruction{{Op: OpNote, Tick: tick, Pitch: pitch, Velocity: vel, DurationTicks: durTicks, InputOrder: order}}, nil

	case score.Rest:
		beats := o.Duration.BeatsFloat()
		order := st.nextOrder()
		tick := emitter.BeatToTick(fr.beat, st.ticksBeat)
		durTicks := emitter.BeatToTick(fr.beat+beats, st.ticksBeat) - tick
		fr.beat += beats
		return []Instruction{{Op: OpRest, Tick: tick, DurationTicks: durTicks, InputOrder: order}}, nil

	case score.Tempo:
		order := st.nextOrder()
		tick := emitter.BeatToTick(fr.beat, st.ticksBeat)
		return []Instruction{{Op: OpTempo, Tick: tick, BPM: o.BPM, InputOrder: order}}, nil

	case score.Control:
		order := st.nextOrder()
		tick := emitter.BeatToTick(fr.beat, st.ticksBeat)
		return []Instruction{{Op: OpCC, Tick: tick, Controller: o.Controller, Value: o.Value, InputOrder: order}}, nil

	case score.PitchBend:
		order := st.nextOrder()
		tick := emitter.BeatToTick(fr.beat, st.ticksBeat)
		return []Instruction{{Op: OpBend, Tick: tick, Value: o.Normalized, InputOrder: order}}, nil

	case score.Transpose:
		inner := &ctxFrame{ops: []score.Operation{o.Inner}, beat: fr.beat, semitoneOffset: fr.semitoneOffset + o.Semitones, loopIteration: fr.loopIteration}
		instrs, endBeat, err := st.walk(inner, depth)
		if err != nil {
			return nil, err
		}
		fr.beat = endBeat
		return instrs, nil

	case score.Scope:
		// Scope's restored-context semantics apply to the compile-time
		// emitter pipeline (tempo/transposition/velocity state); the
		// bytecode VM has no equivalent runtime context to push/pop, so
		// Scope is transparent here and only its Inner lowers.
		inner := &ctxFrame{ops: []score.Operation{o.Inner}, beat: fr.beat, semitoneOffset: fr.semitoneOffset, loopIteration: fr.loopIteration}
		instrs, endBeat, err := st.walk(inner, depth)
		if err != nil {
			return nil, err
		}
		fr.beat = endBeat
		return instrs, nil

	case score.ClipRef:
		if err := st.checkDepth(depth + 1); err != nil {
			return nil, err
		}
		inner := &ctxFrame{ops: o.Inner.Operations, beat: fr.beat, semitoneOffset: fr.semitoneOffset, loopIteration: fr.loopIteration}
		instrs, endBeat, err := st.walk(inner, depth+1)
		if err != nil {
			return nil, err
		}
		fr.beat = endBeat
		return instrs, nil

	case score.Stack:
		if err := st.checkDepth(depth + 1); err != nil {
			return nil, err
		}
		var out []Instruction
		out = append(out, Instruction{Op: OpStackStart, Tick: emitter.BeatToTick(fr.beat, st.ticksBeat), Branches: len(o.Children)})
		var maxEnd float64
		for i, child := range o.Children {
			out = append(out, Instruction{Op: OpBranchStart, Tick: emitter.BeatToTick(fr.beat, st.ticksBeat), Count: i})
			branch := &ctxFrame{ops: []score.Operation{child}, beat: fr.beat, semitoneOffset: fr.semitoneOffset, loopIteration: fr.loopIteration}
			instrs, endBeat, err := st.walk(branch, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, instrs...)
			out = append(out, Instruction{Op: OpBranchEnd, Tick: emitter.BeatToTick(endBeat, st.ticksBeat), Count: i})
			if endBeat > maxEnd {
				maxEnd = endBeat
			}
		}
		out = append(out, Instruction{Op: OpStackEnd, Tick: emitter.BeatToTick(maxEnd, st.ticksBeat)})
		fr.beat = maxEnd
		return out, nil

	case score.Loop:
		if o.Count <= 0 {
			return nil, nil
		}
		if err := st.checkDepth(depth + 1); err != nil {
			return nil, err
		}
		if st.cfg.Mode == Structural {
			body := &ctxFrame{ops: o.Children, beat: 0, semitoneOffset: fr.semitoneOffset, loopIteration: -1}
			instrs, bodyLen, err := st.walk(body, depth+1)
			if err != nil {
				return nil, err
			}
			var out []Instruction
			out = append(out, Instruction{Op: OpLoopStart, Tick: emitter.BeatToTick(fr.beat, st.ticksBeat), Count: o.Count})
			out = append(out, instrs...)
			out = append(out, Instruction{Op: OpLoopEnd})
			fr.beat += bodyLen * float64(o.Count)
			return out, nil
		}

		var out []Instruction
		for i := 0; i < o.Count; i++ {
			body := &ctxFrame{ops: o.Children, beat: fr.beat, semitoneOffset: fr.semitoneOffset, loopIteration: i}
			instrs, endBeat, err := st.walk(body, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, instrs...)
			fr.beat = endBeat
		}
		return out, nil

	case score.TimeSignature, score.Aftertouch, score.Vibrato, score.Automation, score.Block:
		// Time-signature bookkeeping, aftertouch/vibrato/automation, and
		// precompiled blocks have no dedicated VM opcode in this backend;
		// they are silently skipped rather than misrepresented as one of
		// the defined opcodes.
		return nil, nil

	default:
		return nil, &scoreerr.InternalInvariantError{Component: "bytecode.Lower", Detail: "unhandled operation kind"}
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
