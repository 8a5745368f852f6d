// Package audiobackend implements D1: a concrete scheduler.Backend over the
// teacher's own internal/audio + ebitengine/oto stack. The scheduler hands
// it (event, audioTime) pairs; Backend buffers them per track and fires
// NoteOn/NoteOff/control changes against a sequencer.VoiceEngine from a
// sample-accurate Process callback, adapted from player.go's eventWrapper
// and internal/sequencer's dispatchTick/RenderFrame loop.
package audiobackend

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"scoretree/internal/audio"
	"scoretree/internal/chiptune"
	"scoretree/internal/effects"
	"scoretree/internal/emitter"
	"scoretree/internal/fm"
	"scoretree/internal/nesapu"
	"scoretree/internal/sequencer"
	"scoretree/internal/tempo"
	"scoretree/internal/wavetable"
)

// EngineMode selects which VoiceEngine implementation NewBackend builds,
// mirroring cmd/play_mml's -engine fm|chiptune|nesapu|wavetable choice.
type EngineMode int

const (
	EngineFM EngineMode = iota
	EngineChiptune
	EngineNESAPU
	EngineWavetable
)

// ParseEngineMode parses the same engine names cmd/play_mml accepted.
func ParseEngineMode(name string) (EngineMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "fm":
		return EngineFM, nil
	case "chiptune":
		return EngineChiptune, nil
	case "nesapu":
		return EngineNESAPU, nil
	case "wavetable":
		return EngineWavetable, nil
	default:
		return 0, fmt.Errorf("audiobackend: invalid engine %q (expected fm|chiptune|nesapu|wavetable)", name)
	}
}

func newVoiceEngine(mode EngineMode, sampleRate int) sequencer.VoiceEngine {
	switch mode {
	case EngineChiptune:
		params := chiptune.DefaultParams()
		e := chiptune.New(sampleRate, params)
		e.SetMasterGain(params.MasterGain)
		return e
	case EngineNESAPU:
		params := nesapu.DefaultParams()
		e := nesapu.New(sampleRate, params)
		e.SetMasterGain(params.MasterGain)
		return e
	case EngineWavetable:
		params := wavetable.DefaultParams()
		e := wavetable.New(sampleRate, params)
		e.SetMasterGain(params.MasterGain)
		return e
	default:
		params := fm.DefaultParams()
		e := fm.New(sampleRate, params)
		e.SetMasterGain(params.MasterGain)
		return e
	}
}

// pendingEvent is one scheduled (event, audioTime) pair waiting to fire,
// expressed in samples produced so far rather than wall-clock seconds,
// since Process is what advances time for this backend.
type pendingEvent struct {
	fireAtSample int64
	trackID      string
	event        emitter.Event
}

// activeNote is a sounding voice waiting for its NoteOff sample.
type activeNote struct {
	offAtSample int64
	voiceID     int
	trackID     string
}

// Backend adapts a sequencer.VoiceEngine into the scheduler.Backend
// interface. GetCurrentTime reads the underlying ebitengine player's
// playback position, the same way Player.PlaybackPosition does today;
// Process (the audio.SampleSource the player pulls from) is a sample
// counter driving scheduled triggers the way Sequencer.Process drives
// tick-scheduled ones.
//
// The sample counter Process advances is an approximation of what the
// listener hears: ebiten buffers audio ahead of the speaker, so produced
// samples run slightly ahead of Position(). This is a known, deliberate
// simplification -- modeling exact output latency would need querying the
// platform audio driver, which the retrieved corpus's stack does not expose.
type Backend struct {
	mu           sync.Mutex
	engine       sequencer.VoiceEngine
	buses        *effects.Registry
	sampleRate   int
	player       *audio.Player
	tempoMap     *tempo.Map
	pending      []pendingEvent
	active       []activeNote
	sampleCursor int64
}

// BackendOption configures optional Backend behavior beyond the VoiceEngine
// choice, mirroring the teacher's functional-option style for PlayerOption.
type BackendOption func(*Backend)

// WithEffectBuses applies reg's named sends to every rendered stereo frame,
// after the VoiceEngine but before the sample reaches the player. reg also
// becomes the compiler.BusValidator a caller should thread into
// compiler.Config.Buses, so a score's Automation sends are checked against
// the very buses this backend actually mixes.
func WithEffectBuses(reg *effects.Registry) BackendOption {
	return func(b *Backend) { b.buses = reg }
}

// WithTempoMap attaches tm so GetCurrentBeat can translate the player's
// elapsed audio time into a score beat position. Typically built from a
// compile Result's TempoPoints via tempo.FromPoints.
func WithTempoMap(tm *tempo.Map) BackendOption {
	return func(b *Backend) { b.tempoMap = tm }
}

// NewBackend constructs a Backend around a fresh FM engine and starts audio
// playback immediately (paused backends still need a live player to read
// position from, mirroring Player.Play's eager backend creation).
func NewBackend(sampleRate int, opts ...BackendOption) (*Backend, error) {
	return NewBackendWithEngine(sampleRate, EngineFM, opts...)
}

// NewBackendWithEngine is NewBackend with an explicit VoiceEngine choice.
func NewBackendWithEngine(sampleRate int, mode EngineMode, opts ...BackendOption) (*Backend, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audiobackend: sampleRate must be positive")
	}
	engine := newVoiceEngine(mode, sampleRate)

	b := &Backend{engine: engine, sampleRate: sampleRate}
	for _, opt := range opts {
		opt(b)
	}
	player, err := audio.NewPlayer(sampleRate, b)
	if err != nil {
		return nil, err
	}
	if b.tempoMap != nil {
		player.WithTempoMap(b.tempoMap)
	}
	b.player = player
	player.Play()
	return b, nil
}

// Process implements audio.SampleSource: it is pulled by the underlying
// ebiten stream reader on the audio thread.
func (b *Backend) Process(dst []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	frames := len(dst) / 2
	for f := 0; f < frames; f++ {
		b.dispatchAtSample(b.sampleCursor)
		l, r := b.engine.RenderFrame()
		if b.buses != nil {
			l, r = b.buses.Send(l, r)
		}
		dst[f*2] = l
		dst[f*2+1] = r
		b.sampleCursor++
	}
}

// dispatchAtSample fires every pending event and note-off due at sample,
// mirroring Sequencer.dispatchTick's drain-while-due loop.
func (b *Backend) dispatchAtSample(sample int64) {
	i := 0
	for i < len(b.pending) {
		pe := b.pending[i]
		if pe.fireAtSample > sample {
			i++
			continue
		}
		b.fire(pe)
		b.pending = append(b.pending[:i], b.pending[i+1:]...)
	}
	j := 0
	for j < len(b.active) {
		an := b.active[j]
		if an.offAtSample > sample {
			j++
			continue
		}
		b.engine.NoteOff(an.voiceID)
		b.active = append(b.active[:j], b.active[j+1:]...)
	}
}

func (b *Backend) fire(pe pendingEvent) {
	ev := pe.event
	switch ev.Kind {
	case emitter.EventNote:
		if ev.DetuneCents != 0 {
			b.engine.SetNoteOnDetune(ev.DetuneCents)
		}
		voiceID := b.engine.NoteOn(ev.Pitch, ev.Velocity, 0, 0)
		offFrames := int64(ev.DurationSeconds * float64(b.sampleRate))
		b.active = append(b.active, activeNote{offAtSample: b.sampleCursor + offFrames, voiceID: voiceID, trackID: pe.trackID})
	case emitter.EventControl:
		if ev.Controller == 1 {
			b.engine.SetAmpLFO(ev.Value, ev.Rate, 0)
		}
	case emitter.EventPitchBend:
		// normalized pitch bend has no dedicated VoiceEngine setter; applied
		// as a pitch LFO depth of zero rate, i.e. a static offset, the
		// closest the interface exposes without a per-voice pitch-bend hook.
		b.engine.SetPitchLFO(ev.Value, 0, 0)
	case emitter.EventAutomation:
		// Target names a bus registered with WithEffectBuses (the same
		// registry compiler.BusValidator checked at compile time). The ramp
		// itself is not interpolated sample-by-sample here -- Value snaps in
		// at the event's scheduled time, the same instantaneous-at-fire
		// simplification EventControl/EventPitchBend apply above.
		if b.buses != nil {
			if !b.buses.SetParam(ev.Target, ev.Value) {
				b.buses.SetSendLevel(ev.Target, ev.Value)
			}
		}
	case emitter.EventAftertouch, emitter.EventTempo, emitter.EventVibrato:
		// no VoiceEngine hook for these in this backend; silently dropped,
		// same simplification internal/bytecode documents for unmapped ops.
	}
}

// GetCurrentTime implements scheduler.Backend: the position the listener is
// currently hearing, in seconds.
func (b *Backend) GetCurrentTime() float64 {
	return b.player.Position().Seconds()
}

// GetCurrentBeat reports the same playback position as GetCurrentTime,
// translated through the attached tempo map into a score beat, for a live
// dashboard that wants to show where the playhead sits against the compiled
// clip rather than a raw wall-clock offset. Returns an error if no tempo
// map was attached via WithTempoMap.
func (b *Backend) GetCurrentBeat() (float64, error) {
	return b.player.BeatPosition()
}

// modulationReporter is implemented by a VoiceEngine that exposes its
// currently configured LFO depths. Not part of sequencer.VoiceEngine itself
// since a diagnostics readout is optional, unlike NoteOn/NoteOff/RenderFrame.
type modulationReporter interface {
	ModulationDepths() (pitch, amp, filter float64)
}

// ModulationDepths reports the active engine's current pitch/amp/filter LFO
// depths for a diagnostics readout. ok is false if the engine doesn't
// implement modulationReporter.
func (b *Backend) ModulationDepths() (pitch, amp, filter float64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mr, is := b.engine.(modulationReporter)
	if !is {
		return 0, 0, 0, false
	}
	p, a, f := mr.ModulationDepths()
	return p, a, f, true
}

// ScheduleEvent implements scheduler.Backend: buffers ev to fire once
// Process's sample cursor reaches audioTime.
func (b *Backend) ScheduleEvent(ev emitter.Event, audioTime float64, trackID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	fireAt := int64(audioTime * float64(b.sampleRate))
	b.pending = append(b.pending, pendingEvent{fireAtSample: fireAt, trackID: trackID, event: ev})
	sort.Slice(b.pending, func(i, j int) bool { return b.pending[i].fireAtSample < b.pending[j].fireAtSample })
	return nil
}

// CancelAfter implements scheduler.Backend: drops any pending event for
// trackID (or all tracks, if trackID is empty) at or after audioTime.
func (b *Backend) CancelAfter(audioTime float64, trackID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := int64(audioTime * float64(b.sampleRate))
	kept := b.pending[:0]
	for _, pe := range b.pending {
		if pe.fireAtSample >= cutoff && (trackID == "" || pe.trackID == trackID) {
			continue
		}
		kept = append(kept, pe)
	}
	b.pending = kept
	return nil
}

// Close stops playback and releases the underlying audio player.
func (b *Backend) Close() error {
	return b.player.Stop()
}
