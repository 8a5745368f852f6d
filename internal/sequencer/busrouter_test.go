package sequencer

import "testing"

// fakeEngine is a minimal VoiceEngine whose RenderFrame reports a fixed
// level so mixing and routing can be asserted on numbers, and whose NoteOn
// return value and ActiveVoiceCount are driven directly by the test.
type fakeEngine struct {
	level       float32
	voices      int
	lastNote    int
	lastOff     int
	gain        float64
	nextVoiceID int
}

func (f *fakeEngine) NoteOn(note, velocity, pan, program int) int {
	f.lastNote = note
	f.voices++
	id := f.nextVoiceID
	f.nextVoiceID++
	return id
}
func (f *fakeEngine) NoteOff(id int)                                  { f.lastOff = id; f.voices-- }
func (f *fakeEngine) RenderFrame() (float32, float32)                 { return f.level, f.level }
func (f *fakeEngine) SetMasterGain(gain float64)                      { f.gain = gain }
func (f *fakeEngine) ActiveVoiceCount() int                           { return f.voices }
func (f *fakeEngine) SetFilterType(int)                               {}
func (f *fakeEngine) SetNoteOnPhase(int)                              {}
func (f *fakeEngine) SetPortamento(int, int)                          {}
func (f *fakeEngine) SetNoteOnDetune(cents float64)                   {}
func (f *fakeEngine) SetPitchLFO(depth float64, rateHz float64, w int) {}
func (f *fakeEngine) SetAmpLFO(depth float64, rateHz float64, w int)   {}
func (f *fakeEngine) SetFilterLFO(depth float64, rateHz float64, w int) {}

var _ VoiceEngine = (*fakeEngine)(nil)

func TestBusRouterKnownAndNames(t *testing.T) {
	r := NewBusRouter("main")
	if r.Known("main") {
		t.Fatalf("expected no buses registered yet")
	}
	r.Register("main", &fakeEngine{})
	r.Register("reverb", &fakeEngine{})
	if !r.Known("main") || !r.Known("reverb") {
		t.Fatalf("expected both registered buses to be known")
	}
	if r.Known("delay") {
		t.Fatalf("did not expect an unregistered bus to be known")
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "main" || names[1] != "reverb" {
		t.Fatalf("expected registration-order names, got %v", names)
	}
}

func TestBusRouterRenderFrameMixesAllBuses(t *testing.T) {
	r := NewBusRouter("main")
	r.Register("main", &fakeEngine{level: 0.2})
	r.Register("reverb", &fakeEngine{level: 0.1})
	l, rr := r.RenderFrame()
	if diff := l - 0.3; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("expected mixed level 0.3, got %v", l)
	}
	if l != rr {
		t.Fatalf("expected symmetric stereo mix, got l=%v r=%v", l, rr)
	}
}

func TestBusRouterNoteOnOffRoundTripsThroughNamedBus(t *testing.T) {
	r := NewBusRouter("main")
	main := &fakeEngine{}
	reverb := &fakeEngine{}
	r.Register("main", main)
	r.Register("reverb", reverb)

	id := r.NoteOnBus("reverb", 60, 100, 0, 0)
	if reverb.voices != 1 || main.voices != 0 {
		t.Fatalf("expected NoteOnBus to land on reverb only, got main=%d reverb=%d", main.voices, reverb.voices)
	}
	r.NoteOffBus(id)
	if reverb.voices != 0 {
		t.Fatalf("expected NoteOffBus to release the reverb voice, got %d", reverb.voices)
	}
}

func TestBusRouterUseSelectsDefaultBus(t *testing.T) {
	r := NewBusRouter("main")
	main := &fakeEngine{}
	reverb := &fakeEngine{}
	r.Register("main", main)
	r.Register("reverb", reverb)

	r.Use("reverb")
	r.NoteOn(60, 100, 0, 0)
	if reverb.voices != 1 || main.voices != 0 {
		t.Fatalf("expected Use to retarget the default bus to reverb")
	}
}

func TestBusRouterNoteOnBusUnknownReturnsNegativeOne(t *testing.T) {
	r := NewBusRouter("main")
	r.Register("main", &fakeEngine{})
	if id := r.NoteOnBus("delay", 60, 100, 0, 0); id != -1 {
		t.Fatalf("expected -1 for an unregistered bus, got %d", id)
	}
}
