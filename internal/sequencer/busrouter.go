package sequencer

import "sync"

// BusRouter fans a shared VoiceEngine contract out across several named
// voice buses -- typically one per session track -- and mixes their
// RenderFrame output together. It implements VoiceEngine itself, so a
// caller with only one bus can use it exactly like a single engine.
type BusRouter struct {
	mu       sync.Mutex
	buses    map[string]VoiceEngine
	order    []string
	current  string
	fallback string
}

// NewBusRouter creates an empty router. fallback names the bus NoteOn/
// control calls land on when no bus has been selected via Use, and the one
// NoteOnBus falls back to when asked for a name that was never registered.
func NewBusRouter(fallback string) *BusRouter {
	return &BusRouter{buses: make(map[string]VoiceEngine), current: fallback, fallback: fallback}
}

// Register adds or replaces the engine backing name.
func (r *BusRouter) Register(name string, engine VoiceEngine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.buses[name]; !exists {
		r.order = append(r.order, name)
	}
	r.buses[name] = engine
}

// Known reports whether name is a registered bus.
func (r *BusRouter) Known(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.buses[name]
	return ok
}

// Names returns every registered bus name in registration order.
func (r *BusRouter) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Use selects which bus calls that don't name one explicitly route to.
func (r *BusRouter) Use(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.buses[name]; ok {
		r.current = name
	}
}

func (r *BusRouter) bus(name string) VoiceEngine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.buses[name]; ok {
		return e
	}
	if e, ok := r.buses[r.fallback]; ok {
		return e
	}
	for _, n := range r.order {
		return r.buses[n]
	}
	return nil
}

func (r *BusRouter) currentEngine() VoiceEngine {
	r.mu.Lock()
	name := r.current
	r.mu.Unlock()
	return r.bus(name)
}

func (r *BusRouter) indexOf(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := range r.order {
		if n == name {
			return i
		}
	}
	return -1
}

func (r *BusRouter) nameAt(idx int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx < 0 || idx >= len(r.order) {
		return ""
	}
	return r.order[idx]
}

// encodeBusVoiceID / decodeBusVoiceID pack a bus's registration-order index
// and its own local voice id into one int, so a caller can hold a single
// opaque voice id across NoteOn/NoteOff without tracking which bus it came
// from itself.
func encodeBusVoiceID(busIndex, localID int) int {
	return (busIndex << 16) | (localID & 0xFFFF)
}

func decodeBusVoiceID(id int) (busIndex int, localID int) {
	return (id >> 16) & 0xFF, id & 0xFFFF
}

// NoteOnBus starts a note on the named bus explicitly, returning an encoded
// voice id NoteOffBus later decodes back to the right engine.
func (r *BusRouter) NoteOnBus(name string, note, velocity, pan, program int) int {
	e := r.bus(name)
	if e == nil {
		return -1
	}
	local := e.NoteOn(note, velocity, pan, program)
	return encodeBusVoiceID(r.indexOf(name), local)
}

// NoteOffBus releases a voice id previously returned by NoteOnBus (or
// NoteOn, which routes through the current bus).
func (r *BusRouter) NoteOffBus(id int) {
	idx, local := decodeBusVoiceID(id)
	if e := r.bus(r.nameAt(idx)); e != nil {
		e.NoteOff(local)
	}
}

func (r *BusRouter) allEngines() []VoiceEngine {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]VoiceEngine, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.buses[n])
	}
	return out
}

// NoteOn implements VoiceEngine by routing to the currently selected bus.
func (r *BusRouter) NoteOn(note, velocity, pan, program int) int {
	r.mu.Lock()
	name := r.current
	r.mu.Unlock()
	return r.NoteOnBus(name, note, velocity, pan, program)
}

func (r *BusRouter) NoteOff(id int) { r.NoteOffBus(id) }

func (r *BusRouter) RenderFrame() (float32, float32) {
	var l, rr float32
	for _, e := range r.allEngines() {
		el, er := e.RenderFrame()
		l += el
		rr += er
	}
	return l, rr
}

func (r *BusRouter) SetMasterGain(gain float64) {
	for _, e := range r.allEngines() {
		e.SetMasterGain(gain)
	}
}

func (r *BusRouter) SetFilterType(filterType int) {
	if e := r.currentEngine(); e != nil {
		e.SetFilterType(filterType)
	}
}

func (r *BusRouter) SetNoteOnPhase(phase int) {
	if e := r.currentEngine(); e != nil {
		e.SetNoteOnPhase(phase)
	}
}

func (r *BusRouter) SetPortamento(fromNote, frames int) {
	if e := r.currentEngine(); e != nil {
		e.SetPortamento(fromNote, frames)
	}
}

func (r *BusRouter) SetNoteOnDetune(cents float64) {
	if e := r.currentEngine(); e != nil {
		e.SetNoteOnDetune(cents)
	}
}

func (r *BusRouter) SetPitchLFO(depth, rateHz float64, waveform int) {
	if e := r.currentEngine(); e != nil {
		e.SetPitchLFO(depth, rateHz, waveform)
	}
}

func (r *BusRouter) SetAmpLFO(depth, rateHz float64, waveform int) {
	if e := r.currentEngine(); e != nil {
		e.SetAmpLFO(depth, rateHz, waveform)
	}
}

func (r *BusRouter) SetFilterLFO(depth, rateHz float64, waveform int) {
	if e := r.currentEngine(); e != nil {
		e.SetFilterLFO(depth, rateHz, waveform)
	}
}

func (r *BusRouter) ActiveVoiceCount() int {
	n := 0
	for _, e := range r.allEngines() {
		n += e.ActiveVoiceCount()
	}
	return n
}

var _ VoiceEngine = (*BusRouter)(nil)
