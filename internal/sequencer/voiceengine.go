// Package sequencer declares the synthesis contract a compiled score plays
// against (VoiceEngine) and the bus routing that lets one score address
// several named engines at once (BusRouter).
package sequencer

// VoiceEngine is the synthesis backend a compiled score's events drive: one
// voice allocator plus whatever per-voice modulation the engine exposes.
// chiptune, fm, nesapu and wavetable each implement it, and audiobackend.Backend
// drives one directly from internal/scheduler's tick loop.
type VoiceEngine interface {
	NoteOn(note int, velocity int, pan int, program int) int
	NoteOff(id int)
	RenderFrame() (float32, float32)
	SetMasterGain(gain float64)
	// ActiveVoiceCount returns the number of voices still sounding (attack/decay/sustain/release).
	// Used to detect when playback has fully ended including release tails.
	ActiveVoiceCount() int
	// SetFilterType sets output filter: 0=LP, 1=BP, 2=HP.
	SetFilterType(filterType int)
	// SetNoteOnPhase sets phase for next NoteOn: 0=reset, -1=random, 1-255=phase/128*PI.
	SetNoteOnPhase(phase int)
	// SetPortamento sets glide for next NoteOn: fromNote<0 = no portamento, frames = glide duration in samples.
	SetPortamento(fromNote int, frames int)
	// SetNoteOnDetune nudges the next NoteOn's target frequency by cents (100ths of a semitone).
	SetNoteOnDetune(cents float64)
	// SetPitchLFO configures per-frame pitch modulation. depth is in semitones.
	SetPitchLFO(depth float64, rateHz float64, waveform int)
	// SetAmpLFO configures per-frame amplitude modulation. depth is a 0-1 factor.
	SetAmpLFO(depth float64, rateHz float64, waveform int)
	// SetFilterLFO configures per-frame filter cutoff modulation. depth is in cutoff units.
	SetFilterLFO(depth float64, rateHz float64, waveform int)
}
