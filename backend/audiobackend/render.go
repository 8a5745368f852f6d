package audiobackend

import (
	"encoding/binary"
	"math"
	"sort"

	"scoretree/internal/emitter"
	"scoretree/internal/fm"
)

// RenderOffline renders a compiled event stream to an interleaved stereo
// float32 PCM buffer, sized to cover totalSeconds plus a short release
// tail, without touching any real-time audio device. It drives the same
// VoiceEngine-based NoteOn/NoteOff/RenderFrame loop Process does, adapted
// from the teacher's offline.go RenderSamples helpers, but walking a
// pre-sorted event list instead of a live MML score.
func RenderOffline(events []emitter.Event, sampleRate int, totalSeconds float64) []float32 {
	params := fm.DefaultParams()
	engine := fm.New(sampleRate, params)
	engine.SetMasterGain(params.MasterGain)

	sorted := make([]emitter.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartSeconds < sorted[j].StartSeconds })

	const releaseTailSeconds = 1.5
	frames := int((totalSeconds + releaseTailSeconds) * float64(sampleRate))
	out := make([]float32, frames*2)

	type pendingOff struct {
		atFrame int
		voiceID int
	}
	var offs []pendingOff
	idx := 0

	for f := 0; f < frames; f++ {
		for idx < len(sorted) && int(sorted[idx].StartSeconds*float64(sampleRate)) <= f {
			ev := sorted[idx]
			if ev.Kind == emitter.EventNote {
				if ev.DetuneCents != 0 {
					engine.SetNoteOnDetune(ev.DetuneCents)
				}
				voiceID := engine.NoteOn(ev.Pitch, ev.Velocity, 0, 0)
				offAt := f + int(ev.DurationSeconds*float64(sampleRate))
				offs = append(offs, pendingOff{atFrame: offAt, voiceID: voiceID})
			}
			idx++
		}
		j := 0
		for j < len(offs) {
			if offs[j].atFrame > f {
				j++
				continue
			}
			engine.NoteOff(offs[j].voiceID)
			offs = append(offs[:j], offs[j+1:]...)
		}
		l, r := engine.RenderFrame()
		out[f*2] = l
		out[f*2+1] = r
	}
	return out
}

// EncodeWAVFloat32LE writes samples as a 32-bit IEEE-float PCM WAV file,
// adapted verbatim from offline.go's helper of the same name.
func EncodeWAVFloat32LE(samples []float32, sampleRate int, channels int) []byte {
	dataSize := len(samples) * 4
	byteRate := sampleRate * channels * 4
	blockAlign := channels * 4
	chunkSize := 36 + dataSize
	out := make([]byte, 44+dataSize)
	copy(out[0:], []byte("RIFF"))
	binary.LittleEndian.PutUint32(out[4:], uint32(chunkSize))
	copy(out[8:], []byte("WAVE"))
	copy(out[12:], []byte("fmt "))
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 3)
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 32)
	copy(out[36:], []byte("data"))
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[44+i*4:], math.Float32bits(s))
	}
	return out
}
