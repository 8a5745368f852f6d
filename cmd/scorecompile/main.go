// Command scorecompile compiles a score.ClipNode document to an events.json
// file and, when -wav or -bytecode is set, also to a rendered WAV and a
// bytecode opcode listing. Its
// flag-based CLI style (flag.String/flag.Int, a -file-or-stdin input
// resolver) is grounded on cmd/play_mml/main.go; unlike that command it
// reads a ClipNode JSON document rather than MML text, and never opens a
// live audio device.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"scoretree/backend/audiobackend"
	"scoretree/cachejson"
	"scoretree/internal/bytecode"
	"scoretree/internal/compiler"
	"scoretree/internal/config"
	"scoretree/internal/effects"
)

// newMasterBuses registers the named effect sends a compiled score's
// Automation ops may target; a send to any other name is an unknown-bus
// diagnostic rather than a silent drop. "crunch"/"punch" are parallel
// distortion/compression sends, mixed in the same way as the aux sends.
func newMasterBuses(sampleRate int) *effects.Registry {
	reg := effects.NewRegistry()
	reg.Register("reverb", effects.NewChain(effects.NewReverb(sampleRate, 0.6, 0.5, 0.3)))
	reg.Register("delay", effects.NewChain(effects.NewDelay(sampleRate, 250, 0.35, 0.2, 0.3)))
	reg.Register("chorus", effects.NewChain(effects.NewChorus(sampleRate, 15, 0.25, 4, 0.8, 0.3)))
	reg.Register("crunch", effects.NewChain(effects.NewDistortion(sampleRate, 4, 0.5, 8000)))
	reg.Register("punch", effects.NewChain(effects.NewCompressor(sampleRate, -18, 6, 5, 80, 6), effects.NewEQ5Band(sampleRate)))
	for _, name := range reg.Names() {
		reg.SetSendLevel(name, 0)
	}
	return reg
}

func main() {
	var (
		clipPath   = flag.String("file", "", "path to a ClipNode JSON document (default: stdin)")
		bpm        = flag.Float64("bpm", 120, "default tempo in beats per minute")
		sampleRate = flag.Int("sample-rate", 48000, "sample rate used for -wav rendering")
		outEvents  = flag.String("events", "events.json", "output path for the compiled event stream")
		outWAV     = flag.String("wav", "", "if set, also render the compiled clip to this WAV path")
		outByte    = flag.String("bytecode", "", "if set, also write a bytecode opcode listing to this path")
	)
	flag.Parse()

	data, err := resolveClipInput(*clipPath)
	if err != nil {
		log.Fatal(err)
	}
	clip, err := cachejson.UnmarshalClip(data)
	if err != nil {
		log.Fatalf("parse clip: %v", err)
	}

	buses := newMasterBuses(*sampleRate)
	cfg := config.NewCompileConfig(config.WithBPM(*bpm), config.WithSampleRate(*sampleRate), config.WithBuses(buses)).ToCompilerConfig()
	res, err := compiler.Compile(clip, cfg)
	if err != nil {
		log.Fatalf("compile: %v", err)
	}
	for _, d := range res.Diagnostics {
		fmt.Fprintln(os.Stderr, d.String())
	}

	body, err := cachejson.MarshalResult(res, clip, 1)
	if err != nil {
		log.Fatalf("marshal result: %v", err)
	}
	if err := os.WriteFile(*outEvents, body, 0o644); err != nil {
		log.Fatalf("write %s: %v", *outEvents, err)
	}
	fmt.Printf("wrote %s (%d events, %.2f beats)\n", *outEvents, len(res.Events), res.TotalBeats)

	if *outWAV != "" {
		totalSeconds := 0.0
		for _, ev := range res.Events {
			end := ev.StartSeconds + ev.DurationSeconds
			if end > totalSeconds {
				totalSeconds = end
			}
		}
		samples := audiobackend.RenderOffline(res.Events, *sampleRate, totalSeconds)
		wav := audiobackend.EncodeWAVFloat32LE(samples, *sampleRate, 2)
		if err := os.WriteFile(*outWAV, wav, 0o644); err != nil {
			log.Fatalf("write %s: %v", *outWAV, err)
		}
		fmt.Printf("wrote %s (%.2fs)\n", *outWAV, totalSeconds)
	}

	if *outByte != "" {
		instrs, err := bytecode.Lower(clip, bytecode.Config{Mode: bytecode.Structural})
		if err != nil {
			log.Fatalf("lower bytecode: %v", err)
		}
		f, err := os.Create(*outByte)
		if err != nil {
			log.Fatalf("write %s: %v", *outByte, err)
		}
		defer f.Close()
		for i, instr := range instrs {
			fmt.Fprintf(f, "%04d %s\n", i, instr.Op.String())
		}
		fmt.Printf("wrote %s (%d instructions)\n", *outByte, len(instrs))
	}
}

func resolveClipInput(path string) ([]byte, error) {
	if path != "" {
		return os.ReadFile(path)
	}
	return io.ReadAll(os.Stdin)
}
