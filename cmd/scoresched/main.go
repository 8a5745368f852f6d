// Command scoresched loads a score.SessionNode, compiles each track, and
// runs it through a live internal/scheduler.Scheduler against a real
// audiobackend.Backend, optionally rendering a scoretui dashboard and
// watching a file for edits to hot-splice in. Its flag style is grounded
// on cmd/play_mml/main.go; its concurrent join of the TUI loop and the
// file-watch loop uses golang.org/x/sync/errgroup, the pack's standard way
// (per the other example repos) of joining sibling goroutines that should
// all stop together on first error.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"scoretree/backend/audiobackend"
	"scoretree/cachejson"
	"scoretree/internal/compiler"
	"scoretree/internal/config"
	"scoretree/internal/effects"
	"scoretree/internal/scheduler"
	"scoretree/internal/tempo"
	"scoretree/scoretui"
)

// newMasterBuses registers the named effect sends a session's tracks may
// send Automation to, and wires them as the live backend's mastering mix.
// "reverb"/"delay"/"chorus" are classic aux sends; "crunch" and "punch" are
// parallel distortion and parallel ("New York style") compression sends --
// the same Registry.Send model applies equally well to those, mixing a
// processed copy back in rather than replacing the dry signal outright.
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
		sessionPath = flag.String("file", "", "path to a SessionNode JSON document (default: stdin)")
		bpm         = flag.Float64("bpm", 120, "fallback tempo if the session omits one")
		sampleRate  = flag.Int("sample-rate", 48000, "audio backend sample rate")
		watchPath   = flag.String("watch", "", "if set, poll this file and re-splice the first track on change")
		watchEvery  = flag.Duration("watch-interval", 500*time.Millisecond, "poll period for -watch")
		ui          = flag.Bool("ui", true, "render the bubbletea dashboard")
		engineName  = flag.String("engine", "fm", "synth engine: fm|chiptune|nesapu|wavetable")
	)
	flag.Parse()

	engineMode, err := audiobackend.ParseEngineMode(*engineName)
	if err != nil {
		log.Fatal(err)
	}

	data, err := resolveSessionInput(*sessionPath)
	if err != nil {
		log.Fatal(err)
	}
	session, err := cachejson.UnmarshalSession(data)
	if err != nil {
		log.Fatalf("parse session: %v", err)
	}

	effectiveBPM := *bpm
	if session.Tempo != nil {
		effectiveBPM = *session.Tempo
	}

	buses := newMasterBuses(*sampleRate)
	cfg := config.NewCompileConfig(config.WithBPM(effectiveBPM), config.WithSampleRate(*sampleRate), config.WithBuses(buses)).ToCompilerConfig()

	backendOpts := []audiobackend.BackendOption{audiobackend.WithEffectBuses(buses)}
	results := make([]compiler.Result, len(session.Tracks))
	for i, track := range session.Tracks {
		if track.Clip == nil {
			continue
		}
		res, err := compiler.Compile(track.Clip, cfg)
		if err != nil {
			log.Fatalf("compile track %q: %v", track.Name, err)
		}
		results[i] = res
		if i == 0 {
			if tm, err := tempo.FromPoints(res.TempoPoints, cfg.Precision); err == nil {
				backendOpts = append(backendOpts, audiobackend.WithTempoMap(tm))
			}
		}
	}

	backend, err := audiobackend.NewBackendWithEngine(*sampleRate, engineMode, backendOpts...)
	if err != nil {
		log.Fatalf("audio backend: %v", err)
	}
	defer backend.Close()

	sched := scheduler.NewScheduler(backend, effectiveBPM)

	for i, track := range session.Tracks {
		if track.Clip == nil {
			continue
		}
		sched.Consume(results[i].Events, track.Name)
	}

	sched.Start(0)
	defer sched.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if *watchPath != "" && len(session.Tracks) > 0 {
		g.Go(func() error {
			return watchAndSplice(ctx, sched, backend, *watchPath, session.Tracks[0].Name, *watchEvery, cfg)
		})
	}

	if *ui {
		g.Go(func() error {
			prog := tea.NewProgram(scoretui.New(sched))
			go func() {
				<-ctx.Done()
				prog.Quit()
			}()
			_, err := prog.Run()
			return err
		})
	} else {
		g.Go(func() error {
			<-ctx.Done()
			return nil
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatal(err)
	}
}

// watchAndSplice polls path's modification time and, on change, recompiles
// it as a ClipNode and splices the result into trackID at the next bar
// boundary via QueueUpdate, the live-update path spec.md documents for
// editor integrations.
func watchAndSplice(ctx context.Context, sched *scheduler.Scheduler, backend *audiobackend.Backend, path, trackID string, interval time.Duration, cfg compiler.Config) error {
	var lastMod time.Time
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()

			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			clip, err := cachejson.UnmarshalClip(data)
			if err != nil {
				fmt.Fprintf(os.Stderr, "watch: parse %s: %v\n", path, err)
				continue
			}
			res, err := compiler.Compile(clip, cfg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "watch: compile %s: %v\n", path, err)
				continue
			}
			target := sched.NextQuantizeBoundary(scheduler.QuantizeBar)
			if beat, err := backend.GetCurrentBeat(); err == nil {
				msg := fmt.Sprintf("watch: splicing %s at beat %.0f (currently at %.2f)", trackID, target, beat)
				if pitch, amp, filter, ok := backend.ModulationDepths(); ok {
					msg += fmt.Sprintf(" [lfo depths pitch=%.3f amp=%.3f filter=%.1f]", pitch, amp, filter)
				}
				fmt.Fprintln(os.Stderr, msg)
			}
			sched.QueueUpdate(scheduler.Update{TargetBeat: target, Events: res.Events, TrackID: trackID})
		}
	}
}

func resolveSessionInput(path string) ([]byte, error) {
	if path != "" {
		return os.ReadFile(path)
	}
	return io.ReadAll(os.Stdin)
}
