// Package compiler wires C1-C9 together: expand, time, tie-coalesce, build
// the tempo map, and emit, plus the incremental-recompile path over
// internal/cache's section hashing.
package compiler

import (
	"scoretree/internal/cache"
	"scoretree/internal/duration"
	"scoretree/internal/emitter"
	"scoretree/internal/expander"
	"scoretree/internal/score"
	"scoretree/internal/scoreerr"
	"scoretree/internal/tempo"
	"scoretree/internal/tie"
	"scoretree/internal/timer"
)

// BusValidator reports whether a bus name a score can send to (an
// Automation.Target) is actually wired to anything. Compile consults one,
// when given, to diagnose a send to nowhere instead of silently dropping
// it; effects.Registry satisfies this by name lookup.
type BusValidator interface {
	Known(name string) bool
}

// Config bundles every knob the pipeline needs below the tree itself.
type Config struct {
	Limits     expander.Limits
	Precision  duration.Precision
	DefaultBPM float64
	Emit       emitter.Config
	// Buses validates Automation sends against the buses a backend actually
	// wired up. Nil skips the check, so callers that never route to named
	// buses don't pay for or need one.
	Buses BusValidator
}

// DefaultConfig mirrors the component contracts' stated defaults.
func DefaultConfig() Config {
	return Config{
		Limits:     expander.DefaultLimits(),
		Precision:  duration.Standard(),
		DefaultBPM: 120,
		Emit:       emitter.Config{TicksPerBeat: 1920, Channel: 0},
	}
}

// Result is one full compile's output.
type Result struct {
	Events      []emitter.Event
	Diagnostics []scoreerr.Diagnostic
	TotalBeats  float64
	// TempoPoints is the piecewise bpm function Compile built for this clip,
	// in the same flat shape cache.CompilationCache persists it in. A cache-hit
	// IncrementalCompile returns the points stored in the reused cache.
	TempoPoints []tempo.Point
}

// Compile runs the whole pipeline over clip: expand -> time -> tie-coalesce
// -> tempo map -> emit -> bus validation.
func Compile(clip *score.ClipNode, cfg Config) (Result, error) {
	expanded, err := expander.Expand(clip, cfg.Limits)
	if err != nil {
		return Result{}, err
	}
	timed, err := timer.Run(expanded)
	if err != nil {
		return Result{}, err
	}
	coalesced := tie.Coalesce(timed)

	bpm := cfg.DefaultBPM
	if clip.Tempo != nil {
		bpm = *clip.Tempo
	}
	tm, err := tempo.Build(coalesced.Items, bpm, cfg.Precision)
	if err != nil {
		return Result{}, err
	}

	events, err := emitter.Emit(coalesced.Items, tm, cfg.Emit)
	if err != nil {
		return Result{}, err
	}

	var totalBeats float64
	for _, it := range timed.Items {
		end := it.BeatStart + it.BeatDuration
		if end > totalBeats {
			totalBeats = end
		}
	}

	diags := append([]scoreerr.Diagnostic{}, coalesced.Diagnostics...)
	diags = append(diags, validateBuses(coalesced.Items, cfg.Buses)...)

	return Result{Events: events, Diagnostics: diags, TotalBeats: totalBeats, TempoPoints: tm.Points()}, nil
}

// validateBuses scans coalesced items for Automation sends and reports any
// whose Target names a bus cfg.Buses doesn't recognize. A nil validator (no
// backend-wired buses to check against) means every send passes unchecked.
func validateBuses(items []tie.Item, buses BusValidator) []scoreerr.Diagnostic {
	if buses == nil {
		return nil
	}
	var diags []scoreerr.Diagnostic
	for _, it := range items {
		a, ok := it.Op.(score.Automation)
		if !ok || a.Target == "" {
			continue
		}
		if !buses.Known(a.Target) {
			diags = append(diags, scoreerr.UnknownBus(it.BeatStart, a.Target))
		}
	}
	return diags
}

// EstimateExpansion previews worst-case expansion cost without compiling.
func EstimateExpansion(clip *score.ClipNode, limits expander.Limits) expander.Estimate {
	return expander.EstimateExpansion(clip, limits)
}

// IncrementalCompile recompiles newClip against a previous compile of
// oldClip, reusing the cached prefix of sections cache.LazyCompare proves
// unchanged (events, entry/exit snapshots, all of it) and only re-running
// the tie-coalesce/tempo/emit stages from the first changed section onward,
// resuming tie continuity from that section's cached entry snapshot via
// tie.StreamCoalescer rather than recoalescing the whole clip from scratch.
//
// expand and time still run over the whole of newClip: neither package
// exposes a way to resume expansion mid-tree, so that part of the pipeline
// is not yet incremental. What this function actually saves is the
// tie-coalesce/emit work for the unchanged prefix, and -- more importantly
// -- it stops the previous version's bug of dropping every section but the
// last on the floor.
func IncrementalCompile(oldClip *score.ClipNode, oldCache *cache.CompilationCache, newClip *score.ClipNode, cfg Config) (*cache.CompilationCache, Result, error) {
	rawSections := cache.DetectSections(newClip)
	hashedSections, err := cache.HashSections(newClip, rawSections)
	if err != nil {
		return nil, Result{}, err
	}
	freshSections, err := cache.BoundSections(newClip, hashedSections, cfg.Limits)
	if err != nil {
		return nil, Result{}, err
	}

	if oldCache == nil || oldClip == nil {
		newCache, res, err := compileFrom(newClip, freshSections, cfg, 0, nil)
		return newCache, res, err
	}

	cmp := cache.LazyCompare(oldCache.SectionHashes(), freshSections)
	if cmp.FirstChanged >= len(freshSections) && cmp.FirstChanged >= len(oldCache.Sections) {
		// nothing changed: the cache and its already-flattened events stand.
		return oldCache, flatten(oldCache), nil
	}

	fromSection := cmp.FirstChanged
	if fromSection > len(oldCache.Sections) {
		fromSection = len(oldCache.Sections)
	}
	var seedTies []cache.TieState
	if fromSection > 0 {
		seedTies = oldCache.Sections[fromSection-1].ExitState.ActiveTies
	}

	newCache, res, err := compileFrom(newClip, freshSections, cfg, fromSection, seedTies)
	if err != nil {
		return nil, Result{}, err
	}

	// Splice the proven-unchanged prefix back in verbatim: LazyCompare
	// matched every one of its section hashes against the old cache, so its
	// cached events and boundary snapshots still describe newClip exactly.
	for i := 0; i < fromSection && i < len(newCache.Sections) && i < len(oldCache.Sections); i++ {
		newCache.Sections[i] = oldCache.Sections[i]
	}

	merged := flatten(newCache)
	merged.Diagnostics = res.Diagnostics
	return newCache, merged, nil
}

// compileFrom expands and times the whole of clip (expand/time have no
// partial-resume API), then coalesces ties and emits section by section
// using a tie.StreamCoalescer seeded with seedTies, so only sections at or
// after fromSection are actually recomputed. Sections before fromSection are
// left as zero-value placeholders for the caller to overwrite from its own
// cache; fromSection == 0 recomputes everything.
func compileFrom(clip *score.ClipNode, sections []cache.Section, cfg Config, fromSection int, seedTies []cache.TieState) (*cache.CompilationCache, Result, error) {
	expanded, err := expander.Expand(clip, cfg.Limits)
	if err != nil {
		return nil, Result{}, err
	}
	timed, err := timer.Run(expanded)
	if err != nil {
		return nil, Result{}, err
	}

	bpm := cfg.DefaultBPM
	if clip.Tempo != nil {
		bpm = *clip.Tempo
	}
	// tempo.Build wants the post-coalesce item shape; ties never move a
	// Tempo op's beat position, so a disposable batch coalesce over the full
	// stream gives it the same input it has always consumed, independent of
	// the section-by-section streaming pass below.
	wholeClip := tie.Coalesce(timed)
	tm, err := tempo.Build(wholeClip.Items, bpm, cfg.Precision)
	if err != nil {
		return nil, Result{}, err
	}

	var totalBeats float64
	for _, it := range timed.Items {
		if end := it.BeatStart + it.BeatDuration; end > totalBeats {
			totalBeats = end
		}
	}

	sc := tie.NewStreamCoalescer(cache.ToStreamStates(seedTies))
	var diags []scoreerr.Diagnostic
	sections2 := make([]cache.SectionCache, len(sections))

	itemIdx := 0
	// skip every timed item that belongs entirely to an already-cached
	// section; its contribution to tie state was already folded into
	// seedTies by the caller.
	if fromSection > 0 {
		cutoff := sections[fromSection].StartBeat
		for itemIdx < len(timed.Items) && timed.Items[itemIdx].BeatStart < cutoff {
			itemIdx++
		}
	}

	entrySnap := cache.ProjectionSnapshot{}
	if fromSection > 0 {
		entrySnap = snapshotAt(sections[fromSection-1].EndBeat, timed.Items, tm, clip, cache.ToStreamStates(seedTies))
	}

	for i := fromSection; i < len(sections); i++ {
		s := sections[i]
		isLast := i == len(sections)-1
		for itemIdx < len(timed.Items) {
			it := timed.Items[itemIdx]
			if !isLast && it.BeatStart >= s.EndBeat {
				break
			}
			diags = append(diags, sc.Push(it)...)
			itemIdx++
		}
		ready := sc.Drain()
		events, err := emitter.Emit(ready, tm, cfg.Emit)
		if err != nil {
			return nil, Result{}, err
		}
		diags = append(diags, validateBuses(ready, cfg.Buses)...)

		exitSnap := snapshotAt(s.EndBeat, timed.Items, tm, clip, sc.Serialize())
		sections2[i] = cache.SectionCache{Bounds: s, EntryState: entrySnap, ExitState: exitSnap, Events: events}
		entrySnap = exitSnap
	}
	diags = append(diags, sc.Flush()...)
	if flushed := sc.Drain(); len(flushed) > 0 && len(sections2) > 0 {
		events, err := emitter.Emit(flushed, tm, cfg.Emit)
		if err != nil {
			return nil, Result{}, err
		}
		diags = append(diags, validateBuses(flushed, cfg.Buses)...)
		last := &sections2[len(sections2)-1]
		last.Events = append(last.Events, events...)
	}

	newCache := &cache.CompilationCache{Sections: sections2, TotalBeats: totalBeats, TempoPoints: tm.Points()}

	var allEvents []emitter.Event
	for i := fromSection; i < len(sections2); i++ {
		allEvents = append(allEvents, sections2[i].Events...)
	}
	return newCache, Result{Events: allEvents, Diagnostics: diags, TotalBeats: totalBeats, TempoPoints: tm.Points()}, nil
}

// snapshotAt builds the ProjectionSnapshot a section boundary at beat would
// hand to a resuming compile: tempo and measure/beat-in-measure from the
// last timed item at or before beat, and the tie state a StreamCoalescer
// reports active at that point. Transposition and VelocityMultiplier are
// left at their zero value: the expander applies transposition and velocity
// scaling eagerly while expanding rather than carrying them as separate
// running state, so there is nothing live to snapshot for either.
func snapshotAt(beat float64, timed []timer.Item, tm *tempo.Map, clip *score.ClipNode, ties []tie.SerializedTieState) cache.ProjectionSnapshot {
	snap := cache.ProjectionSnapshot{
		Beat:            beat,
		BeatsPerMeasure: 4,
		BPM:             tm.BPMAt(beat),
		ActiveTies:      cache.TieStatesFromStream(ties),
	}
	if clip.TimeSignature != nil {
		snap.TimeSignature = *clip.TimeSignature
		if clip.TimeSignature.Denom > 0 {
			snap.BeatsPerMeasure = float64(clip.TimeSignature.Num) * 4.0 / float64(clip.TimeSignature.Denom)
		}
	}
	for _, it := range timed {
		if it.BeatStart > beat {
			break
		}
		snap.Measure = it.Measure
		snap.BeatInMeasure = it.BeatInMeasure
	}
	return snap
}

func flatten(c *cache.CompilationCache) Result {
	var res Result
	res.TotalBeats = c.TotalBeats
	res.TempoPoints = c.TempoPoints
	for _, s := range c.Sections {
		res.Events = append(res.Events, s.Events...)
	}
	return res
}
