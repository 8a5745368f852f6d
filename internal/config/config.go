// Package config implements A2: functional-option configuration for the
// host-facing entry points (the CLIs, scoreapi, scoretui), mirroring the
// teacher's PlayerOption/playerConfig pattern in player.go. It does not
// replace compiler.Config or scheduler.Option -- those remain the pipeline's
// own internal knobs -- it is the outer layer a caller who only knows
// {bpm, timeSignature, channel, seed, sampleRate, tempoPrecision, limits}
// (the Compile API's documented option set) builds against, which then
// produces a compiler.Config for internal/compiler to consume.
package config

import (
	"time"

	"scoretree/internal/compiler"
	"scoretree/internal/duration"
	"scoretree/internal/emitter"
	"scoretree/internal/expander"
	"scoretree/internal/scheduler"
	"scoretree/internal/score"
)

// CompileOption configures a CompileConfig.
type CompileOption func(*CompileConfig)

// CompileConfig bundles the options documented in the Compile API:
// {bpm, timeSignature, channel, seed, sampleRate, tempoPrecision, limits}.
type CompileConfig struct {
	bpm            float64
	timeSignature  *score.TimeSigSpec
	channel        int
	seed           uint32
	sampleRate     int
	tempoPrecision duration.Precision
	limits         expander.Limits
	groove         *score.GrooveSpec
	quantize       emitter.QuantizeConfig
	humanize       emitter.HumanizeConfig
	buses          compiler.BusValidator
}

// DefaultCompileConfig mirrors compiler.DefaultConfig's stated defaults.
func DefaultCompileConfig() CompileConfig {
	return CompileConfig{
		bpm:            120,
		channel:        0,
		sampleRate:     48000,
		tempoPrecision: duration.Standard(),
		limits:         expander.DefaultLimits(),
	}
}

func WithBPM(bpm float64) CompileOption {
	return func(c *CompileConfig) { c.bpm = bpm }
}

func WithTimeSignature(num, denom int) CompileOption {
	return func(c *CompileConfig) { c.timeSignature = &score.TimeSigSpec{Num: num, Denom: denom} }
}

func WithChannel(channel int) CompileOption {
	return func(c *CompileConfig) { c.channel = channel }
}

func WithSeed(seed uint32) CompileOption {
	return func(c *CompileConfig) { c.seed = seed }
}

func WithSampleRate(sampleRate int) CompileOption {
	return func(c *CompileConfig) { c.sampleRate = sampleRate }
}

func WithTempoPrecision(p duration.Precision) CompileOption {
	return func(c *CompileConfig) { c.tempoPrecision = p }
}

func WithLimits(limits expander.Limits) CompileOption {
	return func(c *CompileConfig) { c.limits = limits }
}

func WithGroove(g *score.GrooveSpec) CompileOption {
	return func(c *CompileConfig) { c.groove = g }
}

func WithQuantize(q emitter.QuantizeConfig) CompileOption {
	return func(c *CompileConfig) { c.quantize = q }
}

func WithHumanize(h emitter.HumanizeConfig) CompileOption {
	return func(c *CompileConfig) { c.humanize = h }
}

// WithBuses validates every score.Automation send against buses, so a send
// to a bus name the backend never wired surfaces as a diagnostic instead of
// vanishing silently. Typically effects.Registry, via its Known method.
func WithBuses(buses compiler.BusValidator) CompileOption {
	return func(c *CompileConfig) { c.buses = buses }
}

// NewCompileConfig applies opts over DefaultCompileConfig.
func NewCompileConfig(opts ...CompileOption) CompileConfig {
	cfg := DefaultCompileConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// BPM returns the configured default tempo, used when a clip carries none.
func (c CompileConfig) BPM() float64 { return c.bpm }

// SampleRate returns the configured sample rate, used by audiobackend
// renderers; it has no effect on the compile pipeline itself.
func (c CompileConfig) SampleRate() int { return c.sampleRate }

// ToCompilerConfig lowers the host-facing options into the compiler
// package's own internal Config shape.
func (c CompileConfig) ToCompilerConfig() compiler.Config {
	return compiler.Config{
		Limits:     c.limits,
		Precision:  c.tempoPrecision,
		DefaultBPM: c.bpm,
		Emit: emitter.Config{
			TicksPerBeat: 1920,
			Channel:      c.channel,
			Quantize:     c.quantize,
			Groove:       c.groove,
			Humanize:     c.humanize,
			Seed:         c.seed,
		},
		Buses: c.buses,
	}
}

// SchedulerOption configures a SchedulerConfig.
type SchedulerOption func(*SchedulerConfig)

// QuantizeMode names the default quantize boundary CLIs/scoreapi apply to
// scheduler splices, matching scheduler.QuantizeBoundary's values.
type QuantizeMode = scheduler.QuantizeBoundary

const (
	QuantizeOff  = scheduler.QuantizeOff
	QuantizeBeat = scheduler.QuantizeBeat
	QuantizeBar  = scheduler.QuantizeBar
)

// SchedulerConfig bundles {scheduleInterval, lookahead, beatsPerMeasure,
// quantizeMode}.
type SchedulerConfig struct {
	scheduleInterval time.Duration
	lookahead        time.Duration
	beatsPerMeasure  float64
	quantizeMode     QuantizeMode
}

// DefaultSchedulerConfig mirrors scheduler.NewScheduler's stated defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		scheduleInterval: 25 * time.Millisecond,
		lookahead:        100 * time.Millisecond,
		beatsPerMeasure:  4,
		quantizeMode:     QuantizeBar,
	}
}

func WithScheduleInterval(d time.Duration) SchedulerOption {
	return func(c *SchedulerConfig) { c.scheduleInterval = d }
}

func WithLookahead(d time.Duration) SchedulerOption {
	return func(c *SchedulerConfig) { c.lookahead = d }
}

func WithBeatsPerMeasure(n float64) SchedulerOption {
	return func(c *SchedulerConfig) { c.beatsPerMeasure = n }
}

func WithQuantizeMode(m QuantizeMode) SchedulerOption {
	return func(c *SchedulerConfig) { c.quantizeMode = m }
}

// NewSchedulerConfig applies opts over DefaultSchedulerConfig.
func NewSchedulerConfig(opts ...SchedulerOption) SchedulerConfig {
	cfg := DefaultSchedulerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// QuantizeMode returns the configured default splice/callback boundary.
func (c SchedulerConfig) QuantizeMode() QuantizeMode { return c.quantizeMode }

// ToSchedulerOptions lowers the host-facing options into the scheduler
// package's own functional options, ready to pass to scheduler.NewScheduler.
func (c SchedulerConfig) ToSchedulerOptions() []scheduler.Option {
	return []scheduler.Option{
		scheduler.WithScheduleInterval(c.scheduleInterval),
		scheduler.WithLookahead(c.lookahead),
		scheduler.WithBeatsPerMeasure(c.beatsPerMeasure),
	}
}
