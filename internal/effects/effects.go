package effects

import (
	"strings"
	"sync"
)

// Effector processes stereo audio in-place.
type Effector interface {
	Process(l, r float32) (float32, float32)
	Reset()
}

// Parameterized is satisfied by an Effector that exposes named runtime
// controls beyond a bus's overall SendLevel -- "wet", "feedback", a band
// gain. score.Automation can target "<bus>.<param>" (e.g. "reverb.wet") to
// reach one of these directly instead of only scaling the whole send.
// SetParam reports whether name was recognized.
type Parameterized interface {
	SetParam(name string, value float64) bool
}

// Chain applies a sequence of effects in order.
type Chain struct {
	effects []Effector
}

func NewChain(effects ...Effector) *Chain {
	return &Chain{effects: effects}
}

func (c *Chain) Process(l, r float32) (float32, float32) {
	for _, e := range c.effects {
		l, r = e.Process(l, r)
	}
	return l, r
}

func (c *Chain) Reset() {
	for _, e := range c.effects {
		e.Reset()
	}
}

func (c *Chain) Add(e Effector) {
	c.effects = append(c.effects, e)
}

// Bus is one named effect send: a processing Chain plus how much of the dry
// signal currently feeds it. SendLevel is the parameter an Automation op
// targeting this bus's name ramps.
type Bus struct {
	Chain     *Chain
	SendLevel float64
}

// Registry holds every bus a score can send to by name, e.g. "reverb" or
// "delay". It is the concrete "is this bus real" answer compile-time bus
// validation checks score.Automation.Target against before letting a send
// through, and the runtime mixer a backend applies after its VoiceEngine.
type Registry struct {
	mu    sync.Mutex
	buses map[string]*Bus
	order []string
}

// NewRegistry creates an empty bus registry.
func NewRegistry() *Registry {
	return &Registry{buses: make(map[string]*Bus)}
}

// Register adds name as a known bus routed through chain at unity send
// level. A second Register call for the same name replaces its chain and
// resets SendLevel to 1.
func (r *Registry) Register(name string, chain *Chain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.buses[name]; !exists {
		r.order = append(r.order, name)
	}
	r.buses[name] = &Bus{Chain: chain, SendLevel: 1}
}

// busName strips an optional ".<param>" suffix, so a score.Automation.Target
// of "reverb.wet" and one of plain "reverb" both resolve to the same bus.
func busName(target string) string {
	if i := strings.IndexByte(target, '.'); i >= 0 {
		return target[:i]
	}
	return target
}

// Known reports whether target names a registered bus, with or without a
// ".<param>" suffix.
func (r *Registry) Known(target string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.buses[busName(target)]
	return ok
}

// SetParam routes target ("<bus>.<param>") to the first Parameterized
// effector in that bus's chain whose SetParam recognizes param. Reports
// false if the bus is unknown, target has no ".<param>" suffix, or no
// effector in the chain recognizes param -- the caller (Backend.fire) falls
// back to treating target as a plain bus name for SetSendLevel in that case.
func (r *Registry) SetParam(target string, value float64) bool {
	i := strings.IndexByte(target, '.')
	if i < 0 {
		return false
	}
	name, param := target[:i], target[i+1:]

	r.mu.Lock()
	b, ok := r.buses[name]
	r.mu.Unlock()
	if !ok || b.Chain == nil {
		return false
	}
	for _, e := range b.Chain.effects {
		if p, ok := e.(Parameterized); ok && p.SetParam(param, value) {
			return true
		}
	}
	return false
}

// Names returns every registered bus name in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// SetSendLevel adjusts how much signal reaches name's chain. A no-op if
// name isn't registered: an Automation targeting an unknown bus is caught
// by compile-time validation, not by this silently doing nothing.
func (r *Registry) SetSendLevel(name string, level float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buses[name]; ok {
		b.SendLevel = level
	}
}

// Send runs l/r through every registered bus's chain at its current send
// level and sums the wet results on top of the dry signal -- the same
// post-engine mastering role a single Chain played before, generalized to
// any number of named sends.
func (r *Registry) Send(l, rIn float32) (float32, float32) {
	r.mu.Lock()
	names := append([]string(nil), r.order...)
	snapshot := make(map[string]*Bus, len(r.buses))
	for k, v := range r.buses {
		snapshot[k] = v
	}
	r.mu.Unlock()

	outL, outR := l, rIn
	for _, name := range names {
		b := snapshot[name]
		if b == nil || b.SendLevel <= 0 {
			continue
		}
		wl, wr := b.Chain.Process(l*float32(b.SendLevel), rIn*float32(b.SendLevel))
		outL += wl
		outR += wr
	}
	return outL, outR
}
