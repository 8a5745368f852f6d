package duration

import (
	"math"

	"scoretree/internal/scoreerr"
)

// Curve identifies a tempo-ramp interpolation shape.
type Curve int

const (
	CurveLinear Curve = iota + 1
	CurveEaseIn
	CurveEaseOut
	CurveEaseInOut
)

// PrecisionKind selects the numerical-fallback step count used when a
// tempo ramp has no tractable closed form.
type PrecisionKind int

const (
	PrecisionStandard PrecisionKind = iota + 1 // 100 Simpson steps
	PrecisionHigh                              // 10,000 Simpson steps
	PrecisionSample                            // steps derived from SampleRate
)

// Precision configures the numerical fallback. SampleRate is only read when
// Kind is PrecisionSample.
type Precision struct {
	Kind       PrecisionKind
	SampleRate int
}

// Standard, High and BySampleRate are convenience constructors.
func Standard() Precision { return Precision{Kind: PrecisionStandard} }
func High() Precision     { return Precision{Kind: PrecisionHigh} }
func BySampleRate(sampleRate int) Precision {
	return Precision{Kind: PrecisionSample, SampleRate: sampleRate}
}

// nearEqualThreshold is the |end-start| bpm delta below which a ramp
// collapses to the constant-tempo closed form, per spec.
const nearEqualThreshold = 1e-3

// atanhDomainEps guards the ease-in atanh branch against arguments too
// close to 1, where the closed form loses precision catastrophically;
// those cases fall back to numerical integration instead.
const atanhDomainEps = 1e-9

// BPMAt returns the instantaneous bpm at normalized ramp position u∈[0,1]
// interpolating from start to end through curve. It is also used directly
// by the tempo map (C6) to answer bpmAt(beat) queries.
func BPMAt(u float64, start, end float64, curve Curve) float64 {
	if u < 0 {
		u = 0
	}
	if u > 1 {
		u = 1
	}
	switch curve {
	case CurveEaseIn:
		return start + (end-start)*u*u
	case CurveEaseOut:
		return start + (end-start)*(2*u-u*u)
	case CurveEaseInOut:
		mid := (start + end) / 2
		if u < 0.5 {
			return BPMAt(u*2, start, mid, CurveEaseIn)
		}
		return BPMAt((u-0.5)*2, mid, end, CurveEaseOut)
	default: // CurveLinear and anything unrecognized fall back to linear
		return start + (end-start)*u
	}
}

// Integrate computes the elapsed seconds for `beats` beats of a tempo ramp
// from startBPM to endBPM through curve, using the closed form where
// tractable and a Simpson's-rule numerical fallback otherwise. clipName is
// carried only for error attribution.
func Integrate(beats float64, startBPM, endBPM float64, curve Curve, precision Precision, clipName string) (float64, error) {
	if beats <= 0 {
		return 0, nil
	}
	if startBPM <= 0 {
		return 0, &scoreerr.BadTempoError{ClipName: clipName, Endpoint: "start", Value: startBPM}
	}
	if endBPM <= 0 {
		return 0, &scoreerr.BadTempoError{ClipName: clipName, Endpoint: "end", Value: endBPM}
	}

	if math.Abs(endBPM-startBPM) < nearEqualThreshold {
		return validate(60 * beats / startBPM)
	}

	var seconds float64
	var ok bool
	switch curve {
	case CurveLinear:
		seconds = 60 * beats * math.Log(endBPM/startBPM) / (endBPM - startBPM)
		ok = true
	case CurveEaseIn:
		seconds, ok = integrateEaseIn(beats, startBPM, endBPM)
	case CurveEaseOut:
		// ease-out(s,e) integrates identically to ease-in(e,s): substituting
		// v = 1-u turns s+(e-s)(2u-u²) into e+(s-e)v² over the same span.
		seconds, ok = integrateEaseIn(beats, endBPM, startBPM)
	case CurveEaseInOut:
		mid := (startBPM + endBPM) / 2
		half := beats / 2
		first, err := Integrate(half, startBPM, mid, CurveEaseIn, precision, clipName)
		if err != nil {
			return 0, err
		}
		second, err := Integrate(half, mid, endBPM, CurveEaseOut, precision, clipName)
		if err != nil {
			return 0, err
		}
		return validate(first + second)
	default:
		seconds = 60 * beats * math.Log(endBPM/startBPM) / (endBPM - startBPM)
		ok = true
	}

	if !ok || !isFiniteNonNeg(seconds) {
		seconds = numericIntegrate(beats, startBPM, endBPM, curve, precision)
	}
	return validate(seconds)
}

// integrateEaseIn returns the closed-form seconds for an ease-in ramp
// (bpm(u) = start + (end-start)u²) over `beats` beats, or ok=false if the
// atanh branch is too close to its domain edge and a numerical fallback is
// required.
func integrateEaseIn(beats, start, end float64) (float64, bool) {
	k := end - start
	if k == 0 {
		return 60 * beats / start, true
	}
	if k > 0 {
		sq := math.Sqrt(start * k)
		integral := math.Atan(math.Sqrt(k/start)) / sq
		return 60 * beats * integral, true
	}
	kk := -k
	arg := math.Sqrt(kk / start)
	if arg >= 1-atanhDomainEps {
		return 0, false
	}
	sq := math.Sqrt(start * kk)
	integral := atanh(arg) / sq
	return 60 * beats * integral, true
}

func atanh(x float64) float64 {
	return 0.5 * math.Log((1+x)/(1-x))
}

// numericIntegrate applies Simpson's rule to ∫₀¹ 60/bpm(u) du, scaled by
// beats, for curves or edge cases without a safe closed form.
func numericIntegrate(beats, start, end float64, curve Curve, precision Precision) float64 {
	steps := stepsFor(beats, start, end, precision)
	g := func(u float64) float64 {
		bpm := BPMAt(u, start, end, curve)
		if bpm <= 0 {
			bpm = 1e-6
		}
		return 60 / bpm
	}
	return beats * simpson(steps, g)
}

func stepsFor(beats, start, end float64, precision Precision) int {
	switch precision.Kind {
	case PrecisionHigh:
		return 10000
	case PrecisionSample:
		sr := precision.SampleRate
		if sr <= 0 {
			sr = 48000
		}
		avgBPM := (start + end) / 2
		if avgBPM <= 0 {
			avgBPM = 120
		}
		samplesPerBeat := float64(sr) * 60 / avgBPM
		steps := int(math.Ceil(beats * samplesPerBeat))
		if steps < 100 {
			steps = 100
		}
		if steps > 200000 {
			steps = 200000
		}
		return steps
	default:
		return 100
	}
}

func simpson(steps int, f func(u float64) float64) float64 {
	return simpsonRange(steps, 0, 1, f)
}

// simpsonRange integrates f over [a,b] with Simpson's rule.
func simpsonRange(steps int, a, b float64, f func(u float64) float64) float64 {
	if steps < 2 {
		steps = 2
	}
	if steps%2 != 0 {
		steps++
	}
	h := (b - a) / float64(steps)
	sum := f(a) + f(b)
	for i := 1; i < steps; i++ {
		u := a + float64(i)*h
		if i%2 == 0 {
			sum += 2 * f(u)
		} else {
			sum += 4 * f(u)
		}
	}
	return sum * h / 3
}

// IntegratePartial computes elapsed seconds for the first offsetBeats beats
// of a rampBeats-long tempo ramp from startBPM to endBPM through curve. It
// lets the tempo map answer beatToSeconds queries that land partway through
// a ramp rather than only at its endpoints.
func IntegratePartial(rampBeats, offsetBeats, startBPM, endBPM float64, curve Curve, precision Precision) (float64, error) {
	if rampBeats <= 0 || offsetBeats <= 0 {
		return 0, nil
	}
	if offsetBeats >= rampBeats {
		return Integrate(rampBeats, startBPM, endBPM, curve, precision, "")
	}
	if startBPM <= 0 {
		return 0, &scoreerr.BadTempoError{Endpoint: "start", Value: startBPM}
	}
	if endBPM <= 0 {
		return 0, &scoreerr.BadTempoError{Endpoint: "end", Value: endBPM}
	}
	uTo := offsetBeats / rampBeats
	steps := stepsFor(rampBeats, startBPM, endBPM, precision)
	g := func(u float64) float64 {
		bpm := BPMAt(u, startBPM, endBPM, curve)
		if bpm <= 0 {
			bpm = 1e-6
		}
		return 60 / bpm
	}
	return validate(rampBeats * simpsonRange(steps, 0, uTo, g))
}

func isFiniteNonNeg(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

func validate(seconds float64) (float64, error) {
	if !isFiniteNonNeg(seconds) {
		return 0, &scoreerr.InternalInvariantError{
			Component: "duration.Integrate",
			Detail:    "computed non-finite or negative elapsed seconds",
		}
	}
	return seconds, nil
}

// QuantizeToSampleRate rounds t to the nearest 1/sampleRate, ensuring
// sample-aligned output. sampleRate<=0 is a no-op.
func QuantizeToSampleRate(t float64, sampleRate int) float64 {
	if sampleRate <= 0 {
		return t
	}
	sr := float64(sampleRate)
	return math.Round(t*sr) / sr
}
