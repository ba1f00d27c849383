// Package demod implements the FM demodulation pipeline (C8): a
// broadcast-FM stereo decoder and a narrowband VHF/GMRS decoder, both
// built from the same downsample -> IF filter -> phase-difference
// discriminator chain.
//
// The FmDecoder/VhfDecode C++ sources that originally backed this
// (softfm-derived) were not part of the retrieved original sources --
// only SDRDecoder.hpp, the abstract base both subclassed, survived the
// filtering pass. Lacking a line-by-line source to port, this package
// follows the algorithm description that drove the original design
// (downsample factor, tuning-offset mixdown, IF filter, phase-diff FM
// demod, pilot-based stereo separation, de-emphasis, PCM resampling)
// and implements it from scratch using math/cmplx, the standard
// library's complex-number package -- no third-party DSP library
// appears anywhere in the retrieved corpus, so there is nothing to
// ground this specific arithmetic on besides the stdlib.
package demod

import (
	"math"
	"math/cmplx"
)

// Defaults mirror the original's own named constants.
const (
	DefaultBandwidthIF   = 100_000.0
	DefaultFreqDev       = 75_000.0
	DefaultDeemphasisUS  = 75.0 // US broadcast FM de-emphasis time constant
	DefaultBandwidthPCM  = 15_000.0
	PilotHz              = 19_000.0
	pilotBandwidth       = 2_000.0
	stereoThreshold      = 0.01 // pilot magnitude above which stereo is declared present
)

// Decoder turns a block of IQ samples into PCM audio samples at the PCM
// rate. Mono decoders (narrowband FM) write one sample per output
// frame; the broadcast FM stereo decoder writes interleaved L,R pairs.
type Decoder interface {
	Process(in []complex64, out *[]float64)
	IFLevel() float64
	BasebandLevel() float64
}

// onePole is a single-pole IIR lowpass, the same shape as an RC filter
// -- used for both the IF bandwidth filter and de-emphasis, just with
// different time constants.
type onePole struct {
	alpha float64
	state float64
	set   bool
}

func newOnePole(cutoffHz, sampleRate float64) *onePole {
	rc := 1 / (2 * math.Pi * cutoffHz)
	dt := 1 / sampleRate
	return &onePole{alpha: dt / (rc + dt)}
}

func newOnePoleTau(tauSeconds, sampleRate float64) *onePole {
	dt := 1 / sampleRate
	return &onePole{alpha: dt / (tauSeconds + dt)}
}

func (p *onePole) step(x float64) float64 {
	if !p.set {
		p.state = x
		p.set = true
		return x
	}
	p.state += p.alpha * (x - p.state)
	return p.state
}

// complexOnePole is the same filter applied independently to the real
// and imaginary parts, used as the IF bandwidth filter ahead of the
// discriminator.
type complexOnePole struct {
	re, im onePole
}

func newComplexOnePole(cutoffHz, sampleRate float64) *complexOnePole {
	return &complexOnePole{re: *newOnePole(cutoffHz, sampleRate), im: *newOnePole(cutoffHz, sampleRate)}
}

func (f *complexOnePole) step(x complex64) complex64 {
	re := f.re.step(float64(real(x)))
	im := f.im.step(float64(imag(x)))
	return complex(float32(re), float32(im))
}

// downsampleFactor computes max(1, floor(sampleRate/215kHz)), the
// baseband signal being empty above roughly 100 kHz so decimating down
// to ~200 kS/s loses nothing useful.
func downsampleFactor(sampleRate float64) int {
	f := int(sampleRate / 215_000.0)
	if f < 1 {
		return 1
	}
	return f
}

// BroadcastFM demodulates wideband FM with stereo pilot detection.
type BroadcastFM struct {
	sampleRate   float64
	tuningOffset float64
	pcmRate      float64
	downsample   int

	ifFilter  *complexOnePole
	mixPhase  float64
	prev      complex64

	monoLP   *onePole
	deLeft   *onePole
	deRight  *onePole

	pilotI, pilotQ *onePole
	pilotPhase     float64
	pilotLevel     float64

	sMixLP *onePole

	stereo     bool
	gotStereo  bool
	ifLevel    float64
	basebandLv float64

	resampleRatio float64 // downsampled rate / pcmRate
	resamplePos   float64
	havePrevPCM   bool
	prevL, prevR  float64
}

// NewBroadcastFM constructs a decoder for one tuning. sampleRate and
// tuningOffset are both in Hz; tuningOffset is frequency−tunerFreq,
// the same quantity the radio supervisor feeds the original's
// FmDecoder constructor so the discriminator can mix the signal back
// down to baseband.
func NewBroadcastFM(sampleRate, tuningOffset float64, pcmRate int, bandwidthIF, bandwidthPCM float64) *BroadcastFM {
	downsampled := sampleRate / float64(downsampleFactor(sampleRate))
	return &BroadcastFM{
		sampleRate:   sampleRate,
		tuningOffset: tuningOffset,
		pcmRate:      float64(pcmRate),
		downsample:   downsampleFactor(sampleRate),
		ifFilter:     newComplexOnePole(bandwidthIF, sampleRate),
		monoLP:       newOnePole(bandwidthPCM, downsampled),
		deLeft:       newOnePoleTau(DefaultDeemphasisUS*1e-6, downsampled),
		deRight:      newOnePoleTau(DefaultDeemphasisUS*1e-6, downsampled),
		pilotI:       newOnePole(pilotBandwidth, downsampled),
		pilotQ:       newOnePole(pilotBandwidth, downsampled),
		sMixLP:       newOnePole(bandwidthPCM, downsampled),
		resampleRatio: downsampled / float64(pcmRate),
	}
}

// Process demodulates one block of IQ samples into interleaved L,R
// PCM samples in out.
func (d *BroadcastFM) Process(in []complex64, out *[]float64) {
	if cap(*out) < len(in)*2 {
		*out = make([]float64, 0, len(in)*2)
	}
	*out = (*out)[:0]

	var ifSum, basebandSum float64
	count := 0

	for n, x := range in {
		ifSum += float64(cmplx.Abs(complex128(x)))

		// mix down by the tuning offset, then IF-filter.
		lo := cmplx.Exp(complex(0, -2*math.Pi*d.tuningOffset*float64(n)/d.sampleRate+d.mixPhase))
		mixed := complex64(complex128(x) * lo)
		filtered := d.ifFilter.step(mixed)

		if n%d.downsample != 0 {
			continue
		}
		count++
		basebandSum += float64(cmplx.Abs(complex128(filtered)))

		// phase-difference FM discriminator.
		diff := complex128(filtered) * cmplx.Conj(complex128(d.prev))
		d.prev = filtered
		deviation := cmplx.Phase(diff) * (d.sampleRate / float64(d.downsample)) / (2 * math.Pi)
		composite := deviation / DefaultFreqDev

		// pilot tone detection at 19 kHz via quadrature correlation.
		pc := math.Cos(d.pilotPhase)
		ps := math.Sin(d.pilotPhase)
		pi := d.pilotI.step(composite * pc)
		pq := d.pilotQ.step(composite * ps)
		level := math.Hypot(pi, pq)
		d.pilotLevel = 0.95*d.pilotLevel + 0.05*level
		d.pilotPhase += 2 * math.Pi * PilotHz / (d.sampleRate / float64(d.downsample))

		detected := d.pilotLevel > stereoThreshold
		if detected != d.gotStereo {
			d.gotStereo = detected
		}
		d.stereo = d.gotStereo

		mono := d.monoLP.step(composite)

		var stereoDiff float64
		if d.stereo {
			// the L-R subcarrier rides at twice the pilot frequency;
			// mix down with the doubled pilot phase and lowpass.
			sc := math.Cos(2 * d.pilotPhase)
			stereoDiff = d.sMixLP.step(composite*sc) * 2
		}

		left := mono + stereoDiff
		right := mono - stereoDiff
		left = d.deLeft.step(left)
		right = d.deRight.step(right)

		// resample from the downsampled rate to the PCM rate by
		// linear interpolation, emitting a pair whenever the
		// fractional position crosses an output sample boundary.
		if !d.havePrevPCM {
			d.prevL, d.prevR = left, right
			d.havePrevPCM = true
		}
		for d.resamplePos <= 1 {
			frac := d.resamplePos
			*out = append(*out, d.prevL+(left-d.prevL)*frac, d.prevR+(right-d.prevR)*frac)
			d.resamplePos += d.resampleRatio
		}
		d.resamplePos -= 1
		d.prevL, d.prevR = left, right
	}

	if count > 0 {
		d.ifLevel = ifSum / float64(len(in))
		d.basebandLv = basebandSum / float64(count)
	}
	d.mixPhase = math.Mod(d.mixPhase-2*math.Pi*d.tuningOffset*float64(len(in))/d.sampleRate, 2*math.Pi)
}

func (d *BroadcastFM) IFLevel() float64       { return d.ifLevel }
func (d *BroadcastFM) BasebandLevel() float64 { return d.basebandLv }

// StereoDetected reports whether the 19 kHz pilot is currently locked.
// The radio supervisor flips mux on the transition.
func (d *BroadcastFM) StereoDetected() bool { return d.stereo }

// Narrowband demodulates VHF/GMRS FM without stereo.
type Narrowband struct {
	sampleRate   float64
	tuningOffset float64
	downsample   int

	ifFilter *complexOnePole
	mixPhase float64
	prev     complex64

	freqDev    float64
	audioLP    *onePole
	ifLevel    float64
	basebandLv float64

	resampleRatio float64
	resamplePos   float64
	havePrevPCM   bool
	prevSample    float64
}

// NewNarrowband constructs a decoder for VHF/GMRS reception, the same
// chain as BroadcastFM minus stereo.
func NewNarrowband(sampleRate, tuningOffset, freqDev, bandwidthIF, bandwidthAudio float64, pcmRate int) *Narrowband {
	downsampled := sampleRate / float64(downsampleFactor(sampleRate))
	return &Narrowband{
		sampleRate:    sampleRate,
		tuningOffset:  tuningOffset,
		downsample:    downsampleFactor(sampleRate),
		ifFilter:      newComplexOnePole(bandwidthIF, sampleRate),
		freqDev:       freqDev,
		audioLP:       newOnePole(bandwidthAudio, downsampled),
		resampleRatio: downsampled / float64(pcmRate),
	}
}

// Process demodulates one block of IQ samples into mono PCM samples.
func (d *Narrowband) Process(in []complex64, out *[]float64) {
	if cap(*out) < len(in) {
		*out = make([]float64, 0, len(in))
	}
	*out = (*out)[:0]

	var ifSum, basebandSum float64
	count := 0

	for n, x := range in {
		ifSum += float64(cmplx.Abs(complex128(x)))

		lo := cmplx.Exp(complex(0, -2*math.Pi*d.tuningOffset*float64(n)/d.sampleRate+d.mixPhase))
		mixed := complex64(complex128(x) * lo)
		filtered := d.ifFilter.step(mixed)

		if n%d.downsample != 0 {
			continue
		}
		count++
		basebandSum += float64(cmplx.Abs(complex128(filtered)))

		diff := complex128(filtered) * cmplx.Conj(complex128(d.prev))
		d.prev = filtered
		deviation := cmplx.Phase(diff) * (d.sampleRate / float64(d.downsample)) / (2 * math.Pi)
		audio := d.audioLP.step(deviation / d.freqDev)

		if !d.havePrevPCM {
			d.prevSample = audio
			d.havePrevPCM = true
		}
		for d.resamplePos <= 1 {
			frac := d.resamplePos
			*out = append(*out, d.prevSample+(audio-d.prevSample)*frac)
			d.resamplePos += d.resampleRatio
		}
		d.resamplePos -= 1
		d.prevSample = audio
	}

	if count > 0 {
		d.ifLevel = ifSum / float64(len(in))
		d.basebandLv = basebandSum / float64(count)
	}
	d.mixPhase = math.Mod(d.mixPhase-2*math.Pi*d.tuningOffset*float64(len(in))/d.sampleRate, 2*math.Pi)
}

func (d *Narrowband) IFLevel() float64       { return d.ifLevel }
func (d *Narrowband) BasebandLevel() float64 { return d.basebandLv }

var (
	_ Decoder = (*BroadcastFM)(nil)
	_ Decoder = (*Narrowband)(nil)
)
