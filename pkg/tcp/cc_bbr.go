package tcp

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// bbrStartupGain/bbrDrainGain/bbrProbeRTTGain are the fixed pacing gains
// from spec.md 4.8; bbrProbeBWCycle is the 8-phase ProbeBW gain cycle.
const (
	bbrStartupGain  = 2.89
	bbrDrainGain    = 1 / 2.89
	bbrProbeRTTGain = 1.0
)

var bbrProbeBWCycle = [8]float64{5.0 / 4, 3.0 / 4, 1, 1, 1, 1, 1, 1}

// bbrProbeRTTEveryRounds forces a brief ProbeRTT phase periodically so
// MinRTT doesn't latch onto a stale, congested sample forever.
const bbrProbeRTTEveryRounds = 100

// bbrPacer rate-limits segment transmission to BBR's target pacing rate,
// using golang.org/x/time/rate the way the wider Go ecosystem paces
// bursty senders.
type bbrPacer struct {
	limiter *rate.Limiter
}

func newBBRPacer() *bbrPacer {
	return &bbrPacer{limiter: rate.NewLimiter(rate.Inf, 1)}
}

// setRate updates the pacing rate to bytesPerSecond, keeping a two-segment
// burst allowance.
func (p *bbrPacer) setRate(bytesPerSecond float64, mss int) {
	if bytesPerSecond <= 0 {
		p.limiter.SetLimit(rate.Inf)
		return
	}
	p.limiter.SetLimit(rate.Limit(bytesPerSecond))
	p.limiter.SetBurst(mss * 2)
}

// allow reports whether n bytes may be sent now under the current pacing
// rate.
func (p *bbrPacer) allow(n int) bool {
	return p.limiter.AllowN(time.Now(), n)
}

// bbrCC implements spec.md 4.8's BBR: min_rtt over a long window, max
// bandwidth over recent round trips, and a Startup/Drain/ProbeBW/ProbeRTT
// mode cycle driving both cwnd (≈ 2·BDP) and the pacer.
type bbrCC struct{}

func (bbrCC) init(cc *ccState, mss float64) {
	cc.Cwnd = initialCwndSegments * mss
	cc.Ssthresh = math.MaxFloat64 // BBR does not use slow-start/ssthresh
	cc.MinRTT = math.MaxFloat64
	cc.MaxBW = 0
	cc.Mode = bbrStartup
	cc.BtlBwCycle = bbrProbeBWCycle
	cc.pacer = newBBRPacer()
}

func (bbrCC) gain(cc *ccState) float64 {
	switch cc.Mode {
	case bbrStartup:
		return bbrStartupGain
	case bbrDrain:
		return bbrDrainGain
	case bbrProbeRTT:
		return bbrProbeRTTGain
	default:
		return cc.BtlBwCycle[cc.RoundCount%len(cc.BtlBwCycle)]
	}
}

func (b bbrCC) onAck(cc *ccState, ackedBytes int, mss float64, now uint64) {
	cc.RoundCount++

	switch cc.Mode {
	case bbrStartup:
		// Startup ends once the bandwidth estimate stops growing
		// meaningfully; approximated here as a fixed round budget.
		if cc.RoundCount >= 3 {
			cc.Mode = bbrDrain
		}
	case bbrDrain:
		if cc.Cwnd <= cc.MaxBW*cc.MinRTT {
			cc.Mode = bbrProbeBW
		}
	case bbrProbeRTT:
		cc.Mode = bbrProbeBW
	default:
		if cc.RoundCount%bbrProbeRTTEveryRounds == 0 {
			cc.Mode = bbrProbeRTT
		}
	}

	b.applyTarget(cc, mss)
}

func (b bbrCC) applyTarget(cc *ccState, mss float64) {
	bdp := cc.MaxBW * cc.MinRTT
	if bdp <= 0 {
		bdp = initialCwndSegments * mss
	}
	gain := b.gain(cc)
	target := 2 * bdp
	if target < 4*mss {
		target = 4 * mss
	}
	cc.Cwnd = target

	if cc.pacer != nil {
		cc.pacer.setRate(gain*cc.MaxBW*tickRate, int(mss))
	}
}

func (bbrCC) onTripleDupAck(cc *ccState, mss float64, sndNxt uint32, now uint64) {
	// BBR is not loss-based: a dup-ACK burst alone does not cut cwnd, per
	// spec.md 4.8's description of BBR as bandwidth/RTT driven rather
	// than loss-driven.
}

func (bbrCC) onPartialAck(*ccState, int, float64) {}

func (b bbrCC) onRTOTimeout(cc *ccState, mss float64, now uint64) {
	cc.Mode = bbrStartup
	cc.RoundCount = 0
	b.applyTarget(cc, mss)
}

func (b bbrCC) onRTTSample(cc *ccState, rttTicks float64, now uint64, mss float64) {
	if rttTicks <= 0 {
		return
	}
	if rttTicks < cc.MinRTT {
		cc.MinRTT = rttTicks
	}
	bw := cc.Cwnd / rttTicks // bytes/tick delivery-rate estimate
	if bw > cc.MaxBW {
		cc.MaxBW = bw
	}
	b.applyTarget(cc, mss)
}
