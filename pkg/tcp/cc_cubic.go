package tcp

import (
	"math"

	"github.com/kaihe/kstack/pkg/tick"
)

// tickRate converts tick counts to seconds for CUBIC's and BBR's
// second-denominated formulas.
const tickRate = float64(tick.Rate)

// cubicConst is the window-growth-aggressiveness constant from the CUBIC
// RFC 8312 default profile.
const cubicConst = 0.4

// cubicBeta is the multiplicative-decrease factor spec.md 4.8 specifies for
// this stack (0.7, the same value as RFC 8312's default, called out
// explicitly so it isn't mistaken for Reno's 0.5).
const cubicBeta = 0.7

// cubicCC implements spec.md 4.8's CUBIC: W(t) = C(t-K)^3 + Wmax, falling
// back to Reno-equivalent growth below ssthresh (slow start) so CUBIC never
// grows slower than Reno ("TCP-friendliness").
type cubicCC struct{}

func (cubicCC) init(cc *ccState, mss float64) {
	cc.Cwnd = initialCwndSegments * mss
	cc.Ssthresh = 64 * 1024
	cc.WMax = cc.Cwnd
}

func (cubicCC) onAck(cc *ccState, ackedBytes int, mss float64, now uint64) {
	if cc.Cwnd < cc.Ssthresh {
		cc.Cwnd += float64(ackedBytes)
		return
	}

	t := float64(now-cc.EpochStart) / tickRate // seconds since last loss
	target := cubicConst*math.Pow(t-cc.K, 3) + cc.WMax
	renoTarget := cc.OriginPoint + float64(ackedBytes) // TCP-friendly floor

	if target < renoTarget {
		target = renoTarget
	}
	if target > cc.Cwnd {
		cc.Cwnd = target
	} else {
		cc.Cwnd += mss * mss / cc.Cwnd
	}
}

func (cubicCC) onTripleDupAck(cc *ccState, mss float64, sndNxt uint32, now uint64) {
	cc.WMax = cc.Cwnd
	cc.Cwnd *= cubicBeta
	if cc.Cwnd < 2*mss {
		cc.Cwnd = 2 * mss
	}
	cc.Ssthresh = cc.Cwnd
	cc.OriginPoint = cc.Cwnd
	cc.K = math.Cbrt(cc.WMax * (1 - cubicBeta) / cubicConst)
	cc.EpochStart = now
	cc.Recover = sndNxt
}

func (cubicCC) onPartialAck(*ccState, int, float64) {}

func (c cubicCC) onRTOTimeout(cc *ccState, mss float64, now uint64) {
	cc.WMax = cc.Cwnd
	cc.Ssthresh = cc.Cwnd / 2
	if floor := 2 * mss; cc.Ssthresh < floor {
		cc.Ssthresh = floor
	}
	cc.Cwnd = mss
	cc.EpochStart = now
	cc.OriginPoint = cc.Cwnd
	cc.K = math.Cbrt(cc.WMax * (1 - cubicBeta) / cubicConst)
}

func (cubicCC) onRTTSample(*ccState, float64, uint64, float64) {}
