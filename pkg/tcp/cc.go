package tcp

// Algorithm selects the pluggable congestion-control strategy for a
// connection (spec.md 4.8).
type Algorithm uint8

const (
	Reno Algorithm = iota
	NewReno
	Cubic
	BBR
)

func (a Algorithm) String() string {
	switch a {
	case Reno:
		return "reno"
	case NewReno:
		return "newreno"
	case Cubic:
		return "cubic"
	case BBR:
		return "bbr"
	default:
		return "unknown"
	}
}

// BBR mode names, per spec.md 4.8.
const (
	bbrStartup = iota
	bbrDrain
	bbrProbeBW
	bbrProbeRTT
)

// ccState is the shared congestion-control state block every algorithm
// reads and writes; spec.md 4.8 describes the four algorithms as sharing
// one state block with algorithm-specific sub-fields, which this models
// directly rather than through per-algorithm struct embedding.
type ccState struct {
	Cwnd     float64 // bytes
	Ssthresh float64 // bytes
	DupAcks  int
	Recover  uint32 // NewReno: snd_nxt at the start of Recovery

	// Cubic
	WMax        float64
	K           float64
	OriginPoint float64
	EpochStart  uint64 // tick of last loss

	// BBR
	MinRTT     float64 // ticks
	MaxBW      float64 // bytes/tick
	Mode       int
	RoundCount int
	BtlBwCycle [8]float64
	pacer      *bbrPacer
}

// congestionControl implements one pluggable strategy over ccState.
type congestionControl interface {
	init(cc *ccState, mss float64)
	onAck(cc *ccState, ackedBytes int, mss float64, now uint64)
	onTripleDupAck(cc *ccState, mss float64, sndNxt uint32, now uint64)
	onPartialAck(cc *ccState, ackedBytes int, mss float64)
	onRTOTimeout(cc *ccState, mss float64, now uint64)
	onRTTSample(cc *ccState, rttTicks float64, now uint64, mss float64)
}

// newCongestionControl resolves the strategy for algo.
func newCongestionControl(algo Algorithm) congestionControl {
	switch algo {
	case NewReno:
		return newRenoCC{partial: true}
	case Cubic:
		return cubicCC{}
	case BBR:
		return bbrCC{}
	default:
		return newRenoCC{partial: false}
	}
}
