// Package tcp implements the 11-state RFC 793 TCP state machine: segment
// transmit/receive, retransmission with RFC 6298 RTT/RTO estimation,
// pluggable congestion control, and the listen backlog/accept queue
// (spec.md 4.8).
package tcp

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/kaihe/kstack/pkg/ip"
)

const (
	ephemeralLow  = 32768
	ephemeralHigh = 61000
)

// txHeadroom covers the Ethernet and IP headers prepended below pkg/tcp.
const txHeadroom = 14 + ip.MinHeaderLen

// DefaultMSS is used when a peer's SYN carries no MSS option.
const DefaultMSS = 536

// Stats are stack-wide TCP counters (spec.md 7).
type Stats struct {
	RxMalformed   atomic.Uint64
	RxChecksumErr atomic.Uint64
	RxNoSocket    atomic.Uint64
	ActiveOpens   atomic.Uint64
	PassiveOpens  atomic.Uint64
	Resets        atomic.Uint64
	Retransmits   atomic.Uint64
}

// StateChangeFunc observes a socket's state transition, for diagnostics
// surfaces the host wires in (spec.md 6 external interfaces).
type StateChangeFunc func(sk *Socket, from, to State)

// RetransmitFunc observes a single retransmission.
type RetransmitFunc func(sk *Socket, seq uint32, tries int)

// Stack is the TCP protocol handler, wired onto an ip.IP.
type Stack struct {
	ip *ip.IP

	mu        sync.Mutex
	listenTbl map[uint8][]*Socket  // local_port mod 256
	connTbl   map[uint16][]*Socket // xor(addr,port) mod 1024, keyed by fourTuple equality within bucket
	nextEphem uint16

	isnSecret uint32
	isnCtr    atomic.Uint32
	now       atomic.Uint64

	onStateChange StateChangeFunc
	onRetransmit  RetransmitFunc

	Stats Stats
}

// OnStateChange installs fn as the socket state-transition observer.
func (t *Stack) OnStateChange(fn StateChangeFunc) { t.onStateChange = fn }

// OnRetransmit installs fn as the retransmission observer.
func (t *Stack) OnRetransmit(fn RetransmitFunc) { t.onRetransmit = fn }

// Conns returns every connected (non-listening) socket, for diagnostics
// surfaces that want per-connection detail like RTT alongside the
// stack-wide Stats counters.
func (t *Stack) Conns() []*Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	var conns []*Socket
	for _, bucket := range t.connTbl {
		conns = append(conns, bucket...)
	}
	return conns
}

func (t *Stack) notifyState(sk *Socket, from, to State) {
	if t.onStateChange != nil && from != to {
		t.onStateChange(sk, from, to)
	}
}

// New constructs a TCP stack and registers it for ip.ProtoTCP.
func New(ipLayer *ip.IP) *Stack {
	t := &Stack{
		ip:        ipLayer,
		listenTbl: make(map[uint8][]*Socket),
		connTbl:   make(map[uint16][]*Socket),
		nextEphem: ephemeralLow,
		isnSecret: 0x9e3779b9, // arbitrary fixed constant; spec.md 4.8 notes ISN need not be crypto-safe in v1
	}
	ipLayer.RegisterProtocol(ip.ProtoTCP, t.rx)
	return t
}

// Tick advances the clock and sweeps every socket's timers (spec.md 4.9).
func (t *Stack) Tick(now uint64) {
	t.now.Store(now)

	t.mu.Lock()
	var all []*Socket
	for _, bucket := range t.connTbl {
		all = append(all, bucket...)
	}
	t.mu.Unlock()

	for _, sk := range all {
		t.sweepSocket(sk, now)
	}
}

// effectiveMSS returns sk.mss, falling back to DefaultMSS for a socket that
// never completed a handshake carrying an MSS option.
func effectiveMSS(sk *Socket) float64 {
	if sk.mss == 0 {
		return DefaultMSS
	}
	return float64(sk.mss)
}

func listenHash(port uint16) uint8 { return uint8(port) }

func connHash(ft fourTuple) uint16 {
	la := ft.LocalAddr.As4()
	ra := ft.RemoteAddr.As4()
	h := binary.BigEndian.Uint32(la[:]) ^ binary.BigEndian.Uint32(ra[:])
	h ^= uint32(ft.LocalPort)<<16 | uint32(ft.RemotePort)
	return uint16(h % 1024)
}

func (t *Stack) addConn(sk *Socket) {
	h := connHash(sk.fourTuple())
	t.connTbl[h] = append(t.connTbl[h], sk)
}

func (t *Stack) removeConn(sk *Socket) {
	h := connHash(sk.fourTuple())
	bucket := t.connTbl[h]
	for i, other := range bucket {
		if other == sk {
			t.connTbl[h] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

func (t *Stack) findConn(ft fourTuple) *Socket {
	for _, sk := range t.connTbl[connHash(ft)] {
		if sk.fourTuple() == ft {
			return sk
		}
	}
	return nil
}

// findListener looks up a Listen socket by local port, preferring an exact
// local-address match over a wildcard one (spec.md 4.8 "Listen lookup
// accepts wildcard local_ip").
func (t *Stack) findListener(localAddr netip.Addr, localPort uint16) *Socket {
	var wildcard *Socket
	for _, sk := range t.listenTbl[listenHash(localPort)] {
		if sk.LocalPort != localPort {
			continue
		}
		if sk.LocalAddr == localAddr {
			return sk
		}
		if !sk.LocalAddr.IsValid() {
			wildcard = sk
		}
	}
	return wildcard
}

func (t *Stack) genISN(ft fourTuple) uint32 {
	now := uint32(t.now.Load())
	addrMix := binary.BigEndian.Uint32(ft.LocalAddr.As4()[:]) ^ binary.BigEndian.Uint32(ft.RemoteAddr.As4()[:])
	portMix := uint32(ft.LocalPort)<<16 | uint32(ft.RemotePort)
	return now ^ t.isnSecret ^ addrMix ^ portMix ^ t.isnCtr.Add(1)
}

// Listen creates a Listen-state socket bound to localAddr:localPort with
// the given accept backlog. algo is the congestion control algorithm
// inherited by every connection this listener accepts (spec.md 4.8
// "Closed -> Listen on listen").
func (t *Stack) Listen(localAddr netip.Addr, localPort uint16, backlog int, algo Algorithm) (*Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing := t.findListener(localAddr, localPort); existing != nil {
		return nil, ErrAddrInUse
	}

	sk := newSocket()
	sk.LocalAddr = localAddr
	sk.LocalPort = localPort
	sk.algo = algo
	sk.state = StateListen
	sk.listening = true
	sk.backlogMax = backlog
	sk.synQueue = make(map[fourTuple]*Socket)

	h := listenHash(localPort)
	t.listenTbl[h] = append(t.listenTbl[h], sk)
	return sk, nil
}

// Accept dequeues the oldest fully-established connection from listener's
// accept queue, FIFO (spec.md 4.8).
func (t *Stack) Accept(listener *Socket) (*Socket, bool) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.acceptQueue) == 0 {
		return nil, false
	}
	sk := listener.acceptQueue[0]
	listener.acceptQueue = listener.acceptQueue[1:]
	return sk, true
}

func (t *Stack) allocEphemeralLocked(localAddr netip.Addr, remote fourTuple) (uint16, error) {
	span := uint16(ephemeralHigh - ephemeralLow)
	for i := uint16(0); i < span; i++ {
		port := ephemeralLow + (t.nextEphem-ephemeralLow+i)%span
		ft := remote
		ft.LocalAddr = localAddr
		ft.LocalPort = port
		if t.findConn(ft) == nil {
			t.nextEphem = port + 1
			if t.nextEphem >= ephemeralHigh {
				t.nextEphem = ephemeralLow
			}
			return port, nil
		}
	}
	return 0, ErrNoFreePort
}

// Connect actively opens a connection to dst:dstPort, sending the initial
// SYN (spec.md 4.8 "Closed -> SynSent on connect").
func (t *Stack) Connect(localAddr netip.Addr, dst netip.Addr, dstPort uint16, algo Algorithm) (*Socket, error) {
	t.mu.Lock()

	localPort, err := t.allocEphemeralLocked(localAddr, fourTuple{RemoteAddr: dst, RemotePort: dstPort})
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}

	sk := newSocket()
	sk.LocalAddr = localAddr
	sk.LocalPort = localPort
	sk.RemoteAddr = dst
	sk.RemotePort = dstPort
	sk.algo = algo
	sk.ccImpl = newCongestionControl(algo)
	sk.mss = DefaultMSS
	sk.ccImpl.init(&sk.cc, float64(sk.mss))
	sk.rcvWnd = 65535

	iss := t.genISN(sk.fourTuple())
	sk.iss = iss
	sk.sndUna = iss
	sk.sndNxt = iss + 1
	sk.state = StateSynSent

	t.addConn(sk)
	t.Stats.ActiveOpens.Add(1)
	t.mu.Unlock()

	now := t.now.Load()
	sk.enqueueRetrans(iss, nil, FlagSYN, now)
	sk.armRetransTimer(now)
	t.transmit(sk, iss, 0, FlagSYN, nil)
	return sk, nil
}

// Send queues data for transmission on an Established/CloseWait socket
// and attempts to push it immediately within the send/congestion window.
func (t *Stack) Send(sk *Socket, data []byte) error {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	if sk.state != StateEstablished && sk.state != StateCloseWait {
		return ErrNotConnected
	}
	sk.Write(data)
	t.pushData(sk)
	return nil
}

// Close initiates the active-close FIN sequence from Established or
// CloseWait (spec.md 4.8).
func (t *Stack) Close(sk *Socket) {
	sk.mu.Lock()
	defer sk.mu.Unlock()

	from := sk.state
	switch sk.state {
	case StateEstablished:
		sk.state = StateFinWait1
	case StateCloseWait:
		sk.state = StateLastAck
	default:
		return
	}
	t.notifyState(sk, from, sk.state)

	now := t.now.Load()
	finSeq := sk.sndNxt
	sk.sndNxt++
	sk.finSeq = finSeq
	sk.finSent = true
	sk.enqueueRetrans(finSeq, nil, FlagFIN|FlagACK, now)
	if sk.retransDeadline == 0 {
		sk.armRetransTimer(now)
	}
	t.transmit(sk, finSeq, sk.rcvNxt, FlagFIN|FlagACK, nil)
}

func (t *Stack) destroy(sk *Socket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sk.closed = true
	if sk.listening {
		h := listenHash(sk.LocalPort)
		bucket := t.listenTbl[h]
		for i, other := range bucket {
			if other == sk {
				t.listenTbl[h] = append(bucket[:i], bucket[i+1:]...)
				break
			}
		}
		return
	}
	t.removeConn(sk)
}
