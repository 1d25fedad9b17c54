package tcp

import (
	"net/netip"
	"testing"

	"github.com/kaihe/kstack/pkg/arp"
	"github.com/kaihe/kstack/pkg/device"
	"github.com/kaihe/kstack/pkg/ip"
	"github.com/kaihe/kstack/pkg/link"
	"github.com/kaihe/kstack/pkg/pbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	sent []*pbuf.Buffer
}

func (f *fakeDriver) Open(*device.Device) error { return nil }
func (f *fakeDriver) Stop(*device.Device) error { return nil }
func (f *fakeDriver) SetRxMode(*device.Device)  {}
func (f *fakeDriver) GetStats(dev *device.Device) device.Snapshot {
	return dev.Stats.Snapshot()
}
func (f *fakeDriver) StartXmit(pb *pbuf.Buffer, dev *device.Device) (device.Verdict, error) {
	f.sent = append(f.sent, pb)
	return device.Ok, nil
}

func newHarness(t *testing.T) (*Stack, *fakeDriver, netip.Addr, netip.Addr) {
	t.Helper()
	r := device.NewRegistry()
	l := link.New(r)
	drv := &fakeDriver{}
	mac := link.Addr{1, 2, 3, 4, 5, 6}
	dev := &device.Device{
		Name: "eth0", MTU: 1500,
		Addr: mac.HardwareAddr(), Broadcast: link.Broadcast.HardwareAddr(),
		Driver: drv,
	}
	_, err := r.Register(dev)
	require.NoError(t, err)
	require.NoError(t, r.Open(dev))

	var ipLayer *ip.IP
	a := arp.New(l, r, func(d *device.Device) (netip.Addr, bool) { return ipLayer.AddrOf(d) })
	ipLayer = ip.New(l, a, r)

	local := netip.MustParsePrefix("192.168.1.1/24")
	ipLayer.SetAddr(dev, local)
	peer := local.Addr().Next()
	a.Cache.Add(peer, link.Addr{9, 9, 9, 9, 9, 9}, dev, true, 0)

	return New(ipLayer), drv, local.Addr(), peer
}

func lastFramePayload(drv *fakeDriver) []byte {
	frame := drv.sent[len(drv.sent)-1].Bytes()
	return frame[link.HeaderLen+ip.MinHeaderLen:]
}

func lastSegment(t *testing.T, drv *fakeDriver) header {
	t.Helper()
	h, err := decodeHeader(lastFramePayload(drv))
	require.NoError(t, err)
	return h
}

// inject builds a raw segment from src to dst and feeds it directly to the
// stack's RX handler, computing a valid checksum the way a real peer would.
func inject(t *testing.T, stack *Stack, src, dst netip.Addr, srcPort, dstPort uint16, seq, ack uint32, flags Flag, window uint16, payload []byte) {
	t.Helper()
	h := header{SrcPort: srcPort, DstPort: dstPort, Seq: seq, Ack: ack, Flags: flags, Window: window}
	buf := make([]byte, h.wireLen()+len(payload))
	h.encode(buf)
	copy(buf[h.wireLen():], payload)
	cs := checksum(src, dst, buf)
	buf[16], buf[17] = byte(cs>>8), byte(cs)

	pb, err := pbuf.Alloc(len(buf), 0, pbuf.PriorityNormal)
	require.NoError(t, err)
	copy(pb.PutTail(len(buf)), buf)
	stack.rx(pb, src, dst)
}

func TestConnect_SendsSYN(t *testing.T) {
	stack, drv, local, peer := newHarness(t)
	sk, err := stack.Connect(local, peer, 80, Reno)
	require.NoError(t, err)
	require.Len(t, drv.sent, 1)

	h := lastSegment(t, drv)
	assert.True(t, h.Flags.has(FlagSYN))
	assert.Equal(t, sk.iss, h.Seq)
	assert.Equal(t, StateSynSent, sk.state)
}

func TestConnect_HandshakeReachesEstablished(t *testing.T) {
	stack, drv, local, peer := newHarness(t)
	sk, err := stack.Connect(local, peer, 80, Reno)
	require.NoError(t, err)
	iss := sk.iss

	serverISN := uint32(5000)
	inject(t, stack, peer, local, 80, sk.LocalPort, serverISN, iss+1, FlagSYN|FlagACK, 65535, nil)

	assert.Equal(t, StateEstablished, sk.State())
	require.Len(t, drv.sent, 2)
	h := lastSegment(t, drv)
	assert.True(t, h.Flags.has(FlagACK))
	assert.Equal(t, serverISN+1, h.Ack)
}

func TestOnStateChange_FiresOnHandshakeCompletion(t *testing.T) {
	stack, _, local, peer := newHarness(t)

	var transitions []string
	stack.OnStateChange(func(sk *Socket, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	sk, err := stack.Connect(local, peer, 80, Reno)
	require.NoError(t, err)
	inject(t, stack, peer, local, 80, sk.LocalPort, 5000, sk.iss+1, FlagSYN|FlagACK, 65535, nil)

	assert.Equal(t, []string{"SYN_SENT->ESTABLISHED"}, transitions)
}

func TestListen_ThreeWayHandshakeAndAccept(t *testing.T) {
	stack, drv, local, peer := newHarness(t)
	listener, err := stack.Listen(local, 80, 4, Reno)
	require.NoError(t, err)

	clientISN := uint32(1000)
	inject(t, stack, peer, local, 4242, 80, clientISN, 0, FlagSYN, 65535, nil)

	require.Len(t, drv.sent, 1)
	synAck := lastSegment(t, drv)
	assert.True(t, synAck.Flags.has(FlagSYN))
	assert.True(t, synAck.Flags.has(FlagACK))
	assert.Equal(t, clientISN+1, synAck.Ack)

	_, ok := stack.Accept(listener)
	assert.False(t, ok, "accept queue must stay empty until the final ACK arrives")

	inject(t, stack, peer, local, 4242, 80, clientISN+1, synAck.Seq+1, FlagACK, 65535, nil)

	child, ok := stack.Accept(listener)
	require.True(t, ok)
	assert.Equal(t, StateEstablished, child.State())
}

func TestListen_BacklogFullDropsNewSyn(t *testing.T) {
	stack, drv, local, peer := newHarness(t)
	_, err := stack.Listen(local, 80, 1, Reno)
	require.NoError(t, err)

	inject(t, stack, peer, local, 4242, 80, 1000, 0, FlagSYN, 65535, nil)
	require.Len(t, drv.sent, 1)

	inject(t, stack, peer, local, 4343, 80, 2000, 0, FlagSYN, 65535, nil)
	assert.Len(t, drv.sent, 1, "backlog is full, the second SYN gets no SYN-ACK")
	assert.Equal(t, uint64(1), stack.Stats.RxNoSocket.Load())
}

func TestSend_TransmitsAndRetransmitQueueClearsOnAck(t *testing.T) {
	stack, drv, local, peer := newHarness(t)
	sk, err := stack.Connect(local, peer, 80, Reno)
	require.NoError(t, err)
	iss := sk.iss
	serverISN := uint32(7000)
	inject(t, stack, peer, local, 80, sk.LocalPort, serverISN, iss+1, FlagSYN|FlagACK, 65535, nil)

	require.NoError(t, stack.Send(sk, []byte("hello")))
	require.Len(t, drv.sent, 3) // SYN, handshake ACK, data
	dataSeg := lastSegment(t, drv)
	assert.True(t, dataSeg.Flags.has(FlagPSH))
	assert.Equal(t, iss+1, dataSeg.Seq)

	sk.mu.Lock()
	require.Len(t, sk.retransQueue, 1)
	sk.mu.Unlock()

	inject(t, stack, peer, local, 80, sk.LocalPort, serverISN+1, iss+1+5, FlagACK, 65535, nil)

	sk.mu.Lock()
	defer sk.mu.Unlock()
	assert.Empty(t, sk.retransQueue)
	assert.Equal(t, iss+1+5, sk.sndUna)
}

func TestRX_InOrderDataDeliveredToRead(t *testing.T) {
	stack, _, local, peer := newHarness(t)
	sk, err := stack.Connect(local, peer, 80, Reno)
	require.NoError(t, err)
	iss := sk.iss
	serverISN := uint32(9000)
	inject(t, stack, peer, local, 80, sk.LocalPort, serverISN, iss+1, FlagSYN|FlagACK, 65535, nil)

	inject(t, stack, peer, local, 80, sk.LocalPort, serverISN+1, iss+1, FlagACK|FlagPSH, 65535, []byte("world"))

	buf := make([]byte, 16)
	n, eof := sk.Read(buf)
	assert.False(t, eof)
	assert.Equal(t, "world", string(buf[:n]))
}

func TestRX_OutOfOrderBufferedThenFlushed(t *testing.T) {
	stack, _, local, peer := newHarness(t)
	sk, err := stack.Connect(local, peer, 80, Reno)
	require.NoError(t, err)
	iss := sk.iss
	serverISN := uint32(1000)
	inject(t, stack, peer, local, 80, sk.LocalPort, serverISN, iss+1, FlagSYN|FlagACK, 65535, nil)

	// the second chunk arrives first
	inject(t, stack, peer, local, 80, sk.LocalPort, serverISN+1+5, iss+1, FlagACK, 65535, []byte("WORLD"))
	sk.mu.Lock()
	assert.Len(t, sk.ofo, 1)
	assert.Equal(t, serverISN+1, sk.rcvNxt)
	sk.mu.Unlock()

	// the first chunk fills the gap and the buffered tail is flushed
	inject(t, stack, peer, local, 80, sk.LocalPort, serverISN+1, iss+1, FlagACK, 65535, []byte("hello"))

	buf := make([]byte, 32)
	n, _ := sk.Read(buf)
	assert.Equal(t, "helloWORLD", string(buf[:n]))

	sk.mu.Lock()
	assert.Empty(t, sk.ofo)
	sk.mu.Unlock()
}

func TestTick_RetransmitsSYNOnTimeout(t *testing.T) {
	stack, drv, local, peer := newHarness(t)
	sk, err := stack.Connect(local, peer, 80, Reno)
	require.NoError(t, err)
	require.Len(t, drv.sent, 1)

	sk.mu.Lock()
	deadline := sk.retransDeadline
	sk.mu.Unlock()

	stack.Tick(deadline + 1)
	require.Len(t, drv.sent, 2)
	h := lastSegment(t, drv)
	assert.True(t, h.Flags.has(FlagSYN))
	assert.Equal(t, uint64(1), sk.Stats.Retransmits.Load())
}

func TestTick_GivesUpAfterMaxRetransAttempts(t *testing.T) {
	stack, drv, local, peer := newHarness(t)
	sk, err := stack.Connect(local, peer, 80, Reno)
	require.NoError(t, err)

	now := uint64(0)
	for i := 0; i < maxRetransAttempts+1; i++ {
		sk.mu.Lock()
		deadline := sk.retransDeadline
		sk.mu.Unlock()
		now = deadline + 1
		stack.Tick(now)
	}

	assert.Equal(t, StateClosed, sk.State())
	stack.mu.Lock()
	found := stack.findConn(sk.fourTuple())
	stack.mu.Unlock()
	assert.Nil(t, found)

	rst := lastSegment(t, drv)
	assert.True(t, rst.Flags.has(FlagRST), "give-up on retransmit exhaustion must send an RST")
	assert.Equal(t, uint64(1), stack.Stats.Resets.Load())
}

func TestClose_ActiveCloseTeardown(t *testing.T) {
	stack, drv, local, peer := newHarness(t)
	sk, err := stack.Connect(local, peer, 80, Reno)
	require.NoError(t, err)
	iss := sk.iss
	serverISN := uint32(2000)
	inject(t, stack, peer, local, 80, sk.LocalPort, serverISN, iss+1, FlagSYN|FlagACK, 65535, nil)

	stack.Close(sk)
	assert.Equal(t, StateFinWait1, sk.State())
	finSeg := lastSegment(t, drv)
	assert.True(t, finSeg.Flags.has(FlagFIN))

	// peer ACKs our FIN
	inject(t, stack, peer, local, 80, sk.LocalPort, serverISN+1, finSeg.Seq+1, FlagACK, 65535, nil)
	assert.Equal(t, StateFinWait2, sk.State())

	// peer sends its own FIN
	inject(t, stack, peer, local, 80, sk.LocalPort, serverISN+1, finSeg.Seq+1, FlagFIN|FlagACK, 65535, nil)
	assert.Equal(t, StateTimeWait, sk.State())

	sk.mu.Lock()
	deadline := sk.timewaitDeadline
	sk.mu.Unlock()
	stack.Tick(deadline + 1)

	stack.mu.Lock()
	found := stack.findConn(sk.fourTuple())
	stack.mu.Unlock()
	assert.Nil(t, found)
}

func TestClose_PassiveCloseTeardown(t *testing.T) {
	stack, _, local, peer := newHarness(t)
	sk, err := stack.Connect(local, peer, 80, Reno)
	require.NoError(t, err)
	iss := sk.iss
	serverISN := uint32(3000)
	inject(t, stack, peer, local, 80, sk.LocalPort, serverISN, iss+1, FlagSYN|FlagACK, 65535, nil)

	inject(t, stack, peer, local, 80, sk.LocalPort, serverISN+1, iss+1, FlagFIN|FlagACK, 65535, nil)
	assert.Equal(t, StateCloseWait, sk.State())

	stack.Close(sk)
	assert.Equal(t, StateLastAck, sk.State())

	sk.mu.Lock()
	finSeq := sk.finSeq
	sk.mu.Unlock()

	inject(t, stack, peer, local, 80, sk.LocalPort, serverISN+2, finSeq+1, FlagACK, 65535, nil)

	stack.mu.Lock()
	found := stack.findConn(sk.fourTuple())
	stack.mu.Unlock()
	assert.Nil(t, found)
}

func TestPushData_BBRPacerHoldsBackSegmentsPastBudget(t *testing.T) {
	stack, drv, local, peer := newHarness(t)
	sk, err := stack.Connect(local, peer, 80, BBR)
	require.NoError(t, err)
	iss := sk.iss
	inject(t, stack, peer, local, 80, sk.LocalPort, 4000, iss+1, FlagSYN|FlagACK, 65535, nil)
	require.Len(t, drv.sent, 2) // SYN, handshake ACK
	require.Equal(t, StateEstablished, sk.State())

	sk.mu.Lock()
	require.NotNil(t, sk.cc.pacer, "a BBR socket must carry a pacer")
	sk.cc.pacer.setRate(1, int(sk.mss)) // near-zero rate drains the burst to a token or two
	sk.mu.Unlock()

	require.NoError(t, stack.Send(sk, []byte("hello")))
	assert.Len(t, drv.sent, 2, "pushData must hold data back once the pacer denies it")

	sk.mu.Lock()
	defer sk.mu.Unlock()
	assert.NotEmpty(t, sk.writeQueue, "unsent data stays queued for a later, allowed call")
}

func TestRenoCongestionControl_SlowStartGrowsCwndByAckedBytes(t *testing.T) {
	cc := newRenoCC{}
	var state ccState
	cc.init(&state, 536)
	before := state.Cwnd
	cc.onAck(&state, 536, 536, 0)
	assert.Equal(t, before+536, state.Cwnd)
}

func TestRenoCongestionControl_TripleDupAckHalvesWindow(t *testing.T) {
	cc := newRenoCC{}
	state := ccState{Cwnd: 10000}
	cc.onTripleDupAck(&state, 536, 123, 0)
	assert.Equal(t, 5000.0, state.Ssthresh)
	assert.Equal(t, 5000.0+3*536, state.Cwnd)
	assert.Equal(t, uint32(123), state.Recover)
}

func TestNewRenoCongestionControl_PartialAckDeflatesCwnd(t *testing.T) {
	cc := newRenoCC{partial: true}
	state := ccState{Cwnd: 10000}
	cc.onPartialAck(&state, 1000, 536)
	assert.Equal(t, 9000.0, state.Cwnd)
}
