package link

import (
	"testing"

	"github.com/kaihe/kstack/pkg/device"
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

func newTestDevice(t *testing.T, r *device.Registry, name string, addr Addr) (*device.Device, *fakeDriver) {
	t.Helper()
	drv := &fakeDriver{}
	dev := &device.Device{
		Name:      name,
		MTU:       1500,
		Addr:      addr.HardwareAddr(),
		Broadcast: Broadcast.HardwareAddr(),
		Driver:    drv,
	}
	_, err := r.Register(dev)
	require.NoError(t, err)
	require.NoError(t, r.Open(dev))
	return dev, drv
}

func TestSend_PrependsHeaderAndTransmits(t *testing.T) {
	r := device.NewRegistry()
	l := New(r)
	dev, drv := newTestDevice(t, r, "eth0", Addr{1, 2, 3, 4, 5, 6})

	pb, err := pbuf.Alloc(64, HeaderLen, pbuf.PriorityNormal)
	require.NoError(t, err)
	copy(pb.PutTail(4), []byte("ping"))

	dst := Addr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	verdict, err := l.Send(dev, dst, EtherTypeIP, pb)
	require.NoError(t, err)
	assert.Equal(t, device.Ok, verdict)

	require.Len(t, drv.sent, 1)
	frame := drv.sent[0].Bytes()
	gotDst, gotSrc, gotType := decodeHeader(frame)
	assert.Equal(t, dst, gotDst)
	assert.Equal(t, Addr{1, 2, 3, 4, 5, 6}, gotSrc)
	assert.Equal(t, EtherTypeIP, gotType)
	assert.Equal(t, []byte("ping"), frame[HeaderLen:])
}

func TestSend_NoHeadroomFails(t *testing.T) {
	r := device.NewRegistry()
	l := New(r)
	dev, _ := newTestDevice(t, r, "eth0", Addr{1, 2, 3, 4, 5, 6})

	pb, err := pbuf.Alloc(64, 0, pbuf.PriorityNormal)
	require.NoError(t, err)

	_, err = l.Send(dev, Broadcast, EtherTypeARP, pb)
	assert.ErrorIs(t, err, ErrNoHeadroom)
}

func buildFrame(t *testing.T, dst, src Addr, ethertype uint16, payload []byte) *pbuf.Buffer {
	t.Helper()
	pb, err := pbuf.Alloc(len(payload), HeaderLen, pbuf.PriorityNormal)
	require.NoError(t, err)
	hdr := pb.PushHead(HeaderLen)
	encodeHeader(hdr, dst, src, ethertype)
	copy(pb.PutTail(len(payload)), payload)
	return pb
}

func TestRX_UnicastDispatchesToRegisteredProtocol(t *testing.T) {
	r := device.NewRegistry()
	l := New(r)
	addr := Addr{1, 2, 3, 4, 5, 6}
	dev, _ := newTestDevice(t, r, "eth0", addr)

	var gotPayload []byte
	err := l.RegisterProtocol(EtherTypeIP, func(pb *pbuf.Buffer, dev *device.Device) bool {
		gotPayload = append([]byte(nil), pb.Bytes()...)
		pb.Free()
		return true
	})
	require.NoError(t, err)

	pb := buildFrame(t, addr, Addr{9, 9, 9, 9, 9, 9}, EtherTypeIP, []byte("payload"))
	r.RX(pb, dev)

	assert.Equal(t, []byte("payload"), gotPayload)
}

func TestRX_BroadcastClassifiedAndDispatched(t *testing.T) {
	r := device.NewRegistry()
	l := New(r)
	addr := Addr{1, 2, 3, 4, 5, 6}
	dev, _ := newTestDevice(t, r, "eth0", addr)

	var gotType pbuf.PacketType
	err := l.RegisterProtocol(EtherTypeARP, func(pb *pbuf.Buffer, dev *device.Device) bool {
		gotType = pb.PktType
		pb.Free()
		return true
	})
	require.NoError(t, err)

	pb := buildFrame(t, Broadcast, Addr{9, 9, 9, 9, 9, 9}, EtherTypeARP, []byte("who-has"))
	r.RX(pb, dev)

	assert.Equal(t, pbuf.Broadcast, gotType)
}

func TestRX_WrongUnicastDestIsFiltered(t *testing.T) {
	r := device.NewRegistry()
	l := New(r)
	addr := Addr{1, 2, 3, 4, 5, 6}
	dev, _ := newTestDevice(t, r, "eth0", addr)

	called := false
	err := l.RegisterProtocol(EtherTypeIP, func(pb *pbuf.Buffer, dev *device.Device) bool {
		called = true
		pb.Free()
		return true
	})
	require.NoError(t, err)

	other := Addr{7, 7, 7, 7, 7, 7}
	pb := buildFrame(t, other, Addr{9, 9, 9, 9, 9, 9}, EtherTypeIP, []byte("nope"))
	r.RX(pb, dev)

	assert.False(t, called)
	assert.Equal(t, uint64(1), l.Stats.RxFiltered.Load())
	assert.Equal(t, uint64(1), dev.Stats.RxDropped.Load())
}

func TestRX_UnknownEtherTypeCountedAndFreed(t *testing.T) {
	r := device.NewRegistry()
	l := New(r)
	addr := Addr{1, 2, 3, 4, 5, 6}
	dev, _ := newTestDevice(t, r, "eth0", addr)

	pb := buildFrame(t, addr, Addr{9, 9, 9, 9, 9, 9}, 0x1234, []byte("x"))
	r.RX(pb, dev)

	assert.Equal(t, uint64(1), l.Stats.RxUnknownEtherType.Load())
	assert.Equal(t, uint64(0), dev.Stats.RxDropped.Load())
}

func TestRX_ShortFrameCounted(t *testing.T) {
	r := device.NewRegistry()
	l := New(r)
	addr := Addr{1, 2, 3, 4, 5, 6}
	dev, _ := newTestDevice(t, r, "eth0", addr)

	pb, err := pbuf.Alloc(4, 0, pbuf.PriorityNormal)
	require.NoError(t, err)
	pb.PutTail(4)
	r.RX(pb, dev)

	assert.Equal(t, uint64(1), l.Stats.RxShort.Load())
	assert.Equal(t, uint64(1), dev.Stats.RxDropped.Load())
}

func TestRegisterProtocol_DuplicateRejected(t *testing.T) {
	r := device.NewRegistry()
	l := New(r)

	noop := func(pb *pbuf.Buffer, dev *device.Device) bool { pb.Free(); return true }
	require.NoError(t, l.RegisterProtocol(EtherTypeIP, noop))
	assert.ErrorIs(t, l.RegisterProtocol(EtherTypeIP, noop), ErrProtocolTaken)
}
