package device

import (
	"testing"

	"github.com/kaihe/kstack/pkg/pbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	xmitVerdict Verdict
	sent        []*pbuf.Buffer
}

func (f *fakeDriver) Open(*Device) error            { return nil }
func (f *fakeDriver) Stop(*Device) error            { return nil }
func (f *fakeDriver) SetRxMode(*Device)             {}
func (f *fakeDriver) GetStats(dev *Device) Snapshot { return dev.Stats.Snapshot() }
func (f *fakeDriver) StartXmit(pb *pbuf.Buffer, dev *Device) (Verdict, error) {
	f.sent = append(f.sent, pb)
	if f.xmitVerdict != Ok {
		pb.Free()
	}
	return f.xmitVerdict, nil
}

func newTestDevice(name string) (*Device, *fakeDriver) {
	drv := &fakeDriver{xmitVerdict: Ok}
	return &Device{Name: name, MTU: 1500, Addr: HardwareAddr{1, 2, 3, 4, 5, 6}, Driver: drv}, drv
}

func TestRegister_AssignsMonotonicIndex(t *testing.T) {
	r := NewRegistry()
	d1, _ := newTestDevice("eth0")
	d2, _ := newTestDevice("eth1")

	ix1, err := r.Register(d1)
	require.NoError(t, err)
	ix2, err := r.Register(d2)
	require.NoError(t, err)
	assert.Less(t, ix1, ix2)
}

func TestRegister_DuplicateNameRejected(t *testing.T) {
	r := NewRegistry()
	d1, _ := newTestDevice("eth0")
	d2, _ := newTestDevice("eth0")

	_, err := r.Register(d1)
	require.NoError(t, err)
	_, err = r.Register(d2)
	assert.ErrorIs(t, err, ErrNameTaken)
}

func TestRegister_NameTooLong(t *testing.T) {
	r := NewRegistry()
	d, _ := newTestDevice("this-name-is-way-too-long")
	_, err := r.Register(d)
	assert.ErrorIs(t, err, ErrNameTooLong)
}

func TestXmit_DownDeviceDropsAndFrees(t *testing.T) {
	r := NewRegistry()
	d, _ := newTestDevice("eth0")
	r.Register(d)

	pb, err := pbuf.Alloc(64, 16, pbuf.PriorityNormal)
	require.NoError(t, err)

	verdict, err := r.Xmit(pb, d)
	assert.Equal(t, Dropped, verdict)
	assert.ErrorIs(t, err, ErrDeviceDown)
	assert.Equal(t, uint64(1), d.Stats.TxDropped.Load())
}

func TestXmit_UpDeviceDeliversAndCounts(t *testing.T) {
	r := NewRegistry()
	d, drv := newTestDevice("eth0")
	r.Register(d)
	require.NoError(t, r.Open(d))

	pb, err := pbuf.Alloc(64, 16, pbuf.PriorityNormal)
	require.NoError(t, err)
	pb.PutTail(40)

	verdict, err := r.Xmit(pb, d)
	require.NoError(t, err)
	assert.Equal(t, Ok, verdict)
	assert.Len(t, drv.sent, 1)
	assert.Equal(t, uint64(1), d.Stats.TxPackets.Load())
	assert.Equal(t, uint64(40), d.Stats.TxBytes.Load())
}

func TestRX_NoDispatcherFreesAndCounts(t *testing.T) {
	r := NewRegistry()
	d, _ := newTestDevice("eth0")
	r.Register(d)

	pb, err := pbuf.Alloc(64, 0, pbuf.PriorityNormal)
	require.NoError(t, err)
	r.RX(pb, d)

	assert.Equal(t, uint64(1), d.Stats.RxDropped.Load())
	assert.Equal(t, uint64(1), d.Stats.RxPackets.Load())
}

func TestRX_DispatcherAccepts(t *testing.T) {
	r := NewRegistry()
	d, _ := newTestDevice("eth0")
	r.Register(d)

	var gotDev *Device
	r.SetDispatcher(func(pb *pbuf.Buffer, dev *Device) bool {
		gotDev = dev
		pb.Free()
		return true
	})

	pb, err := pbuf.Alloc(64, 0, pbuf.PriorityNormal)
	require.NoError(t, err)
	r.RX(pb, d)

	assert.Equal(t, d, gotDev)
	assert.Equal(t, uint64(0), d.Stats.RxDropped.Load())
}

func TestLoopback_EchoesXmitIntoRX(t *testing.T) {
	r := NewRegistry()

	var received []byte
	r.SetDispatcher(func(pb *pbuf.Buffer, dev *Device) bool {
		received = append([]byte(nil), pb.Bytes()...)
		pb.Free()
		return true
	})

	lo, err := NewLoopback(r, "lo")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, lo.MTU, LoopbackMTU)
	assert.True(t, lo.IsUp())

	pb, err := pbuf.Alloc(64, 0, pbuf.PriorityNormal)
	require.NoError(t, err)
	copy(pb.PutTail(5), []byte("hello"))

	verdict, err := r.Xmit(pb, lo)
	require.NoError(t, err)
	assert.Equal(t, Ok, verdict)
	assert.Equal(t, []byte("hello"), received)
}

func TestUnregister_RemovesFromTable(t *testing.T) {
	r := NewRegistry()
	d, _ := newTestDevice("eth0")
	r.Register(d)
	require.NoError(t, r.Unregister(d))

	_, ok := r.GetByName("eth0")
	assert.False(t, ok)
}
