package diag

import (
	"net/netip"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaihe/kstack/pkg/device"
	"github.com/kaihe/kstack/pkg/link"
	"github.com/kaihe/kstack/pkg/netstack"
	"github.com/kaihe/kstack/pkg/pbuf"
	"github.com/kaihe/kstack/pkg/tcp"
)

type nullDriver struct{}

func (nullDriver) Open(*device.Device) error { return nil }
func (nullDriver) Stop(*device.Device) error { return nil }
func (nullDriver) SetRxMode(*device.Device)  {}
func (nullDriver) GetStats(dev *device.Device) device.Snapshot {
	return dev.Stats.Snapshot()
}
func (nullDriver) StartXmit(pb *pbuf.Buffer, dev *device.Device) (device.Verdict, error) {
	pb.Free()
	return device.Ok, nil
}

func newDiagTestStack(t *testing.T) *netstack.Stack {
	t.Helper()
	stk, err := netstack.New(netstack.Config{
		Interfaces: []netstack.InterfaceConfig{{
			Name:      "eth0",
			Driver:    nullDriver{},
			HWAddr:    link.Addr{1, 2, 3, 4, 5, 6},
			Broadcast: link.Broadcast,
			MTU:       1500,
			Address:   netip.MustParsePrefix("10.0.0.1/24"),
		}},
		Component: "diagtest",
	})
	require.NoError(t, err)
	return stk
}

// echoDriver loops every transmitted frame straight back into the
// registry's RX path, letting one interface talk to itself end to end.
type echoDriver struct {
	registry *device.Registry
}

func (e *echoDriver) Open(*device.Device) error { return nil }
func (e *echoDriver) Stop(*device.Device) error { return nil }
func (e *echoDriver) SetRxMode(*device.Device)  {}
func (e *echoDriver) GetStats(dev *device.Device) device.Snapshot {
	return dev.Stats.Snapshot()
}
func (e *echoDriver) StartXmit(pb *pbuf.Buffer, dev *device.Device) (device.Verdict, error) {
	echo := pb.Clone()
	pb.Free()
	e.registry.RX(echo, dev)
	return device.Ok, nil
}

func TestTake_ReportsOpenConnections(t *testing.T) {
	drv := &echoDriver{}
	stk, err := netstack.New(netstack.Config{
		Interfaces: []netstack.InterfaceConfig{{
			Name:      "eth0",
			Driver:    drv,
			HWAddr:    link.Addr{1, 2, 3, 4, 5, 6},
			Broadcast: link.Broadcast,
			MTU:       1500,
			Address:   netip.MustParsePrefix("10.0.0.1/24"),
		}},
		Component: "diagtest",
	})
	require.NoError(t, err)
	drv.registry = stk.Registry
	defer stk.Close()

	self := netip.MustParseAddr("10.0.0.1")
	_, err = stk.TCP.Listen(self, 80, 4, tcp.Reno)
	require.NoError(t, err)
	_, err = stk.TCP.Connect(self, self, 80, tcp.Reno)
	require.NoError(t, err)

	snap := Take(stk)
	require.NotEmpty(t, snap.Conns)
	var sawPort80 bool
	for _, c := range snap.Conns {
		if c.RemotePort == 80 || c.LocalPort == 80 {
			sawPort80 = true
		}
	}
	assert.True(t, sawPort80, "expected a connection touching port 80")
}

func TestTake_ReflectsInterfaceAndStats(t *testing.T) {
	stk := newDiagTestStack(t)
	defer stk.Close()

	stk.IP.Stats.RxMalformed.Add(3)

	snap := Take(stk)
	require.Len(t, snap.Devices, 1)
	assert.Equal(t, "eth0", snap.Devices[0].Name)
	assert.Equal(t, uint64(3), snap.IP.RxMalformed)
	assert.NotEmpty(t, snap.Pool.Classes)
}

func TestEncodeDecode_RoundTrips(t *testing.T) {
	stk := newDiagTestStack(t)
	defer stk.Close()
	stk.TCP.Stats.ActiveOpens.Add(5)

	snap := Take(stk)
	data, err := Encode(snap)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestCollector_ExportsCounters(t *testing.T) {
	stk := newDiagTestStack(t)
	defer stk.Close()
	stk.UDP.Stats.RxNoSocket.Add(2)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(stk, prometheus.Labels{"run": "test"})))

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "kstack_udp_rx_no_socket_total" {
			found = true
			require.Len(t, f.GetMetric(), 1)
			assert.Equal(t, float64(2), f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "expected kstack_udp_rx_no_socket_total in gathered metrics")
}
