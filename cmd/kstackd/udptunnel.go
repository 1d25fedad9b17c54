package main

import (
	"net"

	"github.com/kaihe/kstack/pkg/device"
	"github.com/kaihe/kstack/pkg/pbuf"
)

// rxHeadroom covers the Ethernet header so pkg/link can push its own
// header view back over a frame read whole off the wire.
const rxHeadroom = 14

// udpTunnel is a point-to-point Ethernet-over-UDP driver: StartXmit sends
// a frame as one datagram to peer, and pump reads datagrams off conn and
// feeds them into the registry's RX path. It stands in for a real NIC the
// way the teacher's TAP-backed linux.LinuxMachine stands in for one, minus
// any kernel involvement — this module's core never touches a socket.
type udpTunnel struct {
	conn     *net.UDPConn
	peer     *net.UDPAddr
	registry *device.Registry
	dev      *device.Device
}

func newUDPTunnel(conn *net.UDPConn, peer *net.UDPAddr, registry *device.Registry) *udpTunnel {
	return &udpTunnel{conn: conn, peer: peer, registry: registry}
}

func (u *udpTunnel) Open(dev *device.Device) error {
	u.dev = dev
	return nil
}

func (u *udpTunnel) Stop(*device.Device) error { return u.conn.Close() }

func (u *udpTunnel) SetRxMode(*device.Device) {}

func (u *udpTunnel) GetStats(dev *device.Device) device.Snapshot {
	return dev.Stats.Snapshot()
}

func (u *udpTunnel) StartXmit(pb *pbuf.Buffer, dev *device.Device) (device.Verdict, error) {
	defer pb.Free()
	if _, err := u.conn.WriteToUDP(pb.Bytes(), u.peer); err != nil {
		return device.Dropped, err
	}
	return device.Ok, nil
}

// pump reads datagrams off the tunnel socket and hands each one to the
// registry's RX path, the NAPI-callback side of the driver. It returns
// when conn is closed.
func (u *udpTunnel) pump() {
	buf := make([]byte, u.dev.MTU+rxHeadroom)
	for {
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pb, err := pbuf.Alloc(n, rxHeadroom, pbuf.PriorityNormal)
		if err != nil {
			continue
		}
		copy(pb.PutTail(n), buf[:n])
		u.registry.RX(pb, u.dev)
	}
}
