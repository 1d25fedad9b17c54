package device

import "github.com/kaihe/kstack/pkg/pbuf"

// LoopbackMTU must be large enough for jumbo frames (spec.md 4.2).
const LoopbackMTU = 65536

// loopbackDriver echoes every transmitted buffer straight back into the
// registry's RX path, after cloning it (spec.md 4.2).
type loopbackDriver struct {
	registry *Registry
	dev      *Device
}

func (l *loopbackDriver) Open(*Device) error            { return nil }
func (l *loopbackDriver) Stop(*Device) error            { return nil }
func (l *loopbackDriver) SetRxMode(*Device)             {}
func (l *loopbackDriver) GetStats(dev *Device) Snapshot { return dev.Stats.Snapshot() }

func (l *loopbackDriver) StartXmit(pb *pbuf.Buffer, dev *Device) (Verdict, error) {
	echo := pb.Clone()
	pb.Free()
	l.registry.RX(echo, dev)
	return Ok, nil
}

// NewLoopback registers and opens a loopback device on registry.
func NewLoopback(registry *Registry, name string) (*Device, error) {
	dev := &Device{
		Name:      name,
		HWType:    0, // ARPHRD_LOOPBACK-equivalent sentinel; no real hardware type
		MTU:       LoopbackMTU,
		Addr:      HardwareAddr{0, 0, 0, 0, 0, 0},
		Broadcast: HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	}
	drv := &loopbackDriver{registry: registry, dev: dev}
	dev.Driver = drv

	if _, err := registry.Register(dev); err != nil {
		return nil, err
	}
	if err := registry.Open(dev); err != nil {
		return nil, err
	}
	return dev, nil
}
