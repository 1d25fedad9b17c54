// Package netstack wires the packet-buffer, device, link, ARP, IP, ICMP,
// UDP, and TCP layers into a single running stack, the way the teacher's
// pkg/net package wired a virtual NIC onto a ready-made TCP/IP
// implementation — except every layer below this package is this module's
// own, not an imported network stack.
package netstack

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/kaihe/kstack/internal/errx"
	"github.com/kaihe/kstack/pkg/arp"
	"github.com/kaihe/kstack/pkg/device"
	"github.com/kaihe/kstack/pkg/icmp"
	"github.com/kaihe/kstack/pkg/ip"
	"github.com/kaihe/kstack/pkg/link"
	"github.com/kaihe/kstack/pkg/logging"
	"github.com/kaihe/kstack/pkg/tcp"
	"github.com/kaihe/kstack/pkg/tick"
	"github.com/kaihe/kstack/pkg/udp"
)

// InterfaceConfig describes one device to register and bring up, per
// spec.md 6 ("configuration... is injected at init by the host").
type InterfaceConfig struct {
	Name      string
	Driver    device.Driver
	HWAddr    link.Addr
	Broadcast link.Addr
	MTU       int
	Address   netip.Prefix // zero value: no address assigned
}

// RouteConfig describes one routing table entry to install at init,
// resolved against the interfaces already registered by Config.Interfaces.
type RouteConfig struct {
	Dest    netip.Prefix
	Gateway netip.Addr // invalid: directly connected, no gateway
	Dev     string
	Metric  int
}

// Config is the complete init-time configuration for a Stack (spec.md 6).
type Config struct {
	Interfaces []InterfaceConfig
	Routes     []RouteConfig

	// RunID correlates this stack's emitted events; left empty, the
	// emitter generates one.
	RunID string
	// Component names this stack's events in the shared log stream;
	// defaults to "netstack".
	Component string
	// Sinks receives every emitted event. A nil slice means events are
	// dropped after observer-side counters still advance.
	Sinks []logging.Sink
}

// Stack is the top-level, fully wired network stack: one device registry,
// one link layer, and one instance each of ARP/IP/ICMP/UDP/TCP, all driven
// by a shared tick.Driver (spec.md 2, 4.9).
type Stack struct {
	Registry *device.Registry
	Link     *link.Link
	ARP      *arp.ARP
	IP       *ip.IP
	ICMP     *icmp.ICMP
	UDP      *udp.UDP
	TCP      *tcp.Stack
	Tick     *tick.Driver

	emitter *logging.Emitter

	mu     sync.Mutex
	closed bool
}

// New builds every layer, registers and brings up the configured
// interfaces, installs the configured routes, and wires each layer's
// observer hooks into the event log. It does not start the tick loop;
// the caller drives that via Stack.Tick.Run (spec.md 6: "this core
// exposes a function API, not a process").
func New(cfg Config) (*Stack, error) {
	component := cfg.Component
	if component == "" {
		component = "netstack"
	}

	registry := device.NewRegistry()
	l := link.New(registry)

	var ipLayer *ip.IP
	a := arp.New(l, registry, func(d *device.Device) (netip.Addr, bool) {
		return ipLayer.AddrOf(d)
	})
	ipLayer = ip.New(l, a, registry)
	icmpLayer := icmp.New(ipLayer)
	udpLayer := udp.New(ipLayer, icmpLayer)
	tcpStack := tcp.New(ipLayer)

	td := tick.New()
	td.Register(a)
	td.Register(ipLayer)
	td.Register(icmpLayer)
	td.Register(tcpStack)

	emitter := logging.NewEmitter(logging.EmitterConfig{RunID: cfg.RunID, Component: component}, cfg.Sinks...)

	s := &Stack{
		Registry: registry,
		Link:     l,
		ARP:      a,
		IP:       ipLayer,
		ICMP:     icmpLayer,
		UDP:      udpLayer,
		TCP:      tcpStack,
		Tick:     td,
		emitter:  emitter,
	}

	for _, ifc := range cfg.Interfaces {
		if err := s.addInterface(ifc); err != nil {
			return nil, err
		}
	}
	for _, rt := range cfg.Routes {
		if err := s.addRoute(rt); err != nil {
			return nil, err
		}
	}

	s.wireEvents()
	return s, nil
}

func (s *Stack) addInterface(ifc InterfaceConfig) error {
	dev := &device.Device{
		Name:      ifc.Name,
		MTU:       ifc.MTU,
		Addr:      ifc.HWAddr.HardwareAddr(),
		Broadcast: ifc.Broadcast.HardwareAddr(),
		Driver:    ifc.Driver,
	}
	if _, err := s.Registry.Register(dev); err != nil {
		return errx.Wrap(ErrInterfaceSetup, err)
	}
	if err := s.Registry.Open(dev); err != nil {
		return errx.Wrap(ErrInterfaceSetup, err)
	}
	if ifc.Address.IsValid() {
		s.IP.SetAddr(dev, ifc.Address)
	}
	return nil
}

func (s *Stack) addRoute(rt RouteConfig) error {
	dev, ok := s.Registry.GetByName(rt.Dev)
	if !ok {
		return errx.With(ErrUnknownInterface, ": %q", rt.Dev)
	}
	s.IP.Routes().Add(ip.Route{
		Dest:       rt.Dest,
		Gateway:    rt.Gateway,
		HasGateway: rt.Gateway.IsValid(),
		Dev:        dev,
		Metric:     rt.Metric,
	})
	return nil
}

// wireEvents installs every layer's observer hook so internal state
// transitions, resolutions, retransmits, and unreachable reports reach the
// event log, without any of those layers importing pkg/logging
// themselves (the dispatcher-injection pattern used throughout this
// module: device.Registry.SetDispatcher, link.Link.RegisterProtocol).
func (s *Stack) wireEvents() {
	s.ARP.OnResolved(func(ip netip.Addr, mac link.Addr) {
		_ = s.emitter.Emit(logging.EventARPResolved, fmt.Sprintf("%s resolved to %s", ip, mac), "", nil,
			&logging.ARPResolvedData{IP: ip.String(), MAC: mac.String()})
	})
	s.ARP.OnTimeout(func(ip netip.Addr, queuedDropped int) {
		_ = s.emitter.Emit(logging.EventARPTimeout, fmt.Sprintf("resolution for %s abandoned", ip), "", nil,
			&logging.ARPTimeoutData{IP: ip.String(), QueuedDropped: queuedDropped})
	})

	s.ICMP.OnUnreachable(func(dest netip.Addr, code uint8) {
		_ = s.emitter.Emit(logging.EventICMPUnreachable, fmt.Sprintf("unreachable sent to %s", dest), "", nil,
			&logging.ICMPUnreachableData{Dest: dest.String(), Code: unreachableCodeName(code)})
	})

	s.UDP.OnPortUnreachable(func(src, dst netip.Addr, dstPort uint16) {
		_ = s.emitter.Emit(logging.EventUDPPortUnreachable, fmt.Sprintf("no socket for %s:%d", dst, dstPort), "", nil,
			&logging.UDPPortUnreachableData{Src: src.String(), Dest: dst.String(), DstPort: dstPort})
	})

	s.TCP.OnStateChange(func(sk *tcp.Socket, from, to tcp.State) {
		_ = s.emitter.Emit(logging.EventTCPStateChange, fmt.Sprintf("%s -> %s", from, to), "", nil,
			&logging.TCPStateChangeData{
				LocalAddr:  fmt.Sprintf("%s:%d", sk.LocalAddr, sk.LocalPort),
				RemoteAddr: fmt.Sprintf("%s:%d", sk.RemoteAddr, sk.RemotePort),
				From:       from.String(),
				To:         to.String(),
			})
	})
	s.TCP.OnRetransmit(func(sk *tcp.Socket, seq uint32, tries int) {
		_ = s.emitter.Emit(logging.EventTCPRetransmit, fmt.Sprintf("retransmit seq %d (try %d)", seq, tries), "", nil,
			&logging.TCPRetransmitData{
				LocalAddr:  fmt.Sprintf("%s:%d", sk.LocalAddr, sk.LocalPort),
				RemoteAddr: fmt.Sprintf("%s:%d", sk.RemoteAddr, sk.RemotePort),
				Seq:        seq,
				Tries:      tries,
			})
	})

	s.IP.OnFragmented(func(dest netip.Addr, fragments int) {
		_ = s.emitter.Emit(logging.EventIPFragmented, fmt.Sprintf("%s split into %d fragments", dest, fragments), "", nil,
			&logging.IPFragmentedData{Dest: dest.String(), Fragments: fragments})
	})
	s.IP.OnReassemblyFailed(func(src, dst netip.Addr, id uint16, gotBytes, totalBytes int) {
		_ = s.emitter.Emit(logging.EventIPReassemblyFailed, fmt.Sprintf("reassembly of %d from %s to %s abandoned", id, src, dst), "", nil,
			&logging.IPReassemblyFailedData{Src: src.String(), Dest: dst.String(), ID: id, Got: gotBytes, Total: totalBytes})
	})
}

func unreachableCodeName(code uint8) string {
	switch code {
	case icmp.CodeProtocolUnreachable:
		return "protocol"
	case icmp.CodePortUnreachable:
		return "port"
	default:
		return "unknown"
	}
}

// Close tears down the stack: every registered interface is stopped and
// the event emitter's sinks are flushed and closed. Close is idempotent.
func (s *Stack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, dev := range s.Registry.ListAll() {
		if dev.IsUp() {
			_ = s.Registry.Close(dev)
		}
	}
	return s.emitter.Close()
}
