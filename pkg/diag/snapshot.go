// Package diag exposes this module's per-component counters to external
// diagnostics surfaces (spec.md 6: "Statistics snapshot contract...
// Snapshots are read-only"), as a point-in-time CBOR-encodable snapshot and
// as a prometheus.Collector.
package diag

import (
	"time"

	"github.com/kaihe/kstack/pkg/netstack"
	"github.com/kaihe/kstack/pkg/pbuf"
)

// DeviceSnapshot mirrors device.Snapshot for one registered interface.
type DeviceSnapshot struct {
	Name      string `cbor:"name"`
	RxPackets uint64 `cbor:"rx_packets"`
	RxBytes   uint64 `cbor:"rx_bytes"`
	RxErrors  uint64 `cbor:"rx_errors"`
	RxDropped uint64 `cbor:"rx_dropped"`
	TxPackets uint64 `cbor:"tx_packets"`
	TxBytes   uint64 `cbor:"tx_bytes"`
	TxErrors  uint64 `cbor:"tx_errors"`
	TxDropped uint64 `cbor:"tx_dropped"`
}

// LinkSnapshot mirrors link.Stats.
type LinkSnapshot struct {
	RxShort            uint64 `cbor:"rx_short"`
	RxFiltered         uint64 `cbor:"rx_filtered"`
	RxUnknownEtherType uint64 `cbor:"rx_unknown_ethertype"`
}

// ARPSnapshot mirrors arp.Stats plus the live cache size.
type ARPSnapshot struct {
	RxMalformed uint64 `cbor:"rx_malformed"`
	CacheSize   int    `cbor:"cache_size"`
}

// IPSnapshot mirrors ip.Stats plus the reassembler's ok/fail counters.
type IPSnapshot struct {
	RxMalformed    uint64 `cbor:"rx_malformed"`
	RxNotLocal     uint64 `cbor:"rx_not_local"`
	RxUnknownProto uint64 `cbor:"rx_unknown_proto"`
	TxNoRoute      uint64 `cbor:"tx_no_route"`
	ReasmOK        uint64 `cbor:"reasm_ok"`
	ReasmFail      uint64 `cbor:"reasm_fail"`
}

// ICMPSnapshot mirrors icmp.Stats.
type ICMPSnapshot struct {
	EchoRequestsRx uint64 `cbor:"echo_requests_rx"`
	EchoRepliesRx  uint64 `cbor:"echo_replies_rx"`
	EchoRequestsTx uint64 `cbor:"echo_requests_tx"`
	ErrorsTx       uint64 `cbor:"errors_tx"`
	RxMalformed    uint64 `cbor:"rx_malformed"`
}

// UDPSnapshot mirrors udp.Stats.
type UDPSnapshot struct {
	RxMalformed uint64 `cbor:"rx_malformed"`
	RxNoSocket  uint64 `cbor:"rx_no_socket"`
}

// TCPSnapshot mirrors tcp.Stats.
type TCPSnapshot struct {
	RxMalformed   uint64 `cbor:"rx_malformed"`
	RxChecksumErr uint64 `cbor:"rx_checksum_err"`
	RxNoSocket    uint64 `cbor:"rx_no_socket"`
	ActiveOpens   uint64 `cbor:"active_opens"`
	PassiveOpens  uint64 `cbor:"passive_opens"`
	Resets        uint64 `cbor:"resets"`
	Retransmits   uint64 `cbor:"retransmits"`
}

// ConnSnapshot describes one open TCP connection's identity and RTT
// estimate, per SPEC_FULL's "TCP retransmits/RTT" diagnostics callout.
type ConnSnapshot struct {
	LocalAddr  string        `cbor:"local_addr"`
	LocalPort  uint16        `cbor:"local_port"`
	RemoteAddr string        `cbor:"remote_addr"`
	RemotePort uint16        `cbor:"remote_port"`
	State      string        `cbor:"state"`
	RTT        time.Duration `cbor:"rtt_ns"`
}

// PoolClassSnapshot mirrors one pbuf.ClassStats entry.
type PoolClassSnapshot struct {
	Size   int    `cbor:"size"`
	Hits   uint64 `cbor:"hits"`
	Misses uint64 `cbor:"misses"`
}

// PoolSnapshot mirrors pbuf.Pool.Stats.
type PoolSnapshot struct {
	Classes    []PoolClassSnapshot `cbor:"classes"`
	HeapAllocs uint64              `cbor:"heap_allocs"`
}

// Snapshot is the read-only statistics contract handed to an external
// diagnostics surface. Every field is a point-in-time copy; mutating it has
// no effect on the running stack.
type Snapshot struct {
	Devices []DeviceSnapshot `cbor:"devices"`
	Link    LinkSnapshot     `cbor:"link"`
	ARP     ARPSnapshot      `cbor:"arp"`
	IP      IPSnapshot       `cbor:"ip"`
	ICMP    ICMPSnapshot     `cbor:"icmp"`
	UDP     UDPSnapshot      `cbor:"udp"`
	TCP     TCPSnapshot      `cbor:"tcp"`
	Conns   []ConnSnapshot   `cbor:"conns"`
	Pool    PoolSnapshot     `cbor:"pbuf_pool"`
}

// Take reads every registered component's counters into a single,
// consistent-enough (no cross-component lock) read-only value.
func Take(stk *netstack.Stack) Snapshot {
	var devices []DeviceSnapshot
	for _, dev := range stk.Registry.ListAll() {
		s := dev.Stats.Snapshot()
		devices = append(devices, DeviceSnapshot{
			Name:      dev.Name,
			RxPackets: s.RxPackets,
			RxBytes:   s.RxBytes,
			RxErrors:  s.RxErrors,
			RxDropped: s.RxDropped,
			TxPackets: s.TxPackets,
			TxBytes:   s.TxBytes,
			TxErrors:  s.TxErrors,
			TxDropped: s.TxDropped,
		})
	}

	var conns []ConnSnapshot
	for _, sk := range stk.TCP.Conns() {
		conns = append(conns, ConnSnapshot{
			LocalAddr:  sk.LocalAddr.String(),
			LocalPort:  sk.LocalPort,
			RemoteAddr: sk.RemoteAddr.String(),
			RemotePort: sk.RemotePort,
			State:      sk.State().String(),
			RTT:        sk.RTT(),
		})
	}

	classes, heapAllocs := pbuf.Default.Stats()
	var poolClasses []PoolClassSnapshot
	for _, c := range classes {
		poolClasses = append(poolClasses, PoolClassSnapshot{Size: c.Size, Hits: c.Hits, Misses: c.Misses})
	}

	return Snapshot{
		Devices: devices,
		Link: LinkSnapshot{
			RxShort:            stk.Link.Stats.RxShort.Load(),
			RxFiltered:         stk.Link.Stats.RxFiltered.Load(),
			RxUnknownEtherType: stk.Link.Stats.RxUnknownEtherType.Load(),
		},
		ARP: ARPSnapshot{
			RxMalformed: stk.ARP.Stats.RxMalformed.Load(),
			CacheSize:   stk.ARP.Cache.Len(),
		},
		IP: IPSnapshot{
			RxMalformed:    stk.IP.Stats.RxMalformed.Load(),
			RxNotLocal:     stk.IP.Stats.RxNotLocal.Load(),
			RxUnknownProto: stk.IP.Stats.RxUnknownProto.Load(),
			TxNoRoute:      stk.IP.Stats.TxNoRoute.Load(),
			ReasmOK:        stk.IP.Reassembler().ReasmOK.Load(),
			ReasmFail:      stk.IP.Reassembler().ReasmFail.Load(),
		},
		ICMP: ICMPSnapshot{
			EchoRequestsRx: stk.ICMP.Stats.EchoRequestsRx.Load(),
			EchoRepliesRx:  stk.ICMP.Stats.EchoRepliesRx.Load(),
			EchoRequestsTx: stk.ICMP.Stats.EchoRequestsTx.Load(),
			ErrorsTx:       stk.ICMP.Stats.ErrorsTx.Load(),
			RxMalformed:    stk.ICMP.Stats.RxMalformed.Load(),
		},
		UDP: UDPSnapshot{
			RxMalformed: stk.UDP.Stats.RxMalformed.Load(),
			RxNoSocket:  stk.UDP.Stats.RxNoSocket.Load(),
		},
		TCP: TCPSnapshot{
			RxMalformed:   stk.TCP.Stats.RxMalformed.Load(),
			RxChecksumErr: stk.TCP.Stats.RxChecksumErr.Load(),
			RxNoSocket:    stk.TCP.Stats.RxNoSocket.Load(),
			ActiveOpens:   stk.TCP.Stats.ActiveOpens.Load(),
			PassiveOpens:  stk.TCP.Stats.PassiveOpens.Load(),
			Resets:        stk.TCP.Stats.Resets.Load(),
			Retransmits:   stk.TCP.Stats.Retransmits.Load(),
		},
		Conns: conns,
		Pool:  PoolSnapshot{Classes: poolClasses, HeapAllocs: heapAllocs},
	}
}
