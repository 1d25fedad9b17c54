package diag

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kaihe/kstack/pkg/netstack"
)

// metric pairs a *prometheus.Desc with the function that reads its current
// value off a fresh Snapshot, the same description/supplier split
// TCPInfoCollector uses to decouple metric metadata from how a value is
// sourced.
type metric struct {
	desc     *prometheus.Desc
	valType  prometheus.ValueType
	supplier func(Snapshot) float64
}

// Collector exports a Stack's counters as Prometheus metrics. Unlike a
// connection-tracking collector, it holds no per-connection state: each
// Collect call takes one fresh Snapshot and reads every metric off it.
type Collector struct {
	stk     *netstack.Stack
	metrics []metric

	poolHitsDesc   *prometheus.Desc
	poolMissesDesc *prometheus.Desc
	connRTTDesc    *prometheus.Desc
}

// NewCollector builds a Collector wrapping stk. constLabels is attached to
// every exported metric, e.g. {"iface": "eth0"} when running several
// stacks side by side.
func NewCollector(stk *netstack.Stack, constLabels prometheus.Labels) *Collector {
	c := &Collector{
		stk: stk,
		poolHitsDesc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "pbuf_pool_class_hits_total"),
			"Buffer allocations served from a size class's shared pool.", []string{"size"}, constLabels),
		poolMissesDesc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "pbuf_pool_class_misses_total"),
			"Buffer allocations of a size class that missed the shared pool.", []string{"size"}, constLabels),
		connRTTDesc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "tcp_conn_rtt_seconds"),
			"Smoothed round-trip time estimate for one open TCP connection.",
			[]string{"local_addr", "remote_addr"}, constLabels),
	}
	c.addMetrics(constLabels)
	return c
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		descs <- m.desc
	}
	descs <- c.poolHitsDesc
	descs <- c.poolMissesDesc
	descs <- c.connRTTDesc
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	snap := Take(c.stk)
	for _, m := range c.metrics {
		metrics <- prometheus.MustNewConstMetric(m.desc, m.valType, m.supplier(snap))
	}
	for _, cl := range snap.Pool.Classes {
		size := strconv.Itoa(cl.Size)
		metrics <- prometheus.MustNewConstMetric(c.poolHitsDesc, prometheus.CounterValue, float64(cl.Hits), size)
		metrics <- prometheus.MustNewConstMetric(c.poolMissesDesc, prometheus.CounterValue, float64(cl.Misses), size)
	}
	for _, conn := range snap.Conns {
		local := conn.LocalAddr + ":" + strconv.Itoa(int(conn.LocalPort))
		remote := conn.RemoteAddr + ":" + strconv.Itoa(int(conn.RemotePort))
		metrics <- prometheus.MustNewConstMetric(c.connRTTDesc, prometheus.GaugeValue, conn.RTT.Seconds(), local, remote)
	}
}

const namespace = "kstack"

func counterDesc(name, help string, constLabels prometheus.Labels) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, constLabels)
}

func (c *Collector) addMetrics(constLabels prometheus.Labels) {
	counter := func(name, help string, supplier func(Snapshot) float64) {
		c.metrics = append(c.metrics, metric{
			desc:     counterDesc(name, help, constLabels),
			valType:  prometheus.CounterValue,
			supplier: supplier,
		})
	}
	gauge := func(name, help string, supplier func(Snapshot) float64) {
		c.metrics = append(c.metrics, metric{
			desc:     counterDesc(name, help, constLabels),
			valType:  prometheus.GaugeValue,
			supplier: supplier,
		})
	}

	counter("link_rx_short_total", "Frames dropped for being shorter than an Ethernet header.",
		func(s Snapshot) float64 { return float64(s.Link.RxShort) })
	counter("link_rx_filtered_total", "Frames dropped for a non-matching destination address.",
		func(s Snapshot) float64 { return float64(s.Link.RxFiltered) })
	counter("link_rx_unknown_ethertype_total", "Frames dropped for having no registered protocol handler.",
		func(s Snapshot) float64 { return float64(s.Link.RxUnknownEtherType) })

	counter("arp_rx_malformed_total", "Malformed ARP packets received.",
		func(s Snapshot) float64 { return float64(s.ARP.RxMalformed) })
	gauge("arp_cache_size", "Entries currently held in the ARP cache.",
		func(s Snapshot) float64 { return float64(s.ARP.CacheSize) })

	counter("ip_rx_malformed_total", "Malformed IP datagrams received.",
		func(s Snapshot) float64 { return float64(s.IP.RxMalformed) })
	counter("ip_rx_not_local_total", "IP datagrams received for a non-local, non-broadcast destination.",
		func(s Snapshot) float64 { return float64(s.IP.RxNotLocal) })
	counter("ip_rx_unknown_proto_total", "IP datagrams received for an unregistered protocol.",
		func(s Snapshot) float64 { return float64(s.IP.RxUnknownProto) })
	counter("ip_tx_no_route_total", "Outbound sends that found no route to their destination.",
		func(s Snapshot) float64 { return float64(s.IP.TxNoRoute) })
	counter("ip_reasm_ok_total", "Fragmented datagrams successfully reassembled.",
		func(s Snapshot) float64 { return float64(s.IP.ReasmOK) })
	counter("ip_reasm_fail_total", "Fragment reassembly buckets discarded after timing out.",
		func(s Snapshot) float64 { return float64(s.IP.ReasmFail) })

	counter("icmp_echo_requests_rx_total", "ICMP echo requests received.",
		func(s Snapshot) float64 { return float64(s.ICMP.EchoRequestsRx) })
	counter("icmp_echo_replies_rx_total", "ICMP echo replies received.",
		func(s Snapshot) float64 { return float64(s.ICMP.EchoRepliesRx) })
	counter("icmp_echo_requests_tx_total", "ICMP echo requests originated.",
		func(s Snapshot) float64 { return float64(s.ICMP.EchoRequestsTx) })
	counter("icmp_errors_tx_total", "ICMP error messages originated.",
		func(s Snapshot) float64 { return float64(s.ICMP.ErrorsTx) })
	counter("icmp_rx_malformed_total", "Malformed ICMP messages received.",
		func(s Snapshot) float64 { return float64(s.ICMP.RxMalformed) })

	counter("udp_rx_malformed_total", "Malformed UDP datagrams received.",
		func(s Snapshot) float64 { return float64(s.UDP.RxMalformed) })
	counter("udp_rx_no_socket_total", "UDP datagrams received with no matching bound socket.",
		func(s Snapshot) float64 { return float64(s.UDP.RxNoSocket) })

	counter("tcp_rx_malformed_total", "Malformed TCP segments received.",
		func(s Snapshot) float64 { return float64(s.TCP.RxMalformed) })
	counter("tcp_rx_checksum_err_total", "TCP segments dropped for a bad checksum.",
		func(s Snapshot) float64 { return float64(s.TCP.RxChecksumErr) })
	counter("tcp_rx_no_socket_total", "TCP segments received with no matching socket.",
		func(s Snapshot) float64 { return float64(s.TCP.RxNoSocket) })
	counter("tcp_active_opens_total", "Connections opened via Connect.",
		func(s Snapshot) float64 { return float64(s.TCP.ActiveOpens) })
	counter("tcp_passive_opens_total", "Connections accepted via a listener.",
		func(s Snapshot) float64 { return float64(s.TCP.PassiveOpens) })
	counter("tcp_resets_total", "RST segments sent or received.",
		func(s Snapshot) float64 { return float64(s.TCP.Resets) })
	counter("tcp_retransmits_total", "Segments retransmitted after an RTO.",
		func(s Snapshot) float64 { return float64(s.TCP.Retransmits) })

	counter("pbuf_pool_heap_allocs_total", "Buffer allocations that fell through to the heap.",
		func(s Snapshot) float64 { return float64(s.Pool.HeapAllocs) })
}
