package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	KindLabel   string = "kind"
	ReasonLabel string = "reason"
	ResultLabel string = "result"
	SideLabel   string = "side"
)

// Packet kinds.
const (
	KindSYN    = "syn"
	KindSYNACK = "synack"
	KindACK    = "ack"
	KindData   = "data"
	KindFIN    = "fin"
	KindRST    = "rst"
	KindProbe  = "probe"
)

// Drop reasons.
const (
	DropMalformed      = "malformed"
	DropChecksum       = "checksum"
	DropUnknownPeer    = "unknown_peer"
	DropOutOfWindow    = "out_of_window"
	DropDuplicate      = "duplicate"
	DropBacklogFull    = "backlog_full"
	DropPendingFull    = "pending_full"
	DropStaleHandshake = "stale_handshake"
)

// Handshake results.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultExpired  = "expired"
	ResultRejected = "rejected"
)

// Sides.
const (
	SideDial   = "dial"
	SideAccept = "accept"
)

var (
	PacketsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdp_packets_sent_total",
		Help: "Counter for tracking packets sent by kind",
	}, []string{KindLabel})

	PacketsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdp_packets_received_total",
		Help: "Counter for tracking valid packets received by kind",
	}, []string{KindLabel})

	PacketsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdp_packets_dropped_total",
		Help: "Counter for tracking discarded packets by reason",
	}, []string{ReasonLabel})

	RetransmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdp_retransmissions_total",
		Help: "Counter for tracking retransmitted packets by kind",
	}, []string{KindLabel})

	HandshakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdp_handshakes_total",
		Help: "Counter for tracking handshakes by side and result",
	}, []string{SideLabel, ResultLabel})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdp_active_connections",
		Help: "Gauge for currently open connections",
	})

	PendingHandshakes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdp_pending_handshakes",
		Help: "Gauge for half-open handshakes held by listeners",
	})

	BytesDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdp_bytes_delivered_total",
		Help: "Counter for tracking in-order bytes handed to applications",
	})

	BytesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdp_bytes_sent_total",
		Help: "Counter for tracking payload bytes sent for the first time",
	})

	RTTSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rdp_rtt_seconds",
		Help:    "Histogram tracking round trip time samples in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})
)
