package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "spinparty"
)

// Relay collectors.
var (
	// RelayRooms tracks open relay rooms
	RelayRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Number of open relay rooms",
		},
	)

	// RelayConnections tracks connected sockets
	RelayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Number of connected relay sockets",
		},
	)

	// RelayFrames counts frames by event and outcome
	RelayFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Frames received by the relay",
		},
		[]string{"event", "status"}, // status: relayed/rejected
	)

	// RelaySlowClients counts subscribers dropped for a full outbox
	RelaySlowClients = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "slow_clients_dropped_total",
			Help:      "Subscribers dropped because their outbox was full",
		},
	)
)

// Session collectors.
var (
	// InboundMessages counts decoded messages by event and outcome
	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "inbound_messages_total",
			Help:      "Messages received from the transport",
		},
		[]string{"event", "status"}, // status: handled/dropped
	)

	// QuorumActions counts host-side quorum dispatches
	QuorumActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "quorum_actions_total",
			Help:      "Lock and reroll actions triggered by a vote quorum",
		},
		[]string{"action"},
	)

	// Spins counts selection service calls
	Spins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "spins_total",
			Help:      "Selection service calls by kind and status",
		},
		[]string{"kind", "status"}, // kind: spin/reroll, status: ok/error/stale
	)

	// HostRaces counts spin results received from a peer this session does not consider host
	HostRaces = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "host_races_total",
			Help:      "Spin results from a peer other than the locally computed host",
		},
	)
)
