// Package metrics exposes Prometheus collectors for the channel server
// and client.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ZentaChain/zentalk-channels/pkg/protocol"
)

var (
	registerOnce sync.Once

	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zentalk",
			Subsystem: "channels",
			Name:      "frames_total",
			Help:      "Frames read or written, by direction and opcode class.",
		},
		[]string{"direction", "class"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zentalk",
			Subsystem: "channels",
			Name:      "handshakes_total",
			Help:      "Completed handshakes by result.",
		},
		[]string{"role", "result"},
	)
	dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zentalk",
			Subsystem: "channels",
			Name:      "dropped_frames_total",
			Help:      "Inbound frames discarded without being handled.",
		},
		[]string{"reason"},
	)
	forwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zentalk",
			Subsystem: "channels",
			Name:      "forwarded_messages_total",
			Help:      "Channel messages delivered to members.",
		},
	)
	connectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "zentalk",
			Subsystem: "channels",
			Name:      "connected_clients",
			Help:      "Clients that completed the handshake.",
		},
	)
	openChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "zentalk",
			Subsystem: "channels",
			Name:      "channels",
			Help:      "Channels registered on the server.",
		},
	)
)

// Directions
const (
	In  = "in"
	Out = "out"
)

// Handshake results
const (
	ResultOK      = "ok"
	ResultDenied  = "denied"
	ResultTimeout = "timeout"
	ResultError   = "error"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(frames, handshakes, dropped, forwarded, connectedClients, openChannels)
	})
}

// Class groups a type id for labelling
func Class(typeID int64) string {
	switch protocol.Opcode(typeID) {
	case protocol.OpKeyExchange, protocol.OpAccessKey:
		return "handshake"
	case protocol.OpEncoded:
		return "encoded"
	}
	if protocol.IsOpcode(typeID) {
		return "control"
	}
	return "application"
}

func RecordFrame(direction string, typeID int64) {
	RegisterMetrics()
	frames.WithLabelValues(direction, Class(typeID)).Inc()
}

func RecordHandshake(role, result string) {
	RegisterMetrics()
	handshakes.WithLabelValues(role, result).Inc()
}

func RecordDropped(reason string) {
	RegisterMetrics()
	dropped.WithLabelValues(reason).Inc()
}

func RecordForwarded(n int) {
	RegisterMetrics()
	forwarded.Add(float64(n))
}

func SetConnectedClients(n int) {
	RegisterMetrics()
	connectedClients.Set(float64(n))
}

func SetChannels(n int) {
	RegisterMetrics()
	openChannels.Set(float64(n))
}
