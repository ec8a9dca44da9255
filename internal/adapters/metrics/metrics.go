// Package metrics exposes hub counters to prometheus.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Drop reasons.
const (
	DropAbsent       = "absent"
	DropBackpressure = "backpressure"
	DropRejected     = "rejected"
)

type Collector struct {
	Rooms        prometheus.Gauge
	Participants prometheus.Gauge
	Connections  prometheus.Gauge
	Relayed      *prometheus.CounterVec
	Dropped      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jamroom",
			Name:      "rooms",
			Help:      "Rooms currently in the registry.",
		}),
		Participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jamroom",
			Name:      "participants",
			Help:      "Participants across all rooms.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jamroom",
			Name:      "connections",
			Help:      "Open signaling sockets.",
		}),
		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jamroom",
			Name:      "signals_relayed_total",
			Help:      "Signaling envelopes delivered, by type.",
		}, []string{"type"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jamroom",
			Name:      "signals_dropped_total",
			Help:      "Signaling envelopes not delivered, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(c.Rooms, c.Participants, c.Connections, c.Relayed, c.Dropped)
	return c
}

// SetRegistry records registry sizes.
func (c *Collector) SetRegistry(rooms, participants int) {
	c.Rooms.Set(float64(rooms))
	c.Participants.Set(float64(participants))
}
