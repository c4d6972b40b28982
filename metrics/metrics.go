// Package metrics exposes rudp protocol counters as prometheus collectors.
//
// A nil *Collector is valid and records nothing, so components can accept
// an optional collector without branching at every call site.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Disconnect reasons used as the "reason" label.
const (
	ReasonLocal           = "local"
	ReasonRemote          = "remote"
	ReasonTransport       = "transport"
	ReasonResendExhausted = "resend_exhausted"
	ReasonCancelled       = "cancelled"
)

// Collector groups the counters shared by every connection that uses it.
type Collector struct {
	DatagramsSent     prometheus.Counter
	DatagramsReceived prometheus.Counter
	ReliableSent      prometheus.Counter
	Retransmissions   prometheus.Counter
	AcksReceived      prometheus.Counter
	Duplicates        prometheus.Counter
	Malformed         prometheus.Counter
	InFlight          prometheus.Gauge
	Connections       prometheus.Gauge
	Disconnects       *prometheus.CounterVec
}

// NewCollector builds a collector under namespace. When reg is non-nil every
// metric is registered with it; registration conflicts panic, as
// MustRegister does.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	c := &Collector{
		DatagramsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "datagrams_sent_total",
			Help: "Datagrams handed to the transport, including acks and resends.",
		}),
		DatagramsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "datagrams_received_total",
			Help: "Datagrams received from the transport.",
		}),
		ReliableSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reliable_sent_total",
			Help: "Reliable packets queued for delivery (first transmission only).",
		}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retransmissions_total",
			Help: "Reliable packets resent after their timeout elapsed.",
		}),
		AcksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "acks_received_total",
			Help: "Acknowledgements matching an in-flight packet.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "duplicates_dropped_total",
			Help: "Reliable packets rejected as duplicates.",
		}),
		Malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "malformed_dropped_total",
			Help: "Datagrams dropped because their header could not be parsed.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "reliable_in_flight",
			Help: "Reliable packets awaiting acknowledgement.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Connections currently connecting or connected.",
		}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "disconnects_total",
			Help: "Connections torn down, by reason.",
		}, []string{"reason"}),
	}

	if reg != nil {
		reg.MustRegister(
			c.DatagramsSent, c.DatagramsReceived, c.ReliableSent,
			c.Retransmissions, c.AcksReceived, c.Duplicates, c.Malformed,
			c.InFlight, c.Connections, c.Disconnects,
		)
	}
	return c
}

func (c *Collector) DatagramSent() {
	if c != nil {
		c.DatagramsSent.Inc()
	}
}

func (c *Collector) DatagramReceived() {
	if c != nil {
		c.DatagramsReceived.Inc()
	}
}

// ReliableQueued records a new reliable packet entering the sent table.
func (c *Collector) ReliableQueued() {
	if c != nil {
		c.ReliableSent.Inc()
		c.InFlight.Inc()
	}
}

func (c *Collector) Retransmitted() {
	if c != nil {
		c.Retransmissions.Inc()
	}
}

// Acked records an acknowledgement that released an in-flight packet.
func (c *Collector) Acked() {
	if c != nil {
		c.AcksReceived.Inc()
		c.InFlight.Dec()
	}
}

// Released records in-flight packets dropped without an ack (budget
// exhausted or engine closed).
func (c *Collector) Released(n int) {
	if c != nil && n > 0 {
		c.InFlight.Sub(float64(n))
	}
}

func (c *Collector) Duplicate() {
	if c != nil {
		c.Duplicates.Inc()
	}
}

func (c *Collector) MalformedDropped() {
	if c != nil {
		c.Malformed.Inc()
	}
}

func (c *Collector) ConnectionOpened() {
	if c != nil {
		c.Connections.Inc()
	}
}

// ConnectionClosed records a torn down connection.
func (c *Collector) ConnectionClosed(reason string) {
	if c != nil {
		c.Connections.Dec()
		c.Disconnects.WithLabelValues(reason).Inc()
	}
}
