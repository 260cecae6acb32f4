// Package metrics exports connection manager activity to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/asdfmi/bluetooth-chat/internal/connmgr"
)

const namespace = "btchat"

// Observer counts events and forwards them to the next Observer.
type Observer struct {
	next connmgr.Observer

	state          *prometheus.GaugeVec
	transitions    *prometheus.CounterVec
	payloads       prometheus.Counter
	payloadBytes   prometheus.Counter
	connectFailed  prometheus.Counter
	connectionLost prometheus.Counter
}

var _ connmgr.Observer = (*Observer)(nil)

// NewObserver registers the collectors on reg and wraps next (which may be nil).
func NewObserver(reg prometheus.Registerer, next connmgr.Observer) *Observer {
	if next == nil {
		next = connmgr.ObserverFuncs{}
	}
	o := &Observer{
		next: next,
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "State transitions by target state.",
		}, []string{"state"}),
		payloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_received_total",
			Help:      "Payload events delivered to the application.",
		}),
		payloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_received_total",
			Help:      "Bytes received from the peer.",
		}),
		connectFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Outbound attempts that failed before connecting.",
		}),
		connectionLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_lost_total",
			Help:      "Established connections dropped by the peer or the link.",
		}),
	}
	reg.MustRegister(o.state, o.transitions, o.payloads, o.payloadBytes, o.connectFailed, o.connectionLost)
	o.setState(connmgr.StateIdle)
	return o
}

func (o *Observer) setState(s connmgr.State) {
	for _, st := range []connmgr.State{connmgr.StateIdle, connmgr.StateListening, connmgr.StateConnecting, connmgr.StateConnected} {
		v := 0.0
		if st == s {
			v = 1
		}
		o.state.WithLabelValues(st.String()).Set(v)
	}
}

func (o *Observer) OnStateChanged(state connmgr.State, peer connmgr.Peer) {
	o.setState(state)
	o.transitions.WithLabelValues(state.String()).Inc()
	o.next.OnStateChanged(state, peer)
}

func (o *Observer) OnPayloadReceived(payload []byte) {
	o.payloads.Inc()
	o.payloadBytes.Add(float64(len(payload)))
	o.next.OnPayloadReceived(payload)
}

func (o *Observer) OnConnectFailed() {
	o.connectFailed.Inc()
	o.next.OnConnectFailed()
}

func (o *Observer) OnConnectionLost() {
	o.connectionLost.Inc()
	o.next.OnConnectionLost()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
