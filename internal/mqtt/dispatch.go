package mqtt

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// topicHandler processes one inbound message whose topic matched a route.
type topicHandler func(ctx context.Context, topic string, payload []byte)

type route struct {
	pattern  string
	segments []string
	handler  topicHandler
}

// dispatcher routes inbound messages to handlers by topic pattern. Routes
// are tried in registration order; the first match wins.
type dispatcher struct {
	routes []route

	received  prometheus.Counter
	unmatched prometheus.Counter
	malformed prometheus.Counter
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgebridge", Subsystem: "mqtt", Name: "messages_received_total",
			Help: "Inbound MQTT messages.",
		}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgebridge", Subsystem: "mqtt", Name: "messages_unmatched_total",
			Help: "Inbound messages whose topic matched no route.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgebridge", Subsystem: "mqtt", Name: "payload_errors_total",
			Help: "Inbound messages dropped due to undecodable payloads.",
		}),
	}
}

// register appends a route. Patterns use MQTT syntax where "+" matches
// exactly one topic segment.
func (d *dispatcher) register(pattern string, h topicHandler) {
	d.routes = append(d.routes, route{
		pattern:  pattern,
		segments: strings.Split(pattern, "/"),
		handler:  h,
	})
}

// dispatch routes one message. Returns false when no route matched.
func (d *dispatcher) dispatch(ctx context.Context, topic string, payload []byte) bool {
	d.received.Inc()
	parts := strings.Split(topic, "/")
	for _, r := range d.routes {
		if matchSegments(r.segments, parts) {
			r.handler(ctx, topic, payload)
			return true
		}
	}
	d.unmatched.Inc()
	return false
}

// matchSegments compares a split pattern against a split topic. Segment
// counts must be equal; "+" matches any single segment.
func matchSegments(pattern, topic []string) bool {
	if len(pattern) != len(topic) {
		return false
	}
	for i, p := range pattern {
		if p == "+" {
			continue
		}
		if p != topic[i] {
			return false
		}
	}
	return true
}

// RegisterMetrics attaches the dispatcher counters to a Prometheus
// registry. Kept explicit so tests can run without the default registry.
func (d *dispatcher) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{d.received, d.unmatched, d.malformed} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
