package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector backed by Prometheus. Metrics are
// created and registered on first use.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	framesSent     prometheus.Counter
	framesQueued   prometheus.Counter
	framesDropped  prometheus.Counter
	framesFlushed  prometheus.Counter
	sendFailures   prometheus.Counter
	messages       *prometheus.CounterVec
	decodeFailures prometheus.Counter
	requests       *prometheus.CounterVec
	subscriptions  prometheus.Gauge
	resubscribes   prometheus.Counter
	state          *prometheus.GaugeVec
	panics         prometheus.Counter
}

var _ Collector = (*PrometheusCollector)(nil)

// States reported through the state gauge.
var knownStates = []string{"disconnected", "connecting", "connected", "reconnecting"}

// NewPrometheus creates a Prometheus-backed collector.
//
// reg defaults to prometheus.DefaultRegisterer and namespace to "dcrf".
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "dcrf"
	}
	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) counter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: p.namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.framesSent = p.counter("sendqueue", "frames_sent_total", "Frames handed to the transport.")
		p.framesQueued = p.counter("sendqueue", "frames_queued_total", "Frames buffered while the link was down.")
		p.framesDropped = p.counter("sendqueue", "frames_dropped_total", "Frames refused by a full bounded queue.")
		p.framesFlushed = p.counter("sendqueue", "frames_flushed_total", "Buffered frames drained on (re)connect.")
		p.sendFailures = p.counter("sendqueue", "send_failures_total", "Transport write failures.")

		p.messages = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "engine",
			Name:      "messages_received_total",
			Help:      "Inbound messages by whether any listener matched.",
		}, []string{"matched"})
		p.decodeFailures = p.counter("engine", "decode_failures_total", "Inbound frames the codec could not decode.")
		p.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "engine",
			Name:      "requests_total",
			Help:      "Completed requests by outcome (success,rejected,canceled,failed).",
		}, []string{"outcome"})
		p.subscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "engine",
			Name:      "subscription_listeners",
			Help:      "Current number of subscription listeners.",
		})
		p.resubscribes = p.counter("engine", "resubscribe_frames_total", "Subscribe frames replayed after reconnect.")
		p.state = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "engine",
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"})
		p.panics = p.counter("engine", "callback_panics_total", "Recovered panics from user callbacks.")

		p.reg.MustRegister(
			p.framesSent, p.framesQueued, p.framesDropped, p.framesFlushed, p.sendFailures,
			p.messages, p.decodeFailures, p.requests, p.subscriptions, p.resubscribes,
			p.state, p.panics,
		)
	})
}

func (p *PrometheusCollector) FrameSent() {
	p.ensureRegistered()
	p.framesSent.Inc()
}

func (p *PrometheusCollector) FrameQueued() {
	p.ensureRegistered()
	p.framesQueued.Inc()
}

func (p *PrometheusCollector) FrameDropped() {
	p.ensureRegistered()
	p.framesDropped.Inc()
}

func (p *PrometheusCollector) QueueFlushed(n int) {
	p.ensureRegistered()
	p.framesFlushed.Add(float64(n))
}

func (p *PrometheusCollector) SendFailed() {
	p.ensureRegistered()
	p.sendFailures.Inc()
}

func (p *PrometheusCollector) MessageReceived(matched int) {
	p.ensureRegistered()
	label := "true"
	if matched == 0 {
		label = "false"
	}
	p.messages.WithLabelValues(label).Inc()
}

func (p *PrometheusCollector) DecodeFailed() {
	p.ensureRegistered()
	p.decodeFailures.Inc()
}

func (p *PrometheusCollector) RequestCompleted(outcome string) {
	p.ensureRegistered()
	p.requests.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) SubscriptionsActive(n int) {
	p.ensureRegistered()
	p.subscriptions.Set(float64(n))
}

func (p *PrometheusCollector) Resubscribed(frames int) {
	p.ensureRegistered()
	p.resubscribes.Add(float64(frames))
}

func (p *PrometheusCollector) StateChanged(state string) {
	p.ensureRegistered()
	for _, s := range knownStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.state.WithLabelValues(s).Set(v)
	}
}

func (p *PrometheusCollector) CallbackPanicked() {
	p.ensureRegistered()
	p.panics.Inc()
}
