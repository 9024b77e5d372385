package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-identity/internal/leaf"
)

const namespace = "identitygw"

// eventMeasurement is the InfluxDB measurement for gateway events.
const eventMeasurement = "identitygw_events"

// PointWriter accepts InfluxDB points. Implemented by influxdb.Client.
type PointWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any)
}

// Recorder implements gateway.Recorder on Prometheus collectors.
type Recorder struct {
	telemetry      *prometheus.CounterVec
	passThrough    prometheus.Counter
	evictions      prometheus.Counter
	regStarted     prometheus.Counter
	regCompleted   *prometheus.CounterVec
	flushed        prometheus.Counter
	methods        *prometheus.CounterVec
	methodDuration prometheus.Histogram
	lateResponses  prometheus.Counter
	sendFailures   *prometheus.CounterVec

	sink PointWriter
}

// NewRecorder creates the gateway collectors and registers them on reg.
//
// Parameters:
//   - reg: Registerer for the collectors (prometheus.NewRegistry() in tests)
//   - sink: Optional InfluxDB writer for low-volume events; may be nil
//
// Returns:
//   - *Recorder: Ready recorder
//   - error: If a collector is already registered on reg
func NewRecorder(reg prometheus.Registerer, sink PointWriter) (*Recorder, error) {
	r := &Recorder{
		telemetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_messages_total",
			Help:      "Leaf telemetry messages by disposition.",
		}, []string{"disposition"}),
		passThrough: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passthrough_messages_total",
			Help:      "Non-leaf messages forwarded unchanged.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Buffered messages dropped because a device buffer was full.",
		}),
		regStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_started_total",
			Help:      "Registration requests sent to the hub.",
		}),
		regCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_completed_total",
			Help:      "Registration callbacks applied, by outcome.",
		}, []string{"outcome"}),
		flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_messages_total",
			Help:      "Buffered messages sent in post-registration batches.",
		}),
		methods: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "direct_methods_total",
			Help:      "Bridged direct method calls by result.",
		}, []string{"result"}),
		methodDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "direct_method_duration_seconds",
			Help:      "Time from direct method invocation to response or failure.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		lateResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_responses_total",
			Help:      "Direct method responses with no waiting caller.",
		}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Failed hub sends by reason.",
		}, []string{"reason"}),
		sink: sink,
	}

	for _, c := range []prometheus.Collector{
		r.telemetry, r.passThrough, r.evictions, r.regStarted, r.regCompleted,
		r.flushed, r.methods, r.methodDuration, r.lateResponses, r.sendFailures,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// TelemetryHandled counts one leaf telemetry message.
func (r *Recorder) TelemetryHandled(d leaf.Disposition) {
	r.telemetry.WithLabelValues(string(d)).Inc()
}

// PassThrough counts one forwarded non-leaf message.
func (r *Recorder) PassThrough() {
	r.passThrough.Inc()
}

// CacheEvicted counts one buffer eviction.
func (r *Recorder) CacheEvicted() {
	r.evictions.Inc()
}

// RegistrationStarted counts one registration request.
func (r *Recorder) RegistrationStarted() {
	r.regStarted.Inc()
}

// RegistrationCompleted counts an applied callback and the flushed batch.
func (r *Recorder) RegistrationCompleted(o leaf.Outcome, flushed int) {
	r.regCompleted.WithLabelValues(string(o)).Inc()
	r.flushed.Add(float64(flushed))

	if r.sink != nil {
		r.sink.WritePoint(eventMeasurement,
			map[string]string{"event": "registration", "outcome": string(o)},
			map[string]any{"flushed": flushed},
		)
	}
}

// DirectMethodCompleted records a bridged call.
func (r *Recorder) DirectMethodCompleted(result string, elapsed time.Duration) {
	r.methods.WithLabelValues(result).Inc()
	r.methodDuration.Observe(elapsed.Seconds())

	if r.sink != nil {
		r.sink.WritePoint(eventMeasurement,
			map[string]string{"event": "direct_method", "result": result},
			map[string]any{"duration_ms": float64(elapsed.Microseconds()) / 1000},
		)
	}
}

// LateResponse counts a response with no waiting caller.
func (r *Recorder) LateResponse() {
	r.lateResponses.Inc()
}

// SendFailed counts a failed hub send.
func (r *Recorder) SendFailed(reason string) {
	r.sendFailures.WithLabelValues(reason).Inc()
}

// RegistrySource is the read side of the device registry.
type RegistrySource interface {
	CountByStatus() map[leaf.Status]int
}

// PendingSource reports in-flight direct methods.
type PendingSource interface {
	PendingCalls() int
}

// StateCollector reports registry and correlation table sizes at scrape
// time.
type StateCollector struct {
	registry RegistrySource
	pending  PendingSource

	devices *prometheus.Desc
	calls   *prometheus.Desc
}

// NewStateCollector creates a collector over the registry and the gateway's
// pending calls. pending may be nil.
func NewStateCollector(registry RegistrySource, pending PendingSource) *StateCollector {
	return &StateCollector{
		registry: registry,
		pending:  pending,
		devices: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "leaf_devices"),
			"Known leaf devices by registration status.",
			[]string{"status"}, nil,
		),
		calls: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "pending_direct_methods"),
			"Direct methods waiting for a response.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *StateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.devices
	ch <- c.calls
}

// Collect implements prometheus.Collector.
func (c *StateCollector) Collect(ch chan<- prometheus.Metric) {
	counts := c.registry.CountByStatus()
	for _, s := range leaf.AllStatuses {
		ch <- prometheus.MustNewConstMetric(c.devices, prometheus.GaugeValue, float64(counts[s]), s.String())
	}
	pending := 0
	if c.pending != nil {
		pending = c.pending.PendingCalls()
	}
	ch <- prometheus.MustNewConstMetric(c.calls, prometheus.GaugeValue, float64(pending))
}
