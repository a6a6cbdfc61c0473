package shm

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/srediag/shmseg"

var (
	operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shmseg",
		Name:      "operations_total",
		Help:      "Segment operations by segment, operation and result.",
	}, []string{"segment", "op", "result"})

	bytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shmseg",
		Name:      "bytes_total",
		Help:      "Payload bytes copied by successful operations.",
	}, []string{"segment", "op"})

	lockWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "shmseg",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for the cross-process lock.",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"segment"})

	lockInterruptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shmseg",
		Name:      "lock_interrupts_total",
		Help:      "Lock waits or releases interrupted by a signal and retried.",
	}, []string{"segment", "op"})
)

// RegisterMetrics registers the package collectors with reg. Registering
// twice is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{operationsTotal, bytesTotal, lockWaitSeconds, lockInterruptsTotal} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

// sessionMetrics binds the collectors and OTel instruments to one segment.
type sessionMetrics struct {
	segment    string
	attrs      attribute.Set
	ops        metric.Int64Counter
	bytes      metric.Int64Counter
	lockWait   metric.Float64Histogram
	interrupts metric.Int64Counter
}

func newSessionMetrics(cfg *Config, segment string) (*sessionMetrics, error) {
	if cfg.Registerer != nil {
		if err := RegisterMetrics(cfg.Registerer); err != nil {
			return nil, err
		}
	}
	meter := cfg.Meter
	if meter == nil {
		meter = noopmetric.NewMeterProvider().Meter(instrumentationName)
	}
	m := &sessionMetrics{
		segment: segment,
		attrs:   attribute.NewSet(attribute.String("segment", segment)),
	}
	var err error
	if m.ops, err = meter.Int64Counter("shmseg.operations",
		metric.WithDescription("Segment operations by operation and result.")); err != nil {
		return nil, err
	}
	if m.bytes, err = meter.Int64Counter("shmseg.bytes",
		metric.WithDescription("Payload bytes copied by successful operations."),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.lockWait, err = meter.Float64Histogram("shmseg.lock.wait",
		metric.WithDescription("Time spent waiting for the cross-process lock."),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.interrupts, err = meter.Int64Counter("shmseg.lock.interrupts",
		metric.WithDescription("Interrupted lock operations that were retried.")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *sessionMetrics) observe(op string, n int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	operationsTotal.WithLabelValues(m.segment, op, result).Inc()
	ctx := context.Background()
	m.ops.Add(ctx, 1, metric.WithAttributeSet(m.attrs),
		metric.WithAttributes(attribute.String("op", op), attribute.String("result", result)))
	if err == nil && n > 0 {
		bytesTotal.WithLabelValues(m.segment, op).Add(float64(n))
		m.bytes.Add(ctx, int64(n), metric.WithAttributeSet(m.attrs), metric.WithAttributes(attribute.String("op", op)))
	}
}

func (m *sessionMetrics) waited(d time.Duration) {
	lockWaitSeconds.WithLabelValues(m.segment).Observe(d.Seconds())
	m.lockWait.Record(context.Background(), d.Seconds(), metric.WithAttributeSet(m.attrs))
}

func (m *sessionMetrics) interrupted(op string) {
	lockInterruptsTotal.WithLabelValues(m.segment, op).Inc()
	m.interrupts.Add(context.Background(), 1, metric.WithAttributeSet(m.attrs),
		metric.WithAttributes(attribute.String("op", op)))
}

func tracerFor(cfg *Config) trace.Tracer {
	if cfg.Tracer != nil {
		return cfg.Tracer
	}
	return nooptrace.NewTracerProvider().Tracer(instrumentationName)
}
