package instr

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains atomic counters of a Client.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// DispatchCount indicates the number of Execute calls.
	DispatchCount atomic.Uint64
	// DispatchErrCount indicates the number of Execute calls that returned an error.
	DispatchErrCount atomic.Uint64
	// AttemptCount indicates the number of dispatch attempts, retries included.
	AttemptCount atomic.Uint64
	// RetryCount indicates the number of attempts repeated after a retryable failure.
	RetryCount atomic.Uint64
	// DispatchNanos accumulates the duration of successful dispatches.
	DispatchNanos atomic.Uint64
}

func (m *Metrics) incDispatchCount() {
	m.DispatchCount.Add(1)
}

func (m *Metrics) incDispatchErrCount() {
	m.DispatchErrCount.Add(1)
}

func (m *Metrics) incAttemptCount() {
	m.AttemptCount.Add(1)
}

func (m *Metrics) incRetryCount() {
	m.RetryCount.Add(1)
}

func (m *Metrics) observe(d time.Duration) {
	if d > 0 {
		m.DispatchNanos.Add(uint64(d))
	}
}

func counterFunc(ns, name, help string, v *atomic.Uint64) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help},
		func() float64 { return float64(v.Load()) })
}

func gaugeFunc(ns, name, help string, v *atomic.Int64) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help},
		func() float64 { return float64(v.Load()) })
}

// RegisterMetrics exports the session manager and dispatch counters of c on reg.
func RegisterMetrics(reg prometheus.Registerer, namespace string, c *Client) error {
	sm := c.mgr.Metrics()
	dm := c.Metrics()

	collectors := []prometheus.Collector{
		counterFunc(namespace, "session_opens_total", "Transport handles opened.", &sm.OpenCount),
		counterFunc(namespace, "session_open_errors_total", "Failed transport opens.", &sm.OpenErrCount),
		counterFunc(namespace, "session_closes_total", "Sessions closed for any reason.", &sm.CloseCount),
		counterFunc(namespace, "session_idle_closes_total", "Sessions closed by the idle timer.", &sm.IdleCloseCount),
		counterFunc(namespace, "session_faults_total", "Sessions faulted by transport failures.", &sm.FaultCount),
		counterFunc(namespace, "session_exchanges_total", "Exchanges run on session workers.", &sm.ExchangeCount),
		counterFunc(namespace, "session_exchange_errors_total", "Exchanges that returned an error.", &sm.ExchangeErrCount),
		counterFunc(namespace, "session_invalidated_total", "Queued exchanges failed by a close.", &sm.InvalidatedCount),
		gaugeFunc(namespace, "sessions_active", "Sessions in the session table.", &sm.ActiveSessions),
		gaugeFunc(namespace, "exchanges_queued", "Exchanges waiting on session workers.", &sm.QueuedExchanges),

		counterFunc(namespace, "dispatches_total", "Dispatch calls.", &dm.DispatchCount),
		counterFunc(namespace, "dispatch_errors_total", "Dispatch calls that failed.", &dm.DispatchErrCount),
		counterFunc(namespace, "dispatch_attempts_total", "Dispatch attempts, retries included.", &dm.AttemptCount),
		counterFunc(namespace, "dispatch_retries_total", "Attempts repeated after a retryable failure.", &dm.RetryCount),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_seconds_total",
			Help:      "Time spent in successful dispatches.",
		}, func() float64 { return time.Duration(dm.DispatchNanos.Load()).Seconds() }), //nolint:gosec
	}

	var errs []error
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
