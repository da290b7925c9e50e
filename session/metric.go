package session

import (
	"sync/atomic"
)

// Metrics contains atomic counters of a Manager.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// OpenCount indicates the number of transport handles opened.
	OpenCount atomic.Uint64
	// OpenErrCount indicates the number of failed opens.
	OpenErrCount atomic.Uint64
	// CloseCount indicates the number of sessions closed, for any reason.
	CloseCount atomic.Uint64
	// IdleCloseCount indicates the number of sessions closed by the idle timer.
	IdleCloseCount atomic.Uint64
	// FaultCount indicates the number of sessions faulted by transport failures.
	FaultCount atomic.Uint64

	// ExchangeCount indicates the number of exchanges run on a session worker.
	ExchangeCount atomic.Uint64
	// ExchangeErrCount indicates the number of exchanges that returned an error.
	ExchangeErrCount atomic.Uint64
	// InvalidatedCount indicates the number of queued exchanges failed by a close.
	InvalidatedCount atomic.Uint64

	// ActiveSessions indicates the number of sessions in the table.
	ActiveSessions atomic.Int64
	// QueuedExchanges indicates the number of exchanges waiting on session workers.
	QueuedExchanges atomic.Int64
}

func (m *Metrics) incOpenCount() {
	m.OpenCount.Add(1)
}

func (m *Metrics) incOpenErrCount() {
	m.OpenErrCount.Add(1)
}

func (m *Metrics) incCloseCount() {
	m.CloseCount.Add(1)
}

func (m *Metrics) incIdleCloseCount() {
	m.IdleCloseCount.Add(1)
}

func (m *Metrics) incFaultCount() {
	m.FaultCount.Add(1)
}

func (m *Metrics) incExchangeCount(failed bool) {
	m.ExchangeCount.Add(1)
	if failed {
		m.ExchangeErrCount.Add(1)
	}
}

func (m *Metrics) addInvalidatedCount(n int) {
	m.InvalidatedCount.Add(uint64(n)) //nolint:gosec
}

func (m *Metrics) incActiveSessions() {
	m.ActiveSessions.Add(1)
}

func (m *Metrics) decActiveSessions() {
	m.ActiveSessions.Add(-1)
}

func (m *Metrics) addQueuedExchanges(n int) {
	m.QueuedExchanges.Add(int64(n))
}
