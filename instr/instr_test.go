package instr

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/catalog"
	"github.com/arloliu/go-instr/command"
	"github.com/arloliu/go-instr/diag"
	"github.com/arloliu/go-instr/logger"
	"github.com/arloliu/go-instr/retry"
	"github.com/arloliu/go-instr/session"
	"github.com/arloliu/go-instr/transport"
	"github.com/arloliu/go-instr/transport/transporttest"
)

func TestMain(m *testing.M) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)

	os.Exit(m.Run())
}

const benchLibrary = `
power_supplies:
  - series_id: rigol_dp800
    series_name: Rigol DP800
    commands:
      - name: measure_voltage
        mnemonic: "MEAS:VOLT? CH{channel}"
        params:
          - {name: channel, type: integer, min: 1, max: 3}
        response: {shape: scalar, type: float}
    models:
      - id: DP832
        interface:
          supported_connection_types:
            - type: lxi
              defaults: {port: 5555}
      - id: DP811
        interface:
          supported_connection_types:
            - type: usb
`

var lanAddr = address.MustParse("TCPIP::192.0.2.10::5025::SOCKET")

var measure = &catalog.CommandSpec{
	Name:     "measure_voltage",
	Mnemonic: "MEAS:VOLT?",
	Response: catalog.ResponseSpec{Shape: catalog.ShapeScalar, Type: catalog.ValueFloat},
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:       3,
		BaseTimeout:       20 * time.Millisecond,
		BackoffMultiplier: 2,
		BaseDelay:         5 * time.Millisecond,
		Retryable:         []transport.Class{transport.ClassTimeout, transport.ClassBusy},
	}
}

type fixture struct {
	drv    *transporttest.Driver
	mgr    *session.Manager
	client *Client
	events <-chan diag.Event
	seen   []diag.Event
}

func newFixture(t *testing.T, respond transporttest.Responder, opts ...ClientOption) *fixture {
	t.Helper()

	bus := diag.NewBus()
	t.Cleanup(bus.Close)
	events, cancel := bus.Subscribe(256)
	t.Cleanup(cancel)

	drv := transporttest.NewDriver(address.MediumLAN, respond)
	mgr, err := session.NewManager(session.WithDriver(drv))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	cat, err := catalog.Parse([]byte(benchLibrary))
	require.NoError(t, err)

	client, err := NewClient(mgr, append([]ClientOption{WithCatalog(cat), WithDiagBus(bus)}, opts...)...)
	require.NoError(t, err)

	return &fixture{drv: drv, mgr: mgr, client: client, events: events}
}

// drain returns the events of kind published so far. Events of every kind are kept,
// so successive calls for different kinds see the same history.
func (f *fixture) drain(kind diag.Kind) []diag.Event {
	for collecting := true; collecting; {
		select {
		case e := <-f.events:
			f.seen = append(f.seen, e)
		default:
			collecting = false
		}
	}

	var out []diag.Event
	for _, e := range f.seen {
		if e.Kind == kind {
			out = append(out, e)
		}
	}

	return out
}

func TestExecute_Scalar(t *testing.T) {
	f := newFixture(t, transporttest.Script(map[string]string{"MEAS:VOLT?\n": "4.998\n"}))

	resp, err := f.client.Execute(context.Background(), lanAddr, measure, nil, fastPolicy())
	require.NoError(t, err)

	v, ok := resp.Float()
	require.True(t, ok)
	assert.InDelta(t, 4.998, v, 1e-12)

	m := f.client.Metrics()
	assert.Equal(t, uint64(1), m.DispatchCount.Load())
	assert.Equal(t, uint64(1), m.AttemptCount.Load())
	assert.Equal(t, uint64(0), m.DispatchErrCount.Load())

	// the session stays open for the next call
	assert.Equal(t, session.StateOpen, f.mgr.State(lanAddr))
}

func TestExecute_TimeoutsExhaustThreeAttempts(t *testing.T) {
	f := newFixture(t, nil)

	start := time.Now()
	_, err := f.client.Execute(context.Background(), lanAddr, measure, nil, fastPolicy())
	elapsed := time.Since(start)
	require.Error(t, err)

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 3, de.Attempts)
	assert.Equal(t, lanAddr, de.Address)
	assert.Equal(t, "measure_voltage", de.Command)

	var ee *retry.ExhaustedError
	require.ErrorAs(t, err, &ee)
	require.ErrorIs(t, err, transport.ErrTimeout)

	writes := f.drv.Writes()
	require.Len(t, writes, 3)
	// escalated timeouts 20, 40 and 80ms plus backoff 5 and 10ms
	assert.GreaterOrEqual(t, elapsed, 155*time.Millisecond)
	assert.GreaterOrEqual(t, writes[1].At.Sub(writes[0].At), 25*time.Millisecond)
	assert.GreaterOrEqual(t, writes[2].At.Sub(writes[1].At), 50*time.Millisecond)

	retries := f.drain(diag.KindRetry)
	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0].Attempt)
	assert.Equal(t, 2, retries[1].Attempt)
	assert.LessOrEqual(t, retries[0].Duration, retries[1].Duration)
	assert.Equal(t, "timeout", retries[0].Class)

	assert.Equal(t, uint64(2), f.client.Metrics().RetryCount.Load())
	assert.Equal(t, uint64(1), f.client.Metrics().DispatchErrCount.Load())
	// timeouts never fault the session
	assert.Equal(t, 1, f.drv.Opens(lanAddr))
}

func TestExecute_MalformedIsNotRetried(t *testing.T) {
	f := newFixture(t, transporttest.Script(map[string]string{"MEAS:VOLT?\n": "ERR\n"}))

	_, err := f.client.Execute(context.Background(), lanAddr, measure, nil, fastPolicy())
	require.ErrorIs(t, err, command.ErrMalformedResponse)

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 1, de.Attempts)

	var me *command.MalformedResponseError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, []byte("ERR\n"), me.Raw)

	assert.Len(t, f.drv.Writes(), 1)
	assert.Empty(t, f.drain(diag.KindRetry))

	failures := f.drain(diag.KindFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, "malformed_response", failures[0].Class)
	assert.Equal(t, lanAddr.String(), failures[0].Address)
}

func TestExecute_SucceedsAfterTimeout(t *testing.T) {
	f := newFixture(t, transporttest.Sequence(
		transporttest.Reply{},
		transporttest.Reply{Data: []byte("1.25\n")},
	))

	resp, err := f.client.Execute(context.Background(), lanAddr, measure, nil, fastPolicy())
	require.NoError(t, err)
	v, _ := resp.Float()
	assert.InDelta(t, 1.25, v, 1e-12)
	assert.Len(t, f.drv.Writes(), 2)
	assert.Equal(t, uint64(1), f.client.Metrics().RetryCount.Load())
}

func TestExecute_UnreachableFaultsWithoutRetry(t *testing.T) {
	lost := transport.NewError(transport.ClassUnreachable, "write", lanAddr.String(), errors.New("connection reset"))
	f := newFixture(t, transporttest.Sequence(transporttest.Reply{WriteErr: lost}))

	_, err := f.client.Execute(context.Background(), lanAddr, measure, nil, fastPolicy())
	require.ErrorIs(t, err, transport.ErrUnreachable)

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 1, de.Attempts)
	assert.Len(t, f.drv.Writes(), 1)

	require.Eventually(t, func() bool {
		return f.mgr.State(lanAddr) == session.StateClosed
	}, time.Second, time.Millisecond)
}

func TestExecute_RetriesBusyOpen(t *testing.T) {
	f := newFixture(t, transporttest.Script(map[string]string{"MEAS:VOLT?\n": "4.998\n"}))
	busy := transport.NewError(transport.ClassBusy, "open", lanAddr.String(), errors.New("port held by another process"))
	f.drv.FailOpens(lanAddr, busy)

	resp, err := f.client.Execute(context.Background(), lanAddr, measure, nil, fastPolicy())
	require.NoError(t, err)
	v, _ := resp.Float()
	assert.InDelta(t, 4.998, v, 1e-12)

	assert.Equal(t, 2, f.drv.Opens(lanAddr))
	assert.Len(t, f.drv.Writes(), 1)

	retries := f.drain(diag.KindRetry)
	require.Len(t, retries, 1)
	assert.Equal(t, "busy", retries[0].Class)
	assert.Empty(t, retries[0].SessionID)
}

func TestExecute_BusyOpenExhausts(t *testing.T) {
	f := newFixture(t, nil)
	busy := transport.NewError(transport.ClassBusy, "open", lanAddr.String(), nil)
	f.drv.FailOpens(lanAddr, busy, busy, busy)

	_, err := f.client.Execute(context.Background(), lanAddr, measure, nil, fastPolicy())
	require.ErrorIs(t, err, transport.ErrBusy)

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 3, de.Attempts)
	assert.Equal(t, 3, f.drv.Opens(lanAddr))
	assert.Empty(t, f.drv.Writes())
}

func TestExecute_LateReplyAbortedByClear(t *testing.T) {
	f := newFixture(t, func(_ address.Address, written []byte) transporttest.Reply {
		switch string(written) {
		case "MEAS:VOLT?\n":
			return transporttest.Reply{Data: []byte("4.998\n"), Delay: 60 * time.Millisecond}
		case "*IDN?\n":
			return transporttest.Reply{Data: []byte("RIGOL TECHNOLOGIES,DP832,DP8C1,00.01\n")}
		}

		return transporttest.Reply{}
	})

	policy := fastPolicy()
	policy.MaxAttempts = 1

	_, err := f.client.Execute(context.Background(), lanAddr, measure, nil, policy)
	require.ErrorIs(t, err, transport.ErrTimeout)

	time.Sleep(80 * time.Millisecond)

	id, err := f.client.Probe(context.Background(), lanAddr)
	require.NoError(t, err)
	assert.Equal(t, "DP832", id.Model)
}

func TestExecute_InvalidArgumentSkipsAcquire(t *testing.T) {
	f := newFixture(t, nil)

	spec, err := f.client.ModelCommand("DP832", "measure_voltage", address.MediumLAN)
	require.NoError(t, err)

	_, err = f.client.Execute(context.Background(), lanAddr, spec, command.Args{"channel": 7}, fastPolicy())
	require.ErrorIs(t, err, command.ErrInvalidArgument)

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 0, de.Attempts)
	assert.Equal(t, 0, f.drv.Opens(lanAddr))
}

func TestExecute_ReacquiresInvalidatedSession(t *testing.T) {
	var (
		mgr    atomic.Pointer[session.Manager]
		writes atomic.Int32
	)
	f := newFixture(t, func(addr address.Address, _ []byte) transporttest.Reply {
		if writes.Add(1) == 1 {
			// close the session while the first attempt waits for its reply
			go func() {
				time.Sleep(10 * time.Millisecond)
				_ = mgr.Load().Close(addr)
			}()

			return transporttest.Reply{}
		}

		return transporttest.Reply{Data: []byte("2.5\n")}
	})
	mgr.Store(f.mgr)

	policy := fastPolicy()
	policy.BaseTimeout = 50 * time.Millisecond

	resp, err := f.client.Execute(context.Background(), lanAddr, measure, nil, policy)
	require.NoError(t, err)
	v, _ := resp.Float()
	assert.InDelta(t, 2.5, v, 1e-12)
	assert.Equal(t, 2, f.drv.Opens(lanAddr))
}

func TestExecute_ContextCancelled(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	policy := fastPolicy()
	policy.BaseDelay = time.Second

	_, err := f.client.Execute(ctx, lanAddr, measure, nil, policy)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 1, de.Attempts)
}

func TestExecuteModel(t *testing.T) {
	f := newFixture(t, transporttest.Script(map[string]string{"MEAS:VOLT? CH2\n": "12.001\n"}),
		WithPolicies(func(address.Medium) retry.Policy { return fastPolicy() }))

	resp, err := f.client.ExecuteModel(context.Background(), lanAddr, "power_supplies/rigol_dp800/DP832",
		"measure_voltage", command.Args{"channel": 2})
	require.NoError(t, err)
	v, _ := resp.Float()
	assert.InDelta(t, 12.001, v, 1e-12)

	_, err = f.client.ExecuteModel(context.Background(), lanAddr, "DP811", "measure_voltage", command.Args{"channel": 1})
	require.ErrorIs(t, err, ErrUnsupportedMedium)

	_, err = f.client.ExecuteModel(context.Background(), lanAddr, "DP832", "reboot", nil)
	require.ErrorIs(t, err, catalog.ErrNotFound)

	_, err = f.client.ExecuteModel(context.Background(), lanAddr, "DP9000", "measure_voltage", nil)
	require.ErrorIs(t, err, catalog.ErrNotFound)

	assert.Equal(t, 1, f.drv.Opens(lanAddr))
}

func TestExecuteModel_NoCatalog(t *testing.T) {
	drv := transporttest.NewDriver(address.MediumLAN, nil)
	mgr, err := session.NewManager(session.WithDriver(drv))
	require.NoError(t, err)
	defer mgr.Shutdown() //nolint:errcheck

	client, err := NewClient(mgr)
	require.NoError(t, err)

	_, err = client.ExecuteModel(context.Background(), lanAddr, "DP832", "measure_voltage", nil)
	require.ErrorIs(t, err, ErrNoCatalog)
}

func TestComposeFor(t *testing.T) {
	cat, err := catalog.Parse([]byte(benchLibrary))
	require.NoError(t, err)
	model, err := cat.FindModel("DP832")
	require.NoError(t, err)

	addr, err := ComposeFor(model, address.MediumLAN, address.Fields{"host": "192.0.2.20"})
	require.NoError(t, err)
	assert.Equal(t, "TCPIP::192.0.2.20::5555::SOCKET", addr.String())

	addr, err = ComposeFor(model, address.MediumLAN, address.Fields{"host": "192.0.2.20", "port": "5025"})
	require.NoError(t, err)
	assert.Equal(t, "TCPIP::192.0.2.20::5025::SOCKET", addr.String())

	_, err = ComposeFor(model, address.MediumGPIB, address.Fields{"primary": "5"})
	require.ErrorIs(t, err, ErrUnsupportedMedium)

	_, err = ComposeFor(model, address.MediumLAN, address.Fields{})
	require.ErrorIs(t, err, address.ErrInvalidAddress)
}

func TestResolveInstance(t *testing.T) {
	cat, err := catalog.Parse([]byte(benchLibrary))
	require.NoError(t, err)

	inst := catalog.Instance{
		Name:           "psu1",
		GenericID:      "DP832",
		ConnectionType: "lxi",
		Address:        "TCPIP::192.0.2.20::5555::SOCKET",
	}
	model, addr, err := ResolveInstance(cat, inst)
	require.NoError(t, err)
	assert.Equal(t, "DP832", model.ID)
	assert.Equal(t, address.MediumLAN, addr.Medium())

	tests := []struct {
		name   string
		mutate func(*catalog.Instance)
	}{
		{name: "unknown model", mutate: func(i *catalog.Instance) { i.GenericID = "X" }},
		{name: "bad address", mutate: func(i *catalog.Instance) { i.Address = "TCPIP::::SOCKET" }},
		{name: "type mismatch", mutate: func(i *catalog.Instance) { i.ConnectionType = "gpib" }},
		{name: "unknown type", mutate: func(i *catalog.Instance) { i.ConnectionType = "firewire" }},
		{name: "unsupported medium", mutate: func(i *catalog.Instance) { i.Address = "GPIB0::5::INSTR"; i.ConnectionType = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := inst
			tt.mutate(&bad)
			_, _, err := ResolveInstance(cat, bad)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "psu1")
		})
	}

	_, _, err = ResolveInstance(nil, inst)
	require.ErrorIs(t, err, ErrNoCatalog)
}

func TestProbe(t *testing.T) {
	f := newFixture(t, transporttest.Script(map[string]string{
		"*IDN?\n": "RIGOL TECHNOLOGIES,DP832,DP8C1234,00.01.14\n",
	}))

	id, err := f.client.Probe(context.Background(), lanAddr)
	require.NoError(t, err)
	assert.Equal(t, "RIGOL TECHNOLOGIES", id.Manufacturer)
	assert.Equal(t, "DP832", id.Model)
	assert.Equal(t, "DP8C1234", id.Serial)
	assert.Equal(t, "00.01.14", id.Firmware)

	model, ok := MatchModel(f.client.Catalog(), id)
	require.True(t, ok)
	assert.Equal(t, "DP832", model.ID)

	_, ok = MatchModel(f.client.Catalog(), Identity{Model: "E3631A"})
	assert.False(t, ok)
}

func TestListUSB_NoDriver(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.client.ListUSB()
	require.ErrorIs(t, err, ErrNoUSBDriver)
}

func TestRegisterMetrics(t *testing.T) {
	f := newFixture(t, transporttest.Script(map[string]string{"MEAS:VOLT?\n": "4.998\n"}))
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg, "instr", f.client))

	_, err := f.client.Execute(context.Background(), lanAddr, measure, nil, fastPolicy())
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	assert.InDelta(t, 1.0, values["instr_dispatches_total"], 0)
	assert.InDelta(t, 1.0, values["instr_session_opens_total"], 0)
	assert.InDelta(t, 1.0, values["instr_sessions_active"], 0)
	assert.InDelta(t, 1.0, values["instr_session_exchanges_total"], 0)

	// a second registration on the same registry conflicts
	require.Error(t, RegisterMetrics(reg, "instr", f.client))
}

func TestNewClient_Options(t *testing.T) {
	_, err := NewClient(nil)
	require.Error(t, err)

	mgr, err := session.NewManager()
	require.NoError(t, err)
	defer mgr.Shutdown() //nolint:errcheck

	_, err = NewClient(mgr, WithLogger(nil))
	require.Error(t, err)
	_, err = NewClient(mgr, WithPolicies(nil))
	require.Error(t, err)
	_, err = NewClient(mgr, WithDispatcher(nil))
	require.Error(t, err)

	c, err := NewClient(mgr)
	require.NoError(t, err)
	assert.Equal(t, retry.DefaultPolicyFor(address.MediumGPIB), c.PolicyFor(address.MediumGPIB))
}

func TestDispatchError_Message(t *testing.T) {
	err := &DispatchError{Address: lanAddr, Command: "measure_voltage", Attempts: 3, Err: errors.New("boom")}
	assert.Equal(t, "instr: measure_voltage on TCPIP::192.0.2.10::5025::SOCKET failed after 3 attempts: boom", err.Error())

	err.Attempts = 1
	assert.Equal(t, "instr: measure_voltage on TCPIP::192.0.2.10::5025::SOCKET: boom", err.Error())
}
