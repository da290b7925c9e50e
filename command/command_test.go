package command

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/catalog"
	"github.com/arloliu/go-instr/diag"
	"github.com/arloliu/go-instr/logger"
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

func ptr[T any](v T) *T { return &v }

var lanAddr = func() address.Address {
	a, err := address.NewLAN("192.0.2.10", 5025, "SOCKET")
	if err != nil {
		panic(err)
	}
	return a
}()

func acquire(t *testing.T, respond transporttest.Responder) (*transporttest.Driver, *session.Handle) {
	t.Helper()

	drv := transporttest.NewDriver(address.MediumLAN, respond)
	m, err := session.NewManager(session.WithDriver(drv))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })

	h, err := m.Acquire(context.Background(), lanAddr)
	require.NoError(t, err)
	t.Cleanup(h.Release)

	return drv, h
}

func newDispatcher(t *testing.T, opts ...DispatcherOption) *Dispatcher {
	t.Helper()

	d, err := NewDispatcher(opts...)
	require.NoError(t, err)

	return d
}

var (
	measureVoltage = &catalog.CommandSpec{
		Name:     "measure_voltage",
		Mnemonic: "MEAS:VOLT?",
		Response: catalog.ResponseSpec{Shape: catalog.ShapeScalar, Type: catalog.ValueFloat},
	}
	setVoltage = &catalog.CommandSpec{
		Name:     "set_voltage",
		Mnemonic: "SOUR{channel}:VOLT",
		Params: []catalog.ParamSpec{
			{Name: "channel", Type: catalog.ParamInteger, Min: ptr(1.0), Max: ptr(3.0)},
			{Name: "volts", Type: catalog.ParamFloat, Min: ptr(0.0), Max: ptr(30.0)},
		},
		Response: catalog.ResponseSpec{Shape: catalog.ShapeNone},
	}
	fetchWaveform = &catalog.CommandSpec{
		Name:     "fetch_waveform",
		Mnemonic: "DATA:WAV?",
		Response: catalog.ResponseSpec{Shape: catalog.ShapeBlock},
	}
)

func TestExecute_ScalarFloat(t *testing.T) {
	drv, h := acquire(t, transporttest.Script(map[string]string{"MEAS:VOLT?\n": "4.998\n"}))
	d := newDispatcher(t)

	resp, err := d.Execute(context.Background(), h, measureVoltage, nil)
	require.NoError(t, err)

	v, ok := resp.Float()
	require.True(t, ok)
	assert.InDelta(t, 4.998, v, 1e-12)
	assert.Equal(t, []byte("4.998\n"), resp.Raw)
	assert.Equal(t, catalog.ShapeScalar, resp.Shape)
	assert.Equal(t, []string{"MEAS:VOLT?\n"}, drv.WrittenStrings(lanAddr))
}

func TestExecute_MalformedScalar(t *testing.T) {
	drv, h := acquire(t, transporttest.Script(map[string]string{"MEAS:VOLT?\n": "ERR\n"}))
	d := newDispatcher(t)

	_, err := d.Execute(context.Background(), h, measureVoltage, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrMalformedResponse)

	var me *MalformedResponseError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, []byte("ERR\n"), me.Raw)
	assert.Equal(t, "measure_voltage", me.Command)
	assert.Len(t, drv.Writes(), 1)
	// framing was intact, the session stays usable
	assert.True(t, h.Valid())
}

func TestExecute_InvalidArgumentSendsNothing(t *testing.T) {
	drv, h := acquire(t, nil)
	d := newDispatcher(t)

	_, err := d.Execute(context.Background(), h, setVoltage, Args{"channel": 1, "volts": 31.5})
	require.ErrorIs(t, err, ErrInvalidArgument)

	var ie *InvalidArgumentError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "volts", ie.Param)
	assert.Empty(t, drv.Writes())
}

func TestExecute_NoResponse(t *testing.T) {
	drv, h := acquire(t, nil)
	d := newDispatcher(t)

	resp, err := d.Execute(context.Background(), h, setVoltage, Args{"channel": 2, "volts": 12.5})
	require.NoError(t, err)
	assert.Equal(t, catalog.ShapeNone, resp.Shape)
	assert.Equal(t, "ok", resp.String())
	assert.Equal(t, []string{"SOUR2:VOLT 12.5\n"}, drv.WrittenStrings(lanAddr))
}

func TestExecute_TimeoutKeepsPartialAndClears(t *testing.T) {
	drv, h := acquire(t, transporttest.Script(map[string]string{"MEAS:VOLT?\n": "4.9"}))
	d := newDispatcher(t)

	start := time.Now()
	_, err := d.Execute(context.Background(), h, measureVoltage, nil, WithTimeout(30*time.Millisecond))
	require.ErrorIs(t, err, transport.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	var te *transport.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, transport.ClassTimeout, te.Class)
	assert.Equal(t, []byte("4.9"), te.Partial)
	assert.Equal(t, lanAddr.String(), te.Resource)

	handles := drv.Handles()
	require.Len(t, handles, 1)
	assert.Equal(t, 1, handles[0].Clears())
	// a timeout does not fault the session
	assert.Equal(t, session.StateOpen, h.State())
}

func TestExecute_CommandTimeoutOverride(t *testing.T) {
	spec := measureVoltage.Clone()
	spec.Response.Timeout = 200 * time.Millisecond

	_, h := acquire(t, func(address.Address, []byte) transporttest.Reply {
		return transporttest.Reply{Data: []byte("1.5\n"), Delay: 60 * time.Millisecond}
	})
	d := newDispatcher(t)

	resp, err := d.Execute(context.Background(), h, spec, nil, WithTimeout(20*time.Millisecond))
	require.NoError(t, err)
	v, _ := resp.Float()
	assert.InDelta(t, 1.5, v, 1e-12)
}

func TestExecute_Blocks(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  []byte
	}{
		{name: "definite", reply: "#15hello\n", want: []byte("hello")},
		{name: "definite binary", reply: "#13\x00\n\xff\n", want: []byte{0x00, '\n', 0xff}},
		{name: "definite without trailer", reply: "#203abc", want: []byte("abc")},
		{name: "indefinite", reply: "#0abc\n", want: []byte("abc")},
		{name: "leading whitespace", reply: " #12ok\n", want: []byte("ok")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := acquire(t, transporttest.Script(map[string]string{"DATA:WAV?\n": tt.reply}))
			d := newDispatcher(t)

			resp, err := d.Execute(context.Background(), h, fetchWaveform, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Block)
			assert.Equal(t, catalog.ShapeBlock, resp.Shape)
		})
	}
}

func TestExecute_BlockTrailerAfterGrace(t *testing.T) {
	drv, h := acquire(t, transporttest.Script(map[string]string{"DATA:WAV?\n": "#15hello"}))
	d := newDispatcher(t)

	start := time.Now()
	resp, err := d.Execute(context.Background(), h, fetchWaveform, nil, WithTimeout(time.Second))
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, []byte("hello"), resp.Block)
	assert.GreaterOrEqual(t, elapsed, blockTrailerGrace)
	assert.Less(t, elapsed, 500*time.Millisecond)

	// a missing trailer is not a framing error
	assert.Zero(t, drv.Handles()[0].Clears())
}

func TestExecute_BadBlockHeader(t *testing.T) {
	drv, h := acquire(t, transporttest.Script(map[string]string{"DATA:WAV?\n": "1,2,3\n"}))
	d := newDispatcher(t)

	_, err := d.Execute(context.Background(), h, fetchWaveform, nil)
	require.ErrorIs(t, err, ErrMalformedResponse)
	assert.Equal(t, 1, drv.Handles()[0].Clears())
}

func TestExecute_MaxResponse(t *testing.T) {
	spec := measureVoltage.Clone()
	spec.Encoding.MaxResponse = 8

	drv, h := acquire(t, transporttest.Script(map[string]string{"MEAS:VOLT?\n": "0123456789ABCDEF\n"}))
	d := newDispatcher(t)

	_, err := d.Execute(context.Background(), h, spec, nil)
	require.ErrorIs(t, err, ErrMalformedResponse)
	assert.Contains(t, err.Error(), "exceeds 8 bytes")
	assert.Equal(t, 1, drv.Handles()[0].Clears())
}

func TestExecute_PublishesExchangeEvent(t *testing.T) {
	bus := diag.NewBus()
	defer bus.Close()
	events, cancel := bus.Subscribe(4)
	defer cancel()

	_, h := acquire(t, transporttest.Script(map[string]string{"MEAS:VOLT?\n": "ERR\n"}))
	d := newDispatcher(t, WithDiagBus(bus))

	_, err := d.Execute(context.Background(), h, measureVoltage, nil, WithAttempt(2))
	require.Error(t, err)

	select {
	case e := <-events:
		assert.Equal(t, diag.KindExchange, e.Kind)
		assert.Equal(t, lanAddr.String(), e.Address)
		assert.Equal(t, h.SessionID(), e.SessionID)
		assert.Equal(t, "measure_voltage", e.Command)
		assert.Equal(t, "malformed_response", e.Class)
		assert.Equal(t, 2, e.Attempt)
		assert.True(t, e.Failed())
	case <-time.After(time.Second):
		t.Fatal("no exchange event")
	}
}

func TestExecute_ReleasedHandle(t *testing.T) {
	drv, h := acquire(t, nil)
	d := newDispatcher(t)
	h.Release()

	_, err := d.Execute(context.Background(), h, measureVoltage, nil)
	require.ErrorIs(t, err, session.ErrHandleReleased)
	assert.Empty(t, drv.Writes())
}

func TestRaw(t *testing.T) {
	_, h := acquire(t, transporttest.Script(map[string]string{
		"*IDN?\n": "RIGOL TECHNOLOGIES,DP832,DP8C0000001,00.01.14\n",
	}))
	d := newDispatcher(t)

	resp, err := d.Execute(context.Background(), h, Raw("*IDN?", catalog.ShapeList), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"RIGOL TECHNOLOGIES", "DP832", "DP8C0000001", "00.01.14"}, resp.Strings())

	spec := Raw("*RST", catalog.ShapeNone)
	assert.Equal(t, "*RST", spec.Name)
	assert.Empty(t, spec.Response.Type)
}

func TestDispatcherOptions(t *testing.T) {
	_, err := NewDispatcher(WithDefaultTimeout(0))
	require.Error(t, err)

	_, err = NewDispatcher(WithLogger(nil))
	require.Error(t, err)

	d, err := NewDispatcher(WithDefaultTimeout(time.Second), WithLogger(logger.NewMockLogger()))
	require.NoError(t, err)
	assert.Equal(t, time.Second, d.timeout)
}

func TestEncode(t *testing.T) {
	output := &catalog.CommandSpec{
		Name:     "output",
		Mnemonic: "OUTP",
		Params: []catalog.ParamSpec{
			{Name: "channel", Type: catalog.ParamEnum, Values: []string{"CH1", "CH2", "CH3"}},
			{Name: "state", Type: catalog.ParamBool},
		},
		Encoding: catalog.Encoding{BoolTrue: "ON", BoolFalse: "OFF"},
	}
	display := &catalog.CommandSpec{
		Name:     "display_text",
		Mnemonic: "DISP:TEXT",
		Params:   []catalog.ParamSpec{{Name: "text", Type: catalog.ParamString, MaxLength: 16}},
		Encoding: catalog.Encoding{QuoteStrings: ptr(true)},
	}
	configure := &catalog.CommandSpec{
		Name:     "configure",
		Mnemonic: "CONF:VOLT:DC",
		Params: []catalog.ParamSpec{
			{Name: "range", Type: catalog.ParamString, Optional: true, Default: "AUTO"},
			{Name: "resolution", Type: catalog.ParamFloat, Optional: true},
		},
	}
	fixed := setVoltage.Clone()
	fixed.Encoding = catalog.Encoding{FloatFormat: "f", FloatPrecision: ptr(3), WriteTerminator: "\r\n"}

	undeclared := &catalog.CommandSpec{Name: "bad", Mnemonic: "SOUR{chan}:VOLT"}

	tests := []struct {
		name    string
		spec    *catalog.CommandSpec
		args    Args
		want    string
		param   string
		wantErr bool
	}{
		{name: "placeholder and trailing arg", spec: setVoltage, args: Args{"channel": 1, "volts": 12.5}, want: "SOUR1:VOLT 12.5\n"},
		{name: "text args", spec: setVoltage, args: Args{"channel": "3", "volts": "0.25"}, want: "SOUR3:VOLT 0.25\n"},
		{name: "fixed precision", spec: fixed, args: Args{"channel": 1, "volts": 5}, want: "SOUR1:VOLT 5.000\r\n"},
		{name: "enum canonical and bool words", spec: output, args: Args{"channel": "ch2", "state": true}, want: "OUTP CH2,ON\n"},
		{name: "bool from text", spec: output, args: Args{"channel": "CH1", "state": "off"}, want: "OUTP CH1,OFF\n"},
		{name: "quoted string", spec: display, args: Args{"text": `say "hi"`}, want: "DISP:TEXT \"say \"\"hi\"\"\"\n"},
		{name: "optional default", spec: configure, args: nil, want: "CONF:VOLT:DC AUTO\n"},
		{name: "optional given", spec: configure, args: Args{"range": "10", "resolution": 0.001}, want: "CONF:VOLT:DC 10,0.001\n"},
		{name: "no params", spec: measureVoltage, args: Args{}, want: "MEAS:VOLT?\n"},
		{name: "missing", spec: setVoltage, args: Args{"channel": 1}, param: "volts", wantErr: true},
		{name: "unknown", spec: setVoltage, args: Args{"channel": 1, "volts": 1, "amps": 2}, param: "amps", wantErr: true},
		{name: "below min", spec: setVoltage, args: Args{"channel": 0, "volts": 1}, param: "channel", wantErr: true},
		{name: "fractional int", spec: setVoltage, args: Args{"channel": 1.5, "volts": 1}, param: "channel", wantErr: true},
		{name: "not finite", spec: setVoltage, args: Args{"channel": 1, "volts": "NaN"}, param: "volts", wantErr: true},
		{name: "enum outside set", spec: output, args: Args{"channel": "CH4", "state": true}, param: "channel", wantErr: true},
		{name: "bad bool", spec: output, args: Args{"channel": "CH1", "state": "maybe"}, param: "state", wantErr: true},
		{name: "too long", spec: display, args: Args{"text": "0123456789abcdefg"}, param: "text", wantErr: true},
		{name: "terminator in string", spec: display, args: Args{"text": "a\nb"}, param: "text", wantErr: true},
		{name: "undeclared placeholder", spec: undeclared, args: nil, param: "chan", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.spec, tt.args)
			if tt.wantErr {
				var ie *InvalidArgumentError
				require.ErrorAs(t, err, &ie)
				assert.Equal(t, tt.param, ie.Param)
				assert.Nil(t, got)

				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestParse(t *testing.T) {
	enc := catalog.DefaultEncoding()
	spec := func(rs catalog.ResponseSpec) *catalog.CommandSpec {
		return &catalog.CommandSpec{Name: "q", Mnemonic: "Q?", Response: rs}
	}

	tests := []struct {
		name    string
		rs      catalog.ResponseSpec
		body    string
		scalar  any
		list    []any
		wantErr bool
	}{
		{name: "float", rs: catalog.ResponseSpec{Shape: catalog.ShapeScalar, Type: catalog.ValueFloat}, body: "+4.99800000E+00", scalar: 4.998},
		{name: "int", rs: catalog.ResponseSpec{Shape: catalog.ShapeScalar, Type: catalog.ValueInt}, body: "42", scalar: int64(42)},
		{name: "int in NR3", rs: catalog.ResponseSpec{Shape: catalog.ShapeScalar, Type: catalog.ValueInt}, body: "+1.00000E+01", scalar: int64(10)},
		{name: "bool word", rs: catalog.ResponseSpec{Shape: catalog.ShapeScalar, Type: catalog.ValueBool}, body: "ON", scalar: true},
		{name: "bool digit", rs: catalog.ResponseSpec{Shape: catalog.ShapeScalar, Type: catalog.ValueBool}, body: "0", scalar: false},
		{name: "enum", rs: catalog.ResponseSpec{Shape: catalog.ShapeScalar, Type: catalog.ValueEnum, Values: []string{"VOLT", "CURR"}}, body: "curr", scalar: "CURR"},
		{name: "quoted string", rs: catalog.ResponseSpec{Shape: catalog.ShapeScalar, Type: catalog.ValueString}, body: `"No ""error"""`, scalar: `No "error"`},
		{name: "float list", rs: catalog.ResponseSpec{Shape: catalog.ShapeList, Type: catalog.ValueFloat}, body: "1.5, 2.5,-3", list: []any{1.5, 2.5, -3.0}},
		{name: "fixed count", rs: catalog.ResponseSpec{Shape: catalog.ShapeList, Type: catalog.ValueInt, Count: 2}, body: "1,2", list: []any{int64(1), int64(2)}},
		{name: "custom separator", rs: catalog.ResponseSpec{Shape: catalog.ShapeList, Type: catalog.ValueString, Separator: ";"}, body: "a;b", list: []any{"a", "b"}},
		{name: "quoted separator", rs: catalog.ResponseSpec{Shape: catalog.ShapeList, Type: catalog.ValueString}, body: `-113,"Undefined header, check"`, list: []any{"-113", "Undefined header, check"}},
		{name: "empty variable list", rs: catalog.ResponseSpec{Shape: catalog.ShapeList, Type: catalog.ValueFloat}, body: "", list: []any{}},
		{name: "not a float", rs: catalog.ResponseSpec{Shape: catalog.ShapeScalar, Type: catalog.ValueFloat}, body: "ERR", wantErr: true},
		{name: "empty scalar", rs: catalog.ResponseSpec{Shape: catalog.ShapeScalar, Type: catalog.ValueFloat}, body: "  ", wantErr: true},
		{name: "fractional int", rs: catalog.ResponseSpec{Shape: catalog.ShapeScalar, Type: catalog.ValueInt}, body: "1.5", wantErr: true},
		{name: "bad bool", rs: catalog.ResponseSpec{Shape: catalog.ShapeScalar, Type: catalog.ValueBool}, body: "2", wantErr: true},
		{name: "enum outside set", rs: catalog.ResponseSpec{Shape: catalog.ShapeScalar, Type: catalog.ValueEnum, Values: []string{"VOLT"}}, body: "RES", wantErr: true},
		{name: "count mismatch", rs: catalog.ResponseSpec{Shape: catalog.ShapeList, Type: catalog.ValueInt, Count: 3}, body: "1,2", wantErr: true},
		{name: "bad element", rs: catalog.ResponseSpec{Shape: catalog.ShapeList, Type: catalog.ValueFloat}, body: "1,x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := []byte(tt.body + "\n")
			resp, err := Parse(spec(tt.rs), enc, raw, []byte(tt.body))
			if tt.wantErr {
				var me *MalformedResponseError
				require.ErrorAs(t, err, &me)
				assert.Equal(t, raw, me.Raw)

				return
			}
			require.NoError(t, err)
			if tt.rs.Shape == catalog.ShapeScalar {
				assert.Equal(t, tt.scalar, resp.Scalar)
			} else {
				assert.Equal(t, tt.list, resp.List)
			}
		})
	}
}

func TestResponse_Accessors(t *testing.T) {
	r := &Response{Shape: catalog.ShapeList, List: []any{int64(1), 2.5}}
	fs, ok := r.Floats()
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2.5}, fs)
	assert.Equal(t, "1, 2.5", r.String())

	r = &Response{Shape: catalog.ShapeScalar, Scalar: int64(7)}
	f, ok := r.Float()
	assert.True(t, ok)
	assert.InDelta(t, 7.0, f, 0)
	_, ok = r.Text()
	assert.False(t, ok)

	r = &Response{Shape: catalog.ShapeBlock, Block: make([]byte, 10)}
	assert.Equal(t, "block of 10 bytes", r.String())

	r = &Response{Shape: catalog.ShapeList, List: []any{"a"}}
	_, ok = r.Floats()
	assert.False(t, ok)
}
