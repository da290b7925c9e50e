package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/catalog"
	"github.com/arloliu/go-instr/instr"
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

const shellLibrary = `
instrument_library:
  power_supplies:
    - series_id: rigol_dp800
      series_name: Rigol DP800
      commands:
        - name: measure_voltage
          mnemonic: "MEAS:VOLT? CH{channel}"
          params:
            - {name: channel, type: integer, min: 1, max: 3}
          response: {shape: scalar, type: float}
        - name: set_voltage
          mnemonic: "SOUR{channel}:VOLT"
          params:
            - {name: channel, type: integer, min: 1, max: 3}
            - {name: volts, type: float, min: 0, max: 30}
      models:
        - id: DP832
          interface:
            supported_connection_types:
              - type: lxi
                defaults: {port: 5555}
          capabilities:
            channels: 3
`

const shellInstances = `
instruments:
  - instance_name: psu1
    instrument_generic_id: DP832
    actual_connection_type: lxi
    actual_visa_address: "TCPIP::192.0.2.30::5555::SOCKET"
    channel_assignments:
      - {signal_name: VCC, channel_id: CH1}
`

type shellFixture struct {
	sh  *shell
	out *bytes.Buffer
	drv *transporttest.Driver
	mgr *session.Manager
}

func newShellFixture(t *testing.T) *shellFixture {
	t.Helper()

	drv := transporttest.NewDriver(address.MediumLAN, transporttest.Script(map[string]string{
		"MEAS:VOLT? CH1\n": "4.998\n",
		"*IDN?\n":          "RIGOL TECHNOLOGIES,DP832,DP8C1234,00.01.14\n",
		"SYST:ERR?\n":      "0,\"No error\"\n",
	}))
	mgr, err := session.NewManager(session.WithDriver(drv))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	cat, err := catalog.Parse([]byte(shellLibrary))
	require.NoError(t, err)
	instances, err := catalog.ParseInstances([]byte(shellInstances))
	require.NoError(t, err)

	policy := retry.Policy{
		MaxAttempts:       1,
		BaseTimeout:       50 * time.Millisecond,
		BackoffMultiplier: 1,
		BaseDelay:         time.Millisecond,
		Retryable:         []transport.Class{transport.ClassTimeout},
	}
	client, err := instr.NewClient(mgr,
		instr.WithCatalog(cat),
		instr.WithPolicies(func(address.Medium) retry.Policy { return policy }),
	)
	require.NoError(t, err)

	out := &bytes.Buffer{}

	return &shellFixture{sh: newShell(client, instances, out), out: out, drv: drv, mgr: mgr}
}

func (f *shellFixture) run(t *testing.T, line string) string {
	t.Helper()

	f.out.Reset()
	require.NoError(t, f.sh.exec(context.Background(), line))

	return f.out.String()
}

func TestShell_Catalog(t *testing.T) {
	f := newShellFixture(t)

	out := f.run(t, "catalog")
	assert.Contains(t, out, "power_supplies")
	assert.Contains(t, out, "DP832")
	assert.Contains(t, out, "lan")

	out = f.run(t, "catalog DP832")
	assert.Contains(t, out, "channels: CH1, CH2, CH3")
	assert.Contains(t, out, "measure_voltage")
	assert.Contains(t, out, "MEAS:VOLT? CH{channel}")
	assert.Contains(t, out, "channel:integer volts:float")
}

func TestShell_ComposeAndParse(t *testing.T) {
	f := newShellFixture(t)

	assert.Equal(t, "TCPIP::192.0.2.20::5555::SOCKET\n", f.run(t, "compose DP832 lxi host=192.0.2.20"))

	out := f.run(t, "parse TCPIP::192.0.2.20::5555::SOCKET")
	assert.Contains(t, out, "(lan)")
	assert.Contains(t, out, "host=192.0.2.20")
	assert.Contains(t, out, "port=5555")

	err := f.sh.exec(context.Background(), "compose DP832 lxi host")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key=value")
}

func TestShell_ExecByAddressAndInstance(t *testing.T) {
	f := newShellFixture(t)

	out := f.run(t, "exec TCPIP::192.0.2.10::5025::SOCKET DP832 measure_voltage channel=1")
	assert.Contains(t, out, "4.998")

	out = f.run(t, "exec psu1 set_voltage channel=2 volts=12.5")
	assert.Contains(t, out, "ok")

	psu := address.MustParse("TCPIP::192.0.2.30::5555::SOCKET")
	assert.Equal(t, []string{"SOUR2:VOLT 12.5\n"}, f.drv.WrittenStrings(psu))

	err := f.sh.exec(context.Background(), "exec psu1 set_voltage channel=9 volts=1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel")
}

func TestShell_ProbeAndRaw(t *testing.T) {
	f := newShellFixture(t)

	out := f.run(t, "probe psu1")
	assert.Contains(t, out, "model: DP832")
	assert.Contains(t, out, "catalog: power_supplies/rigol_dp800/DP832")

	out = f.run(t, "raw psu1 SYST:ERR?")
	assert.Contains(t, out, `0,"No error"`)

	f.run(t, "raw psu1 *RST")
	psu := address.MustParse("TCPIP::192.0.2.30::5555::SOCKET")
	assert.Equal(t, []string{"*IDN?\n", "SYST:ERR?\n", "*RST\n"}, f.drv.WrittenStrings(psu))
}

func TestShell_SessionsAndClose(t *testing.T) {
	f := newShellFixture(t)
	psu := address.MustParse("TCPIP::192.0.2.30::5555::SOCKET")

	f.run(t, "probe psu1")
	out := f.run(t, "sessions")
	assert.Contains(t, out, psu.String())
	assert.Contains(t, out, "open")

	f.run(t, "close psu1")
	assert.Equal(t, session.StateClosed, f.mgr.State(psu))

	out = f.run(t, "instances")
	assert.Contains(t, out, "psu1")
	assert.Contains(t, out, "VCC=CH1")
}

func TestShell_Errors(t *testing.T) {
	f := newShellFixture(t)

	err := f.sh.exec(context.Background(), "frobnicate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")

	err = f.sh.exec(context.Background(), "probe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage: probe")

	err = f.sh.exec(context.Background(), "exec TCPIP::192.0.2.10::5025::SOCKET measure_voltage")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage: exec")

	err = f.sh.exec(context.Background(), "discover serial")
	require.Error(t, err)

	require.NoError(t, f.sh.exec(context.Background(), "   "))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\ncatalog: a.yaml\n"), 0o600))

	cfg, err := loadConfig(flags{configPath: path, catalogPath: "b.yaml", metricsAddr: ":9464"})
	require.NoError(t, err)
	assert.Equal(t, "b.yaml", cfg.Catalog)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, ":9464", cfg.Metrics.Listen)

	_, err = loadConfig(flags{logLevel: "loud"})
	require.Error(t, err)
}

func TestLoadConfig_Example(t *testing.T) {
	cfg, err := loadConfig(flags{configPath: "testdata/instctl.yaml"})
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, 5*time.Second, cfg.PolicyFor(address.MediumGPIB).BaseTimeout)
	require.Len(t, cfg.GPIB.Controllers, 2)
	assert.Equal(t, "cbor", cfg.Diag.Encoding)

	cat, err := catalog.LoadFile(cfg.Catalog)
	require.NoError(t, err)
	instances, err := catalog.LoadInstances(cfg.Instances)
	require.NoError(t, err)

	inst, err := instances.Find("psu1")
	require.NoError(t, err)
	model, addr, err := instr.ResolveInstance(cat, inst)
	require.NoError(t, err)
	assert.Equal(t, "DP832", model.ID)
	assert.Equal(t, "TCPIP::192.0.2.30::5555::SOCKET", addr.String())

	drivers, err := buildDrivers(cfg, logger.GetLogger())
	require.NoError(t, err)
	assert.Len(t, drivers, 4)
}
