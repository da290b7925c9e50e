package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/logger"
	"github.com/arloliu/go-instr/retry"
	"github.com/arloliu/go-instr/transport"
	"github.com/arloliu/go-instr/transport/gpib"
)

const fullConfig = `
log_level: debug
console: true
catalog: ./library.yaml
instances: ./bench.inst
session:
  idle_timeout: 1m
  connect_timeout: 2s
retry:
  default:
    max_attempts: 4
  gpib:
    base_timeout: 5s
    retryable: [timeout]
lan:
  keep_alive: 30s
  interface: eth0
gpib:
  inter_byte_timeout: 20ms
  controllers:
    - board: 0
      path: /dev/ttyUSB0
    - board: 1
      host: 192.0.2.50
diag:
  nats_url: nats://127.0.0.1:4222
  encoding: cbor
metrics:
  listen: ":9464"
`

func TestRead_Full(t *testing.T) {
	cfg, err := Read(strings.NewReader(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, logger.DebugLevel, cfg.Level())
	assert.True(t, cfg.Console)
	assert.Equal(t, "./library.yaml", cfg.Catalog)
	assert.Equal(t, "./bench.inst", cfg.Instances)
	assert.Equal(t, time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, 2*time.Second, cfg.Session.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.LAN.KeepAlive)
	assert.Equal(t, "eth0", cfg.LAN.Interface)
	assert.Equal(t, 20*time.Millisecond, cfg.GPIB.InterByteTimeout)

	require.Len(t, cfg.GPIB.Controllers, 2)
	assert.Equal(t, gpib.DefaultSerialBaud, cfg.GPIB.Controllers[0].Baud)
	assert.Equal(t, gpib.DefaultTCPPort, cfg.GPIB.Controllers[1].Port)

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Diag.NATSURL)
	assert.Equal(t, "cbor", cfg.Diag.Encoding)
	assert.Equal(t, "instr.diag", cfg.Diag.Subject)
	assert.Equal(t, ":9464", cfg.Metrics.Listen)
	assert.Equal(t, DefaultNamespace, cfg.Metrics.Namespace)
}

func TestPolicyFor(t *testing.T) {
	cfg, err := Read(strings.NewReader(fullConfig))
	require.NoError(t, err)

	gp := cfg.PolicyFor(address.MediumGPIB)
	assert.Equal(t, 5*time.Second, gp.BaseTimeout)
	// fields not named keep the GPIB built-in values
	assert.Equal(t, retry.DefaultPolicyFor(address.MediumGPIB).BaseDelay, gp.BaseDelay)
	assert.Equal(t, retry.DefaultMaxAttempts, gp.MaxAttempts)
	assert.Equal(t, []transport.Class{transport.ClassTimeout}, gp.Retryable)

	lp := cfg.PolicyFor(address.MediumLAN)
	assert.Equal(t, 4, lp.MaxAttempts)
	assert.Equal(t, retry.DefaultBaseTimeout, lp.BaseTimeout)

	def := Default()
	assert.Equal(t, retry.DefaultPolicyFor(address.MediumSerial), def.PolicyFor(address.MediumSerial))
}

func TestRead_Empty(t *testing.T) {
	cfg, err := Read(strings.NewReader("\n"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestRead_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "unknown key", yaml: "catalogue: x\n", want: "catalogue"},
		{name: "log level", yaml: "log_level: loud\n", want: "loud"},
		{name: "idle timeout", yaml: "session:\n  idle_timeout: -1s\n", want: "idle_timeout"},
		{name: "connect timeout", yaml: "session:\n  connect_timeout: 1ms\n", want: "connect_timeout"},
		{name: "retry medium", yaml: "retry:\n  firewire: {}\n", want: "firewire"},
		{name: "retry range", yaml: "retry:\n  lan:\n    max_attempts: 0\n", want: "retry.lan"},
		{name: "retry unrecoverable class", yaml: "retry:\n  default:\n    retryable: [unreachable]\n", want: "retry.default"},
		{name: "retry bad class", yaml: "retry:\n  default:\n    retryable: [sometimes]\n", want: "sometimes"},
		{name: "controller link", yaml: "gpib:\n  controllers:\n    - board: 0\n", want: "path or host"},
		{name: "duplicate board", yaml: "gpib:\n  controllers:\n    - {board: 2, path: a}\n    - {board: 2, host: b}\n", want: "duplicate"},
		{name: "diag encoding", yaml: "diag:\n  encoding: xml\n", want: "xml"},
		{name: "diag buffer", yaml: "diag:\n  buffer: -1\n", want: "buffer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.True(t, strings.HasPrefix(err.Error(), "config: "))
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "./library.yaml", cfg.Catalog)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("log_level: loud\n"), 0o600))
	_, err = Load(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), bad)
}
