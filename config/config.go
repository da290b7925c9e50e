// Package config loads the YAML configuration of the instctl application.
//
// Every section is optional; missing values keep the defaults of the package that
// consumes them. Retry policies are keyed by medium name, with "default" applying to any
// medium without its own entry. A partial policy overrides only the fields it names:
//
//	log_level: debug
//	catalog: ./library.yaml
//	session:
//	  idle_timeout: 1m
//	retry:
//	  default:
//	    max_attempts: 4
//	  gpib:
//	    base_timeout: 5s
//	gpib:
//	  controllers:
//	    - board: 0
//	      path: /dev/ttyUSB0
//	diag:
//	  nats_url: nats://127.0.0.1:4222
//	  encoding: cbor
//	metrics:
//	  listen: ":9464"
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/diag"
	"github.com/arloliu/go-instr/logger"
	"github.com/arloliu/go-instr/retry"
	"github.com/arloliu/go-instr/session"
	"github.com/arloliu/go-instr/transport/gpib"
	"github.com/arloliu/go-instr/transport/lan"
	"github.com/arloliu/go-instr/transport/usb"
)

// Config is the application configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	// Console selects the human readable log handler.
	Console bool `yaml:"console"`
	// Catalog is the path of the capability catalog (YAML or JSON).
	Catalog string `yaml:"catalog"`
	// Instances is an optional instrument instance file.
	Instances string `yaml:"instances"`

	Session SessionConfig `yaml:"session"`
	Retry   Policies      `yaml:"retry"`
	LAN     LANConfig     `yaml:"lan"`
	GPIB    GPIBConfig    `yaml:"gpib"`
	USB     USBConfig     `yaml:"usb"`
	Diag    DiagConfig    `yaml:"diag"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// SessionConfig configures the session manager.
type SessionConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// LANConfig configures the LAN driver and discovery.
type LANConfig struct {
	KeepAlive time.Duration `yaml:"keep_alive"`
	NoDelay   *bool         `yaml:"no_delay"`
	// Interface restricts mDNS discovery to one network interface.
	Interface       string        `yaml:"interface"`
	DiscoverTimeout time.Duration `yaml:"discover_timeout"`
}

// GPIBConfig lists the GPIB controllers by board index.
type GPIBConfig struct {
	Controllers      []gpib.Controller `yaml:"controllers"`
	InterByteTimeout time.Duration     `yaml:"inter_byte_timeout"`
}

// USBConfig configures USB enumeration.
type USBConfig struct {
	SysfsRoot string `yaml:"sysfs_root"`
	DevRoot   string `yaml:"dev_root"`
	CDCBaud   int    `yaml:"cdc_baud"`
}

// DiagConfig configures diagnostic event forwarding. Events stay local when NATSURL is empty.
type DiagConfig struct {
	NATSURL  string `yaml:"nats_url"`
	Subject  string `yaml:"subject"`
	Encoding string `yaml:"encoding"`
	Buffer   int    `yaml:"buffer"`
	// LogEvents forwards every event to the application logger.
	LogEvents bool `yaml:"log_events"`
}

// MetricsConfig configures the Prometheus endpoint. It is disabled when Listen is empty.
type MetricsConfig struct {
	Listen    string `yaml:"listen"`
	Namespace string `yaml:"namespace"`
}

// DefaultNamespace prefixes exported metric names.
const DefaultNamespace = "instr"

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Session: SessionConfig{
			IdleTimeout:    session.DefaultIdleTimeout,
			ConnectTimeout: session.DefaultConnectTimeout,
		},
		Retry: Policies{},
		LAN: LANConfig{
			KeepAlive:       lan.DefaultKeepAlive,
			DiscoverTimeout: lan.DefaultDiscoverTimeout,
		},
		USB: USBConfig{
			SysfsRoot: usb.DefaultSysfsRoot,
			DevRoot:   usb.DefaultDevRoot,
			CDCBaud:   usb.DefaultCDCBaud,
		},
		Diag: DiagConfig{
			Subject:  diag.DefaultSubject,
			Encoding: "json",
			Buffer:   diag.DefaultSubscriberBuffer,
		},
		Metrics: MetricsConfig{Namespace: DefaultNamespace},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	cfg, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, errors.Unwrap(err))
	}

	return cfg, nil
}

// Read decodes and validates a configuration. Unknown keys are rejected.
func Read(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Validate checks ranges and fills controller defaults.
func (c *Config) Validate() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	if c.Session.IdleTimeout < session.MinIdleTimeout || c.Session.IdleTimeout > session.MaxIdleTimeout {
		return fmt.Errorf("session.idle_timeout %v out of range [0, %v]", c.Session.IdleTimeout, session.MaxIdleTimeout)
	}
	if c.Session.ConnectTimeout < session.MinConnectTimeout || c.Session.ConnectTimeout > session.MaxConnectTimeout {
		return fmt.Errorf("session.connect_timeout %v out of range [%v, %v]",
			c.Session.ConnectTimeout, session.MinConnectTimeout, session.MaxConnectTimeout)
	}

	for m, p := range c.Retry {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("retry.%s: %w", policyKey(m), err)
		}
	}

	seen := make(map[uint8]bool, len(c.GPIB.Controllers))
	for i := range c.GPIB.Controllers {
		ctrl := &c.GPIB.Controllers[i]
		if err := ctrl.Validate(); err != nil {
			return err
		}
		if seen[ctrl.Board] {
			return fmt.Errorf("gpib: duplicate controller for board %d", ctrl.Board)
		}
		seen[ctrl.Board] = true
	}

	if _, err := diag.CodecByName(c.Diag.Encoding); err != nil {
		return err
	}
	if c.Diag.Buffer < 0 {
		return fmt.Errorf("diag.buffer %d must not be negative", c.Diag.Buffer)
	}
	if c.Diag.Subject == "" {
		c.Diag.Subject = diag.DefaultSubject
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultNamespace
	}

	return nil
}

// Level returns the parsed log level.
func (c *Config) Level() logger.Level {
	level, err := logger.ParseLevel(c.LogLevel)
	if err != nil {
		return logger.InfoLevel
	}

	return level
}

// PolicyFor returns the retry policy for medium: its own entry, the "default" entry, or
// the built-in default for the medium.
func (c *Config) PolicyFor(medium address.Medium) retry.Policy {
	if p, ok := c.Retry[medium]; ok {
		return p
	}
	if p, ok := c.Retry[address.MediumUnknown]; ok {
		return p
	}

	return retry.DefaultPolicyFor(medium)
}

// Policies maps a medium to its retry policy. MediumUnknown holds the "default" entry.
type Policies map[address.Medium]retry.Policy

const defaultPolicyKey = "default"

func policyKey(m address.Medium) string {
	if m == address.MediumUnknown {
		return defaultPolicyKey
	}

	return m.String()
}

// UnmarshalYAML decodes each entry on top of the built-in policy of its medium.
func (p *Policies) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]yaml.Node
	if err := node.Decode(&raw); err != nil {
		return err
	}

	out := make(Policies, len(raw))
	for key, n := range raw {
		medium := address.MediumUnknown
		if !strings.EqualFold(key, defaultPolicyKey) {
			m, err := address.ParseMedium(key)
			if err != nil {
				return fmt.Errorf("retry: %w", err)
			}
			medium = m
		}

		policy := retry.DefaultPolicyFor(medium)
		if err := n.Decode(&policy); err != nil {
			return fmt.Errorf("retry.%s: %w", key, err)
		}
		out[medium] = policy
	}
	*p = out

	return nil
}
