package lan

import (
	"context"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/logger"
)

// mDNS service types advertised by LXI instruments.
const (
	ServiceSCPIRaw = "_scpi-raw._tcp"
	ServiceLXI     = "_lxi._tcp"

	mdnsDomain = "local."
)

// DefaultDiscoverTimeout bounds a Discover call when ctx has no deadline.
const DefaultDiscoverTimeout = 3 * time.Second

// Instrument is a LAN instrument found by Discover.
type Instrument struct {
	Instance string
	Host     string
	Service  string
	// Address is a composable SOCKET address for the instrument. It is zero when the
	// instrument only advertised the LXI web service and no SCPI raw port.
	Address address.Address
	Text    map[string]string
}

// DiscoverOption configures Discover.
type DiscoverOption interface {
	apply(*discoverConfig) error
}

type discoverConfig struct {
	iface   string
	timeout time.Duration
	logger  logger.Logger
	browse  browseFunc
}

type discoverOptFunc func(*discoverConfig) error

func (f discoverOptFunc) apply(c *discoverConfig) error { return f(c) }

// WithInterface restricts browsing to the named network interface.
func WithInterface(name string) DiscoverOption {
	return discoverOptFunc(func(c *discoverConfig) error {
		c.iface = name
		return nil
	})
}

// WithDiscoverTimeout sets how long to browse when ctx has no deadline.
func WithDiscoverTimeout(d time.Duration) DiscoverOption {
	return discoverOptFunc(func(c *discoverConfig) error {
		if d > 0 {
			c.timeout = d
		}

		return nil
	})
}

// WithDiscoverLogger sets the logger used while browsing.
func WithDiscoverLogger(l logger.Logger) DiscoverOption {
	return discoverOptFunc(func(c *discoverConfig) error {
		if l != nil {
			c.logger = l
		}

		return nil
	})
}

type browseFunc func(ctx context.Context, service string, entries, removed chan *zeroconf.ServiceEntry, opts ...zeroconf.ClientOption) error

func zeroconfBrowse(ctx context.Context, service string, entries, removed chan *zeroconf.ServiceEntry, opts ...zeroconf.ClientOption) error {
	return zeroconf.Browse(ctx, service, mdnsDomain, entries, removed, opts...)
}

// Discover browses mDNS for SCPI raw socket and LXI services and returns the
// instruments seen before ctx ends (or the discover timeout elapses).
//
// Instruments advertising _scpi-raw._tcp get a SOCKET address on the advertised port;
// LXI-only instruments get one on DefaultPort.
func Discover(ctx context.Context, opts ...DiscoverOption) ([]Instrument, error) {
	cfg := &discoverConfig{
		timeout: DefaultDiscoverTimeout,
		logger:  logger.GetLogger(),
		browse:  zeroconfBrowse,
	}
	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	var clientOpts []zeroconf.ClientOption
	if cfg.iface != "" {
		iface, err := net.InterfaceByName(cfg.iface)
		if err != nil {
			return nil, err
		}
		clientOpts = append(clientOpts, zeroconf.SelectIfaces([]net.Interface{*iface}))
	}

	type found struct {
		service string
		entry   *zeroconf.ServiceEntry
	}
	results := make(chan found)

	for _, svc := range []string{ServiceSCPIRaw, ServiceLXI} {
		entries := make(chan *zeroconf.ServiceEntry)
		removed := make(chan *zeroconf.ServiceEntry)

		go func(svc string) {
			for {
				select {
				case e, ok := <-entries:
					if !ok {
						return
					}
					select {
					case results <- found{service: svc, entry: e}:
					case <-ctx.Done():
						return
					}
				case <-removed:
				case <-ctx.Done():
					return
				}
			}
		}(svc)

		go func(svc string) {
			if err := cfg.browse(ctx, svc, entries, removed, clientOpts...); err != nil {
				cfg.logger.Warn("lan: mdns browse failed", "service", svc, "error", err)
			}
		}(svc)
	}

	byInstance := make(map[string]*Instrument)

	for {
		select {
		case f := <-results:
			mergeEntry(byInstance, f.service, f.entry, cfg.logger)
		case <-ctx.Done():
			out := make([]Instrument, 0, len(byInstance))
			for _, inst := range byInstance {
				out = append(out, *inst)
			}
			sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })

			return out, nil
		}
	}
}

func mergeEntry(byInstance map[string]*Instrument, service string, e *zeroconf.ServiceEntry, l logger.Logger) {
	if e == nil {
		return
	}

	host := entryHost(e)
	if host == "" {
		return
	}

	inst, ok := byInstance[e.Instance]
	if !ok {
		inst = &Instrument{Instance: e.Instance, Host: host, Service: service, Text: parseTXT(e.Text)}
		byInstance[e.Instance] = inst
	}

	// a raw socket advertisement wins over the LXI web service
	if !inst.Address.IsZero() && service != ServiceSCPIRaw {
		return
	}

	port := e.Port
	if service == ServiceLXI || port <= 0 {
		port = DefaultPort
	}

	addr, err := address.NewLAN(host, port, "")
	if err != nil {
		l.Debug("lan: discovered entry not composable", "instance", e.Instance, "host", host, "error", err)
		return
	}

	inst.Address = addr
	inst.Service = service
}

// entryHost prefers an IPv4 literal, then IPv6, then the advertised host name.
func entryHost(e *zeroconf.ServiceEntry) string {
	if len(e.AddrIPv4) > 0 {
		return e.AddrIPv4[0].String()
	}
	if len(e.AddrIPv6) > 0 {
		return e.AddrIPv6[0].String()
	}

	return strings.TrimSuffix(e.HostName, ".")
}

func parseTXT(records []string) map[string]string {
	if len(records) == 0 {
		return nil
	}

	out := make(map[string]string, len(records))
	for _, r := range records {
		k, v, _ := strings.Cut(r, "=")
		out[k] = v
	}

	return out
}
