// Command instctl is an interactive console for bench instruments.
//
// It loads the capability catalog and the application configuration, registers the LAN,
// serial, GPIB and USB drivers with a session manager, and reads commands from a
// readline prompt. Arguments given after the flags run one command and exit:
//
//	instctl -config bench.yaml
//	instctl -catalog library.yaml probe TCPIP::192.0.2.10::5025::SOCKET
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arloliu/go-instr/catalog"
	"github.com/arloliu/go-instr/command"
	"github.com/arloliu/go-instr/config"
	"github.com/arloliu/go-instr/diag"
	"github.com/arloliu/go-instr/instr"
	"github.com/arloliu/go-instr/logger"
	"github.com/arloliu/go-instr/session"
	"github.com/arloliu/go-instr/transport"
	"github.com/arloliu/go-instr/transport/gpib"
	"github.com/arloliu/go-instr/transport/lan"
	"github.com/arloliu/go-instr/transport/serial"
	"github.com/arloliu/go-instr/transport/usb"
)

type flags struct {
	configPath  string
	catalogPath string
	logLevel    string
	metricsAddr string
	natsURL     string
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "Configuration file path (YAML)")
	flag.StringVar(&f.catalogPath, "catalog", "", "Capability catalog path, overrides the configuration")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.StringVar(&f.metricsAddr, "metrics", "", "Listen address of the /metrics endpoint, e.g. :9464")
	flag.StringVar(&f.natsURL, "nats", "", "NATS URL receiving diagnostic events")
	flag.Parse()

	if err := run(f, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "instctl:", err)
		os.Exit(1)
	}
}

func loadConfig(f flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}

	if f.catalogPath != "" {
		cfg.Catalog = f.catalogPath
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Listen = f.metricsAddr
	}
	if f.natsURL != "" {
		cfg.Diag.NATSURL = f.natsURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

func run(f flags, args []string) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	l := logger.NewSlogWriter(os.Stderr, cfg.Level(), false, cfg.Console)
	logger.SetLogger(l)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := diag.NewBus()
	defer bus.Close()

	if err := attachSinks(ctx, cfg, bus, l); err != nil {
		return err
	}

	drivers, err := buildDrivers(cfg, l)
	if err != nil {
		return err
	}

	mopts := []session.ManagerOption{
		session.WithIdleTimeout(cfg.Session.IdleTimeout),
		session.WithConnectTimeout(cfg.Session.ConnectTimeout),
		session.WithDiagBus(bus),
		session.WithLogger(l),
	}
	for _, d := range drivers {
		mopts = append(mopts, session.WithDriver(d))
	}
	mgr, err := session.NewManager(mopts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Shutdown(); err != nil {
			l.Warn("session shutdown", "error", err)
		}
	}()

	var cat *catalog.Catalog
	if cfg.Catalog != "" {
		if cat, err = catalog.LoadFile(cfg.Catalog); err != nil {
			return err
		}
	}

	var instances *catalog.Instances
	if cfg.Instances != "" {
		if instances, err = catalog.LoadInstances(cfg.Instances); err != nil {
			return err
		}
	}

	disp, err := command.NewDispatcher(command.WithLogger(l), command.WithDiagBus(bus))
	if err != nil {
		return err
	}

	client, err := instr.NewClient(mgr,
		instr.WithCatalog(cat),
		instr.WithDispatcher(disp),
		instr.WithPolicies(cfg.PolicyFor),
		instr.WithDiagBus(bus),
		instr.WithLogger(l),
	)
	if err != nil {
		return err
	}

	if cfg.Metrics.Listen != "" {
		srv, err := serveMetrics(cfg, client, l)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sh := newShell(client, instances, os.Stdout)
	sh.lanOpts = []lan.DiscoverOption{lan.WithDiscoverTimeout(cfg.LAN.DiscoverTimeout)}
	if cfg.LAN.Interface != "" {
		sh.lanOpts = append(sh.lanOpts, lan.WithInterface(cfg.LAN.Interface))
	}

	if len(args) > 0 {
		return sh.exec(ctx, strings.Join(args, " "))
	}

	return sh.Run(ctx)
}

func attachSinks(ctx context.Context, cfg *config.Config, bus *diag.Bus, l logger.Logger) error {
	if cfg.Diag.LogEvents {
		bus.Attach(ctx, diag.LogSink{Logger: l}, cfg.Diag.Buffer, l)
	}
	if cfg.Diag.NATSURL == "" {
		return nil
	}

	codec, err := diag.CodecByName(cfg.Diag.Encoding)
	if err != nil {
		return err
	}
	nc, err := diag.DialNATS(cfg.Diag.NATSURL, "instctl", l)
	if err != nil {
		return fmt.Errorf("diag: %w", err)
	}
	sink, err := diag.NewNATSSink(nc, cfg.Diag.Subject, codec)
	if err != nil {
		nc.Close()
		return err
	}

	done := bus.Attach(ctx, sink, cfg.Diag.Buffer, l)
	go func() {
		<-done
		_ = nc.Drain()
	}()

	return nil
}

func buildDrivers(cfg *config.Config, l logger.Logger) ([]transport.Driver, error) {
	lanOpts := []lan.Option{lan.WithLogger(l), lan.WithKeepAlive(cfg.LAN.KeepAlive)}
	if cfg.LAN.NoDelay != nil {
		lanOpts = append(lanOpts, lan.WithNoDelay(*cfg.LAN.NoDelay))
	}
	lanDrv, err := lan.NewDriver(lanOpts...)
	if err != nil {
		return nil, err
	}

	serialDrv, err := serial.NewDriver(serial.WithLogger(l))
	if err != nil {
		return nil, err
	}

	gpibOpts := []gpib.Option{gpib.WithLogger(l)}
	for _, c := range cfg.GPIB.Controllers {
		gpibOpts = append(gpibOpts, gpib.WithController(c))
	}
	if cfg.GPIB.InterByteTimeout > 0 {
		gpibOpts = append(gpibOpts, gpib.WithInterByteTimeout(cfg.GPIB.InterByteTimeout))
	}
	gpibDrv, err := gpib.NewDriver(gpibOpts...)
	if err != nil {
		return nil, err
	}

	usbDrv, err := usb.NewDriver(
		usb.WithLogger(l),
		usb.WithSysfsRoot(cfg.USB.SysfsRoot),
		usb.WithDevRoot(cfg.USB.DevRoot),
		usb.WithCDCBaud(cfg.USB.CDCBaud),
	)
	if err != nil {
		return nil, err
	}

	return []transport.Driver{lanDrv, serialDrv, gpibDrv, usbDrv}, nil
}

func serveMetrics(cfg *config.Config, client *instr.Client, l logger.Logger) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := instr.RegisterMetrics(reg, cfg.Metrics.Namespace, client); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("metrics server failed", "listen", cfg.Metrics.Listen, "error", err)
		}
	}()
	l.Info("metrics endpoint listening", "listen", cfg.Metrics.Listen)

	return srv, nil
}
