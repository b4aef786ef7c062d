//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cloudmeshllc/pathsteer/internal/actuator"
	"github.com/cloudmeshllc/pathsteer/internal/command"
	"github.com/cloudmeshllc/pathsteer/internal/config"
	"github.com/cloudmeshllc/pathsteer/internal/gps"
	"github.com/cloudmeshllc/pathsteer/internal/journal"
	"github.com/cloudmeshllc/pathsteer/internal/probe"
	"github.com/cloudmeshllc/pathsteer/internal/status"
	"github.com/cloudmeshllc/pathsteer/internal/steer"
	"github.com/cloudmeshllc/pathsteer/internal/uplink"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configPath        = flag.String("config", envOr("PATHSTEER_CONFIG", config.DefaultPath), "path to config.json")
	verbose           = flag.BoolP("verbose", "v", false, "enable debug logging")
	versionFlag       = flag.Bool("version", false, "print build version and exit")
	modemSock         = flag.String("modem-sock", "/run/pathsteer/modem.sock", "modem manager helper socket")
	returnRouteScript = flag.String("return-route-script", "", "controller return-route switch script")
	metricsEnable     = flag.Bool("metrics-enable", false, "enable prometheus metrics")
	metricsAddr       = flag.String("metrics-addr", "localhost:0", "prometheus metrics listen address")
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	flag.Parse()

	if *versionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(*verbose)
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	runID := fmt.Sprintf("%d-%d", clock.Now().Unix(), os.Getpid())

	jw, err := journal.New(log, clock, cfg.LogDir, runID)
	if err != nil {
		return err
	}
	defer jw.Close()

	if err := os.MkdirAll(cfg.RunDir, 0o755); err != nil {
		return fmt.Errorf("creating run dir: %w", err)
	}
	queue := command.NewQueue(log, filepath.Join(cfg.RunDir, "cmdq"), filepath.Join(cfg.RunDir, "command"))
	if err := queue.EnsureDir(); err != nil {
		return fmt.Errorf("creating command queue dir: %w", err)
	}

	nl, err := actuator.NewServiceNetlink(cfg.ServiceNamespace)
	if err != nil {
		return err
	}
	defer nl.Close()

	vip := net.ParseIP(cfg.ServiceVIP)
	if vip == nil {
		return fmt.Errorf("invalid service_vip %q", cfg.ServiceVIP)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	results := make(chan probe.Result, 1024)
	pool, meta, err := buildProbing(log, clock, cfg, results)
	if err != nil {
		return err
	}

	var gpsReader *gps.Reader
	if cfg.GPSEnabled {
		gpsReader = gps.NewReader(filepath.Join(cfg.RunDir, "gps.json"))
	}

	var retRoute actuator.ReturnRouteSwitcher = actuator.NopReturnRoute{}
	if *returnRouteScript != "" {
		retRoute = &actuator.ScriptReturnRoute{Log: log, Script: *returnRouteScript}
	}

	eng, err := steer.New(&steer.Config{
		Logger:      log,
		Clock:       clock,
		File:        cfg,
		Journal:     jw,
		Queue:       queue,
		Publisher:   status.NewPublisher(filepath.Join(cfg.RunDir, "status.json")),
		GPS:         gpsReader,
		Route:       actuator.NewRouteActuator(log, nl, vip),
		Dup:         actuator.NewDuplicator(log, clock, nl),
		ReturnRoute: retRoute,
		Results:     results,
		Meta:        meta,
		RunID:       runID,
	})
	if err != nil {
		return err
	}

	if *metricsEnable {
		go serveMetrics(log, *metricsAddr)
	}

	errCh := make(chan error, 2)
	go func() {
		pool.Run(ctx)
		errCh <- nil
	}()
	go func() {
		errCh <- eng.Run(ctx)
	}()

	<-ctx.Done()
	log.Info("shutdown: signal received, draining")
	<-errCh
	<-errCh
	return nil
}

// buildProbing wires a prober per enabled uplink, plus a slow metadata
// source for LTE (modem) and for sat uplinks with a dish RPC address; fiber
// has none. LTE probes the controller's public address over the raw radio
// interface; sat and fiber probe the public resolver from inside their
// namespaces.
func buildProbing(log *slog.Logger, clock clockwork.Clock, cfg *config.Config, results chan probe.Result) (*probe.Pool, map[string]steer.MetaSource, error) {
	var targets []probe.Target
	meta := make(map[string]steer.MetaSource)

	for _, uc := range cfg.Uplinks {
		if !uc.UplinkEnabled() {
			continue
		}
		kind, err := uplink.ParseKind(uc.Kind)
		if err != nil {
			return nil, nil, err
		}
		switch kind {
		case uplink.KindLTE:
			addr := uc.ProbeTarget
			if len(cfg.Controllers) > 0 {
				addr = cfg.Controllers[0]
			}
			targets = append(targets, probe.Target{
				Name:   uc.Name,
				Prober: &probe.ICMPProber{Interface: uc.Interface},
				Addr:   addr,
			})
			meta[uc.Name] = &steer.ModemMeta{
				Client: probe.NewModemClient(log, clock, *modemSock, uc.Identifier),
			}
		case uplink.KindSat:
			targets = append(targets, probe.Target{
				Name:   uc.Name,
				Prober: &probe.NamespaceProber{Namespace: uc.Namespace, Inner: &probe.ICMPProber{}},
				Addr:   uc.ProbeTarget,
			})
			if uc.Identifier != "" {
				meta[uc.Name] = &steer.DishMeta{
					Client: probe.NewDishClient(log, uc.Identifier, probe.NamespaceDialer(uc.Namespace)),
				}
			}
		case uplink.KindFiber:
			targets = append(targets, probe.Target{
				Name:   uc.Name,
				Prober: &probe.NamespaceProber{Namespace: uc.Namespace, Inner: &probe.ICMPProber{}},
				Addr:   uc.ProbeTarget,
			})
		}
	}

	pool, err := probe.NewPool(&probe.PoolConfig{
		Logger:         log,
		Clock:          clock,
		Interval:       time.Second / time.Duration(cfg.SampleRateHz),
		Timeout:        2 * time.Second,
		MaxConcurrency: 2 * len(targets),
		Targets:        targets,
		Chaos:          probe.NewChaosReader(filepath.Join(cfg.RunDir, "chaos.json"), clock.Now().UnixNano()),
		Results:        results,
	})
	if err != nil {
		return nil, nil, err
	}
	return pool, meta, nil
}

func serveMetrics(log *slog.Logger, addr string) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("metrics: listen failed", "addr", addr, "error", err)
		return
	}
	log.Info("metrics: listening", "addr", listener.Addr().String())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.Serve(listener, mux); err != nil {
		log.Error("metrics: server stopped", "error", err)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
}
