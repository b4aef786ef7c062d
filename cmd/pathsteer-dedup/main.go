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
	"strings"
	"syscall"
	"time"

	"github.com/cloudmeshllc/pathsteer/internal/dedup"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	listenAddrs = flag.String("listen", "0.0.0.0:4790,0.0.0.0:4791", "comma-separated tunnel input addresses (one per tunnel)")
	capacity    = flag.Int("capacity", dedup.DefaultCapacity, "flow table slot count")
	ttl         = flag.Duration("ttl", dedup.DefaultTTL, "fingerprint TTL")
	metricsAddr = flag.String("metrics-addr", "localhost:9143", "prometheus metrics listen address")
	verbose     = flag.BoolP("verbose", "v", false, "enable debug logging")
	versionFlag = flag.Bool("version", false, "print build version and exit")
)

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

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fwd, err := newRawForwarder()
	if err != nil {
		return err
	}
	defer fwd.Close()

	input := make(chan dedup.Packet, 4096)
	reg := prometheus.NewRegistry()

	eng, err := dedup.NewEngine(&dedup.Config{
		Logger:   log,
		Clock:    clockwork.NewRealClock(),
		Forward:  fwd.Forward,
		Input:    input,
		Registry: reg,
		Capacity: *capacity,
		TTL:      *ttl,
	})
	if err != nil {
		return err
	}

	var conns []net.PacketConn
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for _, addr := range strings.Split(*listenAddrs, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		conns = append(conns, conn)
		log.Info("dedup: tunnel input listening", "addr", conn.LocalAddr().String())
		go readLoop(log, conn, input)
	}
	if len(conns) == 0 {
		return fmt.Errorf("no tunnel input addresses configured")
	}

	go serveMetrics(log, *metricsAddr, reg)

	// Closing the listeners on ctx cancel unblocks the read loops.
	go func() {
		<-ctx.Done()
		for _, c := range conns {
			c.Close()
		}
	}()

	return eng.Run(ctx)
}

// readLoop feeds one tunnel input into the engine. Each datagram payload is
// one already-decapsulated IP packet.
func readLoop(log *slog.Logger, conn net.PacketConn, input chan<- dedup.Packet) {
	tunnel := conn.LocalAddr().String()
	buf := make([]byte, 65536)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(time.Minute)); err != nil {
			return
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Debug("dedup: tunnel input closed", "tunnel", tunnel, "error", err)
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		input <- dedup.Packet{Tunnel: tunnel, Data: pkt}
	}
}

// rawForwarder egresses forwarded packets unchanged through a raw IPv4
// socket; the kernel routes on the packet's own destination address.
type rawForwarder struct {
	fd int
}

func newRawForwarder() (*rawForwarder, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("opening raw socket: %w", err)
	}
	return &rawForwarder{fd: fd}, nil
}

func (f *rawForwarder) Forward(pkt []byte) error {
	if len(pkt) < 20 || pkt[0]>>4 != 4 {
		return fmt.Errorf("not an IPv4 packet")
	}
	var sa unix.SockaddrInet4
	copy(sa.Addr[:], pkt[16:20])
	return unix.Sendto(f.fd, pkt, 0, &sa)
}

func (f *rawForwarder) Close() error {
	return unix.Close(f.fd)
}

func serveMetrics(log *slog.Logger, addr string, reg *prometheus.Registry) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("metrics: listen failed", "addr", addr, "error", err)
		return
	}
	log.Info("metrics: listening", "addr", listener.Addr().String())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.Serve(listener, mux); err != nil {
		log.Error("metrics: server stopped", "error", err)
	}
}
