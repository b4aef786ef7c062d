//go:build linux

package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// ICMPProber sends one privileged ICMP echo, optionally bound to a physical
// interface. Binding to the raw interface measures the radio leg directly,
// bypassing the encrypted tunnel.
type ICMPProber struct {
	Interface string
}

func (p *ICMPProber) Probe(ctx context.Context, target string) (float64, bool, error) {
	pinger, err := probing.NewPinger(target)
	if err != nil {
		return 0, false, fmt.Errorf("probe: creating pinger for %s: %w", target, err)
	}
	defer pinger.Stop()
	pinger.SetPrivileged(true)
	pinger.Count = 1
	pinger.Size = 56
	if p.Interface != "" {
		pinger.InterfaceName = p.Interface
	}

	if err := pinger.RunWithContext(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return 0, false, nil
		}
		return 0, false, err
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, false, nil
	}
	return float64(stats.AvgRtt) / float64(time.Millisecond), true, nil
}

// NamespaceProber runs an inner prober from inside a network namespace.
// Used for sat and fiber uplinks whose routing lives in an isolated
// namespace; the probe socket is created inside the namespace.
type NamespaceProber struct {
	Namespace string
	Inner     Prober
}

func (p *NamespaceProber) Probe(ctx context.Context, target string) (float64, bool, error) {
	var (
		rtt float64
		ok  bool
	)
	err := InNamespace(p.Namespace, func() error {
		var err error
		rtt, ok, err = p.Inner.Probe(ctx, target)
		return err
	})
	return rtt, ok, err
}
