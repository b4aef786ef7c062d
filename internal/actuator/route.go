package actuator

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/cloudmeshllc/pathsteer/internal/uplink"
)

// DefaultRoute is the read-back form of the service namespace default route.
type DefaultRoute struct {
	Iface string
	Gw    net.IP
	Src   net.IP
}

// Netlinker is the kernel surface the actuators need. The real
// implementation is ServiceNetlink; tests use a fake.
type Netlinker interface {
	DefaultRouteReplace(iface string, gw, src net.IP) error
	DefaultRouteGet() (*DefaultRoute, error)
	MirrorAdd(from, to string) error
	MirrorDel(from string) error
}

// RouteActuator moves client traffic between uplinks by replacing the
// service namespace default route. A swap counts only when the read-back
// matches the request exactly; an unverified swap must not update engine
// state.
type RouteActuator struct {
	log *slog.Logger
	nl  Netlinker
	vip net.IP
}

func NewRouteActuator(log *slog.Logger, nl Netlinker, vip net.IP) *RouteActuator {
	return &RouteActuator{log: log, nl: nl, vip: vip}
}

// Switch points the default route at the target uplink and verifies the
// kernel took it. Returns ErrVerifyFailed (wrapped) when the read-back does
// not match; the caller retries on its next tick.
func (a *RouteActuator) Switch(target *uplink.Uplink) error {
	if err := a.nl.DefaultRouteReplace(target.ServiceVeth, target.ServiceGateway, a.vip); err != nil {
		return fmt.Errorf("replacing default route to %s: %w", target.Name, err)
	}

	got, err := a.nl.DefaultRouteGet()
	if err != nil {
		return fmt.Errorf("reading back default route: %w", err)
	}
	if got.Iface != target.ServiceVeth || !got.Gw.Equal(target.ServiceGateway) || !got.Src.Equal(a.vip) {
		return fmt.Errorf("%w: want dev %s gw %s src %s, got dev %s gw %s src %s",
			ErrVerifyFailed,
			target.ServiceVeth, target.ServiceGateway, a.vip,
			got.Iface, got.Gw, got.Src)
	}
	a.log.Info("route: default route switched", "uplink", target.Name, "dev", target.ServiceVeth, "gw", target.ServiceGateway.String())
	return nil
}
