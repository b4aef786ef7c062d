//go:build linux

package actuator

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	nl "github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// ServiceNetlink mutates routing and traffic-control state inside the
// service-IP namespace through a persistent netlink handle. It implements
// Netlinker for the route and duplication actuators.
type ServiceNetlink struct {
	ns     netns.NsHandle
	handle *nl.Handle
}

// NewServiceNetlink opens a netlink handle bound to the named namespace.
func NewServiceNetlink(namespace string) (*ServiceNetlink, error) {
	ns, err := netns.GetFromName(namespace)
	if err != nil {
		return nil, fmt.Errorf("actuator: opening namespace %q: %w", namespace, err)
	}
	handle, err := nl.NewHandleAt(ns)
	if err != nil {
		ns.Close()
		return nil, fmt.Errorf("actuator: netlink handle in %q: %w", namespace, err)
	}
	return &ServiceNetlink{ns: ns, handle: handle}, nil
}

func (s *ServiceNetlink) Close() {
	s.handle.Close()
	s.ns.Close()
}

func (s *ServiceNetlink) linkByName(name string) (nl.Link, error) {
	link, err := s.handle.LinkByName(name)
	if err != nil {
		var notFound nl.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrLinkNotFound, name)
		}
		return nil, err
	}
	return link, nil
}

// DefaultRouteReplace atomically replaces the namespace default route to
// egress dev iface via gw with the given preferred source.
func (s *ServiceNetlink) DefaultRouteReplace(iface string, gw, src net.IP) error {
	link, err := s.linkByName(iface)
	if err != nil {
		return err
	}
	return s.handle.RouteReplace(&nl.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       nil, // default
		Gw:        gw,
		Src:       src,
		Protocol:  nl.RouteProtocol(syscall.RTPROT_STATIC),
	})
}

// DefaultRouteGet reads the current namespace default route back.
func (s *ServiceNetlink) DefaultRouteGet() (*DefaultRoute, error) {
	routes, err := s.handle.RouteList(nil, nl.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("actuator: listing routes: %w", err)
	}
	for _, r := range routes {
		if r.Dst != nil {
			if ones, _ := r.Dst.Mask.Size(); ones != 0 {
				continue
			}
		}
		dr := &DefaultRoute{Gw: r.Gw, Src: r.Src}
		if link, err := s.handle.LinkByIndex(r.LinkIndex); err == nil {
			dr.Iface = link.Attrs().Name
		}
		return dr, nil
	}
	return nil, ErrRouteNotFound
}

// MirrorAdd installs a clsact qdisc plus a matchall egress filter on from,
// mirroring every egress packet to the to interface. Mirroring happens
// pre-tunnel so both copies carry the original 5-tuple.
func (s *ServiceNetlink) MirrorAdd(from, to string) error {
	fromLink, err := s.linkByName(from)
	if err != nil {
		return err
	}
	toLink, err := s.linkByName(to)
	if err != nil {
		return err
	}

	qdisc := &nl.GenericQdisc{
		QdiscAttrs: nl.QdiscAttrs{
			LinkIndex: fromLink.Attrs().Index,
			Handle:    nl.MakeHandle(0xffff, 0),
			Parent:    nl.HANDLE_CLSACT,
		},
		QdiscType: "clsact",
	}
	if err := s.handle.QdiscAdd(qdisc); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("actuator: adding clsact qdisc on %s: %w", from, err)
	}

	mirror := nl.NewMirredAction(toLink.Attrs().Index)
	mirror.MirredAction = nl.TCA_EGRESS_MIRROR

	filter := &nl.MatchAll{
		FilterAttrs: nl.FilterAttrs{
			LinkIndex: fromLink.Attrs().Index,
			Parent:    nl.HANDLE_MIN_EGRESS,
			Priority:  mirrorFilterPriority,
			Protocol:  unix.ETH_P_ALL,
		},
		Actions: []nl.Action{mirror},
	}
	if err := s.handle.FilterAdd(filter); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("actuator: adding mirror filter %s -> %s: %w", from, to, err)
	}
	return nil
}

// mirrorFilterPriority tags the engine's filter so MirrorDel only removes
// what MirrorAdd installed.
const mirrorFilterPriority = 49152

// MirrorDel removes the mirror filter from the interface. The clsact qdisc
// is left in place; re-adding it is idempotent and other tooling may share it.
func (s *ServiceNetlink) MirrorDel(from string) error {
	fromLink, err := s.linkByName(from)
	if err != nil {
		return err
	}
	filters, err := s.handle.FilterList(fromLink, nl.HANDLE_MIN_EGRESS)
	if err != nil {
		return fmt.Errorf("actuator: listing filters on %s: %w", from, err)
	}
	for _, f := range filters {
		if f.Attrs().Priority != mirrorFilterPriority {
			continue
		}
		if err := s.handle.FilterDel(f); err != nil && !errors.Is(err, syscall.ENOENT) {
			return fmt.Errorf("actuator: deleting mirror filter on %s: %w", from, err)
		}
	}
	return nil
}
