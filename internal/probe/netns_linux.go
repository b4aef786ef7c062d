//go:build linux

package probe

import (
	"context"
	"fmt"
	"net"
	"runtime"

	"github.com/vishvananda/netns"
)

// InNamespace runs fn with the calling thread switched into the named network
// namespace, restoring the original namespace afterwards. Sockets opened
// inside fn keep the namespace for their lifetime even after the thread
// switches back.
func InNamespace(name string, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return fmt.Errorf("netns: getting current namespace: %w", err)
	}
	defer orig.Close()

	target, err := netns.GetFromName(name)
	if err != nil {
		return fmt.Errorf("netns: opening namespace %q: %w", name, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return fmt.Errorf("netns: entering namespace %q: %w", name, err)
	}
	defer func() {
		_ = netns.Set(orig)
	}()

	return fn()
}

// NamespaceDialer returns a DialFunc whose connections originate inside the
// named namespace. The connection keeps the namespace after dialing.
func NamespaceDialer(namespace string) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var conn net.Conn
		err := InNamespace(namespace, func() error {
			d := net.Dialer{}
			var dialErr error
			conn, dialErr = d.DialContext(ctx, network, addr)
			return dialErr
		})
		return conn, err
	}
}
