//go:build linux

/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/moby/sys/userns"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

const (
	netnsRunDir = "/var/run/netns"
	ipForward   = "/proc/sys/net/ipv4/ip_forward"
)

// Replaced in tests to fail the final step of a create.
var (
	linkSetUp    = netlink.LinkSetUp
	restoreNetns = netns.Set
)

type linuxDriver struct {
	firewall
}

// New returns the driver for the running kernel.
func New(ctx context.Context) (Driver, error) {
	if userns.RunningInUserNS() {
		log.G(ctx).Warn("running inside a user namespace, bridge and iptables operations may be refused")
	}
	d := &linuxDriver{}
	d.firewall.ns = d
	return d, nil
}

func (d *linuxDriver) CreateNamespace(ctx context.Context, name string) error {
	if _, err := os.Stat(filepath.Join(netnsRunDir, name)); err == nil {
		return fmt.Errorf("namespace %s: %w", name, ErrResourceExists)
	}
	err := onLockedThread(func() error {
		origin, err := netns.Get()
		if err != nil {
			return fmt.Errorf("getting current netns: %w", err)
		}
		defer origin.Close()

		// NewNamed switches the calling thread into the new namespace.
		ns, err := netns.NewNamed(name)
		if err != nil {
			if errors.Is(err, unix.EEXIST) {
				return fmt.Errorf("namespace %s: %w", name, ErrResourceExists)
			}
			return fmt.Errorf("creating namespace %s: %w", name, err)
		}
		ns.Close()
		if err := restoreNetns(origin); err != nil {
			// The thread is discarded, only the bind mount needs removing.
			if derr := netns.DeleteNamed(name); derr != nil {
				log.G(ctx).WithError(derr).WithField("namespace", name).Warn("failed to remove namespace after failed create")
			}
			return fmt.Errorf("restoring netns after creating %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.G(ctx).WithField("namespace", name).Debug("created namespace")
	return nil
}

func (d *linuxDriver) DeleteNamespace(ctx context.Context, name string) error {
	p := filepath.Join(netnsRunDir, name)
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return nil
	}
	if err := netns.DeleteNamed(name); err != nil {
		// A leftover file that is no longer a mount point.
		if !errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("deleting namespace %s: %w", name, err)
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing namespace file %s: %w", p, err)
		}
	}
	log.G(ctx).WithField("namespace", name).Debug("deleted namespace")
	return nil
}

func (d *linuxDriver) InNamespace(ctx context.Context, name string, fn func() error) error {
	if name == HostNamespace {
		return fn()
	}
	return onLockedThread(func() error {
		origin, err := netns.Get()
		if err != nil {
			return fmt.Errorf("getting current netns: %w", err)
		}
		defer origin.Close()

		target, err := netns.GetFromName(name)
		if err != nil {
			return namespaceErr(name, err)
		}
		defer target.Close()

		if err := netns.Set(target); err != nil {
			return fmt.Errorf("entering namespace %s: %w", name, err)
		}
		ferr := fn()
		if err := netns.Set(origin); err != nil {
			return errors.Join(ferr, fmt.Errorf("restoring netns: %w", err))
		}
		return ferr
	})
}

// onLockedThread runs fn on a dedicated OS thread. If fn leaves the thread in
// an unknown namespace (it returns an error after switching), the thread is
// not unlocked and the runtime discards it when the goroutine exits.
func onLockedThread(fn func() error) error {
	errC := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		origin, err := netns.Get()
		if err != nil {
			errC <- err
			return
		}
		defer origin.Close()

		ferr := fn()
		if cur, err := netns.Get(); err == nil {
			if cur.Equal(origin) {
				runtime.UnlockOSThread()
			}
			cur.Close()
		}
		errC <- ferr
	}()
	return <-errC
}

func namespaceErr(name string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("namespace %s: %w", name, errdefs.ErrNotFound)
	}
	return fmt.Errorf("opening namespace %s: %w", name, err)
}

// handle returns a netlink handle operating in namespace.
func handle(namespace string) (*netlink.Handle, error) {
	if namespace == HostNamespace {
		return netlink.NewHandle()
	}
	nsh, err := netns.GetFromName(namespace)
	if err != nil {
		return nil, namespaceErr(namespace, err)
	}
	defer nsh.Close()
	h, err := netlink.NewHandleAt(nsh)
	if err != nil {
		return nil, fmt.Errorf("creating netlink handle in %s: %w", namespace, err)
	}
	return h, nil
}

func linkByName(h *netlink.Handle, name string) (netlink.Link, error) {
	l, err := h.LinkByName(name)
	if err != nil {
		if errors.As(err, &netlink.LinkNotFoundError{}) {
			return nil, fmt.Errorf("link %s: %w", name, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("looking up link %s: %w", name, err)
	}
	return l, nil
}

func ensureAbsent(names ...string) error {
	for _, name := range names {
		_, err := netlink.LinkByName(name)
		if err == nil {
			return fmt.Errorf("link %s: %w", name, ErrResourceExists)
		}
		if !errors.As(err, &netlink.LinkNotFoundError{}) {
			return fmt.Errorf("checking for link %s: %w", name, err)
		}
	}
	return nil
}

func (d *linuxDriver) CreateBridge(ctx context.Context, name string) error {
	if err := ensureAbsent(name); err != nil {
		return err
	}
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := netlink.LinkAdd(br); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("bridge %s: %w", name, ErrResourceExists)
		}
		return fmt.Errorf("adding bridge %s: %w", name, err)
	}
	if err := linkSetUp(br); err != nil {
		if derr := netlink.LinkDel(br); derr != nil {
			log.G(ctx).WithError(derr).WithField("bridge", name).Warn("failed to remove bridge after failed create")
		}
		return fmt.Errorf("set bridge %s 'up': %w", name, err)
	}
	log.G(ctx).WithField("bridge", name).Debug("created bridge")
	return nil
}

func (d *linuxDriver) DeleteBridge(ctx context.Context, name string) error {
	l, err := netlink.LinkByName(name)
	if err != nil {
		if errors.As(err, &netlink.LinkNotFoundError{}) {
			return nil
		}
		return fmt.Errorf("looking up bridge %s: %w", name, err)
	}
	if err := netlink.LinkSetDown(l); err != nil {
		log.G(ctx).WithError(err).WithField("bridge", name).Warn("failed to set bridge down")
	}
	return d.DeleteLink(ctx, name)
}

func (d *linuxDriver) CreateVethPair(ctx context.Context, name, peer string) error {
	if err := ensureAbsent(name, peer); err != nil {
		return err
	}
	if err := netlink.LinkAdd(&netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		PeerName:  peer,
	}); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("veth %s/%s: %w", name, peer, ErrResourceExists)
		}
		return fmt.Errorf("adding veth %s/%s: %w", name, peer, err)
	}
	log.G(ctx).WithFields(log.Fields{"veth": name, "peer": peer}).Debug("created veth pair")
	return nil
}

func (d *linuxDriver) DeleteLink(ctx context.Context, name string) error {
	l, err := netlink.LinkByName(name)
	if err != nil {
		if errors.As(err, &netlink.LinkNotFoundError{}) {
			return nil
		}
		return fmt.Errorf("looking up link %s: %w", name, err)
	}
	if err := netlink.LinkDel(l); err != nil && !errors.Is(err, unix.ENODEV) {
		return fmt.Errorf("deleting link %s: %w", name, err)
	}
	log.G(ctx).WithField("link", name).Debug("deleted link")
	return nil
}

func (d *linuxDriver) AttachToBridge(ctx context.Context, link, bridge string) error {
	h, err := handle(HostNamespace)
	if err != nil {
		return err
	}
	defer h.Close()

	l, err := linkByName(h, link)
	if err != nil {
		return err
	}
	br, err := linkByName(h, bridge)
	if err != nil {
		return err
	}
	if err := h.LinkSetMaster(l, br); err != nil {
		return fmt.Errorf("connecting %s to %s: %w", link, bridge, err)
	}
	if err := h.LinkSetUp(l); err != nil {
		return fmt.Errorf("setting %s 'up': %w", link, err)
	}
	return nil
}

func (d *linuxDriver) MoveToNamespace(ctx context.Context, link, namespace string) error {
	l, err := netlink.LinkByName(link)
	if err != nil {
		if errors.As(err, &netlink.LinkNotFoundError{}) {
			return fmt.Errorf("link %s: %w", link, errdefs.ErrNotFound)
		}
		return fmt.Errorf("looking up link %s: %w", link, err)
	}
	nsh, err := netns.GetFromName(namespace)
	if err != nil {
		return namespaceErr(namespace, err)
	}
	defer nsh.Close()
	if err := netlink.LinkSetNsFd(l, int(nsh)); err != nil {
		return fmt.Errorf("moving %s to namespace %s: %w", link, namespace, err)
	}
	return nil
}

func toIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

func (d *linuxDriver) AssignAddress(ctx context.Context, namespace, link string, addr netip.Prefix) error {
	h, err := handle(namespace)
	if err != nil {
		return err
	}
	defer h.Close()

	l, err := linkByName(h, link)
	if err != nil {
		return err
	}
	a := &netlink.Addr{IPNet: toIPNet(addr), Flags: unix.IFA_F_NODAD}
	if err := h.AddrAdd(l, a); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("address %s on %s: %w", addr, link, ErrResourceExists)
		}
		return fmt.Errorf("adding %s to %s: %w", addr, link, err)
	}
	if err := linkUp(h, l, namespace); err != nil {
		if derr := h.AddrDel(l, a); derr != nil {
			log.G(ctx).WithError(derr).WithField("link", link).Warn("failed to remove address after failed assign")
		}
		return err
	}
	log.G(ctx).WithFields(log.Fields{
		"namespace": namespace,
		"link":      link,
		"addr":      addr.String(),
	}).Debug("assigned address")
	return nil
}

// linkUp brings l up, and the loopback as well outside the host namespace.
func linkUp(h *netlink.Handle, l netlink.Link, namespace string) error {
	if err := h.LinkSetUp(l); err != nil {
		return fmt.Errorf("setting %s 'up': %w", l.Attrs().Name, err)
	}
	if namespace != HostNamespace {
		lo, err := linkByName(h, "lo")
		if err != nil {
			return err
		}
		if err := h.LinkSetUp(lo); err != nil {
			return fmt.Errorf("setting lo 'up' in %s: %w", namespace, err)
		}
	}
	return nil
}

func (d *linuxDriver) RemoveAddress(ctx context.Context, namespace, link string, addr netip.Prefix) error {
	h, err := handle(namespace)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	defer h.Close()

	l, err := linkByName(h, link)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := h.AddrDel(l, &netlink.Addr{IPNet: toIPNet(addr)}); err != nil &&
		!errors.Is(err, unix.EADDRNOTAVAIL) && !errors.Is(err, unix.ENODEV) {
		return fmt.Errorf("removing %s from %s: %w", addr, link, err)
	}
	return nil
}

func (d *linuxDriver) toNetlinkRoute(h *netlink.Handle, r Route) (*netlink.Route, error) {
	nr := &netlink.Route{
		Scope:    netlink.SCOPE_UNIVERSE,
		Priority: r.Metric,
	}
	if r.Dst.IsValid() {
		nr.Dst = toIPNet(r.Dst)
	}
	if r.Gateway.IsValid() {
		nr.Gw = r.Gateway.AsSlice()
	} else if r.Dst.IsValid() {
		nr.Scope = netlink.SCOPE_LINK
	}
	if r.Device != "" {
		l, err := linkByName(h, r.Device)
		if err != nil {
			return nil, err
		}
		nr.LinkIndex = l.Attrs().Index
	}
	return nr, nil
}

func (d *linuxDriver) AddRoute(ctx context.Context, namespace string, r Route) error {
	h, err := handle(namespace)
	if err != nil {
		return err
	}
	defer h.Close()

	nr, err := d.toNetlinkRoute(h, r)
	if err != nil {
		return err
	}
	if err := h.RouteAdd(nr); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("route %s: %w", r, ErrResourceExists)
		}
		return fmt.Errorf("adding route %s: %w", r, err)
	}
	log.G(ctx).WithFields(log.Fields{"namespace": namespace, "route": r.String()}).Debug("added route")
	return nil
}

func (d *linuxDriver) DeleteRoute(ctx context.Context, namespace string, r Route) error {
	h, err := handle(namespace)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	defer h.Close()

	nr, err := d.toNetlinkRoute(h, r)
	if err != nil {
		// The route went away with its device.
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := h.RouteDel(nr); err != nil && !errors.Is(err, unix.ESRCH) && !errors.Is(err, unix.ENODEV) {
		return fmt.Errorf("deleting route %s: %w", r, err)
	}
	return nil
}

func (d *linuxDriver) EnsureForwarding(ctx context.Context) error {
	b, err := os.ReadFile(ipForward)
	if err != nil {
		return fmt.Errorf("reading %s: %w", ipForward, err)
	}
	if strings.TrimSpace(string(b)) == "1" {
		return nil
	}
	if err := os.WriteFile(ipForward, []byte("1"), 0644); err != nil {
		return fmt.Errorf("enabling ip forwarding: %w", err)
	}
	log.G(ctx).Info("enabled IPv4 forwarding for the host")
	return nil
}

func (d *linuxDriver) DefaultEgressInterface(ctx context.Context) (string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("listing routes: %w", err)
	}
	var best *netlink.Route
	for i, r := range routes {
		if r.Dst != nil {
			if ones, _ := r.Dst.Mask.Size(); ones != 0 {
				continue
			}
		}
		if r.LinkIndex == 0 {
			continue
		}
		if best == nil || r.Priority < best.Priority {
			best = &routes[i]
		}
	}
	if best == nil {
		return "", fmt.Errorf("no default route: %w", errdefs.ErrNotFound)
	}
	l, err := netlink.LinkByIndex(best.LinkIndex)
	if err != nil {
		return "", fmt.Errorf("looking up default route device: %w", err)
	}
	return l.Attrs().Name, nil
}
