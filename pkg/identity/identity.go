// Package identity builds the set of reverse-DNS names that belong to this host.
package identity

import (
	"context"
	"fmt"
	"net"
	"strings"

	"conditional-dns/pkg/rules"

	"github.com/miekg/dns"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// InterfaceLister returns the addresses of the host's network interfaces in
// "ip/prefix" or bare "ip" form.
type InterfaceLister func(ctx context.Context) ([]string, error)

// HostAddrs lists every interface address of the host
func HostAddrs(ctx context.Context) ([]string, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate interfaces: %w", err)
	}

	var addrs []string
	for _, iface := range ifaces {
		for _, a := range iface.Addrs {
			addrs = append(addrs, a.Addr)
		}
	}
	return addrs, nil
}

// Discover builds the identity set from the host's IPv4 interface addresses
func Discover(ctx context.Context, list InterfaceLister) (rules.IdentitySet, []string, error) {
	if list == nil {
		list = HostAddrs
	}
	addrs, err := list(ctx)
	if err != nil {
		return rules.IdentitySet{}, nil, err
	}
	names := ReverseNames(addrs)
	return rules.NewIdentitySet(names...), names, nil
}

// ReverseNames converts IPv4 addresses to their in-addr.arpa names. IPv6 and
// unparsable entries are skipped.
func ReverseNames(addrs []string) []string {
	names := make([]string, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		ip := parseAddr(a)
		if ip == nil || ip.To4() == nil {
			continue
		}
		name, err := dns.ReverseAddr(ip.String())
		if err != nil {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

func parseAddr(a string) net.IP {
	a = strings.TrimSpace(a)
	if ip, _, err := net.ParseCIDR(a); err == nil {
		return ip
	}
	return net.ParseIP(a)
}
