// Package allocator hands out host ports and container IPs for a server,
// reading current reservations from the Store so allocation never collides
// with an already-materialised Deployment or DeploymentPort row.
package allocator

import (
	"context"
	"fmt"
	"net"

	"github.com/anchorhq/anchor/pkg/apierr"
	"github.com/anchorhq/anchor/pkg/store"
	"github.com/anchorhq/anchor/pkg/types"
)

const (
	hostPortMin = 30000
	hostPortMax = 32767
)

// Allocator draws host ports and container IPs for deployments, scoped to a
// single server. Ports and IPs are reserved by the caller's own insertion of
// DeploymentPort/Deployment rows inside the same transaction; Allocator only
// reads current usage, it never writes.
type Allocator struct {
	store       store.Store
	hostPortMin int
	hostPortMax int
}

// Config overrides the default host port range.
type Config struct {
	HostPortMin int
	HostPortMax int
}

func New(s store.Store, cfg Config) *Allocator {
	a := &Allocator{store: s, hostPortMin: hostPortMin, hostPortMax: hostPortMax}
	if cfg.HostPortMin != 0 {
		a.hostPortMin = cfg.HostPortMin
	}
	if cfg.HostPortMax != 0 {
		a.hostPortMax = cfg.HostPortMax
	}
	return a
}

// HostPortAlloc returns n distinct host ports on serverID, ascending, drawn
// from the configured range and not already claimed by a DeploymentPort row
// on that server. Fails with apierr.InsufficientCapacity if fewer than n
// are free.
func (a *Allocator) HostPortAlloc(ctx context.Context, serverID string, n int) ([]int, error) {
	used, err := a.store.ListUsedHostPorts(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("list used host ports: %w", err)
	}

	ports := make([]int, 0, n)
	for p := a.hostPortMin; p <= a.hostPortMax && len(ports) < n; p++ {
		if !used[p] {
			ports = append(ports, p)
		}
	}
	if len(ports) < n {
		return nil, apierr.NewInsufficientCapacity(fmt.Sprintf(
			"server %s has %d free host ports in [%d,%d], need %d", serverID, len(ports), a.hostPortMin, a.hostPortMax, n))
	}
	return ports, nil
}

// ContainerIPAlloc returns the lowest unused host-part in serverID's /24
// container subnet, derived from the server's WireguardIP. The subnet's
// network address (.0) and the server's own address are never handed out;
// a /24 yields at most 253 usable deployment addresses.
func (a *Allocator) ContainerIPAlloc(ctx context.Context, server *types.Server) (string, error) {
	base, err := subnetBase(server.WireguardIP)
	if err != nil {
		return "", fmt.Errorf("derive container subnet for server %s: %w", server.ID, err)
	}

	used, err := a.store.ListUsedIPs(ctx, server.ID)
	if err != nil {
		return "", fmt.Errorf("list used ips: %w", err)
	}

	reserved := map[string]bool{fmt.Sprintf("%s.0", base): true, server.WireguardIP: true}
	for host := 1; host <= 254; host++ {
		ip := fmt.Sprintf("%s.%d", base, host)
		if used[ip] || reserved[ip] {
			continue
		}
		return ip, nil
	}
	return "", apierr.NewInsufficientCapacity(fmt.Sprintf("server %s has no free container ip in %s.0/24", server.ID, base))
}

// subnetBase returns the /24 network prefix ("10.0.3") of ip.
func subnetBase(ip string) (string, error) {
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return "", fmt.Errorf("invalid ipv4 address %q", ip)
	}
	return fmt.Sprintf("%d.%d.%d", parsed[0], parsed[1], parsed[2]), nil
}

