package allocator

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorhq/anchor/pkg/apierr"
	"github.com/anchorhq/anchor/pkg/store"
	"github.com/anchorhq/anchor/pkg/types"
)

// fakeStore implements only the allocator's two read paths; every other
// Store method panics if exercised, which a correct Allocator never does.
type fakeStore struct {
	store.Store
	usedPorts map[int]bool
	usedIPs   map[string]bool
}

func (f *fakeStore) ListUsedHostPorts(ctx context.Context, serverID string) (map[int]bool, error) {
	return f.usedPorts, nil
}

func (f *fakeStore) ListUsedIPs(ctx context.Context, serverID string) (map[string]bool, error) {
	return f.usedIPs, nil
}

func TestHostPortAlloc(t *testing.T) {
	t.Run("returns n ascending free ports", func(t *testing.T) {
		fs := &fakeStore{usedPorts: map[int]bool{30000: true, 30001: true}}
		a := New(fs, Config{})

		ports, err := a.HostPortAlloc(context.Background(), "s1", 3)
		require.NoError(t, err)
		assert.Equal(t, []int{30002, 30003, 30004}, ports)
	})

	t.Run("exhausted when fewer free ports than requested", func(t *testing.T) {
		used := make(map[int]bool)
		for p := hostPortMin; p <= hostPortMax; p++ {
			used[p] = true
		}
		delete(used, 31000)
		fs := &fakeStore{usedPorts: used}
		a := New(fs, Config{})

		_, err := a.HostPortAlloc(context.Background(), "s1", 2)
		require.Error(t, err)
		assert.Equal(t, apierr.InsufficientCapacity, apierr.KindOf(err))
	})

	t.Run("honours a narrowed range", func(t *testing.T) {
		fs := &fakeStore{usedPorts: map[int]bool{}}
		a := New(fs, Config{HostPortMin: 40000, HostPortMax: 40005})

		ports, err := a.HostPortAlloc(context.Background(), "s1", 2)
		require.NoError(t, err)
		assert.Equal(t, []int{40000, 40001}, ports)
	})
}

func TestContainerIPAlloc(t *testing.T) {
	t.Run("returns lowest free host part", func(t *testing.T) {
		fs := &fakeStore{usedIPs: map[string]bool{"10.0.3.2": true, "10.0.3.3": true}}
		a := New(fs, Config{})
		server := &types.Server{ID: "s1", WireguardIP: "10.0.3.1"}

		ip, err := a.ContainerIPAlloc(context.Background(), server)
		require.NoError(t, err)
		assert.Equal(t, "10.0.3.4", ip)
	})

	t.Run("skips the server's own address", func(t *testing.T) {
		fs := &fakeStore{usedIPs: map[string]bool{}}
		a := New(fs, Config{})
		server := &types.Server{ID: "s1", WireguardIP: "10.0.3.1"}

		ip, err := a.ContainerIPAlloc(context.Background(), server)
		require.NoError(t, err)
		assert.Equal(t, "10.0.3.2", ip)
	})

	t.Run("exhausted when subnet is full", func(t *testing.T) {
		used := make(map[string]bool)
		for h := 1; h <= 254; h++ {
			used[ipAt("10.0.3", h)] = true
		}
		fs := &fakeStore{usedIPs: used}
		a := New(fs, Config{})
		server := &types.Server{ID: "s1", WireguardIP: "10.0.3.1"}

		_, err := a.ContainerIPAlloc(context.Background(), server)
		require.Error(t, err)
	})

	t.Run("rejects a non-ipv4 wireguard address", func(t *testing.T) {
		fs := &fakeStore{usedIPs: map[string]bool{}}
		a := New(fs, Config{})
		server := &types.Server{ID: "s1", WireguardIP: "not-an-ip"}

		_, err := a.ContainerIPAlloc(context.Background(), server)
		require.Error(t, err)
	})
}

func ipAt(base string, host int) string {
	return base + "." + strconv.Itoa(host)
}
