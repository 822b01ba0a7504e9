// Package discovery announces and finds the ring coordinator over mDNS so
// nodes can join without a bootstrap address. It only works where UDP
// multicast does, i.e. not in most cloud networks.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	serviceString = "_ringkv-ecs._tcp"
	defaultDomain = "local."

	kindCoordinator = "ecs"
	addrRecord      = "addr="
)

// ErrNotFound is returned when no coordinator answered within the wait time.
var ErrNotFound = errors.New("no coordinator found")

// Registry announces endpoints until Shutdown is called.
type Registry struct {
	mu          sync.Mutex
	servers     map[string]*zeroconf.Server
	ClusterName string
}

// NewRegistry creates a registry for the named cluster.
func NewRegistry(clusterName string) *Registry {
	return &Registry{
		servers:     make(map[string]*zeroconf.Server),
		ClusterName: clusterName,
	}
}

// RegisterCoordinator announces the coordinator listening on address:port.
// The listen address travels in a TXT record since mDNS announces the host's
// external address.
func (r *Registry) RegisterCoordinator(address string, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.instanceName(kindCoordinator, strconv.Itoa(port))
	if _, ok := r.servers[entry]; ok {
		return fmt.Errorf("entry %s is already registered", entry)
	}

	txt := []string{"txtv=0", addrRecord + address + ":" + strconv.Itoa(port)}
	server, err := zeroconf.Register(entry, serviceString, defaultDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("zeroconf register: %w", err)
	}
	r.servers[entry] = server
	return nil
}

// Shutdown withdraws every announcement.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range r.servers {
		v.Shutdown()
		delete(r.servers, k)
	}
}

// ResolveCoordinator browses for the cluster's coordinator and returns the
// first address found.
func (r *Registry) ResolveCoordinator(ctx context.Context, waitTime time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("zeroconf resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, waitTime)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, serviceString, defaultDomain, entries); err != nil {
		return "", fmt.Errorf("zeroconf browse: %w", err)
	}

	prefix := r.instanceName(kindCoordinator, "")
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if !strings.HasPrefix(entry.Instance, prefix) {
				continue
			}
			if addr := entryAddress(entry); addr != "" {
				return addr, nil
			}
		case <-ctx.Done():
			return "", ErrNotFound
		}
	}
}

func (r *Registry) instanceName(kind, id string) string {
	return fmt.Sprintf("%s_%s_%s", r.ClusterName, kind, id)
}

// entryAddress prefers the announced listen address over the packet source.
func entryAddress(entry *zeroconf.ServiceEntry) string {
	for _, txt := range entry.Text {
		if addr, ok := strings.CutPrefix(txt, addrRecord); ok && addr != "" {
			return addr
		}
	}
	for _, ip := range entry.AddrIPv4 {
		return fmt.Sprintf("%s:%d", ip, entry.Port)
	}
	return ""
}
