package ipam

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/orbitlab-cloud/orbitctl/internal/manifest"
	"github.com/orbitlab-cloud/orbitctl/pkg/log"
	"github.com/orbitlab-cloud/orbitctl/pkg/netutil"
)

var (
	ErrSubnetNotFound = errors.New("subnet not found in pool")
	ErrNoAvailableIP  = errors.New("no available ip in subnet")
)

// Engine allocates addresses out of one ipam manifest. Every mutation is
// persisted before it is returned, so the store always reflects what has
// been handed out.
type Engine struct {
	store *manifest.Store
	pool  *manifest.IpamManifest
	mu    sync.Mutex
	log   zerolog.Logger
}

// Pool exposes the manifest the engine allocates from.
func (e *Engine) Pool() *manifest.IpamManifest {
	return e.pool
}

// Assign hands out the lowest free usable address of the subnet. The first
// ReservedUsableIPs hosts stay reserved for sector infrastructure and are
// never handed out here. A vmid may hold several assignments.
func (e *Engine) Assign(subnetName string, vmid manifest.VMID) (netip.Prefix, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subnet, ok := e.pool.Spec.Subnet(subnetName)
	if !ok {
		return netip.Prefix{}, fmt.Errorf("subnet %q in %s: %w", subnetName, e.pool.Name, ErrSubnetNotFound)
	}

	address, err := nextAvailable(subnet)
	if err != nil {
		return netip.Prefix{}, err
	}

	subnet.Assignments = append(subnet.Assignments, manifest.IPAssignment{
		Address:     manifest.NewPrefix(address),
		VMID:        vmid,
		AllocatedAt: time.Now().UTC(),
	})

	if err := e.store.Save(e.pool); err != nil {
		subnet.Assignments = subnet.Assignments[:len(subnet.Assignments)-1]
		return netip.Prefix{}, fmt.Errorf("failed to persist assignment: %w", err)
	}

	e.log.Info().
		Str("pool", e.pool.Name).
		Str("subnet", subnetName).
		Str("vmid", vmid.String()).
		Str("address", address.String()).
		Msg("assigned ip")

	return address, nil
}

// Release drops every assignment matching the key, which may be a vmid or
// an address in either ip or ip/len form. Releasing something that is not
// assigned is a no-op.
func (e *Engine) Release(subnetName, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	subnet, ok := e.pool.Spec.Subnet(subnetName)
	if !ok {
		return fmt.Errorf("subnet %q in %s: %w", subnetName, e.pool.Name, ErrSubnetNotFound)
	}

	remaining := lo.Filter(subnet.Assignments, func(assignment manifest.IPAssignment, _ int) bool {
		return assignment.VMID.String() != key &&
			assignment.Address.String() != key &&
			assignment.Address.Addr().String() != key
	})
	if len(remaining) == len(subnet.Assignments) {
		return nil
	}

	released := len(subnet.Assignments) - len(remaining)
	subnet.Assignments = remaining

	if err := e.store.Save(e.pool); err != nil {
		return fmt.Errorf("failed to persist release: %w", err)
	}

	e.log.Info().
		Str("pool", e.pool.Name).
		Str("subnet", subnetName).
		Str("key", key).
		Int("released", released).
		Msg("released ip")

	return nil
}

// Assigned looks up the address held by a vmid in the subnet.
func (e *Engine) Assigned(subnetName string, vmid manifest.VMID) (netip.Prefix, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subnet, ok := e.pool.Spec.Subnet(subnetName)
	if !ok {
		return netip.Prefix{}, false
	}

	for _, assignment := range subnet.Assignments {
		if assignment.VMID == vmid {
			return assignment.Address.Prefix, true
		}
	}

	return netip.Prefix{}, false
}

// Find returns the first address assigned to the vmid across all subnets in
// order, or the empty string when the vmid holds nothing.
func (e *Engine) Find(vmid manifest.VMID) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.pool.Spec.Subnets {
		for _, assignment := range e.pool.Spec.Subnets[i].Assignments {
			if assignment.VMID == vmid {
				return assignment.Address.String()
			}
		}
	}

	return ""
}

func nextAvailable(subnet *manifest.Subnet) (netip.Prefix, error) {
	assigned := make(map[netip.Addr]struct{}, len(subnet.Assignments))
	for _, assignment := range subnet.Assignments {
		assigned[assignment.Address.Addr()] = struct{}{}
	}

	prefix := subnet.CIDRBlock.Prefix
	for n := manifest.ReservedUsableIPs + 1; n <= netutil.UsableHosts(prefix); n++ {
		host, err := netutil.HostAt(prefix, n)
		if err != nil {
			return netip.Prefix{}, err
		}

		if _, taken := assigned[host]; taken {
			continue
		}

		return netip.PrefixFrom(host, prefix.Bits()), nil
	}

	return netip.Prefix{}, fmt.Errorf("subnet %q: %w", subnet.Name, ErrNoAvailableIP)
}

// Open loads a pool manifest by name and binds an engine to it.
func Open(store *manifest.Store, name string) (*Engine, error) {
	pool, err := manifest.LoadIpam(store, name)
	if err != nil {
		return nil, err
	}

	return New(Config{Store: store, Pool: pool}), nil
}

// Config for the engine.
type Config struct {
	Store *manifest.Store
	Pool  *manifest.IpamManifest
}

func New(config Config) *Engine {
	return &Engine{
		store: config.Store,
		pool:  config.Pool,
		log:   log.WithComponent("ipam"),
	}
}
