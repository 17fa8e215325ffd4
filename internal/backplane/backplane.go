package backplane

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/orbitlab-cloud/orbitctl/internal/manifest"
	"github.com/orbitlab-cloud/orbitctl/internal/proxmox"
	"github.com/orbitlab-cloud/orbitctl/pkg/log"
	"github.com/orbitlab-cloud/orbitctl/pkg/netutil"
)

const (
	DefaultName  = "olbp0"
	DefaultAlias = "OrbitLab Backplane"
	DefaultASN   = 65001
	DefaultCIDR  = "172.31.254.0/24"

	// DefaultUplinkBridge is the physical bridge whose MTU bounds the
	// overlay MTU.
	DefaultUplinkBridge = "vmbr0"

	// DefaultEncapsulationOverhead is subtracted from the uplink MTU to
	// leave room for the VXLAN and EVPN headers.
	DefaultEncapsulationOverhead = 50

	// Backplane zone and vnet tags live below the sector tag window.
	ZoneTagStart = 10
	ZoneTagEnd   = 99
	VnetTagStart = 100
	VnetTagEnd   = 999

	// PoolSubnet is the name of the single subnet in the backplane's
	// address pool.
	PoolSubnet = "default"
)

var (
	ErrNotQuorate        = errors.New("cluster is not quorate")
	ErrForeignController = errors.New("an evpn controller this engine does not manage already exists")
)

//go:generate mockgen -source backplane.go -destination mocks/hypervisor.go -package mocks
type Hypervisor interface {
	EVPNControllers(ctx context.Context) ([]proxmox.ControllerInfo, error)
	CreateEVPNController(ctx context.Context, id string, asn int, peers []netip.Addr) error
	SetControllerPeers(ctx context.Context, id string, peers []netip.Addr) error
	Zones(ctx context.Context) ([]proxmox.ZoneInfo, error)
	Vnets(ctx context.Context) ([]proxmox.VnetInfo, error)
	CreateEVPNZone(ctx context.Context, zone proxmox.EVPNZone) error
	CreateVnet(ctx context.Context, vnet proxmox.Vnet) error
	CreateSubnet(ctx context.Context, subnet proxmox.Subnet) error
	ApplySDN(ctx context.Context) error
	BridgeMTU(ctx context.Context, bridge string) (int, error)
}

// Config is the configuration of the backplane bootstrapper.
type Config struct {
	Name                  string
	Alias                 string
	ASN                   int
	CIDR                  netip.Prefix
	UplinkBridge          string
	EncapsulationOverhead int
}

// Bootstrapper brings up the shared EVPN backplane: one BGP controller, one
// routed zone, one vnet and one SNATed subnet that every sector gateway
// later attaches to. Initialization happens once per cluster; the cluster
// manifest records the outcome.
type Bootstrapper struct {
	hypervisor Hypervisor
	store      *manifest.Store
	config     Config
	log        zerolog.Logger
}

// Initialize creates the backplane if the cluster does not have one yet.
// Calling it on an initialized cluster is a no-op. A controller created by
// something else fails loudly instead of being adopted: two EVPN control
// planes on one cluster corrupt each other's routes.
func (b *Bootstrapper) Initialize(ctx context.Context) (*manifest.ClusterManifest, error) {
	cluster, err := manifest.LoadOnlyCluster(b.store)
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster: %w", err)
	}

	if cluster.Metadata.Initialized {
		b.log.Info().Str("cluster", cluster.Name).Msg("cluster already initialized")
		return cluster, nil
	}

	if !cluster.Metadata.Quorate {
		return nil, ErrNotQuorate
	}

	skipController, err := b.checkController(ctx)
	if err != nil {
		return nil, err
	}

	backplane, err := b.plan(ctx, cluster)
	if err != nil {
		return nil, err
	}

	peers := peerAddresses(backplane.Controller.Peers)

	if !skipController {
		if err := b.hypervisor.CreateEVPNController(ctx, backplane.Controller.ID, backplane.Controller.ASN, peers); err != nil {
			return nil, fmt.Errorf("failed to create controller: %w", err)
		}
	}

	err = b.hypervisor.CreateEVPNZone(ctx, proxmox.EVPNZone{
		Zone:       backplane.Name,
		Controller: backplane.Controller.ID,
		Tag:        backplane.ZoneTag,
		MTU:        backplane.MTU,
		ExitNodes:  cluster.Spec.NodeNames(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create zone: %w", err)
	}

	err = b.hypervisor.CreateVnet(ctx, proxmox.Vnet{
		Name:  backplane.Name,
		Zone:  backplane.Name,
		Alias: backplane.Alias,
		Tag:   backplane.VnetTag,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create vnet: %w", err)
	}

	err = b.hypervisor.CreateSubnet(ctx, proxmox.Subnet{
		Vnet:    backplane.Name,
		CIDR:    backplane.CIDRBlock.Prefix,
		Gateway: backplane.Gateway.Addr,
		SNAT:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create subnet: %w", err)
	}

	if err := b.hypervisor.ApplySDN(ctx); err != nil {
		return nil, fmt.Errorf("failed to apply sdn configuration: %w", err)
	}

	pool := manifest.NewIpam(backplane.Name, backplane.Alias, []manifest.Subnet{
		{Name: PoolSubnet, CIDRBlock: backplane.CIDRBlock},
	})
	if err := b.store.Save(pool); err != nil {
		return nil, fmt.Errorf("failed to save backplane pool: %w", err)
	}

	backplane.Ipam = pool.Ref()
	cluster.Spec.Backplane = backplane
	cluster.Metadata.Initialized = true

	if err := b.store.Save(cluster); err != nil {
		return nil, fmt.Errorf("failed to save cluster: %w", err)
	}

	b.log.Info().
		Str("backplane", backplane.Name).
		Int("zone_tag", backplane.ZoneTag).
		Int("vnet_tag", backplane.VnetTag).
		Str("cidr", backplane.CIDRBlock.String()).
		Msg("initialized backplane")

	return cluster, nil
}

// SyncControllerPeers pushes the manifest's peer list to the live EVPN
// controller when they differ, after discovery added or removed nodes. It
// reports whether an update happened.
func (b *Bootstrapper) SyncControllerPeers(ctx context.Context) (bool, error) {
	cluster, err := manifest.LoadOnlyCluster(b.store)
	if err != nil {
		return false, fmt.Errorf("failed to load cluster: %w", err)
	}

	if cluster.Spec.Backplane == nil {
		return false, manifest.ErrBackplaneNotReady
	}

	controllers, err := b.hypervisor.EVPNControllers(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list controllers: %w", err)
	}

	controller, found := lo.Find(controllers, func(c proxmox.ControllerInfo) bool {
		return c.ID == cluster.Spec.Backplane.Controller.ID
	})
	if !found {
		return false, manifest.ErrBackplaneNotReady
	}

	livePeers, err := controller.PeerList()
	if err != nil {
		return false, err
	}

	peers := peerAddresses(cluster.Spec.Backplane.Controller.Peers)

	missing, extra := lo.Difference(peers, livePeers)
	if len(missing) == 0 && len(extra) == 0 {
		return false, nil
	}

	if err := b.hypervisor.SetControllerPeers(ctx, controller.ID, peers); err != nil {
		return false, fmt.Errorf("failed to update controller peers: %w", err)
	}

	if err := b.hypervisor.ApplySDN(ctx); err != nil {
		return false, fmt.Errorf("failed to apply sdn configuration: %w", err)
	}

	b.log.Info().Strs("peers", cluster.Spec.PeerAddresses()).Msg("updated controller peers")

	return true, nil
}

// checkController reports whether controller creation can be skipped because
// a previous run already created ours.
func (b *Bootstrapper) checkController(ctx context.Context) (bool, error) {
	controllers, err := b.hypervisor.EVPNControllers(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list controllers: %w", err)
	}

	for _, controller := range controllers {
		if controller.ID != b.config.Name {
			return false, fmt.Errorf("%w: %s", ErrForeignController, controller.ID)
		}
	}

	return len(controllers) > 0, nil
}

// plan derives the backplane layout from the cluster and the hypervisor's
// current SDN configuration.
func (b *Bootstrapper) plan(ctx context.Context, cluster *manifest.ClusterManifest) (*manifest.Backplane, error) {
	uplinkMTU, err := b.hypervisor.BridgeMTU(ctx, b.config.UplinkBridge)
	if err != nil {
		return nil, fmt.Errorf("failed to read uplink mtu: %w", err)
	}

	zones, err := b.hypervisor.Zones(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list zones: %w", err)
	}

	vnets, err := b.hypervisor.Vnets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list vnets: %w", err)
	}

	zoneTag, err := nextFreeTag(ZoneTagStart, ZoneTagEnd, lo.Map(zones, func(z proxmox.ZoneInfo, _ int) int {
		return int(z.Tag)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to pick zone tag: %w", err)
	}

	vnetTag, err := nextFreeTag(VnetTagStart, VnetTagEnd, lo.Map(vnets, func(v proxmox.VnetInfo, _ int) int {
		return int(v.Tag)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to pick vnet tag: %w", err)
	}

	gateway, err := netutil.DefaultGateway(b.config.CIDR)
	if err != nil {
		return nil, fmt.Errorf("failed to derive gateway: %w", err)
	}

	peers := make([]manifest.Addr, 0, len(cluster.Spec.Nodes))
	for _, link := range cluster.Spec.Nodes {
		peers = append(peers, link.Resolved.Spec.Address)
	}

	return &manifest.Backplane{
		Name:      b.config.Name,
		Alias:     b.config.Alias,
		ZoneTag:   zoneTag,
		VnetTag:   vnetTag,
		CIDRBlock: manifest.NewPrefix(b.config.CIDR),
		Gateway:   manifest.NewAddr(gateway.Addr()),
		MTU:       uplinkMTU - b.config.EncapsulationOverhead,
		Controller: manifest.Controller{
			ID:    b.config.Name,
			ASN:   b.config.ASN,
			Peers: peers,
		},
	}, nil
}

// New creates a bootstrapper. Zero config fields fall back to the defaults.
func New(hypervisor Hypervisor, store *manifest.Store, config Config) *Bootstrapper {
	if config.Name == "" {
		config.Name = DefaultName
	}

	if config.Alias == "" {
		config.Alias = DefaultAlias
	}

	if config.ASN == 0 {
		config.ASN = DefaultASN
	}

	if !config.CIDR.IsValid() {
		config.CIDR = netip.MustParsePrefix(DefaultCIDR)
	}

	if config.UplinkBridge == "" {
		config.UplinkBridge = DefaultUplinkBridge
	}

	if config.EncapsulationOverhead == 0 {
		config.EncapsulationOverhead = DefaultEncapsulationOverhead
	}

	return &Bootstrapper{
		hypervisor: hypervisor,
		store:      store,
		config:     config,
		log:        log.WithComponent("backplane"),
	}
}

func nextFreeTag(start, end int, used []int) (int, error) {
	for tag := start; tag <= end; tag++ {
		if !lo.Contains(used, tag) {
			return tag, nil
		}
	}

	return 0, fmt.Errorf("scanned %d-%d: %w", start, end, manifest.ErrNoAvailableTag)
}

func peerAddresses(peers []manifest.Addr) []netip.Addr {
	return lo.Map(peers, func(addr manifest.Addr, _ int) netip.Addr {
		return addr.Addr
	})
}
