package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/orbitlab-cloud/orbitctl/internal/manifest"
	"github.com/orbitlab-cloud/orbitctl/internal/proxmox"
	"github.com/orbitlab-cloud/orbitctl/pkg/log"
)

const MaxConcurrentRequests = 3

// ErrTwoNodeCluster rejects the one membership size the backplane cannot
// serve: with two votes a failed peer takes quorum down with it.
var ErrTwoNodeCluster = errors.New("two node clusters are not supported")

//go:generate mockgen -source discovery.go -destination mocks/hypervisor.go -package mocks
type Hypervisor interface {
	ClusterStatus(ctx context.Context) (*proxmox.ClusterStatus, error)
	Networks(ctx context.Context, node string) ([]proxmox.NetworkInterface, error)
	Storages(ctx context.Context, node string) ([]proxmox.StorageInfo, error)
	BridgeMTU(ctx context.Context, bridge string) (int, error)
	Zones(ctx context.Context) ([]proxmox.ZoneInfo, error)
	Vnets(ctx context.Context) ([]proxmox.VnetInfo, error)
	Subnets(ctx context.Context, vnet string) ([]proxmox.SubnetInfo, error)
}

// Discoverer walks the hypervisor cluster and mirrors what it finds into
// the manifest store: one node manifest per member, one SDN manifest per
// network this engine does not manage, and the cluster manifest tying them
// together. Running it again refreshes the mirrored state without touching
// provisioned sectors or the backplane.
type Discoverer struct {
	hypervisor Hypervisor
	store      *manifest.Store
	log        zerolog.Logger
}

// Discover inspects the cluster and persists the refreshed manifests.
func (d *Discoverer) Discover(ctx context.Context) (*manifest.ClusterManifest, error) {
	status, err := d.hypervisor.ClusterStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster status: %w", err)
	}

	if status.Nodes == 2 {
		return nil, ErrTwoNodeCluster
	}

	nodes, err := d.discoverNodes(ctx, status.Members)
	if err != nil {
		return nil, fmt.Errorf("failed to discover nodes: %w", err)
	}

	cluster, err := manifest.LoadOnlyCluster(d.store)
	switch {
	case errors.Is(err, manifest.ErrClusterNotFound):
		cluster = manifest.NewCluster(status.Name, status.Quorate, status.Nodes)
	case err != nil:
		return nil, fmt.Errorf("failed to load cluster: %w", err)
	default:
		cluster.Metadata.Quorate = status.Quorate
		cluster.Metadata.NodeCount = status.Nodes
	}

	memberNames := make([]string, 0, len(status.Members))
	for _, member := range status.Members {
		memberNames = append(memberNames, member.Name)
	}

	vnetsByNode, err := d.importNetworks(ctx, cluster, memberNames)
	if err != nil {
		return nil, fmt.Errorf("failed to import networks: %w", err)
	}

	cluster.Spec.Nodes = nil

	for _, node := range nodes {
		node.Spec.SDNs = vnetsByNode[node.Name]

		if err := d.store.Save(node); err != nil {
			return nil, fmt.Errorf("failed to save node %s: %w", node.Name, err)
		}

		cluster.Spec.AddNode(node, node.Spec.Address.Addr)
	}

	if err := d.store.Save(cluster); err != nil {
		return nil, fmt.Errorf("failed to save cluster: %w", err)
	}

	d.log.Info().
		Str("cluster", cluster.Name).
		Int("nodes", len(nodes)).
		Bool("quorate", status.Quorate).
		Msg("discovered cluster")

	return cluster, nil
}

func (d *Discoverer) discoverNodes(ctx context.Context, members []proxmox.ClusterNode) ([]*manifest.NodeManifest, error) {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(MaxConcurrentRequests)

	nodes := make([]*manifest.NodeManifest, len(members))

	for i, member := range members {
		i, member := i, member

		eg.Go(func() error {
			node, err := d.discoverNode(ctx, member)
			if err != nil {
				return fmt.Errorf("failed to discover node %s: %w", member.Name, err)
			}

			nodes[i] = node

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return nodes, nil
}

func (d *Discoverer) discoverNode(ctx context.Context, member proxmox.ClusterNode) (*manifest.NodeManifest, error) {
	spec := manifest.NodeSpec{Address: manifest.NewAddr(member.Address)}

	if !member.Online {
		return manifest.NewNode(member.Name, manifest.NodeStatusOffline, spec), nil
	}

	networks, err := d.hypervisor.Networks(ctx, member.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to list networks: %w", err)
	}

	for _, network := range networks {
		if network.Type != "bridge" {
			continue
		}

		bridge := manifest.Bridge{
			Name:   network.Name,
			Active: bool(network.Active),
		}

		if network.CIDR != "" {
			cidr, err := netip.ParsePrefix(network.CIDR)
			if err != nil {
				return nil, fmt.Errorf("failed to parse cidr of bridge %s: %w", network.Name, err)
			}

			bridge.CIDR = manifest.NewPrefix(cidr)
		}

		// Sysfs is only visible for the node the engine runs on.
		if member.Local {
			mtu, err := d.hypervisor.BridgeMTU(ctx, network.Name)
			if err != nil {
				return nil, fmt.Errorf("failed to read mtu of bridge %s: %w", network.Name, err)
			}

			bridge.MTU = mtu
		}

		spec.Bridges = append(spec.Bridges, bridge)
	}

	storages, err := d.hypervisor.Storages(ctx, member.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to list storages: %w", err)
	}

	for _, storage := range storages {
		spec.Storage = append(spec.Storage, manifest.Storage{
			Name:    storage.Name,
			Type:    storage.Type,
			Content: storage.Content,
			Active:  bool(storage.Active),
		})
	}

	return manifest.NewNode(member.Name, manifest.NodeStatusOnline, spec), nil
}

// importNetworks mirrors SDN networks this engine does not manage into SDN
// manifests and reserves their tags so sector allocation steps around them.
// It returns which vnets, managed ones included, exist for each node.
func (d *Discoverer) importNetworks(ctx context.Context, cluster *manifest.ClusterManifest, nodeNames []string) (map[string][]string, error) {
	zones, err := d.hypervisor.Zones(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list zones: %w", err)
	}

	vnets, err := d.hypervisor.Vnets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list vnets: %w", err)
	}

	managed := make(map[string]bool)
	if cluster.Spec.Backplane != nil {
		managed[cluster.Spec.Backplane.Name] = true
	}
	for _, link := range cluster.Spec.Sectors {
		managed[link.Ref.Name()] = true
	}

	zonesByName := make(map[string]proxmox.ZoneInfo, len(zones))
	for _, zone := range zones {
		zonesByName[zone.Zone] = zone
	}

	vnetsByNode := make(map[string][]string)

	for _, vnet := range vnets {
		zone := zonesByName[vnet.Zone]

		restricted := zone.NodeList()
		if len(restricted) == 0 {
			restricted = nodeNames
		}
		for _, node := range restricted {
			vnetsByNode[node] = append(vnetsByNode[node], vnet.Name)
		}

		if managed[vnet.Zone] {
			continue
		}

		d.reserveTag(cluster, int(vnet.Tag))

		if err := d.importVnet(ctx, vnet, zone); err != nil {
			return nil, err
		}
	}

	for node := range vnetsByNode {
		slices.Sort(vnetsByNode[node])
	}
	slices.Sort(cluster.Spec.ReservedTags)

	return vnetsByNode, nil
}

func (d *Discoverer) importVnet(ctx context.Context, vnet proxmox.VnetInfo, zone proxmox.ZoneInfo) error {
	subnetInfos, err := d.hypervisor.Subnets(ctx, vnet.Name)
	if err != nil {
		return fmt.Errorf("failed to list subnets of vnet %s: %w", vnet.Name, err)
	}

	subnets := make([]manifest.SDNSubnet, 0, len(subnetInfos))
	for _, info := range subnetInfos {
		cidr, err := info.Prefix()
		if err != nil {
			return fmt.Errorf("failed to parse subnet of vnet %s: %w", vnet.Name, err)
		}

		subnet := manifest.SDNSubnet{CIDRBlock: manifest.NewPrefix(cidr)}

		if info.Gateway != "" {
			gateway, err := netip.ParseAddr(info.Gateway)
			if err != nil {
				return fmt.Errorf("failed to parse gateway of subnet %s: %w", info.ID, err)
			}

			subnet.Gateway = manifest.NewAddr(gateway)
		}

		subnets = append(subnets, subnet)
	}

	sdn := manifest.NewSDN(vnet.Name, manifest.SDNMetadata{
		ZoneType:   manifest.ZoneType(zone.Type),
		ZoneName:   zone.Zone,
		Controller: zone.Controller,
	}, manifest.SDNSpec{
		Subnets: subnets,
		MTU:     int(zone.MTU),
		Nodes:   zone.NodeList(),
	})

	if err := d.store.Save(sdn); err != nil {
		return fmt.Errorf("failed to save sdn %s: %w", vnet.Name, err)
	}

	d.log.Debug().Str("vnet", vnet.Name).Str("zone", zone.Zone).Msg("imported foreign network")

	return nil
}

func (d *Discoverer) reserveTag(cluster *manifest.ClusterManifest, tag int) {
	if tag < manifest.SectorTagStart || tag > manifest.SectorTagEnd {
		return
	}

	if slices.Contains(cluster.Spec.ReservedTags, tag) {
		return
	}

	cluster.Spec.ReservedTags = append(cluster.Spec.ReservedTags, tag)
}

// New creates a discoverer.
func New(hypervisor Hypervisor, store *manifest.Store) *Discoverer {
	return &Discoverer{
		hypervisor: hypervisor,
		store:      store,
		log:        log.WithComponent("discovery"),
	}
}
