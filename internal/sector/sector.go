package sector

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/orbitlab-cloud/orbitctl/internal/backplane"
	"github.com/orbitlab-cloud/orbitctl/internal/ipam"
	"github.com/orbitlab-cloud/orbitctl/internal/manifest"
	"github.com/orbitlab-cloud/orbitctl/internal/proxmox"
	"github.com/orbitlab-cloud/orbitctl/internal/validate"
	"github.com/orbitlab-cloud/orbitctl/pkg/log"
	"github.com/orbitlab-cloud/orbitctl/pkg/netutil"
)

const (
	// DefaultGatewayTemplate and DefaultDNSTemplate are the appliance OS
	// template file names under the local template storage.
	DefaultGatewayTemplate = "orbitlab-gateway.tar.zst"
	DefaultDNSTemplate     = "orbitlab-dns.tar.zst"

	// DefaultStorage backs appliance root disks.
	DefaultStorage = "local-zfs"

	// DefaultDiskGB is the appliance root disk size in GiB.
	DefaultDiskGB = 8

	// Appliance container sizing.
	applianceCores    = 1
	applianceMemoryMB = 256
	applianceSwapMB   = 256

	templateVolume = "local:vztmpl/"
)

var (
	ErrSectorDeleting        = errors.New("sector is being deleted")
	ErrSectorExists          = errors.New("sector already exists")
	ErrTagReserved           = errors.New("tag is reserved")
	ErrGatewayNotProvisioned = errors.New("sector gateway is not provisioned")
)

// Compute identifies a workload container attached to a sector bridge.
type Compute struct {
	VMID     int
	Hostname string
	Address  string
}

// AttachedComputeError refuses a sector deletion while workloads still sit
// on the sector bridge. Attached lists them.
type AttachedComputeError struct {
	Sector   string
	Attached []Compute
}

func (e *AttachedComputeError) Error() string {
	names := lo.Map(e.Attached, func(compute Compute, _ int) string {
		return fmt.Sprintf("%d (%s)", compute.VMID, compute.Hostname)
	})

	return fmt.Sprintf("sector %s still has attached compute: %s", e.Sector, strings.Join(names, ", "))
}

//go:generate mockgen -source sector.go -destination mocks/sector.go -package mocks

// Hypervisor is the Proxmox surface the orchestrator drives.
type Hypervisor interface {
	Zones(ctx context.Context) ([]proxmox.ZoneInfo, error)
	CreateVXLANZone(ctx context.Context, zone proxmox.VXLANZone) error
	DeleteZone(ctx context.Context, zone string) error
	Vnets(ctx context.Context) ([]proxmox.VnetInfo, error)
	CreateVnet(ctx context.Context, vnet proxmox.Vnet) error
	DeleteVnet(ctx context.Context, name string) error
	Subnets(ctx context.Context, vnet string) ([]proxmox.SubnetInfo, error)
	CreateSubnet(ctx context.Context, subnet proxmox.Subnet) error
	DeleteSubnet(ctx context.Context, vnet string, cidr netip.Prefix) error
	ApplySDN(ctx context.Context) error
	NextResourceID(ctx context.Context) (int, error)
	CreateLXC(ctx context.Context, node string, params proxmox.LXCParams) (proxmox.Task, error)
	StartLXC(ctx context.Context, node string, vmid int) (proxmox.Task, error)
	DestroyLXC(ctx context.Context, node string, vmid int) (proxmox.Task, error)
	WaitForTask(ctx context.Context, task proxmox.Task) error
	ZoneBridges(ctx context.Context, node string, zone string) ([]proxmox.Bridge, error)
	LXCConfig(ctx context.Context, node string, vmid int) (*proxmox.ComputeConfig, error)
	RunScript(ctx context.Context, vmid int, script string) error
}

// Secrets stores appliance credentials.
type Secrets interface {
	Generate(name string, description string) (manifest.Ref, error)
	Reveal(ref manifest.Ref) (string, error)
	Delete(ref manifest.Ref) error
}

// Config for the orchestrator.
type Config struct {
	// Node is the cluster node that hosts sector appliances.
	Node string

	GatewayTemplate string
	DNSTemplate     string

	// Storage backs appliance root disks, sized by DiskGB.
	Storage string
	DiskGB  int
}

// Orchestrator owns the sector lifecycle. Mutations of one sector serialize
// on a per-sector lock; cluster manifest updates serialize on the
// orchestrator lock.
type Orchestrator struct {
	hypervisor Hypervisor
	secrets    Secrets
	store      *manifest.Store
	config     Config
	log        zerolog.Logger

	mu      sync.Mutex
	sectors map[string]*sync.Mutex
}

// CreateRequest describes a new sector.
type CreateRequest struct {
	Alias   string
	CIDR    netip.Prefix
	Subnets []string

	// Tag pins the network tag. Zero picks the smallest free one.
	Tag int
}

// Create allocates a network tag, divides the block evenly across the
// requested subnets and provisions the sector. The manifests are persisted
// before the first hypervisor call, so a failed run leaves a pending sector
// that Resume can finish. Creating with the pinned tag of a pending sector
// resumes it instead.
func (o *Orchestrator) Create(ctx context.Context, request CreateRequest) (*manifest.SectorManifest, error) {
	if err := validate.SectorRequest(request.Alias, request.CIDR, request.Subnets); err != nil {
		return nil, err
	}

	if request.Tag != 0 {
		if err := validate.Tag(request.Tag, manifest.SectorTagStart, manifest.SectorTagEnd); err != nil {
			return nil, err
		}

		if id := manifest.SectorID(request.Tag); o.store.Exists(manifest.KindSector, id) {
			existing, err := manifest.LoadSector(o.store, id)
			if err != nil {
				return nil, err
			}

			if existing.Metadata.State != manifest.SectorStatePending {
				return nil, fmt.Errorf("%w: %s is %s", ErrSectorExists, id, existing.Metadata.State)
			}

			return o.Resume(ctx, id)
		}
	}

	sector, cluster, err := o.reserve(request)
	if err != nil {
		return nil, err
	}

	lock := o.sectorLock(sector.Name)
	lock.Lock()
	defer lock.Unlock()

	if err := o.provision(ctx, cluster, sector); err != nil {
		return nil, fmt.Errorf("failed to provision sector %s: %w", sector.Name, err)
	}

	return sector, nil
}

// Resume finishes provisioning a pending sector. An available sector is
// returned as is, a deleting one is refused.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*manifest.SectorManifest, error) {
	lock := o.sectorLock(id)
	lock.Lock()
	defer lock.Unlock()

	sector, err := manifest.LoadSector(o.store, id)
	if err != nil {
		return nil, err
	}

	switch sector.Metadata.State {
	case manifest.SectorStateAvailable:
		return sector, nil
	case manifest.SectorStateDeleting:
		return nil, fmt.Errorf("%w: %s", ErrSectorDeleting, id)
	}

	cluster, err := manifest.LoadOnlyCluster(o.store)
	if err != nil {
		return nil, err
	}

	if cluster.Spec.Backplane == nil {
		return nil, manifest.ErrBackplaneNotReady
	}

	if err := o.provision(ctx, cluster, sector); err != nil {
		return nil, fmt.Errorf("failed to provision sector %s: %w", id, err)
	}

	return sector, nil
}

// Delete tears a sector down in reverse creation order and removes its
// manifests. Foreign compute on the sector bridge blocks the deletion with
// an AttachedComputeError.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	lock := o.sectorLock(id)
	lock.Lock()
	defer lock.Unlock()

	sector, err := manifest.LoadSector(o.store, id)
	if err != nil {
		return err
	}

	cluster, err := manifest.LoadOnlyCluster(o.store)
	if err != nil {
		return err
	}

	if cluster.Spec.Backplane == nil {
		return manifest.ErrBackplaneNotReady
	}

	attached, err := o.attachedCompute(ctx, cluster, sector)
	if err != nil {
		return err
	}

	if len(attached) > 0 {
		return &AttachedComputeError{Sector: id, Attached: attached}
	}

	if sector.Metadata.State != manifest.SectorStateDeleting {
		sector.Metadata.State = manifest.SectorStateDeleting
		if err := o.store.Save(sector); err != nil {
			return err
		}
	}

	if err := o.destroyAppliances(ctx, cluster, sector); err != nil {
		return err
	}

	if err := o.teardownNetworks(ctx, sector); err != nil {
		return err
	}

	// The cluster link goes before the manifests so the store never holds a
	// dangling sector reference. A crash in between leaves orphan manifests
	// that a rerun cleans up.
	o.mu.Lock()
	defer o.mu.Unlock()

	cluster, err = manifest.LoadOnlyCluster(o.store)
	if err != nil {
		return err
	}

	cluster.Spec.RemoveSector(sector.Metadata.Tag)

	if err := o.store.Save(cluster); err != nil {
		return err
	}

	if err := o.store.Delete(sector); err != nil {
		return err
	}

	if err := o.store.DeleteByName(manifest.KindIpam, sector.Spec.Ipam.Ref.Name()); err != nil {
		return err
	}

	o.log.Info().Str("sector", id).Msg("sector deleted")

	return nil
}

// Attached lists the workload containers currently on the sector bridge
// across all cluster nodes.
func (o *Orchestrator) Attached(ctx context.Context, id string) ([]Compute, error) {
	sector, err := manifest.LoadSector(o.store, id)
	if err != nil {
		return nil, err
	}

	cluster, err := manifest.LoadOnlyCluster(o.store)
	if err != nil {
		return nil, err
	}

	return o.attachedCompute(ctx, cluster, sector)
}

// List loads every sector manifest in name order.
func (o *Orchestrator) List() ([]*manifest.SectorManifest, error) {
	names, err := o.store.ListExisting(manifest.KindSector)
	if err != nil {
		return nil, err
	}

	sectors := make([]*manifest.SectorManifest, 0, len(names))
	for _, name := range names {
		sector, err := manifest.LoadSector(o.store, name)
		if err != nil {
			return nil, err
		}

		sectors = append(sectors, sector)
	}

	return sectors, nil
}

// Get loads one sector manifest.
func (o *Orchestrator) Get(id string) (*manifest.SectorManifest, error) {
	return manifest.LoadSector(o.store, id)
}

// New builds an orchestrator. Zero config fields fall back to defaults; an
// empty node defaults to the local hostname.
func New(hypervisor Hypervisor, secrets Secrets, store *manifest.Store, config Config) *Orchestrator {
	if config.Node == "" {
		config.Node, _ = os.Hostname()
	}

	if config.GatewayTemplate == "" {
		config.GatewayTemplate = DefaultGatewayTemplate
	}

	if config.DNSTemplate == "" {
		config.DNSTemplate = DefaultDNSTemplate
	}

	if config.Storage == "" {
		config.Storage = DefaultStorage
	}

	if config.DiskGB == 0 {
		config.DiskGB = DefaultDiskGB
	}

	return &Orchestrator{
		hypervisor: hypervisor,
		secrets:    secrets,
		store:      store,
		config:     config,
		sectors:    make(map[string]*sync.Mutex),
		log:        log.WithComponent("sector"),
	}
}

// reserve picks the sector tag and persists the pending manifests under the
// orchestrator lock.
func (o *Orchestrator) reserve(request CreateRequest) (*manifest.SectorManifest, *manifest.ClusterManifest, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cluster, err := manifest.LoadOnlyCluster(o.store)
	if err != nil {
		return nil, nil, err
	}

	if cluster.Spec.Backplane == nil {
		return nil, nil, manifest.ErrBackplaneNotReady
	}

	tag := request.Tag
	if tag != 0 {
		if cluster.Spec.TagInUse(tag) {
			if _, ok := cluster.Spec.Sectors[tag]; ok {
				return nil, nil, fmt.Errorf("%w: tag %d", ErrSectorExists, tag)
			}

			return nil, nil, fmt.Errorf("%w: %d", ErrTagReserved, tag)
		}
	} else {
		tag, err = cluster.Spec.NextAvailableTag(manifest.SectorTagStart, manifest.SectorTagEnd)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to allocate sector tag: %w", err)
		}
	}

	prefixes, err := netutil.SplitPrefix(request.CIDR, len(request.Subnets))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to divide %s into %d subnets: %w", request.CIDR, len(request.Subnets), err)
	}

	subnets := lo.Map(request.Subnets, func(name string, i int) manifest.Subnet {
		return manifest.Subnet{Name: name, CIDRBlock: manifest.NewPrefix(prefixes[i])}
	})

	id := manifest.SectorID(tag)

	pool := manifest.NewIpam(id, request.Alias, subnets)
	if err := o.store.Save(pool); err != nil {
		return nil, nil, err
	}

	sector := manifest.NewSector(tag, request.Alias, request.CIDR, subnets, pool)
	if err := o.store.Save(sector); err != nil {
		return nil, nil, err
	}

	cluster.Spec.AddSector(tag, sector)
	if err := o.store.Save(cluster); err != nil {
		return nil, nil, err
	}

	o.log.Info().
		Str("sector", id).
		Str("alias", request.Alias).
		Int("tag", tag).
		Str("cidr", request.CIDR.String()).
		Msg("reserved sector")

	return sector, cluster, nil
}

// provision walks the create steps in order. Every step checks what already
// exists, so a rerun picks up where the last attempt stopped.
func (o *Orchestrator) provision(ctx context.Context, cluster *manifest.ClusterManifest, sector *manifest.SectorManifest) error {
	if err := o.ensureNetworks(ctx, cluster, sector); err != nil {
		return err
	}

	if err := o.ensureGateway(ctx, cluster, sector); err != nil {
		return err
	}

	if err := o.ensureDNS(ctx, cluster, sector); err != nil {
		return err
	}

	if err := o.configureGateway(ctx, cluster, sector); err != nil {
		return err
	}

	sector.Metadata.State = manifest.SectorStateAvailable
	if err := o.store.Save(sector); err != nil {
		return err
	}

	o.log.Info().Str("sector", sector.Name).Msg("sector available")

	return nil
}

func (o *Orchestrator) ensureNetworks(ctx context.Context, cluster *manifest.ClusterManifest, sector *manifest.SectorManifest) error {
	id := sector.Name

	zones, err := o.hypervisor.Zones(ctx)
	if err != nil {
		return err
	}

	zoneExists := lo.ContainsBy(zones, func(zone proxmox.ZoneInfo) bool {
		return zone.Zone == id
	})

	if !zoneExists {
		zone := proxmox.VXLANZone{
			Zone:  id,
			Peers: cluster.Spec.NodeAddresses(),
			MTU:   cluster.Spec.Backplane.MTU,
		}

		if err := o.hypervisor.CreateVXLANZone(ctx, zone); err != nil {
			return fmt.Errorf("failed to create zone %s: %w", id, err)
		}
	}

	vnets, err := o.hypervisor.Vnets(ctx)
	if err != nil {
		return err
	}

	vnetExists := lo.ContainsBy(vnets, func(vnet proxmox.VnetInfo) bool {
		return vnet.Name == id
	})

	if !vnetExists {
		vnet := proxmox.Vnet{
			Name:  id,
			Zone:  id,
			Alias: sector.Metadata.Alias,
			Tag:   sector.Metadata.Tag,
		}

		if err := o.hypervisor.CreateVnet(ctx, vnet); err != nil {
			return fmt.Errorf("failed to create vnet %s: %w", id, err)
		}
	}

	existing, err := o.hypervisor.Subnets(ctx, id)
	if err != nil {
		return err
	}

	existingIDs := lo.Map(existing, func(subnet proxmox.SubnetInfo, _ int) string {
		return subnet.ID
	})

	for i := range sector.Spec.Subnets {
		subnet := &sector.Spec.Subnets[i]

		if lo.Contains(existingIDs, proxmox.SubnetID(id, subnet.CIDRBlock.Prefix)) {
			continue
		}

		gateway, err := subnet.DefaultGateway()
		if err != nil {
			return err
		}

		request := proxmox.Subnet{
			Vnet:    id,
			CIDR:    subnet.CIDRBlock.Prefix,
			Gateway: gateway.Addr(),
		}

		if err := o.hypervisor.CreateSubnet(ctx, request); err != nil {
			return fmt.Errorf("failed to create subnet %s: %w", subnet.CIDRBlock, err)
		}
	}

	return o.hypervisor.ApplySDN(ctx)
}

// ensureGateway creates the gateway appliance with a leg on the sector vnet
// and a leg on the backplane. The backplane address and the root password
// are rolled back when the appliance does not come up.
func (o *Orchestrator) ensureGateway(ctx context.Context, cluster *manifest.ClusterManifest, sector *manifest.SectorManifest) (retErr error) {
	if sector.Spec.Gateway != nil {
		return nil
	}

	uplink := cluster.Spec.Backplane

	pool, err := ipam.Open(o.store, uplink.Ipam.Name())
	if err != nil {
		return err
	}

	vmid, err := o.hypervisor.NextResourceID(ctx)
	if err != nil {
		return err
	}

	key := manifest.VMID(strconv.Itoa(vmid))

	address, err := pool.Assign(backplane.PoolSubnet, key)
	if err != nil {
		return fmt.Errorf("failed to assign backplane address: %w", err)
	}

	defer func() {
		if retErr != nil {
			_ = pool.Release(backplane.PoolSubnet, string(key))
		}
	}()

	hostname := manifest.GatewayHostname(sector.Name)

	passwordRef, err := o.secrets.Generate(hostname, "root password of "+hostname)
	if err != nil {
		return err
	}

	defer func() {
		if retErr != nil {
			_ = o.secrets.Delete(passwordRef)
		}
	}()

	password, err := o.secrets.Reveal(passwordRef)
	if err != nil {
		return err
	}

	sectorAddresses, err := sector.Spec.GatewayAddresses()
	if err != nil {
		return err
	}

	params := proxmox.LXCParams{
		VMID:         vmid,
		Hostname:     hostname,
		OSTemplate:   templateVolume + o.config.GatewayTemplate,
		Cores:        applianceCores,
		MemoryMB:     applianceMemoryMB,
		SwapMB:       applianceSwapMB,
		RootFS:       proxmox.RootFS(o.config.Storage, o.config.DiskGB),
		Net0:         proxmox.NetConfig("eth0", sector.Name, sectorAddresses[0], netip.Addr{}),
		Net1:         proxmox.NetConfig("eth1", uplink.Name, address, uplink.Gateway.Addr),
		Password:     password,
		OnBoot:       true,
		Unprivileged: true,
		Nesting:      true,
	}

	if err := o.startAppliance(ctx, params); err != nil {
		return err
	}

	sector.Spec.Gateway = &manifest.Gateway{
		VMID:             key,
		BackplaneAddress: manifest.NewPrefix(address),
		Password:         passwordRef,
		SectorAddresses: lo.Map(sectorAddresses, func(address netip.Prefix, _ int) manifest.Prefix {
			return manifest.NewPrefix(address)
		}),
	}

	if err := o.store.Save(sector); err != nil {
		return err
	}

	o.log.Info().
		Str("sector", sector.Name).
		Int("vmid", vmid).
		Str("backplane_address", address.String()).
		Msg("gateway provisioned")

	return nil
}

// ensureDNS creates the dns appliance with a leg on the sector vnet, where
// it answers on the host right after the primary gateway, and a leg on the
// backplane for upstream queries. The backplane address is rolled back when
// the appliance does not come up.
func (o *Orchestrator) ensureDNS(ctx context.Context, cluster *manifest.ClusterManifest, sector *manifest.SectorManifest) (retErr error) {
	if sector.Spec.DNS != nil {
		return nil
	}

	uplink := cluster.Spec.Backplane

	pool, err := ipam.Open(o.store, uplink.Ipam.Name())
	if err != nil {
		return err
	}

	address, err := sector.Spec.DNSAddress()
	if err != nil {
		return err
	}

	vmid, err := o.hypervisor.NextResourceID(ctx)
	if err != nil {
		return err
	}

	key := manifest.VMID(strconv.Itoa(vmid))

	upstream, err := pool.Assign(backplane.PoolSubnet, key)
	if err != nil {
		return fmt.Errorf("failed to assign backplane address: %w", err)
	}

	defer func() {
		if retErr != nil {
			_ = pool.Release(backplane.PoolSubnet, string(key))
		}
	}()

	params := proxmox.LXCParams{
		VMID:         vmid,
		Hostname:     manifest.DNSHostname(sector.Name),
		OSTemplate:   templateVolume + o.config.DNSTemplate,
		Cores:        applianceCores,
		MemoryMB:     applianceMemoryMB,
		SwapMB:       applianceSwapMB,
		RootFS:       proxmox.RootFS(o.config.Storage, o.config.DiskGB),
		Net0:         proxmox.NetConfig("eth0", sector.Name, address, netip.Addr{}),
		Net1:         proxmox.NetConfig("eth1", uplink.Name, upstream, uplink.Gateway.Addr),
		OnBoot:       true,
		Unprivileged: true,
		Nesting:      true,
	}

	if err := o.startAppliance(ctx, params); err != nil {
		return err
	}

	sector.Spec.DNS = &manifest.DNS{
		VMID:    key,
		Address: manifest.NewPrefix(address),
	}

	if err := o.store.Save(sector); err != nil {
		return err
	}

	o.log.Info().
		Str("sector", sector.Name).
		Int("vmid", vmid).
		Str("address", address.String()).
		Str("backplane_address", upstream.String()).
		Msg("dns provisioned")

	return nil
}

// configureGateway renders the routing and nat script and runs it inside
// the gateway.
func (o *Orchestrator) configureGateway(ctx context.Context, cluster *manifest.ClusterManifest, sector *manifest.SectorManifest) error {
	gateway := sector.Spec.Gateway
	if gateway == nil {
		return ErrGatewayNotProvisioned
	}

	script, err := renderGatewayScript(cluster.Spec.Backplane, gateway)
	if err != nil {
		return err
	}

	vmid, err := gateway.VMID.Int()
	if err != nil {
		return err
	}

	if err := o.hypervisor.RunScript(ctx, vmid, script); err != nil {
		return fmt.Errorf("failed to configure gateway %s: %w", gateway.VMID, err)
	}

	return nil
}

func (o *Orchestrator) startAppliance(ctx context.Context, params proxmox.LXCParams) error {
	task, err := o.hypervisor.CreateLXC(ctx, o.config.Node, params)
	if err != nil {
		return err
	}

	if err := o.hypervisor.WaitForTask(ctx, task); err != nil {
		return fmt.Errorf("failed to create container %d: %w", params.VMID, err)
	}

	start, err := o.hypervisor.StartLXC(ctx, o.config.Node, params.VMID)
	if err != nil {
		return err
	}

	if err := o.hypervisor.WaitForTask(ctx, start); err != nil {
		return fmt.Errorf("failed to start container %d: %w", params.VMID, err)
	}

	return nil
}

// attachedCompute scans the sector bridge on every node for containers that
// are not sector infrastructure. A sector whose zone is already gone has
// nothing attached.
func (o *Orchestrator) attachedCompute(ctx context.Context, cluster *manifest.ClusterManifest, sector *manifest.SectorManifest) ([]Compute, error) {
	zones, err := o.hypervisor.Zones(ctx)
	if err != nil {
		return nil, err
	}

	zoneExists := lo.ContainsBy(zones, func(zone proxmox.ZoneInfo) bool {
		return zone.Zone == sector.Name
	})

	if !zoneExists {
		return nil, nil
	}

	engine := ipam.New(ipam.Config{Store: o.store, Pool: sector.Spec.Ipam.Resolved})

	var attached []Compute
	for _, node := range cluster.Spec.NodeNames() {
		bridges, err := o.hypervisor.ZoneBridges(ctx, node, sector.Name)
		if err != nil {
			return nil, err
		}

		for _, vmid := range proxmox.AttachedVMIDs(bridges) {
			config, err := o.hypervisor.LXCConfig(ctx, node, vmid)
			if err != nil {
				return nil, err
			}

			if manifest.IsInfraHostname(config.Hostname) {
				continue
			}

			attached = append(attached, Compute{
				VMID:     vmid,
				Hostname: config.Hostname,
				Address:  engine.Find(manifest.VMID(strconv.Itoa(vmid))),
			})
		}
	}

	return attached, nil
}

func (o *Orchestrator) destroyAppliances(ctx context.Context, cluster *manifest.ClusterManifest, sector *manifest.SectorManifest) error {
	pool, err := ipam.Open(o.store, cluster.Spec.Backplane.Ipam.Name())
	if err != nil {
		return err
	}

	if dns := sector.Spec.DNS; dns != nil {
		if err := o.destroyContainer(ctx, dns.VMID); err != nil {
			return fmt.Errorf("failed to destroy dns %s: %w", dns.VMID, err)
		}

		if err := pool.Release(backplane.PoolSubnet, dns.VMID.String()); err != nil {
			return err
		}

		sector.Spec.DNS = nil
		if err := o.store.Save(sector); err != nil {
			return err
		}
	}

	if gateway := sector.Spec.Gateway; gateway != nil {
		if err := o.destroyContainer(ctx, gateway.VMID); err != nil {
			return fmt.Errorf("failed to destroy gateway %s: %w", gateway.VMID, err)
		}

		if err := pool.Release(backplane.PoolSubnet, gateway.VMID.String()); err != nil {
			return err
		}

		if err := o.secrets.Delete(gateway.Password); err != nil {
			return err
		}

		sector.Spec.Gateway = nil
		if err := o.store.Save(sector); err != nil {
			return err
		}
	}

	return nil
}

func (o *Orchestrator) destroyContainer(ctx context.Context, id manifest.VMID) error {
	vmid, err := id.Int()
	if err != nil {
		return err
	}

	task, err := o.hypervisor.DestroyLXC(ctx, o.config.Node, vmid)
	if err != nil {
		return err
	}

	return o.hypervisor.WaitForTask(ctx, task)
}

// teardownNetworks removes subnets, vnet and zone, skipping whatever a
// previous attempt already removed.
func (o *Orchestrator) teardownNetworks(ctx context.Context, sector *manifest.SectorManifest) error {
	id := sector.Name

	vnets, err := o.hypervisor.Vnets(ctx)
	if err != nil {
		return err
	}

	vnetExists := lo.ContainsBy(vnets, func(vnet proxmox.VnetInfo) bool {
		return vnet.Name == id
	})

	if vnetExists {
		existing, err := o.hypervisor.Subnets(ctx, id)
		if err != nil {
			return err
		}

		existingIDs := lo.Map(existing, func(subnet proxmox.SubnetInfo, _ int) string {
			return subnet.ID
		})

		for i := range sector.Spec.Subnets {
			cidr := sector.Spec.Subnets[i].CIDRBlock.Prefix
			if !lo.Contains(existingIDs, proxmox.SubnetID(id, cidr)) {
				continue
			}

			if err := o.hypervisor.DeleteSubnet(ctx, id, cidr); err != nil {
				return err
			}
		}

		if err := o.hypervisor.DeleteVnet(ctx, id); err != nil {
			return err
		}
	}

	zones, err := o.hypervisor.Zones(ctx)
	if err != nil {
		return err
	}

	zoneExists := lo.ContainsBy(zones, func(zone proxmox.ZoneInfo) bool {
		return zone.Zone == id
	})

	if zoneExists {
		if err := o.hypervisor.DeleteZone(ctx, id); err != nil {
			return err
		}
	}

	return o.hypervisor.ApplySDN(ctx)
}

func (o *Orchestrator) sectorLock(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	lock, ok := o.sectors[id]
	if !ok {
		lock = &sync.Mutex{}
		o.sectors[id] = lock
	}

	return lock
}
