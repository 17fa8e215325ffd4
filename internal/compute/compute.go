package compute

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/orbitlab-cloud/orbitctl/internal/ipam"
	"github.com/orbitlab-cloud/orbitctl/internal/manifest"
	"github.com/orbitlab-cloud/orbitctl/internal/proxmox"
	"github.com/orbitlab-cloud/orbitctl/internal/validate"
	"github.com/orbitlab-cloud/orbitctl/pkg/log"
)

const (
	// DefaultStorage backs workload root disks.
	DefaultStorage = "local-zfs"

	// searchDomainSuffix completes the per-sector search domain,
	// "<sector>.orbitlab.internal".
	searchDomainSuffix = ".orbitlab.internal"

	dnstoolCommand = "/usr/bin/dnstool"
)

var (
	ErrSectorNotAvailable = errors.New("sector is not available")
	ErrUnknownSubnet      = errors.New("sector has no such subnet")
	ErrNotProvisioned     = errors.New("container has no hypervisor resource")
)

//go:generate mockgen -source compute.go -destination mocks/compute.go -package mocks

// Hypervisor is the Proxmox surface the manager drives.
type Hypervisor interface {
	NextResourceID(ctx context.Context) (int, error)
	CreateLXC(ctx context.Context, node string, params proxmox.LXCParams) (proxmox.Task, error)
	StartLXC(ctx context.Context, node string, vmid int) (proxmox.Task, error)
	StopLXC(ctx context.Context, node string, vmid int) (proxmox.Task, error)
	ShutdownLXC(ctx context.Context, node string, vmid int) (proxmox.Task, error)
	RebootLXC(ctx context.Context, node string, vmid int) (proxmox.Task, error)
	DestroyLXC(ctx context.Context, node string, vmid int) (proxmox.Task, error)
	WaitForTask(ctx context.Context, task proxmox.Task) error
	Exec(ctx context.Context, vmid int, args ...string) ([]byte, error)
}

// Secrets stores workload credentials.
type Secrets interface {
	Generate(name string, description string) (manifest.Ref, error)
	Reveal(ref manifest.Ref) (string, error)
	Delete(ref manifest.Ref) error
}

// Config for the manager.
type Config struct {
	// Node is the cluster node that hosts workload containers.
	Node string

	// Storage backs workload root disks unless a launch overrides it.
	Storage string
}

// Manager launches and controls workload containers inside sectors.
type Manager struct {
	hypervisor Hypervisor
	secrets    Secrets
	store      *manifest.Store
	config     Config
	log        zerolog.Logger
}

// LaunchRequest describes a new workload container.
type LaunchRequest struct {
	Sector     string
	Subnet     string
	Hostname   string
	OSTemplate string
	Cores      int
	MemoryMB   int
	SwapMB     int
	DiskGB     int
	Storage    string

	// Password generates a root password secret for the container.
	Password     bool
	SSHPublicKey string
	OnBoot       bool
}

// Launch creates a container on the sector bridge with an address from the
// sector pool, starts it and registers its hostname with the sector dns.
// The address and a generated password are rolled back when the container
// does not come up.
func (m *Manager) Launch(ctx context.Context, request LaunchRequest) (_ *manifest.LXCManifest, retErr error) {
	if err := validate.LXC(validate.LXCRequest{
		Hostname:   request.Hostname,
		OSTemplate: request.OSTemplate,
		Cores:      request.Cores,
		MemoryMB:   request.MemoryMB,
		SwapMB:     request.SwapMB,
		DiskGB:     request.DiskGB,
	}); err != nil {
		return nil, err
	}

	sector, err := manifest.LoadSector(m.store, request.Sector)
	if err != nil {
		return nil, err
	}

	if sector.Metadata.State != manifest.SectorStateAvailable {
		return nil, fmt.Errorf("%w: %s is %s", ErrSectorNotAvailable, sector.Name, sector.Metadata.State)
	}

	subnet, ok := sector.Spec.Subnet(request.Subnet)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownSubnet, sector.Name, request.Subnet)
	}

	gateway, err := subnet.DefaultGateway()
	if err != nil {
		return nil, err
	}

	nameserver, err := sector.Spec.DNSAddress()
	if err != nil {
		return nil, err
	}

	existing, err := m.store.ListExisting(manifest.KindLXC)
	if err != nil {
		return nil, err
	}

	id, err := manifest.NewLXCID(existing)
	if err != nil {
		return nil, err
	}

	vmid, err := m.hypervisor.NextResourceID(ctx)
	if err != nil {
		return nil, err
	}

	key := manifest.VMID(strconv.Itoa(vmid))

	engine := ipam.New(ipam.Config{Store: m.store, Pool: sector.Spec.Ipam.Resolved})

	address, err := engine.Assign(request.Subnet, key)
	if err != nil {
		return nil, err
	}

	defer func() {
		if retErr != nil {
			_ = engine.Release(request.Subnet, string(key))
		}
	}()

	var passwordRef manifest.Ref
	var password string
	if request.Password {
		passwordRef, err = m.secrets.Generate(id, "root password of "+request.Hostname)
		if err != nil {
			return nil, err
		}

		defer func() {
			if retErr != nil {
				_ = m.secrets.Delete(passwordRef)
			}
		}()

		password, err = m.secrets.Reveal(passwordRef)
		if err != nil {
			return nil, err
		}
	}

	storage := request.Storage
	if storage == "" {
		storage = m.config.Storage
	}

	params := proxmox.LXCParams{
		VMID:          vmid,
		Hostname:      request.Hostname,
		OSTemplate:    request.OSTemplate,
		Cores:         request.Cores,
		MemoryMB:      request.MemoryMB,
		SwapMB:        request.SwapMB,
		RootFS:        proxmox.RootFS(storage, request.DiskGB),
		Net0:          proxmox.NetConfig("eth0", sector.Name, address, gateway.Addr()),
		Password:      password,
		SSHPublicKeys: request.SSHPublicKey,
		SearchDomain:  sector.Name + searchDomainSuffix,
		Nameserver:    nameserver.Addr().String(),
		OnBoot:        request.OnBoot,
		Unprivileged:  true,
		Nesting:       true,
	}

	task, err := m.hypervisor.CreateLXC(ctx, m.config.Node, params)
	if err != nil {
		return nil, err
	}

	if err := m.hypervisor.WaitForTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create container %d: %w", vmid, err)
	}

	start, err := m.hypervisor.StartLXC(ctx, m.config.Node, vmid)
	if err != nil {
		return nil, err
	}

	if err := m.hypervisor.WaitForTask(ctx, start); err != nil {
		return nil, fmt.Errorf("failed to start container %d: %w", vmid, err)
	}

	record := manifest.NewLXC(id, manifest.LXCMetadata{
		Sector:   sector.Name,
		Hostname: request.Hostname,
		OnBoot:   request.OnBoot,
	}, manifest.LXCSpec{
		Node:         m.config.Node,
		OSTemplate:   request.OSTemplate,
		DiskStorage:  storage,
		DiskSizeGB:   request.DiskGB,
		Subnet:       request.Subnet,
		Cores:        request.Cores,
		MemoryMB:     request.MemoryMB,
		SwapMB:       request.SwapMB,
		Password:     passwordRef,
		SSHPublicKey: request.SSHPublicKey,
		VMID:         key,
		Address:      manifest.NewPrefix(address),
	})
	record.Spec.Status = manifest.LXCStateRunning

	if err := m.store.Save(record); err != nil {
		return nil, err
	}

	m.log.Info().
		Str("lxc", id).
		Str("sector", sector.Name).
		Str("hostname", request.Hostname).
		Int("vmid", vmid).
		Str("address", address.String()).
		Msg("launched container")

	if err := m.registerRecord(ctx, sector, request.Hostname, address.Addr()); err != nil {
		return record, err
	}

	return record, nil
}

// Delete destroys a workload container and releases everything it held.
func (m *Manager) Delete(ctx context.Context, id string) error {
	record, err := manifest.LoadLXC(m.store, id)
	if err != nil {
		return err
	}

	sector, err := manifest.LoadSector(m.store, record.Metadata.Sector)
	if err != nil {
		return err
	}

	vmid, err := record.Spec.VMID.Int()
	if err != nil {
		return err
	}

	task, err := m.hypervisor.DestroyLXC(ctx, record.Spec.Node, vmid)
	if err != nil {
		return err
	}

	if err := m.hypervisor.WaitForTask(ctx, task); err != nil {
		return fmt.Errorf("failed to destroy container %d: %w", vmid, err)
	}

	engine := ipam.New(ipam.Config{Store: m.store, Pool: sector.Spec.Ipam.Resolved})
	if err := engine.Release(record.Spec.Subnet, record.Spec.VMID.String()); err != nil {
		return err
	}

	if !record.Spec.Password.IsZero() {
		if err := m.secrets.Delete(record.Spec.Password); err != nil {
			return err
		}
	}

	if err := m.removeRecord(ctx, sector, record.Metadata.Hostname); err != nil {
		return err
	}

	if err := m.store.Delete(record); err != nil {
		return err
	}

	m.log.Info().Str("lxc", id).Int("vmid", vmid).Msg("deleted container")

	return nil
}

// Start powers a stopped container on.
func (m *Manager) Start(ctx context.Context, id string) (*manifest.LXCManifest, error) {
	return m.transition(ctx, id, m.hypervisor.StartLXC, manifest.LXCStateRunning)
}

// Stop force stops a container.
func (m *Manager) Stop(ctx context.Context, id string) (*manifest.LXCManifest, error) {
	return m.transition(ctx, id, m.hypervisor.StopLXC, manifest.LXCStateStopped)
}

// Shutdown asks a container to power down cleanly.
func (m *Manager) Shutdown(ctx context.Context, id string) (*manifest.LXCManifest, error) {
	return m.transition(ctx, id, m.hypervisor.ShutdownLXC, manifest.LXCStateStopped)
}

// Reboot restarts a container.
func (m *Manager) Reboot(ctx context.Context, id string) (*manifest.LXCManifest, error) {
	return m.transition(ctx, id, m.hypervisor.RebootLXC, manifest.LXCStateRunning)
}

// List loads every workload manifest in name order.
func (m *Manager) List() ([]*manifest.LXCManifest, error) {
	names, err := m.store.ListExisting(manifest.KindLXC)
	if err != nil {
		return nil, err
	}

	records := make([]*manifest.LXCManifest, 0, len(names))
	for _, name := range names {
		record, err := manifest.LoadLXC(m.store, name)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, nil
}

// Get loads one workload manifest.
func (m *Manager) Get(id string) (*manifest.LXCManifest, error) {
	return manifest.LoadLXC(m.store, id)
}

// New builds a manager. Zero config fields fall back to defaults.
func New(hypervisor Hypervisor, secrets Secrets, store *manifest.Store, config Config) *Manager {
	if config.Storage == "" {
		config.Storage = DefaultStorage
	}

	return &Manager{
		hypervisor: hypervisor,
		secrets:    secrets,
		store:      store,
		config:     config,
		log:        log.WithComponent("compute"),
	}
}

type lxcAction func(ctx context.Context, node string, vmid int) (proxmox.Task, error)

func (m *Manager) transition(ctx context.Context, id string, action lxcAction, state manifest.LXCState) (*manifest.LXCManifest, error) {
	record, err := manifest.LoadLXC(m.store, id)
	if err != nil {
		return nil, err
	}

	if record.Spec.VMID.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrNotProvisioned, id)
	}

	vmid, err := record.Spec.VMID.Int()
	if err != nil {
		return nil, err
	}

	task, err := action(ctx, record.Spec.Node, vmid)
	if err != nil {
		return nil, err
	}

	if err := m.hypervisor.WaitForTask(ctx, task); err != nil {
		return nil, err
	}

	record.Spec.Status = state
	if err := m.store.Save(record); err != nil {
		return nil, err
	}

	m.log.Info().
		Str("lxc", id).
		Int("vmid", vmid).
		Str("status", string(state)).
		Msg("container state changed")

	return record, nil
}

// registerRecord points the sector dns at a fresh container. Sectors
// without a dns appliance only get a warning.
func (m *Manager) registerRecord(ctx context.Context, sector *manifest.SectorManifest, hostname string, address netip.Addr) error {
	dns := sector.Spec.DNS
	if dns == nil {
		m.log.Warn().Str("sector", sector.Name).Msg("sector has no dns appliance, skipping record")
		return nil
	}

	vmid, err := dns.VMID.Int()
	if err != nil {
		return err
	}

	if _, err := m.hypervisor.Exec(ctx, vmid, dnstoolCommand, "record", "add", hostname, address.String()); err != nil {
		return fmt.Errorf("failed to register dns record %s: %w", hostname, err)
	}

	return nil
}

func (m *Manager) removeRecord(ctx context.Context, sector *manifest.SectorManifest, hostname string) error {
	dns := sector.Spec.DNS
	if dns == nil {
		return nil
	}

	vmid, err := dns.VMID.Int()
	if err != nil {
		return err
	}

	if _, err := m.hypervisor.Exec(ctx, vmid, dnstoolCommand, "record", "delete", hostname); err != nil {
		return fmt.Errorf("failed to remove dns record %s: %w", hostname, err)
	}

	return nil
}
