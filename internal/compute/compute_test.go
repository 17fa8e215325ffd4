package compute_test

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitlab-cloud/orbitctl/internal/compute"
	"github.com/orbitlab-cloud/orbitctl/internal/ipam"
	"github.com/orbitlab-cloud/orbitctl/internal/manifest"
	"github.com/orbitlab-cloud/orbitctl/internal/proxmox"
	"github.com/orbitlab-cloud/orbitctl/internal/validate"
)

type execCall struct {
	vmid int
	args []string
}

type fakeHypervisor struct {
	nextID    int
	created   []proxmox.LXCParams
	started   []int
	stopped   []int
	shutdown  []int
	rebooted  []int
	destroyed []int
	execs     []execCall

	createErr error
}

func (f *fakeHypervisor) NextResourceID(_ context.Context) (int, error) {
	f.nextID++
	return f.nextID, nil
}

func (f *fakeHypervisor) CreateLXC(_ context.Context, node string, params proxmox.LXCParams) (proxmox.Task, error) {
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil

		return "", err
	}

	f.created = append(f.created, params)

	return testTask(node), nil
}

func (f *fakeHypervisor) StartLXC(_ context.Context, node string, vmid int) (proxmox.Task, error) {
	f.started = append(f.started, vmid)
	return testTask(node), nil
}

func (f *fakeHypervisor) StopLXC(_ context.Context, node string, vmid int) (proxmox.Task, error) {
	f.stopped = append(f.stopped, vmid)
	return testTask(node), nil
}

func (f *fakeHypervisor) ShutdownLXC(_ context.Context, node string, vmid int) (proxmox.Task, error) {
	f.shutdown = append(f.shutdown, vmid)
	return testTask(node), nil
}

func (f *fakeHypervisor) RebootLXC(_ context.Context, node string, vmid int) (proxmox.Task, error) {
	f.rebooted = append(f.rebooted, vmid)
	return testTask(node), nil
}

func (f *fakeHypervisor) DestroyLXC(_ context.Context, node string, vmid int) (proxmox.Task, error) {
	f.destroyed = append(f.destroyed, vmid)
	return testTask(node), nil
}

func (f *fakeHypervisor) WaitForTask(_ context.Context, _ proxmox.Task) error {
	return nil
}

func (f *fakeHypervisor) Exec(_ context.Context, vmid int, args ...string) ([]byte, error) {
	f.execs = append(f.execs, execCall{vmid: vmid, args: args})
	return nil, nil
}

func testTask(node string) proxmox.Task {
	return proxmox.Task("UPID:" + node + ":0001")
}

type fakeSecrets struct {
	values  map[string]string
	deleted []string
}

func newFakeSecrets() *fakeSecrets {
	return &fakeSecrets{values: map[string]string{}}
}

func (f *fakeSecrets) Generate(name string, _ string) (manifest.Ref, error) {
	f.values[name] = "secret-" + name
	return manifest.NewRef(manifest.KindSecret, name), nil
}

func (f *fakeSecrets) Reveal(ref manifest.Ref) (string, error) {
	value, ok := f.values[ref.Name()]
	if !ok {
		return "", fmt.Errorf("no such secret %s", ref)
	}

	return value, nil
}

func (f *fakeSecrets) Delete(ref manifest.Ref) error {
	delete(f.values, ref.Name())
	f.deleted = append(f.deleted, ref.Name())

	return nil
}

func seedSector(t *testing.T, store *manifest.Store, cidr string) *manifest.SectorManifest {
	t.Helper()

	subnets := []manifest.Subnet{{
		Name:      "apps",
		CIDRBlock: manifest.NewPrefix(netip.MustParsePrefix(cidr)),
	}}

	pool := manifest.NewIpam("olvn1200", "lab", subnets)
	require.NoError(t, store.Save(pool))

	sector := manifest.NewSector(1200, "lab", netip.MustParsePrefix(cidr), subnets, pool)
	sector.Metadata.State = manifest.SectorStateAvailable
	sector.Spec.Gateway = &manifest.Gateway{
		VMID:             "110",
		BackplaneAddress: manifest.NewPrefix(netip.MustParsePrefix("172.31.254.11/24")),
		Password:         manifest.NewRef(manifest.KindSecret, "olvn1200-gw"),
		SectorAddresses:  []manifest.Prefix{manifest.NewPrefix(netip.MustParsePrefix("10.0.1.1/24"))},
	}
	sector.Spec.DNS = &manifest.DNS{
		VMID:    "111",
		Address: manifest.NewPrefix(netip.MustParsePrefix("10.0.1.2/24")),
	}
	require.NoError(t, store.Save(sector))

	return sector
}

func newTestManager(t *testing.T) (*compute.Manager, *fakeHypervisor, *fakeSecrets, *manifest.Store) {
	t.Helper()

	store, err := manifest.NewStore(t.TempDir())
	require.NoError(t, err)
	seedSector(t, store, "10.0.1.0/24")

	hypervisor := &fakeHypervisor{nextID: 99}
	secrets := newFakeSecrets()

	manager := compute.New(hypervisor, secrets, store, compute.Config{Node: "pve-01"})

	return manager, hypervisor, secrets, store
}

func launchRequest() compute.LaunchRequest {
	return compute.LaunchRequest{
		Sector:     "olvn1200",
		Subnet:     "apps",
		Hostname:   "web-1",
		OSTemplate: "local:vztmpl/debian-12-standard_12.2-1_amd64.tar.zst",
		Cores:      2,
		MemoryMB:   1024,
		SwapMB:     512,
		DiskGB:     16,
		Password:   true,
		OnBoot:     true,
	}
}

func Test_Launch(t *testing.T) {
	manager, hypervisor, _, store := newTestManager(t)

	record, err := manager.Launch(context.Background(), launchRequest())

	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(record.Name, "lxc-"))
	assert.Equal(t, manifest.LXCStateRunning, record.Spec.Status)
	assert.Equal(t, manifest.VMID("100"), record.Spec.VMID)
	assert.Equal(t, "10.0.1.11/24", record.Spec.Address.String())
	assert.Equal(t, "pve-01", record.Spec.Node)
	assert.Equal(t, "apps", record.Spec.Subnet)
	assert.Equal(t, "olvn1200", record.Metadata.Sector)

	require.Len(t, hypervisor.created, 1)
	params := hypervisor.created[0]
	assert.Equal(t, 100, params.VMID)
	assert.Equal(t, "web-1", params.Hostname)
	assert.Equal(t, "name=eth0,bridge=olvn1200,ip=10.0.1.11/24,gw=10.0.1.1", params.Net0)
	assert.Equal(t, "10.0.1.2", params.Nameserver)
	assert.Equal(t, "olvn1200.orbitlab.internal", params.SearchDomain)
	assert.Equal(t, "local-zfs:16", params.RootFS)
	assert.Equal(t, "secret-"+record.Name, params.Password)
	assert.True(t, params.OnBoot)

	assert.Equal(t, []int{100}, hypervisor.started)

	pool, err := manifest.LoadIpam(store, "ipam-olvn1200")
	require.NoError(t, err)
	subnet, ok := pool.Spec.Subnet("apps")
	require.True(t, ok)
	require.Len(t, subnet.Assignments, 1)
	assert.Equal(t, manifest.VMID("100"), subnet.Assignments[0].VMID)
	assert.Equal(t, "10.0.1.11/24", subnet.Assignments[0].Address.String())

	require.Len(t, hypervisor.execs, 1)
	assert.Equal(t, 111, hypervisor.execs[0].vmid)
	assert.Equal(t, []string{"/usr/bin/dnstool", "record", "add", "web-1", "10.0.1.11"}, hypervisor.execs[0].args)

	reloaded, err := manifest.LoadLXC(store, record.Name)
	require.NoError(t, err)
	assert.Equal(t, manifest.LXCStateRunning, reloaded.Spec.Status)
	assert.Equal(t, "secret/"+record.Name, reloaded.Spec.Password.String())
}

func Test_Launch_withoutPassword(t *testing.T) {
	manager, hypervisor, secrets, _ := newTestManager(t)

	request := launchRequest()
	request.Password = false
	request.SSHPublicKey = "ssh-ed25519 AAAAC3Nza orbit@lab"

	record, err := manager.Launch(context.Background(), request)

	require.NoError(t, err)
	assert.True(t, record.Spec.Password.IsZero())
	assert.Empty(t, secrets.values)

	require.Len(t, hypervisor.created, 1)
	assert.Empty(t, hypervisor.created[0].Password)
	assert.Equal(t, "ssh-ed25519 AAAAC3Nza orbit@lab", hypervisor.created[0].SSHPublicKeys)
}

func Test_Launch_sectorNotAvailable(t *testing.T) {
	manager, _, _, store := newTestManager(t)

	sector, err := manifest.LoadSector(store, "olvn1200")
	require.NoError(t, err)
	sector.Metadata.State = manifest.SectorStatePending
	require.NoError(t, store.Save(sector))

	_, err = manager.Launch(context.Background(), launchRequest())

	assert.ErrorIs(t, err, compute.ErrSectorNotAvailable)
}

func Test_Launch_unknownSubnet(t *testing.T) {
	manager, _, _, _ := newTestManager(t)

	request := launchRequest()
	request.Subnet = "missing"

	_, err := manager.Launch(context.Background(), request)

	assert.ErrorIs(t, err, compute.ErrUnknownSubnet)
}

func Test_Launch_invalidRequest(t *testing.T) {
	manager, hypervisor, _, _ := newTestManager(t)

	request := launchRequest()
	request.OSTemplate = ""

	_, err := manager.Launch(context.Background(), request)

	assert.ErrorIs(t, err, validate.ErrEmptyOSTemplate)
	assert.Empty(t, hypervisor.created)
}

func Test_Launch_subnetExhausted(t *testing.T) {
	store, err := manifest.NewStore(t.TempDir())
	require.NoError(t, err)
	seedSector(t, store, "10.0.1.0/29")

	manager := compute.New(&fakeHypervisor{nextID: 99}, newFakeSecrets(), store, compute.Config{Node: "pve-01"})

	_, err = manager.Launch(context.Background(), launchRequest())

	assert.ErrorIs(t, err, ipam.ErrNoAvailableIP)
}

func Test_Launch_rollsBackOnFailure(t *testing.T) {
	manager, hypervisor, secrets, store := newTestManager(t)

	boom := errors.New("boom")
	hypervisor.createErr = boom

	_, err := manager.Launch(context.Background(), launchRequest())

	require.ErrorIs(t, err, boom)

	pool, err := manifest.LoadIpam(store, "ipam-olvn1200")
	require.NoError(t, err)
	subnet, ok := pool.Spec.Subnet("apps")
	require.True(t, ok)
	assert.Empty(t, subnet.Assignments)

	assert.Empty(t, secrets.values)
	assert.Len(t, secrets.deleted, 1)

	names, err := store.ListExisting(manifest.KindLXC)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func Test_Delete(t *testing.T) {
	manager, hypervisor, secrets, store := newTestManager(t)

	record, err := manager.Launch(context.Background(), launchRequest())
	require.NoError(t, err)

	err = manager.Delete(context.Background(), record.Name)

	require.NoError(t, err)
	assert.Equal(t, []int{100}, hypervisor.destroyed)
	assert.Contains(t, secrets.deleted, record.Name)

	pool, err := manifest.LoadIpam(store, "ipam-olvn1200")
	require.NoError(t, err)
	subnet, ok := pool.Spec.Subnet("apps")
	require.True(t, ok)
	assert.Empty(t, subnet.Assignments)

	require.Len(t, hypervisor.execs, 2)
	assert.Equal(t, []string{"/usr/bin/dnstool", "record", "delete", "web-1"}, hypervisor.execs[1].args)

	assert.False(t, store.Exists(manifest.KindLXC, record.Name))
}

func Test_transitions(t *testing.T) {
	manager, hypervisor, _, store := newTestManager(t)

	record, err := manager.Launch(context.Background(), launchRequest())
	require.NoError(t, err)

	stopped, err := manager.Stop(context.Background(), record.Name)
	require.NoError(t, err)
	assert.Equal(t, manifest.LXCStateStopped, stopped.Spec.Status)
	assert.Equal(t, []int{100}, hypervisor.stopped)

	started, err := manager.Start(context.Background(), record.Name)
	require.NoError(t, err)
	assert.Equal(t, manifest.LXCStateRunning, started.Spec.Status)
	assert.Equal(t, []int{100, 100}, hypervisor.started)

	shutdown, err := manager.Shutdown(context.Background(), record.Name)
	require.NoError(t, err)
	assert.Equal(t, manifest.LXCStateStopped, shutdown.Spec.Status)
	assert.Equal(t, []int{100}, hypervisor.shutdown)

	rebooted, err := manager.Reboot(context.Background(), record.Name)
	require.NoError(t, err)
	assert.Equal(t, manifest.LXCStateRunning, rebooted.Spec.Status)
	assert.Equal(t, []int{100}, hypervisor.rebooted)

	reloaded, err := manifest.LoadLXC(store, record.Name)
	require.NoError(t, err)
	assert.Equal(t, manifest.LXCStateRunning, reloaded.Spec.Status)
}

func Test_transitions_notProvisioned(t *testing.T) {
	manager, hypervisor, _, store := newTestManager(t)

	record := manifest.NewLXC("lxc-000000000000", manifest.LXCMetadata{
		Sector:   "olvn1200",
		Hostname: "ghost",
	}, manifest.LXCSpec{
		Node:   "pve-01",
		Subnet: "apps",
	})
	require.NoError(t, store.Save(record))

	_, err := manager.Start(context.Background(), record.Name)

	assert.ErrorIs(t, err, compute.ErrNotProvisioned)
	assert.Empty(t, hypervisor.started)
}

func Test_List(t *testing.T) {
	manager, _, _, _ := newTestManager(t)

	first, err := manager.Launch(context.Background(), launchRequest())
	require.NoError(t, err)

	second := launchRequest()
	second.Hostname = "web-2"
	_, err = manager.Launch(context.Background(), second)
	require.NoError(t, err)

	records, err := manager.List()
	require.NoError(t, err)
	assert.Len(t, records, 2)

	got, err := manager.Get(first.Name)
	require.NoError(t, err)
	assert.Equal(t, "web-1", got.Metadata.Hostname)
}
