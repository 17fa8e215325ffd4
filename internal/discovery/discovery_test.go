package discovery_test

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitlab-cloud/orbitctl/internal/discovery"
	"github.com/orbitlab-cloud/orbitctl/internal/manifest"
	"github.com/orbitlab-cloud/orbitctl/internal/proxmox"
)

type fakeHypervisor struct {
	status   *proxmox.ClusterStatus
	networks map[string][]proxmox.NetworkInterface
	storages map[string][]proxmox.StorageInfo
	mtus     map[string]int
	zones    []proxmox.ZoneInfo
	vnets    []proxmox.VnetInfo
	subnets  map[string][]proxmox.SubnetInfo
}

func (f *fakeHypervisor) ClusterStatus(context.Context) (*proxmox.ClusterStatus, error) {
	return f.status, nil
}

func (f *fakeHypervisor) Networks(_ context.Context, node string) ([]proxmox.NetworkInterface, error) {
	return f.networks[node], nil
}

func (f *fakeHypervisor) Storages(_ context.Context, node string) ([]proxmox.StorageInfo, error) {
	return f.storages[node], nil
}

func (f *fakeHypervisor) BridgeMTU(_ context.Context, bridge string) (int, error) {
	return f.mtus[bridge], nil
}

func (f *fakeHypervisor) Zones(context.Context) ([]proxmox.ZoneInfo, error) {
	return f.zones, nil
}

func (f *fakeHypervisor) Vnets(context.Context) ([]proxmox.VnetInfo, error) {
	return f.vnets, nil
}

func (f *fakeHypervisor) Subnets(_ context.Context, vnet string) ([]proxmox.SubnetInfo, error) {
	return f.subnets[vnet], nil
}

func threeNodeStatus() *proxmox.ClusterStatus {
	return &proxmox.ClusterStatus{
		Name:    "orbitlab",
		Quorate: true,
		Nodes:   3,
		Members: []proxmox.ClusterNode{
			{Name: "pve-01", Address: netip.MustParseAddr("192.168.0.10"), Online: true, Local: true},
			{Name: "pve-02", Address: netip.MustParseAddr("192.168.0.11"), Online: true},
			{Name: "pve-03", Address: netip.MustParseAddr("192.168.0.12")},
		},
	}
}

func Test_Discover(t *testing.T) {
	store, err := manifest.NewStore(t.TempDir())
	require.NoError(t, err)

	hypervisor := &fakeHypervisor{
		status: threeNodeStatus(),
		networks: map[string][]proxmox.NetworkInterface{
			"pve-01": {
				{Name: "vmbr0", Type: "bridge", CIDR: "192.168.0.10/24", Active: true},
				{Name: "eno1", Type: "eth", Active: true},
			},
			"pve-02": {
				{Name: "vmbr0", Type: "bridge", CIDR: "192.168.0.11/24", Active: true},
			},
		},
		storages: map[string][]proxmox.StorageInfo{
			"pve-01": {
				{Name: "local-zfs", Type: "zfspool", Content: "images,rootdir", Active: true},
			},
		},
		mtus: map[string]int{"vmbr0": 1500},
		zones: []proxmox.ZoneInfo{
			{Zone: "legacy", Type: "vlan", MTU: 1400},
		},
		vnets: []proxmox.VnetInfo{
			{Name: "dmz", Zone: "legacy", Alias: "Legacy DMZ", Tag: 1205},
		},
		subnets: map[string][]proxmox.SubnetInfo{
			"dmz": {
				{ID: "legacy-10.9.0.0-24", CIDR: "10.9.0.0/24", Gateway: "10.9.0.1"},
			},
		},
	}

	cluster, err := discovery.New(hypervisor, store).Discover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "orbitlab", cluster.Name)
	assert.True(t, cluster.Metadata.Quorate)
	assert.Equal(t, 3, cluster.Metadata.NodeCount)
	assert.Equal(t, []string{"pve-01", "pve-02", "pve-03"}, cluster.Spec.NodeNames())
	assert.Equal(t, []int{1205}, cluster.Spec.ReservedTags)

	local, err := manifest.LoadNode(store, "pve-01")
	require.NoError(t, err)
	assert.Equal(t, manifest.NodeStatusOnline, local.Metadata.Status)
	require.Len(t, local.Spec.Bridges, 1)
	assert.Equal(t, "vmbr0", local.Spec.Bridges[0].Name)
	assert.Equal(t, 1500, local.Spec.Bridges[0].MTU)
	assert.Equal(t, []string{"dmz"}, local.Spec.SDNs)
	require.Len(t, local.Spec.Storage, 1)
	assert.Equal(t, "local-zfs", local.Spec.Storage[0].Name)

	remote, err := manifest.LoadNode(store, "pve-02")
	require.NoError(t, err)
	assert.Zero(t, remote.Spec.Bridges[0].MTU)

	offline, err := manifest.LoadNode(store, "pve-03")
	require.NoError(t, err)
	assert.Equal(t, manifest.NodeStatusOffline, offline.Metadata.Status)
	assert.Empty(t, offline.Spec.Bridges)

	sdn, err := manifest.LoadSDN(store, "dmz")
	require.NoError(t, err)
	assert.Equal(t, manifest.ZoneTypeVLAN, sdn.Metadata.ZoneType)
	assert.Equal(t, "legacy", sdn.Metadata.ZoneName)
	assert.Equal(t, 1400, sdn.Spec.MTU)
	require.Len(t, sdn.Spec.Subnets, 1)
	assert.Equal(t, "10.9.0.0/24", sdn.Spec.Subnets[0].CIDRBlock.String())
	assert.Equal(t, "10.9.0.1", sdn.Spec.Subnets[0].Gateway.String())
}

func Test_Discover_isRepeatable(t *testing.T) {
	store, err := manifest.NewStore(t.TempDir())
	require.NoError(t, err)

	hypervisor := &fakeHypervisor{
		status: threeNodeStatus(),
		zones:  []proxmox.ZoneInfo{{Zone: "legacy", Type: "vlan"}},
		vnets:  []proxmox.VnetInfo{{Name: "dmz", Zone: "legacy", Tag: 1205}},
	}

	discoverer := discovery.New(hypervisor, store)

	_, err = discoverer.Discover(context.Background())
	require.NoError(t, err)

	cluster, err := discoverer.Discover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{1205}, cluster.Spec.ReservedTags)
	assert.Len(t, cluster.Spec.Nodes, 3)

	names, err := store.ListExisting(manifest.KindCluster)
	require.NoError(t, err)
	assert.Equal(t, []string{"orbitlab"}, names)
}

func Test_Discover_twoNodeCluster(t *testing.T) {
	store, err := manifest.NewStore(t.TempDir())
	require.NoError(t, err)

	hypervisor := &fakeHypervisor{
		status: &proxmox.ClusterStatus{
			Name:    "orbitlab",
			Quorate: true,
			Nodes:   2,
			Members: []proxmox.ClusterNode{
				{Name: "pve-01", Address: netip.MustParseAddr("192.168.0.10"), Online: true, Local: true},
				{Name: "pve-02", Address: netip.MustParseAddr("192.168.0.11"), Online: true},
			},
		},
	}

	_, err = discovery.New(hypervisor, store).Discover(context.Background())

	assert.ErrorIs(t, err, discovery.ErrTwoNodeCluster)
}

func Test_Discover_preservesProvisionedState(t *testing.T) {
	store, err := manifest.NewStore(t.TempDir())
	require.NoError(t, err)

	sector, ipam := testSector(t, 1200)
	require.NoError(t, store.Save(ipam))
	require.NoError(t, store.Save(sector))

	cluster := manifest.NewCluster("orbitlab", true, 3)
	cluster.Spec.Backplane = &manifest.Backplane{
		Name:      "olbp0",
		Alias:     "Backplane",
		ZoneTag:   10,
		VnetTag:   100,
		CIDRBlock: manifest.NewPrefix(netip.MustParsePrefix("172.31.254.0/24")),
		Gateway:   manifest.NewAddr(netip.MustParseAddr("172.31.254.1")),
		MTU:       1450,
		Controller: manifest.Controller{
			ID:    "olbp0",
			ASN:   65001,
			Peers: []manifest.Addr{manifest.NewAddr(netip.MustParseAddr("192.168.0.10"))},
		},
		Ipam: manifest.NewRef(manifest.KindIpam, "ipam-olbp0"),
	}
	cluster.Spec.AddSector(1200, sector)
	cluster.Metadata.Initialized = true
	require.NoError(t, store.Save(cluster))
	require.NoError(t, store.Save(manifest.NewIpam("olbp0", "Backplane", nil)))

	hypervisor := &fakeHypervisor{
		status: threeNodeStatus(),
		zones: []proxmox.ZoneInfo{
			{Zone: "olbp0", Type: "evpn", Controller: "olbp0", Tag: 10},
			{Zone: "olvn1200", Type: "vxlan", MTU: 1450},
			{Zone: "legacy", Type: "vlan"},
		},
		vnets: []proxmox.VnetInfo{
			{Name: "olbp0", Zone: "olbp0", Tag: 100},
			{Name: "olvn1200", Zone: "olvn1200", Tag: 1200},
			{Name: "dmz", Zone: "legacy", Tag: 1300},
		},
	}

	refreshed, err := discovery.New(hypervisor, store).Discover(context.Background())
	require.NoError(t, err)

	require.NotNil(t, refreshed.Spec.Backplane)
	assert.Equal(t, "olbp0", refreshed.Spec.Backplane.Name)
	assert.True(t, refreshed.Metadata.Initialized)
	assert.Contains(t, refreshed.Spec.Sectors, 1200)
	assert.Equal(t, []int{1300}, refreshed.Spec.ReservedTags)
	assert.Len(t, refreshed.Spec.Backplane.Controller.Peers, 3)

	assert.False(t, store.Exists(manifest.KindSDN, "olbp0"))
	assert.False(t, store.Exists(manifest.KindSDN, "olvn1200"))
	assert.True(t, store.Exists(manifest.KindSDN, "dmz"))
}

func testSector(t *testing.T, tag int) (*manifest.SectorManifest, *manifest.IpamManifest) {
	t.Helper()

	id := manifest.SectorID(tag)

	subnets := []manifest.Subnet{
		{Name: "default", CIDRBlock: manifest.NewPrefix(netip.MustParsePrefix("10.0.1.0/24"))},
	}

	ipam := manifest.NewIpam(id, "Test Sector", subnets)
	sector := manifest.NewSector(tag, "Test Sector", netip.MustParsePrefix("10.0.1.0/24"), subnets, ipam)
	sector.Metadata.State = manifest.SectorStateAvailable

	return sector, ipam
}
