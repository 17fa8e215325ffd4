package backplane_test

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitlab-cloud/orbitctl/internal/backplane"
	"github.com/orbitlab-cloud/orbitctl/internal/manifest"
	"github.com/orbitlab-cloud/orbitctl/internal/proxmox"
)

type fakeHypervisor struct {
	controllers []proxmox.ControllerInfo
	zones       []proxmox.ZoneInfo
	vnets       []proxmox.VnetInfo
	mtu         int

	createdController bool
	updatedPeers      []netip.Addr
	createdZone       *proxmox.EVPNZone
	createdVnet       *proxmox.Vnet
	createdSubnet     *proxmox.Subnet
	applies           int
}

func (f *fakeHypervisor) EVPNControllers(context.Context) ([]proxmox.ControllerInfo, error) {
	return f.controllers, nil
}

func (f *fakeHypervisor) CreateEVPNController(_ context.Context, id string, asn int, peers []netip.Addr) error {
	f.createdController = true
	f.controllers = append(f.controllers, proxmox.ControllerInfo{ID: id, Type: "evpn", ASN: proxmox.LooseInt(asn)})
	return nil
}

func (f *fakeHypervisor) SetControllerPeers(_ context.Context, _ string, peers []netip.Addr) error {
	f.updatedPeers = peers
	return nil
}

func (f *fakeHypervisor) Zones(context.Context) ([]proxmox.ZoneInfo, error) {
	return f.zones, nil
}

func (f *fakeHypervisor) Vnets(context.Context) ([]proxmox.VnetInfo, error) {
	return f.vnets, nil
}

func (f *fakeHypervisor) CreateEVPNZone(_ context.Context, zone proxmox.EVPNZone) error {
	f.createdZone = &zone
	return nil
}

func (f *fakeHypervisor) CreateVnet(_ context.Context, vnet proxmox.Vnet) error {
	f.createdVnet = &vnet
	return nil
}

func (f *fakeHypervisor) CreateSubnet(_ context.Context, subnet proxmox.Subnet) error {
	f.createdSubnet = &subnet
	return nil
}

func (f *fakeHypervisor) ApplySDN(context.Context) error {
	f.applies++
	return nil
}

func (f *fakeHypervisor) BridgeMTU(context.Context, string) (int, error) {
	return f.mtu, nil
}

func seedCluster(t *testing.T, store *manifest.Store, quorate bool) *manifest.ClusterManifest {
	t.Helper()

	node := manifest.NewNode("pve-01", manifest.NodeStatusOnline, manifest.NodeSpec{
		Address: manifest.NewAddr(netip.MustParseAddr("192.168.0.10")),
	})
	require.NoError(t, store.Save(node))

	cluster := manifest.NewCluster("orbitlab", quorate, 1)
	cluster.Spec.AddNode(node, node.Spec.Address.Addr)
	require.NoError(t, store.Save(cluster))

	return cluster
}

func Test_Initialize(t *testing.T) {
	store, err := manifest.NewStore(t.TempDir())
	require.NoError(t, err)
	seedCluster(t, store, true)

	hypervisor := &fakeHypervisor{
		zones: []proxmox.ZoneInfo{{Zone: "legacy", Type: "vlan", Tag: 10}},
		vnets: []proxmox.VnetInfo{{Name: "dmz", Zone: "legacy", Tag: 100}},
		mtu:   1500,
	}

	cluster, err := backplane.New(hypervisor, store, backplane.Config{}).Initialize(context.Background())
	require.NoError(t, err)

	assert.True(t, cluster.Metadata.Initialized)
	bp := cluster.Spec.Backplane
	require.NotNil(t, bp)
	assert.Equal(t, "olbp0", bp.Name)
	assert.Equal(t, 11, bp.ZoneTag)
	assert.Equal(t, 101, bp.VnetTag)
	assert.Equal(t, "172.31.254.0/24", bp.CIDRBlock.String())
	assert.Equal(t, "172.31.254.1", bp.Gateway.String())
	assert.Equal(t, 1450, bp.MTU)
	assert.Equal(t, backplane.DefaultASN, bp.Controller.ASN)
	require.Len(t, bp.Controller.Peers, 1)
	assert.Equal(t, "192.168.0.10", bp.Controller.Peers[0].String())
	assert.Equal(t, "ipam/ipam-olbp0", bp.Ipam.String())

	assert.True(t, hypervisor.createdController)
	require.NotNil(t, hypervisor.createdZone)
	assert.Equal(t, "olbp0", hypervisor.createdZone.Zone)
	assert.Equal(t, []string{"pve-01"}, hypervisor.createdZone.ExitNodes)
	require.NotNil(t, hypervisor.createdSubnet)
	assert.True(t, hypervisor.createdSubnet.SNAT)
	assert.Equal(t, "172.31.254.1", hypervisor.createdSubnet.Gateway.String())
	assert.Equal(t, 1, hypervisor.applies)

	pool, err := manifest.LoadIpam(store, "ipam-olbp0")
	require.NoError(t, err)
	require.Len(t, pool.Spec.Subnets, 1)
	assert.Equal(t, backplane.PoolSubnet, pool.Spec.Subnets[0].Name)

	reloaded, err := manifest.LoadOnlyCluster(store)
	require.NoError(t, err)
	assert.True(t, reloaded.Metadata.Initialized)
	require.NotNil(t, reloaded.Spec.Backplane)
}

func Test_Initialize_isIdempotent(t *testing.T) {
	store, err := manifest.NewStore(t.TempDir())
	require.NoError(t, err)
	seedCluster(t, store, true)

	hypervisor := &fakeHypervisor{mtu: 1500}
	bootstrapper := backplane.New(hypervisor, store, backplane.Config{})

	_, err = bootstrapper.Initialize(context.Background())
	require.NoError(t, err)

	applied := hypervisor.applies

	cluster, err := bootstrapper.Initialize(context.Background())
	require.NoError(t, err)

	assert.True(t, cluster.Metadata.Initialized)
	assert.Equal(t, applied, hypervisor.applies)
}

func Test_Initialize_foreignController(t *testing.T) {
	store, err := manifest.NewStore(t.TempDir())
	require.NoError(t, err)
	seedCluster(t, store, true)

	hypervisor := &fakeHypervisor{
		controllers: []proxmox.ControllerInfo{{ID: "bgp-main", Type: "evpn", ASN: 65000}},
		mtu:         1500,
	}

	_, err = backplane.New(hypervisor, store, backplane.Config{}).Initialize(context.Background())

	assert.ErrorIs(t, err, backplane.ErrForeignController)
	assert.Nil(t, hypervisor.createdZone)
}

func Test_Initialize_resumesAfterControllerCreation(t *testing.T) {
	store, err := manifest.NewStore(t.TempDir())
	require.NoError(t, err)
	seedCluster(t, store, true)

	hypervisor := &fakeHypervisor{
		controllers: []proxmox.ControllerInfo{{ID: "olbp0", Type: "evpn", ASN: 65001}},
		mtu:         1500,
	}

	cluster, err := backplane.New(hypervisor, store, backplane.Config{}).Initialize(context.Background())
	require.NoError(t, err)

	assert.False(t, hypervisor.createdController)
	assert.NotNil(t, hypervisor.createdZone)
	assert.True(t, cluster.Metadata.Initialized)
}

func Test_Initialize_notQuorate(t *testing.T) {
	store, err := manifest.NewStore(t.TempDir())
	require.NoError(t, err)
	seedCluster(t, store, false)

	_, err = backplane.New(&fakeHypervisor{mtu: 1500}, store, backplane.Config{}).Initialize(context.Background())

	assert.ErrorIs(t, err, backplane.ErrNotQuorate)
}

func Test_SyncControllerPeers(t *testing.T) {
	store, err := manifest.NewStore(t.TempDir())
	require.NoError(t, err)
	seedCluster(t, store, true)

	hypervisor := &fakeHypervisor{mtu: 1500}
	bootstrapper := backplane.New(hypervisor, store, backplane.Config{})

	_, err = bootstrapper.Initialize(context.Background())
	require.NoError(t, err)

	hypervisor.controllers = []proxmox.ControllerInfo{
		{ID: "olbp0", Type: "evpn", ASN: 65001, Peers: "192.168.0.10"},
	}

	t.Run("in sync", func(t *testing.T) {
		changed, err := bootstrapper.SyncControllerPeers(context.Background())

		require.NoError(t, err)
		assert.False(t, changed)
		assert.Nil(t, hypervisor.updatedPeers)
	})

	t.Run("node joined", func(t *testing.T) {
		cluster, err := manifest.LoadOnlyCluster(store)
		require.NoError(t, err)

		joined := manifest.NewNode("pve-02", manifest.NodeStatusOnline, manifest.NodeSpec{
			Address: manifest.NewAddr(netip.MustParseAddr("192.168.0.11")),
		})
		require.NoError(t, store.Save(joined))
		cluster.Spec.AddNode(joined, joined.Spec.Address.Addr)
		require.NoError(t, store.Save(cluster))

		changed, err := bootstrapper.SyncControllerPeers(context.Background())

		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, []netip.Addr{
			netip.MustParseAddr("192.168.0.10"),
			netip.MustParseAddr("192.168.0.11"),
		}, hypervisor.updatedPeers)
	})
}
