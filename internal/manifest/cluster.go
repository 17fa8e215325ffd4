package manifest

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"

	"github.com/samber/lo"
)

const (
	// Sector network tags are allocated out of this window, smallest free
	// first. Freed tags become eligible again immediately.
	SectorTagStart = 1000
	SectorTagEnd   = 9999
)

var (
	ErrNoAvailableTag    = errors.New("no available network tag")
	ErrClusterNotFound   = errors.New("no cluster manifest, run discovery first")
	ErrMultipleClusters  = errors.New("more than one cluster manifest in the store")
	ErrBackplaneNotReady = errors.New("cluster backplane is not configured")
)

type ClusterMetadata struct {
	Quorate   bool `yaml:"quorate"`
	NodeCount int  `yaml:"node_count"`
	// Initialized flips once the backplane exists on the hypervisor.
	Initialized bool `yaml:"initialized"`
}

// Controller is the cluster-wide EVPN controller backing the backplane.
type Controller struct {
	ID    string `yaml:"id"`
	ASN   int    `yaml:"asn"`
	Peers []Addr `yaml:"peers"`
}

// Backplane is the shared EVPN network every sector gateway attaches to.
type Backplane struct {
	Name       string     `yaml:"name"`
	Alias      string     `yaml:"alias"`
	ZoneTag    int        `yaml:"zone_tag"`
	VnetTag    int        `yaml:"vnet_tag"`
	CIDRBlock  Prefix     `yaml:"cidr_block"`
	Gateway    Addr       `yaml:"gateway"`
	MTU        int        `yaml:"mtu"`
	Controller Controller `yaml:"controller"`
	Ipam       Ref        `yaml:"ipam"`
}

type ClusterSpec struct {
	Nodes        []Link[NodeManifest]         `yaml:"nodes"`
	Sectors      map[int]Link[SectorManifest] `yaml:"sectors,omitempty"`
	ReservedTags []int                        `yaml:"reserved_tags,omitempty"`
	Backplane    *Backplane                   `yaml:"backplane,omitempty"`
}

// NextAvailableTag returns the smallest tag in [start, end] that no sector
// holds and that is not reserved.
func (s *ClusterSpec) NextAvailableTag(start, end int) (int, error) {
	for tag := start; tag <= end; tag++ {
		if s.TagInUse(tag) {
			continue
		}

		return tag, nil
	}

	return 0, fmt.Errorf("scanned %d-%d: %w", start, end, ErrNoAvailableTag)
}

func (s *ClusterSpec) TagInUse(tag int) bool {
	if _, ok := s.Sectors[tag]; ok {
		return true
	}

	return slices.Contains(s.ReservedTags, tag)
}

// AddSector registers a provisioned sector under its tag.
func (s *ClusterSpec) AddSector(tag int, sector *SectorManifest) {
	if s.Sectors == nil {
		s.Sectors = make(map[int]Link[SectorManifest])
	}

	s.Sectors[tag] = Link[SectorManifest]{Ref: sector.Ref(), Resolved: sector}
}

func (s *ClusterSpec) RemoveSector(tag int) {
	delete(s.Sectors, tag)
}

// AddNode registers a cluster node and its peer address with the backplane
// controller. Re-adding a known node is a no-op.
func (s *ClusterSpec) AddNode(node *NodeManifest, peer netip.Addr) {
	known := lo.ContainsBy(s.Nodes, func(link Link[NodeManifest]) bool {
		return link.Ref.Name() == node.Name
	})
	if known {
		return
	}

	s.Nodes = append(s.Nodes, Link[NodeManifest]{Ref: node.Ref(), Resolved: node})

	if s.Backplane != nil && !lo.ContainsBy(s.Backplane.Controller.Peers, func(addr Addr) bool { return addr.Addr == peer }) {
		s.Backplane.Controller.Peers = append(s.Backplane.Controller.Peers, NewAddr(peer))
	}
}

// NodeNames lists the cluster's node names in manifest order.
func (s *ClusterSpec) NodeNames() []string {
	return lo.Map(s.Nodes, func(link Link[NodeManifest], _ int) string {
		return link.Ref.Name()
	})
}

// NodeAddresses lists the cluster link address of every node, the peer list
// for VXLAN zones and the EVPN controller. Links must be resolved.
func (s *ClusterSpec) NodeAddresses() []netip.Addr {
	return lo.Map(s.Nodes, func(link Link[NodeManifest], _ int) netip.Addr {
		return link.Resolved.Spec.Address.Addr
	})
}

// PeerAddresses lists the controller peer addresses as strings.
func (s *ClusterSpec) PeerAddresses() []string {
	if s.Backplane == nil {
		return nil
	}

	return lo.Map(s.Backplane.Controller.Peers, func(addr Addr, _ int) string {
		return addr.String()
	})
}

func (s *ClusterSpec) resolve(store *Store) error {
	for i := range s.Nodes {
		node, err := LoadNode(store, s.Nodes[i].Ref.Name())
		if err != nil {
			return err
		}

		s.Nodes[i].Resolved = node
	}

	for tag, link := range s.Sectors {
		sector, err := LoadSector(store, link.Ref.Name())
		if err != nil {
			return err
		}

		link.Resolved = sector
		s.Sectors[tag] = link
	}

	return nil
}

type ClusterManifest = Manifest[ClusterMetadata, ClusterSpec]

// LoadCluster loads a cluster manifest and eagerly resolves its node and
// sector links, recursively pulling in each sector's ipam.
func LoadCluster(store *Store, name string) (*ClusterManifest, error) {
	record, err := load[ClusterMetadata, ClusterSpec](store, KindCluster, name)
	if err != nil {
		return nil, err
	}

	if err := record.Spec.resolve(store); err != nil {
		return nil, fmt.Errorf("failed to resolve cluster %s: %w", name, err)
	}

	return record, nil
}

// LoadOnlyCluster loads the store's single cluster manifest. The engine
// manages exactly one hypervisor cluster per manifest root.
func LoadOnlyCluster(store *Store) (*ClusterManifest, error) {
	names, err := store.ListExisting(KindCluster)
	if err != nil {
		return nil, err
	}

	switch len(names) {
	case 0:
		return nil, ErrClusterNotFound
	case 1:
		return LoadCluster(store, names[0])
	default:
		return nil, fmt.Errorf("found %d: %w", len(names), ErrMultipleClusters)
	}
}

// NewCluster builds a cluster manifest as discovery sees it, before the
// backplane exists.
func NewCluster(name string, quorate bool, nodeCount int) *ClusterManifest {
	return &ClusterManifest{
		Kind: KindCluster,
		Name: name,
		Metadata: ClusterMetadata{
			Quorate:   quorate,
			NodeCount: nodeCount,
		},
		Spec: ClusterSpec{},
	}
}
