package manifest

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"

	"github.com/orbitlab-cloud/orbitctl/pkg/netutil"
)

// SectorState tracks a sector through its lifecycle. Pending sectors are
// mid-provisioning and safe to resume; deleting sectors are mid-teardown.
type SectorState string

const (
	SectorStatePending   SectorState = "pending"
	SectorStateAvailable SectorState = "available"
	SectorStateDeleting  SectorState = "deleting"
)

var ErrNoSubnets = errors.New("sector has no subnets")

// sectorIDPrefix names sector resources across the hypervisor: the SDN zone,
// the vnet bridge and the manifest all share the derived id.
const sectorIDPrefix = "olvn"

var infraHostnamePattern = regexp.MustCompile(`^olvn\d+-(gw|dns)$`)

// SectorID derives the sector id for a network tag.
func SectorID(tag int) string {
	return fmt.Sprintf("%s%d", sectorIDPrefix, tag)
}

// GatewayHostname names the sector's gateway container.
func GatewayHostname(sectorID string) string {
	return sectorID + "-gw"
}

// DNSHostname names the sector's DNS container.
func DNSHostname(sectorID string) string {
	return sectorID + "-dns"
}

// IsInfraHostname reports whether a hostname belongs to sector
// infrastructure rather than tenant compute.
func IsInfraHostname(hostname string) bool {
	return infraHostnamePattern.MatchString(hostname)
}

type SectorMetadata struct {
	Alias string      `yaml:"alias"`
	Tag   int         `yaml:"tag"`
	State SectorState `yaml:"state"`
}

// Gateway describes the sector's gateway container once it exists.
type Gateway struct {
	VMID             VMID     `yaml:"vmid"`
	BackplaneAddress Prefix   `yaml:"backplane_address"`
	Password         Ref      `yaml:"password"`
	SectorAddresses  []Prefix `yaml:"sector_addresses"`
}

// DNS describes the sector's DNS container once it exists. Address is its
// sector-side leg; the backplane leg is tracked by the backplane pool under
// the container's vmid.
type DNS struct {
	VMID    VMID   `yaml:"vmid"`
	Address Prefix `yaml:"address"`
}

type SectorSpec struct {
	CIDRBlock Prefix             `yaml:"cidr_block"`
	Subnets   []Subnet           `yaml:"subnets"`
	Gateway   *Gateway           `yaml:"gateway,omitempty"`
	DNS       *DNS               `yaml:"dns,omitempty"`
	Ipam      Link[IpamManifest] `yaml:"ipam"`
}

func (s *SectorSpec) Subnet(name string) (*Subnet, bool) {
	for i := range s.Subnets {
		if s.Subnets[i].Name == name {
			return &s.Subnets[i], true
		}
	}

	return nil, false
}

// PrimarySubnet is the first planned subnet; sector-wide services live in
// its reserved block.
func (s *SectorSpec) PrimarySubnet() (*Subnet, error) {
	if len(s.Subnets) == 0 {
		return nil, ErrNoSubnets
	}

	return &s.Subnets[0], nil
}

// DNSAddress derives the sector DNS service address: the host right after
// the primary subnet's gateway, inside the reserved block.
func (s *SectorSpec) DNSAddress() (netip.Prefix, error) {
	primary, err := s.PrimarySubnet()
	if err != nil {
		return netip.Prefix{}, err
	}

	host, err := netutil.HostAt(primary.CIDRBlock.Prefix, 2)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("failed to derive dns address: %w", err)
	}

	return netip.PrefixFrom(host, primary.CIDRBlock.Bits()), nil
}

// GatewayAddresses lists the default gateway of every subnet, the addresses
// the gateway container answers on.
func (s *SectorSpec) GatewayAddresses() ([]netip.Prefix, error) {
	addresses := make([]netip.Prefix, 0, len(s.Subnets))
	for i := range s.Subnets {
		gateway, err := s.Subnets[i].DefaultGateway()
		if err != nil {
			return nil, err
		}

		addresses = append(addresses, gateway)
	}

	return addresses, nil
}

func (s *SectorSpec) resolve(store *Store) error {
	ipam, err := LoadIpam(store, s.Ipam.Ref.Name())
	if err != nil {
		return err
	}

	s.Ipam.Resolved = ipam

	return nil
}

type SectorManifest = Manifest[SectorMetadata, SectorSpec]

// LoadSector loads a sector manifest and eagerly resolves its ipam link. A
// dangling link fails the whole load.
func LoadSector(store *Store, name string) (*SectorManifest, error) {
	record, err := load[SectorMetadata, SectorSpec](store, KindSector, name)
	if err != nil {
		return nil, err
	}

	if err := record.Spec.resolve(store); err != nil {
		return nil, fmt.Errorf("failed to resolve sector %s: %w", name, err)
	}

	return record, nil
}

// NewSector builds a pending sector manifest linked to its ipam pool. The
// sector keeps the subnet layout only; assignments stay with the ipam.
func NewSector(tag int, alias string, cidr netip.Prefix, subnets []Subnet, ipam *IpamManifest) *SectorManifest {
	layout := make([]Subnet, len(subnets))
	for i, subnet := range subnets {
		layout[i] = Subnet{Name: subnet.Name, CIDRBlock: subnet.CIDRBlock}
	}

	return &SectorManifest{
		Kind: KindSector,
		Name: SectorID(tag),
		Metadata: SectorMetadata{
			Alias: alias,
			Tag:   tag,
			State: SectorStatePending,
		},
		Spec: SectorSpec{
			CIDRBlock: NewPrefix(cidr),
			Subnets:   layout,
			Ipam:      Link[IpamManifest]{Ref: ipam.Ref(), Resolved: ipam},
		},
	}
}
