package manifest

import (
	"net/netip"
	"time"

	"github.com/orbitlab-cloud/orbitctl/pkg/netutil"
)

// ReservedUsableIPs is how many usable host addresses at the bottom of every
// subnet stay out of the allocation pool. The gateway, DNS and other sector
// infrastructure live there.
const ReservedUsableIPs = 10

// IpamName derives the ipam manifest name for the resource owning the pool.
func IpamName(owner string) string {
	return "ipam-" + owner
}

type IpamMetadata struct {
	SectorName string `yaml:"sector_name"`
	SectorID   string `yaml:"sector_id"`
}

// IPAssignment records one address handed to a compute resource.
type IPAssignment struct {
	Address     Prefix    `yaml:"address"`
	VMID        VMID      `yaml:"vmid"`
	AllocatedAt time.Time `yaml:"allocated_at"`
}

// Subnet is one allocatable range. Inside an ipam manifest its assignments
// are authoritative; sector manifests carry the same shape purely as layout.
type Subnet struct {
	Name        string         `yaml:"name"`
	CIDRBlock   Prefix         `yaml:"cidr_block"`
	Assignments []IPAssignment `yaml:"assignments,omitempty"`
}

// DefaultGateway returns the first usable host of the subnet with its prefix
// length.
func (s *Subnet) DefaultGateway() (netip.Prefix, error) {
	return netutil.DefaultGateway(s.CIDRBlock.Prefix)
}

// AvailableIPs returns how many addresses the subnet can still hand out.
func (s *Subnet) AvailableIPs() int {
	available := netutil.UsableHosts(s.CIDRBlock.Prefix) - ReservedUsableIPs - len(s.Assignments)
	if available < 0 {
		return 0
	}

	return available
}

type IpamSpec struct {
	Subnets []Subnet `yaml:"subnets"`
}

// Subnet returns the named subnet, addressable for mutation.
func (s *IpamSpec) Subnet(name string) (*Subnet, bool) {
	for i := range s.Subnets {
		if s.Subnets[i].Name == name {
			return &s.Subnets[i], true
		}
	}

	return nil, false
}

type IpamManifest = Manifest[IpamMetadata, IpamSpec]

// LoadIpam loads an ipam manifest by name.
func LoadIpam(store *Store, name string) (*IpamManifest, error) {
	return load[IpamMetadata, IpamSpec](store, KindIpam, name)
}

// NewIpam builds the ipam manifest for a sector and its planned subnets.
func NewIpam(sectorID, sectorName string, subnets []Subnet) *IpamManifest {
	return &IpamManifest{
		Kind: KindIpam,
		Name: IpamName(sectorID),
		Metadata: IpamMetadata{
			SectorName: sectorName,
			SectorID:   sectorID,
		},
		Spec: IpamSpec{Subnets: subnets},
	}
}
