package manifest

// SDN manifests record zones discovered on the hypervisor that this engine
// did not create, so the operator sees the whole SDN surface in one place.

type ZoneType string

const (
	ZoneTypeVXLAN  ZoneType = "vxlan"
	ZoneTypeEVPN   ZoneType = "evpn"
	ZoneTypeVLAN   ZoneType = "vlan"
	ZoneTypeSimple ZoneType = "simple"
)

type SDNMetadata struct {
	ZoneType   ZoneType `yaml:"zone_type"`
	ZoneName   string   `yaml:"zone_name"`
	Controller string   `yaml:"controller,omitempty"`
}

// DHCPRange is a start/end address window inside an SDN subnet.
type DHCPRange struct {
	Start Addr `yaml:"start"`
	End   Addr `yaml:"end"`
}

// SDNSubnet is the hypervisor-side view of a subnet under a vnet.
type SDNSubnet struct {
	CIDRBlock  Prefix      `yaml:"cidr_block"`
	Gateway    Addr        `yaml:"gateway,omitempty"`
	DNSPrefix  string      `yaml:"dns_prefix,omitempty"`
	DHCPRanges []DHCPRange `yaml:"dhcp_ranges,omitempty"`
}

type SDNSpec struct {
	Subnets []SDNSubnet `yaml:"subnets,omitempty"`
	MTU     int         `yaml:"mtu,omitempty"`
	Nodes   []string    `yaml:"nodes,omitempty"`
}

type SDNManifest = Manifest[SDNMetadata, SDNSpec]

func LoadSDN(store *Store, name string) (*SDNManifest, error) {
	return load[SDNMetadata, SDNSpec](store, KindSDN, name)
}

func NewSDN(name string, metadata SDNMetadata, spec SDNSpec) *SDNManifest {
	return &SDNManifest{
		Kind:     KindSDN,
		Name:     name,
		Metadata: metadata,
		Spec:     spec,
	}
}
