package manifest

type NodeStatus string

const (
	NodeStatusOnline  NodeStatus = "online"
	NodeStatusOffline NodeStatus = "offline"
)

type NodeMetadata struct {
	Hostname string     `yaml:"hostname"`
	Status   NodeStatus `yaml:"status"`
}

// Bridge is a Linux bridge discovered on a node.
type Bridge struct {
	Name   string `yaml:"name"`
	CIDR   Prefix `yaml:"cidr,omitempty"`
	MTU    int    `yaml:"mtu,omitempty"`
	Active bool   `yaml:"active"`
}

// Storage is a storage pool discovered on a node.
type Storage struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Content string `yaml:"content,omitempty"`
	Active  bool   `yaml:"active"`
}

type NodeSpec struct {
	// Address is the node's cluster link address, used as its EVPN peer.
	Address Addr      `yaml:"address"`
	Bridges []Bridge  `yaml:"bridges,omitempty"`
	SDNs    []string  `yaml:"sdns,omitempty"`
	Storage []Storage `yaml:"storage,omitempty"`
}

type NodeManifest = Manifest[NodeMetadata, NodeSpec]

func LoadNode(store *Store, name string) (*NodeManifest, error) {
	return load[NodeMetadata, NodeSpec](store, KindNode, name)
}

func NewNode(name string, status NodeStatus, spec NodeSpec) *NodeManifest {
	return &NodeManifest{
		Kind: KindNode,
		Name: name,
		Metadata: NodeMetadata{
			Hostname: name,
			Status:   status,
		},
		Spec: spec,
	}
}
