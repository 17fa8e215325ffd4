package proxmox

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Params holds request parameters for a pvesh invocation. Keys may use
// underscores; they are rewritten to dashes when the command is built.
type Params map[string]any

// PveBool decodes the 0/1 integers the Proxmox API uses for booleans. It
// also accepts native booleans and quoted digits for older endpoints.
type PveBool bool

func (b *PveBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "0", "false", "null":
		*b = false
	case "1", "true":
		*b = true
	default:
		return fmt.Errorf("failed to parse %q as proxmox boolean", string(data))
	}

	return nil
}

// LooseInt decodes integers that some Proxmox endpoints return as quoted
// strings, such as /cluster/nextid.
type LooseInt int

func (i *LooseInt) UnmarshalJSON(data []byte) error {
	var number int
	if err := json.Unmarshal(data, &number); err == nil {
		*i = LooseInt(number)
		return nil
	}

	var quoted string
	if err := json.Unmarshal(data, &quoted); err != nil {
		return fmt.Errorf("failed to parse %q as integer: %w", string(data), err)
	}

	number, err := strconv.Atoi(quoted)
	if err != nil {
		return fmt.Errorf("failed to parse %q as integer: %w", quoted, err)
	}

	*i = LooseInt(number)

	return nil
}

// Task is the UPID returned by asynchronous Proxmox operations, in the form
// "UPID:<node>:<pid>:<pstart>:<starttime>:<type>:<id>:<user>:".
type Task string

// Node extracts the node the task runs on from the UPID.
func (t Task) Node() (string, error) {
	parts := strings.Split(string(t), ":")
	if len(parts) < 2 || parts[0] != "UPID" || parts[1] == "" {
		return "", fmt.Errorf("%w: %q", ErrMalformedUPID, string(t))
	}

	return parts[1], nil
}

// TaskStatus is the polled state of an asynchronous task.
type TaskStatus struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus"`
}

// Finished reports whether the task has stopped running.
func (s TaskStatus) Finished() bool {
	return s.Status == taskStatusStopped
}

// Succeeded reports whether a finished task exited cleanly.
func (s TaskStatus) Succeeded() bool {
	return s.ExitStatus == taskExitOK
}

type clusterStatusEntry struct {
	Type    string  `json:"type"`
	Name    string  `json:"name"`
	Quorate PveBool `json:"quorate"`
	Nodes   int     `json:"nodes"`
	IP      string  `json:"ip"`
	Online  PveBool `json:"online"`
	Local   PveBool `json:"local"`
}

// ClusterNode is one member of the cluster as reported by /cluster/status.
type ClusterNode struct {
	Name    string
	Address netip.Addr
	Online  bool
	Local   bool
}

// ClusterStatus is the aggregated view of /cluster/status.
type ClusterStatus struct {
	Name    string
	Quorate bool
	Nodes   int
	Members []ClusterNode
}

// LocalNode returns the member the command runs on.
func (s *ClusterStatus) LocalNode() (ClusterNode, bool) {
	return lo.Find(s.Members, func(n ClusterNode) bool { return n.Local })
}

// ControllerInfo describes an SDN controller from /cluster/sdn/controllers.
type ControllerInfo struct {
	ID    string   `json:"controller"`
	Type  string   `json:"type"`
	ASN   LooseInt `json:"asn"`
	Peers string   `json:"peers"`
}

// PeerList parses the comma separated peers field.
func (c ControllerInfo) PeerList() ([]netip.Addr, error) {
	if c.Peers == "" {
		return nil, nil
	}

	fields := strings.Split(c.Peers, ",")
	peers := make([]netip.Addr, 0, len(fields))

	for _, field := range fields {
		peer, err := netip.ParseAddr(strings.TrimSpace(field))
		if err != nil {
			return nil, fmt.Errorf("failed to parse controller peer: %w", err)
		}

		peers = append(peers, peer)
	}

	return peers, nil
}

// ZoneInfo describes an SDN zone from /cluster/sdn/zones.
type ZoneInfo struct {
	Zone       string   `json:"zone"`
	Type       string   `json:"type"`
	MTU        LooseInt `json:"mtu"`
	IPAM       string   `json:"ipam"`
	Tag        LooseInt `json:"vrf-vxlan"`
	Controller string   `json:"controller"`
	Nodes      string   `json:"nodes"`
}

// NodeList parses the optional comma separated node restriction.
func (z ZoneInfo) NodeList() []string {
	if z.Nodes == "" {
		return nil
	}

	fields := strings.Split(z.Nodes, ",")
	nodes := make([]string, 0, len(fields))

	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			nodes = append(nodes, trimmed)
		}
	}

	return nodes
}

// VnetInfo describes an SDN vnet from /cluster/sdn/vnets.
type VnetInfo struct {
	Name  string   `json:"vnet"`
	Zone  string   `json:"zone"`
	Alias string   `json:"alias"`
	Tag   LooseInt `json:"tag"`
}

// SubnetInfo describes one subnet of a vnet. Depending on the Proxmox
// version the CIDR arrives either in a dedicated field or only encoded in
// the subnet identifier ("<zone>-<network>-<bits>").
type SubnetInfo struct {
	ID      string `json:"subnet"`
	CIDR    string `json:"cidr"`
	Gateway string `json:"gateway"`
}

// Prefix returns the subnet CIDR, falling back to the identifier suffix.
func (s SubnetInfo) Prefix() (netip.Prefix, error) {
	if s.CIDR != "" {
		return netip.ParsePrefix(s.CIDR)
	}

	parts := strings.Split(s.ID, "-")
	if len(parts) < 3 {
		return netip.Prefix{}, fmt.Errorf("failed to parse subnet id %q", s.ID)
	}

	cidr := parts[len(parts)-2] + "/" + parts[len(parts)-1]

	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("failed to parse subnet id %q: %w", s.ID, err)
	}

	return prefix, nil
}

// SubnetID builds the identifier Proxmox assigns to a subnet of a vnet.
func SubnetID(vnet string, cidr netip.Prefix) string {
	return vnet + "-" + strings.ReplaceAll(cidr.String(), "/", "-")
}

// EVPNZone holds the parameters for creating an EVPN backplane zone.
type EVPNZone struct {
	Zone       string
	Controller string
	Tag        int
	MTU        int
	ExitNodes  []string
}

// VXLANZone holds the parameters for creating a VXLAN overlay zone.
type VXLANZone struct {
	Zone  string
	Peers []netip.Addr
	MTU   int
}

// Vnet holds the parameters for creating a vnet inside a zone.
type Vnet struct {
	Name  string
	Zone  string
	Alias string
	Tag   int
}

// Subnet holds the parameters for creating a subnet on a vnet.
type Subnet struct {
	Vnet    string
	CIDR    netip.Prefix
	Gateway netip.Addr
	SNAT    bool
}

// BridgePort is a port attached to an SDN zone bridge.
type BridgePort struct {
	Name string `json:"name"`
	VMID int    `json:"vmid"`
}

// Bridge is one bridge of an SDN zone together with its attached ports.
type Bridge struct {
	Name  string       `json:"name"`
	Ports []BridgePort `json:"ports"`
}

// AttachedVMIDs lists the guests plugged into the zone bridge. Only the
// first bridge carries guest ports, the others are transit interfaces.
func AttachedVMIDs(bridges []Bridge) []int {
	if len(bridges) == 0 {
		return nil
	}

	return lo.FilterMap(bridges[0].Ports, func(port BridgePort, _ int) (int, bool) {
		return port.VMID, port.VMID > 0
	})
}

// ComputeConfig is the subset of an LXC guest configuration the engine
// inspects when listing attached workloads.
type ComputeConfig struct {
	Hostname string `json:"hostname"`
	Net0     string `json:"net0"`
	Net1     string `json:"net1"`
}

// IP extracts the static address from a net0/net1 style configuration
// string, such as "name=eth0,bridge=olvn1200,ip=10.0.1.11/24,gw=10.0.1.1".
func (c ComputeConfig) IP() (netip.Prefix, bool) {
	for _, netConfig := range []string{c.Net0, c.Net1} {
		for _, option := range strings.Split(netConfig, ",") {
			value, found := strings.CutPrefix(option, "ip=")
			if !found {
				continue
			}

			prefix, err := netip.ParsePrefix(value)
			if err != nil {
				continue
			}

			return prefix, true
		}
	}

	return netip.Prefix{}, false
}

// NetworkInterface describes one entry of /nodes/<node>/network.
type NetworkInterface struct {
	Name    string  `json:"iface"`
	Type    string  `json:"type"`
	CIDR    string  `json:"cidr"`
	Address string  `json:"address"`
	Active  PveBool `json:"active"`
}

// StorageInfo describes one entry of /nodes/<node>/storage.
type StorageInfo struct {
	Name    string  `json:"storage"`
	Type    string  `json:"type"`
	Content string  `json:"content"`
	Active  PveBool `json:"active"`
	Shared  PveBool `json:"shared"`
}

// LXCParams collects the creation parameters for an LXC guest. Zero fields
// are omitted from the request.
type LXCParams struct {
	VMID          int
	Hostname      string
	OSTemplate    string
	Cores         int
	MemoryMB      int
	SwapMB        int
	RootFS        string
	Net0          string
	Net1          string
	Password      string
	SSHPublicKeys string
	SearchDomain  string
	Nameserver    string
	OnBoot        bool
	Unprivileged  bool
	Nesting       bool
}

func (p LXCParams) params() Params {
	params := Params{
		"vmid":       p.VMID,
		"hostname":   p.Hostname,
		"ostemplate": p.OSTemplate,
		"cores":      p.Cores,
		"memory":     p.MemoryMB,
		"swap":       p.SwapMB,
		"rootfs":     p.RootFS,
		"net0":       p.Net0,
	}

	if p.Net1 != "" {
		params["net1"] = p.Net1
	}

	if p.Password != "" {
		params["password"] = p.Password
	}

	if p.SearchDomain != "" {
		params["searchdomain"] = p.SearchDomain
	}

	if p.Nameserver != "" {
		params["nameserver"] = p.Nameserver
	}

	if p.OnBoot {
		params["onboot"] = 1
	}

	if p.Unprivileged {
		params["unprivileged"] = 1
	}

	if p.Nesting {
		params["features"] = "nesting=1"
	}

	// The API rejects requests without the key, even when no keys are
	// installed.
	params["ssh-public-keys"] = p.SSHPublicKeys

	return params
}

// NetConfig renders an LXC netN property. Address and gateway are optional
// and skipped when unset.
func NetConfig(name string, bridge string, address netip.Prefix, gateway netip.Addr) string {
	options := []string{"name=" + name, "bridge=" + bridge}

	if address.IsValid() {
		options = append(options, "ip="+address.String())
	}

	if gateway.IsValid() {
		options = append(options, "gw="+gateway.String())
	}

	return strings.Join(options, ",")
}

// RootFS renders an LXC rootfs property from storage and size in GiB.
func RootFS(storage string, sizeGB int) string {
	return storage + ":" + strconv.Itoa(sizeGB)
}

func joinPeers(peers []netip.Addr) string {
	return strings.Join(lo.Map(peers, func(p netip.Addr, _ int) string { return p.String() }), ",")
}
