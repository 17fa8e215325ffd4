package proxmox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitlab-cloud/orbitctl/pkg/log"
)

const (
	// DefaultPollInterval is the pause between two task status probes.
	DefaultPollInterval = 3 * time.Second

	// DefaultTaskTimeout bounds how long WaitForTask follows a single task.
	DefaultTaskTimeout = 15 * time.Minute

	pveshCommand     = "pvesh"
	pctCommand       = "pct"
	outputFormatFlag = "--output-format=json"

	controllerTypeEVPN = "evpn"
	zoneTypeEVPN       = "evpn"
	zoneTypeVXLAN      = "vxlan"

	taskStatusStopped = "stopped"
	taskExitOK        = "OK"

	lxcActionStart    = "start"
	lxcActionStop     = "stop"
	lxcActionShutdown = "shutdown"
	lxcActionReboot   = "reboot"
)

var (
	ErrMalformedUPID = errors.New("malformed task UPID")
	ErrTaskFailed    = errors.New("task finished with an error")
	ErrTaskTimeout   = errors.New("timed out waiting for task")
)

// UpstreamError wraps a failed hypervisor command so callers can tell
// infrastructure failures apart from their own validation errors.
type UpstreamError struct {
	Command string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream command %q failed: %v", e.Command, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

//go:generate mockgen -source proxmox.go -destination mocks/executor.go -package mocks
type Executor interface {
	Execute(ctx context.Context, command string, args ...string) ([]byte, error)
}

// Config is the configuration of the Proxmox client.
type Config struct {
	Executor     Executor
	PollInterval time.Duration
	Timeout      time.Duration
}

// Client drives a Proxmox VE node through the pvesh and pct command line
// tools. All API calls go through pvesh so the engine works without API
// tokens when run on a cluster member.
type Client struct {
	executor     Executor
	pollInterval time.Duration
	timeout      time.Duration
	log          zerolog.Logger
}

// ClusterStatus fetches quorum state and membership from /cluster/status.
func (c *Client) ClusterStatus(ctx context.Context) (*ClusterStatus, error) {
	var entries []clusterStatusEntry
	if err := c.get(ctx, "/cluster/status", nil, &entries); err != nil {
		return nil, fmt.Errorf("failed to get cluster status: %w", err)
	}

	status := &ClusterStatus{}

	for _, entry := range entries {
		switch entry.Type {
		case "cluster":
			status.Name = entry.Name
			status.Quorate = bool(entry.Quorate)
			status.Nodes = entry.Nodes
		case "node":
			address, err := netip.ParseAddr(entry.IP)
			if err != nil {
				return nil, fmt.Errorf("failed to parse address of node %s: %w", entry.Name, err)
			}

			status.Members = append(status.Members, ClusterNode{
				Name:    entry.Name,
				Address: address,
				Online:  bool(entry.Online),
				Local:   bool(entry.Local),
			})
		}
	}

	return status, nil
}

// NextResourceID asks the cluster for the next free guest identifier.
func (c *Client) NextResourceID(ctx context.Context) (int, error) {
	var id LooseInt
	if err := c.get(ctx, "/cluster/nextid", nil, &id); err != nil {
		return 0, fmt.Errorf("failed to get next resource id: %w", err)
	}

	return int(id), nil
}

// EVPNControllers lists the EVPN controllers, including pending ones, so
// callers see configuration that has not been applied yet.
func (c *Client) EVPNControllers(ctx context.Context) ([]ControllerInfo, error) {
	params := Params{"type": controllerTypeEVPN, "pending": 1, "running": 1}

	var controllers []ControllerInfo
	if err := c.get(ctx, "/cluster/sdn/controllers", params, &controllers); err != nil {
		return nil, fmt.Errorf("failed to list evpn controllers: %w", err)
	}

	return controllers, nil
}

// CreateEVPNController registers a BGP EVPN controller for the backplane.
func (c *Client) CreateEVPNController(ctx context.Context, id string, asn int, peers []netip.Addr) error {
	params := Params{
		"controller": id,
		"type":       controllerTypeEVPN,
		"asn":        asn,
		"peers":      joinPeers(peers),
	}

	if _, err := c.create(ctx, "/cluster/sdn/controllers", params); err != nil {
		return fmt.Errorf("failed to create controller %s: %w", id, err)
	}

	c.log.Info().Str("controller", id).Int("asn", asn).Msg("created evpn controller")

	return nil
}

// SetControllerPeers replaces the peer list of an existing controller.
func (c *Client) SetControllerPeers(ctx context.Context, id string, peers []netip.Addr) error {
	params := Params{"peers": joinPeers(peers)}

	if err := c.set(ctx, "/cluster/sdn/controllers/"+id, params); err != nil {
		return fmt.Errorf("failed to update peers of controller %s: %w", id, err)
	}

	return nil
}

// Zones lists all SDN zones.
func (c *Client) Zones(ctx context.Context) ([]ZoneInfo, error) {
	var zones []ZoneInfo
	if err := c.get(ctx, "/cluster/sdn/zones", nil, &zones); err != nil {
		return nil, fmt.Errorf("failed to list zones: %w", err)
	}

	return zones, nil
}

// CreateEVPNZone creates the routed zone the backplane lives in. Subnets of
// the zone are advertised to all peers and external traffic leaves through
// the exit nodes.
func (c *Client) CreateEVPNZone(ctx context.Context, zone EVPNZone) error {
	params := Params{
		"type":              zoneTypeEVPN,
		"zone":              zone.Zone,
		"controller":        zone.Controller,
		"vrf_vxlan":         zone.Tag,
		"advertise_subnets": 1,
		"mtu":               zone.MTU,
		"ipam":              "pve",
		"exitnodes":         strings.Join(zone.ExitNodes, ","),
	}

	if _, err := c.create(ctx, "/cluster/sdn/zones", params); err != nil {
		return fmt.Errorf("failed to create evpn zone %s: %w", zone.Zone, err)
	}

	c.log.Info().Str("zone", zone.Zone).Msg("created evpn zone")

	return nil
}

// CreateVXLANZone creates an isolated overlay zone spanning the peers.
func (c *Client) CreateVXLANZone(ctx context.Context, zone VXLANZone) error {
	params := Params{
		"type":  zoneTypeVXLAN,
		"zone":  zone.Zone,
		"peers": joinPeers(zone.Peers),
		"mtu":   zone.MTU,
	}

	if _, err := c.create(ctx, "/cluster/sdn/zones", params); err != nil {
		return fmt.Errorf("failed to create vxlan zone %s: %w", zone.Zone, err)
	}

	c.log.Info().Str("zone", zone.Zone).Msg("created vxlan zone")

	return nil
}

// DeleteZone removes an SDN zone. The zone must not contain vnets anymore.
func (c *Client) DeleteZone(ctx context.Context, zone string) error {
	if err := c.delete(ctx, "/cluster/sdn/zones/"+zone, nil); err != nil {
		return fmt.Errorf("failed to delete zone %s: %w", zone, err)
	}

	return nil
}

// Vnets lists all SDN vnets.
func (c *Client) Vnets(ctx context.Context) ([]VnetInfo, error) {
	var vnets []VnetInfo
	if err := c.get(ctx, "/cluster/sdn/vnets", nil, &vnets); err != nil {
		return nil, fmt.Errorf("failed to list vnets: %w", err)
	}

	return vnets, nil
}

// CreateVnet creates a vnet inside a zone. The tag becomes the VXLAN id of
// the bridge.
func (c *Client) CreateVnet(ctx context.Context, vnet Vnet) error {
	params := Params{
		"vnet":  vnet.Name,
		"zone":  vnet.Zone,
		"alias": vnet.Alias,
		"tag":   vnet.Tag,
	}

	if _, err := c.create(ctx, "/cluster/sdn/vnets", params); err != nil {
		return fmt.Errorf("failed to create vnet %s: %w", vnet.Name, err)
	}

	return nil
}

// DeleteVnet removes a vnet. Its subnets must be deleted first.
func (c *Client) DeleteVnet(ctx context.Context, name string) error {
	if err := c.delete(ctx, "/cluster/sdn/vnets/"+name, nil); err != nil {
		return fmt.Errorf("failed to delete vnet %s: %w", name, err)
	}

	return nil
}

// Subnets lists the subnets configured on a vnet.
func (c *Client) Subnets(ctx context.Context, vnet string) ([]SubnetInfo, error) {
	var subnets []SubnetInfo
	if err := c.get(ctx, "/cluster/sdn/vnets/"+vnet+"/subnets", nil, &subnets); err != nil {
		return nil, fmt.Errorf("failed to list subnets of vnet %s: %w", vnet, err)
	}

	return subnets, nil
}

// CreateSubnet attaches a subnet to a vnet. The gateway address is assigned
// to the bridge on every node.
func (c *Client) CreateSubnet(ctx context.Context, subnet Subnet) error {
	params := Params{
		"subnet":  subnet.CIDR.String(),
		"type":    "subnet",
		"gateway": subnet.Gateway.String(),
	}

	if subnet.SNAT {
		params["snat"] = 1
	}

	if _, err := c.create(ctx, "/cluster/sdn/vnets/"+subnet.Vnet+"/subnets", params); err != nil {
		return fmt.Errorf("failed to create subnet %s on vnet %s: %w", subnet.CIDR, subnet.Vnet, err)
	}

	return nil
}

// DeleteSubnet removes a subnet from a vnet.
func (c *Client) DeleteSubnet(ctx context.Context, vnet string, cidr netip.Prefix) error {
	endpoint := "/cluster/sdn/vnets/" + vnet + "/subnets/" + SubnetID(vnet, cidr)

	if err := c.delete(ctx, endpoint, nil); err != nil {
		return fmt.Errorf("failed to delete subnet %s from vnet %s: %w", cidr, vnet, err)
	}

	return nil
}

// ApplySDN commits all pending SDN configuration cluster wide.
func (c *Client) ApplySDN(ctx context.Context) error {
	if err := c.set(ctx, "/cluster/sdn", nil); err != nil {
		return fmt.Errorf("failed to apply sdn configuration: %w", err)
	}

	c.log.Debug().Msg("applied sdn configuration")

	return nil
}

// ZoneBridges lists the bridges of a zone on one node together with the
// guests attached to them.
func (c *Client) ZoneBridges(ctx context.Context, node string, zone string) ([]Bridge, error) {
	endpoint := fmt.Sprintf("/nodes/%s/sdn/zones/%s/bridges", node, zone)

	var bridges []Bridge
	if err := c.get(ctx, endpoint, nil, &bridges); err != nil {
		return nil, fmt.Errorf("failed to list bridges of zone %s on node %s: %w", zone, node, err)
	}

	return bridges, nil
}

// Networks lists the network interfaces of a node.
func (c *Client) Networks(ctx context.Context, node string) ([]NetworkInterface, error) {
	var networks []NetworkInterface
	if err := c.get(ctx, "/nodes/"+node+"/network", nil, &networks); err != nil {
		return nil, fmt.Errorf("failed to list networks of node %s: %w", node, err)
	}

	return networks, nil
}

// Storages lists the storage pools visible on a node.
func (c *Client) Storages(ctx context.Context, node string) ([]StorageInfo, error) {
	var storages []StorageInfo
	if err := c.get(ctx, "/nodes/"+node+"/storage", nil, &storages); err != nil {
		return nil, fmt.Errorf("failed to list storages of node %s: %w", node, err)
	}

	return storages, nil
}

// BridgeMTU reads the MTU of a local bridge from sysfs.
func (c *Client) BridgeMTU(ctx context.Context, bridge string) (int, error) {
	output, err := c.executor.Execute(ctx, "cat", "/sys/class/net/"+bridge+"/mtu")
	if err != nil {
		return 0, fmt.Errorf("failed to read mtu of bridge %s: %w", bridge, err)
	}

	mtu, err := strconv.Atoi(strings.TrimSpace(string(output)))
	if err != nil {
		return 0, fmt.Errorf("failed to parse mtu of bridge %s: %w", bridge, err)
	}

	return mtu, nil
}

// CreateLXC creates a container on a node and returns the creation task.
func (c *Client) CreateLXC(ctx context.Context, node string, lxcParams LXCParams) (Task, error) {
	task, err := c.create(ctx, "/nodes/"+node+"/lxc", lxcParams.params())
	if err != nil {
		return "", fmt.Errorf("failed to create container %d: %w", lxcParams.VMID, err)
	}

	c.log.Info().
		Int("vmid", lxcParams.VMID).
		Str("hostname", lxcParams.Hostname).
		Str("node", node).
		Msg("created container")

	return task, nil
}

// StartLXC starts a container.
func (c *Client) StartLXC(ctx context.Context, node string, vmid int) (Task, error) {
	return c.lxcAction(ctx, node, vmid, lxcActionStart)
}

// StopLXC force stops a container.
func (c *Client) StopLXC(ctx context.Context, node string, vmid int) (Task, error) {
	return c.lxcAction(ctx, node, vmid, lxcActionStop)
}

// ShutdownLXC asks a container to shut down cleanly.
func (c *Client) ShutdownLXC(ctx context.Context, node string, vmid int) (Task, error) {
	return c.lxcAction(ctx, node, vmid, lxcActionShutdown)
}

// RebootLXC reboots a container.
func (c *Client) RebootLXC(ctx context.Context, node string, vmid int) (Task, error) {
	return c.lxcAction(ctx, node, vmid, lxcActionReboot)
}

func (c *Client) lxcAction(ctx context.Context, node string, vmid int, action string) (Task, error) {
	endpoint := fmt.Sprintf("/nodes/%s/lxc/%d/status/%s", node, vmid, action)

	task, err := c.create(ctx, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to %s container %d: %w", action, vmid, err)
	}

	return task, nil
}

// DestroyLXC deletes a container together with its disks, snapshots and
// references in jobs or HA configuration.
func (c *Client) DestroyLXC(ctx context.Context, node string, vmid int) (Task, error) {
	params := Params{
		"destroy-unreferenced-disks": 1,
		"force":                      1,
		"purge":                      1,
	}

	endpoint := fmt.Sprintf("/nodes/%s/lxc/%d", node, vmid)

	var task Task
	if err := c.deleteInto(ctx, endpoint, params, &task); err != nil {
		return "", fmt.Errorf("failed to destroy container %d: %w", vmid, err)
	}

	c.log.Info().Int("vmid", vmid).Str("node", node).Msg("destroyed container")

	return task, nil
}

// LXCConfig fetches the configuration of a container.
func (c *Client) LXCConfig(ctx context.Context, node string, vmid int) (*ComputeConfig, error) {
	endpoint := fmt.Sprintf("/nodes/%s/lxc/%d/config", node, vmid)

	var config ComputeConfig
	if err := c.get(ctx, endpoint, nil, &config); err != nil {
		return nil, fmt.Errorf("failed to get config of container %d: %w", vmid, err)
	}

	return &config, nil
}

// WaitForTask polls a task until it stops, the timeout elapses or the
// context is cancelled. A task that stops with a failure exit status is
// reported as ErrTaskFailed.
func (c *Client) WaitForTask(ctx context.Context, task Task) error {
	node, err := task.Node()
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("/nodes/%s/tasks/%s/status", node, string(task))
	deadline := time.Now().Add(c.timeout)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var status TaskStatus
		if err := c.get(ctx, endpoint, nil, &status); err != nil {
			return fmt.Errorf("failed to get task status: %w", err)
		}

		if status.Finished() {
			if !status.Succeeded() {
				return fmt.Errorf("%w: %s: %s", ErrTaskFailed, string(task), status.ExitStatus)
			}

			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrTaskTimeout, string(task))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PushFile copies a local file into a container, creating the target
// directory first.
func (c *Client) PushFile(ctx context.Context, vmid int, localPath string, remotePath string) error {
	id := strconv.Itoa(vmid)

	if _, err := c.executor.Execute(ctx, pctCommand, "exec", id, "--", "mkdir", "-p", path.Dir(remotePath)); err != nil {
		return &UpstreamError{Command: pctCommand + " exec", Err: err}
	}

	if _, err := c.executor.Execute(ctx, pctCommand, "push", id, localPath, remotePath); err != nil {
		return &UpstreamError{Command: pctCommand + " push", Err: err}
	}

	return nil
}

// Exec runs a command inside a container and returns its output.
func (c *Client) Exec(ctx context.Context, vmid int, args ...string) ([]byte, error) {
	execArgs := append([]string{"exec", strconv.Itoa(vmid), "--"}, args...)

	output, err := c.executor.Execute(ctx, pctCommand, execArgs...)
	if err != nil {
		return nil, &UpstreamError{Command: pctCommand + " exec", Err: err}
	}

	return output, nil
}

// RunScript pushes a shell script into a container, executes it and removes
// it afterwards.
func (c *Client) RunScript(ctx context.Context, vmid int, script string) error {
	file, err := os.CreateTemp("", "orbitctl-*.sh")
	if err != nil {
		return fmt.Errorf("failed to create script file: %w", err)
	}
	defer os.Remove(file.Name())

	if _, err := file.WriteString(script); err != nil {
		file.Close()
		return fmt.Errorf("failed to write script file: %w", err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close script file: %w", err)
	}

	remotePath := "/tmp/" + path.Base(file.Name())

	if err := c.PushFile(ctx, vmid, file.Name(), remotePath); err != nil {
		return fmt.Errorf("failed to push script: %w", err)
	}

	if _, err := c.Exec(ctx, vmid, "bash", "-c", "bash "+remotePath+" && rm -f "+remotePath); err != nil {
		return fmt.Errorf("failed to run script: %w", err)
	}

	return nil
}

// New creates a Proxmox client. A nil executor falls back to running pvesh
// and pct on the local node.
func New(config Config) *Client {
	executor := config.Executor
	if executor == nil {
		executor = &ShellExecutor{}
	}

	pollInterval := config.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}

	return &Client{
		executor:     executor,
		pollInterval: pollInterval,
		timeout:      timeout,
		log:          log.WithComponent("proxmox"),
	}
}

func (c *Client) get(ctx context.Context, endpoint string, params Params, result any) error {
	output, err := c.run(ctx, "get", endpoint, params)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(output, result); err != nil {
		return fmt.Errorf("failed to decode response of %s: %w", endpoint, err)
	}

	return nil
}

func (c *Client) create(ctx context.Context, endpoint string, params Params) (Task, error) {
	output, err := c.run(ctx, "create", endpoint, params)
	if err != nil {
		return "", err
	}

	var task Task
	if len(output) > 0 {
		if err := json.Unmarshal(output, &task); err != nil {
			return "", fmt.Errorf("failed to decode task of %s: %w", endpoint, err)
		}
	}

	return task, nil
}

func (c *Client) set(ctx context.Context, endpoint string, params Params) error {
	_, err := c.run(ctx, "set", endpoint, params)
	return err
}

func (c *Client) delete(ctx context.Context, endpoint string, params Params) error {
	_, err := c.run(ctx, "delete", endpoint, params)
	return err
}

func (c *Client) deleteInto(ctx context.Context, endpoint string, params Params, result any) error {
	output, err := c.run(ctx, "delete", endpoint, params)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(output, result); err != nil {
		return fmt.Errorf("failed to decode response of %s: %w", endpoint, err)
	}

	return nil
}

func (c *Client) run(ctx context.Context, method string, endpoint string, params Params) ([]byte, error) {
	args := buildArgs(method, endpoint, params)

	output, err := c.executor.Execute(ctx, pveshCommand, args...)
	if err != nil {
		return nil, &UpstreamError{
			Command: fmt.Sprintf("%s %s %s", pveshCommand, method, endpoint),
			Err:     err,
		}
	}

	return output, nil
}

func buildArgs(method string, endpoint string, params Params) []string {
	args := []string{method, endpoint}

	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		flag := "-" + strings.ReplaceAll(key, "_", "-")
		args = append(args, flag, fmt.Sprintf("%v", params[key]))
	}

	return append(args, outputFormatFlag)
}
