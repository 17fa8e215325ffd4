package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/orbitlab-cloud/orbitctl/config"
	"github.com/orbitlab-cloud/orbitctl/internal/backplane"
	"github.com/orbitlab-cloud/orbitctl/internal/compute"
	"github.com/orbitlab-cloud/orbitctl/internal/discovery"
	"github.com/orbitlab-cloud/orbitctl/internal/ipam"
	"github.com/orbitlab-cloud/orbitctl/internal/manifest"
	"github.com/orbitlab-cloud/orbitctl/internal/proxmox"
	"github.com/orbitlab-cloud/orbitctl/internal/sector"
	"github.com/orbitlab-cloud/orbitctl/internal/vault"
	"github.com/orbitlab-cloud/orbitctl/pkg/log"
)

var (
	configPath string

	sectorAlias   string
	sectorCIDR    string
	sectorSubnets []string
	sectorTag     int

	launchSector   string
	launchSubnet   string
	launchHostname string
	launchTemplate string
	launchCores    int
	launchMemoryMB int
	launchSwapMB   int
	launchDiskGB   int
	launchStorage  string
	launchPassword bool
	launchSSHKey   string
	launchOnBoot   bool
)

// runtime bundles the collaborators every command wires up from config.
type runtime struct {
	config config.Config
	store  *manifest.Store
	client *proxmox.Client
}

func newRuntime() (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log.Init(log.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSON})

	store, err := manifest.NewStore(cfg.Manifests)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest store: %w", err)
	}

	client := proxmox.New(proxmox.Config{
		PollInterval: cfg.Poll.Interval,
		Timeout:      cfg.Poll.Timeout,
	})

	return &runtime{config: cfg, store: store, client: client}, nil
}

func (r *runtime) openVault() (*vault.Vault, error) {
	secrets, err := vault.Open(vault.Config{Path: r.config.Vault, Store: r.store})
	if err != nil {
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}

	return secrets, nil
}

func (r *runtime) orchestrator(secrets sector.Secrets) *sector.Orchestrator {
	return sector.New(r.client, secrets, r.store, sector.Config{
		Node:            r.config.Node,
		GatewayTemplate: r.config.Appliance.Gateway,
		DNSTemplate:     r.config.Appliance.DNS,
		Storage:         r.config.Appliance.Storage,
		DiskGB:          r.config.Appliance.Disk,
	})
}

func (r *runtime) manager(secrets compute.Secrets) *compute.Manager {
	return compute.New(r.client, secrets, r.store, compute.Config{
		Node:    r.config.Node,
		Storage: r.config.Appliance.Storage,
	})
}

var root = &cobra.Command{
	Use:   "orbitctl",
	Short: "Sector network and container provisioning for Proxmox VE",
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Discover the cluster and bring up the backplane",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true

		rt, err := newRuntime()
		if err != nil {
			return err
		}

		if _, err := discovery.New(rt.client, rt.store).Discover(cmd.Context()); err != nil {
			return fmt.Errorf("failed to discover cluster: %w", err)
		}

		bootstrapper := backplane.New(rt.client, rt.store, backplane.Config{
			Name:                  rt.config.Backplane.Name,
			Alias:                 rt.config.Backplane.Alias,
			ASN:                   rt.config.Backplane.ASN,
			CIDR:                  rt.config.Backplane.CIDR,
			UplinkBridge:          rt.config.Backplane.Uplink,
			EncapsulationOverhead: rt.config.Backplane.Overhead,
		})

		cluster, err := bootstrapper.Initialize(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to initialize backplane: %w", err)
		}

		synced, err := bootstrapper.SyncControllerPeers(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to sync controller peers: %w", err)
		}

		if synced {
			fmt.Println("controller peers updated")
		}

		uplink := cluster.Spec.Backplane
		fmt.Printf("cluster %s ready: %d nodes, backplane %s %s\n",
			cluster.Name, cluster.Metadata.NodeCount, uplink.Name, uplink.CIDRBlock)

		return nil
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Refresh cluster, node and network manifests from the hypervisor",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true

		rt, err := newRuntime()
		if err != nil {
			return err
		}

		cluster, err := discovery.New(rt.client, rt.store).Discover(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to discover cluster: %w", err)
		}

		fmt.Printf("cluster %s: %d nodes (%v)\n",
			cluster.Name, cluster.Metadata.NodeCount, cluster.Spec.NodeNames())

		return nil
	},
}

var sectorCmd = &cobra.Command{
	Use:   "sector",
	Short: "Manage sector networks",
}

var sectorCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a sector with its gateway and dns appliances",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true

		cidr, err := netip.ParsePrefix(sectorCIDR)
		if err != nil {
			return fmt.Errorf("failed to parse cidr: %w", err)
		}

		rt, err := newRuntime()
		if err != nil {
			return err
		}

		secrets, err := rt.openVault()
		if err != nil {
			return err
		}
		defer secrets.Close()

		record, err := rt.orchestrator(secrets).Create(cmd.Context(), sector.CreateRequest{
			Alias:   sectorAlias,
			CIDR:    cidr,
			Subnets: sectorSubnets,
			Tag:     sectorTag,
		})
		if err != nil {
			return err
		}

		fmt.Printf("sector %s (%s) is %s\n", record.Name, record.Metadata.Alias, record.Metadata.State)
		for _, subnet := range record.Spec.Subnets {
			fmt.Printf("  subnet %s %s\n", subnet.Name, subnet.CIDRBlock)
		}

		return nil
	},
}

var sectorResumeCmd = &cobra.Command{
	Use:   "resume <sector>",
	Short: "Finish provisioning a sector stuck in pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		rt, err := newRuntime()
		if err != nil {
			return err
		}

		secrets, err := rt.openVault()
		if err != nil {
			return err
		}
		defer secrets.Close()

		record, err := rt.orchestrator(secrets).Resume(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("sector %s is %s\n", record.Name, record.Metadata.State)

		return nil
	},
}

var sectorDeleteCmd = &cobra.Command{
	Use:   "delete <sector>",
	Short: "Tear down a sector and release everything it held",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		rt, err := newRuntime()
		if err != nil {
			return err
		}

		secrets, err := rt.openVault()
		if err != nil {
			return err
		}
		defer secrets.Close()

		if err := rt.orchestrator(secrets).Delete(cmd.Context(), args[0]); err != nil {
			return err
		}

		fmt.Printf("sector %s deleted\n", args[0])

		return nil
	},
}

var sectorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sectors",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true

		rt, err := newRuntime()
		if err != nil {
			return err
		}

		records, err := rt.orchestrator(nil).List()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tALIAS\tTAG\tSTATE\tCIDR")
		for _, record := range records {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				record.Name, record.Metadata.Alias, record.Metadata.Tag,
				record.Metadata.State, record.Spec.CIDRBlock)
		}

		return w.Flush()
	},
}

var sectorAttachedCmd = &cobra.Command{
	Use:   "attached <sector>",
	Short: "List workload containers attached to a sector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		rt, err := newRuntime()
		if err != nil {
			return err
		}

		attached, err := rt.orchestrator(nil).Attached(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VMID\tHOSTNAME\tADDRESS")
		for _, workload := range attached {
			fmt.Fprintf(w, "%d\t%s\t%s\n", workload.VMID, workload.Hostname, workload.Address)
		}

		return w.Flush()
	},
}

var ipamCmd = &cobra.Command{
	Use:   "ipam",
	Short: "Operate address pools directly",
}

var ipamAssignCmd = &cobra.Command{
	Use:   "assign <pool> <subnet> <vmid>",
	Short: "Assign the next free address of a subnet to a vmid",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		rt, err := newRuntime()
		if err != nil {
			return err
		}

		engine, err := ipam.Open(rt.store, args[0])
		if err != nil {
			return err
		}

		address, err := engine.Assign(args[1], manifest.VMID(args[2]))
		if err != nil {
			return err
		}

		fmt.Println(address)

		return nil
	},
}

var ipamReleaseCmd = &cobra.Command{
	Use:   "release <pool> <subnet> <key>",
	Short: "Release an assignment by vmid or address",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		rt, err := newRuntime()
		if err != nil {
			return err
		}

		engine, err := ipam.Open(rt.store, args[0])
		if err != nil {
			return err
		}

		if err := engine.Release(args[1], args[2]); err != nil {
			return err
		}

		fmt.Printf("released %s from %s/%s\n", args[2], args[0], args[1])

		return nil
	},
}

var ipamFindCmd = &cobra.Command{
	Use:   "find <pool> <vmid>",
	Short: "Find the address a vmid holds in a pool",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		rt, err := newRuntime()
		if err != nil {
			return err
		}

		engine, err := ipam.Open(rt.store, args[0])
		if err != nil {
			return err
		}

		address := engine.Find(manifest.VMID(args[1]))
		if address == "" {
			return fmt.Errorf("vmid %s holds no address in pool %s", args[1], args[0])
		}

		fmt.Println(address)

		return nil
	},
}

var lxcCmd = &cobra.Command{
	Use:   "lxc",
	Short: "Manage workload containers",
}

var lxcLaunchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch a container inside a sector",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true

		rt, err := newRuntime()
		if err != nil {
			return err
		}

		secrets, err := rt.openVault()
		if err != nil {
			return err
		}
		defer secrets.Close()

		record, err := rt.manager(secrets).Launch(cmd.Context(), compute.LaunchRequest{
			Sector:       launchSector,
			Subnet:       launchSubnet,
			Hostname:     launchHostname,
			OSTemplate:   launchTemplate,
			Cores:        launchCores,
			MemoryMB:     launchMemoryMB,
			SwapMB:       launchSwapMB,
			DiskGB:       launchDiskGB,
			Storage:      launchStorage,
			Password:     launchPassword,
			SSHPublicKey: launchSSHKey,
			OnBoot:       launchOnBoot,
		})
		if err != nil {
			return err
		}

		fmt.Printf("container %s (vmid %s) running at %s\n",
			record.Name, record.Spec.VMID, record.Spec.Address)

		return nil
	},
}

var lxcDeleteCmd = &cobra.Command{
	Use:   "delete <container>",
	Short: "Destroy a container and release its address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		rt, err := newRuntime()
		if err != nil {
			return err
		}

		secrets, err := rt.openVault()
		if err != nil {
			return err
		}
		defer secrets.Close()

		if err := rt.manager(secrets).Delete(cmd.Context(), args[0]); err != nil {
			return err
		}

		fmt.Printf("container %s deleted\n", args[0])

		return nil
	},
}

var lxcStartCmd = lxcTransitionCommand("start", "Start a stopped container",
	func(m *compute.Manager) lxcTransition { return m.Start })

var lxcStopCmd = lxcTransitionCommand("stop", "Force stop a container",
	func(m *compute.Manager) lxcTransition { return m.Stop })

var lxcShutdownCmd = lxcTransitionCommand("shutdown", "Shut a container down cleanly",
	func(m *compute.Manager) lxcTransition { return m.Shutdown })

var lxcRebootCmd = lxcTransitionCommand("reboot", "Reboot a container",
	func(m *compute.Manager) lxcTransition { return m.Reboot })

var lxcListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workload containers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true

		rt, err := newRuntime()
		if err != nil {
			return err
		}

		records, err := rt.manager(nil).List()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tHOSTNAME\tSECTOR\tVMID\tSTATUS\tADDRESS")
		for _, record := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				record.Name, record.Metadata.Hostname, record.Metadata.Sector,
				record.Spec.VMID, record.Spec.Status, record.Spec.Address)
		}

		return w.Flush()
	},
}

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Inspect the manifest tree",
}

var manifestListCmd = &cobra.Command{
	Use:   "list [kind]",
	Short: "List manifests, optionally of one kind",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		rt, err := newRuntime()
		if err != nil {
			return err
		}

		kinds := manifest.Kinds()
		if len(args) == 1 {
			kind, err := manifest.ParseKind(args[0])
			if err != nil {
				return err
			}

			kinds = []manifest.Kind{kind}
		}

		for _, kind := range kinds {
			names, err := rt.store.ListExisting(kind)
			if err != nil {
				return err
			}

			for _, name := range names {
				fmt.Printf("%s/%s\n", kind, name)
			}
		}

		return nil
	},
}

var manifestShowCmd = &cobra.Command{
	Use:   "show <kind> <name>",
	Short: "Print one manifest as yaml",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		rt, err := newRuntime()
		if err != nil {
			return err
		}

		kind, err := manifest.ParseKind(args[0])
		if err != nil {
			return err
		}

		record, err := manifest.LoadByKind(rt.store, kind, args[1])
		if err != nil {
			return err
		}

		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)

		return encoder.Encode(record)
	},
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Access stored credentials",
}

var secretRevealCmd = &cobra.Command{
	Use:   "reveal <name>",
	Short: "Print the current value of a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		rt, err := newRuntime()
		if err != nil {
			return err
		}

		secrets, err := rt.openVault()
		if err != nil {
			return err
		}
		defer secrets.Close()

		value, err := secrets.Reveal(manifest.NewRef(manifest.KindSecret, args[0]))
		if err != nil {
			return err
		}

		fmt.Println(value)

		return nil
	},
}

type lxcTransition func(ctx context.Context, id string) (*manifest.LXCManifest, error)

func lxcTransitionCommand(use string, short string, pick func(*compute.Manager) lxcTransition) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <container>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			rt, err := newRuntime()
			if err != nil {
				return err
			}

			record, err := pick(rt.manager(nil))(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("container %s is %s\n", record.Name, record.Spec.Status)

			return nil
		},
	}
}

func init() {
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/orbitctl", "Path to the configuration directory")

	sectorCreateCmd.Flags().StringVar(&sectorAlias, "alias", "", "Human readable sector name")
	sectorCreateCmd.Flags().StringVar(&sectorCIDR, "cidr", "", "Sector network block, e.g. 192.168.0.0/24")
	sectorCreateCmd.Flags().StringSliceVar(&sectorSubnets, "subnet", nil, "Subnet name, repeatable; the block is split evenly across them")
	sectorCreateCmd.Flags().IntVar(&sectorTag, "tag", 0, "Pin the network tag instead of picking the smallest free one")
	sectorCreateCmd.MarkFlagRequired("alias")
	sectorCreateCmd.MarkFlagRequired("cidr")
	sectorCreateCmd.MarkFlagRequired("subnet")

	lxcLaunchCmd.Flags().StringVar(&launchSector, "sector", "", "Sector to launch into")
	lxcLaunchCmd.Flags().StringVar(&launchSubnet, "subnet", "", "Subnet the container attaches to")
	lxcLaunchCmd.Flags().StringVar(&launchHostname, "hostname", "", "Container hostname")
	lxcLaunchCmd.Flags().StringVar(&launchTemplate, "template", "", "OS template volume, e.g. local:vztmpl/debian-12.tar.zst")
	lxcLaunchCmd.Flags().IntVar(&launchCores, "cores", 1, "CPU cores")
	lxcLaunchCmd.Flags().IntVar(&launchMemoryMB, "memory", 512, "Memory in MB")
	lxcLaunchCmd.Flags().IntVar(&launchSwapMB, "swap", 0, "Swap in MB")
	lxcLaunchCmd.Flags().IntVar(&launchDiskGB, "disk", 8, "Root disk size in GB")
	lxcLaunchCmd.Flags().StringVar(&launchStorage, "storage", "", "Storage pool for the root disk")
	lxcLaunchCmd.Flags().BoolVar(&launchPassword, "password", false, "Generate a root password secret")
	lxcLaunchCmd.Flags().StringVar(&launchSSHKey, "ssh-key", "", "Root ssh public key")
	lxcLaunchCmd.Flags().BoolVar(&launchOnBoot, "onboot", false, "Start the container on node boot")
	lxcLaunchCmd.MarkFlagRequired("sector")
	lxcLaunchCmd.MarkFlagRequired("subnet")
	lxcLaunchCmd.MarkFlagRequired("hostname")
	lxcLaunchCmd.MarkFlagRequired("template")

	sectorCmd.AddCommand(sectorCreateCmd, sectorResumeCmd, sectorDeleteCmd, sectorListCmd, sectorAttachedCmd)
	ipamCmd.AddCommand(ipamAssignCmd, ipamReleaseCmd, ipamFindCmd)
	lxcCmd.AddCommand(lxcLaunchCmd, lxcDeleteCmd, lxcStartCmd, lxcStopCmd, lxcShutdownCmd, lxcRebootCmd, lxcListCmd)
	manifestCmd.AddCommand(manifestListCmd, manifestShowCmd)
	secretCmd.AddCommand(secretRevealCmd)

	root.AddCommand(initCmd, discoverCmd, sectorCmd, ipamCmd, lxcCmd, manifestCmd, secretCmd)
}

func main() {
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
