package manifest

import (
	"crypto/rand"
	"fmt"
	"slices"
)

type LXCState string

const (
	LXCStateStarting LXCState = "starting"
	LXCStateRunning  LXCState = "running"
	LXCStateStopped  LXCState = "stopped"
)

const lxcIDPrefix = "lxc-"

const lxcIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

type LXCMetadata struct {
	Sector   string `yaml:"sector"`
	Hostname string `yaml:"hostname"`
	OnBoot   bool   `yaml:"on_boot"`
}

type LXCSpec struct {
	Status       LXCState `yaml:"status"`
	Node         string   `yaml:"node"`
	OSTemplate   string   `yaml:"os_template"`
	DiskStorage  string   `yaml:"disk_storage"`
	DiskSizeGB   int      `yaml:"disk_size"`
	Subnet       string   `yaml:"subnet"`
	Cores        int      `yaml:"cores"`
	MemoryMB     int      `yaml:"memory"`
	SwapMB       int      `yaml:"swap"`
	Password     Ref      `yaml:"password,omitempty"`
	SSHPublicKey string   `yaml:"ssh_public_key,omitempty"`
	VMID         VMID     `yaml:"vmid,omitempty"`
	Address      Prefix   `yaml:"address,omitempty"`
}

type LXCManifest = Manifest[LXCMetadata, LXCSpec]

func LoadLXC(store *Store, name string) (*LXCManifest, error) {
	return load[LXCMetadata, LXCSpec](store, KindLXC, name)
}

// NewLXCID generates a container manifest name that does not collide with
// the existing ones.
func NewLXCID(existing []string) (string, error) {
	for {
		random := make([]byte, 12)
		if _, err := rand.Read(random); err != nil {
			return "", fmt.Errorf("failed to generate lxc id: %w", err)
		}

		for i, b := range random {
			random[i] = lxcIDAlphabet[int(b)%len(lxcIDAlphabet)]
		}

		id := lxcIDPrefix + string(random)
		if !slices.Contains(existing, id) {
			return id, nil
		}
	}
}

func NewLXC(id string, metadata LXCMetadata, spec LXCSpec) *LXCManifest {
	spec.Status = LXCStateStarting

	return &LXCManifest{
		Kind:     KindLXC,
		Name:     id,
		Metadata: metadata,
		Spec:     spec,
	}
}
