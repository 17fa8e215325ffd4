package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/orbitlab-cloud/orbitctl/pkg/log"
)

const (
	DefaultManifestDir = "/var/lib/orbitctl/manifests"
	DefaultVaultPath   = "/var/lib/orbitctl/vault.db"

	configName = "orbitctl"
	envPrefix  = "ORBITCTL"
)

// Config is the full orbitctl configuration. Every field has a working
// default so an empty file, or no file at all, yields a usable setup.
type Config struct {
	// Manifests is the directory holding the manifest tree.
	Manifests string

	// Vault is the path of the secret database file.
	Vault string

	// Node is the cluster node that hosts appliance and workload
	// containers. Empty means the local hostname.
	Node string

	Backplane Backplane
	Appliance Appliance
	Poll      Poll
	Log       Log
}

// Backplane tunes the shared uplink network. Zero fields fall back to the
// bootstrapper defaults.
type Backplane struct {
	Name     string
	Alias    string
	ASN      int
	CIDR     netip.Prefix
	Uplink   string
	Overhead int
}

// Appliance selects the templates and storage for sector gateway and dns
// containers.
type Appliance struct {
	Gateway string
	DNS     string
	Storage string
	Disk    int
}

// Poll controls how hypervisor tasks are awaited.
type Poll struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Log selects the log level and output format.
type Log struct {
	Level log.Level
	JSON  bool
}

// Load reads orbitctl.yaml from the given directory, merged with ORBITCTL_*
// environment variables. A missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(path)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("manifests", DefaultManifestDir)
	v.SetDefault("vault", DefaultVaultPath)
	v.SetDefault("node", "")
	v.SetDefault("log.level", string(log.InfoLevel))

	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := Config{}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
		))); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}
