package validate

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"

	"github.com/samber/lo"
)

const (
	// MaxAliasLength bounds the human readable sector name.
	MaxAliasLength = 64

	// MaxSubnets bounds how many subnets a sector CIDR is split into.
	MaxSubnets = 64

	// MaxHostnameLength is the DNS label limit.
	MaxHostnameLength = 63

	// MinPrefixBits and MaxPrefixBits bound sector CIDR sizes. Anything
	// smaller than /24 cannot be split without losing its usable range.
	MinPrefixBits = 8
	MaxPrefixBits = 24

	// MinMemoryMB is the smallest bootable container memory size.
	MinMemoryMB = 64
)

var (
	ErrEmptyAlias          = errors.New("empty sector alias")
	ErrAliasTooBig         = errors.New("sector alias too big")
	ErrInvalidAlias        = errors.New("invalid sector alias")
	ErrInvalidCIDR         = errors.New("cidr must be a masked ipv4 prefix")
	ErrPrefixOutOfRange    = errors.New("cidr prefix length out of range")
	ErrNoSubnets           = errors.New("empty subnets list")
	ErrTooManySubnets      = errors.New("too many subnets")
	ErrEmptySubnetName     = errors.New("empty subnet name")
	ErrInvalidSubnetName   = errors.New("invalid subnet name")
	ErrDuplicateSubnetName = errors.New("duplicate subnet name")
	ErrTagOutOfRange       = errors.New("tag out of range")
	ErrEmptyHostname       = errors.New("empty hostname")
	ErrHostnameTooBig      = errors.New("hostname too big")
	ErrInvalidHostname     = errors.New("invalid hostname")
	ErrEmptyOSTemplate     = errors.New("empty os template")
	ErrNonPositiveCores    = errors.New("non positive cores count")
	ErrMemoryTooSmall      = errors.New("memory too small")
	ErrNegativeSwap        = errors.New("negative swap size")
	ErrNonPositiveDiskSize = errors.New("non positive disk size")
)

var (
	aliasPattern      = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9 _-]*$`)
	subnetNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	hostnamePattern   = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
)

// LXCRequest is the user supplied part of a container launch.
type LXCRequest struct {
	Hostname   string
	OSTemplate string
	Cores      int
	MemoryMB   int
	SwapMB     int
	DiskGB     int
}

// SectorRequest checks the user supplied parameters of a sector creation.
func SectorRequest(alias string, cidr netip.Prefix, subnets []string) error {
	if err := Alias(alias); err != nil {
		return err
	}

	if err := CIDR(cidr); err != nil {
		return err
	}

	return subnetNames(subnets)
}

// Alias checks a sector alias.
func Alias(alias string) error {
	switch {
	case alias == "":
		return ErrEmptyAlias
	case len(alias) > MaxAliasLength:
		return fmt.Errorf("%w: %d > %d", ErrAliasTooBig, len(alias), MaxAliasLength)
	case !aliasPattern.MatchString(alias):
		return fmt.Errorf("%w: %q", ErrInvalidAlias, alias)
	}

	return nil
}

// CIDR checks a sector network block. The prefix must be a masked IPv4
// network between /8 and /24.
func CIDR(cidr netip.Prefix) error {
	if !cidr.IsValid() || !cidr.Addr().Is4() || cidr.Masked() != cidr {
		return fmt.Errorf("%w: %s", ErrInvalidCIDR, cidr)
	}

	if cidr.Bits() < MinPrefixBits || cidr.Bits() > MaxPrefixBits {
		return fmt.Errorf("%w: /%d", ErrPrefixOutOfRange, cidr.Bits())
	}

	return nil
}

// Tag checks a VXLAN tag against the range reserved for sectors.
func Tag(tag int, start int, end int) error {
	if tag < start || tag > end {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrTagOutOfRange, tag, start, end)
	}

	return nil
}

// Hostname checks a container hostname.
func Hostname(name string) error {
	switch {
	case name == "":
		return ErrEmptyHostname
	case len(name) > MaxHostnameLength:
		return fmt.Errorf("%w: %d > %d", ErrHostnameTooBig, len(name), MaxHostnameLength)
	case !hostnamePattern.MatchString(name):
		return fmt.Errorf("%w: %q", ErrInvalidHostname, name)
	}

	return nil
}

// LXC checks the user supplied parameters of a container launch.
func LXC(request LXCRequest) error {
	if err := Hostname(request.Hostname); err != nil {
		return err
	}

	switch {
	case request.OSTemplate == "":
		return ErrEmptyOSTemplate
	case request.Cores <= 0:
		return fmt.Errorf("%w: %d", ErrNonPositiveCores, request.Cores)
	case request.MemoryMB < MinMemoryMB:
		return fmt.Errorf("%w: %d < %d", ErrMemoryTooSmall, request.MemoryMB, MinMemoryMB)
	case request.SwapMB < 0:
		return fmt.Errorf("%w: %d", ErrNegativeSwap, request.SwapMB)
	case request.DiskGB <= 0:
		return fmt.Errorf("%w: %d", ErrNonPositiveDiskSize, request.DiskGB)
	}

	return nil
}

func subnetNames(subnets []string) error {
	if len(subnets) == 0 {
		return ErrNoSubnets
	}

	if len(subnets) > MaxSubnets {
		return fmt.Errorf("%w: %d > %d", ErrTooManySubnets, len(subnets), MaxSubnets)
	}

	for _, name := range subnets {
		switch {
		case name == "":
			return ErrEmptySubnetName
		case !subnetNamePattern.MatchString(name):
			return fmt.Errorf("%w: %q", ErrInvalidSubnetName, name)
		}
	}

	if duplicates := lo.FindDuplicates(subnets); len(duplicates) > 0 {
		return fmt.Errorf("%w: %v", ErrDuplicateSubnetName, duplicates)
	}

	return nil
}
