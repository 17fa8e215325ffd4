package netutil

import (
	"errors"
	"fmt"
	"math/bits"
	"net/netip"
)

var (
	ErrNotIPv4            = errors.New("not an ipv4 prefix")
	ErrInvalidSubnetCount = errors.New("subnet count must be positive")
	ErrPrefixTooSmall     = errors.New("prefix cannot fit the requested subnets")
	ErrNoUsableHost       = errors.New("no usable host at this position")
)

// SplitPrefix carves cidr into equal subnets and returns the first count of
// them in address order. The subnet prefix length grows by the number of bits
// needed to enumerate count subnets, so asking for 3 subnets of a /24 yields
// three of the four possible /26s.
func SplitPrefix(cidr netip.Prefix, count int) ([]netip.Prefix, error) {
	if count < 1 {
		return nil, ErrInvalidSubnetCount
	}

	cidr = cidr.Masked()
	base, err := addrValue(cidr.Addr())
	if err != nil {
		return nil, err
	}

	length := cidr.Bits() + bits.Len(uint(count-1))
	if length > 30 {
		return nil, fmt.Errorf("splitting /%d into %d subnets: %w", cidr.Bits(), count, ErrPrefixTooSmall)
	}

	step := uint32(1) << (32 - length)
	subnets := make([]netip.Prefix, 0, count)
	for i := 0; i < count; i++ {
		subnets = append(subnets, netip.PrefixFrom(valueAddr(base+uint32(i)*step), length))
	}

	return subnets, nil
}

// HostAt returns the n-th usable host address of the prefix, 1-based. The
// network and broadcast addresses are excluded.
func HostAt(prefix netip.Prefix, n int) (netip.Addr, error) {
	if n < 1 || n > UsableHosts(prefix) {
		return netip.Addr{}, fmt.Errorf("host %d in %s: %w", n, prefix, ErrNoUsableHost)
	}

	base, err := addrValue(prefix.Masked().Addr())
	if err != nil {
		return netip.Addr{}, err
	}

	return valueAddr(base + uint32(n)), nil
}

// UsableHosts returns the number of assignable host addresses in the prefix.
func UsableHosts(prefix netip.Prefix) int {
	if !prefix.Addr().Unmap().Is4() || prefix.Bits() > 30 {
		return 0
	}

	return (1 << (32 - prefix.Bits())) - 2
}

// Broadcast returns the broadcast address of the prefix.
func Broadcast(prefix netip.Prefix) (netip.Addr, error) {
	base, err := addrValue(prefix.Masked().Addr())
	if err != nil {
		return netip.Addr{}, err
	}

	return valueAddr(base | (1<<(32-prefix.Bits()) - 1)), nil
}

// DefaultGateway returns the first usable host of the prefix, carrying the
// prefix length of the subnet it fronts.
func DefaultGateway(prefix netip.Prefix) (netip.Prefix, error) {
	gateway, err := HostAt(prefix, 1)
	if err != nil {
		return netip.Prefix{}, err
	}

	return netip.PrefixFrom(gateway, prefix.Bits()), nil
}

func addrValue(addr netip.Addr) (uint32, error) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return 0, fmt.Errorf("%s: %w", addr, ErrNotIPv4)
	}

	octets := addr.As4()

	return uint32(octets[0])<<24 | uint32(octets[1])<<16 | uint32(octets[2])<<8 | uint32(octets[3]), nil
}

func valueAddr(value uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(value >> 24), byte(value >> 16), byte(value >> 8), byte(value)})
}
