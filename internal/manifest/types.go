package manifest

import (
	"fmt"
	"net/netip"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Prefix wraps netip.Prefix so manifests round-trip it as a plain CIDR
// scalar. It holds networks ("10.0.1.0/24") and interface addresses
// ("10.0.1.11/24") alike.
type Prefix struct {
	netip.Prefix
}

func NewPrefix(prefix netip.Prefix) Prefix {
	return Prefix{Prefix: prefix}
}

func (p Prefix) IsZero() bool {
	return !p.IsValid()
}

func (p Prefix) MarshalYAML() (any, error) {
	return p.String(), nil
}

func (p *Prefix) UnmarshalYAML(node *yaml.Node) error {
	var value string
	if err := node.Decode(&value); err != nil {
		return err
	}

	prefix, err := netip.ParsePrefix(value)
	if err != nil {
		return fmt.Errorf("failed to parse prefix: %w", err)
	}

	p.Prefix = prefix

	return nil
}

// Addr wraps netip.Addr for the same reason.
type Addr struct {
	netip.Addr
}

func NewAddr(addr netip.Addr) Addr {
	return Addr{Addr: addr}
}

func (a Addr) IsZero() bool {
	return !a.IsValid()
}

func (a Addr) MarshalYAML() (any, error) {
	return a.String(), nil
}

func (a *Addr) UnmarshalYAML(node *yaml.Node) error {
	var value string
	if err := node.Decode(&value); err != nil {
		return err
	}

	addr, err := netip.ParseAddr(value)
	if err != nil {
		return fmt.Errorf("failed to parse address: %w", err)
	}

	a.Addr = addr

	return nil
}

// VMID is a hypervisor resource id. Manifests written by hand may carry it
// as a bare integer or a string; both decode to the string form so
// comparisons are uniform.
type VMID string

func (v VMID) IsZero() bool {
	return v == ""
}

func (v VMID) String() string {
	return string(v)
}

// Int converts the id to its numeric form for hypervisor calls.
func (v VMID) Int() (int, error) {
	id, err := strconv.Atoi(string(v))
	if err != nil {
		return 0, fmt.Errorf("failed to parse vmid %q: %w", string(v), err)
	}

	return id, nil
}

func (v *VMID) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err == nil {
		*v = VMID(text)
		return nil
	}

	var number int
	if err := node.Decode(&number); err != nil {
		return fmt.Errorf("failed to decode vmid: %w", err)
	}

	*v = VMID(strconv.Itoa(number))

	return nil
}
