package validate

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_SectorRequest(t *testing.T) {
	testCases := []struct {
		name    string
		alias   string
		cidr    netip.Prefix
		subnets []string
		wantErr bool
		err     error
	}{
		{
			name:    "happy path",
			alias:   "Staging Lab",
			cidr:    netip.MustParsePrefix("10.0.1.0/24"),
			subnets: []string{"default", "dmz"},
			wantErr: false,
		},
		{
			name:    "empty alias",
			alias:   "",
			cidr:    netip.MustParsePrefix("10.0.1.0/24"),
			subnets: []string{"default"},
			wantErr: true,
			err:     ErrEmptyAlias,
		},
		{
			name:    "alias too big",
			alias:   strings.Repeat("a", MaxAliasLength+1),
			cidr:    netip.MustParsePrefix("10.0.1.0/24"),
			subnets: []string{"default"},
			wantErr: true,
			err:     ErrAliasTooBig,
		},
		{
			name:    "invalid alias",
			alias:   "lab&stuff",
			cidr:    netip.MustParsePrefix("10.0.1.0/24"),
			subnets: []string{"default"},
			wantErr: true,
			err:     ErrInvalidAlias,
		},
		{
			name:    "unmasked cidr",
			alias:   "Staging Lab",
			cidr:    netip.MustParsePrefix("10.0.1.5/24"),
			subnets: []string{"default"},
			wantErr: true,
			err:     ErrInvalidCIDR,
		},
		{
			name:    "ipv6 cidr",
			alias:   "Staging Lab",
			cidr:    netip.MustParsePrefix("fd00::/64"),
			subnets: []string{"default"},
			wantErr: true,
			err:     ErrInvalidCIDR,
		},
		{
			name:    "prefix too long",
			alias:   "Staging Lab",
			cidr:    netip.MustParsePrefix("10.0.1.0/25"),
			subnets: []string{"default"},
			wantErr: true,
			err:     ErrPrefixOutOfRange,
		},
		{
			name:    "prefix too short",
			alias:   "Staging Lab",
			cidr:    netip.MustParsePrefix("0.0.0.0/0"),
			subnets: []string{"default"},
			wantErr: true,
			err:     ErrPrefixOutOfRange,
		},
		{
			name:    "no subnets",
			alias:   "Staging Lab",
			cidr:    netip.MustParsePrefix("10.0.1.0/24"),
			subnets: []string{},
			wantErr: true,
			err:     ErrNoSubnets,
		},
		{
			name:    "invalid subnet name",
			alias:   "Staging Lab",
			cidr:    netip.MustParsePrefix("10.0.1.0/24"),
			subnets: []string{"Default"},
			wantErr: true,
			err:     ErrInvalidSubnetName,
		},
		{
			name:    "duplicate subnet name",
			alias:   "Staging Lab",
			cidr:    netip.MustParsePrefix("10.0.1.0/24"),
			subnets: []string{"default", "default"},
			wantErr: true,
			err:     ErrDuplicateSubnetName,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := SectorRequest(tc.alias, tc.cidr, tc.subnets)
			if tc.wantErr {
				assert.ErrorIs(t, err, tc.err)
				return
			}

			assert.NoError(t, err)
		})
	}
}

func Test_Tag(t *testing.T) {
	testCases := []struct {
		name    string
		tag     int
		wantErr bool
	}{
		{name: "lower bound", tag: 1000},
		{name: "upper bound", tag: 9999},
		{name: "below range", tag: 999, wantErr: true},
		{name: "above range", tag: 10000, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := Tag(tc.tag, 1000, 9999)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrTagOutOfRange)
				return
			}

			assert.NoError(t, err)
		})
	}
}

func Test_Hostname(t *testing.T) {
	testCases := []struct {
		name     string
		hostname string
		wantErr  bool
		err      error
	}{
		{name: "happy path", hostname: "web-01"},
		{name: "single char", hostname: "a"},
		{name: "empty", hostname: "", wantErr: true, err: ErrEmptyHostname},
		{name: "uppercase", hostname: "Web-01", wantErr: true, err: ErrInvalidHostname},
		{name: "trailing dash", hostname: "web-", wantErr: true, err: ErrInvalidHostname},
		{name: "dotted", hostname: "web.01", wantErr: true, err: ErrInvalidHostname},
		{
			name:     "too big",
			hostname: strings.Repeat("a", MaxHostnameLength+1),
			wantErr:  true,
			err:      ErrHostnameTooBig,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := Hostname(tc.hostname)
			if tc.wantErr {
				assert.ErrorIs(t, err, tc.err)
				return
			}

			assert.NoError(t, err)
		})
	}
}

func Test_LXC(t *testing.T) {
	valid := LXCRequest{
		Hostname:   "web-01",
		OSTemplate: "local:vztmpl/debian-12-standard_12.2-1_amd64.tar.zst",
		Cores:      2,
		MemoryMB:   1024,
		SwapMB:     512,
		DiskGB:     8,
	}

	testCases := []struct {
		name    string
		mutate  func(*LXCRequest)
		wantErr bool
		err     error
	}{
		{
			name:   "happy path",
			mutate: func(*LXCRequest) {},
		},
		{
			name:    "empty os template",
			mutate:  func(r *LXCRequest) { r.OSTemplate = "" },
			wantErr: true,
			err:     ErrEmptyOSTemplate,
		},
		{
			name:    "zero cores",
			mutate:  func(r *LXCRequest) { r.Cores = 0 },
			wantErr: true,
			err:     ErrNonPositiveCores,
		},
		{
			name:    "memory too small",
			mutate:  func(r *LXCRequest) { r.MemoryMB = 32 },
			wantErr: true,
			err:     ErrMemoryTooSmall,
		},
		{
			name:    "negative swap",
			mutate:  func(r *LXCRequest) { r.SwapMB = -1 },
			wantErr: true,
			err:     ErrNegativeSwap,
		},
		{
			name:    "zero disk",
			mutate:  func(r *LXCRequest) { r.DiskGB = 0 },
			wantErr: true,
			err:     ErrNonPositiveDiskSize,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			request := valid
			tc.mutate(&request)

			err := LXC(request)
			if tc.wantErr {
				assert.ErrorIs(t, err, tc.err)
				return
			}

			assert.NoError(t, err)
		})
	}
}
