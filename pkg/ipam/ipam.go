// Package ipam carves fixed-size /24 subnets out of configured IPv4
// pools and tracks which ones are leased.
package ipam

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"
)

// SubnetBits is the prefix length of every lease.
const SubnetBits = 24

// Pool is one ordered range /24 subnets are carved from.
type Pool struct {
	Name    string
	Network netip.Prefix
}

// SubnetCount returns how many /24 subnets fit in network.
func SubnetCount(network netip.Prefix) (int, error) {
	if !network.IsValid() {
		return 0, fmt.Errorf("network cidr is required")
	}
	network = network.Masked()
	if !network.Addr().Is4() {
		return 0, fmt.Errorf("only ipv4 network cidr is supported")
	}
	if network.Bits() > SubnetBits {
		return 0, fmt.Errorf("network %s is narrower than /%d", network, SubnetBits)
	}
	return 1 << (SubnetBits - network.Bits()), nil
}

// SubnetAt returns the index-th /24 inside network, counting from the
// network base address.
func SubnetAt(network netip.Prefix, index int) (netip.Prefix, error) {
	size, err := SubnetCount(network)
	if err != nil {
		return netip.Prefix{}, err
	}
	if index < 0 || index >= size {
		return netip.Prefix{}, fmt.Errorf("subnet index %d out of range for %s", index, network)
	}
	start, _, err := PrefixRange4(network)
	if err != nil {
		return netip.Prefix{}, err
	}
	step := uint32(1) << (32 - SubnetBits)
	base := start + uint32(index)*step
	return netip.PrefixFrom(Uint32ToAddr(base), SubnetBits), nil
}

// IndexRange returns the half-open-inclusive range of /24 indices in
// network that p overlaps, and false when there is no overlap.
func IndexRange(network, p netip.Prefix) (int, int, bool) {
	nStart, nEnd, err := PrefixRange4(network.Masked())
	if err != nil {
		return 0, 0, false
	}
	pStart, pEnd, err := PrefixRange4(p.Masked())
	if err != nil {
		return 0, 0, false
	}
	if !RangesOverlap(nStart, nEnd, pStart, pEnd) {
		return 0, 0, false
	}
	step := uint32(1) << (32 - SubnetBits)
	lo := pStart
	if lo < nStart {
		lo = nStart
	}
	hi := pEnd
	if hi > nEnd {
		hi = nEnd
	}
	return int((lo - nStart) / step), int((hi - nStart) / step), true
}

// PrefixRange4 returns the first and last address of p as uint32s.
func PrefixRange4(p netip.Prefix) (uint32, uint32, error) {
	p = p.Masked()
	if !p.Addr().Is4() {
		return 0, 0, fmt.Errorf("prefix %s is not ipv4", p)
	}
	b := p.Addr().As4()
	start := binary.BigEndian.Uint32(b[:])
	hostBits := 32 - p.Bits()
	if hostBits <= 0 {
		return start, start, nil
	}
	if hostBits >= 32 {
		return 0, math.MaxUint32, nil
	}
	size := uint32(1) << hostBits
	return start, start + size - 1, nil
}

// RangesOverlap reports whether [aStart,aEnd] and [bStart,bEnd] intersect.
func RangesOverlap(aStart, aEnd, bStart, bEnd uint32) bool {
	return !(aEnd < bStart || bEnd < aStart)
}

// Uint32ToAddr converts a big-endian uint32 to an IPv4 netip.Addr.
func Uint32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
