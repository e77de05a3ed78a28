package ipam

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// ErrExhausted is returned by Allocate when every pool is full.
var ErrExhausted = errors.New("all subnet pools exhausted")

// Lease is one allocated /24.
type Lease struct {
	Pool        string
	Index       int
	Prefix      netip.Prefix
	AllocatedAt time.Time
}

// Allocator hands out /24 leases from ordered pools. Pools are walked
// in declared order; within a pool, indices are scanned from a moving
// hint, so allocation is O(1) amortized. Safe for concurrent use.
type Allocator struct {
	mu    sync.Mutex
	pools []*poolState
	now   func() time.Time
}

type poolState struct {
	name    string
	network netip.Prefix
	size    int
	used    []bool
	inUse   int
	next    int // scan hint: first index possibly free
}

// New validates the pools (IPv4, at least /24 wide, pairwise disjoint,
// unique names) and returns an allocator with every index free.
func New(pools []Pool) (*Allocator, error) {
	if len(pools) == 0 {
		return nil, fmt.Errorf("at least one pool is required")
	}
	a := &Allocator{now: time.Now}
	seen := make(map[string]bool, len(pools))
	for _, p := range pools {
		if p.Name == "" {
			return nil, fmt.Errorf("pool with empty name")
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate pool name %q", p.Name)
		}
		seen[p.Name] = true

		size, err := SubnetCount(p.Network)
		if err != nil {
			return nil, fmt.Errorf("pool %q: %w", p.Name, err)
		}
		network := p.Network.Masked()
		nStart, nEnd, err := PrefixRange4(network)
		if err != nil {
			return nil, fmt.Errorf("pool %q: %w", p.Name, err)
		}
		for _, prev := range a.pools {
			pStart, pEnd, _ := PrefixRange4(prev.network)
			if RangesOverlap(nStart, nEnd, pStart, pEnd) {
				return nil, fmt.Errorf("pool %q overlaps pool %q", p.Name, prev.name)
			}
		}
		a.pools = append(a.pools, &poolState{
			name:    p.Name,
			network: network,
			size:    size,
			used:    make([]bool, size),
		})
	}
	return a, nil
}

// Allocate returns the first free /24, walking pools in declared order.
func (a *Allocator) Allocate() (Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range a.pools {
		if p.inUse == p.size {
			continue
		}
		for off := 0; off < p.size; off++ {
			idx := (p.next + off) % p.size
			if p.used[idx] {
				continue
			}
			p.used[idx] = true
			p.inUse++
			p.next = (idx + 1) % p.size
			prefix, err := SubnetAt(p.network, idx)
			if err != nil {
				// Cannot happen for a validated pool; keep the
				// index used rather than corrupt the books.
				return Lease{}, err
			}
			return Lease{
				Pool:        p.name,
				Index:       idx,
				Prefix:      prefix,
				AllocatedAt: a.now(),
			}, nil
		}
	}
	return Lease{}, ErrExhausted
}

// Release frees a lease. Idempotent: releasing a lease that is not
// held (or unknown) returns false and changes nothing.
func (a *Allocator) Release(l Lease) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.pool(l.Pool)
	if p == nil || l.Index < 0 || l.Index >= p.size || !p.used[l.Index] {
		return false
	}
	p.used[l.Index] = false
	p.inUse--
	if l.Index < p.next {
		p.next = l.Index
	}
	return true
}

// ReleaseByPrefix frees every /24 index that prefix overlaps, the
// inverse of MarkUsed for leases adopted from outside the process.
// Returns the number of indices freed.
func (a *Allocator) ReleaseByPrefix(prefix netip.Prefix) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	freed := 0
	for _, p := range a.pools {
		lo, hi, ok := IndexRange(p.network, prefix)
		if !ok {
			continue
		}
		for idx := lo; idx <= hi && idx < p.size; idx++ {
			if !p.used[idx] {
				continue
			}
			p.used[idx] = false
			p.inUse--
			freed++
			if idx < p.next {
				p.next = idx
			}
		}
	}
	return freed
}

// MarkUsed reserves every /24 index that prefix overlaps, for startup
// reconciliation against externally observed networks. Returns the
// number of indices newly marked; 0 means the prefix lies outside all
// pools or was already reserved.
func (a *Allocator) MarkUsed(prefix netip.Prefix) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	marked := 0
	for _, p := range a.pools {
		lo, hi, ok := IndexRange(p.network, prefix)
		if !ok {
			continue
		}
		for idx := lo; idx <= hi && idx < p.size; idx++ {
			if p.used[idx] {
				continue
			}
			p.used[idx] = true
			p.inUse++
			marked++
		}
	}
	return marked
}

// Capacity is the total number of /24 indices across all pools.
func (a *Allocator) Capacity() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, p := range a.pools {
		total += p.size
	}
	return total
}

// Free is the number of unleased indices.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	free := 0
	for _, p := range a.pools {
		free += p.size - p.inUse
	}
	return free
}

func (a *Allocator) pool(name string) *poolState {
	for _, p := range a.pools {
		if p.name == name {
			return p
		}
	}
	return nil
}
