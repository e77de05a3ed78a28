package ipam

import (
	"net/netip"
	"testing"
)

func FuzzSubnetAt(f *testing.F) {
	f.Add("10.210.0.0/16", 0)
	f.Add("10.0.0.0/8", 65535)
	f.Add("192.168.0.0/16", 255)

	f.Fuzz(func(t *testing.T, networkStr string, index int) {
		network, err := netip.ParsePrefix(networkStr)
		if err != nil {
			return
		}
		size, err := SubnetCount(network)
		if err != nil {
			return
		}
		if index < 0 || index >= size {
			return
		}

		result, err := SubnetAt(network.Masked(), index)
		if err != nil {
			t.Fatalf("SubnetAt(%v, %d): %v", network, index, err)
		}

		if !network.Masked().Contains(result.Addr()) {
			t.Errorf("result %v not within %v", result, network)
		}
		if result.Bits() != SubnetBits {
			t.Errorf("result prefix length %d, want %d", result.Bits(), SubnetBits)
		}

		// SubnetAt must be the inverse of IndexRange.
		lo, hi, ok := IndexRange(network.Masked(), result)
		if !ok || lo != index || hi != index {
			t.Errorf("IndexRange(%v, %v) = %d, %d, %v, want %d, %d, true",
				network, result, lo, hi, ok, index, index)
		}
	})
}
