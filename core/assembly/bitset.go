package assembly

// bitset records received chunk indices, one bit per index.
type bitset []uint64

func (b bitset) has(i int) bool {
	return b[i/64]&(1<<(uint(i)%64)) != 0
}

func (b bitset) set(i int) {
	b[i/64] |= 1 << (uint(i) % 64)
}

// resize returns a bitset sized for n indices. Bits below n are kept and
// bits at or above n are cleared.
func (b bitset) resize(n int) bitset {
	out := make(bitset, (n+63)/64)
	copy(out, b)
	if tail := n % 64; tail != 0 {
		out[len(out)-1] &= (1 << uint(tail)) - 1
	}
	return out
}
