package ga

import "fmt"

// Address is an opaque 64-bit global address. It packs the owning rank, the
// registration key, and a byte offset into the registered region.
//
//	bits 63..48 rank
//	bits 47..32 key
//	bits 31..0  offset
type Address uint64

// Key identifies a registered region within one process.
type Key uint16

const (
	// AddressNull is the zero address; it never names registered memory.
	AddressNull Address = 0

	// BootstrapKey is the key of the per-rank bootstrap region every process owns.
	BootstrapKey Key = 1

	rankShift = 48
	keyShift  = 32
	maxOffset = 1<<32 - 1

	// MaxRanks is the largest world size an Address can express.
	MaxRanks = 1 << 16
)

// MakeAddress packs rank, key and offset into an Address.
func MakeAddress(rank int, key Key, offset uint64) Address {
	return Address(uint64(rank)<<rankShift | uint64(key)<<keyShift | offset&maxOffset)
}

// Rank returns the rank that owns the addressed memory.
func (a Address) Rank() int {
	return int(uint64(a) >> rankShift)
}

// Key returns the registration key of the addressed region.
func (a Address) Key() Key {
	return Key(uint64(a) >> keyShift)
}

// Offset returns the byte offset into the addressed region.
func (a Address) Offset() uint64 {
	return uint64(a) & maxOffset
}

// Add returns the address off bytes past a within the same region.
func (a Address) Add(off uint64) Address {
	return MakeAddress(a.Rank(), a.Key(), a.Offset()+off)
}

// IsNull reports whether a is the null address.
func (a Address) IsNull() bool {
	return a == AddressNull
}

func (a Address) String() string {
	if a.IsNull() {
		return "ga(null)"
	}
	return fmt.Sprintf("ga(%d:%d+%d)", a.Rank(), a.Key(), a.Offset())
}
