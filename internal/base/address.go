package base

import "strconv"

// Address identifies a node slot in a node store. For disk stores it is the
// page index within the page file.
type Address uint64

const (
	// Unallocated is the reserved sentinel address. Page 0 of a page file is
	// the file header, so no node ever lives there.
	Unallocated Address = 0

	// RootAddress is where every tree keeps its root. Root splits and root
	// collapses rewrite this slot instead of moving the root elsewhere.
	RootAddress Address = 1
)

func (a Address) String() string {
	if a == Unallocated {
		return "unallocated"
	}
	return strconv.FormatUint(uint64(a), 10)
}
