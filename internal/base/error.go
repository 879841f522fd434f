package base

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("node not found")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrCorruption           = errors.New("data corruption detected")
	ErrInvariant            = errors.New("tree invariant violated")

	ErrInvalidMagicNumber = fmt.Errorf("%w: invalid magic number", ErrCorruption)
	ErrInvalidVersion     = fmt.Errorf("%w: invalid format version", ErrCorruption)
	ErrInvalidChecksum    = fmt.Errorf("%w: invalid checksum", ErrCorruption)
	ErrInvalidPageSize    = fmt.Errorf("%w: page size mismatch", ErrInvalidConfiguration)
)
