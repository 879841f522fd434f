package fsindex

import (
	"errors"

	"github.com/alexhholmes/fsindex/internal/base"
	"github.com/alexhholmes/fsindex/internal/btree"
	"github.com/alexhholmes/fsindex/internal/storage"
)

var (
	ErrClosed = errors.New("index is closed")

	ErrNotFound             = base.ErrNotFound
	ErrInvalidConfiguration = base.ErrInvalidConfiguration
	ErrCorruption           = base.ErrCorruption
	ErrInvariant            = base.ErrInvariant
	ErrInvalidMagicNumber   = base.ErrInvalidMagicNumber
	ErrInvalidVersion       = base.ErrInvalidVersion
	ErrInvalidChecksum      = base.ErrInvalidChecksum
	ErrInvalidPageSize      = base.ErrInvalidPageSize
	ErrLocked               = storage.ErrLocked
	ErrModified             = btree.ErrModified
)
