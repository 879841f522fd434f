//go:build !linux && !darwin

package storage

import (
	"errors"
	"os"
)

// ErrLocked is returned when another process holds the page file.
var ErrLocked = errors.New("page file is locked by another process")

// On unsupported platforms the page file is not locked.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
