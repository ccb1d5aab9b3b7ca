package server

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/disk"
)

// preflight verifies a directory is usable before any component touches it:
// it must exist (created if missing), accept a probe write, and sit on a
// filesystem with at least minFreeBytes available.
func preflight(dir string, minFreeBytes uint64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	probe := filepath.Join(dir, ".mikroscope-preflight")
	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("remove probe file in %s: %w", dir, err)
	}

	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("stat filesystem of %s: %w", dir, err)
	}
	if usage.Free < minFreeBytes {
		return fmt.Errorf("insufficient free space in %s: %d bytes available, %d required", dir, usage.Free, minFreeBytes)
	}
	return nil
}
