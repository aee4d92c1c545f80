//go:build !darwin && !linux

package platform

import (
	"fmt"
	"runtime"
)

// Live returns a Snapshot of the running system.
func Live() (Snapshot, error) {
	return nil, fmt.Errorf("no live snapshot on %s: %w", runtime.GOOS, ErrUnavailable)
}
