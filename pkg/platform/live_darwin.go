//go:build darwin

package platform

// Live returns a Snapshot of the running system.
func Live() (Snapshot, error) {
	return Sysctl{}, nil
}
