//go:build linux

package platform

// Live returns a Snapshot of the running system.
func Live() (Snapshot, error) {
	s, err := LSCPU()
	if err != nil {
		return nil, err
	}
	return s, nil
}
