//go:build darwin

package platform

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Sysctl is the live darwin Snapshot, answering queries through sysctl(3).
//
// Device-tree enumeration goes through IOKit, which is not reachable
// without cgo; Children always reports ErrUnavailable and discovery
// proceeds without processor kinds.
type Sysctl struct{}

func (Sysctl) Scalar(name string) (int64, error) {
	raw, err := unix.SysctlRaw(name)
	if err != nil {
		return 0, sysctlError(name, err)
	}
	switch len(raw) {
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(raw))), nil
	case 8:
		return int64(binary.LittleEndian.Uint64(raw)), nil
	}
	return 0, fmt.Errorf("%s is %d bytes long: %w", name, len(raw), ErrMalformed)
}

func (Sysctl) String(name string, maxLen int) (string, error) {
	v, err := unix.Sysctl(name)
	if err != nil {
		return "", sysctlError(name, err)
	}
	if maxLen > 0 && len(v) > maxLen {
		v = v[:maxLen]
	}
	return v, nil
}

func (s Sysctl) BlobLen(name string) (int, error) {
	raw, err := s.Blob(name)
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}

func (Sysctl) Blob(name string) ([]byte, error) {
	raw, err := unix.SysctlRaw(name)
	if err != nil {
		return nil, sysctlError(name, err)
	}
	return raw, nil
}

func (Sysctl) Children(path string) (Iterator, error) {
	return nil, unavailable(path)
}

func sysctlError(name string, err error) error {
	if errors.Is(err, unix.ENOENT) {
		return unavailable(name)
	}
	return fmt.Errorf("sysctl %s: %w", name, err)
}
