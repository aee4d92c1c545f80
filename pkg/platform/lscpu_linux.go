//go:build linux

package platform

import (
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

const (
	hybridCoreFile = "/sys/devices/cpu_core/cpus"
	hybridAtomFile = "/sys/devices/cpu_atom/cpus"
)

// commandRunner runs a command and returns its standard output, injected
// to ease testing.
type commandRunner func(name string, args ...string) ([]byte, error)

// pathReaderFn is a path reader function, injected to ease testing.
type pathReaderFn func(string) ([]byte, error)

func execCommand(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).Output()
}

// LSCPU builds a snapshot of the running Linux system from lscpu, uname(2),
// sysinfo(2) and the hybrid cpu lists in sysfs.
func LSCPU() (*Static, error) {
	return lscpuFrom(execCommand, os.ReadFile)
}

func lscpuFrom(run commandRunner, read pathReaderFn) (*Static, error) {
	parsable, err := run("lscpu", LSCPUParsableArgs...)
	if err != nil {
		return nil, err
	}
	// best effort, the parsable listing is enough to build a tree
	caches, _ := run("lscpu", LSCPUCachesArgs...)
	summary, _ := run("lscpu", LSCPUSummaryArgs...)

	s, err := ParseLSCPU(parsable, caches, summary)
	if err != nil {
		return nil, err
	}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		s.Strings["kern.ostype"] = unix.ByteSliceToString(uts.Sysname[:])
		s.Strings["kern.osrelease"] = unix.ByteSliceToString(uts.Release[:])
		s.Strings["kern.version"] = unix.ByteSliceToString(uts.Version[:])
		s.Strings["kern.hostname"] = unix.ByteSliceToString(uts.Nodename[:])
		if _, ok := s.Strings["hw.machine"]; !ok {
			s.Strings["hw.machine"] = unix.ByteSliceToString(uts.Machine[:])
		}
	}

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err == nil && info.Totalram > 0 {
		s.Scalars["hw.memsize"] = int64(uint64(info.Totalram) * uint64(info.Unit))
	}
	s.Scalars["hw.pagesize"] = int64(os.Getpagesize())

	pcores, perr := read(hybridCoreFile)
	ecores, eerr := read(hybridAtomFile)
	if perr == nil && eerr == nil {
		if err := AddHybridCPUs(s, string(pcores), string(ecores)); err != nil {
			return nil, err
		}
	}
	return s, nil
}
