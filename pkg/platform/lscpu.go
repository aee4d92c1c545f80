package platform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stefanaki/topology-plugin/pkg/cpuset"
)

// lscpu invocations whose output ParseLSCPU understands.
var (
	LSCPUParsableArgs = []string{"-p=CPU,CORE,SOCKET,NODE,CACHE", "--online"}
	LSCPUCachesArgs   = []string{"-B", "-C=NAME,ONE-SIZE,WAYS,COHERENCY-SIZE"}
	LSCPUSummaryArgs  = []string{}
)

type lscpuRecord struct {
	cpu, core, socket, node int
	caches                  []int
}

type lscpuCache struct {
	size, ways, line int64
}

// ParseLSCPU translates lscpu output into a Static snapshot that answers
// the same names the darwin sysctl interface does (hw.logicalcpu,
// hw.packages, machdep.cpu.thread_count, hw.cacheconfig, ...), so that a
// single discovery backend serves both.
func ParseLSCPU(parsable, caches, summary []byte) (*Static, error) {
	records, cacheNames, err := parseLSCPUParsable(parsable)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no processors in lscpu output: %w", ErrMalformed)
	}

	for i, r := range records {
		if r.cpu != i {
			return nil, fmt.Errorf("cpu %d listed at position %d, offline or unordered cpus: %w", r.cpu, i, ErrMalformed)
		}
	}

	s := NewStatic()
	nprocs := int64(len(records))
	s.Scalars["hw.logicalcpu"] = nprocs
	s.Scalars["hw.ncpu"] = nprocs

	// Counts are only published for levels whose groups are the aligned
	// ranges a count-based builder recomputes, so interleaved numbering
	// leaves the level unavailable instead of misplacing cpus.
	bySocket := func(r lscpuRecord) ([2]int, bool) { return [2]int{r.socket}, r.socket >= 0 }
	if threads, groups, ok := alignedGroups(records, bySocket); ok {
		s.Scalars["hw.packages"] = int64(groups)
		s.Scalars["machdep.cpu.thread_count"] = int64(threads)
		byCore := func(r lscpuRecord) ([2]int, bool) { return [2]int{r.socket, r.core}, r.core >= 0 }
		if perCore, _, ok := alignedGroups(records, byCore); ok {
			s.Scalars["machdep.cpu.core_count"] = int64(threads / perCore)
		}
	}

	// level 0 is memory: how many cpus share a NUMA node
	var cacheconfig []uint64
	byNode := func(r lscpuRecord) ([2]int, bool) { return [2]int{r.node}, true }
	if share, _, ok := alignedGroups(records, byNode); ok {
		cacheconfig = append(cacheconfig, uint64(share))
		for _, level := range []string{"1", "2", "3", "4"} {
			i := cacheColumn(cacheNames, level)
			if i < 0 {
				break
			}
			byCache := func(r lscpuRecord) ([2]int, bool) {
				if i >= len(r.caches) {
					return [2]int{}, false
				}
				return [2]int{r.caches[i]}, r.caches[i] >= 0
			}
			share, _, ok := alignedGroups(records, byCache)
			if !ok {
				break
			}
			cacheconfig = append(cacheconfig, uint64(share))
		}
		s.Blobs["hw.cacheconfig"] = EncodeUint64s(cacheconfig)
	}

	if len(caches) > 0 {
		sizes := parseLSCPUCaches(caches)
		if c, ok := sizes["L1d"]; ok {
			s.Scalars["hw.l1dcachesize"] = c.size
			s.Scalars["machdep.cpu.cache.L1_associativity"] = c.ways
			if c.line > 0 {
				s.Scalars["hw.cachelinesize"] = c.line
			}
		}
		if c, ok := sizes["L1i"]; ok {
			s.Scalars["hw.l1icachesize"] = c.size
		}
		if c, ok := sizes["L2"]; ok {
			s.Scalars["hw.l2cachesize"] = c.size
			s.Scalars["machdep.cpu.cache.L2_associativity"] = c.ways
		}
		if c, ok := sizes["L3"]; ok {
			s.Scalars["hw.l3cachesize"] = c.size
		}
	}

	if len(summary) > 0 {
		parseLSCPUSummary(s, summary)
	}
	return s, nil
}

// alignedGroups groups records by key and reports the common group size
// and the number of groups when every group is the range
// [k*size, (k+1)*size-1] for some k. Records are indexed by cpu id.
func alignedGroups(records []lscpuRecord, key func(lscpuRecord) ([2]int, bool)) (int, int, bool) {
	groups := make(map[[2]int][]int)
	for _, r := range records {
		k, ok := key(r)
		if !ok {
			return 0, 0, false
		}
		groups[k] = append(groups[k], r.cpu)
	}
	size := 0
	for _, cpus := range groups {
		if size == 0 {
			size = len(cpus)
		}
		if len(cpus) != size || cpus[0]%size != 0 {
			return 0, 0, false
		}
		for j, cpu := range cpus {
			if cpu != cpus[0]+j {
				return 0, 0, false
			}
		}
	}
	return size, len(groups), size > 0
}

// cacheColumn finds the data or unified cache of a level among the
// colon-separated names of the CACHE column.
func cacheColumn(names []string, level string) int {
	for i, name := range names {
		if name == "L"+level || name == "L"+level+"d" {
			return i
		}
	}
	return -1
}

func parseLSCPUParsable(output []byte) ([]lscpuRecord, []string, error) {
	var records []lscpuRecord
	var cacheNames []string
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			header := strings.Split(strings.TrimSpace(strings.TrimPrefix(line, "#")), ",")
			if len(header) == 5 && strings.EqualFold(header[0], "CPU") {
				cacheNames = strings.Split(header[4], ":")
			}
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 5 {
			continue
		}
		var r lscpuRecord
		var err error
		if r.cpu, err = strconv.Atoi(fields[0]); err != nil {
			return nil, nil, fmt.Errorf("failed to parse cpu ID: %v", err)
		}
		if r.core, err = strconv.Atoi(fields[1]); err != nil {
			return nil, nil, fmt.Errorf("failed to parse core ID: %v", err)
		}
		if r.socket, err = strconv.Atoi(fields[2]); err != nil {
			return nil, nil, fmt.Errorf("failed to parse socket ID: %v", err)
		}
		r.node = optionalID(fields[3])
		if fields[4] != "" {
			for _, id := range strings.Split(fields[4], ":") {
				r.caches = append(r.caches, optionalID(id))
			}
		}
		records = append(records, r)
	}
	return records, cacheNames, nil
}

func optionalID(field string) int {
	id, err := strconv.Atoi(strings.TrimSpace(field))
	if err != nil {
		return -1
	}
	return id
}

func parseLSCPUCaches(output []byte) map[string]lscpuCache {
	caches := make(map[string]lscpuCache)
	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] == "NAME" {
			continue
		}
		var c lscpuCache
		c.size, _ = strconv.ParseInt(fields[1], 10, 64)
		if len(fields) > 2 {
			c.ways, _ = strconv.ParseInt(fields[2], 10, 64)
		}
		if len(fields) > 3 {
			c.line, _ = strconv.ParseInt(fields[3], 10, 64)
		}
		caches[fields[0]] = c
	}
	return caches
}

func parseLSCPUSummary(s *Static, output []byte) {
	for _, line := range strings.Split(string(output), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "Architecture":
			s.Strings["hw.machine"] = value
		case "Vendor ID":
			s.Strings["machdep.cpu.vendor"] = value
		case "Model name":
			s.Strings["machdep.cpu.brand_string"] = value
		case "CPU family":
			setNumeric(s, "machdep.cpu.family", value)
		case "Model":
			setNumeric(s, "machdep.cpu.model", value)
		case "Stepping":
			setNumeric(s, "machdep.cpu.stepping", value)
		}
	}
}

func setNumeric(s *Static, name, value string) {
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		s.Scalars[name] = n
	}
}

// AddHybridCPUs records Intel hybrid core lists (the cpus files under
// /sys/devices/cpu_core and /sys/devices/cpu_atom) as device-tree entries
// with a performance or efficiency cluster type.
func AddHybridCPUs(s *Static, pcores, ecores string) error {
	var devices []Device
	for _, kind := range []struct {
		list       string
		tag        string
		compatible string
	}{
		{pcores, "P", "intel,core"},
		{ecores, "E", "intel,atom"},
	} {
		cpus, err := cpuset.Parse(strings.TrimSpace(kind.list))
		if err != nil {
			return fmt.Errorf("hybrid cpu list %q: %w", kind.list, err)
		}
		for _, cpu := range cpus.List() {
			devices = append(devices, Device{
				Name: fmt.Sprintf("cpu%d", cpu),
				Properties: map[string]Value{
					"logical-cpu-id": Integer(cpu),
					"cluster-type":   CString(kind.tag),
					"compatible":     CString(kind.compatible),
				},
			})
		}
	}
	if len(devices) > 0 {
		s.Devices[CPUsDevicePath] = devices
	}
	return nil
}
