package discovery

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/stefanaki/topology-plugin/pkg/cpuset"
	"github.com/stefanaki/topology-plugin/pkg/platform"
	"github.com/stefanaki/topology-plugin/pkg/topology"
)

const maxStringLen = 128

// DarwinStage builds packages, cores, caches, NUMA nodes and processing
// units from sysctl-style aggregate counts. It never enumerates individual
// processors.
type DarwinStage struct{}

func (*DarwinStage) Name() string  { return "darwin" }
func (*DarwinStage) Phase() Phase { return PhaseCPU }

func (*DarwinStage) Run(d *Discovery) error {
	logger := d.Logger.WithName("darwin")

	nprocs, err := processorCount(d.Snapshot)
	if err != nil {
		return err
	}
	logger.V(4).Info("Found processors", "count", nprocs)

	tree, err := topology.New(nprocs)
	if err != nil {
		return err
	}
	root := tree.Root()
	root.AddInfo("Backend", "Darwin")
	for _, info := range []struct{ name, sysctl string }{
		{"OSName", "kern.ostype"},
		{"OSRelease", "kern.osrelease"},
		{"OSVersion", "kern.version"},
		{"HostName", "kern.hostname"},
		{"Architecture", "hw.machine"},
	} {
		if v, err := d.Snapshot.String(info.sysctl, maxStringLen); err == nil {
			root.AddInfo(info.name, v)
		}
	}

	b := &builder{
		snapshot: d.Snapshot,
		filter:   d.Filter,
		tree:     tree,
		logger:   logger,
		nprocs:   nprocs,
	}
	if d.Layout, err = b.assemblePackages(); err != nil {
		return err
	}
	if err := b.buildCaches(); err != nil {
		return err
	}
	if err := b.buildPUs(); err != nil {
		return err
	}
	d.Tree = tree
	return nil
}

func processorCount(s platform.Snapshot) (int, error) {
	for _, name := range []string{"hw.logicalcpu", "hw.ncpu"} {
		n, err := s.Scalar(name)
		if err == nil && n > 0 {
			if n > cpuset.MaxCPUs {
				return 0, fmt.Errorf("%s=%d: %w", name, n, cpuset.ErrExhausted)
			}
			return int(n), nil
		}
	}
	return 0, ErrNoProcessors
}

type builder struct {
	snapshot platform.Snapshot
	filter   Filter
	tree     *topology.Tree
	logger   logr.Logger
	nprocs   int
}

// rangeSet returns the cpuset of the i-th group of size processors.
func rangeSet(i, size int) (*cpuset.Bitmap, error) {
	return cpuset.Range(i*size, (i+1)*size-1)
}

// insert adds obj unless the filter drops its type. Duplicates and
// conflicts are logged and the object is dropped.
func (b *builder) insert(obj *topology.Object) {
	if !b.filter.Keeps(obj.Type()) {
		b.logger.V(4).Info("Filtered out object", "object", obj)
		return
	}
	res, err := b.tree.Insert(obj)
	switch {
	case err != nil:
		b.logger.Error(err, "Dropping object", "object", obj)
	case res.Outcome == topology.Duplicate:
		b.logger.V(4).Info("Dropping duplicate object", "object", obj, "existing", res.Existing)
	default:
		b.logger.V(4).Info("Inserted object", "object", obj)
	}
}

func (b *builder) cpuInfos() []topology.Info {
	var infos []topology.Info
	for _, s := range []struct{ name, sysctl string }{
		{"CPUVendor", "machdep.cpu.vendor"},
		{"CPUModel", "machdep.cpu.brand_string"},
	} {
		if v, err := b.snapshot.String(s.sysctl, maxStringLen); err == nil && v != "" {
			infos = append(infos, topology.Info{Name: s.name, Value: v})
		}
	}
	for _, s := range []struct{ name, sysctl string }{
		{"CPUFamilyNumber", "machdep.cpu.family"},
		{"CPUModelNumber", "machdep.cpu.model"},
		{"CPUStepping", "machdep.cpu.stepping"},
	} {
		if v, err := b.snapshot.Scalar(s.sysctl); err == nil {
			infos = append(infos, topology.Info{Name: s.name, Value: fmt.Sprint(v)})
		}
	}
	return infos
}

func (b *builder) buildPUs() error {
	for i := 0; i < b.nprocs; i++ {
		cpus, err := cpuset.Of(i)
		if err != nil {
			return err
		}
		b.insert(topology.NewObject(topology.PU{OSIndex: i}, cpus))
	}
	b.tree.Support.PU = true
	return nil
}

// scalar reads an optional positive count.
func (b *builder) scalar(name string) (int, bool) {
	v, err := b.snapshot.Scalar(name)
	if err != nil {
		if !errors.Is(err, platform.ErrUnavailable) {
			b.logger.Error(err, "Ignoring sysctl", "name", name)
		}
		return 0, false
	}
	if v <= 0 || v > cpuset.MaxCPUs {
		b.logger.V(4).Info("Ignoring out of range sysctl", "name", name, "value", v)
		return 0, false
	}
	return int(v), true
}
