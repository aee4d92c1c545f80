package discovery

import (
	"github.com/stefanaki/topology-plugin/pkg/topology"
)

// Confidence tells where a derived count came from.
type Confidence int

const (
	// Absent means no value could be derived.
	Absent Confidence = iota
	// Reported means the platform reported the value for this machine.
	Reported
	// LegacyMax means the value is a legacy maximum supported count.
	LegacyMax
	// Guessed means the value is a uniform split of the processors.
	Guessed
)

func (c Confidence) String() string {
	switch c {
	case Reported:
		return "reported"
	case LegacyMax:
		return "legacy-max"
	case Guessed:
		return "guessed"
	}
	return "absent"
}

// Layout is the package and core split discovery derived.
type Layout struct {
	Packages int

	LogicalPerPackage       int
	LogicalPerPackageSource Confidence

	CoresPerPackage       int
	CoresPerPackageSource Confidence

	// PackagesBuilt and CoresBuilt are false when the counts did not
	// divide evenly and the level was skipped.
	PackagesBuilt bool
	CoresBuilt    bool
}

// assemblePackages splits the processors into packages and cores of equal
// size. A level whose counts do not divide evenly is skipped, and the
// processor identification then goes to the machine object.
func (b *builder) assemblePackages() (Layout, error) {
	var layout Layout
	root := b.tree.Root()
	infos := b.cpuInfos()

	npackages, ok := b.scalar("hw.packages")
	if !ok {
		b.logger.V(4).Info("Package count unavailable, not building packages")
		root.Infos = append(root.Infos, infos...)
		return layout, nil
	}
	layout.Packages = npackages

	switch {
	case b.found("machdep.cpu.thread_count", &layout.LogicalPerPackage):
		layout.LogicalPerPackageSource = Reported
	case b.found("machdep.cpu.logical_per_package", &layout.LogicalPerPackage):
		layout.LogicalPerPackageSource = LegacyMax
	default:
		layout.LogicalPerPackage = b.nprocs / npackages
		layout.LogicalPerPackageSource = Guessed
	}
	root.AddInfo("LogicalPerPackageSource", layout.LogicalPerPackageSource.String())
	lpp := layout.LogicalPerPackage
	b.logger.V(4).Info("Package layout", "packages", npackages,
		"logicalPerPackage", lpp, "source", layout.LogicalPerPackageSource)

	if lpp > 0 && b.nprocs == npackages*lpp {
		for i := 0; i < npackages; i++ {
			cpus, err := rangeSet(i, lpp)
			if err != nil {
				return layout, err
			}
			obj := topology.NewObject(topology.Package{OSIndex: i}, cpus)
			obj.Infos = append(obj.Infos, infos...)
			b.insert(obj)
		}
		layout.PackagesBuilt = b.filter.Keeps("Package")
	} else {
		b.logger.Info("Processors do not split evenly into packages, not building packages",
			"processors", b.nprocs, "packages", npackages, "logicalPerPackage", lpp)
		root.Infos = append(root.Infos, infos...)
	}

	switch {
	case b.found("machdep.cpu.core_count", &layout.CoresPerPackage):
		layout.CoresPerPackageSource = Reported
	case b.found("machdep.cpu.cores_per_package", &layout.CoresPerPackage):
		layout.CoresPerPackageSource = LegacyMax
	default:
		return layout, nil
	}
	cpp := layout.CoresPerPackage
	if lpp <= 0 || lpp%cpp != 0 {
		b.logger.Info("Package processors do not split evenly into cores, not building cores",
			"logicalPerPackage", lpp, "coresPerPackage", cpp)
		return layout, nil
	}

	perCore := lpp / cpp
	for i := 0; i < npackages*cpp && (i+1)*perCore <= b.nprocs; i++ {
		cpus, err := rangeSet(i, perCore)
		if err != nil {
			return layout, err
		}
		b.insert(topology.NewObject(topology.Core{OSIndex: i}, cpus))
	}
	layout.CoresBuilt = b.filter.Keeps("Core")
	return layout, nil
}

func (b *builder) found(name string, v *int) bool {
	n, ok := b.scalar(name)
	if ok {
		*v = n
	}
	return ok
}
