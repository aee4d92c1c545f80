package topology

import (
	"fmt"
	"sort"

	"github.com/stefanaki/topology-plugin/pkg/cpuset"
)

// CPUKind is a set of processors of the same micro-architecture tier.
// A higher Efficiency ranks a more performant kind.
type CPUKind struct {
	CPUSet     *cpuset.Bitmap
	Efficiency int
	Infos      []Info
}

func (k *CPUKind) Info(name string) (string, bool) {
	for _, info := range k.Infos {
		if info.Name == name {
			return info.Value, true
		}
	}
	return "", false
}

// RegisterCPUKind takes ownership of cpus and records them as a CPU kind.
// Empty sets are not registered, and a set that intersects an already
// registered kind is rejected with ErrStructuralConflict.
func (t *Tree) RegisterCPUKind(cpus *cpuset.Bitmap, efficiency int, infos []Info) error {
	if cpus.IsZero() {
		return fmt.Errorf("cpu kind with efficiency %d: %w", efficiency, ErrEmptyCPUSet)
	}
	if !cpus.IsSubsetOf(t.root.CPUSet) {
		return fmt.Errorf("cpu kind %s outside of machine cpuset %s: %w", cpus, t.root.CPUSet, ErrStructuralConflict)
	}
	for _, k := range t.kinds {
		if k.CPUSet.Intersects(cpus) {
			return fmt.Errorf("cpu kind %s overlaps %s: %w", cpus, k.CPUSet, ErrStructuralConflict)
		}
	}
	t.kinds = append(t.kinds, &CPUKind{CPUSet: cpus, Efficiency: efficiency, Infos: infos})
	sort.SliceStable(t.kinds, func(i, j int) bool {
		return t.kinds[i].Efficiency < t.kinds[j].Efficiency
	})
	return nil
}

// CPUKinds returns the registered kinds, least efficient rank first.
func (t *Tree) CPUKinds() []*CPUKind {
	return t.kinds
}

func (t *Tree) CPUKindOf(cpu int) *CPUKind {
	for _, k := range t.kinds {
		if k.CPUSet.Contains(cpu) {
			return k
		}
	}
	return nil
}
