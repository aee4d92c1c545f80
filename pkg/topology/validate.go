package topology

import (
	"errors"
	"fmt"

	"github.com/stefanaki/topology-plugin/pkg/cpuset"
)

// Validate checks the guarantees a tree gives its consumers: every object
// nests in its parent, siblings are disjoint and ordered by first
// processor, the root covers exactly the processing units when there are
// any, and CPU kinds are disjoint. All violations are joined.
func (t *Tree) Validate() error {
	var errs []error
	pus := cpuset.New()
	t.Walk(func(o *Object) bool {
		if _, ok := o.Kind.(PU); ok {
			pus = pus.Union(o.CPUSet)
		}
		if o != t.root && o.CPUSet.IsZero() {
			errs = append(errs, fmt.Errorf("%s: %w", o, ErrEmptyCPUSet))
		}
		if o.NodeSet != nil {
			switch o.Kind.(type) {
			case Root, NUMANode:
			default:
				errs = append(errs, fmt.Errorf("%s carries a nodeset", o))
			}
		}
		for i, c := range o.children {
			if c.parent != o {
				errs = append(errs, fmt.Errorf("%s is not linked to parent %s", c, o))
			}
			if !c.CPUSet.IsSubsetOf(o.CPUSet) {
				errs = append(errs, fmt.Errorf("%s is not nested in %s: %w", c, o, ErrStructuralConflict))
			}
			if i == 0 {
				continue
			}
			prev := o.children[i-1]
			if prev.CPUSet.Intersects(c.CPUSet) {
				errs = append(errs, fmt.Errorf("siblings %s and %s overlap: %w", prev, c, ErrStructuralConflict))
			}
			if prev.CPUSet.First() >= c.CPUSet.First() {
				errs = append(errs, fmt.Errorf("siblings %s and %s are out of order", prev, c))
			}
		}
		return true
	})
	// pairwise beyond neighbours: ordering alone does not rule out overlap
	t.Walk(func(o *Object) bool {
		for i := range o.children {
			for j := i + 2; j < len(o.children); j++ {
				if o.children[i].CPUSet.Intersects(o.children[j].CPUSet) {
					errs = append(errs, fmt.Errorf("siblings %s and %s overlap: %w", o.children[i], o.children[j], ErrStructuralConflict))
				}
			}
		}
		return true
	})
	if !pus.IsZero() && !pus.Equal(t.root.CPUSet) {
		errs = append(errs, fmt.Errorf("machine cpuset %s differs from processing units %s", t.root.CPUSet, pus))
	}
	for i, a := range t.kinds {
		for _, b := range t.kinds[i+1:] {
			if a.CPUSet.Intersects(b.CPUSet) {
				errs = append(errs, fmt.Errorf("cpu kinds %s and %s overlap: %w", a.CPUSet, b.CPUSet, ErrStructuralConflict))
			}
		}
	}
	return errors.Join(errs...)
}
