// Package topology holds the hierarchical model of a machine: a tree of
// objects indexed by the logical processors they cover, plus the CPU kinds
// registered beside it.
package topology

import (
	"errors"
	"fmt"

	"github.com/stefanaki/topology-plugin/pkg/cpuset"
)

var (
	// ErrStructuralConflict reports an object whose cpuset partially
	// overlaps an existing object or leaves the root.
	ErrStructuralConflict = errors.New("structural conflict")

	// ErrEmptyCPUSet reports an object or CPU kind without processors.
	ErrEmptyCPUSet = errors.New("empty cpuset")
)

// Support flags which parts of the model discovery managed to populate.
type Support struct {
	PU                bool `json:"pu"`
	NUMA              bool `json:"numa"`
	NUMAMemory        bool `json:"numaMemory"`
	CPUKindEfficiency bool `json:"cpuKindEfficiency"`
}

// Tree is a rooted topology. It is built by a single goroutine and must be
// treated as immutable once handed to consumers.
type Tree struct {
	Support Support

	root  *Object
	kinds []*CPUKind
}

func New(nprocs int) (*Tree, error) {
	if nprocs <= 0 {
		return nil, fmt.Errorf("machine with %d processors: %w", nprocs, ErrEmptyCPUSet)
	}
	cpus, err := cpuset.Range(0, nprocs-1)
	if err != nil {
		return nil, err
	}
	root := NewObject(Root{}, cpus)
	root.NodeSet = cpuset.New()
	root.LogicalIndex = 0
	return &Tree{root: root}, nil
}

func (t *Tree) Root() *Object { return t.root }

type Outcome int

const (
	// Inserted means the tree now owns the object.
	Inserted Outcome = iota
	// Duplicate means an object of the same type already covers the same
	// cpuset; the proposed object was not inserted.
	Duplicate
	// Conflict means the cpuset partially overlaps an existing object.
	Conflict
	// Invalid means the object has an empty cpuset.
	Invalid
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	case Conflict:
		return "conflict"
	}
	return "invalid"
}

// Insertion is the result of Insert. Unless the outcome is Inserted, the
// object is handed back to the caller, detached from the tree.
type Insertion struct {
	Outcome Outcome
	Object  *Object

	// Existing is the object that matched a duplicate or caused a
	// conflict.
	Existing *Object
}

// Insert places obj in the tree by cpuset. Starting at the root, it
// descends into the child that covers obj, then inserts obj among the
// children of the deepest such object and moves under obj every sibling
// that obj covers. Objects covering equal cpusets nest by kind: Machine,
// NUMANode, Package, caches from the outermost level, Core, PU.
//
// A duplicate is not an error. A partial overlap fails with
// ErrStructuralConflict and leaves the tree unchanged.
func (t *Tree) Insert(obj *Object) (Insertion, error) {
	if obj.CPUSet.IsZero() {
		return Insertion{Outcome: Invalid, Object: obj}, fmt.Errorf("%s: %w", obj.Type(), ErrEmptyCPUSet)
	}
	if !obj.CPUSet.IsSubsetOf(t.root.CPUSet) {
		return Insertion{Outcome: Conflict, Object: obj, Existing: t.root},
			fmt.Errorf("%s outside of machine cpuset %s: %w", obj, t.root.CPUSet, ErrStructuralConflict)
	}
	if obj.Kind.rank() <= t.root.Kind.rank() {
		return Insertion{Outcome: Duplicate, Object: obj, Existing: t.root}, nil
	}

	parent := t.root
descend:
	for {
		var covered []*Object
		for _, child := range parent.children {
			switch relate(obj, child) {
			case inside:
				parent = child
				continue descend
			case same:
				return Insertion{Outcome: Duplicate, Object: obj, Existing: child}, nil
			case overlapping:
				return Insertion{Outcome: Conflict, Object: obj, Existing: child},
					fmt.Errorf("%s overlaps %s: %w", obj, child, ErrStructuralConflict)
			case covering:
				covered = append(covered, child)
			}
		}
		t.attach(parent, obj, covered)
		return Insertion{Outcome: Inserted, Object: obj}, nil
	}
}

type relation int

const (
	disjoint relation = iota
	inside
	same
	covering
	overlapping
)

// relate tells where obj goes relative to an existing object.
func relate(obj, existing *Object) relation {
	a, b := obj.CPUSet, existing.CPUSet
	switch {
	case a.Equal(b):
		ra, rb := obj.Kind.rank(), existing.Kind.rank()
		switch {
		case ra == rb:
			return same
		case ra > rb:
			return inside
		}
		return covering
	case a.IsSubsetOf(b):
		return inside
	case b.IsSubsetOf(a):
		return covering
	case a.Intersects(b):
		return overlapping
	}
	return disjoint
}

func (t *Tree) attach(parent, obj *Object, covered []*Object) {
	moved := make(map[*Object]bool, len(covered))
	for _, c := range covered {
		moved[c] = true
		c.parent = obj
	}
	// covered keeps the parent's order, which is already sorted
	obj.children = append(obj.children, covered...)
	obj.parent = parent

	kept := parent.children[:0]
	for _, c := range parent.children {
		if !moved[c] {
			kept = append(kept, c)
		}
	}
	at := len(kept)
	for i, c := range kept {
		if obj.CPUSet.First() < c.CPUSet.First() {
			at = i
			break
		}
	}
	kept = append(kept, nil)
	copy(kept[at+1:], kept[at:])
	kept[at] = obj
	parent.children = kept

	if _, ok := obj.Kind.(NUMANode); ok && obj.NodeSet != nil {
		t.root.NodeSet = t.root.NodeSet.Union(obj.NodeSet)
	}
}

// Walk visits objects depth first in cpuset order, parents before
// children. Returning false from fn skips the children of that object.
func (t *Tree) Walk(fn func(*Object) bool) {
	var walk func(*Object)
	walk = func(o *Object) {
		if !fn(o) {
			return
		}
		for _, c := range o.children {
			walk(c)
		}
	}
	walk(t.root)
}

func (t *Tree) AssignLogicalIndexes() {
	next := make(map[string]int)
	t.Walk(func(o *Object) bool {
		name := o.Type()
		o.LogicalIndex = next[name]
		next[name]++
		return true
	})
}
