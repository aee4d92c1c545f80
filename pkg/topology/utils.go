package topology

import (
	"slices"

	"github.com/stefanaki/topology-plugin/pkg/cpuset"
)

func (t *Tree) ObjectsByType(name string) []*Object {
	var objs []*Object
	t.Walk(func(o *Object) bool {
		if o.Type() == name {
			objs = append(objs, o)
		}
		return true
	})
	return objs
}

func (t *Tree) PUs() []*Object {
	return t.ObjectsByType(PU{}.Name())
}

// ObjectForCPU returns the deepest object of a type name covering cpu.
func (t *Tree) ObjectForCPU(name string, cpu int) *Object {
	var found *Object
	t.Walk(func(o *Object) bool {
		if !o.CPUSet.Contains(cpu) {
			return false
		}
		if o.Type() == name {
			found = o
		}
		return true
	})
	return found
}

// CPUsOf returns the processors of the object of a type name with the
// given OS index, or nil when there is none.
func (t *Tree) CPUsOf(name string, osIndex int) []int {
	for _, o := range t.ObjectsByType(name) {
		if o.OSIndex() == osIndex {
			return o.CPUSet.List()
		}
	}
	return nil
}

// NUMANodeForCPU returns the OS index of the NUMA node covering cpu, or -1.
func (t *Tree) NUMANodeForCPU(cpu int) int {
	if o := t.ObjectForCPU(NUMANode{}.Name(), cpu); o != nil {
		return o.OSIndex()
	}
	return -1
}

// NUMANodesForCPUs returns the sorted OS indexes of the NUMA nodes
// covering any of cpus.
func (t *Tree) NUMANodesForCPUs(cpus *cpuset.Bitmap) []int {
	var nodes []int
	for _, o := range t.ObjectsByType(NUMANode{}.Name()) {
		if o.CPUSet.Intersects(cpus) {
			nodes = append(nodes, o.OSIndex())
		}
	}
	slices.Sort(nodes)
	return nodes
}
