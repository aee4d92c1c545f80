package topology_test

import (
	"math/rand"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stefanaki/topology-plugin/pkg/cpuset"
	"github.com/stefanaki/topology-plugin/pkg/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeAR(t *testing.T) (*assert.Assertions, *require.Assertions) {
	return assert.New(t), require.New(t)
}

var itoa = strconv.Itoa

func obj(kind topology.Kind, cpus string) *topology.Object {
	return topology.NewObject(kind, cpuset.MustParse(cpus))
}

func cpusets(objs []*topology.Object) []string {
	var s []string
	for _, o := range objs {
		s = append(s, o.CPUSet.String())
	}
	return s
}

func TestInsertNestsBySuperset(t *testing.T) {
	assert, require := makeAR(t)

	tree, err := topology.New(8)
	require.NoError(err)

	for _, o := range []*topology.Object{
		obj(topology.Package{OSIndex: 0}, "0-3"),
		obj(topology.Package{OSIndex: 1}, "4-7"),
		obj(topology.Core{OSIndex: 1}, "2-3"),
		obj(topology.Core{OSIndex: 0}, "0-1"),
		obj(topology.Cache{Level: 1, Type: topology.CacheData}, "2"),
	} {
		res, err := tree.Insert(o)
		require.NoError(err)
		assert.Equal(topology.Inserted, res.Outcome)
	}

	packages := tree.Root().Children()
	assert.Equal([]string{"0-3", "4-7"}, cpusets(packages))
	assert.Equal([]string{"0-1", "2-3"}, cpusets(packages[0].Children()))
	l1 := packages[0].Children()[1].Children()[0]
	assert.Equal("L1Cache", l1.Type())
	assert.Equal(3, l1.Depth())
	assert.NoError(tree.Validate())
}

func TestInsertRehomesCoveredSiblings(t *testing.T) {
	assert, require := makeAR(t)

	tree, err := topology.New(8)
	require.NoError(err)

	// bottom-up order: PUs, then cores, then packages
	for i := 0; i < 8; i++ {
		_, err := tree.Insert(obj(topology.PU{OSIndex: i}, itoa(i)))
		require.NoError(err)
	}
	for i := 0; i < 4; i++ {
		_, err := tree.Insert(obj(topology.Core{OSIndex: i}, itoa(2*i)+"-"+itoa(2*i+1)))
		require.NoError(err)
	}
	_, err = tree.Insert(obj(topology.Package{OSIndex: 1}, "4-7"))
	require.NoError(err)
	_, err = tree.Insert(obj(topology.Package{OSIndex: 0}, "0-3"))
	require.NoError(err)

	packages := tree.Root().Children()
	require.Len(packages, 2)
	assert.Equal("0-3", packages[0].CPUSet.String())
	assert.Equal([]string{"0-1", "2-3"}, cpusets(packages[0].Children()))
	assert.Equal([]string{"4-5", "6-7"}, cpusets(packages[1].Children()))
	for _, core := range packages[1].Children() {
		assert.Same(packages[1], core.Parent())
		assert.Len(core.Children(), 2)
	}
	assert.NoError(tree.Validate())
}

func TestInsertDuplicate(t *testing.T) {
	assert, require := makeAR(t)

	tree, err := topology.New(4)
	require.NoError(err)
	first := obj(topology.Core{OSIndex: 0}, "0-1")
	_, err = tree.Insert(first)
	require.NoError(err)
	before := tree.String()

	dup := obj(topology.Core{OSIndex: 7}, "0-1")
	res, err := tree.Insert(dup)
	require.NoError(err)
	assert.Equal(topology.Duplicate, res.Outcome)
	assert.Same(dup, res.Object)
	assert.Same(first, res.Existing)
	assert.Nil(dup.Parent())
	assert.Equal(before, tree.String())

	res, err = tree.Insert(obj(topology.Root{}, "0-3"))
	require.NoError(err)
	assert.Equal(topology.Duplicate, res.Outcome)
}

func TestInsertCacheTypesOfOneLevel(t *testing.T) {
	assert, require := makeAR(t)

	tree, err := topology.New(2)
	require.NoError(err)

	data := obj(topology.Cache{Level: 1, Type: topology.CacheData}, "0-1")
	unified := obj(topology.Cache{Level: 1, Type: topology.CacheUnified}, "0-1")
	icache := obj(topology.Cache{Level: 1, Type: topology.CacheInstruction}, "0-1")
	assert.Equal(data.Type(), unified.Type())

	_, err = tree.Insert(data)
	require.NoError(err)
	res, err := tree.Insert(unified)
	require.NoError(err)
	assert.Equal(topology.Duplicate, res.Outcome)
	assert.Same(data, res.Existing)

	res, err = tree.Insert(icache)
	require.NoError(err)
	assert.Equal(topology.Inserted, res.Outcome)
	assert.Same(data, icache.Parent())
}

func TestInsertConflict(t *testing.T) {
	assert, require := makeAR(t)

	tree, err := topology.New(8)
	require.NoError(err)
	_, err = tree.Insert(obj(topology.Package{OSIndex: 0}, "0-3"))
	require.NoError(err)
	before := tree.String()

	bad := obj(topology.Cache{Level: 3}, "2-5")
	res, err := tree.Insert(bad)
	assert.ErrorIs(err, topology.ErrStructuralConflict)
	assert.Equal(topology.Conflict, res.Outcome)
	assert.Same(bad, res.Object)
	assert.Equal("0-3", res.Existing.CPUSet.String())
	assert.Nil(bad.Parent())
	assert.Equal(before, tree.String())

	res, err = tree.Insert(obj(topology.Core{}, "6-9"))
	assert.ErrorIs(err, topology.ErrStructuralConflict)
	assert.Same(tree.Root(), res.Existing)

	res, err = tree.Insert(topology.NewObject(topology.Core{}, cpuset.New()))
	assert.ErrorIs(err, topology.ErrEmptyCPUSet)
	assert.Equal(topology.Invalid, res.Outcome)
	assert.NoError(tree.Validate())
}

func TestInsertEqualCPUSetsNestByKind(t *testing.T) {
	assert, require := makeAR(t)

	tree, err := topology.New(2)
	require.NoError(err)
	for _, o := range []*topology.Object{
		obj(topology.PU{OSIndex: 0}, "0"),
		obj(topology.Cache{Level: 1, Type: topology.CacheInstruction}, "0"),
		obj(topology.Core{OSIndex: 0}, "0"),
		obj(topology.Cache{Level: 1, Type: topology.CacheData}, "0"),
		obj(topology.Cache{Level: 2, Type: topology.CacheUnified}, "0"),
		obj(topology.Package{OSIndex: 0}, "0-1"),
		obj(topology.NUMANode{OSIndex: 0}, "0-1"),
		obj(topology.PU{OSIndex: 1}, "1"),
	} {
		res, err := tree.Insert(o)
		require.NoError(err)
		require.Equal(topology.Inserted, res.Outcome, o.String())
	}

	var chain []string
	for o := tree.Root(); len(o.Children()) > 0; o = o.Children()[0] {
		chain = append(chain, o.Children()[0].Type())
	}
	assert.Equal([]string{"NUMANode", "Package", "L2Cache", "L1Cache", "L1iCache", "Core", "PU"}, chain)
	assert.NoError(tree.Validate())
}

func TestInsertOrderDoesNotMatter(t *testing.T) {
	assert, require := makeAR(t)

	build := func(order []int) string {
		all := []func() *topology.Object{
			func() *topology.Object { return obj(topology.Package{OSIndex: 0}, "0-3") },
			func() *topology.Object { return obj(topology.Package{OSIndex: 1}, "4-7") },
			func() *topology.Object { return obj(topology.Cache{Level: 2}, "0-1") },
			func() *topology.Object { return obj(topology.Cache{Level: 2}, "2-3") },
			func() *topology.Object { return obj(topology.Cache{Level: 2}, "4-7") },
			func() *topology.Object { return obj(topology.Core{OSIndex: 0}, "0-1") },
			func() *topology.Object { return obj(topology.Core{OSIndex: 1}, "2-3") },
			func() *topology.Object { return obj(topology.Core{OSIndex: 2}, "4-5") },
			func() *topology.Object { return obj(topology.Core{OSIndex: 3}, "6-7") },
		}
		tree, err := topology.New(8)
		require.NoError(err)
		for _, i := range order {
			_, err := tree.Insert(all[i]())
			require.NoError(err)
		}
		for i := 0; i < 8; i++ {
			_, err := tree.Insert(obj(topology.PU{OSIndex: i}, itoa(i)))
			require.NoError(err)
		}
		require.NoError(tree.Validate())
		tree.AssignLogicalIndexes()
		return tree.String()
	}

	want := build([]int{0, 1, 2, 3, 4, 5, 6, 7, 8})
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		assert.Equal(want, build(rng.Perm(9)))
	}
}

func TestLogicalIndexes(t *testing.T) {
	assert, require := makeAR(t)

	tree, err := topology.New(4)
	require.NoError(err)
	for i := 3; i >= 0; i-- {
		_, err := tree.Insert(obj(topology.PU{OSIndex: i}, itoa(i)))
		require.NoError(err)
	}
	tree.AssignLogicalIndexes()

	for i, pu := range tree.PUs() {
		assert.Equal(i, pu.LogicalIndex)
		assert.Equal(i, pu.OSIndex())
	}
	assert.Equal(0, tree.Root().LogicalIndex)
}

func TestQueries(t *testing.T) {
	assert, require := makeAR(t)

	tree, err := topology.New(8)
	require.NoError(err)
	for i, cpus := range []string{"0-3", "4-7"} {
		numa := obj(topology.NUMANode{OSIndex: i}, cpus)
		numa.NodeSet = cpuset.MustParse(itoa(i))
		_, err := tree.Insert(numa)
		require.NoError(err)
		_, err = tree.Insert(obj(topology.Package{OSIndex: i}, cpus))
		require.NoError(err)
	}

	assert.Equal("0-1", tree.Root().NodeSet.String())
	assert.Equal([]int{4, 5, 6, 7}, tree.CPUsOf("Package", 1))
	assert.Nil(tree.CPUsOf("Package", 2))
	assert.Equal(1, tree.NUMANodeForCPU(6))
	assert.Equal(-1, tree.NUMANodeForCPU(9))
	assert.Equal([]int{0, 1}, tree.NUMANodesForCPUs(cpuset.MustParse("3-4")))
	assert.Equal([]int{1}, tree.NUMANodesForCPUs(cpuset.MustParse("5")))
	assert.Len(tree.ObjectsByType("NUMANode"), 2)
	assert.Equal("Package", tree.ObjectForCPU("Package", 2).Type())
	assert.NoError(tree.Validate())
}

func TestCPUKinds(t *testing.T) {
	assert, require := makeAR(t)

	tree, err := topology.New(5)
	require.NoError(err)

	require.NoError(tree.RegisterCPUKind(cpuset.MustParse("0-2"), 1, []topology.Info{{Name: "DarwinCompatible", Value: "perf-core"}}))
	require.NoError(tree.RegisterCPUKind(cpuset.MustParse("3-4"), 0, nil))
	assert.ErrorIs(tree.RegisterCPUKind(cpuset.New(), 2, nil), topology.ErrEmptyCPUSet)
	assert.ErrorIs(tree.RegisterCPUKind(cpuset.MustParse("2"), 2, nil), topology.ErrStructuralConflict)
	assert.ErrorIs(tree.RegisterCPUKind(cpuset.MustParse("7"), 2, nil), topology.ErrStructuralConflict)

	kinds := tree.CPUKinds()
	require.Len(kinds, 2)
	assert.Equal("3-4", kinds[0].CPUSet.String())
	assert.Equal("0-2", kinds[1].CPUSet.String())
	compatible, ok := kinds[1].Info("DarwinCompatible")
	assert.True(ok)
	assert.Equal("perf-core", compatible)
	assert.Same(kinds[1], tree.CPUKindOf(1))
	assert.Nil(tree.CPUKindOf(9))
	assert.NoError(tree.Validate())
}

func TestStateRebuildsTree(t *testing.T) {
	assert, require := makeAR(t)

	tree, err := topology.New(4)
	require.NoError(err)
	tree.Root().AddInfo("Backend", "Darwin")
	numa := obj(topology.NUMANode{OSIndex: 0, LocalMemory: topology.Bytes(1 << 30), PageTypes: []topology.PageType{{Size: 16384}, {}}}, "0-3")
	numa.NodeSet = cpuset.MustParse("0")
	for _, o := range []*topology.Object{
		numa,
		obj(topology.Cache{Level: 2, Size: topology.Bytes(4 << 20), Associativity: topology.AssociativityFull}, "0-3"),
		obj(topology.Cache{Level: 1, Type: topology.CacheData, Size: topology.Bytes(65536), LineSize: topology.Bytes(128)}, "0"),
		obj(topology.PU{OSIndex: 0}, "0"),
	} {
		_, err := tree.Insert(o)
		require.NoError(err)
	}
	require.NoError(tree.RegisterCPUKind(cpuset.MustParse("0-3"), 0, nil))
	tree.Support.NUMA = true
	tree.AssignLogicalIndexes()

	filename := filepath.Join(t.TempDir(), "topology.json")
	require.NoError(tree.Export().SaveToFile(filename))
	state, err := topology.LoadFromFile(filename)
	require.NoError(err)
	rebuilt, err := state.Tree()
	require.NoError(err)

	assert.Equal(tree.String(), rebuilt.String())
	assert.Equal(tree.Support, rebuilt.Support)
	l1 := rebuilt.ObjectsByType("L1Cache")
	require.Len(l1, 1)
	cache := l1[0].Kind.(topology.Cache)
	_, known := cache.LineSize.Get()
	assert.True(known)
	l2 := rebuilt.ObjectsByType("L2Cache")[0].Kind.(topology.Cache)
	assert.False(l2.LineSize.Known())
	assert.Equal(topology.AssociativityFull, l2.Associativity)
}

func TestStateRejectsOverlap(t *testing.T) {
	assert, _ := makeAR(t)

	state := &topology.State{
		Machine: topology.ObjectState{
			Type:   "Machine",
			CPUSet: cpuset.MustParse("0-3"),
			Children: []topology.ObjectState{
				{Type: "Package", CPUSet: cpuset.MustParse("0-2")},
				{Type: "Package", CPUSet: cpuset.MustParse("2-3")},
			},
		},
	}
	_, err := state.Tree()
	assert.ErrorIs(err, topology.ErrStructuralConflict)
}

func TestSize(t *testing.T) {
	assert, _ := makeAR(t)

	var unknown topology.Size
	assert.False(unknown.Known())
	assert.Equal("unknown", unknown.String())
	zero := topology.Bytes(0)
	assert.True(zero.Known())
	assert.Equal("0", zero.String())
}

