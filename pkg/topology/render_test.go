package topology_test

import (
	"testing"

	"github.com/stefanaki/topology-plugin/pkg/cpuset"
	"github.com/stefanaki/topology-plugin/pkg/topology"
)

func TestString(t *testing.T) {
	assert, require := makeAR(t)

	tree, err := topology.New(2)
	require.NoError(err)

	pkg := obj(topology.Package{OSIndex: 0}, "0-1")
	pkg.AddInfo("CPUModel", "M1")
	for _, o := range []*topology.Object{
		obj(topology.PU{OSIndex: 1}, "1"),
		obj(topology.Cache{
			Level:         2,
			Type:          topology.CacheUnified,
			Size:          topology.Bytes(1024),
			LineSize:      topology.Bytes(64),
			Associativity: topology.AssociativityFull,
		}, "0-1"),
		pkg,
		obj(topology.PU{OSIndex: 0}, "0"),
	} {
		_, err := tree.Insert(o)
		require.NoError(err)
	}
	require.NoError(tree.RegisterCPUKind(cpuset.MustParse("0-1"), 0,
		[]topology.Info{{Name: "DarwinCompatible", Value: "apple,icestorm"}}))
	tree.AssignLogicalIndexes()

	assert.Equal(`Machine L#0 cpuset=0-1
  Package L#0 P#0 cpuset=0-1 CPUModel="M1"
    L2Cache L#0 (size=1024 linesize=64 ways=full) cpuset=0-1
      PU L#0 P#0 cpuset=0
      PU L#1 P#1 cpuset=1
CPUKind efficiency=0 cpuset=0-1 DarwinCompatible="apple,icestorm"
`, tree.String())
}
