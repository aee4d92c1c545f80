package plugin

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stefanaki/topology-plugin/pkg/config"
	"github.com/stefanaki/topology-plugin/pkg/cpuset"
	"github.com/stefanaki/topology-plugin/pkg/topology"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
)

// Device is one allocatable unit of a pool: a topology object or a CPU
// kind.
type Device struct {
	ID        string
	CPUs      *cpuset.Bitmap
	NUMANodes []int
}

// DevicesForPool lists the devices a pool advertises on tree. Objects are
// identified by their OS index, or by their logical index when they have
// none. CPU kinds are identified by their efficiency rank.
func DevicesForPool(tree *topology.Tree, pool config.Pool) ([]Device, error) {
	var devices []Device
	if pool.Type == config.PoolTypeCPUKind {
		for _, kind := range tree.CPUKinds() {
			devices = append(devices, Device{
				ID:        strconv.Itoa(kind.Efficiency),
				CPUs:      kind.CPUSet.Duplicate(),
				NUMANodes: tree.NUMANodesForCPUs(kind.CPUSet),
			})
		}
		return devices, nil
	}

	name := pool.Type.ObjectType()
	if name == "" {
		return nil, fmt.Errorf("pool %s: unknown type %q", pool.Name, pool.Type)
	}
	for _, o := range tree.ObjectsByType(name) {
		id := o.OSIndex()
		if id < 0 {
			id = o.LogicalIndex
		}
		devices = append(devices, Device{
			ID:        strconv.Itoa(id),
			CPUs:      o.CPUSet.Duplicate(),
			NUMANodes: tree.NUMANodesForCPUs(o.CPUSet),
		})
	}
	return devices, nil
}

func (d Device) pluginDevice() *pluginapi.Device {
	dev := &pluginapi.Device{
		ID:     d.ID,
		Health: pluginapi.Healthy,
	}
	if len(d.NUMANodes) > 0 {
		dev.Topology = &pluginapi.TopologyInfo{}
		for _, n := range d.NUMANodes {
			dev.Topology.Nodes = append(dev.Topology.Nodes, &pluginapi.NUMANode{ID: int64(n)})
		}
	}
	return dev
}

// Allocation is what a container gets for a set of devices.
type Allocation struct {
	CPUs      *cpuset.Bitmap `json:"cpus"`
	NUMANodes []int          `json:"numaNodes"`
}

func (a Allocation) envs() map[string]string {
	nodes := make([]string, len(a.NUMANodes))
	for i, n := range a.NUMANodes {
		nodes[i] = strconv.Itoa(n)
	}
	return map[string]string{
		EnvCPUSet:    a.CPUs.String(),
		EnvNUMANodes: strings.Join(nodes, ","),
	}
}
