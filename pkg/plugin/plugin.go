package plugin

import (
	"context"
	"fmt"
	"slices"

	"github.com/stefanaki/topology-plugin/pkg/cpuset"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
)

func (c *TopologyDevicePluginDriver) GetDevicePluginOptions(ctx context.Context, empty *pluginapi.Empty) (*pluginapi.DevicePluginOptions, error) {
	return &pluginapi.DevicePluginOptions{
		PreStartRequired:                false,
		GetPreferredAllocationAvailable: true,
	}, nil
}

// ListAndWatch sends the devices, then again every time they change,
// until the stream or the plugin stops.
func (c *TopologyDevicePluginDriver) ListAndWatch(empty *pluginapi.Empty, server pluginapi.DevicePlugin_ListAndWatchServer) error {
	for {
		devices, changed := c.snapshot()
		response := &pluginapi.ListAndWatchResponse{
			Devices: make([]*pluginapi.Device, 0, len(devices)),
		}
		for _, d := range devices {
			response.Devices = append(response.Devices, d.pluginDevice())
		}
		if err := server.Send(response); err != nil {
			return err
		}
		select {
		case <-changed:
		case <-c.stop:
			return nil
		case <-server.Context().Done():
			return nil
		}
	}
}

// Allocate hands each container the union of the processors of its
// devices. Nothing is pinned: the environment only describes them.
func (c *TopologyDevicePluginDriver) Allocate(ctx context.Context, request *pluginapi.AllocateRequest) (*pluginapi.AllocateResponse, error) {
	response := &pluginapi.AllocateResponse{}
	for _, containerRequests := range request.ContainerRequests {
		allocation, err := c.allocation(containerRequests.DevicesIDs)
		if err != nil {
			return nil, err
		}
		c.logger.Info("Allocated devices", "devices", containerRequests.DevicesIDs, "cpus", allocation.CPUs)
		response.ContainerResponses = append(response.ContainerResponses, &pluginapi.ContainerAllocateResponse{
			Envs: allocation.envs(),
		})
	}
	return response, nil
}

func (c *TopologyDevicePluginDriver) allocation(ids []string) (Allocation, error) {
	cpus := cpuset.New()
	var nodes []int
	for _, id := range ids {
		d, ok := c.device(id)
		if !ok {
			return Allocation{}, fmt.Errorf("unknown device %q in pool %s", id, c.name)
		}
		cpus = cpus.Union(d.CPUs)
		for _, n := range d.NUMANodes {
			if !slices.Contains(nodes, n) {
				nodes = append(nodes, n)
			}
		}
	}
	slices.Sort(nodes)
	return Allocation{CPUs: cpus, NUMANodes: nodes}, nil
}

func (c *TopologyDevicePluginDriver) PreStartContainer(ctx context.Context, request *pluginapi.PreStartContainerRequest) (*pluginapi.PreStartContainerResponse, error) {
	return &pluginapi.PreStartContainerResponse{}, nil
}

// GetPreferredAllocation completes the devices a container must get with
// devices from the same NUMA nodes first, in processor order.
func (c *TopologyDevicePluginDriver) GetPreferredAllocation(ctx context.Context, request *pluginapi.PreferredAllocationRequest) (*pluginapi.PreferredAllocationResponse, error) {
	response := &pluginapi.PreferredAllocationResponse{}
	for _, req := range request.ContainerRequests {
		ids, err := c.prefer(req.AvailableDeviceIDs, req.MustIncludeDeviceIDs, int(req.AllocationSize))
		if err != nil {
			return nil, err
		}
		response.ContainerResponses = append(response.ContainerResponses, &pluginapi.ContainerPreferredAllocationResponse{
			DeviceIDs: ids,
		})
	}
	return response, nil
}

func (c *TopologyDevicePluginDriver) prefer(available, must []string, size int) ([]string, error) {
	var chosen []string
	var nodes []int
	pick := func(id string) error {
		if slices.Contains(chosen, id) {
			return nil
		}
		d, ok := c.device(id)
		if !ok {
			return fmt.Errorf("unknown device %q in pool %s", id, c.name)
		}
		chosen = append(chosen, id)
		for _, n := range d.NUMANodes {
			if !slices.Contains(nodes, n) {
				nodes = append(nodes, n)
			}
		}
		return nil
	}
	for _, id := range must {
		if err := pick(id); err != nil {
			return nil, err
		}
	}

	var candidates []Device
	for _, id := range available {
		if d, ok := c.device(id); ok && !slices.Contains(chosen, id) {
			candidates = append(candidates, d)
		}
	}
	slices.SortStableFunc(candidates, func(a, b Device) int {
		return a.CPUs.First() - b.CPUs.First()
	})
	local := func(d Device) bool {
		for _, n := range d.NUMANodes {
			if !slices.Contains(nodes, n) {
				return false
			}
		}
		return true
	}
	for _, wantLocal := range []bool{true, false} {
		for _, d := range candidates {
			if len(chosen) >= size {
				return chosen, nil
			}
			if wantLocal && len(nodes) > 0 && !local(d) {
				continue
			}
			if err := pick(d.ID); err != nil {
				return nil, err
			}
		}
	}
	return chosen, nil
}
