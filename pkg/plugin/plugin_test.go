package plugin

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stefanaki/topology-plugin/pkg/config"
	"github.com/stefanaki/topology-plugin/pkg/discovery"
	"github.com/stefanaki/topology-plugin/pkg/platform"
	"github.com/stefanaki/topology-plugin/pkg/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
)

func makeAR(t *testing.T) (*assert.Assertions, *require.Assertions) {
	return assert.New(t), require.New(t)
}

// two packages with one NUMA node and one L3 each, two cores per package,
// performance processors in the first half and efficiency ones after
func testTree(t *testing.T, nprocs int64) *topology.Tree {
	s := platform.NewStatic()
	s.Scalars["hw.logicalcpu"] = nprocs
	s.Scalars["hw.packages"] = 2
	s.Scalars["machdep.cpu.core_count"] = 2
	s.Blobs["hw.cacheconfig"] = platform.EncodeUint64s([]uint64{uint64(nprocs / 2), 2, 2, uint64(nprocs / 2)})
	half := int(nprocs) / 2
	require.NoError(t, platform.AddHybridCPUs(s, "0-"+itoa(half-1), itoa(half)+"-"+itoa(2*half-1)))

	res, err := discovery.NewPipeline(s, discovery.Options{}, testr.New(t)).Run()
	require.NoError(t, err)
	return res.Tree
}

var itoa = strconv.Itoa

func ids(devices []Device) []string {
	var s []string
	for _, d := range devices {
		s = append(s, d.ID)
	}
	return s
}

func TestDevicesForPool(t *testing.T) {
	assert, require := makeAR(t)
	tree := testTree(t, 8)

	numa, err := DevicesForPool(tree, config.Pool{Name: "numa", Type: config.PoolTypeNUMA})
	require.NoError(err)
	assert.Equal([]string{"0", "1"}, ids(numa))
	assert.Equal("4-7", numa[1].CPUs.String())
	assert.Equal([]int{1}, numa[1].NUMANodes)

	l3, err := DevicesForPool(tree, config.Pool{Name: "l3", Type: config.PoolTypeL3})
	require.NoError(err)
	assert.Equal([]string{"0", "1"}, ids(l3))
	assert.Equal("0-3", l3[0].CPUs.String())

	pus, err := DevicesForPool(tree, config.Pool{Name: "cpu", Type: config.PoolTypePU})
	require.NoError(err)
	assert.Len(pus, 8)
	assert.Equal([]int{1}, pus[5].NUMANodes)

	kinds, err := DevicesForPool(tree, config.Pool{Name: "kinds", Type: config.PoolTypeCPUKind})
	require.NoError(err)
	assert.Equal([]string{"0", "1"}, ids(kinds))
	assert.Equal("4-7", kinds[0].CPUs.String())
	assert.Equal([]int{0}, kinds[1].NUMANodes)

	dev := numa[0].pluginDevice()
	assert.Equal(pluginapi.Healthy, dev.Health)
	require.Len(dev.Topology.Nodes, 1)
	assert.EqualValues(0, dev.Topology.Nodes[0].ID)

	_, err = DevicesForPool(tree, config.Pool{Name: "bad", Type: "socket"})
	assert.Error(err)
}

func TestAllocate(t *testing.T) {
	assert, require := makeAR(t)

	driver, err := newDriver(config.Pool{Name: "core", Type: config.PoolTypeCore}, testTree(t, 8), testr.New(t))
	require.NoError(err)

	res, err := driver.Allocate(context.Background(), &pluginapi.AllocateRequest{
		ContainerRequests: []*pluginapi.ContainerAllocateRequest{
			{DevicesIDs: []string{"0", "3"}},
			{DevicesIDs: []string{"1"}},
		},
	})
	require.NoError(err)
	require.Len(res.ContainerResponses, 2)
	assert.Equal(map[string]string{EnvCPUSet: "0-1,6-7", EnvNUMANodes: "0,1"}, res.ContainerResponses[0].Envs)
	assert.Equal(map[string]string{EnvCPUSet: "2-3", EnvNUMANodes: "0"}, res.ContainerResponses[1].Envs)

	_, err = driver.Allocate(context.Background(), &pluginapi.AllocateRequest{
		ContainerRequests: []*pluginapi.ContainerAllocateRequest{{DevicesIDs: []string{"9"}}},
	})
	assert.Error(err)
}

func TestGetPreferredAllocation(t *testing.T) {
	assert, require := makeAR(t)

	driver, err := newDriver(config.Pool{Name: "cpu", Type: config.PoolTypePU}, testTree(t, 8), testr.New(t))
	require.NoError(err)
	all := []string{"7", "6", "5", "4", "3", "2", "1", "0"}

	res, err := driver.GetPreferredAllocation(context.Background(), &pluginapi.PreferredAllocationRequest{
		ContainerRequests: []*pluginapi.ContainerPreferredAllocationRequest{
			{AvailableDeviceIDs: all, MustIncludeDeviceIDs: []string{"5"}, AllocationSize: 3},
			{AvailableDeviceIDs: all, AllocationSize: 6},
			{AvailableDeviceIDs: []string{"3", "6", "7"}, MustIncludeDeviceIDs: []string{"2"}, AllocationSize: 3},
		},
	})
	require.NoError(err)
	require.Len(res.ContainerResponses, 3)
	assert.Equal([]string{"5", "4", "6"}, res.ContainerResponses[0].DeviceIDs)
	assert.Equal([]string{"0", "1", "2", "3", "4", "5"}, res.ContainerResponses[1].DeviceIDs)
	assert.Equal([]string{"2", "3", "6"}, res.ContainerResponses[2].DeviceIDs)

	_, err = driver.GetPreferredAllocation(context.Background(), &pluginapi.PreferredAllocationRequest{
		ContainerRequests: []*pluginapi.ContainerPreferredAllocationRequest{
			{MustIncludeDeviceIDs: []string{"42"}, AllocationSize: 1},
		},
	})
	assert.Error(err)
}

type fakeStream struct {
	grpc.ServerStream
	ctx  context.Context
	sent chan *pluginapi.ListAndWatchResponse
}

func (s *fakeStream) Send(r *pluginapi.ListAndWatchResponse) error {
	s.sent <- r
	return nil
}

func (s *fakeStream) Context() context.Context {
	return s.ctx
}

func receive(t *testing.T, s *fakeStream) *pluginapi.ListAndWatchResponse {
	select {
	case r := <-s.sent:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no ListAndWatch response")
	}
	return nil
}

func TestListAndWatch(t *testing.T) {
	assert, require := makeAR(t)

	driver, err := newDriver(config.Pool{Name: "cpu", Type: config.PoolTypePU}, testTree(t, 8), testr.New(t))
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeStream{ctx: ctx, sent: make(chan *pluginapi.ListAndWatchResponse, 1)}
	done := make(chan error, 1)
	go func() {
		done <- driver.ListAndWatch(&pluginapi.Empty{}, stream)
	}()

	first := receive(t, stream)
	assert.Len(first.Devices, 8)
	assert.Equal("0", first.Devices[0].ID)

	require.NoError(driver.Update(testTree(t, 4)))
	second := receive(t, stream)
	assert.Len(second.Devices, 4)

	cancel()
	assert.NoError(<-done)
}

func TestOptions(t *testing.T) {
	assert, require := makeAR(t)

	driver, err := newDriver(config.Pool{Name: "numa", Type: config.PoolTypeNUMA}, testTree(t, 8), testr.New(t))
	require.NoError(err)
	opts, err := driver.GetDevicePluginOptions(context.Background(), &pluginapi.Empty{})
	require.NoError(err)
	assert.True(opts.GetPreferredAllocationAvailable)
	assert.False(opts.PreStartRequired)

	_, err = driver.PreStartContainer(context.Background(), &pluginapi.PreStartContainerRequest{})
	assert.NoError(err)
	assert.Equal("numa-topology.sock", driver.socketFile)
}
