package plugin

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/stefanaki/topology-plugin/pkg/config"
	"github.com/stefanaki/topology-plugin/pkg/topology"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
)

type TopologyDevicePluginDriver struct {
	name       string
	socketFile string
	pool       config.Pool
	grpcServer *grpc.Server
	logger     logr.Logger

	mu      sync.RWMutex
	devices map[string]Device
	order   []string
	// changed is closed and replaced whenever the devices change.
	changed chan struct{}
	stop    chan struct{}
}

// newDriver computes the devices of a pool without serving them.
func newDriver(pool config.Pool, tree *topology.Tree, logger logr.Logger) (*TopologyDevicePluginDriver, error) {
	driver := &TopologyDevicePluginDriver{
		name:       pool.Name,
		socketFile: socketFileForPool(pool.Name),
		pool:       pool,
		logger:     logger.WithName(fmt.Sprintf("device-%s", pool.Name)),
		changed:    make(chan struct{}),
		stop:       make(chan struct{}),
	}
	if err := driver.Update(tree); err != nil {
		return nil, err
	}
	return driver, nil
}

func NewTopologyDevicePluginDriver(pool config.Pool, tree *topology.Tree, logger logr.Logger) (*TopologyDevicePluginDriver, error) {
	driver, err := newDriver(pool, tree, logger)
	if err != nil {
		return nil, err
	}
	if err := driver.deleteExistingSocket(); err != nil {
		return nil, fmt.Errorf("failed to delete existing socket: %v", err)
	}
	if err := driver.Start(); err != nil {
		return nil, fmt.Errorf("failed to start topology device plugin: %v", err)
	}
	if err := driver.Register(); err != nil {
		return nil, fmt.Errorf("failed to register topology device plugin: %v", err)
	}
	return driver, nil
}

// Update recomputes the devices from a new tree and wakes up the
// ListAndWatch streams.
func (c *TopologyDevicePluginDriver) Update(tree *topology.Tree) error {
	devices, err := DevicesForPool(tree, c.pool)
	if err != nil {
		return err
	}
	byID := make(map[string]Device, len(devices))
	order := make([]string, 0, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
		order = append(order, d.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = byID
	c.order = order
	close(c.changed)
	c.changed = make(chan struct{})
	c.logger.V(4).Info("Updated devices", "count", len(devices))
	return nil
}

func (c *TopologyDevicePluginDriver) snapshot() ([]Device, <-chan struct{}) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	devices := make([]Device, 0, len(c.order))
	for _, id := range c.order {
		devices = append(devices, c.devices[id])
	}
	return devices, c.changed
}

func (c *TopologyDevicePluginDriver) device(id string) (Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[id]
	return d, ok
}

func dialUnix(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{}
	return d.DialContext(ctx, "unix", addr)
}

func (c *TopologyDevicePluginDriver) Register() error {
	conn, err := grpc.Dial(pluginapi.KubeletSocket, grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(dialUnix))
	if err != nil {
		c.logger.Error(err, "Topology device plugin cannot connect to Kubelet service")
		return err
	}
	defer conn.Close()
	client := pluginapi.NewRegistrationClient(conn)
	request := &pluginapi.RegisterRequest{
		Version:      pluginapi.Version,
		Endpoint:     c.socketFile,
		ResourceName: fmt.Sprintf("%s/%s", Vendor, c.name),
		Options: &pluginapi.DevicePluginOptions{
			GetPreferredAllocationAvailable: true,
		},
	}

	if _, err = client.Register(context.Background(), request); err != nil {
		c.logger.Error(err, "Topology device plugin cannot register to Kubelet service")
		return err
	}
	c.logger.Info("Topology device plugin registered to Kubelet")
	return nil
}

func (c *TopologyDevicePluginDriver) Start() error {
	pluginEndpoint := filepath.Join(pluginapi.DevicePluginPath, c.socketFile)
	c.logger.Info("Starting topology device plugin server", "endpoint", pluginEndpoint)
	lis, err := net.Listen("unix", pluginEndpoint)
	if err != nil {
		c.logger.Error(err, "Starting topology device plugin server failed")
		return err
	}
	c.grpcServer = grpc.NewServer()
	pluginapi.RegisterDevicePluginServer(c.grpcServer, c)
	go func() {
		err := c.grpcServer.Serve(lis)
		if err != nil {
			c.logger.Error(err, "Topology device plugin server failed")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(ctx, pluginEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithContextDialer(dialUnix),
	)
	if err != nil {
		c.logger.Error(err, "Could not establish connection with gRPC server")
		return err
	}

	c.logger.Info("Topology device plugin server started serving")
	conn.Close()

	return nil
}

func (c *TopologyDevicePluginDriver) Stop() error {
	c.logger.Info("Stopping topology device plugin server")
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	if c.grpcServer != nil {
		c.grpcServer.Stop()
		c.grpcServer = nil
	}
	return c.deleteExistingSocket()
}

func (c *TopologyDevicePluginDriver) deleteExistingSocket() error {
	pluginEndpoint := filepath.Join(pluginapi.DevicePluginPath, c.socketFile)
	if err := os.Remove(pluginEndpoint); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func CreatePluginsForPools(pools []config.Pool, tree *topology.Tree, logger logr.Logger) ([]*TopologyDevicePluginDriver, error) {
	poolPlugins := make([]*TopologyDevicePluginDriver, 0)
	for _, pool := range pools {
		poolPlugin, err := NewTopologyDevicePluginDriver(pool, tree, logger)
		if err != nil {
			// leave nothing half registered
			_ = StopPlugins(poolPlugins)
			return nil, err
		}
		poolPlugins = append(poolPlugins, poolPlugin)
	}
	return poolPlugins, nil
}

func StopPlugins(poolPlugins []*TopologyDevicePluginDriver) error {
	for _, poolPlugin := range poolPlugins {
		if err := poolPlugin.Stop(); err != nil {
			return err
		}
	}
	return nil
}

// UpdatePlugins hands a rediscovered tree to every plugin.
func UpdatePlugins(poolPlugins []*TopologyDevicePluginDriver, tree *topology.Tree) error {
	for _, poolPlugin := range poolPlugins {
		if err := poolPlugin.Update(tree); err != nil {
			return err
		}
	}
	return nil
}
