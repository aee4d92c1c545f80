package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/stefanaki/topology-plugin/pkg/config"
	"github.com/stefanaki/topology-plugin/pkg/discovery"
	"github.com/stefanaki/topology-plugin/pkg/platform"
	"github.com/stefanaki/topology-plugin/pkg/plugin"
	"github.com/stefanaki/topology-plugin/pkg/topology"
	"k8s.io/klog/v2"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
)

func main() {
	var configFile *string = flag.String("config", "", "Path to the configuration file")
	var snapshotFile *string = flag.String("snapshot", "", "Path to a recorded platform snapshot, overrides the configuration")
	var exportFile *string = flag.String("export", "", "Write the discovered topology as JSON to this file")
	var serve *bool = flag.Bool("serve", false, "Advertise the topology to the kubelet as device plugins")
	var nodeLabels *string = flag.String("node-labels", "", "Labels of this node (key=value,...) used to select pools")
	klog.InitFlags(nil)
	flag.Parse()

	logger := klog.NewKlogr()

	conf := config.Default()
	if *configFile != "" {
		var err error
		if conf, err = config.Load(*configFile); err != nil {
			logger.Error(err, "Failed to load configuration", "file", *configFile)
			os.Exit(1)
		}
	}
	if *snapshotFile != "" {
		conf.Snapshot = *snapshotFile
	}
	logger.Info("Loaded configuration", "config", conf)

	tree, err := discover(conf, logger)
	if err != nil {
		logger.Error(err, "Topology discovery failed")
		os.Exit(1)
	}
	fmt.Print(tree.String())

	if *exportFile != "" {
		if err := tree.Export().SaveToFile(*exportFile); err != nil {
			logger.Error(err, "Failed to export topology", "file", *exportFile)
			os.Exit(1)
		}
		logger.Info("Exported topology", "file", *exportFile)
	}
	if !*serve {
		return
	}

	labels, err := config.ParseNodeLabels(*nodeLabels)
	if err != nil {
		logger.Error(err, "Invalid node labels")
		os.Exit(1)
	}
	pools, selector, err := conf.PoolsForNode(labels)
	if err != nil {
		logger.Error(err, "No pools for this node")
		os.Exit(1)
	}
	logger.Info("Selected pools", "pools", pools, "nodeSelector", selector)

	// Device plugins
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error(err, "Failed to create fsnotify watcher")
		os.Exit(1)
	}
	defer watcher.Close()
	if err := watcher.Add(pluginapi.KubeletSocket); err != nil {
		logger.Error(err, "Failed to watch kubelet socket")
	}
	if conf.Snapshot != "" {
		if err := watcher.Add(conf.Snapshot); err != nil {
			logger.Error(err, "Failed to watch snapshot", "file", conf.Snapshot)
		}
	}
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	poolPlugins, err := plugin.CreatePluginsForPools(pools, tree, logger)
	if err != nil {
		logger.Error(err, "Failed to create device plugins")
		os.Exit(1)
	}
	for {
		select {
		case sig := <-signalCh:
			switch sig {
			case syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT:
				logger.Info("Received signal, shutting down", "signal", sig)
				if err := plugin.StopPlugins(poolPlugins); err != nil {
					logger.Error(err, "Failed to stop pool plugins")
				}
				return
			}
			logger.Info("Received signal", "signal", sig)
		case err := <-watcher.Errors:
			logger.Error(err, "Watcher failed")
		case event := <-watcher.Events:
			if event.Name == conf.Snapshot {
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				logger.Info("Snapshot changed, rediscovering", "event", event)
				next, err := discover(conf, logger)
				if err != nil {
					logger.Error(err, "Topology rediscovery failed, keeping the previous topology")
					continue
				}
				tree = next
				if err := plugin.UpdatePlugins(poolPlugins, tree); err != nil {
					logger.Error(err, "Failed to update pool plugins")
				}
				continue
			}
			logger.Info("Kubelet change event in plugin path", "event", event)
			if err := plugin.StopPlugins(poolPlugins); err != nil {
				logger.Error(err, "Failed to stop pool plugins")
			}
			poolPlugins, err = plugin.CreatePluginsForPools(pools, tree, logger)
			if err != nil {
				logger.Error(err, "Failed to create device plugins")
				os.Exit(1)
			}
		}
	}
}

func discover(conf *config.Config, logger logr.Logger) (*topology.Tree, error) {
	filter, err := conf.Filter()
	if err != nil {
		return nil, err
	}
	var snapshot platform.Snapshot
	if conf.Snapshot != "" {
		snapshot, err = platform.LoadStatic(conf.Snapshot)
	} else {
		snapshot, err = platform.Live()
	}
	if err != nil {
		return nil, err
	}

	result, err := discovery.NewPipeline(snapshot, discovery.Options{Filter: filter}, logger).Run()
	if err != nil {
		return nil, err
	}
	logger.Info("Discovered topology",
		"pus", len(result.Tree.PUs()),
		"packages", result.Layout.Packages,
		"logicalPerPackage", result.Layout.LogicalPerPackage,
		"logicalPerPackageSource", result.Layout.LogicalPerPackageSource,
		"cpuKinds", len(result.Tree.CPUKinds()))
	return result.Tree, nil
}
