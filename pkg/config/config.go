package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/stefanaki/topology-plugin/pkg/discovery"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/yaml"
)

// PoolType selects which objects of the topology a pool advertises.
type PoolType string

const (
	PoolTypeNUMA    PoolType = "numa"
	PoolTypePackage PoolType = "package"
	PoolTypeCore    PoolType = "core"
	PoolTypePU      PoolType = "pu"
	PoolTypeL3      PoolType = "l3"
	PoolTypeCPUKind PoolType = "cpukind"
)

// ObjectType returns the topology object type name a pool advertises, or
// "" for CPU kind pools.
func (t PoolType) ObjectType() string {
	switch t {
	case PoolTypeNUMA:
		return "NUMANode"
	case PoolTypePackage:
		return "Package"
	case PoolTypeCore:
		return "Core"
	case PoolTypePU:
		return "PU"
	case PoolTypeL3:
		return "L3Cache"
	}
	return ""
}

func (t PoolType) valid() bool {
	return t == PoolTypeCPUKind || t.ObjectType() != ""
}

type Pool struct {
	Name string   `json:"name"`
	Type PoolType `json:"type"`
}

type PoolConfig struct {
	NodeSelector map[string]string `json:"nodeSelector"`
	Pools        []Pool            `json:"pools"`
}

type Config struct {
	// Snapshot is an optional recorded platform snapshot used instead of
	// the live system.
	Snapshot string `json:"snapshot"`

	// Filters maps object type names to keep or none.
	Filters map[string]string `json:"filters"`

	PoolConfigs []PoolConfig `json:"poolConfigs"`
}

// Default advertises one pool per level of the tree.
func Default() *Config {
	return &Config{
		PoolConfigs: []PoolConfig{{
			Pools: []Pool{
				{Name: "numa", Type: PoolTypeNUMA},
				{Name: "socket", Type: PoolTypePackage},
				{Name: "core", Type: PoolTypeCore},
				{Name: "cpu", Type: PoolTypePU},
			},
		}},
	}
}

// Load reads a YAML configuration file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks filters and pools.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Filter(); err != nil {
		errs = append(errs, err)
	}
	for i, pc := range c.PoolConfigs {
		names := make(map[string]bool)
		for _, pool := range pc.Pools {
			if pool.Name == "" {
				errs = append(errs, fmt.Errorf("pool config %d: pool without a name", i))
			}
			if names[pool.Name] {
				errs = append(errs, fmt.Errorf("pool config %d: duplicate pool %q", i, pool.Name))
			}
			names[pool.Name] = true
			if !pool.Type.valid() {
				errs = append(errs, fmt.Errorf("pool %q: unknown type %q", pool.Name, pool.Type))
			}
		}
	}
	return errors.Join(errs...)
}

// Filter returns the discovery filter of the configuration.
func (c *Config) Filter() (discovery.Filter, error) {
	return discovery.ParseFilter(c.Filters)
}

// PoolsForNode returns the pools of the first pool config whose node
// selector matches nodeLabels. A config without a selector matches any
// node.
func (c *Config) PoolsForNode(nodeLabels map[string]string) ([]Pool, map[string]string, error) {
	for _, pc := range c.PoolConfigs {
		if len(pc.NodeSelector) == 0 {
			return pc.Pools, nil, nil
		}
		if labels.SelectorFromSet(pc.NodeSelector).Matches(labels.Set(nodeLabels)) {
			return pc.Pools, pc.NodeSelector, nil
		}
	}
	return nil, nil, errors.New("no config found for node")
}

// ParseNodeLabels parses labels in the "key=value,key=value" form.
func ParseNodeLabels(s string) (map[string]string, error) {
	if s == "" {
		return map[string]string{}, nil
	}
	set, err := labels.ConvertSelectorToLabelsMap(s)
	if err != nil {
		return nil, err
	}
	return set, nil
}
