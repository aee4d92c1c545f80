package discovery

import (
	"fmt"
	"strings"

	"github.com/stefanaki/topology-plugin/pkg/topology"
)

type FilterPolicy string

const (
	FilterKeep FilterPolicy = "keep"
	FilterNone FilterPolicy = "none"
)

// Filter maps object type names (Package, Core, NUMANode, L2Cache,
// L1iCache, ...) to a policy. Types that are not listed are kept.
type Filter map[string]FilterPolicy

func (f Filter) Keeps(name string) bool {
	return f[name] != FilterNone
}

// ParseFilter checks the type names and policies of raw settings.
func ParseFilter(raw map[string]string) (Filter, error) {
	f := make(Filter, len(raw))
	for name, policy := range raw {
		if !filterable(name) {
			return nil, fmt.Errorf("cannot filter object type %q", name)
		}
		switch p := FilterPolicy(strings.ToLower(policy)); p {
		case FilterKeep, FilterNone:
			f[name] = p
		default:
			return nil, fmt.Errorf("unknown filter policy %q for %s", policy, name)
		}
	}
	return f, nil
}

// Machine and PU objects are always kept.
func filterable(name string) bool {
	switch name {
	case "NUMANode", "Package", "Core":
		return true
	}
	var level int
	var suffix string
	if n, _ := fmt.Sscanf(name, "L%d%s", &level, &suffix); n == 2 && level >= 1 && level <= topology.MaxCacheLevel {
		return suffix == "Cache" || suffix == "iCache"
	}
	return false
}
