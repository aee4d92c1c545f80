package discovery

import (
	"fmt"

	"github.com/stefanaki/topology-plugin/pkg/cpuset"
	"github.com/stefanaki/topology-plugin/pkg/platform"
	"github.com/stefanaki/topology-plugin/pkg/topology"
)

const fullyAssociative = 0xff

// buildCaches reads hw.cacheconfig, the number of processors sharing each
// level. Level 0 is memory and yields NUMA nodes, the others yield caches.
// Building stops at the first level shared by zero processors.
func (b *builder) buildCaches() error {
	config, wide, err := b.cacheConfig()
	if err != nil {
		b.logger.V(4).Info("No cache sharing information", "reason", err)
		return nil
	}
	sizes := b.cacheSizes(len(config), wide)
	lineSize := b.size("hw.cachelinesize")
	l1i := b.size("hw.l1icachesize")
	pageSize := b.size("hw.pagesize")

	for level, share := range config {
		if share == 0 {
			b.logger.V(4).Info("Stopping at level shared by no processor", "level", level)
			break
		}
		if level > topology.MaxCacheLevel {
			b.logger.Info("Ignoring cache levels beyond the deepest supported one", "level", level)
			break
		}
		if share > uint64(b.nprocs) {
			b.logger.Info("Cache level shared by more processors than present", "level", level, "share", share)
			continue
		}
		groups := b.nprocs / int(share)
		b.logger.V(4).Info("Cache level", "level", level, "share", share, "groups", groups, "size", sizes[level])

		for j := 0; j < groups; j++ {
			cpus, err := rangeSet(j, int(share))
			if err != nil {
				return err
			}
			if level == 0 {
				if err := b.insertNUMANode(j, cpus, sizes[0], pageSize); err != nil {
					return err
				}
				continue
			}

			cache := topology.Cache{
				Level:         level,
				Type:          topology.CacheUnified,
				Size:          sizes[level],
				LineSize:      lineSize,
				Associativity: b.associativity(level),
			}
			if level == 1 && l1i.Known() {
				cache.Type = topology.CacheData
				// The platform cannot tell how the instruction cache is
				// shared; assume it matches the data cache.
				icache := topology.NewObject(topology.Cache{
					Level:           1,
					Type:            topology.CacheInstruction,
					Size:            l1i,
					LineSize:        lineSize,
					Associativity:   topology.AssociativityUnknown,
					SharingInferred: true,
				}, cpus.Duplicate())
				icache.AddInfo("CacheSharing", "inferred")
				b.insert(topology.NewObject(cache, cpus))
				b.insert(icache)
				continue
			}
			b.insert(topology.NewObject(cache, cpus))
		}
	}
	return nil
}

// insertNUMANode records the level 0 size as the local memory of every
// node. An unknown size stays unknown.
func (b *builder) insertNUMANode(index int, cpus *cpuset.Bitmap, memory, pageSize topology.Size) error {
	node := topology.NUMANode{OSIndex: index, LocalMemory: memory}
	var normal topology.PageType
	if size, ok := pageSize.Get(); ok {
		normal.Size = size
		if local, ok := node.LocalMemory.Get(); ok {
			normal.Count = local / size
		}
	}
	// no large pages
	node.PageTypes = []topology.PageType{normal, {}}

	obj := topology.NewObject(node, cpus)
	nodes, err := cpuset.Of(index)
	if err != nil {
		return err
	}
	obj.NodeSet = nodes
	if !b.filter.Keeps(obj.Type()) {
		b.logger.V(4).Info("Filtered out object", "object", obj)
		return nil
	}
	b.insert(obj)
	b.tree.Support.NUMA = true
	if node.LocalMemory.Known() {
		b.tree.Support.NUMAMemory = true
	}
	return nil
}

// cacheConfig decodes hw.cacheconfig. Entries are 64 bits wide, except on
// systems that report 32-bit entries, detected by an implausible first
// 64-bit entry.
func (b *builder) cacheConfig() ([]uint64, bool, error) {
	n, err := b.snapshot.BlobLen("hw.cacheconfig")
	if err != nil {
		return nil, false, err
	}
	if n == 0 || n%4 != 0 {
		return nil, false, fmt.Errorf("hw.cacheconfig is %d bytes long: %w", n, platform.ErrMalformed)
	}
	blob, err := b.snapshot.Blob("hw.cacheconfig")
	if err != nil {
		return nil, false, err
	}
	if len(blob)%8 == 0 {
		config := platform.Uint64s(blob)
		if config[0] <= 0xffffffff {
			return config, true, nil
		}
	}
	narrow := platform.Uint32s(blob)
	config := make([]uint64, len(narrow))
	for i, v := range narrow {
		config[i] = uint64(v)
	}
	return config, false, nil
}

// cacheSizes returns n per level sizes from hw.cachesize, decoded with the
// width of hw.cacheconfig, falling back to the individual size sysctls.
func (b *builder) cacheSizes(n int, wide bool) []topology.Size {
	sizes := make([]topology.Size, n)
	blob, err := b.snapshot.Blob("hw.cachesize")
	if err == nil {
		var values []uint64
		if wide {
			values = platform.Uint64s(blob)
		} else {
			for _, v := range platform.Uint32s(blob) {
				values = append(values, uint64(v))
			}
		}
		for i := 0; i < n && i < len(values); i++ {
			if values[i] > 0 {
				sizes[i] = topology.Bytes(values[i])
			}
		}
		return sizes
	}

	b.logger.V(4).Info("Falling back to individual cache size sysctls", "reason", err)
	for i, name := range []string{"hw.memsize", "hw.l1dcachesize", "hw.l2cachesize", "hw.l3cachesize"} {
		if i < n {
			sizes[i] = b.size(name)
		}
	}
	return sizes
}

// size reads an optional byte count. Zero counts as unknown.
func (b *builder) size(name string) topology.Size {
	v, err := b.snapshot.Scalar(name)
	if err != nil || v <= 0 {
		return topology.Size{}
	}
	return topology.Bytes(uint64(v))
}

// associativity is only reported for the first two levels.
func (b *builder) associativity(level int) int {
	var name string
	switch level {
	case 1:
		name = "machdep.cpu.cache.L1_associativity"
	case 2:
		name = "machdep.cpu.cache.L2_associativity"
	default:
		return topology.AssociativityUnknown
	}
	v, err := b.snapshot.Scalar(name)
	switch {
	case err != nil, v <= 0:
		return topology.AssociativityUnknown
	case v == fullyAssociative:
		return topology.AssociativityFull
	}
	return int(v)
}
