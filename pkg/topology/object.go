package topology

import (
	"fmt"
	"strconv"

	"github.com/stefanaki/topology-plugin/pkg/cpuset"
)

// Kind is the closed set of object kinds: Root, NUMANode, Package, Cache,
// Core and PU. Each carries only the attributes relevant to it.
type Kind interface {
	// Name is the object type name, e.g. "Package" or "L1iCache".
	Name() string

	// rank orders kinds whose objects cover the same cpuset, outermost
	// first.
	rank() int
}

type Root struct{}

type NUMANode struct {
	OSIndex     int
	LocalMemory Size
	PageTypes   []PageType
}

type PageType struct {
	Size  uint64 `json:"size"`
	Count uint64 `json:"count"`
}

type Package struct {
	OSIndex int
}

type Core struct {
	OSIndex int
}

// PU is a processing unit: one logical processor.
type PU struct {
	OSIndex int
}

type CacheType int

const (
	CacheUnified CacheType = iota
	CacheData
	CacheInstruction
)

func (t CacheType) String() string {
	switch t {
	case CacheData:
		return "data"
	case CacheInstruction:
		return "instruction"
	}
	return "unified"
}

// Associativity markers that are not a number of ways.
const (
	AssociativityUnknown = 0
	AssociativityFull    = -1
)

// MaxCacheLevel is the deepest cache level a tree can hold.
const MaxCacheLevel = 5

type Cache struct {
	Level         int
	Type          CacheType
	Size          Size
	LineSize      Size
	Associativity int

	// SharingInferred is set when the cpuset was copied from a sibling
	// cache instead of being reported by the platform.
	SharingInferred bool
}

func (Root) Name() string     { return "Machine" }
func (NUMANode) Name() string { return "NUMANode" }
func (Package) Name() string  { return "Package" }
func (Core) Name() string     { return "Core" }
func (PU) Name() string       { return "PU" }

func (c Cache) Name() string {
	if c.Type == CacheInstruction {
		return fmt.Sprintf("L%diCache", c.Level)
	}
	return fmt.Sprintf("L%dCache", c.Level)
}

func (Root) rank() int     { return 0 }
func (NUMANode) rank() int { return 1 }
func (Package) rank() int  { return 2 }
func (Core) rank() int     { return 4 + 2*MaxCacheLevel }
func (PU) rank() int       { return 5 + 2*MaxCacheLevel }

// Outer levels first, instruction below data. Data and unified caches of
// a level share the type name L<n>Cache and so share a rank: a second
// one over the same cpuset is a duplicate.
func (c Cache) rank() int {
	r := 3 + 2*(MaxCacheLevel-c.Level)
	if c.Type == CacheInstruction {
		r++
	}
	return r
}

// Size is an optional byte count. The zero value means unknown, which is
// distinct from a known size of zero bytes.
type Size struct {
	bytes uint64
	known bool
}

func Bytes(n uint64) Size {
	return Size{bytes: n, known: true}
}

func (s Size) Get() (uint64, bool) {
	return s.bytes, s.known
}

func (s Size) Known() bool { return s.known }

func (s Size) String() string {
	if !s.known {
		return "unknown"
	}
	return strconv.FormatUint(s.bytes, 10)
}

type Info struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Object is a node of a topology tree.
type Object struct {
	Kind Kind

	// CPUSet holds the logical processors beneath the object.
	CPUSet *cpuset.Bitmap

	// NodeSet holds NUMA node indexes, for NUMANode and Root only.
	NodeSet *cpuset.Bitmap

	// Infos keeps descriptive metadata in insertion order.
	Infos []Info

	// LogicalIndex numbers objects of the same type name in tree order.
	LogicalIndex int

	parent   *Object
	children []*Object
}

// NewObject returns a detached object that takes ownership of cpus.
func NewObject(kind Kind, cpus *cpuset.Bitmap) *Object {
	return &Object{Kind: kind, CPUSet: cpus, LogicalIndex: -1}
}

func (o *Object) Type() string {
	return o.Kind.Name()
}

// OSIndex returns the operating system index of the object, or -1 for
// kinds that have none.
func (o *Object) OSIndex() int {
	switch k := o.Kind.(type) {
	case NUMANode:
		return k.OSIndex
	case Package:
		return k.OSIndex
	case Core:
		return k.OSIndex
	case PU:
		return k.OSIndex
	}
	return -1
}

func (o *Object) Parent() *Object { return o.parent }

// Children returns the children ordered by their first processor.
func (o *Object) Children() []*Object {
	return o.children
}

func (o *Object) Depth() int {
	d := 0
	for p := o.parent; p != nil; p = p.parent {
		d++
	}
	return d
}

// AddInfo appends a descriptive pair. Empty values are ignored.
func (o *Object) AddInfo(name, value string) {
	if value == "" {
		return
	}
	o.Infos = append(o.Infos, Info{Name: name, Value: value})
}

func (o *Object) Info(name string) (string, bool) {
	for _, info := range o.Infos {
		if info.Name == name {
			return info.Value, true
		}
	}
	return "", false
}

func (o *Object) String() string {
	s := o.Type()
	if idx := o.OSIndex(); idx >= 0 {
		s += fmt.Sprintf(" P#%d", idx)
	}
	return s + " cpuset=" + o.CPUSet.String()
}
