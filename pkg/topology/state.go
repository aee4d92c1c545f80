package topology

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/stefanaki/topology-plugin/pkg/cpuset"
)

// State is the serializable form of a tree.
type State struct {
	Machine  ObjectState    `json:"machine"`
	CPUKinds []CPUKindState `json:"cpuKinds,omitempty"`
	Support  Support        `json:"support"`
}

type ObjectState struct {
	Type         string         `json:"type"`
	LogicalIndex int            `json:"logicalIndex"`
	OSIndex      *int           `json:"osIndex,omitempty"`
	CPUSet       *cpuset.Bitmap `json:"cpuset"`
	NodeSet      *cpuset.Bitmap `json:"nodeset,omitempty"`
	Cache        *CacheState    `json:"cache,omitempty"`
	Memory       *MemoryState   `json:"memory,omitempty"`
	Infos        []Info         `json:"infos,omitempty"`
	Children     []ObjectState  `json:"children,omitempty"`
}

type CacheState struct {
	Level           int     `json:"level"`
	Type            string  `json:"type"`
	Size            *uint64 `json:"size,omitempty"`
	LineSize        *uint64 `json:"lineSize,omitempty"`
	Associativity   int     `json:"associativity"`
	SharingInferred bool    `json:"sharingInferred,omitempty"`
}

type MemoryState struct {
	LocalMemory *uint64    `json:"localMemory,omitempty"`
	PageTypes   []PageType `json:"pageTypes,omitempty"`
}

type CPUKindState struct {
	CPUSet     *cpuset.Bitmap `json:"cpuset"`
	Efficiency int            `json:"efficiency"`
	Infos      []Info         `json:"infos,omitempty"`
}

func (t *Tree) Export() *State {
	s := &State{Machine: exportObject(t.root), Support: t.Support}
	for _, k := range t.kinds {
		s.CPUKinds = append(s.CPUKinds, CPUKindState{
			CPUSet:     k.CPUSet.Duplicate(),
			Efficiency: k.Efficiency,
			Infos:      append([]Info(nil), k.Infos...),
		})
	}
	return s
}

func exportObject(o *Object) ObjectState {
	s := ObjectState{
		Type:         o.Type(),
		LogicalIndex: o.LogicalIndex,
		CPUSet:       o.CPUSet.Duplicate(),
		Infos:        append([]Info(nil), o.Infos...),
	}
	if idx := o.OSIndex(); idx >= 0 {
		s.OSIndex = &idx
	}
	if o.NodeSet != nil {
		s.NodeSet = o.NodeSet.Duplicate()
	}
	switch k := o.Kind.(type) {
	case Cache:
		s.Cache = &CacheState{
			Level:           k.Level,
			Type:            k.Type.String(),
			Size:            sizePtr(k.Size),
			LineSize:        sizePtr(k.LineSize),
			Associativity:   k.Associativity,
			SharingInferred: k.SharingInferred,
		}
	case NUMANode:
		s.Memory = &MemoryState{LocalMemory: sizePtr(k.LocalMemory), PageTypes: k.PageTypes}
	}
	for _, c := range o.children {
		s.Children = append(s.Children, exportObject(c))
	}
	return s
}

func sizePtr(s Size) *uint64 {
	if n, ok := s.Get(); ok {
		return &n
	}
	return nil
}

func ptrSize(p *uint64) Size {
	if p == nil {
		return Size{}
	}
	return Bytes(*p)
}

// Tree rebuilds a tree from its serialized form by inserting every object
// again, so a state that nests objects inconsistently is rejected.
func (s *State) Tree() (*Tree, error) {
	if s.Machine.CPUSet.IsZero() {
		return nil, fmt.Errorf("machine: %w", ErrEmptyCPUSet)
	}
	t, err := New(s.Machine.CPUSet.Last() + 1)
	if err != nil {
		return nil, err
	}
	if !t.root.CPUSet.Equal(s.Machine.CPUSet) {
		return nil, fmt.Errorf("machine cpuset %s is not contiguous from 0", s.Machine.CPUSet)
	}
	t.root.Infos = append(t.root.Infos, s.Machine.Infos...)
	t.Support = s.Support

	var insert func(children []ObjectState) error
	insert = func(children []ObjectState) error {
		for _, c := range children {
			kind, err := c.kind()
			if err != nil {
				return err
			}
			obj := NewObject(kind, c.CPUSet.Duplicate())
			if c.NodeSet != nil {
				obj.NodeSet = c.NodeSet.Duplicate()
			}
			obj.Infos = append(obj.Infos, c.Infos...)
			res, err := t.Insert(obj)
			if err != nil {
				return err
			}
			if res.Outcome != Inserted {
				return fmt.Errorf("%s: %s", obj, res.Outcome)
			}
			if err := insert(c.Children); err != nil {
				return err
			}
		}
		return nil
	}
	if err := insert(s.Machine.Children); err != nil {
		return nil, err
	}
	for _, k := range s.CPUKinds {
		if err := t.RegisterCPUKind(k.CPUSet.Duplicate(), k.Efficiency, append([]Info(nil), k.Infos...)); err != nil {
			return nil, err
		}
	}
	t.AssignLogicalIndexes()
	return t, nil
}

func (o ObjectState) kind() (Kind, error) {
	osIndex := -1
	if o.OSIndex != nil {
		osIndex = *o.OSIndex
	}
	switch o.Type {
	case NUMANode{}.Name():
		k := NUMANode{OSIndex: osIndex}
		if o.Memory != nil {
			k.LocalMemory = ptrSize(o.Memory.LocalMemory)
			k.PageTypes = o.Memory.PageTypes
		}
		return k, nil
	case Package{}.Name():
		return Package{OSIndex: osIndex}, nil
	case Core{}.Name():
		return Core{OSIndex: osIndex}, nil
	case PU{}.Name():
		return PU{OSIndex: osIndex}, nil
	}
	if o.Cache != nil {
		if o.Cache.Level < 1 || o.Cache.Level > MaxCacheLevel {
			return nil, fmt.Errorf("cache level %d out of range", o.Cache.Level)
		}
		k := Cache{
			Level:           o.Cache.Level,
			Size:            ptrSize(o.Cache.Size),
			LineSize:        ptrSize(o.Cache.LineSize),
			Associativity:   o.Cache.Associativity,
			SharingInferred: o.Cache.SharingInferred,
		}
		switch o.Cache.Type {
		case CacheData.String():
			k.Type = CacheData
		case CacheInstruction.String():
			k.Type = CacheInstruction
		}
		return k, nil
	}
	return nil, fmt.Errorf("unknown object type %q", o.Type)
}

func LoadFromFile(filename string) (*State, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	state := &State{}
	err = json.Unmarshal(data, state)
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *State) SaveToFile(filename string) error {
	stateJSON, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, stateJSON, 0644)
}
