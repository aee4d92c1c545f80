// Package cpuset provides the mutable bitmap of logical processor indexes
// that every topology object carries.
package cpuset

import (
	"encoding/json"
	"errors"
	"fmt"

	"k8s.io/utils/cpuset"
)

// MaxCPUs is the number of logical processors a Bitmap can address.
const MaxCPUs = 1 << 16

// ErrExhausted is returned when a Bitmap would grow past MaxCPUs.
var ErrExhausted = errors.New("cpuset capacity exhausted")

// Bitmap is a set of logical processor indexes.
//
// A Bitmap is owned by exactly one topology object. It is mutated by its
// owner while the object is built and must not be modified once the
// object is inserted in a tree; use Duplicate to get an independent copy.
type Bitmap struct {
	cpus cpuset.CPUSet
}

// New allocates an empty Bitmap.
func New() *Bitmap {
	return &Bitmap{cpus: cpuset.New()}
}

// Of returns a Bitmap containing cpus.
func Of(cpus ...int) (*Bitmap, error) {
	b := New()
	for _, cpu := range cpus {
		if err := b.Set(cpu); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Range returns a Bitmap containing lo through hi inclusive.
func Range(lo, hi int) (*Bitmap, error) {
	b := New()
	if err := b.SetRange(lo, hi); err != nil {
		return nil, err
	}
	return b, nil
}

// Parse parses the Linux cpuset list format, e.g. "0-3,8".
func Parse(s string) (*Bitmap, error) {
	cpus, err := cpuset.Parse(s)
	if err != nil {
		return nil, err
	}
	if cpus.Size() > 0 {
		list := cpus.List()
		if list[0] < 0 {
			return nil, fmt.Errorf("negative cpu index %d", list[0])
		}
		if list[len(list)-1] >= MaxCPUs {
			return nil, fmt.Errorf("parse %q: %w", s, ErrExhausted)
		}
	}
	return &Bitmap{cpus: cpus}, nil
}

// MustParse is like Parse but panics on malformed input.
func MustParse(s string) *Bitmap {
	b, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return b
}

func checkIndex(i int) error {
	switch {
	case i < 0:
		return fmt.Errorf("negative cpu index %d", i)
	case i >= MaxCPUs:
		return fmt.Errorf("cpu index %d: %w", i, ErrExhausted)
	}
	return nil
}

// Set adds cpu i.
func (b *Bitmap) Set(i int) error {
	if err := checkIndex(i); err != nil {
		return err
	}
	b.cpus = b.cpus.Union(cpuset.New(i))
	return nil
}

// SetRange adds lo through hi inclusive.
func (b *Bitmap) SetRange(lo, hi int) error {
	if lo > hi {
		lo, hi = hi, lo
	}
	if err := checkIndex(lo); err != nil {
		return err
	}
	if err := checkIndex(hi); err != nil {
		return err
	}
	ids := make([]int, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		ids = append(ids, i)
	}
	b.cpus = b.cpus.Union(cpuset.New(ids...))
	return nil
}

// IsZero returns whether the set is empty.
func (b *Bitmap) IsZero() bool {
	return b == nil || b.cpus.IsEmpty()
}

// Contains returns whether cpu i is in the set.
func (b *Bitmap) Contains(i int) bool {
	return b != nil && b.cpus.Contains(i)
}

// Weight returns the number of cpus in the set.
func (b *Bitmap) Weight() int {
	if b == nil {
		return 0
	}
	return b.cpus.Size()
}

// First returns the lowest index in the set, or -1 when it is empty.
func (b *Bitmap) First() int {
	if b.IsZero() {
		return -1
	}
	return b.cpus.List()[0]
}

// Last returns the highest index in the set, or -1 when it is empty.
func (b *Bitmap) Last() int {
	if b.IsZero() {
		return -1
	}
	list := b.cpus.List()
	return list[len(list)-1]
}

// List returns the sorted indexes in the set.
func (b *Bitmap) List() []int {
	if b == nil {
		return nil
	}
	return b.cpus.List()
}

// Union returns a new Bitmap holding the cpus of b and all others.
func (b *Bitmap) Union(others ...*Bitmap) *Bitmap {
	result := b.Duplicate()
	for _, other := range others {
		if other != nil {
			result.cpus = result.cpus.Union(other.cpus)
		}
	}
	return result
}

// Intersection returns a new Bitmap holding the cpus in both b and other.
func (b *Bitmap) Intersection(other *Bitmap) *Bitmap {
	if b == nil || other == nil {
		return New()
	}
	return &Bitmap{cpus: b.cpus.Intersection(other.cpus)}
}

// Intersects returns whether b and other share at least one cpu.
func (b *Bitmap) Intersects(other *Bitmap) bool {
	return !b.Intersection(other).IsZero()
}

// IsSubsetOf returns whether every cpu of b is in other.
func (b *Bitmap) IsSubsetOf(other *Bitmap) bool {
	if b.IsZero() {
		return true
	}
	if other == nil {
		return false
	}
	return b.cpus.IsSubsetOf(other.cpus)
}

// Equal returns whether b and other hold the same cpus.
func (b *Bitmap) Equal(other *Bitmap) bool {
	if b.IsZero() || other.IsZero() {
		return b.IsZero() && other.IsZero()
	}
	return b.cpus.Equals(other.cpus)
}

// Duplicate returns a deep copy with independent ownership.
func (b *Bitmap) Duplicate() *Bitmap {
	if b == nil {
		return New()
	}
	return &Bitmap{cpus: b.cpus.Clone()}
}

// String returns the canonical list form, e.g. "0-3,8".
func (b *Bitmap) String() string {
	if b.IsZero() {
		return ""
	}
	return b.cpus.String()
}

func (b *Bitmap) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *Bitmap) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*b = *parsed
	return nil
}
