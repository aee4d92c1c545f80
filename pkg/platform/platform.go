// Package platform defines the query surface discovery backends use to read
// raw platform signals: sysctl-style scalars, strings and blobs, plus
// device-tree child enumeration.
//
// Every query may legitimately report ErrUnavailable; callers treat that as
// a reason to fall back or omit an attribute, never as a failure.
package platform

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable reports that a named value does not exist.
	ErrUnavailable = errors.New("value not available")

	// ErrMalformed reports a value of the wrong type, length or encoding.
	ErrMalformed = errors.New("malformed value")
)

// CPUsDevicePath is the device-tree node whose children describe the
// logical processors.
const CPUsDevicePath = "IODeviceTree:/cpus"

// Snapshot answers named queries against the platform.
type Snapshot interface {
	// Scalar returns an integer value.
	Scalar(name string) (int64, error)

	// String returns a string value truncated to maxLen bytes. A maxLen of
	// zero or less means no limit.
	String(name string, maxLen int) (string, error)

	// BlobLen returns the length of a raw value without fetching it.
	BlobLen(name string) (int, error)

	// Blob returns a raw value.
	Blob(name string) ([]byte, error)

	// Children enumerates the child entries of a device-tree node. The
	// returned Iterator must be closed.
	Children(path string) (Iterator, error)
}

// Iterator walks the child entries of a device-tree node.
type Iterator interface {
	// Next returns the next entry, or false once the iteration is done.
	// Every returned entry must be released by the caller.
	Next() (Entry, bool)

	// Close releases the iteration handle.
	Close() error
}

// Entry is one device-tree child entry.
type Entry interface {
	Name() string

	// Property looks up a typed property of the entry.
	Property(name string) (Value, error)

	// Release frees the handle held for this entry.
	Release()
}

// Value is a typed device property: either an Integer or Data.
type Value interface {
	// TypeName names the dynamic type for diagnostics.
	TypeName() string

	isValue()
}

// Integer is a numeric device property.
type Integer int64

// Data is a raw byte device property.
type Data []byte

func (Integer) TypeName() string { return "integer" }
func (Data) TypeName() string    { return "data" }

func (Integer) isValue() {}
func (Data) isValue()    {}

// Unexpected builds the error for a property of the wrong type.
func Unexpected(name string, v Value) error {
	return fmt.Errorf("property %q has type %s: %w", name, v.TypeName(), ErrMalformed)
}

func unavailable(name string) error {
	return fmt.Errorf("%s: %w", name, ErrUnavailable)
}
