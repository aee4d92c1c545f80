package platform

import (
	"fmt"
	"os"

	"k8s.io/apimachinery/pkg/util/yaml"
)

// Static is a Snapshot backed by in-memory values. It serves recorded
// snapshots, the lscpu adapter, and tests.
type Static struct {
	Scalars map[string]int64
	Strings map[string]string
	Blobs   map[string][]byte
	Devices map[string][]Device
}

// Device is one recorded device-tree child entry.
type Device struct {
	Name       string
	Properties map[string]Value
}

// NewStatic returns an empty Static snapshot.
func NewStatic() *Static {
	return &Static{
		Scalars: make(map[string]int64),
		Strings: make(map[string]string),
		Blobs:   make(map[string][]byte),
		Devices: make(map[string][]Device),
	}
}

func (s *Static) Scalar(name string) (int64, error) {
	v, ok := s.Scalars[name]
	if !ok {
		return 0, unavailable(name)
	}
	return v, nil
}

func (s *Static) String(name string, maxLen int) (string, error) {
	v, ok := s.Strings[name]
	if !ok {
		return "", unavailable(name)
	}
	if maxLen > 0 && len(v) > maxLen {
		v = v[:maxLen]
	}
	return v, nil
}

func (s *Static) BlobLen(name string) (int, error) {
	v, ok := s.Blobs[name]
	if !ok {
		return 0, unavailable(name)
	}
	return len(v), nil
}

func (s *Static) Blob(name string) ([]byte, error) {
	v, ok := s.Blobs[name]
	if !ok {
		return nil, unavailable(name)
	}
	return append([]byte(nil), v...), nil
}

func (s *Static) Children(path string) (Iterator, error) {
	devices, ok := s.Devices[path]
	if !ok {
		return nil, unavailable(path)
	}
	return &staticIterator{devices: devices}, nil
}

type staticIterator struct {
	devices []Device
	next    int
}

func (it *staticIterator) Next() (Entry, bool) {
	if it.next >= len(it.devices) {
		return nil, false
	}
	d := it.devices[it.next]
	it.next++
	return staticEntry{device: d}, true
}

func (it *staticIterator) Close() error {
	it.devices = nil
	return nil
}

type staticEntry struct {
	device Device
}

func (e staticEntry) Name() string { return e.device.Name }

func (e staticEntry) Property(name string) (Value, error) {
	v, ok := e.device.Properties[name]
	if !ok {
		return nil, unavailable(name)
	}
	return v, nil
}

func (staticEntry) Release() {}

// snapshotFile is the on-disk layout of a recorded snapshot.
//
//	scalars:
//	  hw.logicalcpu: 8
//	strings:
//	  machdep.cpu.brand_string: Apple M1
//	arrays:             # stored as blobs of 64-bit integers
//	  hw.cacheconfig: [8, 1, 4, 0]
//	devices:
//	  "IODeviceTree:/cpus":
//	    - name: cpu0
//	      properties:
//	        logical-cpu-id: 0
//	        cluster-type: E            # strings become NUL-terminated data
//	        compatible: ["apple,icestorm", "ARM,v8"]
type snapshotFile struct {
	Scalars map[string]int64        `json:"scalars"`
	Strings map[string]string       `json:"strings"`
	Arrays  map[string][]uint64     `json:"arrays"`
	Devices map[string][]deviceFile `json:"devices"`
}

type deviceFile struct {
	Name       string                 `json:"name"`
	Properties map[string]interface{} `json:"properties"`
}

// LoadStatic reads a recorded snapshot from a YAML or JSON file.
func LoadStatic(filename string) (*Static, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseStatic(data)
}

// ParseStatic decodes a recorded snapshot.
func ParseStatic(data []byte) (*Static, error) {
	var file snapshotFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	s := NewStatic()
	for k, v := range file.Scalars {
		s.Scalars[k] = v
	}
	for k, v := range file.Strings {
		s.Strings[k] = v
	}
	for k, v := range file.Arrays {
		s.Blobs[k] = EncodeUint64s(v)
	}
	for path, devices := range file.Devices {
		for _, d := range devices {
			device := Device{Name: d.Name, Properties: make(map[string]Value)}
			for name, raw := range d.Properties {
				v, err := toValue(raw)
				if err != nil {
					return nil, fmt.Errorf("device %s %s property %q: %w", path, d.Name, name, err)
				}
				device.Properties[name] = v
			}
			s.Devices[path] = append(s.Devices[path], device)
		}
	}
	return s, nil
}

func toValue(raw interface{}) (Value, error) {
	switch v := raw.(type) {
	case float64:
		return Integer(v), nil
	case int64:
		return Integer(v), nil
	case string:
		return CString(v), nil
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("list item of type %T: %w", item, ErrMalformed)
			}
			parts = append(parts, s)
		}
		return CString(parts...), nil
	}
	return nil, fmt.Errorf("value of type %T: %w", raw, ErrMalformed)
}
