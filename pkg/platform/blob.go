package platform

import "encoding/binary"

// Uint64s decodes a blob of host-order (little endian) 64-bit integers.
// Trailing bytes that do not form a full integer are ignored.
func Uint64s(blob []byte) []uint64 {
	values := make([]uint64, len(blob)/8)
	for i := range values {
		values[i] = binary.LittleEndian.Uint64(blob[i*8:])
	}
	return values
}

// Uint32s decodes a blob of host-order (little endian) 32-bit integers.
func Uint32s(blob []byte) []uint32 {
	values := make([]uint32, len(blob)/4)
	for i := range values {
		values[i] = binary.LittleEndian.Uint32(blob[i*4:])
	}
	return values
}

// EncodeUint64s is the inverse of Uint64s.
func EncodeUint64s(values []uint64) []byte {
	blob := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(blob[i*8:], v)
	}
	return blob
}

// EncodeUint32s is the inverse of Uint32s.
func EncodeUint32s(values []uint32) []byte {
	blob := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(blob[i*4:], v)
	}
	return blob
}

// CString encodes strings the way device-tree string properties are laid
// out: each string followed by a NUL byte.
func CString(values ...string) Data {
	var data []byte
	for _, v := range values {
		data = append(data, v...)
		data = append(data, 0)
	}
	return data
}
