// Package gguf holds the data model the external container parser hands
// to the engine: a metadata map and a tensor catalog. It does not parse
// any file format itself; the byte-level container parser is an
// external collaborator (spec.md's "out of scope" boundary). This
// package only validates that what the parser produced is complete
// enough to build a model from.
package gguf

import (
	"fmt"
)

// TensorDType enumerates the element types the container may declare
// for a tensor's raw bytes.
type TensorDType int

const (
	DTypeFP32 TensorDType = iota
	DTypeFP16
	DTypeQ8_0
)

func (d TensorDType) String() string {
	switch d {
	case DTypeFP32:
		return "fp32"
	case DTypeFP16:
		return "fp16"
	case DTypeQ8_0:
		return "q8_0"
	default:
		return "unknown"
	}
}

// Metadata is the key/value map read from the container's header.
// Values are stored as `any` and narrowed by the Uint32/Float32 helpers
// below, mirroring how gguf-parser-go's GGUFMetadataKV exposes raw
// values that callers then type-assert.
type Metadata map[string]any

// Uint32 fetches a required uint32 metadata value.
func (m Metadata) Uint32(key string) (uint32, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingMetadataKey, key)
	}
	switch n := v.(type) {
	case uint32:
		return n, nil
	case int:
		return uint32(n), nil
	case int64:
		return uint32(n), nil
	case uint64:
		return uint32(n), nil
	default:
		return 0, fmt.Errorf("%w: %s is %T, want uint32", ErrMetadataType, key, v)
	}
}

// Float32 fetches a required float32 metadata value.
func (m Metadata) Float32(key string) (float32, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingMetadataKey, key)
	}
	switch n := v.(type) {
	case float32:
		return n, nil
	case float64:
		return float32(n), nil
	default:
		return 0, fmt.Errorf("%w: %s is %T, want float32", ErrMetadataType, key, v)
	}
}

// TensorDescriptor is one catalog entry: a name, its rank-3-capable
// dimensions as declared by the container, its element type, and its
// raw bytes exactly as read from disk (still quantized if the on-disk
// type was q8_0).
type TensorDescriptor struct {
	Name       string
	Dimensions []uint64
	DType      TensorDType
	Raw        []byte
}

// Elements returns the total element count implied by Dimensions.
func (t TensorDescriptor) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Dimensions {
		n *= d
	}
	return n
}

// Catalog indexes tensor descriptors by name for the fast lookups the
// model assembly step needs.
type Catalog struct {
	byName map[string]TensorDescriptor
}

// NewCatalog builds a Catalog from a flat descriptor list.
func NewCatalog(descs []TensorDescriptor) *Catalog {
	c := &Catalog{byName: make(map[string]TensorDescriptor, len(descs))}
	for _, d := range descs {
		c.byName[d.Name] = d
	}
	return c
}

// Lookup returns the descriptor for name, or an error if absent.
func (c *Catalog) Lookup(name string) (TensorDescriptor, error) {
	d, ok := c.byName[name]
	if !ok {
		return TensorDescriptor{}, fmt.Errorf("%w: %s", ErrMissingTensor, name)
	}
	return d, nil
}

// Len returns the number of tensors in the catalog.
func (c *Catalog) Len() int {
	return len(c.byName)
}
