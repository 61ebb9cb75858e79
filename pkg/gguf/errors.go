package gguf

import "errors"

var (
	ErrMissingMetadataKey = errors.New("gguf: missing required metadata key")
	ErrMetadataType       = errors.New("gguf: metadata value has unexpected type")
	ErrMissingTensor      = errors.New("gguf: missing required tensor")
	ErrSizeMismatch       = errors.New("gguf: declared dimensions do not match raw byte length")
)
