package model

import "errors"

var (
	// ErrUnsupportedTensorRank is returned when a container tensor's
	// Dimensions isn't the expected 3-element [channels,height,width]
	// triple, or declares a dtype convertWeightBytes doesn't know.
	ErrUnsupportedTensorRank = errors.New("model: unsupported weight tensor rank")
	// ErrWeightSizeMismatch is returned when a declared tensor's byte
	// length doesn't match its dimensions (gguf.ValidateCatalog should
	// have already caught this; this is a defensive second check at
	// conversion time).
	ErrWeightSizeMismatch = errors.New("model: weight byte length does not match declared dimensions")
	// ErrEmptyTokens is returned by Step when called with no tokens.
	ErrEmptyTokens = errors.New("model: step called with zero tokens")
	// ErrContextOverflow is returned when pastLength+len(tokens) would
	// exceed the model's context length and KV-cache wrap is disabled.
	ErrContextOverflow = errors.New("model: past_length + tokens exceeds context length")
)
