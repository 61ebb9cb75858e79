package gguf

import "fmt"

// ModelParams is the subset of metadata the transformer model assembly
// step needs, extracted and validated once at init.
type ModelParams struct {
	HeadCount       uint32
	BlockCount      uint32
	LayerNormRMSEps float32
	ContextLength   uint32
}

// ParamKeys names the four required metadata keys, scoped by an
// architecture prefix (e.g. "llama"), matching spec.md's
// `*.attention.head_count` style wildcard.
type ParamKeys struct {
	Architecture string
}

func (k ParamKeys) headCount() string {
	return k.Architecture + ".attention.head_count"
}

func (k ParamKeys) blockCount() string {
	return k.Architecture + ".block_count"
}

func (k ParamKeys) rmsEps() string {
	return k.Architecture + ".attention.layer_norm_rms_epsilon"
}

func (k ParamKeys) contextLength() string {
	return k.Architecture + ".context_length"
}

// ExtractParams reads and validates the four required metadata keys.
func ExtractParams(meta Metadata, keys ParamKeys) (ModelParams, error) {
	headCount, err := meta.Uint32(keys.headCount())
	if err != nil {
		return ModelParams{}, err
	}
	blockCount, err := meta.Uint32(keys.blockCount())
	if err != nil {
		return ModelParams{}, err
	}
	eps, err := meta.Float32(keys.rmsEps())
	if err != nil {
		return ModelParams{}, err
	}
	ctxLen, err := meta.Uint32(keys.contextLength())
	if err != nil {
		return ModelParams{}, err
	}
	return ModelParams{
		HeadCount:       headCount,
		BlockCount:      blockCount,
		LayerNormRMSEps: eps,
		ContextLength:   ctxLen,
	}, nil
}

// RequiredTensorNames lists every tensor name a block_count = N model
// must provide, per spec.md §6.
func RequiredTensorNames(blockCount uint32) []string {
	names := []string{"token_embd.weight", "output.weight", "output_norm.weight"}
	for b := uint32(0); b < blockCount; b++ {
		names = append(names,
			fmt.Sprintf("blk.%d.attn_norm.weight", b),
			fmt.Sprintf("blk.%d.attn_k.weight", b),
			fmt.Sprintf("blk.%d.attn_q.weight", b),
			fmt.Sprintf("blk.%d.attn_v.weight", b),
			fmt.Sprintf("blk.%d.attn_output.weight", b),
			fmt.Sprintf("blk.%d.ffn_norm.weight", b),
			fmt.Sprintf("blk.%d.ffn_up.weight", b),
			fmt.Sprintf("blk.%d.ffn_down.weight", b),
			fmt.Sprintf("blk.%d.ffn_gate.weight", b),
		)
	}
	return names
}

// ValidateCatalog checks that every tensor RequiredTensorNames names is
// present, and that each descriptor's declared dimensions match the
// length of its raw bytes for its dtype.
func ValidateCatalog(c *Catalog, blockCount uint32) error {
	for _, name := range RequiredTensorNames(blockCount) {
		desc, err := c.Lookup(name)
		if err != nil {
			return err
		}
		if err := validateSize(desc); err != nil {
			return err
		}
	}
	return nil
}

func validateSize(d TensorDescriptor) error {
	elems := d.Elements()
	switch d.DType {
	case DTypeFP32:
		want := elems * 4
		if uint64(len(d.Raw)) != want {
			return fmt.Errorf("%w: %s fp32 wants %d bytes, got %d", ErrSizeMismatch, d.Name, want, len(d.Raw))
		}
	case DTypeFP16:
		want := elems * 2
		if uint64(len(d.Raw)) != want {
			return fmt.Errorf("%w: %s fp16 wants %d bytes, got %d", ErrSizeMismatch, d.Name, want, len(d.Raw))
		}
	case DTypeQ8_0:
		const blockSize = 32
		const blockBytes = 34
		blocks := (elems + blockSize - 1) / blockSize
		want := blocks * blockBytes
		if uint64(len(d.Raw)) != want {
			return fmt.Errorf("%w: %s q8_0 wants %d bytes, got %d", ErrSizeMismatch, d.Name, want, len(d.Raw))
		}
	default:
		return fmt.Errorf("%w: %s has unrecognized dtype", ErrMetadataType, d.Name)
	}
	return nil
}
