// Package model assembles the decoder-only transformer described in
// spec.md §4.7: input embedding, N repeated blocks, output norm,
// output projection and argmax, wired from weights uploaded out of a
// gguf.Catalog onto one pkg/gpu/device.Device.
package model

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/vkinfer/pkg/engineconfig"
	"github.com/orneryd/vkinfer/pkg/gguf"
	"github.com/orneryd/vkinfer/pkg/gpu/alloc"
	"github.com/orneryd/vkinfer/pkg/gpu/command"
	"github.com/orneryd/vkinfer/pkg/gpu/device"
	"github.com/orneryd/vkinfer/pkg/gpu/metrics"
	"github.com/orneryd/vkinfer/pkg/gpu/ops"
	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
	"github.com/orneryd/vkinfer/pkg/pool"
)

var log = logrus.WithField("component", "model")

// Model holds the device (which its caller opened and closes) and owns
// the suballocator, every uploaded weight tensor, and the per-stage
// command buffers spec.md §4.7 names: one
// for input embedding, one per transformer block, one for the output
// head.
type Model struct {
	dev    device.Device
	allocr *alloc.Allocator
	m      *metrics.Collectors

	params        gguf.ModelParams
	dModel        uint64
	headDim       uint64
	ffnWidth      uint64
	vocabSize     uint64
	contextLength uint64
	kvCacheWrap   bool

	tokenEmbd  *tensor.Tensor
	outputNorm *tensor.Tensor
	outputProj *tensor.Tensor

	blocks []*Block

	embedding *ops.Embedding
	rmsnorm   *ops.RMSNorm
	matmul    *ops.Matmul
	argmax    *ops.ArgOp
	slice     *ops.Slice

	embedCmd  *command.Command
	blockCmds []*command.Command
	outputCmd *command.Command
}

// New validates meta/catalog against the architecture's required keys
// and tensor names (spec.md §6), uploads every weight, builds each
// block's operators, and waits for the upload fence before returning.
func New(dev device.Device, arch string, meta gguf.Metadata, catalog *gguf.Catalog, cfg engineconfig.Config, collectors *metrics.Collectors) (*Model, error) {
	params, err := gguf.ExtractParams(meta, gguf.ParamKeys{Architecture: arch})
	if err != nil {
		return nil, fmt.Errorf("model: extract params: %w", err)
	}
	if err := gguf.ValidateCatalog(catalog, params.BlockCount); err != nil {
		return nil, fmt.Errorf("model: validate catalog: %w", err)
	}

	contextLength := uint64(params.ContextLength)
	if cfg.ContextLengthOverride != 0 {
		contextLength = uint64(cfg.ContextLengthOverride)
	}

	allocr := alloc.New(dev)

	uploadCmd, err := command.New(dev, allocr)
	if err != nil {
		return nil, err
	}
	uploadCmd.Begin()

	tokenEmbd, err := loadWeight(dev, allocr, uploadCmd, catalog, "token_embd.weight")
	if err != nil {
		return nil, err
	}
	outputNorm, err := loadWeight(dev, allocr, uploadCmd, catalog, "output_norm.weight")
	if err != nil {
		return nil, err
	}
	outputProj, err := loadWeight(dev, allocr, uploadCmd, catalog, "output.weight")
	if err != nil {
		return nil, err
	}

	dModel := outputNorm.Shape().Width
	headDim := dModel / uint64(params.HeadCount)
	ffnWidth := uint64(0)

	matmul, err := ops.NewMatmul(dev)
	if err != nil {
		return nil, err
	}
	mul, err := ops.NewElementWise(dev, ops.OpMul)
	if err != nil {
		return nil, err
	}
	add, err := ops.NewElementWise(dev, ops.OpAdd)
	if err != nil {
		return nil, err
	}
	rmsnorm, err := ops.NewRMSNorm(dev)
	if err != nil {
		return nil, err
	}

	blocks := make([]*Block, params.BlockCount)
	blockCmds := make([]*command.Command, params.BlockCount)
	for b := uint32(0); b < params.BlockCount; b++ {
		attnNorm, err := loadWeight(dev, allocr, uploadCmd, catalog, fmt.Sprintf("blk.%d.attn_norm.weight", b))
		if err != nil {
			return nil, err
		}
		wk, err := loadWeight(dev, allocr, uploadCmd, catalog, fmt.Sprintf("blk.%d.attn_k.weight", b))
		if err != nil {
			return nil, err
		}
		wq, err := loadWeight(dev, allocr, uploadCmd, catalog, fmt.Sprintf("blk.%d.attn_q.weight", b))
		if err != nil {
			return nil, err
		}
		wv, err := loadWeight(dev, allocr, uploadCmd, catalog, fmt.Sprintf("blk.%d.attn_v.weight", b))
		if err != nil {
			return nil, err
		}
		wo, err := loadWeight(dev, allocr, uploadCmd, catalog, fmt.Sprintf("blk.%d.attn_output.weight", b))
		if err != nil {
			return nil, err
		}
		ffnNorm, err := loadWeight(dev, allocr, uploadCmd, catalog, fmt.Sprintf("blk.%d.ffn_norm.weight", b))
		if err != nil {
			return nil, err
		}
		wGate, err := loadWeight(dev, allocr, uploadCmd, catalog, fmt.Sprintf("blk.%d.ffn_gate.weight", b))
		if err != nil {
			return nil, err
		}
		wUp, err := loadWeight(dev, allocr, uploadCmd, catalog, fmt.Sprintf("blk.%d.ffn_up.weight", b))
		if err != nil {
			return nil, err
		}
		wDown, err := loadWeight(dev, allocr, uploadCmd, catalog, fmt.Sprintf("blk.%d.ffn_down.weight", b))
		if err != nil {
			return nil, err
		}
		if ffnWidth == 0 {
			ffnWidth = wGate.Shape().Width
		}

		attn, err := ops.NewAttention(dev, allocr, wk, wq, wv, wo, int(contextLength), headDim, false, true)
		if err != nil {
			return nil, fmt.Errorf("model: block %d attention: %w", b, err)
		}
		ffn := NewFeedForward(dev, allocr, wGate, wUp, wDown, matmul, mul)

		blockCmd, err := command.New(dev, allocr)
		if err != nil {
			return nil, err
		}
		blockCmd.OnQueryTimestamp = collectors.ObserveDispatch
		blockCmds[b] = blockCmd

		blocks[b] = &Block{
			index:          int(b),
			attnNormWeight: attnNorm,
			ffnNormWeight:  ffnNorm,
			attention:      attn,
			feedForward:    ffn,
			rmsnorm:        rmsnorm,
			add:            add,
			eps:            params.LayerNormRMSEps,
		}
	}

	if err := uploadCmd.End(); err != nil {
		return nil, err
	}
	if err := uploadCmd.SubmitAndWait(); err != nil {
		return nil, fmt.Errorf("model: weight upload: %w", err)
	}

	embedding, err := ops.NewEmbedding(dev, tokenEmbd)
	if err != nil {
		return nil, err
	}
	argmax, err := ops.NewArgOp(dev, ops.ArgMax)
	if err != nil {
		return nil, err
	}
	sliceOp, err := ops.NewSlice(dev)
	if err != nil {
		return nil, err
	}

	embedCmd, err := command.New(dev, allocr)
	if err != nil {
		return nil, err
	}
	outputCmd, err := command.New(dev, allocr)
	if err != nil {
		return nil, err
	}
	embedCmd.OnQueryTimestamp = collectors.ObserveDispatch
	outputCmd.OnQueryTimestamp = collectors.ObserveDispatch

	log.WithFields(logrus.Fields{
		"blocks": params.BlockCount, "d_model": dModel, "heads": params.HeadCount,
		"context_length": contextLength,
	}).Info("model loaded")

	return &Model{
		dev: dev, allocr: allocr, m: collectors,
		params: params, dModel: dModel, headDim: headDim, ffnWidth: ffnWidth,
		vocabSize: outputProj.Shape().Width, contextLength: contextLength,
		kvCacheWrap: cfg.KVCacheWrap,
		tokenEmbd: tokenEmbd, outputNorm: outputNorm, outputProj: outputProj,
		blocks:    blocks,
		embedding: embedding, rmsnorm: rmsnorm, matmul: matmul, argmax: argmax, slice: sliceOp,
		embedCmd: embedCmd, blockCmds: blockCmds, outputCmd: outputCmd,
	}, nil
}

// VocabSize returns the output projection's vocabulary width.
func (m *Model) VocabSize() uint64 { return m.vocabSize }

// Step evaluates the model over tokens starting at KV-cache position
// pastLength, returning the logit distribution over the vocabulary for
// the final position (spec.md §4.7, §6).
//
// Any operator error aborts the step; every command buffer already
// submitted is still waited on before returning, so no GPU work is
// left outstanding (spec.md §4.7 "Failure semantics").
func (m *Model) Step(tokens []uint32, pastLength uint64) ([]float32, error) {
	if len(tokens) == 0 {
		return nil, ErrEmptyTokens
	}
	seq := uint64(len(tokens))
	if pastLength+seq > m.contextLength && !m.kvCacheWrap {
		return nil, fmt.Errorf("%w: past=%d + seq=%d > context=%d", ErrContextOverflow, pastLength, seq, m.contextLength)
	}
	if m.kvCacheWrap {
		pastLength = pastLength % m.contextLength
	}

	var submitted []*command.Command
	waitAll := func() error {
		var firstErr error
		for _, c := range submitted {
			if err := c.Wait(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	fail := func(err error) ([]float32, error) {
		if waitErr := waitAll(); waitErr != nil {
			log.WithError(waitErr).Error("deferred task failure while unwinding after step error")
		}
		return nil, err
	}

	m.embedCmd.Begin()
	indices, err := tensor.New(m.dev, m.allocr, tensor.Shape{Channels: 1, Height: 1, Width: seq}, tensor.UINT32, true)
	if err != nil {
		return fail(err)
	}
	idxBytes := pool.GetByteBuffer()
	defer pool.PutByteBuffer(idxBytes)
	idxBytes = append(idxBytes, make([]byte, seq*4)...)
	for i, tok := range tokens {
		binary.LittleEndian.PutUint32(idxBytes[i*4:i*4+4], tok)
	}
	if err := m.embedCmd.Upload(idxBytes, indices); err != nil {
		return fail(err)
	}
	hidden, err := tensor.New(m.dev, m.allocr, tensor.Shape{Channels: 1, Height: seq, Width: m.dModel}, tensor.FP32, true)
	if err != nil {
		return fail(err)
	}
	if err := m.embedding.Call(m.embedCmd, indices, hidden); err != nil {
		return fail(err)
	}
	if err := m.embedCmd.End(); err != nil {
		return fail(err)
	}
	if err := m.embedCmd.Submit(); err != nil {
		return fail(err)
	}
	submitted = append(submitted, m.embedCmd)

	for i, blk := range m.blocks {
		cmd := m.blockCmds[i]
		cmd.Begin()
		out, err := blk.Forward(cmd, hidden, pastLength)
		if err != nil {
			cmd.End()
			return fail(err)
		}
		if err := cmd.End(); err != nil {
			return fail(err)
		}
		if err := cmd.Submit(); err != nil {
			return fail(err)
		}
		submitted = append(submitted, cmd)
		prev := hidden
		hidden = out
		// prev was this block's input (the embedding output, or the
		// previous block's residual output); Block.Forward doesn't own
		// or release its x argument, so the caller retires it here.
		prev.Release()
	}

	m.outputCmd.Begin()
	lastRow, err := tensor.New(m.dev, m.allocr, tensor.Shape{Channels: 1, Height: 1, Width: m.dModel}, tensor.FP32, true)
	if err != nil {
		return fail(err)
	}
	if err := m.slice.Call(m.outputCmd, hidden, [3]uint64{0, seq - 1, 0}, [3]uint64{1, 1, m.dModel}, lastRow); err != nil {
		return fail(err)
	}

	normed, err := tensor.Like(lastRow)
	if err != nil {
		return fail(err)
	}
	if err := m.rmsnorm.Call(m.outputCmd, lastRow, m.outputNorm, normed, m.params.LayerNormRMSEps); err != nil {
		return fail(err)
	}

	logits, err := tensor.New(m.dev, m.allocr, tensor.Shape{Channels: 1, Height: 1, Width: m.vocabSize}, tensor.FP32, true)
	if err != nil {
		return fail(err)
	}
	if err := m.matmul.Call(m.outputCmd, normed, m.outputProj, logits, false, ops.BroadcastPerChannel, ops.ActivationNone, 1, 0); err != nil {
		return fail(err)
	}

	top1, err := tensor.New(m.dev, m.allocr, tensor.Shape{Channels: 1, Height: 1, Width: 1}, tensor.UINT32, true)
	if err != nil {
		return fail(err)
	}
	if err := m.argmax.Call(m.outputCmd, logits, top1); err != nil {
		return fail(err)
	}

	hostLogits := pool.GetByteBuffer()
	defer pool.PutByteBuffer(hostLogits)
	hostLogits = append(hostLogits, make([]byte, logits.Bytes())...)
	if err := m.outputCmd.Download(logits, hostLogits); err != nil {
		return fail(err)
	}
	hostTop1 := pool.GetByteBuffer()
	defer pool.PutByteBuffer(hostTop1)
	hostTop1 = append(hostTop1, make([]byte, top1.Bytes())...)
	if err := m.outputCmd.Download(top1, hostTop1); err != nil {
		return fail(err)
	}

	if err := m.outputCmd.End(); err != nil {
		return fail(err)
	}
	if err := m.outputCmd.Submit(); err != nil {
		return fail(err)
	}
	submitted = append(submitted, m.outputCmd)

	if err := waitAll(); err != nil {
		return nil, err
	}
	m.m.SetAllocBytes(m.allocr.Stats())

	logitValues := make([]float32, m.vocabSize)
	for i := range logitValues {
		logitValues[i] = math.Float32frombits(binary.LittleEndian.Uint32(hostLogits[i*4 : i*4+4]))
	}
	top1Idx := binary.LittleEndian.Uint32(hostTop1)
	log.WithFields(logrus.Fields{"seq": seq, "past_length": pastLength, "top1": top1Idx}).Debug("step complete")

	indices.Release()
	hidden.Release()
	lastRow.Release()
	normed.Release()
	logits.Release()
	top1.Release()

	return logitValues, nil
}

// Close releases the token embedding, output norm and output
// projection weights and each block's two RMSNorm weights. The
// attention and feed-forward weight tensors and the KV caches are not
// released, and the suballocator's slabs are not returned to the
// device. The underlying device.Device is not closed; callers created
// it and must close it themselves per spec.md §4.1's ownership split.
func (m *Model) Close() error {
	m.tokenEmbd.Release()
	m.outputNorm.Release()
	m.outputProj.Release()
	for _, b := range m.blocks {
		b.attnNormWeight.Release()
		b.ffnNormWeight.Release()
	}
	return nil
}
