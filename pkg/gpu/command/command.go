// Package command implements the recordable command buffer: barrier
// emission discipline, staged host upload/download, the deferred
// host-side task queue and the fence check that gates it
// (spec.md §4.4, §9).
package command

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/vkinfer/pkg/gpu/alloc"
	"github.com/orneryd/vkinfer/pkg/gpu/device"
	"github.com/orneryd/vkinfer/pkg/gpu/pipeline"
	"github.com/orneryd/vkinfer/pkg/gpu/tensor"
)

var log = logrus.WithField("component", "command")

// FenceTimeout is the fence-wait bound spec.md §4.4/§5 names: a fence
// timeout is fatal because downstream reads would be uninitialized.
// Wait on the simulated backend never waits and does not use it.
const FenceTimeout = 60 * time.Second

var (
	ErrNotRecording  = errors.New("command: operation requires an active recording (call Begin first)")
	ErrFenceTimeout  = errors.New("command: fence wait timed out")
	ErrAlreadyEnded  = errors.New("command: End called twice without an intervening Begin")
)

// TaskKind tags a deferred host-side action. spec.md §9's design note
// replaces the original's closure-based deferred list with a tagged
// variant so callers can introspect what ran without re-running a
// closure twice.
type TaskKind int

const (
	TaskReleaseStaging TaskKind = iota
	TaskCopyOut
	TaskQueryTimestamp
)

// DeferredTask is one action enqueued during recording and executed
// only after the command's fence signals.
type DeferredTask struct {
	Kind TaskKind

	// TaskReleaseStaging
	Staging *tensor.Tensor

	// TaskCopyOut
	Source      *tensor.Tensor
	Destination []byte

	// TaskQueryTimestamp
	Label string
	Start time.Time
}

// recordedOp is one dispatch or copy recorded between Begin and End;
// the simulated backend runs these synchronously at Submit time since
// there is no real async queue to race against.
type recordedOp func() error

type state int

const (
	stateIdle state = iota
	stateRecording
	stateEnded
	stateSubmitted
)

// Command is a recordable command buffer on one queue family
// supporting compute+transfer, a fence, and a deferred-task list.
// Lifetime: one per logical stage (input embedding, each transformer
// block, output head), per spec.md §3.
type Command struct {
	dev    device.Device
	allocr *alloc.Allocator
	queue  device.QueueFamily

	st       state
	ops      []recordedOp
	deferred []DeferredTask

	fenceSignaled bool

	// OnQueryTimestamp, if set, receives (label, duration) for every
	// TaskQueryTimestamp deferred task run by Wait — the hook
	// pkg/gpu/metrics uses to feed its dispatch-latency histogram.
	OnQueryTimestamp func(label string, d time.Duration)
}

// New creates a Command bound to dev's first queue family supporting
// both compute and transfer.
func New(dev device.Device, allocr *alloc.Allocator) (*Command, error) {
	q, err := dev.RequireQueue(device.QueueCompute | device.QueueTransfer)
	if err != nil {
		return nil, err
	}
	return &Command{dev: dev, allocr: allocr, queue: q}, nil
}

// Begin starts a new recording, discarding any previous one.
func (c *Command) Begin() {
	c.st = stateRecording
	c.ops = c.ops[:0]
	c.deferred = c.deferred[:0]
	c.fenceSignaled = false
}

// End closes the recording; no further ops may be recorded until the
// next Begin.
func (c *Command) End() error {
	if c.st != stateRecording {
		return ErrAlreadyEnded
	}
	c.st = stateEnded
	return nil
}

// Defer enqueues a host-side task to run only after Wait observes the
// fence signal.
func (c *Command) Defer(task DeferredTask) {
	c.deferred = append(c.deferred, task)
}

// Upload writes hostBytes into tensor t. If t is host-visible it is a
// direct memcpy+flush with access=HOST_WRITE/stage=HOST; otherwise a
// staging tensor is allocated, written, and its release deferred to
// after the fence — mirroring Command::upload_bytes.
func (c *Command) Upload(hostBytes []byte, t *tensor.Tensor) error {
	if c.st != stateRecording {
		return ErrNotRecording
	}

	if t.Visible() {
		c.ops = append(c.ops, func() error {
			n := copy(t.Host(), hostBytes)
			if n != len(hostBytes) {
				return fmt.Errorf("command: upload truncated: wrote %d of %d bytes", n, len(hostBytes))
			}
			if err := t.Flush(); err != nil {
				return err
			}
			t.SetProducerState(tensor.AccessHostWrite, tensor.StageHost)
			return nil
		})
		return nil
	}

	staging, err := tensor.LikeShape(t, t.Shape(), t.DType())
	if err != nil {
		return fmt.Errorf("command: upload staging alloc: %w", err)
	}
	c.ops = append(c.ops, func() error {
		n := copy(staging.Host(), hostBytes)
		if n != len(hostBytes) {
			return fmt.Errorf("command: upload truncated: wrote %d of %d bytes", n, len(hostBytes))
		}
		staging.SetProducerState(tensor.AccessTransferRead, tensor.StageTransfer)

		copy(t.Host(), staging.Host())
		t.SetProducerState(tensor.AccessTransferWrite, tensor.StageTransfer)
		return nil
	})
	c.Defer(DeferredTask{Kind: TaskReleaseStaging, Staging: staging})
	return nil
}

// Download reads tensor t back to hostBuffer. For a device-local
// source the actual host copy is deferred to run only after Wait,
// mirroring Command::download's staging discipline.
func (c *Command) Download(t *tensor.Tensor, hostBuffer []byte) error {
	if c.st != stateRecording {
		return ErrNotRecording
	}

	if t.Visible() {
		c.ops = append(c.ops, func() error {
			return t.Invalidate()
		})
		c.Defer(DeferredTask{Kind: TaskCopyOut, Source: t, Destination: hostBuffer})
		return nil
	}

	staging, err := tensor.LikeShape(t, t.Shape(), t.DType())
	if err != nil {
		return fmt.Errorf("command: download staging alloc: %w", err)
	}
	c.ops = append(c.ops, func() error {
		copy(staging.Host(), t.Host())
		staging.SetProducerState(tensor.AccessTransferWrite, tensor.StageTransfer)
		return nil
	})
	c.Defer(DeferredTask{Kind: TaskCopyOut, Source: staging, Destination: hostBuffer})
	c.Defer(DeferredTask{Kind: TaskReleaseStaging, Staging: staging})
	return nil
}

// RecordPipeline emits the barrier every input tensor with non-zero
// prior access+stage needs (current state -> SHADER_READ|WRITE,
// COMPUTE), updates descriptors, sets push constants, and dispatches.
// After the dispatch, outputs are marked (SHADER_WRITE, COMPUTE) so
// the next record sees the right barrier source (spec.md §4.4
// algorithm).
func (c *Command) RecordPipeline(p *pipeline.Pipeline, inputs []*tensor.Tensor, outputs []*tensor.Tensor, pushConstants []byte, width, height, depth uint32) error {
	if c.st != stateRecording {
		return ErrNotRecording
	}

	allTensors := make([]*tensor.Tensor, 0, len(inputs)+len(outputs))
	allTensors = append(allTensors, inputs...)
	allTensors = append(allTensors, outputs...)

	if err := p.UpdateBindings(allTensors); err != nil {
		return err
	}
	if len(pushConstants) > 0 || p.Info().PushConstantBytes > 0 {
		if err := p.SetPushConstants(pushConstants); err != nil {
			return err
		}
	}

	c.ops = append(c.ops, func() error {
		for _, in := range inputs {
			emitBarrier(in)
		}
		// Bind this recording's tensors and push constants again at
		// execution time: the pipeline holds one binding set, and a later
		// recording of the same pipeline has overwritten it by now.
		if err := p.UpdateBindings(allTensors); err != nil {
			return err
		}
		if len(pushConstants) > 0 || p.Info().PushConstantBytes > 0 {
			if err := p.SetPushConstants(pushConstants); err != nil {
				return err
			}
		}
		if err := p.Dispatch(width, height, depth); err != nil {
			return err
		}
		for _, out := range outputs {
			out.SetProducerState(tensor.AccessShaderWrite, tensor.StageCompute)
		}
		return nil
	})
	return nil
}

// emitBarrier is a bookkeeping no-op in the simulated backend (there
// is no real VkBufferMemoryBarrier to submit) but exists as the single
// place a real backend would translate (t.Access(), t.Stage()) into a
// vkCmdPipelineBarrier call from that source to
// (SHADER_READ|SHADER_WRITE, COMPUTE).
func emitBarrier(t *tensor.Tensor) {
	_ = t.Access()
	_ = t.Stage()
}

// Submit runs every recorded op in order and signals the fence. The
// simulated backend executes synchronously; Submit never blocks past
// the time it takes to run the ops themselves.
func (c *Command) Submit() error {
	if c.st != stateEnded {
		return fmt.Errorf("command: Submit called before End (state=%d)", c.st)
	}
	for _, op := range c.ops {
		if err := op(); err != nil {
			c.fenceSignaled = true
			c.st = stateSubmitted
			return err
		}
	}
	c.fenceSignaled = true
	c.st = stateSubmitted
	return nil
}

// Wait checks the fence, then runs every deferred task regardless of
// whether earlier ones failed, reporting the first failure (spec.md
// §4.4 failure mode). The simulated backend signals the fence inside
// Submit, so Wait never blocks: without a prior Submit it returns
// ErrFenceTimeout at once, and FenceTimeout is not consulted.
func (c *Command) Wait() error {
	if !c.fenceSignaled {
		return ErrFenceTimeout
	}

	var firstErr error
	for _, task := range c.deferred {
		if err := c.runDeferred(task); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Command) runDeferred(task DeferredTask) error {
	switch task.Kind {
	case TaskReleaseStaging:
		return task.Staging.Release()
	case TaskCopyOut:
		if err := task.Source.Invalidate(); err != nil && !errors.Is(err, tensor.ErrNotHostVisible) {
			return err
		}
		n := copy(task.Destination, task.Source.Host())
		if n != len(task.Destination) {
			return fmt.Errorf("command: download truncated: read %d of %d bytes", n, len(task.Destination))
		}
		return nil
	case TaskQueryTimestamp:
		if c.OnQueryTimestamp != nil {
			c.OnQueryTimestamp(task.Label, time.Since(task.Start))
		}
		return nil
	default:
		return fmt.Errorf("command: unknown deferred task kind %d", task.Kind)
	}
}

// SubmitAndWait is Submit followed by Wait.
func (c *Command) SubmitAndWait() error {
	if err := c.Submit(); err != nil {
		return err
	}
	return c.Wait()
}

// QueueFamily returns the queue family this command buffer records on.
func (c *Command) QueueFamily() device.QueueFamily { return c.queue }
