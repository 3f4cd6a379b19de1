package partconv

import (
	"fmt"

	"github.com/cwbudde/algo-convolver/dsp/conv"
	"github.com/cwbudde/algo-convolver/dsp/device"
)

var _ conv.StreamingConvolver = (*Convolver)(nil)

// Convolver is a single-channel streaming convolver on top of an Engine
// with one channel and one upload set.
type Convolver struct {
	engine    *Engine
	kernelLen int
}

// NewConvolver uploads kernel and returns a convolver processing blockSize
// samples per call. Options may override everything but the geometry.
func NewConvolver(dev device.Device, kernel []float64, blockSize int, opts ...Option) (*Convolver, error) {
	if len(kernel) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, conv.ErrEmptyKernel)
	}
	opts = append(opts,
		WithBlockSize(blockSize),
		WithMaxConvLen(len(kernel)),
		WithMaxChannels(1),
		WithMaxSets(1))

	e, err := New(dev, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.UploadConv(0, 0, kernel); err != nil {
		_ = e.Close()
		return nil, err
	}
	return &Convolver{engine: e, kernelLen: len(kernel)}, nil
}

// Engine exposes the underlying engine.
func (c *Convolver) Engine() *Engine { return c.engine }

// ProcessBlock convolves one block and returns a new output slice.
func (c *Convolver) ProcessBlock(input []float64) ([]float64, error) {
	out := make([]float64, c.BlockSize())
	if err := c.ProcessBlockTo(out, input); err != nil {
		return nil, err
	}
	return out, nil
}

// ProcessBlockTo convolves one block into output.
func (c *Convolver) ProcessBlockTo(output, input []float64) error {
	if len(input) != c.BlockSize() || len(output) != c.BlockSize() {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, conv.ErrLengthMismatch)
	}
	return c.engine.ProcessBlock(0, 0, input, output)
}

// Reset discards history and carried overlap. A failed flush leaves the
// engine disabled; the next ProcessBlockTo reports it.
func (c *Convolver) Reset() {
	if err := c.engine.Flush(0); err != nil {
		c.engine.logger.Warn("convolver reset failed", "error", err)
	}
}

// BlockSize returns the samples per call.
func (c *Convolver) BlockSize() int { return c.engine.BlockSize() }

// KernelLen returns the uploaded kernel length.
func (c *Convolver) KernelLen() int { return c.kernelLen }

// TransformSize returns the Hartley transform length, twice the block size.
func (c *Convolver) TransformSize() int { return 2 * c.engine.BlockSize() }

// Close releases the engine.
func (c *Convolver) Close() error { return c.engine.Close() }
