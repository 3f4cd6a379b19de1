package conv

// StreamingConvolver convolves a stream one fixed-size block at a time,
// carrying overlap between calls.
type StreamingConvolver interface {
	// ProcessBlock returns the output block for input.
	ProcessBlock(input []float64) ([]float64, error)

	// ProcessBlockTo writes the output block for input into output. Both
	// hold BlockSize samples.
	ProcessBlockTo(output, input []float64) error

	// Reset drops the carried history.
	Reset()

	BlockSize() int
	KernelLen() int

	// TransformSize is the length of the block transform.
	TransformSize() int
}
