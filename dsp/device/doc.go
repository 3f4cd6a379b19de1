// Package device abstracts the compute device the convolution engine runs on.
//
// A [Device] allocates [buffer.Buffer] memory and owns two ordered queues,
// one per [Role]. Work is submitted to a [Queue] as a function receiving an
// [Exec], the device's primitive set (transfer, transform, product and
// accumulate). Every submission returns a [Token] that later submissions on
// either queue may depend on; this is the only cross-queue ordering.
//
// Two implementations exist:
//
//   - [NewCPU]: host memory, goroutine fan-out through errgroup, transforms
//     from package fht. Always available.
//   - [NewOpenCL]: float32 device buffers and OpenCL C kernels. Requires the
//     opencl build tag; otherwise it returns [ErrNotImplemented].
package device
