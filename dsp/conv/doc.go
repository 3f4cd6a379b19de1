// Package conv provides reference convolution routines and the streaming
// convolver interface.
//
//   - [Direct]: O(N*M) time-domain linear convolution, the numerical
//     reference for every block convolver in this module.
//   - [DirectCircular]: circular convolution of equal-length inputs.
//   - [Convolve]: one-shot linear convolution, direct for short kernels and a
//     single zero-padded Hartley transform otherwise.
//
// Block-by-block processing with long kernels is provided by
// partconv.Convolver, which implements [StreamingConvolver].
package conv
