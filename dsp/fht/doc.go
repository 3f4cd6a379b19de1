// Package fht provides the Fast Hartley Transform used as the block transform
// of the partitioned convolution engine.
//
// The Hartley transform of a real sequence is real:
//
//	H[k] = Σ x[n] · cas(2πnk/N),  cas(θ) = cos(θ) + sin(θ)
//
// It is its own inverse up to a factor of N, so a single routine serves both
// directions. [Transform.Inverse] is unnormalised; multiply by
// [Transform.Scale] (1/N) to recover the input:
//
//	t, _ := fht.New(8, fht.BackendNative)
//	t.Forward(h, x)
//	t.Inverse(y, h) // y == x * 8
//
// # Product rule
//
// Pointwise products of Hartley spectra do not correspond to convolution the
// way complex DFT products do. The circular convolution z = x ⊛ y satisfies
//
//	Z[k] = ½ · (X[k]·(Y[k] + Y[-k]) + X[-k]·(Y[k] - Y[-k]))
//
// [Convolve] applies this rule directly. For repeated products against a fixed
// spectrum, [Split] precomputes the even and odd halves of Y and [Reverse]
// produces X[-k], after which [MulAcc] reduces the rule to two fused
// multiply-adds.
//
// # Backends
//
//   - [BackendNative]: table-driven radix-2 decimation-in-time transform
//     ([Plan]). Safe for concurrent use.
//   - [BackendFFT]: Hartley spectrum derived from a complex FFT computed with
//     algo-fft ([FFTPlan]). Holds scratch, not safe for concurrent use.
package fht
