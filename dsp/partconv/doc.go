// Package partconv implements uniform partitioned convolution in the
// Hartley domain for many channels and many impulse responses.
//
// An impulse response is cut into P blocks of B samples. Each block is
// zero-padded to M = 2B, transformed once, and stored in split form (see
// fht.Split). Every Process round transforms one input block into a ring of
// P history slots and forms
//
//	Y_r = Σ_{k<P} X_{r-k} · H_k
//
// The first half of IFHT(Y_r) plus the carried second half of round r-1 is
// the output block; the second half is carried to round r+1.
//
// # Head and tail
//
// The head stage multiplies the freshest slot with H_0 and adds the tail
// sums Σ_{k≥1}, which depend only on older input. With [PipelineHeadTail]
// the tail for round r+1 is computed right after the head of round r, in
// groups of AccumBlocksPerStep partitions, and Process returns without
// waiting for it. The next head depends on the last group's token.
//
// Whenever precomputed tail sums do not match the round and impulse response
// about to be used (first block, flush, upload, set switch, replaced input)
// the head rebuilds them inline, so output is always exact.
//
// # Sets
//
// Impulse responses live in upload sets. A channel selects its set per
// Process call; uploads go through the device's update queue and are
// ordered against processing with completion tokens only.
package partconv
