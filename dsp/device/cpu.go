package device

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cwbudde/algo-vecmath"
	"github.com/cwbudde/algo-vecmath/cpu"
	"golang.org/x/sync/errgroup"

	"github.com/cwbudde/algo-convolver/dsp/buffer"
	"github.com/cwbudde/algo-convolver/dsp/fht"
)

// CPUConfig holds the CPU device settings.
type CPUConfig struct {
	// Transform selects the Hartley transform implementation.
	Transform fht.Backend

	// MemoryLimit caps the samples the device may hold. Zero is unlimited.
	MemoryLimit int

	// Parallelism bounds the goroutines used by ForEach.
	Parallelism int

	// Synchronous runs queue submissions inline.
	Synchronous bool

	Logger *slog.Logger
}

// CPUOption mutates a CPUConfig.
type CPUOption func(*CPUConfig)

// DefaultCPUConfig returns the native transform, no memory limit and one
// goroutine per CPU.
func DefaultCPUConfig() CPUConfig {
	return CPUConfig{
		Transform:   fht.BackendNative,
		Parallelism: runtime.GOMAXPROCS(0),
		Logger:      slog.New(slog.DiscardHandler),
	}
}

// WithTransform selects the transform backend.
func WithTransform(b fht.Backend) CPUOption {
	return func(cfg *CPUConfig) {
		cfg.Transform = b
	}
}

// WithMemoryLimit caps device memory in samples.
func WithMemoryLimit(samples int) CPUOption {
	return func(cfg *CPUConfig) {
		if samples >= 0 {
			cfg.MemoryLimit = samples
		}
	}
}

// WithParallelism bounds ForEach fan-out.
func WithParallelism(n int) CPUOption {
	return func(cfg *CPUConfig) {
		if n > 0 {
			cfg.Parallelism = n
		}
	}
}

// WithSynchronous makes both queues run submissions inline.
func WithSynchronous(enabled bool) CPUOption {
	return func(cfg *CPUConfig) {
		cfg.Synchronous = enabled
	}
}

// WithLogger sets the device logger.
func WithLogger(logger *slog.Logger) CPUOption {
	return func(cfg *CPUConfig) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

// CPU is a Device backed by host memory.
type CPU struct {
	cfg       CPUConfig
	name      string
	used      atomic.Int64
	queues    [2]*Queue
	plans     sync.Map // transform length -> *sync.Pool of fht.Transform
	closeOnce sync.Once
}

type cpuMemory struct {
	dev      *CPU
	data     []float64
	released atomic.Bool
}

func (m *cpuMemory) Len() int { return len(m.data) }

func (m *cpuMemory) Release() {
	if m.released.CompareAndSwap(false, true) {
		m.dev.used.Add(-int64(len(m.data)))
	}
}

// NewCPU creates a CPU device.
func NewCPU(opts ...CPUOption) (*CPU, error) {
	cfg := DefaultCPUConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if _, err := fht.New(2, cfg.Transform); err != nil {
		return nil, err
	}

	features := cpu.DetectFeatures()
	simd := "generic"
	switch {
	case features.HasAVX2:
		simd = "avx2"
	case features.HasNEON:
		simd = "neon"
	case features.HasSSE2:
		simd = "sse2"
	}

	d := &CPU{
		cfg:  cfg,
		name: fmt.Sprintf("cpu/%s/%s/%s", features.Architecture, simd, cfg.Transform),
	}
	exec := &cpuExec{dev: d}
	d.queues[RoleUpdate] = newQueue("update", exec, cfg.Synchronous, cfg.Logger)
	d.queues[RoleProcess] = newQueue("process", exec, cfg.Synchronous, cfg.Logger)

	cfg.Logger.Debug("cpu device ready", "name", d.name, "parallelism", cfg.Parallelism,
		"memory_limit", cfg.MemoryLimit, "synchronous", cfg.Synchronous)

	return d, nil
}

// Name returns "cpu/<arch>/<simd>/<transform>".
func (d *CPU) Name() string { return d.name }

// Allocate returns a zeroed buffer of n samples.
func (d *CPU) Allocate(n int) (*buffer.Buffer, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative allocation %d", ErrInvalidSpan, n)
	}
	used := d.used.Add(int64(n))
	if d.cfg.MemoryLimit > 0 && used > int64(d.cfg.MemoryLimit) {
		d.used.Add(-int64(n))
		return nil, fmt.Errorf("%w: %d samples requested, %d of %d in use",
			ErrOutOfMemory, n, used-int64(n), d.cfg.MemoryLimit)
	}
	return buffer.Device(&cpuMemory{dev: d, data: make([]float64, n)}), nil
}

// Owns reports whether b was allocated by d and is still live.
func (d *CPU) Owns(b *buffer.Buffer) bool {
	if b == nil || b.Kind() != buffer.KindDevice {
		return false
	}
	m, ok := b.Memory().(*cpuMemory)
	return ok && m.dev == d && !m.released.Load()
}

// Queue returns the queue for role.
func (d *CPU) Queue(role Role) *Queue {
	if role != RoleUpdate && role != RoleProcess {
		return nil
	}
	return d.queues[role]
}

// Allocated returns the number of live samples.
func (d *CPU) Allocated() int { return int(d.used.Load()) }

// Close drains and stops both queues.
func (d *CPU) Close() error {
	d.closeOnce.Do(func() {
		d.queues[RoleUpdate].close()
		d.queues[RoleProcess].close()
	})
	return nil
}

func (d *CPU) transform(n int) (fht.Transform, func(), error) {
	p, _ := d.plans.LoadOrStore(n, &sync.Pool{})
	pool := p.(*sync.Pool)
	if t, ok := pool.Get().(fht.Transform); ok {
		return t, func() { pool.Put(t) }, nil
	}
	t, err := fht.New(n, d.cfg.Transform)
	if err != nil {
		return nil, nil, err
	}
	return t, func() { pool.Put(t) }, nil
}

// cpuExec is stateless apart from the device's transform pool, so ForEach
// callbacks may use it concurrently.
type cpuExec struct {
	dev *CPU
}

func (e *cpuExec) slice(s Span) ([]float64, error) {
	if !e.dev.Owns(s.Buf) {
		return nil, ErrForeignBuffer
	}
	data := s.Buf.Memory().(*cpuMemory).data
	if s.Off < 0 || s.Len < 0 || s.Off+s.Len > len(data) {
		return nil, fmt.Errorf("%w: [%d,%d) of %d", ErrInvalidSpan, s.Off, s.Off+s.Len, len(data))
	}
	return data[s.Off : s.Off+s.Len], nil
}

func (e *cpuExec) slices(spans ...Span) ([][]float64, error) {
	out := make([][]float64, len(spans))
	for i, s := range spans {
		v, err := e.slice(s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *cpuExec) Upload(dst Span, src []float64) error {
	d, err := e.slice(dst)
	if err != nil {
		return err
	}
	if len(src) > len(d) {
		return fmt.Errorf("%w: upload of %d into %d", ErrInvalidSpan, len(src), len(d))
	}
	n := copy(d, src)
	clear(d[n:])
	return nil
}

func (e *cpuExec) Download(dst []float64, src Span) error {
	s, err := e.slice(src)
	if err != nil {
		return err
	}
	if len(dst) != len(s) {
		return fmt.Errorf("%w: download of %d into %d", ErrInvalidSpan, len(s), len(dst))
	}
	copy(dst, s)
	return nil
}

func (e *cpuExec) Zero(dst Span) error {
	d, err := e.slice(dst)
	if err != nil {
		return err
	}
	clear(d)
	return nil
}

func (e *cpuExec) Copy(dst, src Span) error {
	if err := checkSpans(dst.Len, src); err != nil {
		return err
	}
	v, err := e.slices(dst, src)
	if err != nil {
		return err
	}
	copy(v[0], v[1])
	return nil
}

func (e *cpuExec) Add(dst, src Span) error {
	if err := checkSpans(dst.Len, src); err != nil {
		return err
	}
	v, err := e.slices(dst, src)
	if err != nil {
		return err
	}
	vecmath.AddBlockInPlace(v[0], v[1])
	return nil
}

func (e *cpuExec) Forward(dst, src Span) error {
	return e.hartley(dst, src, true)
}

func (e *cpuExec) Inverse(dst, src Span) error {
	return e.hartley(dst, src, false)
}

func (e *cpuExec) hartley(dst, src Span, forward bool) error {
	if err := checkSpans(dst.Len, src); err != nil {
		return err
	}
	v, err := e.slices(dst, src)
	if err != nil {
		return err
	}
	t, put, err := e.dev.transform(dst.Len)
	if err != nil {
		return err
	}
	defer put()
	if forward {
		return t.Forward(v[0], v[1])
	}
	return t.Inverse(v[0], v[1])
}

func (e *cpuExec) Reverse(dst, src Span) error {
	if err := checkSpans(dst.Len, src); err != nil {
		return err
	}
	v, err := e.slices(dst, src)
	if err != nil {
		return err
	}
	return fht.Reverse(v[0], v[1])
}

func (e *cpuExec) Split(even, odd, src Span) error {
	if err := checkSpans(src.Len, even, odd); err != nil {
		return err
	}
	v, err := e.slices(even, odd, src)
	if err != nil {
		return err
	}
	return fht.Split(v[0], v[1], v[2])
}

func (e *cpuExec) MulAcc(acc, x, xr, even, odd Span) error {
	if err := checkSpans(acc.Len, x, xr, even, odd); err != nil {
		return err
	}
	v, err := e.slices(acc, x, xr, even, odd)
	if err != nil {
		return err
	}
	return fht.MulAcc(v[0], v[1], v[2], v[3], v[4])
}

func (e *cpuExec) ForEach(n int, fn func(i int) error) error {
	if n == 1 || e.dev.cfg.Parallelism <= 1 {
		for i := range n {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(e.dev.cfg.Parallelism)
	for i := range n {
		g.Go(func() error { return fn(i) })
	}
	return g.Wait()
}

// Finish is a no-op: CPU primitives complete before they return.
func (e *cpuExec) Finish() error { return nil }
