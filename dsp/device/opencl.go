//go:build opencl

package device

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jgillich/go-opencl/cl"

	"github.com/cwbudde/algo-convolver/dsp/buffer"
)

const floatBytes = 4

const kernelSource = `
__kernel void zero_span(__global float *dst, const int doff) {
	dst[doff + get_global_id(0)] = 0.0f;
}

__kernel void copy_span(__global float *dst, const int doff,
                        __global const float *src, const int soff) {
	int i = get_global_id(0);
	dst[doff + i] = src[soff + i];
}

__kernel void add_span(__global float *dst, const int doff,
                       __global const float *src, const int soff) {
	int i = get_global_id(0);
	dst[doff + i] += src[soff + i];
}

__kernel void reverse_span(__global float *dst, const int doff,
                           __global const float *src, const int soff, const int n) {
	int k = get_global_id(0);
	int j = (n - k) & (n - 1);
	float a = src[soff + k];
	float b = src[soff + j];
	dst[doff + k] = b;
	dst[doff + j] = a;
}

__kernel void split_span(__global float *even, const int eoff,
                         __global float *odd, const int ooff,
                         __global const float *src, const int soff, const int n) {
	int k = get_global_id(0);
	int j = (n - k) & (n - 1);
	float hk = src[soff + k];
	float hj = src[soff + j];
	even[eoff + k] = 0.5f * (hk + hj);
	even[eoff + j] = 0.5f * (hk + hj);
	odd[ooff + k] = 0.5f * (hk - hj);
	odd[ooff + j] = 0.5f * (hj - hk);
}

__kernel void mul_acc(__global float *acc, const int aoff,
                      __global const float *x, const int xoff,
                      __global const float *xr, const int xroff,
                      __global const float *ev, const int eoff,
                      __global const float *od, const int ooff) {
	int i = get_global_id(0);
	acc[aoff + i] += x[xoff + i] * ev[eoff + i] + xr[xroff + i] * od[ooff + i];
}

__kernel void dht(__global float *dst, const int doff,
                  __global const float *src, const int soff, const int n) {
	int k = get_global_id(0);
	float w = 6.283185307179586f / (float)n;
	float sum = 0.0f;
	for (int i = 0; i < n; i++) {
		float c;
		float s = sincos(w * (float)((i * k) & (n - 1)), &c);
		sum += src[soff + i] * (c + s);
	}
	dst[doff + k] = sum;
}
`

var kernelNames = []string{"zero_span", "copy_span", "add_span", "reverse_span", "split_span", "mul_acc", "dht"}

// OpenCL is a Device backed by an OpenCL context. Samples are stored as
// float32; the transform is a direct O(n²) Hartley kernel.
type OpenCL struct {
	cfg       OpenCLConfig
	name      string
	context   *cl.Context
	program   *cl.Program
	execs     [2]*clExec
	queues    [2]*Queue
	used      atomic.Int64
	closeOnce sync.Once
}

type clMemory struct {
	dev      *OpenCL
	buf      *cl.MemObject
	n        int
	released atomic.Bool
}

func (m *clMemory) Len() int { return m.n }

func (m *clMemory) Release() {
	if m.released.CompareAndSwap(false, true) {
		m.buf.Release()
		m.dev.used.Add(-int64(m.n))
	}
}

// clExec owns one command queue and its own kernel objects, since kernel
// arguments are per-object state.
type clExec struct {
	dev     *OpenCL
	queue   *cl.CommandQueue
	kernels map[string]*cl.Kernel
	scratch *cl.MemObject
	scrLen  int
	host    []float32
}

// NewOpenCL selects the first GPU (or CPU, see WithOpenCLPreferCPU) OpenCL
// device and builds the engine kernels.
func NewOpenCL(opts ...OpenCLOption) (Device, error) {
	cfg := defaultOpenCLConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	device, err := pickDevice(cfg.PreferCPU)
	if err != nil {
		return nil, err
	}

	context, err := cl.CreateContext([]*cl.Device{device})
	if err != nil {
		return nil, fmt.Errorf("creating OpenCL context: %w", err)
	}
	program, err := context.CreateProgramWithSource([]string{kernelSource})
	if err != nil {
		context.Release()
		return nil, fmt.Errorf("creating OpenCL program: %w", err)
	}
	if err := program.BuildProgram([]*cl.Device{device}, ""); err != nil {
		program.Release()
		context.Release()
		var buildErr cl.BuildError
		if errors.As(err, &buildErr) {
			return nil, fmt.Errorf("building OpenCL program: %s", string(buildErr))
		}
		return nil, fmt.Errorf("building OpenCL program: %w", err)
	}

	d := &OpenCL{
		cfg:     cfg,
		name:    "opencl/" + device.Name(),
		context: context,
		program: program,
	}
	for _, role := range []Role{RoleUpdate, RoleProcess} {
		exec, err := d.newExec(device)
		if err != nil {
			d.release()
			return nil, fmt.Errorf("creating %s queue: %w", role, err)
		}
		d.execs[role] = exec
		d.queues[role] = newQueue(role.String(), exec, cfg.Synchronous, cfg.Logger)
	}

	cfg.Logger.Info("opencl device ready", "name", d.name)
	return d, nil
}

func pickDevice(preferCPU bool) (*cl.Device, error) {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		msg := "querying OpenCL platforms"
		if strings.Contains(err.Error(), "-1001") {
			msg += ": no ICD loader reported any platforms"
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrNotImplemented, msg, err)
	}

	order := []cl.DeviceType{cl.DeviceTypeGPU, cl.DeviceTypeCPU}
	if preferCPU {
		order[0], order[1] = order[1], order[0]
	}
	for _, kind := range order {
		for _, p := range platforms {
			devices, derr := p.GetDevices(kind)
			if derr != nil && derr != cl.ErrDeviceNotFound {
				continue
			}
			if len(devices) > 0 {
				return devices[0], nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no suitable OpenCL devices found", ErrNotImplemented)
}

func (d *OpenCL) newExec(device *cl.Device) (*clExec, error) {
	queue, err := d.context.CreateCommandQueue(device, 0)
	if err != nil {
		return nil, err
	}
	e := &clExec{dev: d, queue: queue, kernels: make(map[string]*cl.Kernel, len(kernelNames))}
	for _, name := range kernelNames {
		k, err := d.program.CreateKernel(name)
		if err != nil {
			e.release()
			return nil, fmt.Errorf("creating kernel %s: %w", name, err)
		}
		e.kernels[name] = k
	}
	return e, nil
}

func (e *clExec) release() {
	for _, k := range e.kernels {
		k.Release()
	}
	if e.scratch != nil {
		e.scratch.Release()
	}
	e.queue.Release()
}

// Name returns "opencl/<device name>".
func (d *OpenCL) Name() string { return d.name }

// Allocate returns a zeroed float32 device buffer of n samples.
func (d *OpenCL) Allocate(n int) (*buffer.Buffer, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative allocation %d", ErrInvalidSpan, n)
	}
	mem, err := d.context.CreateEmptyBuffer(cl.MemReadWrite, max(n, 1)*floatBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %d samples: %w", ErrOutOfMemory, n, err)
	}
	m := &clMemory{dev: d, buf: mem, n: n}
	d.used.Add(int64(n))

	b := buffer.Device(m)
	err = d.queues[RoleUpdate].Submit("zero allocation", func(x Exec) error {
		return x.Zero(SpanOf(b))
	}).Wait()
	if err != nil {
		b.Release()
		return nil, err
	}
	return b, nil
}

// Owns reports whether b was allocated by d and is still live.
func (d *OpenCL) Owns(b *buffer.Buffer) bool {
	if b == nil || b.Kind() != buffer.KindDevice {
		return false
	}
	m, ok := b.Memory().(*clMemory)
	return ok && m.dev == d && !m.released.Load()
}

// Queue returns the queue for role.
func (d *OpenCL) Queue(role Role) *Queue {
	if role != RoleUpdate && role != RoleProcess {
		return nil
	}
	return d.queues[role]
}

// Allocated returns the number of live samples.
func (d *OpenCL) Allocated() int { return int(d.used.Load()) }

// Close drains the queues and releases the context.
func (d *OpenCL) Close() error {
	d.closeOnce.Do(d.release)
	return nil
}

func (d *OpenCL) release() {
	for i := range d.queues {
		if d.queues[i] != nil {
			d.queues[i].close()
		}
		if d.execs[i] != nil {
			d.execs[i].release()
		}
	}
	d.program.Release()
	d.context.Release()
}

func (e *clExec) mem(s Span) (*cl.MemObject, error) {
	if !e.dev.Owns(s.Buf) {
		return nil, ErrForeignBuffer
	}
	m := s.Buf.Memory().(*clMemory)
	if s.Off < 0 || s.Len < 0 || s.Off+s.Len > m.n {
		return nil, fmt.Errorf("%w: [%d,%d) of %d", ErrInvalidSpan, s.Off, s.Off+s.Len, m.n)
	}
	return m.buf, nil
}

// args resolves spans into (buffer, offset) kernel argument pairs.
func (e *clExec) args(spans ...Span) ([]any, error) {
	out := make([]any, 0, 2*len(spans))
	for _, s := range spans {
		m, err := e.mem(s)
		if err != nil {
			return nil, err
		}
		out = append(out, m, int32(s.Off))
	}
	return out, nil
}

func (e *clExec) launch(name string, n int, args ...any) error {
	if n == 0 {
		return nil
	}
	k := e.kernels[name]
	if err := k.SetArgs(args...); err != nil {
		return fmt.Errorf("setting %s arguments: %w", name, err)
	}
	if _, err := e.queue.EnqueueNDRangeKernel(k, nil, []int{n}, nil, nil); err != nil {
		return fmt.Errorf("enqueueing %s: %w", name, err)
	}
	return nil
}

func (e *clExec) hostScratch(n int) []float32 {
	if cap(e.host) < n {
		e.host = make([]float32, n)
	}
	return e.host[:n]
}

func (e *clExec) Upload(dst Span, src []float64) error {
	m, err := e.mem(dst)
	if err != nil {
		return err
	}
	if len(src) > dst.Len {
		return fmt.Errorf("%w: upload of %d into %d", ErrInvalidSpan, len(src), dst.Len)
	}
	if len(src) > 0 {
		tmp := e.hostScratch(len(src))
		for i, v := range src {
			tmp[i] = float32(v)
		}
		if _, err := e.queue.EnqueueWriteBufferFloat32(m, true, dst.Off*floatBytes, tmp, nil); err != nil {
			return fmt.Errorf("writing buffer: %w", err)
		}
	}
	return e.Zero(dst.Sub(len(src), dst.Len-len(src)))
}

func (e *clExec) Download(dst []float64, src Span) error {
	m, err := e.mem(src)
	if err != nil {
		return err
	}
	if len(dst) != src.Len {
		return fmt.Errorf("%w: download of %d into %d", ErrInvalidSpan, src.Len, len(dst))
	}
	if len(dst) == 0 {
		return nil
	}
	tmp := e.hostScratch(len(dst))
	if _, err := e.queue.EnqueueReadBufferFloat32(m, true, src.Off*floatBytes, tmp, nil); err != nil {
		return fmt.Errorf("reading buffer: %w", err)
	}
	for i, v := range tmp {
		dst[i] = float64(v)
	}
	return nil
}

func (e *clExec) Zero(dst Span) error {
	a, err := e.args(dst)
	if err != nil {
		return err
	}
	return e.launch("zero_span", dst.Len, a...)
}

func (e *clExec) Copy(dst, src Span) error {
	return e.binary("copy_span", dst, src)
}

func (e *clExec) Add(dst, src Span) error {
	return e.binary("add_span", dst, src)
}

func (e *clExec) binary(kernel string, dst, src Span) error {
	if err := checkSpans(dst.Len, src); err != nil {
		return err
	}
	a, err := e.args(dst, src)
	if err != nil {
		return err
	}
	return e.launch(kernel, dst.Len, a...)
}

func (e *clExec) Forward(dst, src Span) error {
	if err := checkSpans(dst.Len, src); err != nil {
		return err
	}
	n := dst.Len
	if n&(n-1) != 0 {
		return fmt.Errorf("%w: transform length %d", ErrInvalidSpan, n)
	}
	a, err := e.args(src)
	if err != nil {
		return err
	}
	if e.scrLen < n {
		if e.scratch != nil {
			e.scratch.Release()
			e.scratch = nil
		}
		s, err := e.dev.context.CreateEmptyBuffer(cl.MemReadWrite, n*floatBytes)
		if err != nil {
			return fmt.Errorf("%w: transform scratch: %w", ErrOutOfMemory, err)
		}
		e.scratch, e.scrLen = s, n
	}
	if err := e.launch("dht", n, e.scratch, int32(0), a[0], a[1], int32(n)); err != nil {
		return err
	}
	d, err := e.args(dst)
	if err != nil {
		return err
	}
	return e.launch("copy_span", n, d[0], d[1], e.scratch, int32(0))
}

func (e *clExec) Inverse(dst, src Span) error {
	return e.Forward(dst, src)
}

func (e *clExec) Reverse(dst, src Span) error {
	if err := checkSpans(dst.Len, src); err != nil {
		return err
	}
	if dst.Len == 0 {
		return nil
	}
	a, err := e.args(dst, src)
	if err != nil {
		return err
	}
	return e.launch("reverse_span", dst.Len/2+1, append(a, int32(dst.Len))...)
}

func (e *clExec) Split(even, odd, src Span) error {
	if err := checkSpans(src.Len, even, odd); err != nil {
		return err
	}
	if src.Len == 0 {
		return nil
	}
	a, err := e.args(even, odd, src)
	if err != nil {
		return err
	}
	return e.launch("split_span", src.Len/2+1, append(a, int32(src.Len))...)
}

func (e *clExec) MulAcc(acc, x, xr, even, odd Span) error {
	if err := checkSpans(acc.Len, x, xr, even, odd); err != nil {
		return err
	}
	a, err := e.args(acc, x, xr, even, odd)
	if err != nil {
		return err
	}
	return e.launch("mul_acc", acc.Len, a...)
}

// ForEach runs serially; kernels already spread each primitive across the
// device.
func (e *clExec) ForEach(n int, fn func(i int) error) error {
	for i := range n {
		if err := fn(i); err != nil {
			return err
		}
	}
	return nil
}

func (e *clExec) Finish() error {
	return e.queue.Finish()
}
