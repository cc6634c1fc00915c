// Package mock is a deterministic, in-memory stand-in for the runtime
// contract defined in package runtime. It never touches a GPU or a real
// model file; every stage session is registered by the test that needs it
// and computes its outputs as a pure function of its bound inputs, so two
// identical requests always produce byte-identical responses.
//
// It exists for the same reason nanovllm's MockModelRunner does: exercise
// the scheduler's plumbing (shapes, buffer rotation, bind/run wiring,
// greedy sampling) without paying for a real inference session.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/x448/float16"

	"multigpu-pipeline-go/runtime"
)

// StageSpec is the fake model a test registers under a path. Input/output
// order matters: it becomes the session's canonical InputNames/OutputNames
// order, which the pipeline config derives its own name lists from.
type StageSpec struct {
	InputNames  []string
	InputTypes  map[string]runtime.TypeShapeInfo
	OutputNames []string
	OutputTypes map[string]runtime.TypeShapeInfo
	// Seed perturbs the deterministic fill formula so distinct stages
	// registered with identical shapes don't produce identical outputs.
	Seed float32
}

// Registry maps a fake model path to the StageSpec that should be returned
// when a pipeline opens a session against that path.
type Registry struct {
	mu    sync.Mutex
	specs map[string]StageSpec
}

func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]StageSpec)}
}

func (r *Registry) Register(path string, spec StageSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[path] = spec
}

func (r *Registry) lookup(path string) (StageSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.specs[path]
	return spec, ok
}

// Env implements runtime.Env against a Registry. One Env is shared by every
// stage worker the way a single loaded ONNX Runtime environment is shared
// across stages in the real adapter.
type Env struct {
	reg     *Registry
	current int64
}

func NewEnv(reg *Registry) *Env {
	return &Env{reg: reg}
}

func (e *Env) OpenSession(ctx context.Context, path string, deviceID int) (runtime.Session, error) {
	spec, ok := e.reg.lookup(path)
	if !ok {
		return nil, fmt.Errorf("mock: no stage registered for path %q", path)
	}
	return &Session{spec: spec, deviceID: deviceID}, nil
}

func (e *Env) SetCurrentDevice(deviceID int) error {
	atomic.StoreInt64(&e.current, int64(deviceID))
	return nil
}

func (e *Env) Close() error { return nil }

// deviceMemory is a raw byte allocation lazily reinterpreted as a typed
// slice the first time a tensor view is carved out of it. A RunState holds
// onto the same DeviceMemory across steps (spec 4.E), so later views keep
// aliasing the same backing array.
type deviceMemory struct {
	id  int64
	mi  runtime.MemoryInfo
	raw []byte

	et  runtime.ElementType
	i64 []int64
	f32 []float32
	f16 []uint16
}

var deviceMemoryIDs int64

func (m *deviceMemory) Bytes() int                      { return len(m.raw) }
func (m *deviceMemory) MemoryInfo() runtime.MemoryInfo  { return m.mi }

func (m *deviceMemory) typed(et runtime.ElementType) {
	if m.et == et {
		return
	}
	m.et = et
	n := 0
	if et.Sizeof() > 0 {
		n = len(m.raw) / et.Sizeof()
	}
	switch et {
	case runtime.ElementTypeInt64:
		m.i64 = make([]int64, n)
	case runtime.ElementTypeFloat32:
		m.f32 = make([]float32, n)
	case runtime.ElementTypeFloat16:
		m.f16 = make([]uint16, n)
	}
}

// allocator hands out deviceMemory scoped to one session's memory kind.
type allocator struct {
	mi runtime.MemoryInfo
}

func (a *allocator) Alloc(ctx context.Context, bytes int) (runtime.DeviceMemory, error) {
	return &deviceMemory{
		id:  atomic.AddInt64(&deviceMemoryIDs, 1),
		mi:  a.mi,
		raw: make([]byte, bytes),
	}, nil
}

// Session implements runtime.Session. Run is a pure, deterministic function
// of bound inputs: it never reads a clock or a random source, so repeated
// requests with identical inputs produce identical outputs (spec 8,
// idempotence).
type Session struct {
	spec     StageSpec
	deviceID int
}

func (s *Session) InputNames() []string  { return s.spec.InputNames }
func (s *Session) OutputNames() []string { return s.spec.OutputNames }

func (s *Session) InputInfo(name string) (runtime.TypeShapeInfo, error) {
	t, ok := s.spec.InputTypes[name]
	if !ok {
		return runtime.TypeShapeInfo{}, fmt.Errorf("mock: unknown input %q", name)
	}
	return t, nil
}

func (s *Session) OutputInfo(name string) (runtime.TypeShapeInfo, error) {
	t, ok := s.spec.OutputTypes[name]
	if !ok {
		return runtime.TypeShapeInfo{}, fmt.Errorf("mock: unknown output %q", name)
	}
	return t, nil
}

func (s *Session) NewIoBinding() (runtime.IoBinding, error) {
	return &ioBinding{session: s}, nil
}

func (s *Session) NewAllocator() (runtime.Allocator, error) {
	return &allocator{mi: s.MemoryInfo()}, nil
}

func (s *Session) MemoryInfo() runtime.MemoryInfo {
	return runtime.MemoryInfo{DeviceID: s.deviceID, IsCPU: false}
}

func (s *Session) NewDeviceTensor(mem runtime.DeviceMemory, dims []int64, elemType runtime.ElementType) (runtime.TensorView, error) {
	dm, ok := mem.(*deviceMemory)
	if !ok {
		return nil, fmt.Errorf("mock: device memory not produced by this runtime")
	}
	dm.typed(elemType)
	n := int(productDims(dims))
	t := &tensor{shape: append([]int64(nil), dims...), et: elemType, isCPU: false, mem: dm}
	switch elemType {
	case runtime.ElementTypeInt64:
		if n > len(dm.i64) {
			return nil, fmt.Errorf("mock: device tensor of %d int64 elements exceeds backing allocation", n)
		}
		t.i64 = dm.i64[:n]
	case runtime.ElementTypeFloat32:
		if n > len(dm.f32) {
			return nil, fmt.Errorf("mock: device tensor of %d float32 elements exceeds backing allocation", n)
		}
		t.f32 = dm.f32[:n]
	case runtime.ElementTypeFloat16:
		if n > len(dm.f16) {
			return nil, fmt.Errorf("mock: device tensor of %d float16 elements exceeds backing allocation", n)
		}
		t.f16 = dm.f16[:n]
	default:
		return nil, fmt.Errorf("mock: unsupported element type %s", elemType)
	}
	return t, nil
}

func (s *Session) NewHostTensor(data any, dims []int64, elemType runtime.ElementType) (runtime.TensorView, error) {
	t := &tensor{shape: append([]int64(nil), dims...), et: elemType, isCPU: true}
	switch d := data.(type) {
	case []int64:
		t.i64 = d
	case []float32:
		t.f32 = d
	case []uint16:
		t.f16 = d
	default:
		return nil, fmt.Errorf("mock: host tensor data must be []int64, []float32 or []uint16, got %T", data)
	}
	return t, nil
}

func (s *Session) Close() error { return nil }

// Run fills every bound output deterministically: each element is the sum
// of every bound input's numeric content (widened to float32), the
// session's seed, and the element's own flat index. The formula is pure
// and graph-agnostic, exactly like the shape-correct linear transform a
// real stage's weights would compute, but cheap enough to run thousands of
// times in a test.
func (s *Session) Run(ctx context.Context, binding runtime.IoBinding) error {
	b, ok := binding.(*ioBinding)
	if !ok {
		return fmt.Errorf("mock: binding not produced by this runtime")
	}

	checksum := s.spec.Seed
	for _, name := range b.inputOrder {
		v := b.inputs[name].(*tensor)
		switch v.et {
		case runtime.ElementTypeInt64:
			for _, x := range v.i64 {
				checksum += float32(x)
			}
		case runtime.ElementTypeFloat32:
			for _, x := range v.f32 {
				checksum += x
			}
		case runtime.ElementTypeFloat16:
			for _, x := range v.f16 {
				checksum += float16.Frombits(x).Float32()
			}
		}
	}

	for _, req := range b.pendingDeviceOutputs {
		info, err := s.OutputInfo(req.name)
		if err != nil {
			return err
		}
		dims := resolveDynamicDims(info.Dims, b.shapeHint())
		n := int(productDims(dims))
		if req.mi.IsCPU {
			switch info.ElementType {
			case runtime.ElementTypeFloat16:
				b.outputs[req.name] = &tensor{shape: dims, et: info.ElementType, isCPU: true, f16: make([]uint16, n)}
			case runtime.ElementTypeFloat32:
				b.outputs[req.name] = &tensor{shape: dims, et: info.ElementType, isCPU: true, f32: make([]float32, n)}
			case runtime.ElementTypeInt64:
				b.outputs[req.name] = &tensor{shape: dims, et: info.ElementType, isCPU: true, i64: make([]int64, n)}
			}
		} else {
			dm := &deviceMemory{id: atomic.AddInt64(&deviceMemoryIDs, 1), mi: req.mi, raw: make([]byte, n*info.ElementType.Sizeof())}
			v, err := s.NewDeviceTensor(dm, dims, info.ElementType)
			if err != nil {
				return err
			}
			b.outputs[req.name] = v
		}
	}

	for _, name := range b.outputOrder {
		v, ok := b.outputs[name].(*tensor)
		if !ok {
			// Left unresolved (an element type this mock cannot allocate);
			// GetOutputValues reports it.
			continue
		}
		switch v.et {
		case runtime.ElementTypeInt64:
			for i := range v.i64 {
				v.i64[i] = int64(checksum) + int64(i)
			}
		case runtime.ElementTypeFloat32:
			for i := range v.f32 {
				v.f32[i] = checksum + float32(i)
			}
		case runtime.ElementTypeFloat16:
			for i := range v.f16 {
				v.f16[i] = float16.Fromfloat32(checksum + float32(i)).Bits()
			}
		}
	}
	return nil
}

func productDims(dims []int64) int64 {
	p := int64(1)
	for _, d := range dims {
		if d < 0 {
			d = 1
		}
		p *= d
	}
	return p
}

// resolveDynamicDims fills in declared dims of -1 the same way a caller of
// the onnxruntime_go library must: the first dynamic axis is the batch size,
// the second is the sequence length, both read off ref (the shape of the
// largest bound input tensor). Any further dynamic axis resolves to 1.
func resolveDynamicDims(declared []int64, ref []int64) []int64 {
	out := make([]int64, len(declared))
	batchSet, seqSet := false, false
	var batch, seq int64 = 1, 1
	if len(ref) > 0 {
		batch = ref[0]
	}
	if len(ref) > 1 {
		seq = ref[1]
	}
	for i, d := range declared {
		if d >= 0 {
			out[i] = d
			continue
		}
		switch {
		case !batchSet:
			out[i] = batch
			batchSet = true
		case !seqSet:
			out[i] = seq
			seqSet = true
		default:
			out[i] = 1
		}
	}
	return out
}

// tensor is the mock's only runtime.TensorView implementation. isCPU gates
// the public accessors per the runtime.TensorView contract; Run reaches the
// backing slices directly since it executes inside this package.
type tensor struct {
	shape []int64
	et    runtime.ElementType
	isCPU bool
	mem   *deviceMemory

	i64 []int64
	f32 []float32
	f16 []uint16
}

func (t *tensor) Shape() []int64             { return t.shape }
func (t *tensor) ElementType() runtime.ElementType { return t.et }
func (t *tensor) IsCPU() bool                { return t.isCPU }

func (t *tensor) Int64Data() []int64 {
	if !t.isCPU {
		return nil
	}
	return t.i64
}

func (t *tensor) Float32Data() []float32 {
	if !t.isCPU {
		return nil
	}
	return t.f32
}

func (t *tensor) Float16Data() []uint16 {
	if !t.isCPU {
		return nil
	}
	return t.f16
}

// Close is a no-op: the mock has no runtime-side handle to release, only
// the Go slices it already owns.
func (t *tensor) Close() error { return nil }

// BackingID returns the identity of the device allocation backing v, or -1
// if v is a host tensor. Tests use this to assert the buffer-rotation
// invariant: the present-state output written at step k must be backed by
// the same allocation as the one written at step k-2, and by a different
// allocation from the one written at step k-1 (which step k reads as its
// past-state input).
func BackingID(v runtime.TensorView) int64 {
	t, ok := v.(*tensor)
	if !ok || t.mem == nil {
		return -1
	}
	return t.mem.id
}

type pendingDeviceOutput struct {
	name string
	mi   runtime.MemoryInfo
}

// ioBinding implements runtime.IoBinding. Bind order is preserved so Run can
// replay inputs/outputs in the order the worker bound them, which for every
// stage worker in this repository is the session's declared name order.
type ioBinding struct {
	session *Session

	inputs     map[string]runtime.TensorView
	inputOrder []string

	outputs              map[string]runtime.TensorView
	outputOrder          []string
	pendingDeviceOutputs []pendingDeviceOutput
}

func (b *ioBinding) BindInput(name string, v runtime.TensorView) error {
	if b.inputs == nil {
		b.inputs = make(map[string]runtime.TensorView)
	}
	if _, exists := b.inputs[name]; !exists {
		b.inputOrder = append(b.inputOrder, name)
	}
	b.inputs[name] = v
	return nil
}

func (b *ioBinding) BindOutput(name string, v runtime.TensorView) error {
	if b.outputs == nil {
		b.outputs = make(map[string]runtime.TensorView)
	}
	if _, exists := b.outputs[name]; !exists {
		b.outputOrder = append(b.outputOrder, name)
	}
	b.outputs[name] = v
	return nil
}

func (b *ioBinding) BindOutputToDevice(name string, mi runtime.MemoryInfo) error {
	if b.outputs == nil {
		b.outputs = make(map[string]runtime.TensorView)
	}
	if _, exists := b.outputs[name]; !exists {
		b.outputOrder = append(b.outputOrder, name)
	}
	b.outputs[name] = nil // resolved during Run
	b.pendingDeviceOutputs = append(b.pendingDeviceOutputs, pendingDeviceOutput{name: name, mi: mi})
	return nil
}

func (b *ioBinding) ClearBoundInputs() {
	b.inputs = nil
	b.inputOrder = nil
}

func (b *ioBinding) ClearBoundOutputs() {
	b.outputs = nil
	b.outputOrder = nil
	b.pendingDeviceOutputs = nil
}

func (b *ioBinding) GetOutputValues() ([]runtime.TensorView, error) {
	out := make([]runtime.TensorView, 0, len(b.outputOrder))
	for _, name := range b.outputOrder {
		v := b.outputs[name]
		if v == nil {
			return nil, fmt.Errorf("mock: output %q never resolved by Run", name)
		}
		out = append(out, v)
	}
	return out, nil
}

// shapeHint returns the shape of the bound input with the most elements,
// used to resolve a runtime-allocated output's dynamic dims.
func (b *ioBinding) shapeHint() []int64 {
	var best []int64
	var bestN int64 = -1
	for _, name := range b.inputOrder {
		v := b.inputs[name].(*tensor)
		n := productDims(v.shape)
		if n > bestN {
			bestN = n
			best = v.shape
		}
	}
	return best
}
