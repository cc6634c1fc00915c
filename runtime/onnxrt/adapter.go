// Package onnxrt implements the runtime contract against real ONNX Runtime
// sessions via github.com/yalue/onnxruntime_go.
//
// The wrapper library speaks ordered value slices, not named bindings, and
// has no notion of a runtime-allocated output with an unresolved shape — a
// caller always precomputes a concrete shape before creating the output
// tensor that Run fills (see runORTSessionOnBatch in the pack's hugot
// example, and the teacher's own purego/onnx_runner.go). This adapter
// reproduces that precomputation internally so the named, possibly
// runtime-allocated runtime.IoBinding contract above it still holds.
package onnxrt

import (
	"context"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"multigpu-pipeline-go/runtime"
)

// elementTypeOf applies the naming convention this pipeline's stage
// descriptors follow: the sequencing inputs are always plain token/position
// ids, and every tensor that flows between stages (state or logits) runs in
// half precision, matching the half-precision logits contract spec 4.H.1
// requires. ONNX Runtime's Go wrapper does not surface a tensor's element
// type from GetInputOutputInfoWithONNXData (only name and dimensions), so
// this substitutes for introspection; a caller can override a given name's
// type per model path through Env.TypeOverrides if a model deviates.
func elementTypeOf(name string, override map[string]runtime.ElementType) runtime.ElementType {
	if override != nil {
		if et, ok := override[name]; ok {
			return et
		}
	}
	switch name {
	case "input_ids", "position_ids":
		return runtime.ElementTypeInt64
	default:
		return runtime.ElementTypeFloat16
	}
}

// Env owns one process-wide ONNX Runtime environment. Opening it twice is a
// no-op (ort.IsInitialized guards it), matching NewONNXModelRunner.
type Env struct {
	mu       sync.Mutex
	deviceID int

	// TypeOverrides lets a caller declare the element type of inputs/outputs
	// by name when elementTypeOf's naming convention does not apply to a
	// given model. Keyed by stage model path.
	TypeOverrides map[string]map[string]runtime.ElementType
}

// NewEnv initializes ONNX Runtime once per process. sharedLibPath may be
// empty to use the library's compiled-in default search path.
func NewEnv(sharedLibPath string) (*Env, error) {
	if !ort.IsInitialized() {
		if sharedLibPath != "" {
			ort.SetSharedLibraryPath(sharedLibPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("onnxrt: initialize environment: %w", err)
		}
	}
	return &Env{TypeOverrides: make(map[string]map[string]runtime.ElementType)}, nil
}

func (e *Env) OpenSession(ctx context.Context, path string, deviceID int) (runtime.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("onnxrt: read model %q: %w", path, err)
	}

	inputInfo, outputInfo, err := ort.GetInputOutputInfoWithONNXData(data)
	if err != nil {
		return nil, fmt.Errorf("onnxrt: inspect model %q: %w", path, err)
	}

	override := e.TypeOverrides[path]
	inputNames := make([]string, len(inputInfo))
	outputNames := make([]string, len(outputInfo))
	inputTypes := make(map[string]runtime.TypeShapeInfo, len(inputInfo))
	outputTypes := make(map[string]runtime.TypeShapeInfo, len(outputInfo))
	for i, info := range inputInfo {
		inputNames[i] = info.Name
		inputTypes[info.Name] = runtime.TypeShapeInfo{
			ElementType: elementTypeOf(info.Name, override),
			Dims:        append([]int64(nil), info.Dimensions...),
		}
	}
	for i, info := range outputInfo {
		outputNames[i] = info.Name
		outputTypes[info.Name] = runtime.TypeShapeInfo{
			ElementType: elementTypeOf(info.Name, override),
			Dims:        append([]int64(nil), info.Dimensions...),
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnxrt: session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetIntraOpNumThreads(4); err != nil {
		return nil, fmt.Errorf("onnxrt: set intra-op threads: %w", err)
	}

	// Pin this stage's session to its GPU via the CUDA execution provider,
	// keyed by device_id, the same way termite's backend_onnx.go and
	// ollama-reverse's onnx/session.go configure device placement.
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return nil, fmt.Errorf("onnxrt: cuda provider options: %w", err)
	}
	if err := cudaOpts.Update(map[string]string{"device_id": fmt.Sprintf("%d", deviceID)}); err != nil {
		cudaOpts.Destroy()
		return nil, fmt.Errorf("onnxrt: set device_id %d on cuda provider: %w", deviceID, err)
	}
	if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
		cudaOpts.Destroy()
		return nil, fmt.Errorf("onnxrt: append cuda execution provider for device %d: %w", deviceID, err)
	}
	cudaOpts.Destroy()

	sess, err := ort.NewDynamicAdvancedSessionWithONNXData(data, inputNames, outputNames, opts)
	if err != nil {
		return nil, fmt.Errorf("onnxrt: create session for %q: %w", path, err)
	}

	return &Session{
		sess:        sess,
		deviceID:    deviceID,
		inputNames:  inputNames,
		outputNames: outputNames,
		inputTypes:  inputTypes,
		outputTypes: outputTypes,
	}, nil
}

// SetCurrentDevice is a deliberate no-op for this adapter: onnxruntime_go
// exposes no standalone cudaSetDevice-equivalent primitive (see
// DESIGN.md) — device affinity is established once per session, at
// OpenSession, via the CUDA execution provider's device_id above, not
// re-asserted per run. The call is still required by the runtime.Env
// contract so callers that share it across multiple device-pinned
// sessions on one goroutine compile against a single interface.
func (e *Env) SetCurrentDevice(deviceID int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deviceID = deviceID
	return nil
}

func (e *Env) Close() error {
	return ort.DestroyEnvironment()
}

// Session wraps one loaded ort.DynamicAdvancedSession.
type Session struct {
	sess        *ort.DynamicAdvancedSession
	deviceID    int
	inputNames  []string
	outputNames []string
	inputTypes  map[string]runtime.TypeShapeInfo
	outputTypes map[string]runtime.TypeShapeInfo
}

func (s *Session) InputNames() []string  { return s.inputNames }
func (s *Session) OutputNames() []string { return s.outputNames }

func (s *Session) InputInfo(name string) (runtime.TypeShapeInfo, error) {
	t, ok := s.inputTypes[name]
	if !ok {
		return runtime.TypeShapeInfo{}, fmt.Errorf("onnxrt: unknown input %q", name)
	}
	return t, nil
}

func (s *Session) OutputInfo(name string) (runtime.TypeShapeInfo, error) {
	t, ok := s.outputTypes[name]
	if !ok {
		return runtime.TypeShapeInfo{}, fmt.Errorf("onnxrt: unknown output %q", name)
	}
	return t, nil
}

func (s *Session) NewIoBinding() (runtime.IoBinding, error) {
	return &ioBinding{session: s}, nil
}

// NewAllocator returns a host allocator. The onnxruntime_go wrapper exposes
// no device (CUDA) allocation API in this pack's grounded usage, only
// host-backed ort.Tensor[T]; device placement for this adapter is therefore
// whatever execution provider the session options configure, not an
// explicit caller-visible allocation. See DESIGN.md.
func (s *Session) NewAllocator() (runtime.Allocator, error) {
	return &allocator{mi: s.MemoryInfo()}, nil
}

func (s *Session) MemoryInfo() runtime.MemoryInfo {
	return runtime.MemoryInfo{DeviceID: s.deviceID, IsCPU: true}
}

func (s *Session) NewDeviceTensor(mem runtime.DeviceMemory, dims []int64, elemType runtime.ElementType) (runtime.TensorView, error) {
	dm, ok := mem.(*hostMemory)
	if !ok {
		return nil, fmt.Errorf("onnxrt: device memory not produced by this runtime")
	}
	n := int(productDims(dims))

	switch elemType {
	case runtime.ElementTypeInt64:
		backing, ok := dm.data.([]int64)
		if !ok {
			backing = make([]int64, dm.bytes/elemType.Sizeof())
			dm.data = backing
		}
		if n > len(backing) {
			return nil, fmt.Errorf("onnxrt: device tensor of %d int64 elements exceeds backing allocation", n)
		}
		return newTensor(backing[:n], dims, elemType)
	case runtime.ElementTypeFloat32:
		backing, ok := dm.data.([]float32)
		if !ok {
			backing = make([]float32, dm.bytes/elemType.Sizeof())
			dm.data = backing
		}
		if n > len(backing) {
			return nil, fmt.Errorf("onnxrt: device tensor of %d float32 elements exceeds backing allocation", n)
		}
		return newTensor(backing[:n], dims, elemType)
	case runtime.ElementTypeFloat16:
		backing, ok := dm.data.([]uint16)
		if !ok {
			backing = make([]uint16, dm.bytes/elemType.Sizeof())
			dm.data = backing
		}
		if n > len(backing) {
			return nil, fmt.Errorf("onnxrt: device tensor of %d float16 elements exceeds backing allocation", n)
		}
		return newTensor(backing[:n], dims, elemType)
	default:
		return nil, fmt.Errorf("onnxrt: unsupported element type %s", elemType)
	}
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

func (s *Session) NewHostTensor(data any, dims []int64, elemType runtime.ElementType) (runtime.TensorView, error) {
	return newTensor(data, dims, elemType)
}

func (s *Session) Close() error {
	return s.sess.Destroy()
}

// hostMemory is the onnxrt adapter's runtime.DeviceMemory: a plain Go slice
// sized in bytes at allocation time, reinterpreted by NewDeviceTensor. A
// RunState allocates one of these per rotating buffer and reuses it across
// every step, matching spec 4.E.
type hostMemory struct {
	bytes int
	mi    runtime.MemoryInfo
	data  any // lazily set to []int64, []float32 or []uint16 on first NewDeviceTensor
}

func (m *hostMemory) Bytes() int                     { return m.bytes }
func (m *hostMemory) MemoryInfo() runtime.MemoryInfo { return m.mi }

type allocator struct {
	mi runtime.MemoryInfo
}

func (a *allocator) Alloc(ctx context.Context, bytes int) (runtime.DeviceMemory, error) {
	return &hostMemory{bytes: bytes, mi: a.mi}, nil
}

// tensor wraps the generic ort.Tensor[T] this library produces, behind the
// single runtime.TensorView interface.
type tensor struct {
	shape []int64
	et    runtime.ElementType
	i64   *ort.Tensor[int64]
	f32   *ort.Tensor[float32]
	f16   *ort.Tensor[uint16]
}

func newTensor(data any, dims []int64, elemType runtime.ElementType) (*tensor, error) {
	shape := ort.NewShape(dims...)
	t := &tensor{shape: append([]int64(nil), dims...), et: elemType}
	switch elemType {
	case runtime.ElementTypeInt64:
		d, ok := data.([]int64)
		if !ok {
			return nil, fmt.Errorf("onnxrt: int64 tensor needs []int64 backing data, got %T", data)
		}
		v, err := ort.NewTensor(shape, d)
		if err != nil {
			return nil, fmt.Errorf("onnxrt: new int64 tensor: %w", err)
		}
		t.i64 = v
	case runtime.ElementTypeFloat32:
		d, ok := data.([]float32)
		if !ok {
			return nil, fmt.Errorf("onnxrt: float32 tensor needs []float32 backing data, got %T", data)
		}
		v, err := ort.NewTensor(shape, d)
		if err != nil {
			return nil, fmt.Errorf("onnxrt: new float32 tensor: %w", err)
		}
		t.f32 = v
	case runtime.ElementTypeFloat16:
		d, ok := data.([]uint16)
		if !ok {
			return nil, fmt.Errorf("onnxrt: float16 tensor needs []uint16 backing data, got %T", data)
		}
		v, err := ort.NewTensor(shape, d)
		if err != nil {
			return nil, fmt.Errorf("onnxrt: new float16 tensor: %w", err)
		}
		t.f16 = v
	default:
		return nil, fmt.Errorf("onnxrt: unsupported element type %s", elemType)
	}
	return t, nil
}

func newEmptyTensor(dims []int64, elemType runtime.ElementType) (*tensor, error) {
	shape := ort.NewShape(dims...)
	t := &tensor{shape: append([]int64(nil), dims...), et: elemType}
	switch elemType {
	case runtime.ElementTypeInt64:
		v, err := ort.NewEmptyTensor[int64](shape)
		if err != nil {
			return nil, fmt.Errorf("onnxrt: new empty int64 tensor: %w", err)
		}
		t.i64 = v
	case runtime.ElementTypeFloat32:
		v, err := ort.NewEmptyTensor[float32](shape)
		if err != nil {
			return nil, fmt.Errorf("onnxrt: new empty float32 tensor: %w", err)
		}
		t.f32 = v
	case runtime.ElementTypeFloat16:
		v, err := ort.NewEmptyTensor[uint16](shape)
		if err != nil {
			return nil, fmt.Errorf("onnxrt: new empty float16 tensor: %w", err)
		}
		t.f16 = v
	default:
		return nil, fmt.Errorf("onnxrt: unsupported element type %s", elemType)
	}
	return t, nil
}

func (t *tensor) Shape() []int64                     { return t.shape }
func (t *tensor) ElementType() runtime.ElementType   { return t.et }
func (t *tensor) IsCPU() bool                        { return true }

func (t *tensor) Int64Data() []int64 {
	if t.i64 == nil {
		return nil
	}
	return t.i64.GetData()
}

func (t *tensor) Float32Data() []float32 {
	if t.f32 == nil {
		return nil
	}
	return t.f32.GetData()
}

func (t *tensor) Float16Data() []uint16 {
	if t.f16 == nil {
		return nil
	}
	return t.f16.GetData()
}

func (t *tensor) ortValue() ort.Value {
	switch t.et {
	case runtime.ElementTypeInt64:
		return t.i64
	case runtime.ElementTypeFloat32:
		return t.f32
	case runtime.ElementTypeFloat16:
		return t.f16
	}
	return nil
}

// Close destroys the Ort::Value handle wrapping this view. It never
// touches the backing Go slice, so a device tensor view that aliases a
// RunState's rotating buffer can be closed at the end of a step while the
// buffer itself lives on for the next one.
func (t *tensor) Close() error {
	switch t.et {
	case runtime.ElementTypeInt64:
		return t.i64.Destroy()
	case runtime.ElementTypeFloat32:
		return t.f32.Destroy()
	case runtime.ElementTypeFloat16:
		return t.f16.Destroy()
	}
	return nil
}

type pendingDeviceOutput struct {
	name string
}

// ioBinding accumulates named tensors for one Run call. The underlying
// library takes ordered slices, so Run below replays session.InputNames()/
// OutputNames() order rather than any bind-call order.
type ioBinding struct {
	session *Session

	inputs               map[string]runtime.TensorView
	outputs              map[string]runtime.TensorView
	pendingDeviceOutputs []pendingDeviceOutput
	ownedOutputs         []*tensor // outputs this binding allocated itself, destroyed on next clear
}

func (b *ioBinding) BindInput(name string, v runtime.TensorView) error {
	if b.inputs == nil {
		b.inputs = make(map[string]runtime.TensorView)
	}
	b.inputs[name] = v
	return nil
}

func (b *ioBinding) BindOutput(name string, v runtime.TensorView) error {
	if b.outputs == nil {
		b.outputs = make(map[string]runtime.TensorView)
	}
	b.outputs[name] = v
	return nil
}

func (b *ioBinding) BindOutputToDevice(name string, mi runtime.MemoryInfo) error {
	if b.outputs == nil {
		b.outputs = make(map[string]runtime.TensorView)
	}
	delete(b.outputs, name)
	b.pendingDeviceOutputs = append(b.pendingDeviceOutputs, pendingDeviceOutput{name: name})
	return nil
}

func (b *ioBinding) ClearBoundInputs() {
	b.inputs = nil
}

func (b *ioBinding) ClearBoundOutputs() {
	for _, t := range b.ownedOutputs {
		_ = t.Close()
	}
	b.ownedOutputs = nil
	b.outputs = nil
	b.pendingDeviceOutputs = nil
}

func (b *ioBinding) GetOutputValues() ([]runtime.TensorView, error) {
	out := make([]runtime.TensorView, 0, len(b.session.outputNames))
	for _, name := range b.session.outputNames {
		v, ok := b.outputs[name]
		if !ok {
			return nil, fmt.Errorf("onnxrt: output %q never resolved", name)
		}
		out = append(out, v)
	}
	return out, nil
}

// largestInputShape picks the bound input with the most elements, the same
// reference runORTSessionOnBatch derives its actualBatchSize/
// maxSequenceLength from (there, the pipeline batch itself; here, whichever
// input bound to this stage holds the most elements).
func (b *ioBinding) largestInputShape() []int64 {
	var best []int64
	var bestN int64 = -1
	for _, v := range b.inputs {
		n := int64(1)
		for _, d := range v.Shape() {
			if d < 0 {
				d = 1
			}
			n *= d
		}
		if n > bestN {
			bestN = n
			best = v.Shape()
		}
	}
	return best
}

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

func (s *Session) Run(ctx context.Context, binding runtime.IoBinding) error {
	b, ok := binding.(*ioBinding)
	if !ok {
		return fmt.Errorf("onnxrt: binding not produced by this runtime")
	}

	for _, req := range b.pendingDeviceOutputs {
		info, err := s.OutputInfo(req.name)
		if err != nil {
			return err
		}
		dims := resolveDynamicDims(info.Dims, b.largestInputShape())
		out, err := newEmptyTensor(dims, info.ElementType)
		if err != nil {
			return fmt.Errorf("onnxrt: allocate output %q: %w", req.name, err)
		}
		b.ownedOutputs = append(b.ownedOutputs, out)
		b.outputs[req.name] = out
	}

	inputVals := make([]ort.Value, len(s.inputNames))
	for i, name := range s.inputNames {
		v, ok := b.inputs[name]
		if !ok {
			return fmt.Errorf("onnxrt: input %q not bound", name)
		}
		t, ok := v.(*tensor)
		if !ok {
			return fmt.Errorf("onnxrt: input %q not produced by this runtime", name)
		}
		inputVals[i] = t.ortValue()
	}

	outputVals := make([]ort.Value, len(s.outputNames))
	for i, name := range s.outputNames {
		v, ok := b.outputs[name]
		if !ok {
			return fmt.Errorf("onnxrt: output %q not bound", name)
		}
		t, ok := v.(*tensor)
		if !ok {
			return fmt.Errorf("onnxrt: output %q not produced by this runtime", name)
		}
		outputVals[i] = t.ortValue()
	}

	if err := s.sess.Run(inputVals, outputVals); err != nil {
		return fmt.Errorf("onnxrt: run: %w", err)
	}
	return nil
}
