// Package runtime defines the boundary between the pipeline scheduler and
// the inference runtime that actually executes a stage's compiled model.
//
// Nothing in this package knows how to run a transformer; it only describes
// the contract the scheduler needs: a session that can be bound and run, a
// device allocator, and a tensor view over either host or device memory.
// runtime/onnxrt satisfies this contract against ONNX Runtime; runtime/mock
// satisfies it with a deterministic, allocation-light in-memory stand-in
// used by every test in this repository.
package runtime

import "context"

// ElementType mirrors the small set of tensor element types the pipeline
// core cares about. A real runtime supports many more; the scheduler only
// ever asks about the type of a state or logits tensor.
type ElementType int

const (
	ElementTypeUnknown ElementType = iota
	ElementTypeFloat32
	ElementTypeFloat16
	ElementTypeInt64
)

func (t ElementType) String() string {
	switch t {
	case ElementTypeFloat32:
		return "float32"
	case ElementTypeFloat16:
		return "float16"
	case ElementTypeInt64:
		return "int64"
	default:
		return "unknown"
	}
}

// Sizeof returns the size in bytes of one element of the given type.
func (t ElementType) Sizeof() int {
	switch t {
	case ElementTypeInt64:
		return 8
	case ElementTypeFloat32:
		return 4
	case ElementTypeFloat16:
		return 2
	default:
		return 0
	}
}

// TypeShapeInfo describes an input or output's declared element type and
// dimensions. A dimension of -1 means dynamic (only known at bind time).
type TypeShapeInfo struct {
	ElementType ElementType
	Dims        []int64
}

// MemoryInfo identifies a memory location: which device, and whether it is
// host (CPU) or device-resident memory. Two MemoryInfo values that describe
// the same physical location compare equal.
type MemoryInfo struct {
	DeviceID int
	IsCPU    bool
}

// CPUMemoryInfo is the well-known host-memory descriptor the stage worker
// passes to BindOutputToDevice for outputs the runtime allocates on the
// host: the logits tensor (read on the host for greedy selection) and
// caller-requested outputs with neither a memory descriptor nor a
// preallocated slot.
var CPUMemoryInfo = MemoryInfo{DeviceID: -1, IsCPU: true}

// DeviceMemory is an opaque allocation owned by an Allocator. Only the
// Allocator/Session implementation that produced it knows how to use the
// underlying pointer; the pipeline core only ever asks for its size and
// passes it back into NewDeviceTensor.
type DeviceMemory interface {
	Bytes() int
	MemoryInfo() MemoryInfo
}

// Allocator allocates device memory scoped to one stage's device.
type Allocator interface {
	Alloc(ctx context.Context, bytes int) (DeviceMemory, error)
}

// TensorView is the runtime-agnostic stand-in for Ort::Value restricted to
// tensors: a typed, shaped view over either host data or a device
// allocation.
type TensorView interface {
	Shape() []int64
	ElementType() ElementType
	// IsCPU reports whether the underlying memory is host-resident. Only
	// CPU tensors may be read with Int64Data/Float32Data/Float16Data.
	IsCPU() bool

	Int64Data() []int64
	Float32Data() []float32
	Float16Data() []uint16 // raw binary16 bit patterns

	// Close releases any runtime-side handle wrapping this view (e.g. an
	// Ort::Value). It never frees the DeviceMemory/host slice backing it —
	// that is the allocator's or caller's to keep across steps. Safe to call
	// on every tensor view a RunState discards at the end of a step.
	Close() error
}

// Session is one stage's compiled model.
type Session interface {
	InputNames() []string
	OutputNames() []string
	InputInfo(name string) (TypeShapeInfo, error)
	OutputInfo(name string) (TypeShapeInfo, error)

	// NewIoBinding creates a fresh, empty binding for this session. Bindings
	// are reused across steps by a RunState; ClearBoundInputs/Outputs reset
	// them rather than allocating a new one each call.
	NewIoBinding() (IoBinding, error)

	// Run executes the session synchronously against the given binding.
	// Safe for concurrent use by multiple goroutines, each with its own
	// IoBinding (see spec 5 / DESIGN.md Open Question 3).
	Run(ctx context.Context, binding IoBinding) error

	// NewAllocator returns a device allocator scoped to this session's
	// device and memory kind.
	NewAllocator() (Allocator, error)

	// MemoryInfo is the device-memory descriptor for this session's device.
	MemoryInfo() MemoryInfo

	// NewDeviceTensor constructs a tensor view over externally owned
	// device memory (spec 6: "tensor view constructor over externally
	// owned device memory given (descriptor, ptr, bytes, dims, elem_type)").
	NewDeviceTensor(mem DeviceMemory, dims []int64, elemType ElementType) (TensorView, error)

	// NewHostTensor constructs a tensor view over host-resident data of the
	// given element type. data must be one of []int64, []float32, or
	// []uint16 (raw float16 bits), matching elemType.
	NewHostTensor(data any, dims []int64, elemType ElementType) (TensorView, error)

	Close() error
}

// IoBinding names a session's inputs/outputs with concrete tensor views
// before Run, mirroring Ort::IoBinding (spec 6).
type IoBinding interface {
	BindInput(name string, v TensorView) error
	BindOutput(name string, v TensorView) error
	// BindOutputToDevice lets the runtime allocate the output itself; used
	// when a caller did not supply a preallocated response slot.
	BindOutputToDevice(name string, mi MemoryInfo) error
	ClearBoundInputs()
	ClearBoundOutputs()
	// GetOutputValues returns the bound (or runtime-allocated) outputs in
	// the same order the session declares OutputNames().
	GetOutputValues() ([]TensorView, error)
}

// Env is the process-wide runtime handle: logging verbosity and whatever
// one-time initialization the concrete runtime needs (e.g. loading the
// ONNX Runtime shared library). A single Env is shared by every Session.
type Env interface {
	// OpenSession compiles/loads the model at path, pinned to deviceID.
	OpenSession(ctx context.Context, path string, deviceID int) (Session, error)
	// SetCurrentDevice rebinds the calling goroutine's notion of "current
	// GPU" before a stage worker binds/runs (spec 5: GPU device affinity).
	SetCurrentDevice(deviceID int) error
	Close() error
}
