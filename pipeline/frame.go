package pipeline

import (
	"context"
	"fmt"

	"multigpu-pipeline-go/runtime"
)

// RunState is the per-stage, per-request execution state described in spec
// §3: an IO binding, a device allocator, the two rotating past/present
// buffers, the inter-stage output buffers (absent on the last stage), and
// the current "live" view of every present-output's contents.
type RunState struct {
	ioBinding runtime.IoBinding
	allocator runtime.Allocator
	memInfo   runtime.MemoryInfo

	stateElemType runtime.ElementType
	buf1          []runtime.DeviceMemory // present_past_prealloc_buffer_1_vec
	buf2          []runtime.DeviceMemory // present_past_prealloc_buffer_2_vec

	interStageBuf map[string]runtime.DeviceMemory // keyed by output name; nil on the last stage

	outputVal map[string]runtime.TensorView // keyed by present_output_names[j]
}

// RequestExecutionFrame is the per-request scheduling/preallocation context
// (spec §3), one per admitted request, living from admission to response.
type RequestExecutionFrame struct {
	ReqIndex        int
	ReqID           int64
	BatchSize       int64
	OrigInputSeqLen int64
	StageID         int

	Response *Response
	Token    Token

	RunStates []*RunState

	// LastLogits is the most recently produced logits_name tensor, refreshed
	// every step regardless of whether the caller also requested it as a
	// final output. Greedy next-token selection (§4.H.1) reads this.
	LastLogits runtime.TensorView
}

func productDims(dims []int64) int64 {
	var p int64 = 1
	for _, d := range dims {
		if d < 0 {
			continue
		}
		p *= d
	}
	return p
}

// overrideDims copies dims and overwrites the batch and seq-len axes.
func overrideDims(dims []int64, batchIdx int, batchVal int64, seqIdx int, seqVal int64) []int64 {
	out := make([]int64, len(dims))
	copy(out, dims)
	if batchIdx >= 0 && batchIdx < len(out) {
		out[batchIdx] = batchVal
	}
	if seqIdx >= 0 && seqIdx < len(out) {
		out[seqIdx] = seqVal
	}
	return out
}

// buildFrame performs execution-frame construction exactly as spec §4.E
// describes it, stage by stage, in order.
func buildFrame(
	ctx context.Context,
	cfg *PipelineConfig,
	sessions []runtime.Session,
	reqIndex int,
	reqID int64,
	batchSize, origInputSeqLen int64,
	resp *Response,
) (*RequestExecutionFrame, error) {
	frame := &RequestExecutionFrame{
		ReqIndex:        reqIndex,
		ReqID:           reqID,
		BatchSize:       batchSize,
		OrigInputSeqLen: origInputSeqLen,
		StageID:         0,
		Response:        resp,
		RunStates:       make([]*RunState, len(cfg.Stages)),
	}

	for i, stageCfg := range cfg.Stages {
		session := sessions[i]

		alloc, err := session.NewAllocator()
		if err != nil {
			return nil, fmt.Errorf("%w: stage %d: new allocator: %v", ErrPrecondition, i, err)
		}

		rs := &RunState{
			allocator: alloc,
			memInfo:   session.MemoryInfo(),
			outputVal: make(map[string]runtime.TensorView, len(stageCfg.PresentOutputNames)),
		}

		k := len(stageCfg.PastInputNames)
		rs.buf1 = make([]runtime.DeviceMemory, k)
		rs.buf2 = make([]runtime.DeviceMemory, k)

		for j := 0; j < k; j++ {
			pastName := stageCfg.PastInputNames[j]
			info, err := session.InputInfo(pastName)
			if err != nil {
				return nil, fmt.Errorf("%w: stage %d: past input %q: %v", ErrConfig, i, pastName, err)
			}
			rs.stateElemType = info.ElementType
			stateDims := overrideDims(info.Dims, stageCfg.BatchDimIndexInState, batchSize, stageCfg.SeqLenDimIndexInState, cfg.MaxSeqLen)
			nbytes := productDims(stateDims) * int64(info.ElementType.Sizeof())
			if nbytes <= 0 {
				return nil, fmt.Errorf("%w: stage %d: past input %q: non-positive buffer size", ErrPrecondition, i, pastName)
			}

			buf1, err := alloc.Alloc(ctx, int(nbytes))
			if err != nil {
				return nil, fmt.Errorf("%w: stage %d: alloc present/past buffer 1 for %q: %v", ErrPrecondition, i, pastName, err)
			}
			buf2, err := alloc.Alloc(ctx, int(nbytes))
			if err != nil {
				return nil, fmt.Errorf("%w: stage %d: alloc present/past buffer 2 for %q: %v", ErrPrecondition, i, pastName, err)
			}
			rs.buf1[j] = buf1
			rs.buf2[j] = buf2

			presentName := stageCfg.PresentOutputNames[j]
			zeroDims := overrideDims(stateDims, stageCfg.BatchDimIndexInState, batchSize, stageCfg.SeqLenDimIndexInState, 0)
			view, err := session.NewDeviceTensor(buf1, zeroDims, info.ElementType)
			if err != nil {
				return nil, fmt.Errorf("%w: stage %d: initial view for %q: %v", ErrPrecondition, i, presentName, err)
			}
			rs.outputVal[presentName] = view
		}

		if i != len(cfg.Stages)-1 && len(stageCfg.InterStageOutputInputMap) > 0 {
			rs.interStageBuf = make(map[string]runtime.DeviceMemory, len(stageCfg.InterStageOutputInputMap))
			for outName := range stageCfg.InterStageOutputInputMap {
				info, err := session.OutputInfo(outName)
				if err != nil {
					return nil, fmt.Errorf("%w: stage %d: inter-stage output %q: %v", ErrConfig, i, outName, err)
				}
				dims := overrideDims(info.Dims, stageCfg.BatchDimInInterStageOutput, batchSize, stageCfg.SeqLenDimInInterStageOutput, cfg.MaxSeqLen)
				nbytes := productDims(dims) * int64(info.ElementType.Sizeof())
				if nbytes <= 0 {
					return nil, fmt.Errorf("%w: stage %d: inter-stage output %q: non-positive buffer size", ErrPrecondition, i, outName)
				}
				buf, err := alloc.Alloc(ctx, int(nbytes))
				if err != nil {
					return nil, fmt.Errorf("%w: stage %d: alloc inter-stage buffer for %q: %v", ErrPrecondition, i, outName, err)
				}
				rs.interStageBuf[outName] = buf
			}
		}

		binding, err := session.NewIoBinding()
		if err != nil {
			return nil, fmt.Errorf("%w: stage %d: new io binding: %v", ErrPrecondition, i, err)
		}
		rs.ioBinding = binding

		frame.RunStates[i] = rs
	}

	return frame, nil
}

// release closes every tensor view and lets preallocated buffers go (spec
// §7: "allocated frames and preallocated buffers are released on return
// regardless of outcome"). DeviceMemory carries no explicit Free in the
// runtime contract — ownership reverts to the garbage collector once no
// RunState references it, mirroring how the mock/onnxrt allocators never
// expose a free path either.
func (f *RequestExecutionFrame) release() {
	for _, rs := range f.RunStates {
		if rs == nil {
			continue
		}
		for _, v := range rs.outputVal {
			if v != nil {
				_ = v.Close()
			}
		}
		if rs.ioBinding != nil {
			rs.ioBinding.ClearBoundInputs()
			rs.ioBinding.ClearBoundOutputs()
		}
	}
	if f.LastLogits != nil {
		_ = f.LastLogits.Close()
	}
}
