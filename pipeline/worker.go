package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"multigpu-pipeline-go/logging"
	"multigpu-pipeline-go/runtime"
)

// processStage is the stage worker (spec §4.G): one invocation per
// (request, step, stage). It binds, runs, mutates the frame, and returns a
// freshly built outgoing token — the incoming token is read-only here since
// it may still be referenced by the driver's bookkeeping until this call
// returns. log may be nil in tests exercising processStage directly.
func processStage(
	ctx context.Context,
	env runtime.Env,
	cfg *PipelineConfig,
	stageIdx int,
	session runtime.Session,
	frame *RequestExecutionFrame,
	incoming *Token,
	log *zap.Logger,
) (*Token, error) {
	if log == nil {
		log = zap.NewNop()
	}
	stageCfg := cfg.Stages[stageIdx]
	rs := frame.RunStates[stageIdx]
	fields := logging.StageFields(incoming.ReqID, stageIdx, incoming.StepID)
	log.Debug("stage worker start", fields...)

	if err := env.SetCurrentDevice(stageCfg.DeviceID); err != nil {
		return nil, fmt.Errorf("%w: stage %d: set current device %d: %v", ErrStageExecution, stageIdx, stageCfg.DeviceID, err)
	}

	binding := rs.ioBinding
	binding.ClearBoundInputs()
	binding.ClearBoundOutputs()

	incomingByName := make(map[string]runtime.TensorView, len(incoming.Names))
	for i, name := range incoming.Names {
		incomingByName[name] = incoming.Values[i]
	}

	pastIndexByInput := make(map[string]int, len(stageCfg.PastInputNames))
	for k, name := range stageCfg.PastInputNames {
		pastIndexByInput[name] = k
	}

	for _, iname := range stageCfg.InputNames {
		if v, ok := incomingByName[iname]; ok {
			if err := binding.BindInput(iname, v); err != nil {
				return nil, fmt.Errorf("%w: stage %d: bind input %q: %v", ErrStageExecution, stageIdx, iname, err)
			}
			continue
		}
		if k, ok := pastIndexByInput[iname]; ok {
			presentName := stageCfg.PresentOutputNames[k]
			v, ok := rs.outputVal[presentName]
			if !ok {
				return nil, fmt.Errorf("%w: stage %d: no state view for %q", ErrStageExecution, stageIdx, presentName)
			}
			if err := binding.BindInput(iname, v); err != nil {
				return nil, fmt.Errorf("%w: stage %d: bind past input %q: %v", ErrStageExecution, stageIdx, iname, err)
			}
		}
		// else: left unbound — the stage must not declare required inputs
		// outside these two sources (spec §4.G).
	}

	seqLenSrc, ok := incomingByName[stageCfg.InputToUseForSeqLen]
	if !ok {
		return nil, fmt.Errorf("%w: stage %d: input_to_use_for_seq_len %q not present among incoming tensors",
			ErrPrecondition, stageIdx, stageCfg.InputToUseForSeqLen)
	}
	seqLenShape := seqLenSrc.Shape()
	if stageCfg.SeqLenDimIndexInInput < 0 || stageCfg.SeqLenDimIndexInInput >= len(seqLenShape) {
		return nil, fmt.Errorf("%w: stage %d: seq_len_dim_index_in_input out of range for %q", ErrPrecondition, stageIdx, stageCfg.InputToUseForSeqLen)
	}
	inputSeqLen := seqLenShape[stageCfg.SeqLenDimIndexInInput]

	var pastSeqLen int64
	if len(stageCfg.PresentOutputNames) > 0 {
		firstPresent := stageCfg.PresentOutputNames[0]
		view, ok := rs.outputVal[firstPresent]
		if !ok {
			return nil, fmt.Errorf("%w: stage %d: no state view for %q", ErrStageExecution, stageIdx, firstPresent)
		}
		shape := view.Shape()
		if stageCfg.SeqLenDimIndexInState < 0 || stageCfg.SeqLenDimIndexInState >= len(shape) {
			return nil, fmt.Errorf("%w: stage %d: seq_len_dim_index_in_state out of range", ErrPrecondition, stageIdx)
		}
		pastSeqLen = shape[stageCfg.SeqLenDimIndexInState]
	}
	newSeqLen := inputSeqLen + pastSeqLen

	presentIndex := make(map[string]int, len(stageCfg.PresentOutputNames))
	for k, name := range stageCfg.PresentOutputNames {
		presentIndex[name] = k
	}

	respOutIndex := make(map[string]int, 0)
	if frame.Response != nil {
		respOutIndex = make(map[string]int, len(frame.Response.OutputNames))
		for idx, name := range frame.Response.OutputNames {
			respOutIndex[name] = idx
		}
	}

	even := stageStepIsEven(incoming.StepID)

	for _, oname := range stageCfg.OutputNames {
		switch {
		case presentIndexHas(presentIndex, oname):
			k := presentIndex[oname]
			cur := rs.outputVal[oname]
			shape := append([]int64(nil), cur.Shape()...)
			shape[stageCfg.SeqLenDimIndexInState] = newSeqLen

			var buf runtime.DeviceMemory
			if even {
				buf = rs.buf2[k]
			} else {
				buf = rs.buf1[k]
			}
			view, err := session.NewDeviceTensor(buf, shape, rs.stateElemType)
			if err != nil {
				return nil, fmt.Errorf("%w: stage %d: new state output view for %q: %v", ErrStageExecution, stageIdx, oname, err)
			}
			if err := binding.BindOutput(oname, view); err != nil {
				return nil, fmt.Errorf("%w: stage %d: bind output %q: %v", ErrStageExecution, stageIdx, oname, err)
			}

		case oname == cfg.LogitsName:
			if err := binding.BindOutputToDevice(oname, runtime.CPUMemoryInfo); err != nil {
				return nil, fmt.Errorf("%w: stage %d: bind logits output %q to device: %v", ErrStageExecution, stageIdx, oname, err)
			}

		case respIndexHas(respOutIndex, oname):
			idx := respOutIndex[oname]
			var mi *runtime.MemoryInfo
			if frame.Response.OutputMemory != nil {
				mi = frame.Response.OutputMemory[idx]
			}
			switch {
			case mi != nil:
				if err := binding.BindOutputToDevice(oname, *mi); err != nil {
					return nil, fmt.Errorf("%w: stage %d: bind output %q to descriptor: %v", ErrStageExecution, stageIdx, oname, err)
				}
			case frame.Response.OutputValues[idx] != nil:
				if err := binding.BindOutput(oname, frame.Response.OutputValues[idx]); err != nil {
					return nil, fmt.Errorf("%w: stage %d: bind output %q to response slot: %v", ErrStageExecution, stageIdx, oname, err)
				}
			default:
				if err := binding.BindOutputToDevice(oname, runtime.CPUMemoryInfo); err != nil {
					return nil, fmt.Errorf("%w: stage %d: bind output %q to device: %v", ErrStageExecution, stageIdx, oname, err)
				}
			}

		default:
			if _, ok := stageCfg.InterStageOutputInputMap[oname]; !ok {
				// Discarded: neither state, logits, caller-final, nor
				// inter-stage. Bound to runtime-allocated host memory so the
				// session still produces it; the post-run update drops it.
				if err := binding.BindOutputToDevice(oname, runtime.CPUMemoryInfo); err != nil {
					return nil, fmt.Errorf("%w: stage %d: bind discarded output %q: %v", ErrStageExecution, stageIdx, oname, err)
				}
				continue
			}
			buf, ok := rs.interStageBuf[oname]
			if !ok {
				return nil, fmt.Errorf("%w: stage %d: no preallocated buffer for inter-stage output %q", ErrStageExecution, stageIdx, oname)
			}
			info, err := session.OutputInfo(oname)
			if err != nil {
				return nil, fmt.Errorf("%w: stage %d: output info for %q: %v", ErrStageExecution, stageIdx, oname, err)
			}
			dims := overrideDims(info.Dims, stageCfg.BatchDimInInterStageOutput, frame.BatchSize, stageCfg.SeqLenDimInInterStageOutput, inputSeqLen)
			view, err := session.NewDeviceTensor(buf, dims, info.ElementType)
			if err != nil {
				return nil, fmt.Errorf("%w: stage %d: new inter-stage output view for %q: %v", ErrStageExecution, stageIdx, oname, err)
			}
			if err := binding.BindOutput(oname, view); err != nil {
				return nil, fmt.Errorf("%w: stage %d: bind inter-stage output %q: %v", ErrStageExecution, stageIdx, oname, err)
			}
		}
	}

	if err := session.Run(ctx, binding); err != nil {
		return nil, fmt.Errorf("%w: stage %d: run: %v", ErrStageExecution, stageIdx, err)
	}

	produced, err := binding.GetOutputValues()
	if err != nil {
		return nil, fmt.Errorf("%w: stage %d: get output values: %v", ErrStageExecution, stageIdx, err)
	}
	if len(produced) != len(stageCfg.OutputNames) {
		return nil, fmt.Errorf("%w: stage %d: session produced %d outputs, want %d", ErrStageExecution, stageIdx, len(produced), len(stageCfg.OutputNames))
	}

	outgoing := &Token{}
	var outNames []string
	var outValues []runtime.TensorView

	for i, oname := range stageCfg.OutputNames {
		val := produced[i]
		switch {
		case presentIndexHas(presentIndex, oname):
			if old, ok := rs.outputVal[oname]; ok && old != nil {
				_ = old.Close()
			}
			rs.outputVal[oname] = val

		case oname == cfg.LogitsName:
			if frame.LastLogits != nil {
				_ = frame.LastLogits.Close()
			}
			frame.LastLogits = val
			if idx, ok := respOutIndex[oname]; ok {
				frame.Response.OutputValues[idx] = val
			}

		case respIndexHas(respOutIndex, oname):
			idx := respOutIndex[oname]
			frame.Response.OutputValues[idx] = val

		default:
			if nextInput, ok := stageCfg.InterStageOutputInputMap[oname]; ok {
				outNames = append(outNames, nextInput)
				outValues = append(outValues, val)
			}
		}
	}

	outgoing.Init(incoming.ReqID, incoming.StepID, outNames, outValues)
	log.Debug("stage worker done", fields...)
	return outgoing, nil
}

func stageStepIsEven(stepID int) bool {
	return stepID%2 == 0
}

func presentIndexHas(m map[string]int, name string) bool {
	_, ok := m[name]
	return ok
}

func respIndexHas(m map[string]int, name string) bool {
	_, ok := m[name]
	return ok
}
