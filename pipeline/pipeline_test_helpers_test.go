package pipeline

import (
	"context"

	"multigpu-pipeline-go/runtime"
	"multigpu-pipeline-go/runtime/mock"
)

// testStack builds a 2-stage config/registry pair shared by every test in
// this package: stage 0 turns (input_ids, position_ids) into hidden_states
// (forwarded) and a present_key state; stage 1 turns hidden_states into
// logits (vocab 3) and a present_key2 state.
const (
	testHiddenDim = 4
	testVocab     = 3
)

func testStack() (PipelineConfig, *mock.Registry) {
	reg := mock.NewRegistry()

	reg.Register("stage0.onnx", mock.StageSpec{
		InputNames: []string{"input_ids", "position_ids", "past_key"},
		InputTypes: map[string]runtime.TypeShapeInfo{
			"input_ids":    {ElementType: runtime.ElementTypeInt64, Dims: []int64{-1, -1}},
			"position_ids": {ElementType: runtime.ElementTypeInt64, Dims: []int64{-1, -1}},
			"past_key":     {ElementType: runtime.ElementTypeFloat16, Dims: []int64{-1, -1, testHiddenDim}},
		},
		OutputNames: []string{"hidden_states", "present_key"},
		OutputTypes: map[string]runtime.TypeShapeInfo{
			"hidden_states": {ElementType: runtime.ElementTypeFloat16, Dims: []int64{-1, -1, testHiddenDim}},
			"present_key":   {ElementType: runtime.ElementTypeFloat16, Dims: []int64{-1, -1, testHiddenDim}},
		},
		Seed: 1,
	})

	reg.Register("stage1.onnx", mock.StageSpec{
		InputNames: []string{"stage1_hidden_in", "past_key2"},
		InputTypes: map[string]runtime.TypeShapeInfo{
			"stage1_hidden_in": {ElementType: runtime.ElementTypeFloat16, Dims: []int64{-1, -1, testHiddenDim}},
			"past_key2":        {ElementType: runtime.ElementTypeFloat16, Dims: []int64{-1, -1, testHiddenDim}},
		},
		OutputNames: []string{"logits", "present_key2"},
		OutputTypes: map[string]runtime.TypeShapeInfo{
			"logits":       {ElementType: runtime.ElementTypeFloat16, Dims: []int64{-1, -1, testVocab}},
			"present_key2": {ElementType: runtime.ElementTypeFloat16, Dims: []int64{-1, -1, testHiddenDim}},
		},
		Seed: 2,
	})

	cfg := PipelineConfig{
		InputIDsName:    "input_ids",
		PositionIDsName: "position_ids",
		LogitsName:      "logits",
		MaxSeqLen:       16,
		Stages: []StageConfig{
			{
				ModelName:                   "stage0",
				ModelFilePath:               "stage0.onnx",
				DeviceID:                    0,
				PastInputNames:              []string{"past_key"},
				PresentOutputNames:          []string{"present_key"},
				InterStageOutputInputMap:    map[string]string{"hidden_states": "stage1_hidden_in"},
				InputToUseForSeqLen:         "input_ids",
				SeqLenDimIndexInInput:       1,
				BatchDimIndexInInput:        0,
				BatchDimIndexInState:        0,
				SeqLenDimIndexInState:       1,
				BatchDimInInterStageOutput:  0,
				SeqLenDimInInterStageOutput: 1,
			},
			{
				ModelName:             "stage1",
				ModelFilePath:         "stage1.onnx",
				DeviceID:              0,
				PastInputNames:        []string{"past_key2"},
				PresentOutputNames:    []string{"present_key2"},
				InputToUseForSeqLen:   "stage1_hidden_in",
				SeqLenDimIndexInInput: 1,
				BatchDimIndexInInput:  0,
				BatchDimIndexInState:  0,
				SeqLenDimIndexInState: 1,
			},
		},
	}

	return cfg, reg
}

// testRequest builds a Request carrying input_ids/position_ids of shape
// (batch, seqLen), using a throwaway session purely as a tensor factory
// (the mock's host tensors don't depend on session identity).
func testRequest(reg *mock.Registry, batch, seqLen int64, startID int64) Request {
	env := mock.NewEnv(reg)
	sess, err := env.OpenSession(context.Background(), "stage0.onnx", 0)
	if err != nil {
		panic(err)
	}
	n := int(batch * seqLen)
	ids := make([]int64, n)
	positions := make([]int64, n)
	for i := 0; i < n; i++ {
		ids[i] = startID + int64(i)
		positions[i] = int64(i % int(seqLen))
	}
	shape := []int64{batch, seqLen}
	idsTensor, err := sess.NewHostTensor(ids, shape, runtime.ElementTypeInt64)
	if err != nil {
		panic(err)
	}
	posTensor, err := sess.NewHostTensor(positions, shape, runtime.ElementTypeInt64)
	if err != nil {
		panic(err)
	}
	return Request{
		InputNames:  []string{"input_ids", "position_ids"},
		InputValues: []runtime.TensorView{idsTensor, posTensor},
	}
}
