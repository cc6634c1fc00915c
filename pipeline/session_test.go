package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"multigpu-pipeline-go/runtime"
	"multigpu-pipeline-go/runtime/mock"
)

// Scenario (a): N=2, num_steps=1, batch=1 — the response logits slot is
// populated with a tensor shaped (1,1,vocab); no further tokens selected.
func TestRunSingleStepSingleBatch(t *testing.T) {
	cfg, reg := testStack()
	sess, err := NewSession(cfg, 2, mock.NewEnv(reg))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	req := testRequest(reg, 1, 1, 0)
	resp := Response{
		OutputNames:  []string{"logits"},
		OutputValues: make([]runtime.TensorView, 1),
	}

	if err := sess.Run(context.Background(), []Request{req}, []Response{resp}, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}

	logits := resp.OutputValues[0]
	if logits == nil {
		t.Fatalf("logits slot not populated")
	}
	if got := logits.Shape(); len(got) != 3 || got[0] != 1 || got[1] != 1 || got[2] != testVocab {
		t.Fatalf("logits shape = %v, want [1 1 %d]", got, testVocab)
	}
}

// Scenario (b)-adjacent: N=2, num_steps=3, batch=2 — Run succeeds and both
// requests' responses are populated; idempotence is checked separately.
func TestRunMultiStepMultiBatch(t *testing.T) {
	cfg, reg := testStack()
	sess, err := NewSession(cfg, 4, mock.NewEnv(reg))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	reqs := []Request{testRequest(reg, 2, 1, 0), testRequest(reg, 2, 1, 100)}
	resps := []Response{
		{OutputNames: []string{"logits"}, OutputValues: make([]runtime.TensorView, 1)},
		{OutputNames: []string{"logits"}, OutputValues: make([]runtime.TensorView, 1)},
	}

	if err := sess.Run(context.Background(), reqs, resps, 3); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, resp := range resps {
		if resp.OutputValues[0] == nil {
			t.Fatalf("request %d: logits slot not populated", i)
		}
		if got := resp.OutputValues[0].Shape(); got[0] != 2 {
			t.Fatalf("request %d: batch dim = %d, want 2", i, got[0])
		}
	}
}

// Idempotence (spec §8): identical requests against the same config, each
// run on a freshly opened session, yield byte-identical logits.
func TestRunIdempotence(t *testing.T) {
	cfg, reg := testStack()

	run := func() []uint16 {
		sess, err := NewSession(cfg, 2, mock.NewEnv(reg))
		if err != nil {
			t.Fatalf("NewSession: %v", err)
		}
		defer sess.Close()
		req := testRequest(reg, 1, 1, 42)
		resp := Response{OutputNames: []string{"logits"}, OutputValues: make([]runtime.TensorView, 1)}
		if err := sess.Run(context.Background(), []Request{req}, []Response{resp}, 2); err != nil {
			t.Fatalf("Run: %v", err)
		}
		return append([]uint16(nil), resp.OutputValues[0].Float16Data()...)
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("output length differs: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("output diverged at %d: %x vs %x", i, a[i], b[i])
		}
	}
}

// Boundary: num_steps = 0 leaves responses untouched and returns success.
func TestRunZeroStepsLeavesResponseUntouched(t *testing.T) {
	cfg, reg := testStack()
	sess, err := NewSession(cfg, 1, mock.NewEnv(reg))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	req := testRequest(reg, 1, 1, 0)
	resp := Response{OutputNames: []string{"logits"}, OutputValues: make([]runtime.TensorView, 1)}
	if err := sess.Run(context.Background(), []Request{req}, []Response{resp}, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.OutputValues[0] != nil {
		t.Fatalf("response slot was touched despite num_steps=0")
	}
}

// Scenario (d): admission-time failure when a request omits
// input_to_use_for_seq_len.
func TestRunMissingSeqLenInputIsPrecondition(t *testing.T) {
	cfg, reg := testStack()
	sess, err := NewSession(cfg, 1, mock.NewEnv(reg))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	req := Request{InputNames: nil, InputValues: nil}
	resp := Response{OutputNames: []string{"logits"}, OutputValues: make([]runtime.TensorView, 1)}
	err = sess.Run(context.Background(), []Request{req}, []Response{resp}, 1)
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("want ErrPrecondition, got %v", err)
	}
}

// Scenario (f): caller asks for an output name never produced.
func TestRunMissingFinalOutput(t *testing.T) {
	cfg, reg := testStack()
	sess, err := NewSession(cfg, 1, mock.NewEnv(reg))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	req := testRequest(reg, 1, 1, 0)
	resp := Response{OutputNames: []string{"logits", "does_not_exist"}, OutputValues: make([]runtime.TensorView, 2)}
	err = sess.Run(context.Background(), []Request{req}, []Response{resp}, 1)
	if err == nil {
		t.Fatalf("want error, got nil")
	}
	if !strings.HasPrefix(err.Error(), "Output does_not_exist is not produced by the final stage") {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if !errors.Is(err, ErrMissingOutput) {
		t.Fatalf("want ErrMissingOutput, got %v", err)
	}
}

// Scenario (e): a worker invocation raising surfaces as a fatal error whose
// message begins with the mandated prefix. The fault is the logits output
// declaring an element type the mock's Run can't fill (ElementTypeUnknown):
// frame construction never touches logits_name (it is neither state nor an
// inter-stage output), so this can only surface inside the stage-1 worker's
// own bind/run/GetOutputValues call, not at admission.
func TestRunWorkerErrorSurfacesWithRequiredPrefix(t *testing.T) {
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
			"logits":       {ElementType: runtime.ElementTypeUnknown, Dims: []int64{-1, -1, testVocab}},
			"present_key2": {ElementType: runtime.ElementTypeFloat16, Dims: []int64{-1, -1, testHiddenDim}},
		},
		Seed: 2,
	})

	cfg, _ := testStack()
	sess, err := NewSession(cfg, 1, mock.NewEnv(reg))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	req := testRequest(reg, 1, 1, 0)
	resp := Response{OutputNames: []string{"logits"}, OutputValues: make([]runtime.TensorView, 1)}
	err = sess.Run(context.Background(), []Request{req}, []Response{resp}, 1)
	if err == nil {
		t.Fatalf("want error, got nil")
	}
	if !strings.HasPrefix(err.Error(), "Error in processing request id:") {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if !errors.Is(err, ErrStageExecution) {
		t.Fatalf("want ErrStageExecution, got %v", err)
	}
}

// Token conservation / per-request ordering sanity: requests admitted
// concurrently still each complete exactly once.
func TestRunManyRequestsAllComplete(t *testing.T) {
	cfg, reg := testStack()
	sess, err := NewSession(cfg, 3, mock.NewEnv(reg))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	const n = 6
	reqs := make([]Request, n)
	resps := make([]Response, n)
	for i := 0; i < n; i++ {
		reqs[i] = testRequest(reg, 1, 1, int64(i))
		resps[i] = Response{OutputNames: []string{"logits"}, OutputValues: make([]runtime.TensorView, 1)}
	}

	if err := sess.Run(context.Background(), reqs, resps, 2); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, resp := range resps {
		if resp.OutputValues[0] == nil {
			t.Fatalf("request %d never completed", i)
		}
	}
}
