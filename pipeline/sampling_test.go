package pipeline

import (
	"context"
	"testing"

	"github.com/x448/float16"

	"multigpu-pipeline-go/runtime"
	"multigpu-pipeline-go/runtime/mock"
)

func f16s(vals ...float32) []uint16 {
	out := make([]uint16, len(vals))
	for i, v := range vals {
		out[i] = float16.Fromfloat32(v).Bits()
	}
	return out
}

func TestGreedyNextTokensLastPositionOnly(t *testing.T) {
	// batch=1, seq_len=2, vocab=3. Step-0-style logits carry the full input
	// sequence; only the last position (index 1) should be read.
	data := f16s(
		9, 9, 9, // seq position 0 — must be ignored
		0.1, 5.0, 2.0, // seq position 1 — argmax is index 1
	)
	logits := hostFloat16Tensor(t, data, []int64{1, 2, 3})

	ids, err := greedyNextTokens(logits, 1, 2, 3)
	if err != nil {
		t.Fatalf("greedyNextTokens: %v", err)
	}
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("got %v, want [1]", ids)
	}
}

func TestGreedyNextTokensTieBreaksSmallestIndex(t *testing.T) {
	data := f16s(3.0, 3.0, 1.0)
	logits := hostFloat16Tensor(t, data, []int64{1, 1, 3})

	ids, err := greedyNextTokens(logits, 1, 1, 3)
	if err != nil {
		t.Fatalf("greedyNextTokens: %v", err)
	}
	if ids[0] != 0 {
		t.Fatalf("got %d, want 0 (smallest index on tie)", ids[0])
	}
}

func TestGreedyNextTokensMultiBatch(t *testing.T) {
	data := append(f16s(1, 2, 0), f16s(9, 0, 0)...) // batch 0 -> idx1, batch 1 -> idx0
	logits := hostFloat16Tensor(t, data, []int64{2, 1, 3})

	ids, err := greedyNextTokens(logits, 2, 1, 3)
	if err != nil {
		t.Fatalf("greedyNextTokens: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 0 {
		t.Fatalf("got %v, want [1 0]", ids)
	}
}

func TestGreedyNextTokensRejectsDeviceTensor(t *testing.T) {
	cfg, reg := testStack()
	_ = cfg
	env := mock.NewEnv(reg)
	sess, err := env.OpenSession(context.Background(), "stage1.onnx", 0)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	alloc, err := sess.NewAllocator()
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	mem, err := alloc.Alloc(context.Background(), 2*1*3)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	deviceLogits, err := sess.NewDeviceTensor(mem, []int64{1, 1, 3}, runtime.ElementTypeFloat16)
	if err != nil {
		t.Fatalf("new device tensor: %v", err)
	}
	if _, err := greedyNextTokens(deviceLogits, 1, 1, 3); err == nil {
		t.Fatalf("want error for non-host logits tensor")
	}
}

func TestBuildNextStepInputsShapeAndValues(t *testing.T) {
	_, reg := testStack()
	env := mock.NewEnv(reg)
	sess, err := env.OpenSession(context.Background(), "stage0.onnx", 0)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	ids := []int64{7, 8}
	inputIDs, positionIDs, err := buildNextStepInputs(sess, ids, 5, 1)
	if err != nil {
		t.Fatalf("buildNextStepInputs: %v", err)
	}
	if got := inputIDs.Shape(); len(got) != 2 || got[0] != 2 || got[1] != 1 {
		t.Fatalf("input_ids shape = %v, want [2 1]", got)
	}
	if got := inputIDs.Int64Data(); got[0] != 7 || got[1] != 8 {
		t.Fatalf("input_ids data = %v, want [7 8]", got)
	}
	want := int64(5 + 1 - 1)
	for _, p := range positionIDs.Int64Data() {
		if p != want {
			t.Fatalf("position id = %d, want %d", p, want)
		}
	}
}

func hostFloat16Tensor(t *testing.T, data []uint16, shape []int64) runtime.TensorView {
	t.Helper()
	_, reg := testStack()
	env := mock.NewEnv(reg)
	sess, err := env.OpenSession(context.Background(), "stage1.onnx", 0)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	v, err := sess.NewHostTensor(data, shape, runtime.ElementTypeFloat16)
	if err != nil {
		t.Fatalf("new host tensor: %v", err)
	}
	return v
}
