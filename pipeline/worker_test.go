package pipeline

import (
	"context"
	"testing"

	"multigpu-pipeline-go/runtime"
	"multigpu-pipeline-go/runtime/mock"
)

// openStageSessions mirrors what NewSession does during Init: open every
// stage's session and populate its discovered input/output names.
func openStageSessions(t *testing.T, env *mock.Env, cfg *PipelineConfig) []runtime.Session {
	t.Helper()
	sessions := make([]runtime.Session, len(cfg.Stages))
	for i := range cfg.Stages {
		st := &cfg.Stages[i]
		sess, err := env.OpenSession(context.Background(), st.ModelFilePath, st.DeviceID)
		if err != nil {
			t.Fatalf("open stage %d: %v", i, err)
		}
		st.InputNames = sess.InputNames()
		st.OutputNames = sess.OutputNames()
		sessions[i] = sess
	}
	return sessions
}

// TestProcessStageBufferRotationAndRename exercises invariants 1 and 6
// (spec §8) directly against the stage-0 worker: the present-state buffer
// alternates buf2/buf1 across consecutive steps, and the inter-stage
// rename produces exactly the renamed tensor as the outgoing token.
func TestProcessStageBufferRotationAndRename(t *testing.T) {
	cfg, reg := testStack()
	env := mock.NewEnv(reg)
	sessions := openStageSessions(t, env, &cfg)

	resp := &Response{OutputNames: []string{"logits"}, OutputValues: make([]runtime.TensorView, 1)}
	frame, err := buildFrame(context.Background(), &cfg, sessions, 0, 0, 1, 1, resp)
	if err != nil {
		t.Fatalf("buildFrame: %v", err)
	}

	rs := frame.RunStates[0]
	buf1ID := mock.BackingID(rs.outputVal["present_key"])

	step0Input := testRequest(reg, 1, 1, 0)
	tok0 := &Token{}
	tok0.Init(frame.ReqID, 0, step0Input.InputNames, step0Input.InputValues)

	out0, err := processStage(context.Background(), env, &cfg, 0, sessions[0], frame, tok0, nil)
	if err != nil {
		t.Fatalf("processStage step 0: %v", err)
	}
	if len(out0.Names) != 1 || out0.Names[0] != "stage1_hidden_in" {
		t.Fatalf("outgoing token names = %v, want [stage1_hidden_in]", out0.Names)
	}

	afterStep0ID := mock.BackingID(rs.outputVal["present_key"])
	if afterStep0ID == buf1ID {
		t.Fatalf("present_key buffer did not rotate after step 0 (even step must write buf2)")
	}

	step1Input := testRequest(reg, 1, 1, 5)
	tok1 := &Token{}
	tok1.Init(frame.ReqID, 1, step1Input.InputNames, step1Input.InputValues)

	if _, err := processStage(context.Background(), env, &cfg, 0, sessions[0], frame, tok1, nil); err != nil {
		t.Fatalf("processStage step 1: %v", err)
	}
	afterStep1ID := mock.BackingID(rs.outputVal["present_key"])
	if afterStep1ID != buf1ID {
		t.Fatalf("present_key buffer did not rotate back to buf1 after step 1 (odd step must write buf1)")
	}
}

// TestProcessStageSeqLenMonotonicity checks that the present-state tensor's
// seq-len dim grows by the incoming step's seq-len contribution (spec §8
// invariant 2).
func TestProcessStageSeqLenMonotonicity(t *testing.T) {
	cfg, reg := testStack()
	env := mock.NewEnv(reg)
	sessions := openStageSessions(t, env, &cfg)

	resp := &Response{OutputNames: []string{"logits"}, OutputValues: make([]runtime.TensorView, 1)}
	frame, err := buildFrame(context.Background(), &cfg, sessions, 0, 0, 1, 3, resp)
	if err != nil {
		t.Fatalf("buildFrame: %v", err)
	}
	rs := frame.RunStates[0]
	if got := rs.outputVal["present_key"].Shape()[1]; got != 0 {
		t.Fatalf("initial present_key seq_len = %d, want 0", got)
	}

	step0Input := testRequest(reg, 1, 3, 0) // orig_input_seq_len = 3
	tok0 := &Token{}
	tok0.Init(frame.ReqID, 0, step0Input.InputNames, step0Input.InputValues)
	if _, err := processStage(context.Background(), env, &cfg, 0, sessions[0], frame, tok0, nil); err != nil {
		t.Fatalf("processStage step 0: %v", err)
	}
	if got := rs.outputVal["present_key"].Shape()[1]; got != 3 {
		t.Fatalf("present_key seq_len after step 0 = %d, want 3", got)
	}

	step1Input := testRequest(reg, 1, 1, 9) // subsequent steps feed seq_len 1
	tok1 := &Token{}
	tok1.Init(frame.ReqID, 1, step1Input.InputNames, step1Input.InputValues)
	if _, err := processStage(context.Background(), env, &cfg, 0, sessions[0], frame, tok1, nil); err != nil {
		t.Fatalf("processStage step 1: %v", err)
	}
	if got := rs.outputVal["present_key"].Shape()[1]; got != 4 {
		t.Fatalf("present_key seq_len after step 1 = %d, want 4", got)
	}
}
