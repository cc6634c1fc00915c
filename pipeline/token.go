package pipeline

import "multigpu-pipeline-go/runtime"

// Token is the in-flight message carrying tensor handles between stages for
// one (request, step). Its Names/Values hold the sole reference to each
// tensor view; a worker that appends a tensor here gives up its own
// reference (Go realization of "moved, not copied" — no goroutine reads a
// tensor that has been handed off in a Token).
type Token struct {
	ReqID  int64
	StepID int
	Names  []string
	Values []runtime.TensorView
	ErrMsg string
}

// Clear empties the carried tensors without touching ReqID/StepID/ErrMsg.
func (t *Token) Clear() {
	t.Names = nil
	t.Values = nil
}

// Init sets all four carried fields and resets ErrMsg.
func (t *Token) Init(reqID int64, stepID int, names []string, values []runtime.TensorView) {
	t.ReqID = reqID
	t.StepID = stepID
	t.Names = names
	t.Values = values
	t.ErrMsg = ""
}
