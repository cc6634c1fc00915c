package pipeline

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"multigpu-pipeline-go/logging"
	"multigpu-pipeline-go/runtime"
)

// Request is one caller-supplied decoding request (spec §6).
type Request struct {
	InputNames  []string
	InputValues []runtime.TensorView
}

// Response is the caller-owned output slot for one Request, populated by
// Run (spec §6). OutputMemory is optional and parallel to OutputNames: a
// non-nil entry asks the runtime to allocate that output at the given
// memory location instead of writing into a preallocated OutputValues slot.
type Response struct {
	OutputNames  []string
	OutputValues []runtime.TensorView
	OutputMemory []*runtime.MemoryInfo
}

// Session is the pipeline driver (spec §4.H / component H): it admits
// requests, dispatches stage tasks to the pool, consumes completions off
// the response queue, drives autoregressive steps, and emits responses.
type Session struct {
	cfg       *PipelineConfig
	env       runtime.Env
	sessions  []runtime.Session
	pool      *TaskPool
	queue     *ResponseQueue
	logger    *zap.Logger
	sessionID string

	onRequestComplete func(reqID int64)
}

// SetLogger overrides the session's structured logger (a no-op logger by
// default) and logs the session id and config fingerprint through it. Safe
// to call any time before Run.
func (s *Session) SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	s.logger = l
	s.logger.Info("pipeline session initialized",
		zap.String("session_id", s.sessionID),
		zap.Uint64("config_fingerprint", configFingerprint(s.cfg)),
		zap.Int("stages", len(s.cfg.Stages)),
	)
}

// SetOnRequestComplete registers a callback invoked synchronously from Run's
// driver loop the moment a request's final step is finalized — e.g. to
// advance a caller-owned progress bar. Must be set before Run is called.
func (s *Session) SetOnRequestComplete(fn func(reqID int64)) {
	s.onRequestComplete = fn
}

// NewSession opens every stage's session, discovers its input/output
// names, validates the inter-stage rename map against those discovered
// names, and starts the worker pool. Synchronous, as spec §6 requires.
func NewSession(cfg PipelineConfig, threadPoolSize int, env runtime.Env) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	sessions := make([]runtime.Session, len(cfg.Stages))
	for i := range cfg.Stages {
		st := &cfg.Stages[i]
		sess, err := env.OpenSession(context.Background(), st.ModelFilePath, st.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("%w: stage %d: open session %q: %v", ErrConfig, i, st.ModelFilePath, err)
		}
		st.InputNames = sess.InputNames()
		st.OutputNames = sess.OutputNames()
		sessions[i] = sess
	}

	for i := 0; i < len(cfg.Stages)-1; i++ {
		st := cfg.Stages[i]
		next := cfg.Stages[i+1]
		for outName, nextIn := range st.InterStageOutputInputMap {
			if !containsString(st.OutputNames, outName) {
				return nil, fmt.Errorf("%w: stage %d: inter-stage output %q not declared among the stage's output_names", ErrConfig, i, outName)
			}
			if !containsString(next.InputNames, nextIn) {
				return nil, fmt.Errorf("%w: stage %d: inter-stage target %q not declared among stage %d's input_names", ErrConfig, i, nextIn, i+1)
			}
		}
	}

	s := &Session{
		cfg:       &cfg,
		env:       env,
		sessions:  sessions,
		pool:      NewTaskPool(threadPoolSize),
		queue:     NewResponseQueue(),
		logger:    zap.NewNop(),
		sessionID: uuid.NewString(),
	}
	s.logger.Info("pipeline session initialized",
		zap.String("session_id", s.sessionID),
		zap.Uint64("config_fingerprint", configFingerprint(&cfg)),
		zap.Int("stages", len(cfg.Stages)),
	)
	return s, nil
}

// configFingerprint hashes the stable, identity-relevant fields of a loaded
// config so two NewSession calls against the same ensemble can be
// correlated in logs even across process restarts (model file paths and
// device ids are what actually determine session identity; input/output
// names discovered post-load are not included since they are derived, not
// configured).
func configFingerprint(cfg *PipelineConfig) uint64 {
	h := xxhash.New()
	_, _ = fmt.Fprintf(h, "%s|%s|%s|%d", cfg.InputIDsName, cfg.PositionIDsName, cfg.LogitsName, cfg.MaxSeqLen)
	for _, st := range cfg.Stages {
		_, _ = fmt.Fprintf(h, "|%s|%s|%d", st.ModelName, st.ModelFilePath, st.DeviceID)
	}
	return h.Sum64()
}

// StageSession exposes the opened runtime.Session for a stage, so a caller
// (e.g. the CLI) can build host tensors for admission via NewHostTensor
// without reaching into the pipeline's internals.
func (s *Session) StageSession(stageIdx int) (runtime.Session, error) {
	if stageIdx < 0 || stageIdx >= len(s.sessions) {
		return nil, fmt.Errorf("%w: stage index %d out of range", ErrPrecondition, stageIdx)
	}
	return s.sessions[stageIdx], nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// Close releases the worker pool and every stage session plus the shared
// runtime environment.
func (s *Session) Close() error {
	s.pool.Close()
	var firstErr error
	for _, sess := range s.sessions {
		if err := sess.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.env.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Run drives num_steps autoregressive decoding iterations for every request
// in reqList, writing results into the parallel respList (spec §4.H).
func (s *Session) Run(ctx context.Context, reqList []Request, respList []Response, numSteps int) error {
	if len(reqList) != len(respList) {
		return fmt.Errorf("%w: request and response lists must have equal length, got %d and %d", ErrPrecondition, len(reqList), len(respList))
	}
	if numSteps == 0 {
		return nil
	}
	if numSteps < 0 {
		return fmt.Errorf("%w: num_steps must be non-negative", ErrPrecondition)
	}

	frames := make(map[int64]*RequestExecutionFrame, len(reqList))
	defer func() {
		for _, f := range frames {
			f.release()
		}
	}()

	for i := range reqList {
		req := &reqList[i]
		resp := &respList[i]
		reqID := nextReqID()

		batchSize, seqLen, err := readBatchAndSeqLen(s.cfg, req)
		if err != nil {
			return err
		}
		if s.cfg.MaxSeqLen < seqLen+int64(numSteps) {
			return fmt.Errorf("%w: max_seq_len %d too small for orig_input_seq_len %d + num_steps %d",
				ErrPrecondition, s.cfg.MaxSeqLen, seqLen, numSteps)
		}

		frame, err := buildFrame(ctx, s.cfg, s.sessions, i, reqID, batchSize, seqLen, resp)
		if err != nil {
			return err
		}
		frame.Token.Init(reqID, 0, req.InputNames, req.InputValues)
		frames[reqID] = frame

		s.logger.Info("request admitted",
			zap.String("session_id", s.sessionID),
			zap.Int64("req_id", reqID),
			zap.Int64("batch_size", batchSize),
			zap.Int64("orig_seq_len", seqLen))
		tok := frame.Token
		if err := s.submitStage(ctx, 0, frame, &tok); err != nil {
			return err
		}
	}

	completed := 0
	for completed < len(reqList) {
		tok := s.queue.Get()
		if tok.ErrMsg != "" {
			return &stageExecutionError{msg: tok.ErrMsg}
		}

		frame, ok := frames[tok.ReqID]
		if !ok {
			return fmt.Errorf("%w: completion for unknown request id %d", ErrStageExecution, tok.ReqID)
		}
		frame.StageID = (frame.StageID + 1) % len(s.cfg.Stages)

		if frame.StageID != 0 {
			if err := s.submitStage(ctx, frame.StageID, frame, tok); err != nil {
				return err
			}
			continue
		}

		stepID := tok.StepID + 1
		if stepID == numSteps {
			if err := finalizeResponse(frame); err != nil {
				return err
			}
			s.logger.Info("request completed", zap.Int64("req_id", frame.ReqID), zap.Int("steps", numSteps))
			if s.onRequestComplete != nil {
				s.onRequestComplete(frame.ReqID)
			}
			completed++
			continue
		}

		if frame.LastLogits == nil {
			return fmt.Errorf("%w: request id %d: final stage never produced %q", ErrMissingOutput, frame.ReqID, s.cfg.LogitsName)
		}
		logitsShape := frame.LastLogits.Shape()
		if len(logitsShape) != 3 {
			return fmt.Errorf("%w: request id %d: logits tensor has rank %d, want 3", ErrPrecondition, frame.ReqID, len(logitsShape))
		}
		batch, seqLenInStep, vocab := logitsShape[0], logitsShape[1], logitsShape[2]

		ids, err := greedyNextTokens(frame.LastLogits, batch, seqLenInStep, vocab)
		if err != nil {
			return err
		}
		inputIDs, positionIDs, err := buildNextStepInputs(s.sessions[0], ids, frame.OrigInputSeqLen, stepID)
		if err != nil {
			return err
		}

		newTok := &Token{}
		newTok.Init(frame.ReqID, stepID, []string{s.cfg.InputIDsName, s.cfg.PositionIDsName}, []runtime.TensorView{inputIDs, positionIDs})
		if err := s.submitStage(ctx, 0, frame, newTok); err != nil {
			return err
		}
	}

	return nil
}

// submitStage enqueues processStage(stageIdx) for frame against tok. A
// local copy of tok is captured before submission since the caller's token
// object may be reused or be in flight elsewhere (spec §5: a token in a
// worker is exclusively that worker's).
func (s *Session) submitStage(ctx context.Context, stageIdx int, frame *RequestExecutionFrame, tok *Token) error {
	tokCopy := *tok
	task := func() {
		out, err := processStage(ctx, s.env, s.cfg, stageIdx, s.sessions[stageIdx], frame, &tokCopy, s.logger)
		if err != nil {
			s.logger.Error("stage worker failed", append(logging.StageFields(tokCopy.ReqID, stageIdx, tokCopy.StepID), zap.Error(err))...)
			frame.Token.ReqID = tokCopy.ReqID
			frame.Token.StepID = tokCopy.StepID
			frame.Token.Names = nil
			frame.Token.Values = nil
			frame.Token.ErrMsg = fmt.Sprintf("Error in processing request id: %d: %v", tokCopy.ReqID, err)
			s.queue.Put(&frame.Token)
			return
		}
		s.queue.Put(out)
	}
	return s.pool.RunTask(ctx, task)
}

// readBatchAndSeqLen implements spec §4.H admission step 2: batch size and
// seq-len come from the stage-0 input named input_to_use_for_seq_len.
func readBatchAndSeqLen(cfg *PipelineConfig, req *Request) (batchSize, seqLen int64, err error) {
	stage0 := cfg.Stages[0]

	var target runtime.TensorView
	for i, name := range req.InputNames {
		if name == stage0.InputToUseForSeqLen {
			target = req.InputValues[i]
			break
		}
	}
	if target == nil {
		return 0, 0, fmt.Errorf("%w: request omits input_to_use_for_seq_len %q", ErrPrecondition, stage0.InputToUseForSeqLen)
	}

	shape := target.Shape()
	if stage0.BatchDimIndexInInput < 0 || stage0.BatchDimIndexInInput >= len(shape) ||
		stage0.SeqLenDimIndexInInput < 0 || stage0.SeqLenDimIndexInInput >= len(shape) {
		return 0, 0, fmt.Errorf("%w: batch/seq_len dim index out of range for %q", ErrPrecondition, stage0.InputToUseForSeqLen)
	}

	batch := shape[stage0.BatchDimIndexInInput]
	sl := shape[stage0.SeqLenDimIndexInInput]
	if batch <= 0 || sl < 0 {
		return 0, 0, fmt.Errorf("%w: non-positive batch or negative seq_len for %q", ErrPrecondition, stage0.InputToUseForSeqLen)
	}
	return batch, sl, nil
}

// finalizeResponse verifies every requested output was populated. Rather
// than moving values out of the final step's token (spec §4.H step 5's
// literal description), every stage worker writes a caller-requested
// output directly into the matching Response.OutputValues slot the moment
// it is produced (worker.go), overwriting on each step it recurs; by the
// time the last step completes the slot already holds the final value, so
// finalization only needs to confirm presence.
func finalizeResponse(frame *RequestExecutionFrame) error {
	resp := frame.Response
	for idx, name := range resp.OutputNames {
		if resp.OutputValues[idx] == nil {
			return &missingOutputError{msg: fmt.Sprintf("Output %s is not produced by the final stage", name)}
		}
	}
	return nil
}
