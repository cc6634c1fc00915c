package pipeline

import (
	"fmt"

	"github.com/x448/float16"

	"multigpu-pipeline-go/runtime"
)

// greedyNextTokens implements spec §4.H.1 steps 1-2: for every batch row,
// argmax over the vocab dimension at the last seq position. float16
// exposes no native ordering, so comparison widens losslessly to float32
// per spec §9 ("do not convert through float unless the runtime's half
// comparison is unavailable" — x448/float16 has none).
func greedyNextTokens(logits runtime.TensorView, batchSize, seqLen, vocab int64) ([]int64, error) {
	if !logits.IsCPU() {
		return nil, fmt.Errorf("%w: logits tensor must be host-resident for argmax", ErrPrecondition)
	}
	data := logits.Float16Data()
	if data == nil {
		return nil, fmt.Errorf("%w: logits tensor is not float16", ErrPrecondition)
	}
	want := batchSize * seqLen * vocab
	if int64(len(data)) != want {
		return nil, fmt.Errorf("%w: logits tensor has %d elements, want %d (batch=%d seq_len=%d vocab=%d)",
			ErrPrecondition, len(data), want, batchSize, seqLen, vocab)
	}

	ids := make([]int64, batchSize)
	for b := int64(0); b < batchSize; b++ {
		rowBase := b*seqLen*vocab + (seqLen-1)*vocab
		bestIdx := int64(0)
		bestVal := float16.Frombits(data[rowBase]).Float32()
		for v := int64(1); v < vocab; v++ {
			val := float16.Frombits(data[rowBase+v]).Float32()
			if val > bestVal {
				bestVal = val
				bestIdx = v
			}
		}
		ids[b] = bestIdx
	}
	return ids, nil
}

// buildNextStepInputs implements spec §4.H.1 steps 3-4: host-memory
// input_ids/position_ids tensors of shape (batch, 1), built against the
// stage-0 session since stage 0 is where the next step starts.
func buildNextStepInputs(stage0 runtime.Session, ids []int64, origInputSeqLen int64, nextStepID int) (inputIDs, positionIDs runtime.TensorView, err error) {
	batch := int64(len(ids))
	posVal := origInputSeqLen + int64(nextStepID) - 1
	positions := make([]int64, batch)
	for i := range positions {
		positions[i] = posVal
	}
	shape := []int64{batch, 1}

	inputIDs, err = stage0.NewHostTensor(ids, shape, runtime.ElementTypeInt64)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: build input_ids tensor: %v", ErrPrecondition, err)
	}
	positionIDs, err = stage0.NewHostTensor(positions, shape, runtime.ElementTypeInt64)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: build position_ids tensor: %v", ErrPrecondition, err)
	}
	return inputIDs, positionIDs, nil
}
