package model

import (
	"fmt"
	"math"

	"github.com/tsawler/evomask/tensor"
)

// CrossEntropyLoss computes the mean softmax cross-entropy of logits
// [B, NumClasses] against integer class labels [B].
func CrossEntropyLoss(logits *tensor.Tensor, labels []int32) (float64, error) {
	if len(logits.Shape) != 2 {
		return 0, fmt.Errorf("logits must be 2-D, got shape %v", logits.Shape)
	}
	if logits.Shape[0] != len(labels) {
		return 0, fmt.Errorf("batch mismatch: %d logit rows vs %d labels", logits.Shape[0], len(labels))
	}

	rows, cols := logits.Shape[0], logits.Shape[1]
	data := logits.Float32s()

	var total float64
	for i := 0; i < rows; i++ {
		label := int(labels[i])
		if label < 0 || label >= cols {
			return 0, fmt.Errorf("label %d out of range [0, %d)", label, cols)
		}
		row := data[i*cols : (i+1)*cols]
		total += logSumExp(row) - float64(row[label])
	}

	return total / float64(rows), nil
}

// L1Penalty returns lambda times the L1 norm of the final layer's kernel.
func L1Penalty(p Params, lambda float64) (float64, error) {
	final, err := p.Layer(FinalLayerName)
	if err != nil {
		return 0, err
	}
	norm, err := tensor.AbsSum(final.Kernel)
	if err != nil {
		return 0, err
	}
	return lambda * float64(norm), nil
}

// Accuracy returns the fraction of rows whose argmax equals the true label.
func Accuracy(logits *tensor.Tensor, labels []int32) (float64, error) {
	if logits.Shape[0] != len(labels) {
		return 0, fmt.Errorf("batch mismatch: %d logit rows vs %d labels", logits.Shape[0], len(labels))
	}

	predicted, err := tensor.ArgMaxRows(logits)
	if err != nil {
		return 0, err
	}

	correct := 0
	for i, p := range predicted {
		if int32(p) == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(labels)), nil
}

// softmaxRows returns row-wise softmax probabilities of a [B, C] tensor.
func softmaxRows(logits *tensor.Tensor) []float32 {
	rows, cols := logits.Shape[0], logits.Shape[1]
	data := logits.Float32s()
	out := make([]float32, len(data))

	for i := 0; i < rows; i++ {
		row := data[i*cols : (i+1)*cols]
		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}

		var sum float64
		probs := out[i*cols : (i+1)*cols]
		for j, v := range row {
			e := math.Exp(float64(v - max))
			probs[j] = float32(e)
			sum += e
		}
		inv := float32(1.0 / sum)
		for j := range probs {
			probs[j] *= inv
		}
	}

	return out
}

// logSumExp computes log(Σ exp(row)) with the usual max shift.
func logSumExp(row []float32) float64 {
	max := row[0]
	for _, v := range row[1:] {
		if v > max {
			max = v
		}
	}

	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v - max))
	}
	return math.Log(sum) + float64(max)
}
