package nn

import (
	"fmt"
	"math"
	"sort"

	"ofa_lib/tensor"
)

type CrossEntropyLoss struct{}

// Forward returns the mean negative log-likelihood of labels under softmax(logits).
// logits is [N, classes].
func (c *CrossEntropyLoss) Forward(logits *tensor.Tensor, labels []int) (float64, error) {
	n, classes, err := batchDims(logits, labels)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for i := 0; i < n; i++ {
		row := logits.Data[i*classes : (i+1)*classes]
		if labels[i] < 0 || labels[i] >= classes {
			return 0, fmt.Errorf("label %d out of range for %d classes", labels[i], classes)
		}
		total += logSumExp(row) - row[labels[i]]
	}
	return total / float64(n), nil
}

// Accuracy returns, for every k in topk, the percentage of rows whose label is
// among the k largest logits. k is clamped to the number of classes.
func Accuracy(logits *tensor.Tensor, labels []int, topk ...int) ([]float64, error) {
	n, classes, err := batchDims(logits, labels)
	if err != nil {
		return nil, err
	}
	hits := make([]int, len(topk))
	idx := make([]int, classes)
	for i := 0; i < n; i++ {
		row := logits.Data[i*classes : (i+1)*classes]
		for j := range idx {
			idx[j] = j
		}
		sort.SliceStable(idx, func(a, b int) bool { return row[idx[a]] > row[idx[b]] })
		for t, k := range topk {
			if k > classes {
				k = classes
			}
			for _, j := range idx[:k] {
				if j == labels[i] {
					hits[t]++
					break
				}
			}
		}
	}
	out := make([]float64, len(topk))
	for t := range topk {
		out[t] = float64(hits[t]) * 100 / float64(n)
	}
	return out, nil
}

func batchDims(logits *tensor.Tensor, labels []int) (int, int, error) {
	if len(logits.Shape) != 2 {
		return 0, 0, fmt.Errorf("expected [N, classes] logits, got %v", logits.Shape)
	}
	n, classes := logits.Shape[0], logits.Shape[1]
	if n != len(labels) {
		return 0, 0, fmt.Errorf("%d logit rows for %d labels", n, len(labels))
	}
	if n == 0 || classes == 0 {
		return 0, 0, fmt.Errorf("empty logits %v", logits.Shape)
	}
	return n, classes, nil
}

func logSumExp(row []float64) float64 {
	m := row[0]
	for _, v := range row {
		if v > m {
			m = v
		}
	}
	sum := 0.0
	for _, v := range row {
		sum += math.Exp(v - m)
	}
	return m + math.Log(sum)
}
