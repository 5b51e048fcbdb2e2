package nn

import (
	"math"
	"testing"

	"ofa_lib/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrossEntropyUniform(t *testing.T) {
	logits := tensor.New(2, 4)
	loss, err := (&CrossEntropyLoss{}).Forward(logits, []int{0, 3})
	require.NoError(t, err)
	assert.InDelta(t, math.Log(4), loss, 1e-12)
}

func TestCrossEntropyRejectsBadLabel(t *testing.T) {
	_, err := (&CrossEntropyLoss{}).Forward(tensor.New(1, 3), []int{3})
	assert.Error(t, err)
}

func TestCrossEntropyLargeLogits(t *testing.T) {
	logits := &tensor.Tensor{Data: []float64{1000, 1001, 999}, Shape: []int{1, 3}}
	loss, err := (&CrossEntropyLoss{}).Forward(logits, []int{1})
	require.NoError(t, err)
	want := math.Log(1 + math.Exp(-1) + math.Exp(-2))
	assert.InDelta(t, want, loss, 1e-12)
}

func TestAccuracyTopK(t *testing.T) {
	logits := &tensor.Tensor{
		Data: []float64{
			0.1, 0.5, 0.2, 0.0, 0.3, 0.9,
			0.9, 0.1, 0.2, 0.3, 0.4, 0.5,
		},
		Shape: []int{2, 6},
	}
	acc, err := Accuracy(logits, []int{5, 1}, 1, 5)
	require.NoError(t, err)
	// row 0: label 5 is top-1; row 1: label 1 is the smallest logit
	assert.Equal(t, 50.0, acc[0])
	assert.Equal(t, 50.0, acc[1])
}

func TestAccuracyClampsK(t *testing.T) {
	logits := &tensor.Tensor{Data: []float64{0.2, 0.8}, Shape: []int{1, 2}}
	acc, err := Accuracy(logits, []int{0}, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, 0.0, acc[0])
	assert.Equal(t, 100.0, acc[1])
}
