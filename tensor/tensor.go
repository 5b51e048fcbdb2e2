package tensor

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
)

// ErrShapeMismatch is returned when two tensors must agree in shape but don't.
var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor is a simple n-D array backed by a flat, row-major []float64.
type Tensor struct {
	Data  []float64
	Shape []int
}

// New allocates a zeroed Tensor of given shape. A call without dims yields a scalar.
func New(shape ...int) *Tensor {
	return &Tensor{
		Data:  make([]float64, Numel(shape)),
		Shape: append([]int{}, shape...),
	}
}

// NewWithData creates a 1-D tensor from existing data slice.
func NewWithData(data []float64) *Tensor {
	return &Tensor{
		Data:  append([]float64(nil), data...),
		Shape: []int{len(data)},
	}
}

// FromData wraps a copy of data with the given shape.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	if len(data) != Numel(shape) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(data), shape)
	}
	return &Tensor{
		Data:  append([]float64(nil), data...),
		Shape: append([]int{}, shape...),
	}, nil
}

// Randn fills a new tensor with standard normal samples drawn from rng.
func Randn(rng *rand.Rand, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()
	}
	return t
}

// Numel returns the product of dims.
func Numel(shape []int) int {
	total := 1
	for _, d := range shape {
		total *= d
	}
	return total
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Data:  append([]float64(nil), t.Data...),
		Shape: append([]int{}, t.Shape...),
	}
}

// Reshape returns a tensor sharing t's data with a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if Numel(shape) != len(t.Data) {
		return nil, fmt.Errorf("%w: cannot view %v as %v", ErrShapeMismatch, t.Shape, shape)
	}
	return &Tensor{Data: t.Data, Shape: append([]int{}, shape...)}, nil
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// Equal reports exact equality of shape and values.
func Equal(a, b *Tensor) bool {
	return SameShape(a, b) && floats.Equal(a.Data, b.Data)
}

// AllClose reports equality of shape and values within an absolute tolerance.
func AllClose(a, b *Tensor, tol float64) bool {
	return SameShape(a, b) && floats.EqualApprox(a.Data, b.Data, tol)
}

// MaxAbsDiff returns the largest element-wise absolute difference (Inf on shape mismatch).
func MaxAbsDiff(a, b *Tensor) float64 {
	if !SameShape(a, b) {
		return math.Inf(1)
	}
	m := 0.0
	for i := range a.Data {
		m = math.Max(m, math.Abs(a.Data[i]-b.Data[i]))
	}
	return m
}

// Add returns a+b (same shape), or error if shapes differ.
func Add(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a, b) {
		return nil, fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	out := a.Clone()
	floats.Add(out.Data, b.Data)
	return out, nil
}

// Gemm computes C = op(A)·op(B) on raw row-major buffers, overwriting C.
// op(A) is m×k, op(B) is k×n, C is m×n.
func Gemm(transA, transB bool, m, n, k int, a []float64, lda int, b []float64, ldb int, c []float64, ldc int) {
	if m == 0 || n == 0 {
		return
	}
	if k == 0 {
		for i := 0; i < m; i++ {
			row := c[i*ldc : i*ldc+n]
			for j := range row {
				row[j] = 0
			}
		}
		return
	}
	ta, tb := blas.NoTrans, blas.NoTrans
	ar, ac := m, k
	if transA {
		ta = blas.Trans
		ar, ac = k, m
	}
	br, bc := k, n
	if transB {
		tb = blas.Trans
		br, bc = n, k
	}
	blas64.Gemm(ta, tb, 1,
		blas64.General{Rows: ar, Cols: ac, Stride: lda, Data: a},
		blas64.General{Rows: br, Cols: bc, Stride: ldb, Data: b},
		0,
		blas64.General{Rows: m, Cols: n, Stride: ldc, Data: c})
}

// At returns the element at the given indices.
// For a 4D tensor [a, b, c, d], At(i, j, k, l) returns the element at position [i][j][k][l].
func (t *Tensor) At(indices ...int) float64 {
	return t.Data[t.offset("At", indices)]
}

// Set sets the element at the given indices to the given value.
func (t *Tensor) Set(value float64, indices ...int) {
	t.Data[t.offset("Set", indices)] = value
}

func (t *Tensor) offset(op string, indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("%s: expected %d indices, got %d", op, len(t.Shape), len(indices)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.Shape[i] {
			panic(fmt.Sprintf("%s: index %d out of bounds for dimension %d (shape: %v)", op, indices[i], i, t.Shape))
		}
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}

// Slice4D copies the leading [d0, d1, d2, d3] window starting at the given offsets
// of a 4-D tensor. It is how channel and kernel sub-filters are cut from larger weights.
func (t *Tensor) Slice4D(o0, d0, o1, d1, o2, d2, o3, d3 int) (*Tensor, error) {
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("Slice4D requires a 4-D tensor, got %v", t.Shape)
	}
	s := t.Shape
	if o0+d0 > s[0] || o1+d1 > s[1] || o2+d2 > s[2] || o3+d3 > s[3] || o0 < 0 || o1 < 0 || o2 < 0 || o3 < 0 {
		return nil, fmt.Errorf("%w: window [%d:%d,%d:%d,%d:%d,%d:%d] exceeds %v",
			ErrShapeMismatch, o0, o0+d0, o1, o1+d1, o2, o2+d2, o3, o3+d3, s)
	}
	out := New(d0, d1, d2, d3)
	i := 0
	for a := o0; a < o0+d0; a++ {
		for b := o1; b < o1+d1; b++ {
			for c := o2; c < o2+d2; c++ {
				base := ((a*s[1]+b)*s[2]+c)*s[3] + o3
				copy(out.Data[i:i+d3], t.Data[base:base+d3])
				i += d3
			}
		}
	}
	return out, nil
}
