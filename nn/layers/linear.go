package layers

import (
	"fmt"

	"ofa_lib/tensor"
)

// Linear is a fully connected layer: y = x·Wᵀ + b.
type Linear struct {
	inDim, outDim int
	// DropoutRate is kept for the architecture description; evaluation never drops.
	DropoutRate float64

	W *tensor.Tensor // [outDim, inDim]
	B *tensor.Tensor // [outDim], nil without bias
}

// NewLinear creates a new linear layer with zero weights.
func NewLinear(inDim, outDim int, bias bool) *Linear {
	l := &Linear{
		inDim:  inDim,
		outDim: outDim,
		W:      tensor.New(outDim, inDim),
	}
	if bias {
		l.B = tensor.New(outDim)
	}
	return l
}

func (l *Linear) InFeatures() int  { return l.inDim }
func (l *Linear) OutFeatures() int { return l.outDim }

// Clone returns a deep copy of the layer.
func (l *Linear) Clone() *Linear {
	out := *l
	out.W = l.W.Clone()
	if l.B != nil {
		out.B = l.B.Clone()
	}
	return &out
}

// ForwardPlaintext accepts [inDim] or [N, inDim] and returns [N, outDim].
func (l *Linear) ForwardPlaintext(x *tensor.Tensor) (*tensor.Tensor, error) {
	var n int
	switch {
	case len(x.Shape) == 1 && x.Shape[0] == l.inDim:
		n = 1
	case len(x.Shape) == 2 && x.Shape[1] == l.inDim:
		n = x.Shape[0]
	default:
		return nil, fmt.Errorf("%w: %s got input %v", tensor.ErrShapeMismatch, l.Tag(), x.Shape)
	}
	out := tensor.New(n, l.outDim)
	tensor.Gemm(false, true, n, l.outDim, l.inDim, x.Data, l.inDim, l.W.Data, l.inDim, out.Data, l.outDim)
	if l.B != nil {
		for i := 0; i < n; i++ {
			row := out.Data[i*l.outDim : (i+1)*l.outDim]
			for j := range row {
				row[j] += l.B.Data[j]
			}
		}
	}
	return out, nil
}

func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return l.ForwardPlaintext(input)
}

func (l *Linear) ModuleStr() string {
	return fmt.Sprintf("%dx%d_Linear", l.inDim, l.outDim)
}

func (l *Linear) VisitTensors(prefix string, fn TensorVisitor) {
	fn(prefix+"weight", l.W, false)
	if l.B != nil {
		fn(prefix+"bias", l.B, false)
	}
}

func (l *Linear) Tag() string {
	return fmt.Sprintf("Linear_%d_%d", l.inDim, l.outDim)
}
