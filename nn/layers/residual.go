package layers

import (
	"fmt"

	"ofa_lib/tensor"
)

type residualSubModule interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	ModuleStr() string
}

// Identity passes its input through unchanged.
type Identity struct{}

func (Identity) Forward(x *tensor.Tensor) (*tensor.Tensor, error) { return x, nil }
func (Identity) ModuleStr() string                                 { return "Identity" }

// ResidualBlock computes Conv(x) + Shortcut(x). A nil Shortcut drops the skip
// connection and a nil Conv makes the block a pure shortcut.
type ResidualBlock struct {
	Conv     residualSubModule
	Shortcut residualSubModule
}

func NewResidualBlock(conv, shortcut residualSubModule) *ResidualBlock {
	return &ResidualBlock{Conv: conv, Shortcut: shortcut}
}

func (r *ResidualBlock) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if r.Conv == nil {
		return x, nil
	}
	res, err := r.Conv.Forward(x)
	if err != nil {
		return nil, err
	}
	if r.Shortcut == nil {
		return res, nil
	}
	skip, err := r.Shortcut.Forward(x)
	if err != nil {
		return nil, err
	}
	return tensor.Add(res, skip)
}

func (r *ResidualBlock) ModuleStr() string {
	conv, shortcut := "None", "None"
	if r.Conv != nil {
		conv = r.Conv.ModuleStr()
	}
	if r.Shortcut != nil {
		shortcut = r.Shortcut.ModuleStr()
	}
	return fmt.Sprintf("(%s, %s)", conv, shortcut)
}

// VisitTensors walks the tensors of the main branch under prefix+"conv.".
func (r *ResidualBlock) VisitTensors(prefix string, fn TensorVisitor) {
	if v, ok := r.Conv.(interface{ VisitTensors(string, TensorVisitor) }); ok {
		v.VisitTensors(prefix+"conv.", fn)
	}
}

// VisitBatchNorms walks the BN layers of the main branch under prefix+"conv.".
func (r *ResidualBlock) VisitBatchNorms(prefix string, fn func(string, *BatchNorm2D)) {
	if v, ok := r.Conv.(interface {
		VisitBatchNorms(string, func(string, *BatchNorm2D))
	}); ok {
		v.VisitBatchNorms(prefix+"conv.", fn)
	}
}
