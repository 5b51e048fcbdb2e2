package layers

import (
	"fmt"

	"ofa_lib/tensor"
)

// GlobalAvgPool2D averages every channel plane: [N, C, H, W] -> [N, C, 1, 1].
type GlobalAvgPool2D struct{}

func NewGlobalAvgPool2D() *GlobalAvgPool2D { return &GlobalAvgPool2D{} }

func (a *GlobalAvgPool2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("%w: GlobalAvgPool2D expects [N,C,H,W], got %v", tensor.ErrShapeMismatch, x.Shape)
	}
	n, c, hw := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	out := tensor.New(n, c, 1, 1)
	for i := 0; i < n*c; i++ {
		sum := 0.0
		for _, v := range x.Data[i*hw : (i+1)*hw] {
			sum += v
		}
		out.Data[i] = sum / float64(hw)
	}
	return out, nil
}

func (a *GlobalAvgPool2D) ModuleStr() string { return "GlobalAvgPool" }
