package layers

import (
	"fmt"

	"ofa_lib/tensor"
)

// Flatten reshapes [N, ...] to [N, prod(...)], copying the data.
type Flatten struct{}

func NewFlatten() *Flatten { return &Flatten{} }

func (f *Flatten) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) == 0 {
		return nil, fmt.Errorf("Flatten: scalar input")
	}
	return x.Clone().Reshape(x.Shape[0], len(x.Data)/max(x.Shape[0], 1))
}

func (f *Flatten) ModuleStr() string { return "Flatten" }
