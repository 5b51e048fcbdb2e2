package nn

import (
	"strings"

	"ofa_lib/tensor"
)

// Module defines a single layer/unit in the network. Forward must not mutate
// the module, so one module can serve concurrent forward passes.
type Module interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	// ModuleStr returns the compact one-line architecture description.
	ModuleStr() string
}

// Sequential chains multiple Modules in order.
type Sequential struct {
	Layers []Module
}

// Forward applies each layer in sequence.
func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	out := x
	for _, layer := range s.Layers {
		out, err = layer.Forward(out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ModuleStr lists one layer per line.
func (s *Sequential) ModuleStr() string {
	lines := make([]string, 0, len(s.Layers))
	for _, layer := range s.Layers {
		lines = append(lines, layer.ModuleStr())
	}
	return strings.Join(lines, "\n")
}
