package layers

import (
	"fmt"
	"math"
	"strings"

	"ofa_lib/tensor"
)

// ActFunc holds the definition of an element-wise activation.
type ActFunc struct {
	Name string
	Fn   func(float64) float64
}

func relu6(x float64) float64 { return math.Min(math.Max(x, 0), 6) }

// SupportedActivations contains the activations used by MobileNet-style networks.
var SupportedActivations = map[string]ActFunc{
	"relu": {
		Name: "relu",
		Fn:   func(x float64) float64 { return math.Max(x, 0) },
	},
	"relu6": {
		Name: "relu6",
		Fn:   relu6,
	},
	"h_swish": {
		Name: "h_swish",
		Fn:   func(x float64) float64 { return x * relu6(x+3) / 6 },
	},
	"h_sigmoid": {
		Name: "h_sigmoid",
		Fn:   func(x float64) float64 { return relu6(x+3) / 6 },
	},
}

// Activation is a layer that applies an element-wise function.
type Activation struct {
	act ActFunc
}

// NewActivation creates a new activation layer.
func NewActivation(name string) (*Activation, error) {
	act, ok := SupportedActivations[name]
	if !ok {
		return nil, fmt.Errorf("unsupported activation: %s", name)
	}
	return &Activation{act: act}, nil
}

// Name returns the activation's lower-case name, e.g. "h_swish".
func (a *Activation) Name() string { return a.act.Name }

func (a *Activation) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := tensor.New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = a.act.Fn(v)
	}
	return out, nil
}

func (a *Activation) ModuleStr() string { return strings.ToUpper(a.act.Name) }
