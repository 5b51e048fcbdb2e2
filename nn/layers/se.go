package layers

import (
	"fmt"

	"ofa_lib/tensor"
)

// SEReduction is the squeeze ratio of the SE bottleneck.
const SEReduction = 4

// SEModule is squeeze-and-excitation: x * h_sigmoid(expand(relu(reduce(avgpool(x))))).
type SEModule struct {
	channel, mid int

	Reduce *Conv2D // 1x1, channel -> mid, with bias
	Expand *Conv2D // 1x1, mid -> channel, with bias

	pool *GlobalAvgPool2D
	relu *Activation
	gate *Activation
}

// NewSEModule creates an SE block over channel inputs with a mid-wide bottleneck.
func NewSEModule(channel, mid int) (*SEModule, error) {
	reduce, err := NewConv2D(channel, mid, 1, 1, 1, true)
	if err != nil {
		return nil, fmt.Errorf("SE reduce: %w", err)
	}
	expand, err := NewConv2D(mid, channel, 1, 1, 1, true)
	if err != nil {
		return nil, fmt.Errorf("SE expand: %w", err)
	}
	relu, _ := NewActivation("relu")
	gate, _ := NewActivation("h_sigmoid")
	return &SEModule{
		channel: channel,
		mid:     mid,
		Reduce:  reduce,
		Expand:  expand,
		pool:    NewGlobalAvgPool2D(),
		relu:    relu,
		gate:    gate,
	}, nil
}

func (s *SEModule) Channels() int    { return s.channel }
func (s *SEModule) MidChannels() int { return s.mid }

// Clone returns a deep copy of the module.
func (s *SEModule) Clone() *SEModule {
	out := *s
	out.Reduce = s.Reduce.Clone()
	out.Expand = s.Expand.Clone()
	return &out
}

func (s *SEModule) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := s.pool.Forward(x)
	if err != nil {
		return nil, err
	}
	for _, m := range []residualSubModule{s.Reduce, s.relu, s.Expand, s.gate} {
		if y, err = m.Forward(y); err != nil {
			return nil, err
		}
	}
	hw := x.Shape[2] * x.Shape[3]
	out := tensor.New(x.Shape...)
	for i, g := range y.Data {
		src := x.Data[i*hw : (i+1)*hw]
		dst := out.Data[i*hw : (i+1)*hw]
		for j, v := range src {
			dst[j] = v * g
		}
	}
	return out, nil
}

func (s *SEModule) ModuleStr() string { return fmt.Sprintf("SE(%d, %d)", s.channel, s.mid) }

func (s *SEModule) VisitTensors(prefix string, fn TensorVisitor) {
	s.Reduce.VisitTensors(prefix+"fc.reduce.", fn)
	s.Expand.VisitTensors(prefix+"fc.expand.", fn)
}
