// Package networks holds static (fixed-architecture) networks produced by
// sub-network extraction.
package networks

import (
	"fmt"
	"strings"

	"ofa_lib/nn"
	"ofa_lib/nn/layers"
	"ofa_lib/tensor"
)

// MobileNetV3 is a fixed MobileNetV3 evaluated in inference mode:
// first conv -> blocks -> final expand -> global pool -> feature mix -> classifier.
type MobileNetV3 struct {
	FirstConv        *layers.ConvLayer
	Blocks           []*layers.ResidualBlock
	FinalExpandLayer *layers.ConvLayer
	FeatureMixLayer  *layers.ConvLayer
	Classifier       *layers.Linear
}

// NamedBatchNorm is a BN layer together with its qualified module name.
type NamedBatchNorm struct {
	Name string
	BN   *layers.BatchNorm2D
}

func (m *MobileNetV3) sequence() *nn.Sequential {
	mods := []nn.Module{m.FirstConv}
	for _, b := range m.Blocks {
		mods = append(mods, b)
	}
	mods = append(mods,
		m.FinalExpandLayer,
		layers.NewGlobalAvgPool2D(),
		m.FeatureMixLayer,
		layers.NewFlatten(),
		m.Classifier,
	)
	return &nn.Sequential{Layers: mods}
}

// Forward maps [N, 3, H, W] images to [N, classes] logits.
func (m *MobileNetV3) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != m.FirstConv.Conv.InChannels() {
		return nil, fmt.Errorf("%w: expected [N,%d,H,W] input, got %v",
			tensor.ErrShapeMismatch, m.FirstConv.Conv.InChannels(), x.Shape)
	}
	return m.sequence().Forward(x)
}

// NumClasses is the classifier width.
func (m *MobileNetV3) NumClasses() int { return m.Classifier.OutFeatures() }

// ModuleStr describes the network one layer per line.
func (m *MobileNetV3) ModuleStr() string {
	lines := []string{m.FirstConv.ModuleStr()}
	for _, b := range m.Blocks {
		lines = append(lines, b.ModuleStr())
	}
	lines = append(lines,
		m.FinalExpandLayer.ModuleStr(),
		m.FeatureMixLayer.ModuleStr(),
		m.Classifier.ModuleStr(),
	)
	return strings.Join(lines, "\n")
}

// VisitTensors walks every parameter and buffer in state-dict order.
func (m *MobileNetV3) VisitTensors(fn layers.TensorVisitor) {
	m.FirstConv.VisitTensors("first_conv.", fn)
	for i, b := range m.Blocks {
		b.VisitTensors(fmt.Sprintf("blocks.%d.", i), fn)
	}
	m.FinalExpandLayer.VisitTensors("final_expand_layer.", fn)
	m.FeatureMixLayer.VisitTensors("feature_mix_layer.", fn)
	m.Classifier.VisitTensors("classifier.linear.", fn)
}

// NamedParameters returns the learnable tensors (no running statistics) by name.
func (m *MobileNetV3) NamedParameters() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)
	m.VisitTensors(func(name string, t *tensor.Tensor, buffer bool) {
		if !buffer {
			out[name] = t
		}
	})
	return out
}

// StateDict returns every tensor, parameters and buffers, by name.
func (m *MobileNetV3) StateDict() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)
	m.VisitTensors(func(name string, t *tensor.Tensor, _ bool) { out[name] = t })
	return out
}

// BatchNorms lists the BN layers in forward order.
func (m *MobileNetV3) BatchNorms() []NamedBatchNorm {
	var out []NamedBatchNorm
	collect := func(name string, bn *layers.BatchNorm2D) {
		out = append(out, NamedBatchNorm{Name: name, BN: bn})
	}
	m.FirstConv.VisitBatchNorms("first_conv.", collect)
	for i, b := range m.Blocks {
		b.VisitBatchNorms(fmt.Sprintf("blocks.%d.", i), collect)
	}
	m.FinalExpandLayer.VisitBatchNorms("final_expand_layer.", collect)
	m.FeatureMixLayer.VisitBatchNorms("feature_mix_layer.", collect)
	return out
}
