package onnx

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"

	pb "github.com/advancedclimatesystems/gonnx/onnx"

	"ofa_lib/nn/layers"
	"ofa_lib/nn/networks"
	"ofa_lib/tensor"
)

const (
	InputName  = "input"
	OutputName = "output"
)

// ErrUnsupported is returned for layers the exporter cannot express.
var ErrUnsupported = errors.New("unsupported layer for onnx export")

// Build traces net on a random [1, 3, imgSize, imgSize] input and converts it to
// an ONNX graph. BN layers are folded into the preceding convolution and the
// batch dimension is left symbolic.
func Build(net *networks.MobileNetV3, imgSize int) (*Model, error) {
	if imgSize <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", imgSize)
	}
	in := net.FirstConv.Conv.InChannels()
	probe := tensor.Randn(rand.New(rand.NewSource(0)), 1, in, imgSize, imgSize)
	if _, err := net.Forward(probe); err != nil {
		return nil, fmt.Errorf("tracing network at %dx%d: %w", imgSize, imgSize, err)
	}

	b := &builder{}
	x, err := b.convLayer("first_conv", InputName, net.FirstConv)
	if err != nil {
		return nil, err
	}
	for i, blk := range net.Blocks {
		if x, err = b.residual(fmt.Sprintf("blocks.%d", i), x, blk); err != nil {
			return nil, err
		}
	}
	if x, err = b.convLayer("final_expand_layer", x, net.FinalExpandLayer); err != nil {
		return nil, err
	}
	x = b.node("GlobalAveragePool", "global_avg_pool", []string{x})
	if x, err = b.convLayer("feature_mix_layer", x, net.FeatureMixLayer); err != nil {
		return nil, err
	}
	x = b.node("Flatten", "flatten", []string{x}, intAttr("axis", 1))

	cls := net.Classifier
	bias := make([]float64, cls.OutFeatures())
	if cls.B != nil {
		copy(bias, cls.B.Data)
	}
	w := b.initializer("classifier.linear.weight", cls.W.Shape, cls.W.Data)
	bb := b.initializer("classifier.linear.bias", []int{cls.OutFeatures()}, bias)
	gemm := b.node("Gemm", "classifier", []string{x, w, bb}, intAttr("transB", 1))
	b.rename(gemm, OutputName)

	return &Model{Proto: &pb.ModelProto{
		IrVersion:    IRVersion,
		ProducerName: ProducerName,
		OpsetImport:  []*pb.OperatorSetIdProto{{Version: OpsetVersion}},
		Graph: &pb.GraphProto{
			Name:        "mobilenet_v3",
			Node:        b.nodes,
			Initializer: b.inits,
			Input:       []*pb.ValueInfoProto{valueInfo(InputName, -1, int64(in), int64(imgSize), int64(imgSize))},
			Output:      []*pb.ValueInfoProto{valueInfo(OutputName, -1, int64(net.NumClasses()))},
		},
	}}, nil
}

// Export writes net as an ONNX model to w.
func Export(w io.Writer, net *networks.MobileNetV3, imgSize int) error {
	b, err := encode(net, imgSize)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ExportFile writes net to path, replacing any existing file.
func ExportFile(path string, net *networks.MobileNetV3, imgSize int) error {
	b, err := encode(net, imgSize)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

func encode(net *networks.MobileNetV3, imgSize int) ([]byte, error) {
	m, err := Build(net, imgSize)
	if err != nil {
		return nil, err
	}
	return m.Marshal()
}

type builder struct {
	nodes []*pb.NodeProto
	inits []*pb.TensorProto
}

func (b *builder) initializer(name string, shape []int, data []float64) string {
	b.inits = append(b.inits, tensorProto(name, shape, data))
	return name
}

// node appends a single-output node named name and returns its output.
func (b *builder) node(op, name string, inputs []string, attrs ...*pb.AttributeProto) string {
	b.nodes = append(b.nodes, &pb.NodeProto{
		Name:      name,
		OpType:    op,
		Input:     inputs,
		Output:    []string{name},
		Attribute: attrs,
	})
	return name
}

func (b *builder) rename(from, to string) {
	for _, n := range b.nodes {
		for j, o := range n.Output {
			if o == from {
				n.Output[j] = to
			}
		}
	}
}

// conv emits a Conv node with bn, if any, folded into its weight and bias.
func (b *builder) conv(name, x string, c *layers.Conv2D, bn *layers.BatchNorm2D) string {
	out := c.OutChannels()
	w := c.W.Clone()
	bias := make([]float64, out)
	if c.B != nil {
		copy(bias, c.B.Data)
	}
	if bn != nil {
		scale, shift := bn.Scale()
		per := len(w.Data) / out
		for o := 0; o < out; o++ {
			for i := o * per; i < (o+1)*per; i++ {
				w.Data[i] *= scale[o]
			}
			bias[o] = bias[o]*scale[o] + shift[o]
		}
	}
	wn := b.initializer(name+".weight", w.Shape, w.Data)
	bn2 := b.initializer(name+".bias", []int{out}, bias)
	k, p := int64(c.KernelSize()), int64(c.Padding())
	return b.node("Conv", name, []string{x, wn, bn2},
		intsAttr("dilations", 1, 1),
		intAttr("group", int64(c.Groups())),
		intsAttr("kernel_shape", k, k),
		intsAttr("pads", p, p, p, p),
		intsAttr("strides", int64(c.Stride()), int64(c.Stride())),
	)
}

func (b *builder) activation(name, x string, act *layers.Activation) (string, error) {
	if act == nil {
		return x, nil
	}
	switch act.Name() {
	case "relu":
		return b.node("Relu", name+".relu", []string{x}), nil
	case "relu6":
		lo := b.initializer(name+".clip_min", nil, []float64{0})
		hi := b.initializer(name+".clip_max", nil, []float64{6})
		return b.node("Clip", name+".relu6", []string{x, lo, hi}), nil
	case "h_sigmoid":
		return b.hardSigmoid(name+".h_sigmoid", x), nil
	case "h_swish":
		gate := b.hardSigmoid(name+".h_swish.gate", x)
		return b.node("Mul", name+".h_swish", []string{x, gate}), nil
	}
	return "", fmt.Errorf("%w: activation %s at %s", ErrUnsupported, act.Name(), name)
}

func (b *builder) hardSigmoid(name, x string) string {
	return b.node("HardSigmoid", name, []string{x}, floatAttr("alpha", 1.0/6), floatAttr("beta", 0.5))
}

func (b *builder) convLayer(name, x string, l *layers.ConvLayer) (string, error) {
	y := b.conv(name+".conv", x, l.Conv, l.BN)
	return b.activation(name, y, l.Act)
}

func (b *builder) se(name, x string, s *layers.SEModule) string {
	y := b.node("GlobalAveragePool", name+".pool", []string{x})
	y = b.conv(name+".fc.reduce", y, s.Reduce, nil)
	y = b.node("Relu", name+".fc.relu", []string{y})
	y = b.conv(name+".fc.expand", y, s.Expand, nil)
	y = b.hardSigmoid(name+".fc.h_sigmoid", y)
	return b.node("Mul", name+".scale", []string{x, y})
}

func (b *builder) mbconv(name, x string, l *layers.MBConvLayer) (string, error) {
	var err error
	if l.InvertedBottleneck != nil {
		if x, err = b.convLayer(name+".inverted_bottleneck", x, l.InvertedBottleneck); err != nil {
			return "", err
		}
	}
	if x, err = b.convLayer(name+".depth_conv", x, l.DepthConv); err != nil {
		return "", err
	}
	if l.SE != nil {
		x = b.se(name+".depth_conv.se", x, l.SE)
	}
	return b.convLayer(name+".point_linear", x, l.PointLinear)
}

func (b *builder) residual(name, x string, r *layers.ResidualBlock) (string, error) {
	if r.Conv == nil {
		return x, nil
	}
	mb, ok := r.Conv.(*layers.MBConvLayer)
	if !ok {
		return "", fmt.Errorf("%w: %s at %s", ErrUnsupported, r.Conv.ModuleStr(), name)
	}
	y, err := b.mbconv(name+".conv", x, mb)
	if err != nil {
		return "", err
	}
	switch r.Shortcut.(type) {
	case nil:
		return y, nil
	case layers.Identity, *layers.Identity:
		return b.node("Add", name+".add", []string{y, x}), nil
	}
	return "", fmt.Errorf("%w: shortcut %s at %s", ErrUnsupported, r.Shortcut.ModuleStr(), name)
}
