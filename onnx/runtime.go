package onnx

import (
	"fmt"
	"math"

	pb "github.com/advancedclimatesystems/gonnx/onnx"

	"ofa_lib/nn/layers"
	"ofa_lib/tensor"
)

// Run executes the graph on x and returns its single output. Nodes must be in
// topological order, which is how Build emits them.
func (m *Model) Run(x *tensor.Tensor) (*tensor.Tensor, error) {
	g := m.Graph()
	if len(g.GetInput()) != 1 || len(g.GetOutput()) != 1 {
		return nil, fmt.Errorf("graph must have one input and one output, has %d and %d", len(g.GetInput()), len(g.GetOutput()))
	}
	input, output := g.GetInput()[0], g.GetOutput()[0]
	if err := checkDims(input, x.Shape); err != nil {
		return nil, err
	}

	env := map[string]*tensor.Tensor{input.GetName(): x}
	for _, init := range g.GetInitializer() {
		t, err := tensorFromProto(init)
		if err != nil {
			return nil, err
		}
		env[init.GetName()] = t
	}

	for _, n := range g.GetNode() {
		ins := make([]*tensor.Tensor, len(n.GetInput()))
		for j, name := range n.GetInput() {
			t, ok := env[name]
			if !ok {
				return nil, fmt.Errorf("node %s: undefined input %q", n.GetName(), name)
			}
			ins[j] = t
		}
		y, err := evalNode(n, ins)
		if err != nil {
			return nil, fmt.Errorf("node %s (%s): %w", n.GetName(), n.GetOpType(), err)
		}
		if len(n.GetOutput()) != 1 {
			return nil, fmt.Errorf("node %s: expected one output, has %d", n.GetName(), len(n.GetOutput()))
		}
		env[n.GetOutput()[0]] = y
	}

	out, ok := env[output.GetName()]
	if !ok {
		return nil, fmt.Errorf("graph output %q is never produced", output.GetName())
	}
	return out, nil
}

func checkDims(v *pb.ValueInfoProto, shape []int) error {
	want := dims(v)
	if len(want) != len(shape) {
		return fmt.Errorf("%w: input %s expects rank %d, got %v", tensor.ErrShapeMismatch, v.GetName(), len(want), shape)
	}
	for i, d := range want {
		if d >= 0 && int(d) != shape[i] {
			return fmt.Errorf("%w: input %s expects %v, got %v", tensor.ErrShapeMismatch, v.GetName(), want, shape)
		}
	}
	return nil
}

func evalNode(n *pb.NodeProto, in []*tensor.Tensor) (*tensor.Tensor, error) {
	switch n.GetOpType() {
	case "Conv":
		return evalConv(n, in)
	case "Relu":
		return unary(in, func(v float64) float64 { return math.Max(v, 0) })
	case "HardSigmoid":
		alpha, beta := 0.2, 0.5
		if a, ok := attr(n, "alpha"); ok {
			alpha = float64(a.GetF())
		}
		if a, ok := attr(n, "beta"); ok {
			beta = float64(a.GetF())
		}
		return unary(in, func(v float64) float64 { return math.Max(0, math.Min(1, alpha*v+beta)) })
	case "Clip":
		if len(in) != 3 || len(in[1].Data) != 1 || len(in[2].Data) != 1 {
			return nil, fmt.Errorf("Clip needs scalar min and max inputs")
		}
		lo, hi := in[1].Data[0], in[2].Data[0]
		return unary(in[:1], func(v float64) float64 { return math.Max(lo, math.Min(hi, v)) })
	case "Mul":
		return evalMul(in)
	case "Add":
		if len(in) != 2 {
			return nil, fmt.Errorf("Add needs two inputs")
		}
		return tensor.Add(in[0], in[1])
	case "GlobalAveragePool":
		return layers.NewGlobalAvgPool2D().Forward(in[0])
	case "Flatten":
		if a, ok := attr(n, "axis"); ok && a.GetI() != 1 {
			return nil, fmt.Errorf("Flatten axis %d is not supported", a.GetI())
		}
		return layers.NewFlatten().Forward(in[0])
	case "Gemm":
		return evalGemm(n, in)
	}
	return nil, fmt.Errorf("op %s is not supported", n.GetOpType())
}

func unary(in []*tensor.Tensor, fn func(float64) float64) (*tensor.Tensor, error) {
	if len(in) != 1 {
		return nil, fmt.Errorf("expected one input, got %d", len(in))
	}
	out := tensor.New(in[0].Shape...)
	for i, v := range in[0].Data {
		out.Data[i] = fn(v)
	}
	return out, nil
}

func evalConv(n *pb.NodeProto, in []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(in) < 2 || len(in[1].Shape) != 4 {
		return nil, fmt.Errorf("Conv needs an input and a 4D weight")
	}
	w := in[1]
	groups, stride := int64(1), int64(1)
	if a, ok := attr(n, "group"); ok {
		groups = a.GetI()
	}
	if a, ok := attr(n, "strides"); ok && len(a.GetInts()) > 0 {
		stride = a.GetInts()[0]
		for _, s := range a.GetInts() {
			if s != stride {
				return nil, fmt.Errorf("anisotropic strides %v are not supported", a.GetInts())
			}
		}
	}
	k := w.Shape[2]
	if w.Shape[3] != k {
		return nil, fmt.Errorf("non-square kernel %v is not supported", w.Shape[2:])
	}
	if a, ok := attr(n, "pads"); ok {
		for _, p := range a.GetInts() {
			if p != int64(k/2) {
				return nil, fmt.Errorf("pads %v are not supported for kernel %d", a.GetInts(), k)
			}
		}
	}
	conv, err := layers.NewConv2D(w.Shape[1]*int(groups), w.Shape[0], k, int(stride), int(groups), len(in) > 2)
	if err != nil {
		return nil, err
	}
	conv.W = w
	if len(in) > 2 {
		conv.B = in[2]
	}
	return conv.Forward(in[0])
}

// evalMul supports equal shapes and a [N, C, 1, 1] operand broadcast over
// [N, C, H, W].
func evalMul(in []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(in) != 2 {
		return nil, fmt.Errorf("Mul needs two inputs")
	}
	a, b := in[0], in[1]
	if len(b.Data) > len(a.Data) {
		a, b = b, a
	}
	out := tensor.New(a.Shape...)
	switch {
	case tensor.SameShape(a, b):
		for i := range a.Data {
			out.Data[i] = a.Data[i] * b.Data[i]
		}
	case len(a.Shape) == 4 && len(b.Shape) == 4 &&
		b.Shape[0] == a.Shape[0] && b.Shape[1] == a.Shape[1] && b.Shape[2] == 1 && b.Shape[3] == 1:
		hw := a.Shape[2] * a.Shape[3]
		for i, g := range b.Data {
			for j := i * hw; j < (i+1)*hw; j++ {
				out.Data[j] = a.Data[j] * g
			}
		}
	default:
		return nil, fmt.Errorf("%w: cannot broadcast %v with %v", tensor.ErrShapeMismatch, a.Shape, b.Shape)
	}
	return out, nil
}

func evalGemm(n *pb.NodeProto, in []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(in) < 2 {
		return nil, fmt.Errorf("Gemm needs at least two inputs")
	}
	for _, name := range []string{"alpha", "beta"} {
		if a, ok := attr(n, name); ok && a.GetF() != 1 {
			return nil, fmt.Errorf("Gemm %s=%g is not supported", name, a.GetF())
		}
	}
	if a, ok := attr(n, "transA"); ok && a.GetI() != 0 {
		return nil, fmt.Errorf("Gemm transA is not supported")
	}
	transB := false
	if a, ok := attr(n, "transB"); ok {
		transB = a.GetI() != 0
	}
	x, w := in[0], in[1]
	if len(x.Shape) != 2 || len(w.Shape) != 2 {
		return nil, fmt.Errorf("%w: Gemm expects matrices, got %v and %v", tensor.ErrShapeMismatch, x.Shape, w.Shape)
	}
	m, k := x.Shape[0], x.Shape[1]
	nOut, kw := w.Shape[1], w.Shape[0]
	if transB {
		nOut, kw = w.Shape[0], w.Shape[1]
	}
	if kw != k {
		return nil, fmt.Errorf("%w: Gemm %v x %v (transB=%v)", tensor.ErrShapeMismatch, x.Shape, w.Shape, transB)
	}
	out := tensor.New(m, nOut)
	tensor.Gemm(false, transB, m, nOut, k, x.Data, k, w.Data, w.Shape[1], out.Data, nOut)
	if len(in) > 2 {
		c := in[2]
		if len(c.Data) != nOut {
			return nil, fmt.Errorf("%w: Gemm bias %v for %d outputs", tensor.ErrShapeMismatch, c.Shape, nOut)
		}
		for i := 0; i < m; i++ {
			row := out.Data[i*nOut : (i+1)*nOut]
			for j := range row {
				row[j] += c.Data[j]
			}
		}
	}
	return out, nil
}
