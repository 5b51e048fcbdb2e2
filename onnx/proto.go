// Package onnx writes fixed MobileNetV3 sub-networks as ONNX models and reads
// them back into a small reference interpreter.
package onnx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	pb "github.com/advancedclimatesystems/gonnx/onnx"
	"google.golang.org/protobuf/proto"

	"ofa_lib/tensor"
)

const (
	IRVersion    = 7
	OpsetVersion = 13
	ProducerName = "ofa_lib"

	// BatchDim names the symbolic batch dimension of the graph input and output.
	BatchDim = "N"
)

// ErrMalformed is returned for bytes that are not a decodable ONNX model.
var ErrMalformed = errors.New("malformed onnx model")

// Model is a decoded ONNX model.
type Model struct {
	Proto *pb.ModelProto
}

// Graph returns the main graph.
func (m *Model) Graph() *pb.GraphProto { return m.Proto.GetGraph() }

// Opset returns the version of the default operator set, 0 when absent.
func (m *Model) Opset() int64 {
	for _, o := range m.Proto.GetOpsetImport() {
		if d := o.GetDomain(); d == "" || d == "ai.onnx" {
			return o.GetVersion()
		}
	}
	return 0
}

// Marshal encodes m in protobuf wire format.
func (m *Model) Marshal() ([]byte, error) {
	b, err := proto.Marshal(m.Proto)
	if err != nil {
		return nil, fmt.Errorf("encoding onnx model: %w", err)
	}
	return b, nil
}

// Unmarshal decodes an ONNX model. Every initializer must be a float tensor
// whose data matches its dims.
func Unmarshal(b []byte) (*Model, error) {
	mp := &pb.ModelProto{}
	if err := proto.Unmarshal(b, mp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if mp.GetGraph() == nil {
		return nil, fmt.Errorf("%w: no graph", ErrMalformed)
	}
	for _, t := range mp.GetGraph().GetInitializer() {
		if _, err := tensorFromProto(t); err != nil {
			return nil, err
		}
	}
	return &Model{Proto: mp}, nil
}

// Load reads a whole model from r.
func Load(r io.Reader) (*Model, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Unmarshal(b)
}

// LoadFile reads the model stored at path.
func LoadFile(path string) (*Model, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func tensorProto(name string, shape []int, data []float64) *pb.TensorProto {
	t := &pb.TensorProto{
		Name:      name,
		DataType:  int32(pb.TensorProto_FLOAT),
		Dims:      make([]int64, len(shape)),
		FloatData: make([]float32, len(data)),
	}
	for i, d := range shape {
		t.Dims[i] = int64(d)
	}
	for i, v := range data {
		t.FloatData[i] = float32(v)
	}
	return t
}

// tensorFromProto accepts float data stored either as float_data or as
// little-endian raw_data.
func tensorFromProto(t *pb.TensorProto) (*tensor.Tensor, error) {
	if t.GetDataType() != int32(pb.TensorProto_FLOAT) {
		return nil, fmt.Errorf("%w: initializer %s has data type %d, want FLOAT", ErrMalformed, t.GetName(), t.GetDataType())
	}
	shape := make([]int, len(t.GetDims()))
	for i, d := range t.GetDims() {
		if d < 0 {
			return nil, fmt.Errorf("%w: initializer %s has dims %v", ErrMalformed, t.GetName(), t.GetDims())
		}
		shape[i] = int(d)
	}
	data := t.GetFloatData()
	if raw := t.GetRawData(); len(raw) > 0 {
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("%w: initializer %s raw data of %d bytes", ErrMalformed, t.GetName(), len(raw))
		}
		data = make([]float32, len(raw)/4)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	}
	if len(data) != tensor.Numel(shape) {
		return nil, fmt.Errorf("%w: initializer %s has %d values for dims %v", ErrMalformed, t.GetName(), len(data), t.GetDims())
	}
	out := tensor.New(shape...)
	for i, v := range data {
		out.Data[i] = float64(v)
	}
	return out, nil
}

// valueInfo declares a float tensor. A negative dim is written as BatchDim.
func valueInfo(name string, dims ...int64) *pb.ValueInfoProto {
	shape := &pb.TensorShapeProto{}
	for _, d := range dims {
		dim := &pb.TensorShapeProto_Dimension{}
		if d < 0 {
			dim.Value = &pb.TensorShapeProto_Dimension_DimParam{DimParam: BatchDim}
		} else {
			dim.Value = &pb.TensorShapeProto_Dimension_DimValue{DimValue: d}
		}
		shape.Dim = append(shape.Dim, dim)
	}
	return &pb.ValueInfoProto{
		Name: name,
		Type: &pb.TypeProto{Value: &pb.TypeProto_TensorType{TensorType: &pb.TypeProto_Tensor{
			ElemType: int32(pb.TensorProto_FLOAT),
			Shape:    shape,
		}}},
	}
}

// dims returns the static shape of v, with -1 for symbolic dims.
func dims(v *pb.ValueInfoProto) []int64 {
	var out []int64
	for _, d := range v.GetType().GetTensorType().GetShape().GetDim() {
		if d.GetDimParam() != "" {
			out = append(out, -1)
			continue
		}
		out = append(out, d.GetDimValue())
	}
	return out
}

// attr returns the named attribute of n.
func attr(n *pb.NodeProto, name string) (*pb.AttributeProto, bool) {
	for _, a := range n.GetAttribute() {
		if a.GetName() == name {
			return a, true
		}
	}
	return nil, false
}

func intAttr(name string, v int64) *pb.AttributeProto {
	return &pb.AttributeProto{Name: name, Type: pb.AttributeProto_INT, I: v}
}

func intsAttr(name string, vs ...int64) *pb.AttributeProto {
	return &pb.AttributeProto{Name: name, Type: pb.AttributeProto_INTS, Ints: vs}
}

func floatAttr(name string, v float32) *pb.AttributeProto {
	return &pb.AttributeProto{Name: name, Type: pb.AttributeProto_FLOAT, F: v}
}
