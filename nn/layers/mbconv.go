package layers

import (
	"fmt"

	"ofa_lib/tensor"
)

// ConvLayer is conv -> optional BN -> optional activation.
type ConvLayer struct {
	Conv *Conv2D
	BN   *BatchNorm2D
	Act  *Activation
}

// NewConvLayer builds a ConvLayer; actFunc "" means no activation.
func NewConvLayer(in, out, kernel, stride int, bias, useBN bool, actFunc string, eps, momentum float64) (*ConvLayer, error) {
	conv, err := NewConv2D(in, out, kernel, stride, 1, bias)
	if err != nil {
		return nil, err
	}
	l := &ConvLayer{Conv: conv}
	if useBN {
		l.BN = NewBatchNorm2D(out, eps, momentum)
	}
	if actFunc != "" {
		if l.Act, err = NewActivation(actFunc); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Clone returns a deep copy of the layer.
func (l *ConvLayer) Clone() *ConvLayer {
	out := &ConvLayer{Conv: l.Conv.Clone(), Act: l.Act}
	if l.BN != nil {
		out.BN = l.BN.Clone()
	}
	return out
}

func (l *ConvLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := l.Conv.Forward(x)
	if err != nil {
		return nil, err
	}
	if l.BN != nil {
		if y, err = l.BN.Forward(y); err != nil {
			return nil, err
		}
	}
	if l.Act != nil {
		return l.Act.Forward(y)
	}
	return y, nil
}

func (l *ConvLayer) ModuleStr() string {
	s := l.Conv.ModuleStr()
	if l.Act != nil {
		s += "_" + l.Act.ModuleStr()
	}
	if l.BN != nil {
		s += "_BN"
	}
	return s
}

func (l *ConvLayer) VisitTensors(prefix string, fn TensorVisitor) {
	l.Conv.VisitTensors(prefix+"conv.", fn)
	if l.BN != nil {
		l.BN.VisitTensors(prefix+"bn.", fn)
	}
}

func (l *ConvLayer) VisitBatchNorms(prefix string, fn func(string, *BatchNorm2D)) {
	if l.BN != nil {
		fn(prefix+"bn", l.BN)
	}
}

// MBConvLayer is the mobile inverted bottleneck:
// [1x1 expand conv-BN-act] -> depthwise conv-BN-act [-> SE] -> 1x1 linear conv-BN.
type MBConvLayer struct {
	inChannels, outChannels int
	kernelSize, stride      int
	midChannels             int
	actFunc                 string

	InvertedBottleneck *ConvLayer // nil when the expand ratio is 1
	DepthConv          *ConvLayer
	SE                 *SEModule // nil without squeeze-and-excitation
	PointLinear        *ConvLayer
}

// MBConvConfig describes an MBConvLayer. MidChannels 0 means InChannels*ExpandRatio.
type MBConvConfig struct {
	InChannels, OutChannels int
	KernelSize, Stride      int
	ExpandRatio             int
	MidChannels             int
	ActFunc                 string
	UseSE                   bool
	SEMid                   int
	BNEps, BNMomentum       float64
}

// NewMBConvLayer builds an MBConvLayer with zero weights and default BN statistics.
func NewMBConvLayer(cfg MBConvConfig) (*MBConvLayer, error) {
	mid := cfg.MidChannels
	if mid == 0 {
		mid = cfg.InChannels * cfg.ExpandRatio
	}
	l := &MBConvLayer{
		inChannels:  cfg.InChannels,
		outChannels: cfg.OutChannels,
		kernelSize:  cfg.KernelSize,
		stride:      cfg.Stride,
		midChannels: mid,
		actFunc:     cfg.ActFunc,
	}
	var err error
	if cfg.ExpandRatio != 1 {
		if l.InvertedBottleneck, err = NewConvLayer(cfg.InChannels, mid, 1, 1, false, true, cfg.ActFunc, cfg.BNEps, cfg.BNMomentum); err != nil {
			return nil, fmt.Errorf("inverted bottleneck: %w", err)
		}
	}
	dw, err := NewConv2D(mid, mid, cfg.KernelSize, cfg.Stride, mid, false)
	if err != nil {
		return nil, fmt.Errorf("depth conv: %w", err)
	}
	act, err := NewActivation(cfg.ActFunc)
	if err != nil {
		return nil, err
	}
	l.DepthConv = &ConvLayer{Conv: dw, BN: NewBatchNorm2D(mid, cfg.BNEps, cfg.BNMomentum), Act: act}
	if cfg.UseSE {
		if l.SE, err = NewSEModule(mid, cfg.SEMid); err != nil {
			return nil, err
		}
	}
	if l.PointLinear, err = NewConvLayer(mid, cfg.OutChannels, 1, 1, false, true, "", cfg.BNEps, cfg.BNMomentum); err != nil {
		return nil, fmt.Errorf("point linear: %w", err)
	}
	return l, nil
}

// Clone returns a deep copy of the layer.
func (l *MBConvLayer) Clone() *MBConvLayer {
	out := *l
	if l.InvertedBottleneck != nil {
		out.InvertedBottleneck = l.InvertedBottleneck.Clone()
	}
	out.DepthConv = l.DepthConv.Clone()
	if l.SE != nil {
		out.SE = l.SE.Clone()
	}
	out.PointLinear = l.PointLinear.Clone()
	return &out
}

func (l *MBConvLayer) InChannels() int  { return l.inChannels }
func (l *MBConvLayer) OutChannels() int { return l.outChannels }
func (l *MBConvLayer) MidChannels() int { return l.midChannels }
func (l *MBConvLayer) KernelSize() int  { return l.kernelSize }
func (l *MBConvLayer) Stride() int      { return l.stride }
func (l *MBConvLayer) ActFunc() string  { return l.actFunc }

func (l *MBConvLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	if l.InvertedBottleneck != nil {
		if x, err = l.InvertedBottleneck.Forward(x); err != nil {
			return nil, err
		}
	}
	if x, err = l.DepthConv.Forward(x); err != nil {
		return nil, err
	}
	if l.SE != nil {
		if x, err = l.SE.Forward(x); err != nil {
			return nil, err
		}
	}
	return l.PointLinear.Forward(x)
}

func (l *MBConvLayer) ModuleStr() string {
	s := fmt.Sprintf("%dx%d_MBConv%d_%s", l.kernelSize, l.kernelSize, l.midChannels/l.inChannels, l.DepthConv.Act.ModuleStr())
	if l.SE != nil {
		s = "SE_" + s
	}
	return s + fmt.Sprintf("_O%d_BN", l.outChannels)
}

func (l *MBConvLayer) VisitTensors(prefix string, fn TensorVisitor) {
	if l.InvertedBottleneck != nil {
		l.InvertedBottleneck.VisitTensors(prefix+"inverted_bottleneck.", fn)
	}
	l.DepthConv.VisitTensors(prefix+"depth_conv.", fn)
	if l.SE != nil {
		l.SE.VisitTensors(prefix+"depth_conv.se.", fn)
	}
	l.PointLinear.VisitTensors(prefix+"point_linear.", fn)
}

func (l *MBConvLayer) VisitBatchNorms(prefix string, fn func(string, *BatchNorm2D)) {
	if l.InvertedBottleneck != nil {
		l.InvertedBottleneck.VisitBatchNorms(prefix+"inverted_bottleneck.", fn)
	}
	l.DepthConv.VisitBatchNorms(prefix+"depth_conv.", fn)
	l.PointLinear.VisitBatchNorms(prefix+"point_linear.", fn)
}
