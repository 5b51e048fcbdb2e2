package elastic

import (
	"fmt"

	"ofa_lib/nn/layers"
	"ofa_lib/tensor"
)

// DynamicConv2D holds a full-width 1x1 (or k x k) conv; active filters are the
// leading output and input channels.
type DynamicConv2D struct {
	Conv *layers.Conv2D
}

func NewDynamicConv2D(maxIn, maxOut, kernel, stride int) (*DynamicConv2D, error) {
	conv, err := layers.NewConv2D(maxIn, maxOut, kernel, stride, 1, false)
	if err != nil {
		return nil, err
	}
	return &DynamicConv2D{Conv: conv}, nil
}

// ActiveFilter copies weight[:out, :in, :, :].
func (c *DynamicConv2D) ActiveFilter(out, in int) (*tensor.Tensor, error) {
	k := c.Conv.KernelSize()
	return c.Conv.W.Slice4D(0, out, 0, in, 0, k, 0, k)
}

func (c *DynamicConv2D) VisitTensors(prefix string, fn layers.TensorVisitor) {
	c.Conv.VisitTensors(prefix+"conv.", fn)
}

// DynamicSeparableConv2D is a depthwise conv whose kernel can shrink. A smaller
// kernel is the centre of the next larger one passed through a learned
// (k*k x k*k) transform, applied step by step from the largest kernel down.
type DynamicSeparableConv2D struct {
	ksSet []int
	Conv  *layers.Conv2D
	// Matrices is keyed "7to5", "5to3", ... and holds [small*small, small*small] transforms.
	Matrices map[string]*tensor.Tensor
}

func NewDynamicSeparableConv2D(maxIn int, ksList []int, stride int) (*DynamicSeparableConv2D, error) {
	ksSet := sortedUnique(ksList)
	conv, err := layers.NewConv2D(maxIn, maxIn, ksSet[len(ksSet)-1], stride, maxIn, false)
	if err != nil {
		return nil, err
	}
	c := &DynamicSeparableConv2D{ksSet: ksSet, Conv: conv, Matrices: make(map[string]*tensor.Tensor)}
	for i := 0; i+1 < len(ksSet); i++ {
		small := ksSet[i]
		m := tensor.New(small*small, small*small)
		for j := 0; j < small*small; j++ {
			m.Data[j*small*small+j] = 1
		}
		c.Matrices[transformName(ksSet[i+1], small)] = m
	}
	return c, nil
}

func transformName(from, to int) string { return fmt.Sprintf("%dto%d", from, to) }

// subFilterStartEnd returns the [start, end) window of a centred sub kernel.
func subFilterStartEnd(kernel, sub int) (int, int) {
	center, dev := kernel/2, sub/2
	return center - dev, center + dev + 1
}

// ActiveFilter returns the [in, 1, ks, ks] depthwise filter for the first in channels.
func (c *DynamicSeparableConv2D) ActiveFilter(in, ks int) (*tensor.Tensor, error) {
	if !contains(c.ksSet, ks) {
		return nil, fmt.Errorf("%w: kernel size %d not in %v", ErrInvalidSelection, ks, c.ksSet)
	}
	maxK := c.ksSet[len(c.ksSet)-1]
	filter, err := c.Conv.W.Slice4D(0, in, 0, 1, 0, maxK, 0, maxK)
	if err != nil {
		return nil, err
	}
	for i := len(c.ksSet) - 1; i > 0; i-- {
		src := c.ksSet[i]
		if src <= ks {
			break
		}
		target := c.ksSet[i-1]
		start, _ := subFilterStartEnd(src, target)
		window, err := filter.Slice4D(0, in, 0, 1, start, target, start, target)
		if err != nil {
			return nil, err
		}
		m := c.Matrices[transformName(src, target)]
		tt := target * target
		next := tensor.New(in, 1, target, target)
		// rows of the window times the transform, transposed
		tensor.Gemm(false, true, in, tt, tt, window.Data, tt, m.Data, tt, next.Data, tt)
		filter = next
	}
	return filter, nil
}

func (c *DynamicSeparableConv2D) VisitTensors(prefix string, fn layers.TensorVisitor) {
	c.Conv.VisitTensors(prefix+"conv.", fn)
	for i := 0; i+1 < len(c.ksSet); i++ {
		name := transformName(c.ksSet[i+1], c.ksSet[i])
		fn(prefix+name+"_matrix", c.Matrices[name], false)
	}
}

// DynamicSE is a full-width SE block whose active part is sized from the
// incoming channel count.
type DynamicSE struct {
	SE *layers.SEModule
}

func NewDynamicSE(maxChannel int) (*DynamicSE, error) {
	se, err := layers.NewSEModule(maxChannel, seMidChannels(maxChannel))
	if err != nil {
		return nil, err
	}
	return &DynamicSE{SE: se}, nil
}

// ActiveSE copies the leading slice of the SE weights for channel inputs.
func (s *DynamicSE) ActiveSE(channel int) (*layers.SEModule, error) {
	mid := seMidChannels(channel)
	out, err := layers.NewSEModule(channel, mid)
	if err != nil {
		return nil, err
	}
	reduce, err := s.SE.Reduce.W.Slice4D(0, mid, 0, channel, 0, 1, 0, 1)
	if err != nil {
		return nil, fmt.Errorf("SE reduce: %w", err)
	}
	expand, err := s.SE.Expand.W.Slice4D(0, channel, 0, mid, 0, 1, 0, 1)
	if err != nil {
		return nil, fmt.Errorf("SE expand: %w", err)
	}
	copy(out.Reduce.W.Data, reduce.Data)
	copy(out.Reduce.B.Data, s.SE.Reduce.B.Data[:mid])
	copy(out.Expand.W.Data, expand.Data)
	copy(out.Expand.B.Data, s.SE.Expand.B.Data[:channel])
	return out, nil
}

func (s *DynamicSE) VisitTensors(prefix string, fn layers.TensorVisitor) {
	s.SE.VisitTensors(prefix, fn)
}

// DynamicMBConvLayer is an MBConv block sized for the largest choice of every
// elastic axis. The active kernel size and expand ratio pick the sub block.
type DynamicMBConvLayer struct {
	maxIn, maxOut int
	ksList        []int
	expandList    []int
	stride        int
	actFunc       string
	useSE         bool

	ActiveKernelSize  int
	ActiveExpandRatio int
	ActiveOutChannel  int

	IBConv *DynamicConv2D // nil when the largest expand ratio is 1
	IBBN   *layers.BatchNorm2D
	DWConv *DynamicSeparableConv2D
	DWBN   *layers.BatchNorm2D
	SE     *DynamicSE
	PLConv *DynamicConv2D
	PLBN   *layers.BatchNorm2D
}

// DynamicMBConvConfig describes a DynamicMBConvLayer.
type DynamicMBConvConfig struct {
	MaxIn, MaxOut     int
	KsList            []int
	ExpandRatioList   []int
	Stride            int
	ActFunc           string
	UseSE             bool
	BNEps, BNMomentum float64
}

func NewDynamicMBConvLayer(cfg DynamicMBConvConfig) (*DynamicMBConvLayer, error) {
	l := &DynamicMBConvLayer{
		maxIn:             cfg.MaxIn,
		maxOut:            cfg.MaxOut,
		ksList:            sortedUnique(cfg.KsList),
		expandList:        sortedUnique(cfg.ExpandRatioList),
		stride:            cfg.Stride,
		actFunc:           cfg.ActFunc,
		useSE:             cfg.UseSE,
		ActiveKernelSize:  maxOf(cfg.KsList),
		ActiveExpandRatio: maxOf(cfg.ExpandRatioList),
		ActiveOutChannel:  cfg.MaxOut,
	}
	if _, err := layers.NewActivation(cfg.ActFunc); err != nil {
		return nil, err
	}
	maxMid := middleChannels(cfg.MaxIn, l.ActiveExpandRatio)

	var err error
	if l.ActiveExpandRatio != 1 {
		if l.IBConv, err = NewDynamicConv2D(cfg.MaxIn, maxMid, 1, 1); err != nil {
			return nil, fmt.Errorf("inverted bottleneck: %w", err)
		}
		l.IBBN = layers.NewBatchNorm2D(maxMid, cfg.BNEps, cfg.BNMomentum)
	}
	if l.DWConv, err = NewDynamicSeparableConv2D(maxMid, cfg.KsList, cfg.Stride); err != nil {
		return nil, fmt.Errorf("depth conv: %w", err)
	}
	l.DWBN = layers.NewBatchNorm2D(maxMid, cfg.BNEps, cfg.BNMomentum)
	if cfg.UseSE {
		if l.SE, err = NewDynamicSE(maxMid); err != nil {
			return nil, err
		}
	}
	if l.PLConv, err = NewDynamicConv2D(maxMid, cfg.MaxOut, 1, 1); err != nil {
		return nil, fmt.Errorf("point linear: %w", err)
	}
	l.PLBN = layers.NewBatchNorm2D(cfg.MaxOut, cfg.BNEps, cfg.BNMomentum)
	return l, nil
}

func (l *DynamicMBConvLayer) Stride() int { return l.stride }

// ActiveMiddleChannel is the expanded width for in input channels under the active expand ratio.
func (l *DynamicMBConvLayer) ActiveMiddleChannel(in int) int {
	return middleChannels(in, l.ActiveExpandRatio)
}

// GetActiveSubnet copies the active weights into a static MBConvLayer fed by in channels.
func (l *DynamicMBConvLayer) GetActiveSubnet(in int) (*layers.MBConvLayer, error) {
	mid := l.ActiveMiddleChannel(in)
	out := l.ActiveOutChannel
	sub, err := layers.NewMBConvLayer(layers.MBConvConfig{
		InChannels:  in,
		OutChannels: out,
		KernelSize:  l.ActiveKernelSize,
		Stride:      l.stride,
		ExpandRatio: l.ActiveExpandRatio,
		MidChannels: mid,
		ActFunc:     l.actFunc,
		UseSE:       l.useSE,
		SEMid:       seMidChannels(mid),
		BNEps:       l.DWBN.Eps,
		BNMomentum:  l.DWBN.Momentum,
	})
	if err != nil {
		return nil, err
	}

	if l.IBConv != nil && sub.InvertedBottleneck != nil {
		w, err := l.IBConv.ActiveFilter(mid, in)
		if err != nil {
			return nil, fmt.Errorf("inverted bottleneck: %w", err)
		}
		copy(sub.InvertedBottleneck.Conv.W.Data, w.Data)
		if sub.InvertedBottleneck.BN, err = l.IBBN.CopyLeading(mid); err != nil {
			return nil, err
		}
	}

	w, err := l.DWConv.ActiveFilter(mid, l.ActiveKernelSize)
	if err != nil {
		return nil, fmt.Errorf("depth conv: %w", err)
	}
	copy(sub.DepthConv.Conv.W.Data, w.Data)
	if sub.DepthConv.BN, err = l.DWBN.CopyLeading(mid); err != nil {
		return nil, err
	}

	if l.SE != nil {
		if sub.SE, err = l.SE.ActiveSE(mid); err != nil {
			return nil, err
		}
	}

	if w, err = l.PLConv.ActiveFilter(out, mid); err != nil {
		return nil, fmt.Errorf("point linear: %w", err)
	}
	copy(sub.PointLinear.Conv.W.Data, w.Data)
	if sub.PointLinear.BN, err = l.PLBN.CopyLeading(out); err != nil {
		return nil, err
	}
	return sub, nil
}

// VisitTensors reports tensors with the nested names of the PyTorch module tree.
func (l *DynamicMBConvLayer) VisitTensors(prefix string, fn layers.TensorVisitor) {
	if l.IBConv != nil {
		l.IBConv.VisitTensors(prefix+"inverted_bottleneck.conv.", fn)
		l.IBBN.VisitTensors(prefix+"inverted_bottleneck.bn.bn.", fn)
	}
	l.DWConv.VisitTensors(prefix+"depth_conv.conv.", fn)
	l.DWBN.VisitTensors(prefix+"depth_conv.bn.bn.", fn)
	if l.SE != nil {
		l.SE.VisitTensors(prefix+"depth_conv.se.", fn)
	}
	l.PLConv.VisitTensors(prefix+"point_linear.conv.", fn)
	l.PLBN.VisitTensors(prefix+"point_linear.bn.bn.", fn)
}
