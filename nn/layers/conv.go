package layers

import (
	"fmt"

	"ofa_lib/tensor"
)

// Conv2D is a 2D convolutional layer with same-padding (kernel/2), stride and groups.
type Conv2D struct {
	// Layer parameters
	inChan, outChan int // number of input/output channels
	kh, kw          int // kernel height and width
	stride          int
	groups          int
	padding         int

	W *tensor.Tensor // weights: [outChan, inChan/groups, kh, kw]
	B *tensor.Tensor // bias: [outChan], nil when the layer has no bias
}

// NewConv2D creates a new square-kernel Conv2D layer with zero weights.
func NewConv2D(inChan, outChan, kernel, stride, groups int, bias bool) (*Conv2D, error) {
	if inChan <= 0 || outChan <= 0 || kernel <= 0 || stride <= 0 || groups <= 0 {
		return nil, fmt.Errorf("invalid conv: in=%d out=%d k=%d stride=%d groups=%d", inChan, outChan, kernel, stride, groups)
	}
	if inChan%groups != 0 || outChan%groups != 0 {
		return nil, fmt.Errorf("channels %d->%d not divisible by groups %d", inChan, outChan, groups)
	}
	c := &Conv2D{
		inChan:  inChan,
		outChan: outChan,
		kh:      kernel,
		kw:      kernel,
		stride:  stride,
		groups:  groups,
		padding: kernel / 2,
		W:       tensor.New(outChan, inChan/groups, kernel, kernel),
	}
	if bias {
		c.B = tensor.New(outChan)
	}
	return c, nil
}

func (c *Conv2D) InChannels() int  { return c.inChan }
func (c *Conv2D) OutChannels() int { return c.outChan }
func (c *Conv2D) KernelSize() int  { return c.kh }
func (c *Conv2D) Stride() int      { return c.stride }
func (c *Conv2D) Groups() int      { return c.groups }
func (c *Conv2D) Padding() int     { return c.padding }

// GetOutputShape returns the output dimensions for given input dimensions.
func (c *Conv2D) GetOutputShape(inH, inW int) (outH, outW int) {
	return (inH+2*c.padding-c.kh)/c.stride + 1, (inW+2*c.padding-c.kw)/c.stride + 1
}

// Clone returns a deep copy of the layer.
func (c *Conv2D) Clone() *Conv2D {
	out := *c
	out.W = c.W.Clone()
	if c.B != nil {
		out.B = c.B.Clone()
	}
	return &out
}

// ForwardPlain performs the convolution on [batch, inChan, H, W] or [inChan, H, W] input.
// Every group is lowered to im2col followed by one GEMM.
func (c *Conv2D) ForwardPlain(input *tensor.Tensor) (*tensor.Tensor, error) {
	var batchSize, ch, height, width int
	switch len(input.Shape) {
	case 4:
		batchSize, ch, height, width = input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	case 3:
		batchSize = 1
		ch, height, width = input.Shape[0], input.Shape[1], input.Shape[2]
	default:
		return nil, fmt.Errorf("input must be 3D or 4D tensor, got %v", input.Shape)
	}
	if ch != c.inChan {
		return nil, fmt.Errorf("%w: %s expects %d input channels, got %d", tensor.ErrShapeMismatch, c.Tag(), c.inChan, ch)
	}

	outHeight, outWidth := c.GetOutputShape(height, width)
	if outHeight <= 0 || outWidth <= 0 {
		return nil, fmt.Errorf("%s: input %dx%d too small", c.Tag(), height, width)
	}
	output := tensor.New(batchSize, c.outChan, outHeight, outWidth)

	cg := c.inChan / c.groups
	og := c.outChan / c.groups
	kk := cg * c.kh * c.kw
	hw := outHeight * outWidth
	plane := height * width
	pointwise := c.kh == 1 && c.kw == 1 && c.stride == 1 && c.padding == 0

	var cols []float64
	if !pointwise {
		cols = make([]float64, kk*hw)
	}
	for b := 0; b < batchSize; b++ {
		in := input.Data[b*c.inChan*plane : (b+1)*c.inChan*plane]
		out := output.Data[b*c.outChan*hw : (b+1)*c.outChan*hw]
		for g := 0; g < c.groups; g++ {
			src := in[g*cg*plane : (g+1)*cg*plane]
			if !pointwise {
				c.im2col(src, cg, height, width, outHeight, outWidth, cols)
				src = cols
			}
			tensor.Gemm(false, false, og, hw, kk, c.W.Data[g*og*kk:], kk, src, hw, out[g*og*hw:], hw)
		}
		if c.B != nil {
			for oc := 0; oc < c.outChan; oc++ {
				row := out[oc*hw : (oc+1)*hw]
				for i := range row {
					row[i] += c.B.Data[oc]
				}
			}
		}
	}
	return output, nil
}

// im2col unrolls every receptive field of src into a column of cols ([cg*kh*kw, outH*outW]).
func (c *Conv2D) im2col(src []float64, cg, height, width, outH, outW int, cols []float64) {
	hw := outH * outW
	for ic := 0; ic < cg; ic++ {
		for dy := 0; dy < c.kh; dy++ {
			for dx := 0; dx < c.kw; dx++ {
				row := cols[((ic*c.kh+dy)*c.kw+dx)*hw:]
				for y := 0; y < outH; y++ {
					iy := y*c.stride - c.padding + dy
					for x := 0; x < outW; x++ {
						ix := x*c.stride - c.padding + dx
						v := 0.0
						if iy >= 0 && iy < height && ix >= 0 && ix < width {
							v = src[ic*height*width+iy*width+ix]
						}
						row[y*outW+x] = v
					}
				}
			}
		}
	}
}

func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return c.ForwardPlain(input)
}

func (c *Conv2D) ModuleStr() string {
	kind := "Conv"
	if c.groups > 1 {
		kind = "GroupConv"
	}
	return fmt.Sprintf("%dx%d_%s_O%d", c.kh, c.kw, kind, c.outChan)
}

// VisitTensors reports the weight (and bias) under prefix.
func (c *Conv2D) VisitTensors(prefix string, fn TensorVisitor) {
	fn(prefix+"weight", c.W, false)
	if c.B != nil {
		fn(prefix+"bias", c.B, false)
	}
}

func (c *Conv2D) Tag() string {
	return fmt.Sprintf("Conv2D_%d_%d_%d_%d", c.inChan, c.outChan, c.kh, c.kw)
}
