package layers

import (
	"fmt"
	"math"
	"sync"

	"ofa_lib/tensor"

	"gonum.org/v1/gonum/stat"
)

// TensorVisitor receives every tensor a layer owns under its fully qualified
// PyTorch-style name. buffer is true for non-learnable state (running statistics).
type TensorVisitor func(name string, t *tensor.Tensor, buffer bool)

// BatchNorm2D normalizes [N, C, H, W] activations per channel.
//
// In the default (eval) mode it uses the running statistics. Between
// BeginCalibration and EndCalibration it normalizes with the statistics of the
// current batch instead and accumulates them, weighted by batch size, so that
// EndCalibration can replace the running statistics with their average.
type BatchNorm2D struct {
	channels int
	Eps      float64
	Momentum float64

	Weight            *tensor.Tensor // gamma: [C]
	Bias              *tensor.Tensor // beta: [C]
	RunningMean       *tensor.Tensor // [C]
	RunningVar        *tensor.Tensor // [C]
	NumBatchesTracked *tensor.Tensor // scalar

	mu    sync.Mutex
	calib *statsAccumulator
}

type statsAccumulator struct {
	meanSum []float64
	varSum  []float64
	count   int
}

// NewBatchNorm2D creates a BN layer with gamma=1, beta=0, mean=0, var=1.
func NewBatchNorm2D(channels int, eps, momentum float64) *BatchNorm2D {
	b := &BatchNorm2D{
		channels:          channels,
		Eps:               eps,
		Momentum:          momentum,
		Weight:            tensor.New(channels),
		Bias:              tensor.New(channels),
		RunningMean:       tensor.New(channels),
		RunningVar:        tensor.New(channels),
		NumBatchesTracked: tensor.New(),
	}
	for i := 0; i < channels; i++ {
		b.Weight.Data[i] = 1
		b.RunningVar.Data[i] = 1
	}
	return b
}

func (b *BatchNorm2D) Channels() int { return b.channels }

// CopyLeading returns a new BN over the first c channels of b (weights and statistics copied).
func (b *BatchNorm2D) CopyLeading(c int) (*BatchNorm2D, error) {
	if c > b.channels || c <= 0 {
		return nil, fmt.Errorf("%w: cannot take %d of %d BN channels", tensor.ErrShapeMismatch, c, b.channels)
	}
	out := NewBatchNorm2D(c, b.Eps, b.Momentum)
	copy(out.Weight.Data, b.Weight.Data[:c])
	copy(out.Bias.Data, b.Bias.Data[:c])
	copy(out.RunningMean.Data, b.RunningMean.Data[:c])
	copy(out.RunningVar.Data, b.RunningVar.Data[:c])
	out.NumBatchesTracked.Data[0] = b.NumBatchesTracked.Data[0]
	return out, nil
}

// Clone returns a deep copy (outside any calibration).
func (b *BatchNorm2D) Clone() *BatchNorm2D {
	out, _ := b.CopyLeading(b.channels)
	return out
}

// Scale returns the per-channel affine transform y = x*scale + shift implied by
// the running statistics.
func (b *BatchNorm2D) Scale() (scale, shift []float64) {
	scale = make([]float64, b.channels)
	shift = make([]float64, b.channels)
	for c := 0; c < b.channels; c++ {
		scale[c] = b.Weight.Data[c] / math.Sqrt(b.RunningVar.Data[c]+b.Eps)
		shift[c] = b.Bias.Data[c] - b.RunningMean.Data[c]*scale[c]
	}
	return scale, shift
}

// BeginCalibration switches the layer to batch-statistics mode.
func (b *BatchNorm2D) BeginCalibration() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calib = &statsAccumulator{
		meanSum: make([]float64, b.channels),
		varSum:  make([]float64, b.channels),
	}
}

// EndCalibration leaves batch-statistics mode. If at least one batch was seen the
// running mean and variance are overwritten with the accumulated averages.
func (b *BatchNorm2D) EndCalibration() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc := b.calib
	b.calib = nil
	if acc == nil || acc.count == 0 {
		return false
	}
	for c := 0; c < b.channels; c++ {
		b.RunningMean.Data[c] = acc.meanSum[c] / float64(acc.count)
		b.RunningVar.Data[c] = acc.varSum[c] / float64(acc.count)
	}
	return true
}

// AbortCalibration leaves batch-statistics mode without touching the running statistics.
func (b *BatchNorm2D) AbortCalibration() {
	b.mu.Lock()
	b.calib = nil
	b.mu.Unlock()
}

func (b *BatchNorm2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != b.channels {
		return nil, fmt.Errorf("%w: BatchNorm2D(%d) got %v", tensor.ErrShapeMismatch, b.channels, x.Shape)
	}
	n, hw := x.Shape[0], x.Shape[2]*x.Shape[3]

	b.mu.Lock()
	calibrating := b.calib != nil
	b.mu.Unlock()

	var scale, shift []float64
	if calibrating {
		mean, variance := batchStats(x)
		b.mu.Lock()
		if b.calib != nil {
			for c := 0; c < b.channels; c++ {
				b.calib.meanSum[c] += mean[c] * float64(n)
				b.calib.varSum[c] += variance[c] * float64(n)
			}
			b.calib.count += n
		}
		b.mu.Unlock()
		scale = make([]float64, b.channels)
		shift = make([]float64, b.channels)
		for c := 0; c < b.channels; c++ {
			scale[c] = b.Weight.Data[c] / math.Sqrt(variance[c]+b.Eps)
			shift[c] = b.Bias.Data[c] - mean[c]*scale[c]
		}
	} else {
		scale, shift = b.Scale()
	}

	out := tensor.New(x.Shape...)
	for i := 0; i < n; i++ {
		for c := 0; c < b.channels; c++ {
			off := (i*b.channels + c) * hw
			src := x.Data[off : off+hw]
			dst := out.Data[off : off+hw]
			for j, v := range src {
				dst[j] = v*scale[c] + shift[c]
			}
		}
	}
	return out, nil
}

// batchStats returns the per-channel mean and biased variance over N, H and W.
func batchStats(x *tensor.Tensor) (mean, variance []float64) {
	n, ch, hw := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	mean = make([]float64, ch)
	variance = make([]float64, ch)
	buf := make([]float64, n*hw)
	m := float64(len(buf))
	for c := 0; c < ch; c++ {
		for i := 0; i < n; i++ {
			copy(buf[i*hw:(i+1)*hw], x.Data[(i*ch+c)*hw:(i*ch+c+1)*hw])
		}
		mu, unbiased := stat.MeanVariance(buf, nil)
		mean[c] = mu
		if m > 1 {
			variance[c] = unbiased * (m - 1) / m
		}
	}
	return mean, variance
}

func (b *BatchNorm2D) ModuleStr() string { return "BN" }

func (b *BatchNorm2D) VisitTensors(prefix string, fn TensorVisitor) {
	fn(prefix+"weight", b.Weight, false)
	fn(prefix+"bias", b.Bias, false)
	fn(prefix+"running_mean", b.RunningMean, true)
	fn(prefix+"running_var", b.RunningVar, true)
	fn(prefix+"num_batches_tracked", b.NumBatchesTracked, true)
}
