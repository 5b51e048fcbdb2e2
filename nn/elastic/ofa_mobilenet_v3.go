package elastic

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"ofa_lib/nn/layers"
	"ofa_lib/nn/networks"
	"ofa_lib/tensor"
)

// DynamicBlock is an elastic block with an optional identity shortcut.
type DynamicBlock struct {
	Conv     *DynamicMBConvLayer
	Shortcut bool
}

// OFAMobileNetV3 is the elastic MobileNetV3 super-network. Blocks holds the
// elastic blocks (named blocks.1 onward); the static first block is FirstBlock.
type OFAMobileNetV3 struct {
	cfg Config

	FirstConv        *layers.ConvLayer
	FirstBlock       *layers.MBConvLayer
	Blocks           []*DynamicBlock
	FinalExpandLayer *layers.ConvLayer
	FeatureMixLayer  *layers.ConvLayer
	Classifier       *layers.Linear

	blockGroupInfo [][]int // per stage, indices into Blocks
	runtimeDepth   []int
}

// New builds a super-network with zero weights and default BN statistics.
func New(cfg Config) (*OFAMobileNetV3, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.KsList = sortedUnique(cfg.KsList)
	cfg.ExpandRatioList = sortedUnique(cfg.ExpandRatioList)
	cfg.DepthList = sortedUnique(cfg.DepthList)

	n := len(cfg.BaseStageWidth)
	finalExpandWidth := MakeDivisible(float64(cfg.BaseStageWidth[n-2])*cfg.WidthMult, 8)
	lastChannel := MakeDivisible(float64(cfg.BaseStageWidth[n-1])*cfg.WidthMult, 8)
	widths := make([]int, n-2)
	for i, w := range cfg.BaseStageWidth[:n-2] {
		widths[i] = MakeDivisible(float64(w)*cfg.WidthMult, 8)
	}
	inputChannel, firstBlockDim := widths[0], widths[1]

	net := &OFAMobileNetV3{cfg: cfg}
	var err error
	if net.FirstConv, err = layers.NewConvLayer(3, inputChannel, 3, 2, false, true, "h_swish", cfg.BNEps, cfg.BNMomentum); err != nil {
		return nil, fmt.Errorf("first conv: %w", err)
	}
	if net.FirstBlock, err = layers.NewMBConvLayer(layers.MBConvConfig{
		InChannels:  inputChannel,
		OutChannels: firstBlockDim,
		KernelSize:  3,
		Stride:      strideStages[0],
		ExpandRatio: 1,
		ActFunc:     actStages[0],
		UseSE:       seStages[0],
		BNEps:       cfg.BNEps,
		BNMomentum:  cfg.BNMomentum,
	}); err != nil {
		return nil, fmt.Errorf("first block: %w", err)
	}

	featureDim := firstBlockDim
	depth := maxOf(cfg.DepthList)
	for stage, width := range widths[2:] {
		s := stage + 1
		var group []int
		for i := 0; i < depth; i++ {
			stride := 1
			if i == 0 {
				stride = strideStages[s]
			}
			conv, err := NewDynamicMBConvLayer(DynamicMBConvConfig{
				MaxIn:           featureDim,
				MaxOut:          width,
				KsList:          cfg.KsList,
				ExpandRatioList: cfg.ExpandRatioList,
				Stride:          stride,
				ActFunc:         actStages[s],
				UseSE:           seStages[s],
				BNEps:           cfg.BNEps,
				BNMomentum:      cfg.BNMomentum,
			})
			if err != nil {
				return nil, fmt.Errorf("block %d: %w", len(net.Blocks)+1, err)
			}
			group = append(group, len(net.Blocks))
			net.Blocks = append(net.Blocks, &DynamicBlock{Conv: conv, Shortcut: stride == 1 && featureDim == width})
			featureDim = width
		}
		net.blockGroupInfo = append(net.blockGroupInfo, group)
		net.runtimeDepth = append(net.runtimeDepth, len(group))
	}

	if net.FinalExpandLayer, err = layers.NewConvLayer(featureDim, finalExpandWidth, 1, 1, false, true, "h_swish", cfg.BNEps, cfg.BNMomentum); err != nil {
		return nil, fmt.Errorf("final expand layer: %w", err)
	}
	if net.FeatureMixLayer, err = layers.NewConvLayer(finalExpandWidth, lastChannel, 1, 1, false, false, "h_swish", cfg.BNEps, cfg.BNMomentum); err != nil {
		return nil, fmt.Errorf("feature mix layer: %w", err)
	}
	net.Classifier = layers.NewLinear(lastChannel, cfg.NClasses, true)
	net.Classifier.DropoutRate = cfg.DropoutRate
	return net, nil
}

// Config returns the (normalized) configuration the network was built with.
func (m *OFAMobileNetV3) Config() Config { return m.cfg }

// BlockGroupInfo lists, per stage, the indices into Blocks.
func (m *OFAMobileNetV3) BlockGroupInfo() [][]int {
	out := make([][]int, len(m.blockGroupInfo))
	for i, g := range m.blockGroupInfo {
		out[i] = append([]int{}, g...)
	}
	return out
}

// RuntimeDepth is the active depth of every stage.
func (m *OFAMobileNetV3) RuntimeDepth() []int { return append([]int{}, m.runtimeDepth...) }

// VisitTensors walks every parameter and buffer under its checkpoint name.
func (m *OFAMobileNetV3) VisitTensors(fn layers.TensorVisitor) {
	m.FirstConv.VisitTensors("first_conv.", fn)
	m.FirstBlock.VisitTensors("blocks.0.conv.", fn)
	for i, b := range m.Blocks {
		b.Conv.VisitTensors(fmt.Sprintf("blocks.%d.conv.", i+1), fn)
	}
	m.FinalExpandLayer.VisitTensors("final_expand_layer.", fn)
	m.FeatureMixLayer.VisitTensors("feature_mix_layer.", fn)
	m.Classifier.VisitTensors("classifier.linear.", fn)
}

// StateDict returns every tensor by name. The tensors are shared with the network.
func (m *OFAMobileNetV3) StateDict() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)
	m.VisitTensors(func(name string, t *tensor.Tensor, _ bool) { out[name] = t })
	return out
}

// ExpectedKeys returns the sorted checkpoint names.
func (m *OFAMobileNetV3) ExpectedKeys() []string {
	var keys []string
	m.VisitTensors(func(name string, _ *tensor.Tensor, _ bool) { keys = append(keys, name) })
	sort.Strings(keys)
	return keys
}

// LoadStateDict copies sd into the network. The load is strict: the key sets must
// be identical and every shape must match, otherwise nothing is modified.
func (m *OFAMobileNetV3) LoadStateDict(sd map[string]*tensor.Tensor) error {
	own := m.StateDict()
	var missing, unexpected, mismatched []string
	for name, t := range own {
		src, ok := sd[name]
		switch {
		case !ok:
			missing = append(missing, name)
		case src == nil || tensor.Numel(src.Shape) != len(src.Data):
			mismatched = append(mismatched, fmt.Sprintf("%s: malformed tensor", name))
		case !sameShape(src.Shape, t.Shape):
			mismatched = append(mismatched, fmt.Sprintf("%s: checkpoint %v, model %v", name, src.Shape, t.Shape))
		}
	}
	for name := range sd {
		if _, ok := own[name]; !ok {
			unexpected = append(unexpected, name)
		}
	}
	if len(missing)+len(unexpected)+len(mismatched) > 0 {
		sort.Strings(missing)
		sort.Strings(unexpected)
		sort.Strings(mismatched)
		var parts []string
		if len(missing) > 0 {
			parts = append(parts, fmt.Sprintf("missing keys %v", missing))
		}
		if len(unexpected) > 0 {
			parts = append(parts, fmt.Sprintf("unexpected keys %v", unexpected))
		}
		if len(mismatched) > 0 {
			parts = append(parts, fmt.Sprintf("size mismatch for %v", mismatched))
		}
		return fmt.Errorf("%w: %s", ErrKeyMismatch, strings.Join(parts, "; "))
	}
	for name, t := range own {
		copy(t.Data, sd[name].Data)
	}
	return nil
}

// sameShape treats a scalar and a one-element vector as equal, since both
// serialize num_batches_tracked.
func sameShape(a, b []int) bool {
	if tensor.Numel(a) == 1 && tensor.Numel(b) == 1 && len(a) <= 1 && len(b) <= 1 {
		return true
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ResetParameters draws fresh weights: He (fan-out) normal convs, unit BN,
// small uniform classifier. Transform matrices are reset to identity.
func (m *OFAMobileNetV3) ResetParameters(rng *rand.Rand) {
	m.VisitTensors(func(name string, t *tensor.Tensor, buffer bool) {
		switch {
		case strings.HasSuffix(name, "_matrix"):
			n := t.Shape[0]
			for i := range t.Data {
				t.Data[i] = 0
			}
			for i := 0; i < n; i++ {
				t.Data[i*n+i] = 1
			}
		case strings.HasSuffix(name, "running_var"):
			fillConst(t, 1)
		case buffer:
			fillConst(t, 0)
		case len(t.Shape) == 4:
			fanOut := t.Shape[0] * t.Shape[2] * t.Shape[3]
			std := math.Sqrt(2 / float64(fanOut))
			for i := range t.Data {
				t.Data[i] = rng.NormFloat64() * std
			}
		case len(t.Shape) == 2:
			bound := 1 / math.Sqrt(float64(t.Shape[1]))
			for i := range t.Data {
				t.Data[i] = (2*rng.Float64() - 1) * bound
			}
		case strings.Contains(name, ".bn.") && strings.HasSuffix(name, "weight"):
			fillConst(t, 1)
		default:
			fillConst(t, 0)
		}
	})
}

func fillConst(t *tensor.Tensor, v float64) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// Selection is one choice per elastic axis. Ks and E carry one value per elastic
// block and D one value per stage; a single value applies to all of them and an
// empty slice leaves that axis unchanged.
type Selection struct {
	Ks []int `yaml:"ks" json:"ks"`
	E  []int `yaml:"e" json:"e"`
	D  []int `yaml:"d" json:"d"`
}

// Uniform selects the same kernel size, expand ratio and depth everywhere.
func Uniform(ks, e, d int) Selection {
	return Selection{Ks: []int{ks}, E: []int{e}, D: []int{d}}
}

func (s Selection) String() string {
	return fmt.Sprintf("ks=%v e=%v d=%v", s.Ks, s.E, s.D)
}

func expand(axis string, values, allowed []int, n int) ([]int, error) {
	switch len(values) {
	case 0:
		return nil, nil
	case 1, n:
	default:
		return nil, fmt.Errorf("%w: %s needs 1 or %d values, got %d", ErrInvalidSelection, axis, n, len(values))
	}
	out := make([]int, n)
	for i := range out {
		v := values[0]
		if len(values) == n {
			v = values[i]
		}
		if !contains(allowed, v) {
			return nil, fmt.Errorf("%w: %s=%d not in %v", ErrInvalidSelection, axis, v, allowed)
		}
		out[i] = v
	}
	return out, nil
}

// SetActiveSubnet activates the given structural choices. Nothing changes when
// any value is outside the search space.
func (m *OFAMobileNetV3) SetActiveSubnet(sel Selection) error {
	ks, err := expand("ks", sel.Ks, m.cfg.KsList, len(m.Blocks))
	if err != nil {
		return err
	}
	e, err := expand("e", sel.E, m.cfg.ExpandRatioList, len(m.Blocks))
	if err != nil {
		return err
	}
	d, err := expand("d", sel.D, m.cfg.DepthList, len(m.blockGroupInfo))
	if err != nil {
		return err
	}
	for i, b := range m.Blocks {
		if ks != nil {
			b.Conv.ActiveKernelSize = ks[i]
		}
		if e != nil {
			b.Conv.ActiveExpandRatio = e[i]
		}
	}
	for i, v := range d {
		m.runtimeDepth[i] = min(len(m.blockGroupInfo[i]), v)
	}
	return nil
}

// ActiveSelection reports the current per-block and per-stage choices.
func (m *OFAMobileNetV3) ActiveSelection() Selection {
	sel := Selection{D: m.RuntimeDepth()}
	for _, b := range m.Blocks {
		sel.Ks = append(sel.Ks, b.Conv.ActiveKernelSize)
		sel.E = append(sel.E, b.Conv.ActiveExpandRatio)
	}
	return sel
}

// SampleActiveSubnet draws every choice uniformly from rng, activates it and returns it.
func (m *OFAMobileNetV3) SampleActiveSubnet(rng *rand.Rand) Selection {
	sel := Selection{}
	for range m.Blocks {
		sel.Ks = append(sel.Ks, m.cfg.KsList[rng.Intn(len(m.cfg.KsList))])
	}
	for range m.Blocks {
		sel.E = append(sel.E, m.cfg.ExpandRatioList[rng.Intn(len(m.cfg.ExpandRatioList))])
	}
	for range m.blockGroupInfo {
		sel.D = append(sel.D, m.cfg.DepthList[rng.Intn(len(m.cfg.DepthList))])
	}
	if err := m.SetActiveSubnet(sel); err != nil {
		// every sampled value comes from the declared lists
		panic(err)
	}
	return sel
}

// GetActiveSubnet extracts the active sub-network. All weights are copied; the
// result shares no storage with the super-network.
func (m *OFAMobileNetV3) GetActiveSubnet() (*networks.MobileNetV3, error) {
	net := &networks.MobileNetV3{
		FirstConv:        m.FirstConv.Clone(),
		FinalExpandLayer: m.FinalExpandLayer.Clone(),
		FeatureMixLayer:  m.FeatureMixLayer.Clone(),
		Classifier:       m.Classifier.Clone(),
	}
	first := layers.NewResidualBlock(m.FirstBlock.Clone(), nil)
	if m.FirstBlock.InChannels() == m.FirstBlock.OutChannels() {
		first.Shortcut = layers.Identity{}
	}
	net.Blocks = append(net.Blocks, first)
	in := m.FirstBlock.OutChannels()
	for stage, group := range m.blockGroupInfo {
		for _, idx := range group[:m.runtimeDepth[stage]] {
			b := m.Blocks[idx]
			conv, err := b.Conv.GetActiveSubnet(in)
			if err != nil {
				return nil, fmt.Errorf("block %d: %w", idx+1, err)
			}
			block := layers.NewResidualBlock(conv, nil)
			if b.Shortcut {
				block.Shortcut = layers.Identity{}
			}
			net.Blocks = append(net.Blocks, block)
			in = conv.OutChannels()
		}
	}
	return net, nil
}
