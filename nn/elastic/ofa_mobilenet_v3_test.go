package elastic

import (
	"math/rand"
	"strings"
	"testing"

	"ofa_lib/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.NClasses = 10
	cfg.BaseStageWidth = []int{8, 8, 8, 16, 16, 16, 24, 32, 40}
	return cfg
}

func newRandomNet(t *testing.T, seed int64) *OFAMobileNetV3 {
	t.Helper()
	net, err := New(smallConfig())
	require.NoError(t, err)
	net.ResetParameters(rand.New(rand.NewSource(seed)))
	return net
}

func TestMakeDivisible(t *testing.T) {
	assert.Equal(t, 16, MakeDivisible(16, 8))
	assert.Equal(t, 24, MakeDivisible(20, 8))
	assert.Equal(t, 8, MakeDivisible(3, 8))
	assert.Equal(t, 1536, MakeDivisible(1280*1.2, 8))
	assert.Equal(t, 120, middleChannels(40, 3))
	assert.Equal(t, 24, seMidChannels(96))
	assert.Equal(t, 32, seMidChannels(120))
}

func TestNew_DefaultCheckpointLayout(t *testing.T) {
	net, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.Len(t, net.Blocks, 20)
	assert.Equal(t, [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9, 10, 11}, {12, 13, 14, 15}, {16, 17, 18, 19}}, net.BlockGroupInfo())

	sd := net.StateDict()
	shapes := map[string][]int{
		"first_conv.conv.weight":                             {16, 3, 3, 3},
		"blocks.0.conv.depth_conv.conv.weight":               {16, 1, 3, 3},
		"blocks.1.conv.inverted_bottleneck.conv.conv.weight": {96, 16, 1, 1},
		"blocks.1.conv.depth_conv.conv.conv.weight":          {96, 1, 7, 7},
		"blocks.1.conv.depth_conv.conv.7to5_matrix":          {25, 25},
		"blocks.1.conv.depth_conv.conv.5to3_matrix":          {9, 9},
		"blocks.5.conv.depth_conv.se.fc.reduce.weight":       {40, 144, 1, 1},
		"blocks.6.conv.depth_conv.se.fc.expand.bias":         {240},
		"blocks.20.conv.point_linear.bn.bn.running_var":      {160},
		"final_expand_layer.conv.weight":                     {960, 160, 1, 1},
		"feature_mix_layer.conv.weight":                      {1280, 960, 1, 1},
		"classifier.linear.weight":                           {1000, 1280},
	}
	for name, shape := range shapes {
		require.Contains(t, sd, name)
		assert.Equal(t, shape, sd[name].Shape, name)
	}
	assert.Contains(t, sd, "blocks.3.conv.inverted_bottleneck.bn.bn.num_batches_tracked")
	assert.NotContains(t, sd, "feature_mix_layer.bn.weight")
	assert.Len(t, net.ExpectedKeys(), len(sd))
}

func TestSetActiveSubnet_RejectsOutOfSpace(t *testing.T) {
	net := newRandomNet(t, 1)
	before := net.ActiveSelection()

	for _, sel := range []Selection{
		Uniform(4, 4, 4),
		Uniform(7, 5, 4),
		Uniform(7, 4, 5),
		{Ks: []int{3, 5}},
	} {
		err := net.SetActiveSubnet(sel)
		assert.ErrorIs(t, err, ErrInvalidSelection, sel.String())
	}
	assert.Equal(t, before, net.ActiveSelection())

	require.NoError(t, net.SetActiveSubnet(Uniform(5, 3, 2)))
	require.NoError(t, net.SetActiveSubnet(Selection{D: []int{4, 3, 2, 2, 4}}))
	got := net.ActiveSelection()
	assert.Equal(t, []int{4, 3, 2, 2, 4}, got.D)
	assert.Equal(t, 5, got.Ks[0])
	assert.Equal(t, 3, got.E[len(got.E)-1])
}

func TestSampleActiveSubnet_Seeded(t *testing.T) {
	a := newRandomNet(t, 1)
	b := newRandomNet(t, 1)
	selA := a.SampleActiveSubnet(rand.New(rand.NewSource(42)))
	selB := b.SampleActiveSubnet(rand.New(rand.NewSource(42)))
	assert.Equal(t, selA, selB)
	assert.Len(t, selA.Ks, len(a.Blocks))
	assert.Len(t, selA.D, 5)
	for _, k := range selA.Ks {
		assert.Contains(t, []int{3, 5, 7}, k)
	}
	assert.Equal(t, selA, a.ActiveSelection())
}

func TestGetActiveSubnet_Deterministic(t *testing.T) {
	net := newRandomNet(t, 7)
	require.NoError(t, net.SetActiveSubnet(Uniform(7, 4, 4)))

	first, err := net.GetActiveSubnet()
	require.NoError(t, err)
	second, err := net.GetActiveSubnet()
	require.NoError(t, err)

	sd1, sd2 := first.StateDict(), second.StateDict()
	require.Equal(t, len(sd1), len(sd2))
	for name, w := range sd1 {
		assert.True(t, tensor.Equal(w, sd2[name]), name)
	}

	// no storage is shared with the super-network or between extractions
	sd1["first_conv.conv.weight"].Data[0] += 1
	sd1["blocks.1.conv.depth_conv.conv.weight"].Data[0] += 1
	assert.False(t, tensor.Equal(sd1["first_conv.conv.weight"], sd2["first_conv.conv.weight"]))
	assert.Equal(t, sd2["first_conv.conv.weight"].Data[0], net.FirstConv.Conv.W.Data[0])
}

func TestGetActiveSubnet_Structure(t *testing.T) {
	net := newRandomNet(t, 3)
	require.NoError(t, net.SetActiveSubnet(Uniform(5, 3, 2)))
	sub, err := net.GetActiveSubnet()
	require.NoError(t, err)
	assert.Len(t, sub.Blocks, 1+5*2)

	lines := strings.Split(sub.ModuleStr(), "\n")
	assert.Equal(t, "3x3_Conv_O8_H_SWISH_BN", lines[0])
	assert.Equal(t, "(3x3_MBConv1_RELU_O8_BN, Identity)", lines[1])
	assert.Equal(t, "(5x5_MBConv3_RELU_O8_BN, None)", lines[2])
	assert.Equal(t, "(5x5_MBConv3_RELU_O8_BN, Identity)", lines[3])
	assert.Equal(t, "(SE_5x5_MBConv3_RELU_O16_BN, None)", lines[4])
	assert.Equal(t, "40x10_Linear", lines[len(lines)-1])

	y, err := sub.Forward(tensor.Randn(rand.New(rand.NewSource(5)), 2, 3, 32, 32))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 10}, y.Shape)
}

func TestLoadStateDict_Strict(t *testing.T) {
	src := newRandomNet(t, 11)
	dst, err := New(smallConfig())
	require.NoError(t, err)

	sd := make(map[string]*tensor.Tensor)
	for name, w := range src.StateDict() {
		sd[name] = w.Clone()
	}
	require.NoError(t, dst.LoadStateDict(sd))
	for name, w := range dst.StateDict() {
		assert.True(t, tensor.Equal(w, sd[name]), name)
	}

	fresh, err := New(smallConfig())
	require.NoError(t, err)
	freshW := fresh.FirstConv.Conv.W.Data[0]

	missing := copyWithout(sd, "classifier.linear.bias")
	err = fresh.LoadStateDict(missing)
	assert.ErrorIs(t, err, ErrKeyMismatch)
	assert.Contains(t, err.Error(), "classifier.linear.bias")

	extra := copyWithout(sd, "")
	extra["blocks.99.conv.weight"] = tensor.New(1)
	assert.ErrorIs(t, fresh.LoadStateDict(extra), ErrKeyMismatch)

	wrong := copyWithout(sd, "")
	wrong["classifier.linear.weight"] = tensor.New(10, 39)
	assert.ErrorIs(t, fresh.LoadStateDict(wrong), ErrKeyMismatch)

	assert.Equal(t, freshW, fresh.FirstConv.Conv.W.Data[0], "failed loads must not modify the network")
}

func copyWithout(sd map[string]*tensor.Tensor, drop string) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(sd))
	for k, v := range sd {
		if k != drop {
			out[k] = v
		}
	}
	return out
}
