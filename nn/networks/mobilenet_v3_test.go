package networks

import (
	"math/rand"
	"strings"
	"testing"

	"ofa_lib/nn/layers"
	"ofa_lib/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyNet(t *testing.T) *MobileNetV3 {
	t.Helper()
	first, err := layers.NewConvLayer(3, 8, 3, 2, false, true, "h_swish", 1e-5, 0.1)
	require.NoError(t, err)
	b0, err := layers.NewMBConvLayer(layers.MBConvConfig{
		InChannels: 8, OutChannels: 8, KernelSize: 3, Stride: 1, ExpandRatio: 1,
		ActFunc: "relu", BNEps: 1e-5, BNMomentum: 0.1,
	})
	require.NoError(t, err)
	b1, err := layers.NewMBConvLayer(layers.MBConvConfig{
		InChannels: 8, OutChannels: 16, KernelSize: 5, Stride: 2, ExpandRatio: 3,
		MidChannels: 24, ActFunc: "h_swish", UseSE: true, SEMid: 8, BNEps: 1e-5, BNMomentum: 0.1,
	})
	require.NoError(t, err)
	expand, err := layers.NewConvLayer(16, 32, 1, 1, false, true, "h_swish", 1e-5, 0.1)
	require.NoError(t, err)
	mix, err := layers.NewConvLayer(32, 40, 1, 1, false, false, "h_swish", 1e-5, 0.1)
	require.NoError(t, err)

	net := &MobileNetV3{
		FirstConv:        first,
		Blocks:           []*layers.ResidualBlock{layers.NewResidualBlock(b0, layers.Identity{}), layers.NewResidualBlock(b1, nil)},
		FinalExpandLayer: expand,
		FeatureMixLayer:  mix,
		Classifier:       layers.NewLinear(40, 5, true),
	}
	rng := rand.New(rand.NewSource(3))
	for _, p := range net.NamedParameters() {
		for i := range p.Data {
			p.Data[i] = rng.NormFloat64() * 0.3
		}
	}
	return net
}

func TestMobileNetV3_Forward(t *testing.T) {
	net := tinyNet(t)
	y, err := net.Forward(tensor.Randn(rand.New(rand.NewSource(4)), 2, 3, 16, 16))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5}, y.Shape)
	assert.Equal(t, 5, net.NumClasses())

	_, err = net.Forward(tensor.New(1, 4, 16, 16))
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestMobileNetV3_ModuleStr(t *testing.T) {
	lines := strings.Split(tinyNet(t).ModuleStr(), "\n")
	assert.Equal(t, []string{
		"3x3_Conv_O8_H_SWISH_BN",
		"(3x3_MBConv1_RELU_O8_BN, Identity)",
		"(SE_5x5_MBConv3_H_SWISH_O16_BN, None)",
		"1x1_Conv_O32_H_SWISH_BN",
		"1x1_Conv_O40_H_SWISH",
		"40x5_Linear",
	}, lines)
}

func TestMobileNetV3_Names(t *testing.T) {
	net := tinyNet(t)
	sd := net.StateDict()
	for _, key := range []string{
		"first_conv.conv.weight",
		"first_conv.bn.running_mean",
		"blocks.0.conv.depth_conv.conv.weight",
		"blocks.1.conv.inverted_bottleneck.conv.weight",
		"blocks.1.conv.depth_conv.se.fc.expand.bias",
		"blocks.1.conv.point_linear.bn.num_batches_tracked",
		"final_expand_layer.bn.weight",
		"feature_mix_layer.conv.weight",
		"classifier.linear.bias",
	} {
		assert.Contains(t, sd, key)
	}
	params := net.NamedParameters()
	assert.NotContains(t, params, "first_conv.bn.running_var")
	assert.Contains(t, params, "first_conv.bn.weight")

	var bnNames []string
	for _, nb := range net.BatchNorms() {
		bnNames = append(bnNames, nb.Name)
	}
	assert.Equal(t, []string{
		"first_conv.bn",
		"blocks.0.conv.depth_conv.bn",
		"blocks.0.conv.point_linear.bn",
		"blocks.1.conv.inverted_bottleneck.bn",
		"blocks.1.conv.depth_conv.bn",
		"blocks.1.conv.point_linear.bn",
		"final_expand_layer.bn",
	}, bnNames)
}
