package utils

import (
	"context"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRand(seed int64) *rand.Rand { return rand.New(rand.NewSource(seed)) }

func TestResolveDevicesExplicit(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		gpu  string
		want []int
	}{
		{"0", []int{0}},
		{"0,1", []int{0, 1}},
		{"3,1,2", []int{3, 1, 2}},
		{"0, 2", []int{0, 2}},
	} {
		got, err := ResolveDevices(ctx, tc.gpu, StaticDevices(8))
		require.NoError(t, err, tc.gpu)
		assert.Equal(t, tc.want, got)
		assert.Equal(t, 50*len(tc.want), EffectiveBatchSize(50, got))
	}
}

func TestResolveDevicesAll(t *testing.T) {
	got, err := ResolveDevices(context.Background(), "all", StaticDevices(3))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, got)
	assert.Equal(t, "0,1,2", VisibleDevices(got))

	none, err := ResolveDevices(context.Background(), "all", StaticDevices(0))
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Equal(t, 100, EffectiveBatchSize(100, none))
	assert.Equal(t, "", VisibleDevices(none))
}

func TestResolveDevicesInvalid(t *testing.T) {
	for _, gpu := range []string{"a", "0,x", "1,,2", "-1", ""} {
		_, err := ResolveDevices(context.Background(), gpu, StaticDevices(2))
		assert.ErrorIs(t, err, ErrInvalidDevice, gpu)
	}
}

func TestNvidiaSMIMissingTool(t *testing.T) {
	n, err := NvidiaSMI{Path: "definitely-not-nvidia-smi"}.DeviceCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPublishVisibleDevicesOnce(t *testing.T) {
	first, err := PublishVisibleDevices("0,1")
	require.NoError(t, err)
	second, err := PublishVisibleDevices("5")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, first, os.Getenv(VisibleDevicesEnv))
}
