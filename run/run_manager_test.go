package run

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"regexp"
	"testing"

	"ofa_lib/data"
	"ofa_lib/nn/elastic"
	"ofa_lib/nn/networks"
	"ofa_lib/tensor"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	batches []data.Batch
	err     error
}

func (f fakeSource) NumSamples() int {
	n := 0
	for _, b := range f.batches {
		n += len(b.Labels)
	}
	return n
}

func (f fakeSource) Each(ctx context.Context, fn func(data.Batch) error) error {
	for _, b := range f.batches {
		if err := fn(b); err != nil {
			return err
		}
	}
	return f.err
}

type fakeProvider struct {
	imgSize int
	valid   fakeSource
	calib   fakeSource
	seeds   []int64
}

func (p *fakeProvider) AssignActiveImgSize(size int) error { p.imgSize = size; return nil }
func (p *fakeProvider) Valid() (data.Source, error)        { return p.valid, nil }
func (p *fakeProvider) SubTrain(n, batchSize int, seed int64) (data.Source, error) {
	p.seeds = append(p.seeds, seed)
	return p.calib, nil
}

func randomBatches(rng *rand.Rand, sizes []int, img, classes int) []data.Batch {
	var out []data.Batch
	for _, n := range sizes {
		b := data.Batch{Images: tensor.Randn(rng, n, 3, img, img), Labels: make([]int, n)}
		for i := range b.Labels {
			b.Labels[i] = rng.Intn(classes)
		}
		out = append(out, b)
	}
	return out
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testSubnet(t *testing.T) *networks.MobileNetV3 {
	t.Helper()
	cfg := elastic.DefaultConfig()
	cfg.NClasses = 7
	cfg.BaseStageWidth = []int{8, 8, 8, 16, 16, 16, 24, 32, 40}
	super, err := elastic.New(cfg)
	require.NoError(t, err)
	super.ResetParameters(rand.New(rand.NewSource(1)))
	require.NoError(t, super.SetActiveSubnet(elastic.Uniform(3, 3, 2)))
	sub, err := super.GetActiveSubnet()
	require.NoError(t, err)
	return sub
}

func newProvider(seed int64) *fakeProvider {
	rng := rand.New(rand.NewSource(seed))
	return &fakeProvider{
		valid: fakeSource{batches: randomBatches(rng, []int{5, 5, 3}, 16, 7)},
		calib: fakeSource{batches: randomBatches(rng, []int{4, 2}, 16, 7)},
	}
}

func TestResultString(t *testing.T) {
	s := Result{Loss: 1.234567, Top1: 55.55, Top5: 80}.String()
	assert.Equal(t, "Results: loss=1.23457,\t top1=55.5,\t top5=80.0", s)
	assert.Regexp(t, regexp.MustCompile(`^Results: loss=\d+\.\d{5},\t top1=\d+\.\d,\t top5=\d+\.\d$`), s)
}

func TestAverageMeter(t *testing.T) {
	var m AverageMeter
	assert.Zero(t, m.Avg())
	m.Update(1, 3)
	m.Update(5, 1)
	assert.InDelta(t, 2.0, m.Avg(), 1e-12)
	assert.Equal(t, 4, m.Count)
}

func TestResetThenValidateKeepsWeights(t *testing.T) {
	net := testSubnet(t)
	before := make(map[string]*tensor.Tensor)
	for name, w := range net.NamedParameters() {
		before[name] = w.Clone()
	}
	meanBefore := net.FirstConv.BN.RunningMean.Clone()

	p := newProvider(2)
	cfg := DefaultConfig()
	cfg.Seed = 99
	m, err := NewRunManager(cfg, p, quietLogger())
	require.NoError(t, err)

	require.NoError(t, m.ResetRunningStatistics(context.Background(), net))
	assert.Equal(t, []int64{99}, p.seeds)
	res, err := m.Validate(context.Background(), net)
	require.NoError(t, err)
	assert.Equal(t, 13, res.Samples)
	assert.GreaterOrEqual(t, res.Top5, res.Top1)
	assert.Greater(t, res.Loss, 0.0)

	after := net.NamedParameters()
	require.Len(t, after, len(before))
	for name, w := range before {
		assert.True(t, tensor.Equal(w, after[name]), name)
	}
	assert.False(t, tensor.Equal(meanBefore, net.FirstConv.BN.RunningMean), "statistics must change")
}

func TestResetRunningStatisticsAveragesBatches(t *testing.T) {
	net := testSubnet(t)
	p := newProvider(3)
	m, err := NewRunManager(DefaultConfig(), p, quietLogger())
	require.NoError(t, err)
	require.NoError(t, m.ResetRunningStatistics(context.Background(), net))

	// the first BN sees the raw first-conv output, so its statistics are
	// computable independently of every other layer
	ch := net.FirstConv.Conv.OutChannels()
	wantMean := make([]float64, ch)
	wantVar := make([]float64, ch)
	total := 0
	for _, b := range p.calib.batches {
		y, err := net.FirstConv.Conv.Forward(b.Images)
		require.NoError(t, err)
		n, hw := y.Shape[0], y.Shape[2]*y.Shape[3]
		for c := 0; c < ch; c++ {
			sum, sq := 0.0, 0.0
			for i := 0; i < n; i++ {
				for _, v := range y.Data[(i*ch+c)*hw : (i*ch+c+1)*hw] {
					sum += v
					sq += v * v
				}
			}
			cnt := float64(n * hw)
			mu := sum / cnt
			wantMean[c] += mu * float64(n)
			wantVar[c] += (sq/cnt - mu*mu) * float64(n)
		}
		total += n
	}
	for c := 0; c < ch; c++ {
		assert.InDelta(t, wantMean[c]/float64(total), net.FirstConv.BN.RunningMean.Data[c], 1e-9)
		assert.InDelta(t, wantVar[c]/float64(total), net.FirstConv.BN.RunningVar.Data[c], 1e-9)
	}
}

func TestValidateShardedMatchesSingle(t *testing.T) {
	net := testSubnet(t)
	p := newProvider(4)

	single, err := NewRunManager(DefaultConfig(), p, quietLogger())
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Devices = []int{0, 1, 2}
	sharded, err := NewRunManager(cfg, p, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, single.Shards())
	assert.Equal(t, 3, sharded.Shards())

	a, err := single.Validate(context.Background(), net)
	require.NoError(t, err)
	b, err := sharded.Validate(context.Background(), net)
	require.NoError(t, err)
	assert.InDelta(t, a.Loss, b.Loss, 1e-9)
	assert.Equal(t, a.Top1, b.Top1)
	assert.Equal(t, a.Top5, b.Top5)
}

func TestFailuresPropagate(t *testing.T) {
	net := testSubnet(t)
	boom := errors.New("disk on fire")
	p := newProvider(5)
	p.calib.err = boom
	p.valid.err = boom
	m, err := NewRunManager(DefaultConfig(), p, quietLogger())
	require.NoError(t, err)

	mean := net.FirstConv.BN.RunningMean.Clone()
	assert.ErrorIs(t, m.ResetRunningStatistics(context.Background(), net), boom)
	assert.True(t, tensor.Equal(mean, net.FirstConv.BN.RunningMean), "aborted calibration keeps statistics")

	_, err = m.Validate(context.Background(), net)
	assert.ErrorIs(t, err, boom)

	_, err = NewRunManager(Config{}, p, quietLogger())
	assert.Error(t, err)
}
