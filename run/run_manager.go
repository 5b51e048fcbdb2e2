// Package run evaluates fixed sub-networks: batch-norm recalibration followed
// by one validation pass.
package run

import (
	"context"
	"fmt"
	"time"

	"ofa_lib/data"
	"ofa_lib/nn"
	"ofa_lib/nn/networks"
	"ofa_lib/tensor"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Network is what the run manager evaluates.
type Network interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	BatchNorms() []networks.NamedBatchNorm
}

// DataProvider owns the evaluation data pipeline.
type DataProvider interface {
	AssignActiveImgSize(size int) error
	Valid() (data.Source, error)
	SubTrain(n, batchSize int, seed int64) (data.Source, error)
}

// Config holds the run parameters.
type Config struct {
	TestBatchSize   int
	NWorker         int
	Devices         []int // one forward shard per device, at least one shard
	CalibSubsetSize int
	CalibBatchSize  int
	Seed            int64
}

// DefaultConfig mirrors the evaluation defaults.
func DefaultConfig() Config {
	return Config{
		TestBatchSize:   100,
		NWorker:         20,
		CalibSubsetSize: 2000,
		CalibBatchSize:  200,
		Seed:            937162211,
	}
}

// Result is the outcome of one validation pass. Accuracies are percentages.
type Result struct {
	Loss    float64 `json:"loss" bson:"loss"`
	Top1    float64 `json:"top1" bson:"top1"`
	Top5    float64 `json:"top5" bson:"top5"`
	Samples int     `json:"samples" bson:"samples"`
}

func (r Result) String() string {
	return fmt.Sprintf("Results: loss=%.5f,\t top1=%.1f,\t top5=%.1f", r.Loss, r.Top1, r.Top5)
}

// RunManager evaluates networks against a DataProvider.
type RunManager struct {
	cfg      Config
	provider DataProvider
	log      *logrus.Entry
}

func NewRunManager(cfg Config, provider DataProvider, logger *logrus.Logger) (*RunManager, error) {
	if cfg.CalibSubsetSize <= 0 || cfg.CalibBatchSize <= 0 {
		return nil, fmt.Errorf("calibration subset (%d) and batch size (%d) must be positive", cfg.CalibSubsetSize, cfg.CalibBatchSize)
	}
	if provider == nil {
		return nil, fmt.Errorf("run manager needs a data provider")
	}
	return &RunManager{
		cfg:      cfg,
		provider: provider,
		log:      logger.WithField("component", "run"),
	}, nil
}

// Shards is the number of concurrent forward shards per batch.
func (m *RunManager) Shards() int { return max(len(m.cfg.Devices), 1) }

// ResetRunningStatistics recomputes every BN's running mean and variance on a
// seeded calibration subset. Learnable weights are left untouched. On failure
// the previous statistics are kept.
func (m *RunManager) ResetRunningStatistics(ctx context.Context, net Network) error {
	src, err := m.provider.SubTrain(m.cfg.CalibSubsetSize, m.cfg.CalibBatchSize, m.cfg.Seed)
	if err != nil {
		return fmt.Errorf("building calibration loader: %w", err)
	}
	bns := net.BatchNorms()
	for _, nb := range bns {
		nb.BN.BeginCalibration()
	}
	start := time.Now()
	err = src.Each(ctx, func(b data.Batch) error {
		_, err := net.Forward(b.Images)
		return err
	})
	if err != nil {
		for _, nb := range bns {
			nb.BN.AbortCalibration()
		}
		return fmt.Errorf("calibration forward: %w", err)
	}
	updated := 0
	for _, nb := range bns {
		if nb.BN.EndCalibration() {
			updated++
		}
	}
	m.log.WithFields(logrus.Fields{
		"images":   src.NumSamples(),
		"bn":       len(bns),
		"updated":  updated,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("running statistics reset")
	return nil
}

// Validate runs one pass over the validation split and returns the mean
// cross-entropy loss with top-1 and top-5 accuracy.
func (m *RunManager) Validate(ctx context.Context, net Network) (Result, error) {
	src, err := m.provider.Valid()
	if err != nil {
		return Result{}, fmt.Errorf("building validation loader: %w", err)
	}
	var (
		ce               nn.CrossEntropyLoss
		loss, top1, top5 AverageMeter
		batches          int
	)
	total, start := src.NumSamples(), time.Now()
	err = src.Each(ctx, func(b data.Batch) error {
		logits, err := m.forward(ctx, net, b.Images)
		if err != nil {
			return err
		}
		l, err := ce.Forward(logits, b.Labels)
		if err != nil {
			return err
		}
		acc, err := nn.Accuracy(logits, b.Labels, 1, 5)
		if err != nil {
			return err
		}
		n := len(b.Labels)
		loss.Update(l, n)
		top1.Update(acc[0], n)
		top5.Update(acc[1], n)
		batches++
		m.log.WithFields(logrus.Fields{
			"batch": batches,
			"seen":  loss.Count,
			"total": total,
			"loss":  loss.Avg(),
			"top1":  top1.Avg(),
			"top5":  top5.Avg(),
		}).Debug("validate")
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("validation: %w", err)
	}
	res := Result{Loss: loss.Avg(), Top1: top1.Avg(), Top5: top5.Avg(), Samples: loss.Count}
	m.log.WithFields(logrus.Fields{
		"images":   res.Samples,
		"loss":     res.Loss,
		"top1":     res.Top1,
		"top5":     res.Top5,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("validation finished")
	return res, nil
}

// forward splits x along the batch axis into contiguous shards, runs them
// concurrently and concatenates the logits in order.
func (m *RunManager) forward(ctx context.Context, net Network, x *tensor.Tensor) (*tensor.Tensor, error) {
	n := x.Shape[0]
	shards := min(m.Shards(), n)
	if shards <= 1 {
		return net.Forward(x)
	}
	per := len(x.Data) / n
	outs := make([]*tensor.Tensor, shards)
	g, ctx := errgroup.WithContext(ctx)
	for s := 0; s < shards; s++ {
		s := s
		lo, hi := s*n/shards, (s+1)*n/shards
		shape := append([]int{hi - lo}, x.Shape[1:]...)
		part := &tensor.Tensor{Data: x.Data[lo*per : hi*per], Shape: shape}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			y, err := net.Forward(part)
			if err != nil {
				return fmt.Errorf("shard %d: %w", s, err)
			}
			outs[s] = y
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	classes := outs[0].Shape[1]
	out := tensor.New(n, classes)
	off := 0
	for _, y := range outs {
		copy(out.Data[off:], y.Data)
		off += len(y.Data)
	}
	return out, nil
}
