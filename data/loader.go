package data

import (
	"context"
	"fmt"

	"ofa_lib/tensor"

	"golang.org/x/sync/errgroup"
)

// Batch is a stack of transformed images with their labels.
type Batch struct {
	Images *tensor.Tensor // [N, 3, S, S]
	Labels []int
}

// Source yields batches in a fixed order.
type Source interface {
	NumSamples() int
	Each(ctx context.Context, fn func(Batch) error) error
}

// Loader batches a subset of an ImageFolder. Images inside a batch are decoded
// by at most Workers goroutines; zero workers decode in line.
type Loader struct {
	set       *ImageFolder
	indices   []int
	batchSize int
	workers   int
	transform EvalTransform
}

// NewLoader builds a loader over indices (nil means the whole set, in order).
func NewLoader(set *ImageFolder, indices []int, batchSize, workers int, t EvalTransform) (*Loader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if t.Size <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", t.Size)
	}
	if indices == nil {
		indices = make([]int, set.Len())
		for i := range indices {
			indices[i] = i
		}
	}
	for _, i := range indices {
		if i < 0 || i >= set.Len() {
			return nil, fmt.Errorf("sample index %d out of range [0, %d)", i, set.Len())
		}
	}
	return &Loader{set: set, indices: indices, batchSize: batchSize, workers: workers, transform: t}, nil
}

func (l *Loader) NumSamples() int { return len(l.indices) }

// NumBatches counts batches, the last one possibly short.
func (l *Loader) NumBatches() int { return (len(l.indices) + l.batchSize - 1) / l.batchSize }

// Batch decodes batch i.
func (l *Loader) Batch(ctx context.Context, i int) (Batch, error) {
	lo := i * l.batchSize
	if i < 0 || lo >= len(l.indices) {
		return Batch{}, fmt.Errorf("batch %d out of range [0, %d)", i, l.NumBatches())
	}
	hi := min(lo+l.batchSize, len(l.indices))
	idx := l.indices[lo:hi]

	size := l.transform.Size
	sample := 3 * size * size
	b := Batch{Images: tensor.New(len(idx), 3, size, size), Labels: make([]int, len(idx))}

	g, ctx := errgroup.WithContext(ctx)
	if l.workers > 0 {
		g.SetLimit(l.workers)
	} else {
		g.SetLimit(1)
	}
	for j, si := range idx {
		s := l.set.Samples[si]
		b.Labels[j] = s.Label
		dst := b.Images.Data[j*sample : (j+1)*sample]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			px, err := l.transform.Load(s.Path)
			if err != nil {
				return err
			}
			copy(dst, px)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, err
	}
	return b, nil
}

// Each decodes every batch in order and hands it to fn.
func (l *Loader) Each(ctx context.Context, fn func(Batch) error) error {
	for i := 0; i < l.NumBatches(); i++ {
		b, err := l.Batch(ctx, i)
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}
