package data

import (
	"context"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"

	"ofa_lib/tensor"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func writeImage(t *testing.T, path string, w, h int, c color.RGBA) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	require.NoError(t, imgio.Save(path, img, imgio.PNGEncoder()))
}

// makeDataset writes classes*perClass images into root/split/<class>.
func makeDataset(t *testing.T, root, split string, classes []string, perClass int) {
	t.Helper()
	for ci, class := range classes {
		for i := 0; i < perClass; i++ {
			c := color.RGBA{R: uint8(40 * ci), G: uint8(20 * i), B: 200, A: 255}
			writeImage(t, filepath.Join(root, split, class, "img"+string(rune('a'+i))+".png"), 20+i, 16, c)
		}
	}
}

func TestImageFolder(t *testing.T) {
	root := t.TempDir()
	makeDataset(t, root, "val", []string{"zebra", "ant"}, 2)
	require.NoError(t, os.WriteFile(filepath.Join(root, "val", "ant", "notes.txt"), []byte("x"), 0644))

	f, err := NewImageFolder(filepath.Join(root, "val"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ant", "zebra"}, f.Classes)
	require.Equal(t, 4, f.Len())
	assert.Equal(t, 0, f.Samples[0].Label)
	assert.Equal(t, 1, f.Samples[3].Label)

	empty := filepath.Join(root, "empty", "cls")
	require.NoError(t, os.MkdirAll(empty, 0755))
	_, err = NewImageFolder(filepath.Dir(empty))
	assert.ErrorIs(t, err, ErrEmptyDataset)
}

func TestEvalTransform(t *testing.T) {
	assert.Equal(t, 87, EvalTransform{Size: 76}.ResizeSize())
	assert.Equal(t, 256, EvalTransform{Size: 224}.ResizeSize())

	img := image.NewRGBA(image.Rect(0, 0, 30, 12))
	for y := 0; y < 12; y++ {
		for x := 0; x < 30; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 128, A: 255})
		}
	}
	px, err := EvalTransform{Size: 8}.Apply(img)
	require.NoError(t, err)
	require.Len(t, px, 3*8*8)
	wantR := (1 - Mean[0]) / Std[0]
	wantG := (0 - Mean[1]) / Std[1]
	for i := 0; i < 64; i++ {
		assert.InDelta(t, wantR, px[i], 1e-3)
		assert.InDelta(t, wantG, px[64+i], 1e-3)
	}
}

func TestLoaderBatches(t *testing.T) {
	root := t.TempDir()
	makeDataset(t, root, "val", []string{"a", "b", "c"}, 2)
	f, err := NewImageFolder(filepath.Join(root, "val"))
	require.NoError(t, err)

	inline, err := NewLoader(f, nil, 4, 0, EvalTransform{Size: 8})
	require.NoError(t, err)
	parallel, err := NewLoader(f, nil, 4, 3, EvalTransform{Size: 8})
	require.NoError(t, err)
	assert.Equal(t, 2, inline.NumBatches())

	var sizes []int
	var labels []int
	var first []*tensor.Tensor
	require.NoError(t, inline.Each(context.Background(), func(b Batch) error {
		sizes = append(sizes, b.Images.Shape[0])
		labels = append(labels, b.Labels...)
		first = append(first, b.Images)
		return nil
	}))
	assert.Equal(t, []int{4, 2}, sizes)
	assert.Equal(t, []int{0, 0, 1, 1, 2, 2}, labels)

	i := 0
	require.NoError(t, parallel.Each(context.Background(), func(b Batch) error {
		assert.True(t, tensor.Equal(first[i], b.Images))
		i++
		return nil
	}))

	_, err = NewLoader(f, []int{7}, 2, 0, EvalTransform{Size: 8})
	assert.Error(t, err)
	_, err = inline.Batch(context.Background(), 2)
	assert.Error(t, err)
}

func TestLoaderPropagatesDecodeErrors(t *testing.T) {
	root := t.TempDir()
	makeDataset(t, root, "val", []string{"a"}, 1)
	require.NoError(t, os.WriteFile(filepath.Join(root, "val", "a", "broken.png"), []byte("nope"), 0644))
	f, err := NewImageFolder(filepath.Join(root, "val"))
	require.NoError(t, err)
	l, err := NewLoader(f, nil, 2, 2, EvalTransform{Size: 8})
	require.NoError(t, err)
	err = l.Each(context.Background(), func(Batch) error { return nil })
	assert.ErrorContains(t, err, "broken.png")
}

func TestPracticalDLProvider(t *testing.T) {
	root := t.TempDir()
	makeDataset(t, root, "val", []string{"a", "b"}, 2)
	makeDataset(t, root, "train", []string{"a", "b"}, 5)

	p, err := NewPracticalDLProvider(root, 3, 2, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, p.NClasses())
	assert.Equal(t, DefaultImgSize, p.ActiveImgSize())

	assert.Error(t, p.AssignActiveImgSize(0))
	require.NoError(t, p.AssignActiveImgSize(12))
	valid, err := p.Valid()
	require.NoError(t, err)
	assert.Equal(t, 4, valid.NumSamples())
	require.NoError(t, valid.Each(context.Background(), func(b Batch) error {
		assert.Equal(t, []int{12, 12}, b.Images.Shape[2:])
		return nil
	}))

	sub1, err := p.SubTrain(6, 4, 42)
	require.NoError(t, err)
	sub2, err := p.SubTrain(6, 4, 42)
	require.NoError(t, err)
	assert.Equal(t, 6, sub1.NumSamples())
	assert.Equal(t, sub1.(*Loader).indices, sub2.(*Loader).indices)
	assert.Equal(t, p.train, sub1.(*Loader).set)

	all, err := p.SubTrain(100, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, all.NumSamples())
}

func TestPracticalDLProviderFallbacks(t *testing.T) {
	root := t.TempDir()
	makeDataset(t, root, "test", []string{"a"}, 3)
	p, err := NewPracticalDLProvider(root, 2, 0, quietLogger())
	require.NoError(t, err)
	sub, err := p.SubTrain(2, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, p.valid, sub.(*Loader).set)

	_, err = NewPracticalDLProvider(t.TempDir(), 2, 0, quietLogger())
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = NewPracticalDLProvider(root, 0, 0, quietLogger())
	assert.Error(t, err)
}
