package data

import (
	"fmt"
	"image"
	"math"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/anthonynsimon/bild/transform"
)

// ImageNet channel statistics.
var (
	Mean = [3]float64{0.485, 0.456, 0.406}
	Std  = [3]float64{0.229, 0.224, 0.225}
)

// ResizeRatio is the centre-crop fraction: images are resized to size/0.875 first.
const ResizeRatio = 0.875

// EvalTransform resizes the shorter side to ceil(Size/0.875), centre crops
// Size x Size and normalizes to CHW floats.
type EvalTransform struct {
	Size int
}

// ResizeSize is the shorter-side length before cropping.
func (t EvalTransform) ResizeSize() int {
	return int(math.Ceil(float64(t.Size) / ResizeRatio))
}

// Load decodes the image at path and applies the transform.
func (t EvalTransform) Load(path string) ([]float64, error) {
	img, err := imgio.Open(path)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return t.Apply(img)
}

// Apply returns 3*Size*Size normalized values in channel-major order.
func (t EvalTransform) Apply(img image.Image) ([]float64, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("empty image")
	}
	short := t.ResizeSize()
	nw, nh := short, short
	if w < h {
		nh = int(float64(short) * float64(h) / float64(w))
	} else {
		nw = int(float64(short) * float64(w) / float64(h))
	}
	resized := transform.Resize(img, nw, nh, transform.Linear)

	top := int(math.RoundToEven(float64(nh-t.Size) / 2))
	left := int(math.RoundToEven(float64(nw-t.Size) / 2))
	cropped := transform.Crop(resized, image.Rect(left, top, left+t.Size, top+t.Size))

	plane := t.Size * t.Size
	out := make([]float64, 3*plane)
	cb := cropped.Bounds()
	for y := 0; y < t.Size; y++ {
		for x := 0; x < t.Size; x++ {
			r, g, bl, _ := cropped.At(cb.Min.X+x, cb.Min.Y+y).RGBA()
			i := y*t.Size + x
			out[i] = (float64(r)/0xffff - Mean[0]) / Std[0]
			out[plane+i] = (float64(g)/0xffff - Mean[1]) / Std[1]
			out[2*plane+i] = (float64(bl)/0xffff - Mean[2]) / Std[2]
		}
	}
	return out, nil
}
