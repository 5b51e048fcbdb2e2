package nn

import (
	"errors"
	"testing"

	"ofa_lib/tensor"
)

// dummy layer: adds a constant
type addLayer struct{ c float64 }

func (l *addLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x.Clone()
	for i := range out.Data {
		out.Data[i] += l.c
	}
	return out, nil
}
func (l *addLayer) ModuleStr() string { return "Add" }

// dummy layer: error on forward
type errLayer struct{}

func (l *errLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return nil, errors.New("fail")
}
func (l *errLayer) ModuleStr() string { return "Err" }

func TestSequentialPlain(t *testing.T) {
	a := tensor.New(1)
	a.Data[0] = 1
	seq := &Sequential{Layers: []Module{&addLayer{c: 2}, &addLayer{c: 3}}}
	out, err := seq.Forward(a)
	if err != nil {
		t.Fatal(err)
	}
	if out.Data[0] != 6 {
		t.Fatalf("expected 6, got %f", out.Data[0])
	}
	if a.Data[0] != 1 {
		t.Fatalf("input was mutated")
	}
}

func TestSequentialStopsOnError(t *testing.T) {
	seq := &Sequential{Layers: []Module{&addLayer{c: 0}, &errLayer{}, &addLayer{c: 1}}}
	if _, err := seq.Forward(tensor.New(1)); err == nil {
		t.Fatal("expected error")
	}
	if got := seq.ModuleStr(); got != "Add\nErr\nAdd" {
		t.Errorf("unexpected module string %q", got)
	}
}
