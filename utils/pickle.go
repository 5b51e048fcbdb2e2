package utils

import (
	"fmt"

	"ofa_lib/tensor"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

type pyMapping interface {
	Get(key interface{}) (interface{}, bool)
}

// loadTorchStateDict reads a torch.save() checkpoint. When the top-level object
// carries a "state_dict" entry that entry is used, otherwise the object itself.
// Tensors are copied into float64 host memory.
func loadTorchStateDict(path string) (StateDict, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read torch checkpoint %s: %w", path, err)
	}
	if m, ok := obj.(pyMapping); ok {
		if inner, found := m.Get("state_dict"); found {
			obj = inner
		}
	}

	sd := make(StateDict)
	add := func(key, value interface{}) error {
		name, ok := key.(string)
		if !ok {
			return fmt.Errorf("state dict key %v is %T, not a string", key, key)
		}
		t, err := torchTensor(name, value)
		if err != nil {
			return err
		}
		sd[name] = t
		return nil
	}

	switch d := obj.(type) {
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			if err := add(entry.Key, entry.Value); err != nil {
				return nil, err
			}
		}
	case interface{ Keys() []interface{} }:
		m, ok := obj.(pyMapping)
		if !ok {
			return nil, fmt.Errorf("unsupported state dict container %T", obj)
		}
		for _, k := range d.Keys() {
			v, _ := m.Get(k)
			if err := add(k, v); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("unsupported state dict container %T", obj)
	}
	return sd, nil
}

func torchTensor(name string, value interface{}) (*tensor.Tensor, error) {
	pt, ok := value.(*pytorch.Tensor)
	if !ok {
		return nil, fmt.Errorf("entry %q is %T, not a tensor", name, value)
	}
	shape := append([]int{}, pt.Size...)
	n := tensor.Numel(shape)
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		if shape[i] != 1 && pt.Stride[i] != stride {
			return nil, fmt.Errorf("entry %q is not contiguous (size %v, stride %v)", name, pt.Size, pt.Stride)
		}
		stride *= shape[i]
	}

	out := tensor.New(shape...)
	lo, hi := pt.StorageOffset, pt.StorageOffset+n
	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		if hi > len(s.Data) {
			return nil, fmt.Errorf("entry %q overruns its storage", name)
		}
		for i, v := range s.Data[lo:hi] {
			out.Data[i] = float64(v)
		}
	case *pytorch.DoubleStorage:
		if hi > len(s.Data) {
			return nil, fmt.Errorf("entry %q overruns its storage", name)
		}
		copy(out.Data, s.Data[lo:hi])
	case *pytorch.LongStorage:
		if hi > len(s.Data) {
			return nil, fmt.Errorf("entry %q overruns its storage", name)
		}
		for i, v := range s.Data[lo:hi] {
			out.Data[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("entry %q has unsupported storage %T", name, pt.Source)
	}
	return out, nil
}
