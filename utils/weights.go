package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ofa_lib/tensor"
)

// WeightsVersion is written into every JSON weights file.
const WeightsVersion = "1.0"

// ErrMissingFile is returned when a checkpoint path does not exist.
var ErrMissingFile = errors.New("missing file")

// StateDict maps a fully qualified parameter name to its tensor.
type StateDict map[string]*tensor.Tensor

// Keys returns the names in sorted order.
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WeightData represents serializable weight data for a tensor
type WeightData struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// ModelWeights represents all tensors of a model state dict
type ModelWeights struct {
	Version string                 `json:"version"`
	Tensors map[string]*WeightData `json:"tensors"`
}

// SaveWeights saves model weights to a JSON file
func SaveWeights(filepath string, weights *ModelWeights) error {
	data, err := json.Marshal(weights)
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	return os.WriteFile(filepath, data, 0644)
}

// LoadWeights loads model weights from a JSON file
func LoadWeights(filepath string) (*ModelWeights, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights file: %w", err)
	}
	var weights ModelWeights
	if err := json.Unmarshal(data, &weights); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weights: %w", err)
	}
	if weights.Version != WeightsVersion {
		return nil, fmt.Errorf("unsupported weights version %q", weights.Version)
	}
	return &weights, nil
}

// TensorToWeightData converts a tensor to serializable weight data
func TensorToWeightData(name string, t *tensor.Tensor) *WeightData {
	return &WeightData{
		Name:  name,
		Shape: append([]int{}, t.Shape...),
		Data:  append([]float64{}, t.Data...), // copy
	}
}

// WeightDataToTensor converts weight data back to a tensor
func WeightDataToTensor(wd *WeightData) (*tensor.Tensor, error) {
	t, err := tensor.FromData(wd.Data, wd.Shape...)
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", wd.Name, err)
	}
	return t, nil
}

// StateDictToWeights copies a state dict into its serializable form.
func StateDictToWeights(sd StateDict) *ModelWeights {
	w := &ModelWeights{Version: WeightsVersion, Tensors: make(map[string]*WeightData, len(sd))}
	for name, t := range sd {
		w.Tensors[name] = TensorToWeightData(name, t)
	}
	return w
}

// WeightsToStateDict converts serialized weights back into tensors.
func WeightsToStateDict(w *ModelWeights) (StateDict, error) {
	sd := make(StateDict, len(w.Tensors))
	for name, wd := range w.Tensors {
		t, err := WeightDataToTensor(wd)
		if err != nil {
			return nil, err
		}
		sd[name] = t
	}
	return sd, nil
}

// SaveStateDict writes sd in the JSON weights format.
func SaveStateDict(path string, sd StateDict) error {
	return SaveWeights(path, StateDictToWeights(sd))
}

// LoadStateDict reads a checkpoint into host memory. ".json" files use the
// JSON weights format; anything else is read as a PyTorch pickle checkpoint.
func LoadStateDict(path string) (StateDict, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %w", ErrMissingFile, path, err)
		}
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		w, err := LoadWeights(path)
		if err != nil {
			return nil, err
		}
		return WeightsToStateDict(w)
	}
	return loadTorchStateDict(path)
}
