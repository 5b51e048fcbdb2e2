// Package elastic implements the weight-sharing MobileNetV3 super-network and
// the extraction of fixed sub-networks from it.
package elastic

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrInvalidSelection is returned when a structural choice lies outside the
	// declared search space.
	ErrInvalidSelection = errors.New("invalid sub-network selection")
	// ErrKeyMismatch is returned by a strict state-dict load whose names or
	// shapes do not line up with the network.
	ErrKeyMismatch = errors.New("state dict key mismatch")
)

// Config describes the super-network and its search space.
type Config struct {
	NClasses        int     `yaml:"n_classes"`
	WidthMult       float64 `yaml:"width_mult"`
	BaseStageWidth  []int   `yaml:"base_stage_width"`
	KsList          []int   `yaml:"ks_list"`
	ExpandRatioList []int   `yaml:"expand_ratio_list"`
	DepthList       []int   `yaml:"depth_list"`
	BNMomentum      float64 `yaml:"bn_momentum"`
	BNEps           float64 `yaml:"bn_eps"`
	DropoutRate     float64 `yaml:"dropout_rate"`
}

// DefaultConfig is the d234_e346_k357_w1.0 super-network.
func DefaultConfig() Config {
	return Config{
		NClasses:        1000,
		WidthMult:       1.0,
		BaseStageWidth:  []int{16, 16, 24, 40, 80, 112, 160, 960, 1280},
		KsList:          []int{3, 5, 7},
		ExpandRatioList: []int{3, 4, 6},
		DepthList:       []int{2, 3, 4},
		BNMomentum:      0.1,
		BNEps:           1e-5,
		DropoutRate:     0,
	}
}

var (
	strideStages = []int{1, 2, 2, 2, 1, 2}
	actStages    = []string{"relu", "relu", "relu", "h_swish", "h_swish", "h_swish"}
	seStages     = []bool{false, false, true, false, true, true}
)

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.NClasses <= 0 {
		return fmt.Errorf("n_classes must be positive, got %d", c.NClasses)
	}
	if c.WidthMult <= 0 {
		return fmt.Errorf("width_mult must be positive, got %g", c.WidthMult)
	}
	if len(c.BaseStageWidth) != len(strideStages)+3 {
		return fmt.Errorf("base_stage_width needs %d entries, got %d", len(strideStages)+3, len(c.BaseStageWidth))
	}
	for name, list := range map[string][]int{
		"base_stage_width":  c.BaseStageWidth,
		"ks_list":           c.KsList,
		"expand_ratio_list": c.ExpandRatioList,
		"depth_list":        c.DepthList,
	} {
		if len(list) == 0 {
			return fmt.Errorf("%s must not be empty", name)
		}
		for _, v := range list {
			if v <= 0 {
				return fmt.Errorf("%s entries must be positive, got %v", name, list)
			}
		}
	}
	for _, k := range c.KsList {
		if k%2 == 0 {
			return fmt.Errorf("kernel sizes must be odd, got %v", c.KsList)
		}
	}
	if c.BNEps <= 0 {
		return fmt.Errorf("bn_eps must be positive, got %g", c.BNEps)
	}
	return nil
}

// MakeDivisible rounds v to the nearest multiple of divisor, never going below
// divisor or more than 10% below v.
func MakeDivisible(v float64, divisor int) int {
	d := float64(divisor)
	newV := int(v+d/2) / divisor * divisor
	if newV < divisor {
		newV = divisor
	}
	if float64(newV) < 0.9*v {
		newV += divisor
	}
	return newV
}

// middleChannels is the expanded width of an MBConv block.
func middleChannels(in, expand int) int {
	return MakeDivisible(math.RoundToEven(float64(in*expand)), 8)
}

// seMidChannels is the bottleneck width of an SE block over channel inputs.
func seMidChannels(channel int) int {
	return MakeDivisible(float64(channel/4), 8)
}

func sortedUnique(list []int) []int {
	seen := make(map[int]bool, len(list))
	out := make([]int, 0, len(list))
	for _, v := range list {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}

func maxOf(list []int) int {
	m := list[0]
	for _, v := range list[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func contains(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
