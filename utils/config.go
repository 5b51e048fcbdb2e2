package utils

import (
	"fmt"
	"os"

	"ofa_lib/nn/elastic"

	"gopkg.in/yaml.v3"
)

// Config holds the resolved evaluation configuration
type Config struct {
	DataPath   string `yaml:"path"`
	GPU        string `yaml:"gpu"`
	BatchSize  int    `yaml:"batch_size"`
	Workers    int    `yaml:"workers"`
	Weight     string `yaml:"weight"`
	ImgSize    int    `yaml:"img_size"`
	SaveWeight string `yaml:"save_weight"`

	Network     elastic.Config    `yaml:"network"`
	Subnet      SubnetConfig      `yaml:"subnet"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Logging     LoggingConfig     `yaml:"logging"`
	Results     ResultsConfig     `yaml:"results"`
}

// SubnetConfig selects the sub-network. Mode "explicit" applies Ks/Expand/Depth
// to every block; "random" samples uniformly with Seed.
type SubnetConfig struct {
	Mode   string `yaml:"mode"`
	Ks     int    `yaml:"ks"`
	Expand int    `yaml:"expand"`
	Depth  int    `yaml:"depth"`
	Seed   int64  `yaml:"seed"`
}

// CalibrationConfig sizes the batch-norm recalibration pass.
type CalibrationConfig struct {
	SubsetSize int `yaml:"subset_size"`
	BatchSize  int `yaml:"batch_size"`
}

type LoggingConfig struct {
	File    string `yaml:"file"`
	Verbose bool   `yaml:"verbose"`
}

type ResultsConfig struct {
	JSON       string `yaml:"json"`
	MongoURI   string `yaml:"mongo_uri"`
	MongoDB    string `yaml:"mongo_db"`
	Collection string `yaml:"collection"`
}

const (
	SubnetExplicit = "explicit"
	SubnetRandom   = "random"

	// DefaultSeed drives random selection and the calibration subset when no seed is given.
	DefaultSeed int64 = 937162211
)

// DefaultConfig returns the configuration of a plain invocation without a weight path.
func DefaultConfig() *Config {
	return &Config{
		DataPath:  "./data/PracticalDL",
		GPU:       "all",
		BatchSize: 100,
		Workers:   20,
		ImgSize:   76,
		Network:   elastic.DefaultConfig(),
		Subnet: SubnetConfig{
			Mode:   SubnetExplicit,
			Ks:     7,
			Expand: 4,
			Depth:  4,
		},
		Calibration: CalibrationConfig{
			SubsetSize: 2000,
			BatchSize:  200,
		},
		Results: ResultsConfig{
			MongoDB:    "ofa",
			Collection: "evaluations",
		},
	}
}

// LoadConfigFile overlays the YAML file at path onto cfg. Keys absent from the
// file keep their current values.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// Seed returns the configured seed or DefaultSeed.
func (c *Config) Seed() int64 {
	if c.Subnet.Seed != 0 {
		return c.Subnet.Seed
	}
	return DefaultSeed
}

// ValidateConfig validates evaluation configuration
func ValidateConfig(config *Config) error {
	if config.Weight == "" {
		return fmt.Errorf("weight path is required")
	}

	if config.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}

	if config.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}

	if config.ImgSize <= 0 {
		return fmt.Errorf("image size must be positive")
	}

	if config.Calibration.SubsetSize <= 0 || config.Calibration.BatchSize <= 0 {
		return fmt.Errorf("calibration subset and batch size must be positive")
	}

	switch config.Subnet.Mode {
	case SubnetExplicit, SubnetRandom:
	default:
		return fmt.Errorf("subnet mode must be %q or %q, got %q", SubnetExplicit, SubnetRandom, config.Subnet.Mode)
	}

	return config.Network.Validate()
}
