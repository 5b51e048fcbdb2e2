// eval_ofa_net: evaluate one sub-network of a trained OFA MobileNetV3
// super-network on a PracticalDL-style ImageFolder dataset.
package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"ofa_lib/data"
	"ofa_lib/nn/elastic"
	"ofa_lib/nn/networks"
	"ofa_lib/onnx"
	"ofa_lib/results"
	"ofa_lib/run"
	"ofa_lib/utils"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// ProviderFactory builds the data provider for the effective batch size.
type ProviderFactory func(cfg *utils.Config, batchSize int, logger *logrus.Logger) (run.DataProvider, error)

func practicalDL(cfg *utils.Config, batchSize int, logger *logrus.Logger) (run.DataProvider, error) {
	p, err := data.NewPracticalDLProvider(cfg.DataPath, batchSize, cfg.Workers, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// deps are the process-level collaborators, swapped out in tests.
type deps struct {
	stdout   io.Writer
	stderr   io.Writer
	devices  utils.DeviceEnumerator
	provider ProviderFactory
	publish  func(string) (string, error)
	sinks    []results.Sink // always written, before the configured ones
}

func defaultDeps() deps {
	return deps{
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		devices:  utils.NvidiaSMI{},
		provider: practicalDL,
		publish:  utils.PublishVisibleDevices,
	}
}

func newRootCmd(d deps) *cobra.Command {
	flags := utils.DefaultConfig()
	var (
		configPath   string
		randomSubnet bool
	)

	// apply copies an explicitly set flag onto the resolved configuration.
	apply := map[string]func(cfg *utils.Config){
		"path":          func(c *utils.Config) { c.DataPath = flags.DataPath },
		"gpu":           func(c *utils.Config) { c.GPU = flags.GPU },
		"batch-size":    func(c *utils.Config) { c.BatchSize = flags.BatchSize },
		"workers":       func(c *utils.Config) { c.Workers = flags.Workers },
		"weight":        func(c *utils.Config) { c.Weight = flags.Weight },
		"img_size":      func(c *utils.Config) { c.ImgSize = flags.ImgSize },
		"save_weight":   func(c *utils.Config) { c.SaveWeight = flags.SaveWeight },
		"ks":            func(c *utils.Config) { c.Subnet.Ks = flags.Subnet.Ks },
		"expand":        func(c *utils.Config) { c.Subnet.Expand = flags.Subnet.Expand },
		"depth":         func(c *utils.Config) { c.Subnet.Depth = flags.Subnet.Depth },
		"seed":          func(c *utils.Config) { c.Subnet.Seed = flags.Subnet.Seed },
		"n-classes":     func(c *utils.Config) { c.Network.NClasses = flags.Network.NClasses },
		"log-file":      func(c *utils.Config) { c.Logging.File = flags.Logging.File },
		"verbose":       func(c *utils.Config) { c.Logging.Verbose = flags.Logging.Verbose },
		"results-json":  func(c *utils.Config) { c.Results.JSON = flags.Results.JSON },
		"results-mongo": func(c *utils.Config) { c.Results.MongoURI = flags.Results.MongoURI },
		"random-subnet": func(c *utils.Config) {
			if randomSubnet {
				c.Subnet.Mode = utils.SubnetRandom
			} else {
				c.Subnet.Mode = utils.SubnetExplicit
			}
		},
	}

	cmd := &cobra.Command{
		Use:   "eval_ofa_net",
		Short: "Evaluate an OFA MobileNetV3 sub-network",
		Long: "Load an OFA MobileNetV3 super-network checkpoint, extract one sub-network,\n" +
			"recalibrate its batch-norm statistics and report loss, top-1 and top-5 accuracy.",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := utils.DefaultConfig()
			if configPath != "" {
				if err := utils.LoadConfigFile(configPath, cfg); err != nil {
					return err
				}
			}
			for name, set := range apply {
				if cmd.Flags().Changed(name) {
					set(cfg)
				}
			}
			return evaluate(cmd.Context(), cfg, d)
		},
	}
	cmd.SetOut(d.stdout)
	cmd.SetErr(d.stderr)

	f := cmd.Flags()
	f.StringVarP(&flags.DataPath, "path", "p", flags.DataPath, "The path of Practical DL")
	f.StringVarP(&flags.GPU, "gpu", "g", flags.GPU, "The gpu(s) to use")
	f.IntVarP(&flags.BatchSize, "batch-size", "b", flags.BatchSize, "The batch on every device for validation")
	f.IntVarP(&flags.Workers, "workers", "j", flags.Workers, "Number of workers")
	f.StringVarP(&flags.Weight, "weight", "w", "", "weight path")
	f.IntVarP(&flags.ImgSize, "img_size", "s", flags.ImgSize, "Input image size")
	f.StringVar(&flags.SaveWeight, "save_weight", "", "Path where the ONNX export should be saved")

	f.StringVar(&configPath, "config", "", "YAML configuration overlay")
	f.IntVar(&flags.Subnet.Ks, "ks", flags.Subnet.Ks, "Kernel size of every block")
	f.IntVar(&flags.Subnet.Expand, "expand", flags.Subnet.Expand, "Expand ratio of every block")
	f.IntVar(&flags.Subnet.Depth, "depth", flags.Subnet.Depth, "Depth of every stage")
	f.BoolVar(&randomSubnet, "random-subnet", false, "Sample the sub-network uniformly at random")
	f.Int64Var(&flags.Subnet.Seed, "seed", 0, "Seed for sampling and the calibration subset (0 = default)")
	f.IntVar(&flags.Network.NClasses, "n-classes", flags.Network.NClasses, "Classifier width of the super-network")
	f.StringVar(&flags.Logging.File, "log-file", "", "Rotating log file pattern, stderr when empty")
	f.BoolVar(&flags.Logging.Verbose, "verbose", false, "Debug logging and timing statistics")
	f.StringVar(&flags.Results.JSON, "results-json", "", "Write the evaluation record as JSON")
	f.StringVar(&flags.Results.MongoURI, "results-mongo", "", "MongoDB URI to insert the evaluation record")
	_ = cmd.MarkFlagRequired("weight")
	return cmd
}

func evaluate(ctx context.Context, cfg *utils.Config, d deps) error {
	if err := utils.ValidateConfig(cfg); err != nil {
		return err
	}
	logger, closer, err := utils.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()
	if cfg.Logging.File == "" {
		logger.SetOutput(d.stderr)
	}
	utils.Verbose = cfg.Logging.Verbose
	utils.Output = d.stderr

	var stats utils.TimingStats
	start := time.Now()

	devices, err := utils.ResolveDevices(ctx, cfg.GPU, d.devices)
	if err != nil {
		return err
	}
	visible, err := d.publish(utils.VisibleDevices(devices))
	if err != nil {
		return fmt.Errorf("publishing %s: %w", utils.VisibleDevicesEnv, err)
	}
	batchSize := utils.EffectiveBatchSize(cfg.BatchSize, devices)
	logger.WithFields(logrus.Fields{
		"devices":    visible,
		"batch_size": batchSize,
	}).Info("devices resolved")

	super, err := elastic.New(cfg.Network)
	if err != nil {
		return err
	}
	err = utils.Measure(&stats.LoadTime, func() error {
		sd, err := utils.LoadStateDict(cfg.Weight)
		if err != nil {
			return err
		}
		return super.LoadStateDict(sd)
	})
	if err != nil {
		return fmt.Errorf("loading %s: %w", cfg.Weight, err)
	}
	logger.WithField("weight", cfg.Weight).Info("super-network loaded")

	sel := elastic.Uniform(cfg.Subnet.Ks, cfg.Subnet.Expand, cfg.Subnet.Depth)
	if cfg.Subnet.Mode == utils.SubnetRandom {
		sel = super.SampleActiveSubnet(rand.New(rand.NewSource(cfg.Seed())))
	} else if err := super.SetActiveSubnet(sel); err != nil {
		return err
	}
	var subnet *networks.MobileNetV3
	err = utils.Measure(&stats.ExtractTime, func() error {
		subnet, err = super.GetActiveSubnet()
		return err
	})
	if err != nil {
		return fmt.Errorf("extracting sub-network: %w", err)
	}
	logger.WithField("selection", sel.String()).Info("sub-network extracted")

	provider, err := d.provider(cfg, batchSize, logger)
	if err != nil {
		return err
	}
	rm, err := run.NewRunManager(run.Config{
		TestBatchSize:   batchSize,
		NWorker:         cfg.Workers,
		Devices:         devices,
		CalibSubsetSize: cfg.Calibration.SubsetSize,
		CalibBatchSize:  cfg.Calibration.BatchSize,
		Seed:            cfg.Seed(),
	}, provider, logger)
	if err != nil {
		return err
	}
	if err := provider.AssignActiveImgSize(cfg.ImgSize); err != nil {
		return err
	}
	err = utils.Measure(&stats.CalibrationTime, func() error {
		return rm.ResetRunningStatistics(ctx, subnet)
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(d.stdout, "Test random subnet:")
	fmt.Fprintln(d.stdout, subnet.ModuleStr())

	var res run.Result
	err = utils.Measure(&stats.ValidationTime, func() error {
		res, err = rm.Validate(ctx, subnet)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(d.stdout, res.String())

	if cfg.SaveWeight != "" {
		err = utils.Measure(&stats.ExportTime, func() error {
			return onnx.ExportFile(cfg.SaveWeight, subnet, cfg.ImgSize)
		})
		if err != nil {
			return fmt.Errorf("exporting %s: %w", cfg.SaveWeight, err)
		}
		logger.WithField("path", cfg.SaveWeight).Info("onnx model written")
	}

	rec := results.Record{
		Time:      time.Now().UTC(),
		Weight:    cfg.Weight,
		Selection: sel.String(),
		ModuleStr: subnet.ModuleStr(),
		ImgSize:   cfg.ImgSize,
		Devices:   devices,
		BatchSize: batchSize,
		Loss:      res.Loss,
		Top1:      res.Top1,
		Top5:      res.Top5,
		Samples:   res.Samples,
		Export:    cfg.SaveWeight,
	}
	sinks := append([]results.Sink(nil), d.sinks...)
	if cfg.Results.JSON != "" {
		sinks = append(sinks, results.JSONFile{Path: cfg.Results.JSON})
	}
	if cfg.Results.MongoURI != "" {
		m := &results.Mongo{URI: cfg.Results.MongoURI, DB: cfg.Results.MongoDB, Collection: cfg.Results.Collection}
		defer m.Close()
		sinks = append(sinks, m)
	}
	if err := results.WriteAll(rec, sinks...); err != nil {
		return err
	}

	stats.TotalTime = time.Since(start)
	utils.PrintTimingStats(&stats, res.Samples)
	return nil
}

func main() {
	if err := newRootCmd(defaultDeps()).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
