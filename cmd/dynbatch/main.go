// dynbatch runs a stream of variable length examples through the bucketing batcher and a looped
// nominal-epoch loader, and reports the resulting batch statistics: batch sizes, padding ratio and
// how the batches were emitted.
//
// The example lengths are read from a file (one per line, see -lengths) or sampled from a log-normal
// distribution. The batching configuration comes from -config (a YAML file) and can be overridden
// with -set, e.g.:
//
//	dynbatch -num_examples=100_000 -epochs=3 -set="target_batch_numel=32_000;max_batch_numel=48_000"
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/dynbatch/pkg/ml/checkpoints"
	"github.com/gomlx/dynbatch/pkg/ml/data"
	"github.com/gomlx/dynbatch/pkg/ml/datasets"
	"github.com/gomlx/dynbatch/pkg/ml/train"
	"github.com/gomlx/dynbatch/pkg/ml/train/metrics"
	"github.com/gomlx/dynbatch/ui/commandline"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig  = flag.String("config", "", "YAML file with the batching configuration. If empty, the defaults are used.")
	flagLengths = flag.String("lengths", "", "File with one example length per line. If empty, lengths are "+
		"sampled from a log-normal distribution, see -num_examples and -median_length.")
	flagNumExamples  = flag.Int("num_examples", 10_000, "Number of synthetic examples to generate.")
	flagMedianLength = flag.Int("median_length", 200, "Median length of the synthetic examples.")
	flagMaxLength    = flag.Int("max_length", 8192, "Maximum length of the synthetic examples.")
	flagSeed         = flag.Uint64("seed", 42, "Seed for the synthetic lengths.")
	flagTokens       = flag.Bool("tokens", false, "Materialize a \"tokens\" field for each example, "+
		"so batches are actually padded by the collator.")
	flagParallelism = flag.Int("parallelism", 0, "Number of goroutines materializing tokens. 0 for the number of cores.")

	flagEpochs    = flag.Int("epochs", 1, "Number of nominal epochs to run. Ignored if -steps is set.")
	flagSteps     = flag.Int("steps", 0, "Number of steps (batches) to run. If 0, -epochs is used.")
	flagStepDelay = flag.Duration("step_delay", 0, "Time to sleep in each step, to simulate a training step.")

	flagCheckpoint      = flag.String("checkpoint", "", "Directory where to save/restore the loader state. If empty, no checkpoints.")
	flagCheckpointEvery = flag.Int("checkpoint_every", 100, "Save a checkpoint every these many steps.")
	flagCheckpointKeep  = flag.Int("checkpoint_keep", 3, "Number of checkpoints to keep. -1 keeps all.")

	flagProgress = flag.Bool("progress", true, "Display a progress bar.")
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

func main() {
	klog.InitFlags(nil)
	config := datasets.DefaultConfig()
	settings := commandline.CreateSettingsFlag(&config, "set")
	flag.Parse()

	err := exceptions.TryCatch[error](func() { must.M(run(&config, *settings)) })
	if err != nil {
		klog.Errorf("Failed: %+v", err)
		klog.Flush()
		os.Exit(1)
	}
}

func run(config *datasets.Config, settings string) error {
	if *flagConfig != "" {
		loaded, err := datasets.LoadConfig(*flagConfig)
		if err != nil {
			return err
		}
		*config = loaded
	}
	paramsSet, err := commandline.ParseSettings(config, settings)
	if err != nil {
		return err
	}
	if len(paramsSet) > 0 {
		fmt.Printf("Settings changed:\n%s\n", commandline.SprintModifiedSettings(config, paramsSet))
	}
	if err = config.Validate(); err != nil {
		return err
	}
	if config.NominalEpochLength <= 0 {
		return errors.Errorf("nominal_epoch_length must be > 0 to run, got %d", config.NominalEpochLength)
	}

	// Source of examples.
	var lengths []int
	if *flagLengths != "" {
		lengths, err = readLengthsFile(*flagLengths)
		if err != nil {
			return err
		}
	} else {
		rng := rand.New(rand.NewPCG(*flagSeed, *flagSeed+1))
		lengths = syntheticLengths(rng, *flagNumExamples, *flagMedianLength, *flagMaxLength)
	}
	if len(lengths) == 0 {
		return errors.New("no examples to batch")
	}
	klog.V(1).Infof("%d examples, batching config:\n%s", len(lengths), config)
	var source data.Source = data.Repeat(data.NewSliceSource("lengths", lengthExamples(config.LengthKey, lengths)))
	if *flagTokens {
		source = data.CustomParallel(source, materializeTokens(config.LengthKey, 32_000)).
			Parallelism(*flagParallelism).Start()
	}

	// Batching pipeline.
	bucketed, err := datasets.NewBucketed(source, *config, nil).Start()
	if err != nil {
		return err
	}
	defer bucketed.Done()
	looped := must.M1(train.Looped(bucketed, config.NominalEpochLength))

	// Loop: it doesn't train anything, it only consumes the batches.
	loop := train.NewLoop(func(*train.Loop, *data.Batch) error {
		if *flagStepDelay > 0 {
			time.Sleep(*flagStepDelay)
		}
		return nil
	})
	stats := metrics.NewBatchStats()
	stats.Attach(loop)
	if *flagProgress {
		commandline.AttachProgressBar(loop, stats, func() (string, string) {
			return "Examples read", fmt.Sprintf("%d", bucketed.Stats().ExamplesRead)
		})
	}
	if *flagCheckpoint != "" {
		handler, err := checkpoints.Build(looped).Dir(*flagCheckpoint).Keep(*flagCheckpointKeep).Done()
		if err != nil {
			return err
		}
		if loaded := handler.Loaded(); loaded != nil {
			fmt.Printf("Restored %s from %s\n", loaded.State, handler.Dir())
		}
		train.EveryNSteps(loop, *flagCheckpointEvery, "checkpoint", 0, handler.OnStepFn)
		loop.OnEnd("checkpoint", 0, func(*train.Loop) error { return handler.Save() })
	}

	start := time.Now()
	if *flagSteps > 0 {
		err = loop.RunSteps(looped, *flagSteps)
	} else {
		err = loop.RunEpochs(looped, *flagEpochs)
	}
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	fmt.Println(titleStyle.Render("Batch statistics"))
	bucketedStats := bucketed.Stats()
	if err = commandline.ReportStats(os.Stdout, stats.Snapshot(), &bucketedStats); err != nil {
		return err
	}
	fmt.Printf("%s, %d epochs completed, elapsed %s\n", looped.State(), looped.Epoch(), commandline.FormatDuration(elapsed))
	return nil
}
