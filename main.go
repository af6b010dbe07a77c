package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"gonum.org/v1/gonum/spatial/r1"

	"github.com/gomimic/gomimic/algo"
	_ "github.com/gomimic/gomimic/algo/bc"
	"github.com/gomimic/gomimic/config"
	"github.com/gomimic/gomimic/dataset"
	"github.com/gomimic/gomimic/environment"
	"github.com/gomimic/gomimic/environment/envconfig"
	"github.com/gomimic/gomimic/environment/wrappers"
	"github.com/gomimic/gomimic/experiment"
	"github.com/gomimic/gomimic/experiment/checkpointer"
	"github.com/gomimic/gomimic/experiment/tracker"
)

// knownDatasets maps dataset names to their download URLs, used as a
// fallback when the --dataset argument names a dataset instead of
// pointing at an existing file.
var knownDatasets = map[string]string{
	"mp_arm_small": "https://gomimic-datasets.s3.amazonaws.com/mp_arm_small.db",
	"mp_arm":       "https://gomimic-datasets.s3.amazonaws.com/mp_arm.db",
}

func main() {
	logger := zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
	).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "gomimic",
		Usage: "imitation learning on offline demonstration datasets",
		Commands: []*cli.Command{
			trainCli(logger),
		},
	}
	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Fatal().Err(err).Msg("gomimic failed")
	}
}

func trainCli(logger zerolog.Logger) *cli.Command {
	var (
		configPath  string
		algoName    string
		datasetPath string
		resumePath  string
		outDir      string
		debugMode   bool
		parallel    bool
		procs       int64
	)

	action := func(ctx context.Context, _ *cli.Command) error {
		if debugMode {
			logger = logger.Level(zerolog.DebugLevel)
		} else {
			logger = logger.Level(zerolog.InfoLevel)
		}

		conf, err := loadConfig(configPath, algoName)
		if err != nil {
			return err
		}
		conf.Lock()

		runDir, err := makeRunDir(outDir)
		if err != nil {
			return err
		}
		logger.Info().Str("dir", runDir).Msg("starting run")

		status, err := train(ctx, trainArgs{
			conf:     conf,
			dataset:  datasetPath,
			resume:   resumePath,
			runDir:   runDir,
			debug:    debugMode,
			parallel: parallel,
			procs:    int(procs),
		}, logger)
		if status != "" {
			logger.Info().Str("status", status).Msg("run finished")
		}
		return err
	}

	return &cli.Command{
		Name:   "train",
		Usage:  "train an algorithm on an offline dataset",
		Action: action,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "path to the run configuration file",
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "algo",
				Usage:       "algorithm name to run with default settings",
				Destination: &algoName,
			},
			&cli.StringFlag{
				Name:        "dataset",
				Usage:       "dataset file path, or a known dataset name",
				Destination: &datasetPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "resume",
				Usage:       "checkpoint file to restore before training",
				Destination: &resumePath,
			},
			&cli.StringFlag{
				Name:        "out",
				Usage:       "directory runs are created under",
				Value:       "runs",
				Destination: &outDir,
			},
			&cli.BoolFlag{
				Name:        "debug",
				Usage:       "shrink epoch/step/rollout counts for smoke tests",
				Destination: &debugMode,
			},
			&cli.BoolFlag{
				Name:        "parallel",
				Usage:       "enable data-parallel training",
				Destination: &parallel,
			},
			&cli.IntFlag{
				Name:        "procs",
				Usage:       "data-parallel process count",
				Value:       1,
				Destination: &procs,
			},
		},
	}
}

type trainArgs struct {
	conf     *config.Config
	dataset  string
	resume   string
	runDir   string
	debug    bool
	parallel bool
	procs    int
}

func train(ctx context.Context, args trainArgs,
	logger zerolog.Logger) (string, error) {

	if args.parallel || args.procs > 1 {
		// Multi-rank wiring replaces the reducer; nothing else in the
		// loop changes.
		logger.Warn().Msg("data-parallel launch not wired in this " +
			"binary, continuing single-process")
	}

	name, err := args.conf.StringOr("algo_name", "bc")
	if err != nil {
		return "", err
	}
	algoConf := config.New()
	if args.conf.HasSection("algo") {
		if algoConf, err = args.conf.Section("algo"); err != nil {
			return "", err
		}
	}
	seed, err := args.conf.IntOr("train.seed", 0)
	if err != nil {
		return "", err
	}

	store, err := openDataset(args.dataset, logger)
	if err != nil {
		return "", err
	}
	defer store.Close()

	seqLength, err := args.conf.IntOr("train.seq_length", 10)
	if err != nil {
		return "", err
	}
	batchSize, err := args.conf.IntOr("train.batch_size", 16)
	if err != nil {
		return "", err
	}
	workers, err := args.conf.IntOr("train.num_workers", 0)
	if err != nil {
		return "", err
	}
	train, err := dataset.NewLoader(store, seqLength, batchSize,
		workers, uint64(seed))
	if err != nil {
		return "", err
	}
	defer train.Close()
	valid, err := dataset.NewLoader(store, seqLength, batchSize,
		workers, uint64(seed)+1)
	if err != nil {
		return "", err
	}
	defer valid.Close()

	spec := algo.Spec{
		ObsShapes: train.Shapes(),
		ActionDim: train.ActionDim(),
	}
	a, bounds, err := buildAlgo(name, algoConf, spec, uint64(seed),
		args.resume)
	if err != nil {
		return "", err
	}

	envs, err := buildEnvs(args.conf, store, uint64(seed), logger)
	if err != nil {
		return "", err
	}
	// a resumed checkpoint reapplies its observation scaling
	if len(bounds) > 0 {
		for i, env := range envs {
			wrapped, err := wrappers.NewNormObs(env, bounds)
			if err != nil {
				return "", err
			}
			envs[i] = wrapped
		}
	}

	check, err := checkpointer.New(checkpointer.Config{
		Dir:          filepath.Join(args.runDir, "checkpoints"),
		EverySeconds: 600,
		BestValid:    true,
	})
	if err != nil {
		return "", err
	}

	expCfg, err := experimentConfig(args.conf, name, algoConf, spec,
		uint64(seed), len(envs) > 0)
	if err != nil {
		return "", err
	}
	if args.debug {
		expCfg.Epochs = 2
		expCfg.StepsPerEpoch = 5
		expCfg.ValidSteps = 2
		expCfg.RolloutEpisodes = 1
	}
	expCfg.Progress = true

	exp, err := experiment.New(expCfg, a, train, valid, envs, check,
		nil, logger)
	if err != nil {
		return "", err
	}
	exp.Register(tracker.NewScalars(
		filepath.Join(args.runDir, "scalars.gob")))

	return exp.Run(ctx)
}

func experimentConfig(conf *config.Config, name string,
	algoConf *config.Config, spec algo.Spec, seed uint64,
	haveEnvs bool) (experiment.Config, error) {

	cfg := experiment.Config{
		AlgoName:   name,
		AlgoConfig: algoConf,
		Spec:       spec,
		Seed:       seed,
	}
	var err error
	if cfg.Epochs, err = conf.IntOr("train.epochs", 50); err != nil {
		return cfg, err
	}
	if cfg.StepsPerEpoch, err = conf.IntOr("train.steps_per_epoch",
		100); err != nil {
		return cfg, err
	}
	if cfg.ValidSteps, err = conf.IntOr("train.valid_steps",
		10); err != nil {
		return cfg, err
	}
	rolloutEvery := 0
	if haveEnvs {
		rolloutEvery = 10
	}
	if cfg.RolloutEvery, err = conf.IntOr("train.rollout_every",
		rolloutEvery); err != nil {
		return cfg, err
	}
	if cfg.RolloutEpisodes, err = conf.IntOr("train.rollout_episodes",
		5); err != nil {
		return cfg, err
	}
	if cfg.RolloutHorizon, err = conf.IntOr("train.rollout_horizon",
		100); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// buildAlgo constructs the algorithm, either fresh from configuration
// or from a checkpoint when resuming. Resuming also returns the
// observation normalization bounds the checkpoint recorded.
func buildAlgo(name string, conf *config.Config, spec algo.Spec,
	seed uint64, resume string) (algo.Algo, map[string]r1.Interval,
	error) {

	if resume == "" {
		a, err := algo.Create(name, conf, spec, seed)
		return a, nil, err
	}
	state, err := checkpointer.Read(resume)
	if err != nil {
		return nil, nil, fmt.Errorf("resume: %w", err)
	}
	a, err := state.Restore()
	if err != nil {
		return nil, nil, err
	}
	bounds, err := state.NormBounds()
	if err != nil {
		return nil, nil, fmt.Errorf("resume: %w", err)
	}
	return a, bounds, nil
}

// buildEnvs expands the optional env configuration section into one
// rollout environment per split. No section means no rollouts.
func buildEnvs(conf *config.Config, store dataset.Store, seed uint64,
	logger zerolog.Logger) ([]environment.Environment, error) {

	if !conf.HasSection("env") {
		return nil, nil
	}
	name, err := conf.StringOr("env.name", "arm")
	if err != nil {
		return nil, err
	}
	dof, err := conf.IntOr("env.dof", 7)
	if err != nil {
		return nil, err
	}
	steps, err := conf.IntOr("env.episode_steps", 100)
	if err != nil {
		return nil, err
	}
	envCfg, err := envconfig.NewConfig(envconfig.MotionPlan, name,
		[]string{"train", "valid"}, dof, steps, seed)
	if err != nil {
		return nil, err
	}
	return envCfg.Create(store, logger)
}

// loadConfig reads the run configuration from a file, or builds a
// minimal default-settings document when only an algorithm name was
// given.
func loadConfig(path, algoName string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	if algoName == "" {
		return nil, fmt.Errorf("need either --config or --algo")
	}
	doc := fmt.Sprintf(`{"algo_name": %q, "algo": {}}`, algoName)
	return config.FromJSON([]byte(doc))
}

// openDataset opens the dataset at path, downloading it first when
// path names a known dataset rather than an existing file.
func openDataset(path string, logger zerolog.Logger) (dataset.Store,
	error) {

	if _, err := os.Stat(path); err == nil {
		return dataset.OpenBolt(path)
	}
	url, ok := knownDatasets[path]
	if !ok {
		return nil, fmt.Errorf("openDataset: %v is neither a file nor "+
			"a known dataset name", path)
	}
	local := filepath.Join("datasets", path+".db")
	if _, err := os.Stat(local); os.IsNotExist(err) {
		logger.Info().Str("url", url).Msg("downloading dataset")
		if err := download(url, local); err != nil {
			return nil, fmt.Errorf("openDataset: %w", err)
		}
	}
	return dataset.OpenBolt(local)
}

func download(url, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: %v returned %v", url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "download-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// makeRunDir creates a fresh uniquely named directory for this run's
// checkpoints and tracked data.
func makeRunDir(out string) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(out,
		time.Now().Format("2006-01-02")+"-"+id.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
