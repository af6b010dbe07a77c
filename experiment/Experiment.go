// Package experiment implements the training driver: the epoch loop
// over an offline dataset, periodic validation and environment
// rollouts, metric reduction, and checkpointing.
package experiment

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/gomimic/gomimic/algo"
	"github.com/gomimic/gomimic/config"
	"github.com/gomimic/gomimic/dataset"
	"github.com/gomimic/gomimic/environment"
	"github.com/gomimic/gomimic/experiment/checkpointer"
	"github.com/gomimic/gomimic/experiment/tracker"
	"github.com/gomimic/gomimic/utils/progressbar"
)

// Statuses a run can end with. Failed statuses additionally carry the
// failure reason appended after a colon.
const (
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
	StatusFailed      = "failed"
)

// Config holds the counts driving the training loop plus the identity
// of the algorithm being trained, which checkpoint snapshots embed.
type Config struct {
	AlgoName   string
	AlgoConfig *config.Config
	Spec       algo.Spec
	Seed       uint64

	Epochs        int
	StepsPerEpoch int

	// ValidSteps is the number of validation batches per epoch. Zero
	// disables validation.
	ValidSteps int

	// RolloutEvery is the epoch cadence of rollout evaluation. Zero
	// disables rollouts.
	RolloutEvery    int
	RolloutEpisodes int
	RolloutHorizon  int

	// Progress suppresses the terminal progress bars when false
	Progress bool
}

func (c *Config) setDefaults() {
	if c.RolloutEpisodes == 0 {
		c.RolloutEpisodes = 1
	}
	if c.RolloutHorizon == 0 {
		c.RolloutHorizon = 100
	}
}

// Experiment runs one training job. Only rank 0 performs rollouts,
// checkpointing and logging; other ranks participate in the metric
// reduction collectives only.
type Experiment struct {
	cfg   Config
	algo  algo.Algo
	train *dataset.Loader
	valid *dataset.Loader
	envs  []environment.Environment
	check *checkpointer.Checkpointer
	red   Reducer
	log   zerolog.Logger

	trackers []tracker.Tracker
}

// Register adds a tracker to the (possibly already running)
// experiment. Trackers receive every epoch's reduced scalars on rank
// 0 and are saved when the run ends, however it ends.
func (e *Experiment) Register(t tracker.Tracker) {
	e.trackers = append(e.trackers, t)
}

// New validates the configuration and assembles a training run. The
// valid loader, environments and checkpointer may each be nil/empty
// to disable the corresponding phase; a nil reducer means single
// process.
func New(cfg Config, a algo.Algo, train, valid *dataset.Loader,
	envs []environment.Environment, check *checkpointer.Checkpointer,
	red Reducer, log zerolog.Logger) (*Experiment, error) {

	if a == nil {
		return nil, fmt.Errorf("newExperiment: no algorithm")
	}
	if train == nil {
		return nil, fmt.Errorf("newExperiment: no training data")
	}
	if cfg.Epochs <= 0 || cfg.StepsPerEpoch <= 0 {
		return nil, fmt.Errorf("newExperiment: need positive epochs "+
			"and steps per epoch, got %v and %v", cfg.Epochs,
			cfg.StepsPerEpoch)
	}
	if cfg.ValidSteps > 0 && valid == nil {
		return nil, fmt.Errorf("newExperiment: validation requested " +
			"without validation data")
	}
	if cfg.RolloutEvery > 0 && len(envs) == 0 {
		return nil, fmt.Errorf("newExperiment: rollouts requested " +
			"without environments")
	}
	if red == nil {
		red = SingleProcess{}
	}
	cfg.setDefaults()
	return &Experiment{
		cfg:   cfg,
		algo:  a,
		train: train,
		valid: valid,
		envs:  envs,
		check: check,
		red:   red,
		log:   log,
	}, nil
}

// Run executes the full training loop and returns a final status
// string. Cancelling the context is checked at batch and epoch
// boundaries and triggers a best-effort checkpoint save before
// returning; a save already in flight when the process dies can leave
// a partial file, which restoring tolerates by re-reading "latest".
func (e *Experiment) Run(ctx context.Context) (string, error) {
	start := time.Now()
	for epoch := 1; epoch <= e.cfg.Epochs; epoch++ {
		trainLog, err := e.trainEpoch(ctx, epoch)
		if err != nil {
			return e.finish(ctx, epoch, err)
		}

		m := checkpointer.Metrics{Epoch: epoch}
		if e.cfg.ValidSteps > 0 {
			validLoss, err := e.validEpoch(ctx, epoch)
			if err != nil {
				return e.finish(ctx, epoch, err)
			}
			m.ValidLoss = &validLoss
		}

		if e.rolloutEpoch(epoch) {
			ret, success := e.rollouts(epoch)
			m.Return = &ret
			m.SuccessRate = &success
		}

		e.algo.OnEpochEnd(epoch)

		if e.rank0() && e.check != nil {
			written, err := e.checkpoint(epoch, m)
			if err != nil {
				return e.finish(ctx, epoch, err)
			}
			for _, path := range written {
				e.log.Info().Int("epoch", epoch).Str("path", path).
					Msg("wrote checkpoint")
			}
		}

		if e.rank0() {
			scalars := make(map[string]float64, len(trainLog)+3)
			for name, v := range trainLog {
				scalars["train/"+name] = v
			}
			if m.ValidLoss != nil {
				scalars["valid/"+algo.ActionLoss] = *m.ValidLoss
			}
			if m.Return != nil {
				scalars["rollout/return"] = *m.Return
				scalars["rollout/success_rate"] = *m.SuccessRate
			}
			e.track(epoch, scalars)

			ev := e.log.Info().Int("epoch", epoch).
				Dur("elapsed", time.Since(start))
			for name, v := range scalars {
				ev = ev.Float64(name, v)
			}
			ev.Msg("epoch done")
		}

		if ctx.Err() != nil {
			return e.finish(ctx, epoch, ctx.Err())
		}
	}
	e.save()
	return StatusCompleted, nil
}

// track forwards one epoch's reduced scalars to every tracker
func (e *Experiment) track(epoch int, scalars map[string]float64) {
	for _, t := range e.trackers {
		t.Track(epoch, scalars)
	}
}

// save flushes every tracker to disk
func (e *Experiment) save() {
	for _, t := range e.trackers {
		if err := t.Save(); err != nil {
			e.log.Error().Err(err).Msg("could not save tracked data")
		}
	}
}

// finish maps a loop error to a final status, saving a best-effort
// checkpoint first. The status string always reaches the caller so
// the reason a long run ended is never lost.
func (e *Experiment) finish(ctx context.Context, epoch int,
	cause error) (string, error) {

	if e.rank0() && e.check != nil {
		if state, err := e.snapshot(epoch); err == nil {
			if err := checkpointer.Write(e.check.Latest(),
				state); err != nil {
				e.log.Error().Err(err).Msg("best-effort save failed")
			}
		}
	}
	e.save()
	if ctx.Err() != nil {
		e.log.Warn().Int("epoch", epoch).Msg("run interrupted")
		return StatusInterrupted, nil
	}
	e.log.Error().Err(cause).Int("epoch", epoch).Msg("run failed")
	return fmt.Sprintf("%v: %v", StatusFailed, cause), cause
}

func (e *Experiment) rank0() bool { return e.red.Rank() == 0 }

func (e *Experiment) rolloutEpoch(epoch int) bool {
	return e.rank0() && e.cfg.RolloutEvery > 0 &&
		epoch%e.cfg.RolloutEvery == 0
}

// trainEpoch runs StepsPerEpoch gradient steps and returns the
// reduced per-scalar means of everything the algorithm logged.
func (e *Experiment) trainEpoch(ctx context.Context,
	epoch int) (map[string]float64, error) {

	e.algo.Train()

	var bar *progressbar.Bar
	if e.cfg.Progress && e.rank0() {
		bar = progressbar.New(os.Stderr,
			fmt.Sprintf("epoch %v/%v train", epoch, e.cfg.Epochs), 40,
			e.cfg.StepsPerEpoch)
		bar.Display()
		defer bar.Close()
	}

	sums := make(map[string]float64)
	steps := 0
	for batch := range e.train.Batches(ctx, e.cfg.StepsPerEpoch) {
		processed, err := e.algo.ProcessBatch(batch)
		if err != nil {
			return nil, fmt.Errorf("trainEpoch: %w", err)
		}
		info, err := e.algo.TrainOnBatch(processed, epoch, false)
		if err != nil {
			return nil, fmt.Errorf("trainEpoch: %w", err)
		}
		for name, v := range e.algo.LogInfo(info) {
			sums[name] += v
		}
		steps++
		if bar != nil {
			bar.Increment()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if steps == 0 {
		return nil, fmt.Errorf("trainEpoch: no batches produced")
	}

	out := make(map[string]float64, len(sums))
	for name, sum := range sums {
		reduced, err := e.red.Reduce(name, sum/float64(steps))
		if err != nil {
			return nil, fmt.Errorf("trainEpoch: %w", err)
		}
		out[name] = reduced
	}
	return out, nil
}

// validEpoch runs ValidSteps batches in validate mode and returns the
// reduced mean action loss.
func (e *Experiment) validEpoch(ctx context.Context,
	epoch int) (float64, error) {

	sum := 0.0
	steps := 0
	for batch := range e.valid.Batches(ctx, e.cfg.ValidSteps) {
		processed, err := e.algo.ProcessBatch(batch)
		if err != nil {
			return 0, fmt.Errorf("validEpoch: %w", err)
		}
		info, err := e.algo.TrainOnBatch(processed, epoch, true)
		if err != nil {
			return 0, fmt.Errorf("validEpoch: %w", err)
		}
		sum += info.Losses[algo.ActionLoss]
		steps++
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if steps == 0 {
		return 0, fmt.Errorf("validEpoch: no batches produced")
	}
	return e.red.Reduce(algo.ActionLoss, sum/float64(steps))
}

type rolloutResult struct {
	env     int
	ret     float64
	steps   int
	success bool
	err     error
}

// rollouts evaluates the current policy on every environment and
// returns the mean return and success rate over the episodes that
// completed. Episodes run one at a time: the policy's rollout state
// (hidden state, action caches) belongs to a single episode, so
// environments cannot be interleaved. Each episode still runs in its
// own goroutine so a panicking simulation is caught and logged
// instead of killing the run.
func (e *Experiment) rollouts(epoch int) (float64, float64) {
	policy := algo.NewRolloutPolicy(e.algo)

	var bar *progressbar.Bar
	if e.cfg.Progress {
		bar = progressbar.New(os.Stderr,
			fmt.Sprintf("epoch %v rollouts", epoch), 40,
			len(e.envs)*e.cfg.RolloutEpisodes)
		bar.Display()
		defer bar.Close()
	}

	var retSum, successSum float64
	completed := 0
	for i, env := range e.envs {
		for ep := 0; ep < e.cfg.RolloutEpisodes; ep++ {
			res := e.runEpisode(i, env, policy)
			if bar != nil {
				bar.Increment()
			}
			if res.err != nil {
				e.log.Error().Err(res.err).Int("env", res.env).
					Int("epoch", epoch).Msg("rollout episode failed")
				continue
			}
			retSum += res.ret
			if res.success {
				successSum++
			}
			completed++
		}
	}
	if completed == 0 {
		return 0, 0
	}
	return retSum / float64(completed), successSum / float64(completed)
}

// runEpisode runs one episode inside its own goroutine, recovering
// any panic from the policy or the native simulation into an error
// with the full stack in the log.
func (e *Experiment) runEpisode(idx int, env environment.Environment,
	policy *algo.RolloutPolicy) rolloutResult {

	out := make(chan rolloutResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error().Int("env", idx).
					Str("stack", string(debug.Stack())).
					Msgf("rollout panicked: %v", r)
				out <- rolloutResult{env: idx,
					err: fmt.Errorf("rollout panicked: %v", r)}
			}
		}()
		out <- e.episode(idx, env, policy)
	}()
	return <-out
}

func (e *Experiment) episode(idx int, env environment.Environment,
	policy *algo.RolloutPolicy) rolloutResult {

	res := rolloutResult{env: idx}
	policy.Reset()
	obsDict, err := env.Reset()
	if err != nil {
		res.err = fmt.Errorf("episode: %w", err)
		return res
	}
	for step := 0; step < e.cfg.RolloutHorizon; step++ {
		action, err := policy.GetAction(obsDict, nil)
		if err != nil {
			res.err = fmt.Errorf("episode: %w", err)
			return res
		}
		t, err := env.Step(action)
		if err != nil {
			res.err = fmt.Errorf("episode: %w", err)
			return res
		}
		res.ret += t.Reward
		res.steps++
		obsDict = t.Observation
		if t.Last() {
			break
		}
	}
	res.success = taskSuccess(env.IsSuccess())
	return res
}

// taskSuccess prefers the single-environment "task" criterion and
// otherwise accepts success on any active split.
func taskSuccess(criteria map[string]*bool) bool {
	if v, ok := criteria["task"]; ok {
		return v != nil && *v
	}
	for _, v := range criteria {
		if v != nil && *v {
			return true
		}
	}
	return false
}

func (e *Experiment) snapshot(epoch int) (*checkpointer.State, error) {
	return checkpointer.Snapshot(e.cfg.AlgoName, e.cfg.AlgoConfig,
		e.cfg.Spec, e.cfg.Seed, epoch, e.algo, e.normStats())
}

// normStats collects observation normalization statistics from every
// environment that exposes them, such as the NormObs wrapper, so
// checkpoints carry the scaling a resumed run must reapply.
func (e *Experiment) normStats() map[string][]float64 {
	var out map[string][]float64
	for _, env := range e.envs {
		p, ok := env.(interface{ Stats() map[string][]float64 })
		if !ok {
			continue
		}
		for key, v := range p.Stats() {
			if out == nil {
				out = make(map[string][]float64)
			}
			out[key] = v
		}
	}
	return out
}

func (e *Experiment) checkpoint(epoch int,
	m checkpointer.Metrics) ([]string, error) {

	state, err := e.snapshot(epoch)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	return e.check.Save(state, m)
}
