package bc

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/algo"
	"github.com/gomimic/gomimic/network"
	"github.com/gomimic/gomimic/obs"
	"github.com/gomimic/gomimic/utils/tensorutils"
)

// sampler is the variant's inference-time state machine. getAction
// maps flat rollout observations of shape [B, D] to actions of shape
// [B, A].
type sampler interface {
	reset()
	getAction(obsDict, goalDict obs.Dict) (*tensor.Dense, error)
}

// postFn optionally rewrites sampled actions from the observation
// they were sampled for, e.g. delta-action reconstruction.
type postFn func(obsDict obs.Dict, actions *tensor.Dense) *tensor.Dense

// deltaPost reconstructs absolute actions from predicted deltas,
// clamped to the normalized action range.
func deltaPost(jointKey string) postFn {
	return func(obsDict obs.Dict, actions *tensor.Dense) *tensor.Dense {
		joints, ok := obsDict[jointKey]
		if !ok {
			panic(fmt.Sprintf("deltaPost: observation has no joint "+
				"key %q", jointKey))
		}
		out, _ := clampedSum(joints, actions)
		return out
	}
}

// statelessSampler runs one forward pass per call. With addTime set
// it wraps the observation in a length-one sequence and takes the
// final step, for sequence networks used without history.
type statelessSampler struct {
	fwd     *forwarder
	addTime bool
	src     rand.Source
	post    postFn
}

func (s *statelessSampler) reset() {}

func (s *statelessSampler) getAction(obsDict, goalDict obs.Dict) (
	*tensor.Dense, error) {

	batch := &algo.Batch{Obs: obsDict, Goal: goalDict}
	if s.addTime {
		batch = &algo.Batch{
			Obs:  obsDict.AddTimeAxis(),
			Goal: goalDict,
			// a placeholder action axis so sequence helpers can read
			// the step count
			Actions: tensorutils.Zeros(obsDict.BatchSize(), 1, 1),
		}
	}

	res, err := s.fwd.run(batch)
	if err != nil {
		return nil, fmt.Errorf("getAction: %w", err)
	}

	var actions *tensor.Dense
	switch r := res.(type) {
	case *pointResult:
		actions = r.actions
		if s.addTime {
			actions = tensorutils.TimeSlice(actions, 0)
		}
	case *gaussianResult:
		actions = r.dist.Sample(s.src)
	case *gmmResult:
		dist := r.dist
		if s.addTime {
			dist = dist.FinalStep()
		}
		actions = dist.Sample(s.src)
	default:
		return nil, fmt.Errorf("getAction: no sampling rule for %T", res)
	}

	if s.post != nil {
		actions = s.post(obsDict, actions)
	}
	return actions, nil
}

// vaeSampler decodes actions from a prior latent sample
type vaeSampler struct {
	net *network.VAENetwork
	rng *rand.Rand
}

func (s *vaeSampler) reset() {}

func (s *vaeSampler) getAction(obsDict, goalDict obs.Dict) (*tensor.Dense,
	error) {

	in := &network.Input{Obs: obsDict, Goal: goalDict}
	return s.net.Decode(in, s.rng), nil
}

// stepFn advances a recurrent network one rollout step
type stepFn func(in *network.Input, state *network.RNNState) (*tensor.Dense,
	*network.RNNState)

// recurrentSampler carries hidden state across calls, reinitializing
// it when null or when the call counter wraps the configured horizon.
// In open-loop mode the observation seen at reinitialization is
// frozen and reused until the next reinitialization.
type recurrentSampler struct {
	horizon  int
	openLoop bool
	init     func(batch int) *network.RNNState
	step     stepFn
	post     postFn

	counter int
	state   *network.RNNState
	frozen  obs.Dict
}

func (s *recurrentSampler) reset() {
	s.state = nil
	s.frozen = nil
	s.counter = 0
}

func (s *recurrentSampler) getAction(obsDict, goalDict obs.Dict) (
	*tensor.Dense, error) {

	if s.state == nil || s.counter%s.horizon == 0 {
		s.state = s.init(obsDict.BatchSize())
		s.counter = 0
		if s.openLoop {
			s.frozen = obsDict.Clone()
		}
	}

	o := obsDict
	if s.openLoop {
		o = s.frozen
	}

	actions, next := s.step(&network.Input{Obs: o, Goal: goalDict}, s.state)
	s.state = next
	s.counter++

	if s.post != nil {
		actions = s.post(obsDict, actions)
	}
	return actions, nil
}

// chunkPredict runs a chunking network on an observation repeated
// across a window with the given action history, returning the
// final-step action of shape [1, A].
type chunkPredict func(obsDict, goalDict obs.Dict,
	history []float64, actionDim int) *tensor.Dense

// chunkSampler implements action-chunking inference: when its cache
// is empty it runs a burst of forward passes feeding predicted
// actions back in as history, caches the resulting action sequence
// and then drains it one action per call. Rollout batch size must
// be 1.
type chunkSampler struct {
	openLoopSteps int
	actionDim     int
	predict       chunkPredict

	cache [][]float64
}

func (s *chunkSampler) reset() { s.cache = nil }

func (s *chunkSampler) getAction(obsDict, goalDict obs.Dict) (*tensor.Dense,
	error) {

	if obsDict.BatchSize() != 1 {
		panic(fmt.Sprintf("getAction: action chunking only supports "+
			"rollout batch size 1, got %v", obsDict.BatchSize()))
	}

	if len(s.cache) == 0 {
		s.fill(obsDict, goalDict)
	}

	action := s.cache[0]
	s.cache = s.cache[1:]
	return tensorutils.New([]int{1, s.actionDim}, action), nil
}

func (s *chunkSampler) fill(obsDict, goalDict obs.Dict) {
	history := make([]float64, 0, s.openLoopSteps*s.actionDim)
	for i := 0; i < s.openLoopSteps; i++ {
		next := s.predict(obsDict, goalDict, history, s.actionDim)
		history = append(history, tensorutils.Data(next)...)
	}

	s.cache = make([][]float64, s.openLoopSteps)
	for i := range s.cache {
		s.cache[i] = history[i*s.actionDim : (i+1)*s.actionDim]
	}
}
