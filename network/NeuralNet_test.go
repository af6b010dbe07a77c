package network

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/gomimic/gomimic/initwfn"
	"github.com/gomimic/gomimic/losses"
	"github.com/gomimic/gomimic/obs"
	"github.com/gomimic/gomimic/utils/tensorutils"
)

func testShapes() obs.Shapes {
	return obs.Shapes{"eef_pos": []int{3}, "joints": []int{4}}
}

func testInput(batch int, rng *rand.Rand) *Input {
	d := make(obs.Dict)
	for key, shape := range testShapes() {
		data := make([]float64, batch*shape[0])
		for i := range data {
			data[i] = rng.NormFloat64()
		}
		d[key] = tensorutils.New([]int{batch, shape[0]}, data)
	}
	return &Input{Obs: d}
}

func testSeqInput(batch, steps int, rng *rand.Rand) *Input {
	d := make(obs.Dict)
	for key, shape := range testShapes() {
		data := make([]float64, batch*steps*shape[0])
		for i := range data {
			data[i] = rng.NormFloat64()
		}
		d[key] = tensorutils.New([]int{batch, steps, shape[0]}, data)
	}
	return &Input{Obs: d}
}

func testInit(t *testing.T) *initwfn.InitWFn {
	init, err := initwfn.NewGlorotU(1.0)
	require.NoError(t, err)
	return init
}

func TestActorNetworkForwardShape(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	net := NewActorNetwork(testShapes(), nil, 2, []int{8, 8}, ReLU(),
		testInit(t), rng)

	out := net.Forward(testInput(5, rng))
	assert.Equal(t, []int{5, 2}, []int(out.Shape()))
}

// TestActorNetworkGradients checks the analytic gradients of a small
// MLP actor against central finite differences of an L2 loss.
func TestActorNetworkGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	net := NewActorNetwork(testShapes(), nil, 2, []int{6}, TanH(),
		testInit(t), rng)
	in := testInput(3, rng)

	target := make([]float64, 3*2)
	for i := range target {
		target[i] = rng.NormFloat64()
	}
	targetT := tensorutils.New([]int{3, 2}, target)

	lossOf := func() float64 {
		l, _ := losses.L2(net.Forward(in), targetT)
		return l
	}

	net.ZeroGrad()
	_, grad := losses.L2(net.Forward(in), targetT)
	net.Backward(grad)

	const eps = 1e-6
	for _, p := range net.Parameters() {
		for i := range p.Value {
			orig := p.Value[i]
			p.Value[i] = orig + eps
			plus := lossOf()
			p.Value[i] = orig - eps
			minus := lossOf()
			p.Value[i] = orig

			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, p.Grad[i], 1e-5,
				"parameter %v index %v", p.Name, i)
		}
	}
}

func TestGaussianActorMinStd(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	minStd := 0.2
	net := NewGaussianActorNetwork(testShapes(), nil, 2, []int{8}, ReLU(),
		minStd, false, testInit(t), rng)
	net.Train()

	dist := net.Forward(testInput(4, rng))
	for _, v := range tensorutils.Data(dist.LogStd) {
		assert.GreaterOrEqual(t, v, -1.61, "log std below the floor")
	}
}

func TestGaussianActorLowNoiseEval(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	net := NewGaussianActorNetwork(testShapes(), nil, 2, []int{8}, ReLU(),
		1e-4, true, testInit(t), rng)

	net.Eval()
	dist := net.Forward(testInput(2, rng))
	mean := tensorutils.Data(dist.Mean)
	sample := tensorutils.Data(dist.Sample(rand.NewSource(5)))
	for i := range mean {
		assert.InDelta(t, mean[i], sample[i], 1e-2,
			"eval samples should hug the mean")
	}
}

func TestGMMActorForward(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	net := NewGMMActorNetwork(testShapes(), nil, 2, []int{8}, ReLU(), 5,
		1e-4, true, testInit(t), rng)
	net.Train()

	dist := net.Forward(testInput(3, rng))
	assert.Equal(t, 5, dist.NumModes())
	assert.Equal(t, 1, dist.BatchRank())

	probs := dist.MixtureProbs()
	data := tensorutils.Data(probs)
	for r := 0; r < 3; r++ {
		sum := 0.0
		for m := 0; m < 5; m++ {
			sum += data[r*5+m]
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}
}

// TestRNNStepMatchesForward drives the recurrent actor step by step
// and checks it reproduces the unrolled forward pass.
func TestRNNStepMatchesForward(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	net := NewRNNActorNetwork(testShapes(), nil, 2, 8, testInit(t), rng)

	batch, steps := 2, 4
	in := testSeqInput(batch, steps, rng)
	unrolled := tensorutils.Data(net.Forward(in))

	state := net.InitState(batch)
	for step := 0; step < steps; step++ {
		stepIn := &Input{Obs: in.Obs.TimeSlice(step)}
		stepOut, next := net.Step(stepIn, state)
		state = next
		actions := tensorutils.Data(stepOut)

		for b := 0; b < batch; b++ {
			for a := 0; a < 2; a++ {
				want := unrolled[(b*steps+step)*2+a]
				assert.InDelta(t, want, actions[b*2+a], 1e-12)
			}
		}
	}
}

// TestTransformerCausality perturbs the final observation step and
// checks that predictions at earlier steps do not move.
func TestTransformerCausality(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	net := NewTransformerActorNetwork(testShapes(), nil, 2, 8, 16, 32, 2,
		testInit(t), rng)

	batch, steps := 2, 5
	in := testSeqInput(batch, steps, rng)
	before := append([]float64{}, tensorutils.Data(net.Forward(in))...)

	for _, key := range testShapes().Keys() {
		data := tensorutils.Data(in.Obs[key])
		dim := testShapes().Dim(key)
		for b := 0; b < batch; b++ {
			for i := 0; i < dim; i++ {
				data[(b*steps+steps-1)*dim+i] += 10
			}
		}
	}
	after := tensorutils.Data(net.Forward(in))

	for b := 0; b < batch; b++ {
		for step := 0; step < steps-1; step++ {
			for a := 0; a < 2; a++ {
				i := (b*steps+step)*2 + a
				assert.InDelta(t, before[i], after[i], 1e-12,
					"step %v leaked future information", step)
			}
		}
		last := (b*steps + steps - 1) * 2
		assert.Greater(t, math.Abs(before[last]-after[last]), 1e-9)
	}
}

func TestTransformerGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	net := NewTransformerActorNetwork(testShapes(), nil, 2, 4, 6, 8, 1,
		testInit(t), rng)
	in := testSeqInput(2, 3, rng)

	target := make([]float64, 2*3*2)
	for i := range target {
		target[i] = rng.NormFloat64()
	}
	targetT := tensorutils.New([]int{2, 3, 2}, target)

	lossOf := func() float64 {
		l, _ := losses.L2(net.Forward(in), targetT)
		return l
	}

	net.ZeroGrad()
	_, grad := losses.L2(net.Forward(in), targetT)
	net.Backward(grad)

	const eps = 1e-6
	for _, p := range net.Parameters() {
		for i := 0; i < len(p.Value); i += 7 { // probe a subset
			orig := p.Value[i]
			p.Value[i] = orig + eps
			plus := lossOf()
			p.Value[i] = orig - eps
			minus := lossOf()
			p.Value[i] = orig

			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, p.Grad[i], 1e-4,
				"parameter %v index %v", p.Name, i)
		}
	}
}

func TestVAEForwardBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	net := NewVAENetwork(testShapes(), nil, 2, 3, []int{8}, ReLU(),
		testInit(t), rng)
	net.Train()

	in := testInput(4, rng)
	actions := make([]float64, 4*2)
	for i := range actions {
		actions[i] = rng.NormFloat64()
	}
	in.Actions = tensorutils.New([]int{4, 2}, actions)

	recon, kl := net.ForwardVAE(in, rng)
	assert.Equal(t, []int{4, 2}, []int(recon.Shape()))
	assert.GreaterOrEqual(t, kl, 0.0)

	net.ZeroGrad()
	_, grad := losses.L2(recon, in.Actions)
	net.BackwardVAE(grad, 0.5)

	nonzero := false
	for _, p := range net.Parameters() {
		for _, g := range p.Grad {
			if g != 0 {
				nonzero = true
			}
		}
	}
	assert.True(t, nonzero, "backward left every gradient at zero")
}

func TestCategoricalVAETemperature(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	net := NewCategoricalVAENetwork(testShapes(), nil, 2, 2, 4, []int{8},
		ReLU(), testInit(t), rng)

	assert.Equal(t, 1.0, net.Temperature())
	net.SetTemperature(0.25)
	assert.Equal(t, 0.25, net.Temperature())

	in := testInput(3, rng)
	actions := make([]float64, 3*2)
	in.Actions = tensorutils.New([]int{3, 2}, actions)
	recon, kl := net.ForwardVAE(in, rng)
	assert.Equal(t, []int{3, 2}, []int(recon.Shape()))
	assert.GreaterOrEqual(t, kl, 0.0)
}

func TestStateDictRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	net := NewGMMActorNetwork(testShapes(), nil, 2, []int{8}, ReLU(), 3,
		1e-4, false, testInit(t), rng)

	state := net.StateDict()
	other := NewGMMActorNetwork(testShapes(), nil, 2, []int{8}, ReLU(), 3,
		1e-4, false, testInit(t), rand.New(rand.NewSource(13)))
	require.NoError(t, other.LoadStateDict(state))

	for i, p := range net.Parameters() {
		assert.Equal(t, p.Value, other.Parameters()[i].Value)
	}

	state["bogus"] = nil
	assert.NoError(t, other.LoadStateDict(state)) // extra keys ignored

	delete(state, net.Parameters()[0].Name)
	delete(state, "bogus")
	assert.Error(t, other.LoadStateDict(state))
}
