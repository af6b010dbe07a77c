package network

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/initwfn"
	"github.com/gomimic/gomimic/losses"
	"github.com/gomimic/gomimic/obs"
	"github.com/gomimic/gomimic/utils/tensorutils"
)

// VAENetwork is a conditional variational autoencoder over actions.
// The encoder maps an observation-action pair to a latent posterior,
// the decoder reconstructs the action from the observation and a
// reparameterized latent sample. The latent prior is either a unit
// Gaussian or a set of uniform categoricals relaxed with
// Gumbel-Softmax.
type VAENetwork struct {
	base
	obsShapes  obs.Shapes
	goalShapes obs.Shapes
	actionDim  int

	latentDim   int
	categorical bool
	classes     int
	temperature float64

	encoder *mlp
	muHead  *linear
	stdHead *linear
	decoder *mlp

	// forward caches
	batch      int
	condDim    int
	mu, logStd *tensor.Dense
	noise      []float64
	soft       []float64 // relaxed categorical samples
	post       []float64 // categorical posterior probabilities
}

// NewVAENetwork creates a Gaussian-latent VAE. hidden sizes the
// encoder and decoder symmetrically.
func NewVAENetwork(obsShapes, goalShapes obs.Shapes, actionDim, latentDim int,
	hidden []int, act *Activation, init *initwfn.InitWFn,
	rng *rand.Rand) *VAENetwork {

	return newVAE(obsShapes, goalShapes, actionDim, latentDim, 0, hidden,
		act, init, rng)
}

// NewCategoricalVAENetwork creates a VAE whose latent is latentDim
// categorical variables with the given number of classes each,
// sampled with Gumbel-Softmax.
func NewCategoricalVAENetwork(obsShapes, goalShapes obs.Shapes, actionDim,
	latentDim, classes int, hidden []int, act *Activation,
	init *initwfn.InitWFn, rng *rand.Rand) *VAENetwork {

	if classes < 2 {
		panic(fmt.Sprintf("newCategoricalVAENetwork: need at least 2 "+
			"classes, got %v", classes))
	}
	return newVAE(obsShapes, goalShapes, actionDim, latentDim, classes,
		hidden, act, init, rng)
}

func newVAE(obsShapes, goalShapes obs.Shapes, actionDim, latentDim,
	classes int, hidden []int, act *Activation, init *initwfn.InitWFn,
	rng *rand.Rand) *VAENetwork {

	if len(hidden) == 0 {
		panic("newVAE: need at least one hidden layer")
	}
	n := &VAENetwork{
		obsShapes:   obsShapes,
		goalShapes:  goalShapes,
		actionDim:   actionDim,
		latentDim:   latentDim,
		categorical: classes > 0,
		classes:     classes,
		temperature: 1,
	}
	n.condDim = obsShapes.TotalDim() + goalShapes.TotalDim()

	encDims := append([]int{n.condDim + actionDim}, hidden...)
	n.encoder = newMLP(&n.base, "encoder", encDims, act, act, init, rng)
	last := hidden[len(hidden)-1]
	if n.categorical {
		n.muHead = newLinear(&n.base, "logits", last,
			latentDim*classes, init, rng)
	} else {
		n.muHead = newLinear(&n.base, "mu", last, latentDim, init, rng)
		n.stdHead = newLinear(&n.base, "logstd", last, latentDim, init, rng)
	}

	decDims := append([]int{n.condDim + n.latentWidth()}, hidden...)
	decDims = append(decDims, actionDim)
	n.decoder = newMLP(&n.base, "decoder", decDims, act, Identity(),
		init, rng)
	return n
}

func (n *VAENetwork) latentWidth() int {
	if n.categorical {
		return n.latentDim * n.classes
	}
	return n.latentDim
}

// SetTemperature sets the Gumbel-Softmax temperature. It has no
// effect on Gaussian-latent networks.
func (n *VAENetwork) SetTemperature(t float64) { n.temperature = t }

// Temperature returns the current Gumbel-Softmax temperature
func (n *VAENetwork) Temperature() float64 { return n.temperature }

// ForwardVAE encodes the batch's actions, samples the latent with
// reparameterization and decodes a reconstruction. It returns the
// reconstructed actions of shape [B, A] and the batch-mean KL
// divergence from the latent prior.
func (n *VAENetwork) ForwardVAE(in *Input, rng *rand.Rand) (*tensor.Dense,
	float64) {

	if in.Actions == nil {
		panic("forwardVAE: input carries no actions to encode")
	}
	cond := joinInput(in, n.obsShapes, n.goalShapes, 1)
	n.batch, _ = cond.Dims()
	encIn := appendColumns(cond, in.Actions, n.actionDim)

	h := n.encoder.forward(encIn)

	var z []float64
	var kl float64
	if n.categorical {
		logits := matData(n.muHead.forward(h))
		z, kl = n.sampleCategorical(logits, rng)
	} else {
		muData := matData(n.muHead.forward(h))
		logStdData := matData(n.stdHead.forward(h))
		shape := []int{n.batch, n.latentDim}
		n.mu = tensorutils.New(shape, muData)
		n.logStd = tensorutils.New(shape, logStdData)

		n.noise = make([]float64, len(muData))
		z = make([]float64, len(muData))
		for i := range z {
			n.noise[i] = rng.NormFloat64()
			z[i] = muData[i] + math.Exp(logStdData[i])*n.noise[i]
		}
		kl, _, _ = losses.KLGaussian(n.mu, n.logStd)
	}

	decIn := mat.NewDense(n.batch, n.condDim+n.latentWidth(), nil)
	width := n.latentWidth()
	for r := 0; r < n.batch; r++ {
		copy(decIn.RawRowView(r)[:n.condDim], cond.RawRowView(r))
		copy(decIn.RawRowView(r)[n.condDim:], z[r*width:(r+1)*width])
	}

	recon := n.decoder.forward(decIn)
	return tensorutils.New([]int{n.batch, n.actionDim}, matData(recon)), kl
}

// sampleCategorical draws relaxed one-hot samples per latent variable
// and returns them with the batch-mean KL from the uniform prior.
func (n *VAENetwork) sampleCategorical(logits []float64,
	rng *rand.Rand) ([]float64, float64) {

	n.soft = make([]float64, len(logits))
	n.post = make([]float64, len(logits))
	kl := 0.0
	logC := math.Log(float64(n.classes))

	for v := 0; v < n.batch*n.latentDim; v++ {
		l := logits[v*n.classes : (v+1)*n.classes]
		y := n.soft[v*n.classes : (v+1)*n.classes]
		q := n.post[v*n.classes : (v+1)*n.classes]

		softmaxInto(q, l, 1)
		for c := 0; c < n.classes; c++ {
			if q[c] > 0 {
				kl += q[c] * (math.Log(q[c]) + logC)
			}
		}

		perturbed := make([]float64, n.classes)
		for c := 0; c < n.classes; c++ {
			u := rng.Float64()
			for u == 0 {
				u = rng.Float64()
			}
			gumbel := -math.Log(-math.Log(u))
			perturbed[c] = l[c] + gumbel
		}
		softmaxInto(y, perturbed, n.temperature)
	}
	return n.soft, kl / float64(n.batch)
}

func softmaxInto(dst, logits []float64, temperature float64) {
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	sum := 0.0
	for i, v := range logits {
		dst[i] = math.Exp((v - max) / temperature)
		sum += dst[i]
	}
	for i := range dst {
		dst[i] /= sum
	}
}

// BackwardVAE accumulates parameter gradients for a reconstruction
// loss gradient on the last ForwardVAE's output, weighting the KL
// term by klWeight.
func (n *VAENetwork) BackwardVAE(gradRecon *tensor.Dense, klWeight float64) {
	dDecIn := n.decoder.backward(mat.NewDense(n.batch, n.actionDim,
		tensorutils.Data(gradRecon)))

	width := n.latentWidth()
	dz := make([]float64, n.batch*width)
	for r := 0; r < n.batch; r++ {
		copy(dz[r*width:(r+1)*width],
			dDecIn.RawRowView(r)[n.condDim:])
	}

	var dh *mat.Dense
	if n.categorical {
		dh = n.muHead.backward(mat.NewDense(n.batch, n.latentDim*n.classes,
			n.categoricalLogitGrads(dz, klWeight)))
	} else {
		_, klMu, klStd := losses.KLGaussian(n.mu, n.logStd)
		klMuData := tensorutils.Data(klMu)
		klStdData := tensorutils.Data(klStd)
		logStdData := tensorutils.Data(n.logStd)

		dMu := make([]float64, len(dz))
		dLogStd := make([]float64, len(dz))
		for i := range dz {
			sigma := math.Exp(logStdData[i])
			dMu[i] = dz[i] + klWeight*klMuData[i]
			dLogStd[i] = dz[i]*n.noise[i]*sigma + klWeight*klStdData[i]
		}

		dhMu := n.muHead.backward(
			mat.NewDense(n.batch, n.latentDim, dMu))
		dhStd := n.stdHead.backward(
			mat.NewDense(n.batch, n.latentDim, dLogStd))
		var sum mat.Dense
		sum.Add(dhMu, dhStd)
		dh = &sum
	}
	n.encoder.backward(dh)
}

// categoricalLogitGrads combines the Gumbel-Softmax pathwise gradient
// with the KL gradient on the posterior logits.
func (n *VAENetwork) categoricalLogitGrads(dz []float64,
	klWeight float64) []float64 {

	out := make([]float64, len(dz))
	for v := 0; v < n.batch*n.latentDim; v++ {
		y := n.soft[v*n.classes : (v+1)*n.classes]
		q := n.post[v*n.classes : (v+1)*n.classes]
		dzv := dz[v*n.classes : (v+1)*n.classes]
		o := out[v*n.classes : (v+1)*n.classes]

		dot := 0.0
		for c := 0; c < n.classes; c++ {
			dot += dzv[c] * y[c]
		}
		entropy := 0.0
		for c := 0; c < n.classes; c++ {
			if q[c] > 0 {
				entropy += q[c] * math.Log(q[c])
			}
		}
		for c := 0; c < n.classes; c++ {
			o[c] = y[c] * (dzv[c] - dot) / n.temperature
			if q[c] > 0 {
				o[c] += klWeight * q[c] *
					(math.Log(q[c]) - entropy) / float64(n.batch)
			}
		}
	}
	return out
}

// Decode reconstructs actions from observations with a prior latent
// sample, for evaluation-time action generation.
func (n *VAENetwork) Decode(in *Input, rng *rand.Rand) *tensor.Dense {
	cond := joinInput(in, n.obsShapes, n.goalShapes, 1)
	batch, _ := cond.Dims()

	width := n.latentWidth()
	z := make([]float64, batch*width)
	if n.categorical {
		for v := 0; v < batch*n.latentDim; v++ {
			z[v*n.classes+rng.Intn(n.classes)] = 1
		}
	} else {
		for i := range z {
			z[i] = rng.NormFloat64()
		}
	}

	decIn := mat.NewDense(batch, n.condDim+width, nil)
	for r := 0; r < batch; r++ {
		copy(decIn.RawRowView(r)[:n.condDim], cond.RawRowView(r))
		copy(decIn.RawRowView(r)[n.condDim:], z[r*width:(r+1)*width])
	}
	recon := n.decoder.forward(decIn)
	return tensorutils.New([]int{batch, n.actionDim}, matData(recon))
}
