package dataset

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/rand"

	"github.com/gomimic/gomimic/algo"
	"github.com/gomimic/gomimic/obs"
	"github.com/gomimic/gomimic/utils/tensorutils"
)

// Loader samples fixed-length sequence windows from a demonstration
// store and assembles them into training batches. With NumWorkers > 0
// a pool of goroutines is started once and persists across epochs;
// with zero workers batches are produced on the calling goroutine's
// behalf, one at a time.
type Loader struct {
	episodes  []*Episode
	seqLength int
	batchSize int

	workers int
	ch      chan *algo.Batch
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu  sync.Mutex
	rng *rand.Rand
}

// NewLoader loads every episode into memory and starts the worker
// pool. Episodes shorter than seqLength are skipped.
func NewLoader(store Store, seqLength, batchSize, numWorkers int,
	seed uint64) (*Loader, error) {

	if seqLength < 1 || batchSize < 1 {
		return nil, fmt.Errorf("newLoader: need positive sequence "+
			"length and batch size, got %v and %v", seqLength, batchSize)
	}

	all, err := LoadAll(store)
	if err != nil {
		return nil, fmt.Errorf("newLoader: %w", err)
	}
	var episodes []*Episode
	for _, e := range all {
		if e.Steps() >= seqLength {
			episodes = append(episodes, e)
		}
	}
	if len(episodes) == 0 {
		return nil, fmt.Errorf("newLoader: no episode has %v or more "+
			"steps", seqLength)
	}

	l := &Loader{
		episodes:  episodes,
		seqLength: seqLength,
		batchSize: batchSize,
		workers:   numWorkers,
		rng:       rand.New(rand.NewSource(seed)),
	}

	if numWorkers > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		l.ch = make(chan *algo.Batch, numWorkers)
		for i := 0; i < numWorkers; i++ {
			l.wg.Add(1)
			rng := rand.New(rand.NewSource(seed + uint64(i) + 1))
			go l.work(ctx, rng)
		}
	}
	return l, nil
}

func (l *Loader) work(ctx context.Context, rng *rand.Rand) {
	defer l.wg.Done()
	for {
		batch := l.sample(rng)
		select {
		case <-ctx.Done():
			return
		case l.ch <- batch:
		}
	}
}

// Batches returns a channel producing n batches for one epoch. The
// channel is closed after the n-th batch or when ctx is cancelled.
func (l *Loader) Batches(ctx context.Context, n int) <-chan *algo.Batch {
	out := make(chan *algo.Batch)
	go func() {
		defer close(out)
		for i := 0; i < n; i++ {
			batch := l.next(ctx)
			if batch == nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- batch:
			}
		}
	}()
	return out
}

func (l *Loader) next(ctx context.Context) *algo.Batch {
	if l.workers == 0 {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.sample(l.rng)
	}
	select {
	case <-ctx.Done():
		return nil
	case batch := <-l.ch:
		return batch
	}
}

// sample draws batchSize independent (episode, start) windows
func (l *Loader) sample(rng *rand.Rand) *algo.Batch {
	type draw struct {
		ep    *Episode
		start int
	}
	draws := make([]draw, l.batchSize)
	for i := range draws {
		ep := l.episodes[rng.Intn(len(l.episodes))]
		draws[i] = draw{ep: ep,
			start: rng.Intn(ep.Steps() - l.seqLength + 1)}
	}

	first := draws[0].ep
	batch := &algo.Batch{Obs: make(obs.Dict, len(first.Obs))}

	aDim := tensorutils.Prod(first.Actions.Shape()[1:])
	aData := make([]float64, l.batchSize*l.seqLength*aDim)
	for b, d := range draws {
		window(aData, b, d.ep.Actions, d.start, l.seqLength)
	}
	batch.Actions = tensorutils.New(
		[]int{l.batchSize, l.seqLength, aDim}, aData)

	for key, t := range first.Obs {
		shape := append([]int{l.batchSize, l.seqLength},
			t.Shape()[1:]...)
		data := make([]float64, tensorutils.Prod(shape))
		for b, d := range draws {
			window(data, b, d.ep.Obs[key], d.start, l.seqLength)
		}
		batch.Obs[key] = tensorutils.New(shape, data)
	}
	return batch
}

// Shapes returns the per-step observation shape table of the loaded
// episodes.
func (l *Loader) Shapes() obs.Shapes {
	shapes := make(obs.Shapes, len(l.episodes[0].Obs))
	for k, t := range l.episodes[0].Obs {
		shapes[k] = append([]int(nil), t.Shape()[1:]...)
	}
	return shapes
}

// ActionDim returns the per-step action dimension
func (l *Loader) ActionDim() int {
	return tensorutils.Prod(l.episodes[0].Actions.Shape()[1:])
}

// Episodes returns the loaded episodes in numeric ID order
func (l *Loader) Episodes() []*Episode { return l.episodes }

// Close stops the worker pool
func (l *Loader) Close() {
	if l.cancel != nil {
		l.cancel()
		l.wg.Wait()
	}
}
