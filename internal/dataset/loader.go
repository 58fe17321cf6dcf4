package dataset

import (
	"context"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"
)

// Batch is a group of samples processed together
type Batch []Sample

// Loader yields batches of samples from a dataset
type Loader struct {
	ds        *TimeSeriesDataSet
	batchSize int
	shuffle   bool
	dropLast  bool
	workers   int
	rng       *rand.Rand
}

// ToDataLoader creates a loader. In train mode samples are shuffled and the
// trailing partial batch is dropped when the dataset exceeds one batch.
// workers == 0 materializes samples on the calling goroutine.
func (d *TimeSeriesDataSet) ToDataLoader(train bool, batchSize, workers int, rng *rand.Rand) *Loader {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Loader{
		ds:        d,
		batchSize: batchSize,
		shuffle:   train,
		dropLast:  train && d.Len() > batchSize,
		workers:   workers,
		rng:       rng,
	}
}

// Dataset returns the underlying dataset
func (l *Loader) Dataset() *TimeSeriesDataSet {
	return l.ds
}

// BatchSize returns the configured batch size
func (l *Loader) BatchSize() int {
	return l.batchSize
}

// Len returns the number of batches per pass
func (l *Loader) Len() int {
	n := l.ds.Len()
	if l.dropLast {
		return n / l.batchSize
	}
	return (n + l.batchSize - 1) / l.batchSize
}

// Batches materializes one pass over the dataset
func (l *Loader) Batches(ctx context.Context) ([]Batch, error) {
	order := make([]int, l.ds.Len())
	for i := range order {
		order[i] = i
	}
	if l.shuffle && l.rng != nil {
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	if l.dropLast {
		order = order[:l.Len()*l.batchSize]
	}

	samples := make([]Sample, len(order))
	if l.workers <= 0 {
		for i, idx := range order {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			s, err := l.ds.Get(idx)
			if err != nil {
				return nil, err
			}
			samples[i] = s
		}
	} else {
		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(l.workers)
		for i, idx := range order {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				s, err := l.ds.Get(idx)
				if err != nil {
					return err
				}
				samples[i] = s
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	batches := make([]Batch, 0, l.Len())
	for start := 0; start < len(samples); start += l.batchSize {
		end := min(start+l.batchSize, len(samples))
		batches = append(batches, Batch(samples[start:end]))
	}
	return batches, nil
}
