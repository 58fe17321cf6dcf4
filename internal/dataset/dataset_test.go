package dataset

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"ethforecast/pkg/model"
)

var day0 = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

// generateCandles returns n daily candles with a linear close trend
func generateCandles(n int) []model.Candle {
	candles := make([]model.Candle, n)
	for i := range candles {
		c := 1000 + 2*float64(i)
		candles[i] = model.Candle{
			Time:   day0.AddDate(0, 0, i),
			Open:   c - 1,
			High:   c + 5,
			Low:    c - 5,
			Close:  c,
			Volume: 1e6 + float64(i%7)*1e4,
		}
	}
	return candles
}

func mustPrepare(t *testing.T, candles []model.Candle) *Frame {
	t.Helper()
	frame, err := Prepare(candles, "eth_usd")
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	return frame
}

func TestPrepareTimeIdx(t *testing.T) {
	candles := generateCandles(50)
	// shuffle the input to check ordering is restored
	rng := rand.New(rand.NewPCG(1, 1))
	rng.Shuffle(len(candles), func(i, j int) { candles[i], candles[j] = candles[j], candles[i] })

	frame := mustPrepare(t, candles)
	if frame.Len() != 50 {
		t.Fatalf("Expected 50 rows, got %d", frame.Len())
	}

	prev := -1
	for i, r := range frame.Rows {
		if r.TimeIdx < 0 {
			t.Errorf("Row %d: negative time_idx %d", i, r.TimeIdx)
		}
		if r.TimeIdx < prev {
			t.Errorf("Row %d: time_idx %d decreased from %d", i, r.TimeIdx, prev)
		}
		if r.TimeIdx != i {
			t.Errorf("Row %d: expected time_idx %d, got %d", i, i, r.TimeIdx)
		}
		if r.Group != "eth_usd" {
			t.Errorf("Row %d: expected group eth_usd, got %s", i, r.Group)
		}
		prev = r.TimeIdx
	}
}

func TestPrepareFloorsPartialDays(t *testing.T) {
	candles := []model.Candle{
		{Time: day0},
		{Time: day0.Add(36 * time.Hour)},
		{Time: day0.Add(47 * time.Hour)},
	}
	frame := mustPrepare(t, candles)
	want := []int{0, 1, 1}
	for i, r := range frame.Rows {
		if r.TimeIdx != want[i] {
			t.Errorf("Row %d: expected time_idx %d, got %d", i, want[i], r.TimeIdx)
		}
	}
}

func TestPrepareEmpty(t *testing.T) {
	if _, err := Prepare(nil, "g"); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("Expected ErrInsufficientData, got %v", err)
	}
}

func TestTrainingCutoffAndSplit(t *testing.T) {
	frame := mustPrepare(t, generateCandles(30))
	cutoff := frame.TrainingCutoff(7)

	want := day0.AddDate(0, 0, 29-7)
	if !cutoff.Equal(want) {
		t.Fatalf("Expected cutoff %s, got %s", want, cutoff)
	}

	train, heldOut := frame.Split(cutoff)
	if train.Len() != 23 || heldOut.Len() != 7 {
		t.Fatalf("Expected 23/7 split, got %d/%d", train.Len(), heldOut.Len())
	}
	for _, r := range train.Rows {
		if r.Time.After(cutoff) {
			t.Errorf("Training row at %s is after cutoff", r.Time)
		}
	}
	for _, r := range heldOut.Rows {
		if !r.Time.After(cutoff) {
			t.Errorf("Held-out row at %s is not after cutoff", r.Time)
		}
	}
}

func TestDefaultParamsEncoderLengths(t *testing.T) {
	p := DefaultParams()
	if p.MaxEncoderLength != 365 || p.MinEncoderLength != 182 {
		t.Errorf("Expected encoder lengths [182, 365], got [%d, %d]", p.MinEncoderLength, p.MaxEncoderLength)
	}
	if p.MinEncoderLength != p.MaxEncoderLength/2 {
		t.Errorf("Expected min encoder length to be half the max")
	}
	if p.MaxPredictionLength != 7 || p.MinPredictionLength != 1 {
		t.Errorf("Expected prediction lengths [1, 7], got [%d, %d]", p.MinPredictionLength, p.MaxPredictionLength)
	}
}

func TestNewBuildsWindows(t *testing.T) {
	frame := mustPrepare(t, generateCandles(400))
	ds, err := New(frame, DefaultParams())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// every start with at least 182+1 rows remaining yields a window
	if ds.Len() != 400-183+1 {
		t.Errorf("Expected %d windows, got %d", 400-183+1, ds.Len())
	}

	first := ds.Index()[0]
	if first.Start != 0 || first.EncoderLength != 365 || first.DecoderLength != 7 {
		t.Errorf("Unexpected first window %+v", first)
	}

	last := ds.Index()[ds.Len()-1]
	if last.EncoderLength != 182 || last.DecoderLength != 1 {
		t.Errorf("Unexpected last window %+v", last)
	}

	for _, w := range ds.Index() {
		if w.EncoderLength < 182 || w.EncoderLength > 365 {
			t.Errorf("Encoder length %d out of [182, 365]", w.EncoderLength)
		}
		if w.DecoderLength < 1 || w.DecoderLength > 7 {
			t.Errorf("Decoder length %d out of [1, 7]", w.DecoderLength)
		}
		if w.Start+w.EncoderLength+w.DecoderLength > 400 {
			t.Errorf("Window %+v overruns the series", w)
		}
	}
}

func TestSchema(t *testing.T) {
	ds, err := New(mustPrepare(t, generateCandles(200)), DefaultParams())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s := ds.Schema()

	wantStatic := []string{"encoder_length", "close_center", "close_scale"}
	if len(s.StaticReals) != len(wantStatic) {
		t.Fatalf("Expected static reals %v, got %v", wantStatic, s.StaticReals)
	}
	for i := range wantStatic {
		if s.StaticReals[i] != wantStatic[i] {
			t.Errorf("Static real %d: expected %s, got %s", i, wantStatic[i], s.StaticReals[i])
		}
	}

	wantEncoder := []string{"relative_time_idx", "open", "high", "low", "volumeto", "close"}
	if len(s.EncoderReals) != len(wantEncoder) {
		t.Fatalf("Expected encoder reals %v, got %v", wantEncoder, s.EncoderReals)
	}
	if len(s.DecoderReals) != 1 || s.DecoderReals[0] != "relative_time_idx" {
		t.Errorf("Expected decoder reals [relative_time_idx], got %v", s.DecoderReals)
	}
	if len(s.CategoricalCardinality) != 1 || s.CategoricalCardinality[0] != 1 {
		t.Errorf("Expected one categorical with cardinality 1, got %v", s.CategoricalCardinality)
	}
}

func TestGetSample(t *testing.T) {
	frame := mustPrepare(t, generateCandles(400))
	ds, err := New(frame, DefaultParams())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	s, err := ds.Get(0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(s.EncoderReals) != 365 || len(s.DecoderReals) != 7 || len(s.Target) != 7 {
		t.Fatalf("Unexpected sample sizes enc=%d dec=%d target=%d", len(s.EncoderReals), len(s.DecoderReals), len(s.Target))
	}

	// relative time index runs from -1 to 6/365
	if got := s.EncoderReals[0][0]; math.Abs(got-(-1)) > 1e-12 {
		t.Errorf("Expected first relative_time_idx -1, got %f", got)
	}
	if got := s.DecoderReals[0][0]; got != 0 {
		t.Errorf("Expected first decoder relative_time_idx 0, got %f", got)
	}

	// raw targets are the closes following the encoder
	for i, y := range s.Target {
		if want := frame.Rows[365+i].Close; y != want {
			t.Errorf("Target %d: expected %f, got %f", i, want, y)
		}
	}

	// close input is normalized by the group normalizer
	closeIdx := len(ds.Schema().EncoderReals) - 1
	norm, _ := ds.Normalizer().Transform("eth_usd", frame.Rows[10].Close)
	if math.Abs(s.EncoderReals[10][closeIdx]-norm) > 1e-12 {
		t.Errorf("Expected normalized close %f, got %f", norm, s.EncoderReals[10][closeIdx])
	}

	// encoder_length of 365 scales to 1; single-group target scales to 0
	if math.Abs(s.StaticReals[0]-1) > 1e-12 {
		t.Errorf("Expected scaled encoder length 1, got %f", s.StaticReals[0])
	}
	if s.StaticReals[1] != 0 || s.StaticReals[2] != 0 {
		t.Errorf("Expected zero target-scale features, got %v", s.StaticReals[1:])
	}
	if len(s.Categoricals) != 1 || s.Categoricals[0] != 0 {
		t.Errorf("Expected categorical code [0], got %v", s.Categoricals)
	}

	if _, err := ds.Get(ds.Len()); err == nil {
		t.Error("Expected out-of-range error")
	}
}

func TestFromDatasetPredict(t *testing.T) {
	frame := mustPrepare(t, generateCandles(407))
	train, _ := frame.Split(frame.TrainingCutoff(7))

	training, err := New(train, DefaultParams())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	validation, err := FromDataset(training, frame, FromOptions{Predict: true})
	if err != nil {
		t.Fatalf("FromDataset failed: %v", err)
	}

	if validation.Len() != 1 {
		t.Fatalf("Expected exactly one window per group, got %d", validation.Len())
	}
	w := validation.Index()[0]
	if w.DecoderLength != 7 || w.EncoderLength != 365 {
		t.Errorf("Expected 365/7 window, got %+v", w)
	}
	if w.Start+w.EncoderLength+w.DecoderLength != frame.Len() {
		t.Errorf("Expected window anchored at the last row, got %+v", w)
	}

	s, err := validation.Get(0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !s.DecoderTime[6].Equal(frame.Last().Time) {
		t.Errorf("Expected last decoder day %s, got %s", frame.Last().Time, s.DecoderTime[6])
	}

	// the training normalizer is reused unchanged
	if validation.Normalizer() != training.Normalizer() {
		t.Error("Expected validation to share the training normalizer")
	}
	trainScale, _ := training.Normalizer().Scale("eth_usd")
	if s.TargetScale != trainScale {
		t.Errorf("Expected target scale %+v, got %+v", trainScale, s.TargetScale)
	}
}

func TestFromDatasetPredictShortSeries(t *testing.T) {
	frame := mustPrepare(t, generateCandles(250))
	train, _ := frame.Split(frame.TrainingCutoff(7))
	training, err := New(train, DefaultParams())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	validation, err := FromDataset(training, frame, FromOptions{Predict: true})
	if err != nil {
		t.Fatalf("FromDataset failed: %v", err)
	}
	w := validation.Index()[0]
	if w.Start != 0 || w.EncoderLength != 243 || w.DecoderLength != 7 {
		t.Errorf("Expected window {0 243 7}, got %+v", w)
	}
}

func TestNewInsufficientData(t *testing.T) {
	_, err := New(mustPrepare(t, generateCandles(100)), DefaultParams())
	if !errors.Is(err, ErrInsufficientData) {
		t.Errorf("Expected ErrInsufficientData, got %v", err)
	}
}

func TestNewRejectsGapsAndDuplicates(t *testing.T) {
	gap := generateCandles(300)
	gap = append(gap[:100], gap[101:]...)
	if _, err := New(mustPrepare(t, gap), DefaultParams()); !errors.Is(err, ErrMissingTimesteps) {
		t.Errorf("Expected ErrMissingTimesteps, got %v", err)
	}

	dup := generateCandles(300)
	dup = append(dup, model.Candle{Time: dup[150].Time.Add(time.Hour), Close: 1})
	if _, err := New(mustPrepare(t, dup), DefaultParams()); !errors.Is(err, ErrDuplicateTimeIdx) {
		t.Errorf("Expected ErrDuplicateTimeIdx, got %v", err)
	}
}

func TestGroupNormalizer(t *testing.T) {
	frame := mustPrepare(t, []model.Candle{
		{Time: day0, Close: 1},
		{Time: day0.AddDate(0, 0, 1), Close: 2},
		{Time: day0.AddDate(0, 0, 2), Close: 3},
	})
	n, err := FitGroupNormalizer(frame, "close")
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	s, err := n.Scale("eth_usd")
	if err != nil {
		t.Fatalf("Scale failed: %v", err)
	}
	if s.Center != 2 {
		t.Errorf("Expected center 2, got %f", s.Center)
	}
	if math.Abs(s.Scale-(1+scaleEps)) > 1e-12 {
		t.Errorf("Expected sample std 1 plus eps, got %f", s.Scale)
	}

	v, _ := n.Transform("eth_usd", 2.5)
	back, _ := n.Inverse("eth_usd", v)
	if math.Abs(back-2.5) > 1e-12 {
		t.Errorf("Expected inverse to round-trip 2.5, got %f", back)
	}

	if _, err := n.Transform("btc_usd", 1); err == nil {
		t.Error("Expected error for unknown group")
	}
}

func TestStandardScaler(t *testing.T) {
	s := FitStandardScaler([]float64{1, 3})
	if s.Mean != 2 || s.Scale != 1 {
		t.Errorf("Expected mean 2 scale 1, got %+v", s)
	}
	constant := FitStandardScaler([]float64{5, 5, 5})
	if constant.Scale != 1 || constant.Transform(5) != 0 {
		t.Errorf("Expected zero spread to map to scale 1, got %+v", constant)
	}
}

func TestLoader(t *testing.T) {
	ds, err := New(mustPrepare(t, generateCandles(400)), DefaultParams())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	train := ds.ToDataLoader(true, 128, 0, rand.New(rand.NewPCG(1, 2)))
	batches, err := train.Batches(ctx)
	if err != nil {
		t.Fatalf("Batches failed: %v", err)
	}
	if train.Len() != 1 || len(batches) != 1 || len(batches[0]) != 128 {
		t.Errorf("Expected one full training batch of 128, got %d batches", len(batches))
	}

	eval := ds.ToDataLoader(false, 128, 0, nil)
	batches, err = eval.Batches(ctx)
	if err != nil {
		t.Fatalf("Batches failed: %v", err)
	}
	if eval.Len() != 2 || len(batches) != 2 || len(batches[1]) != ds.Len()-128 {
		t.Errorf("Expected batches of 128 and %d, got %d batches", ds.Len()-128, len(batches))
	}
	if batches[0][0].EncoderLength != 365 {
		t.Errorf("Expected unshuffled evaluation order")
	}

	parallel := ds.ToDataLoader(false, 128, 4, nil)
	pbatches, err := parallel.Batches(ctx)
	if err != nil {
		t.Fatalf("Parallel batches failed: %v", err)
	}
	for b := range batches {
		for i := range batches[b] {
			if pbatches[b][i].EncoderLength != batches[b][i].EncoderLength ||
				pbatches[b][i].Target[0] != batches[b][i].Target[0] {
				t.Fatalf("Parallel loader differs at batch %d sample %d", b, i)
			}
		}
	}
}

func TestLoaderSmallTrainingSet(t *testing.T) {
	ds, err := New(mustPrepare(t, generateCandles(200)), DefaultParams())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	loader := ds.ToDataLoader(true, 128, 0, rand.New(rand.NewPCG(3, 4)))
	batches, err := loader.Batches(context.Background())
	if err != nil {
		t.Fatalf("Batches failed: %v", err)
	}
	if len(batches) != 1 || len(batches[0]) != ds.Len() {
		t.Errorf("Expected a single partial batch of %d, got %d batches", ds.Len(), len(batches))
	}
}

func TestLoaderCancelled(t *testing.T) {
	ds, err := New(mustPrepare(t, generateCandles(200)), DefaultParams())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ds.ToDataLoader(false, 8, 0, nil).Batches(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
