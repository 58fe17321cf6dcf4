package tft

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"ethforecast/internal/dataset"
	"ethforecast/internal/nn"
)

// HParams are the architecture and optimization settings of the network
type HParams struct {
	HiddenSize              int
	LSTMLayers              int
	Dropout                 float64
	OutputSize              int
	HiddenContinuousSize    int
	AttentionHeadSize       int
	Quantiles               []float64
	LearningRate            float64
	ReduceOnPlateauPatience int
}

// DefaultHParams returns the production network configuration
func DefaultHParams() HParams {
	return HParams{
		HiddenSize:              256,
		LSTMLayers:              2,
		Dropout:                 0.3,
		OutputSize:              7,
		HiddenContinuousSize:    64,
		AttentionHeadSize:       4,
		Quantiles:               []float64{0.1, 0.5, 0.9},
		LearningRate:            1e-4,
		ReduceOnPlateauPatience: 4,
	}
}

// Validate checks that the settings describe a buildable network
func (h HParams) Validate() error {
	switch {
	case h.HiddenSize < 1 || h.HiddenContinuousSize < 1 || h.LSTMLayers < 1:
		return errors.New("hidden sizes and lstm layers must be positive")
	case h.AttentionHeadSize < 1 || h.HiddenSize%h.AttentionHeadSize != 0:
		return fmt.Errorf("hidden size %d is not divisible by %d attention heads", h.HiddenSize, h.AttentionHeadSize)
	case len(h.Quantiles) == 0:
		return errors.New("at least one quantile is required")
	case h.OutputSize < len(h.Quantiles):
		return fmt.Errorf("output size %d is smaller than %d quantiles", h.OutputSize, len(h.Quantiles))
	case h.Dropout < 0 || h.Dropout >= 1:
		return fmt.Errorf("dropout %v out of [0, 1)", h.Dropout)
	}
	for _, q := range h.Quantiles {
		if q <= 0 || q >= 1 {
			return fmt.Errorf("quantile %v out of (0, 1)", q)
		}
	}
	return nil
}

// Model is a Temporal Fusion Transformer producing quantile forecasts in the
// target's original units.
type Model struct {
	hp     HParams
	schema dataset.Schema
	loss   QuantileLoss

	prescalerNames []string
	prescalers     map[string]*nn.Linear
	embeddings     []*nn.Embedding

	staticSelection  *variableSelection
	encoderSelection *variableSelection
	decoderSelection *variableSelection

	contextSelection  *grn
	contextHidden     *grn
	contextCell       *grn
	contextEnrichment *grn

	lstmEncoder *nn.LSTM
	lstmDecoder *nn.LSTM
	postLSTM    *gateAddNorm

	enrichment    *grn
	attention     *interpretableAttention
	postAttention *gateAddNorm
	positionwise  *grn
	preOutput     *gateAddNorm
	output        *nn.Linear

	params []*nn.Tensor
}

// FromDataset builds a network sized to the variables of ds
func FromDataset(ds *dataset.TimeSeriesDataSet, hp HParams, rng *rand.Rand) (*Model, error) {
	if err := hp.Validate(); err != nil {
		return nil, err
	}
	schema := ds.Schema()
	if len(schema.StaticCategoricals)+len(schema.StaticReals) == 0 {
		return nil, errors.New("tft: dataset has no static variables")
	}
	if len(schema.EncoderReals) == 0 || len(schema.DecoderReals) == 0 {
		return nil, errors.New("tft: dataset needs encoder and decoder variables")
	}

	h, hcs := hp.HiddenSize, hp.HiddenContinuousSize
	m := &Model{
		hp:         hp,
		schema:     schema,
		loss:       QuantileLoss{Quantiles: hp.Quantiles},
		prescalers: make(map[string]*nn.Linear),
	}

	seen := make(map[string]bool)
	for _, names := range [][]string{schema.StaticReals, schema.EncoderReals, schema.DecoderReals} {
		for _, name := range names {
			if !seen[name] {
				seen[name] = true
				m.prescalerNames = append(m.prescalerNames, name)
			}
		}
	}
	sort.Strings(m.prescalerNames)
	for _, name := range m.prescalerNames {
		m.prescalers[name] = nn.NewLinear(1, hcs, rng)
	}
	for _, card := range schema.CategoricalCardinality {
		m.embeddings = append(m.embeddings, nn.NewEmbedding(card, hcs, rng))
	}

	staticNames := append(append([]string{}, schema.StaticCategoricals...), schema.StaticReals...)
	m.staticSelection = newVariableSelection(staticNames, hcs, h, hp.Dropout, 0, rng)
	m.encoderSelection = newVariableSelection(schema.EncoderReals, hcs, h, hp.Dropout, h, rng)
	m.decoderSelection = newVariableSelection(schema.DecoderReals, hcs, h, hp.Dropout, h, rng)

	m.contextSelection = newGRN(h, h, h, hp.Dropout, 0, rng)
	m.contextHidden = newGRN(h, h, h, hp.Dropout, 0, rng)
	m.contextCell = newGRN(h, h, h, hp.Dropout, 0, rng)
	m.contextEnrichment = newGRN(h, h, h, hp.Dropout, 0, rng)

	m.lstmEncoder = nn.NewLSTM(h, h, hp.LSTMLayers, hp.Dropout, rng)
	m.lstmDecoder = nn.NewLSTM(h, h, hp.LSTMLayers, hp.Dropout, rng)
	m.postLSTM = newGateAddNorm(h, h, hp.Dropout, rng)

	m.enrichment = newGRN(h, h, h, hp.Dropout, h, rng)
	m.attention = newInterpretableAttention(hp.AttentionHeadSize, h, hp.Dropout, rng)
	m.postAttention = newGateAddNorm(h, h, hp.Dropout, rng)
	m.positionwise = newGRN(h, h, h, hp.Dropout, 0, rng)
	m.preOutput = newGateAddNorm(h, h, 0, rng)
	m.output = nn.NewLinear(h, hp.OutputSize, rng)

	m.params = m.collect()
	return m, nil
}

func (m *Model) collect() []*nn.Tensor {
	var modules []nn.Module
	for _, name := range m.prescalerNames {
		modules = append(modules, m.prescalers[name])
	}
	for _, e := range m.embeddings {
		modules = append(modules, e)
	}
	modules = append(modules,
		m.staticSelection, m.encoderSelection, m.decoderSelection,
		m.contextSelection, m.contextHidden, m.contextCell, m.contextEnrichment,
		m.lstmEncoder, m.lstmDecoder, m.postLSTM,
		m.enrichment, m.attention, m.postAttention, m.positionwise, m.preOutput, m.output,
	)
	return nn.CollectParameters(modules...)
}

// Parameters returns every trainable tensor
func (m *Model) Parameters() []*nn.Tensor {
	return m.params
}

// Size returns the number of trainable scalars
func (m *Model) Size() int {
	var n int
	for _, p := range m.params {
		n += len(p.Data)
	}
	return n
}

// HParams returns the settings the model was built with
func (m *Model) HParams() HParams {
	return m.hp
}

// Loss returns the training criterion
func (m *Model) Loss() QuantileLoss {
	return m.loss
}

// Output is the result of one forward pass
type Output struct {
	// Prediction is DecoderLength x OutputSize in target units
	Prediction     *nn.Tensor
	StaticWeights  *nn.Tensor
	EncoderWeights *nn.Tensor
	DecoderWeights *nn.Tensor
	Attention      *nn.Tensor
}

// Forward runs one sample through the network. A nil rng disables dropout.
func (m *Model) Forward(s dataset.Sample, rng *rand.Rand) (*Output, error) {
	if err := m.check(s); err != nil {
		return nil, err
	}
	enc, dec := nn.FromRows(s.EncoderReals), nn.FromRows(s.DecoderReals)

	staticVars := make([]*nn.Tensor, 0, len(s.Categoricals)+len(s.StaticReals))
	for i, code := range s.Categoricals {
		staticVars = append(staticVars, m.embeddings[i].Forward(code))
	}
	for i, v := range s.StaticReals {
		staticVars = append(staticVars, m.prescalers[m.schema.StaticReals[i]].Forward(nn.Scalar(v)))
	}
	static, staticWeights := m.staticSelection.Forward(staticVars, nil, rng)

	ctxSelection := m.contextSelection.Forward(static, nil, rng)
	ctxEnrichment := m.contextEnrichment.Forward(static, nil, rng)
	ctxHidden := m.contextHidden.Forward(static, nil, rng)
	ctxCell := m.contextCell.Forward(static, nil, rng)

	embEnc, encWeights := m.encoderSelection.Forward(m.prescale(enc, m.schema.EncoderReals), ctxSelection, rng)
	embDec, decWeights := m.decoderSelection.Forward(m.prescale(dec, m.schema.DecoderReals), ctxSelection, rng)

	state := nn.LSTMState{}
	for i := 0; i < m.lstmEncoder.NumLayers(); i++ {
		state.H = append(state.H, ctxHidden)
		state.C = append(state.C, ctxCell)
	}
	encOut, state := m.lstmEncoder.Forward(embEnc, state, rng)
	decOut, _ := m.lstmDecoder.Forward(embDec, state, rng)

	lstmOut := m.postLSTM.Forward(nn.ConcatRows(encOut, decOut), nn.ConcatRows(embEnc, embDec), rng)
	enriched := m.enrichment.Forward(lstmOut, ctxEnrichment, rng)

	total := s.EncoderLength + s.DecoderLength
	query := nn.SliceRows(enriched, s.EncoderLength, total)
	attended, attention := m.attention.Forward(query, enriched, causalMask(s.EncoderLength, s.DecoderLength), rng)
	attended = m.postAttention.Forward(attended, query, rng)

	out := m.positionwise.Forward(attended, nil, rng)
	out = m.preOutput.Forward(out, nn.SliceRows(lstmOut, s.EncoderLength, total), rng)
	out = m.output.Forward(out)

	return &Output{
		Prediction:     nn.Affine(out, s.TargetScale.Scale, s.TargetScale.Center),
		StaticWeights:  staticWeights,
		EncoderWeights: encWeights,
		DecoderWeights: decWeights,
		Attention:      attention,
	}, nil
}

func (m *Model) prescale(x *nn.Tensor, names []string) []*nn.Tensor {
	vars := make([]*nn.Tensor, len(names))
	for k, name := range names {
		vars[k] = m.prescalers[name].Forward(nn.SliceCols(x, k, k+1))
	}
	return vars
}

func (m *Model) check(s dataset.Sample) error {
	switch {
	case s.EncoderLength < 1 || s.DecoderLength < 1:
		return fmt.Errorf("tft: empty window (encoder %d, decoder %d)", s.EncoderLength, s.DecoderLength)
	case len(s.EncoderReals) != s.EncoderLength || len(s.DecoderReals) != s.DecoderLength:
		return fmt.Errorf("tft: sample rows do not match window lengths")
	case len(s.EncoderReals[0]) != len(m.schema.EncoderReals) || len(s.DecoderReals[0]) != len(m.schema.DecoderReals):
		return fmt.Errorf("tft: sample variables do not match the model schema")
	case len(s.Categoricals) != len(m.embeddings) || len(s.StaticReals) != len(m.schema.StaticReals):
		return fmt.Errorf("tft: static variables do not match the model schema")
	}
	for i, code := range s.Categoricals {
		if code < 0 || code >= m.embeddings[i].Table.Rows {
			return fmt.Errorf("tft: category code %d out of range", code)
		}
	}
	return nil
}

// Prediction is the evaluation-mode forecast of one sample
type Prediction struct {
	Group       string
	Quantiles   [][]float64 // DecoderLength x len(quantiles)
	Point       []float64
	DecoderTime []time.Time
	Target      []float64
}

// Predict runs inference over every sample of loader in order
func (m *Model) Predict(ctx context.Context, loader *dataset.Loader) ([]Prediction, error) {
	batches, err := loader.Batches(ctx)
	if err != nil {
		return nil, fmt.Errorf("load batches: %w", err)
	}
	var preds []Prediction
	for _, batch := range batches {
		for _, s := range batch {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			out, err := m.Forward(s, nil)
			if err != nil {
				return nil, err
			}
			nn.Detach(out.Prediction)
			preds = append(preds, Prediction{
				Group:       s.Group,
				Quantiles:   m.loss.ToQuantiles(out.Prediction),
				Point:       m.loss.ToPrediction(out.Prediction),
				DecoderTime: s.DecoderTime,
				Target:      s.Target,
			})
		}
	}
	return preds, nil
}
