package dataset

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrInsufficientData means no window satisfies the configured lengths
	ErrInsufficientData = errors.New("insufficient data")
	// ErrMissingTimesteps means a group skips one or more days
	ErrMissingTimesteps = errors.New("missing timesteps")
	// ErrDuplicateTimeIdx means a group has two rows for the same day
	ErrDuplicateTimeIdx = errors.New("duplicate time_idx")
)

// Derived feature names
const (
	RelativeTimeIdx = "relative_time_idx"
	EncoderLength   = "encoder_length"
)

// Params mirrors the construction arguments of a windowed dataset
type Params struct {
	Target                  string
	GroupColumn             string
	MinEncoderLength        int
	MaxEncoderLength        int
	MinPredictionLength     int
	MaxPredictionLength     int
	StaticCategoricals      []string
	TimeVaryingKnownReals   []string
	TimeVaryingUnknownReals []string
	AddRelativeTimeIdx      bool
	AddTargetScales         bool
	AddEncoderLength        bool
}

// DefaultParams returns the ETH/USD daily configuration
func DefaultParams() Params {
	const maxEncoder = 365
	return Params{
		Target:                  "close",
		GroupColumn:             "group",
		MinEncoderLength:        maxEncoder / 2,
		MaxEncoderLength:        maxEncoder,
		MinPredictionLength:     1,
		MaxPredictionLength:     7,
		StaticCategoricals:      []string{"group"},
		TimeVaryingKnownReals:   []string{},
		TimeVaryingUnknownReals: []string{"open", "high", "low", "volumeto", "close"},
		AddRelativeTimeIdx:      true,
		AddTargetScales:         true,
		AddEncoderLength:        true,
	}
}

func (p Params) validate() error {
	if p.MinEncoderLength < 1 || p.MinEncoderLength > p.MaxEncoderLength {
		return fmt.Errorf("invalid encoder lengths [%d, %d]", p.MinEncoderLength, p.MaxEncoderLength)
	}
	if p.MinPredictionLength < 1 || p.MinPredictionLength > p.MaxPredictionLength {
		return fmt.Errorf("invalid prediction lengths [%d, %d]", p.MinPredictionLength, p.MaxPredictionLength)
	}
	if p.Target == "" {
		return errors.New("target is required")
	}
	for _, c := range p.StaticCategoricals {
		if c != p.GroupColumn {
			return fmt.Errorf("unsupported static categorical %q", c)
		}
	}
	return nil
}

// Schema describes the variables a model built on the dataset consumes
type Schema struct {
	Target                 string
	StaticCategoricals     []string
	CategoricalCardinality []int
	StaticReals            []string
	EncoderReals           []string
	DecoderReals           []string
	MaxEncoderLength       int
	MaxPredictionLength    int
}

// Window locates one sample inside a group
type Window struct {
	Group         string
	Start         int // offset within the group's rows
	EncoderLength int
	DecoderLength int
}

// Sample is one materialized encoder/decoder window
type Sample struct {
	Group          string
	Categoricals   []int
	StaticReals    []float64
	EncoderReals   [][]float64 // EncoderLength x len(Schema.EncoderReals)
	DecoderReals   [][]float64 // DecoderLength x len(Schema.DecoderReals)
	Target         []float64   // raw target over the decoder
	TargetScale    TargetScale
	EncoderLength  int
	DecoderLength  int
	DecoderTimeIdx []int
	DecoderTime    []time.Time
}

// TimeSeriesDataSet turns a frame into fixed-length encoder/decoder windows
// with normalization fit on the frame it was created from.
type TimeSeriesDataSet struct {
	params     Params
	predict    bool
	groups     map[string][]Row
	index      []Window
	normalizer *GroupNormalizer
	scalers    map[string]*StandardScaler
	labels     *LabelEncoder
	schema     Schema
}

// New builds a dataset from frame and fits all normalization on it
func New(frame *Frame, params Params) (*TimeSeriesDataSet, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	groups, err := groupRows(frame)
	if err != nil {
		return nil, err
	}

	normalizer, err := FitGroupNormalizer(frame, params.Target)
	if err != nil {
		return nil, err
	}

	d := &TimeSeriesDataSet{
		params:     params,
		groups:     groups,
		normalizer: normalizer,
		scalers:    make(map[string]*StandardScaler),
		labels:     FitLabelEncoder(sortedKeys(groups)),
	}

	for _, name := range d.scaledReals() {
		var values []float64
		for _, r := range frame.Rows {
			v, err := r.Value(name)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		d.scalers[name] = FitStandardScaler(values)
	}

	if params.AddTargetScales {
		var centers, scales []float64
		for _, g := range sortedKeys(groups) {
			s, _ := normalizer.Scale(g)
			centers = append(centers, s.Center)
			scales = append(scales, s.Scale)
		}
		d.scalers[params.Target+"_center"] = FitStandardScaler(centers)
		d.scalers[params.Target+"_scale"] = FitStandardScaler(scales)
	}

	d.schema = d.buildSchema()
	if err := d.buildIndex(); err != nil {
		return nil, err
	}
	return d, nil
}

// FromOptions controls how FromDataset derives a dataset
type FromOptions struct {
	// Predict keeps only the last full window of every group
	Predict bool
	// StopRandomization is accepted for parity with training options; window
	// lengths are never randomized, so it has no effect.
	StopRandomization bool
}

// FromDataset applies base's fitted schema, normalizer and scalers to frame
func FromDataset(base *TimeSeriesDataSet, frame *Frame, opts FromOptions) (*TimeSeriesDataSet, error) {
	groups, err := groupRows(frame)
	if err != nil {
		return nil, err
	}
	for g := range groups {
		if _, err := base.normalizer.Scale(g); err != nil {
			return nil, err
		}
	}

	params := base.params
	if opts.Predict {
		params.MinPredictionLength = params.MaxPredictionLength
	}

	d := &TimeSeriesDataSet{
		params:     params,
		predict:    opts.Predict,
		groups:     groups,
		normalizer: base.normalizer,
		scalers:    base.scalers,
		labels:     base.labels,
		schema:     base.schema,
	}
	if err := d.buildIndex(); err != nil {
		return nil, err
	}
	return d, nil
}

// scaledReals are the time-varying reals standardized by a StandardScaler;
// the target is normalized by the group normalizer instead.
func (d *TimeSeriesDataSet) scaledReals() []string {
	var names []string
	for _, n := range append(append([]string{}, d.params.TimeVaryingKnownReals...), d.params.TimeVaryingUnknownReals...) {
		if n != d.params.Target {
			names = append(names, n)
		}
	}
	return names
}

func (d *TimeSeriesDataSet) buildSchema() Schema {
	s := Schema{
		Target:              d.params.Target,
		StaticCategoricals:  append([]string{}, d.params.StaticCategoricals...),
		MaxEncoderLength:    d.params.MaxEncoderLength,
		MaxPredictionLength: d.params.MaxPredictionLength,
	}
	for range s.StaticCategoricals {
		s.CategoricalCardinality = append(s.CategoricalCardinality, d.labels.Cardinality())
	}
	if d.params.AddEncoderLength {
		s.StaticReals = append(s.StaticReals, EncoderLength)
	}
	if d.params.AddTargetScales {
		s.StaticReals = append(s.StaticReals, d.params.Target+"_center", d.params.Target+"_scale")
	}

	var known []string
	if d.params.AddRelativeTimeIdx {
		known = append(known, RelativeTimeIdx)
	}
	known = append(known, d.params.TimeVaryingKnownReals...)
	s.DecoderReals = known
	s.EncoderReals = append(append([]string{}, known...), d.params.TimeVaryingUnknownReals...)
	return s
}

func (d *TimeSeriesDataSet) buildIndex() error {
	p := d.params
	d.index = nil
	for _, g := range sortedKeys(d.groups) {
		n := len(d.groups[g])
		if d.predict {
			length := min(p.MaxEncoderLength+p.MaxPredictionLength, n)
			if length < p.MinEncoderLength+p.MaxPredictionLength {
				continue
			}
			d.index = append(d.index, Window{
				Group:         g,
				Start:         n - length,
				EncoderLength: length - p.MaxPredictionLength,
				DecoderLength: p.MaxPredictionLength,
			})
			continue
		}
		for start := 0; start < n; start++ {
			length := min(p.MaxEncoderLength+p.MaxPredictionLength, n-start)
			if length < p.MinEncoderLength+p.MinPredictionLength {
				break
			}
			dec := min(p.MaxPredictionLength, length-p.MinEncoderLength)
			d.index = append(d.index, Window{
				Group:         g,
				Start:         start,
				EncoderLength: length - dec,
				DecoderLength: dec,
			})
		}
	}
	if len(d.index) == 0 {
		return fmt.Errorf("%w: need at least %d consecutive days per group for encoder length %d and prediction length %d",
			ErrInsufficientData, p.MinEncoderLength+p.MinPredictionLength, p.MinEncoderLength, p.MinPredictionLength)
	}
	return nil
}

// Len returns the number of samples
func (d *TimeSeriesDataSet) Len() int {
	return len(d.index)
}

// Index returns the sample windows
func (d *TimeSeriesDataSet) Index() []Window {
	return d.index
}

// Params returns the construction parameters
func (d *TimeSeriesDataSet) Params() Params {
	return d.params
}

// Schema returns the variable layout consumed by models
func (d *TimeSeriesDataSet) Schema() Schema {
	return d.schema
}

// Normalizer returns the fitted target normalizer
func (d *TimeSeriesDataSet) Normalizer() *GroupNormalizer {
	return d.normalizer
}

// Predict reports whether the dataset only holds the last window per group
func (d *TimeSeriesDataSet) Predict() bool {
	return d.predict
}

// Get materializes sample i
func (d *TimeSeriesDataSet) Get(i int) (Sample, error) {
	if i < 0 || i >= len(d.index) {
		return Sample{}, fmt.Errorf("sample %d out of range [0, %d)", i, len(d.index))
	}
	w := d.index[i]
	rows := d.groups[w.Group][w.Start : w.Start+w.EncoderLength+w.DecoderLength]
	target := d.params.Target

	scale, err := d.normalizer.Scale(w.Group)
	if err != nil {
		return Sample{}, err
	}
	code, err := d.labels.Encode(w.Group)
	if err != nil {
		return Sample{}, err
	}

	s := Sample{
		Group:         w.Group,
		TargetScale:   scale,
		EncoderLength: w.EncoderLength,
		DecoderLength: w.DecoderLength,
	}
	for range d.schema.StaticCategoricals {
		s.Categoricals = append(s.Categoricals, code)
	}
	for _, name := range d.schema.StaticReals {
		switch name {
		case EncoderLength:
			maxEnc := float64(d.params.MaxEncoderLength)
			s.StaticReals = append(s.StaticReals, (float64(w.EncoderLength)-0.5*maxEnc)/maxEnc*2)
		case target + "_center":
			s.StaticReals = append(s.StaticReals, d.scalers[name].Transform(scale.Center))
		case target + "_scale":
			s.StaticReals = append(s.StaticReals, d.scalers[name].Transform(scale.Scale))
		}
	}

	for pos, r := range rows {
		encoder := pos < w.EncoderLength
		names := d.schema.DecoderReals
		if encoder {
			names = d.schema.EncoderReals
		}
		values := make([]float64, len(names))
		for k, name := range names {
			v, err := d.realValue(name, r, pos, w, scale)
			if err != nil {
				return Sample{}, err
			}
			values[k] = v
		}
		if encoder {
			s.EncoderReals = append(s.EncoderReals, values)
			continue
		}
		s.DecoderReals = append(s.DecoderReals, values)
		y, err := r.Value(target)
		if err != nil {
			return Sample{}, err
		}
		s.Target = append(s.Target, y)
		s.DecoderTimeIdx = append(s.DecoderTimeIdx, r.TimeIdx)
		s.DecoderTime = append(s.DecoderTime, r.Time)
	}
	return s, nil
}

func (d *TimeSeriesDataSet) realValue(name string, r Row, pos int, w Window, scale TargetScale) (float64, error) {
	if name == RelativeTimeIdx {
		return float64(pos-w.EncoderLength) / float64(d.params.MaxEncoderLength), nil
	}
	v, err := r.Value(name)
	if err != nil {
		return 0, err
	}
	if name == d.params.Target {
		return (v - scale.Center) / scale.Scale, nil
	}
	scaler, ok := d.scalers[name]
	if !ok {
		return 0, fmt.Errorf("no scaler fit for %q", name)
	}
	return scaler.Transform(v), nil
}

// groupRows splits the frame by group and checks each group has exactly one
// row per consecutive time_idx.
func groupRows(frame *Frame) (map[string][]Row, error) {
	groups := make(map[string][]Row)
	for _, r := range frame.Rows {
		groups[r.Group] = append(groups[r.Group], r)
	}
	for g, rows := range groups {
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].TimeIdx < rows[j].TimeIdx })
		for i := 1; i < len(rows); i++ {
			switch diff := rows[i].TimeIdx - rows[i-1].TimeIdx; {
			case diff == 0:
				return nil, fmt.Errorf("%w: group %q at time_idx %d", ErrDuplicateTimeIdx, g, rows[i].TimeIdx)
			case diff > 1:
				return nil, fmt.Errorf("%w: group %q jumps from time_idx %d to %d", ErrMissingTimesteps, g, rows[i-1].TimeIdx, rows[i].TimeIdx)
			}
		}
	}
	return groups, nil
}

func sortedKeys(m map[string][]Row) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
