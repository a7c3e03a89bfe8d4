// Package features turns cleaned transaction records into the numeric
// matrix consumed by the classifier.
package features

import (
	"context"
	"encoding/json"
	"runtime"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"golang.org/x/sync/errgroup"
)

// UnseenCode is emitted for a categorical value absent from the vocabulary.
const UnseenCode = -1

// DefaultColumns is the candidate feature set in matrix order. Columns not
// present in the training data are skipped.
var DefaultColumns = []string{
	domain.FieldTransactionType,
	domain.FieldMerchantCategory,
	domain.FieldAmount,
	domain.FieldSenderAgeGroup,
	domain.FieldReceiverAgeGroup,
	domain.FieldSenderState,
	domain.FieldSenderBank,
	domain.FieldReceiverBank,
	domain.FieldDeviceType,
	domain.FieldNetworkType,
	domain.FieldHourOfDay,
	domain.FieldDayOfWeek,
	domain.FieldIsWeekend,
	domain.FieldRuleScore,
	domain.FieldRuleBasedFraud,
}

const minChunk = 512

// Code is the result of a vocabulary lookup.
type Code struct {
	Value int
	Seen  bool
}

// Vocabulary is a frozen category to code mapping. Codes follow the
// sorted order of the classes, so refitting the same data is stable.
type Vocabulary struct {
	classes []string
	index   map[string]int
}

// NewVocabulary builds a vocabulary from observed values.
func NewVocabulary(values []string) *Vocabulary {
	uniq := make(map[string]struct{}, len(values))
	for _, v := range values {
		uniq[v] = struct{}{}
	}
	classes := make([]string, 0, len(uniq))
	for v := range uniq {
		classes = append(classes, v)
	}
	sort.Strings(classes)

	index := make(map[string]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	return &Vocabulary{classes: classes, index: index}
}

// Lookup returns the code of value, or UnseenCode with Seen=false.
func (v *Vocabulary) Lookup(value string) Code {
	if code, ok := v.index[value]; ok {
		return Code{Value: code, Seen: true}
	}
	return Code{Value: UnseenCode}
}

// Classes returns the categories in code order.
func (v *Vocabulary) Classes() []string {
	return append([]string(nil), v.classes...)
}

// Len returns the number of known categories.
func (v *Vocabulary) Len() int {
	return len(v.classes)
}

func (v *Vocabulary) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.classes)
}

func (v *Vocabulary) UnmarshalJSON(data []byte) error {
	var classes []string
	if err := json.Unmarshal(data, &classes); err != nil {
		return err
	}
	*v = *NewVocabulary(classes)
	if len(v.classes) != len(classes) {
		return domain.NewError(domain.KindDataShapeMismatch, "vocabulary contains duplicate classes")
	}
	return nil
}

// State is the fitted encoder: the ordered feature list plus one
// vocabulary per categorical column. It is immutable once built.
type State struct {
	FeatureNames []string               `json:"featureNames"`
	Vocabularies map[string]*Vocabulary `json:"vocabularies"`
}

// Validate checks the internal consistency of a state, typically one
// reassembled from persisted artifact units.
func (s *State) Validate() error {
	if len(s.FeatureNames) == 0 {
		return domain.NewError(domain.KindDataShapeMismatch, "encoder state has no features")
	}
	seen := make(map[string]bool, len(s.FeatureNames))
	for _, name := range s.FeatureNames {
		if seen[name] {
			return domain.NewError(domain.KindDataShapeMismatch, "duplicate feature %q", name)
		}
		seen[name] = true
	}
	for col, vocab := range s.Vocabularies {
		if !seen[col] {
			return domain.NewError(domain.KindDataShapeMismatch, "vocabulary for %q has no matching feature", col)
		}
		if vocab == nil {
			return domain.NewError(domain.KindDataShapeMismatch, "vocabulary for %q is empty", col)
		}
	}
	return nil
}

// Lookup maps a categorical value to its code. Columns without a
// vocabulary yield {0, false}; unseen values yield {UnseenCode, false}.
func (s *State) Lookup(column, value string) Code {
	vocab, ok := s.Vocabularies[column]
	if !ok {
		return Code{}
	}
	return vocab.Lookup(value)
}

func (s *State) value(column string, v any) float64 {
	if vocab, ok := s.Vocabularies[column]; ok {
		if v == nil {
			return UnseenCode
		}
		return float64(vocab.Lookup(domain.Stringify(v)).Value)
	}
	if f, ok := domain.ToFloat(v); ok {
		return f
	}
	return 0
}

// Encode projects records onto the trained feature order. Every trained
// feature must be carried by the dataset; extra columns are ignored.
func (s *State) Encode(ctx context.Context, dataset domain.Dataset) ([][]float64, error) {
	present := presentColumns(dataset)
	for _, name := range s.FeatureNames {
		if !present[name] {
			return nil, domain.NewError(domain.KindDataShapeMismatch, "trained feature %q is missing from input", name)
		}
	}
	return s.encodeRows(ctx, dataset, runtime.GOMAXPROCS(0))
}

func (s *State) encodeRows(ctx context.Context, dataset domain.Dataset, workers int) ([][]float64, error) {
	out := make([][]float64, len(dataset))
	if len(dataset) == 0 {
		return out, nil
	}

	chunk := max((len(dataset)+workers-1)/workers, minChunk)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < len(dataset); start += chunk {
		end := min(start+chunk, len(dataset))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				row := make([]float64, len(s.FeatureNames))
				for j, col := range s.FeatureNames {
					v, _ := columnValue(dataset[i], col)
					row[j] = s.value(col, v)
				}
				out[i] = row
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Encoder fits a State from training data and transforms records with it.
// Each training run uses a fresh Encoder; inference goes through the
// frozen State.
type Encoder struct {
	columns []string
	workers int
	state   *State
}

// NewEncoder returns an encoder over the given candidate columns, or
// DefaultColumns when none are given.
func NewEncoder(columns ...string) *Encoder {
	if len(columns) == 0 {
		columns = DefaultColumns
	}
	return &Encoder{
		columns: append([]string(nil), columns...),
		workers: runtime.GOMAXPROCS(0),
	}
}

// Fit builds the vocabularies in one sequential pass over the dataset.
// A column is categorical when any record holds a string for it.
func (e *Encoder) Fit(dataset domain.Dataset) (*State, error) {
	if len(dataset) == 0 {
		return nil, domain.NewError(domain.KindValidation, "cannot fit encoder on an empty dataset")
	}

	present := presentColumns(dataset)
	state := &State{Vocabularies: make(map[string]*Vocabulary)}
	for _, col := range e.columns {
		if !present[col] {
			continue
		}
		state.FeatureNames = append(state.FeatureNames, col)

		categorical := false
		values := make([]string, 0, 64)
		for _, rec := range dataset {
			v, ok := columnValue(rec, col)
			if !ok {
				continue
			}
			if _, isString := v.(string); isString {
				categorical = true
			}
			values = append(values, domain.Stringify(v))
		}
		if categorical {
			state.Vocabularies[col] = NewVocabulary(values)
		}
	}

	if len(state.FeatureNames) == 0 {
		return nil, domain.NewError(domain.KindValidation, "dataset carries none of the feature columns")
	}

	e.state = state
	return state, nil
}

// Transform encodes the dataset. In training mode the encoder is refit
// first; otherwise the last fitted state is used.
func (e *Encoder) Transform(ctx context.Context, dataset domain.Dataset, training bool) ([][]float64, error) {
	if training {
		state, err := e.Fit(dataset)
		if err != nil {
			return nil, err
		}
		return state.encodeRows(ctx, dataset, e.workers)
	}
	if e.state == nil {
		return nil, domain.NewError(domain.KindUntrainedModel, "encoder has not been fitted")
	}
	return e.state.Encode(ctx, dataset)
}

// State returns the last fitted state, or nil.
func (e *Encoder) State() *State {
	return e.state
}

// columnValue reads a column, resolving the amount aliases.
func columnValue(rec domain.Record, col string) (any, bool) {
	if v, ok := rec[col]; ok && v != nil {
		return v, true
	}
	if col == domain.FieldAmount {
		for _, alias := range domain.AmountAliases {
			if v, ok := rec[alias]; ok && v != nil {
				return v, true
			}
		}
	}
	return nil, false
}

func presentColumns(dataset domain.Dataset) map[string]bool {
	present := make(map[string]bool)
	for _, rec := range dataset {
		for col := range rec {
			if rec[col] != nil {
				present[col] = true
			}
		}
		if _, ok := columnValue(rec, domain.FieldAmount); ok {
			present[domain.FieldAmount] = true
		}
	}
	return present
}
