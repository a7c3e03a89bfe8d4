// Package rules provides the CEL-Go based rule evaluation engine.
package rules

import (
	"context"
	"fmt"
	"runtime"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/sourcegraph/conc/pool"
)

// DefaultThreshold is the normalized score at which a record is rule-flagged.
const DefaultThreshold = 0.4

// minChunk keeps goroutine overhead small relative to per-record work.
const minChunk = 256

// Engine evaluates a fixed, ordered rule catalogue.
// The catalogue is compiled once and never mutated, so an Engine is safe
// for concurrent use.
type Engine struct {
	rules       []*CompiledRule
	totalWeight float64
	maxWorkers  int

	// Threshold is compared with >= against the normalized score.
	Threshold float64
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule
	program cel.Program
}

// NewEngine compiles the catalogue. Every expression must produce a bool,
// weights must be non-negative and names unique.
func NewEngine(catalogue []Rule, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = runtime.GOMAXPROCS(0)
	}
	if len(catalogue) == 0 {
		return nil, domain.NewError(domain.KindValidation, "rule catalogue is empty")
	}

	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{
		rules:      make([]*CompiledRule, 0, len(catalogue)),
		maxWorkers: maxWorkers,
		Threshold:  DefaultThreshold,
	}

	seen := make(map[string]bool, len(catalogue))
	for _, r := range catalogue {
		if seen[r.Name] {
			return nil, domain.NewError(domain.KindValidation, "duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true

		if r.Weight < 0 {
			return nil, domain.NewError(domain.KindValidation, "rule %q has negative weight %v", r.Name, r.Weight)
		}

		compiled, err := compileRule(env, r)
		if err != nil {
			return nil, err
		}
		e.rules = append(e.rules, compiled)
		e.totalWeight += r.Weight
	}

	return e, nil
}

// newEnv declares the typed catalogue fields plus tx, the raw record, for
// custom catalogues that match on fields outside the typed set.
func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("hour_of_day", cel.IntType),
		cel.Variable("transaction_status", cel.StringType),
		cel.Variable("transaction_type", cel.StringType),
		cel.Variable("merchant_category", cel.StringType),
		cel.Variable("sender_state", cel.StringType),
		cel.Variable("receiver_state", cel.StringType),
		cel.Variable("sender_age_group", cel.StringType),
		cel.Variable("receiver_age_group", cel.StringType),
		cel.Variable("device_type", cel.StringType),
		cel.Variable("network_type", cel.StringType),
		cel.Variable("is_weekend", cel.IntType),
	)
}

func compileRule(env *cel.Env, r Rule) (*CompiledRule, error) {
	ast, issues := env.Compile(r.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %q: %w", r.Name, issues.Err())
	}

	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("rule %q: expression must return bool, got %s", r.Name, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %q: %w", r.Name, err)
	}

	return &CompiledRule{Rule: r, program: program}, nil
}

// activation maps a record onto the CEL variables, filling absent fields
// with the catalogue defaults. A missing receiver_state mirrors
// sender_state so that the cross-state rule stays silent.
func activation(rec domain.Record) map[string]any {
	sender := rec.String(domain.FieldSenderState, "")
	return map[string]any{
		"tx":                 map[string]any(rec),
		"amount":             rec.Amount(),
		"hour_of_day":        rec.Int(domain.FieldHourOfDay, 12),
		"transaction_status": rec.String(domain.FieldTransactionStatus, "SUCCESS"),
		"transaction_type":   rec.String(domain.FieldTransactionType, ""),
		"merchant_category":  rec.String(domain.FieldMerchantCategory, ""),
		"sender_state":       sender,
		"receiver_state":     rec.String(domain.FieldReceiverState, sender),
		"sender_age_group":   rec.String(domain.FieldSenderAgeGroup, ""),
		"receiver_age_group": rec.String(domain.FieldReceiverAgeGroup, ""),
		"device_type":        rec.String(domain.FieldDeviceType, "Android"),
		"network_type":       rec.String(domain.FieldNetworkType, "4G"),
		"is_weekend":         rec.Int(domain.FieldIsWeekend, 0),
	}
}

// EvaluateSingle scores one record against every rule.
func (e *Engine) EvaluateSingle(rec domain.Record) (domain.RuleEvaluation, error) {
	vars := activation(rec)

	triggered := make([]string, 0, 4)
	var sum float64
	for _, r := range e.rules {
		out, _, err := r.program.Eval(vars)
		if err != nil {
			return domain.RuleEvaluation{}, fmt.Errorf("rule %q: evaluation error: %w", r.Name, err)
		}
		if b, ok := out.(types.Bool); ok && bool(b) {
			triggered = append(triggered, r.Name)
			sum += r.Weight
		}
	}

	var score float64
	if e.totalWeight > 0 {
		score = sum / e.totalWeight
	}

	return domain.RuleEvaluation{
		Score:     score,
		Triggered: triggered,
		IsFraud:   score >= e.Threshold,
	}, nil
}

// Apply evaluates every record of the dataset. Records are split into
// contiguous chunks scored on a bounded pool; results keep dataset order.
func (e *Engine) Apply(ctx context.Context, dataset domain.Dataset) ([]domain.RuleEvaluation, error) {
	results := make([]domain.RuleEvaluation, len(dataset))
	if len(dataset) == 0 {
		return results, nil
	}

	chunk := (len(dataset) + e.maxWorkers - 1) / e.maxWorkers
	if chunk < minChunk {
		chunk = minChunk
	}

	p := pool.New().
		WithContext(ctx).
		WithMaxGoroutines(e.maxWorkers).
		WithCancelOnError()

	for start := 0; start < len(dataset); start += chunk {
		end := min(start+chunk, len(dataset))
		p.Go(func(ctx context.Context) error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				res, err := e.EvaluateSingle(dataset[i])
				if err != nil {
					return fmt.Errorf("record %d: %w", i, err)
				}
				results[i] = res
			}
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Rules returns the catalogue in evaluation order.
func (e *Engine) Rules() []domain.RuleDescriptor {
	out := make([]domain.RuleDescriptor, len(e.rules))
	for i, r := range e.rules {
		out[i] = domain.RuleDescriptor{
			Name:        r.Name,
			Description: r.Description,
			Weight:      r.Weight,
		}
	}
	return out
}

// RulesCount returns the number of catalogue entries.
func (e *Engine) RulesCount() int {
	return len(e.rules)
}

// TotalWeight returns the catalogue weight sum used for normalization.
func (e *Engine) TotalWeight() float64 {
	return e.totalWeight
}

// Enrich returns a copy of rec carrying the rule_score and
// rule_based_fraud columns consumed by the feature encoder.
func Enrich(rec domain.Record, res domain.RuleEvaluation) domain.Record {
	out := rec.Clone()
	out[domain.FieldRuleScore] = res.Score
	if res.IsFraud {
		out[domain.FieldRuleBasedFraud] = 1
	} else {
		out[domain.FieldRuleBasedFraud] = 0
	}
	return out
}

// EnrichAll applies Enrich pairwise. The slices must have equal length.
func EnrichAll(dataset domain.Dataset, results []domain.RuleEvaluation) domain.Dataset {
	out := make(domain.Dataset, len(dataset))
	for i, rec := range dataset {
		out[i] = Enrich(rec, results[i])
	}
	return out
}
