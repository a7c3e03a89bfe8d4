package rules

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newDefaultEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(DefaultCatalogue(), 4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return engine
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestEngineCreation(t *testing.T) {
	engine := newDefaultEngine(t)

	if engine.RulesCount() != 10 {
		t.Errorf("expected 10 rules, got %d", engine.RulesCount())
	}
	if !approx(engine.TotalWeight(), 1.85) {
		t.Errorf("expected total weight 1.85, got %v", engine.TotalWeight())
	}
	if engine.Threshold != 0.4 {
		t.Errorf("expected default threshold 0.4, got %v", engine.Threshold)
	}
}

func TestInvalidCatalogue(t *testing.T) {
	tests := []struct {
		name      string
		catalogue []Rule
	}{
		{"Empty", nil},
		{"BadSyntax", []Rule{{Name: "bad", Weight: 1, Expression: "this is not valid CEL !!!"}}},
		{"NonBool", []Rule{{Name: "double", Weight: 1, Expression: "amount * 2.0"}}},
		{"UnknownVariable", []Rule{{Name: "unknown", Weight: 1, Expression: "velocity_count > 3"}}},
		{"NegativeWeight", []Rule{{Name: "neg", Weight: -0.1, Expression: "amount > 1.0"}}},
		{"DuplicateName", []Rule{
			{Name: "dup", Weight: 0.1, Expression: "amount > 1.0"},
			{Name: "dup", Weight: 0.2, Expression: "amount > 2.0"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEngine(tt.catalogue, 1); err == nil {
				t.Error("expected catalogue to be rejected")
			}
		})
	}
}

func TestCustomCatalogueReadsRawRecord(t *testing.T) {
	engine, err := NewEngine([]Rule{
		{Name: "Flagged Handle", Weight: 1, Expression: `"upi_handle" in tx && tx["upi_handle"] == "mule@upi"`},
	}, 1)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	hit, err := engine.EvaluateSingle(domain.Record{"amount": 100.0, "upi_handle": "mule@upi"})
	if err != nil {
		t.Fatalf("EvaluateSingle failed: %v", err)
	}
	if !reflect.DeepEqual(hit.Triggered, []string{"Flagged Handle"}) || !hit.IsFraud {
		t.Errorf("expected flagged handle to trigger, got %+v", hit)
	}

	miss, err := engine.EvaluateSingle(domain.Record{"amount": 100.0})
	if err != nil {
		t.Fatalf("EvaluateSingle failed: %v", err)
	}
	if len(miss.Triggered) != 0 {
		t.Errorf("expected no triggered rules, got %v", miss.Triggered)
	}
}

func TestCatalogueScenarios(t *testing.T) {
	engine := newDefaultEngine(t)

	t.Run("HighAmountUnusualHourFailed", func(t *testing.T) {
		res, err := engine.EvaluateSingle(domain.Record{
			"amount":             15000.0,
			"hour_of_day":        2,
			"transaction_status": "FAILED",
		})
		if err != nil {
			t.Fatalf("EvaluateSingle failed: %v", err)
		}

		want := []string{"High Amount Transaction", "Unusual Hour Transaction", "Failed Transaction Pattern"}
		if !reflect.DeepEqual(res.Triggered, want) {
			t.Errorf("expected triggered %v, got %v", want, res.Triggered)
		}
		if !approx(res.Score, 0.75/1.85) {
			t.Errorf("expected score %.4f, got %.4f", 0.75/1.85, res.Score)
		}
		if !res.IsFraud {
			t.Error("expected rule-based fraud")
		}
	})

	t.Run("VerySmallAmountOnly", func(t *testing.T) {
		res, err := engine.EvaluateSingle(domain.Record{
			"amount":             10.0,
			"hour_of_day":        12,
			"transaction_status": "SUCCESS",
			"is_weekend":         0,
			"device_type":        "Android",
			"network_type":       "4G",
		})
		if err != nil {
			t.Fatalf("EvaluateSingle failed: %v", err)
		}

		if !reflect.DeepEqual(res.Triggered, []string{"Very Small Amount"}) {
			t.Errorf("expected only Very Small Amount, got %v", res.Triggered)
		}
		if !approx(res.Score, 0.10/1.85) {
			t.Errorf("expected score %.4f, got %.4f", 0.10/1.85, res.Score)
		}
		if res.IsFraud {
			t.Error("expected no rule-based fraud")
		}
	})

	t.Run("WebP2PShoppingSameState", func(t *testing.T) {
		res, err := engine.EvaluateSingle(domain.Record{
			"amount":            6000.0,
			"transaction_type":  "P2P",
			"merchant_category": "Shopping",
			"device_type":       "Web",
		})
		if err != nil {
			t.Fatalf("EvaluateSingle failed: %v", err)
		}

		want := []string{"Suspicious Device Type", "Risky Category Combination"}
		if !reflect.DeepEqual(res.Triggered, want) {
			t.Errorf("expected triggered %v, got %v", want, res.Triggered)
		}
		if !approx(res.Score, 0.30/1.85) {
			t.Errorf("expected score %.4f, got %.4f", 0.30/1.85, res.Score)
		}
	})

	t.Run("WebP2PShoppingCrossState", func(t *testing.T) {
		res, err := engine.EvaluateSingle(domain.Record{
			"amount":            6000.0,
			"transaction_type":  "P2P",
			"merchant_category": "Shopping",
			"device_type":       "Web",
			"sender_state":      "Delhi",
			"receiver_state":    "Kerala",
		})
		if err != nil {
			t.Fatalf("EvaluateSingle failed: %v", err)
		}

		want := []string{"Cross-State High Value", "Suspicious Device Type", "Risky Category Combination"}
		if !reflect.DeepEqual(res.Triggered, want) {
			t.Errorf("expected triggered %v, got %v", want, res.Triggered)
		}
		if !approx(res.Score, 0.55/1.85) {
			t.Errorf("expected score %.4f, got %.4f", 0.55/1.85, res.Score)
		}
		if res.IsFraud {
			t.Error("0.297 should stay below the threshold")
		}
	})

	t.Run("MissingReceiverStateMirrorsSender", func(t *testing.T) {
		res, err := engine.EvaluateSingle(domain.Record{
			"amount":       7000.0,
			"sender_state": "Goa",
		})
		if err != nil {
			t.Fatalf("EvaluateSingle failed: %v", err)
		}
		for _, name := range res.Triggered {
			if name == "Cross-State High Value" {
				t.Error("cross-state rule must not fire without a receiver state")
			}
		}
	})

	t.Run("AmountAlias", func(t *testing.T) {
		res, err := engine.EvaluateSingle(domain.Record{"amount (INR)": 12000.0})
		if err != nil {
			t.Fatalf("EvaluateSingle failed: %v", err)
		}
		if len(res.Triggered) == 0 || res.Triggered[0] != "High Amount Transaction" {
			t.Errorf("expected alias to feed the amount rules, got %v", res.Triggered)
		}
	})

	t.Run("AgeGroupMismatchBothDirections", func(t *testing.T) {
		for _, pair := range [][2]string{{"56+", "18-25"}, {"18-25", "56+"}} {
			res, err := engine.EvaluateSingle(domain.Record{
				"amount":             4000.0,
				"sender_age_group":   pair[0],
				"receiver_age_group": pair[1],
			})
			if err != nil {
				t.Fatalf("EvaluateSingle failed: %v", err)
			}
			if !reflect.DeepEqual(res.Triggered, []string{"Age Group Mismatch"}) {
				t.Errorf("%v: expected Age Group Mismatch, got %v", pair, res.Triggered)
			}
		}
	})
}

func TestThresholdBoundary(t *testing.T) {
	tests := []struct {
		name    string
		weights [2]float64
		want    bool
	}{
		{"ExactlyAtThreshold", [2]float64{0.4, 0.6}, true},
		{"JustBelowThreshold", [2]float64{0.399999, 0.600001}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := NewEngine([]Rule{
				{Name: "fires", Weight: tt.weights[0], Expression: "amount > 0.0"},
				{Name: "silent", Weight: tt.weights[1], Expression: "amount < 0.0"},
			}, 1)
			if err != nil {
				t.Fatalf("failed to create engine: %v", err)
			}

			res, err := engine.EvaluateSingle(domain.Record{"amount": 1.0})
			if err != nil {
				t.Fatalf("EvaluateSingle failed: %v", err)
			}
			if res.IsFraud != tt.want {
				t.Errorf("score %.7f: expected IsFraud=%v", res.Score, tt.want)
			}
		})
	}
}

func TestScoreBounds(t *testing.T) {
	engine := newDefaultEngine(t)

	records := domain.Dataset{
		{},
		{"amount": 0.0},
		{
			"amount": 50000.0, "hour_of_day": 23, "transaction_status": "FAILED",
			"sender_state": "A", "receiver_state": "B", "device_type": "Web",
			"is_weekend": 1, "sender_age_group": "56+", "receiver_age_group": "18-25",
			"transaction_type": "P2P", "merchant_category": "Entertainment", "network_type": "3G",
		},
	}

	for i, rec := range records {
		res, err := engine.EvaluateSingle(rec)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if res.Score < 0 || res.Score > 1 {
			t.Errorf("record %d: score %v out of [0,1]", i, res.Score)
		}
	}

	all, _ := engine.EvaluateSingle(records[2])
	// Every rule except Very Small Amount fires.
	if !approx(all.Score, 1.75/1.85) {
		t.Errorf("expected %.4f for the all-but-one record, got %.4f", 1.75/1.85, all.Score)
	}
}

func TestDeterminism(t *testing.T) {
	engine := newDefaultEngine(t)
	rec := domain.Record{"amount": 9000.0, "is_weekend": 1, "hour_of_day": 4}

	first, err := engine.EvaluateSingle(rec)
	if err != nil {
		t.Fatalf("EvaluateSingle failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, _ := engine.EvaluateSingle(rec)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs: %+v vs %+v", i, first, again)
		}
	}
}

func TestApply(t *testing.T) {
	engine := newDefaultEngine(t)
	ctx := context.Background()

	dataset := make(domain.Dataset, 2000)
	for i := range dataset {
		dataset[i] = domain.Record{
			"amount":             float64(i * 13 % 20000),
			"hour_of_day":        i % 24,
			"transaction_status": []string{"SUCCESS", "FAILED"}[i%2],
			"device_type":        []string{"Android", "iOS", "Web"}[i%3],
		}
	}

	t.Run("MatchesSequential", func(t *testing.T) {
		results, err := engine.Apply(ctx, dataset)
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if len(results) != len(dataset) {
			t.Fatalf("expected %d results, got %d", len(dataset), len(results))
		}
		for i, rec := range dataset {
			want, _ := engine.EvaluateSingle(rec)
			if !reflect.DeepEqual(results[i], want) {
				t.Fatalf("record %d: parallel %+v != sequential %+v", i, results[i], want)
			}
		}
	})

	t.Run("Empty", func(t *testing.T) {
		results, err := engine.Apply(ctx, nil)
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if len(results) != 0 {
			t.Errorf("expected no results, got %d", len(results))
		}
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := engine.Apply(cancelled, dataset)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("Summary", func(t *testing.T) {
		results, _ := engine.Apply(ctx, dataset)
		summary := domain.Summarize(results)
		if summary.TotalTransactions != len(dataset) {
			t.Errorf("expected total %d, got %d", len(dataset), summary.TotalTransactions)
		}
		flagged := 0
		for _, r := range results {
			if r.IsFraud {
				flagged++
			}
		}
		if summary.FlaggedByRules != flagged {
			t.Errorf("expected %d flagged, got %d", flagged, summary.FlaggedByRules)
		}
	})
}

func TestEnrich(t *testing.T) {
	rec := domain.Record{"amount": 15000.0}
	res := domain.RuleEvaluation{Score: 0.5, IsFraud: true}

	enriched := Enrich(rec, res)

	if enriched[domain.FieldRuleScore] != 0.5 {
		t.Errorf("expected rule_score 0.5, got %v", enriched[domain.FieldRuleScore])
	}
	if enriched[domain.FieldRuleBasedFraud] != 1 {
		t.Errorf("expected rule_based_fraud 1, got %v", enriched[domain.FieldRuleBasedFraud])
	}
	if _, ok := rec[domain.FieldRuleScore]; ok {
		t.Error("Enrich must not mutate its input")
	}
}

func TestRulesDescribe(t *testing.T) {
	engine := newDefaultEngine(t)
	described := engine.Rules()

	for i, r := range DefaultCatalogue() {
		if described[i].Name != r.Name {
			t.Errorf("position %d: expected %q, got %q", i, r.Name, described[i].Name)
		}
		if described[i].Description == "" {
			t.Errorf("rule %q has no description", r.Name)
		}
	}
}

func BenchmarkApply(b *testing.B) {
	engine, _ := NewEngine(DefaultCatalogue(), 0)
	dataset := make(domain.Dataset, 10000)
	for i := range dataset {
		dataset[i] = domain.Record{"amount": float64(i), "hour_of_day": i % 24}
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Apply(ctx, dataset); err != nil {
			b.Fatal(err)
		}
	}
}
