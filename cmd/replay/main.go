// Replay tool for measuring Kestrel against a labelled UPI transaction CSV.
//
// Usage:
//
//	go run ./cmd/replay -csv /path/to/upi_transactions.csv -url http://localhost:8080 -train
//
// This tool:
//  1. Reads a cleaned CSV, normalizing headers to snake_case
//  2. Optionally trains the server on it via POST /train
//  3. Replays every row against POST /predict
//  4. Compares final_prediction with fraud_flag and reports the confusion matrix
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/sourcegraph/conc/pool"
)

// PredictResponse is the subset of the /predict response the replay reads.
type PredictResponse struct {
	FinalPrediction bool             `json:"final_prediction"`
	RiskLevel       domain.RiskLevel `json:"risk_level"`
	Reasons         []string         `json:"reasons"`
}

// TrainResponse is the subset of the /train response the replay reads.
type TrainResponse struct {
	Version string                  `json:"version"`
	Metrics *domain.TrainingMetrics `json:"metrics"`
}

// Metrics tracks replay results
type Metrics struct {
	TruePositives  atomic.Int64
	FalsePositives atomic.Int64
	TrueNegatives  atomic.Int64
	FalseNegatives atomic.Int64

	TotalProcessed atomic.Int64
	TotalErrors    atomic.Int64
	Unlabelled     atomic.Int64

	HighRisk   atomic.Int64
	MediumRisk atomic.Int64
	LowRisk    atomic.Int64

	LatencyMicros atomic.Int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to the cleaned transaction CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	train := flag.Bool("train", false, "POST the dataset to /train before replaying")
	limit := flag.Int("limit", 0, "Maximum rows to read (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/transactions.csv [-url http://localhost:8080] [-train]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║            KESTREL REPLAY - Hybrid Fraud Scoring              ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	client := &http.Client{Timeout: 5 * time.Minute}

	if err := checkHealth(client, *baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	fmt.Printf("\nReading transactions from %s...\n", *csvPath)
	records, err := readCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d transactions\n", len(records))

	fraudCount := 0
	for _, rec := range records {
		if label, ok := domain.Label(rec[domain.FieldFraudFlag]); ok && label == 1 {
			fraudCount++
		}
	}
	if len(records) > 0 {
		fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(records)))
	}

	if *train {
		fmt.Println("\nTraining model...")
		result, err := trainModel(client, *baseURL, records)
		if err != nil {
			fmt.Printf("ERROR: Training failed: %v\n", err)
			os.Exit(1)
		}
		printTraining(result)
	}

	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	start := time.Now()
	metrics := replay(client, *baseURL, records, *workers, *verbose)
	printResults(metrics, time.Since(start))
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readCSV loads rows as records. Headers are trimmed, lowercased and have
// spaces replaced by underscores; numeric cells become float64.
func readCSV(path string, limit int) (domain.Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i, col := range header {
		header[i] = normalizeHeader(col)
	}

	var records domain.Dataset
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		rec := make(domain.Record, len(header))
		for i, cell := range row {
			if i >= len(header) {
				break
			}
			rec[header[i]] = parseCell(cell)
		}
		records = append(records, rec)

		if limit > 0 && len(records) >= limit {
			break
		}
	}

	return records, nil
}

func normalizeHeader(col string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(col)), " ", "_")
}

func parseCell(cell string) any {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return nil
	}
	// JSON cannot carry NaN or Inf, so those spellings stay strings.
	if f, err := strconv.ParseFloat(cell, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	return cell
}

func trainModel(client *http.Client, baseURL string, records domain.Dataset) (*TrainResponse, error) {
	var result TrainResponse
	if err := postJSON(client, baseURL+"/train", map[string]any{"records": records}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func replay(client *http.Client, baseURL string, records domain.Dataset, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}
	p := pool.New().WithMaxGoroutines(max(numWorkers, 1))

	for _, rec := range records {
		p.Go(func() {
			start := time.Now()
			var result PredictResponse
			err := postJSON(client, baseURL+"/predict", rec, &result)
			metrics.LatencyMicros.Add(time.Since(start).Microseconds())
			metrics.TotalProcessed.Add(1)

			txID := rec.String(domain.FieldTransactionID, "-")
			if err != nil {
				metrics.TotalErrors.Add(1)
				if verbose {
					fmt.Printf("ERROR: %s -> %v\n", txID, err)
				}
				return
			}

			switch result.RiskLevel {
			case domain.RiskHigh:
				metrics.HighRisk.Add(1)
			case domain.RiskMedium:
				metrics.MediumRisk.Add(1)
			default:
				metrics.LowRisk.Add(1)
			}

			label, ok := domain.Label(rec[domain.FieldFraudFlag])
			if !ok {
				metrics.Unlabelled.Add(1)
				return
			}
			predicted, actual := result.FinalPrediction, label == 1

			switch {
			case predicted && actual:
				metrics.TruePositives.Add(1)
			case predicted && !actual:
				metrics.FalsePositives.Add(1)
			case !predicted && !actual:
				metrics.TrueNegatives.Add(1)
			default:
				metrics.FalseNegatives.Add(1)
			}

			if verbose {
				status := "✓"
				if predicted != actual {
					status = "✗"
				}
				fmt.Printf("%s %-20s | Amount: %10.2f | Fraud: %-5v | Kestrel: %-5v %-6s | %s\n",
					status,
					txID,
					rec.Amount(),
					actual,
					predicted,
					result.RiskLevel,
					strings.Join(result.Reasons, "; "),
				)
			}
		})
	}
	p.Wait()

	return metrics
}

func postJSON(client *http.Client, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printTraining(t *TrainResponse) {
	fmt.Printf("✓ Trained model %s\n", t.Version)
	if t.Metrics == nil {
		return
	}
	m := t.Metrics
	fmt.Printf("  Held-out samples: %d (train %d)\n", m.TestSamples, m.TrainSamples)
	fmt.Printf("  Accuracy:  %.4f\n", m.Accuracy)
	fmt.Printf("  Precision: %.4f\n", m.Precision)
	fmt.Printf("  Recall:    %.4f\n", m.Recall)
	fmt.Printf("  F1:        %.4f\n", m.F1Score)
	fmt.Printf("  ROC-AUC:   %.4f\n", m.ROCAUC)
}

func printResults(m *Metrics, duration time.Duration) {
	tp := m.TruePositives.Load()
	fp := m.FalsePositives.Load()
	tn := m.TrueNegatives.Load()
	fn := m.FalseNegatives.Load()
	processed := m.TotalProcessed.Load()

	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                        REPLAY RESULTS                         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", processed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors.Load())
	fmt.Printf("   Unlabelled:       %d\n", m.Unlabelled.Load())

	fmt.Printf("\nRISK TIERS\n")
	fmt.Printf("   HIGH:   %d\n", m.HighRisk.Load())
	fmt.Printf("   MEDIUM: %d\n", m.MediumRisk.Load())
	fmt.Printf("   LOW:    %d\n", m.LowRisk.Load())

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                      Predicted")
	fmt.Println("                   FRAUD     LEGIT")
	fmt.Printf("   Actual FRAUD  %7d   %7d\n", tp, fn)
	fmt.Printf("   Actual LEGIT  %7d   %7d\n", fp, tn)

	precision := ratio(tp, tp+fp)
	recall := ratio(tp, tp+fn)
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision: %.4f\n", precision)
	fmt.Printf("   Recall:    %.4f\n", recall)
	fmt.Printf("   F1 Score:  %.4f\n", f1)
	fmt.Printf("   Accuracy:  %.4f\n", ratio(tp+tn, tp+tn+fp+fn))

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Duration:    %v\n", duration.Round(time.Millisecond))
	if processed > 0 {
		fmt.Printf("   Avg Latency: %.2f ms\n", float64(m.LatencyMicros.Load())/float64(processed)/1000)
	}
	if duration > 0 {
		fmt.Printf("   Throughput:  %.1f tx/s\n", float64(processed)/duration.Seconds())
	}
	fmt.Println()
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
