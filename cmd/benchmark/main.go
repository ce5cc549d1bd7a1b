// Benchmark tool for replaying a labeled farmer cohort against a running
// eligibility engine.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/cohort.csv -scheme <scheme-id> -url http://localhost:8080
//
// This tool:
//   1. Reads a cohort CSV (farmer_id plus an expected_eligible label)
//   2. Sends each farmer through POST /schemes/{id}/assessments
//   3. Compares the engine's decision with the expected label
//   4. Calculates precision, recall, F1-score, and confusion matrix
//
// The labels typically come from a previous manual campaign, so the matrix
// shows where the configured rule tree disagrees with the field officers.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// CohortMember is one row of the labeled cohort file.
type CohortMember struct {
	FarmerID string
	Expected bool
}

// AssessRequest is the engine's assessment request format.
type AssessRequest struct {
	FarmerID string `json:"farmerId"`
}

// AssessResponse is the engine's assessment response format.
type AssessResponse struct {
	Assessment struct {
		ID               string  `json:"id"`
		Status           string  `json:"status"`
		EligibilityScore float64 `json:"eligibilityScore"`
		RiskLevel        string  `json:"riskLevel"`
		DecisionReason   string  `json:"decisionReason"`
	} `json:"assessment"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64 // Expected eligible, engine agreed
	FalsePositives int64 // Expected ineligible, engine approved or waitlisted
	TrueNegatives  int64 // Expected ineligible, engine agreed
	FalseNegatives int64 // Expected eligible, engine rejected

	TotalProcessed int64
	TotalEligible  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to the labeled cohort CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Engine base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	schemeID := flag.String("scheme", "", "Scheme ID to assess against")
	limit := flag.Int("limit", 10000, "Maximum farmers to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each assessment result")
	flag.Parse()

	if *csvPath == "" || *schemeID == "" {
		fmt.Println("Usage: benchmark -csv /path/to/cohort.csv -scheme <scheme-id> [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("Eligibility benchmark - cohort replay")
	fmt.Printf("\nCSV File:   %s\n", *csvPath)
	fmt.Printf("Engine URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:  %s\n", *tenantID)
	fmt.Printf("Scheme ID:  %s\n", *schemeID)
	fmt.Printf("Workers:    %d\n", *workers)
	fmt.Printf("Limit:      %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: engine not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure the engine is running:")
		fmt.Println("  go run cmd/eligibility/main.go")
		os.Exit(1)
	}
	fmt.Println("engine is healthy")

	fmt.Printf("\nReading cohort from %s...\n", *csvPath)
	cohort, err := readCohortCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	eligibleCount := 0
	for _, m := range cohort {
		if m.Expected {
			eligibleCount++
		}
	}
	fmt.Printf("loaded %d farmers (%d labeled eligible, %d labeled ineligible)\n",
		len(cohort), eligibleCount, len(cohort)-eligibleCount)

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(cohort, *baseURL, *tenantID, *schemeID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readCohortCSV expects at least the columns farmer_id and expected_eligible
// (1/0, true/false, yes/no).
func readCohortCSV(path string, limit int) ([]CohortMember, error) {
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
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	idCol, ok := colIndex["farmer_id"]
	if !ok {
		return nil, fmt.Errorf("missing farmer_id column")
	}
	labelCol, ok := colIndex["expected_eligible"]
	if !ok {
		return nil, fmt.Errorf("missing expected_eligible column")
	}

	var cohort []CohortMember
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		label := strings.ToLower(strings.TrimSpace(record[labelCol]))
		cohort = append(cohort, CohortMember{
			FarmerID: record[idCol],
			Expected: label == "1" || label == "true" || label == "yes",
		})

		if limit > 0 && len(cohort) >= limit {
			break
		}
	}
	return cohort, nil
}

func runBenchmark(cohort []CohortMember, baseURL, tenantID, schemeID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan CohortMember, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for member := range work {
				start := time.Now()
				result, err := assessFarmer(client, baseURL, tenantID, schemeID, member.FarmerID)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", member.FarmerID, err)
					}
					continue
				}

				if member.Expected {
					atomic.AddInt64(&metrics.TotalEligible, 1)
				}

				// Approved and waitlisted both mean the engine found the
				// farmer eligible; the waitlist is a capacity question.
				predicted := result.Assessment.Status == "approved" || result.Assessment.Status == "waitlisted"
				actual := member.Expected

				switch {
				case predicted && actual:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted && !actual:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !predicted && !actual:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					marker := "ok"
					if predicted != actual {
						marker = "MISMATCH"
					}
					fmt.Printf("%-8s %-16s | Expected: %-5v | Engine: %-10s (score %.1f, risk %s) | %s\n",
						marker,
						member.FarmerID,
						member.Expected,
						result.Assessment.Status,
						result.Assessment.EligibilityScore,
						result.Assessment.RiskLevel,
						result.Assessment.DecisionReason,
					)
				}
			}
		}()
	}

	for _, member := range cohort {
		work <- member
	}
	close(work)

	wg.Wait()

	return metrics
}

func assessFarmer(client *http.Client, baseURL, tenantID, schemeID, farmerID string) (*AssessResponse, error) {
	body, err := json.Marshal(AssessRequest{FarmerID: farmerID})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/schemes/"+schemeID+"/assessments", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result AssessResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nCOHORT STATISTICS\n")
	fmt.Printf("   Total Processed:   %d\n", m.TotalProcessed)
	fmt.Printf("   Labeled Eligible:  %d\n", m.TotalEligible)
	fmt.Printf("   Errors:            %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX (engine vs labels)\n")
	fmt.Println("                          Engine")
	fmt.Println("                    eligible    rejected")
	fmt.Printf("   Label  eligible  %8d    %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("        ineligible  %8d    %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}
	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\nAGREEMENT METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of engine-eligible, how many the labels agree with)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of labeled-eligible, how many the engine found)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		rps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f assessments/sec\n", rps)
	}

	fmt.Println()
}
