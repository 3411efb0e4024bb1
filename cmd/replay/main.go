// Replay tool for scoring a labelled claims file against a running Kestrel.
//
// Usage:
//
//	go run ./cmd/replay -csv /path/to/claims.csv -url http://localhost:8080
//
// The CSV needs a header row with these columns (any order):
//
//	claim_id, member_id, provider_id, amount, service_date, claim_date,
//	diagnosis_code, procedure_codes, is_fraud
//
// procedure_codes is semicolon separated and dates are RFC 3339 or
// YYYY-MM-DD. Member and provider records are evaluated against stored
// reference data, so every member and provider id in the file is first
// registered as a bare record unless -seed=false. Claims are replayed in
// file order so member and provider history builds up the way it would in
// production; a claim counts as flagged when its assessment requires
// investigation.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// LabelledClaim is one row of the replay file.
type LabelledClaim struct {
	ClaimID        string
	MemberID       string
	ProviderID     string
	Amount         decimal.Decimal
	ServiceDate    time.Time
	ClaimDate      time.Time
	DiagnosisCode  string
	ProcedureCodes []string
	IsFraud        bool
}

// EvaluateRequest is the POST /evaluate body.
type EvaluateRequest struct {
	ID             string          `json:"id"`
	MemberID       string          `json:"memberId"`
	ProviderID     string          `json:"providerId"`
	Amount         decimal.Decimal `json:"amount"`
	ServiceDate    time.Time       `json:"serviceDate"`
	ClaimDate      time.Time       `json:"claimDate"`
	DiagnosisCode  string          `json:"diagnosisCode"`
	ProcedureCodes []string        `json:"procedureCodes"`
}

// EvaluateResponse holds the assessment fields the report uses.
type EvaluateResponse struct {
	AssessmentID          string  `json:"assessmentId"`
	RiskScore             float64 `json:"riskScore"`
	RiskLevel             string  `json:"riskLevel"`
	FraudType             string  `json:"fraudType"`
	InvestigationRequired bool    `json:"investigationRequired"`
}

// Metrics tracks replay results.
type Metrics struct {
	TruePositives  atomic.Int64
	FalsePositives atomic.Int64
	TrueNegatives  atomic.Int64
	FalseNegatives atomic.Int64
	Errors         atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
	levels    map[string]int
}

func (m *Metrics) record(c LabelledClaim, res *EvaluateResponse, elapsed time.Duration) {
	switch predicted := res.InvestigationRequired; {
	case predicted && c.IsFraud:
		m.TruePositives.Add(1)
	case predicted && !c.IsFraud:
		m.FalsePositives.Add(1)
	case !predicted && !c.IsFraud:
		m.TrueNegatives.Add(1)
	default:
		m.FalseNegatives.Add(1)
	}

	m.mu.Lock()
	m.latencies = append(m.latencies, elapsed)
	m.levels[res.RiskLevel]++
	m.mu.Unlock()
}

func main() {
	csvPath := flag.String("csv", "", "Path to a labelled claims CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "replay", "Tenant ID for requests")
	limit := flag.Int("limit", 0, "Maximum claims to replay (0 = all)")
	workers := flag.Int("workers", 1, "Concurrent requests; above 1 history order is not guaranteed")
	verbose := flag.Bool("verbose", false, "Print each claim result")
	seed := flag.Bool("seed", true, "Register the file's member and provider ids before replaying")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/claims.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║              KESTREL REPLAY - Labelled Claims                 ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	client := &http.Client{Timeout: 10 * time.Second}
	if err := checkHealth(client, *baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	f, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	claims, skipped, err := readClaims(f, *limit)
	f.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d claims (%d malformed rows skipped)\n", len(claims), skipped)

	if *seed {
		members, providers, err := seedReferences(context.Background(), client, *baseURL, *tenantID, claims, *workers)
		if err != nil {
			fmt.Printf("ERROR: Failed to register reference records: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✓ Registered %d members and %d providers\n", members, providers)
	}

	start := time.Now()
	m := replay(context.Background(), client, claims, *baseURL, *tenantID, *workers, *verbose)
	printResults(m, time.Since(start))
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

var requiredColumns = []string{
	"claim_id", "member_id", "provider_id", "amount", "service_date",
	"claim_date", "diagnosis_code", "procedure_codes", "is_fraud",
}

// readClaims parses the replay file. Malformed rows are counted and skipped.
func readClaims(r io.Reader, limit int) ([]LabelledClaim, int, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, 0, fmt.Errorf("missing column %q", name)
		}
	}

	var claims []LabelledClaim
	skipped := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		c, err := parseRow(record, col)
		if err != nil {
			skipped++
			continue
		}
		claims = append(claims, c)
		if limit > 0 && len(claims) >= limit {
			break
		}
	}
	return claims, skipped, nil
}

func parseRow(record []string, col map[string]int) (LabelledClaim, error) {
	get := func(name string) string { return strings.TrimSpace(record[col[name]]) }

	amount, err := decimal.NewFromString(get("amount"))
	if err != nil {
		return LabelledClaim{}, fmt.Errorf("amount: %w", err)
	}
	serviceDate, err := parseDate(get("service_date"))
	if err != nil {
		return LabelledClaim{}, fmt.Errorf("service_date: %w", err)
	}
	claimDate, err := parseDate(get("claim_date"))
	if err != nil {
		return LabelledClaim{}, fmt.Errorf("claim_date: %w", err)
	}

	var procedures []string
	for _, p := range strings.Split(get("procedure_codes"), ";") {
		if p = strings.TrimSpace(p); p != "" {
			procedures = append(procedures, p)
		}
	}

	label := strings.ToLower(get("is_fraud"))
	return LabelledClaim{
		ClaimID:        get("claim_id"),
		MemberID:       get("member_id"),
		ProviderID:     get("provider_id"),
		Amount:         amount,
		ServiceDate:    serviceDate,
		ClaimDate:      claimDate,
		DiagnosisCode:  get("diagnosis_code"),
		ProcedureCodes: procedures,
		IsFraud:        label == "1" || label == "true",
	}, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

func replay(ctx context.Context, client *http.Client, claims []LabelledClaim, baseURL, tenantID string, workers int, verbose bool) *Metrics {
	m := &Metrics{levels: make(map[string]int)}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, workers))
	for _, c := range claims {
		c := c
		g.Go(func() error {
			start := time.Now()
			res, err := evaluate(ctx, client, baseURL, tenantID, c)
			if err != nil {
				m.Errors.Add(1)
				if verbose {
					fmt.Printf("ERROR: %s -> %v\n", c.ClaimID, err)
				}
				return nil
			}
			m.record(c, res, time.Since(start))

			if verbose {
				status := "✓"
				if res.InvestigationRequired != c.IsFraud {
					status = "✗"
				}
				fmt.Printf("%s %-14s | Amount: $%10s | Fraud: %-5v | %-8s %6.2f %s\n",
					status, c.ClaimID, c.Amount.StringFixed(2), c.IsFraud,
					res.RiskLevel, res.RiskScore, res.FraudType)
			}
			return nil
		})
	}
	_ = g.Wait()
	return m
}

// references returns the distinct member and provider ids in file order.
func references(claims []LabelledClaim) (members, providers []string) {
	seenM := make(map[string]bool)
	seenP := make(map[string]bool)
	for _, c := range claims {
		if !seenM[c.MemberID] {
			seenM[c.MemberID] = true
			members = append(members, c.MemberID)
		}
		if !seenP[c.ProviderID] {
			seenP[c.ProviderID] = true
			providers = append(providers, c.ProviderID)
		}
	}
	return members, providers
}

// seedReferences registers a bare record for every member and provider.
func seedReferences(ctx context.Context, client *http.Client, baseURL, tenantID string, claims []LabelledClaim, workers int) (int, int, error) {
	members, providers := references(claims)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, workers))
	register := func(path, id string) {
		g.Go(func() error {
			resp, err := post(ctx, client, baseURL+path, tenantID, map[string]string{"id": id})
			if err != nil {
				return fmt.Errorf("%s %s: %w", path, id, err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusCreated {
				return fmt.Errorf("%s %s: status %d", path, id, resp.StatusCode)
			}
			return nil
		})
	}
	for _, id := range members {
		register("/members", id)
	}
	for _, id := range providers {
		register("/providers", id)
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return len(members), len(providers), nil
}

func post(ctx context.Context, client *http.Client, url, tenantID string, v any) (*http.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)
	return client.Do(req)
}

func evaluate(ctx context.Context, client *http.Client, baseURL, tenantID string, c LabelledClaim) (*EvaluateResponse, error) {
	resp, err := post(ctx, client, baseURL+"/evaluate", tenantID, EvaluateRequest{
		ID:             c.ClaimID,
		MemberID:       c.MemberID,
		ProviderID:     c.ProviderID,
		Amount:         c.Amount,
		ServiceDate:    c.ServiceDate,
		ClaimDate:      c.ClaimDate,
		DiagnosisCode:  c.DiagnosisCode,
		ProcedureCodes: c.ProcedureCodes,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func printResults(m *Metrics, duration time.Duration) {
	tp, fp := m.TruePositives.Load(), m.FalsePositives.Load()
	tn, fn := m.TrueNegatives.Load(), m.FalseNegatives.Load()
	total := tp + fp + tn + fn

	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                        REPLAY RESULTS                         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Scored:     %d\n", total)
	fmt.Printf("   Fraud:      %d\n", tp+fn)
	fmt.Printf("   Legitimate: %d\n", fp+tn)
	fmt.Printf("   Errors:     %d\n", m.Errors.Load())

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                  FLAGGED     CLEAR")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", tp, fn)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           L  │ %8d │ %8d │  (FP, TN)\n", fp, tn)
	fmt.Println("              └──────────┴──────────┘")

	precision, recall, f1, accuracy := 0.0, 0.0, 0.0, 0.0
	if tp+fp > 0 {
		precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		recall = float64(tp) / float64(tp+fn)
	}
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	if total > 0 {
		accuracy = float64(tp+tn) / float64(total)
	}

	fmt.Printf("\nDETECTION\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	m.mu.Lock()
	defer m.mu.Unlock()

	levels := make([]string, 0, len(m.levels))
	for l := range m.levels {
		levels = append(levels, l)
	}
	sort.Strings(levels)
	fmt.Printf("\nRISK LEVELS\n")
	for _, l := range levels {
		fmt.Printf("   %-9s %d\n", l+":", m.levels[l])
	}

	sort.Slice(m.latencies, func(i, j int) bool { return m.latencies[i] < m.latencies[j] })
	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Duration:   %v\n", duration.Round(time.Millisecond))
	if n := len(m.latencies); n > 0 {
		fmt.Printf("   p50:        %v\n", percentile(m.latencies, 0.50).Round(time.Microsecond))
		fmt.Printf("   p95:        %v\n", percentile(m.latencies, 0.95).Round(time.Microsecond))
		fmt.Printf("   p99:        %v\n", percentile(m.latencies, 0.99).Round(time.Microsecond))
		fmt.Printf("   Throughput: %.2f claims/sec\n", float64(n)/duration.Seconds())
	}
	fmt.Println()
}
