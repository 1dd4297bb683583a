// Benchmark tool for load testing the CFDI analytics API.
//
// Usage:
//
//	go run ./cmd/benchmark -url http://localhost:8080 -tenant AAA010101AAA -requests 5000
//
// This tool:
//  1. Checks the server is healthy
//  2. Sends a weighted mix of analytics requests from concurrent workers
//  3. Reports per-scenario status codes, errors and latency percentiles
package main

import (
	"bytes"
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
)

// Scenario is one kind of request sent against the API.
type Scenario struct {
	Name   string
	Method string
	Path   string
	Body   string
}

var scenarios = []Scenario{
	{Name: "aggregate-sum", Method: http.MethodPost, Path: "/aggregate?operation=sum&field=total"},
	{Name: "aggregate-count", Method: http.MethodPost, Path: "/aggregate?operation=count&type=I&page_size=50"},
	{Name: "central-tendency", Method: http.MethodPost, Path: "/stats/central-tendency?field=subtotal"},
	{Name: "basic-stats", Method: http.MethodPost, Path: "/stats/basic"},
	{Name: "join-issuer", Method: http.MethodPost, Path: "/join/predefined?join_id=1&page_size=50"},
	{Name: "join-by-type", Method: http.MethodPost, Path: "/join/predefined?join_id=15"},
	{
		Name:   "set-union",
		Method: http.MethodPost,
		Path:   "/sets/operation?page_size=50",
		Body:   `{"operation":"union","sources":[{"table":"cfdi","filter":{"type":"I"}},{"table":"cfdi","filter":{"type":"E"}}]}`,
	},
	{
		Name:   "sql-count",
		Method: http.MethodPost,
		Path:   "/scripts/sql",
		Body:   `{"query":"SELECT type, COUNT(*) AS n FROM cfdi GROUP BY type","use_cache":false}`,
	},
}

// Metrics tracks results for one scenario.
type Metrics struct {
	Sent   int64
	Errors int64

	mu        sync.Mutex
	statuses  map[int]int64
	latencies []time.Duration
}

func (m *Metrics) record(status int, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[status]++
	m.latencies = append(m.latencies, elapsed)
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "CFDI analytics base URL")
	tenantID := flag.String("tenant", "AAA010101AAA", "Tenant RFC for requests")
	requests := flag.Int("requests", 1000, "Total requests to send")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	mix := flag.String("mix", "", "Comma-separated scenario names (default: all)")
	verbose := flag.Bool("verbose", false, "Print each request result")
	flag.Parse()

	selected, err := selectScenarios(*mix)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		fmt.Println("\nScenarios:")
		for _, s := range scenarios {
			fmt.Printf("  %s\n", s.Name)
		}
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║              CFDI ANALYTICS BENCHMARK - Load Mix              ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nURL:         %s\n", *baseURL)
	fmt.Printf("Tenant:      %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Requests:    %d\n", *requests)
	fmt.Printf("Scenarios:   %d\n", len(selected))
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: server not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure the server is running:")
		fmt.Println("  go run ./cmd/cfdi-analytics serve")
		os.Exit(1)
	}
	fmt.Println("✓ Server is healthy")

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(selected, *baseURL, *tenantID, *requests, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(selected, metrics, duration)
}

func selectScenarios(mix string) ([]Scenario, error) {
	if strings.TrimSpace(mix) == "" {
		return scenarios, nil
	}
	byName := make(map[string]Scenario, len(scenarios))
	for _, s := range scenarios {
		byName[s.Name] = s
	}
	var out []Scenario
	for _, name := range strings.Split(mix, ",") {
		s, ok := byName[strings.TrimSpace(name)]
		if !ok {
			return nil, fmt.Errorf("unknown scenario %q", name)
		}
		out = append(out, s)
	}
	return out, nil
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

func runBenchmark(selected []Scenario, baseURL, tenantID string, total, numWorkers int, verbose bool) map[string]*Metrics {
	metrics := make(map[string]*Metrics, len(selected))
	for _, s := range selected {
		metrics[s.Name] = &Metrics{statuses: make(map[int]int64)}
	}

	work := make(chan Scenario, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 60 * time.Second}

			for s := range work {
				m := metrics[s.Name]
				atomic.AddInt64(&m.Sent, 1)

				start := time.Now()
				status, err := send(client, baseURL, tenantID, s)
				elapsed := time.Since(start)

				if err != nil {
					atomic.AddInt64(&m.Errors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", s.Name, err)
					}
					continue
				}
				m.record(status, elapsed)

				if verbose {
					mark := "✓"
					if status >= 400 {
						mark = "✗"
					}
					fmt.Printf("%s %-18s | %d | %v\n", mark, s.Name, status, elapsed.Round(time.Microsecond))
				}
			}
		}()
	}

	for i := 0; i < total; i++ {
		work <- selected[i%len(selected)]
	}
	close(work)

	wg.Wait()

	return metrics
}

func send(client *http.Client, baseURL, tenantID string, s Scenario) (int, error) {
	var body io.Reader
	if s.Body != "" {
		body = bytes.NewBufferString(s.Body)
	}
	req, err := http.NewRequest(s.Method, baseURL+s.Path, body)
	if err != nil {
		return 0, err
	}
	if s.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	// Drain so the connection is reused.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return 0, err
	}
	return resp.StatusCode, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printResults(selected []Scenario, metrics map[string]*Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	var sent, failed, non2xx int64
	fmt.Printf("\n📊 PER SCENARIO\n")
	fmt.Printf("   %-18s %8s %8s %8s %10s %10s %10s\n", "scenario", "sent", "errors", "non-2xx", "p50", "p95", "p99")
	for _, s := range selected {
		m := metrics[s.Name]
		sort.Slice(m.latencies, func(i, j int) bool { return m.latencies[i] < m.latencies[j] })

		var bad int64
		for status, n := range m.statuses {
			if status < 200 || status >= 300 {
				bad += n
			}
		}
		sent += m.Sent
		failed += m.Errors
		non2xx += bad

		fmt.Printf("   %-18s %8d %8d %8d %10v %10v %10v\n",
			s.Name, m.Sent, m.Errors, bad,
			percentile(m.latencies, 0.50).Round(time.Microsecond),
			percentile(m.latencies, 0.95).Round(time.Microsecond),
			percentile(m.latencies, 0.99).Round(time.Microsecond),
		)
	}

	fmt.Printf("\n🔍 STATUS CODES\n")
	for _, s := range selected {
		m := metrics[s.Name]
		codes := make([]int, 0, len(m.statuses))
		for status := range m.statuses {
			codes = append(codes, status)
		}
		sort.Ints(codes)
		parts := make([]string, 0, len(codes))
		for _, c := range codes {
			parts = append(parts, fmt.Sprintf("%d×%d", c, m.statuses[c]))
		}
		fmt.Printf("   %-18s %s\n", s.Name, strings.Join(parts, "  "))
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	fmt.Printf("   Total Sent:       %d\n", sent)
	fmt.Printf("   Transport Errors: %d\n", failed)
	fmt.Printf("   Non-2xx:          %d\n", non2xx)
	if sent > 0 {
		fmt.Printf("   Throughput:       %.2f req/sec\n", float64(sent)/duration.Seconds())
	}

	fmt.Printf("\n💡 INTERPRETATION\n")
	switch {
	case failed > 0:
		fmt.Println("   ❌ Transport errors - server dropped or timed out requests")
	case non2xx > 0:
		fmt.Println("   ⚠️  Some requests were rejected (check rate limits and fixtures)")
	default:
		fmt.Println("   ✅ All requests succeeded")
	}

	fmt.Println()
}
