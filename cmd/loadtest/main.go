// Command loadtest drives concurrent requests through a running impxy proxy
// and prints latency percentiles per impersonation target.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

type result struct {
	target     string
	statusCode int
	latency    time.Duration
	err        error
	snippet    string
}

func parseHeaders(lines []string) (http.Header, error) {
	headers := make(http.Header)
	for _, line := range lines {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("invalid header: %q (expected 'Key: Value')", line)
		}
		headers.Add(strings.TrimSpace(key), strings.TrimSpace(val))
	}
	return headers, nil
}

func main() {
	var (
		targetURL    = pflag.String("url", "http://localhost:8080/", "Proxy URL to request")
		method       = pflag.StringP("method", "X", http.MethodGet, "HTTP method")
		requests     = pflag.IntP("requests", "n", 1000, "Total number of requests to send")
		concurrency  = pflag.IntP("concurrency", "c", 50, "Number of concurrent workers")
		timeout      = pflag.Duration("timeout", 60*time.Second, "Per-request timeout")
		payloadFile  = pflag.String("payload-file", "", "Payload file path (for POST/PUT)")
		payload      = pflag.StringP("payload", "d", "", "Inline payload string (for POST/PUT)")
		contentType  = pflag.String("content-type", "application/json", "Content-Type header for payloads")
		headerLines  = pflag.StringArrayP("header", "H", nil, "Extra header (repeatable), e.g. -H 'Authorization: ...'")
		targets      = pflag.StringSlice("targets", nil, "Impersonation targets to rotate through (e.g. chrome124,safari17_0)")
		targetHeader = pflag.String("target-header", "X-Impersonate-Target", "Header the proxy reads the target from")
	)
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if *requests <= 0 || *concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "requests and concurrency must be > 0")
		os.Exit(1)
	}
	if *concurrency > *requests {
		*concurrency = *requests
	}

	extraHeaders, err := parseHeaders(*headerLines)
	if err != nil {
		fmt.Fprintln(os.Stderr, "header parse error:", err)
		os.Exit(1)
	}

	var payloadBytes []byte
	if *payloadFile != "" {
		payloadBytes, err = os.ReadFile(*payloadFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read payload file error:", err)
			os.Exit(1)
		}
	} else if *payload != "" {
		payloadBytes = []byte(*payload)
	}

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          *concurrency,
			MaxIdleConnsPerHost:   *concurrency,
			MaxConnsPerHost:       *concurrency,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: *timeout,
		},
		Timeout: *timeout,
	}

	do := func(ctx context.Context, i int) result {
		var target string
		if len(*targets) > 0 {
			target = (*targets)[i%len(*targets)]
		}
		var body io.Reader
		if len(payloadBytes) > 0 && *method != http.MethodGet && *method != http.MethodHead {
			body = bytes.NewReader(payloadBytes)
		}
		req, err := http.NewRequestWithContext(ctx, *method, *targetURL, body)
		if err != nil {
			return result{target: target, err: err}
		}
		req.Header = extraHeaders.Clone()
		if body != nil && *contentType != "" {
			req.Header.Set("Content-Type", *contentType)
		}
		if target != "" {
			req.Header.Set(*targetHeader, target)
		}

		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return result{target: target, latency: time.Since(start), err: err}
		}
		defer resp.Body.Close()

		var snippet string
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			snippet = strings.TrimSpace(string(b))
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
		}
		return result{target: target, statusCode: resp.StatusCode, latency: time.Since(start), snippet: snippet}
	}

	var (
		mu      sync.Mutex
		results = make([]result, 0, *requests)
	)
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(*concurrency)

	testStart := time.Now()
	for i := 0; i < *requests; i++ {
		i := i
		g.Go(func() error {
			r := do(ctx, i)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	report(*targetURL, *method, *concurrency, time.Since(testStart), results)
}

func report(url, method string, concurrency int, elapsed time.Duration, results []result) {
	var (
		latencies      []time.Duration
		successCount   int
		errorCount     int
		statusCounters = make(map[int]int)
		errorKinds     = make(map[string]int)
		perTarget      = make(map[string][]time.Duration)
	)

	for _, r := range results {
		latencies = append(latencies, r.latency)
		perTarget[r.target] = append(perTarget[r.target], r.latency)
		if r.err != nil {
			errorCount++
			errorKinds[r.err.Error()]++
			continue
		}
		statusCounters[r.statusCode]++
		if r.statusCode >= 200 && r.statusCode < 400 {
			successCount++
			continue
		}
		errorCount++
		key := fmt.Sprintf("HTTP %d", r.statusCode)
		if r.snippet != "" {
			key = fmt.Sprintf("%s: %s", key, truncateForPrint(r.snippet, 120))
		}
		errorKinds[key]++
	}

	fmt.Println("=== Load Test Summary ===")
	fmt.Printf("URL:            %s\n", url)
	fmt.Printf("Method:         %s\n", method)
	fmt.Printf("Requests:       %d\n", len(results))
	fmt.Printf("Concurrency:    %d\n", concurrency)
	fmt.Printf("Success:        %d\n", successCount)
	fmt.Printf("Errors:         %d\n", errorCount)
	fmt.Printf("Total Elapsed:  %v\n", elapsed)
	fmt.Printf("Status Counts:  %v\n", statusCounters)
	printPercentiles("", latencies)

	if len(perTarget) > 1 {
		names := make([]string, 0, len(perTarget))
		for name := range perTarget {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("Target %s:\n", name)
			printPercentiles("  ", perTarget[name])
		}
	}

	if len(errorKinds) > 0 {
		type kv struct {
			k string
			v int
		}
		arr := make([]kv, 0, len(errorKinds))
		for k, v := range errorKinds {
			arr = append(arr, kv{k, v})
		}
		sort.Slice(arr, func(i, j int) bool { return arr[i].v > arr[j].v })
		fmt.Println("Top Error Kinds:")
		for i := 0; i < len(arr) && i < 10; i++ {
			fmt.Printf("  %d) %s  (count=%d)\n", i+1, arr[i].k, arr[i].v)
		}
	}
}

func printPercentiles(indent string, latencies []time.Duration) {
	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	p := func(percent float64) time.Duration {
		idx := int(percent*float64(len(latencies))) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}

	var avg time.Duration
	for _, d := range latencies {
		avg += d
	}
	avg /= time.Duration(len(latencies))

	fmt.Printf("%sAvg Latency:    %v\n", indent, avg)
	fmt.Printf("%sP50 Latency:    %v\n", indent, p(0.50))
	fmt.Printf("%sP90 Latency:    %v\n", indent, p(0.90))
	fmt.Printf("%sP99 Latency:    %v\n", indent, p(0.99))
}

func truncateForPrint(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
