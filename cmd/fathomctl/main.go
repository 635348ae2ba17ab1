// fathomctl submits a research request to a fathom service and follows the
// filtered event stream until the run finishes, then prints the report.
//
// Usage:
//
//	fathomctl -server http://localhost:8123 -query "compare X and Y"
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type submitResponse struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	StreamURL string `json:"stream_url"`
	Error     string `json:"error"`
}

type event struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Seq     uint64 `json:"seq"`
}

func main() {
	var (
		server  = flag.String("server", envOr("FATHOM_SERVER", "http://localhost:8123"), "fathom service base URL")
		query   = flag.String("query", "", "research goal to submit (required)")
		types   = flag.String("types", "", "comma-separated event types to subscribe to (default: all visible)")
		timeout = flag.Duration("timeout", 30*time.Minute, "overall deadline for the run")
	)
	flag.Parse()

	if strings.TrimSpace(*query) == "" {
		fmt.Fprintln(os.Stderr, "fathomctl: -query is required")
		flag.Usage()
		os.Exit(2)
	}

	base := strings.TrimRight(*server, "/")
	runID, err := submit(base, *query)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("run %s accepted\n", runID)

	ok, err := follow(base, runID, *types, *timeout)
	if err != nil {
		fatal(err)
	}
	if !ok {
		os.Exit(1)
	}

	report, err := fetchReport(base, runID)
	if err != nil {
		fatal(err)
	}
	fmt.Println()
	fmt.Println(report)
}

func submit(base, query string) (string, error) {
	body, _ := json.Marshal(map[string]string{"query": query})
	resp, err := http.Post(base+"/api/v1/research", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("submit: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("submit: %s (%s)", resp.Status, sr.Error)
	}
	return sr.RunID, nil
}

// follow reads the SSE stream and prints each event. It returns true when the
// run completed, false when it failed.
func follow(base, runID, types string, timeout time.Duration) (bool, error) {
	streamURL := base + "/stream/sse?run_id=" + url.QueryEscape(runID)
	if types != "" {
		streamURL += "&types=" + url.QueryEscape(types)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(streamURL)
	if err != nil {
		return false, fmt.Errorf("stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("stream: %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt event
		if err := json.Unmarshal([]byte(line[len("data: "):]), &evt); err != nil {
			continue
		}
		printEvent(evt)
		switch evt.Type {
		case "RUN_COMPLETED":
			return true, nil
		case "RUN_FAILED":
			return false, nil
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return false, fmt.Errorf("stream: %w", err)
	}
	return false, fmt.Errorf("stream ended before the run finished")
}

func printEvent(evt event) {
	who := evt.AgentID
	if who == "" {
		who = "-"
	}
	switch {
	case evt.Tool != "":
		fmt.Printf("[%4d] %-18s %-12s %s %s\n", evt.Seq, evt.Type, who, evt.Tool, evt.Message)
	default:
		fmt.Printf("[%4d] %-18s %-12s %s\n", evt.Seq, evt.Type, who, evt.Message)
	}
}

func fetchReport(base, runID string) (string, error) {
	resp, err := http.Get(base + "/api/v1/research/" + url.PathEscape(runID) + "/report")
	if err != nil {
		return "", fmt.Errorf("report: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("report: %s", resp.Status)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("report: %w", err)
	}
	return string(b), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "fathomctl:", err)
	os.Exit(1)
}
