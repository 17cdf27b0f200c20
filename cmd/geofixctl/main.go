package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/markus-lassfolk/geofix/pkg"
)

// Command line flags
var (
	// Query commands
	showStatus  = flag.Bool("status", false, "Show pipeline status and counters")
	showLatest  = flag.Bool("latest", false, "Show the most recent corrected location")
	showHistory = flag.Bool("history", false, "Show corrected location history")
	showHealth  = flag.Bool("health", false, "Check daemon liveness")

	// Mode control
	getMode = flag.Bool("get-mode", false, "Show the active correction mode")
	setMode = flag.String("set-mode", "", "Switch correction mode (normal|high_accuracy|low_power|fast_update|offline)")

	// Query options
	minutes = flag.Int("minutes", 60, "History window in minutes")

	// Output format options
	outputFormat = flag.String("format", "standard", "Output format: standard, json, csv, minimal")

	// Connection options
	host    = flag.String("host", "localhost", "Daemon API host")
	port    = flag.Int("port", 8081, "Daemon API port")
	apiKey  = flag.String("key", "", "API key (or path to key file)")
	timeout = flag.Duration("timeout", 10*time.Second, "Request timeout")

	version = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "geofixctl"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	client, err := newClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var runErr error
	switch {
	case *showHealth:
		runErr = handleHealth(ctx, client)
	case *showStatus:
		runErr = handleStatus(ctx, client)
	case *showLatest:
		runErr = handleLatest(ctx, client)
	case *showHistory:
		runErr = handleHistory(ctx, client)
	case *setMode != "":
		runErr = handleSetMode(ctx, client, *setMode)
	case *getMode:
		runErr = handleGetMode(ctx, client)
	default:
		showUsage()
		return
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(1)
	}
}

// apiClient issues authenticated requests against the daemon's control API.
type apiClient struct {
	baseURL string
	key     string
	http    *http.Client
}

func newClient() (*apiClient, error) {
	key := ""
	if *apiKey != "" {
		loaded, err := loadAPIKey(*apiKey)
		if err != nil {
			return nil, err
		}
		key = loaded
	}
	return &apiClient{
		baseURL: fmt.Sprintf("http://%s:%d", *host, *port),
		key:     key,
		http:    &http.Client{Timeout: *timeout},
	}, nil
}

// get issues a GET and decodes the JSON response into out.
func (c *apiClient) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// post issues a POST with a JSON body and decodes the response into out.
func (c *apiClient) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(data), out)
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is geofixd running? %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Details != "" {
				return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Details)
			}
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// statusResponse mirrors the daemon's /api/status payload.
type statusResponse struct {
	Running    bool            `json:"running"`
	Uptime     string          `json:"uptime"`
	Mode       string          `json:"mode,omitempty"`
	IntervalMs int64           `json:"interval_ms,omitempty"`
	Scene      string          `json:"scene,omitempty"`
	Stats      json.RawMessage `json:"stats"`
}

// historyResponse mirrors the daemon's /api/location/history payload.
type historyResponse struct {
	Minutes   int                      `json:"minutes"`
	Count     int                      `json:"count"`
	Locations []*pkg.CorrectedLocation `json:"locations"`
}

// modeResponse mirrors the daemon's /api/mode payload.
type modeResponse struct {
	Mode       string `json:"mode"`
	IntervalMs int64  `json:"interval_ms"`
}

func handleHealth(ctx context.Context, client *apiClient) error {
	var health map[string]interface{}
	if err := client.get(ctx, "/health", &health); err != nil {
		return err
	}

	if *outputFormat == "json" {
		return outputJSON(health)
	}
	fmt.Printf("Daemon: %v\n", health["status"])
	return nil
}

func handleStatus(ctx context.Context, client *apiClient) error {
	var status statusResponse
	if err := client.get(ctx, "/api/status", &status); err != nil {
		return err
	}

	if *outputFormat == "json" {
		return outputJSON(status)
	}

	fmt.Println("Pipeline Status:")
	fmt.Println("================")
	fmt.Printf("  Running: %t\n", status.Running)
	fmt.Printf("  Uptime: %s\n", status.Uptime)
	if status.Mode != "" {
		fmt.Printf("  Mode: %s (interval %dms)\n", status.Mode, status.IntervalMs)
	}
	if status.Scene != "" {
		fmt.Printf("  Scene: %s\n", status.Scene)
	}

	var stats map[string]interface{}
	if err := json.Unmarshal(status.Stats, &stats); err == nil {
		fmt.Println("\nCounters:")
		for _, key := range []string{"submitted", "processed", "skipped", "dropped", "fused", "store_errors", "queue_depth", "cache_size", "batches"} {
			if v, ok := stats[key]; ok {
				fmt.Printf("  %s: %v\n", strings.ReplaceAll(key, "_", " "), v)
			}
		}
	}
	return nil
}

func handleLatest(ctx context.Context, client *apiClient) error {
	var loc pkg.CorrectedLocation
	if err := client.get(ctx, "/api/location/latest", &loc); err != nil {
		return err
	}

	switch *outputFormat {
	case "json":
		return outputJSON(&loc)
	case "csv":
		return outputCSV([]*pkg.CorrectedLocation{&loc})
	case "minimal":
		fmt.Printf("%.6f,%.6f\n", loc.Latitude, loc.Longitude)
		return nil
	default:
		return outputStandard(&loc, "Latest Corrected Location")
	}
}

func handleHistory(ctx context.Context, client *apiClient) error {
	var history historyResponse
	path := fmt.Sprintf("/api/location/history?minutes=%d", *minutes)
	if err := client.get(ctx, path, &history); err != nil {
		return err
	}

	switch *outputFormat {
	case "json":
		return outputJSON(history)
	case "csv":
		return outputCSV(history.Locations)
	case "minimal":
		for _, loc := range history.Locations {
			fmt.Printf("%.6f,%.6f\n", loc.Latitude, loc.Longitude)
		}
		return nil
	default:
		fmt.Printf("History (last %d minutes, %d locations):\n", history.Minutes, history.Count)
		fmt.Println("==========================================")
		for _, loc := range history.Locations {
			fmt.Printf("\n%s  %.6f, %.6f  ±%.1fm  %s (confidence %.2f)\n",
				loc.Timestamp.Format(time.RFC3339),
				loc.Latitude, loc.Longitude, loc.Accuracy,
				loc.Method, loc.Confidence)
			if loc.Anomalous {
				fmt.Printf("  anomaly: %s\n", loc.AnomalyType)
			}
		}
		return nil
	}
}

func handleGetMode(ctx context.Context, client *apiClient) error {
	var mode modeResponse
	if err := client.get(ctx, "/api/mode", &mode); err != nil {
		return err
	}

	if *outputFormat == "json" {
		return outputJSON(mode)
	}
	fmt.Printf("Mode: %s (interval %dms)\n", mode.Mode, mode.IntervalMs)
	return nil
}

func handleSetMode(ctx context.Context, client *apiClient, mode string) error {
	if _, err := pkg.ParseCorrectionMode(mode); err != nil {
		return err
	}

	var result modeResponse
	body := map[string]string{"mode": mode}
	if err := client.post(ctx, "/api/mode", body, &result); err != nil {
		return err
	}

	if *outputFormat == "json" {
		return outputJSON(result)
	}
	fmt.Printf("Mode switched to %s (interval %dms)\n", result.Mode, result.IntervalMs)
	return nil
}

// outputJSON prints any payload as indented JSON.
func outputJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// outputCSV prints locations as CSV rows.
func outputCSV(locations []*pkg.CorrectedLocation) error {
	writer := csv.NewWriter(os.Stdout)
	defer writer.Flush()

	header := []string{
		"Timestamp", "Latitude", "Longitude", "Altitude", "Accuracy",
		"Confidence", "Method", "Anomalous", "AnomalyType", "SourceCount",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, loc := range locations {
		row := []string{
			loc.Timestamp.Format(time.RFC3339),
			fmt.Sprintf("%.6f", loc.Latitude),
			fmt.Sprintf("%.6f", loc.Longitude),
			fmt.Sprintf("%.1f", loc.Altitude),
			fmt.Sprintf("%.1f", loc.Accuracy),
			fmt.Sprintf("%.2f", loc.Confidence),
			loc.Method,
			fmt.Sprintf("%t", loc.Anomalous),
			loc.AnomalyType,
			fmt.Sprintf("%d", loc.SourceCount),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	return nil
}

// outputStandard prints one location in human-readable format.
func outputStandard(loc *pkg.CorrectedLocation, title string) error {
	if title != "" {
		fmt.Printf("%s:\n", title)
	}

	fmt.Printf("  Location: %.6f, %.6f\n", loc.Latitude, loc.Longitude)
	if loc.Altitude != 0 {
		fmt.Printf("  Altitude: %.1f m\n", loc.Altitude)
	}
	fmt.Printf("  Accuracy: %.1f m\n", loc.Accuracy)
	fmt.Printf("  Confidence: %.2f\n", loc.Confidence)
	fmt.Printf("  Method: %s\n", loc.Method)
	fmt.Printf("  Sources: %d\n", loc.SourceCount)
	fmt.Printf("  Anomalous: %t\n", loc.Anomalous)
	if loc.AnomalyType != "" {
		fmt.Printf("  Anomaly Type: %s\n", loc.AnomalyType)
	}
	fmt.Printf("  Timestamp: %s\n", loc.Timestamp.Format(time.RFC3339))

	if loc.Original != nil {
		fmt.Printf("  Original: %.6f, %.6f ±%.1fm via %s\n",
			loc.Original.Latitude, loc.Original.Longitude,
			loc.Original.Accuracy, loc.Original.Source)
	}
	return nil
}

// loadAPIKey loads the key from a file when given a path, otherwise returns
// the value itself.
func loadAPIKey(keyOrPath string) (string, error) {
	if strings.Contains(keyOrPath, "/") || strings.Contains(keyOrPath, "\\") {
		content, err := os.ReadFile(keyOrPath)
		if err != nil {
			return "", fmt.Errorf("failed to read API key file: %w", err)
		}
		return strings.TrimSpace(string(content)), nil
	}
	return keyOrPath, nil
}

// showUsage displays usage information
func showUsage() {
	fmt.Printf("%s - geofix Control Tool\n", AppName)
	fmt.Printf("Version: %s\n\n", AppVersion)

	fmt.Println("Query Commands:")
	fmt.Println("  -status            Show pipeline status and counters")
	fmt.Println("  -latest            Show the most recent corrected location")
	fmt.Println("  -history           Show corrected location history")
	fmt.Println("  -minutes int       History window in minutes (default 60)")
	fmt.Println("  -health            Check daemon liveness")
	fmt.Println()

	fmt.Println("Mode Control:")
	fmt.Println("  -get-mode          Show the active correction mode")
	fmt.Println("  -set-mode string   Switch correction mode (normal|high_accuracy|low_power|fast_update|offline)")
	fmt.Println()

	fmt.Println("Output Format Options:")
	fmt.Println("  -format string     Output format: standard, json, csv, minimal (default \"standard\")")
	fmt.Println()

	fmt.Println("Connection Options:")
	fmt.Println("  -host string       Daemon API host (default \"localhost\")")
	fmt.Println("  -port int          Daemon API port (default 8081)")
	fmt.Println("  -key string        API key (or path to key file)")
	fmt.Println("  -timeout duration  Request timeout (default 10s)")
	fmt.Println()

	fmt.Println("Examples:")
	fmt.Println("  geofixctl -status")
	fmt.Println("  geofixctl -latest -format minimal")
	fmt.Println("  geofixctl -history -minutes 15 -format csv")
	fmt.Println("  geofixctl -set-mode high_accuracy")
	fmt.Println("  geofixctl -status -key /etc/geofix/api.key")
}
