package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/izavyalov-dev/delta-report/state"
)

const (
	defaultAnalyzerTimeout         = 30 * time.Second
	defaultAnalyzerCircuitFailures = 3
	defaultAnalyzerCircuitCooldown = 2 * time.Minute
)

var (
	ErrAnalyzerUnavailable = errors.New("analyzer unavailable")
	ErrCircuitOpen         = errors.New("analyzer circuit open")
)

// AnalyzerClient talks to the external log analyzer.
type AnalyzerClient interface {
	HasClients() bool
	GenerateClusters(ctx context.Context, req ClusterRequest) (ClusterData, error)
	Analyze(ctx context.Context, req AnalyzeRequest) ([]AnalyzedItem, error)
	IndexLogs(ctx context.Context, req IndexRequest) (int64, error)
}

// ClusterRequest asks the analyzer to group a launch's error logs.
type ClusterRequest struct {
	LaunchID         int64            `json:"launchId"`
	LaunchName       string           `json:"launchName,omitempty"`
	ProjectID        int64            `json:"project"`
	NumberOfLogLines int              `json:"numberOfLogLines"`
	CleanNumbers     bool             `json:"cleanNumbers"`
	ForUpdate        bool             `json:"forUpdate"`
	Items            []state.ItemLogs `json:"testItems"`
}

// ClusterInfo is one cluster returned by the analyzer. IndexID is the
// analyzer's own cluster id and is stable across regenerations.
type ClusterInfo struct {
	IndexID int64   `json:"clusterId"`
	Message string  `json:"clusterMessage"`
	LogIDs  []int64 `json:"logIds"`
	ItemIDs []int64 `json:"itemIds"`
}

// ClusterData is the analyzer's clustering result for a launch.
type ClusterData struct {
	LaunchID  int64         `json:"launchId"`
	ProjectID int64         `json:"project"`
	Clusters  []ClusterInfo `json:"clusters"`
}

// AnalyzeRequest asks the analyzer to suggest defect types for items.
type AnalyzeRequest struct {
	LaunchID   int64            `json:"launchId"`
	LaunchName string           `json:"launchName"`
	ProjectID  int64            `json:"project"`
	Config     AnalyzerConfig   `json:"analyzerConfig"`
	Items      []state.ItemLogs `json:"testItems"`
}

// AnalyzedItem is the analyzer's decision for one item.
type AnalyzedItem struct {
	ItemID         int64  `json:"testItem"`
	RelevantItemID int64  `json:"relevantItem,omitempty"`
	IssueType      string `json:"issueType"`
}

// IndexRequest hands a launch's classified error logs to the analyzer index.
type IndexRequest struct {
	LaunchID   int64            `json:"launchId"`
	LaunchName string           `json:"launchName"`
	ProjectID  int64            `json:"project"`
	Items      []state.ItemLogs `json:"testItems"`
}

type indexResponse struct {
	Indexed int64 `json:"indexed"`
}

// HTTPClientConfig configures the HTTP analyzer client.
type HTTPClientConfig struct {
	Endpoint    string
	Token       string
	Timeout     time.Duration
	MaxFailures int
	Cooldown    time.Duration
}

func (c HTTPClientConfig) withDefaults() HTTPClientConfig {
	c.Endpoint = strings.TrimRight(strings.TrimSpace(c.Endpoint), "/")
	if c.Timeout <= 0 {
		c.Timeout = defaultAnalyzerTimeout
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = defaultAnalyzerCircuitFailures
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultAnalyzerCircuitCooldown
	}
	return c
}

// HTTPAnalyzerClient calls a JSON HTTP analyzer and stops calling it for a
// cooldown after consecutive failures.
type HTTPAnalyzerClient struct {
	config     HTTPClientConfig
	httpClient *http.Client
	now        func() time.Time

	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

func NewHTTPAnalyzerClient(config HTTPClientConfig, httpClient *http.Client) *HTTPAnalyzerClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPAnalyzerClient{
		config:     config.withDefaults(),
		httpClient: httpClient,
		now:        time.Now,
	}
}

// HasClients reports whether an analyzer is configured and currently reachable.
func (c *HTTPAnalyzerClient) HasClients() bool {
	return c != nil && c.config.Endpoint != "" && !c.circuitOpen()
}

func (c *HTTPAnalyzerClient) GenerateClusters(ctx context.Context, req ClusterRequest) (ClusterData, error) {
	var data ClusterData
	if err := c.post(ctx, "/cluster", req, &data); err != nil {
		return ClusterData{}, err
	}
	return data, nil
}

func (c *HTTPAnalyzerClient) Analyze(ctx context.Context, req AnalyzeRequest) ([]AnalyzedItem, error) {
	var items []AnalyzedItem
	if err := c.post(ctx, "/analyze", req, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// IndexLogs returns the number of log entries the analyzer indexed.
func (c *HTTPAnalyzerClient) IndexLogs(ctx context.Context, req IndexRequest) (int64, error) {
	var resp indexResponse
	if err := c.post(ctx, "/index", req, &resp); err != nil {
		return 0, err
	}
	return resp.Indexed, nil
}

func (c *HTTPAnalyzerClient) post(ctx context.Context, path string, payload, out any) error {
	if c.config.Endpoint == "" {
		return ErrAnalyzerUnavailable
	}
	if c.circuitOpen() {
		return ErrCircuitOpen
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.config.Endpoint+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(c.config.Token); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(request)
	if err != nil {
		c.recordFailure()
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		c.recordFailure()
		return fmt.Errorf("analyzer %s status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.recordFailure()
		return fmt.Errorf("decode analyzer %s response: %w", path, err)
	}
	c.resetFailures()
	return nil
}

func (c *HTTPAnalyzerClient) circuitOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openUntil.IsZero() {
		return false
	}
	if c.now().After(c.openUntil) {
		c.openUntil = time.Time{}
		c.failures = 0
		return false
	}
	return true
}

func (c *HTTPAnalyzerClient) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= c.config.MaxFailures {
		c.openUntil = c.now().Add(c.config.Cooldown)
	}
}

func (c *HTTPAnalyzerClient) resetFailures() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.openUntil = time.Time{}
}
