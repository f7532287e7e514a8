package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestHTTPAnalyzerClientGenerateClusters(t *testing.T) {
	var gotAuth string
	var gotReq ClusterRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cluster" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(ClusterData{
			LaunchID:  gotReq.LaunchID,
			ProjectID: gotReq.ProjectID,
			Clusters:  []ClusterInfo{{IndexID: 11, Message: "NPE", LogIDs: []int64{1, 2}, ItemIDs: []int64{5}}},
		})
	}))
	defer server.Close()

	client := NewHTTPAnalyzerClient(HTTPClientConfig{Endpoint: server.URL + "/", Token: "secret"}, server.Client())
	if !client.HasClients() {
		t.Fatal("expected configured client")
	}
	data, err := client.GenerateClusters(context.Background(), ClusterRequest{LaunchID: 3, ProjectID: 4, NumberOfLogLines: AllLogLines})
	if err != nil {
		t.Fatalf("generate clusters: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
	want := ClusterData{LaunchID: 3, ProjectID: 4, Clusters: []ClusterInfo{{IndexID: 11, Message: "NPE", LogIDs: []int64{1, 2}, ItemIDs: []int64{5}}}}
	if diff := cmp.Diff(want, data); diff != "" {
		t.Fatalf("unexpected cluster data (-want +got):\n%s", diff)
	}
}

func TestHTTPAnalyzerClientIndexLogs(t *testing.T) {
	var gotReq IndexRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/index" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_, _ = w.Write([]byte(`{"indexed": 4}`))
	}))
	defer server.Close()

	client := NewHTTPAnalyzerClient(HTTPClientConfig{Endpoint: server.URL}, server.Client())
	indexed, err := client.IndexLogs(context.Background(), IndexRequest{LaunchID: 3, ProjectID: 4, LaunchName: "nightly"})
	if err != nil {
		t.Fatalf("index logs: %v", err)
	}
	if indexed != 4 {
		t.Fatalf("expected 4 indexed logs, got %d", indexed)
	}
	if gotReq.LaunchID != 3 || gotReq.ProjectID != 4 || gotReq.LaunchName != "nightly" {
		t.Fatalf("unexpected index request %+v", gotReq)
	}
}

func TestHTTPAnalyzerClientWithoutEndpoint(t *testing.T) {
	client := NewHTTPAnalyzerClient(HTTPClientConfig{}, nil)
	if client.HasClients() {
		t.Fatal("expected no clients without endpoint")
	}
	if _, err := client.Analyze(context.Background(), AnalyzeRequest{}); !errors.Is(err, ErrAnalyzerUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestHTTPAnalyzerClientCircuitBreaker(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPAnalyzerClient(HTTPClientConfig{
		Endpoint:    server.URL,
		MaxFailures: 2,
		Cooldown:    time.Minute,
		Timeout:     time.Second,
	}, server.Client())
	now := time.Unix(0, 0)
	client.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if _, err := client.Analyze(context.Background(), AnalyzeRequest{}); err == nil {
			t.Fatal("expected analyzer error")
		}
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if client.HasClients() {
		t.Fatal("expected open circuit to hide the analyzer")
	}
	if _, err := client.Analyze(context.Background(), AnalyzeRequest{}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected no more calls, got %d", calls)
	}

	now = now.Add(2 * time.Minute)
	if !client.HasClients() {
		t.Fatal("expected circuit to close after cooldown")
	}
}
