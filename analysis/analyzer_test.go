package analysis

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/izavyalov-dev/delta-report/state"
)

type stubAnalyzerClient struct {
	hasClients bool
	analyzed   []AnalyzedItem
	err        error
	requests   []AnalyzeRequest

	indexed          int64
	indexErr         error
	indexRequests    []IndexRequest
	cache            *StatusCache
	indexingObserved bool
}

func (c *stubAnalyzerClient) HasClients() bool { return c.hasClients }

func (c *stubAnalyzerClient) GenerateClusters(ctx context.Context, req ClusterRequest) (ClusterData, error) {
	return ClusterData{}, nil
}

func (c *stubAnalyzerClient) Analyze(ctx context.Context, req AnalyzeRequest) ([]AnalyzedItem, error) {
	c.requests = append(c.requests, req)
	return c.analyzed, c.err
}

func (c *stubAnalyzerClient) IndexLogs(ctx context.Context, req IndexRequest) (int64, error) {
	if c.cache != nil {
		c.indexingObserved = c.cache.IsIndexingRunning(req.ProjectID)
	}
	c.indexRequests = append(c.indexRequests, req)
	return c.indexed, c.indexErr
}

type stubAnalysisStore struct {
	launch    state.Launch
	toInvest  []int64
	failed    []int64
	withIssue []int64
	logs      map[int64]state.ItemLogs
	templates []state.PatternTemplate

	updates      []state.IssueUpdate
	matches      []state.PatternMatch
	logBatches   [][]int64
	perItemSeen  []int
	lockObserved bool
	cache        *StatusCache
}

func (s *stubAnalysisStore) GetLaunch(ctx context.Context, launchID int64) (state.Launch, error) {
	if s.cache != nil {
		s.lockObserved = s.cache.ContainsLaunchID(KindAutoAnalyzer, launchID)
	}
	return s.launch, nil
}

func (s *stubAnalysisStore) ItemIDsByIssueType(ctx context.Context, launchID int64, issueType string) ([]int64, error) {
	return s.toInvest, nil
}

func (s *stubAnalysisStore) ItemIDsWithIssue(ctx context.Context, launchID int64) ([]int64, error) {
	return s.withIssue, nil
}

func (s *stubAnalysisStore) FailedItemIDs(ctx context.Context, launchID int64) ([]int64, error) {
	return s.failed, nil
}

func (s *stubAnalysisStore) ErrorLogs(ctx context.Context, launchID int64, itemIDs []int64, perItem int) ([]state.ItemLogs, error) {
	s.logBatches = append(s.logBatches, append([]int64(nil), itemIDs...))
	s.perItemSeen = append(s.perItemSeen, perItem)
	var out []state.ItemLogs
	for _, id := range itemIDs {
		if item, ok := s.logs[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *stubAnalysisStore) UpdateItemIssues(ctx context.Context, updates []state.IssueUpdate) error {
	s.updates = append(s.updates, updates...)
	return nil
}

func (s *stubAnalysisStore) EnabledPatternTemplates(ctx context.Context, projectID int64) ([]state.PatternTemplate, error) {
	return s.templates, nil
}

func (s *stubAnalysisStore) SavePatternMatches(ctx context.Context, matches []state.PatternMatch) error {
	s.matches = append(s.matches, matches...)
	return nil
}

func itemLogs(itemID int64, messages ...string) state.ItemLogs {
	item := state.ItemLogs{ItemID: itemID, IssueType: state.IssueToInvestigate}
	for i, msg := range messages {
		item.Logs = append(item.Logs, state.LogEntry{ID: itemID*10 + int64(i), Message: msg, Level: state.LogLevelError})
	}
	return item
}

func TestConfigFromAttributes(t *testing.T) {
	cfg := ConfigFromAttributes(map[string]string{
		AttrAutoAnalyzerEnabled:      "TRUE",
		AttrMinShouldMatch:           "80",
		AttrNumberOfLogLines:         "oops",
		AttrAutoAnalyzerMode:         "CURRENT_LAUNCH",
		AttrUniqueErrorEnabled:       "true",
		AttrUniqueErrorRemoveNumbers: "false",
	})
	want := AnalyzerConfig{
		AutoAnalyzerEnabled:      true,
		MinShouldMatch:           80,
		SearchLogsMinShouldMatch: defaultSearchLogsMinShouldMatch,
		NumberOfLogLines:         AllLogLines,
		Mode:                     ModeCurrentLaunch,
		UniqueErrorEnabled:       true,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("unexpected config (-want +got):\n%s", diff)
	}
}

func TestAutoAnalyzerUpdatesInvestigatedItems(t *testing.T) {
	cache := NewStatusCache()
	store := &stubAnalysisStore{
		launch:   state.Launch{ID: 1, ProjectID: 2, Name: "nightly"},
		toInvest: []int64{10, 11},
		logs:     map[int64]state.ItemLogs{10: itemLogs(10, "NPE"), 11: itemLogs(11, "timeout")},
		cache:    cache,
	}
	client := &stubAnalyzerClient{
		hasClients: true,
		analyzed: []AnalyzedItem{
			{ItemID: 10, IssueType: state.IssueProductBug},
			{ItemID: 99, IssueType: state.IssueSystemIssue},
			{ItemID: 11},
		},
	}
	analyzer := NewAutoAnalyzer(store, client, cache, nil, nil)

	err := analyzer.StartAutoAnalysis(context.Background(), AutoAnalysisConfig{
		LaunchID:  1,
		ProjectID: 2,
		Analyzer:  AnalyzerConfig{NumberOfLogLines: 3},
	})
	if err != nil {
		t.Fatalf("auto analysis: %v", err)
	}
	if !store.lockObserved {
		t.Fatal("expected lock to be held during analysis")
	}
	if cache.ContainsLaunchID(KindAutoAnalyzer, 1) {
		t.Fatal("expected lock released")
	}
	want := []state.IssueUpdate{{ItemID: 10, IssueType: state.IssueProductBug, AutoAnalyzed: true}}
	if diff := cmp.Diff(want, store.updates); diff != "" {
		t.Fatalf("unexpected updates (-want +got):\n%s", diff)
	}
	if store.perItemSeen[0] != 3 {
		t.Fatalf("expected 3 log lines per item, got %d", store.perItemSeen[0])
	}
	if len(client.requests) != 1 || client.requests[0].LaunchName != "nightly" {
		t.Fatalf("unexpected analyzer requests %+v", client.requests)
	}
}

func TestAutoAnalyzerRejectsConcurrentRun(t *testing.T) {
	cache := NewStatusCache()
	cache.AnalyzeStarted(KindAutoAnalyzer, 1, 2)
	store := &stubAnalysisStore{}
	analyzer := NewAutoAnalyzer(store, &stubAnalyzerClient{hasClients: true}, cache, nil, nil)

	err := analyzer.StartAutoAnalysis(context.Background(), AutoAnalysisConfig{LaunchID: 1, ProjectID: 2})
	if !errors.Is(err, ErrAnalysisInProgress) {
		t.Fatalf("expected in progress, got %v", err)
	}
	if !cache.ContainsLaunchID(KindAutoAnalyzer, 1) {
		t.Fatal("existing lock must survive a rejected run")
	}
}

func TestAutoAnalyzerRejectsWhileIndexing(t *testing.T) {
	cache := NewStatusCache()
	cache.IndexingStarted(2)
	store := &stubAnalysisStore{
		launch:   state.Launch{ID: 1, ProjectID: 2},
		toInvest: []int64{10},
		logs:     map[int64]state.ItemLogs{10: itemLogs(10, "NPE")},
	}
	client := &stubAnalyzerClient{hasClients: true}
	analyzer := NewAutoAnalyzer(store, client, cache, nil, nil)

	err := analyzer.StartAutoAnalysis(context.Background(), AutoAnalysisConfig{LaunchID: 1, ProjectID: 2})
	if !errors.Is(err, ErrIndexingInProgress) {
		t.Fatalf("expected indexing in progress, got %v", err)
	}
	if len(client.requests) != 0 || cache.ContainsLaunchID(KindAutoAnalyzer, 1) {
		t.Fatalf("rejected run must not analyze or lock, requests=%d", len(client.requests))
	}

	cache.IndexingFinished(2)
	if err := analyzer.StartAutoAnalysis(context.Background(), AutoAnalysisConfig{LaunchID: 1, ProjectID: 2}); err != nil {
		t.Fatalf("auto analysis after indexing: %v", err)
	}
	if len(client.requests) != 1 {
		t.Fatalf("expected one analyzer request, got %d", len(client.requests))
	}
}

func TestAutoAnalyzerIgnoresIndexingOfOtherProjects(t *testing.T) {
	cache := NewStatusCache()
	cache.IndexingStarted(9)
	analyzer := NewAutoAnalyzer(&stubAnalysisStore{launch: state.Launch{ID: 1, ProjectID: 2}}, &stubAnalyzerClient{hasClients: true}, cache, nil, nil)

	if err := analyzer.StartAutoAnalysis(context.Background(), AutoAnalysisConfig{LaunchID: 1, ProjectID: 2}); err != nil {
		t.Fatalf("auto analysis: %v", err)
	}
}

func TestLogIndexerHoldsIndexingFlag(t *testing.T) {
	cache := NewStatusCache()
	store := &stubAnalysisStore{
		withIssue: []int64{10, 11},
		logs:      map[int64]state.ItemLogs{10: itemLogs(10, "NPE")},
	}
	client := &stubAnalyzerClient{hasClients: true, indexed: 1, cache: cache}
	indexer := NewLogIndexer(store, client, cache, nil, nil)

	indexed, err := indexer.IndexLaunch(context.Background(), state.Launch{ID: 1, ProjectID: 2, Name: "nightly"}, AnalyzerConfig{NumberOfLogLines: AllLogLines})
	if err != nil {
		t.Fatalf("index launch: %v", err)
	}
	if indexed != 1 {
		t.Fatalf("expected 1 indexed log, got %d", indexed)
	}
	if !client.indexingObserved {
		t.Fatal("expected indexing flag during the analyzer call")
	}
	if cache.IsIndexingRunning(2) {
		t.Fatal("expected indexing flag cleared")
	}
	want := []IndexRequest{{LaunchID: 1, LaunchName: "nightly", ProjectID: 2, Items: []state.ItemLogs{itemLogs(10, "NPE")}}}
	if diff := cmp.Diff(want, client.indexRequests); diff != "" {
		t.Fatalf("unexpected index requests (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]int64{{10, 11}}, store.logBatches); diff != "" {
		t.Fatalf("unexpected log batches (-want +got):\n%s", diff)
	}
}

func TestLogIndexerClearsFlagOnFailure(t *testing.T) {
	cache := NewStatusCache()
	store := &stubAnalysisStore{
		withIssue: []int64{10},
		logs:      map[int64]state.ItemLogs{10: itemLogs(10, "NPE")},
	}
	client := &stubAnalyzerClient{hasClients: true, indexErr: errors.New("index unavailable")}
	indexer := NewLogIndexer(store, client, cache, nil, nil)

	if _, err := indexer.IndexLaunch(context.Background(), state.Launch{ID: 1, ProjectID: 2}, AnalyzerConfig{}); err == nil {
		t.Fatal("expected index failure")
	}
	if cache.IsIndexingRunning(2) {
		t.Fatal("expected indexing flag cleared after failure")
	}
}

func TestLogIndexerWithoutAnalyzer(t *testing.T) {
	cache := NewStatusCache()
	indexer := NewLogIndexer(&stubAnalysisStore{}, &stubAnalyzerClient{}, cache, nil, nil)

	if _, err := indexer.IndexLaunch(context.Background(), state.Launch{ID: 1, ProjectID: 2}, AnalyzerConfig{}); !errors.Is(err, ErrAnalyzerUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if cache.IsIndexingRunning(2) {
		t.Fatal("indexing flag must not be set without an analyzer")
	}
}

func TestAutoAnalyzerReleasesLockOnFailure(t *testing.T) {
	cache := NewStatusCache()
	store := &stubAnalysisStore{
		launch:   state.Launch{ID: 1, ProjectID: 2},
		toInvest: []int64{10},
		logs:     map[int64]state.ItemLogs{10: itemLogs(10, "NPE")},
	}
	client := &stubAnalyzerClient{hasClients: true, err: errors.New("analyzer down")}
	analyzer := NewAutoAnalyzer(store, client, cache, nil, nil)

	if err := analyzer.StartAutoAnalysis(context.Background(), AutoAnalysisConfig{LaunchID: 1, ProjectID: 2}); err == nil {
		t.Fatal("expected analyzer failure")
	}
	if cache.ContainsLaunchID(KindAutoAnalyzer, 1) {
		t.Fatal("expected lock released after failure")
	}
}

func TestPatternAnalyzerMatchesInBatches(t *testing.T) {
	cache := NewStatusCache()
	store := &stubAnalysisStore{
		failed: []int64{1, 2, 3},
		logs: map[int64]state.ItemLogs{
			1: itemLogs(1, "java.lang.NullPointerException at Foo"),
			2: itemLogs(2, "connection refused"),
			3: itemLogs(3, "Timeout after 30s"),
		},
		templates: []state.PatternTemplate{
			{ID: 100, Type: state.PatternString, Value: "NullPointerException"},
			{ID: 200, Type: state.PatternRegex, Value: `Timeout after \d+s`},
			{ID: 300, Type: state.PatternRegex, Value: `(`},
		},
	}
	analyzer := NewPatternAnalyzer(store, cache, nil, nil)
	analyzer.batchSize = 2

	if err := analyzer.AnalyzeLaunch(context.Background(), state.Launch{ID: 5, ProjectID: 6}); err != nil {
		t.Fatalf("pattern analysis: %v", err)
	}
	want := []state.PatternMatch{{PatternID: 100, ItemID: 1}, {PatternID: 200, ItemID: 3}}
	if diff := cmp.Diff(want, store.matches); diff != "" {
		t.Fatalf("unexpected matches (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]int64{{1, 2}, {3}}, store.logBatches); diff != "" {
		t.Fatalf("unexpected batches (-want +got):\n%s", diff)
	}
	if cache.ContainsLaunchID(KindPatternAnalyzer, 5) {
		t.Fatal("expected pattern lock released")
	}
}
