package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/izavyalov-dev/delta-report/internal/observability"
	"github.com/izavyalov-dev/delta-report/state"
)

var (
	ErrAnalysisInProgress = errors.New("analysis of the launch is in progress")
	ErrIndexingInProgress = errors.New("project logs are being indexed")
)

// AutoStore is the persistence surface of the auto analyzer.
type AutoStore interface {
	GetLaunch(ctx context.Context, launchID int64) (state.Launch, error)
	ItemIDsByIssueType(ctx context.Context, launchID int64, issueType string) ([]int64, error)
	ErrorLogs(ctx context.Context, launchID int64, itemIDs []int64, perItem int) ([]state.ItemLogs, error)
	UpdateItemIssues(ctx context.Context, updates []state.IssueUpdate) error
}

// AutoAnalysisConfig describes one auto analysis run.
type AutoAnalysisConfig struct {
	LaunchID  int64
	ProjectID int64
	Analyzer  AnalyzerConfig
	Modes     []ItemMode
}

// AutoAnalyzer asks the external analyzer to classify a launch's
// investigation items and writes the suggested issue types back.
type AutoAnalyzer struct {
	store   AutoStore
	client  AnalyzerClient
	cache   *StatusCache
	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewAutoAnalyzer(store AutoStore, client AnalyzerClient, cache *StatusCache, metrics *observability.Metrics, logger *slog.Logger) *AutoAnalyzer {
	if logger == nil {
		logger = observability.NewLogger("auto-analyzer")
	}
	return &AutoAnalyzer{store: store, client: client, cache: cache, metrics: metrics, logger: logger}
}

// StartAutoAnalysis runs auto analysis for the launch. It returns
// ErrAnalysisInProgress when another run for the same launch is active and
// ErrIndexingInProgress while the project's logs are being indexed.
func (a *AutoAnalyzer) StartAutoAnalysis(ctx context.Context, config AutoAnalysisConfig) error {
	if a.client == nil || !a.client.HasClients() {
		return ErrAnalyzerUnavailable
	}
	if a.cache.IsIndexingRunning(config.ProjectID) || config.Analyzer.IndexingRunning {
		return ErrIndexingInProgress
	}
	if a.cache.ContainsLaunchID(KindAutoAnalyzer, config.LaunchID) {
		return ErrAnalysisInProgress
	}
	a.cache.AnalyzeStarted(KindAutoAnalyzer, config.LaunchID, config.ProjectID)
	defer a.cache.AnalyzeFinished(KindAutoAnalyzer, config.LaunchID)

	updated, err := a.analyze(ctx, config)
	if err != nil {
		a.metrics.IncAnalysis(string(KindAutoAnalyzer), "error")
		return err
	}
	a.metrics.IncAnalysis(string(KindAutoAnalyzer), "ok")
	observability.WithLaunch(a.logger, config.LaunchID).Info("auto analysis finished",
		"event", "auto_analysis_finished",
		"updated_items", updated,
	)
	return nil
}

func (a *AutoAnalyzer) analyze(ctx context.Context, config AutoAnalysisConfig) (int, error) {
	launch, err := a.store.GetLaunch(ctx, config.LaunchID)
	if err != nil {
		return 0, err
	}

	modes := config.Modes
	if len(modes) == 0 {
		modes = []ItemMode{ItemModeToInvestigate}
	}
	var itemIDs []int64
	for _, mode := range modes {
		if mode != ItemModeToInvestigate {
			continue
		}
		ids, err := a.store.ItemIDsByIssueType(ctx, launch.ID, state.IssueToInvestigate)
		if err != nil {
			return 0, fmt.Errorf("load items to investigate: %w", err)
		}
		itemIDs = append(itemIDs, ids...)
	}
	if len(itemIDs) == 0 {
		return 0, nil
	}

	items, err := a.store.ErrorLogs(ctx, launch.ID, itemIDs, config.Analyzer.NumberOfLogLines)
	if err != nil {
		return 0, fmt.Errorf("load error logs: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	analyzed, err := a.client.Analyze(ctx, AnalyzeRequest{
		LaunchID:   launch.ID,
		LaunchName: launch.Name,
		ProjectID:  config.ProjectID,
		Config:     config.Analyzer,
		Items:      items,
	})
	if err != nil {
		return 0, fmt.Errorf("analyze launch %d: %w", launch.ID, err)
	}

	candidates := make(map[int64]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		candidates[id] = struct{}{}
	}
	updates := make([]state.IssueUpdate, 0, len(analyzed))
	for _, item := range analyzed {
		if _, ok := candidates[item.ItemID]; !ok || item.IssueType == "" {
			continue
		}
		updates = append(updates, state.IssueUpdate{ItemID: item.ItemID, IssueType: item.IssueType, AutoAnalyzed: true})
	}
	if err := a.store.UpdateItemIssues(ctx, updates); err != nil {
		return 0, fmt.Errorf("save analyzed issues: %w", err)
	}
	return len(updates), nil
}
