package analysis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/izavyalov-dev/delta-report/internal/observability"
	"github.com/izavyalov-dev/delta-report/state"
)

const kindIndexing = "indexing"

// IndexStore is the persistence surface of the log indexer.
type IndexStore interface {
	ItemIDsWithIssue(ctx context.Context, launchID int64) ([]int64, error)
	ErrorLogs(ctx context.Context, launchID int64, itemIDs []int64, perItem int) ([]state.ItemLogs, error)
}

// LogIndexer feeds a finished launch's classified error logs to the
// analyzer so later auto analysis can match against them.
type LogIndexer struct {
	store   IndexStore
	client  AnalyzerClient
	cache   *StatusCache
	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewLogIndexer(store IndexStore, client AnalyzerClient, cache *StatusCache, metrics *observability.Metrics, logger *slog.Logger) *LogIndexer {
	if logger == nil {
		logger = observability.NewLogger("log-indexer")
	}
	return &LogIndexer{store: store, client: client, cache: cache, metrics: metrics, logger: logger}
}

// IndexLaunch indexes the launch's error logs. The project is marked as
// indexing for the duration of the call.
func (x *LogIndexer) IndexLaunch(ctx context.Context, launch state.Launch, config AnalyzerConfig) (int64, error) {
	if x.client == nil || !x.client.HasClients() {
		return 0, ErrAnalyzerUnavailable
	}
	x.cache.IndexingStarted(launch.ProjectID)
	defer x.cache.IndexingFinished(launch.ProjectID)

	indexed, err := x.index(ctx, launch, config)
	if err != nil {
		x.metrics.IncAnalysis(kindIndexing, "error")
		return 0, err
	}
	x.metrics.IncAnalysis(kindIndexing, "ok")
	observability.WithProject(observability.WithLaunch(x.logger, launch.ID), launch.ProjectID).Info("launch logs indexed",
		"event", "launch_logs_indexed",
		"indexed", indexed,
	)
	return indexed, nil
}

func (x *LogIndexer) index(ctx context.Context, launch state.Launch, config AnalyzerConfig) (int64, error) {
	itemIDs, err := x.store.ItemIDsWithIssue(ctx, launch.ID)
	if err != nil {
		return 0, fmt.Errorf("load classified items: %w", err)
	}
	if len(itemIDs) == 0 {
		return 0, nil
	}
	items, err := x.store.ErrorLogs(ctx, launch.ID, itemIDs, config.NumberOfLogLines)
	if err != nil {
		return 0, fmt.Errorf("load error logs: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}
	indexed, err := x.client.IndexLogs(ctx, IndexRequest{
		LaunchID:   launch.ID,
		LaunchName: launch.Name,
		ProjectID:  launch.ProjectID,
		Items:      items,
	})
	if err != nil {
		return 0, fmt.Errorf("index launch %d logs: %w", launch.ID, err)
	}
	return indexed, nil
}
