package orchestrator

import (
	"context"
	"errors"

	"github.com/izavyalov-dev/delta-report/analysis"
	"github.com/izavyalov-dev/delta-report/cluster"
	"github.com/izavyalov-dev/delta-report/state"
)

const (
	RunnerAutoAnalysis    = "auto-analysis"
	RunnerPatternAnalysis = "pattern-analysis"
	RunnerLogIndexing     = "log-indexing"
	RunnerUniqueError     = "unique-error"
	RunnerNotification    = "notification"
)

// AutoAnalysisStarter starts auto analysis of a launch.
type AutoAnalysisStarter interface {
	StartAutoAnalysis(ctx context.Context, config analysis.AutoAnalysisConfig) error
}

// PatternAnalyzer matches a launch against the project's pattern templates.
type PatternAnalyzer interface {
	AnalyzeLaunch(ctx context.Context, launch state.Launch) error
}

// LaunchIndexer indexes a launch's classified error logs.
type LaunchIndexer interface {
	IndexLaunch(ctx context.Context, launch state.Launch, config analysis.AnalyzerConfig) (int64, error)
}

// ClusterGenerator schedules unique error clustering.
type ClusterGenerator interface {
	Generate(ctx context.Context, config cluster.GenerateConfig) error
}

// AutoAnalysisRunner classifies the launch's investigation items.
type AutoAnalysisRunner struct {
	Starter AutoAnalysisStarter
}

func (AutoAnalysisRunner) Name() string { return RunnerAutoAnalysis }

func (AutoAnalysisRunner) Enabled(attrs map[string]string) bool {
	return analysis.Bool(attrs, analysis.AttrAutoAnalyzerEnabled)
}

func (r AutoAnalysisRunner) Run(ctx context.Context, rc RunContext) error {
	return r.Starter.StartAutoAnalysis(ctx, analysis.AutoAnalysisConfig{
		LaunchID:  rc.Launch.ID,
		ProjectID: rc.Launch.ProjectID,
		Analyzer:  analysis.ConfigFromAttributes(rc.Attributes),
		Modes:     []analysis.ItemMode{analysis.ItemModeToInvestigate},
	})
}

// PatternAnalysisRunner records pattern template matches.
type PatternAnalysisRunner struct {
	Analyzer PatternAnalyzer
}

func (PatternAnalysisRunner) Name() string { return RunnerPatternAnalysis }

func (PatternAnalysisRunner) Enabled(attrs map[string]string) bool {
	return analysis.Bool(attrs, analysis.AttrPatternAnalyzerEnabled)
}

func (r PatternAnalysisRunner) Run(ctx context.Context, rc RunContext) error {
	return r.Analyzer.AnalyzeLaunch(ctx, rc.Launch)
}

// IndexingRunner indexes every finished launch. A missing analyzer is not a
// failure.
type IndexingRunner struct {
	Indexer LaunchIndexer
}

func (IndexingRunner) Name() string { return RunnerLogIndexing }

func (IndexingRunner) Enabled(map[string]string) bool { return true }

func (r IndexingRunner) Run(ctx context.Context, rc RunContext) error {
	_, err := r.Indexer.IndexLaunch(ctx, rc.Launch, analysis.ConfigFromAttributes(rc.Attributes))
	if errors.Is(err, analysis.ErrAnalyzerUnavailable) {
		return nil
	}
	return err
}

// UniqueErrorRunner regenerates the launch's unique error clusters.
type UniqueErrorRunner struct {
	Generator ClusterGenerator
}

func (UniqueErrorRunner) Name() string { return RunnerUniqueError }

func (UniqueErrorRunner) Enabled(attrs map[string]string) bool {
	return analysis.Bool(attrs, analysis.AttrUniqueErrorEnabled)
}

func (r UniqueErrorRunner) Run(ctx context.Context, rc RunContext) error {
	cfg := analysis.ConfigFromAttributes(rc.Attributes)
	return r.Generator.Generate(ctx, cluster.GenerateConfig{
		LaunchID:         rc.Launch.ID,
		ProjectID:        rc.Launch.ProjectID,
		ForUpdate:        false,
		NumberOfLogLines: cfg.NumberOfLogLines,
		CleanNumbers:     cfg.UniqueErrorRemoveNumbers,
	})
}

// DefaultRunners returns the post-finish runners in execution order.
func DefaultRunners(starter AutoAnalysisStarter, patterns PatternAnalyzer, indexer LaunchIndexer, clusters ClusterGenerator, notification *NotificationRunner) []Runner {
	return []Runner{
		AutoAnalysisRunner{Starter: starter},
		PatternAnalysisRunner{Analyzer: patterns},
		IndexingRunner{Indexer: indexer},
		UniqueErrorRunner{Generator: clusters},
		notification,
	}
}
