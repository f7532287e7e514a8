package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/izavyalov-dev/delta-report/internal/observability"
	"github.com/izavyalov-dev/delta-report/state"
)

const defaultPatternBatchSize = 100

// PatternStore is the persistence surface of the pattern analyzer.
type PatternStore interface {
	EnabledPatternTemplates(ctx context.Context, projectID int64) ([]state.PatternTemplate, error)
	FailedItemIDs(ctx context.Context, launchID int64) ([]int64, error)
	ErrorLogs(ctx context.Context, launchID int64, itemIDs []int64, perItem int) ([]state.ItemLogs, error)
	SavePatternMatches(ctx context.Context, matches []state.PatternMatch) error
}

// PatternAnalyzer matches a launch's failed items against the project's
// pattern templates.
type PatternAnalyzer struct {
	store     PatternStore
	cache     *StatusCache
	metrics   *observability.Metrics
	logger    *slog.Logger
	batchSize int
}

func NewPatternAnalyzer(store PatternStore, cache *StatusCache, metrics *observability.Metrics, logger *slog.Logger) *PatternAnalyzer {
	if logger == nil {
		logger = observability.NewLogger("pattern-analyzer")
	}
	return &PatternAnalyzer{
		store:     store,
		cache:     cache,
		metrics:   metrics,
		logger:    logger,
		batchSize: defaultPatternBatchSize,
	}
}

type matcher struct {
	template state.PatternTemplate
	match    func(message string) bool
}

// AnalyzeLaunch records every template match among the launch's failed items.
func (p *PatternAnalyzer) AnalyzeLaunch(ctx context.Context, launch state.Launch) error {
	if p.cache.ContainsLaunchID(KindPatternAnalyzer, launch.ID) {
		return ErrAnalysisInProgress
	}
	p.cache.AnalyzeStarted(KindPatternAnalyzer, launch.ID, launch.ProjectID)
	defer p.cache.AnalyzeFinished(KindPatternAnalyzer, launch.ID)

	matched, err := p.analyze(ctx, launch)
	if err != nil {
		p.metrics.IncAnalysis(string(KindPatternAnalyzer), "error")
		return err
	}
	p.metrics.IncAnalysis(string(KindPatternAnalyzer), "ok")
	observability.WithLaunch(p.logger, launch.ID).Info("pattern analysis finished",
		"event", "pattern_analysis_finished",
		"matches", matched,
	)
	return nil
}

func (p *PatternAnalyzer) analyze(ctx context.Context, launch state.Launch) (int, error) {
	templates, err := p.store.EnabledPatternTemplates(ctx, launch.ProjectID)
	if err != nil {
		return 0, fmt.Errorf("load pattern templates: %w", err)
	}
	matchers := p.compile(launch, templates)
	if len(matchers) == 0 {
		return 0, nil
	}

	itemIDs, err := p.store.FailedItemIDs(ctx, launch.ID)
	if err != nil {
		return 0, fmt.Errorf("load failed items: %w", err)
	}

	total := 0
	for start := 0; start < len(itemIDs); start += p.batchSize {
		end := min(start+p.batchSize, len(itemIDs))
		items, err := p.store.ErrorLogs(ctx, launch.ID, itemIDs[start:end], AllLogLines)
		if err != nil {
			return total, fmt.Errorf("load error logs: %w", err)
		}
		var matches []state.PatternMatch
		for _, m := range matchers {
			for _, item := range items {
				if itemMatches(item, m.match) {
					matches = append(matches, state.PatternMatch{PatternID: m.template.ID, ItemID: item.ItemID})
				}
			}
		}
		if err := p.store.SavePatternMatches(ctx, matches); err != nil {
			return total, fmt.Errorf("save pattern matches: %w", err)
		}
		total += len(matches)
	}
	return total, nil
}

func (p *PatternAnalyzer) compile(launch state.Launch, templates []state.PatternTemplate) []matcher {
	matchers := make([]matcher, 0, len(templates))
	for _, tpl := range templates {
		switch tpl.Type {
		case state.PatternString:
			value := tpl.Value
			matchers = append(matchers, matcher{template: tpl, match: func(message string) bool {
				return strings.Contains(message, value)
			}})
		case state.PatternRegex:
			re, err := regexp.Compile(tpl.Value)
			if err != nil {
				observability.WithLaunch(p.logger, launch.ID).Warn("pattern template skipped",
					"event", "pattern_template_invalid",
					"pattern_id", tpl.ID,
					"error", err,
				)
				continue
			}
			matchers = append(matchers, matcher{template: tpl, match: re.MatchString})
		}
	}
	return matchers
}

func itemMatches(item state.ItemLogs, match func(string) bool) bool {
	for _, entry := range item.Logs {
		if match(entry.Message) {
			return true
		}
	}
	return false
}
