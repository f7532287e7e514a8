package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/izavyalov-dev/delta-report/analysis"
	"github.com/izavyalov-dev/delta-report/internal/observability"
	"github.com/izavyalov-dev/delta-report/state"
)

var (
	ErrNoAnalyzer         = errors.New("no analyzer available for clusters generation")
	ErrClustersInProgress = errors.New("clusters creation is in progress")
)

// Store is the persistence surface of cluster generation.
type Store interface {
	GetLaunch(ctx context.Context, launchID int64) (state.Launch, error)
	DeleteLaunchClusters(ctx context.Context, launchID int64) error
	ErrorLogs(ctx context.Context, launchID int64, itemIDs []int64, perItem int) ([]state.ItemLogs, error)
	WithClusterTx(ctx context.Context, fn func(state.ClusterWriter) error) error
	SaveClusterLastRun(ctx context.Context, launchID int64, at time.Time) error
}

// GenerateConfig describes one clustering run for a launch.
type GenerateConfig struct {
	LaunchID         int64
	ProjectID        int64
	ItemIDs          []int64
	ForUpdate        bool
	NumberOfLogLines int
	CleanNumbers     bool
}

// Generator groups a launch's error logs into unique-error clusters through
// the external analyzer. Generation runs on the pool; Generate only validates
// and schedules it.
type Generator struct {
	store    Store
	client   analysis.AnalyzerClient
	cache    *analysis.StatusCache
	pool     *Pool
	archiver Archiver
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewGenerator(store Store, client analysis.AnalyzerClient, cache *analysis.StatusCache, pool *Pool, archiver Archiver, metrics *observability.Metrics, logger *slog.Logger) *Generator {
	if archiver == nil {
		archiver = NoopArchiver{}
	}
	if logger == nil {
		logger = observability.NewLogger("cluster")
	}
	if pool == nil {
		pool = NewPool(defaultWorkers, logger)
	}
	return &Generator{
		store:    store,
		client:   client,
		cache:    cache,
		pool:     pool,
		archiver: archiver,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Generate schedules cluster generation. The cluster lock for the launch is
// held from a successful return until the background run completes.
func (g *Generator) Generate(ctx context.Context, config GenerateConfig) error {
	if g.client == nil || !g.client.HasClients() {
		return ErrNoAnalyzer
	}
	if !g.cache.TryAnalyzeStarted(analysis.KindCluster, config.LaunchID, config.ProjectID) {
		return ErrClustersInProgress
	}

	if !config.ForUpdate {
		if err := g.store.DeleteLaunchClusters(ctx, config.LaunchID); err != nil {
			g.cache.AnalyzeFinished(analysis.KindCluster, config.LaunchID)
			return fmt.Errorf("delete clusters of launch %d: %w", config.LaunchID, err)
		}
	}

	err := g.pool.Submit(ctx, func(taskCtx context.Context) {
		defer g.cache.AnalyzeFinished(analysis.KindCluster, config.LaunchID)
		g.run(taskCtx, config)
	})
	if err != nil {
		g.cache.AnalyzeFinished(analysis.KindCluster, config.LaunchID)
		return err
	}
	return nil
}

func (g *Generator) run(ctx context.Context, config GenerateConfig) {
	ctx, span := observability.Tracer("cluster").Start(ctx, "cluster.generate")
	span.SetAttributes(
		attribute.Int64("launch.id", config.LaunchID),
		attribute.Int64("project.id", config.ProjectID),
		attribute.Bool("cluster.for_update", config.ForUpdate),
	)
	defer span.End()

	logger := observability.WithProject(observability.WithLaunch(g.logger, config.LaunchID), config.ProjectID)
	count, err := g.generate(ctx, config)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.metrics.IncAnalysis(string(analysis.KindCluster), "error")
		logger.Error("cluster generation failed", "event", "cluster_generation_failed", "error", err)
		return
	}
	g.metrics.IncAnalysis(string(analysis.KindCluster), "ok")
	logger.Info("clusters generated", "event", "clusters_generated", "clusters", count)
}

func (g *Generator) generate(ctx context.Context, config GenerateConfig) (int, error) {
	launch, err := g.store.GetLaunch(ctx, config.LaunchID)
	if err != nil {
		return 0, err
	}
	items, err := g.store.ErrorLogs(ctx, config.LaunchID, config.ItemIDs, config.NumberOfLogLines)
	if err != nil {
		return 0, fmt.Errorf("load error logs: %w", err)
	}

	data, err := g.client.GenerateClusters(ctx, analysis.ClusterRequest{
		LaunchID:         config.LaunchID,
		LaunchName:       launch.Name,
		ProjectID:        config.ProjectID,
		NumberOfLogLines: config.NumberOfLogLines,
		CleanNumbers:     config.CleanNumbers,
		ForUpdate:        config.ForUpdate,
		Items:            items,
	})
	if err != nil {
		return 0, fmt.Errorf("generate clusters: %w", err)
	}

	if err := g.store.WithClusterTx(ctx, func(w state.ClusterWriter) error {
		return saveClusters(ctx, w, config, data.Clusters)
	}); err != nil {
		return 0, fmt.Errorf("save clusters: %w", err)
	}
	if err := g.store.SaveClusterLastRun(ctx, config.LaunchID, g.now()); err != nil {
		return 0, fmt.Errorf("save cluster last run: %w", err)
	}

	if uri, err := g.archiver.Archive(ctx, data); err != nil {
		observability.WithLaunch(g.logger, config.LaunchID).Warn("cluster archive failed", "event", "cluster_archive_failed", "error", err)
	} else if uri != "" {
		observability.WithLaunch(g.logger, config.LaunchID).Info("clusters archived", "event", "clusters_archived", "uri", uri)
	}
	return len(data.Clusters), nil
}

func saveClusters(ctx context.Context, w state.ClusterWriter, config GenerateConfig, clusters []analysis.ClusterInfo) error {
	for _, info := range clusters {
		cluster, found, err := w.FindClusterByIndexID(ctx, config.LaunchID, info.IndexID)
		if err != nil {
			return err
		}
		if !found {
			cluster = state.Cluster{IndexID: info.IndexID, LaunchID: config.LaunchID, ProjectID: config.ProjectID}
		}
		cluster.Message = info.Message

		saved, err := w.SaveCluster(ctx, cluster)
		if err != nil {
			return fmt.Errorf("save cluster %d: %w", info.IndexID, err)
		}
		if err := w.AddClusterItems(ctx, saved.ID, info.ItemIDs); err != nil {
			return fmt.Errorf("link items to cluster %d: %w", saved.ID, err)
		}
		if err := w.SetLogsCluster(ctx, saved.ID, info.LogIDs); err != nil {
			return fmt.Errorf("link logs to cluster %d: %w", saved.ID, err)
		}
	}
	return nil
}
