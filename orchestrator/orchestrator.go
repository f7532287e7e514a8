package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/izavyalov-dev/delta-report/events"
	"github.com/izavyalov-dev/delta-report/internal/observability"
	"github.com/izavyalov-dev/delta-report/protocol"
	"github.com/izavyalov-dev/delta-report/state"
)

// LaunchLoader loads finished launches.
type LaunchLoader interface {
	GetLaunch(ctx context.Context, launchID int64) (state.Launch, error)
}

// ProjectConfigProvider returns a project's configuration attributes.
type ProjectConfigProvider interface {
	ProjectAttributes(ctx context.Context, projectID int64) (map[string]string, error)
}

// RunContext is what a runner sees of a finished launch.
type RunContext struct {
	Event      events.LaunchFinished
	Launch     state.Launch
	Attributes map[string]string
}

// Runner is one post-finish step. Runners decide their own enablement from
// the project attributes.
type Runner interface {
	Name() string
	Enabled(attrs map[string]string) bool
	Run(ctx context.Context, rc RunContext) error
}

// Report summarizes one launch finished handling.
type Report struct {
	LaunchID int64
	Invoked  []string
	Skipped  []string
	Failures map[string]error
}

// Err folds runner failures into one error, nil when every runner succeeded.
func (r Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Failures))
	for name := range r.Failures {
		names = append(names, name)
	}
	sort.Strings(names)

	var result *multierror.Error
	for _, name := range names {
		result = multierror.Append(result, fmt.Errorf("%s: %w", name, r.Failures[name]))
	}
	return result.ErrorOrNil()
}

// Orchestrator fans a launch finished event out to the post-finish runners.
// A failing or panicking runner never stops the runners after it.
type Orchestrator struct {
	launches LaunchLoader
	projects ProjectConfigProvider
	runners  []Runner
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func New(launches LaunchLoader, projects ProjectConfigProvider, runners []Runner, metrics *observability.Metrics, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = observability.NewLogger("orchestrator")
	}
	return &Orchestrator{
		launches: launches,
		projects: projects,
		runners:  runners,
		metrics:  metrics,
		logger:   logger,
	}
}

// Handle runs every enabled runner for the finished launch. It fails only
// when the launch or the project configuration cannot be loaded.
func (o *Orchestrator) Handle(ctx context.Context, event events.LaunchFinished) (Report, error) {
	report := Report{LaunchID: event.LaunchID, Failures: map[string]error{}}

	launch, err := o.launches.GetLaunch(ctx, event.LaunchID)
	if err != nil {
		return report, fmt.Errorf("load launch %d: %w", event.LaunchID, err)
	}
	logger := observability.WithProject(observability.WithLaunch(o.logger, launch.ID), launch.ProjectID)
	if launch.Mode == protocol.LaunchModeDebug {
		logger.Info("debug launch skipped", "event", "launch_finished_debug_skipped")
		return report, nil
	}

	attrs, err := o.projects.ProjectAttributes(ctx, launch.ProjectID)
	if err != nil {
		return report, fmt.Errorf("load project %d configuration: %w", launch.ProjectID, err)
	}

	rc := RunContext{Event: event, Launch: launch, Attributes: attrs}
	for _, runner := range o.runners {
		name := runner.Name()
		ran, err := o.invoke(ctx, runner, rc)
		if !ran {
			report.Skipped = append(report.Skipped, name)
			continue
		}
		report.Invoked = append(report.Invoked, name)
		if err != nil {
			report.Failures[name] = err
			o.metrics.IncRunnerFailure(name)
			logger.Error("launch finished runner failed",
				"event", "launch_finished_runner_failed",
				"runner", name,
				"error", err,
			)
		}
	}
	return report, nil
}

// invoke runs the runner when it is enabled. ran reports whether the runner
// was attempted; a panic in Enabled counts as an attempted, failed run.
func (o *Orchestrator) invoke(ctx context.Context, runner Runner, rc RunContext) (ran bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ran = true
			err = fmt.Errorf("runner enablement panicked: %v", r)
		}
	}()
	if !runner.Enabled(rc.Attributes) {
		return false, nil
	}
	return true, o.run(ctx, runner, rc)
}

func (o *Orchestrator) run(ctx context.Context, runner Runner, rc RunContext) (err error) {
	ctx, span := observability.Tracer("orchestrator").Start(ctx, "launch_finished."+runner.Name())
	span.SetAttributes(
		attribute.Int64("launch.id", rc.Launch.ID),
		attribute.Int64("project.id", rc.Launch.ProjectID),
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panicked: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return runner.Run(ctx, rc)
}

// Subscribe handles every LaunchFinished published on bus.
func (o *Orchestrator) Subscribe(bus *events.Bus) {
	bus.SubscribeAsync(events.ChannelLaunchFinished, func(data any) {
		event, ok := data.(events.LaunchFinished)
		if !ok {
			o.logger.Error("unexpected launch finished payload", "event", "launch_finished_bad_payload", "type", fmt.Sprintf("%T", data))
			return
		}
		report, err := o.Handle(context.Background(), event)
		logger := observability.WithLaunch(o.logger, event.LaunchID)
		if err != nil {
			logger.Error("launch finished handling failed", "event", "launch_finished_failed", "error", err)
			return
		}
		if len(report.Invoked) > 0 {
			logger.Info("launch finished handled",
				"event", "launch_finished_handled",
				"invoked", report.Invoked,
				"failed", len(report.Failures),
			)
		}
	})
}
