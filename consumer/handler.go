package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/izavyalov-dev/delta-report/events"
	"github.com/izavyalov-dev/delta-report/internal/observability"
	"github.com/izavyalov-dev/delta-report/protocol"
	"github.com/izavyalov-dev/delta-report/retry"
	"github.com/izavyalov-dev/delta-report/routing"
	"github.com/izavyalov-dev/delta-report/state"
)

// Store is the persistence surface of the reporting writes.
type Store interface {
	GetProjectByName(ctx context.Context, name string) (state.Project, error)
	ProjectAttributes(ctx context.Context, projectID int64) (map[string]string, error)
	CreateLaunch(ctx context.Context, launch state.Launch) (state.Launch, error)
	GetLaunchByUUID(ctx context.Context, uuid string) (state.Launch, error)
	FindLatestLaunchByName(ctx context.Context, projectID int64, name string) (state.Launch, error)
	ReopenLaunch(ctx context.Context, launchID int64, reopen state.Reopen) (state.Launch, error)
	FinishLaunch(ctx context.Context, launchID int64, status protocol.Status, endTime time.Time) (state.Launch, error)
	CreateItem(ctx context.Context, item state.TestItem) (state.TestItem, error)
	GetItemByUUID(ctx context.Context, uuid string) (state.TestItem, error)
	FindRerunItem(ctx context.Context, launchID int64, parentID *int64, testCaseHash int64, name, excludeUUID string) (state.RerunMatch, bool, error)
	ReopenItem(ctx context.Context, itemID int64, uuid string) (state.TestItem, error)
	FinishItem(ctx context.Context, itemID int64, status protocol.Status, endTime time.Time) (state.TestItem, error)
	SaveLog(ctx context.Context, entry state.LogEntry) (state.LogEntry, error)
}

// RetryLinker links retry attempts and closes the retries of a finished head.
type RetryLinker interface {
	HandleRetries(ctx context.Context, c *retry.Candidate, ref retry.Ref) (int64, error)
	FinishRetries(ctx context.Context, rootID int64, status protocol.Status, endTime time.Time) (int64, error)
}

// IdentityResolver computes the identity keys of new items.
type IdentityResolver interface {
	EnsureIdentity(ctx context.Context, c *retry.Candidate) error
}

// Publisher receives domain events.
type Publisher interface {
	Publish(channel string, data any)
}

// Handler performs the writes of routed reporting events. Events of one
// launch arrive in publish order, one at a time.
type Handler struct {
	store    Store
	resolver IdentityResolver
	linker   RetryLinker
	bus      Publisher
	baseURL  string
	logger   *slog.Logger
}

func NewHandler(store Store, resolver IdentityResolver, linker RetryLinker, bus Publisher, baseURL string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = observability.NewLogger("consumer")
	}
	return &Handler{
		store:    store,
		resolver: resolver,
		linker:   linker,
		bus:      bus,
		baseURL:  baseURL,
		logger:   logger,
	}
}

// Handle implements routing.Handler. Redelivered creates are treated as done
// and rule violations are marked permanent.
func (h *Handler) Handle(ctx context.Context, event protocol.Event) error {
	var err error
	switch event.Type {
	case protocol.RequestStartLaunch:
		err = h.startLaunch(ctx, event)
	case protocol.RequestFinishLaunch:
		err = h.finishLaunch(ctx, event)
	case protocol.RequestStartTest:
		err = h.startItem(ctx, event)
	case protocol.RequestFinishTest:
		err = h.finishItem(ctx, event)
	case protocol.RequestLog:
		err = h.saveLog(ctx, event)
	default:
		err = fmt.Errorf("unknown request type %q", event.Type)
	}
	return classify(err)
}

func classify(err error) error {
	if err == nil || errors.Is(err, state.ErrDuplicate) {
		return nil
	}
	var validation retry.ValidationError
	var transition state.TransitionError
	var status state.UnknownStatusError
	switch {
	case errors.As(err, &validation),
		errors.As(err, &transition),
		errors.As(err, &status),
		errors.Is(err, retry.ErrRetryRootNotFound),
		errors.Is(err, state.ErrNotFound),
		errors.Is(err, protocol.ErrPayloadMismatch),
		errors.Is(err, protocol.ErrMissingItemUUID):
		return routing.Permanent(err)
	default:
		return err
	}
}

func (h *Handler) startLaunch(ctx context.Context, event protocol.Event) error {
	rq := event.StartLaunch
	if rq == nil {
		return fmt.Errorf("%w: %s", protocol.ErrPayloadMismatch, event.Type)
	}
	project, err := h.store.GetProjectByName(ctx, event.ProjectName)
	if err != nil {
		return err
	}
	if rq.Rerun {
		return h.rerunLaunch(ctx, event, project)
	}
	launch, err := h.store.CreateLaunch(ctx, state.Launch{
		UUID:        rq.UUID,
		ProjectID:   project.ID,
		Name:        rq.Name,
		Description: rq.Description,
		Mode:        rq.Mode,
		OwnerLogin:  event.Username,
		StartTime:   rq.StartTime,
		Attributes:  convertAttributes(rq.Attributes),
	})
	if err != nil {
		return fmt.Errorf("create launch %s: %w", rq.UUID, err)
	}
	observability.WithLaunch(h.logger, launch.ID).Info("launch started",
		"event", "launch_started",
		"launch_uuid", launch.UUID,
		"number", launch.Number,
	)
	return nil
}

// rerunLaunch reopens the launch named by RerunOf, or the project's latest
// launch with the same name, under the new uuid.
func (h *Handler) rerunLaunch(ctx context.Context, event protocol.Event, project state.Project) error {
	rq := event.StartLaunch
	if _, err := h.store.GetLaunchByUUID(ctx, rq.UUID); err == nil {
		return nil
	} else if !errors.Is(err, state.ErrNotFound) {
		return err
	}

	var target state.Launch
	var err error
	if rq.RerunOf != "" {
		target, err = h.store.GetLaunchByUUID(ctx, rq.RerunOf)
	} else {
		target, err = h.store.FindLatestLaunchByName(ctx, project.ID, rq.Name)
	}
	if err != nil {
		return fmt.Errorf("find launch to rerun: %w", err)
	}
	if target.ProjectID != project.ID {
		return fmt.Errorf("%w: launch %s in project %s", state.ErrNotFound, rq.RerunOf, project.Name)
	}

	launch, err := h.store.ReopenLaunch(ctx, target.ID, state.Reopen{
		UUID:        rq.UUID,
		Description: rq.Description,
		Mode:        rq.Mode,
		Attributes:  convertAttributes(rq.Attributes),
	})
	if err != nil {
		return fmt.Errorf("reopen launch %d: %w", target.ID, err)
	}
	observability.WithLaunch(h.logger, launch.ID).Info("launch rerun",
		"event", "launch_rerun",
		"launch_uuid", launch.UUID,
		"number", launch.Number,
	)
	return nil
}

func (h *Handler) finishLaunch(ctx context.Context, event protocol.Event) error {
	rq := event.FinishLaunch
	if rq == nil {
		return fmt.Errorf("%w: %s", protocol.ErrPayloadMismatch, event.Type)
	}
	launch, err := h.store.GetLaunchByUUID(ctx, event.LaunchUUID)
	if err != nil {
		return err
	}
	finished, err := h.store.FinishLaunch(ctx, launch.ID, rq.Status, rq.EndTime)
	if err != nil {
		return fmt.Errorf("finish launch %s: %w", event.LaunchUUID, err)
	}
	observability.WithLaunch(h.logger, finished.ID).Info("launch finished",
		"event", "launch_finished",
		"status", finished.Status,
	)
	if h.bus != nil {
		h.bus.Publish(events.ChannelLaunchFinished, events.LaunchFinished{
			LaunchID:  finished.ID,
			ProjectID: finished.ProjectID,
			UserLogin: event.Username,
			BaseURL:   h.baseURL,
		})
	}
	return nil
}

func (h *Handler) startItem(ctx context.Context, event protocol.Event) error {
	rq := event.StartItem
	if rq == nil {
		return fmt.Errorf("%w: %s", protocol.ErrPayloadMismatch, event.Type)
	}
	launch, err := h.store.GetLaunchByUUID(ctx, rq.LaunchUUID)
	if err != nil {
		return err
	}
	var parent *state.TestItem
	if event.ParentUUID != "" {
		p, err := h.store.GetItemByUUID(ctx, event.ParentUUID)
		if err != nil {
			return fmt.Errorf("load parent: %w", err)
		}
		parent = &p
	}
	attrs, err := h.store.ProjectAttributes(ctx, launch.ProjectID)
	if err != nil {
		return fmt.Errorf("load project attributes: %w", err)
	}
	project, err := h.store.GetProjectByName(ctx, event.ProjectName)
	if err != nil {
		return err
	}

	draft := state.TestItem{
		UUID:         rq.UUID,
		LaunchID:     launch.ID,
		Name:         rq.Name,
		Type:         rq.Type,
		CodeRef:      rq.CodeRef,
		Parameters:   convertParameters(rq.Parameters),
		UniqueID:     rq.UniqueID,
		TestCaseHash: rq.TestCaseHash,
		HasStats:     rq.HasStats == nil || *rq.HasStats,
		StartTime:    rq.StartTime,
	}
	if parent != nil {
		draft.ParentID = &parent.ID
	}
	candidate := &retry.Candidate{
		Item:        &draft,
		Parent:      parent,
		Launch:      launch,
		ProjectName: project.Name,
		Strategy:    retry.StrategyFor(attrs),
	}
	if err := h.resolver.EnsureIdentity(ctx, candidate); err != nil {
		return fmt.Errorf("resolve identity of %s: %w", rq.UUID, err)
	}

	link := rq.Retry || rq.RetryOf != ""
	ref := retryRef(rq.RetryOf)
	if launch.Rerun && draft.TestCaseHash != nil && (parent == nil || draft.HasStats) {
		match, found, err := h.store.FindRerunItem(ctx, launch.ID, draft.ParentID, *draft.TestCaseHash, draft.Name, rq.UUID)
		if err != nil {
			return fmt.Errorf("find rerun item of %s: %w", rq.UUID, err)
		}
		if found && (parent == nil || match.HasChildren) {
			reopened, err := h.store.ReopenItem(ctx, match.Item.ID, rq.UUID)
			if err != nil {
				return fmt.Errorf("reopen item %d: %w", match.Item.ID, err)
			}
			observability.WithItem(observability.WithLaunch(h.logger, launch.ID), reopened.ID).Debug("item reopened",
				"event", "item_reopened",
				"item_uuid", reopened.UUID,
			)
			return nil
		}
		if found {
			link = true
			ref = retry.Ref{ID: match.Item.ID}
		}
	}

	saved, err := h.store.CreateItem(ctx, draft)
	switch {
	case errors.Is(err, state.ErrDuplicate):
		existing, lookupErr := h.store.GetItemByUUID(ctx, rq.UUID)
		if lookupErr != nil {
			return fmt.Errorf("load redelivered item %s: %w", rq.UUID, lookupErr)
		}
		if !link || existing.HasRetries || existing.RetryOf != nil {
			return nil
		}
		saved = existing
	case err != nil:
		return fmt.Errorf("create item %s: %w", rq.UUID, err)
	}
	candidate.Item = &saved
	logger := observability.WithItem(observability.WithLaunch(h.logger, launch.ID), saved.ID)
	logger.Debug("item started", "event", "item_started", "item_uuid", saved.UUID)

	if !link {
		return nil
	}
	if _, err := h.linker.HandleRetries(ctx, candidate, ref); err != nil {
		logger.Warn("retry not linked", "event", "retry_link_failed", "error", err)
		return err
	}
	return nil
}

// retryRef reads an explicit previous attempt given either as a numeric id
// or as an item uuid.
func retryRef(retryOf string) retry.Ref {
	if retryOf == "" {
		return retry.Ref{}
	}
	if id, err := strconv.ParseInt(retryOf, 10, 64); err == nil && id > 0 {
		return retry.Ref{ID: id}
	}
	return retry.Ref{UUID: retryOf}
}

func (h *Handler) finishItem(ctx context.Context, event protocol.Event) error {
	rq := event.FinishItem
	if rq == nil {
		return fmt.Errorf("%w: %s", protocol.ErrPayloadMismatch, event.Type)
	}
	if event.ItemUUID == "" {
		return protocol.ErrMissingItemUUID
	}
	item, err := h.store.GetItemByUUID(ctx, event.ItemUUID)
	if err != nil {
		return err
	}
	status := rq.Status
	if status == "" {
		status = protocol.StatusPassed
	}
	finished, err := h.store.FinishItem(ctx, item.ID, status, rq.EndTime)
	if err != nil {
		var transition state.TransitionError
		if errors.As(err, &transition) && item.HasRetries {
			// A redelivered finish still closes retries left open by a failed first attempt.
			endTime := rq.EndTime
			if item.EndTime != nil {
				endTime = *item.EndTime
			}
			if _, retryErr := h.linker.FinishRetries(ctx, item.ID, item.Status, endTime); retryErr != nil {
				return retryErr
			}
		}
		return fmt.Errorf("finish item %s: %w", event.ItemUUID, err)
	}
	if finished.HasRetries {
		if _, err := h.linker.FinishRetries(ctx, finished.ID, finished.Status, rq.EndTime); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) saveLog(ctx context.Context, event protocol.Event) error {
	rq := event.Log
	if rq == nil {
		return fmt.Errorf("%w: %s", protocol.ErrPayloadMismatch, event.Type)
	}
	launch, err := h.store.GetLaunchByUUID(ctx, rq.LaunchUUID)
	if err != nil {
		return err
	}
	entry := state.LogEntry{
		UUID:     rq.UUID,
		LaunchID: launch.ID,
		Time:     rq.Time,
		Level:    state.LogLevel(rq.Level),
		Message:  rq.Message,
	}
	if rq.ItemUUID != "" {
		item, err := h.store.GetItemByUUID(ctx, rq.ItemUUID)
		if err != nil {
			return err
		}
		entry.ItemID = &item.ID
	}
	if _, err := h.store.SaveLog(ctx, entry); err != nil {
		return fmt.Errorf("save log %s: %w", rq.UUID, err)
	}
	return nil
}

func convertAttributes(attrs []protocol.Attribute) []state.Attribute {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]state.Attribute, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, state.Attribute{Key: a.Key, Value: a.Value, System: a.System})
	}
	return out
}

func convertParameters(params []protocol.Parameter) []state.Parameter {
	if len(params) == 0 {
		return nil
	}
	out := make([]state.Parameter, 0, len(params))
	for _, p := range params {
		out = append(out, state.Parameter{Key: p.Key, Value: p.Value})
	}
	return out
}
