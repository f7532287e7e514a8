package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/izavyalov-dev/delta-report/events"
	"github.com/izavyalov-dev/delta-report/internal/observability"
	"github.com/izavyalov-dev/delta-report/protocol"
	"github.com/izavyalov-dev/delta-report/state"
)

var (
	ErrSameItem          = errors.New("previous and new attempt must be different items")
	ErrPreviousIsRetry   = errors.New("previous attempt can't be a retry")
	ErrRootItemRetry     = errors.New("root test item can't be a retry")
	ErrRetryRootNotFound = errors.New("previous attempt not found")
)

// ValidationError reports a retry link that violates the chain rules.
type ValidationError struct {
	ItemID     int64
	PreviousID int64
	Err        error
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("retry of item %d to %d: %v", e.ItemID, e.PreviousID, e.Err)
}

func (e ValidationError) Unwrap() error {
	return e.Err
}

// Store is the persistence surface of the linker.
type Store interface {
	GetItem(ctx context.Context, itemID int64) (state.TestItem, error)
	GetItemByUUID(ctx context.Context, uuid string) (state.TestItem, error)
	HandleRetries(ctx context.Context, previousID, newID int64) error
	LaunchHasRetries(ctx context.Context, launchID int64) (bool, error)
	MarkLaunchHasRetries(ctx context.Context, launchID int64) error
	FinishRetries(ctx context.Context, rootID int64, status protocol.Status, endTime time.Time) (int64, error)
}

// Publisher receives domain events.
type Publisher interface {
	Publish(channel string, data any)
}

// Ref points at the previous attempt explicitly. The zero Ref asks the
// resolver to find it.
type Ref struct {
	ID   int64
	UUID string
}

func (r Ref) empty() bool {
	return r.ID == 0 && r.UUID == ""
}

// Linker records retry relationships between attempts of the same test.
type Linker struct {
	store     Store
	resolver  *Resolver
	publisher Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewLinker(store Store, resolver *Resolver, publisher Publisher, metrics *observability.Metrics, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = observability.NewLogger("retry")
	}
	return &Linker{
		store:     store,
		resolver:  resolver,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// HandleRetries links the candidate's saved item to its previous attempt and
// returns the previous attempt's id, or 0 when it is the first attempt.
func (l *Linker) HandleRetries(ctx context.Context, c *Candidate, ref Ref) (int64, error) {
	if c.Item == nil || c.Item.ID == 0 {
		return 0, errors.New("retry candidate must be saved")
	}
	if c.Parent == nil {
		return 0, ValidationError{ItemID: c.Item.ID, Err: ErrRootItemRetry}
	}

	previous, found, err := l.previousAttempt(ctx, c, ref)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}

	if previous.ID == c.Item.ID {
		return 0, ValidationError{ItemID: c.Item.ID, PreviousID: previous.ID, Err: ErrSameItem}
	}
	if previous.RetryOf != nil {
		return 0, ValidationError{ItemID: c.Item.ID, PreviousID: previous.ID, Err: ErrPreviousIsRetry}
	}

	if err := l.store.HandleRetries(ctx, previous.ID, c.Item.ID); err != nil {
		return 0, fmt.Errorf("link retry %d -> %d: %w", previous.ID, c.Item.ID, err)
	}
	c.Item.HasRetries = true

	hasRetries, err := l.store.LaunchHasRetries(ctx, c.Launch.ID)
	if err != nil {
		return 0, err
	}
	if !hasRetries {
		if err := l.store.MarkLaunchHasRetries(ctx, c.Launch.ID); err != nil {
			return 0, err
		}
	}

	if l.publisher != nil {
		l.publisher.Publish(events.ChannelItemRetried, events.ItemRetried{
			LaunchID:   c.Launch.ID,
			ItemID:     c.Item.ID,
			PreviousID: previous.ID,
			LinkedAt:   l.now(),
		})
	}
	l.metrics.IncRetryLinked(string(c.Strategy))
	observability.WithItem(observability.WithLaunch(l.logger, c.Launch.ID), c.Item.ID).Info("retry linked",
		"event", "retry_linked",
		"previous_item_id", previous.ID,
	)
	return previous.ID, nil
}

func (l *Linker) previousAttempt(ctx context.Context, c *Candidate, ref Ref) (state.TestItem, bool, error) {
	switch {
	case ref.empty():
		id, found, err := l.resolver.FindPreviousRetry(ctx, c)
		if err != nil || !found {
			return state.TestItem{}, false, err
		}
		item, err := l.store.GetItem(ctx, id)
		if err != nil {
			return state.TestItem{}, false, err
		}
		return item, true, nil
	case ref.ID != 0:
		item, err := l.store.GetItem(ctx, ref.ID)
		if err != nil {
			return state.TestItem{}, false, lookupError(err, ref)
		}
		return item, true, nil
	default:
		item, err := l.store.GetItemByUUID(ctx, ref.UUID)
		if err != nil {
			return state.TestItem{}, false, lookupError(err, ref)
		}
		return item, true, nil
	}
}

func lookupError(err error, ref Ref) error {
	if errors.Is(err, state.ErrNotFound) {
		if ref.UUID != "" {
			return fmt.Errorf("%w: %s", ErrRetryRootNotFound, ref.UUID)
		}
		return fmt.Errorf("%w: %d", ErrRetryRootNotFound, ref.ID)
	}
	return err
}

// FinishRetries closes every still running retry of rootID with the root's
// final status and end time.
func (l *Linker) FinishRetries(ctx context.Context, rootID int64, status protocol.Status, endTime time.Time) (int64, error) {
	count, err := l.store.FinishRetries(ctx, rootID, status, endTime)
	if err != nil {
		return 0, fmt.Errorf("finish retries of item %d: %w", rootID, err)
	}
	if count > 0 {
		observability.WithItem(l.logger, rootID).Info("retries finished", "event", "retries_finished", "count", count)
	}
	return count, nil
}
