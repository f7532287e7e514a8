package retry

import (
	"context"
	"fmt"

	"github.com/izavyalov-dev/delta-report/state"
)

// ItemFinder is the lookup surface needed to resolve previous attempts.
type ItemFinder interface {
	ItemPathNames(ctx context.Context, itemID int64) ([]string, error)
	FindLatestIDByUniqueID(ctx context.Context, launchID, parentID int64, uniqueID string, excludeID int64) (int64, bool, error)
	FindLatestIDByTestCaseHash(ctx context.Context, launchID, parentID int64, hash int64, excludeID int64) (int64, bool, error)
}

// Candidate is an item being checked for an earlier attempt. Item may be
// unsaved (ID 0). Parent is nil for root items.
type Candidate struct {
	Item        *state.TestItem
	Parent      *state.TestItem
	Launch      state.Launch
	ProjectName string
	Strategy    Strategy

	pathNames []string
	pathKnown bool
}

type strategyFuncs struct {
	ensureKey func(ctx context.Context, r *Resolver, c *Candidate) error
	lookup    func(ctx context.Context, r *Resolver, c *Candidate) (int64, bool, error)
}

// Resolver finds the previous attempt of a candidate item.
type Resolver struct {
	finder     ItemFinder
	strategies map[Strategy]strategyFuncs
}

func NewResolver(finder ItemFinder) *Resolver {
	return &Resolver{
		finder: finder,
		strategies: map[Strategy]strategyFuncs{
			StrategyUniqueID: {
				ensureKey: ensureUniqueID,
				lookup: func(ctx context.Context, r *Resolver, c *Candidate) (int64, bool, error) {
					return r.finder.FindLatestIDByUniqueID(ctx, c.Launch.ID, c.Parent.ID, c.Item.UniqueID, c.Item.ID)
				},
			},
			StrategyTestCaseHash: {
				ensureKey: ensureTestCaseHash,
				lookup: func(ctx context.Context, r *Resolver, c *Candidate) (int64, bool, error) {
					return r.finder.FindLatestIDByTestCaseHash(ctx, c.Launch.ID, c.Parent.ID, *c.Item.TestCaseHash, c.Item.ID)
				},
			},
		},
	}
}

func (r *Resolver) strategyFor(strategy Strategy) strategyFuncs {
	if funcs, ok := r.strategies[strategy]; ok {
		return funcs
	}
	return r.strategies[StrategyUniqueID]
}

// EnsureIdentity fills both identity keys of the candidate's item when the
// client did not supply them. Client keys are kept, except generated unique
// ids, which are recomputed for the current launch and path.
func (r *Resolver) EnsureIdentity(ctx context.Context, c *Candidate) error {
	if err := ensureUniqueID(ctx, r, c); err != nil {
		return err
	}
	return ensureTestCaseHash(ctx, r, c)
}

// FindPreviousRetry returns the newest earlier attempt of the candidate under
// the same launch and parent, excluding the candidate itself.
func (r *Resolver) FindPreviousRetry(ctx context.Context, c *Candidate) (int64, bool, error) {
	if c.Item == nil || c.Parent == nil {
		return 0, false, nil
	}
	funcs := r.strategyFor(c.Strategy)
	if err := funcs.ensureKey(ctx, r, c); err != nil {
		return 0, false, err
	}
	return funcs.lookup(ctx, r, c)
}

func (r *Resolver) ancestorNames(ctx context.Context, c *Candidate) ([]string, error) {
	if c.pathKnown {
		return c.pathNames, nil
	}
	if c.Parent != nil {
		names, err := r.finder.ItemPathNames(ctx, c.Parent.ID)
		if err != nil {
			return nil, fmt.Errorf("load path of item %d: %w", c.Parent.ID, err)
		}
		c.pathNames = names
	}
	c.pathKnown = true
	return c.pathNames, nil
}

func ensureUniqueID(ctx context.Context, r *Resolver, c *Candidate) error {
	if c.Item.UniqueID != "" && !isGeneratedUniqueID(c.Item.UniqueID) {
		return nil
	}
	names, err := r.ancestorNames(ctx, c)
	if err != nil {
		return err
	}
	c.Item.UniqueID = GenerateUniqueID(c.ProjectName, c.Launch.Name, names, c.Item.Name, c.Item.Parameters)
	return nil
}

func ensureTestCaseHash(ctx context.Context, r *Resolver, c *Candidate) error {
	if c.Item.TestCaseHash != nil {
		return nil
	}
	names, err := r.ancestorNames(ctx, c)
	if err != nil {
		return err
	}
	hash := GenerateTestCaseHash(c.Launch.ProjectID, names, c.Item.Name, c.Item.Parameters)
	c.Item.TestCaseHash = &hash
	return nil
}
