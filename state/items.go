package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/izavyalov-dev/delta-report/protocol"
)

const itemColumns = `id, uuid, launch_id, parent_id, name, type, code_ref, parameters, unique_id, test_case_hash,
retry_of, has_retries, has_stats, status, issue_type, auto_analyzed, start_time, end_time`

func scanItem(row interface{ Scan(...any) error }) (TestItem, error) {
	var item TestItem
	var launchID, parentID, testCaseHash, retryOf sql.NullInt64
	var params []byte
	var endTime sql.NullTime
	err := row.Scan(&item.ID, &item.UUID, &launchID, &parentID, &item.Name, &item.Type, &item.CodeRef, &params,
		&item.UniqueID, &testCaseHash, &retryOf, &item.HasRetries, &item.HasStats, &item.Status, &item.IssueType,
		&item.AutoAnalyzed, &item.StartTime, &endTime)
	if err != nil {
		return TestItem{}, err
	}
	item.LaunchID = launchID.Int64
	item.ParentID = int64Ptr(parentID)
	item.TestCaseHash = int64Ptr(testCaseHash)
	item.RetryOf = int64Ptr(retryOf)
	if endTime.Valid {
		item.EndTime = &endTime.Time
	}
	if err := unmarshalJSON(params, &item.Parameters); err != nil {
		return TestItem{}, fmt.Errorf("decode item %d parameters: %w", item.ID, err)
	}
	return item, nil
}

// CreateItem inserts a test item. Identity keys must already be resolved.
func (s *Store) CreateItem(ctx context.Context, item TestItem) (TestItem, error) {
	if item.UUID == "" {
		return TestItem{}, errors.New("item uuid required")
	}
	if item.Status == "" {
		item.Status = protocol.StatusInProgress
	}
	params, err := marshalList(item.Parameters)
	if err != nil {
		return TestItem{}, err
	}

	err = s.db.QueryRowContext(ctx, `
INSERT INTO test_items (uuid, launch_id, parent_id, name, type, code_ref, parameters, unique_id, test_case_hash, has_stats, status, start_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING id
`, item.UUID, item.LaunchID, nullableInt64(item.ParentID), item.Name, item.Type, item.CodeRef, params, item.UniqueID,
		nullableInt64(item.TestCaseHash), item.HasStats, item.Status, item.StartTime).Scan(&item.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return TestItem{}, fmt.Errorf("%w: test item %s", ErrDuplicate, item.UUID)
		}
		return TestItem{}, err
	}
	return item, nil
}

func (s *Store) GetItem(ctx context.Context, itemID int64) (TestItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM test_items WHERE id = $1`, itemID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TestItem{}, fmt.Errorf("%w: test item %d", ErrNotFound, itemID)
		}
		return TestItem{}, err
	}
	return item, nil
}

func (s *Store) GetItemByUUID(ctx context.Context, uuid string) (TestItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM test_items WHERE uuid = $1`, uuid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TestItem{}, fmt.Errorf("%w: test item %s", ErrNotFound, uuid)
		}
		return TestItem{}, err
	}
	return item, nil
}

// FinishItem closes an in-progress item.
func (s *Store) FinishItem(ctx context.Context, itemID int64, status protocol.Status, endTime time.Time) (TestItem, error) {
	var finished TestItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		item, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM test_items WHERE id = $1 FOR UPDATE`, itemID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: test item %d", ErrNotFound, itemID)
			}
			return err
		}
		if err := validateFinish("test item", item.UUID, item.Status, status); err != nil {
			return err
		}

		issueType := item.IssueType
		if status == protocol.StatusFailed && issueType == "" && item.HasStats {
			issueType = IssueToInvestigate
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE test_items SET status = $2, end_time = $3, issue_type = $4 WHERE id = $1
`, itemID, status, endTime, issueType); err != nil {
			return err
		}
		item.Status = status
		item.EndTime = &endTime
		item.IssueType = issueType
		finished = item
		return nil
	})
	if err != nil {
		return TestItem{}, err
	}
	return finished, nil
}

// RerunMatch is an item of a rerun launch matching a newly started item.
type RerunMatch struct {
	Item        TestItem
	HasChildren bool
}

// FindRerunItem looks for the latest head item of the launch under parentID
// with the test case hash. Root items also match on name. The item with
// excludeUUID is never returned.
func (s *Store) FindRerunItem(ctx context.Context, launchID int64, parentID *int64, testCaseHash int64, name, excludeUUID string) (RerunMatch, bool, error) {
	var match RerunMatch
	var hasChildren bool
	row := s.db.QueryRowContext(ctx, `
SELECT `+itemColumns+`, EXISTS (SELECT 1 FROM test_items c WHERE c.parent_id = test_items.id)
FROM test_items
WHERE launch_id = $1
  AND retry_of IS NULL
  AND test_case_hash = $3
  AND uuid <> $5
  AND (($2::bigint IS NULL AND parent_id IS NULL AND name = $4) OR parent_id = $2)
ORDER BY id DESC
LIMIT 1
`, launchID, nullableInt64(parentID), testCaseHash, name, excludeUUID)
	item, err := scanItem(scanWith{row: row, extra: []any{&hasChildren}})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RerunMatch{}, false, nil
		}
		return RerunMatch{}, false, err
	}
	match.Item = item
	match.HasChildren = hasChildren
	return match, true, nil
}

// scanWith appends extra destinations after the item columns.
type scanWith struct {
	row   interface{ Scan(...any) error }
	extra []any
}

func (s scanWith) Scan(dest ...any) error {
	return s.row.Scan(append(dest, s.extra...)...)
}

// ReopenItem puts an item of a rerun launch back in progress under the new uuid.
func (s *Store) ReopenItem(ctx context.Context, itemID int64, uuid string) (TestItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, `
UPDATE test_items SET uuid = $2, status = $3, end_time = NULL
WHERE id = $1
RETURNING `+itemColumns, itemID, uuid, protocol.StatusInProgress))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TestItem{}, fmt.Errorf("%w: test item %d", ErrNotFound, itemID)
		}
		if isUniqueViolation(err) {
			return TestItem{}, fmt.Errorf("%w: test item %s", ErrDuplicate, uuid)
		}
		return TestItem{}, err
	}
	return item, nil
}

// ItemPathNames returns the names of an item and its ancestors, root first.
func (s *Store) ItemPathNames(ctx context.Context, itemID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
WITH RECURSIVE path AS (
    SELECT id, parent_id, name, 0 AS depth FROM test_items WHERE id = $1
    UNION ALL
    SELECT t.id, t.parent_id, t.name, p.depth + 1
    FROM test_items t JOIN path p ON t.id = p.parent_id
)
SELECT name FROM path ORDER BY depth DESC
`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// FindLatestIDByUniqueID returns the newest non-retry item with the unique id
// under the launch and parent, ignoring excludeID.
func (s *Store) FindLatestIDByUniqueID(ctx context.Context, launchID, parentID int64, uniqueID string, excludeID int64) (int64, bool, error) {
	return s.findLatestID(ctx, `
SELECT id FROM test_items
WHERE launch_id = $1 AND parent_id = $2 AND unique_id = $3 AND id <> $4 AND retry_of IS NULL AND has_stats
ORDER BY start_time DESC, id DESC
LIMIT 1
`, launchID, parentID, uniqueID, excludeID)
}

// FindLatestIDByTestCaseHash is FindLatestIDByUniqueID keyed by test case hash.
func (s *Store) FindLatestIDByTestCaseHash(ctx context.Context, launchID, parentID int64, hash int64, excludeID int64) (int64, bool, error) {
	return s.findLatestID(ctx, `
SELECT id FROM test_items
WHERE launch_id = $1 AND parent_id = $2 AND test_case_hash = $3 AND id <> $4 AND retry_of IS NULL AND has_stats
ORDER BY start_time DESC, id DESC
LIMIT 1
`, launchID, parentID, hash, excludeID)
}

func (s *Store) findLatestID(ctx context.Context, query string, args ...any) (int64, bool, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

// HandleRetries makes newID the head of the retry chain: the previous attempt
// and every item already retrying it point at newID.
func (s *Store) HandleRetries(ctx context.Context, previousID, newID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE test_items SET retry_of = $2, has_retries = FALSE
WHERE retry_of = $1 OR id = $1
`, previousID, newID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE test_items SET has_retries = TRUE WHERE id = $1`, newID)
		return err
	})
}

// FinishRetries closes every in-progress retry of rootID.
func (s *Store) FinishRetries(ctx context.Context, rootID int64, status protocol.Status, endTime time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
UPDATE test_items SET status = $2, end_time = $3
WHERE retry_of = $1 AND status = 'IN_PROGRESS'
`, rootID, status, endTime)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ItemIDsByIssueType lists the launch's head items carrying the issue type.
func (s *Store) ItemIDsByIssueType(ctx context.Context, launchID int64, issueType string) ([]int64, error) {
	return s.itemIDs(ctx, `
SELECT id FROM test_items
WHERE launch_id = $1 AND retry_of IS NULL AND issue_type = $2
ORDER BY id
`, launchID, issueType)
}

// ItemIDsWithIssue lists the launch's head items carrying any issue type.
func (s *Store) ItemIDsWithIssue(ctx context.Context, launchID int64) ([]int64, error) {
	return s.itemIDs(ctx, `
SELECT id FROM test_items
WHERE launch_id = $1 AND retry_of IS NULL AND issue_type <> ''
ORDER BY id
`, launchID)
}

// FailedItemIDs lists the launch's failed head items.
func (s *Store) FailedItemIDs(ctx context.Context, launchID int64) ([]int64, error) {
	return s.itemIDs(ctx, `
SELECT id FROM test_items
WHERE launch_id = $1 AND retry_of IS NULL AND status = 'FAILED' AND has_stats
ORDER BY id
`, launchID)
}

func (s *Store) itemIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateItemIssues applies analyzer decisions in one transaction.
func (s *Store) UpdateItemIssues(ctx context.Context, updates []IssueUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		launches := make(map[int64]struct{})
		for _, update := range updates {
			var launchID sql.NullInt64
			if err := tx.QueryRowContext(ctx, `
UPDATE test_items SET issue_type = $2, auto_analyzed = $3 WHERE id = $1
RETURNING launch_id
`, update.ItemID, update.IssueType, update.AutoAnalyzed).Scan(&launchID); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					continue
				}
				return fmt.Errorf("update issue of item %d: %w", update.ItemID, err)
			}
			if launchID.Valid {
				launches[launchID.Int64] = struct{}{}
			}
		}
		for launchID := range launches {
			if err := rollupStatistics(ctx, tx, launchID); err != nil {
				return fmt.Errorf("roll up statistics of launch %d: %w", launchID, err)
			}
		}
		return nil
	})
}
