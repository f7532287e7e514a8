package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/izavyalov-dev/delta-report/protocol"
)

// CreateLaunch inserts a launch with the next number for its name and its attributes.
func (s *Store) CreateLaunch(ctx context.Context, launch Launch) (Launch, error) {
	if launch.UUID == "" {
		return Launch{}, errors.New("launch uuid required")
	}
	if launch.Status == "" {
		launch.Status = protocol.StatusInProgress
	}
	if launch.Mode == "" {
		launch.Mode = protocol.LaunchModeDefault
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
INSERT INTO launches (uuid, project_id, name, description, number, mode, status, owner_login, start_time)
VALUES ($1, $2, $3, $4,
        (SELECT COALESCE(MAX(number), 0) + 1 FROM launches WHERE project_id = $2 AND name = $3),
        $5, $6, $7, $8)
RETURNING id, number
`, launch.UUID, launch.ProjectID, launch.Name, launch.Description, launch.Mode, launch.Status, launch.OwnerLogin, launch.StartTime).Scan(&launch.ID, &launch.Number); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: launch %s", ErrDuplicate, launch.UUID)
			}
			return err
		}
		for _, attr := range launch.Attributes {
			if err := insertLaunchAttribute(ctx, tx, launch.ID, attr); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Launch{}, err
	}
	return launch, nil
}

func insertLaunchAttribute(ctx context.Context, q querier, launchID int64, attr Attribute) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO launch_attributes (launch_id, key, value, system)
VALUES ($1, $2, $3, $4)
`, launchID, attr.Key, attr.Value, attr.System)
	return err
}

const launchColumns = `id, uuid, project_id, name, description, number, mode, status, owner_login, has_retries, rerun, start_time, end_time`

func scanLaunch(row interface{ Scan(...any) error }) (Launch, error) {
	var launch Launch
	var endTime sql.NullTime
	err := row.Scan(&launch.ID, &launch.UUID, &launch.ProjectID, &launch.Name, &launch.Description, &launch.Number,
		&launch.Mode, &launch.Status, &launch.OwnerLogin, &launch.HasRetries, &launch.Rerun, &launch.StartTime, &endTime)
	if err != nil {
		return Launch{}, err
	}
	if endTime.Valid {
		launch.EndTime = &endTime.Time
	}
	return launch, nil
}

// GetLaunch loads a launch with its attributes.
func (s *Store) GetLaunch(ctx context.Context, launchID int64) (Launch, error) {
	launch, err := scanLaunch(s.db.QueryRowContext(ctx, `SELECT `+launchColumns+` FROM launches WHERE id = $1`, launchID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Launch{}, fmt.Errorf("%w: launch %d", ErrNotFound, launchID)
		}
		return Launch{}, err
	}
	launch.Attributes, err = s.launchAttributes(ctx, launch.ID)
	if err != nil {
		return Launch{}, err
	}
	return launch, nil
}

// GetLaunchByUUID loads a launch by its client-facing id.
func (s *Store) GetLaunchByUUID(ctx context.Context, uuid string) (Launch, error) {
	launch, err := scanLaunch(s.db.QueryRowContext(ctx, `SELECT `+launchColumns+` FROM launches WHERE uuid = $1`, uuid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Launch{}, fmt.Errorf("%w: launch %s", ErrNotFound, uuid)
		}
		return Launch{}, err
	}
	return launch, nil
}

// FindLatestLaunchByName loads the project's most recent launch with the name.
func (s *Store) FindLatestLaunchByName(ctx context.Context, projectID int64, name string) (Launch, error) {
	launch, err := scanLaunch(s.db.QueryRowContext(ctx, `
SELECT `+launchColumns+` FROM launches
WHERE project_id = $1 AND name = $2
ORDER BY number DESC
LIMIT 1
`, projectID, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Launch{}, fmt.Errorf("%w: launch %q in project %d", ErrNotFound, name, projectID)
		}
		return Launch{}, err
	}
	return launch, nil
}

// Reopen carries the request fields applied to a launch that is run again.
// Empty fields keep the launch's current values; nil Attributes keeps them too.
type Reopen struct {
	UUID        string
	Description string
	Mode        protocol.LaunchMode
	Attributes  []Attribute
}

// ReopenLaunch puts a launch back in progress under the new uuid and marks it
// as a rerun. User attributes are replaced when the request carries any.
func (s *Store) ReopenLaunch(ctx context.Context, launchID int64, reopen Reopen) (Launch, error) {
	var reopened Launch
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		launch, err := scanLaunch(tx.QueryRowContext(ctx, `SELECT `+launchColumns+` FROM launches WHERE id = $1 FOR UPDATE`, launchID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: launch %d", ErrNotFound, launchID)
			}
			return err
		}
		if reopen.UUID != "" {
			launch.UUID = reopen.UUID
		}
		if reopen.Description != "" {
			launch.Description = reopen.Description
		}
		if reopen.Mode != "" {
			launch.Mode = reopen.Mode
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE launches SET uuid = $2, description = $3, mode = $4, status = $5, end_time = NULL, rerun = TRUE
WHERE id = $1
`, launchID, launch.UUID, launch.Description, launch.Mode, protocol.StatusInProgress); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: launch %s", ErrDuplicate, launch.UUID)
			}
			return err
		}
		if reopen.Attributes != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM launch_attributes WHERE launch_id = $1 AND NOT system`, launchID); err != nil {
				return err
			}
			for _, attr := range reopen.Attributes {
				if err := insertLaunchAttribute(ctx, tx, launchID, attr); err != nil {
					return err
				}
			}
		}
		launch.Status = protocol.StatusInProgress
		launch.EndTime = nil
		launch.Rerun = true
		reopened = launch
		return nil
	})
	if err != nil {
		return Launch{}, err
	}
	return reopened, nil
}

func (s *Store) launchAttributes(ctx context.Context, launchID int64) ([]Attribute, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key, value, system
FROM launch_attributes
WHERE launch_id = $1
ORDER BY key
`, launchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attrs []Attribute
	for rows.Next() {
		var attr Attribute
		if err := rows.Scan(&attr.Key, &attr.Value, &attr.System); err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	return attrs, rows.Err()
}

// FinishLaunch closes an in-progress launch. An empty status is derived from
// the launch's failed items.
func (s *Store) FinishLaunch(ctx context.Context, launchID int64, status protocol.Status, endTime time.Time) (Launch, error) {
	var finished Launch
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		launch, err := scanLaunch(tx.QueryRowContext(ctx, `SELECT `+launchColumns+` FROM launches WHERE id = $1 FOR UPDATE`, launchID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: launch %d", ErrNotFound, launchID)
			}
			return err
		}

		if status == "" {
			var failed bool
			if err := tx.QueryRowContext(ctx, `
SELECT EXISTS (
    SELECT 1 FROM test_items
    WHERE launch_id = $1 AND retry_of IS NULL AND status IN ('FAILED', 'INTERRUPTED')
)
`, launchID).Scan(&failed); err != nil {
				return err
			}
			status = protocol.StatusPassed
			if failed {
				status = protocol.StatusFailed
			}
		}

		if err := validateFinish("launch", launch.UUID, launch.Status, status); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE launches SET status = $2, end_time = $3 WHERE id = $1`, launchID, status, endTime); err != nil {
			return err
		}
		if err := rollupStatistics(ctx, tx, launchID); err != nil {
			return fmt.Errorf("roll up statistics of launch %d: %w", launchID, err)
		}
		launch.Status = status
		launch.EndTime = &endTime
		finished = launch
		return nil
	})
	if err != nil {
		return Launch{}, err
	}
	return finished, nil
}

// LaunchHasRetries reports whether the launch is already flagged as containing retries.
func (s *Store) LaunchHasRetries(ctx context.Context, launchID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM launches WHERE id = $1 AND has_retries)`, launchID).Scan(&exists)
	return exists, err
}

func (s *Store) MarkLaunchHasRetries(ctx context.Context, launchID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE launches SET has_retries = TRUE WHERE id = $1`, launchID)
	return err
}

// rollupStatistics recounts the launch counters from its leaf head items.
func rollupStatistics(ctx context.Context, q querier, launchID int64) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO launch_statistics (launch_id, field, counter)
SELECT $1, stat.field, SUM(stat.counter)
FROM test_items t
CROSS JOIN LATERAL (VALUES
    ($2::text, 1),
    ($3, CASE WHEN t.status = 'FAILED' THEN 1 ELSE 0 END),
    ($4, CASE WHEN t.issue_type = $8 THEN 1 ELSE 0 END),
    ($5, CASE WHEN t.issue_type = $9 THEN 1 ELSE 0 END),
    ($6, CASE WHEN t.issue_type = $10 THEN 1 ELSE 0 END),
    ($7, CASE WHEN t.issue_type = $11 THEN 1 ELSE 0 END)
) AS stat(field, counter)
WHERE t.launch_id = $1
  AND t.retry_of IS NULL
  AND t.has_stats
  AND NOT EXISTS (SELECT 1 FROM test_items c WHERE c.parent_id = t.id)
GROUP BY stat.field
ON CONFLICT (launch_id, field) DO UPDATE SET counter = EXCLUDED.counter
`, launchID,
		StatExecutionsTotal, StatExecutionsFailed, StatDefectsToInvestigate, StatDefectsProductBug,
		StatDefectsSystemIssue, StatDefectsAutomationBug,
		IssueToInvestigate, IssueProductBug, IssueSystemIssue, IssueAutomationBug)
	return err
}

// LaunchStatistics returns the launch counters keyed by field name.
func (s *Store) LaunchStatistics(ctx context.Context, launchID int64) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT field, counter FROM launch_statistics WHERE launch_id = $1`, launchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var field string
		var counter int64
		if err := rows.Scan(&field, &counter); err != nil {
			return nil, err
		}
		stats[field] = counter
	}
	return stats, rows.Err()
}

// SaveSystemAttribute upserts a server-owned launch attribute.
func (s *Store) SaveSystemAttribute(ctx context.Context, launchID int64, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO launch_attributes (launch_id, key, value, system)
VALUES ($1, $2, $3, TRUE)
ON CONFLICT (launch_id, key) WHERE system DO UPDATE SET value = EXCLUDED.value
`, launchID, key, value)
	return err
}

// SaveClusterLastRun records when clusters were last generated for a launch.
func (s *Store) SaveClusterLastRun(ctx context.Context, launchID int64, at time.Time) error {
	return s.SaveSystemAttribute(ctx, launchID, ClusterLastRunAttribute, strconv.FormatInt(at.UnixMilli(), 10))
}

// ClusterLastRunAttribute is the system attribute holding the last cluster run time.
const ClusterLastRunAttribute = "rp.cluster.lastRun"
