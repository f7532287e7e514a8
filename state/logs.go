package state

import (
	"context"
	"errors"
	"fmt"
)

// SaveLog inserts a log line.
func (s *Store) SaveLog(ctx context.Context, entry LogEntry) (LogEntry, error) {
	if entry.UUID == "" {
		return LogEntry{}, errors.New("log uuid required")
	}
	if entry.Level == "" {
		entry.Level = LogLevelInfo
	}
	err := s.db.QueryRowContext(ctx, `
INSERT INTO logs (uuid, launch_id, item_id, log_time, level, level_code, message)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id
`, entry.UUID, entry.LaunchID, nullableInt64(entry.ItemID), entry.Time, entry.Level, LogLevelCode(entry.Level), entry.Message).Scan(&entry.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return LogEntry{}, fmt.Errorf("%w: log %s", ErrDuplicate, entry.UUID)
		}
		return LogEntry{}, err
	}
	return entry, nil
}

// ErrorLogs groups the error-level logs of the given items, keeping at most
// perItem of the newest lines per item; perItem <= 0 keeps every line. An
// empty itemIDs selects every failed head item of the launch.
func (s *Store) ErrorLogs(ctx context.Context, launchID int64, itemIDs []int64, perItem int) ([]ItemLogs, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT item_id, unique_id, issue_type, log_id, log_time, level, message
FROM (
    SELECT t.id AS item_id, t.unique_id, t.issue_type, l.id AS log_id, l.log_time, l.level, l.message,
           ROW_NUMBER() OVER (PARTITION BY t.id ORDER BY l.log_time DESC, l.id DESC) AS rn
    FROM test_items t
    JOIN logs l ON l.item_id = t.id
    WHERE t.launch_id = $1
      AND t.retry_of IS NULL
      AND l.level_code >= $2
      AND (cardinality($3::bigint[]) = 0 OR t.id = ANY($3::bigint[]))
      AND (cardinality($3::bigint[]) > 0 OR t.status = 'FAILED')
) ranked
WHERE $4 <= 0 OR rn <= $4
ORDER BY item_id, log_time, log_id
`, launchID, ErrorLevelThreshold, int64Array(itemIDs), perItem)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grouped []ItemLogs
	for rows.Next() {
		var itemID int64
		var uniqueID, issueType string
		var entry LogEntry
		if err := rows.Scan(&itemID, &uniqueID, &issueType, &entry.ID, &entry.Time, &entry.Level, &entry.Message); err != nil {
			return nil, err
		}
		entry.LaunchID = launchID
		entry.ItemID = &itemID
		if n := len(grouped); n == 0 || grouped[n-1].ItemID != itemID {
			grouped = append(grouped, ItemLogs{ItemID: itemID, UniqueID: uniqueID, IssueType: issueType})
		}
		last := &grouped[len(grouped)-1]
		last.Logs = append(last.Logs, entry)
	}
	return grouped, rows.Err()
}
