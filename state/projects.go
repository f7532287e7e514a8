package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *Store) GetProjectByName(ctx context.Context, name string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM projects WHERE name = $1`, name).Scan(&project.ID, &project.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, fmt.Errorf("%w: project %s", ErrNotFound, name)
		}
		return Project{}, err
	}
	return project, nil
}

func (s *Store) GetProject(ctx context.Context, projectID int64) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM projects WHERE id = $1`, projectID).Scan(&project.ID, &project.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, fmt.Errorf("%w: project %d", ErrNotFound, projectID)
		}
		return Project{}, err
	}
	return project, nil
}

// ProjectAttributes returns the project's configuration map.
func (s *Store) ProjectAttributes(ctx context.Context, projectID int64) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM project_attributes WHERE project_id = $1`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attrs := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		attrs[name] = value
	}
	return attrs, rows.Err()
}

// SetProjectAttribute upserts one configuration value.
func (s *Store) SetProjectAttribute(ctx context.Context, projectID int64, name, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO project_attributes (project_id, name, value)
VALUES ($1, $2, $3)
ON CONFLICT (project_id, name) DO UPDATE SET value = EXCLUDED.value
`, projectID, name, value)
	return err
}

// UserEmail resolves a login to its email address.
func (s *Store) UserEmail(ctx context.Context, login string) (string, bool, error) {
	var email string
	if err := s.db.QueryRowContext(ctx, `SELECT email FROM users WHERE login = $1`, login).Scan(&email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return email, true, nil
}

// EnabledSenderCases lists the project's active notification rules.
func (s *Store) EnabledSenderCases(ctx context.Context, projectID int64) ([]SenderCase, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, send_case, recipients, launch_names, attributes, enabled
FROM sender_cases
WHERE project_id = $1 AND enabled
ORDER BY id
`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []SenderCase
	for rows.Next() {
		var sc SenderCase
		var recipients, names, attrs []byte
		if err := rows.Scan(&sc.ID, &sc.ProjectID, &sc.SendCase, &recipients, &names, &attrs, &sc.Enabled); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(recipients, &sc.Recipients); err != nil {
			return nil, fmt.Errorf("decode sender case %d recipients: %w", sc.ID, err)
		}
		if err := unmarshalJSON(names, &sc.LaunchNames); err != nil {
			return nil, fmt.Errorf("decode sender case %d launch names: %w", sc.ID, err)
		}
		if err := unmarshalJSON(attrs, &sc.Attributes); err != nil {
			return nil, fmt.Errorf("decode sender case %d attributes: %w", sc.ID, err)
		}
		cases = append(cases, sc)
	}
	return cases, rows.Err()
}

// EnabledPatternTemplates lists the project's active pattern rules.
func (s *Store) EnabledPatternTemplates(ctx context.Context, projectID int64) ([]PatternTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, name, type, value, enabled
FROM pattern_templates
WHERE project_id = $1 AND enabled
ORDER BY id
`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []PatternTemplate
	for rows.Next() {
		var tpl PatternTemplate
		if err := rows.Scan(&tpl.ID, &tpl.ProjectID, &tpl.Name, &tpl.Type, &tpl.Value, &tpl.Enabled); err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

// SavePatternMatches records template matches, ignoring duplicates.
func (s *Store) SavePatternMatches(ctx context.Context, matches []PatternMatch) error {
	if len(matches) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, match := range matches {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO pattern_template_test_item (pattern_id, item_id)
VALUES ($1, $2)
ON CONFLICT DO NOTHING
`, match.PatternID, match.ItemID); err != nil {
				return err
			}
		}
		return nil
	})
}
