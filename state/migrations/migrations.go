package migrations

import _ "embed"

// Migration represents a single SQL migration to apply in order.
type Migration struct {
	ID     string
	Script string
}

//go:embed 0001_reporting.sql
var reporting string

//go:embed 0002_analysis.sql
var analysis string

//go:embed 0003_rerun.sql
var rerun string

// All lists migrations in application order.
var All = []Migration{
	{ID: "0001_reporting", Script: reporting},
	{ID: "0002_analysis", Script: analysis},
	{ID: "0003_rerun", Script: rerun},
}
