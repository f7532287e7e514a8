package state

import (
	"time"

	"github.com/izavyalov-dev/delta-report/protocol"
)

// Project is a reporting tenant.
type Project struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// User is a reporting account.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Email string `json:"email"`
}

// Launch is one execution session of a test suite.
type Launch struct {
	ID          int64               `json:"id"`
	UUID        string              `json:"uuid"`
	ProjectID   int64               `json:"project_id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Number      int64               `json:"number"`
	Mode        protocol.LaunchMode `json:"mode"`
	Status      protocol.Status     `json:"status"`
	OwnerLogin  string              `json:"owner_login"`
	HasRetries  bool                `json:"has_retries"`
	Rerun       bool                `json:"rerun"`
	StartTime   time.Time           `json:"start_time"`
	EndTime     *time.Time          `json:"end_time,omitempty"`
	Attributes  []Attribute         `json:"attributes,omitempty"`
}

// Attribute is a key/value tag on a launch. System attributes are written by
// the server and hidden from users.
type Attribute struct {
	Key    string `json:"key,omitempty"`
	Value  string `json:"value"`
	System bool   `json:"system,omitempty"`
}

// TestItem is a node in a launch's item tree.
type TestItem struct {
	ID           int64             `json:"id"`
	UUID         string            `json:"uuid"`
	LaunchID     int64             `json:"launch_id"`
	ParentID     *int64            `json:"parent_id,omitempty"`
	Name         string            `json:"name"`
	Type         protocol.ItemType `json:"type"`
	CodeRef      string            `json:"code_ref,omitempty"`
	Parameters   []Parameter       `json:"parameters,omitempty"`
	UniqueID     string            `json:"unique_id,omitempty"`
	TestCaseHash *int64            `json:"test_case_hash,omitempty"`
	RetryOf      *int64            `json:"retry_of,omitempty"`
	HasRetries   bool              `json:"has_retries"`
	HasStats     bool              `json:"has_stats"`
	Status       protocol.Status   `json:"status"`
	IssueType    string            `json:"issue_type,omitempty"`
	AutoAnalyzed bool              `json:"auto_analyzed"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      *time.Time        `json:"end_time,omitempty"`
}

type Parameter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// LogEntry is one log line attached to an item or a launch.
type LogEntry struct {
	ID        int64     `json:"id"`
	UUID      string    `json:"uuid"`
	LaunchID  int64     `json:"launch_id"`
	ItemID    *int64    `json:"item_id,omitempty"`
	Time      time.Time `json:"time"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	ClusterID *int64    `json:"cluster_id,omitempty"`
}

// ItemLogs groups the error logs of one item for analyzer requests.
type ItemLogs struct {
	ItemID    int64      `json:"item_id"`
	UniqueID  string     `json:"unique_id"`
	IssueType string     `json:"issue_type"`
	Logs      []LogEntry `json:"logs"`
}

// Cluster is a group of similar error logs inside one launch.
type Cluster struct {
	ID        int64  `json:"id"`
	IndexID   int64  `json:"index_id"`
	LaunchID  int64  `json:"launch_id"`
	ProjectID int64  `json:"project_id"`
	Message   string `json:"message"`
}

// Launch statistics field names.
const (
	StatExecutionsTotal      = "statistics$executions$total"
	StatExecutionsFailed     = "statistics$executions$failed"
	StatDefectsToInvestigate = "statistics$defects$to_investigate$total"
	StatDefectsProductBug    = "statistics$defects$product_bug$total"
	StatDefectsSystemIssue   = "statistics$defects$system_issue$total"
	StatDefectsAutomationBug = "statistics$defects$automation_bug$total"
)

// Issue type locators.
const (
	IssueToInvestigate = "ti001"
	IssueProductBug    = "pb001"
	IssueAutomationBug = "ab001"
	IssueSystemIssue   = "si001"
	IssueNoDefect      = "nd001"
)

// SendCase selects when a notification rule fires.
type SendCase string

const (
	SendCaseAlways        SendCase = "ALWAYS"
	SendCaseFailed        SendCase = "FAILED"
	SendCaseToInvestigate SendCase = "TO_INVESTIGATE"
	SendCaseMore10        SendCase = "MORE_10"
	SendCaseMore20        SendCase = "MORE_20"
	SendCaseMore50        SendCase = "MORE_50"
)

// SenderCase is a project notification rule.
type SenderCase struct {
	ID          int64       `json:"id"`
	ProjectID   int64       `json:"project_id"`
	SendCase    SendCase    `json:"send_case"`
	Recipients  []string    `json:"recipients"`
	LaunchNames []string    `json:"launch_names,omitempty"`
	Attributes  []Attribute `json:"attributes,omitempty"`
	Enabled     bool        `json:"enabled"`
}

type PatternType string

const (
	PatternString PatternType = "STRING"
	PatternRegex  PatternType = "REGEX"
)

// PatternTemplate is a project rule matched against error logs.
type PatternTemplate struct {
	ID        int64       `json:"id"`
	ProjectID int64       `json:"project_id"`
	Name      string      `json:"name"`
	Type      PatternType `json:"type"`
	Value     string      `json:"value"`
	Enabled   bool        `json:"enabled"`
}

// PatternMatch links a template to an item whose logs matched it.
type PatternMatch struct {
	PatternID int64 `json:"pattern_id"`
	ItemID    int64 `json:"item_id"`
}

// IssueUpdate is an analyzer decision for one item.
type IssueUpdate struct {
	ItemID       int64  `json:"item_id"`
	IssueType    string `json:"issue_type"`
	AutoAnalyzed bool   `json:"auto_analyzed"`
}
