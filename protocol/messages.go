package protocol

import (
	"errors"
	"fmt"
	"time"
)

// RequestType names the reporting operation carried by an event.
type RequestType string

const (
	RequestStartLaunch  RequestType = "START_LAUNCH"
	RequestFinishLaunch RequestType = "FINISH_LAUNCH"
	RequestStartTest    RequestType = "START_TEST"
	RequestFinishTest   RequestType = "FINISH_TEST"
	RequestLog          RequestType = "LOG"
)

// Valid reports whether the request type is one of the known operations.
func (t RequestType) Valid() bool {
	switch t {
	case RequestStartLaunch, RequestFinishLaunch, RequestStartTest, RequestFinishTest, RequestLog:
		return true
	default:
		return false
	}
}

type LaunchMode string

const (
	LaunchModeDefault LaunchMode = "DEFAULT"
	LaunchModeDebug   LaunchMode = "DEBUG"
)

type ItemType string

const (
	ItemTypeSuite       ItemType = "SUITE"
	ItemTypeStory       ItemType = "STORY"
	ItemTypeTest        ItemType = "TEST"
	ItemTypeScenario    ItemType = "SCENARIO"
	ItemTypeStep        ItemType = "STEP"
	ItemTypeBeforeClass ItemType = "BEFORE_CLASS"
	ItemTypeAfterClass  ItemType = "AFTER_CLASS"
	ItemTypeBeforeEach  ItemType = "BEFORE_METHOD"
	ItemTypeAfterEach   ItemType = "AFTER_METHOD"
)

// Status is the execution status reported for launches and items.
type Status string

const (
	StatusInProgress  Status = "IN_PROGRESS"
	StatusPassed      Status = "PASSED"
	StatusFailed      Status = "FAILED"
	StatusSkipped     Status = "SKIPPED"
	StatusStopped     Status = "STOPPED"
	StatusInterrupted Status = "INTERRUPTED"
)

type Attribute struct {
	Key    string `json:"key,omitempty"`
	Value  string `json:"value"`
	System bool   `json:"system,omitempty"`
}

type Parameter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// StartLaunchRQ opens a launch. With Rerun set it reopens the launch named by
// RerunOf, or the latest launch with the same name, instead of creating one.
type StartLaunchRQ struct {
	UUID        string      `json:"uuid,omitempty"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Mode        LaunchMode  `json:"mode,omitempty"`
	StartTime   time.Time   `json:"start_time"`
	Attributes  []Attribute `json:"attributes,omitempty"`
	Rerun       bool        `json:"rerun,omitempty"`
	RerunOf     string      `json:"rerun_of,omitempty"`
}

// FinishExecutionRQ closes a launch or a test item.
type FinishExecutionRQ struct {
	LaunchUUID  string      `json:"launch_uuid,omitempty"`
	EndTime     time.Time   `json:"end_time"`
	Status      Status      `json:"status,omitempty"`
	Description string      `json:"description,omitempty"`
	Attributes  []Attribute `json:"attributes,omitempty"`
}

// StartItemRQ opens a test item under a launch, optionally under a parent item.
type StartItemRQ struct {
	UUID         string      `json:"uuid,omitempty"`
	LaunchUUID   string      `json:"launch_uuid"`
	Name         string      `json:"name"`
	Type         ItemType    `json:"type"`
	StartTime    time.Time   `json:"start_time"`
	Description  string      `json:"description,omitempty"`
	CodeRef      string      `json:"code_ref,omitempty"`
	Parameters   []Parameter `json:"parameters,omitempty"`
	Attributes   []Attribute `json:"attributes,omitempty"`
	UniqueID     string      `json:"unique_id,omitempty"`
	TestCaseHash *int64      `json:"test_case_hash,omitempty"`
	HasStats     *bool       `json:"has_stats,omitempty"`
	Retry        bool        `json:"retry,omitempty"`
	RetryOf      string      `json:"retry_of,omitempty"`
}

// SaveLogRQ writes a log line for a launch or an item.
type SaveLogRQ struct {
	UUID       string    `json:"uuid,omitempty"`
	LaunchUUID string    `json:"launch_uuid"`
	ItemUUID   string    `json:"item_uuid,omitempty"`
	Time       time.Time `json:"time"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
}

var (
	ErrMissingLaunchUUID = errors.New("launch uuid is required")
	ErrMissingItemUUID   = errors.New("item uuid is required")
	ErrPayloadMismatch   = errors.New("payload does not match request type")
)

// Event is a single reporting operation. Exactly one payload is set and it
// matches Type.
type Event struct {
	Type        RequestType
	LaunchUUID  string
	ParentUUID  string
	ItemUUID    string
	Username    string
	ProjectName string

	StartLaunch  *StartLaunchRQ
	FinishLaunch *FinishExecutionRQ
	StartItem    *StartItemRQ
	FinishItem   *FinishExecutionRQ
	Log          *SaveLogRQ
}

func NewStartLaunch(project, user string, rq StartLaunchRQ) Event {
	return Event{Type: RequestStartLaunch, LaunchUUID: rq.UUID, Username: user, ProjectName: project, StartLaunch: &rq}
}

func NewFinishLaunch(project, user, launchUUID string, rq FinishExecutionRQ) Event {
	return Event{Type: RequestFinishLaunch, LaunchUUID: launchUUID, Username: user, ProjectName: project, FinishLaunch: &rq}
}

func NewStartItem(project, user, parentUUID string, rq StartItemRQ) Event {
	return Event{
		Type:        RequestStartTest,
		LaunchUUID:  rq.LaunchUUID,
		ParentUUID:  parentUUID,
		ItemUUID:    rq.UUID,
		Username:    user,
		ProjectName: project,
		StartItem:   &rq,
	}
}

func NewFinishItem(project, user, itemUUID string, rq FinishExecutionRQ) Event {
	return Event{
		Type:        RequestFinishTest,
		LaunchUUID:  rq.LaunchUUID,
		ItemUUID:    itemUUID,
		Username:    user,
		ProjectName: project,
		FinishItem:  &rq,
	}
}

func NewLog(project, user string, rq SaveLogRQ) Event {
	return Event{
		Type:        RequestLog,
		LaunchUUID:  rq.LaunchUUID,
		ItemUUID:    rq.ItemUUID,
		Username:    user,
		ProjectName: project,
		Log:         &rq,
	}
}

// Payload returns the payload matching the event type.
func (e Event) Payload() (any, error) {
	var payload any
	switch e.Type {
	case RequestStartLaunch:
		if e.StartLaunch != nil {
			payload = e.StartLaunch
		}
	case RequestFinishLaunch:
		if e.FinishLaunch != nil {
			payload = e.FinishLaunch
		}
	case RequestStartTest:
		if e.StartItem != nil {
			payload = e.StartItem
		}
	case RequestFinishTest:
		if e.FinishItem != nil {
			payload = e.FinishItem
		}
	case RequestLog:
		if e.Log != nil {
			payload = e.Log
		}
	default:
		return nil, fmt.Errorf("unknown request type %q", e.Type)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: %s", ErrPayloadMismatch, e.Type)
	}
	return payload, nil
}
