package protocol

import (
	"encoding/json"
	"fmt"
)

// Broker message header names.
const (
	HeaderHashOn       = "HASH_ON"
	HeaderRequestType  = "REQUEST_TYPE"
	HeaderUsername     = "USERNAME"
	HeaderProjectName  = "PROJECT_NAME"
	HeaderParentItemID = "PARENT_ITEM_ID"
	HeaderItemID       = "ITEM_ID"
	HeaderLaunchID     = "LAUNCH_ID"
)

// DecodeEvent rebuilds an event from broker headers and a JSON body.
func DecodeEvent(headers map[string]string, body []byte) (Event, error) {
	event := Event{
		Type:        RequestType(headers[HeaderRequestType]),
		LaunchUUID:  headers[HeaderLaunchID],
		ParentUUID:  headers[HeaderParentItemID],
		ItemUUID:    headers[HeaderItemID],
		Username:    headers[HeaderUsername],
		ProjectName: headers[HeaderProjectName],
	}

	var target any
	switch event.Type {
	case RequestStartLaunch:
		event.StartLaunch = &StartLaunchRQ{}
		target = event.StartLaunch
	case RequestFinishLaunch:
		event.FinishLaunch = &FinishExecutionRQ{}
		target = event.FinishLaunch
	case RequestStartTest:
		event.StartItem = &StartItemRQ{}
		target = event.StartItem
	case RequestFinishTest:
		event.FinishItem = &FinishExecutionRQ{}
		target = event.FinishItem
	case RequestLog:
		event.Log = &SaveLogRQ{}
		target = event.Log
	default:
		return Event{}, fmt.Errorf("unknown request type %q", event.Type)
	}

	if err := json.Unmarshal(body, target); err != nil {
		return Event{}, fmt.Errorf("decode %s payload: %w", event.Type, err)
	}
	return event, nil
}
