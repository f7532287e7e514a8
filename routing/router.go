package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/izavyalov-dev/delta-report/internal/observability"
	"github.com/izavyalov-dev/delta-report/protocol"
)

var (
	ErrMissingHashOn      = errors.New("hash key is required for routing")
	ErrMissingRequestType = errors.New("request type is required for routing")
	ErrPublishFailed      = errors.New("broker publish failed")
)

// Metadata is the routing envelope of an event. HashOn selects the ordered
// lane; every event of one launch must carry the same HashOn.
type Metadata struct {
	HashOn       string
	RequestType  protocol.RequestType
	Username     string
	ProjectName  string
	ParentItemID string
	ItemID       string
	LaunchID     string
}

// MetadataFor derives routing metadata from an event. Every event is hashed
// on its launch uuid.
func MetadataFor(event protocol.Event) Metadata {
	return Metadata{
		HashOn:       event.LaunchUUID,
		RequestType:  event.Type,
		Username:     event.Username,
		ProjectName:  event.ProjectName,
		ParentItemID: event.ParentUUID,
		ItemID:       event.ItemUUID,
		LaunchID:     event.LaunchUUID,
	}
}

// Message is an encoded event as it travels through a broker.
type Message struct {
	Headers map[string]string
	Body    []byte
}

// HashKey returns the ordering key of the message.
func (m Message) HashKey() string {
	return m.Headers[protocol.HeaderHashOn]
}

// Broker moves messages to the consumers. Messages with the same hash key
// must reach the same ordered lane in publish order.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
}

// Router validates reporting events, assigns their ids and hands them to the
// broker.
type Router struct {
	broker  Broker
	metrics *observability.Metrics
	logger  *slog.Logger
	newID   func() string
}

func NewRouter(broker Broker, metrics *observability.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = observability.NewLogger("router")
	}
	return &Router{
		broker:  broker,
		metrics: metrics,
		logger:  logger,
		newID:   func() string { return uuid.NewString() },
	}
}

// Publish routes the event and returns the id of the entity it reports on.
// Start and log payloads without a uuid get a fresh one; a launch start also
// hashes on that fresh id.
func (r *Router) Publish(ctx context.Context, event protocol.Event, meta Metadata) (string, error) {
	if meta.RequestType == "" {
		return "", ErrMissingRequestType
	}
	if !meta.RequestType.Valid() {
		return "", fmt.Errorf("unknown request type %q", meta.RequestType)
	}
	if meta.RequestType != event.Type {
		return "", fmt.Errorf("%w: metadata %s, event %s", protocol.ErrPayloadMismatch, meta.RequestType, event.Type)
	}
	raw, err := event.Payload()
	if err != nil {
		return "", err
	}

	var id string
	var payload any
	switch rq := raw.(type) {
	case *protocol.StartLaunchRQ:
		copied := *rq
		if copied.UUID == "" {
			copied.UUID = r.newID()
		}
		id = copied.UUID
		if meta.HashOn == "" {
			meta.HashOn = id
		}
		if meta.LaunchID == "" {
			meta.LaunchID = id
		}
		payload = copied
	case *protocol.StartItemRQ:
		copied := *rq
		if copied.UUID == "" {
			copied.UUID = r.newID()
		}
		id = copied.UUID
		meta.ItemID = id
		payload = copied
	case *protocol.SaveLogRQ:
		copied := *rq
		if copied.UUID == "" {
			copied.UUID = r.newID()
		}
		id = copied.UUID
		payload = copied
	case *protocol.FinishExecutionRQ:
		id = meta.LaunchID
		if event.Type == protocol.RequestFinishTest {
			id = meta.ItemID
			if id == "" {
				return "", protocol.ErrMissingItemUUID
			}
		}
		payload = *rq
	default:
		return "", fmt.Errorf("%w: %T", protocol.ErrPayloadMismatch, raw)
	}

	if meta.HashOn == "" {
		return "", ErrMissingHashOn
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", meta.RequestType, err)
	}
	msg := Message{Headers: meta.headers(), Body: body}
	if err := r.broker.Publish(ctx, msg); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	r.metrics.IncPublished(string(meta.RequestType))
	observability.WithRequest(r.logger, string(meta.RequestType), meta.HashOn).Debug("event routed",
		"event", "event_routed",
		"id", id,
	)
	return id, nil
}

func (m Metadata) headers() map[string]string {
	headers := map[string]string{
		protocol.HeaderHashOn:      m.HashOn,
		protocol.HeaderRequestType: string(m.RequestType),
	}
	optional := map[string]string{
		protocol.HeaderUsername:     m.Username,
		protocol.HeaderProjectName:  m.ProjectName,
		protocol.HeaderParentItemID: m.ParentItemID,
		protocol.HeaderItemID:       m.ItemID,
		protocol.HeaderLaunchID:     m.LaunchID,
	}
	for key, value := range optional {
		if value != "" {
			headers[key] = value
		}
	}
	return headers
}
