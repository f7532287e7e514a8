package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/izavyalov-dev/delta-report/internal/observability"
	"github.com/izavyalov-dev/delta-report/protocol"
	"github.com/izavyalov-dev/delta-report/routing"
)

// UserHeader carries the reporting user's login, set by the authenticating
// proxy in front of the ingress.
const UserHeader = "X-Report-User"

// Publisher routes an event and returns the id assigned to it.
type Publisher interface {
	Publish(ctx context.Context, event protocol.Event, meta routing.Metadata) (string, error)
}

// EntryCreated is the response of every reporting call.
type EntryCreated struct {
	ID string `json:"id"`
}

// NewHTTPHandler wires the reporting endpoints, health and metrics.
func NewHTTPHandler(publisher Publisher, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = observability.NewLogger("ingest.http")
	}
	h := &handler{publisher: publisher, logger: logger}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /api/v1/{project}/launch", func(w http.ResponseWriter, r *http.Request) {
		var rq protocol.StartLaunchRQ
		if err := decodeJSON(r, &rq); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.route(w, r, protocol.NewStartLaunch(r.PathValue("project"), user(r), rq))
	})

	mux.HandleFunc("PUT /api/v1/{project}/launch/{launchID}/finish", func(w http.ResponseWriter, r *http.Request) {
		var rq protocol.FinishExecutionRQ
		if err := decodeJSON(r, &rq); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.route(w, r, protocol.NewFinishLaunch(r.PathValue("project"), user(r), r.PathValue("launchID"), rq))
	})

	startItem := func(w http.ResponseWriter, r *http.Request) {
		var rq protocol.StartItemRQ
		if err := decodeJSON(r, &rq); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.route(w, r, protocol.NewStartItem(r.PathValue("project"), user(r), r.PathValue("parentID"), rq))
	}
	mux.HandleFunc("POST /api/v1/{project}/item", startItem)
	mux.HandleFunc("POST /api/v1/{project}/item/{parentID}", startItem)

	mux.HandleFunc("PUT /api/v1/{project}/item/{itemID}", func(w http.ResponseWriter, r *http.Request) {
		var rq protocol.FinishExecutionRQ
		if err := decodeJSON(r, &rq); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.route(w, r, protocol.NewFinishItem(r.PathValue("project"), user(r), r.PathValue("itemID"), rq))
	})

	mux.HandleFunc("POST /api/v1/{project}/log", func(w http.ResponseWriter, r *http.Request) {
		var rq protocol.SaveLogRQ
		if err := decodeJSON(r, &rq); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.route(w, r, protocol.NewLog(r.PathValue("project"), user(r), rq))
	})

	return mux
}

type handler struct {
	publisher Publisher
	logger    *slog.Logger
}

func (h *handler) route(w http.ResponseWriter, r *http.Request, event protocol.Event) {
	id, err := h.publisher.Publish(r.Context(), event, routing.MetadataFor(event))
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			observability.WithRequest(h.logger, string(event.Type), event.LaunchUUID).Error("event routing failed",
				"event", "event_route_failed",
				"error", err,
			)
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, EntryCreated{ID: id})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, routing.ErrMissingHashOn),
		errors.Is(err, routing.ErrMissingRequestType),
		errors.Is(err, protocol.ErrPayloadMismatch),
		errors.Is(err, protocol.ErrMissingItemUUID),
		errors.Is(err, protocol.ErrMissingLaunchUUID):
		return http.StatusBadRequest
	case errors.Is(err, routing.ErrPublishFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func user(r *http.Request) string {
	return r.Header.Get(UserHeader)
}

func decodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
