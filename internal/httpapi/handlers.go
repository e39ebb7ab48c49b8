package httpapi

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/logging"
	"github.com/solarcrm/fieldsync/internal/models"
	"github.com/solarcrm/fieldsync/internal/sync/conflict"
	"github.com/solarcrm/fieldsync/internal/uuid"
)

const maxBodyBytes = 8 << 20

// errorBody is the JSON error shape.
type errorBody struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrInvalid:
		return http.StatusBadRequest
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrInvalidTransition, errors.ErrSyncConflict:
		return http.StatusConflict
	case errors.ErrStorageUnavailable, errors.ErrSyncNotConfigured:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response", err, nil)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := statusFor(code)
	msg := err.Error()
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		msg = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err, nil)
	}
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid request body", err)
	}
	return nil
}

func localIDParam(r *http.Request) (models.UUID, error) {
	id, err := uuid.ParseLocalID(chi.URLParam(r, "id"))
	if err != nil {
		return "", errors.Wrap(errors.ErrInvalid, "invalid record id", err)
	}
	return id, nil
}

// Health handles GET /api/health.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"service":        "fieldsync",
		"online":         a.conn != nil && a.conn.IsOnline(),
		"uptime_seconds": int64(time.Since(a.started).Seconds()),
	})
}

// Metrics handles GET /api/metrics.
func (a *API) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.metrics.Snapshot())
}

// GetConnectivity handles GET /api/connectivity.
func (a *API) GetConnectivity(w http.ResponseWriter, r *http.Request) {
	if a.conn == nil {
		writeError(w, errors.New(errors.ErrSyncNotConfigured, "connectivity monitor is not running"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": a.conn.IsOnline()})
}

// SetConnectivity handles PUT /api/connectivity with {"online": bool}.
func (a *API) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	if a.conn == nil {
		writeError(w, errors.New(errors.ErrSyncNotConfigured, "connectivity monitor is not running"))
		return
	}
	var req struct {
		Online *bool `json:"online"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Online == nil {
		writeError(w, errors.New(errors.ErrInvalid, "online is required"))
		return
	}
	a.conn.SetOnlineStatus(*req.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": a.conn.IsOnline()})
}

// Enqueue handles POST /api/records.
func (a *API) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind    string          `json:"kind"`
		Owner   string          `json:"owner"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	kind, err := models.ParseKind(req.Kind)
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid kind", err))
		return
	}

	id, err := a.queue.Enqueue(r.Context(), kind, req.Payload, req.Owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"local_id": id,
		"status":   models.StatusPending,
	})
}

// ListRecords handles GET /api/records?owner=&status=.
func (a *API) ListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner := q.Get("owner")
	if strings.TrimSpace(owner) == "" {
		writeError(w, errors.New(errors.ErrInvalid, "owner is required"))
		return
	}

	var statuses []models.Status
	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			st, err := models.ParseStatus(s)
			if err != nil {
				writeError(w, errors.Wrap(errors.ErrInvalid, "invalid status", err))
				return
			}
			statuses = append(statuses, st)
		}
	}

	records, err := a.queue.List(r.Context(), owner, statuses...)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*models.QueuedRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": records,
		"total": len(records),
	})
}

// GetRecord handles GET /api/records/{id}.
func (a *API) GetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := localIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := a.queue.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteRecord handles DELETE /api/records/{id}.
func (a *API) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	id, err := localIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.queue.DeleteRecord(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetryRecord handles POST /api/records/{id}/retry.
func (a *API) RetryRecord(w http.ResponseWriter, r *http.Request) {
	id, err := localIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := a.queue.RetryRecord(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ResolveDuplicate handles POST /api/records/{id}/resolve with {"decision":"new"|"existing"}.
func (a *API) ResolveDuplicate(w http.ResponseWriter, r *http.Request) {
	id, err := localIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Decision string `json:"decision"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	decision, err := conflict.ParseDecision(req.Decision)
	if err != nil {
		writeError(w, err)
		return
	}

	if decision == conflict.DecisionUseExisting {
		if err := a.resolver.ResolveAsExisting(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	rec, err := a.resolver.ResolveAsNew(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Status handles GET /api/owners/{owner}/status.
func (a *API) Status(w http.ResponseWriter, r *http.Request) {
	st, err := a.queue.Status(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListDuplicates handles GET /api/owners/{owner}/duplicates.
func (a *API) ListDuplicates(w http.ResponseWriter, r *http.Request) {
	dups, err := a.resolver.ListDuplicates(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": dups,
		"total": len(dups),
	})
}

// SyncNow handles POST /api/owners/{owner}/sync. It waits for the round.
func (a *API) SyncNow(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	if strings.TrimSpace(owner) == "" {
		writeError(w, errors.New(errors.ErrInvalid, "owner is required"))
		return
	}
	writeJSON(w, http.StatusOK, a.queue.SyncNow(r.Context(), owner))
}

// ClearSynced handles POST /api/owners/{owner}/clear-synced.
func (a *API) ClearSynced(w http.ResponseWriter, r *http.Request) {
	n, err := a.queue.ClearSynced(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}
