package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/alert"
	"github.com/beaconhq/beacon/internal/metrics"
	"github.com/beaconhq/beacon/internal/store"
)

// AlertRepository defines the alert database operations the API needs.
type AlertRepository interface {
	Create(ctx context.Context, a *alert.Alert) error
	GetByID(ctx context.Context, id uuid.UUID) (*alert.Alert, error)
	Update(ctx context.Context, a *alert.Alert, prevUpdatedAt time.Time) error
	Archive(ctx context.Context, id uuid.UUID) error
	ListActive(ctx context.Context) ([]*alert.Alert, error)
	FindAlertsVisibleTo(ctx context.Context, userID, teamID, orgID string) ([]*alert.Alert, error)
}

// StateRepository defines the per-user alert state operations the API needs.
type StateRepository interface {
	FindByUserAndAlert(ctx context.Context, userID string, alertID uuid.UUID) (*alert.UserAlertState, error)
	Upsert(ctx context.Context, st *alert.UserAlertState) error
	BulkUpdateSnoozeStatus(ctx context.Context, userIDs []string, alertID uuid.UUID, snoozed bool) (int, error)
}

// UserRepository looks up users for feed and state endpoints.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (alert.User, error)
}

// AnalyticsRepository serves the read-only reporting endpoints.
type AnalyticsRepository interface {
	ReportForAlert(ctx context.Context, alertID uuid.UUID) (*store.AlertReport, error)
	OverviewReport(ctx context.Context) (*store.Overview, error)
}

// CreateAlertRequest represents the incoming request body for alert creation.
type CreateAlertRequest struct {
	Title                  string           `json:"title"`
	Message                string           `json:"message"`
	Severity               string           `json:"severity"`
	DeliveryType           string           `json:"delivery_type"`
	Visibility             alert.Visibility `json:"visibility"`
	StartTime              time.Time        `json:"start_time"`
	ExpiryTime             time.Time        `json:"expiry_time"`
	ReminderEnabled        *bool            `json:"reminder_enabled,omitempty"`
	ReminderFrequencyHours *int             `json:"reminder_frequency_hours,omitempty"`
	CreatedBy              string           `json:"created_by"`
}

// SnoozeRequest selects the snooze variant. With neither field set the
// snooze is indefinite.
type SnoozeRequest struct {
	ForDay bool       `json:"for_day,omitempty"`
	Until  *time.Time `json:"until,omitempty"`
}

// BulkSnoozeRequest applies one snooze flag to many users at once.
type BulkSnoozeRequest struct {
	UserIDs []string `json:"user_ids"`
	Snoozed bool     `json:"snoozed"`
}

// UserAlertView is one row of a user's alert feed: the alert joined with
// that user's read/snooze state.
type UserAlertView struct {
	Alert   *alert.Alert `json:"alert"`
	IsRead  bool         `json:"is_read"`
	Snoozed bool         `json:"snoozed"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger    *zap.Logger
	alerts    AlertRepository
	states    StateRepository
	users     UserRepository
	analytics AnalyticsRepository
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, alerts AlertRepository, states StateRepository, users UserRepository, analytics AnalyticsRepository) *Handler {
	return &Handler{
		logger:    logger,
		alerts:    alerts,
		states:    states,
		users:     users,
		analytics: analytics,
	}
}

// CreateAlert handles POST /v1/alerts
func (h *Handler) CreateAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	a, err := alert.New(alert.Params{
		Title:                  req.Title,
		Message:                req.Message,
		Severity:               alert.Severity(req.Severity),
		DeliveryType:           alert.DeliveryType(req.DeliveryType),
		Visibility:             req.Visibility,
		StartTime:              req.StartTime,
		ExpiryTime:             req.ExpiryTime,
		ReminderEnabled:        req.ReminderEnabled,
		ReminderFrequencyHours: req.ReminderFrequencyHours,
		CreatedBy:              req.CreatedBy,
	})
	if err != nil {
		var verr *alert.ValidationError
		if errors.As(err, &verr) {
			h.writeError(w, http.StatusBadRequest, "validation_failed", "Invalid alert", verr.Error())
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid alert", err.Error())
		return
	}

	if err := h.alerts.Create(ctx, a); err != nil {
		h.logger.Error("failed to create alert",
			zap.Error(err),
			zap.String("title", a.Title),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create alert", "")
		return
	}

	metrics.RecordAlertCreated(string(a.Severity), string(a.DeliveryType))
	h.logger.Info("alert created",
		zap.String("id", a.ID.String()),
		zap.String("severity", string(a.Severity)),
		zap.String("visibility", string(a.Visibility.Type)),
	)

	h.writeJSON(w, http.StatusCreated, a)
}

// GetAlert handles GET /v1/alerts/{id}
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	alertID, ok := h.alertID(w, r)
	if !ok {
		return
	}

	a, err := h.alerts.GetByID(ctx, alertID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Alert not found", "")
			return
		}
		h.logger.Error("failed to get alert",
			zap.Error(err),
			zap.String("id", alertID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get alert", "")
		return
	}

	h.writeJSON(w, http.StatusOK, a)
}

// ListAlerts handles GET /v1/alerts
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	alerts, err := h.alerts.ListActive(ctx)
	if err != nil {
		h.logger.Error("failed to list alerts", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list alerts", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  alerts,
		"count": len(alerts),
	})
}

// UpdateAlert handles PATCH /v1/alerts/{id}.
// A concurrent writer between our read and write surfaces as a version
// conflict; the patch is re-applied on a fresh read once before giving up.
func (h *Handler) UpdateAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	alertID, ok := h.alertID(w, r)
	if !ok {
		return
	}

	var patch alert.UpdatePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	var updated *alert.Alert
	for attempt := 0; attempt < 2; attempt++ {
		a, err := h.alerts.GetByID(ctx, alertID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				h.writeError(w, http.StatusNotFound, "not_found", "Alert not found", "")
				return
			}
			h.logger.Error("failed to load alert for update",
				zap.Error(err),
				zap.String("id", alertID.String()),
			)
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update alert", "")
			return
		}

		prevUpdatedAt := a.UpdatedAt
		if err := a.ApplyUpdate(patch); err != nil {
			var verr *alert.ValidationError
			if errors.As(err, &verr) {
				h.writeError(w, http.StatusBadRequest, "validation_failed", "Invalid update", verr.Error())
				return
			}
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid update", err.Error())
			return
		}

		err = h.alerts.Update(ctx, a, prevUpdatedAt)
		if err == nil {
			updated = a
			break
		}
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Alert not found", "")
			return
		}
		h.logger.Error("failed to update alert",
			zap.Error(err),
			zap.String("id", alertID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update alert", "")
		return
	}

	if updated == nil {
		h.writeError(w, http.StatusConflict, "conflict", "Alert was modified concurrently", "Retry the update against the latest version")
		return
	}

	h.logger.Info("alert updated", zap.String("id", alertID.String()))
	h.writeJSON(w, http.StatusOK, updated)
}

// ArchiveAlert handles POST /v1/alerts/{id}/archive
func (h *Handler) ArchiveAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	alertID, ok := h.alertID(w, r)
	if !ok {
		return
	}

	if err := h.alerts.Archive(ctx, alertID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Alert not found", "")
			return
		}
		if errors.Is(err, store.ErrConflict) {
			h.writeError(w, http.StatusConflict, "conflict", "Alert is already in a terminal state", err.Error())
			return
		}
		h.logger.Error("failed to archive alert",
			zap.Error(err),
			zap.String("id", alertID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to archive alert", "")
		return
	}

	h.logger.Info("alert archived", zap.String("id", alertID.String()))
	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     alertID.String(),
		"status": string(alert.StatusArchived),
	})
}

// ListUserAlerts handles GET /v1/users/{userID}/alerts
func (h *Handler) ListUserAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := chi.URLParam(r, "userID")
	user, err := h.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "User not found", "")
			return
		}
		h.logger.Error("failed to get user",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list alerts", "")
		return
	}

	alerts, err := h.alerts.FindAlertsVisibleTo(ctx, user.ID, user.TeamID, user.OrganizationID)
	if err != nil {
		h.logger.Error("failed to resolve visible alerts",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list alerts", "")
		return
	}

	now := time.Now()
	views := make([]UserAlertView, 0, len(alerts))
	for _, a := range alerts {
		view := UserAlertView{Alert: a}
		st, err := h.states.FindByUserAndAlert(ctx, userID, a.ID)
		if err != nil {
			h.logger.Error("failed to load alert state",
				zap.Error(err),
				zap.String("user_id", userID),
				zap.String("alert_id", a.ID.String()),
			)
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list alerts", "")
			return
		}
		if st != nil {
			view.IsRead = st.IsRead
			view.Snoozed = st.IsCurrentlySnoozedAt(now)
		}
		views = append(views, view)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  views,
		"count": len(views),
	})
}

// MarkRead handles POST /v1/users/{userID}/alerts/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.mutateState(w, r, "read", func(st *alert.UserAlertState) error {
		st.MarkRead()
		return nil
	})
}

// MarkUnread handles POST /v1/users/{userID}/alerts/{id}/unread
func (h *Handler) MarkUnread(w http.ResponseWriter, r *http.Request) {
	h.mutateState(w, r, "unread", func(st *alert.UserAlertState) error {
		st.MarkUnread()
		return nil
	})
}

// Snooze handles POST /v1/users/{userID}/alerts/{id}/snooze
func (h *Handler) Snooze(w http.ResponseWriter, r *http.Request) {
	var req SnoozeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}

	kind := "indefinite"
	switch {
	case req.ForDay:
		kind = "day"
	case req.Until != nil:
		kind = "until"
	}

	h.mutateState(w, r, "snooze", func(st *alert.UserAlertState) error {
		switch kind {
		case "day":
			st.SnoozeForDay()
		case "until":
			if err := st.SnoozeUntilTime(*req.Until); err != nil {
				return err
			}
		default:
			st.SnoozeIndefinitely()
		}
		metrics.RecordSnooze(kind)
		return nil
	})
}

// Unsnooze handles POST /v1/users/{userID}/alerts/{id}/unsnooze
func (h *Handler) Unsnooze(w http.ResponseWriter, r *http.Request) {
	h.mutateState(w, r, "unsnooze", func(st *alert.UserAlertState) error {
		st.Unsnooze()
		metrics.RecordSnooze("unsnooze")
		return nil
	})
}

// BulkSnooze handles POST /v1/alerts/{id}/snooze/bulk
func (h *Handler) BulkSnooze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	alertID, ok := h.alertID(w, r)
	if !ok {
		return
	}

	var req BulkSnoozeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(req.UserIDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_ids", "user_ids must not be empty")
		return
	}

	affected, err := h.states.BulkUpdateSnoozeStatus(ctx, req.UserIDs, alertID, req.Snoozed)
	if err != nil {
		h.logger.Error("failed to bulk update snooze status",
			zap.Error(err),
			zap.String("alert_id", alertID.String()),
			zap.Int("users", len(req.UserIDs)),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update snooze status", "")
		return
	}

	if req.Snoozed {
		metrics.RecordSnooze("bulk")
	}
	h.logger.Info("bulk snooze applied",
		zap.String("alert_id", alertID.String()),
		zap.Bool("snoozed", req.Snoozed),
		zap.Int("affected", affected),
	)

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alert_id": alertID.String(),
		"snoozed":  req.Snoozed,
		"affected": affected,
	})
}

// AlertAnalytics handles GET /v1/analytics/alerts/{id}
func (h *Handler) AlertAnalytics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	alertID, ok := h.alertID(w, r)
	if !ok {
		return
	}

	report, err := h.analytics.ReportForAlert(ctx, alertID)
	if err != nil {
		h.logger.Error("failed to build alert report",
			zap.Error(err),
			zap.String("alert_id", alertID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to build report", "")
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

// OverviewAnalytics handles GET /v1/analytics/overview
func (h *Handler) OverviewAnalytics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	overview, err := h.analytics.OverviewReport(ctx)
	if err != nil {
		h.logger.Error("failed to build overview report", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to build report", "")
		return
	}

	h.writeJSON(w, http.StatusOK, overview)
}

// mutateState loads (or starts) the caller's state row, applies op, and
// persists the result.
func (h *Handler) mutateState(w http.ResponseWriter, r *http.Request, op string, apply func(*alert.UserAlertState) error) {
	ctx := r.Context()

	userID := chi.URLParam(r, "userID")
	alertID, ok := h.alertID(w, r)
	if !ok {
		return
	}

	if _, err := h.users.GetByID(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "User not found", "")
			return
		}
		h.logger.Error("failed to get user",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update state", "")
		return
	}
	if _, err := h.alerts.GetByID(ctx, alertID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Alert not found", "")
			return
		}
		h.logger.Error("failed to get alert",
			zap.Error(err),
			zap.String("alert_id", alertID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update state", "")
		return
	}

	st, err := h.states.FindByUserAndAlert(ctx, userID, alertID)
	if err != nil {
		h.logger.Error("failed to load alert state",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("alert_id", alertID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update state", "")
		return
	}
	if st == nil {
		st = alert.NewUserAlertState(userID, alertID)
	}

	if err := apply(st); err != nil {
		var verr *alert.ValidationError
		if errors.As(err, &verr) {
			h.writeError(w, http.StatusBadRequest, "validation_failed", "Invalid state change", verr.Error())
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid state change", err.Error())
		return
	}

	if err := h.states.Upsert(ctx, st); err != nil {
		h.logger.Error("failed to persist alert state",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("alert_id", alertID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update state", "")
		return
	}

	h.logger.Info("alert state updated",
		zap.String("op", op),
		zap.String("user_id", userID),
		zap.String("alert_id", alertID.String()),
	)

	h.writeJSON(w, http.StatusOK, st)
}

// alertID parses the {id} URL param, writing the error response itself on
// failure.
func (h *Handler) alertID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid alert ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
