package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/lalithlochan/noti/internal/db"
	"github.com/lalithlochan/noti/internal/interval"
	"github.com/lalithlochan/noti/internal/schedule"
)

// TimeLayout is the accepted format for start_time and end_time, always UTC.
const TimeLayout = "2006-01-02 15:04"

// minLeadTime is how far in the future a one-off notification must start.
const minLeadTime = 5 * time.Second

// NotificationStore is the subset of the store the API needs
type NotificationStore interface {
	Insert(ctx context.Context, n *db.Notification) (int64, error)
	Get(ctx context.Context, id int64) (*db.Notification, error)
	Delete(ctx context.Context, id int64) error
	DeleteAll(ctx context.Context) (int64, error)
	FindByGuild(ctx context.Context, guildID int64) ([]*db.Notification, error)
	Health(ctx context.Context) error
}

// Scheduler controls the live tasks
type Scheduler interface {
	Add(rec *db.Notification) bool
	Remove(id int64)
	StopAll()
	Reload(ctx context.Context) error
	Has(id int64) bool
	Active() int
}

// Names turns ids into display names for listings
type Names interface {
	DisplayName(ctx context.Context, kind string, id, scopeID int64) string
}

// CreateRequest is the body of POST /v1/notifications. Snowflake ids travel as
// strings so JavaScript clients do not lose precision.
type CreateRequest struct {
	GuildID          string `json:"guild_id" validate:"required,numeric"`
	ChannelID        string `json:"channel_id" validate:"required,numeric"`
	UserID           string `json:"user_id" validate:"required,numeric"`
	StartTime        string `json:"start_time" validate:"required"`
	Message          string `json:"message" validate:"required,max=2000"`
	Interval         string `json:"interval,omitempty"`
	EndTime          string `json:"end_time,omitempty"`
	MaxOccurrences   *int   `json:"max_occurrences,omitempty" validate:"omitempty,min=1"`
	ConfirmUnbounded bool   `json:"confirm_unbounded"`
}

// NotificationResponse is returned after creating a notification
type NotificationResponse struct {
	ID      int64      `json:"id"`
	NextRun *time.Time `json:"next_run,omitempty"`
	Active  bool       `json:"active"`
}

// NotificationView is one row of a guild listing
type NotificationView struct {
	*db.Notification
	ChannelName string     `json:"channel_name"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	Active      bool       `json:"active"`
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
	store     NotificationStore
	scheduler Scheduler
	names     Names // nil disables channel name resolution
	validate  *validator.Validate
	now       func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, store NotificationStore, scheduler Scheduler, names Names) *Handler {
	return &Handler{
		logger:    logger,
		store:     store,
		scheduler: scheduler,
		names:     names,
		validate:  validator.New(),
		now:       time.Now,
	}
}

// CreateNotification handles POST /v1/notifications
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing or invalid fields", err.Error())
		return
	}

	rec, problem := h.buildRecord(req)
	if problem != nil {
		h.writeError(w, problem.Status, problem.Type, problem.Title, problem.Detail)
		return
	}

	if _, err := h.store.Insert(ctx, rec); err != nil {
		h.logger.Error("failed to create notification",
			zap.Error(err),
			zap.Int64("guild_id", rec.GuildID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create notification", "")
		return
	}

	active := h.scheduler.Add(rec)
	if !active {
		h.logger.Warn("notification stored but no task started", zap.Int64("notification_id", rec.ID))
	}

	resp := NotificationResponse{ID: rec.ID, Active: active}
	if next, ok := schedule.NextOccurrence(rec.Series(), h.now().UTC()); ok {
		resp.NextRun = &next
	}

	h.logger.Info("notification scheduled",
		zap.Int64("notification_id", rec.ID),
		zap.Int64("guild_id", rec.GuildID),
		zap.Bool("repeating", rec.IsRepeating),
	)

	h.writeJSON(w, http.StatusCreated, resp)
}

// buildRecord turns a validated request into a record, or explains why it
// cannot be scheduled.
func (h *Handler) buildRecord(req CreateRequest) (*db.Notification, *ErrorResponse) {
	bad := func(title, detail string) *ErrorResponse {
		return &ErrorResponse{Type: "invalid_request", Title: title, Status: http.StatusBadRequest, Detail: detail}
	}

	guildID, err := strconv.ParseInt(req.GuildID, 10, 64)
	if err != nil {
		return nil, bad("Invalid guild_id", err.Error())
	}
	channelID, err := strconv.ParseInt(req.ChannelID, 10, 64)
	if err != nil {
		return nil, bad("Invalid channel_id", err.Error())
	}
	userID, err := strconv.ParseInt(req.UserID, 10, 64)
	if err != nil {
		return nil, bad("Invalid user_id", err.Error())
	}

	start, err := parseTime(req.StartTime)
	if err != nil {
		return nil, bad("Invalid start_time", "start_time must look like "+TimeLayout)
	}

	rec := &db.Notification{
		GuildID:        guildID,
		ChannelID:      channelID,
		UserID:         userID,
		StartTime:      start,
		Message:        req.Message,
		MaxOccurrences: req.MaxOccurrences,
	}

	if strings.TrimSpace(req.Interval) != "" {
		iv, err := interval.Parse(req.Interval)
		if err != nil {
			return nil, bad("Invalid interval", err.Error())
		}
		rec.IsRepeating = true
		rec.Interval = &iv
	}

	if req.EndTime != "" {
		end, err := parseTime(req.EndTime)
		if err != nil {
			return nil, bad("Invalid end_time", "end_time must look like "+TimeLayout)
		}
		rec.EndTime = &end
	}

	if err := rec.Validate(); err != nil {
		return nil, bad("Invalid notification", err.Error())
	}

	if !rec.IsRepeating && !start.After(h.now().UTC().Add(minLeadTime)) {
		return nil, bad("Start time in the past", "a one-off notification must start in the future")
	}
	if rec.Unbounded() && !req.ConfirmUnbounded {
		return nil, &ErrorResponse{
			Type:   "confirmation_required",
			Title:  "Unbounded notification",
			Status: http.StatusUnprocessableEntity,
			Detail: "a repeating notification without end_time or max_occurrences runs forever; resend with confirm_unbounded",
		}
	}

	return rec, nil
}

// ListGuildNotifications handles GET /v1/guilds/{guildID}/notifications
func (h *Handler) ListGuildNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	guildID, err := strconv.ParseInt(chi.URLParam(r, "guildID"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid guild ID", "guild ID must be numeric")
		return
	}

	records, err := h.store.FindByGuild(ctx, guildID)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.Int64("guild_id", guildID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	now := h.now().UTC()
	views := make([]NotificationView, 0, len(records))
	for _, rec := range records {
		view := NotificationView{Notification: rec, Active: h.scheduler.Has(rec.ID)}
		if next, ok := schedule.NextOccurrence(rec.Series(), now); ok {
			view.NextRun = &next
		}
		if h.names != nil {
			view.ChannelName = h.names.DisplayName(ctx, db.KindChannel, rec.ChannelID, 0)
		}
		views = append(views, view)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  views,
		"count": len(views),
	})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	rec, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.storeError(w, err, id, "Failed to get notification")
		return
	}

	view := NotificationView{Notification: rec, Active: h.scheduler.Has(rec.ID)}
	if next, ok := schedule.NextOccurrence(rec.Series(), h.now().UTC()); ok {
		view.NextRun = &next
	}
	h.writeJSON(w, http.StatusOK, view)
}

// DeleteNotification handles DELETE /v1/notifications/{id}. An optional
// guild_id query parameter must match the record's guild.
func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	rec, err := h.store.Get(ctx, id)
	if err != nil {
		h.storeError(w, err, id, "Failed to delete notification")
		return
	}

	if guild := r.URL.Query().Get("guild_id"); guild != "" && guild != strconv.FormatInt(rec.GuildID, 10) {
		h.writeError(w, http.StatusForbidden, "forbidden", "Notification belongs to another guild", "")
		return
	}

	h.scheduler.Remove(id)
	if err := h.store.Delete(ctx, id); err != nil && !errors.Is(err, db.ErrNotFound) {
		h.storeError(w, err, id, "Failed to delete notification")
		return
	}

	h.logger.Info("notification removed", zap.Int64("notification_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// DeleteAllNotifications handles DELETE /v1/notifications
func (h *Handler) DeleteAllNotifications(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.store.DeleteAll(r.Context())
	if err != nil {
		h.logger.Error("failed to delete notifications", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete notifications", "")
		return
	}
	h.scheduler.StopAll()

	h.writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// ReloadScheduler handles POST /v1/scheduler/reload
func (h *Handler) ReloadScheduler(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.Reload(r.Context()); err != nil {
		h.logger.Error("scheduler reload failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "reload_failed", "Failed to reload notifications", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"active": h.scheduler.Active()})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Health(r.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "unhealthy", "Store unavailable", "")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) storeError(w http.ResponseWriter, err error, id int64, title string) {
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}
	h.logger.Error(strings.ToLower(title),
		zap.Error(err),
		zap.Int64("notification_id", id),
	)
	h.writeError(w, http.StatusInternalServerError, "database_error", title, "")
}

func parseTime(s string) (time.Time, error) {
	return time.ParseInLocation(TimeLayout, strings.TrimSpace(s), time.UTC)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
