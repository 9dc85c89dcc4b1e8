package video

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pseudotube/pseudotube/internal/auth"
	"github.com/pseudotube/pseudotube/internal/httputil"
	"github.com/pseudotube/pseudotube/internal/ratelimit"
	"github.com/pseudotube/pseudotube/internal/session"
	"github.com/pseudotube/pseudotube/internal/transcoder"
	"github.com/pseudotube/pseudotube/internal/validate"
	"github.com/pseudotube/pseudotube/internal/webhook"
)

type Handler struct {
	orchestrator  *Orchestrator
	uploads       *UploadGuard
	views         *ViewTracker
	store         ObjectStore
	baseURL       string
	webhookSecret string
}

func NewHandler(o *Orchestrator, uploads *UploadGuard, views *ViewTracker, store ObjectStore, baseURL string) *Handler {
	return &Handler{
		orchestrator: o,
		uploads:      uploads,
		views:        views,
		store:        store,
		baseURL:      strings.TrimRight(baseURL, "/"),
	}
}

// SetWebhookSecret makes POST /transcoder/status require a signed body.
func (h *Handler) SetWebhookSecret(secret string) {
	h.webhookSecret = secret
}

type uploadSlotResponse struct {
	UploadURL  string `json:"upload_url"`
	UploadHash string `json:"upload_hash"`
}

func (h *Handler) RequestUpload(w http.ResponseWriter, r *http.Request) {
	sid := session.IDFromContext(r.Context())
	slot, err := h.uploads.RequestUploadSlot(r.Context(), sid, r.URL.Query().Get("hash"))
	if err != nil {
		if errors.Is(err, ErrStorageUnavailable) {
			httputil.WriteError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
		slog.Error("upload: failed to issue slot", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "could not issue upload url")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, uploadSlotResponse{UploadURL: slot.UploadURL, UploadHash: slot.Handle})
}

type confirmUploadRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type confirmUploadResponse struct {
	UploadHash string `json:"upload_hash"`
	Status     string `json:"status"`
	WaitURL    string `json:"wait_url"`
}

func (h *Handler) ConfirmUpload(w http.ResponseWriter, r *http.Request) {
	var req confirmUploadRequest
	if err := httputil.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if msg := validate.Title(req.Title); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validate.Description(req.Description); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}

	sid := session.IDFromContext(r.Context())
	handle, err := h.uploads.ConfirmUpload(r.Context(), sid)
	switch {
	case errors.Is(err, ErrNoActiveUploadSession):
		httputil.WriteError(w, http.StatusBadRequest, "no active upload; request a new upload url")
		return
	case errors.Is(err, ErrUploadNotFound):
		httputil.WriteError(w, http.StatusBadRequest, "upload not found; finish uploading before confirming")
		return
	case errors.Is(err, ErrStorageUnavailable):
		httputil.WriteError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	case err != nil:
		slog.Error("upload: confirm failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "could not confirm upload")
		return
	}

	userID := auth.UserIDFromContext(r.Context())
	v, err := h.orchestrator.StartIngestion(r.Context(), handle, userID, req.Title, req.Description)
	switch {
	case errors.Is(err, ErrIngestionQueueFull):
		httputil.WriteError(w, http.StatusServiceUnavailable, "server busy; please upload again later")
		return
	case errors.Is(err, ErrNoActiveUploadSession):
		httputil.WriteError(w, http.StatusConflict, "upload already confirmed")
		return
	case err != nil:
		slog.Error("upload: failed to start ingestion", "hash", handle, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "could not start processing")
		return
	}

	waitURL := h.baseURL + "/waitfor/" + v.Handle
	w.Header().Set("Location", waitURL)
	httputil.WriteJSON(w, http.StatusSeeOther, confirmUploadResponse{
		UploadHash: v.Handle,
		Status:     v.Status.PollStatus(),
		WaitURL:    waitURL,
	})
}

type statusResponse struct {
	Status string `json:"status"`
}

func (h *Handler) PollStatus(w http.ResponseWriter, r *http.Request) {
	handle := r.URL.Query().Get("video_hash")
	if handle == "" {
		httputil.WriteError(w, http.StatusBadRequest, "video_hash is required")
		return
	}
	if !validate.Handle(handle) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid video_hash")
		return
	}

	status, err := h.orchestrator.ReconcilePoll(r.Context(), handle)
	if errors.Is(err, ErrVideoNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}
	if err != nil {
		slog.Error("status: poll failed", "hash", handle, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "could not check status")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, statusResponse{Status: status.PollStatus()})
}

func (h *Handler) JobWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, httputil.MaxJSONBodyBytes))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if h.webhookSecret != "" && !webhook.VerifySignature(h.webhookSecret, body, r.Header.Get(webhook.SignatureHeader)) {
		httputil.WriteError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	n, err := transcoder.ParseNotification(body)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "missing job name or state")
		return
	}

	v, err := h.orchestrator.ReconcileWebhook(r.Context(), n.Job.Name, n.JobState())
	switch {
	case errors.Is(err, ErrInvalidJobState):
		httputil.WriteError(w, http.StatusBadRequest, "invalid job state")
	case errors.Is(err, ErrJobNotFound):
		httputil.WriteError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, ErrInconsistentProviderState):
		httputil.WriteError(w, http.StatusNotFound, "manifest not found")
	case errors.Is(err, ErrStorageUnavailable):
		httputil.WriteError(w, http.StatusServiceUnavailable, "storage unavailable")
	case err != nil:
		slog.Error("status: webhook failed", "job", n.Job.Name, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "could not apply job state")
	default:
		httputil.WriteJSON(w, http.StatusOK, statusResponse{Status: v.Status.PollStatus()})
	}
}

func (h *Handler) RecordView(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticket")
	sid := session.IDFromContext(r.Context())

	err := h.views.RecordView(r.Context(), sid, ticketID, Viewer{
		UserID:    auth.UserIDFromContext(r.Context()),
		UserAgent: r.UserAgent(),
		Addr:      ratelimit.ClientIP(r),
	})
	switch {
	case errors.Is(err, ErrUnknownTicket):
		httputil.WriteError(w, http.StatusBadRequest, "unknown ticket")
	case errors.Is(err, ErrAlreadyCounted):
		httputil.WriteError(w, http.StatusBadRequest, "view already counted")
	case errors.Is(err, ErrTooSoon):
		httputil.WriteError(w, http.StatusBadRequest, "too soon to count view")
	case errors.Is(err, ErrBotViewer):
		httputil.WriteError(w, http.StatusBadRequest, "view not counted")
	case errors.Is(err, ErrVideoNotFound), errors.Is(err, ErrVideoUnavailable):
		httputil.WriteError(w, http.StatusNotFound, "video not found")
	case err != nil:
		slog.Error("view: failed to record view", "ticket", ticketID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "could not record view")
	default:
		httputil.WriteMessage(w, http.StatusOK, "view recorded")
	}
}

type watchResponse struct {
	Hash         string  `json:"hash"`
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	StreamURL    string  `json:"stream_url"`
	ThumbnailURL string  `json:"thumbnail_url"`
	Duration     float64 `json:"duration"`
	ViewCount    int64   `json:"view_count"`
	TicketID     string  `json:"ticket_id"`
}

func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "hash")
	if !validate.Handle(handle) {
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}

	v, err := h.orchestrator.Status(r.Context(), handle)
	if errors.Is(err, ErrVideoNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}
	if err != nil {
		slog.Error("watch: failed to load video", "hash", handle, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "could not load video")
		return
	}

	switch v.Status {
	case StatusProcessing:
		httputil.WriteJSON(w, http.StatusConflict, statusResponse{Status: v.Status.PollStatus()})
		return
	case StatusFailed:
		httputil.WriteError(w, http.StatusGone, "video processing failed")
		return
	}

	ticketID, err := h.views.OpenTicket(r.Context(), session.IDFromContext(r.Context()), v.Handle)
	if err != nil {
		slog.Error("watch: failed to open ticket", "hash", handle, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "could not start playback")
		return
	}

	views, err := h.orchestrator.ViewCount(r.Context(), v.ID)
	if err != nil {
		slog.Warn("watch: failed to count views", "hash", handle, "error", err)
	}

	httputil.WriteJSON(w, http.StatusOK, watchResponse{
		Hash:         v.Handle,
		Title:        v.Title,
		Description:  v.Description,
		StreamURL:    h.store.PublicURL(ManifestKey(v.Handle)),
		ThumbnailURL: v.ThumbnailURL,
		Duration:     v.Duration,
		ViewCount:    views,
		TicketID:     ticketID,
	})
}

type waitResponse struct {
	Status   string `json:"status"`
	WatchURL string `json:"watch_url,omitempty"`
}

func (h *Handler) WaitFor(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "hash")
	if !validate.Handle(handle) {
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}

	v, err := h.orchestrator.Status(r.Context(), handle)
	if errors.Is(err, ErrVideoNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "video not found")
		return
	}
	if err != nil {
		slog.Error("waitfor: failed to load video", "hash", handle, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "could not load video")
		return
	}

	resp := waitResponse{Status: v.Status.PollStatus()}
	if v.Status == StatusReady {
		resp.WatchURL = h.baseURL + "/watch/" + v.Handle
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "hash")
	userID := auth.UserIDFromContext(r.Context())
	if userID == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	err := h.orchestrator.Delete(r.Context(), handle, userID)
	switch {
	case errors.Is(err, ErrVideoNotFound):
		httputil.WriteError(w, http.StatusNotFound, "video not found")
	case errors.Is(err, ErrNotOwner):
		httputil.WriteError(w, http.StatusForbidden, "not allowed to delete this video")
	case err != nil:
		slog.Error("video: delete failed", "hash", handle, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "could not delete video")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
