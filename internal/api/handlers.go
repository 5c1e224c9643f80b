package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/pixel-tracker/internal/geo"
	"github.com/ignite/pixel-tracker/internal/pkg/httputil"
	"github.com/ignite/pixel-tracker/internal/pkg/logger"
	"github.com/ignite/pixel-tracker/internal/store"
	"github.com/ignite/pixel-tracker/internal/track"
)

// statusCacheTTL bounds how stale a cached status response may be.
const statusCacheTTL = 30 * time.Second

// Handlers contains all HTTP handlers for the tracking service
type Handlers struct {
	store      *store.Store
	extractor  *track.SignalExtractor
	classifier *track.Classifier
	tokens     *track.TokenSigner
	geo        *geo.Client   // nil when enrichment is disabled
	cache      *redis.Client // nil when redis is disabled
	policy     track.Policy
	holdMax    time.Duration
}

// NewHandlers creates a new Handlers instance. geoClient and cache may
// be nil; the corresponding features degrade silently.
func NewHandlers(st *store.Store, extractor *track.SignalExtractor, classifier *track.Classifier,
	tokens *track.TokenSigner, geoClient *geo.Client, cache *redis.Client,
	policy track.Policy, holdMax time.Duration) *Handlers {
	return &Handlers{
		store:      st,
		extractor:  extractor,
		classifier: classifier,
		tokens:     tokens,
		geo:        geoClient,
		cache:      cache,
		policy:     policy,
		holdMax:    holdMax,
	}
}

// HealthCheck reports service liveness
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

type registerSendRequest struct {
	TrackID        string `json:"track_id"`
	RecipientEmail string `json:"recipient_email"`
	SenderEmail    string `json:"sender_email,omitempty"`
	SenderIP       string `json:"sender_ip,omitempty"`
	Subject        string `json:"subject,omitempty"`
	GmailMessageID string `json:"gmail_message_id,omitempty"`
	GmailThreadID  string `json:"gmail_thread_id,omitempty"`
}

type registerSendResponse struct {
	OK          bool   `json:"ok"`
	SenderToken string `json:"sender_token,omitempty"`
}

// RegisterSend upserts a send record. Re-registrations merge: known
// optional fields are never overwritten with empty ones. When a sender
// email is supplied the response carries a sender token the client can
// attach to its own pixel fetches so self-views are suppressed.
func (h *Handlers) RegisterSend(w http.ResponseWriter, r *http.Request) {
	var req registerSendRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	trackID, err := uuid.Parse(req.TrackID)
	if err != nil {
		httputil.BadRequest(w, "track_id must be a valid UUID")
		return
	}
	if !validEmail(req.RecipientEmail) {
		httputil.BadRequest(w, "recipient_email is required")
		return
	}
	if req.SenderEmail != "" && !validEmail(req.SenderEmail) {
		httputil.BadRequest(w, "sender_email is not a valid address")
		return
	}

	rec := &track.SendRecord{
		TrackID:        trackID,
		RecipientEmail: req.RecipientEmail,
		SenderEmail:    req.SenderEmail,
		SenderIP:       req.SenderIP,
		Subject:        req.Subject,
		GmailMessageID: req.GmailMessageID,
		GmailThreadID:  req.GmailThreadID,
	}
	if err := h.store.UpsertSend(r.Context(), rec); err != nil {
		httputil.InternalError(w, err)
		return
	}

	logger.Info("send registered",
		"track_id", trackID.String(),
		"recipient", req.RecipientEmail,
		"has_sender", strconv.FormatBool(req.SenderEmail != ""))

	resp := registerSendResponse{OK: true}
	if req.SenderEmail != "" {
		resp.SenderToken = h.tokens.Issue(req.SenderEmail, trackID, time.Now())
	}
	httputil.OK(w, resp)
}

type statusResponse struct {
	Status  string `json:"status"`
	TrackID string `json:"track_id,omitempty"`
}

// GetStatus derives the delivery status for a message correlation key
// (Gmail message id or thread id), optionally narrowed by recipient.
// An unrecognized key yields 404 with status "unknown".
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("message_id")
	if key == "" {
		httputil.BadRequest(w, "message_id is required")
		return
	}
	recipient := r.URL.Query().Get("recipient")

	cacheKey := "status:" + key + ":" + strings.ToLower(recipient)
	if h.cache != nil {
		if cached, err := h.cache.Get(r.Context(), cacheKey).Result(); err == nil && cached != "" {
			httputil.OK(w, statusResponse{Status: cached})
			return
		}
	}

	rec, err := h.store.FindSendByMessageKey(r.Context(), key, recipient)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if rec == nil {
		httputil.JSON(w, http.StatusNotFound, statusResponse{Status: string(track.StatusUnknown)})
		return
	}

	events, err := h.store.ListOpenEvents(r.Context(), rec.TrackID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	status := track.DeriveStatus(rec, events, h.policy)
	if h.cache != nil {
		if err := h.cache.Set(r.Context(), cacheKey, string(status), statusCacheTTL).Err(); err != nil {
			logger.Debug("status cache write failed", "key", key, "error", err.Error())
		}
	}

	httputil.OK(w, statusResponse{Status: string(status), TrackID: rec.TrackID.String()})
}

// GetStats returns the per-send aggregate view
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	stats, err := h.store.GetSendStats(r.Context(), limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if stats == nil {
		stats = []store.SendStats{}
	}
	httputil.OK(w, stats)
}

// validEmail performs basic shape validation, not deliverability checks
func validEmail(email string) bool {
	email = strings.TrimSpace(email)
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return false
	}
	local, domain := parts[0], parts[1]
	if len(local) == 0 || len(local) > 64 {
		return false
	}
	if len(domain) == 0 || len(domain) > 253 || !strings.Contains(domain, ".") {
		return false
	}
	_, err := url.Parse("mailto:" + email)
	return err == nil
}
