package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/pixel-tracker/internal/pkg/logger"
	"github.com/ignite/pixel-tracker/internal/track"
)

// pixelPNG is a 1x1 transparent PNG, served inline for every pixel
// request regardless of classification.
var pixelPNG = []byte{
	0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A,
	0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1F, 0x15, 0xC4,
	0x89, 0x00, 0x00, 0x00, 0x0A, 0x49, 0x44, 0x41,
	0x54, 0x78, 0x9C, 0x63, 0x60, 0x00, 0x00, 0x00,
	0x02, 0x00, 0x01, 0xE2, 0x21, 0xBC, 0x33, 0x00,
	0x00, 0x00, 0x00, 0x49, 0x45, 0x4E, 0x44, 0xAE,
	0x42, 0x60, 0x82,
}

// tailWriteTimeout bounds each DB/geo call made after the image is flushed
const tailWriteTimeout = 10 * time.Second

// ServePixel answers a tracking pixel fetch. The image bytes are written
// and flushed first; classification decides only whether an open event is
// recorded, so persistence and enrichment can never delay or fail the
// image. After an accepted fetch the handler stays on the connection
// until the client disconnects (capped at holdMax) and patches the
// observed read duration onto the event row.
func (h *Handlers) ServePixel(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSuffix(chi.URLParam(r, "trackID"), ".png")
	trackID, err := uuid.Parse(raw)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	sig := h.extractor.Extract(r)

	rec, err := h.store.GetSend(r.Context(), trackID)
	if err != nil {
		// Classify without a record rather than fail the image
		logger.Error("send lookup failed", "track_id", trackID.String(), "error", err.Error())
		rec = nil
	}

	cls := h.classifier.Classify(r.Context(), sig, rec)
	logger.Info("pixel fetch",
		"track_id", trackID.String(),
		"outcome", cls.Label(),
		"ip", sig.ClientIP)

	start := time.Now()
	serveImage(w)

	if cls.Suppressed() {
		return
	}

	device, browser, osName := track.ParseUserAgent(sig.UserAgent)
	ev := &track.Event{
		TrackID:   trackID,
		EventType: track.EventOpen,
		IPAddress: sig.ClientIP,
		UserAgent: sig.UserAgent,
		IsBot:     cls.IsBot,
		ViaProxy:  cls.ViaProxy,
		Device:    device,
		Browser:   browser,
		OS:        osName,
		Referrer:  sig.Referer,
	}
	h.recordOpen(ev, r.Context().Done(), start)
}

// recordOpen runs after the image is flushed: enrich, insert, then hold
// until the client disconnects (or holdMax elapses) and patch the read
// duration onto the freshly inserted row. Duplicate fetches inside the
// same dedup bucket insert nothing and skip the duration wait.
func (h *Handlers) recordOpen(ev *track.Event, clientGone <-chan struct{}, start time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), tailWriteTimeout)
	defer cancel()

	if h.geo != nil && ev.IPAddress != "" {
		if loc, err := h.geo.Lookup(ctx, ev.IPAddress); err == nil {
			ev.Country = loc.Country
			ev.City = loc.City
		} else {
			logger.Debug("geo lookup failed", "ip", ev.IPAddress, "error", err.Error())
		}
	}

	id, inserted, err := h.store.InsertOpenEvent(ctx, ev)
	if err != nil {
		logger.Error("open event insert failed", "track_id", ev.TrackID.String(), "error", err.Error())
		return
	}
	if !inserted {
		return
	}

	select {
	case <-clientGone:
	case <-time.After(h.holdMax):
	}

	seconds := int(time.Since(start) / time.Second)
	if seconds <= 0 {
		return
	}
	uctx, ucancel := context.WithTimeout(context.Background(), tailWriteTimeout)
	defer ucancel()
	if err := h.store.UpdateOpenDuration(uctx, id, seconds); err != nil {
		logger.Error("duration update failed", "event_id", id, "error", err.Error())
	}
}

// HandleClick records a link click and redirects to the destination.
// Click logging is best-effort: a failed insert never blocks the redirect.
func (h *Handlers) HandleClick(w http.ResponseWriter, r *http.Request) {
	trackID, err := uuid.Parse(chi.URLParam(r, "trackID"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		http.Error(w, "invalid redirect url", http.StatusBadRequest)
		return
	}

	sig := h.extractor.Extract(r)
	if err := h.store.InsertClickEvent(r.Context(), trackID, target, sig.ClientIP, sig.UserAgent); err != nil {
		logger.Error("click event insert failed", "track_id", trackID.String(), "error", err.Error())
	}
	logger.Info("click", "track_id", trackID.String(), "ip", sig.ClientIP)

	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

// serveImage writes and flushes the pixel so the client has the bytes
// before any post-response work begins
func serveImage(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "image/png")
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	w.Write(pixelPNG)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
