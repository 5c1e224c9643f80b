package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/pixel-tracker/internal/store"
	"github.com/ignite/pixel-tracker/internal/track"
)

func testPolicy() track.Policy {
	return track.Policy{
		SenderTokenMaxAge:  time.Hour,
		GhostOpenWindow:    5 * time.Second,
		RateLimitCeiling:   10,
		RateLimitWindow:    time.Hour,
		ProxyOpenThreshold: 1,
		ActiveDuration:     60 * time.Second,
	}
}

// newTestServer wires handlers against sqlmock with no geo client and a
// short pixel hold so tail goroutines finish quickly
func newTestServer(t *testing.T, cache *redis.Client) (*chi.Mux, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	st := store.New(db)
	signer := track.NewTokenSigner("test-signing-key")
	classifier := track.NewClassifier(signer, st, testPolicy())
	extractor := track.NewSignalExtractor(nil)

	h := NewHandlers(st, extractor, classifier, signer, nil, cache, testPolicy(), 20*time.Millisecond)
	return SetupRoutes(h), mock, func() { db.Close() }
}

func sendRow(rec *track.SendRecord) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"track_id", "recipient_email", "sender_email", "sender_ip",
		"subject", "gmail_message_id", "gmail_thread_id", "created_at"}).
		AddRow(rec.TrackID, rec.RecipientEmail, rec.SenderEmail, rec.SenderIP,
			rec.Subject, rec.GmailMessageID, rec.GmailThreadID, rec.CreatedAt)
}

func TestHealthCheck(t *testing.T) {
	router, _, cleanup := newTestServer(t, nil)
	defer cleanup()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestRegisterSend(t *testing.T) {
	router, mock, cleanup := newTestServer(t, nil)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO tracking_sends`).WillReturnResult(sqlmock.NewResult(1, 1))

	body, _ := json.Marshal(map[string]string{
		"track_id":        uuid.NewString(),
		"recipient_email": "recipient@example.com",
		"sender_email":    "sender@example.com",
		"subject":         "hello",
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sends", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, w.Code)

	var resp registerSendResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.NotEmpty(t, resp.SenderToken, "registration with a sender email returns a token")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterSendNoSenderOmitsToken(t *testing.T) {
	router, mock, cleanup := newTestServer(t, nil)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO tracking_sends`).WillReturnResult(sqlmock.NewResult(1, 1))

	body, _ := json.Marshal(map[string]string{
		"track_id":        uuid.NewString(),
		"recipient_email": "recipient@example.com",
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sends", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, w.Code)

	var resp registerSendResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.SenderToken)
}

func TestRegisterSendValidation(t *testing.T) {
	router, _, cleanup := newTestServer(t, nil)
	defer cleanup()

	cases := []struct {
		name string
		body map[string]string
	}{
		{"bad uuid", map[string]string{"track_id": "not-a-uuid", "recipient_email": "a@b.com"}},
		{"missing recipient", map[string]string{"track_id": uuid.NewString()}},
		{"malformed recipient", map[string]string{"track_id": uuid.NewString(), "recipient_email": "nope"}},
		{"malformed sender", map[string]string{"track_id": uuid.NewString(), "recipient_email": "a@b.com", "sender_email": "@@"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, _ := json.Marshal(tc.body)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sends", bytes.NewReader(body)))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestServePixelUnknownTrack(t *testing.T) {
	router, mock, cleanup := newTestServer(t, nil)
	defer cleanup()

	// No send record: the fetch is suppressed, but the image is served
	mock.ExpectQuery(`FROM tracking_sends WHERE track_id`).WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/pixel/"+uuid.NewString()+".png", nil)
	req.RemoteAddr = "93.184.216.34:51234"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, pixelPNG, w.Body.Bytes())
	assert.Equal(t, "no-store, no-cache, must-revalidate, max-age=0", w.Header().Get("Cache-Control"))
	assert.NoError(t, mock.ExpectationsWereMet(), "no event row for an unknown track id")
}

func TestServePixelAccepted(t *testing.T) {
	router, mock, cleanup := newTestServer(t, nil)
	defer cleanup()

	rec := &track.SendRecord{
		TrackID:        uuid.New(),
		RecipientEmail: "recipient@example.com",
		SenderEmail:    "sender@example.com",
		CreatedAt:      time.Now().Add(-time.Hour),
	}
	mock.ExpectQuery(`FROM tracking_sends WHERE track_id`).WillReturnRows(sendRow(rec))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM tracking_events`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO tracking_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	req := httptest.NewRequest(http.MethodGet, "/pixel/"+rec.TrackID.String(), nil)
	req.RemoteAddr = "93.184.216.34:51234"
	req.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, pixelPNG, w.Body.Bytes())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServePixelSenderSelfView(t *testing.T) {
	router, mock, cleanup := newTestServer(t, nil)
	defer cleanup()

	rec := &track.SendRecord{
		TrackID:        uuid.New(),
		RecipientEmail: "recipient@example.com",
		SenderEmail:    "sender@example.com",
		CreatedAt:      time.Now().Add(-time.Hour),
	}
	mock.ExpectQuery(`FROM tracking_sends WHERE track_id`).WillReturnRows(sendRow(rec))

	url := fmt.Sprintf("/pixel/%s?sender_email=Sender@Example.com", rec.TrackID)
	req := httptest.NewRequest(http.MethodGet, url, nil)
	req.RemoteAddr = "93.184.216.34:51234"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, pixelPNG, w.Body.Bytes())
	assert.NoError(t, mock.ExpectationsWereMet(), "self-view writes nothing")
}

func TestServePixelBadTrackID(t *testing.T) {
	router, _, cleanup := newTestServer(t, nil)
	defer cleanup()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pixel/not-a-uuid", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleClick(t *testing.T) {
	router, mock, cleanup := newTestServer(t, nil)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO tracking_events`).WillReturnResult(sqlmock.NewResult(1, 1))

	trackID := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/click/"+trackID+"?url=https%3A%2F%2Fexample.com%2Fdoc", nil)
	req.RemoteAddr = "93.184.216.34:51234"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
	assert.Equal(t, "https://example.com/doc", w.Header().Get("Location"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleClickRedirectsDespiteInsertFailure(t *testing.T) {
	router, mock, cleanup := newTestServer(t, nil)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO tracking_events`).WillReturnError(sql.ErrConnDone)

	req := httptest.NewRequest(http.MethodGet, "/click/"+uuid.NewString()+"?url=https%3A%2F%2Fexample.com", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
}

func TestHandleClickValidation(t *testing.T) {
	router, _, cleanup := newTestServer(t, nil)
	defer cleanup()

	cases := []struct {
		name string
		path string
		code int
	}{
		{"bad uuid", "/click/nope?url=https%3A%2F%2Fexample.com", http.StatusNotFound},
		{"missing url", "/click/" + uuid.NewString(), http.StatusBadRequest},
		{"bad scheme", "/click/" + uuid.NewString() + "?url=javascript%3Aalert(1)", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
			assert.Equal(t, tc.code, w.Code)
		})
	}
}

func TestGetStatus(t *testing.T) {
	router, mock, cleanup := newTestServer(t, nil)
	defer cleanup()

	rec := &track.SendRecord{
		TrackID:        uuid.New(),
		RecipientEmail: "recipient@example.com",
		GmailMessageID: "msg-123",
		CreatedAt:      time.Now().Add(-time.Hour),
	}
	mock.ExpectQuery(`FROM tracking_sends`).WillReturnRows(sendRow(rec))

	eventCols := []string{"id", "track_id", "event_type", "ip_address", "user_agent", "is_bot",
		"via_proxy", "country", "city", "os", "browser", "device", "referrer", "duration_seconds", "created_at"}
	mock.ExpectQuery(`WHERE track_id = \$1 AND event_type = 'open'`).
		WillReturnRows(sqlmock.NewRows(eventCols).
			AddRow(int64(1), rec.TrackID, "open", "93.184.216.34", "Mozilla/5.0", false,
				false, "", "", "", "", "", "", 0, time.Now()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status?message_id=msg-123", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "read", resp.Status)
	assert.Equal(t, rec.TrackID.String(), resp.TrackID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStatusUnknownKey(t *testing.T) {
	router, mock, cleanup := newTestServer(t, nil)
	defer cleanup()

	mock.ExpectQuery(`FROM tracking_sends`).WillReturnError(sql.ErrNoRows)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status?message_id=does-not-exist", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"unknown"`)
}

func TestGetStatusMissingKey(t *testing.T) {
	router, _, cleanup := newTestServer(t, nil)
	defer cleanup()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetStatusServedFromCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	router, mock, cleanup := newTestServer(t, cache)
	defer cleanup()

	require.NoError(t, mr.Set("status:msg-123:", "read"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status?message_id=msg-123", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"read"`)
	assert.NoError(t, mock.ExpectationsWereMet(), "cache hit must not touch the database")
}

func TestGetStats(t *testing.T) {
	router, mock, cleanup := newTestServer(t, nil)
	defer cleanup()

	trackID := uuid.New()
	now := time.Now()
	mock.ExpectQuery(`SELECT s\.track_id`).
		WillReturnRows(sqlmock.NewRows([]string{"track_id", "recipient_email", "subject",
			"created_at", "total_opens", "genuine_opens", "clicks", "last_open"}).
			AddRow(trackID, "recipient@example.com", "hello", now, 3, 2, 1, now))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats?limit=10", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var stats []store.SendStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].GenuineOpens)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidEmail(t *testing.T) {
	assert.True(t, validEmail("user@example.com"))
	assert.True(t, validEmail("first.last+tag@sub.example.co"))
	assert.False(t, validEmail(""))
	assert.False(t, validEmail("no-at-sign"))
	assert.False(t, validEmail("@example.com"))
	assert.False(t, validEmail("user@nodot"))
	assert.False(t, validEmail("a@b@c.com"))
}
