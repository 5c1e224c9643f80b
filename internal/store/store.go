// Package store provides the Postgres persistence layer for send records
// and tracking events. All cross-request state lives here; handlers and
// the classifier hold no shared mutable state of their own.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/pixel-tracker/internal/track"
)

// Store provides database operations for tracking entities
type Store struct {
	db *sql.DB
}

// New creates a new tracking store
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// UpsertSend registers a send, merging with any existing row for the same
// track id. Optional fields coalesce: a late re-registration never
// overwrites a previously known value with an empty one.
func (s *Store) UpsertSend(ctx context.Context, rec *track.SendRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	query := `INSERT INTO tracking_sends (track_id, recipient_email, sender_email, sender_ip,
		subject, gmail_message_id, gmail_thread_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (track_id) DO UPDATE SET
			recipient_email  = COALESCE(NULLIF(EXCLUDED.recipient_email, ''), tracking_sends.recipient_email),
			sender_email     = COALESCE(EXCLUDED.sender_email, tracking_sends.sender_email),
			sender_ip        = COALESCE(EXCLUDED.sender_ip, tracking_sends.sender_ip),
			subject          = COALESCE(EXCLUDED.subject, tracking_sends.subject),
			gmail_message_id = COALESCE(EXCLUDED.gmail_message_id, tracking_sends.gmail_message_id),
			gmail_thread_id  = COALESCE(EXCLUDED.gmail_thread_id, tracking_sends.gmail_thread_id)`

	_, err := s.db.ExecContext(ctx, query, rec.TrackID, rec.RecipientEmail,
		nullable(rec.SenderEmail), nullable(rec.SenderIP), nullable(rec.Subject),
		nullable(rec.GmailMessageID), nullable(rec.GmailThreadID), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting send %s: %w", rec.TrackID, err)
	}
	return nil
}

const sendColumns = `track_id, recipient_email, COALESCE(sender_email, ''), COALESCE(sender_ip, ''),
	COALESCE(subject, ''), COALESCE(gmail_message_id, ''), COALESCE(gmail_thread_id, ''), created_at`

// GetSend retrieves a send record by track id. Returns (nil, nil) when
// no record exists.
func (s *Store) GetSend(ctx context.Context, trackID uuid.UUID) (*track.SendRecord, error) {
	query := `SELECT ` + sendColumns + ` FROM tracking_sends WHERE track_id = $1`
	return s.scanSend(s.db.QueryRowContext(ctx, query, trackID))
}

// FindSendByMessageKey looks up a send by either provider correlation
// key: the Gmail message id OR the thread id. Either matching is
// deliberate, to tolerate message-id churn within a thread. An optional
// recipient narrows the match. Returns (nil, nil) when nothing matches.
func (s *Store) FindSendByMessageKey(ctx context.Context, key, recipientEmail string) (*track.SendRecord, error) {
	query := `SELECT ` + sendColumns + ` FROM tracking_sends
		WHERE (gmail_message_id = $1 OR gmail_thread_id = $1)`
	args := []interface{}{key}
	if recipientEmail != "" {
		query += ` AND LOWER(recipient_email) = LOWER($2)`
		args = append(args, recipientEmail)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	return s.scanSend(s.db.QueryRowContext(ctx, query, args...))
}

func (s *Store) scanSend(row *sql.Row) (*track.SendRecord, error) {
	rec := &track.SendRecord{}
	err := row.Scan(&rec.TrackID, &rec.RecipientEmail, &rec.SenderEmail, &rec.SenderIP,
		&rec.Subject, &rec.GmailMessageID, &rec.GmailThreadID, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// InsertOpenEvent appends an open event. The insert is idempotent: a
// duplicate within the same (track, ip, user agent, minute bucket)
// silently collapses into the existing row via the dedup unique index.
// Returns the new row id and whether a row was actually written.
func (s *Store) InsertOpenEvent(ctx context.Context, ev *track.Event) (int64, bool, error) {
	query := `INSERT INTO tracking_events (track_id, event_type, ip_address, user_agent,
		is_bot, via_proxy, country, city, os, browser, device, referrer, created_at, minute_bucket)
		VALUES ($1, 'open', $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), date_trunc('minute', NOW()))
		ON CONFLICT (track_id, event_type, ip_address, user_agent, minute_bucket) DO NOTHING
		RETURNING id`

	var id int64
	err := s.db.QueryRowContext(ctx, query, ev.TrackID, ev.IPAddress, ev.UserAgent,
		ev.IsBot, ev.ViaProxy, nullable(ev.Country), nullable(ev.City), nullable(ev.OS),
		nullable(ev.Browser), nullable(ev.Device), nullable(ev.Referrer)).Scan(&id)
	if err == sql.ErrNoRows {
		// Conflict: the identical fetch already has a row
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("inserting open event for %s: %w", ev.TrackID, err)
	}
	ev.ID = id
	return id, true, nil
}

// InsertClickEvent appends a click event. Clicks are logged
// unconditionally; the dedup index still collapses double-submits.
func (s *Store) InsertClickEvent(ctx context.Context, trackID uuid.UUID, clickedURL, ip, userAgent string) error {
	query := `INSERT INTO tracking_events (track_id, event_type, ip_address, user_agent,
		clicked_url, created_at, minute_bucket)
		VALUES ($1, 'click', $2, $3, $4, NOW(), date_trunc('minute', NOW()))
		ON CONFLICT (track_id, event_type, ip_address, user_agent, minute_bucket) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query, trackID, ip, userAgent, clickedURL)
	if err != nil {
		return fmt.Errorf("inserting click event for %s: %w", trackID, err)
	}
	return nil
}

// UpdateOpenDuration patches the duration of an already-written open
// event. This is the single post-insert mutation the event model allows.
func (s *Store) UpdateOpenDuration(ctx context.Context, eventID int64, seconds int) error {
	query := `UPDATE tracking_events SET duration_seconds = $2 WHERE id = $1 AND event_type = 'open'`
	_, err := s.db.ExecContext(ctx, query, eventID, seconds)
	if err != nil {
		return fmt.Errorf("updating duration for event %d: %w", eventID, err)
	}
	return nil
}

// CountOpens counts open events from one client IP inside the trailing
// window. Satisfies track.RateLimiter; a DB read per fetch is the price
// of a count that is correct across service instances.
func (s *Store) CountOpens(ctx context.Context, ip string, window time.Duration) (int, error) {
	query := `SELECT COUNT(*) FROM tracking_events
		WHERE event_type = 'open' AND ip_address = $1 AND created_at > $2`

	var count int
	err := s.db.QueryRowContext(ctx, query, ip, time.Now().Add(-window)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting opens for %s: %w", ip, err)
	}
	return count, nil
}

// ListOpenEvents returns all open events for a track id, oldest first
func (s *Store) ListOpenEvents(ctx context.Context, trackID uuid.UUID) ([]track.Event, error) {
	query := `SELECT id, track_id, event_type, ip_address, user_agent, is_bot, via_proxy,
		COALESCE(country, ''), COALESCE(city, ''), COALESCE(os, ''), COALESCE(browser, ''),
		COALESCE(device, ''), COALESCE(referrer, ''), COALESCE(duration_seconds, 0), created_at
		FROM tracking_events
		WHERE track_id = $1 AND event_type = 'open'
		ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, trackID)
	if err != nil {
		return nil, fmt.Errorf("listing open events for %s: %w", trackID, err)
	}
	defer rows.Close()

	var events []track.Event
	for rows.Next() {
		var ev track.Event
		err := rows.Scan(&ev.ID, &ev.TrackID, &ev.EventType, &ev.IPAddress, &ev.UserAgent,
			&ev.IsBot, &ev.ViaProxy, &ev.Country, &ev.City, &ev.OS, &ev.Browser,
			&ev.Device, &ev.Referrer, &ev.DurationSeconds, &ev.CreatedAt)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// SendStats is one row of the per-send aggregate view
type SendStats struct {
	TrackID        uuid.UUID  `json:"track_id"`
	RecipientEmail string     `json:"recipient_email"`
	Subject        string     `json:"subject,omitempty"`
	SentAt         time.Time  `json:"sent_at"`
	TotalOpens     int        `json:"total_opens"`
	GenuineOpens   int        `json:"genuine_opens"`
	Clicks         int        `json:"clicks"`
	LastOpenAt     *time.Time `json:"last_open_at,omitempty"`
}

// GetSendStats returns the per-send aggregate, newest sends first.
// Genuine opens exclude bot-flagged rows; total opens include them.
func (s *Store) GetSendStats(ctx context.Context, limit int) ([]SendStats, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT s.track_id, s.recipient_email, COALESCE(s.subject, ''), s.created_at,
		COUNT(e.id) FILTER (WHERE e.event_type = 'open') AS total_opens,
		COUNT(e.id) FILTER (WHERE e.event_type = 'open' AND NOT e.is_bot) AS genuine_opens,
		COUNT(e.id) FILTER (WHERE e.event_type = 'click') AS clicks,
		MAX(e.created_at) FILTER (WHERE e.event_type = 'open') AS last_open
		FROM tracking_sends s
		LEFT JOIN tracking_events e ON s.track_id = e.track_id
		GROUP BY s.track_id, s.recipient_email, s.subject, s.created_at
		ORDER BY s.created_at DESC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying send stats: %w", err)
	}
	defer rows.Close()

	var stats []SendStats
	for rows.Next() {
		var st SendStats
		var lastOpen sql.NullTime
		err := rows.Scan(&st.TrackID, &st.RecipientEmail, &st.Subject, &st.SentAt,
			&st.TotalOpens, &st.GenuineOpens, &st.Clicks, &lastOpen)
		if err != nil {
			return nil, err
		}
		if lastOpen.Valid {
			st.LastOpenAt = &lastOpen.Time
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// nullable maps an empty string to SQL NULL so COALESCE merge semantics
// work on optional columns
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
