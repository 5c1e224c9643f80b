package track

import (
	"time"

	"github.com/google/uuid"
)

// EventType distinguishes the two kinds of tracked fetches
type EventType string

const (
	EventOpen  EventType = "open"
	EventClick EventType = "click"
)

// SendRecord is the registration row for one outbound message.
// Optional fields are empty strings when unknown; the store merges
// late-arriving values without clobbering known ones.
type SendRecord struct {
	TrackID        uuid.UUID `json:"track_id"`
	RecipientEmail string    `json:"recipient_email"`
	SenderEmail    string    `json:"sender_email,omitempty"`
	SenderIP       string    `json:"sender_ip,omitempty"`
	Subject        string    `json:"subject,omitempty"`
	GmailMessageID string    `json:"gmail_message_id,omitempty"`
	GmailThreadID  string    `json:"gmail_thread_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Event is one logged fetch. Append-only: rows are never updated after
// insert except for DurationSeconds, which the pixel handler patches once
// when the client connection closes.
type Event struct {
	ID              int64     `json:"id"`
	TrackID         uuid.UUID `json:"track_id"`
	EventType       EventType `json:"event_type"`
	IPAddress       string    `json:"ip_address"`
	UserAgent       string    `json:"user_agent"`
	IsBot           bool      `json:"is_bot"`
	ViaProxy        bool      `json:"via_proxy"`
	Country         string    `json:"country,omitempty"`
	City            string    `json:"city,omitempty"`
	OS              string    `json:"os,omitempty"`
	Browser         string    `json:"browser,omitempty"`
	Device          string    `json:"device,omitempty"`
	Referrer        string    `json:"referrer,omitempty"`
	ClickedURL      string    `json:"clicked_url,omitempty"`
	DurationSeconds int       `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Outcome is the classification decision for a pixel fetch
type Outcome string

const (
	// Hard suppressions: nothing is persisted
	OutcomeSuppressUnknown     Outcome = "suppress-unknown"
	OutcomeSuppressSender      Outcome = "suppress-sender"
	OutcomeSuppressInternal    Outcome = "suppress-internal"
	OutcomeSuppressRateLimited Outcome = "suppress-rate-limited"

	// Accepted: an event row is written, with IsBot/ViaProxy flags attached
	OutcomeAccept Outcome = "accept"
)

// Classification is the full result of classifying one pixel fetch.
// Suppression and flagging are deliberately separate outcomes: sender
// self-views and internal traffic are dropped without a write, while
// ghost/scanner/proxy fetches are recorded with flags so status
// derivation can apply its own policy and operators can audit them.
type Classification struct {
	Outcome  Outcome
	IsBot    bool
	ViaProxy bool
}

// Suppressed reports whether this fetch must not produce an event row
func (c Classification) Suppressed() bool {
	return c.Outcome != OutcomeAccept
}

// Label returns a human-readable tag for logs ("accept-proxy",
// "accept-direct", or the suppression outcome)
func (c Classification) Label() string {
	if c.Outcome != OutcomeAccept {
		return string(c.Outcome)
	}
	if c.ViaProxy {
		return "accept-proxy"
	}
	return "accept-direct"
}

// Status is the externally visible delivery state of a message
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusSent    Status = "sent"
	StatusRead    Status = "read"
	StatusActive  Status = "active"
)

// Policy bundles the tunable thresholds the classifier and status
// derivation consume. Constructed once from config at startup and passed
// explicitly so both stay testable with fixed fixtures.
type Policy struct {
	SenderTokenMaxAge  time.Duration
	GhostOpenWindow    time.Duration
	RateLimitCeiling   int
	RateLimitWindow    time.Duration
	ProxyOpenThreshold int
	ActiveDuration     time.Duration
}
