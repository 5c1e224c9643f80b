package track

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func open(isBot, viaProxy bool, durationSecs int) Event {
	return Event{
		EventType:       EventOpen,
		IPAddress:       "93.184.216.34",
		IsBot:           isBot,
		ViaProxy:        viaProxy,
		DurationSeconds: durationSecs,
	}
}

func TestDeriveStatus(t *testing.T) {
	policy := testPolicy()
	rec := &SendRecord{TrackID: uuid.New(), RecipientEmail: "rcpt@example.com", CreatedAt: time.Now()}

	tests := []struct {
		name   string
		rec    *SendRecord
		events []Event
		want   Status
	}{
		{"no send record", nil, nil, StatusUnknown},
		{"record without events", rec, nil, StatusSent},
		{"direct open", rec, []Event{open(false, false, 0)}, StatusRead},
		{"single proxy open counts", rec, []Event{open(false, true, 0)}, StatusRead},
		{"bot open does not count", rec, []Event{open(true, false, 0)}, StatusSent},
		{"bot proxy open does not count", rec, []Event{open(true, true, 0)}, StatusSent},
		{"long open dominates read", rec, []Event{open(false, false, 90)}, StatusActive},
		{"long proxy open is active", rec, []Event{open(false, true, 90)}, StatusActive},
		{"long bot open stays sent", rec, []Event{open(true, false, 90)}, StatusSent},
		{"duration at threshold is read only", rec, []Event{open(false, false, 60)}, StatusRead},
		{"click events ignored", rec, []Event{{EventType: EventClick, ClickedURL: "https://x.com"}}, StatusSent},
		{"mixed events take highest", rec, []Event{open(true, false, 0), open(false, true, 0), open(false, false, 120)}, StatusActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveStatus(tt.rec, tt.events, policy); got != tt.want {
				t.Errorf("DeriveStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDeriveStatusProxyThreshold(t *testing.T) {
	rec := &SendRecord{TrackID: uuid.New(), RecipientEmail: "rcpt@example.com"}

	// Stricter historical policy: one proxy fetch is not enough
	strict := testPolicy()
	strict.ProxyOpenThreshold = 2

	if got := DeriveStatus(rec, []Event{open(false, true, 0)}, strict); got != StatusSent {
		t.Errorf("one proxy open at threshold 2: got %s, want %s", got, StatusSent)
	}
	if got := DeriveStatus(rec, []Event{open(false, true, 0), open(false, true, 0)}, strict); got != StatusRead {
		t.Errorf("two proxy opens at threshold 2: got %s, want %s", got, StatusRead)
	}
}
