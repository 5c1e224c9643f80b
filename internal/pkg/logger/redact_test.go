package logger

import "testing"

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"john.doe@example.com", "jo***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"a@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
		{"", "***@***"},
	}

	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			if got := RedactEmail(tt.email); got != tt.want {
				t.Errorf("RedactEmail(%q) = %q, want %q", tt.email, got, tt.want)
			}
		})
	}
}

func TestRedactPIIValue(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"email key", "recipient_email", "john.doe@example.com", "jo***@example.com"},
		{"sender key", "sender", "alice@x.com", "al***@x.com"},
		{"embedded email", "detail", "reply from john.doe@example.com failed", "reply from jo***@example.com failed"},
		{"plain value", "track_id", "4d3c2b1a", "4d3c2b1a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redactPIIValue(tt.key, tt.val); got != tt.want {
				t.Errorf("redactPIIValue(%q, %q) = %q, want %q", tt.key, tt.val, got, tt.want)
			}
		})
	}
}
