package track

// DeriveStatus aggregates the persisted events for one message into its
// externally visible status. rec is nil when no send record matched the
// correlation key. Precedence, highest first:
//
//	active  — a non-bot open was held long enough to cross the
//	          active-duration threshold
//	read    — a direct (non-bot, non-proxy) open exists, or enough
//	          non-bot proxy opens exist to clear the proxy threshold
//	sent    — a send record exists but no qualifying open does
//	unknown — no send record matches the key
//
// Bot-flagged events never count: they are stored for audit only.
func DeriveStatus(rec *SendRecord, events []Event, policy Policy) Status {
	if rec == nil {
		return StatusUnknown
	}

	activeSecs := int(policy.ActiveDuration.Seconds())
	proxyThreshold := policy.ProxyOpenThreshold
	if proxyThreshold < 1 {
		proxyThreshold = 1
	}
	proxyOpens := 0
	directOpen := false
	active := false

	for _, ev := range events {
		if ev.EventType != EventOpen || ev.IsBot {
			continue
		}
		if ev.DurationSeconds > activeSecs {
			active = true
		}
		if ev.ViaProxy {
			proxyOpens++
		} else {
			directOpen = true
		}
	}

	switch {
	case active:
		return StatusActive
	case directOpen || proxyOpens >= proxyThreshold:
		return StatusRead
	default:
		return StatusSent
	}
}
