package track

import (
	"context"
	"strings"
	"time"

	"github.com/ignite/pixel-tracker/internal/pkg/logger"
)

// RateLimiter counts prior open events from a client IP inside a
// trailing window. Backed by the event store rather than process memory
// so the count is correct across service instances.
type RateLimiter interface {
	CountOpens(ctx context.Context, ip string, window time.Duration) (int, error)
}

// Classifier decides, for each pixel fetch, whether the fetch is
// persisted and how it is flagged. Every input maps to exactly one
// Classification; the rule order below encodes precedence and must not
// be rearranged.
type Classifier struct {
	tokens  *TokenSigner
	limiter RateLimiter
	policy  Policy
	now     func() time.Time
}

// NewClassifier creates a classifier with the given collaborators
func NewClassifier(tokens *TokenSigner, limiter RateLimiter, policy Policy) *Classifier {
	return &Classifier{
		tokens:  tokens,
		limiter: limiter,
		policy:  policy,
		now:     time.Now,
	}
}

// Classify applies the suppression cascade to one fetch. rec is nil when
// no send record matched the track id. First matching rule wins:
//
//  1. no send record            -> suppress-unknown
//  2. sender_email query match  -> suppress-sender
//  3. valid sender token        -> suppress-sender
//  4. sent-folder referer       -> suppress-sender
//  5. inside ghost-open window  -> flag bot, keep going
//  6. scanner IP                -> flag bot, keep going
//  7. internal/private IP       -> suppress-internal
//  8. rate ceiling reached      -> suppress-rate-limited
//  9. otherwise                 -> accept (bot/proxy flags attached)
//
// Rules 5 and 6 flag instead of suppressing: those fetches are recorded
// with is_bot so operators can audit false positives and status
// derivation can apply its own policy.
func (c *Classifier) Classify(ctx context.Context, sig Signals, rec *SendRecord) Classification {
	if rec == nil {
		return Classification{Outcome: OutcomeSuppressUnknown}
	}

	if rec.SenderEmail != "" {
		if sig.SenderEmailParam != "" && strings.EqualFold(sig.SenderEmailParam, rec.SenderEmail) {
			return Classification{Outcome: OutcomeSuppressSender}
		}
		if sig.SenderToken != "" && c.tokens.Verify(sig.SenderToken, rec.SenderEmail, rec.TrackID, c.policy.SenderTokenMaxAge) {
			return Classification{Outcome: OutcomeSuppressSender}
		}
	}

	if sig.SentFolderRefer {
		return Classification{Outcome: OutcomeSuppressSender}
	}

	isBot := sig.BotUA

	if c.now().Sub(rec.CreatedAt) < c.policy.GhostOpenWindow {
		isBot = true
	}
	if sig.ScannerIP {
		isBot = true
	}

	if sig.InternalIP {
		return Classification{Outcome: OutcomeSuppressInternal}
	}

	count, err := c.limiter.CountOpens(ctx, sig.ClientIP, c.policy.RateLimitWindow)
	if err != nil {
		// A broken counter must not drop real opens; log and let the
		// fetch through.
		logger.Error("rate limit count failed", "ip", sig.ClientIP, "error", err.Error())
	} else if count >= c.policy.RateLimitCeiling {
		return Classification{Outcome: OutcomeSuppressRateLimited}
	}

	return Classification{
		Outcome:  OutcomeAccept,
		IsBot:    isBot,
		ViaProxy: sig.ProxyUA,
	}
}
