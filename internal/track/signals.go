package track

import (
	"net"
	"net/http"
	"strings"

	"github.com/ignite/pixel-tracker/internal/pkg/logger"
)

// Signals is the canonical, side-effect-free view of one pixel fetch:
// raw header values plus the derived flags the classifier consumes.
type Signals struct {
	ClientIP         string
	UserAgent        string
	Referer          string
	SenderEmailParam string
	SenderToken      string

	InternalIP      bool
	ProxyUA         bool
	ScannerIP       bool
	BotUA           bool
	SentFolderRefer bool
}

// Image-proxy markers: mail providers fetch pixels through their own
// caching infrastructure and stamp the user agent.
var proxyUASignatures = []string{
	"googleimageproxy",
	"ggpht.com",
	"yahoomailproxy",
	"imageproxy",
}

// Bot word set. An empty user agent is also treated as a bot.
var botUAWords = []string{
	"bot", "crawl", "spider", "monitoring", "checker", "scan",
	"preview", "slurp", "curl", "wget", "python-requests", "headless",
}

// Referer substrings indicating the sender is viewing their own Sent
// folder. Only meaningful when the referer is the sender's mail provider.
var sentFolderIndicators = []string{"#sent", "/sent", "in%3asent", "in:sent"}

var sentFolderProviders = []string{"mail.google.com"}

// Default scanner ranges: security gateways that fetch every link/pixel
// at delivery time (Microsoft ATP/Defender, Proofpoint, Barracuda,
// Mimecast). Google's image-proxy ranges are intentionally NOT listed:
// real Gmail mobile opens arrive from them, and flagging those ranges
// throws away genuine opens.
var defaultScannerCIDRs = []string{
	"40.92.0.0/15",
	"40.107.0.0/16",
	"52.100.0.0/14",
	"148.163.128.0/19",
	"209.222.80.0/21",
	"207.211.30.0/23",
}

// Non-routable / special-purpose IPv4 ranges beyond what net.IP exposes
// directly. Fetches from these never represent a recipient.
var reservedCIDRs = []string{
	"100.64.0.0/10",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"240.0.0.0/4",
}

var reservedNets = mustParseCIDRs(reservedCIDRs)

func mustParseCIDRs(cidrs []string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		nets = append(nets, n)
	}
	return nets
}

// SignalExtractor normalizes a raw fetch into Signals
type SignalExtractor struct {
	scannerNets []*net.IPNet
}

// NewSignalExtractor creates an extractor. When no scanner CIDRs are
// configured the default provider-scanner set is used; malformed entries
// are skipped with a warning.
func NewSignalExtractor(scannerCIDRs []string) *SignalExtractor {
	if len(scannerCIDRs) == 0 {
		scannerCIDRs = defaultScannerCIDRs
	}
	var nets []*net.IPNet
	for _, c := range scannerCIDRs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			logger.Warn("skipping malformed scanner CIDR", "cidr", c)
			continue
		}
		nets = append(nets, n)
	}
	return &SignalExtractor{scannerNets: nets}
}

// Extract derives the canonical signal set from an incoming request
func (e *SignalExtractor) Extract(r *http.Request) Signals {
	ip := clientIP(r)
	ua := r.UserAgent()
	referer := r.Referer()
	q := r.URL.Query()

	return Signals{
		ClientIP:         ip,
		UserAgent:        ua,
		Referer:          referer,
		SenderEmailParam: q.Get("sender_email"),
		SenderToken:      q.Get("sender_token"),
		InternalIP:       isInternalIP(ip),
		ProxyUA:          isProxyUserAgent(ua),
		ScannerIP:        e.isScannerIP(ip),
		BotUA:            isBotUserAgent(ua),
		SentFolderRefer:  isSentFolderReferer(referer),
	}
}

// clientIP prefers the first X-Forwarded-For entry, then the direct peer
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isInternalIP reports whether the address can only be our own
// infrastructure: loopback, private, link-local, reserved, multicast,
// or unspecified. An unparseable address is treated as internal so the
// fetch is suppressed rather than counted (fail-safe).
func isInternalIP(ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return true
	}
	if parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsUnspecified() ||
		parsed.IsLinkLocalUnicast() || parsed.IsLinkLocalMulticast() || parsed.IsMulticast() {
		return true
	}
	for _, n := range reservedNets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

func isProxyUserAgent(ua string) bool {
	lower := strings.ToLower(ua)
	for _, sig := range proxyUASignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

func isBotUserAgent(ua string) bool {
	if strings.TrimSpace(ua) == "" {
		return true
	}
	lower := strings.ToLower(ua)
	for _, word := range botUAWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

func (e *SignalExtractor) isScannerIP(ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	for _, n := range e.scannerNets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// isSentFolderReferer is true only when the referer is the sender's mail
// provider AND carries a sent-folder indicator. A bare provider referer
// is not enough: recipients read mail on the same domain.
func isSentFolderReferer(referer string) bool {
	if referer == "" {
		return false
	}
	lower := strings.ToLower(referer)
	provider := false
	for _, p := range sentFolderProviders {
		if strings.Contains(lower, p) {
			provider = true
			break
		}
	}
	if !provider {
		return false
	}
	for _, ind := range sentFolderIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}
