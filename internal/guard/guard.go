// Package guard screens booking submissions: address bans, the honeypot
// trap and per-e-mail rate limits, evaluated in a fixed priority order.
package guard

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/meeting-scheduler/internal/metrics"
	"github.com/developingchet/meeting-scheduler/internal/notify"
	"github.com/developingchet/meeting-scheduler/internal/storage"
)

// Outcome is the verdict of an evaluation.
type Outcome int

const (
	Allow Outcome = iota
	Reject
	// SilentAllowWithBan reports success to the caller while the request is
	// discarded and its side effects (ban, purge, alert) are committed.
	SilentAllowWithBan
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Reject:
		return "reject"
	case SilentAllowWithBan:
		return "silent"
	default:
		return "unknown"
	}
}

// Decision is the guard's verdict. Code is an HTTP status for rejections.
type Decision struct {
	Outcome Outcome
	Code    int
	Reason  string
}

// Request carries the submission fields the guard inspects.
type Request struct {
	Email     string
	Address   string
	Honeypot  string
	UserAgent string
}

// SpamStats are per-e-mail booking counters.
type SpamStats struct {
	Pending        int
	RejectedRecent int
}

// Ledger is the booking-side view the guard needs.
type Ledger interface {
	SpamStats(ctx context.Context, email string, since time.Time) (SpamStats, error)
	DeleteBookingsByEmail(ctx context.Context, email string) (int, error)
}

// Ban reasons.
const (
	ReasonHoneypot = "honeypot"
	ReasonSpam     = "spam"
	ReasonManual   = "manual"
)

// stage labels for metrics
const (
	stageTrust    = "0_trust"
	stageBan      = "1_ban"
	stageHoneypot = "2_honeypot"
	stagePending  = "3_pending"
	stageRejected = "4_rejected"
	stageAllow    = "5_allow"
)

const maxUserAgent = 200

// Config holds guard thresholds.
type Config struct {
	HoneypotBanTTL time.Duration
	SpamBanTTL     time.Duration
	MaxPending     int
	MaxRejected    int
	RejectedWindow time.Duration
	Allow          *AllowList
}

// NewConfig returns a Config with the default thresholds.
func NewConfig() Config {
	return Config{
		HoneypotBanTTL: time.Hour,
		SpamBanTTL:     24 * time.Hour,
		MaxPending:     3,
		MaxRejected:    3,
		RejectedWindow: 24 * time.Hour,
	}
}

// Guard evaluates submissions against the ban store and booking ledger.
type Guard struct {
	store  storage.Store
	ledger Ledger
	alerts notify.Alerter
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time
	mu     sync.Mutex // serialises ban read-modify-write
}

// New returns a Guard. alerts may be nil.
func New(store storage.Store, ledger Ledger, alerts notify.Alerter, cfg Config, log zerolog.Logger) *Guard {
	return &Guard{store: store, ledger: ledger, alerts: alerts, cfg: cfg, log: log, now: time.Now}
}

// SetClock replaces the time source. Intended for tests.
func (g *Guard) SetClock(now func() time.Time) { g.now = now }

// Trusted reports whether the e-mail or address is allow-listed.
func (g *Guard) Trusted(email, address string) bool {
	return g.cfg.Allow.Trusted(email, address)
}

// Evaluate runs the staged checks. The first stage that decides wins:
//
//  1. live ban (untrusted)      -> Reject 403
//  2. honeypot filled           -> ban (untrusted), purge, alert, SilentAllowWithBan
//  3. pending >= MaxPending     -> Reject 429 (untrusted)
//     rejected >= MaxRejected   -> ban, alert, Reject 429 (untrusted)
//  4. otherwise                 -> Allow
//
// Errors come only from the stores; the caller should treat them as 500s.
func (g *Guard) Evaluate(ctx context.Context, req Request) (Decision, error) {
	addr := NormalizeAddress(req.Address)
	req.Email = NormalizeEmail(req.Email)
	trusted := g.Trusted(req.Email, addr)
	if trusted {
		metrics.GuardDecisions.WithLabelValues(stageTrust, "bypass").Inc()
	}

	// Stage 1: live ban
	if !trusted {
		banned, err := g.IsBanned(addr)
		if err != nil {
			return Decision{}, err
		}
		if banned {
			metrics.GuardDecisions.WithLabelValues(stageBan, "reject").Inc()
			g.log.Info().Str("address", addr).Msg("guard: rejected banned address")
			return Decision{Outcome: Reject, Code: http.StatusForbidden, Reason: "access restricted"}, nil
		}
	}

	// Stage 2: honeypot. The caller always sees success, so store failures
	// are logged and counted only.
	if req.Honeypot != "" {
		var expires time.Time
		if !trusted {
			var err error
			if expires, err = g.Ban(addr, ReasonHoneypot, g.cfg.HoneypotBanTTL); err != nil {
				metrics.GuardDecisions.WithLabelValues(stageHoneypot, "ban_error").Inc()
				g.log.Error().Err(err).Str("address", addr).Msg("guard: honeypot ban not recorded")
			}
		}
		purged, err := g.ledger.DeleteBookingsByEmail(ctx, req.Email)
		if err != nil {
			metrics.GuardDecisions.WithLabelValues(stageHoneypot, "purge_error").Inc()
			g.log.Error().Err(err).Str("address", addr).Msg("guard: honeypot purge failed")
		}
		g.log.Warn().Str("address", addr).Bool("trusted", trusted).Int("purged", purged).
			Msg("guard: honeypot triggered")
		g.alert(ctx, addr, ReasonHoneypot, expires, trusted, req)
		metrics.GuardDecisions.WithLabelValues(stageHoneypot, "silent").Inc()
		return Decision{Outcome: SilentAllowWithBan, Reason: ReasonHoneypot}, nil
	}

	// Stage 3: rate limits
	if !trusted {
		now := g.now()
		stats, err := g.ledger.SpamStats(ctx, req.Email, now.Add(-g.cfg.RejectedWindow))
		if err != nil {
			return Decision{}, fmt.Errorf("spam stats: %w", err)
		}
		if g.cfg.MaxPending > 0 && stats.Pending >= g.cfg.MaxPending {
			metrics.GuardDecisions.WithLabelValues(stagePending, "reject").Inc()
			return Decision{Outcome: Reject, Code: http.StatusTooManyRequests, Reason: "too many pending"}, nil
		}
		if g.cfg.MaxRejected > 0 && stats.RejectedRecent >= g.cfg.MaxRejected {
			expires, err := g.Ban(addr, ReasonSpam, g.cfg.SpamBanTTL)
			if err != nil {
				return Decision{}, err
			}
			g.log.Warn().Str("address", addr).Int("rejected", stats.RejectedRecent).Msg("guard: spam ban")
			g.alert(ctx, addr, ReasonSpam, expires, false, req)
			metrics.GuardDecisions.WithLabelValues(stageRejected, "reject").Inc()
			return Decision{Outcome: Reject, Code: http.StatusTooManyRequests, Reason: "rate limit exceeded"}, nil
		}
	}

	metrics.GuardDecisions.WithLabelValues(stageAllow, "allow").Inc()
	return Decision{Outcome: Allow}, nil
}

// IsBanned reports whether address has a live ban. An expired record found
// here is deleted.
func (g *Guard) IsBanned(address string) (bool, error) {
	address = NormalizeAddress(address)
	entry, err := g.store.BanGet(address)
	if err != nil {
		return false, fmt.Errorf("ban lookup: %w", err)
	}
	if entry == nil {
		return false, nil
	}
	if !entry.Expired(g.now()) {
		return true, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// Re-read under the lock so a concurrent re-ban is not lost.
	entry, err = g.store.BanGet(address)
	if err != nil {
		return false, fmt.Errorf("ban lookup: %w", err)
	}
	if entry != nil && entry.Expired(g.now()) {
		if err := g.store.BanDelete(address); err != nil {
			return false, fmt.Errorf("delete expired ban: %w", err)
		}
		return false, nil
	}
	return entry != nil, nil
}

// Ban records a ban for ttl from now. An existing live ban that outlasts the
// new one keeps its later expiry. It returns the effective expiry.
func (g *Guard) Ban(address, reason string, ttl time.Duration) (time.Time, error) {
	if ttl <= 0 {
		return time.Time{}, fmt.Errorf("ban ttl must be positive, got %s", ttl)
	}
	address = NormalizeAddress(address)

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	expires := now.Add(ttl)
	existing, err := g.store.BanGet(address)
	if err != nil {
		return time.Time{}, fmt.Errorf("ban lookup: %w", err)
	}
	if existing != nil && !existing.Expired(now) && existing.ExpiresAt.After(expires) {
		expires = existing.ExpiresAt
	}
	if err := g.store.BanRecord(address, reason, now, expires); err != nil {
		return time.Time{}, fmt.Errorf("record ban: %w", err)
	}
	metrics.BansCreated.WithLabelValues(reason).Inc()
	return expires, nil
}

// Unban removes any ban for address. It reports whether one existed.
func (g *Guard) Unban(address string) (bool, error) {
	address = NormalizeAddress(address)
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, err := g.store.BanGet(address)
	if err != nil {
		return false, fmt.Errorf("ban lookup: %w", err)
	}
	if entry == nil {
		return false, nil
	}
	if err := g.store.BanDelete(address); err != nil {
		return false, fmt.Errorf("delete ban: %w", err)
	}
	return true, nil
}

// ListBans returns live bans keyed by address.
func (g *Guard) ListBans() (map[string]storage.BanEntry, error) {
	all, err := g.store.BanList()
	if err != nil {
		return nil, err
	}
	now := g.now()
	for addr, e := range all {
		if e.Expired(now) {
			delete(all, addr)
		}
	}
	return all, nil
}

func (g *Guard) alert(ctx context.Context, addr, reason string, expires time.Time, trusted bool, req Request) {
	if g.alerts == nil {
		return
	}
	ua := Truncate(req.UserAgent, maxUserAgent)
	title := "IP BANNED"
	var expiry string
	switch {
	case !expires.IsZero():
		expiry = expires.Format(time.RFC3339)
	case trusted:
		title = "HONEYPOT TRIGGERED"
		expiry = "not banned (trusted)"
	default:
		title = "HONEYPOT TRIGGERED"
		expiry = "ban not recorded"
	}
	a := notify.Alert{
		Kind:        notify.KindBan,
		Title:       title,
		Description: "An address was flagged by the abuse guard.",
		Color:       notify.ColorBan,
		Fields: []notify.Field{
			{Name: "IP", Value: addr, Inline: true},
			{Name: "Reason", Value: reason, Inline: true},
			{Name: "Expires", Value: expiry, Inline: true},
			{Name: "Email", Value: req.Email},
			{Name: "User Agent", Value: ua},
		},
	}
	if err := g.alerts.Alert(ctx, a); err != nil {
		g.log.Warn().Err(err).Str("address", addr).Msg("guard: ban alert not delivered")
	}
}
