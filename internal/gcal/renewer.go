package gcal

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/meeting-scheduler/internal/metrics"
	"github.com/developingchet/meeting-scheduler/internal/storage"
)

// Pusher manages push channels.
type Pusher interface {
	RegisterPushSubscription(ctx context.Context, calendarID, address, token string) (Channel, error)
	StopPushSubscription(ctx context.Context, channelID, resourceID string) error
}

// RenewerConfig configures a Renewer.
type RenewerConfig struct {
	CalendarIDs []string
	CallbackURL string
	Token       string
	Interval    time.Duration
	Timeout     time.Duration
}

// Renewer keeps one live push channel per calendar.
type Renewer struct {
	pusher Pusher
	store  storage.Store
	cfg    RenewerConfig
	log    zerolog.Logger
	now    func() time.Time
}

// NewRenewer creates a Renewer.
func NewRenewer(pusher Pusher, store storage.Store, cfg RenewerConfig, log zerolog.Logger) *Renewer {
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Renewer{pusher: pusher, store: store, cfg: cfg, log: log, now: time.Now}
}

// Run renews on start and then every interval until ctx is cancelled.
func (r *Renewer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.RenewAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.RenewAll(ctx)
		}
	}
}

// RenewAll closes channels of calendars that are no longer configured, then
// registers a fresh channel for every calendar and stops the one it
// supersedes. It returns the number of calendars renewed; failures are
// logged and retried on the next cycle.
func (r *Renewer) RenewAll(ctx context.Context) int {
	r.retire(ctx)
	var renewed int
	for _, id := range r.cfg.CalendarIDs {
		if err := r.renew(ctx, id); err != nil {
			metrics.SubscriptionRenewals.WithLabelValues("error").Inc()
			r.log.Warn().Err(err).Str("calendar", id).Msg("renewer: push subscription failed")
			continue
		}
		metrics.SubscriptionRenewals.WithLabelValues("ok").Inc()
		renewed++
	}
	return renewed
}

func (r *Renewer) renew(ctx context.Context, calendarID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	previous, err := r.store.GetSubscription(calendarID)
	if err != nil {
		return err
	}

	ch, err := r.pusher.RegisterPushSubscription(ctx, calendarID, r.cfg.CallbackURL, r.cfg.Token)
	if err != nil {
		return err
	}
	if err := r.store.SetSubscription(storage.Subscription{
		CalendarID:   calendarID,
		ChannelID:    ch.ID,
		ResourceID:   ch.ResourceID,
		ExpiresAt:    ch.Expiration,
		RegisteredAt: r.now(),
	}); err != nil {
		return err
	}
	r.log.Info().Str("calendar", calendarID).Str("channel", ch.ID).Time("expires", ch.Expiration).
		Msg("renewer: push subscription registered")

	if previous != nil && previous.ChannelID != "" && previous.ChannelID != ch.ID {
		if err := r.pusher.StopPushSubscription(ctx, previous.ChannelID, previous.ResourceID); err != nil {
			r.log.Warn().Err(err).Str("channel", previous.ChannelID).Msg("renewer: stop superseded channel failed")
		}
	}
	return nil
}

func (r *Renewer) retire(ctx context.Context) {
	subs, err := r.store.ListSubscriptions()
	if err != nil {
		r.log.Warn().Err(err).Msg("renewer: list subscriptions failed")
		return
	}
	configured := make(map[string]struct{}, len(r.cfg.CalendarIDs))
	for _, id := range r.cfg.CalendarIDs {
		configured[id] = struct{}{}
	}
	for id, sub := range subs {
		if _, ok := configured[id]; ok {
			continue
		}
		stopCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		err := r.pusher.StopPushSubscription(stopCtx, sub.ChannelID, sub.ResourceID)
		cancel()
		if err != nil {
			r.log.Warn().Err(err).Str("calendar", id).Msg("renewer: stop retired channel failed")
			continue
		}
		if err := r.store.DeleteSubscription(id); err != nil {
			r.log.Warn().Err(err).Str("calendar", id).Msg("renewer: delete retired subscription failed")
			continue
		}
		r.log.Info().Str("calendar", id).Str("channel", sub.ChannelID).Msg("renewer: retired push subscription")
	}
}
