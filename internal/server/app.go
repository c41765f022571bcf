package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/developingchet/meeting-scheduler/internal/access"
	"github.com/developingchet/meeting-scheduler/internal/availability"
	"github.com/developingchet/meeting-scheduler/internal/booking"
	"github.com/developingchet/meeting-scheduler/internal/cache"
	"github.com/developingchet/meeting-scheduler/internal/config"
	"github.com/developingchet/meeting-scheduler/internal/gcal"
	"github.com/developingchet/meeting-scheduler/internal/guard"
	"github.com/developingchet/meeting-scheduler/internal/notify"
	"github.com/developingchet/meeting-scheduler/internal/occupancy"
	"github.com/developingchet/meeting-scheduler/internal/pool"
	"github.com/developingchet/meeting-scheduler/internal/storage"
)

// App wires storage, the calendar provider, notifications and the HTTP
// surface into one supervised daemon.
type App struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    storage.Store
	bookings *booking.SQLiteStore
	pool     *pool.Pool
	cache    *cache.Layer
	guard    *guard.Guard
	renewer  *gcal.Renewer
	janitor  *Janitor
	server   *Server
}

// NewApp constructs a fully wired App. The caller must Close it.
func NewApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (_ *App, err error) {
	a := &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.store, err = storage.NewBboltStore(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if a.bookings, err = booking.OpenSQLite(ctx, cfg.DataDir, cfg.Location()); err != nil {
		return nil, fmt.Errorf("open booking store: %w", err)
	}

	a.pool, err = pool.New(pool.Config{
		Workers:    cfg.PoolWorkers,
		QueueDepth: cfg.PoolQueueDepth,
		MaxRetries: cfg.PoolMaxRetries,
		RetryBase:  cfg.PoolRetryBase,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	a.cache = cache.New(cfg.CacheTTL)

	var (
		alerts   notify.Alerter
		mail     notify.Mailer
		provider *gcal.Provider
	)
	if cfg.DiscordWebhookURL != "" {
		alerts = notify.NewDiscord(cfg.DiscordWebhookURL, &http.Client{Timeout: 10 * time.Second})
	}
	if cfg.CalendarEnabled() {
		gcfg := gcal.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RefreshToken: cfg.GoogleRefreshToken,
			CalendarID:   cfg.CalendarIDs[0],
			Location:     cfg.Location(),
		}
		client, err := gcal.HTTPClient(ctx, gcfg)
		if err != nil {
			return nil, err
		}
		if provider, err = gcal.NewWithOptions(ctx, gcfg, option.WithHTTPClient(client)); err != nil {
			return nil, fmt.Errorf("init calendar provider: %w", err)
		}
		if cfg.EmailSender != "" {
			gm, err := notify.NewGmail(ctx, cfg.EmailSender, option.WithHTTPClient(client))
			if err != nil {
				return nil, fmt.Errorf("init mailer: %w", err)
			}
			mail = gm
		}
	} else {
		log.Warn().Msg("GOOGLE_REFRESH_TOKEN not set: calendar sync and e-mail disabled")
	}
	hub := notify.NewHub(alerts, mail, log)
	queued := notify.NewQueued(hub, a.pool)

	allow, err := guard.NewAllowList(cfg.TrustedEmails, cfg.TrustedAddresses)
	if err != nil {
		return nil, fmt.Errorf("parse allow list: %w", err)
	}
	a.guard = guard.New(a.store, a.bookings, queued, guard.Config{
		HoneypotBanTTL: cfg.HoneypotBanTTL,
		SpamBanTTL:     cfg.SpamBanTTL,
		MaxPending:     cfg.MaxPending,
		MaxRejected:    cfg.MaxRejected,
		RejectedWindow: cfg.RejectedWindow,
		Allow:          allow,
	}, log.With().Str("component", "guard").Logger())

	tiers := access.NewResolver(access.Config{
		Secret:   []byte(cfg.TokenSecret),
		Public:   access.Policy{Window: cfg.PublicWindow(), Notice: cfg.PublicNotice},
		Friend:   access.Policy{Window: cfg.FriendWindow(), Notice: cfg.FriendNotice},
		Location: cfg.Location(),
		TokenTTL: cfg.FriendTokenTTL,
	})

	var (
		calSource occupancy.CalendarSource
		calendar  booking.Calendar
	)
	if provider != nil {
		calSource = provider
		calendar = provider
	}
	occ := occupancy.New(a.bookings, a.bookings, calSource, a.cache, occupancy.Config{
		CalendarIDs: cfg.CalendarIDs,
		Buffer: occupancy.BufferRule{
			Keywords: cfg.BufferKeywords,
			ColorIDs: cfg.BufferColorIDs,
			Duration: cfg.BufferDuration,
		},
		Timeout:  cfg.CalendarTimeout,
		Location: cfg.Location(),
	}, log.With().Str("component", "occupancy").Logger())

	engine := availability.New(occ, tiers, availability.Config{
		Location:     cfg.Location(),
		SlotInterval: cfg.SlotInterval,
		MaxRangeDays: cfg.MaxRangeDays,
		MaxDuration:  cfg.MaxDuration,
	}, log.With().Str("component", "availability").Logger())

	svc := booking.NewService(booking.Deps{
		Store:    a.bookings,
		Gate:     a.guard,
		Tiers:    tiers,
		Calendar: calendar,
		Cache:    a.cache,
		Alerts:   queued,
		Mail:     hub,
	}, booking.Config{
		Location:      cfg.Location(),
		MaxDuration:   cfg.MaxDuration,
		OperatorEmail: cfg.OperatorEmail,
		OwnerName:     cfg.OwnerName,
		MeetingLink:   cfg.MeetingLink,
		MaxRetries:    cfg.PoolMaxRetries,
		RetryBase:     cfg.PoolRetryBase,
	}, log.With().Str("component", "booking").Logger())

	if cfg.PushEnabled() {
		a.renewer = gcal.NewRenewer(provider, a.store, gcal.RenewerConfig{
			CalendarIDs: cfg.CalendarIDs,
			CallbackURL: cfg.PushCallbackURL,
			Token:       cfg.PushChannelToken,
			Interval:    cfg.PushRenewInterval,
		}, log.With().Str("component", "renewer").Logger())
	}

	a.janitor = NewJanitor(a.store, a.pool, cfg.JanitorInterval, cfg.SubmitRateWindow, log)

	a.server = New(Deps{
		Availability: engine,
		Bookings:     svc,
		Bans:         a.guard,
		Tokens:       tiers,
		Cache:        a.cache,
		Throttle:     a.store,
	}, Config{
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		SubmitRateMax:     cfg.SubmitRateMax,
		SubmitRateWindow:  cfg.SubmitRateWindow,
		AdminPasswordHash: cfg.AdminPasswordHash,
		PushChannelToken:  cfg.PushChannelToken,
		Location:          cfg.Location(),
	}, log.With().Str("component", "http").Logger())

	return a, nil
}

// Run starts all goroutines and blocks until ctx is cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	// Workers outlive ctx so queued alerts drain on shutdown.
	a.pool.Start(context.WithoutCancel(ctx))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serve(gctx, "api", a.cfg.ListenAddr, a.server.Handler(), a.log)
	})

	g.Go(func() error {
		return serve(gctx, "health", a.cfg.HealthAddr, HealthHandler(map[string]Checker{
			"bookings": a.bookings.Ping,
			"bans": func(context.Context) error {
				_, err := a.store.SizeBytes()
				return err
			},
		}), a.log)
	})

	if a.cfg.MetricsEnabled {
		g.Go(func() error {
			return serve(gctx, "metrics", a.cfg.MetricsAddr, MetricsHandler(), a.log)
		})
	}

	g.Go(func() error { return a.janitor.Run(gctx) })

	if a.renewer != nil {
		g.Go(func() error { return a.renewer.Run(gctx) })
	}

	err := g.Wait()
	a.pool.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases the stores.
func (a *App) Close() error {
	var errs []error
	if a.bookings != nil {
		errs = append(errs, a.bookings.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
