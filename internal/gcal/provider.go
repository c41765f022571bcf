// Package gcal is the Google Calendar provider: busy-event listing, event
// creation and deletion for accepted bookings, and push channel management.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendar "google.golang.org/api/calendar/v3"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/developingchet/meeting-scheduler/internal/booking"
	"github.com/developingchet/meeting-scheduler/internal/metrics"
	"github.com/developingchet/meeting-scheduler/internal/occupancy"
)

// Config holds provider credentials and defaults.
type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	// CalendarID receives events created for accepted bookings.
	CalendarID string
	Location   *time.Location
}

// Provider talks to the Calendar API.
type Provider struct {
	svc *calendar.Service
	cfg Config
}

// Channel is a registered push notification channel.
type Channel struct {
	ID         string
	ResourceID string
	Expiration time.Time
}

// OAuthConfig returns the OAuth2 client configuration. The same grant drives
// calendar access and outgoing mail.
func OAuthConfig(cfg Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{calendar.CalendarEventsScope, calendar.CalendarReadonlyScope, gmail.GmailSendScope},
	}
}

// HTTPClient returns an HTTP client that refreshes access tokens from
// cfg.RefreshToken.
func HTTPClient(ctx context.Context, cfg Config) (*http.Client, error) {
	if cfg.RefreshToken == "" {
		return nil, errors.New("gcal: refresh token is required")
	}
	ts := OAuthConfig(cfg).TokenSource(ctx, &oauth2.Token{
		TokenType:    "Bearer",
		RefreshToken: cfg.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	return oauth2.NewClient(ctx, ts), nil
}

// New builds a Provider on HTTPClient. Extra client options are appended
// after the authenticated HTTP client.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Provider, error) {
	client, err := HTTPClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithOptions(ctx, cfg, append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)...)
}

// NewWithOptions builds a Provider from explicit client options.
func NewWithOptions(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Provider, error) {
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return &Provider{svc: svc, cfg: cfg}, nil
}

func observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.CalendarCalls.WithLabelValues(op, status).Inc()
	metrics.CalendarDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// BusyEvents lists expanded single events of calendarID overlapping
// [from, to), across all result pages.
func (p *Provider) BusyEvents(ctx context.Context, calendarID string, from, to time.Time) (events []occupancy.BusyEvent, err error) {
	defer func(start time.Time) { observe("list", start, err) }(time.Now())

	call := p.svc.Events.List(calendarID).
		TimeMin(from.Format(time.RFC3339)).
		TimeMax(to.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(250)

	err = call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			if e, ok := toBusyEvent(item, p.cfg.Location); ok {
				events = append(events, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", calendarID, err)
	}
	return events, nil
}

// CreateEvent inserts an event and invites the attendees.
func (p *Provider) CreateEvent(ctx context.Context, req booking.EventRequest) (id string, err error) {
	defer func(start time.Time) { observe("insert", start, err) }(time.Now())

	created, err := p.svc.Events.Insert(p.cfg.CalendarID, toEvent(req, p.cfg.Location)).
		SendUpdates("all").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return created.Id, nil
}

// DeleteEvent removes an event. An event that is already gone is not an error.
func (p *Provider) DeleteEvent(ctx context.Context, eventID string) (err error) {
	defer func(start time.Time) { observe("delete", start, err) }(time.Now())

	err = p.svc.Events.Delete(p.cfg.CalendarID, eventID).SendUpdates("all").Context(ctx).Do()
	if isGone(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete event %s: %w", eventID, err)
	}
	return nil
}

// RegisterPushSubscription opens a web_hook channel for calendarID that
// posts to address carrying token.
func (p *Provider) RegisterPushSubscription(ctx context.Context, calendarID, address, token string) (ch Channel, err error) {
	defer func(start time.Time) { observe("watch", start, err) }(time.Now())

	resp, err := p.svc.Events.Watch(calendarID, &calendar.Channel{
		Id:      uuid.NewString(),
		Type:    "web_hook",
		Address: address,
		Token:   token,
	}).Context(ctx).Do()
	if err != nil {
		return Channel{}, fmt.Errorf("watch %s: %w", calendarID, err)
	}
	ch = Channel{ID: resp.Id, ResourceID: resp.ResourceId}
	if resp.Expiration > 0 {
		ch.Expiration = time.UnixMilli(resp.Expiration)
	}
	return ch, nil
}

// StopPushSubscription closes a channel. A channel that no longer exists is
// not an error.
func (p *Provider) StopPushSubscription(ctx context.Context, channelID, resourceID string) (err error) {
	defer func(start time.Time) { observe("stop", start, err) }(time.Now())

	err = p.svc.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
	if isGone(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stop channel %s: %w", channelID, err)
	}
	return nil
}

func isGone(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone
	}
	return false
}
