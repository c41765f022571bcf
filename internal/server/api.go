package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/developingchet/meeting-scheduler/internal/availability"
	"github.com/developingchet/meeting-scheduler/internal/booking"
	"github.com/developingchet/meeting-scheduler/internal/guard"
	"github.com/developingchet/meeting-scheduler/internal/metrics"
)

type availabilityResponse struct {
	Tier            string              `json:"tier"`
	Slots           map[string][]string `json:"slots"`
	CacheAgeSeconds int                 `json:"cache_age_seconds"`
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	duration, err := strconv.Atoi(q.Get("duration"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "duration: must be a whole number of minutes")
		return
	}
	force, _ := strconv.ParseBool(q.Get("force_refresh"))

	res, err := s.Availability.Query(r.Context(), availability.Query{
		StartDate:       q.Get("start_date"),
		EndDate:         q.Get("end_date"),
		DurationMinutes: duration,
		Token:           q.Get("token"),
		ForceRefresh:    force,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	out := availabilityResponse{
		Tier:            string(res.Tier),
		Slots:           make(map[string][]string, len(res.Slots)),
		CacheAgeSeconds: res.CacheAgeSeconds,
	}
	for day, starts := range res.Slots {
		list := make([]string, 0, len(starts))
		for _, t := range starts {
			list = append(list, t.In(s.cfg.Location).Format(time.RFC3339))
		}
		out.Slots[day] = list
	}
	writeJSON(w, http.StatusOK, out)
}

type meetingRequest struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Topic           string `json:"topic"`
	SlotISO         string `json:"slot_iso"`
	Duration        int    `json:"duration"`
	Token           string `json:"token"`
	LocationType    string `json:"location_type"`
	LocationDetails string `json:"location_details"`
	// FaxNumber is the honeypot. Humans never see the field.
	FaxNumber string `json:"fax_number"`
}

func (s *Server) handleRequestMeeting(w http.ResponseWriter, r *http.Request) {
	var body meetingRequest
	if err := parseJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	addr := guard.NormalizeAddress(clientAddress(r, s.cfg.TrustProxyHeaders))
	if !s.allowSubmit(addr) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	_, err := s.Bookings.Submit(r.Context(), booking.Submission{
		Name:            body.Name,
		Email:           body.Email,
		Topic:           body.Topic,
		SlotISO:         body.SlotISO,
		DurationMinutes: body.Duration,
		Token:           body.Token,
		LocationType:    body.LocationType,
		LocationDetails: body.LocationDetails,
		Honeypot:        body.FaxNumber,
		Address:         addr,
		UserAgent:       r.UserAgent(),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// Silently discarded submissions get the same answer.
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// allowSubmit consumes one submission token for addr. A store failure lets
// the request through to the abuse guard.
func (s *Server) allowSubmit(addr string) bool {
	if s.Throttle == nil || s.cfg.SubmitRateMax <= 0 {
		return true
	}
	allowed, err := s.Throttle.RateGate("submit:"+addr, s.now(), s.cfg.SubmitRateWindow, s.cfg.SubmitRateMax)
	if err != nil {
		s.log.Warn().Err(err).Str("address", addr).Msg("submission throttle unavailable")
		return true
	}
	if !allowed {
		metrics.GuardDecisions.WithLabelValues("throttle", "reject").Inc()
		s.log.Info().Str("address", addr).Msg("submission throttled")
	}
	return allowed
}

func (s *Server) handleCalendarWebhook(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Goog-Channel-Token")
	if s.cfg.PushChannelToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.PushChannelToken)) != 1 {
		metrics.WebhookNotifications.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	state := r.Header.Get("X-Goog-Resource-State")
	if state == "sync" {
		metrics.WebhookNotifications.WithLabelValues("sync").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	s.Cache.Clear()
	metrics.WebhookNotifications.WithLabelValues("invalidated").Inc()
	s.log.Debug().Str("state", state).Str("channel_id", r.Header.Get("X-Goog-Channel-ID")).
		Msg("calendar changed, cache cleared")
	w.WriteHeader(http.StatusOK)
}

// fail writes the mapped error. Internal errors are logged, never echoed.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, msg)
}
