package server

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/developingchet/meeting-scheduler/internal/booking"
)

// requireAdmin checks a Bearer password against the configured bcrypt hash.
func (s *Server) requireAdmin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		password, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || password == "" || s.cfg.AdminPasswordHash == "" ||
			bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminPasswordHash), []byte(password)) != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type bookingView struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	Topic           string `json:"topic"`
	Start           string `json:"start"`
	End             string `json:"end"`
	DurationMinutes int    `json:"duration"`
	Status          string `json:"status"`
	LocationType    string `json:"location_type"`
	LocationDetails string `json:"location_details,omitempty"`
	CalendarEventID string `json:"calendar_event_id,omitempty"`
	Tier            string `json:"tier,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func (s *Server) viewBooking(b booking.Booking) bookingView {
	loc := s.cfg.Location
	return bookingView{
		ID:              b.ID,
		Name:            b.Name,
		Email:           b.Email,
		Topic:           b.Topic,
		Start:           b.Start.In(loc).Format(time.RFC3339),
		End:             b.End().In(loc).Format(time.RFC3339),
		DurationMinutes: b.DurationMinutes,
		Status:          string(b.Status),
		LocationType:    string(b.LocationType),
		LocationDetails: b.LocationDetails,
		CalendarEventID: b.CalendarEventID,
		Tier:            b.Tier,
		CreatedAt:       b.CreatedAt.In(loc).Format(time.RFC3339),
		UpdatedAt:       b.UpdatedAt.In(loc).Format(time.RFC3339),
	}
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	var status booking.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		if strings.EqualFold(raw, string(booking.StatusPending)) {
			status = booking.StatusPending
		} else if parsed, ok := booking.ParseStatus(raw); ok {
			status = parsed
		} else {
			writeError(w, http.StatusBadRequest, "status: unknown value")
			return
		}
	}
	list, err := s.Bookings.ListBookings(r.Context(), status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]bookingView, 0, len(list))
	for _, b := range list {
		items = append(items, s.viewBooking(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type statusUpdate struct {
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	BlockSlot bool   `json:"block_slot"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var body statusUpdate
	if err := parseJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, ok := booking.ParseStatus(body.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, "status: must be ACCEPTED, REJECTED or CANCELLED")
		return
	}
	res, err := s.Bookings.SetStatus(r.Context(), r.PathValue("id"), booking.StatusChange{
		Status:    status,
		Reason:    strings.TrimSpace(body.Reason),
		BlockSlot: body.BlockSlot,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	warnings := res.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"booking":  s.viewBooking(res.Booking),
		"warnings": warnings,
	})
}

type banView struct {
	Address   string `json:"address"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at"`
}

func (s *Server) handleListBans(w http.ResponseWriter, r *http.Request) {
	bans, err := s.Bans.ListBans()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]banView, 0, len(bans))
	for addr, e := range bans {
		items = append(items, banView{
			Address:   addr,
			Reason:    e.Reason,
			CreatedAt: e.CreatedAt.In(s.cfg.Location).Format(time.RFC3339),
			ExpiresAt: e.ExpiresAt.In(s.cfg.Location).Format(time.RFC3339),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Address < items[j].Address })
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("address")
	removed, err := s.Bans.Unban(addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "no ban for address")
		return
	}
	s.log.Info().Str("address", addr).Msg("ban removed by operator")
	writeJSON(w, http.StatusOK, map[string]any{"removed": addr})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	s.Cache.Clear()
	s.log.Info().Msg("calendar cache cleared by operator")
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

func (s *Server) handleFriendToken(w http.ResponseWriter, r *http.Request) {
	token, expires, err := s.Tokens.Issue()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expires.In(s.cfg.Location).Format(time.RFC3339),
	})
}
