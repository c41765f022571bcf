package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/developingchet/meeting-scheduler/internal/access"
	"github.com/developingchet/meeting-scheduler/internal/availability"
	"github.com/developingchet/meeting-scheduler/internal/booking"
	"github.com/developingchet/meeting-scheduler/internal/cache"
	"github.com/developingchet/meeting-scheduler/internal/guard"
	"github.com/developingchet/meeting-scheduler/internal/occupancy"
	"github.com/developingchet/meeting-scheduler/internal/server"
	"github.com/developingchet/meeting-scheduler/internal/slots"
	"github.com/developingchet/meeting-scheduler/internal/testutil"
)

const (
	adminPassword = "correct-horse-battery"
	channelToken  = "channel-secret"
)

type harness struct {
	handler  http.Handler
	bookings *testutil.MemoryBookings
	bans     *testutil.MockStore
	calendar *testutil.FakeCalendar
	cache    *cache.Layer
	tiers    *access.Resolver
	now      time.Time
}

type harnessOption func(*server.Config)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	loc, err := time.LoadLocation("Australia/Brisbane")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		bookings: testutil.NewMemoryBookings(),
		bans:     testutil.NewMockStore(),
		calendar: testutil.NewFakeCalendar(),
		cache:    cache.New(time.Minute),
		now:      time.Date(2025, 6, 1, 10, 0, 0, 0, loc),
	}
	clock := func() time.Time { return h.now }
	notes := testutil.NewRecorder()
	log := zerolog.Nop()

	g := guard.New(h.bans, h.bookings, notes, guard.NewConfig(), log)
	g.SetClock(clock)

	h.tiers = access.NewResolver(access.Config{
		Secret:   []byte("server-test-secret"),
		Public:   access.Policy{Window: slots.HoursWindow{StartHour: 9, EndHour: 17}, Notice: 24 * time.Hour},
		Friend:   access.Policy{Window: slots.HoursWindow{StartHour: 7, EndHour: 21}, Notice: 30 * time.Minute},
		Location: loc,
	})
	h.tiers.SetClock(clock)

	occ := occupancy.New(h.bookings, h.bookings, h.calendar, h.cache, occupancy.Config{
		CalendarIDs: []string{"primary"},
		Timeout:     time.Second,
		Location:    loc,
	}, log)
	engine := availability.New(occ, h.tiers, availability.Config{Location: loc}, log)
	engine.SetClock(clock)

	svc := booking.NewService(booking.Deps{
		Store:    h.bookings,
		Gate:     g,
		Tiers:    h.tiers,
		Calendar: h.calendar,
		Cache:    h.cache,
		Alerts:   notes,
		Mail:     notes,
	}, booking.Config{Location: loc, RetryBase: time.Millisecond}, log)
	svc.SetClock(clock)

	cfg := server.Config{
		AdminPasswordHash: string(hash),
		PushChannelToken:  channelToken,
		Location:          loc,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv := server.New(server.Deps{
		Availability: engine,
		Bookings:     svc,
		Bans:         g,
		Tokens:       h.tiers,
		Cache:        h.cache,
		Throttle:     h.bans,
	}, cfg, log)
	srv.SetClock(clock)
	h.handler = srv.Handler()
	return h
}

func (h *harness) do(t *testing.T, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.RemoteAddr = "203.0.113.7:41234"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func admin() map[string]string {
	return map[string]string{"Authorization": "Bearer " + adminPassword}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func meeting() map[string]any {
	return map[string]any{
		"name":          "Ada Lovelace",
		"email":         "ada@example.com",
		"topic":         "Engines",
		"slot_iso":      "2025-06-03T09:00:00+10:00",
		"duration":      30,
		"location_type": "ONLINE",
	}
}

func TestAvailability_PublicNotice(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/availability?start_date=2025-06-01&end_date=2025-06-03&duration=30", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Tier            string              `json:"tier"`
		Slots           map[string][]string `json:"slots"`
		CacheAgeSeconds int                 `json:"cache_age_seconds"`
	}
	decode(t, rec, &out)

	if out.Tier != "PUBLIC" {
		t.Errorf("tier = %q", out.Tier)
	}
	if day, ok := out.Slots["2025-06-01"]; !ok || len(day) != 0 {
		t.Errorf("2025-06-01 should be present and empty, got %v (present=%v)", day, ok)
	}
	third := out.Slots["2025-06-03"]
	if len(third) == 0 || third[0] != "2025-06-03T09:00:00+10:00" {
		t.Errorf("2025-06-03 should open at 09:00 local, got %v", third)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
}

func TestAvailability_FriendToken(t *testing.T) {
	h := newHarness(t)
	token, _, err := h.tiers.Issue()
	if err != nil {
		t.Fatal(err)
	}
	rec := h.do(t, http.MethodGet, "/api/availability?start_date=2025-06-01&end_date=2025-06-01&duration=30&token="+token, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Tier  string              `json:"tier"`
		Slots map[string][]string `json:"slots"`
	}
	decode(t, rec, &out)
	if out.Tier != "FRIEND" {
		t.Errorf("tier = %q, want FRIEND", out.Tier)
	}
	// 30 minutes notice from 10:00 leaves 10:45 as the first start.
	if day := out.Slots["2025-06-01"]; len(day) == 0 || day[0] != "2025-06-01T10:45:00+10:00" {
		t.Errorf("first friend slot = %v", day)
	}
}

func TestAvailability_BadRequest(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name  string
		query string
	}{
		{"missing duration", "start_date=2025-06-01&end_date=2025-06-02"},
		{"non-numeric duration", "start_date=2025-06-01&end_date=2025-06-02&duration=abc"},
		{"zero duration", "start_date=2025-06-01&end_date=2025-06-02&duration=0"},
		{"bad date", "start_date=June&end_date=2025-06-02&duration=30"},
		{"end before start", "start_date=2025-06-05&end_date=2025-06-02&duration=30"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := h.do(t, http.MethodGet, "/api/availability?"+c.query, nil, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAvailability_CalendarBusyExcluded(t *testing.T) {
	h := newHarness(t)
	loc := h.now.Location()
	h.calendar.AddEvent("primary", occupancy.BusyEvent{
		ID:    "e1",
		Title: "Dentist",
		Start: time.Date(2025, 6, 3, 9, 0, 0, 0, loc),
		End:   time.Date(2025, 6, 3, 10, 0, 0, 0, loc),
	})
	rec := h.do(t, http.MethodGet, "/api/availability?start_date=2025-06-03&end_date=2025-06-03&duration=30", nil, nil)
	var out struct {
		Slots map[string][]string `json:"slots"`
	}
	decode(t, rec, &out)
	if day := out.Slots["2025-06-03"]; len(day) == 0 || day[0] != "2025-06-03T10:00:00+10:00" {
		t.Errorf("first slot after busy hour = %v", day)
	}
}

func TestRequestMeeting_Success(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/request-meeting", meeting(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	decode(t, rec, &out)
	if out["success"] != true {
		t.Errorf("body = %v", out)
	}
	list, _ := h.bookings.ListBookings(context.Background(), booking.StatusPending)
	if len(list) != 1 {
		t.Fatalf("pending bookings = %d", len(list))
	}
	if list[0].Address != "203.0.113.7" {
		t.Errorf("address = %q", list[0].Address)
	}
}

func TestRequestMeeting_HoneypotLooksLikeSuccess(t *testing.T) {
	h := newHarness(t)
	body := meeting()
	body["fax_number"] = "555-0100"

	rec := h.do(t, http.MethodPost, "/api/request-meeting", body, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"success":true`) {
		t.Fatalf("honeypot response %d: %s", rec.Code, rec.Body.String())
	}
	if h.bookings.Len() != 0 {
		t.Errorf("honeypot submission persisted %d bookings", h.bookings.Len())
	}

	rec = h.do(t, http.MethodPost, "/api/request-meeting", meeting(), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("banned follow-up: status %d, want 403", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "honeypot") || !strings.Contains(rec.Body.String(), "access restricted") {
		t.Errorf("403 body: %s", rec.Body.String())
	}
}

func TestRequestMeeting_ForwardedFor(t *testing.T) {
	h := newHarness(t, func(c *server.Config) { c.TrustProxyHeaders = true })
	if err := h.bans.BanRecord("198.51.100.9", "manual", h.now, h.now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	rec := h.do(t, http.MethodPost, "/api/request-meeting", meeting(),
		map[string]string{"X-Forwarded-For": "10.0.0.1, 198.51.100.9"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("proxy-appended hop should be banned: status %d", rec.Code)
	}

	// A client-supplied leading hop cannot dodge the ban.
	rec = h.do(t, http.MethodPost, "/api/request-meeting", meeting(),
		map[string]string{"X-Forwarded-For": "192.0.2.200, 198.51.100.9"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("spoofed leading hop evaded the ban: status %d", rec.Code)
	}
}

func TestRequestMeeting_ForwardedForIgnoredWithoutTrust(t *testing.T) {
	h := newHarness(t)
	if err := h.bans.BanRecord("198.51.100.9", "manual", h.now, h.now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	rec := h.do(t, http.MethodPost, "/api/request-meeting", meeting(),
		map[string]string{"X-Forwarded-For": "198.51.100.9"})
	if rec.Code != http.StatusOK {
		t.Errorf("untrusted header should be ignored: status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRequestMeeting_Throttle(t *testing.T) {
	h := newHarness(t, func(c *server.Config) {
		c.SubmitRateMax = 2
		c.SubmitRateWindow = time.Hour
	})
	want := []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests}
	for i, code := range want {
		rec := h.do(t, http.MethodPost, "/api/request-meeting", map[string]any{"name": ""}, nil)
		if rec.Code != code {
			t.Fatalf("request %d: status %d, want %d: %s", i+1, rec.Code, code, rec.Body.String())
		}
	}
}

func TestRequestMeeting_ThrottleStoreErrorFailsOpen(t *testing.T) {
	h := newHarness(t, func(c *server.Config) {
		c.SubmitRateMax = 1
		c.SubmitRateWindow = time.Hour
	})
	h.bans.SetError("RateGate", context.DeadlineExceeded)
	rec := h.do(t, http.MethodPost, "/api/request-meeting", meeting(), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRequestMeeting_MalformedJSON(t *testing.T) {
	h := newHarness(t)
	for _, body := range []string{"", "{", `{"duration":"thirty"}`} {
		rec := h.do(t, http.MethodPost, "/api/request-meeting", body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status %d, want 400", body, rec.Code)
		}
	}
}

func TestRequestMeeting_ValidationMessage(t *testing.T) {
	h := newHarness(t)
	body := meeting()
	body["slot_iso"] = "2025-05-30T09:00:00+10:00"
	rec := h.do(t, http.MethodPost, "/api/request-meeting", body, nil)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "slot_iso") {
		t.Errorf("past slot: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestRequestMeeting_StoreErrorIsGeneric(t *testing.T) {
	h := newHarness(t)
	h.bookings.SetError("CreateBooking", context.DeadlineExceeded)
	rec := h.do(t, http.MethodPost, "/api/request-meeting", meeting(), nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "deadline") {
		t.Errorf("internal error leaked: %s", rec.Body.String())
	}
}

func TestWebhook(t *testing.T) {
	cases := []struct {
		name        string
		headers     map[string]string
		wantCode    int
		wantCleared bool
	}{
		{"missing token", map[string]string{"X-Goog-Resource-State": "exists"}, http.StatusUnauthorized, false},
		{"wrong token", map[string]string{"X-Goog-Channel-Token": "nope", "X-Goog-Resource-State": "exists"}, http.StatusUnauthorized, false},
		{"sync handshake", map[string]string{"X-Goog-Channel-Token": channelToken, "X-Goog-Resource-State": "sync"}, http.StatusOK, false},
		{"change", map[string]string{"X-Goog-Channel-Token": channelToken, "X-Goog-Resource-State": "exists"}, http.StatusOK, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t)
			h.cache.Set(cache.Key{Start: h.now, End: h.now.Add(time.Hour)}, nil, time.Minute)

			rec := h.do(t, http.MethodPost, "/api/calendar/webhook", nil, c.headers)
			if rec.Code != c.wantCode {
				t.Errorf("status %d, want %d", rec.Code, c.wantCode)
			}
			if cleared := h.cache.Len() == 0; cleared != c.wantCleared {
				t.Errorf("cache cleared = %v, want %v", cleared, c.wantCleared)
			}
		})
	}
}

func TestWebhook_DisabledWithoutToken(t *testing.T) {
	h := newHarness(t, func(c *server.Config) { c.PushChannelToken = "" })
	rec := h.do(t, http.MethodPost, "/api/calendar/webhook", nil,
		map[string]string{"X-Goog-Channel-Token": "", "X-Goog-Resource-State": "exists"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status %d, want 401", rec.Code)
	}
}

func TestAdmin_RequiresPassword(t *testing.T) {
	h := newHarness(t)
	for _, auth := range []string{"", "Bearer ", "Bearer wrong", "Basic " + adminPassword, adminPassword} {
		rec := h.do(t, http.MethodGet, "/api/admin/bookings", nil, map[string]string{"Authorization": auth})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("Authorization %q: status %d, want 401", auth, rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Errorf("Authorization %q: missing WWW-Authenticate", auth)
		}
	}
}

func TestAdmin_ListAndAccept(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(t, http.MethodPost, "/api/request-meeting", meeting(), nil); rec.Code != http.StatusOK {
		t.Fatalf("submit: %d", rec.Code)
	}

	rec := h.do(t, http.MethodGet, "/api/admin/bookings?status=pending", nil, admin())
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	var list struct {
		Items []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Start  string `json:"start"`
			End    string `json:"end"`
		} `json:"items"`
	}
	decode(t, rec, &list)
	if len(list.Items) != 1 {
		t.Fatalf("items = %d", len(list.Items))
	}
	item := list.Items[0]
	if item.Status != "PENDING" || item.Start != "2025-06-03T09:00:00+10:00" || item.End != "2025-06-03T09:30:00+10:00" {
		t.Errorf("item = %+v", item)
	}

	rec = h.do(t, http.MethodPatch, "/api/admin/bookings/"+item.ID, map[string]any{"status": "accepted"}, admin())
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", rec.Code, rec.Body.String())
	}
	var res struct {
		Booking struct {
			Status          string `json:"status"`
			CalendarEventID string `json:"calendar_event_id"`
		} `json:"booking"`
		Warnings []string `json:"warnings"`
	}
	decode(t, rec, &res)
	if res.Booking.Status != "ACCEPTED" || res.Booking.CalendarEventID == "" {
		t.Errorf("accepted booking = %+v", res.Booking)
	}
	if res.Warnings == nil || len(res.Warnings) != 0 {
		t.Errorf("warnings = %v, want empty list", res.Warnings)
	}
	if len(h.calendar.Created()) != 1 {
		t.Errorf("calendar events created = %d", len(h.calendar.Created()))
	}
}

func TestAdmin_SetStatusErrors(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name string
		body any
		id   string
		want int
	}{
		{"unknown id", map[string]any{"status": "ACCEPTED"}, "missing", http.StatusNotFound},
		{"bad status", map[string]any{"status": "MAYBE"}, "missing", http.StatusBadRequest},
		{"pending not settable", map[string]any{"status": "PENDING"}, "missing", http.StatusBadRequest},
		{"bad json", "{", "missing", http.StatusBadRequest},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPatch, "/api/admin/bookings/"+c.id, c.body, admin())
			if rec.Code != c.want {
				t.Errorf("status %d, want %d: %s", rec.Code, c.want, rec.Body.String())
			}
		})
	}
}

func TestAdmin_ListBookingsBadStatus(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/admin/bookings?status=archived", nil, admin())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", rec.Code)
	}
}

func TestAdmin_Bans(t *testing.T) {
	h := newHarness(t)
	if err := h.bans.BanRecord("198.51.100.9", "spam", h.now, h.now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := h.bans.BanRecord("192.0.2.1", "honeypot", h.now.Add(-2*time.Hour), h.now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	rec := h.do(t, http.MethodGet, "/api/admin/bans", nil, admin())
	var out struct {
		Items []struct {
			Address string `json:"address"`
			Reason  string `json:"reason"`
		} `json:"items"`
	}
	decode(t, rec, &out)
	if len(out.Items) != 1 || out.Items[0].Address != "198.51.100.9" || out.Items[0].Reason != "spam" {
		t.Fatalf("live bans = %+v", out.Items)
	}

	rec = h.do(t, http.MethodDelete, "/api/admin/bans/198.51.100.9", nil, admin())
	if rec.Code != http.StatusOK {
		t.Fatalf("unban: %d %s", rec.Code, rec.Body.String())
	}
	rec = h.do(t, http.MethodDelete, "/api/admin/bans/198.51.100.9", nil, admin())
	if rec.Code != http.StatusNotFound {
		t.Errorf("second unban: %d, want 404", rec.Code)
	}
}

func TestAdmin_ClearCache(t *testing.T) {
	h := newHarness(t)
	h.cache.Set(cache.Key{Start: h.now, End: h.now.Add(time.Hour)}, nil, time.Minute)
	rec := h.do(t, http.MethodPost, "/api/admin/cache/clear", nil, admin())
	if rec.Code != http.StatusOK || h.cache.Len() != 0 {
		t.Errorf("status %d, cache len %d", rec.Code, h.cache.Len())
	}
}

func TestAdmin_FriendToken(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/admin/friend-token", nil, admin())
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var out struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	decode(t, rec, &out)
	if got := h.tiers.Resolve(out.Token).Tier; got != access.TierFriend {
		t.Errorf("issued token resolves to %s", got)
	}
	if out.ExpiresAt != "2025-06-01T23:59:59+10:00" {
		t.Errorf("expires_at = %q, want end of local day", out.ExpiresAt)
	}
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/availability", nil, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status %d, want 405", rec.Code)
	}
}
