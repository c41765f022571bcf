package gcal

import (
	"time"

	calendar "google.golang.org/api/calendar/v3"

	"github.com/developingchet/meeting-scheduler/internal/booking"
	"github.com/developingchet/meeting-scheduler/internal/occupancy"
)

const dateLayout = "2006-01-02"

// toBusyEvent converts an API event. Cancelled events and events without
// parseable bounds are dropped.
func toBusyEvent(e *calendar.Event, loc *time.Location) (occupancy.BusyEvent, bool) {
	if e == nil || e.Status == "cancelled" || e.Start == nil || e.End == nil {
		return occupancy.BusyEvent{}, false
	}
	out := occupancy.BusyEvent{
		ID:          e.Id,
		Title:       e.Summary,
		ColorID:     e.ColorId,
		Transparent: e.Transparency == "transparent",
	}

	if e.Start.DateTime == "" && e.Start.Date != "" {
		start, err1 := time.ParseInLocation(dateLayout, e.Start.Date, loc)
		end, err2 := time.ParseInLocation(dateLayout, e.End.Date, loc)
		if err1 != nil || err2 != nil {
			return occupancy.BusyEvent{}, false
		}
		out.Start, out.End, out.AllDay = start, end, true
		return out, true
	}

	start, err1 := time.Parse(time.RFC3339, e.Start.DateTime)
	end, err2 := time.Parse(time.RFC3339, e.End.DateTime)
	if err1 != nil || err2 != nil {
		return occupancy.BusyEvent{}, false
	}
	out.Start, out.End = start.In(loc), end.In(loc)
	return out, true
}

func toEvent(req booking.EventRequest, loc *time.Location) *calendar.Event {
	ev := &calendar.Event{
		Summary:     req.Summary,
		Description: req.Description,
		Location:    req.Location,
		Start: &calendar.EventDateTime{
			DateTime: req.Start.In(loc).Format(time.RFC3339),
			TimeZone: loc.String(),
		},
		End: &calendar.EventDateTime{
			DateTime: req.End.In(loc).Format(time.RFC3339),
			TimeZone: loc.String(),
		},
	}
	for _, email := range req.Attendees {
		ev.Attendees = append(ev.Attendees, &calendar.EventAttendee{Email: email})
	}
	return ev
}
