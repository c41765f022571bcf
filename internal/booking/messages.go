package booking

import (
	"fmt"
	"strings"

	"github.com/developingchet/meeting-scheduler/internal/access"
	"github.com/developingchet/meeting-scheduler/internal/notify"
	"github.com/developingchet/meeting-scheduler/internal/slots"
)

func (s *Service) locationLine(b Booking) string {
	if b.LocationType == LocationInPerson {
		return "Location: " + b.LocationDetails
	}
	return "Join Link: " + s.meetingLink()
}

func (s *Service) meetingLink() string {
	if s.cfg.MeetingLink == "" {
		return "Link provided upon acceptance"
	}
	return s.cfg.MeetingLink
}

func (s *Service) whenLine(b Booking) string {
	return fmt.Sprintf("Date: %s\nTime: %s (%s)", slots.FormatDate(b.Start), slots.FormatClock(b.Start), b.Start.Format("MST"))
}

func (s *Service) signature() string {
	if s.cfg.OwnerName == "" {
		return "Best,"
	}
	return "Best,\n" + s.cfg.OwnerName
}

// statusMessage builds the requester e-mail for a status change.
func (s *Service) statusMessage(b Booking, status Status, reason string) notify.Message {
	var subject, lead string
	var extra []string
	switch status {
	case StatusAccepted:
		subject = "Meeting Confirmed: " + b.Topic
		lead = "I have accepted your meeting request."
		extra = append(extra, s.locationLine(b), "", "See you then.")
	case StatusRejected:
		subject = "Meeting Request Update: " + b.Topic
		lead = "Thanks for reaching out. Unfortunately I won't be able to make the following time:"
		extra = append(extra, "If you'd like, feel free to request a different time.")
	case StatusCancelled:
		subject = "Meeting Cancelled: " + b.Topic
		lead = "Unfortunately the following meeting has been cancelled:"
		if reason != "" {
			extra = append(extra, "Reason: "+reason, "")
		}
		extra = append(extra, "Sorry for any inconvenience. Feel free to request a new time.")
	}

	lines := []string{
		"Hi " + b.Name + ",",
		"",
		lead,
		"",
		"Topic: " + b.Topic,
		s.whenLine(b),
		"",
	}
	lines = append(lines, extra...)
	lines = append(lines, "", s.signature())
	return notify.Message{To: []string{b.Email}, Subject: subject, Body: strings.Join(lines, "\n")}
}

// operatorCopy re-addresses a requester e-mail to the operator.
func (s *Service) operatorCopy(b Booking, status Status, m notify.Message) notify.Message {
	m.To = []string{s.cfg.OperatorEmail}
	m.Subject = fmt.Sprintf("%s: %s (%s @ %s)", status, b.Name, slots.FormatDate(b.Start), slots.FormatClock(b.Start))
	return m
}

func (s *Service) requestAlert(b Booking) notify.Alert {
	color := notify.ColorPublic
	if b.Tier == string(access.TierFriend) {
		color = notify.ColorFriend
	}
	location := "Online (link upon acceptance)"
	if b.LocationType == LocationInPerson {
		location = b.LocationDetails
	}
	return notify.Alert{
		Kind:        notify.KindBookingRequest,
		Title:       "INCOMING BOOKING REQUEST",
		Description: fmt.Sprintf("**%s** wants to meet.", b.Name),
		Color:       color,
		Fields: []notify.Field{
			{Name: "Topic", Value: b.Topic},
			{Name: "Time", Value: fmt.Sprintf("%s @ %s (%d min)", slots.FormatDate(b.Start), slots.FormatClock(b.Start), b.DurationMinutes), Inline: true},
			{Name: "Location", Value: location, Inline: true},
			{Name: "Email", Value: b.Email, Inline: true},
			{Name: "Tier", Value: b.Tier, Inline: true},
			{Name: "ID", Value: b.ID},
		},
	}
}

func (s *Service) eventRequest(b Booking) EventRequest {
	location := "Online"
	if b.LocationType == LocationInPerson {
		location = b.LocationDetails
	}
	desc := []string{"Topic: " + b.Topic, "Email: " + b.Email}
	if b.LocationType != LocationInPerson {
		desc = append(desc, "Join Link: "+s.meetingLink())
	}
	return EventRequest{
		Summary:     "Meeting: " + b.Name,
		Description: strings.Join(desc, "\n"),
		Location:    location,
		Start:       b.Start,
		End:         b.End(),
		Attendees:   []string{b.Email},
	}
}
