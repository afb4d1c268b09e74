package business

import (
	"context"
	"log"
	"time"
)

// meetingLength is the calendar block reserved per consultation.
const meetingLength = 30 * time.Minute

// Invite is the confirmation payload produced for a booked appointment.
type Invite struct {
	AttendeeName  string
	AttendeeEmail string
	Topic         string
	Start         time.Time
	End           time.Time
}

// Notifier delivers appointment confirmations out of band (email, calendar
// invite). Delivery is best effort: a booking succeeds whether or not the
// confirmation goes out.
type Notifier interface {
	AppointmentBooked(ctx context.Context, inv Invite) error
}

func inviteFor(c *Customer, a *Appointment) Invite {
	topic := "Bean & Brew Consultation"
	if a.Service != "" {
		topic = "Bean & Brew " + a.Service + " Consultation"
	}
	return Invite{
		AttendeeName:  c.Name,
		AttendeeEmail: c.Email,
		Topic:         topic,
		Start:         a.Date,
		End:           a.Date.Add(meetingLength),
	}
}

// LogNotifier records confirmations in the process log. It stands in where
// no mail or calendar integration is configured.
type LogNotifier struct{}

func (LogNotifier) AppointmentBooked(_ context.Context, inv Invite) error {
	log.Printf("appointment confirmation for %s <%s>: %s at %s",
		inv.AttendeeName, inv.AttendeeEmail, inv.Topic, inv.Start.Format(time.RFC3339))
	return nil
}
