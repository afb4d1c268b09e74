package business

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/beanandbrew/voicedesk/internal/tools"
)

const (
	openHour    = 9
	closeHour   = 17
	fillerLong  = 800 * time.Millisecond
	lookupTime  = 15 * time.Second
	mutatorTime = 20 * time.Second
)

// Spoken while a slow lookup runs, and by agent_filler on request.
const (
	fillerLookup  = "Let me look that up for you..."
	fillerGeneral = "One moment please..."
)

// timeNow is swapped out in tests.
var timeNow = func() time.Time { return time.Now().UTC() }

func newID(prefix string) string {
	return fmt.Sprintf("%s%04d", prefix, rand.Intn(10000))
}

// parseSlot accepts the timestamp shapes the agent produces for
// appointment slots.
func parseSlot(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// validSlot reports whether t is a bookable slot: a weekday, on the
// hour, within opening hours.
func validSlot(t time.Time) bool {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	if t.Minute() != 0 || t.Second() != 0 {
		return false
	}
	return t.Hour() >= openHour && t.Hour() < closeHour
}

func errResult(format string, args ...any) map[string]any {
	return map[string]any{"error": fmt.Sprintf(format, args...)}
}

// Toolset returns the customer-service function descriptors backed by store.
// A nil notifier disables booking confirmations.
func Toolset(store Store, notifier Notifier) []tools.Descriptor {
	return []tools.Descriptor{
		{
			Name:        "agent_filler",
			Description: "Use while fetching information to maintain conversational flow.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"message_type": {
						"type": "string",
						"enum": ["lookup", "general"],
						"description": "Type of filler message to use."
					}
				},
				"required": ["message_type"]
			}`),
			Handler: agentFiller,
		},
		{
			Name:        "end_call",
			Description: "End the conversation and close the connection.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"farewell_type": {
						"type": "string",
						"enum": ["thanks", "general", "help"],
						"description": "Type of farewell to use."
					}
				},
				"required": ["farewell_type"]
			}`),
			Handler: endCall,
		},
		{
			Name:        "find_customer",
			Description: "Look up a customer by phone, email, or customer ID.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"phone": {"type": "string", "description": "Customer phone number, including country code."},
					"email": {"type": "string", "description": "Customer email address."},
					"customer_id": {"type": "string", "description": "Customer ID (e.g. CUST0123)."}
				}
			}`),
			Handler:        findCustomer(store),
			Timeout:        lookupTime,
			MaxLatencyHint: fillerLong,
			Filler:         fillerLookup,
		},
		{
			Name:        "create_customer_account",
			Description: "Create a new customer account.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"name": {"type": "string", "description": "Customer full name."},
					"phone": {"type": "string", "description": "Customer phone number."},
					"email": {"type": "string", "description": "Customer email address."}
				},
				"required": ["name", "phone", "email"]
			}`),
			Handler: createCustomer(store),
			Timeout: mutatorTime,
		},
		{
			Name:        "get_appointments",
			Description: "List all appointments for a customer.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"customer_id": {"type": "string", "description": "Customer ID."}
				},
				"required": ["customer_id"]
			}`),
			Handler:        getAppointments(store),
			Timeout:        lookupTime,
			MaxLatencyHint: fillerLong,
			Filler:         fillerLookup,
		},
		{
			Name:        "get_orders",
			Description: "List past orders for a customer.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"customer_id": {"type": "string", "description": "Customer ID."}
				},
				"required": ["customer_id"]
			}`),
			Handler:        getOrders(store),
			Timeout:        lookupTime,
			MaxLatencyHint: fillerLong,
			Filler:         fillerLookup,
		},
		{
			Name:        "create_appointment",
			Description: "Book a new appointment for an existing customer.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"customer_id": {"type": "string", "description": "Customer ID."},
					"date": {"type": "string", "description": "Appointment date and time, ISO 8601."},
					"service": {"type": "string", "description": "Requested service."}
				},
				"required": ["customer_id", "date", "service"]
			}`),
			Handler: createAppointment(store, notifier),
			Timeout: mutatorTime,
		},
		{
			Name:        "check_availability",
			Description: "List available appointment slots in a date range.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"start_date": {"type": "string", "description": "Start of the range, ISO 8601."},
					"end_date": {"type": "string", "description": "End of the range, ISO 8601. Defaults to seven days after start."}
				},
				"required": ["start_date"]
			}`),
			Handler:        checkAvailability(store),
			Timeout:        lookupTime,
			MaxLatencyHint: fillerLong,
			Filler:         fillerLookup,
		},
		{
			Name:        "reschedule_appointment",
			Description: "Move an existing appointment to a new slot.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"appointment_id": {"type": "string", "description": "Appointment ID (e.g. APT0123)."},
					"date": {"type": "string", "description": "New date and time, ISO 8601."},
					"service": {"type": "string", "description": "Service, if it changes."}
				},
				"required": ["appointment_id", "date"]
			}`),
			Handler: rescheduleAppointment(store),
			Timeout: mutatorTime,
		},
		{
			Name:        "cancel_appointment",
			Description: "Cancel an existing appointment.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"appointment_id": {"type": "string", "description": "Appointment ID."}
				},
				"required": ["appointment_id"]
			}`),
			Handler: cancelAppointment(store),
			Timeout: mutatorTime,
		},
		{
			Name:        "update_appointment_status",
			Description: "Set the status of an appointment.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"appointment_id": {"type": "string", "description": "Appointment ID."},
					"status": {"type": "string", "enum": ["Scheduled", "Completed", "Cancelled"], "description": "New status."}
				},
				"required": ["appointment_id", "status"]
			}`),
			Handler: updateAppointmentStatus(store),
			Timeout: mutatorTime,
		},
	}
}

func agentFiller(_ context.Context, args json.RawMessage) (any, error) {
	var in struct {
		MessageType string `json:"message_type"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	utterance := fillerGeneral
	if in.MessageType == "lookup" {
		utterance = fillerLookup
	}
	return tools.InjectResult{
		Response:  map[string]any{"status": "filler_sent"},
		Utterance: utterance,
	}, nil
}

func endCall(_ context.Context, args json.RawMessage) (any, error) {
	var in struct {
		FarewellType string `json:"farewell_type"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	var farewell string
	switch in.FarewellType {
	case "thanks":
		farewell = "Thank you for calling! Have a great day!"
	case "help":
		farewell = "I'm glad I could help! Have a wonderful day!"
	default:
		farewell = "Goodbye! Have a nice day!"
	}
	return tools.EndCallResult{
		Response: map[string]any{"status": "call_ending"},
		Farewell: farewell,
	}, nil
}

func findCustomer(store Store) tools.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			Phone      string `json:"phone"`
			Email      string `json:"email"`
			CustomerID string `json:"customer_id"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		if in.Phone == "" && in.Email == "" && in.CustomerID == "" {
			return errResult("please provide a phone number, email, or customer ID"), nil
		}
		c, err := store.FindCustomer(ctx, in.Phone, in.Email, in.CustomerID)
		if errors.Is(err, ErrNotFound) {
			return errResult("no customer found matching those details"), nil
		}
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func createCustomer(store Store) tools.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			Name  string `json:"name"`
			Phone string `json:"phone"`
			Email string `json:"email"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		if _, err := store.FindCustomer(ctx, in.Phone, "", ""); err == nil {
			return errResult("a customer with that phone number already exists"), nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		c := &Customer{
			ID:       newID("CUST"),
			Name:     in.Name,
			Phone:    in.Phone,
			Email:    in.Email,
			JoinedAt: timeNow(),
		}
		if err := store.CreateCustomer(ctx, c); err != nil {
			return nil, err
		}
		return c, nil
	}
}

func getAppointments(store Store) tools.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			CustomerID string `json:"customer_id"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		appts, err := store.Appointments(ctx, in.CustomerID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"customer_id":  in.CustomerID,
			"appointments": appts,
			"count":        len(appts),
		}, nil
	}
}

func getOrders(store Store) tools.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			CustomerID string `json:"customer_id"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		orders, err := store.Orders(ctx, in.CustomerID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"customer_id": in.CustomerID,
			"orders":      orders,
			"count":       len(orders),
		}, nil
	}
}

func createAppointment(store Store, notifier Notifier) tools.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			CustomerID string `json:"customer_id"`
			Date       string `json:"date"`
			Service    string `json:"service"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		c, err := store.FindCustomer(ctx, "", "", in.CustomerID)
		if errors.Is(err, ErrNotFound) {
			return errResult("customer %s not found", in.CustomerID), nil
		}
		if err != nil {
			return nil, err
		}
		slot, err := parseSlot(in.Date)
		if err != nil {
			return errResult("could not understand the requested date"), nil
		}
		if slot.Before(timeNow()) {
			return errResult("cannot book an appointment in the past"), nil
		}
		if !validSlot(slot) {
			return errResult("appointments are available on weekdays, on the hour, between %d:00 and %d:00", openHour, closeHour), nil
		}
		taken, err := store.SlotTaken(ctx, slot)
		if err != nil {
			return nil, err
		}
		if taken {
			return errResult("that slot is already booked"), nil
		}
		a := &Appointment{
			ID:           newID("APT"),
			CustomerID:   c.ID,
			CustomerName: c.Name,
			Date:         slot,
			Service:      in.Service,
			Status:       StatusScheduled,
			CreatedAt:    timeNow(),
		}
		if err := store.CreateAppointment(ctx, a); err != nil {
			return nil, err
		}
		if notifier != nil {
			// The booking stands even when the confirmation fails.
			if err := notifier.AppointmentBooked(ctx, inviteFor(c, a)); err != nil {
				log.Printf("appointment %s: confirmation not sent: %v", a.ID, err)
			}
		}
		return a, nil
	}
}

func checkAvailability(store Store) tools.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			StartDate string `json:"start_date"`
			EndDate   string `json:"end_date"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		start, err := parseSlot(in.StartDate)
		if err != nil {
			return errResult("could not understand the start date"), nil
		}
		end := start.AddDate(0, 0, 7)
		if in.EndDate != "" {
			end, err = parseSlot(in.EndDate)
			if err != nil {
				return errResult("could not understand the end date"), nil
			}
		}
		if end.Before(start) {
			return errResult("end date is before the start date"), nil
		}

		now := timeNow()
		var free []string
		day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
		for !day.After(end) && len(free) < 40 {
			if day.Weekday() != time.Saturday && day.Weekday() != time.Sunday {
				for h := openHour; h < closeHour; h++ {
					slot := day.Add(time.Duration(h) * time.Hour)
					if slot.Before(start) || slot.After(end) || slot.Before(now) {
						continue
					}
					taken, err := store.SlotTaken(ctx, slot)
					if err != nil {
						return nil, err
					}
					if !taken {
						free = append(free, slot.Format(time.RFC3339))
					}
				}
			}
			day = day.AddDate(0, 0, 1)
		}
		return map[string]any{
			"available_slots": free,
			"count":           len(free),
		}, nil
	}
}

func rescheduleAppointment(store Store) tools.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			AppointmentID string `json:"appointment_id"`
			Date          string `json:"date"`
			Service       string `json:"service"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		a, err := store.AppointmentByID(ctx, in.AppointmentID)
		if errors.Is(err, ErrNotFound) {
			return errResult("appointment %s not found", in.AppointmentID), nil
		}
		if err != nil {
			return nil, err
		}
		if a.Status != StatusScheduled {
			return errResult("appointment %s is %s and cannot be rescheduled", a.ID, a.Status), nil
		}
		slot, err := parseSlot(in.Date)
		if err != nil {
			return errResult("could not understand the requested date"), nil
		}
		if slot.Before(timeNow()) {
			return errResult("cannot reschedule into the past"), nil
		}
		if !validSlot(slot) {
			return errResult("appointments are available on weekdays, on the hour, between %d:00 and %d:00", openHour, closeHour), nil
		}
		taken, err := store.SlotTaken(ctx, slot)
		if err != nil {
			return nil, err
		}
		if taken {
			return errResult("that slot is already booked"), nil
		}
		service := a.Service
		if in.Service != "" {
			service = in.Service
		}
		if err := store.RescheduleAppointment(ctx, a.ID, slot, service); err != nil {
			return nil, err
		}
		a.Date = slot
		a.Service = service
		return a, nil
	}
}

func cancelAppointment(store Store) tools.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			AppointmentID string `json:"appointment_id"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		a, err := store.AppointmentByID(ctx, in.AppointmentID)
		if errors.Is(err, ErrNotFound) {
			return errResult("appointment %s not found", in.AppointmentID), nil
		}
		if err != nil {
			return nil, err
		}
		if a.Status == StatusCancelled {
			return errResult("appointment %s is already cancelled", a.ID), nil
		}
		if err := store.UpdateAppointmentStatus(ctx, a.ID, StatusCancelled); err != nil {
			return nil, err
		}
		a.Status = StatusCancelled
		return a, nil
	}
}

func updateAppointmentStatus(store Store) tools.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			AppointmentID string `json:"appointment_id"`
			Status        string `json:"status"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		switch in.Status {
		case StatusScheduled, StatusCompleted, StatusCancelled:
		default:
			return errResult("unknown status %q", in.Status), nil
		}
		if err := store.UpdateAppointmentStatus(ctx, in.AppointmentID, in.Status); err != nil {
			if errors.Is(err, ErrNotFound) {
				return errResult("appointment %s not found", in.AppointmentID), nil
			}
			return nil, err
		}
		a, err := store.AppointmentByID(ctx, in.AppointmentID)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}
