// Package business implements the concierge's customer, appointment and
// order tools on top of PostgreSQL. The orchestrator only ever sees these
// through the tool registry.
package business

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for lookups that match no row.
var ErrNotFound = errors.New("not found")

// Appointment status values.
const (
	StatusScheduled = "Scheduled"
	StatusCompleted = "Completed"
	StatusCancelled = "Cancelled"
)

type Customer struct {
	ID       string    `json:"customer_id"`
	Name     string    `json:"name"`
	Phone    string    `json:"phone"`
	Email    string    `json:"email"`
	JoinedAt time.Time `json:"joined_date"`
}

type Appointment struct {
	ID           string    `json:"appointment_id"`
	CustomerID   string    `json:"customer_id"`
	CustomerName string    `json:"customer_name"`
	Date         time.Time `json:"date"`
	Service      string    `json:"service"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

type Order struct {
	ID           string    `json:"order_id"`
	CustomerID   string    `json:"customer_id"`
	CustomerName string    `json:"customer_name"`
	Date         time.Time `json:"date"`
	Items        int       `json:"items"`
	Total        float64   `json:"total"`
	Status       string    `json:"status"`
}

// Store is the persistence surface the tool handlers consume.
type Store interface {
	FindCustomer(ctx context.Context, phone, email, customerID string) (*Customer, error)
	CreateCustomer(ctx context.Context, c *Customer) error
	Appointments(ctx context.Context, customerID string) ([]Appointment, error)
	AppointmentByID(ctx context.Context, id string) (*Appointment, error)
	CreateAppointment(ctx context.Context, a *Appointment) error
	SlotTaken(ctx context.Context, date time.Time) (bool, error)
	RescheduleAppointment(ctx context.Context, id string, date time.Time, service string) error
	UpdateAppointmentStatus(ctx context.Context, id, status string) error
	Orders(ctx context.Context, customerID string) ([]Order, error)
}
