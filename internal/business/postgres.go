package business

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists customers, appointments and orders in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			customer_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			phone TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL UNIQUE,
			joined_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS appointments (
			appointment_id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL REFERENCES customers(customer_id),
			customer_name TEXT NOT NULL,
			date TIMESTAMPTZ NOT NULL,
			service TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'Scheduled',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_customer ON appointments (customer_id);`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_date ON appointments (date) WHERE status = 'Scheduled';`,
		`CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL REFERENCES customers(customer_id),
			customer_name TEXT NOT NULL,
			date TIMESTAMPTZ NOT NULL DEFAULT now(),
			items INT NOT NULL,
			total NUMERIC(10,2) NOT NULL,
			status TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_customer ON orders (customer_id);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) FindCustomer(ctx context.Context, phone, email, customerID string) (*Customer, error) {
	var (
		field string
		value string
	)
	switch {
	case phone != "":
		field, value = "phone", phone
	case email != "":
		field, value = "email", email
	case customerID != "":
		field, value = "customer_id", customerID
	default:
		return nil, ErrNotFound
	}

	row := s.pool.QueryRow(ctx,
		`SELECT customer_id, name, phone, email, joined_at FROM customers WHERE `+field+`=$1`,
		value,
	)
	var c Customer
	if err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.JoinedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find customer: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) CreateCustomer(ctx context.Context, c *Customer) error {
	if c.JoinedAt.IsZero() {
		c.JoinedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO customers (customer_id, name, phone, email, joined_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Name, c.Phone, c.Email, c.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("create customer: %w", err)
	}
	return nil
}

func (s *PostgresStore) Appointments(ctx context.Context, customerID string) ([]Appointment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT appointment_id, customer_id, customer_name, date, service, status, created_at
		 FROM appointments WHERE customer_id=$1 ORDER BY date`,
		customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	var items []Appointment
	for rows.Next() {
		var a Appointment
		if err := rows.Scan(&a.ID, &a.CustomerID, &a.CustomerName, &a.Date, &a.Service, &a.Status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appointments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AppointmentByID(ctx context.Context, id string) (*Appointment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT appointment_id, customer_id, customer_name, date, service, status, created_at
		 FROM appointments WHERE appointment_id=$1`,
		id,
	)
	var a Appointment
	if err := row.Scan(&a.ID, &a.CustomerID, &a.CustomerName, &a.Date, &a.Service, &a.Status, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find appointment: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) CreateAppointment(ctx context.Context, a *Appointment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO appointments (appointment_id, customer_id, customer_name, date, service, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.CustomerID, a.CustomerName, a.Date, a.Service, a.Status, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create appointment: %w", err)
	}
	return nil
}

func (s *PostgresStore) SlotTaken(ctx context.Context, date time.Time) (bool, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM appointments WHERE date=$1 AND status='Scheduled'`,
		date,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check slot: %w", err)
	}
	return count > 0, nil
}

func (s *PostgresStore) RescheduleAppointment(ctx context.Context, id string, date time.Time, service string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE appointments SET date=$2, service=$3 WHERE appointment_id=$1`,
		id, date, service,
	)
	if err != nil {
		return fmt.Errorf("reschedule appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateAppointmentStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE appointments SET status=$2 WHERE appointment_id=$1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("update appointment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Orders(ctx context.Context, customerID string) ([]Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT order_id, customer_id, customer_name, date, items, total, status
		 FROM orders WHERE customer_id=$1 ORDER BY date DESC`,
		customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var items []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.CustomerID, &o.CustomerName, &o.Date, &o.Items, &o.Total, &o.Status); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		items = append(items, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
