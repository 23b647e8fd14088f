// Package postgres provides the PostgreSQL persistence for the medication cabinet.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medstock/medstock/internal/calendar"
	"github.com/medstock/medstock/internal/domain/adherence"
	"github.com/medstock/medstock/internal/domain/schedule"
	"github.com/medstock/medstock/internal/domain/stock"
	"github.com/medstock/medstock/internal/infrastructure/redpanda"
)

// Schema creates all tables used by the services
//
//go:embed schema.sql
var Schema string

// Store reads cabinet data and applies ledger changes
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewStore creates a new store
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger, tracer: otel.Tracer("store")}
}

// Migrate applies the embedded schema
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Medications lists the medications owned by ownerID
func (s *Store) Medications(ctx context.Context, ownerID string) ([]stock.Medication, error) {
	ctx, span := s.tracer.Start(ctx, "store_medications")
	defer span.End()

	query := `
		SELECT id::text, owner_id, name, dosage, quantity
		FROM medications
		WHERE owner_id = $1
		ORDER BY name ASC
	`
	rows, err := s.pool.Query(ctx, query, ownerID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query medications: %w", err)
	}
	defer rows.Close()

	meds := make([]stock.Medication, 0)
	for rows.Next() {
		var m stock.Medication
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.Name, &m.Dosage, &m.Quantity); err != nil {
			return nil, fmt.Errorf("scan medication: %w", err)
		}
		meds = append(meds, m)
	}
	return meds, rows.Err()
}

// Medication loads one medication
func (s *Store) Medication(ctx context.Context, id string) (*stock.Medication, error) {
	ctx, span := s.tracer.Start(ctx, "store_medication",
		trace.WithAttributes(attribute.String("medication_id", id)))
	defer span.End()

	query := `
		SELECT id::text, owner_id, name, dosage, quantity
		FROM medications
		WHERE id = $1
	`
	m := &stock.Medication{}
	err := s.pool.QueryRow(ctx, query, id).Scan(&m.ID, &m.OwnerID, &m.Name, &m.Dosage, &m.Quantity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, stock.ErrMedicationNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query medication: %w", err)
	}
	return m, nil
}

const prescriptionColumns = `
	p.id::text, p.medication_id::text, p.start_date, p.end_date,
	p.continuous_use, p.dose_amount, p.times, p.frequency
`

// Prescriptions lists the prescriptions of all medications owned by ownerID
func (s *Store) Prescriptions(ctx context.Context, ownerID string) ([]schedule.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "store_prescriptions")
	defer span.End()

	query := `SELECT ` + prescriptionColumns + `
		FROM prescriptions p
		JOIN medications m ON m.id = p.medication_id
		WHERE m.owner_id = $1
		ORDER BY p.created_at ASC, p.id ASC
	`
	rows, err := s.pool.Query(ctx, query, ownerID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query prescriptions: %w", err)
	}
	defer rows.Close()

	out := make([]schedule.Prescription, 0)
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// Prescription loads one prescription together with its medication's owner
func (s *Store) Prescription(ctx context.Context, id string) (*schedule.Prescription, string, error) {
	ctx, span := s.tracer.Start(ctx, "store_prescription",
		trace.WithAttributes(attribute.String("prescription_id", id)))
	defer span.End()

	query := `SELECT ` + prescriptionColumns + `, m.owner_id
		FROM prescriptions p
		JOIN medications m ON m.id = p.medication_id
		WHERE p.id = $1
	`
	var ownerID string
	p, err := scanPrescription(s.pool.QueryRow(ctx, query, id), &ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", schedule.ErrPrescriptionNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, "", err
	}
	return p, ownerID, nil
}

func scanPrescription(row pgx.Row, extra ...any) (*schedule.Prescription, error) {
	var (
		p         schedule.Prescription
		start     time.Time
		end       *time.Time
		frequency string
	)
	dest := append([]any{
		&p.ID, &p.MedicationID, &start, &end,
		&p.ContinuousUse, &p.DoseAmount, &p.Times, &frequency,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan prescription: %w", err)
	}

	p.StartDate = calendar.Of(start)
	if end != nil {
		p.EndDate = calendar.Of(*end)
	}
	p.Frequency = schedule.Frequency(frequency)
	return &p, nil
}

// ConsumptionLogs lists consumption log entries of ownerID between from and to inclusive
func (s *Store) ConsumptionLogs(ctx context.Context, ownerID string, from, to calendar.Date) ([]adherence.LogEntry, error) {
	ctx, span := s.tracer.Start(ctx, "store_consumption_logs",
		trace.WithAttributes(
			attribute.String("from", from.String()),
			attribute.String("to", to.String()),
		))
	defer span.End()

	query := `
		SELECT c.id::text, c.prescription_id::text, c.date, c.scheduled_time, c.status, c.taken_at
		FROM consumption_logs c
		JOIN prescriptions p ON p.id = c.prescription_id
		JOIN medications m ON m.id = p.medication_id
		WHERE m.owner_id = $1
		  AND c.date BETWEEN $2 AND $3
		ORDER BY c.date ASC, c.scheduled_time ASC
	`
	rows, err := s.pool.Query(ctx, query, ownerID, from.Time(), to.Time())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query consumption logs: %w", err)
	}
	defer rows.Close()

	logs := make([]adherence.LogEntry, 0)
	for rows.Next() {
		var (
			l       adherence.LogEntry
			date    time.Time
			status  string
			takenAt *time.Time
		)
		if err := rows.Scan(&l.ID, &l.PrescriptionID, &date, &l.ScheduledTime, &status, &takenAt); err != nil {
			return nil, fmt.Errorf("scan consumption log: %w", err)
		}
		l.Date = calendar.Of(date)
		l.Status = adherence.Status(status)
		if takenAt != nil {
			l.TakenAt = *takenAt
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// History returns the stock history of a medication for the last days days,
// oldest first
func (s *Store) History(ctx context.Context, medicationID string, days int) ([]stock.HistoryEntry, error) {
	ctx, span := s.tracer.Start(ctx, "store_history",
		trace.WithAttributes(
			attribute.String("medication_id", medicationID),
			attribute.Int("days", days),
		))
	defer span.End()

	query := `
		SELECT id::text, medication_id::text, quantity_change, previous_balance, new_balance,
		       reason, actor_id, notes, created_at
		FROM stock_history
		WHERE medication_id = $1
		  AND created_at >= NOW() - make_interval(days => $2)
		ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, query, medicationID, days)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := make([]stock.HistoryEntry, 0)
	for rows.Next() {
		var (
			e      stock.HistoryEntry
			reason string
		)
		err := rows.Scan(&e.ID, &e.MedicationID, &e.QuantityChange, &e.PreviousBalance, &e.NewBalance,
			&reason, &e.ActorID, &e.Notes, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.Reason = stock.Reason(reason)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ApplyChange writes the quantity update, history entry, optional dose log and
// outbox entry in a single transaction
func (s *Store) ApplyChange(ctx context.Context, change *stock.Change) error {
	entry := change.Entry
	ctx, span := s.tracer.Start(ctx, "store_apply_change",
		trace.WithAttributes(
			attribute.String("medication_id", entry.MedicationID),
			attribute.String("reason", string(entry.Reason)),
		))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.updateQuantity(ctx, tx, entry); err != nil {
		span.RecordError(err)
		return err
	}

	if err := insertHistory(ctx, tx, entry); err != nil {
		span.RecordError(err)
		return err
	}

	if change.Dose != nil {
		if err := upsertDose(ctx, tx, change.Dose); err != nil {
			span.RecordError(err)
			return err
		}
	}

	if change.Event != nil {
		payload, err := json.Marshal(change.Event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		err = WriteEntry(ctx, tx, &OutboxEntry{
			AggregateID:   change.Event.AggregateID,
			AggregateType: change.Event.AggregateType,
			EventType:     string(change.Event.EventType),
			Payload:       payload,
			KafkaTopic:    redpanda.TopicStockEvents,
			KafkaKey:      change.Event.AggregateID,
		})
		if err != nil {
			span.RecordError(err)
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("stock change committed",
		zap.String("medication_id", entry.MedicationID),
		zap.String("history_entry_id", entry.ID))
	return nil
}

func (s *Store) updateQuantity(ctx context.Context, tx pgx.Tx, entry stock.HistoryEntry) error {
	tag, err := tx.Exec(ctx, `
		UPDATE medications
		SET quantity = $1, updated_at = NOW()
		WHERE id = $2 AND quantity = $3
	`, entry.NewBalance, entry.MedicationID, entry.PreviousBalance)
	if err != nil {
		return fmt.Errorf("update quantity: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM medications WHERE id = $1)", entry.MedicationID).Scan(&exists); err != nil {
		return fmt.Errorf("check medication: %w", err)
	}
	if !exists {
		return stock.ErrMedicationNotFound
	}
	return stock.ErrStaleBalance
}

func insertHistory(ctx context.Context, tx pgx.Tx, e stock.HistoryEntry) error {
	query := `
		INSERT INTO stock_history
		(id, medication_id, quantity_change, previous_balance, new_balance, reason, actor_id, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.Exec(ctx, query,
		e.ID,
		e.MedicationID,
		e.QuantityChange,
		e.PreviousBalance,
		e.NewBalance,
		string(e.Reason),
		e.ActorID,
		e.Notes,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func upsertDose(ctx context.Context, tx pgx.Tx, l *adherence.LogEntry) error {
	query := `
		INSERT INTO consumption_logs (id, prescription_id, date, scheduled_time, status, taken_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (prescription_id, date, scheduled_time) DO UPDATE
		SET status = EXCLUDED.status, taken_at = EXCLUDED.taken_at
	`
	_, err := tx.Exec(ctx, query, l.ID, l.PrescriptionID, l.Date.Time(), l.ScheduledTime, string(l.Status), l.TakenAt)
	if err != nil {
		return fmt.Errorf("insert consumption log: %w", err)
	}
	return nil
}
