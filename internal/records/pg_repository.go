package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	kindPatient     = "patient"
	kindProvider    = "provider"
	kindAppointment = "appointment"
	kindWaitlist    = "waitlist_entry"
	kindFreedSlot   = "freed_slot"
)

// Schema holds every record as a JSONB document keyed by (kind, id). seq
// keeps insertion order for rosters and waitlist tie-breaks.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
	kind       text        NOT NULL,
	id         text        NOT NULL,
	seq        bigserial,
	data       jsonb       NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (kind, id)
);

CREATE TABLE IF NOT EXISTS event_logs (
	id             bigserial PRIMARY KEY,
	run_id         text        NOT NULL,
	event_type     text        NOT NULL,
	appointment_id text,
	payload        jsonb,
	created_at     timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS event_logs_run_id_idx ON event_logs (run_id);
`

type PgRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PgRepository)(nil)

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// EnsureSchema creates the tables if they do not exist yet.
func (r *PgRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Helpers

type validated[T any] interface {
	*T
	Validate() error
}

func scanDoc(row pgx.Row, notFound error) ([]byte, int64, error) {
	var raw []byte
	var seq int64
	if err := row.Scan(&raw, &seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, notFound
		}
		return nil, 0, err
	}
	return raw, seq, nil
}

func decodeDoc[T any, PT validated[T]](raw []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := PT(&v).Validate(); err != nil {
		return nil, err
	}
	return &v, nil
}

func getDoc[T any, PT validated[T]](ctx context.Context, pool *pgxpool.Pool, kind, id string, notFound error) (*T, error) {
	row := pool.QueryRow(ctx, `
		SELECT data, seq
		FROM records
		WHERE kind = $1 AND id = $2
	`, kind, id)
	raw, _, err := scanDoc(row, notFound)
	if err != nil {
		return nil, err
	}
	return decodeDoc[T, PT](raw)
}

// listDocs returns every document of a kind in insertion order, with its seq.
func listDocs[T any, PT validated[T]](ctx context.Context, pool *pgxpool.Pool, kind string, fn func(v *T, seq int64)) error {
	rows, err := pool.Query(ctx, `
		SELECT data, seq
		FROM records
		WHERE kind = $1
		ORDER BY seq
	`, kind)
	if err != nil {
		return fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	for rows.Next() {
		raw, seq, err := scanDoc(rows, nil)
		if err != nil {
			return err
		}
		v, err := decodeDoc[T, PT](raw)
		if err != nil {
			return err
		}
		fn(v, seq)
	}
	return rows.Err()
}

func (r *PgRepository) upsertDoc(ctx context.Context, kind, id string, v any) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal %s: %w", kind, err)
	}
	var seq int64
	err = r.pool.QueryRow(ctx, `
		INSERT INTO records (kind, id, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (kind, id) DO UPDATE
		SET data = EXCLUDED.data,
		    updated_at = now()
		RETURNING seq
	`, kind, id, data).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("upsert %s %s: %w", kind, id, err)
	}
	return seq, nil
}

// Interface methods

func (r *PgRepository) GetPatient(ctx context.Context, id string) (*Patient, error) {
	return getDoc[Patient](ctx, r.pool, kindPatient, id, ErrPatientNotFound)
}

func (r *PgRepository) ListPatients(ctx context.Context) ([]Patient, error) {
	var out []Patient
	err := listDocs[Patient](ctx, r.pool, kindPatient, func(p *Patient, _ int64) {
		out = append(out, *p)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (r *PgRepository) UpsertPatient(ctx context.Context, p Patient) error {
	if err := p.Normalize(); err != nil {
		return err
	}
	_, err := r.upsertDoc(ctx, kindPatient, p.ID, p)
	return err
}

func (r *PgRepository) GetProvider(ctx context.Context, id string) (*Provider, error) {
	return getDoc[Provider](ctx, r.pool, kindProvider, id, ErrProviderNotFound)
}

func (r *PgRepository) ListProviders(ctx context.Context, f ProviderFilter) ([]Provider, error) {
	var out []Provider
	err := listDocs[Provider](ctx, r.pool, kindProvider, func(p *Provider, _ int64) {
		if f.Match(p) {
			out = append(out, *p)
		}
	})
	return out, err
}

func (r *PgRepository) UpsertProvider(ctx context.Context, p Provider) error {
	if err := p.Normalize(); err != nil {
		return err
	}
	_, err := r.upsertDoc(ctx, kindProvider, p.ID, p)
	return err
}

func (r *PgRepository) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	return getDoc[Appointment](ctx, r.pool, kindAppointment, id, ErrAppointmentNotFound)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	var out []Appointment
	err := listDocs[Appointment](ctx, r.pool, kindAppointment, func(a *Appointment, _ int64) {
		if f.Match(a) {
			out = append(out, *a)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (r *PgRepository) UpsertAppointment(ctx context.Context, a Appointment) error {
	if err := a.Normalize(); err != nil {
		return err
	}
	_, err := r.upsertDoc(ctx, kindAppointment, a.ID, a)
	return err
}

func (r *PgRepository) ListWaitlist(ctx context.Context, f WaitlistFilter) ([]WaitlistEntry, error) {
	var out []WaitlistEntry
	err := listDocs[WaitlistEntry](ctx, r.pool, kindWaitlist, func(w *WaitlistEntry, seq int64) {
		w.Seq = seq
		if f.Match(w) {
			out = append(out, *w)
		}
	})
	return out, err
}

func (r *PgRepository) AddWaitlistEntry(ctx context.Context, w WaitlistEntry) (*WaitlistEntry, error) {
	if err := w.Normalize(); err != nil {
		return nil, err
	}
	seq, err := r.upsertDoc(ctx, kindWaitlist, w.ID, w)
	if err != nil {
		return nil, err
	}
	w.Seq = seq
	return &w, nil
}

func (r *PgRepository) DeleteWaitlistEntry(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM records
		WHERE kind = $1 AND id = $2
	`, kindWaitlist, id)
	if err != nil {
		return fmt.Errorf("delete waitlist entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWaitlistEntryNotFound
	}
	return nil
}

func (r *PgRepository) GetFreedSlot(ctx context.Context, id string) (*FreedSlot, error) {
	return getDoc[FreedSlot](ctx, r.pool, kindFreedSlot, id, ErrFreedSlotNotFound)
}

func (r *PgRepository) ListFreedSlots(ctx context.Context, f FreedSlotFilter) ([]FreedSlot, error) {
	var out []FreedSlot
	err := listDocs[FreedSlot](ctx, r.pool, kindFreedSlot, func(s *FreedSlot, _ int64) {
		if f.Match(s) {
			out = append(out, *s)
		}
	})
	return out, err
}

func (r *PgRepository) CreateFreedSlot(ctx context.Context, s FreedSlot) error {
	if err := s.Normalize(); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal freed slot: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO records (kind, id, data, updated_at)
		VALUES ($1, $2, $3, now())
	`, kindFreedSlot, s.ID, data)
	if err != nil {
		return fmt.Errorf("insert freed slot: %w", err)
	}
	return nil
}

func (r *PgRepository) MarkSlotBackfilled(ctx context.Context, id string, with BackfilledWith, at time.Time) (*FreedSlot, error) {
	filler, err := json.Marshal(with)
	if err != nil {
		return nil, fmt.Errorf("marshal backfilled_with: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE records
		SET data = data || jsonb_build_object(
		        'status', 'backfilled',
		        'backfilled_with', $3::jsonb,
		        'backfilled_at', $4::text),
		    updated_at = now()
		WHERE kind = $1
		  AND id = $2
		  AND data->>'status' = 'available'
		RETURNING data, seq
	`, kindFreedSlot, id, filler, at.UTC().Format(time.RFC3339Nano))

	raw, _, err := scanDoc(row, ErrSlotAlreadyBackfilled)
	if errors.Is(err, ErrSlotAlreadyBackfilled) {
		// distinguish a missing slot from one that was already filled
		if _, getErr := r.GetFreedSlot(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("mark slot backfilled: %w", err)
	}
	return decodeDoc[FreedSlot](raw)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (run_id, event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.RunID, ev.EventType, ev.AppointmentID, []byte(ev.Payload), nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func (r *PgRepository) ListEvents(ctx context.Context, runID string) ([]EventLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, run_id, event_type, appointment_id, payload, created_at
		FROM event_logs
		WHERE $1 = '' OR run_id = $1
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []EventLog
	for rows.Next() {
		var ev EventLog
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.EventType, &ev.AppointmentID, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
