// Package cases owns case rows, the per-case ordered trace, and posture
// history. Trace sequence numbers are allocated from the database so ordering
// survives concurrent writers within one case.
package cases

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"aerogate/pkg/models"
)

type casesDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	DB casesDB
}

var ErrNotFound = errors.New("case not found")

func (s *Store) Create(ctx context.Context, caseType, scope string) (models.Case, error) {
	c := models.Case{
		ID:        uuid.New(),
		Type:      caseType,
		Scope:     scope,
		Status:    models.CaseOpen,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO cases (id, case_type, scope, status, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, c.ID, c.Type, c.Scope, c.Status, c.CreatedAt)
	return c, err
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (models.Case, error) {
	var c models.Case
	err := s.DB.QueryRow(ctx, `
		SELECT id, case_type, scope, status, COALESCE(posture,''), created_at, resolved_at
		FROM cases WHERE id=$1
	`, id).Scan(&c.ID, &c.Type, &c.Scope, &c.Status, &c.Posture, &c.CreatedAt, &c.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

// SetStatus moves a case between OPEN / BLOCKED / RESOLVED / FAILED. A case
// already RESOLVED is append-only: further status writes are rejected.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	var resolvedAt *time.Time
	if status == models.CaseResolved {
		now := time.Now().UTC()
		resolvedAt = &now
	}
	tag, err := s.DB.Exec(ctx, `
		UPDATE cases SET status=$2, resolved_at=COALESCE($3, resolved_at)
		WHERE id=$1 AND status != 'RESOLVED'
	`, id, status, resolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		c, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if c.Status == models.CaseResolved {
			return errors.New("case already resolved")
		}
	}
	return nil
}

func (s *Store) SetPosture(ctx context.Context, id uuid.UUID, posture string) error {
	_, err := s.DB.Exec(ctx, `UPDATE cases SET posture=$2 WHERE id=$1`, id, posture)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO posture_history (id, case_id, posture, recorded_at)
		VALUES ($1,$2,$3,$4)
	`, uuid.New(), id, posture, time.Now().UTC())
	return err
}

// AppendTrace writes one trace event with the next sequence number for the
// case. Sequence allocation and insert happen in one statement so concurrent
// writers within a case serialize on the database.
func (s *Store) AppendTrace(ctx context.Context, caseID uuid.UUID, eventType, refType, refID string, meta map[string]any) (models.TraceEvent, error) {
	var metaRaw json.RawMessage
	if meta != nil {
		metaRaw, _ = json.Marshal(meta)
	}
	ev := models.TraceEvent{
		ID:        uuid.New(),
		CaseID:    caseID,
		EventType: eventType,
		RefType:   refType,
		RefID:     refID,
		Meta:      metaRaw,
		CreatedAt: time.Now().UTC(),
	}
	err := s.DB.QueryRow(ctx, `
		INSERT INTO trace_event (id, case_id, seq, event_type, ref_type, ref_id, meta, created_at)
		VALUES ($1, $2,
		        (SELECT COALESCE(MAX(seq),0)+1 FROM trace_event WHERE case_id=$2),
		        $3, $4, $5, $6, $7)
		RETURNING seq
	`, ev.ID, ev.CaseID, ev.EventType, ev.RefType, ev.RefID, ev.Meta, ev.CreatedAt).Scan(&ev.Seq)
	return ev, err
}

func (s *Store) Trace(ctx context.Context, caseID uuid.UUID) ([]models.TraceEvent, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, case_id, seq, event_type, ref_type, ref_id, meta, created_at
		FROM trace_event WHERE case_id=$1 ORDER BY seq
	`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.TraceEvent{}
	for rows.Next() {
		var ev models.TraceEvent
		var refType, refID *string
		if err := rows.Scan(&ev.ID, &ev.CaseID, &ev.Seq, &ev.EventType, &refType, &refID, &ev.Meta, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if refType != nil {
			ev.RefType = *refType
		}
		if refID != nil {
			ev.RefID = *refID
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
