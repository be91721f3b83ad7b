// Package missing is the first-class record of what could not be fetched. A
// BLOCKING request with no resolution prevents case auto-resolution and lands
// in the packet's blocked section.
package missing

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

type trackerDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Tracker struct {
	DB trackerDB
}

var ErrNotFound = errors.New("missing evidence request not found")

func (t *Tracker) Record(ctx context.Context, caseID uuid.UUID, source, requestType string, params map[string]any, reason, criticality string) (models.MissingEvidenceRequest, error) {
	var paramsRaw json.RawMessage
	if params != nil {
		paramsRaw, _ = json.Marshal(params)
	}
	req := models.MissingEvidenceRequest{
		ID:          uuid.New(),
		CaseID:      caseID,
		Source:      source,
		RequestType: requestType,
		Params:      paramsRaw,
		Reason:      reason,
		Criticality: criticality,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := t.DB.Exec(ctx, `
		INSERT INTO missing_evidence_request
		(id, case_id, source, request_type, params, reason, criticality, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, req.ID, req.CaseID, req.Source, req.RequestType, req.Params, req.Reason,
		req.Criticality, req.CreatedAt)
	return req, err
}

// Resolve is explicit: a later run that ingests the requested evidence calls
// this with the evidence id. Re-delivery is a no-op.
func (t *Tracker) Resolve(ctx context.Context, requestID, evidenceID uuid.UUID) error {
	tag, err := t.DB.Exec(ctx, `
		UPDATE missing_evidence_request SET resolved_by_evidence=$2
		WHERE id=$1 AND resolved_by_evidence IS NULL
	`, requestID, evidenceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var resolved *uuid.UUID
		err := t.DB.QueryRow(ctx, `
			SELECT resolved_by_evidence FROM missing_evidence_request WHERE id=$1
		`, requestID).Scan(&resolved)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Open returns unresolved requests for a case, optionally by criticality.
func (t *Tracker) Open(ctx context.Context, caseID uuid.UUID, criticality string) ([]models.MissingEvidenceRequest, error) {
	q := `
		SELECT id, case_id, source, request_type, params, reason, criticality, created_at, resolved_by_evidence
		FROM missing_evidence_request
		WHERE case_id=$1 AND resolved_by_evidence IS NULL`
	args := []any{caseID}
	if criticality != "" {
		q += ` AND criticality=$2`
		args = append(args, criticality)
	}
	q += ` ORDER BY created_at`
	rows, err := t.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.MissingEvidenceRequest{}
	for rows.Next() {
		var r models.MissingEvidenceRequest
		if err := rows.Scan(&r.ID, &r.CaseID, &r.Source, &r.RequestType, &r.Params,
			&r.Reason, &r.Criticality, &r.CreatedAt, &r.ResolvedByEvidence); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HasOpenBlocking reports whether any BLOCKING request for the case remains
// unresolved. Case auto-resolution gates on this.
func (t *Tracker) HasOpenBlocking(ctx context.Context, caseID uuid.UUID) (bool, error) {
	var n int
	err := t.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM missing_evidence_request
		WHERE case_id=$1 AND criticality='BLOCKING' AND resolved_by_evidence IS NULL
	`, caseID).Scan(&n)
	return n > 0, err
}
