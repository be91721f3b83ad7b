// Package graph is the append-only context graph: nodes with versioned
// attributes, bi-temporal evidence-bound edges and claims, and contradiction
// records. The three binding invariants are enforced here, at the store layer,
// before SQL; matching triggers in migrations back-stop out-of-band writers.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"aerogate/pkg/invariant"
	"aerogate/pkg/models"
)

type graphDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	DB graphDB
}

var ErrNotFound = errors.New("graph row not found")

// GetOrCreateNode returns the node for (type, identifier), inserting it on
// first sight. Identity is unique; a concurrent insert resolves to one row.
func (s *Store) GetOrCreateNode(ctx context.Context, nodeType, identifier string) (models.Node, error) {
	var n models.Node
	err := s.DB.QueryRow(ctx, `
		WITH ins AS (
			INSERT INTO node (id, type, identifier, created_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (type, identifier) DO NOTHING
			RETURNING id, type, identifier, created_at
		)
		SELECT id, type, identifier, created_at FROM ins
		UNION ALL
		SELECT id, type, identifier, created_at FROM node WHERE type = $2 AND identifier = $3
		LIMIT 1
	`, uuid.New(), nodeType, identifier, time.Now().UTC()).
		Scan(&n.ID, &n.Type, &n.Identifier, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// The conflicting row was committed after this statement's snapshot.
		err = s.DB.QueryRow(ctx, `SELECT id, type, identifier, created_at FROM node WHERE type = $1 AND identifier = $2`,
			nodeType, identifier).Scan(&n.ID, &n.Type, &n.Identifier, &n.CreatedAt)
	}
	return n, err
}

func (s *Store) GetNode(ctx context.Context, nodeType, identifier string) (models.Node, error) {
	var n models.Node
	err := s.DB.QueryRow(ctx, `
		SELECT id, type, identifier, created_at FROM node WHERE type=$1 AND identifier=$2
	`, nodeType, identifier).Scan(&n.ID, &n.Type, &n.Identifier, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return n, ErrNotFound
	}
	return n, err
}

// NewVersion appends a node attribute version: the open version's valid_to is
// closed at now and the new version chains supersedes. Node rows themselves
// are never updated.
func (s *Store) NewVersion(ctx context.Context, nodeID uuid.UUID, attrs map[string]any) (uuid.UUID, error) {
	now := time.Now().UTC()
	raw, err := json.Marshal(attrs)
	if err != nil {
		return uuid.Nil, err
	}

	var prevID *uuid.UUID
	err = s.DB.QueryRow(ctx, `
		UPDATE node_version SET valid_to=$1
		WHERE node_id=$2 AND valid_to IS NULL
		RETURNING id
	`, now, nodeID).Scan(&prevID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, err
	}

	id := uuid.New()
	_, err = s.DB.Exec(ctx, `
		INSERT INTO node_version (id, node_id, attrs, valid_from, valid_to, supersedes)
		VALUES ($1,$2,$3,$4,NULL,$5)
	`, id, nodeID, raw, now, prevID)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// CurrentVersion returns the open attribute version for a node, if any.
func (s *Store) CurrentVersion(ctx context.Context, nodeID uuid.UUID) (models.NodeVersion, error) {
	var v models.NodeVersion
	err := s.DB.QueryRow(ctx, `
		SELECT id, node_id, attrs, valid_from, valid_to, supersedes
		FROM node_version WHERE node_id=$1 AND valid_to IS NULL
	`, nodeID).Scan(&v.ID, &v.NodeID, &v.Attrs, &v.ValidFrom, &v.ValidTo, &v.Supersedes)
	if errors.Is(err, pgx.ErrNoRows) {
		return v, ErrNotFound
	}
	return v, err
}

// EdgeInput describes one edge insertion. EvidenceIDs are bound in the same
// logical write; Status FACT with no evidence is an invariant violation.
type EdgeInput struct {
	Src            uuid.UUID
	Dst            uuid.UUID
	Type           string
	Attrs          map[string]any
	Status         string
	SourceSystem   string
	Confidence     float64
	EventTimeStart *time.Time
	EventTimeEnd   *time.Time
	ValidFrom      *time.Time
	ValidTo        *time.Time
	Supersedes     *uuid.UUID
	EvidenceIDs    []uuid.UUID
}

func (s *Store) CreateEdge(ctx context.Context, in EdgeInput) (models.Edge, error) {
	if in.Status == "" {
		in.Status = models.StatusDraft
	}
	if in.Status == models.StatusFact && len(in.EvidenceIDs) == 0 {
		return models.Edge{}, invariant.New(invariant.EvidenceBinding, "",
			fmt.Sprintf("edge %s inserted as FACT without evidence", in.Type))
	}
	raw, err := json.Marshal(in.Attrs)
	if err != nil {
		return models.Edge{}, err
	}
	e := models.Edge{
		ID:             uuid.New(),
		Src:            in.Src,
		Dst:            in.Dst,
		Type:           in.Type,
		Attrs:          raw,
		Status:         in.Status,
		SourceSystem:   in.SourceSystem,
		Confidence:     in.Confidence,
		EventTimeStart: in.EventTimeStart,
		EventTimeEnd:   in.EventTimeEnd,
		IngestedAt:     time.Now().UTC(),
		ValidFrom:      in.ValidFrom,
		ValidTo:        in.ValidTo,
		Supersedes:     in.Supersedes,
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO edge
		(id, src, dst, type, attrs, status, source_system, confidence,
		 event_time_start, event_time_end, ingested_at, valid_from, valid_to, supersedes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, e.ID, e.Src, e.Dst, e.Type, e.Attrs, e.Status, e.SourceSystem, e.Confidence,
		e.EventTimeStart, e.EventTimeEnd, e.IngestedAt, e.ValidFrom, e.ValidTo, e.Supersedes)
	if err != nil {
		return models.Edge{}, err
	}
	for _, evID := range in.EvidenceIDs {
		if err := s.BindEdgeEvidence(ctx, e.ID, evID); err != nil {
			return models.Edge{}, err
		}
	}
	return e, nil
}

func (s *Store) BindEdgeEvidence(ctx context.Context, edgeID, evidenceID uuid.UUID) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO edge_evidence (edge_id, evidence_id)
		VALUES ($1,$2) ON CONFLICT DO NOTHING
	`, edgeID, evidenceID)
	return err
}

func (s *Store) BindClaimEvidence(ctx context.Context, claimID, evidenceID uuid.UUID) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO claim_evidence (claim_id, evidence_id)
		VALUES ($1,$2) ON CONFLICT DO NOTHING
	`, claimID, evidenceID)
	return err
}

func (s *Store) edgeEvidenceCount(ctx context.Context, edgeID uuid.UUID) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM edge_evidence WHERE edge_id=$1`, edgeID).Scan(&n)
	return n, err
}

func (s *Store) claimEvidenceCount(ctx context.Context, claimID uuid.UUID) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM claim_evidence WHERE claim_id=$1`, claimID).Scan(&n)
	return n, err
}

// PromoteEdgeToFact flips a DRAFT edge to FACT. Rejected with a typed
// violation unless at least one evidence binding exists at promotion time.
func (s *Store) PromoteEdgeToFact(ctx context.Context, edgeID uuid.UUID) error {
	n, err := s.edgeEvidenceCount(ctx, edgeID)
	if err != nil {
		return err
	}
	if n == 0 {
		return invariant.New(invariant.EvidenceBinding, edgeID.String(),
			"edge promotion to FACT requires at least one evidence binding")
	}
	tag, err := s.DB.Exec(ctx, `
		UPDATE edge SET status='FACT' WHERE id=$1 AND status='DRAFT'
	`, edgeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Already FACT or missing; promotion is idempotent on re-delivery.
		var status string
		if err := s.DB.QueryRow(ctx, `SELECT status FROM edge WHERE id=$1`, edgeID).Scan(&status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if status != models.StatusFact {
			return fmt.Errorf("edge %s is %s, not promotable", edgeID, status)
		}
	}
	return nil
}

type ClaimInput struct {
	SubjectNodeID  uuid.UUID
	Text           string
	Status         string
	Confidence     float64
	EventTimeStart *time.Time
	EventTimeEnd   *time.Time
	Supersedes     *uuid.UUID
	EvidenceIDs    []uuid.UUID
}

func (s *Store) CreateClaim(ctx context.Context, in ClaimInput) (models.Claim, error) {
	if in.Status == "" {
		in.Status = models.StatusDraft
	}
	if in.Status == models.StatusFact && len(in.EvidenceIDs) == 0 {
		return models.Claim{}, invariant.New(invariant.EvidenceBinding, "",
			"claim inserted as FACT without evidence")
	}
	c := models.Claim{
		ID:             uuid.New(),
		SubjectNodeID:  in.SubjectNodeID,
		Text:           in.Text,
		Status:         in.Status,
		Confidence:     in.Confidence,
		EventTimeStart: in.EventTimeStart,
		EventTimeEnd:   in.EventTimeEnd,
		IngestedAt:     time.Now().UTC(),
		Supersedes:     in.Supersedes,
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO claim
		(id, subject_node_id, text, status, confidence,
		 event_time_start, event_time_end, ingested_at, supersedes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, c.ID, c.SubjectNodeID, c.Text, c.Status, c.Confidence,
		c.EventTimeStart, c.EventTimeEnd, c.IngestedAt, c.Supersedes)
	if err != nil {
		return models.Claim{}, err
	}
	for _, evID := range in.EvidenceIDs {
		if err := s.BindClaimEvidence(ctx, c.ID, evID); err != nil {
			return models.Claim{}, err
		}
	}
	return c, nil
}

// PromoteClaimToFact follows the claim promotion protocol: insert DRAFT, bind
// evidence, then promote. The binding check fires here.
func (s *Store) PromoteClaimToFact(ctx context.Context, claimID uuid.UUID) error {
	n, err := s.claimEvidenceCount(ctx, claimID)
	if err != nil {
		return err
	}
	if n == 0 {
		return invariant.New(invariant.EvidenceBinding, claimID.String(),
			"claim promotion to FACT requires at least one evidence binding")
	}
	tag, err := s.DB.Exec(ctx, `
		UPDATE claim SET status='FACT' WHERE id=$1 AND status IN ('DRAFT','HYPOTHESIS')
	`, claimID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var status string
		if err := s.DB.QueryRow(ctx, `SELECT status FROM claim WHERE id=$1`, claimID).Scan(&status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if status != models.StatusFact {
			return fmt.Errorf("claim %s is %s, not promotable", claimID, status)
		}
	}
	return nil
}

func (s *Store) RecordContradiction(ctx context.Context, c models.Contradiction) (uuid.UUID, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.ResolutionStatus == "" {
		c.ResolutionStatus = models.ContradictionOpen
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO contradiction
		(id, claim_a, claim_b, type, severity, explanation, detected_at, resolution_status, resolution_claim, attrs)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, c.ID, c.ClaimA, c.ClaimB, c.Type, c.Severity, c.Explanation, c.DetectedAt,
		c.ResolutionStatus, c.ResolutionClaim, c.Attrs)
	return c.ID, err
}

func (s *Store) ResolveContradiction(ctx context.Context, id uuid.UUID, resolutionClaim *uuid.UUID) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE contradiction SET resolution_status='RESOLVED', resolution_claim=$2
		WHERE id=$1 AND resolution_status='OPEN'
	`, id, resolutionClaim)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// OpenContradictions returns OPEN contradictions whose claims reference edges
// or claims rooted at the given node.
func (s *Store) OpenContradictions(ctx context.Context, nodeID uuid.UUID) ([]models.Contradiction, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, claim_a, claim_b, type, severity, explanation, detected_at,
		       resolution_status, resolution_claim, attrs
		FROM contradiction
		WHERE resolution_status='OPEN'
		  AND (claim_a IN (SELECT id FROM edge WHERE src=$1)
		    OR claim_a IN (SELECT id FROM claim WHERE subject_node_id=$1))
		ORDER BY detected_at
	`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Contradiction{}
	for rows.Next() {
		var c models.Contradiction
		if err := rows.Scan(&c.ID, &c.ClaimA, &c.ClaimB, &c.Type, &c.Severity,
			&c.Explanation, &c.DetectedAt, &c.ResolutionStatus, &c.ResolutionClaim, &c.Attrs); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const edgeColumns = `e.id, e.src, e.dst, e.type, e.attrs, e.status, e.source_system, e.confidence,
	e.event_time_start, e.event_time_end, e.ingested_at, e.valid_from, e.valid_to, e.supersedes`

// Direction for Neighbors.
const (
	DirOut  = "out"
	DirIn   = "in"
	DirBoth = "both"
)

// Neighbors returns edges touching a node, honoring validity windows at now.
func (s *Store) Neighbors(ctx context.Context, nodeID uuid.UUID, edgeType, direction string) ([]models.Edge, error) {
	now := time.Now().UTC()
	cond := "(e.src=$3 OR e.dst=$3)"
	switch direction {
	case DirOut:
		cond = "e.src=$3"
	case DirIn:
		cond = "e.dst=$3"
	}
	q := `SELECT ` + edgeColumns + ` FROM edge e WHERE ` + edgeVisibleSQL + ` AND ` + cond
	args := []any{now, now, nodeID}
	if edgeType != "" {
		q += ` AND e.type=$4`
		args = append(args, edgeType)
	}
	q += ` ORDER BY e.ingested_at`
	return s.queryEdges(ctx, q, args...)
}

// LatestEdgesByType returns, per (type, source_system), the most recently
// ingested edge from a node. Signal consumers read current beliefs this way.
func (s *Store) LatestEdgesByType(ctx context.Context, nodeID uuid.UUID, edgeTypes []string) ([]models.Edge, error) {
	q := `
		SELECT DISTINCT ON (e.type, e.source_system) ` + edgeColumns + `
		FROM edge e
		WHERE e.src=$1 AND e.type=ANY($2) AND e.status != 'RETRACTED'
		ORDER BY e.type, e.source_system, e.ingested_at DESC`
	return s.queryEdges(ctx, q, nodeID, edgeTypes)
}

// GraphView is a bi-temporal snapshot.
type GraphView struct {
	EventTime  time.Time       `json:"event_time"`
	IngestTime time.Time       `json:"ingest_time"`
	Edges      []models.Edge   `json:"edges"`
	Claims     []models.Claim  `json:"claims"`
}

// AsOf returns the graph as known at ingestTime about eventTime. This is the
// canonical audit read; replay queries must use it.
func (s *Store) AsOf(ctx context.Context, eventTime, ingestTime time.Time) (GraphView, error) {
	view := GraphView{EventTime: eventTime, IngestTime: ingestTime}
	edges, err := s.queryEdges(ctx,
		`SELECT `+edgeColumns+` FROM edge e WHERE `+edgeVisibleSQL+` ORDER BY e.ingested_at`,
		eventTime, ingestTime)
	if err != nil {
		return view, err
	}
	view.Edges = edges

	rows, err := s.DB.Query(ctx, `
		SELECT c.id, c.subject_node_id, c.text, c.status, c.confidence,
		       c.event_time_start, c.event_time_end, c.ingested_at, c.supersedes
		FROM claim c WHERE `+claimVisibleSQL+` ORDER BY c.ingested_at
	`, eventTime, ingestTime)
	if err != nil {
		return view, err
	}
	defer rows.Close()
	for rows.Next() {
		var c models.Claim
		if err := rows.Scan(&c.ID, &c.SubjectNodeID, &c.Text, &c.Status, &c.Confidence,
			&c.EventTimeStart, &c.EventTimeEnd, &c.IngestedAt, &c.Supersedes); err != nil {
			return view, err
		}
		view.Claims = append(view.Claims, c)
	}
	return view, rows.Err()
}

// UnboundFactClaims returns ids of FACT claims about a node with no evidence
// binding. Always empty unless something bypassed the store; the
// evidence-binding guardrail checks it anyway.
func (s *Store) UnboundFactClaims(ctx context.Context, nodeID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT c.id FROM claim c
		WHERE c.subject_node_id=$1 AND c.status='FACT'
		  AND NOT EXISTS (SELECT 1 FROM claim_evidence ce WHERE ce.claim_id=c.id)
	`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ClaimsForNode returns non-retracted claims about a subject node.
func (s *Store) ClaimsForNode(ctx context.Context, nodeID uuid.UUID) ([]models.Claim, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT c.id, c.subject_node_id, c.text, c.status, c.confidence,
		       c.event_time_start, c.event_time_end, c.ingested_at, c.supersedes
		FROM claim c WHERE c.subject_node_id=$1 AND c.status != 'RETRACTED'
		ORDER BY c.ingested_at
	`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Claim{}
	for rows.Next() {
		var c models.Claim
		if err := rows.Scan(&c.ID, &c.SubjectNodeID, &c.Text, &c.Status, &c.Confidence,
			&c.EventTimeStart, &c.EventTimeEnd, &c.IngestedAt, &c.Supersedes); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) queryEdges(ctx context.Context, q string, args ...any) ([]models.Edge, error) {
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Edge{}
	for rows.Next() {
		var e models.Edge
		if err := rows.Scan(&e.ID, &e.Src, &e.Dst, &e.Type, &e.Attrs, &e.Status,
			&e.SourceSystem, &e.Confidence, &e.EventTimeStart, &e.EventTimeEnd,
			&e.IngestedAt, &e.ValidFrom, &e.ValidTo, &e.Supersedes); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
