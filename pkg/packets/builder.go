// Package packets assembles and seals the Decision Packet, the immutable
// audit artifact for a case. Build is pure: the same inputs yield the same
// packet, so replay and determinism checks diff packet JSON directly.
package packets

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"aerogate/pkg/models"
	"aerogate/pkg/policy"
)

// BuildInput carries everything the packet cites. The orchestrator gathers
// these from the stores; the builder only arranges and seals.
type BuildInput struct {
	Case            models.Case
	Posture         string
	Rationale       string
	Claims          []models.Claim
	Evidence        []models.Evidence
	Contradictions  []models.Contradiction
	PolicyResult    policy.Result
	PolicyTexts     map[string]string // text hash -> text
	ActionsProposed []models.Action
	ActionsExecuted []models.PacketActionResult
	MissingOpen     []models.MissingEvidenceRequest
	Trace           []models.TraceEvent
	Confidence      models.ConfidenceBreakdown
	Cascade         *models.CascadeImpact
	FirstSignalAt   time.Time
	PostureAt       time.Time
	SealedAt        time.Time
	InvestigateRuns int
}

// Build assembles the packet. Policies are deduplicated by text hash and
// sorted by hash; evidence, claims and trace keep the order they are given in.
func Build(in BuildInput) models.DecisionPacket {
	evidence := make([]models.PacketEvidence, 0, len(in.Evidence))
	for _, ev := range in.Evidence {
		evidence = append(evidence, models.PacketEvidence{
			ID:           ev.ID,
			SourceSystem: ev.SourceSystem,
			SourceRef:    ev.SourceRef,
			Excerpt:      ev.Excerpt,
		})
	}

	policies := make([]models.PacketPolicy, 0, len(in.PolicyResult.Effects))
	seen := map[string]bool{}
	for _, eff := range in.PolicyResult.Effects {
		if seen[eff.TextHash] {
			continue
		}
		seen[eff.TextHash] = true
		text := eff.PolicyText
		if text == "" {
			text = in.PolicyTexts[eff.TextHash]
		}
		policies = append(policies, models.PacketPolicy{
			TextHash: eff.TextHash,
			Text:     text,
			Effect:   eff.Action,
		})
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].TextHash < policies[j].TextHash })

	blockingOpen := false
	for _, req := range in.MissingOpen {
		if req.Criticality == models.CriticalityBlocking {
			blockingOpen = true
			break
		}
	}

	pdl := int64(0)
	if !in.FirstSignalAt.IsZero() && in.PostureAt.After(in.FirstSignalAt) {
		pdl = in.PostureAt.Sub(in.FirstSignalAt).Milliseconds()
	}

	return models.DecisionPacket{
		CaseID:          in.Case.ID,
		Scope:           in.Case.Scope,
		Posture:         in.Posture,
		Rationale:       in.Rationale,
		Claims:          in.Claims,
		Evidence:        evidence,
		Contradictions:  in.Contradictions,
		PoliciesApplied: policies,
		ActionsProposed: in.ActionsProposed,
		ActionsExecuted: in.ActionsExecuted,
		BlockedSection: models.BlockedSection{
			IsBlocked:               in.Case.Status == models.CaseBlocked || blockingOpen,
			MissingEvidenceRequests: in.MissingOpen,
		},
		WorkflowTrace:       in.Trace,
		ConfidenceBreakdown: in.Confidence,
		CascadeImpact:       in.Cascade,
		Timestamps: models.PacketTimestamps{
			CaseCreatedAt:  in.Case.CreatedAt,
			FirstSignalAt:  in.FirstSignalAt,
			PostureAt:      in.PostureAt,
			PacketSealedAt: in.SealedAt,
		},
		Metrics: models.PacketMetrics{
			PDLMillis:       pdl,
			EvidenceCount:   len(evidence),
			ClaimCount:      len(in.Claims),
			ActionsProposed: len(in.ActionsProposed),
			ActionsExecuted: len(in.ActionsExecuted),
			InvestigateRuns: in.InvestigateRuns,
		},
	}
}

type packetDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	DB packetDB
}

var ErrNotFound = errors.New("decision packet not found")

// Save seals the packet. One packet per case; a second save is rejected
// silently so re-delivered COMPLETE states cannot rewrite history.
func (s *Store) Save(ctx context.Context, p models.DecisionPacket) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO decision_packet (case_id, packet, sealed_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (case_id) DO NOTHING
	`, p.CaseID, raw, p.Timestamps.PacketSealedAt)
	return err
}

func (s *Store) Load(ctx context.Context, caseID uuid.UUID) (models.DecisionPacket, error) {
	var raw json.RawMessage
	err := s.DB.QueryRow(ctx, `SELECT packet FROM decision_packet WHERE case_id=$1`, caseID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DecisionPacket{}, ErrNotFound
	}
	if err != nil {
		return models.DecisionPacket{}, err
	}
	var p models.DecisionPacket
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.DecisionPacket{}, err
	}
	return p, nil
}
