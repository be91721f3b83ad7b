package playbooks

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"aerogate/pkg/models"
)

type playbookDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	DB playbookDB
}

// Pattern is the matchable context mined from a resolved case.
type Pattern struct {
	CaseType        string   `json:"case_type"`
	Scope           string   `json:"scope"`
	EvidenceSources []string `json:"evidence_sources"`
	Contradictions  []string `json:"contradictions"`
	RiskLevel       string   `json:"risk_level"`
	Posture         string   `json:"posture"`
}

// Mine extracts a playbook from a resolved case and persists it with the
// policy snapshot active at mining time. Success marks the first use.
func (s *Store) Mine(ctx context.Context, caseRow models.Case, pattern Pattern, executedActions []models.Action, policyTexts []string, success bool) (models.Playbook, error) {
	patternRaw, _ := json.Marshal(pattern)
	template := make([]map[string]any, 0, len(executedActions))
	for _, a := range executedActions {
		var args map[string]any
		if len(a.Args) > 0 {
			_ = json.Unmarshal(a.Args, &args)
		}
		template = append(template, map[string]any{"type": a.Type, "args": args, "risk_level": a.Risk})
	}
	templateRaw, _ := json.Marshal(template)

	successCount := 0
	if success {
		successCount = 1
	}
	pb := models.Playbook{
		ID:             uuid.New(),
		Pattern:        patternRaw,
		ActionTemplate: templateRaw,
		Domain:         InferDomain(pattern.CaseType, pattern.EvidenceSources),
		UseCount:       1,
		SuccessCount:   successCount,
		PolicySnapshot: models.PolicySnapshot(policyTexts),
		CreatedAt:      time.Now().UTC(),
	}
	snapshotRaw, _ := json.Marshal(pb.PolicySnapshot)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO playbook
		(id, pattern, action_template, domain, use_count, success_count, policy_snapshot, created_at, source_case_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, pb.ID, pb.Pattern, pb.ActionTemplate, pb.Domain, pb.UseCount, pb.SuccessCount,
		snapshotRaw, pb.CreatedAt, caseRow.ID)
	return pb, err
}

// Scored is a retrieval result with its component factors.
type Scored struct {
	Playbook        models.Playbook `json:"playbook"`
	Score           float64         `json:"score"`
	Decay           float64         `json:"decay"`
	PolicyAlignment float64         `json:"policy_alignment"`
}

// Retrieve ranks playbooks matching the scope context against the current
// policy set. Decay and alignment are computed at call time, never stored.
func (s *Store) Retrieve(ctx context.Context, caseType, scope string, currentPolicyTexts []string, limit int) ([]Scored, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, pattern, action_template, domain, use_count, success_count, policy_snapshot, created_at, last_used_at
		FROM playbook ORDER BY created_at DESC LIMIT 200
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now().UTC()
	currentSnapshot := models.PolicySnapshot(currentPolicyTexts)
	out := []Scored{}
	for rows.Next() {
		var pb models.Playbook
		var snapshotRaw json.RawMessage
		if err := rows.Scan(&pb.ID, &pb.Pattern, &pb.ActionTemplate, &pb.Domain,
			&pb.UseCount, &pb.SuccessCount, &snapshotRaw, &pb.CreatedAt, &pb.LastUsedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(snapshotRaw, &pb.PolicySnapshot)

		var pattern Pattern
		_ = json.Unmarshal(pb.Pattern, &pattern)
		if caseType != "" && pattern.CaseType != caseType {
			continue
		}
		if scope != "" && pattern.Scope != "" && pattern.Scope != scope {
			continue
		}
		decay := DecayFactor(pb.CreatedAt, pb.LastUsedAt, pb.Domain, now)
		alignment := PolicyAlignment(pb.PolicySnapshot, currentSnapshot)
		out = append(out, Scored{
			Playbook:        pb,
			Score:           Score(pb.SuccessRate(), decay, alignment, pb.UseCount),
			Decay:           decay,
			PolicyAlignment: alignment,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordUse bumps use/success counters and refreshes last_used_at.
func (s *Store) RecordUse(ctx context.Context, id uuid.UUID, success bool) error {
	successDelta := 0
	if success {
		successDelta = 1
	}
	_, err := s.DB.Exec(ctx, `
		UPDATE playbook
		SET use_count = use_count + 1,
		    success_count = success_count + $2,
		    last_used_at = $3
		WHERE id=$1
	`, id, successDelta, time.Now().UTC())
	return err
}
