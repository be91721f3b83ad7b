package governance

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

type governanceDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type tracer interface {
	AppendTrace(ctx context.Context, caseID uuid.UUID, eventType, refType, refID string, meta map[string]any) (models.TraceEvent, error)
}

// Handler executes one action type. Outcome payload is structured; success
// false routes the action to FAILED.
type Handler func(ctx context.Context, action models.Action) (bool, map[string]any, error)

type Governor struct {
	DB       governanceDB
	Trace    tracer
	handlers map[string]Handler
	inverses map[string]Handler
}

func NewGovernor(db governanceDB, trace tracer) *Governor {
	g := &Governor{DB: db, Trace: trace, handlers: map[string]Handler{}, inverses: map[string]Handler{}}
	g.registerDefaults()
	return g
}

// RegisterHandler overrides the executor for one action type.
func (g *Governor) RegisterHandler(actionType string, h Handler) {
	g.handlers[actionType] = h
}

// RegisterInverse overrides the rollback handler for one action type.
func (g *Governor) RegisterInverse(actionType string, h Handler) {
	g.inverses[actionType] = h
}

var ErrNotFound = errors.New("action not found")

// Propose records a new action in PROPOSED. requires_approval is the library
// default raised by the policy verdict; a HIGH-risk action that would not
// require approval is an invariant violation, rejected before insert.
func (g *Governor) Propose(ctx context.Context, caseID uuid.UUID, actionType string, args map[string]any, policyRequiresApproval bool) (models.Action, error) {
	spec, ok := ActionTypes[actionType]
	if !ok {
		return models.Action{}, fmt.Errorf("%w: %s", ErrUnknownActionType, actionType)
	}
	requiresApproval := spec.RequiresApproval || policyRequiresApproval
	if spec.Risk == models.RiskHigh && !requiresApproval {
		return models.Action{}, invariant.New(invariant.ActionGovernance, "",
			fmt.Sprintf("HIGH risk action %s must require approval", actionType))
	}
	if spec.Risk == models.RiskHigh {
		requiresApproval = true
	}
	var argsRaw json.RawMessage
	if args != nil {
		argsRaw, _ = json.Marshal(args)
	}
	a := models.Action{
		ID:               uuid.New(),
		CaseID:           caseID,
		Type:             actionType,
		Args:             argsRaw,
		Risk:             spec.Risk,
		RequiresApproval: requiresApproval,
		State:            models.ActionProposed,
		CreatedAt:        time.Now().UTC(),
	}
	_, err := g.DB.Exec(ctx, `
		INSERT INTO action (id, case_id, type, args, risk_level, requires_approval, state, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, a.ID, a.CaseID, a.Type, a.Args, a.Risk, a.RequiresApproval, a.State, a.CreatedAt)
	if err != nil {
		return models.Action{}, err
	}
	g.trace(ctx, a, "", models.ActionProposed, nil)
	return a, nil
}

func (g *Governor) Get(ctx context.Context, id uuid.UUID) (models.Action, error) {
	var a models.Action
	var approvedBy *string
	err := g.DB.QueryRow(ctx, `
		SELECT id, case_id, type, args, risk_level, requires_approval, state, approved_by, approved_at, created_at
		FROM action WHERE id=$1
	`, id).Scan(&a.ID, &a.CaseID, &a.Type, &a.Args, &a.Risk, &a.RequiresApproval,
		&a.State, &approvedBy, &a.ApprovedAt, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, ErrNotFound
	}
	if approvedBy != nil {
		a.ApprovedBy = *approvedBy
	}
	return a, err
}

// SubmitForApproval moves PROPOSED to PENDING_APPROVAL (approval required) or
// straight to APPROVED (not required).
func (g *Governor) SubmitForApproval(ctx context.Context, id uuid.UUID) (models.Action, error) {
	a, err := g.Get(ctx, id)
	if err != nil {
		return a, err
	}
	target := models.ActionApproved
	if a.RequiresApproval {
		target = models.ActionPendingApproval
	}
	if a.State == target {
		return a, nil
	}
	if !CanTransition(a.State, target) {
		return a, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.State, target)
	}
	if target == models.ActionApproved {
		return g.Approve(ctx, id, "SYSTEM")
	}
	if err := g.setState(ctx, &a, target, nil); err != nil {
		return a, err
	}
	return a, nil
}

// Approve sets approved_by/approved_at and moves to APPROVED. A second
// Approve of an already APPROVED action is a no-op (idempotent re-delivery).
func (g *Governor) Approve(ctx context.Context, id uuid.UUID, actor string) (models.Action, error) {
	a, err := g.Get(ctx, id)
	if err != nil {
		return a, err
	}
	if a.State == models.ActionApproved {
		return a, nil
	}
	if !CanTransition(a.State, models.ActionApproved) {
		return a, fmt.Errorf("%w: %s -> APPROVED", ErrInvalidTransition, a.State)
	}
	now := time.Now().UTC()
	_, err = g.DB.Exec(ctx, `
		UPDATE action SET state='APPROVED', approved_by=$2, approved_at=$3 WHERE id=$1
	`, id, actor, now)
	if err != nil {
		return a, err
	}
	from := a.State
	a.State = models.ActionApproved
	a.ApprovedBy = actor
	a.ApprovedAt = &now
	g.trace(ctx, a, from, a.State, map[string]any{"actor": actor})
	return a, nil
}

// Reject fails a PENDING_APPROVAL action.
func (g *Governor) Reject(ctx context.Context, id uuid.UUID, actor, reason string) (models.Action, error) {
	a, err := g.Get(ctx, id)
	if err != nil {
		return a, err
	}
	if a.State == models.ActionFailed {
		return a, nil
	}
	if !CanTransition(a.State, models.ActionFailed) {
		return a, fmt.Errorf("%w: %s -> FAILED", ErrInvalidTransition, a.State)
	}
	if err := g.setState(ctx, &a, models.ActionFailed, map[string]any{"actor": actor, "reason": reason}); err != nil {
		return a, err
	}
	return a, nil
}

// Execute dispatches the action to its handler. An approval-requiring action
// with no approval timestamp is an invariant violation; the state never
// reaches EXECUTING.
func (g *Governor) Execute(ctx context.Context, id uuid.UUID) (models.Outcome, error) {
	a, err := g.Get(ctx, id)
	if err != nil {
		return models.Outcome{}, err
	}
	if a.RequiresApproval && a.ApprovedAt == nil {
		return models.Outcome{}, invariant.New(invariant.ActionGovernance, a.ID.String(),
			"action requires approval and has no approval timestamp")
	}
	if !CanTransition(a.State, models.ActionExecuting) {
		return models.Outcome{}, fmt.Errorf("%w: %s -> EXECUTING", ErrInvalidTransition, a.State)
	}
	handler, ok := g.handlers[a.Type]
	if !ok {
		return models.Outcome{}, fmt.Errorf("%w: %s", ErrHandlerNotRegistered, a.Type)
	}
	if err := g.setState(ctx, &a, models.ActionExecuting, nil); err != nil {
		return models.Outcome{}, err
	}

	success, payload, handlerErr := handler(ctx, a)
	if handlerErr != nil {
		success = false
		if payload == nil {
			payload = map[string]any{}
		}
		payload["error"] = handlerErr.Error()
	}
	final := models.ActionCompleted
	if !success {
		final = models.ActionFailed
	}
	if err := g.setState(ctx, &a, final, payload); err != nil {
		return models.Outcome{}, err
	}
	return g.recordOutcome(ctx, a.ID, success, payload)
}

// Fail marks an in-flight action FAILED with a reason (used on cancellation).
func (g *Governor) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	a, err := g.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.State == models.ActionFailed {
		return nil
	}
	if !CanTransition(a.State, models.ActionFailed) {
		return fmt.Errorf("%w: %s -> FAILED", ErrInvalidTransition, a.State)
	}
	return g.setState(ctx, &a, models.ActionFailed, map[string]any{"reason": reason})
}

// Rollback invokes the inverse handler. Defined for the five rollbackable
// types only; everything else requires operator action.
func (g *Governor) Rollback(ctx context.Context, id uuid.UUID, actor string) (models.Outcome, error) {
	a, err := g.Get(ctx, id)
	if err != nil {
		return models.Outcome{}, err
	}
	if !Rollbackable(a.Type) {
		return models.Outcome{}, fmt.Errorf("%w: %s", ErrRollbackUnsupported, a.Type)
	}
	if !CanTransition(a.State, models.ActionRolledBack) {
		return models.Outcome{}, fmt.Errorf("%w: %s -> ROLLED_BACK", ErrInvalidTransition, a.State)
	}
	inverse, ok := g.inverses[a.Type]
	if !ok {
		return models.Outcome{}, fmt.Errorf("%w: %s", ErrHandlerNotRegistered, a.Type)
	}
	success, payload, invErr := inverse(ctx, a)
	if invErr != nil {
		success = false
		if payload == nil {
			payload = map[string]any{}
		}
		payload["error"] = invErr.Error()
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["rolled_back_by"] = actor
	if err := g.setState(ctx, &a, models.ActionRolledBack, payload); err != nil {
		return models.Outcome{}, err
	}
	return g.recordOutcome(ctx, a.ID, success, payload)
}

// PendingApprovals lists actions awaiting an approver for a case.
func (g *Governor) PendingApprovals(ctx context.Context, caseID uuid.UUID) ([]models.Action, error) {
	return g.listByState(ctx, caseID, models.ActionPendingApproval)
}

// ForCase lists all actions for a case in creation order.
func (g *Governor) ForCase(ctx context.Context, caseID uuid.UUID) ([]models.Action, error) {
	return g.listByState(ctx, caseID, "")
}

// AllTerminal reports whether every action for a case reached a terminal
// state. Part of the auto-resolution check.
func (g *Governor) AllTerminal(ctx context.Context, caseID uuid.UUID) (bool, error) {
	var n int
	err := g.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM action
		WHERE case_id=$1 AND state NOT IN ('COMPLETED','FAILED','ROLLED_BACK')
	`, caseID).Scan(&n)
	return n == 0, err
}

// OutcomeFor returns the recorded outcome for an action, if any.
func (g *Governor) OutcomeFor(ctx context.Context, actionID uuid.UUID) (*models.Outcome, error) {
	var o models.Outcome
	err := g.DB.QueryRow(ctx, `
		SELECT id, action_id, success, payload, created_at
		FROM outcome WHERE action_id=$1 ORDER BY created_at DESC LIMIT 1
	`, actionID).Scan(&o.ID, &o.ActionID, &o.Success, &o.Payload, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (g *Governor) listByState(ctx context.Context, caseID uuid.UUID, state string) ([]models.Action, error) {
	q := `
		SELECT id, case_id, type, args, risk_level, requires_approval, state, approved_by, approved_at, created_at
		FROM action WHERE case_id=$1`
	args := []any{caseID}
	if state != "" {
		q += ` AND state=$2`
		args = append(args, state)
	}
	q += ` ORDER BY created_at`
	rows, err := g.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Action{}
	for rows.Next() {
		var a models.Action
		var approvedBy *string
		if err := rows.Scan(&a.ID, &a.CaseID, &a.Type, &a.Args, &a.Risk, &a.RequiresApproval,
			&a.State, &approvedBy, &a.ApprovedAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		if approvedBy != nil {
			a.ApprovedBy = *approvedBy
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (g *Governor) setState(ctx context.Context, a *models.Action, to string, meta map[string]any) error {
	_, err := g.DB.Exec(ctx, `UPDATE action SET state=$2 WHERE id=$1`, a.ID, to)
	if err != nil {
		return err
	}
	from := a.State
	a.State = to
	g.trace(ctx, *a, from, to, meta)
	return nil
}

func (g *Governor) recordOutcome(ctx context.Context, actionID uuid.UUID, success bool, payload map[string]any) (models.Outcome, error) {
	var payloadRaw json.RawMessage
	if payload != nil {
		payloadRaw, _ = json.Marshal(payload)
	}
	o := models.Outcome{
		ID:        uuid.New(),
		ActionID:  actionID,
		Success:   success,
		Payload:   payloadRaw,
		CreatedAt: time.Now().UTC(),
	}
	_, err := g.DB.Exec(ctx, `
		INSERT INTO outcome (id, action_id, success, payload, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, o.ID, o.ActionID, o.Success, o.Payload, o.CreatedAt)
	return o, err
}

func (g *Governor) trace(ctx context.Context, a models.Action, from, to string, extra map[string]any) {
	if g.Trace == nil {
		return
	}
	meta := map[string]any{"action_type": a.Type, "to_state": to}
	if from != "" {
		meta["from_state"] = from
	}
	for k, v := range extra {
		meta[k] = v
	}
	_, _ = g.Trace.AppendTrace(ctx, a.CaseID, models.TraceStateEnter, "action", a.ID.String(), meta)
}
