package governance

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"aerogate/pkg/invariant"
	"aerogate/pkg/models"
)

// memDB is an in-memory stand-in for the action and outcome tables, keyed off
// the statements the Governor actually issues.
type memDB struct {
	mu       sync.Mutex
	actions  map[uuid.UUID]*models.Action
	outcomes []models.Outcome
}

func newMemDB() *memDB {
	return &memDB{actions: map[uuid.UUID]*models.Action{}}
}

func (m *memDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case strings.Contains(sql, "INSERT INTO action"):
		a := models.Action{
			ID:               args[0].(uuid.UUID),
			CaseID:           args[1].(uuid.UUID),
			Type:             args[2].(string),
			Risk:             args[4].(string),
			RequiresApproval: args[5].(bool),
			State:            args[6].(string),
			CreatedAt:        args[7].(time.Time),
		}
		if raw, ok := args[3].(json.RawMessage); ok {
			a.Args = raw
		}
		m.actions[a.ID] = &a
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "SET state='APPROVED'"):
		a, ok := m.actions[args[0].(uuid.UUID)]
		if !ok {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		approvedAt := args[2].(time.Time)
		a.State = models.ActionApproved
		a.ApprovedBy = args[1].(string)
		a.ApprovedAt = &approvedAt
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case strings.Contains(sql, "UPDATE action SET state=$2"):
		a, ok := m.actions[args[0].(uuid.UUID)]
		if !ok {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		a.State = args[1].(string)
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case strings.Contains(sql, "INSERT INTO outcome"):
		o := models.Outcome{
			ID:        args[0].(uuid.UUID),
			ActionID:  args[1].(uuid.UUID),
			Success:   args[2].(bool),
			CreatedAt: args[4].(time.Time),
		}
		if raw, ok := args[3].(json.RawMessage); ok {
			o.Payload = raw
		}
		m.outcomes = append(m.outcomes, o)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return pgconn.NewCommandTag(""), errors.New("memDB: unhandled exec: " + sql)
}

func (m *memDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case strings.Contains(sql, "FROM action WHERE id=$1"):
		a, ok := m.actions[args[0].(uuid.UUID)]
		if !ok {
			return memRow{err: pgx.ErrNoRows}
		}
		approvedBy := (*string)(nil)
		if a.ApprovedBy != "" {
			s := a.ApprovedBy
			approvedBy = &s
		}
		return memRow{values: []any{a.ID, a.CaseID, a.Type, a.Args, a.Risk,
			a.RequiresApproval, a.State, approvedBy, a.ApprovedAt, a.CreatedAt}}
	case strings.Contains(sql, "SELECT COUNT(*) FROM action"):
		caseID := args[0].(uuid.UUID)
		n := 0
		for _, a := range m.actions {
			if a.CaseID == caseID && !IsTerminal(a.State) {
				n++
			}
		}
		return memRow{values: []any{n}}
	case strings.Contains(sql, "FROM outcome WHERE action_id=$1"):
		actionID := args[0].(uuid.UUID)
		for i := len(m.outcomes) - 1; i >= 0; i-- {
			if m.outcomes[i].ActionID == actionID {
				o := m.outcomes[i]
				return memRow{values: []any{o.ID, o.ActionID, o.Success, o.Payload, o.CreatedAt}}
			}
		}
		return memRow{err: pgx.ErrNoRows}
	}
	return memRow{err: errors.New("memDB: unhandled query: " + sql)}
}

func (m *memDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("memDB: Query not supported in this test")
}

type memRow struct {
	values []any
	err    error
}

func (r memRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("memRow: column count mismatch")
	}
	for i, v := range r.values {
		dv := reflect.ValueOf(dest[i]).Elem()
		if v == nil {
			dv.Set(reflect.Zero(dv.Type()))
			continue
		}
		sv := reflect.ValueOf(v)
		if sv.Type().AssignableTo(dv.Type()) {
			dv.Set(sv)
			continue
		}
		if sv.Type().ConvertibleTo(dv.Type()) {
			dv.Set(sv.Convert(dv.Type()))
			continue
		}
		return errors.New("memRow: cannot scan column")
	}
	return nil
}

type nopTracer struct{}

func (nopTracer) AppendTrace(ctx context.Context, caseID uuid.UUID, eventType, refType, refID string, meta map[string]any) (models.TraceEvent, error) {
	return models.TraceEvent{}, nil
}

func newTestGovernor() (*Governor, *memDB) {
	db := newMemDB()
	return NewGovernor(db, nopTracer{}), db
}

func TestProposeComputesApprovalAndRisk(t *testing.T) {
	g, _ := newTestGovernor()
	caseID := uuid.New()

	a, err := g.Propose(context.Background(), caseID, "SET_POSTURE", map[string]any{"posture": "HOLD"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Risk != models.RiskLow || a.RequiresApproval {
		t.Fatalf("SET_POSTURE should be LOW risk with no approval: %+v", a)
	}

	high, err := g.Propose(context.Background(), caseID, "SWITCH_GATEWAY", nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !high.RequiresApproval {
		t.Fatal("HIGH risk action must require approval")
	}
}

func TestProposeUnknownType(t *testing.T) {
	g, _ := newTestGovernor()
	if _, err := g.Propose(context.Background(), uuid.New(), "LAUNCH_DRONE", nil, false); !errors.Is(err, ErrUnknownActionType) {
		t.Fatalf("expected unknown action type error, got %v", err)
	}
}

func TestExecuteWithoutApprovalIsViolation(t *testing.T) {
	g, _ := newTestGovernor()
	a, err := g.Propose(context.Background(), uuid.New(), "SWITCH_GATEWAY", nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := g.Execute(context.Background(), a.ID); !invariant.Is(err, invariant.ActionGovernance) {
		t.Fatalf("expected governance violation, got %v", err)
	}
}

func TestApproveThenExecute(t *testing.T) {
	g, db := newTestGovernor()
	caseID := uuid.New()
	a, err := g.Propose(context.Background(), caseID, "SWITCH_GATEWAY", nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := g.SubmitForApproval(context.Background(), a.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	approved, err := g.Approve(context.Background(), a.ID, "duty-manager")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.ApprovedAt == nil || approved.ApprovedBy != "duty-manager" {
		t.Fatalf("approval metadata missing: %+v", approved)
	}

	// Idempotent re-delivery: approving again is a no-op, not an error.
	if _, err := g.Approve(context.Background(), a.ID, "duty-manager"); err != nil {
		t.Fatalf("second approve should be a no-op, got %v", err)
	}

	outcome, err := g.Execute(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("default handler should succeed: %+v", outcome)
	}
	if got := db.actions[a.ID].State; got != models.ActionCompleted {
		t.Fatalf("expected COMPLETED, got %s", got)
	}
	terminal, err := g.AllTerminal(context.Background(), caseID)
	if err != nil || !terminal {
		t.Fatalf("expected all terminal, got %v %v", terminal, err)
	}
}

func TestAutoApprovalPath(t *testing.T) {
	g, _ := newTestGovernor()
	a, err := g.Propose(context.Background(), uuid.New(), "SET_POSTURE", nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	submitted, err := g.SubmitForApproval(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.State != models.ActionApproved {
		t.Fatalf("approval-free action should auto-approve, got %s", submitted.State)
	}
}

func TestRollbackOnlyForSupportedTypes(t *testing.T) {
	g, _ := newTestGovernor()
	a, err := g.Propose(context.Background(), uuid.New(), "SET_POSTURE", nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := g.SubmitForApproval(context.Background(), a.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := g.Execute(context.Background(), a.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	outcome, err := g.Rollback(context.Background(), a.ID, "operator")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("rollback should succeed: %+v", outcome)
	}

	escalate, err := g.Propose(context.Background(), uuid.New(), "ESCALATE_OPS", nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := g.Rollback(context.Background(), escalate.ID, "operator"); !errors.Is(err, ErrRollbackUnsupported) {
		t.Fatalf("expected rollback unsupported, got %v", err)
	}
}

func TestRejectFailsPendingAction(t *testing.T) {
	g, db := newTestGovernor()
	a, err := g.Propose(context.Background(), uuid.New(), "REBOOK_FLIGHT", nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := g.SubmitForApproval(context.Background(), a.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := g.Reject(context.Background(), a.ID, "duty-manager", "too risky"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got := db.actions[a.ID].State; got != models.ActionFailed {
		t.Fatalf("expected FAILED after reject, got %s", got)
	}
	// Executing a rejected action is an illegal transition.
	if _, err := g.Execute(context.Background(), a.ID); err == nil {
		t.Fatal("expected error executing a failed action")
	}
}
