// Package orchestrator runs the deterministic case state machine:
//
//	INIT -> INVESTIGATE -> QUANTIFY_RISK -> CRITIQUE -> EVALUATE_POLICY
//	     -> PLAN_ACTIONS -> (DRAFT_COMMS) -> EXECUTE -> COMPLETE
//
// CRITIQUE may send the case back to INVESTIGATE at most MaxInvestigateRetries
// times. The handler sequence, retry bound and planning scores are pure
// functions of the inputs; the only model call is the RiskAssessor in
// QUANTIFY_RISK, whose output is captured as a structured record and never
// drives control flow.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"aerogate/pkg/evidence"
	"aerogate/pkg/graph"
	"aerogate/pkg/ingest"
	"aerogate/pkg/metrics"
	"aerogate/pkg/models"
	"aerogate/pkg/playbooks"
	"aerogate/pkg/policy"
	"aerogate/pkg/signals"
	"aerogate/pkg/statebus"
	"aerogate/pkg/stream"
	"aerogate/pkg/webhooks"
)

// States.
const (
	StateInit           = "INIT"
	StateInvestigate    = "INVESTIGATE"
	StateQuantifyRisk   = "QUANTIFY_RISK"
	StateCritique       = "CRITIQUE"
	StateEvaluatePolicy = "EVALUATE_POLICY"
	StatePlanActions    = "PLAN_ACTIONS"
	StateDraftComms     = "DRAFT_COMMS"
	StateExecute        = "EXECUTE"
	StateComplete       = "COMPLETE"
)

// MaxInvestigateRetries bounds the CRITIQUE -> INVESTIGATE loop.
const MaxInvestigateRetries = 2

// RiskAssessor is the external capability invoked in QUANTIFY_RISK.
type RiskAssessor interface {
	Assess(ctx context.Context, belief models.BeliefState) (models.RiskAssessment, error)
}

type caseStore interface {
	Get(ctx context.Context, id uuid.UUID) (models.Case, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
	SetPosture(ctx context.Context, id uuid.UUID, posture string) error
	AppendTrace(ctx context.Context, caseID uuid.UUID, eventType, refType, refID string, meta map[string]any) (models.TraceEvent, error)
	Trace(ctx context.Context, caseID uuid.UUID) ([]models.TraceEvent, error)
}

type graphStore interface {
	signalsGraph
	LatestEdgesByType(ctx context.Context, nodeID uuid.UUID, edgeTypes []string) ([]models.Edge, error)
	ClaimsForNode(ctx context.Context, nodeID uuid.UUID) ([]models.Claim, error)
	RecordContradiction(ctx context.Context, c models.Contradiction) (uuid.UUID, error)
	OpenContradictions(ctx context.Context, nodeID uuid.UUID) ([]models.Contradiction, error)
	UnboundFactClaims(ctx context.Context, nodeID uuid.UUID) ([]uuid.UUID, error)
}

type signalsGraph interface {
	GetOrCreateNode(ctx context.Context, nodeType, identifier string) (models.Node, error)
	CreateEdge(ctx context.Context, in graph.EdgeInput) (models.Edge, error)
	CreateClaim(ctx context.Context, in graph.ClaimInput) (models.Claim, error)
	PromoteClaimToFact(ctx context.Context, claimID uuid.UUID) error
}

type evidenceStore interface {
	Put(ctx context.Context, in evidence.PutInput) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (models.Evidence, []byte, error)
}

type missingTracker interface {
	Record(ctx context.Context, caseID uuid.UUID, source, requestType string, params map[string]any, reason, criticality string) (models.MissingEvidenceRequest, error)
	Resolve(ctx context.Context, requestID, evidenceID uuid.UUID) error
	Open(ctx context.Context, caseID uuid.UUID, criticality string) ([]models.MissingEvidenceRequest, error)
	HasOpenBlocking(ctx context.Context, caseID uuid.UUID) (bool, error)
}

type policyEngine interface {
	Evaluate(ctx context.Context, belief models.BeliefState) (policy.Result, error)
	ActiveTexts(ctx context.Context) ([]string, error)
}

type governor interface {
	Propose(ctx context.Context, caseID uuid.UUID, actionType string, args map[string]any, policyRequiresApproval bool) (models.Action, error)
	SubmitForApproval(ctx context.Context, id uuid.UUID) (models.Action, error)
	Execute(ctx context.Context, id uuid.UUID) (models.Outcome, error)
	Fail(ctx context.Context, id uuid.UUID, reason string) error
	AllTerminal(ctx context.Context, caseID uuid.UUID) (bool, error)
}

type packetStore interface {
	Save(ctx context.Context, p models.DecisionPacket) error
}

type playbookStore interface {
	Mine(ctx context.Context, caseRow models.Case, pattern playbooks.Pattern, executedActions []models.Action, policyTexts []string, success bool) (models.Playbook, error)
}

// Orchestrator wires the capabilities for one deployment. Zero-value optional
// fields (Hub, Dispatcher, Bus, Metrics, Playbooks, CascadeFn) degrade to
// no-ops so tests exercise exactly what they fake.
type Orchestrator struct {
	Cases     caseStore
	Graph     graphStore
	Evidence  evidenceStore
	Missing   missingTracker
	Policy    policyEngine
	Governor  governor
	Packets   packetStore
	Playbooks playbookStore
	Source    ingest.SignalSource
	Assessor  RiskAssessor

	Hub        *stream.Hub
	Dispatcher *webhooks.Dispatcher
	Bus        *statebus.Publisher
	Metrics    *metrics.Registry
	CascadeFn  func(ctx context.Context, airportNodeID uuid.UUID) (*models.CascadeImpact, error)

	IngestConfig       ingest.Config
	AssessTimeout      time.Duration
	RequiredSources    []string
	ServiceTier        string
	HoursUntilDeadline float64
}

// runState is the per-run working set threaded through the handlers.
type runState struct {
	caseRow         models.Case
	airport         models.Node
	icao            string
	evidenceIDs     map[string]uuid.UUID // latest evidence per source this run
	evidenceRows    []models.Evidence
	payloads        signals.SourcePayloads
	belief          models.BeliefState
	assessment      models.RiskAssessment
	policyResult    policy.Result
	planned         []plannedAction
	proposed        []models.Action
	executed        []models.PacketActionResult
	investigateRuns int
	firstSignalAt   time.Time
	postureAt       time.Time
	posture         string
	blocked         bool
	blockedReason   string
	uncertainties   []string
}

type plannedAction struct {
	Type string
	Args map[string]any
	Risk string
}

// Run drives one case from INIT to COMPLETE/BLOCKED and returns the sealed
// packet. Cancellable at suspension points: on context cancellation the case
// is marked BLOCKED and in-flight actions FAILED with reason CANCELLED.
func (o *Orchestrator) Run(ctx context.Context, caseID uuid.UUID) (models.DecisionPacket, error) {
	st := &runState{evidenceIDs: map[string]uuid.UUID{}}
	o.publish(st, "started", map[string]any{"case_id": caseID.String()})

	handlers := map[string]func(ctx context.Context, st *runState) (string, error){
		StateInit:           o.handleInit,
		StateInvestigate:    o.handleInvestigate,
		StateQuantifyRisk:   o.handleQuantifyRisk,
		StateCritique:       o.handleCritique,
		StateEvaluatePolicy: o.handleEvaluatePolicy,
		StatePlanActions:    o.handlePlanActions,
		StateDraftComms:     o.handleDraftComms,
		StateExecute:        o.handleExecute,
		StateComplete:       o.handleComplete,
	}

	state := StateInit
	st.caseRow.ID = caseID
	for state != "" {
		if err := ctx.Err(); err != nil {
			return o.cancelRun(st, err)
		}
		o.trace(ctx, st, models.TraceStateEnter, state, nil)
		o.publish(st, "state_transition", map[string]any{
			"case_id":  caseID.String(),
			"to_state": state,
			"handler":  state,
		})
		fn := handlers[state]
		next, err := fn(ctx, st)
		o.trace(ctx, st, models.TraceStateExit, state, map[string]any{"next": next})
		if err != nil {
			if ctx.Err() != nil {
				return o.cancelRun(st, ctx.Err())
			}
			return o.failRun(st, state, err)
		}
		if state == StateComplete {
			break
		}
		state = next
	}

	packet, err := o.sealPacket(context.WithoutCancel(ctx), st)
	if err != nil {
		return models.DecisionPacket{}, err
	}
	o.publish(st, "completed", map[string]any{
		"case_id":          caseID.String(),
		"final_state":      StateComplete,
		"status":           st.caseRow.Status,
		"actions_executed": len(st.executed),
		"actions_proposed": len(st.proposed),
	})
	return packet, nil
}

// cancelRun runs at a suspension point after ctx is done: persisted evidence
// stays, in-flight actions fail with CANCELLED, the case becomes BLOCKED.
func (o *Orchestrator) cancelRun(st *runState, cause error) (models.DecisionPacket, error) {
	ctx := context.Background()
	for _, a := range st.proposed {
		if a.State == models.ActionExecuting || a.State == models.ActionApproved || a.State == models.ActionPendingApproval {
			_ = o.Governor.Fail(ctx, a.ID, "CANCELLED")
		}
	}
	st.blocked = true
	st.blockedReason = "run cancelled"
	_ = o.Cases.SetStatus(ctx, st.caseRow.ID, models.CaseBlocked)
	st.caseRow.Status = models.CaseBlocked
	o.trace(ctx, st, models.TraceBlocked, "cancel", map[string]any{"error": cause.Error()})
	packet, err := o.sealPacket(ctx, st)
	if err != nil {
		return models.DecisionPacket{}, cause
	}
	return packet, cause
}

// failRun records an unexpected handler failure: case FAILED, error traced,
// no partial packet.
func (o *Orchestrator) failRun(st *runState, state string, cause error) (models.DecisionPacket, error) {
	ctx := context.Background()
	_ = o.Cases.SetStatus(ctx, st.caseRow.ID, models.CaseFailed)
	o.trace(ctx, st, models.TraceGuardrailFail, state, map[string]any{"error": cause.Error()})
	o.publish(st, "error", map[string]any{"case_id": st.caseRow.ID.String(), "error": cause.Error()})
	if o.Metrics != nil {
		o.Metrics.CountCaseStatus(models.CaseFailed)
	}
	return models.DecisionPacket{}, cause
}

func (o *Orchestrator) trace(ctx context.Context, st *runState, eventType, refID string, meta map[string]any) {
	_, _ = o.Cases.AppendTrace(ctx, st.caseRow.ID, eventType, "state", refID, meta)
}

func (o *Orchestrator) publish(st *runState, event string, data map[string]any) {
	if o.Hub == nil {
		return
	}
	payload := map[string]any{"event": event}
	for k, v := range data {
		payload[k] = v
	}
	o.Hub.Publish(stream.NewEvent(event, payload))
}

func (o *Orchestrator) progress(st *runState, state, description string) {
	data := map[string]any{
		"case_id":           st.caseRow.ID.String(),
		"state":             state,
		"description":       description,
		"evidence_count":    len(st.evidenceRows),
		"claim_count":       st.belief.ClaimCount,
		"uncertainty_count": len(st.uncertainties),
	}
	if st.assessment.RiskLevel != "" {
		data["risk_level"] = st.assessment.RiskLevel
		data["recommended_posture"] = st.assessment.RecommendedPosture
		data["confidence"] = st.assessment.Confidence
	}
	o.publish(st, "progress", data)
}
