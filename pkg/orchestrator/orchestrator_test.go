package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"aerogate/pkg/evidence"
	"aerogate/pkg/governance"
	"aerogate/pkg/graph"
	"aerogate/pkg/ingest"
	"aerogate/pkg/invariant"
	"aerogate/pkg/models"
	"aerogate/pkg/playbooks"
	"aerogate/pkg/policy"
	"aerogate/pkg/risk"
	"aerogate/pkg/simulation"
)

// fakeEnv implements every store interface the orchestrator consumes, backed
// by maps. The binding invariants are enforced the way the real stores do.
type fakeEnv struct {
	mu sync.Mutex

	cases       map[uuid.UUID]*models.Case
	trace       map[uuid.UUID][]models.TraceEvent
	nodes       map[string]models.Node
	edges       []models.Edge
	claims      []models.Claim
	claimBinds  map[uuid.UUID]int
	contras     []models.Contradiction
	evidenceMap map[string]models.Evidence
	evidenceRaw map[uuid.UUID][]byte
	missing     []models.MissingEvidenceRequest
	actions     map[uuid.UUID]*models.Action
	outcomes    map[uuid.UUID]models.Outcome
	policies    []models.Policy
	packets     []models.DecisionPacket
	mined       []playbooks.Pattern
}

func newFakeEnv() *fakeEnv {
	now := time.Now().UTC()
	policies := make([]models.Policy, 0, len(policy.Builtin))
	for _, p := range policy.Builtin {
		conds, _ := json.Marshal(p.Conditions)
		effects, _ := json.Marshal(p.Effects)
		policies = append(policies, models.Policy{
			ID: uuid.New(), Type: p.Type, Text: p.Text,
			Conditions: conds, Effects: effects, EffectiveFrom: now,
		})
	}
	return &fakeEnv{
		cases:       map[uuid.UUID]*models.Case{},
		trace:       map[uuid.UUID][]models.TraceEvent{},
		nodes:       map[string]models.Node{},
		claimBinds:  map[uuid.UUID]int{},
		evidenceMap: map[string]models.Evidence{},
		evidenceRaw: map[uuid.UUID][]byte{},
		actions:     map[uuid.UUID]*models.Action{},
		outcomes:    map[uuid.UUID]models.Outcome{},
		policies:    policies,
	}
}

func (f *fakeEnv) newCase(scope string) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := models.Case{
		ID: uuid.New(), Type: models.CaseAirportDisruption, Scope: scope,
		Status: models.CaseOpen, CreatedAt: time.Now().UTC(),
	}
	f.cases[c.ID] = &c
	return c.ID
}

// caseStore

func (f *fakeEnv) Get(ctx context.Context, id uuid.UUID) (models.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cases[id]
	if !ok {
		return models.Case{}, context.Canceled
	}
	return *c, nil
}

func (f *fakeEnv) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cases[id].Status = status
	return nil
}

func (f *fakeEnv) SetPosture(ctx context.Context, id uuid.UUID, posture string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cases[id].Posture = posture
	return nil
}

func (f *fakeEnv) AppendTrace(ctx context.Context, caseID uuid.UUID, eventType, refType, refID string, meta map[string]any) (models.TraceEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var metaRaw json.RawMessage
	if meta != nil {
		metaRaw, _ = json.Marshal(meta)
	}
	ev := models.TraceEvent{
		ID: uuid.New(), CaseID: caseID, Seq: int64(len(f.trace[caseID]) + 1),
		EventType: eventType, RefType: refType, RefID: refID, Meta: metaRaw,
		CreatedAt: time.Now().UTC(),
	}
	f.trace[caseID] = append(f.trace[caseID], ev)
	return ev, nil
}

func (f *fakeEnv) Trace(ctx context.Context, caseID uuid.UUID) ([]models.TraceEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.TraceEvent{}, f.trace[caseID]...), nil
}

// graphStore

func (f *fakeEnv) GetOrCreateNode(ctx context.Context, nodeType, identifier string) (models.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeType + "/" + identifier
	if n, ok := f.nodes[key]; ok {
		return n, nil
	}
	n := models.Node{ID: uuid.New(), Type: nodeType, Identifier: identifier, CreatedAt: time.Now().UTC()}
	f.nodes[key] = n
	return n, nil
}

func (f *fakeEnv) CreateEdge(ctx context.Context, in graph.EdgeInput) (models.Edge, error) {
	if in.Status == models.StatusFact && len(in.EvidenceIDs) == 0 {
		return models.Edge{}, invariant.New(invariant.EvidenceBinding, "", "edge FACT without evidence")
	}
	raw, _ := json.Marshal(in.Attrs)
	e := models.Edge{
		ID: uuid.New(), Src: in.Src, Dst: in.Dst, Type: in.Type, Attrs: raw,
		Status: in.Status, SourceSystem: in.SourceSystem, Confidence: in.Confidence,
		EventTimeStart: in.EventTimeStart, EventTimeEnd: in.EventTimeEnd,
		IngestedAt: time.Now().UTC(), ValidFrom: in.ValidFrom, ValidTo: in.ValidTo,
	}
	f.mu.Lock()
	f.edges = append(f.edges, e)
	f.mu.Unlock()
	return e, nil
}

func (f *fakeEnv) CreateClaim(ctx context.Context, in graph.ClaimInput) (models.Claim, error) {
	if in.Status == models.StatusFact && len(in.EvidenceIDs) == 0 {
		return models.Claim{}, invariant.New(invariant.EvidenceBinding, "", "claim FACT without evidence")
	}
	c := models.Claim{
		ID: uuid.New(), SubjectNodeID: in.SubjectNodeID, Text: in.Text,
		Status: in.Status, Confidence: in.Confidence,
		EventTimeStart: in.EventTimeStart, EventTimeEnd: in.EventTimeEnd,
		IngestedAt: time.Now().UTC(),
	}
	f.mu.Lock()
	f.claims = append(f.claims, c)
	f.claimBinds[c.ID] = len(in.EvidenceIDs)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeEnv) PromoteClaimToFact(ctx context.Context, claimID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimBinds[claimID] == 0 {
		return invariant.New(invariant.EvidenceBinding, claimID.String(), "promotion without binding")
	}
	for i := range f.claims {
		if f.claims[i].ID == claimID {
			f.claims[i].Status = models.StatusFact
		}
	}
	return nil
}

func (f *fakeEnv) LatestEdgesByType(ctx context.Context, nodeID uuid.UUID, edgeTypes []string) ([]models.Edge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := map[string]bool{}
	for _, t := range edgeTypes {
		wanted[t] = true
	}
	latest := map[string]models.Edge{}
	for _, e := range f.edges {
		if e.Src != nodeID || !wanted[e.Type] {
			continue
		}
		key := e.Type + "/" + e.SourceSystem
		if cur, ok := latest[key]; !ok || e.IngestedAt.After(cur.IngestedAt) {
			latest[key] = e
		}
	}
	out := make([]models.Edge, 0, len(latest))
	for _, e := range latest {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeEnv) ClaimsForNode(ctx context.Context, nodeID uuid.UUID) ([]models.Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.Claim{}
	for _, c := range f.claims {
		if c.SubjectNodeID == nodeID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeEnv) RecordContradiction(ctx context.Context, c models.Contradiction) (uuid.UUID, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	f.mu.Lock()
	f.contras = append(f.contras, c)
	f.mu.Unlock()
	return c.ID, nil
}

func (f *fakeEnv) OpenContradictions(ctx context.Context, nodeID uuid.UUID) ([]models.Contradiction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.Contradiction{}
	for _, c := range f.contras {
		if c.ResolutionStatus == models.ContradictionOpen {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeEnv) UnboundFactClaims(ctx context.Context, nodeID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []uuid.UUID{}
	for _, c := range f.claims {
		if c.SubjectNodeID == nodeID && c.Status == models.StatusFact && f.claimBinds[c.ID] == 0 {
			out = append(out, c.ID)
		}
	}
	return out, nil
}

// evidenceStore

func (f *fakeEnv) Put(ctx context.Context, in evidence.PutInput) (uuid.UUID, error) {
	sum := sha256.Sum256(in.Payload)
	key := in.SourceSystem + "|" + in.SourceRef + "|" + hex.EncodeToString(sum[:])
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev, ok := f.evidenceMap[key]; ok {
		return ev.ID, nil
	}
	now := time.Now().UTC()
	start := in.EventTimeStart
	if start == nil {
		start = &now
	}
	ev := models.Evidence{
		ID: uuid.New(), SourceSystem: in.SourceSystem, SourceRef: in.SourceRef,
		ContentType: in.ContentType, ContentSHA256: hex.EncodeToString(sum[:]),
		Excerpt: evidence.ExtractExcerpt(in.Payload, 500), EventTimeStart: start,
		EventTimeEnd: in.EventTimeEnd, RetrievedAt: now,
	}
	f.evidenceMap[key] = ev
	f.evidenceRaw[ev.ID] = in.Payload
	return ev.ID, nil
}

func (f *fakeEnv) GetEvidence(id uuid.UUID) (models.Evidence, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.evidenceMap {
		if ev.ID == id {
			return ev, true
		}
	}
	return models.Evidence{}, false
}

func (f *fakeEnv) GetRaw(ctx context.Context, id uuid.UUID) (models.Evidence, []byte, error) {
	ev, ok := f.GetEvidence(id)
	if !ok {
		return models.Evidence{}, nil, evidence.ErrNotFound
	}
	f.mu.Lock()
	raw := f.evidenceRaw[id]
	f.mu.Unlock()
	return ev, raw, nil
}

// missingTracker

func (f *fakeEnv) Record(ctx context.Context, caseID uuid.UUID, source, requestType string, params map[string]any, reason, criticality string) (models.MissingEvidenceRequest, error) {
	var paramsRaw json.RawMessage
	if params != nil {
		paramsRaw, _ = json.Marshal(params)
	}
	req := models.MissingEvidenceRequest{
		ID: uuid.New(), CaseID: caseID, Source: source, RequestType: requestType,
		Params: paramsRaw, Reason: reason, Criticality: criticality, CreatedAt: time.Now().UTC(),
	}
	f.mu.Lock()
	f.missing = append(f.missing, req)
	f.mu.Unlock()
	return req, nil
}

func (f *fakeEnv) Resolve(ctx context.Context, requestID, evidenceID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.missing {
		if f.missing[i].ID == requestID && f.missing[i].ResolvedByEvidence == nil {
			f.missing[i].ResolvedByEvidence = &evidenceID
		}
	}
	return nil
}

func (f *fakeEnv) Open(ctx context.Context, caseID uuid.UUID, criticality string) ([]models.MissingEvidenceRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.MissingEvidenceRequest{}
	for _, req := range f.missing {
		if req.CaseID != caseID || req.ResolvedByEvidence != nil {
			continue
		}
		if criticality != "" && req.Criticality != criticality {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

func (f *fakeEnv) HasOpenBlocking(ctx context.Context, caseID uuid.UUID) (bool, error) {
	open, _ := f.Open(ctx, caseID, models.CriticalityBlocking)
	return len(open) > 0, nil
}

// policyEngine

func (f *fakeEnv) Evaluate(ctx context.Context, belief models.BeliefState) (policy.Result, error) {
	return policy.Apply(f.policies, belief), nil
}

func (f *fakeEnv) ActiveTexts(ctx context.Context) ([]string, error) {
	texts := make([]string, 0, len(f.policies))
	for _, p := range f.policies {
		texts = append(texts, p.Text)
	}
	return texts, nil
}

// governor

func (f *fakeEnv) Propose(ctx context.Context, caseID uuid.UUID, actionType string, args map[string]any, policyRequiresApproval bool) (models.Action, error) {
	spec, ok := governance.ActionTypes[actionType]
	if !ok {
		return models.Action{}, governance.ErrUnknownActionType
	}
	requiresApproval := spec.RequiresApproval || policyRequiresApproval || spec.Risk == models.RiskHigh
	var argsRaw json.RawMessage
	if args != nil {
		argsRaw, _ = json.Marshal(args)
	}
	a := models.Action{
		ID: uuid.New(), CaseID: caseID, Type: actionType, Args: argsRaw,
		Risk: spec.Risk, RequiresApproval: requiresApproval,
		State: models.ActionProposed, CreatedAt: time.Now().UTC(),
	}
	f.mu.Lock()
	f.actions[a.ID] = &a
	f.mu.Unlock()
	return a, nil
}

func (f *fakeEnv) SubmitForApproval(ctx context.Context, id uuid.UUID) (models.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.actions[id]
	if a.RequiresApproval {
		a.State = models.ActionPendingApproval
	} else {
		now := time.Now().UTC()
		a.State = models.ActionApproved
		a.ApprovedAt = &now
		a.ApprovedBy = "SYSTEM"
	}
	return *a, nil
}

func (f *fakeEnv) Execute(ctx context.Context, id uuid.UUID) (models.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.actions[id]
	if a.RequiresApproval && a.ApprovedAt == nil {
		return models.Outcome{}, invariant.New(invariant.ActionGovernance, id.String(), "not approved")
	}
	a.State = models.ActionCompleted
	o := models.Outcome{ID: uuid.New(), ActionID: id, Success: true, CreatedAt: time.Now().UTC()}
	f.outcomes[id] = o
	return o, nil
}

func (f *fakeEnv) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.actions[id]; ok {
		a.State = models.ActionFailed
	}
	return nil
}

func (f *fakeEnv) ForCase(ctx context.Context, caseID uuid.UUID) ([]models.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.Action{}
	for _, a := range f.actions {
		if a.CaseID == caseID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeEnv) AllTerminal(ctx context.Context, caseID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.actions {
		if a.CaseID == caseID && !governance.IsTerminal(a.State) {
			return false, nil
		}
	}
	return true, nil
}

func (f *fakeEnv) OutcomeFor(ctx context.Context, actionID uuid.UUID) (*models.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.outcomes[actionID]; ok {
		return &o, nil
	}
	return nil, nil
}

// packetStore / playbookStore

func (f *fakeEnv) Save(ctx context.Context, p models.DecisionPacket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.packets {
		if existing.CaseID == p.CaseID {
			return nil // sealed packets are immutable
		}
	}
	f.packets = append(f.packets, p)
	return nil
}

func (f *fakeEnv) Mine(ctx context.Context, caseRow models.Case, pattern playbooks.Pattern, executedActions []models.Action, policyTexts []string, success bool) (models.Playbook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mined = append(f.mined, pattern)
	return models.Playbook{ID: uuid.New()}, nil
}

// evidenceAdapter narrows fakeEnv to the orchestrator's evidence interface.
type evidenceAdapter struct{ env *fakeEnv }

func (a evidenceAdapter) Put(ctx context.Context, in evidence.PutInput) (uuid.UUID, error) {
	return a.env.Put(ctx, in)
}

func (a evidenceAdapter) Get(ctx context.Context, id uuid.UUID) (models.Evidence, []byte, error) {
	return a.env.GetRaw(ctx, id)
}

func newTestOrchestrator(env *fakeEnv, scenarioID string) *Orchestrator {
	scenario, err := simulation.Find(scenarioID)
	if err != nil {
		panic(err)
	}
	return &Orchestrator{
		Cases:     env,
		Graph:     env,
		Evidence:  evidenceAdapter{env},
		Missing:   env,
		Policy:    env,
		Governor:  env,
		Packets:   env,
		Playbooks: env,
		Source:    &simulation.Source{Scenario: scenario},
		Assessor:  risk.HeuristicAssessor{},
		IngestConfig: ingest.Config{
			Workers: 5, FetchTimeout: 100 * time.Millisecond, Retries: 0, RetryDelay: time.Millisecond,
		},
		CascadeFn: func(ctx context.Context, airportNodeID uuid.UUID) (*models.CascadeImpact, error) {
			return &models.CascadeImpact{Flights: 3, Shipments: 6, Bookings: 6, SLAExposure: 92600}, nil
		},
	}
}

func TestRunGroundStopScenario(t *testing.T) {
	env := newFakeEnv()
	o := newTestOrchestrator(env, "jfk-ground-stop")
	caseID := env.newCase("KJFK")

	packet, err := o.Run(context.Background(), caseID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if packet.Posture != models.PostureHold {
		t.Fatalf("expected HOLD posture, got %s", packet.Posture)
	}
	if len(packet.Contradictions) != 0 {
		t.Fatalf("consistent disruption signals should not contradict: %+v", packet.Contradictions)
	}
	if packet.Metrics.EvidenceCount < 4 {
		t.Fatalf("expected at least 4 evidence rows, got %d", packet.Metrics.EvidenceCount)
	}
	if packet.CascadeImpact == nil || packet.CascadeImpact.Bookings == 0 {
		t.Fatal("cascade impact must be populated")
	}
	if packet.BlockedSection.IsBlocked {
		t.Fatal("ground stop case should complete, not block")
	}
	if env.cases[caseID].Posture != models.PostureHold {
		t.Fatalf("case posture not persisted: %s", env.cases[caseID].Posture)
	}
	// SET_POSTURE executed; trace is non-empty and strictly ordered.
	trace := env.trace[caseID]
	if len(trace) == 0 {
		t.Fatal("expected trace events")
	}
	for i := 1; i < len(trace); i++ {
		if trace[i].Seq != trace[i-1].Seq+1 {
			t.Fatalf("trace sequence not strictly increasing at %d", i)
		}
	}
}

func TestRunContradictionScenario(t *testing.T) {
	env := newFakeEnv()
	o := newTestOrchestrator(env, "sea-contradiction")
	caseID := env.newCase("KSEA")

	packet, err := o.Run(context.Background(), caseID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	types := map[string]bool{}
	for _, c := range packet.Contradictions {
		types[c.Type] = true
		if c.ResolutionStatus != models.ContradictionOpen {
			t.Fatalf("contradictions should be OPEN: %+v", c)
		}
	}
	if !types["FAA_WEATHER_MISMATCH"] {
		t.Fatal("expected FAA-normal vs LIFR contradiction")
	}
	if !types["FAA_MOVEMENT_MISMATCH"] {
		t.Fatal("expected FAA-normal vs movement-collapse contradiction")
	}
	if packet.Posture == models.PostureAccept {
		t.Fatalf("contradicted signals must not ACCEPT, got %s", packet.Posture)
	}
	if packet.Posture != models.PostureRestrict {
		t.Fatalf("expected RESTRICT, got %s", packet.Posture)
	}
}

func TestRunADSBTimeoutScenario(t *testing.T) {
	env := newFakeEnv()
	o := newTestOrchestrator(env, "dfw-adsb-timeout")
	caseID := env.newCase("KDFW")

	packet, err := o.Run(context.Background(), caseID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var adsbRequest *models.MissingEvidenceRequest
	for i := range env.missing {
		if env.missing[i].Source == "ADSB" {
			adsbRequest = &env.missing[i]
		}
	}
	if adsbRequest == nil {
		t.Fatal("expected a MissingEvidenceRequest for the ADS-B timeout")
	}
	if adsbRequest.Criticality != models.CriticalityInformational {
		t.Fatalf("ADS-B is INFORMATIONAL, got %s", adsbRequest.Criticality)
	}
	for _, e := range env.edges {
		if e.Type == "HAS_MOVEMENT" {
			t.Fatal("no movement edge may exist when the fetch timed out")
		}
	}
	if packet.BlockedSection.IsBlocked {
		t.Fatal("INFORMATIONAL missing evidence must not block")
	}
	if packet.Posture != models.PostureRestrict {
		t.Fatalf("degraded coverage should RESTRICT, got %s", packet.Posture)
	}
	if env.cases[caseID].Status != models.CaseResolved {
		t.Fatalf("case should auto-resolve, got %s", env.cases[caseID].Status)
	}
	missing := packet.ConfidenceBreakdown.SourcesMissing
	if len(missing) != 1 || missing[0] != "ADSB" {
		t.Fatalf("confidence breakdown should name ADSB missing: %+v", missing)
	}
}

func TestRunClearSkiesScenario(t *testing.T) {
	env := newFakeEnv()
	o := newTestOrchestrator(env, "lax-clear")
	caseID := env.newCase("KLAX")

	packet, err := o.Run(context.Background(), caseID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if packet.Posture != models.PostureAccept {
		t.Fatalf("benign signals should ACCEPT, got %s", packet.Posture)
	}
	if len(packet.Contradictions) != 0 {
		t.Fatalf("expected zero contradictions, got %d", len(packet.Contradictions))
	}
	if blocking, _ := env.HasOpenBlocking(context.Background(), caseID); blocking {
		t.Fatal("expected no BLOCKING missing evidence")
	}
	executedTypes := []string{}
	for _, res := range packet.ActionsExecuted {
		executedTypes = append(executedTypes, res.Action.Type)
	}
	if len(executedTypes) != 1 || executedTypes[0] != "SET_POSTURE" {
		t.Fatalf("ACCEPT should execute SET_POSTURE only, got %v", executedTypes)
	}
	if env.cases[caseID].Status != models.CaseResolved {
		t.Fatalf("clear case should resolve, got %s", env.cases[caseID].Status)
	}
	if len(env.mined) != 1 {
		t.Fatalf("resolved case should be mined into a playbook, got %d", len(env.mined))
	}
}

// Shipment action without booking evidence converts to a BLOCKING missing
// request through the booking guardrail and blocks the case.
func TestBookingGuardrailBlocksShipmentAction(t *testing.T) {
	env := newFakeEnv()
	o := newTestOrchestrator(env, "lax-clear")
	caseID := env.newCase("KLAX")

	st := &runState{evidenceIDs: map[string]uuid.UUID{}}
	st.caseRow = *env.cases[caseID]
	airport, _ := env.GetOrCreateNode(context.Background(), "AIRPORT", "KLAX")
	st.airport = airport
	st.icao = "KLAX"
	st.policyResult = policy.Result{Verdict: policy.VerdictAllow}
	st.planned = []plannedAction{
		{Type: "HOLD_CARGO", Args: map[string]any{"shipment": "TRK-9999"}, Risk: models.RiskMedium},
	}

	next, err := o.handleExecute(context.Background(), st)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if next != StateComplete {
		t.Fatalf("expected COMPLETE next, got %s", next)
	}
	if !st.blocked {
		t.Fatal("guardrail should block the case")
	}
	if len(st.proposed) != 0 {
		t.Fatal("blocked shipment action must not be proposed to governance")
	}
	open, _ := env.Open(context.Background(), caseID, models.CriticalityBlocking)
	if len(open) != 1 || open[0].Source != "BOOKING" {
		t.Fatalf("expected one BLOCKING booking request, got %+v", open)
	}

	if _, err := o.handleComplete(context.Background(), st); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if env.cases[caseID].Status != models.CaseBlocked {
		t.Fatalf("case should be BLOCKED, got %s", env.cases[caseID].Status)
	}

	packet, err := o.sealPacket(context.Background(), st)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !packet.BlockedSection.IsBlocked {
		t.Fatal("packet blocked section must be set")
	}
	if len(packet.BlockedSection.MissingEvidenceRequests) != 1 {
		t.Fatal("blocking request must be cited in the packet")
	}
}

func TestBookingGuardrailPassesWithBookingEvidence(t *testing.T) {
	env := newFakeEnv()
	o := newTestOrchestrator(env, "lax-clear")
	caseID := env.newCase("KLAX")

	st := &runState{evidenceIDs: map[string]uuid.UUID{}}
	st.caseRow = *env.cases[caseID]
	st.icao = "KLAX"
	st.evidenceRows = []models.Evidence{{SourceSystem: "BOOKING", SourceRef: "BK-5001"}}
	blocked, err := o.bookingGuardrail(context.Background(), st, plannedAction{Type: "HOLD_CARGO"})
	if err != nil {
		t.Fatalf("guardrail: %v", err)
	}
	if blocked {
		t.Fatal("booking evidence present, guardrail must pass")
	}
}

func TestRunCancellationBlocksCase(t *testing.T) {
	env := newFakeEnv()
	o := newTestOrchestrator(env, "jfk-ground-stop")
	caseID := env.newCase("KJFK")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.Run(ctx, caseID); err == nil {
		t.Fatal("cancelled run must return the cancellation")
	}
	if env.cases[caseID].Status != models.CaseBlocked {
		t.Fatalf("cancelled case must be BLOCKED, not silently abandoned; got %s", env.cases[caseID].Status)
	}
}

func TestPacketSealedOncePerCase(t *testing.T) {
	env := newFakeEnv()
	o := newTestOrchestrator(env, "lax-clear")
	caseID := env.newCase("KLAX")
	if _, err := o.Run(context.Background(), caseID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(env.packets) != 1 {
		t.Fatalf("expected one sealed packet, got %d", len(env.packets))
	}
	first := env.packets[0]
	// A second save attempt for the same case must not replace the packet.
	_ = env.Save(context.Background(), models.DecisionPacket{CaseID: caseID, Posture: "ESCALATE"})
	if env.packets[0].Posture != first.Posture {
		t.Fatal("sealed packet was mutated")
	}
}
