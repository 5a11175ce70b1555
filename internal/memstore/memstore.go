// Package memstore is an in-memory entity store with the same commit rules as
// the SQLite repo. It backs tests and embedded use where durability is not needed.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"matterline/internal/domain"
	"matterline/internal/events"
	"matterline/internal/transition"
)

type graph struct {
	ws          domain.Workspace
	facts       []domain.Fact
	contexts    []domain.Context
	obligations []domain.Obligation
	missing     []domain.MissingElement
	risks       []domain.Risk
	actions     []domain.ProposedAction
	traces      []domain.ReasoningTrace
	transitions []domain.Transition
}

// clone copies every slice so a failed commit never leaks into stored state.
func (g *graph) clone() *graph {
	c := *g
	c.ws.SourceMetadata = cloneMap(g.ws.SourceMetadata)
	c.facts = append([]domain.Fact(nil), g.facts...)
	c.contexts = append([]domain.Context(nil), g.contexts...)
	c.obligations = append([]domain.Obligation(nil), g.obligations...)
	c.missing = append([]domain.MissingElement(nil), g.missing...)
	c.risks = append([]domain.Risk(nil), g.risks...)
	c.actions = append([]domain.ProposedAction(nil), g.actions...)
	c.traces = append([]domain.ReasoningTrace(nil), g.traces...)
	c.transitions = append([]domain.Transition(nil), g.transitions...)
	return &c
}

type Store struct {
	mu         sync.RWMutex
	workspaces map[string]*graph
	order      []string
	ids        map[string]struct{}
	events     []domain.Event
	writer     events.Writer
}

func New() *Store {
	return &Store{
		workspaces: map[string]*graph{},
		ids:        map[string]struct{}{},
		writer:     events.Writer{Now: time.Now},
	}
}

func (s *Store) CreateWorkspace(ctx context.Context, w domain.Workspace, actorID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[w.ID]; ok {
		return &domain.ValidationError{Problems: []string{"workspace " + w.ID + " already exists"}}
	}
	w.SourceMetadata = cloneMap(w.SourceMetadata)
	s.workspaces[w.ID] = &graph{ws: w}
	s.order = append(s.order, w.ID)
	return s.appendEvent(events.WorkspaceCreated, w.ID, "workspace", w.ID, actorID, events.EventPayload{
		"source_type":    w.SourceType,
		"procedure_type": w.ProcedureType,
		"state":          w.CurrentState,
	})
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, err := s.lookup(id)
	if err != nil {
		return domain.Workspace{}, err
	}
	ws := g.ws
	ws.SourceMetadata = cloneMap(ws.SourceMetadata)
	return ws, nil
}

func (s *Store) ListWorkspaces(ctx context.Context, f domain.WorkspaceFilter) ([]domain.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []domain.Workspace
	for i := len(s.order) - 1; i >= 0; i-- {
		ws := s.workspaces[s.order[i]].ws
		if f.TenantID != "" && ws.TenantID != f.TenantID {
			continue
		}
		if f.State != "" && ws.CurrentState != f.State {
			continue
		}
		ws.SourceMetadata = cloneMap(ws.SourceMetadata)
		res = append(res, ws)
		if f.Limit > 0 && len(res) == f.Limit {
			break
		}
	}
	return res, nil
}

func (s *Store) Snapshot(ctx context.Context, id string) (domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, err := s.lookup(id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	c := g.clone()
	snap := domain.Snapshot{
		Workspace:       c.ws,
		Facts:           nonNil(c.facts),
		Contexts:        nonNil(c.contexts),
		Obligations:     nonNil(c.obligations),
		MissingElements: nonNil(c.missing),
		Risks:           nonNil(c.risks),
		Actions:         nonNil(c.actions),
		Traces:          nonNil(c.traces),
		Transitions:     nonNil(c.transitions),
	}
	domain.SortRisks(snap.Risks)
	return snap, nil
}

func (s *Store) ListTransitions(ctx context.Context, workspaceID string, order domain.Order) ([]domain.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, err := s.lookup(workspaceID)
	if err != nil {
		return nil, err
	}
	return ordered(g.transitions, order), nil
}

func (s *Store) ListTraces(ctx context.Context, workspaceID string, order domain.Order) ([]domain.ReasoningTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, err := s.lookup(workspaceID)
	if err != nil {
		return nil, err
	}
	return ordered(g.traces, order), nil
}

func (s *Store) CommitBatch(ctx context.Context, b domain.Batch) (domain.Workspace, error) {
	b.Normalize()
	if b.Empty() {
		return domain.Workspace{}, &domain.ValidationError{Stage: b.Stage, Problems: []string{"batch is empty"}}
	}
	if err := b.Validate(); err != nil {
		return domain.Workspace{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.lookup(b.WorkspaceID)
	if err != nil {
		return domain.Workspace{}, err
	}
	var blocking []string
	if b.Transition != nil && g.ws.CurrentState == domain.StateMissingIdentified {
		for _, m := range g.missing {
			if m.BlocksProgress() {
				blocking = append(blocking, m.ID)
			}
		}
	}
	if err := transition.CheckCommit(g.ws, b, blocking); err != nil {
		return domain.Workspace{}, err
	}
	if err := s.checkRefs(g, b); err != nil {
		return domain.Workspace{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Workspace{}, err
	}

	next := g.clone()
	before := g.ws
	next.facts = append(next.facts, b.Facts...)
	next.contexts = append(next.contexts, b.Contexts...)
	next.obligations = append(next.obligations, b.Obligations...)
	next.missing = append(next.missing, b.MissingElements...)
	next.risks = append(next.risks, b.Risks...)
	next.actions = append(next.actions, b.Actions...)
	next.traces = append(next.traces, b.Traces...)
	next.ws.Version++
	if b.Uncertainty != nil {
		next.ws.UncertaintyLevel = *b.Uncertainty
	}
	if t := b.Transition; t != nil {
		next.transitions = append(next.transitions, *t)
		next.ws.CurrentState = t.ToState
		next.ws.StateChangedAt = t.TriggeredAt
		next.ws.StateChangedBy = t.TriggeredBy
		if t.ToState == domain.StateLocked || t.ToState == domain.StateCancelled {
			at := t.TriggeredAt
			next.ws.CompletedAt = &at
		}
		if t.ToState == domain.StateLocked {
			next.ws.Locked = true
		}
	}

	mark := len(s.events)
	if err := s.batchEvents(b, before, next.ws); err != nil {
		s.events = s.events[:mark]
		return domain.Workspace{}, err
	}
	s.workspaces[b.WorkspaceID] = next
	for _, ref := range b.EntityRefs() {
		s.ids[ref.ID] = struct{}{}
	}
	for _, tr := range b.Traces {
		s.ids[tr.ID] = struct{}{}
	}
	if b.Transition != nil {
		s.ids[b.Transition.ID] = struct{}{}
	}
	return next.ws, nil
}

func (s *Store) checkRefs(g *graph, b domain.Batch) error {
	seen := map[string]struct{}{}
	check := func(id string) error {
		if _, dup := s.ids[id]; dup {
			return &domain.ValidationError{Stage: b.Stage, Problems: []string{"duplicate id " + id}}
		}
		if _, dup := seen[id]; dup {
			return &domain.ValidationError{Stage: b.Stage, Problems: []string{"duplicate id " + id}}
		}
		seen[id] = struct{}{}
		return nil
	}
	for _, ref := range b.EntityRefs() {
		if err := check(ref.ID); err != nil {
			return err
		}
	}
	for _, tr := range b.Traces {
		if err := check(tr.ID); err != nil {
			return err
		}
	}
	if b.Transition != nil {
		if err := check(b.Transition.ID); err != nil {
			return err
		}
	}
	known := map[string]struct{}{}
	for _, c := range g.contexts {
		known[c.ID] = struct{}{}
	}
	for _, c := range b.Contexts {
		known[c.ID] = struct{}{}
	}
	for _, o := range b.Obligations {
		if _, ok := known[o.ContextID]; !ok {
			return &domain.InvalidReferenceError{Kind: "obligation", Field: "context_id", Ref: o.ContextID, WorkspaceID: b.WorkspaceID}
		}
	}
	return nil
}

func (s *Store) batchEvents(b domain.Batch, before, after domain.Workspace) error {
	for _, ref := range b.EntityRefs() {
		if err := s.appendEvent(events.EntityCreated, b.WorkspaceID, ref.Kind, ref.ID, b.ActorID, events.EventPayload{"stage": b.Stage}); err != nil {
			return err
		}
	}
	if b.Stage != "" {
		if err := s.appendEvent(events.StageCommitted, b.WorkspaceID, "workspace", b.WorkspaceID, b.ActorID, events.EventPayload{
			"stage":             b.Stage,
			"traces":            len(b.Traces),
			"uncertainty_level": after.UncertaintyLevel,
			"version":           after.Version,
		}); err != nil {
			return err
		}
	}
	if t := b.Transition; t != nil {
		if err := s.appendEvent(events.WorkspaceTransitioned, b.WorkspaceID, "workspace", b.WorkspaceID, t.TriggeredBy, events.EventPayload{
			"from":   before.CurrentState,
			"to":     t.ToState,
			"manual": b.Manual,
			"reason": t.Reason,
		}); err != nil {
			return err
		}
		if t.ToState == domain.StateLocked {
			return s.appendEvent(events.WorkspaceLocked, b.WorkspaceID, "workspace", b.WorkspaceID, t.TriggeredBy, nil)
		}
	}
	return nil
}

func (s *Store) ResolveMissingElement(ctx context.Context, res domain.ElementResolution) (domain.MissingElement, error) {
	if err := ctx.Err(); err != nil {
		return domain.MissingElement{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.lookup(res.WorkspaceID)
	if err != nil {
		return domain.MissingElement{}, err
	}
	if g.ws.Locked {
		return domain.MissingElement{}, &domain.LockedWorkspaceError{WorkspaceID: g.ws.ID}
	}
	for i := range g.missing {
		m := &g.missing[i]
		if m.ID != res.ElementID {
			continue
		}
		if m.Resolved {
			return *m, nil
		}
		if err := s.appendEvent(events.ElementResolved, g.ws.ID, domain.KindMissingElement, m.ID, res.ActorID, events.EventPayload{
			"blocking":   m.Blocking,
			"resolution": res.Resolution,
		}); err != nil {
			return domain.MissingElement{}, err
		}
		m.Resolved = true
		m.Resolution = optionalString(res.Resolution)
		m.ResolvedBy = optionalString(res.ActorID)
		at := res.At
		m.ResolvedAt = &at
		g.ws.Version++
		return *m, nil
	}
	return domain.MissingElement{}, &domain.NotFoundError{Kind: domain.KindMissingElement, ID: res.ElementID}
}

func (s *Store) MarkActionExecuted(ctx context.Context, x domain.ActionExecution) (domain.ProposedAction, error) {
	if err := ctx.Err(); err != nil {
		return domain.ProposedAction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.lookup(x.WorkspaceID)
	if err != nil {
		return domain.ProposedAction{}, err
	}
	if g.ws.Locked {
		return domain.ProposedAction{}, &domain.LockedWorkspaceError{WorkspaceID: g.ws.ID}
	}
	for i := range g.actions {
		a := &g.actions[i]
		if a.ID != x.ActionID {
			continue
		}
		if a.Executed {
			return *a, nil
		}
		if err := s.appendEvent(events.ActionExecuted, g.ws.ID, domain.KindAction, a.ID, x.ActorID, events.EventPayload{"result": x.Result}); err != nil {
			return domain.ProposedAction{}, err
		}
		a.Executed = true
		a.ExecutedBy = optionalString(x.ActorID)
		at := x.At
		a.ExecutedAt = &at
		a.Result = optionalString(x.Result)
		g.ws.Version++
		return *a, nil
	}
	return domain.ProposedAction{}, &domain.NotFoundError{Kind: domain.KindAction, ID: x.ActionID}
}

func (s *Store) ListEvents(ctx context.Context, f domain.EventFilter) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	start := sort.Search(len(s.events), func(i int) bool { return s.events[i].ID > f.AfterID })
	var res []domain.Event
	for _, e := range s.events[start:] {
		if f.WorkspaceID != "" && e.WorkspaceID != f.WorkspaceID {
			continue
		}
		res = append(res, e)
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

func (s *Store) LatestEventID(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return 0, nil
	}
	return s.events[len(s.events)-1].ID, nil
}

// appendEvent must be called with mu held.
func (s *Store) appendEvent(evtType, workspaceID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	ts, data, err := s.writer.Encode(payload)
	if err != nil {
		return err
	}
	s.events = append(s.events, domain.Event{
		ID:          int64(len(s.events) + 1),
		TS:          ts,
		Type:        evtType,
		WorkspaceID: workspaceID,
		EntityKind:  entityKind,
		EntityID:    entityID,
		ActorID:     actorID,
		Payload:     data,
	})
	return nil
}

func (s *Store) lookup(id string) (*graph, error) {
	g, ok := s.workspaces[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "workspace", ID: id}
	}
	return g, nil
}

func ordered[T any](in []T, order domain.Order) []T {
	out := make([]T, len(in))
	copy(out, in)
	if order == domain.OrderDesc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
