package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clearline-health/authcore/pkg/contracts"
)

// MemoryStore is an in-process Store used by tests and by the dev profile.
// A single mutex serializes writers; WithinTx snapshots state so a failed
// unit of work leaves nothing behind.
type MemoryStore struct {
	mu        sync.RWMutex
	cases     map[string]*contracts.Case
	analyses  map[string][]*contracts.AIAnalysis // keyed by case id, insertion order
	decisions map[string]*contracts.Decision     // keyed by case id
	audit     map[string][]*contracts.AuditLogEntry
	outbox    []*OutboxRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases:     make(map[string]*contracts.Case),
		analyses:  make(map[string][]*contracts.AIAnalysis),
		decisions: make(map[string]*contracts.Decision),
		audit:     make(map[string][]*contracts.AuditLogEntry),
	}
}

// WithinTx serializes the unit of work under the store mutex and restores
// the pre-transaction snapshot when fn fails.
func (m *MemoryStore) WithinTx(_ context.Context, fn func(Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&memoryTx{store: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	cases     map[string]*contracts.Case
	analyses  map[string][]*contracts.AIAnalysis
	decisions map[string]*contracts.Decision
	audit     map[string][]*contracts.AuditLogEntry
	outbox    []*OutboxRecord
}

func (m *MemoryStore) snapshot() memorySnapshot {
	s := memorySnapshot{
		cases:     make(map[string]*contracts.Case, len(m.cases)),
		analyses:  make(map[string][]*contracts.AIAnalysis, len(m.analyses)),
		decisions: make(map[string]*contracts.Decision, len(m.decisions)),
		audit:     make(map[string][]*contracts.AuditLogEntry, len(m.audit)),
		outbox:    append([]*OutboxRecord(nil), m.outbox...),
	}
	for k, v := range m.cases {
		cv := *v
		s.cases[k] = &cv
	}
	for k, v := range m.analyses {
		s.analyses[k] = append([]*contracts.AIAnalysis(nil), v...)
	}
	for k, v := range m.decisions {
		dv := *v
		s.decisions[k] = &dv
	}
	for k, v := range m.audit {
		s.audit[k] = append([]*contracts.AuditLogEntry(nil), v...)
	}
	return s
}

func (m *MemoryStore) restore(s memorySnapshot) {
	m.cases = s.cases
	m.analyses = s.analyses
	m.decisions = s.decisions
	m.audit = s.audit
	m.outbox = s.outbox
}

// memoryTx reuses the store's methods without re-locking: the outer
// WithinTx already holds the write lock.
type memoryTx struct {
	store *MemoryStore
}

func (t *memoryTx) CreateCase(ctx context.Context, c *contracts.Case) error {
	return t.store.createCaseLocked(c)
}

func (t *memoryTx) GetCase(ctx context.Context, id string) (*contracts.Case, error) {
	return t.store.getCaseLocked(id)
}

func (t *memoryTx) ListCases(ctx context.Context, status contracts.CaseStatus, assignee string) ([]*contracts.Case, error) {
	return t.store.listCasesLocked(status, assignee), nil
}

func (t *memoryTx) UpdateCaseCAS(ctx context.Context, id string, expectStatus contracts.CaseStatus, expectVersion int64, newStatus contracts.CaseStatus, assignee string) (*contracts.Case, error) {
	return t.store.updateCaseCASLocked(id, expectStatus, expectVersion, newStatus, assignee)
}

func (t *memoryTx) CreateAnalysis(ctx context.Context, a *contracts.AIAnalysis) error {
	return t.store.createAnalysisLocked(a)
}

func (t *memoryTx) ActiveAnalysis(ctx context.Context, caseID string, at contracts.AnalysisType) (*contracts.AIAnalysis, error) {
	return t.store.activeAnalysisLocked(caseID, at)
}

func (t *memoryTx) ListAnalyses(ctx context.Context, caseID string) ([]*contracts.AIAnalysis, error) {
	return t.store.listAnalysesLocked(caseID), nil
}

func (t *memoryTx) CreateDecision(ctx context.Context, d *contracts.Decision) error {
	return t.store.createDecisionLocked(d)
}

func (t *memoryTx) GetDecision(ctx context.Context, caseID string) (*contracts.Decision, error) {
	return t.store.getDecisionLocked(caseID)
}

func (t *memoryTx) AppendAudit(ctx context.Context, e *contracts.AuditLogEntry) error {
	return t.store.appendAuditLocked(e)
}

func (t *memoryTx) AuditChain(ctx context.Context, caseID string) ([]*contracts.AuditLogEntry, error) {
	return t.store.auditChainLocked(caseID), nil
}

func (t *memoryTx) LastAudit(ctx context.Context, caseID string) (*contracts.AuditLogEntry, error) {
	return t.store.lastAuditLocked(caseID)
}

func (t *memoryTx) EnqueueEvent(ctx context.Context, ev *contracts.Event) error {
	return t.store.enqueueEventLocked(ev)
}

func (t *memoryTx) PendingEvents(ctx context.Context, limit int) ([]*OutboxRecord, error) {
	return t.store.pendingEventsLocked(limit), nil
}

func (t *memoryTx) MarkEventDelivered(ctx context.Context, eventID string) error {
	return t.store.markEventLocked(eventID, OutboxDelivered, 0, time.Time{})
}

func (t *memoryTx) MarkEventFailed(ctx context.Context, eventID string, attempts int, retryAt time.Time, dead bool) error {
	status := OutboxPending
	if dead {
		status = OutboxDead
	}
	return t.store.markEventLocked(eventID, status, attempts, retryAt)
}

// ---- top-level (self-locking) Store methods ----

func (m *MemoryStore) CreateCase(_ context.Context, c *contracts.Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCaseLocked(c)
}

func (m *MemoryStore) GetCase(_ context.Context, id string) (*contracts.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCaseLocked(id)
}

func (m *MemoryStore) ListCases(_ context.Context, status contracts.CaseStatus, assignee string) ([]*contracts.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listCasesLocked(status, assignee), nil
}

func (m *MemoryStore) UpdateCaseCAS(_ context.Context, id string, expectStatus contracts.CaseStatus, expectVersion int64, newStatus contracts.CaseStatus, assignee string) (*contracts.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateCaseCASLocked(id, expectStatus, expectVersion, newStatus, assignee)
}

func (m *MemoryStore) CreateAnalysis(_ context.Context, a *contracts.AIAnalysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createAnalysisLocked(a)
}

func (m *MemoryStore) ActiveAnalysis(_ context.Context, caseID string, at contracts.AnalysisType) (*contracts.AIAnalysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeAnalysisLocked(caseID, at)
}

func (m *MemoryStore) ListAnalyses(_ context.Context, caseID string) ([]*contracts.AIAnalysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listAnalysesLocked(caseID), nil
}

func (m *MemoryStore) CreateDecision(_ context.Context, d *contracts.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createDecisionLocked(d)
}

func (m *MemoryStore) GetDecision(_ context.Context, caseID string) (*contracts.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getDecisionLocked(caseID)
}

func (m *MemoryStore) AppendAudit(_ context.Context, e *contracts.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendAuditLocked(e)
}

func (m *MemoryStore) AuditChain(_ context.Context, caseID string) ([]*contracts.AuditLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.auditChainLocked(caseID), nil
}

func (m *MemoryStore) LastAudit(_ context.Context, caseID string) (*contracts.AuditLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastAuditLocked(caseID)
}

func (m *MemoryStore) EnqueueEvent(_ context.Context, ev *contracts.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enqueueEventLocked(ev)
}

func (m *MemoryStore) PendingEvents(_ context.Context, limit int) ([]*OutboxRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingEventsLocked(limit), nil
}

func (m *MemoryStore) MarkEventDelivered(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markEventLocked(eventID, OutboxDelivered, 0, time.Time{})
}

func (m *MemoryStore) MarkEventFailed(_ context.Context, eventID string, attempts int, retryAt time.Time, dead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := OutboxPending
	if dead {
		status = OutboxDead
	}
	return m.markEventLocked(eventID, status, attempts, retryAt)
}

// TamperAudit rewrites the payload of a persisted entry out of band.
// Test hook for integrity verification; real stores have no equivalent.
func (m *MemoryStore) TamperAudit(caseID string, index int, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entries, ok := m.audit[caseID]; ok && index < len(entries) {
		entries[index].Payload = payload
	}
}

// ---- locked internals ----

func (m *MemoryStore) createCaseLocked(c *contracts.Case) error {
	if _, exists := m.cases[c.ID]; exists {
		return &contracts.ConflictError{Reason: "case " + c.ID + " already exists"}
	}
	cv := *c
	m.cases[c.ID] = &cv
	return nil
}

func (m *MemoryStore) getCaseLocked(id string) (*contracts.Case, error) {
	c, ok := m.cases[id]
	if !ok {
		return nil, &contracts.NotFoundError{Kind: "case", ID: id}
	}
	cv := *c
	return &cv, nil
}

func (m *MemoryStore) listCasesLocked(status contracts.CaseStatus, assignee string) []*contracts.Case {
	out := make([]*contracts.Case, 0)
	for _, c := range m.cases {
		if status != "" && c.Status != status {
			continue
		}
		if assignee != "" && c.Assignee != assignee {
			continue
		}
		cv := *c
		out = append(out, &cv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) updateCaseCASLocked(id string, expectStatus contracts.CaseStatus, expectVersion int64, newStatus contracts.CaseStatus, assignee string) (*contracts.Case, error) {
	c, ok := m.cases[id]
	if !ok {
		return nil, &contracts.NotFoundError{Kind: "case", ID: id}
	}
	if c.Status != expectStatus || c.Version != expectVersion {
		return nil, &contracts.ConflictError{Reason: "case " + id + " status/version changed concurrently"}
	}
	c.Status = newStatus
	c.Assignee = assignee
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	cv := *c
	return &cv, nil
}

func (m *MemoryStore) createAnalysisLocked(a *contracts.AIAnalysis) error {
	av := *a
	m.analyses[a.CaseID] = append(m.analyses[a.CaseID], &av)
	return nil
}

func (m *MemoryStore) activeAnalysisLocked(caseID string, at contracts.AnalysisType) (*contracts.AIAnalysis, error) {
	entries := m.analyses[caseID]
	for i := len(entries) - 1; i >= 0; i-- {
		if at == "" || entries[i].Type == at {
			av := *entries[i]
			return &av, nil
		}
	}
	return nil, &contracts.NotFoundError{Kind: "analysis", ID: caseID}
}

func (m *MemoryStore) listAnalysesLocked(caseID string) []*contracts.AIAnalysis {
	entries := m.analyses[caseID]
	out := make([]*contracts.AIAnalysis, 0, len(entries))
	for _, a := range entries {
		av := *a
		out = append(out, &av)
	}
	return out
}

func (m *MemoryStore) createDecisionLocked(d *contracts.Decision) error {
	if _, exists := m.decisions[d.CaseID]; exists {
		return &contracts.ConflictError{Reason: "decision already exists for case " + d.CaseID}
	}
	dv := *d
	m.decisions[d.CaseID] = &dv
	return nil
}

func (m *MemoryStore) getDecisionLocked(caseID string) (*contracts.Decision, error) {
	d, ok := m.decisions[caseID]
	if !ok {
		return nil, &contracts.NotFoundError{Kind: "decision", ID: caseID}
	}
	dv := *d
	return &dv, nil
}

func (m *MemoryStore) appendAuditLocked(e *contracts.AuditLogEntry) error {
	ev := *e
	m.audit[e.CaseID] = append(m.audit[e.CaseID], &ev)
	return nil
}

func (m *MemoryStore) auditChainLocked(caseID string) []*contracts.AuditLogEntry {
	entries := m.audit[caseID]
	out := make([]*contracts.AuditLogEntry, 0, len(entries))
	for _, e := range entries {
		ev := *e
		out = append(out, &ev)
	}
	return out
}

func (m *MemoryStore) lastAuditLocked(caseID string) (*contracts.AuditLogEntry, error) {
	entries := m.audit[caseID]
	if len(entries) == 0 {
		return nil, &contracts.NotFoundError{Kind: "audit entry", ID: caseID}
	}
	ev := *entries[len(entries)-1]
	return &ev, nil
}

func (m *MemoryStore) enqueueEventLocked(ev *contracts.Event) error {
	rec := &OutboxRecord{Event: *ev, Status: OutboxPending, AvailableAt: time.Now().UTC()}
	m.outbox = append(m.outbox, rec)
	return nil
}

func (m *MemoryStore) pendingEventsLocked(limit int) []*OutboxRecord {
	now := time.Now()
	out := make([]*OutboxRecord, 0)
	for _, r := range m.outbox {
		if r.Status != OutboxPending || r.AvailableAt.After(now) {
			continue
		}
		rv := *r
		out = append(out, &rv)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (m *MemoryStore) markEventLocked(eventID, status string, attempts int, retryAt time.Time) error {
	for _, r := range m.outbox {
		if r.Event.ID == eventID {
			r.Status = status
			if attempts > 0 {
				r.Attempts = attempts
			}
			if !retryAt.IsZero() {
				r.AvailableAt = retryAt
			}
			return nil
		}
	}
	return &contracts.NotFoundError{Kind: "outbox event", ID: eventID}
}
