package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
	"github.com/linkflow-ai/migrator/internal/shared/events"
)

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeStore is catalog, recorder and lister at once
type fakeStore struct {
	mu          sync.Mutex
	descriptors map[string]model.Descriptor
	applied     map[string][]model.AppliedMigration
	appliedErr  error
	recordErr   error
}

func newFakeStore(ids ...string) *fakeStore {
	s := &fakeStore{
		descriptors: make(map[string]model.Descriptor),
		applied:     make(map[string][]model.AppliedMigration),
	}
	for _, id := range ids {
		s.descriptors[id] = model.Descriptor{
			ID:       id,
			Name:     model.NameFromID(id),
			OrderKey: model.OrderKeyFromID(id),
			Checksum: "sum-" + id,
		}
	}
	return s
}

func (s *fakeStore) markApplied(env string, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range ids {
		s.applied[env] = append(s.applied[env], model.AppliedMigration{
			ID:        id,
			OrderKey:  model.OrderKeyFromID(id),
			AppliedAt: baseTime.Add(time.Duration(i) * time.Minute),
			Checksum:  "sum-" + id,
		})
	}
}

func (s *fakeStore) appliedIDs(env string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []string{}
	for _, a := range s.applied[env] {
		ids = append(ids, a.ID)
	}
	return ids
}

func (s *fakeStore) GetMigration(_ context.Context, id string) (*model.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.descriptors[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *fakeStore) GetApplied(_ context.Context, env string) ([]model.AppliedMigration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appliedErr != nil {
		return nil, s.appliedErr
	}
	return append([]model.AppliedMigration(nil), s.applied[env]...), nil
}

func (s *fakeStore) GetPending(ctx context.Context, env string) ([]model.Descriptor, error) {
	all, _ := s.ListMigrations(ctx)
	applied, _ := s.GetApplied(ctx, env)
	set := model.AppliedIDs(applied)
	var pending []model.Descriptor
	for _, d := range all {
		if _, ok := set[d.ID]; !ok {
			pending = append(pending, d)
		}
	}
	return pending, nil
}

func (s *fakeStore) ListMigrations(_ context.Context) ([]model.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]model.Descriptor, 0, len(s.descriptors))
	for _, d := range s.descriptors {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].OrderKey < all[j].OrderKey })
	return all, nil
}

func (s *fakeStore) RecordApplied(_ context.Context, d model.Descriptor, r model.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return s.recordErr
	}
	s.applied[r.EnvironmentID] = append(s.applied[r.EnvironmentID], model.AppliedMigration{
		ID: d.ID, OrderKey: d.OrderKey, AppliedAt: r.CompletedAt, Checksum: d.Checksum,
	})
	return nil
}

func (s *fakeStore) RecordRolledBack(_ context.Context, r model.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return s.recordErr
	}
	kept := s.applied[r.EnvironmentID][:0]
	for _, a := range s.applied[r.EnvironmentID] {
		if a.ID != r.MigrationID {
			kept = append(kept, a)
		}
	}
	s.applied[r.EnvironmentID] = kept
	return nil
}

// fakeSQL generates "UP id"/"DOWN id" and records executions
type fakeSQL struct {
	mu        sync.Mutex
	executed  []string
	timeouts  []time.Duration
	execErr   map[string]error
	downErr   map[string]error
	rows      int64
	onExecute func(ctx context.Context, sql string) error
}

func newFakeSQL() *fakeSQL {
	return &fakeSQL{execErr: map[string]error{}, downErr: map[string]error{}, rows: 3}
}

func (f *fakeSQL) GenerateUp(_ context.Context, id string, _ model.Driver) (string, error) {
	return "UP " + id, nil
}

func (f *fakeSQL) GenerateDown(_ context.Context, id string, _ model.Driver) (string, error) {
	if err := f.downErr[id]; err != nil {
		return "", err
	}
	return "DOWN " + id, nil
}

func (f *fakeSQL) Execute(ctx context.Context, _ model.Environment, sql string, timeout time.Duration) (int64, error) {
	f.mu.Lock()
	f.executed = append(f.executed, sql)
	f.timeouts = append(f.timeouts, timeout)
	hook := f.onExecute
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, sql); err != nil {
			return 0, err
		}
	}
	if err := f.execErr[sql]; err != nil {
		return 0, err
	}
	return f.rows, nil
}

func (f *fakeSQL) Executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.executed...)
}

type fakeImpact struct {
	rollback    map[string][]model.TableImpact
	apply       map[string][]model.TableImpact
	err         error
	estimate    time.Duration
	estimateErr error
}

func (f *fakeImpact) AnalyzeApplyImpact(_ context.Context, _ model.Environment, id string) ([]model.TableImpact, error) {
	return f.apply[id], f.err
}

func (f *fakeImpact) AnalyzeRollbackImpact(_ context.Context, _ model.Environment, id string) ([]model.TableImpact, error) {
	return f.rollback[id], f.err
}

func (f *fakeImpact) EstimateDuration(context.Context, model.Environment, string) (time.Duration, error) {
	return f.estimate, f.estimateErr
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []model.AuditEntry
	err     error
	panics  bool
}

func (f *fakeAudit) Log(_ context.Context, entry model.AuditEntry) error {
	if f.panics {
		panic("audit store exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return f.err
}

func (f *fakeAudit) Entries() []model.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.AuditEntry(nil), f.entries...)
}

// fakeNotifier records calls as "kind:migration[:detail]"
type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeNotifier) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeNotifier) NotifyStarted(_ context.Context, _, id string) {
	f.record("started:" + id)
}

func (f *fakeNotifier) NotifyProgress(_ context.Context, _, id string, percent int, phase model.Phase, _ string) {
	f.record(fmt.Sprintf("progress:%s:%d:%s", id, percent, phase))
}

func (f *fakeNotifier) NotifyCompleted(_ context.Context, _, id string, _ model.ExecutionResult) {
	f.record("completed:" + id)
}

func (f *fakeNotifier) NotifyFailed(_ context.Context, _, id string, _ error) {
	f.record("failed:" + id)
}

func (f *fakeNotifier) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

type fakeEnvironments map[string]model.Environment

func (f fakeEnvironments) Environment(_ context.Context, id string) (model.Environment, error) {
	env, ok := f[id]
	if !ok {
		return model.Environment{}, errors.New("unknown environment")
	}
	return env, nil
}

type fakeBackups struct {
	tables [][]string
	err    error
}

func (f *fakeBackups) Backup(_ context.Context, _ model.Environment, id string, tables []string) (string, error) {
	f.tables = append(f.tables, tables)
	if f.err != nil {
		return "", f.err
	}
	return "s3://backups/" + id + ".json", nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []*events.Event
}

func (f *fakeEvents) Publish(_ context.Context, event *events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEvents) Types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, e := range f.events {
		types = append(types, e.EventType)
	}
	return types
}

// harness wires every fake into Dependencies
type harness struct {
	store    *fakeStore
	sql      *fakeSQL
	impact   *fakeImpact
	audit    *fakeAudit
	notifier *fakeNotifier
	backups  *fakeBackups
	events   *fakeEvents
}

func newHarness(ids ...string) *harness {
	return &harness{
		store:    newFakeStore(ids...),
		sql:      newFakeSQL(),
		impact:   &fakeImpact{rollback: map[string][]model.TableImpact{}, apply: map[string][]model.TableImpact{}},
		audit:    &fakeAudit{},
		notifier: &fakeNotifier{},
		backups:  &fakeBackups{},
		events:   &fakeEvents{},
	}
}

func (h *harness) deps() Dependencies {
	return Dependencies{
		Catalog:  h.store,
		SQL:      h.sql,
		Impact:   h.impact,
		Audit:    h.audit,
		Notifier: h.notifier,
		Environments: fakeEnvironments{
			"dev":  {ID: "dev", Name: "Development", Driver: model.DriverPostgres},
			"prod": {ID: "prod", Name: "Production", Driver: model.DriverPostgres, IsProduction: true},
		},
		Recorder: h.store,
		Backups:  h.backups,
		Events:   h.events,
	}
}

func fixedClock() func() time.Time {
	var mu sync.Mutex
	now := baseTime
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

// recordingMetrics counts outcomes by status
type recordingMetrics struct {
	mu       sync.Mutex
	applies  []string
	rollback []string
}

func (m *recordingMetrics) RecordApply(_ string, status string, _ bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applies = append(m.applies, status)
}

func (m *recordingMetrics) RecordRollback(_ string, status, _ string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollback = append(m.rollback, status)
}

func (m *recordingMetrics) RecordRollbackAnalysis(string, string, bool) {}
