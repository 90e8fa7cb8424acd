package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/mailtrack/internal/abtest"
	"github.com/noah-isme/mailtrack/internal/mail"
)

// MemoryStore keeps records and experiments in process memory. A single mutex
// guards both collections so record and counter changes are applied together.
type MemoryStore struct {
	mu          sync.Mutex
	records     map[string]*mail.Record
	order       []string
	experiments map[string]*abtest.Experiment
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]*mail.Record),
		experiments: make(map[string]*abtest.Experiment),
	}
}

var (
	_ mail.Store   = (*MemoryStore)(nil)
	_ abtest.Store = (*MemoryStore)(nil)
)

// Create implements mail.Store.
func (m *MemoryStore) Create(_ context.Context, rec mail.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.Token]; exists {
		return mail.ErrDuplicateToken
	}
	var arm *abtest.VariantData
	if rec.ExperimentID != "" {
		exp, ok := m.experiments[rec.ExperimentID]
		if !ok {
			return abtest.ErrNotFound
		}
		if arm = exp.Arm(abtest.Variant(rec.Variant)); arm == nil {
			return ErrUnknownVariant
		}
	}
	stored := cloneRecord(rec)
	m.records[rec.Token] = &stored
	m.order = append(m.order, rec.Token)
	if arm != nil {
		arm.SentCount++
	}
	return nil
}

// RecordOpen implements mail.Store.
func (m *MemoryStore) RecordOpen(_ context.Context, token string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[token]
	if !ok {
		return mail.ErrNotFound
	}
	rec.Opens = append(rec.Opens, at.UTC())
	if len(rec.Opens) == 1 && rec.ExperimentID != "" {
		if exp, ok := m.experiments[rec.ExperimentID]; ok {
			if arm := exp.Arm(abtest.Variant(rec.Variant)); arm != nil {
				arm.OpenCount++
			}
		}
	}
	return nil
}

// Get implements mail.Store.
func (m *MemoryStore) Get(_ context.Context, token string) (mail.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[token]
	if !ok {
		return mail.Record{}, mail.ErrNotFound
	}
	return cloneRecord(*rec), nil
}

// ListRecent implements mail.Store.
func (m *MemoryStore) ListRecent(_ context.Context, limit int) ([]mail.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]mail.Record, 0, len(m.order))
	for _, token := range m.order {
		all = append(all, cloneRecord(*m.records[token]))
	}
	// newest insert first among equal timestamps
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].SentAt.After(all[j].SentAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// CountTotal implements mail.Store.
func (m *MemoryStore) CountTotal(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records)), nil
}

// CountOpened implements mail.Store.
func (m *MemoryStore) CountOpened(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, rec := range m.records {
		if rec.Opened() {
			n++
		}
	}
	return n, nil
}

// CreateExperiment implements abtest.Store.
func (m *MemoryStore) CreateExperiment(_ context.Context, exp abtest.Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.experiments[exp.ID]; exists {
		return ErrDuplicateExperiment
	}
	stored := cloneExperiment(exp)
	m.experiments[exp.ID] = &stored
	return nil
}

// GetExperiment implements abtest.Store.
func (m *MemoryStore) GetExperiment(_ context.Context, id string) (abtest.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.experiments[id]
	if !ok {
		return abtest.Experiment{}, abtest.ErrNotFound
	}
	return cloneExperiment(*exp), nil
}

// ListExperiments implements abtest.Store.
func (m *MemoryStore) ListExperiments(context.Context) ([]abtest.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]abtest.Experiment, 0, len(m.experiments))
	for _, exp := range m.experiments {
		out = append(out, cloneExperiment(*exp))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ReconcileExperiment implements abtest.Store.
func (m *MemoryStore) ReconcileExperiment(_ context.Context, id string) (abtest.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.experiments[id]
	if !ok {
		return abtest.Experiment{}, abtest.ErrNotFound
	}
	exp.A.SentCount, exp.A.OpenCount = 0, 0
	exp.B.SentCount, exp.B.OpenCount = 0, 0
	for _, rec := range m.records {
		if rec.ExperimentID != id {
			continue
		}
		arm := exp.Arm(abtest.Variant(rec.Variant))
		if arm == nil {
			continue
		}
		arm.SentCount++
		if rec.Opened() {
			arm.OpenCount++
		}
	}
	return cloneExperiment(*exp), nil
}

func cloneRecord(rec mail.Record) mail.Record {
	if rec.Opens != nil {
		rec.Opens = append([]time.Time(nil), rec.Opens...)
	}
	return rec
}

func cloneExperiment(exp abtest.Experiment) abtest.Experiment {
	exp.Prospects = append([]abtest.Prospect(nil), exp.Prospects...)
	if exp.A.Brief != nil {
		b := *exp.A.Brief
		exp.A.Brief = &b
	}
	if exp.B.Brief != nil {
		b := *exp.B.Brief
		exp.B.Brief = &b
	}
	return exp
}
