package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/blackwell-systems/embedauth"
)

// Persister reads and writes a Report under a single store key.
type Persister struct {
	store embedauth.Store
	key   string
	log   logr.Logger
}

// NewPersister creates a persister writing under embedauth.ReportKey.
func NewPersister(store embedauth.Store, log logr.Logger) *Persister {
	return &Persister{
		store: store,
		key:   embedauth.ReportKey,
		log:   log,
	}
}

// Load returns the stored report merged onto Default. A missing, unreadable or
// corrupt blob is logged and yields Default.
func (p *Persister) Load(ctx context.Context) Report {
	r := Default()

	raw, err := p.store.Get(ctx, p.key)
	if err != nil {
		if !errors.Is(err, embedauth.ErrNotFound) {
			p.log.Error(err, "failed to load report from store", "key", p.key)
		}
		return r
	}

	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		p.log.Error(err, "failed to decode stored report", "key", p.key)
		return Default()
	}
	return r.Persistable()
}

// Save writes the persistable part of r.
func (p *Persister) Save(ctx context.Context, r Report) error {
	data, err := json.Marshal(r.Persistable())
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := p.store.Set(ctx, p.key, string(data)); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

// Clear removes the stored report.
func (p *Persister) Clear(ctx context.Context) error {
	if err := p.store.Delete(ctx, p.key); err != nil && !errors.Is(err, embedauth.ErrNotFound) {
		return fmt.Errorf("clear report: %w", err)
	}
	return nil
}

// Tracker holds the current report and persists every change. Save failures are
// logged; the in-memory report is updated regardless.
type Tracker struct {
	mu        sync.Mutex
	current   Report
	persister *Persister
	log       logr.Logger
}

// NewTracker loads the stored report once.
func NewTracker(ctx context.Context, p *Persister) *Tracker {
	return &Tracker{
		current:   p.Load(ctx),
		persister: p,
		log:       p.log,
	}
}

// Report returns the current report.
func (t *Tracker) Report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

func (t *Tracker) snapshot() Report {
	r := t.current
	r.LogicalQuery = r.LogicalQuery.clone()
	return r
}

// Update applies u, persists the result and returns it.
func (t *Tracker) Update(ctx context.Context, u Update) Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.current = Apply(t.current, u)
	if err := t.persister.Save(ctx, t.current); err != nil {
		t.log.Error(err, "failed to save report to store")
	}
	return t.snapshot()
}

// Reset replaces the current report with Default and persists it.
func (t *Tracker) Reset(ctx context.Context) Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.current = Default()
	if err := t.persister.Save(ctx, t.current); err != nil {
		t.log.Error(err, "failed to save report to store")
	}
	return t.snapshot()
}
