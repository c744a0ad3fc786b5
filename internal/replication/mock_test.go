package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/njoerd114/siterelay/internal/adapter"
	"github.com/njoerd114/siterelay/internal/events"
	"github.com/njoerd114/siterelay/internal/model"
	"github.com/njoerd114/siterelay/internal/state"
)

// --- Mock Registry -----------------------------------------------------------

type mockRegistry struct {
	mu    sync.Mutex
	sites map[string]*model.Site
	saved []model.Site
	gets  []string
}

func newMockRegistry(sites ...*model.Site) *mockRegistry {
	m := &mockRegistry{sites: make(map[string]*model.Site)}
	for _, s := range sites {
		m.sites[s.ID] = s
	}
	return m
}

func (m *mockRegistry) Get(_ context.Context, id string) (*model.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets = append(m.gets, id)
	s, ok := m.sites[id]
	if !ok {
		return nil, fmt.Errorf("site %q: %w", id, state.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *mockRegistry) Objects(_ context.Context) ([]*model.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Site
	for _, s := range m.sites {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockRegistry) Save(_ context.Context, site *model.Site) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *site
	m.sites[site.ID] = &cp
	m.saved = append(m.saved, cp)
	return nil
}

// --- Mock Adapter ------------------------------------------------------------

type mockAdapter struct {
	name        string
	unavailable bool

	mu     sync.Mutex
	closes int
}

func (a *mockAdapter) IsAvailable(context.Context) bool { return !a.unavailable }
func (a *mockAdapter) SystemName() string              { return a.name }

func (a *mockAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closes++
	return nil
}

func (a *mockAdapter) closeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closes
}

// --- Mock Factories ----------------------------------------------------------

var errRefused = errors.New("address does not answer as this type")

// factoryLog records which site types were asked to create an adapter, in
// call order.
type factoryLog struct {
	mu    sync.Mutex
	calls []model.SiteType
}

func (l *factoryLog) record(t model.SiteType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, t)
}

func (l *factoryLog) types() []model.SiteType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.SiteType(nil), l.calls...)
}

// mockFactory returns the adapter registered for the requested URL, or
// errRefused when it has none.
func mockFactory(t model.SiteType, log *factoryLog, byURL map[string]*mockAdapter) adapter.Factory {
	return adapter.FactoryFunc(func(_ context.Context, rawURL string) (adapter.Adapter, error) {
		log.record(t)
		a, ok := byURL[rawURL]
		if !ok {
			return nil, errRefused
		}
		return a, nil
	})
}

// --- Mock Syncer -------------------------------------------------------------

type createCall struct {
	source      adapter.Adapter
	destination adapter.Adapter
	cfg         model.ReplicationConfig
	excluded    map[string]struct{}
}

type mockSyncer struct {
	mu      sync.Mutex
	creates []createCall
	runs    map[string]int

	// jobs maps "src->dst" (system names) to the behavior of that direction.
	// Missing entries succeed.
	jobs map[string]func(ctx context.Context) error
}

func newMockSyncer() *mockSyncer {
	return &mockSyncer{runs: make(map[string]int), jobs: make(map[string]func(context.Context) error)}
}

func (s *mockSyncer) Create(source, destination adapter.Adapter, cfg model.ReplicationConfig, excluded map[string]struct{}) Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates = append(s.creates, createCall{source, destination, cfg, excluded})

	key := direction(source.SystemName(), destination.SystemName())
	behavior := s.jobs[key]
	return JobFunc(func(ctx context.Context) error {
		s.mu.Lock()
		s.runs[key]++
		s.mu.Unlock()
		if behavior != nil {
			return behavior(ctx)
		}
		return nil
	})
}

func (s *mockSyncer) createCalls() []createCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]createCall(nil), s.creates...)
}

func (s *mockSyncer) runCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[key]
}

// --- Mock Reporter -----------------------------------------------------------

type mockReporter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *mockReporter) Report(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *mockReporter) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Kind
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

// --- Mock Items Node ---------------------------------------------------------

// itemNode is an adapter with an in-memory item collection, for syncer tests.
type itemNode struct {
	mockAdapter

	mu      sync.Mutex
	items   []model.Item
	applied []model.Item
	sinces  []time.Time
	failIDs map[string]bool
	listErr error
}

func (n *itemNode) Changes(_ context.Context, since time.Time) ([]model.Item, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sinces = append(n.sinces, since)
	if n.listErr != nil {
		return nil, n.listErr
	}
	var out []model.Item
	for _, it := range n.items {
		if it.ModifiedAt.After(since) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (n *itemNode) Apply(_ context.Context, item model.Item) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failIDs[item.ID] {
		return fmt.Errorf("rejecting %s", item.ID)
	}
	n.applied = append(n.applied, item)
	for i := range n.items {
		if n.items[i].ID == item.ID {
			n.items[i] = item
			return nil
		}
	}
	n.items = append(n.items, item)
	return nil
}

// --- Mock Progress Store -----------------------------------------------------

type mockProgress struct {
	mu     sync.Mutex
	marks  map[string]state.Watermark
	hashes map[string]map[string]string
	saves  int
}

func newMockProgress() *mockProgress {
	return &mockProgress{marks: make(map[string]state.Watermark), hashes: make(map[string]map[string]string)}
}

func wmKey(cfg, src, dst string) string { return cfg + "|" + src + "|" + dst }

func (m *mockProgress) GetWatermark(_ context.Context, configID, sourceID, destinationID string) (*state.Watermark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wm, ok := m.marks[wmKey(configID, sourceID, destinationID)]
	if !ok {
		wm = state.Watermark{ConfigID: configID, SourceID: sourceID, DestinationID: destinationID}
	}
	return &wm, nil
}

func (m *mockProgress) SaveWatermark(_ context.Context, wm *state.Watermark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.marks[wmKey(wm.ConfigID, wm.SourceID, wm.DestinationID)] = *wm
	return nil
}

func (m *mockProgress) ItemHashes(_ context.Context, configID string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.hashes[configID]))
	for id, h := range m.hashes[configID] {
		out[id] = h
	}
	return out, nil
}

func (m *mockProgress) SaveItemHash(_ context.Context, configID, itemID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[configID] == nil {
		m.hashes[configID] = make(map[string]string)
	}
	m.hashes[configID][itemID] = hash
	return nil
}
