package query

import (
	"context"
	"sync"
	"time"

	"github.com/njoerd114/siterelay/internal/model"
)

// --- Mock Registry -----------------------------------------------------------

type mockRegistry struct {
	mu    sync.Mutex
	sites []*model.Site
	err   error
	calls int
}

func (m *mockRegistry) set(sites ...*model.Site) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sites = sites
}

func (m *mockRegistry) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockRegistry) Objects(context.Context) ([]*model.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([]*model.Site, 0, len(m.sites))
	for _, s := range m.sites {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockRegistry) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// --- Mock Worker -------------------------------------------------------------

type mockWorker struct {
	mu        sync.Mutex
	site      model.Site
	updates   []model.Site
	updateErr error
	starts    int
	stops     int
}

func (w *mockWorker) Update(_ context.Context, site *model.Site) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.site = *site
	w.updates = append(w.updates, *site)
	return w.updateErr
}

func (w *mockWorker) failUpdates(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.updateErr = err
}

func (w *mockWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.starts++
}

func (w *mockWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stops++
}

func (w *mockWorker) counts() (starts, stops, updates int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.starts, w.stops, len(w.updates)
}

func (w *mockWorker) lastUpdate() model.Site {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.updates[len(w.updates)-1]
}

// workerFactory records every worker it builds, keyed by site id. A site id
// rebuilt after removal gets a fresh worker appended.
type workerFactory struct {
	mu      sync.Mutex
	workers map[string][]*mockWorker
}

func newWorkerFactory() *workerFactory {
	return &workerFactory{workers: make(map[string][]*mockWorker)}
}

func (f *workerFactory) build(site *model.Site) Worker {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &mockWorker{site: *site}
	f.workers[site.ID] = append(f.workers[site.ID], w)
	return w
}

func (f *workerFactory) built(id string) []*mockWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*mockWorker(nil), f.workers[id]...)
}

// --- Mock Change Source Adapter ----------------------------------------------

type pollAdapter struct {
	name string

	mu      sync.Mutex
	sinces  []time.Time
	items   []model.Item
	closes  int
	entered chan struct{}
	release chan struct{}
}

// hold makes the next Changes call signal entered and then block until
// release is closed.
func (a *pollAdapter) hold() (entered, release chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entered = make(chan struct{})
	a.release = make(chan struct{})
	return a.entered, a.release
}

func (a *pollAdapter) IsAvailable(context.Context) bool { return true }
func (a *pollAdapter) SystemName() string              { return a.name }

func (a *pollAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closes++
	return nil
}

func (a *pollAdapter) Changes(_ context.Context, since time.Time) ([]model.Item, error) {
	a.mu.Lock()
	a.sinces = append(a.sinces, since)
	items := a.items
	entered, release := a.entered, a.release
	a.entered, a.release = nil, nil
	a.mu.Unlock()

	if entered != nil {
		close(entered)
		<-release
	}
	return items, nil
}

func (a *pollAdapter) pollCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sinces)
}

func (a *pollAdapter) closeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closes
}
