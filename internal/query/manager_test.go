package query

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njoerd114/siterelay/internal/adapter"
	"github.com/njoerd114/siterelay/internal/model"
	"github.com/njoerd114/siterelay/internal/schedule"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func ddf(id string) *model.Site {
	return &model.Site{ID: id, Name: id, URL: "https://" + id + ":1", Type: model.SiteTypeDDF, Version: 1}
}

func ion(id string) *model.Site {
	return &model.Site{ID: id, Name: id, URL: "https://" + id + ":1", Type: model.SiteTypeION, Version: 1}
}

func newTestManager(t *testing.T, reg Registry, opts Options) (*Manager, *workerFactory) {
	t.Helper()
	wf := newWorkerFactory()
	opts.NewWorker = wf.build
	m := NewManager(reg, adapter.NewRegistry(), schedule.New(2, testLogger), nil, testLogger, opts)
	t.Cleanup(m.Destroy)
	return m, wf
}

func TestReconcile_StartsWorkersForPollableSitesOnly(t *testing.T) {
	reg := &mockRegistry{}
	reg.set(ddf("a"), ion("b"), &model.Site{ID: "c", URL: "https://c:1"})
	m, wf := newTestManager(t, reg, Options{})

	require.NoError(t, m.Reconcile(context.Background()))

	assert.Equal(t, []string{"a"}, m.Workers())
	require.Len(t, wf.built("a"), 1)
	starts, stops, _ := wf.built("a")[0].counts()
	assert.Equal(t, 1, starts)
	assert.Zero(t, stops)
	assert.Empty(t, wf.built("b"))
	assert.Empty(t, wf.built("c"))
}

func TestReconcile_Converges(t *testing.T) {
	reg := &mockRegistry{}
	reg.set(ddf("keep"), ddf("gone"), ddf("flip"))
	m, wf := newTestManager(t, reg, Options{})
	ctx := context.Background()

	require.NoError(t, m.Reconcile(ctx))
	require.Equal(t, []string{"flip", "gone", "keep"}, m.Workers())

	moved := ddf("keep")
	moved.URL = "https://keep-moved:1"
	reg.set(moved, ion("flip"), &model.Site{ID: "new", URL: "https://new:1", Type: model.SiteTypeCSW})
	require.NoError(t, m.Reconcile(ctx))

	assert.Equal(t, []string{"keep", "new"}, m.Workers())

	_, stops, _ := wf.built("gone")[0].counts()
	assert.Equal(t, 1, stops, "removed site is stopped once")

	_, stops, _ = wf.built("flip")[0].counts()
	assert.Equal(t, 1, stops, "site that no longer needs polling is stopped")

	keep := wf.built("keep")
	require.Len(t, keep, 1, "existing worker is reused")
	starts, stops, updates := keep[0].counts()
	assert.Equal(t, 1, starts)
	assert.Zero(t, stops)
	assert.Equal(t, 1, updates)
	assert.Equal(t, "https://keep-moved:1", keep[0].lastUpdate().URL)

	require.Len(t, wf.built("new"), 1)

	// A further identical tick stops nothing again and starts nothing new.
	require.NoError(t, m.Reconcile(ctx))
	_, stops, _ = wf.built("gone")[0].counts()
	assert.Equal(t, 1, stops)
	assert.Len(t, wf.built("new"), 1)
	_, _, updates = keep[0].counts()
	assert.Equal(t, 2, updates)
}

func TestReconcile_TypeBecomesPollableStartsWorker(t *testing.T) {
	reg := &mockRegistry{}
	reg.set(ion("x"))
	m, wf := newTestManager(t, reg, Options{})

	require.NoError(t, m.Reconcile(context.Background()))
	assert.Empty(t, m.Workers())

	reg.set(ddf("x"))
	require.NoError(t, m.Reconcile(context.Background()))
	assert.Equal(t, []string{"x"}, m.Workers())
	assert.Len(t, wf.built("x"), 1)
}

func TestReconcile_RegistryErrorLeavesWorkersUntouched(t *testing.T) {
	reg := &mockRegistry{}
	reg.set(ddf("a"))
	m, wf := newTestManager(t, reg, Options{})
	require.NoError(t, m.Reconcile(context.Background()))

	reg.fail(errors.New("database locked"))
	err := m.Reconcile(context.Background())
	require.ErrorContains(t, err, "database locked")

	assert.Equal(t, []string{"a"}, m.Workers())
	_, stops, updates := wf.built("a")[0].counts()
	assert.Zero(t, stops)
	assert.Zero(t, updates)
}

func TestReconcile_WorkerUpdateErrorKeepsWorker(t *testing.T) {
	reg := &mockRegistry{}
	reg.set(ddf("a"), ddf("b"))
	m, wf := newTestManager(t, reg, Options{})
	require.NoError(t, m.Reconcile(context.Background()))

	wf.built("a")[0].failUpdates(errors.New("connection refused"))
	require.NoError(t, m.Reconcile(context.Background()))

	assert.Equal(t, []string{"a", "b"}, m.Workers())
	_, stops, updates := wf.built("a")[0].counts()
	assert.Zero(t, stops)
	assert.Equal(t, 1, updates)
	_, _, updates = wf.built("b")[0].counts()
	assert.Equal(t, 1, updates)
}

func TestReconcile_AllowListRestrictsSites(t *testing.T) {
	reg := &mockRegistry{}
	reg.set(ddf("a"), ddf("b"), ddf("c"))
	m, _ := newTestManager(t, reg, Options{Sites: []string{"c", "a", "missing"}})

	require.NoError(t, m.Reconcile(context.Background()))
	assert.Equal(t, []string{"a", "c"}, m.Workers())
}

func TestDestroy_StopsEveryWorkerOnce(t *testing.T) {
	reg := &mockRegistry{}
	reg.set(ddf("a"), ddf("b"))
	m, wf := newTestManager(t, reg, Options{})
	require.NoError(t, m.Reconcile(context.Background()))

	m.Destroy()
	m.Destroy()

	assert.Empty(t, m.Workers())
	for _, id := range []string{"a", "b"} {
		_, stops, _ := wf.built(id)[0].counts()
		assert.Equal(t, 1, stops, id)
	}

	require.NoError(t, m.Reconcile(context.Background()))
	assert.Empty(t, m.Workers(), "reconcile after destroy is a no-op")
}

func TestInit_TicksPeriodicallyUntilDestroyed(t *testing.T) {
	reg := &mockRegistry{}
	reg.set(ddf("a"))
	m, _ := newTestManager(t, reg, Options{Period: 5 * time.Millisecond, StartupDelay: 0})

	m.Init()
	m.Init()
	require.Eventually(t, func() bool { return reg.callCount() >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a"}, m.Workers())

	m.Destroy()
	after := reg.callCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, reg.callCount(), "no tick fires after destroy")
}

func TestInit_HonoursStartupDelay(t *testing.T) {
	reg := &mockRegistry{}
	m, _ := newTestManager(t, reg, Options{Period: time.Millisecond, StartupDelay: time.Hour})

	m.Init()
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, reg.callCount())
}

func TestNewManager_Defaults(t *testing.T) {
	m, _ := newTestManager(t, &mockRegistry{}, Options{Period: -1, StartupDelay: -1})
	assert.Equal(t, DefaultPeriod, m.period)
	assert.Equal(t, DefaultStartupDelay, m.delay)
	assert.Nil(t, m.allow)
}
