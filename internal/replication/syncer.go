package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/siterelay/internal/adapter"
	"github.com/njoerd114/siterelay/internal/model"
	"github.com/njoerd114/siterelay/internal/state"
)

// ErrUnsupported is returned by a job whose adapters lack the capability the
// direction needs.
var ErrUnsupported = errors.New("adapter does not support item replication")

// ProgressStore persists per-direction watermarks and the content hash last
// replicated for each item. Implemented by [state.Store].
type ProgressStore interface {
	GetWatermark(ctx context.Context, configID, sourceID, destinationID string) (*state.Watermark, error)
	SaveWatermark(ctx context.Context, wm *state.Watermark) error
	ItemHashes(ctx context.Context, configID string) (map[string]string, error)
	SaveItemHash(ctx context.Context, configID, itemID, hash string) error
}

// ItemSyncer is the default [Syncer]. Its jobs copy every item the source
// changed since the last successful run to the destination.
type ItemSyncer struct {
	store ProgressStore
	log   *slog.Logger
	now   func() time.Time
}

var _ Syncer = (*ItemSyncer)(nil)

// NewSyncer creates an ItemSyncer backed by store.
func NewSyncer(store ProgressStore, logger *slog.Logger) *ItemSyncer {
	return &ItemSyncer{store: store, log: logger, now: time.Now}
}

// Create returns a job copying source changes to destination. The watermark
// is keyed by the config id and the site ids in cfg, so the two directions
// of a bidirectional config never share one.
func (s *ItemSyncer) Create(source, destination adapter.Adapter, cfg model.ReplicationConfig, excluded map[string]struct{}) Job {
	return &itemJob{
		syncer:        s,
		source:        source,
		destination:   destination,
		configID:      cfg.ID,
		sourceID:      cfg.Source,
		destinationID: cfg.Destination,
		excluded:      excluded,
	}
}

type itemJob struct {
	syncer        *ItemSyncer
	source        adapter.Adapter
	destination   adapter.Adapter
	configID      string
	sourceID      string
	destinationID string
	excluded      map[string]struct{}
}

// Sync applies every changed, non-excluded item. An item whose content hash
// matches the one last replicated for the config is skipped, which stops the
// reverse direction from echoing what the forward one just wrote. It keeps
// going past item errors and returns the first one; the watermark only
// advances when every item was handled.
func (j *itemJob) Sync(ctx context.Context) error {
	src, ok := j.source.(adapter.ChangeSource)
	if !ok {
		return fmt.Errorf("%s cannot list changes: %w", j.source.SystemName(), ErrUnsupported)
	}
	dst, ok := j.destination.(adapter.ItemSink)
	if !ok {
		return fmt.Errorf("%s cannot store items: %w", j.destination.SystemName(), ErrUnsupported)
	}

	log := j.syncer.log.With(
		"config_id", j.configID,
		"source_id", j.sourceID,
		"destination_id", j.destinationID,
	)
	store := j.syncer.store

	wm, err := store.GetWatermark(ctx, j.configID, j.sourceID, j.destinationID)
	if err != nil {
		return err
	}
	hashes, err := store.ItemHashes(ctx, j.configID)
	if err != nil {
		return err
	}

	items, err := src.Changes(ctx, wm.Since)
	if err != nil {
		return err
	}

	next := wm.Since
	var applied, skipped, unchanged, failed int
	var firstErr error
	fail := func(id string, err error) {
		failed++
		log.Error("applying item", "item_id", id, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	for _, item := range items {
		if _, skip := j.excluded[item.ID]; skip {
			skipped++
			next = later(next, item.ModifiedAt)
			continue
		}
		hash := item.ContentHash()
		if hashes[item.ID] == hash {
			unchanged++
			next = later(next, item.ModifiedAt)
			continue
		}
		if err := dst.Apply(ctx, item); err != nil {
			fail(item.ID, err)
			continue
		}
		if err := store.SaveItemHash(ctx, j.configID, item.ID, hash); err != nil {
			fail(item.ID, err)
			continue
		}
		applied++
		next = later(next, item.ModifiedAt)
	}

	log.Debug("sync pass finished",
		"changed", len(items),
		"applied", applied,
		"skipped", skipped,
		"unchanged", unchanged,
		"failed", failed,
	)
	if firstErr != nil {
		return fmt.Errorf("%d of %d items failed: %w", failed, len(items)-skipped, firstErr)
	}

	wm.Since = next
	wm.LastRunAt = j.syncer.now().UTC()
	wm.ItemsSynced += int64(applied)
	return store.SaveWatermark(ctx, wm)
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
