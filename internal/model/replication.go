package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ReplicationConfig describes one replication between two registered sites.
// It is immutable for the duration of a sync execution.
type ReplicationConfig struct {
	ID            string   `json:"id" yaml:"id"`
	Source        string   `json:"source" yaml:"source"`
	Destination   string   `json:"destination" yaml:"destination"`
	Bidirectional bool     `json:"bidirectional" yaml:"bidirectional"`
	Excluded      []string `json:"excluded,omitempty" yaml:"excluded,omitempty"`
}

// ExcludedSet returns the excluded item identifiers as a set. The result is
// never nil.
func (c *ReplicationConfig) ExcludedSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Excluded))
	for _, id := range c.Excluded {
		set[id] = struct{}{}
	}
	return set
}

// Validate checks that both endpoints are named and distinct.
func (c *ReplicationConfig) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("replication %q: source is required", c.ID)
	}
	if c.Destination == "" {
		return fmt.Errorf("replication %q: destination is required", c.ID)
	}
	if c.Source == c.Destination {
		return fmt.Errorf("replication %q: source and destination are both %q", c.ID, c.Source)
	}
	return nil
}

// Reversed returns a copy of c running from Destination to Source.
func (c ReplicationConfig) Reversed() ReplicationConfig {
	r := c
	r.Source, r.Destination = c.Destination, c.Source
	r.Excluded = append([]string(nil), c.Excluded...)
	return r
}

// SyncRequest is the unit of work submitted to the replicator.
type SyncRequest struct {
	Config ReplicationConfig
}

// Item is one replicated record as exchanged between adapters.
type Item struct {
	// ID is the item identifier shared by both sites.
	ID string `json:"id"`

	// Title is the display title of the record.
	Title string `json:"title"`

	// Metadata is the opaque record body.
	Metadata string `json:"metadata"`

	// ModifiedAt is the last modification time reported by the source.
	// The syncer advances its watermark from this value.
	ModifiedAt time.Time `json:"modified_at"`

	// Deleted marks a tombstone.
	Deleted bool `json:"deleted,omitempty"`
}

// ContentHash returns a SHA-256 hex digest over the fields that matter for
// change detection. ModifiedAt is excluded.
func (i *Item) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(i.ID))
	h.Write([]byte("|"))
	h.Write([]byte(i.Title))
	h.Write([]byte("|"))
	h.Write([]byte(i.Metadata))
	h.Write([]byte("|"))
	_, _ = fmt.Fprintf(h, "%t", i.Deleted)
	return hex.EncodeToString(h.Sum(nil))
}
