package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSiteTypes_DetectionOrder(t *testing.T) {
	assert.Equal(t, []SiteType{SiteTypeDDF, SiteTypeION, SiteTypeCSW}, SiteTypes())
}

func TestSiteTypes_ReturnsCopy(t *testing.T) {
	types := SiteTypes()
	types[0] = SiteTypeCSW
	assert.Equal(t, SiteTypeDDF, SiteTypes()[0])
}

func TestSiteType_MustBePolled(t *testing.T) {
	tests := []struct {
		typ  SiteType
		want bool
	}{
		{SiteTypeDDF, true},
		{SiteTypeCSW, true},
		{SiteTypeION, false},
		{SiteTypeUnset, false},
		{SiteType("BOGUS"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.typ.MustBePolled(), "type %s", tt.typ)
	}
}

func TestParseSiteType(t *testing.T) {
	got, err := ParseSiteType("ION")
	require.NoError(t, err)
	assert.Equal(t, SiteTypeION, got)

	got, err = ParseSiteType("")
	require.NoError(t, err)
	assert.False(t, got.IsSet())

	_, err = ParseSiteType("ion")
	assert.ErrorContains(t, err, "unknown site type")
}

func TestSiteType_String(t *testing.T) {
	assert.Equal(t, "unset", SiteTypeUnset.String())
	assert.Equal(t, "DDF", SiteTypeDDF.String())
}

func TestReplicationConfig_Validate(t *testing.T) {
	ok := ReplicationConfig{ID: "c", Source: "a", Destination: "b"}
	assert.NoError(t, ok.Validate())

	missing := ReplicationConfig{ID: "c", Source: "a"}
	assert.ErrorContains(t, missing.Validate(), "destination is required")

	same := ReplicationConfig{ID: "c", Source: "a", Destination: "a"}
	assert.ErrorContains(t, same.Validate(), "both")
}

func TestReplicationConfig_ExcludedSet(t *testing.T) {
	cfg := ReplicationConfig{Excluded: []string{"x", "y", "x"}}
	set := cfg.ExcludedSet()
	assert.Len(t, set, 2)
	assert.Contains(t, set, "x")

	empty := ReplicationConfig{}
	assert.NotNil(t, empty.ExcludedSet())
}

func TestReplicationConfig_Reversed(t *testing.T) {
	cfg := ReplicationConfig{ID: "c", Source: "a", Destination: "b", Bidirectional: true, Excluded: []string{"x"}}
	rev := cfg.Reversed()

	assert.Equal(t, "b", rev.Source)
	assert.Equal(t, "a", rev.Destination)
	assert.Equal(t, "c", rev.ID)
	assert.True(t, rev.Bidirectional)

	rev.Excluded[0] = "changed"
	assert.Equal(t, "x", cfg.Excluded[0])
}

func TestItem_ContentHash_IgnoresModifiedAt(t *testing.T) {
	a := Item{ID: "1", Title: "t", Metadata: "m", ModifiedAt: time.Now()}
	b := a
	b.ModifiedAt = a.ModifiedAt.Add(time.Hour)
	assert.Equal(t, a.ContentHash(), b.ContentHash())

	b.Title = "other"
	assert.NotEqual(t, a.ContentHash(), b.ContentHash())
}
