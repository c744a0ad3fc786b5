// Package model defines the records shared by the site registry, the
// replicator, and the query manager.
package model

import "fmt"

// SiteType identifies the kind of remote system a site runs. The zero value
// means the type has not been detected yet.
type SiteType string

const (
	// SiteTypeUnset marks a site whose type must be auto-detected.
	SiteTypeUnset SiteType = ""
	// SiteTypeDDF is a DDF catalog node.
	SiteTypeDDF SiteType = "DDF"
	// SiteTypeION is an ION repository node.
	SiteTypeION SiteType = "ION"
	// SiteTypeCSW is an OGC catalogue service endpoint.
	SiteTypeCSW SiteType = "CSW"
)

// siteTypes is the detection order. Keep it explicit: probing must never
// depend on map iteration.
var siteTypes = []SiteType{SiteTypeDDF, SiteTypeION, SiteTypeCSW}

// SiteTypes returns every known site type in auto-detection order.
func SiteTypes() []SiteType {
	out := make([]SiteType, len(siteTypes))
	copy(out, siteTypes)
	return out
}

// ParseSiteType converts s to a known SiteType. An empty string yields
// [SiteTypeUnset].
func ParseSiteType(s string) (SiteType, error) {
	if s == "" {
		return SiteTypeUnset, nil
	}
	for _, t := range siteTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return SiteTypeUnset, fmt.Errorf("unknown site type %q", s)
}

// IsSet reports whether the type has been assigned.
func (t SiteType) IsSet() bool {
	return t != SiteTypeUnset
}

// MustBePolled reports whether sites of this type need a continuously
// running query worker. Unset and unknown types are never polled.
func (t SiteType) MustBePolled() bool {
	switch t {
	case SiteTypeDDF, SiteTypeCSW:
		return true
	default:
		return false
	}
}

// String returns the type tag, or "unset".
func (t SiteType) String() string {
	if t == SiteTypeUnset {
		return "unset"
	}
	return string(t)
}

// CurrentSiteVersion is the schema version written for new site records.
//
//	1 - initial version.
const CurrentSiteVersion = 1

// Site is a registered remote system to replicate with.
type Site struct {
	// ID is the registry key. It never changes once assigned.
	ID string `json:"id"`

	// Name is the human-readable site name.
	Name string `json:"name"`

	// URL is the base address adapters are bound to.
	URL string `json:"url"`

	// Type is the kind of system behind URL. Unset until detected or
	// configured by an operator.
	Type SiteType `json:"type,omitempty"`

	// Version is the record schema version.
	Version int `json:"version"`
}

// MustBePolled reports whether the site's current type requires a query worker.
func (s *Site) MustBePolled() bool {
	return s.Type.MustBePolled()
}
