package httpnode

import "github.com/njoerd114/siterelay/internal/model"

// Profile describes how to recognise and talk to one kind of site over HTTP.
type Profile struct {
	// Type is the site type this profile serves.
	Type model.SiteType

	// ProbePath is requested to identify the system and check availability.
	// Only a 2xx answer counts as a match.
	ProbePath string

	// ItemsPath is the collection used for change queries and item writes.
	ItemsPath string
}

// DefaultProfiles returns the built-in profiles in detection order.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Type:      model.SiteTypeDDF,
			ProbePath: "/services/catalog/sources",
			ItemsPath: "/services/replication/items",
		},
		{
			Type:      model.SiteTypeION,
			ProbePath: "/api/v1/ping",
			ItemsPath: "/api/v1/replication/items",
		},
		{
			Type:      model.SiteTypeCSW,
			ProbePath: "/csw?service=CSW&request=GetCapabilities",
			ItemsPath: "/csw/replication/items",
		},
	}
}
