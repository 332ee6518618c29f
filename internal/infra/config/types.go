package config

import "strings"

// Environment identifies the runtime environment bastion operates in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// VenueType selects the adapter implementation behind a configured venue.
type VenueType string

// VenueFake is the in-memory paper trading venue.
const VenueFake VenueType = "fake"

func normalizeVenueName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
