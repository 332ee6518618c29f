package schema

import "strings"

// Mode controls whether allowed decisions execute or only preview.
type Mode string

const (
	// ModeAutonomous executes allowed signal decisions.
	ModeAutonomous Mode = "autonomous"
	// ModeAdvisory previews signal decisions without executing them.
	ModeAdvisory Mode = "advisory"
)

// Valid reports whether the mode is known.
func (m Mode) Valid() bool {
	return m == ModeAutonomous || m == ModeAdvisory
}

// UserConfig is the per-user mutable trading configuration.
type UserConfig struct {
	UserID            string             `json:"userId" yaml:"userId"`
	Mode              Mode               `json:"mode" yaml:"mode"`
	MaxLeverage       float64            `json:"maxLeverage" yaml:"maxLeverage"`
	MaxSize           float64            `json:"maxSize" yaml:"maxSize"`
	EnabledStrategies []string           `json:"enabledStrategies,omitempty" yaml:"enabledStrategies"`
	DisabledAssets    []string           `json:"disabledAssets,omitempty" yaml:"disabledAssets"`
	EnabledVenues     []string           `json:"enabledVenues,omitempty" yaml:"enabledVenues"`
	SymbolCaps        map[string]float64 `json:"symbolCaps,omitempty" yaml:"symbolCaps"`
}

// Clone returns a deep copy.
func (u UserConfig) Clone() UserConfig {
	out := u
	out.EnabledStrategies = append([]string(nil), u.EnabledStrategies...)
	out.DisabledAssets = append([]string(nil), u.DisabledAssets...)
	out.EnabledVenues = append([]string(nil), u.EnabledVenues...)
	if u.SymbolCaps != nil {
		out.SymbolCaps = make(map[string]float64, len(u.SymbolCaps))
		for k, v := range u.SymbolCaps {
			out.SymbolCaps[k] = v
		}
	}
	return out
}

// AssetDisabled reports whether trading symbol has been switched off.
func (u UserConfig) AssetDisabled(symbol string) bool {
	symbol = NormalizeSymbol(symbol)
	for _, s := range u.DisabledAssets {
		if NormalizeSymbol(s) == symbol {
			return true
		}
	}
	return false
}

// StrategyEnabled reports whether strategy may trade. An empty allow-list enables all.
func (u UserConfig) StrategyEnabled(strategy string) bool {
	if len(u.EnabledStrategies) == 0 {
		return true
	}
	strategy = strings.ToLower(strings.TrimSpace(strategy))
	for _, s := range u.EnabledStrategies {
		if strings.ToLower(strings.TrimSpace(s)) == strategy {
			return true
		}
	}
	return false
}

// VenueEnabled reports whether venue is enabled. An empty list enables all.
func (u UserConfig) VenueEnabled(venue string) bool {
	if len(u.EnabledVenues) == 0 {
		return true
	}
	venue = strings.ToLower(strings.TrimSpace(venue))
	for _, v := range u.EnabledVenues {
		if strings.ToLower(strings.TrimSpace(v)) == venue {
			return true
		}
	}
	return false
}

// EntryParams are per-strategy overrides consumed when computing stop and target distances.
type EntryParams struct {
	ATRMultiplier float64 `json:"atrMultiplier"`
	TPRatio       float64 `json:"tpRatio"`
	StopPercent   float64 `json:"stopPercent"`
}

// RoutePrefs carries per-request routing preferences.
type RoutePrefs struct {
	ForceVenue    string
	EnabledVenues []string
}
