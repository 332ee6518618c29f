// Package routing selects a venue for each symbol and aggregates account state across venues.
package routing

import (
	"fmt"
	"io"
	"log"
	"strings"
	"unicode"

	"github.com/coachpo/bastion/errs"
	"github.com/coachpo/bastion/internal/domain/schema"
)

// GateRouting names the routing gate in rejections.
const GateRouting = "routing"

// AssetClass groups instruments by the venues able to trade them.
type AssetClass string

// Supported asset classes.
const (
	AssetCryptoPerp AssetClass = "crypto_perp"
	AssetFX         AssetClass = "fx"
	AssetEquity     AssetClass = "equity"
)

var cryptoQuotes = []string{"USDT", "USDC", "USD"}

var isoCurrencies = map[string]struct{}{
	"USD": {}, "EUR": {}, "GBP": {}, "JPY": {}, "CHF": {}, "AUD": {}, "CAD": {},
	"NZD": {}, "SEK": {}, "NOK": {}, "DKK": {}, "SGD": {}, "HKD": {}, "CNH": {},
	"MXN": {}, "ZAR": {}, "TRY": {}, "PLN": {},
}

// ClassOf infers the asset class from a symbol. Six-letter pairs of ISO
// currencies are FX even when quoted in USD.
func ClassOf(symbol string) AssetClass {
	s := schema.NormalizeSymbol(symbol)
	if isFXPair(s) {
		return AssetFX
	}
	for _, quote := range cryptoQuotes {
		if len(s) > len(quote) && strings.HasSuffix(s, quote) {
			return AssetCryptoPerp
		}
	}
	return AssetEquity
}

func isFXPair(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	_, base := isoCurrencies[s[:3]]
	_, quote := isoCurrencies[s[3:]]
	return base && quote
}

// Config maps each asset class to its ordered venue preference.
type Config struct {
	Classes map[AssetClass][]string
}

// DefaultConfig returns an empty mapping; every registered venue then serves every class.
func DefaultConfig() Config {
	return Config{Classes: map[AssetClass][]string{}}
}

// VenueSet reports which venues are registered.
type VenueSet interface {
	Names() []string
}

// Router picks the first enabled venue supporting a symbol's asset class.
type Router struct {
	cfg    Config
	venues VenueSet
	logger *log.Logger
}

// NewRouter constructs a router over the registered venues.
func NewRouter(cfg Config, venues VenueSet, logger *log.Logger) *Router {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	classes := make(map[AssetClass][]string, len(cfg.Classes))
	for class, list := range cfg.Classes {
		normalised := make([]string, 0, len(list))
		for _, name := range list {
			if n := normalizeVenue(name); n != "" {
				normalised = append(normalised, n)
			}
		}
		classes[class] = normalised
	}
	return &Router{cfg: Config{Classes: classes}, venues: venues, logger: logger}
}

// Candidates returns the ordered, registered venues serving class.
func (r *Router) Candidates(class AssetClass) []string {
	registered := make(map[string]struct{})
	var all []string
	if r.venues != nil {
		all = r.venues.Names()
	}
	for _, name := range all {
		registered[normalizeVenue(name)] = struct{}{}
	}
	preferred, ok := r.cfg.Classes[class]
	if !ok {
		return all
	}
	out := make([]string, 0, len(preferred))
	for _, name := range preferred {
		if _, ok := registered[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Route resolves the venue for symbol honouring the user's routing preferences.
func (r *Router) Route(symbol string, prefs schema.RoutePrefs) (string, error) {
	class := ClassOf(symbol)
	candidates := r.Candidates(class)
	if force := normalizeVenue(prefs.ForceVenue); force != "" {
		for _, name := range candidates {
			if name == force {
				return name, nil
			}
		}
		return "", errs.Rejected(GateRouting,
			fmt.Sprintf("venue %s does not support %s", force, class),
			errs.WithSymbol(symbol), errs.WithVenue(force))
	}
	for _, name := range candidates {
		if venueAllowed(prefs.EnabledVenues, name) {
			r.logger.Printf("route symbol=%s class=%s venue=%s", symbol, class, name)
			return name, nil
		}
	}
	return "", errs.Rejected(GateRouting,
		fmt.Sprintf("no enabled venue for %s", class), errs.WithSymbol(symbol))
}

func venueAllowed(enabled []string, name string) bool {
	if len(enabled) == 0 {
		return true
	}
	for _, v := range enabled {
		if normalizeVenue(v) == name {
			return true
		}
	}
	return false
}

func normalizeVenue(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
