package risk

import (
	"strings"

	"github.com/coachpo/bastion/internal/domain/schema"
)

// Cluster groups instruments that tend to move together for exposure caps.
type Cluster string

// Known clusters.
const (
	ClusterMeme   Cluster = "meme"
	ClusterMajors Cluster = "majors"
	ClusterLayer1 Cluster = "layer1"
	ClusterDeFi   Cluster = "defi"
	ClusterOther  Cluster = "other"
)

type clusterRule struct {
	cluster Cluster
	// substring rules match anywhere in the base asset; exact rules match it whole.
	substring bool
	assets    []string
}

// clusterTable is consulted in order. Meme names are substring-matched first so
// composite tickers never fall through to majors.
var clusterTable = []clusterRule{
	{cluster: ClusterMeme, substring: true, assets: []string{"DOGE", "SHIB", "PEPE", "FLOKI", "BONK", "WIF", "MEME"}},
	{cluster: ClusterMajors, substring: false, assets: []string{"BTC", "ETH", "WBTC", "WETH"}},
	{cluster: ClusterLayer1, substring: false, assets: []string{"SOL", "AVAX", "ADA", "DOT", "NEAR", "ATOM", "SUI", "APT", "TRX", "TON"}},
	{cluster: ClusterDeFi, substring: false, assets: []string{"UNI", "AAVE", "LINK", "MKR", "CRV", "COMP", "SUSHI", "LDO", "SNX"}},
}

// DefaultClusterCaps bounds each cluster's share of equity.
func DefaultClusterCaps() map[Cluster]float64 {
	return map[Cluster]float64{
		ClusterMajors: 0.40,
		ClusterMeme:   0.15,
		ClusterLayer1: 0.30,
		ClusterDeFi:   0.25,
		ClusterOther:  0.25,
	}
}

var quoteSuffixes = []string{"USDT", "USDC", "BUSD", "USD"}

// BaseAsset strips the quote currency and any leading multiplier digits ("1000PEPEUSDT" -> "PEPE").
func BaseAsset(symbol string) string {
	base := schema.NormalizeSymbol(symbol)
	for _, quote := range quoteSuffixes {
		if len(base) > len(quote) && strings.HasSuffix(base, quote) {
			base = strings.TrimSuffix(base, quote)
			break
		}
	}
	trimmed := strings.TrimLeft(base, "0123456789")
	if trimmed == "" {
		return base
	}
	return trimmed
}

// Classify maps a symbol to its cluster. It is pure and deterministic.
func Classify(symbol string) Cluster {
	base := BaseAsset(symbol)
	if base == "" {
		return ClusterOther
	}
	for _, rule := range clusterTable {
		for _, asset := range rule.assets {
			if rule.substring && strings.Contains(base, asset) {
				return rule.cluster
			}
			if !rule.substring && base == asset {
				return rule.cluster
			}
		}
	}
	return ClusterOther
}

// correlationGroups lists assets known to trade as one block.
var correlationGroups = map[string][]string{
	"btc-eth":  {"BTC", "ETH", "WBTC", "WETH"},
	"alt-l1":   {"SOL", "AVAX", "NEAR", "APT", "SUI"},
	"legacy":   {"ADA", "DOT", "ATOM", "TRX"},
	"meme":     {"DOGE", "SHIB", "PEPE", "FLOKI", "BONK", "WIF"},
	"defi":     {"UNI", "AAVE", "MKR", "CRV", "COMP", "SUSHI", "LDO", "SNX"},
	"oracle":   {"LINK"},
	"exchange": {"BNB", "OKB"},
}

// CorrelationGroup returns the known group a symbol belongs to, or "" if none.
func CorrelationGroup(symbol string) string {
	base := BaseAsset(symbol)
	for group, assets := range correlationGroups {
		for _, asset := range assets {
			if base == asset {
				return group
			}
		}
	}
	return ""
}
