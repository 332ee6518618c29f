package risk

import (
	"context"
	"strings"

	"github.com/coachpo/bastion/internal/domain/schema"
)

// Multiplier bounds applied to every dimension after composition.
const (
	MinMultiplier = 0.3
	MaxMultiplier = 3.0
)

// RegimeClassifier labels the current market regime.
type RegimeClassifier interface {
	Classify(ctx context.Context, market schema.MarketData) (schema.Regime, error)
}

// HeuristicClassifier labels regimes from ATR ratio and ADX.
type HeuristicClassifier struct {
	VolatileATRRatio float64
	TrendingADX      float64
	RangingADX       float64
}

// DefaultHeuristicClassifier returns the stock thresholds.
func DefaultHeuristicClassifier() HeuristicClassifier {
	return HeuristicClassifier{VolatileATRRatio: 1.5, TrendingADX: 25, RangingADX: 20}
}

// Classify implements RegimeClassifier.
func (h HeuristicClassifier) Classify(_ context.Context, market schema.MarketData) (schema.Regime, error) {
	switch {
	case market.ATRRatio > h.VolatileATRRatio:
		return schema.RegimeVolatile, nil
	case market.ADX >= h.TrendingADX:
		return schema.RegimeTrending, nil
	case market.ADX > 0 && market.ADX < h.RangingADX:
		return schema.RegimeRanging, nil
	default:
		return schema.RegimeUncertain, nil
	}
}

func m(lev, size, stop, tp, hold float64) schema.RiskMultipliers {
	return schema.RiskMultipliers{Leverage: lev, Size: size, Stop: stop, TakeProfit: tp, Hold: hold}
}

// DefaultRegimeBases returns the base multiplier vector per regime.
func DefaultRegimeBases() map[schema.Regime]schema.RiskMultipliers {
	return map[schema.Regime]schema.RiskMultipliers{
		schema.RegimeTrending:  m(1.2, 1.2, 1.0, 1.5, 1.5),
		schema.RegimeRanging:   m(0.9, 1.0, 0.8, 0.8, 0.8),
		schema.RegimeVolatile:  m(0.6, 0.7, 1.5, 1.2, 0.6),
		schema.RegimeUncertain: m(0.7, 0.8, 1.2, 1.0, 0.8),
	}
}

type confidenceTier struct {
	below  float64
	factor schema.RiskMultipliers
}

// confidenceTiers are checked in order; the last entry catches everything else.
var confidenceTiers = []confidenceTier{
	{below: 0.3, factor: m(0.5, 0.5, 1.0, 0.8, 0.7)},
	{below: 0.5, factor: m(0.75, 0.75, 1.0, 0.9, 0.85)},
	{below: 0.7, factor: m(1.0, 1.0, 1.0, 1.0, 1.0)},
	{below: 0.85, factor: m(1.2, 1.2, 1.0, 1.1, 1.1)},
	{below: 2, factor: m(1.4, 1.4, 0.9, 1.3, 1.2)},
}

// ConfidenceFactor returns the tier vector for a confidence value.
func ConfidenceFactor(confidence float64) schema.RiskMultipliers {
	confidence = schema.ClampConfidence(confidence)
	for _, tier := range confidenceTiers {
		if confidence < tier.below {
			return tier.factor
		}
	}
	return confidenceTiers[len(confidenceTiers)-1].factor
}

// Overrides holds sparse per-strategy, per-regime adjustments. Zero components mean 1.0.
type Overrides map[string]map[schema.Regime]schema.RiskMultipliers

// DefaultOverrides returns the stock strategy adjustments.
func DefaultOverrides() Overrides {
	return Overrides{
		"scalp": {
			schema.RegimeVolatile: m(0, 0, 0, 0, 0.5),
			schema.RegimeTrending: m(0, 0, 0, 0, 0.6),
		},
		"swing": {
			schema.RegimeTrending: m(0, 0, 0, 1.2, 1.5),
			schema.RegimeRanging:  m(0, 0.8, 0, 0, 0),
		},
	}
}

func (o Overrides) lookup(strategy string, regime schema.Regime) schema.RiskMultipliers {
	out := schema.NeutralMultipliers()
	byRegime, ok := o[strings.ToLower(strings.TrimSpace(strategy))]
	if !ok {
		return out
	}
	raw, ok := byRegime[regime]
	if !ok {
		return out
	}
	pick := func(v float64) float64 {
		if v <= 0 {
			return 1
		}
		return v
	}
	return m(pick(raw.Leverage), pick(raw.Size), pick(raw.Stop), pick(raw.TakeProfit), pick(raw.Hold))
}

// Scaler composes regime, confidence and strategy multipliers.
type Scaler struct {
	classifier RegimeClassifier
	bases      map[schema.Regime]schema.RiskMultipliers
	overrides  Overrides
}

// NewScaler builds a scaler. A nil classifier uses the heuristic defaults; nil tables use the stock ones.
func NewScaler(classifier RegimeClassifier, bases map[schema.Regime]schema.RiskMultipliers, overrides Overrides) *Scaler {
	if classifier == nil {
		classifier = DefaultHeuristicClassifier()
	}
	if bases == nil {
		bases = DefaultRegimeBases()
	}
	if overrides == nil {
		overrides = DefaultOverrides()
	}
	return &Scaler{classifier: classifier, bases: bases, overrides: overrides}
}

// Compute returns the clamped multiplier vector and the regime it was derived from.
// Classifier failures degrade to the uncertain regime.
func (s *Scaler) Compute(ctx context.Context, confidence float64, strategy string, market schema.MarketData) (schema.RiskMultipliers, schema.Regime) {
	regime, err := s.classifier.Classify(ctx, market)
	if err != nil || regime == "" {
		regime = schema.RegimeUncertain
	}
	base, ok := s.bases[regime]
	if !ok {
		base = schema.NeutralMultipliers()
	}
	out := base.Mul(ConfidenceFactor(confidence)).Mul(s.overrides.lookup(strategy, regime))
	return out.Clamp(MinMultiplier, MaxMultiplier), regime
}
