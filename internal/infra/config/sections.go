package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/coachpo/bastion/internal/app/correlation"
	"github.com/coachpo/bastion/internal/app/execution"
	"github.com/coachpo/bastion/internal/app/exitplan"
	"github.com/coachpo/bastion/internal/app/risk"
	"github.com/coachpo/bastion/internal/app/routing"
	"github.com/coachpo/bastion/internal/app/safety"
	"github.com/coachpo/bastion/internal/domain/schema"
	"github.com/coachpo/bastion/internal/infra/retry"
	"github.com/coachpo/bastion/internal/infra/telemetry"
)

// DampingStepConfig is one drawdown dampening level.
type DampingStepConfig struct {
	AtLeast float64 `yaml:"atLeast"`
	Factor  float64 `yaml:"factor"`
}

// RiskConfig holds the policy engine thresholds.
type RiskConfig struct {
	MinConfidence        float64             `yaml:"minConfidence"`
	ClusterCaps          map[string]float64  `yaml:"clusterCaps"`
	MaxSymbolExposure    float64             `yaml:"maxSymbolExposure"`
	MaxDirectionalBias   float64             `yaml:"maxDirectionalBias"`
	MaxPerGroup          int                 `yaml:"maxPerGroup"`
	CorrelationThreshold float64             `yaml:"correlationThreshold"`
	BaseLeverage         float64             `yaml:"baseLeverage"`
	MaxLeverage          float64             `yaml:"maxLeverage"`
	BaseSize             float64             `yaml:"baseSize"`
	MaxSize              float64             `yaml:"maxSize"`
	ATRMultiplier        float64             `yaml:"atrMultiplier"`
	TPRatio              float64             `yaml:"tpRatio"`
	StopPercent          float64             `yaml:"stopPercent"`
	DrawdownSteps        []DampingStepConfig `yaml:"drawdownSteps"`
	HighVolatility       float64             `yaml:"highVolatility"`
	HighVolatilityFactor float64             `yaml:"highVolatilityFactor"`
	MidVolatility        float64             `yaml:"midVolatility"`
	MidVolatilityFactor  float64             `yaml:"midVolatilityFactor"`
	BenchmarkCorrelation float64             `yaml:"benchmarkCorrelation"`
	BenchmarkFactor      float64             `yaml:"benchmarkFactor"`
}

func defaultRiskConfig() RiskConfig {
	def := risk.DefaultConfig()
	caps := make(map[string]float64, len(def.ClusterCaps))
	for cluster, v := range def.ClusterCaps {
		caps[string(cluster)] = v
	}
	steps := make([]DampingStepConfig, 0, len(def.DrawdownSteps))
	for _, s := range def.DrawdownSteps {
		steps = append(steps, DampingStepConfig{AtLeast: s.AtLeast, Factor: s.Factor})
	}
	return RiskConfig{
		MinConfidence:        def.MinConfidence,
		ClusterCaps:          caps,
		MaxSymbolExposure:    def.MaxSymbolExposure,
		MaxDirectionalBias:   def.MaxDirectionalBias,
		MaxPerGroup:          def.MaxPerGroup,
		CorrelationThreshold: def.CorrelationThreshold,
		BaseLeverage:         def.BaseLeverage,
		MaxLeverage:          def.MaxLeverage,
		BaseSize:             def.BaseSize,
		MaxSize:              def.MaxSize,
		ATRMultiplier:        def.ATRMultiplier,
		TPRatio:              def.TPRatio,
		StopPercent:          def.StopPercent,
		DrawdownSteps:        steps,
		HighVolatility:       def.HighVolatility,
		HighVolatilityFactor: def.HighVolatilityFactor,
		MidVolatility:        def.MidVolatility,
		MidVolatilityFactor:  def.MidVolatilityFactor,
		BenchmarkCorrelation: def.BenchmarkCorrelation,
		BenchmarkFactor:      def.BenchmarkFactor,
	}
}

// Engine converts the section into the policy engine's configuration.
func (c RiskConfig) Engine() risk.Config {
	caps := make(map[risk.Cluster]float64, len(c.ClusterCaps))
	for cluster, v := range c.ClusterCaps {
		caps[risk.Cluster(strings.ToLower(cluster))] = v
	}
	steps := make([]risk.DampingStep, 0, len(c.DrawdownSteps))
	for _, s := range c.DrawdownSteps {
		steps = append(steps, risk.DampingStep{AtLeast: s.AtLeast, Factor: s.Factor})
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].AtLeast > steps[j].AtLeast })
	return risk.Config{
		MinConfidence:        c.MinConfidence,
		ClusterCaps:          caps,
		MaxSymbolExposure:    c.MaxSymbolExposure,
		MaxDirectionalBias:   c.MaxDirectionalBias,
		MaxPerGroup:          c.MaxPerGroup,
		CorrelationThreshold: c.CorrelationThreshold,
		BaseLeverage:         c.BaseLeverage,
		MaxLeverage:          c.MaxLeverage,
		BaseSize:             c.BaseSize,
		MaxSize:              c.MaxSize,
		ATRMultiplier:        c.ATRMultiplier,
		TPRatio:              c.TPRatio,
		StopPercent:          c.StopPercent,
		DrawdownSteps:        steps,
		HighVolatility:       c.HighVolatility,
		HighVolatilityFactor: c.HighVolatilityFactor,
		MidVolatility:        c.MidVolatility,
		MidVolatilityFactor:  c.MidVolatilityFactor,
		BenchmarkCorrelation: c.BenchmarkCorrelation,
		BenchmarkFactor:      c.BenchmarkFactor,
	}
}

func (c RiskConfig) validate() error {
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("minConfidence must be within [0,1]")
	}
	if c.BaseLeverage < 1 {
		return fmt.Errorf("baseLeverage must be >= 1")
	}
	if c.MaxLeverage < c.BaseLeverage {
		return fmt.Errorf("maxLeverage must be >= baseLeverage")
	}
	if c.BaseSize <= 0 || c.BaseSize > 1 {
		return fmt.Errorf("baseSize must be within (0,1]")
	}
	if c.MaxSize < c.BaseSize || c.MaxSize > 1 {
		return fmt.Errorf("maxSize must be within [baseSize,1]")
	}
	if c.StopPercent <= 0 || c.StopPercent >= 1 {
		return fmt.Errorf("stopPercent must be within (0,1)")
	}
	if c.TPRatio <= 0 || c.ATRMultiplier <= 0 {
		return fmt.Errorf("tpRatio and atrMultiplier must be > 0")
	}
	if c.MaxSymbolExposure < 0 || c.MaxDirectionalBias < 0 || c.MaxDirectionalBias > 1 {
		return fmt.Errorf("maxSymbolExposure must be >= 0 and maxDirectionalBias within [0,1]")
	}
	if c.CorrelationThreshold <= 0 || c.CorrelationThreshold > 1 {
		return fmt.Errorf("correlationThreshold must be within (0,1]")
	}
	for cluster, v := range c.ClusterCaps {
		if v <= 0 || v > 1 {
			return fmt.Errorf("clusterCaps.%s must be within (0,1]", cluster)
		}
	}
	for i, s := range c.DrawdownSteps {
		if s.AtLeast < 0 || s.AtLeast >= 1 || s.Factor < 0 || s.Factor > 1 {
			return fmt.Errorf("drawdownSteps[%d] must have atLeast in [0,1) and factor in [0,1]", i)
		}
	}
	return nil
}

// MultipliersConfig is a risk multiplier vector. Zero components mean neutral
// in overrides.
type MultipliersConfig struct {
	Leverage   float64 `yaml:"leverage"`
	Size       float64 `yaml:"size"`
	Stop       float64 `yaml:"stop"`
	TakeProfit float64 `yaml:"takeProfit"`
	Hold       float64 `yaml:"hold"`
}

func multipliersFrom(m schema.RiskMultipliers) MultipliersConfig {
	return MultipliersConfig{Leverage: m.Leverage, Size: m.Size, Stop: m.Stop, TakeProfit: m.TakeProfit, Hold: m.Hold}
}

func (m MultipliersConfig) schema() schema.RiskMultipliers {
	return schema.RiskMultipliers{Leverage: m.Leverage, Size: m.Size, Stop: m.Stop, TakeProfit: m.TakeProfit, Hold: m.Hold}
}

// ScalerConfig tunes regime classification and the multiplier tables.
type ScalerConfig struct {
	VolatileATRRatio float64                                 `yaml:"volatileAtrRatio"`
	TrendingADX      float64                                 `yaml:"trendingAdx"`
	RangingADX       float64                                 `yaml:"rangingAdx"`
	Bases            map[string]MultipliersConfig            `yaml:"bases"`
	Overrides        map[string]map[string]MultipliersConfig `yaml:"overrides"`
}

func defaultScalerConfig() ScalerConfig {
	classifier := risk.DefaultHeuristicClassifier()
	bases := make(map[string]MultipliersConfig)
	for regime, m := range risk.DefaultRegimeBases() {
		bases[string(regime)] = multipliersFrom(m)
	}
	overrides := make(map[string]map[string]MultipliersConfig)
	for strategy, byRegime := range risk.DefaultOverrides() {
		inner := make(map[string]MultipliersConfig, len(byRegime))
		for regime, m := range byRegime {
			inner[string(regime)] = multipliersFrom(m)
		}
		overrides[strategy] = inner
	}
	return ScalerConfig{
		VolatileATRRatio: classifier.VolatileATRRatio,
		TrendingADX:      classifier.TrendingADX,
		RangingADX:       classifier.RangingADX,
		Bases:            bases,
		Overrides:        overrides,
	}
}

// Classifier returns the heuristic regime classifier.
func (c ScalerConfig) Classifier() risk.HeuristicClassifier {
	return risk.HeuristicClassifier{VolatileATRRatio: c.VolatileATRRatio, TrendingADX: c.TrendingADX, RangingADX: c.RangingADX}
}

// Tables returns the regime base vectors and per-strategy overrides.
func (c ScalerConfig) Tables() (map[schema.Regime]schema.RiskMultipliers, risk.Overrides) {
	bases := make(map[schema.Regime]schema.RiskMultipliers, len(c.Bases))
	for regime, m := range c.Bases {
		bases[schema.Regime(strings.ToLower(regime))] = m.schema()
	}
	overrides := make(risk.Overrides, len(c.Overrides))
	for strategy, byRegime := range c.Overrides {
		inner := make(map[schema.Regime]schema.RiskMultipliers, len(byRegime))
		for regime, m := range byRegime {
			inner[schema.Regime(strings.ToLower(regime))] = m.schema()
		}
		overrides[strings.ToLower(strategy)] = inner
	}
	return bases, overrides
}

func (c ScalerConfig) validate() error {
	if c.VolatileATRRatio <= 0 || c.TrendingADX <= 0 || c.RangingADX <= 0 {
		return fmt.Errorf("classifier thresholds must be > 0")
	}
	if c.RangingADX > c.TrendingADX {
		return fmt.Errorf("rangingAdx must be <= trendingAdx")
	}
	for _, regime := range []schema.Regime{schema.RegimeTrending, schema.RegimeRanging, schema.RegimeVolatile, schema.RegimeUncertain} {
		m, ok := c.Bases[string(regime)]
		if !ok {
			return fmt.Errorf("bases.%s required", regime)
		}
		if m.Leverage <= 0 || m.Size <= 0 || m.Stop <= 0 || m.TakeProfit <= 0 || m.Hold <= 0 {
			return fmt.Errorf("bases.%s components must be > 0", regime)
		}
	}
	return nil
}

// TierConfig is one partial take-profit level.
type TierConfig struct {
	ATRMultiple float64 `yaml:"atrMultiple"`
	Percent     float64 `yaml:"percent"`
	Fraction    float64 `yaml:"fraction"`
}

// ExitPlanConfig tunes exit plan construction and the breakeven policy.
type ExitPlanConfig struct {
	Tiers            []TierConfig  `yaml:"tiers"`
	TrailingATR      float64       `yaml:"trailingAtr"`
	TrailingPercent  float64       `yaml:"trailingPercent"`
	MaxHold          time.Duration `yaml:"maxHold"`
	BreakevenFee     float64       `yaml:"breakevenFee"`
	BreakevenSlip    float64       `yaml:"breakevenSlip"`
	CaptureFraction  float64       `yaml:"captureFraction"`
	MinBufferPercent float64       `yaml:"minBufferPercent"`
}

func defaultExitPlanConfig() ExitPlanConfig {
	def := exitplan.DefaultConfig()
	tiers := make([]TierConfig, 0, len(def.Tiers))
	for _, t := range def.Tiers {
		tiers = append(tiers, TierConfig{ATRMultiple: t.ATRMultiple, Percent: t.Percent, Fraction: t.Fraction})
	}
	return ExitPlanConfig{
		Tiers:            tiers,
		TrailingATR:      def.TrailingATR,
		TrailingPercent:  def.TrailingPercent,
		MaxHold:          def.MaxHold,
		BreakevenFee:     def.BreakevenFee,
		BreakevenSlip:    def.BreakevenSlip,
		CaptureFraction:  def.CaptureFraction,
		MinBufferPercent: def.MinBufferPercent,
	}
}

// Manager converts the section into the exit plan manager's configuration.
func (c ExitPlanConfig) Manager() exitplan.Config {
	tiers := make([]exitplan.Tier, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		tiers = append(tiers, exitplan.Tier{ATRMultiple: t.ATRMultiple, Percent: t.Percent, Fraction: t.Fraction})
	}
	return exitplan.Config{
		Tiers:            tiers,
		TrailingATR:      c.TrailingATR,
		TrailingPercent:  c.TrailingPercent,
		MaxHold:          c.MaxHold,
		BreakevenFee:     c.BreakevenFee,
		BreakevenSlip:    c.BreakevenSlip,
		CaptureFraction:  c.CaptureFraction,
		MinBufferPercent: c.MinBufferPercent,
	}
}

func (c ExitPlanConfig) validate() error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one tier required")
	}
	total := 0.0
	for i, t := range c.Tiers {
		if t.Fraction <= 0 || t.Percent <= 0 || t.ATRMultiple <= 0 {
			return fmt.Errorf("tiers[%d] values must be > 0", i)
		}
		total += t.Fraction
	}
	if total > 1+1e-9 {
		return fmt.Errorf("tier fractions sum to %.2f, must be <= 1", total)
	}
	if c.MaxHold <= 0 {
		return fmt.Errorf("maxHold must be > 0")
	}
	if c.CaptureFraction < 0 || c.CaptureFraction >= 1 {
		return fmt.Errorf("captureFraction must be within [0,1)")
	}
	return nil
}

// CorrelationConfig tunes the correlation guard.
type CorrelationConfig struct {
	Window    int     `yaml:"window"`
	MinFill   float64 `yaml:"minFill"`
	MinPairs  int     `yaml:"minPairs"`
	Threshold float64 `yaml:"threshold"`
}

func defaultCorrelationConfig() CorrelationConfig {
	def := correlation.DefaultConfig()
	return CorrelationConfig{Window: def.Window, MinFill: def.MinFill, MinPairs: def.MinPairs, Threshold: def.Threshold}
}

// Guard converts the section into the guard's configuration.
func (c CorrelationConfig) Guard() correlation.Config {
	def := correlation.DefaultConfig()
	return correlation.Config{Window: c.Window, MinFill: c.MinFill, MinPairs: c.MinPairs, Threshold: c.Threshold, MinVariance: def.MinVariance}
}

func (c CorrelationConfig) validate() error {
	if c.Window < 2 || c.MinPairs < 2 || c.MinPairs > c.Window {
		return fmt.Errorf("window and minPairs must satisfy 2 <= minPairs <= window")
	}
	if c.MinFill <= 0 || c.MinFill > 1 || c.Threshold <= 0 || c.Threshold > 1 {
		return fmt.Errorf("minFill and threshold must be within (0,1]")
	}
	return nil
}

// ExecutionConfig tunes order placement, protection and background passes.
type ExecutionConfig struct {
	StopMatchTolerance      float64       `yaml:"stopMatchTolerance"`
	VerifyPolls             int           `yaml:"verifyPolls"`
	VerifyDelay             time.Duration `yaml:"verifyDelay"`
	FlipPolls               int           `yaml:"flipPolls"`
	FlipDelay               time.Duration `yaml:"flipDelay"`
	MinAvailableBalance     float64       `yaml:"minAvailableBalance"`
	TPSplit                 float64       `yaml:"tpSplit"`
	TrailingCallbackPercent float64       `yaml:"trailingCallbackPercent"`
	SweepConcurrency        int           `yaml:"sweepConcurrency"`
	LoopInterval            time.Duration `yaml:"loopInterval"`
	ProtectionInterval      time.Duration `yaml:"protectionInterval"`
	BreakevenInterval       time.Duration `yaml:"breakevenInterval"`
	DefaultStrategy         string        `yaml:"defaultStrategy"`
	DefaultConfidence       float64       `yaml:"defaultConfidence"`
	BenchmarkSymbol         string        `yaml:"benchmarkSymbol"`
}

func defaultExecutionConfig() ExecutionConfig {
	def := execution.DefaultConfig()
	return ExecutionConfig{
		StopMatchTolerance:      def.StopMatchTolerance,
		VerifyPolls:             def.VerifyPolls,
		VerifyDelay:             def.VerifyDelay,
		FlipPolls:               def.FlipPolls,
		FlipDelay:               def.FlipDelay,
		MinAvailableBalance:     def.MinAvailableBalance,
		TPSplit:                 def.TPSplit,
		TrailingCallbackPercent: def.TrailingCallbackPercent,
		SweepConcurrency:        def.SweepConcurrency,
		LoopInterval:            def.LoopInterval,
		ProtectionInterval:      def.ProtectionInterval,
		BreakevenInterval:       def.BreakevenInterval,
		DefaultStrategy:         def.DefaultStrategy,
		DefaultConfidence:       def.DefaultConfidence,
		BenchmarkSymbol:         def.BenchmarkSymbol,
	}
}

// Executor converts the section into the executor's configuration.
func (c ExecutionConfig) Executor() execution.Config {
	return execution.Config{
		StopMatchTolerance:      c.StopMatchTolerance,
		VerifyPolls:             c.VerifyPolls,
		VerifyDelay:             c.VerifyDelay,
		FlipPolls:               c.FlipPolls,
		FlipDelay:               c.FlipDelay,
		MinAvailableBalance:     c.MinAvailableBalance,
		TPSplit:                 c.TPSplit,
		TrailingCallbackPercent: c.TrailingCallbackPercent,
		SweepConcurrency:        c.SweepConcurrency,
		LoopInterval:            c.LoopInterval,
		ProtectionInterval:      c.ProtectionInterval,
		BreakevenInterval:       c.BreakevenInterval,
		DefaultStrategy:         c.DefaultStrategy,
		DefaultConfidence:       c.DefaultConfidence,
		BenchmarkSymbol:         c.BenchmarkSymbol,
	}
}

func (c ExecutionConfig) validate() error {
	if c.StopMatchTolerance <= 0 || c.StopMatchTolerance >= 1 {
		return fmt.Errorf("stopMatchTolerance must be within (0,1)")
	}
	if c.VerifyPolls <= 0 || c.FlipPolls <= 0 {
		return fmt.Errorf("verifyPolls and flipPolls must be > 0")
	}
	if c.TPSplit <= 0 || c.TPSplit >= 1 {
		return fmt.Errorf("tpSplit must be within (0,1)")
	}
	if c.MinAvailableBalance < 0 {
		return fmt.Errorf("minAvailableBalance must be >= 0")
	}
	if c.LoopInterval <= 0 || c.ProtectionInterval <= 0 || c.BreakevenInterval <= 0 {
		return fmt.Errorf("loop intervals must be > 0")
	}
	if strings.TrimSpace(c.DefaultStrategy) == "" {
		return fmt.Errorf("defaultStrategy required")
	}
	return nil
}

// CooldownSection tunes signal cooldown durations.
type CooldownSection struct {
	Base         time.Duration `yaml:"base"`
	Min          time.Duration `yaml:"min"`
	Max          time.Duration `yaml:"max"`
	MaxFrequency float64       `yaml:"maxFrequency"`
	MinVolFactor float64       `yaml:"minVolFactor"`
	MaxVolFactor float64       `yaml:"maxVolFactor"`
}

// SafetyConfig tunes the circuit breaker, operation locks and cooldowns.
type SafetyConfig struct {
	MaxConsecutiveLosses int             `yaml:"maxConsecutiveLosses"`
	LockTimeout          time.Duration   `yaml:"lockTimeout"`
	LockCooldown         time.Duration   `yaml:"lockCooldown"`
	Cooldown             CooldownSection `yaml:"cooldown"`
}

func defaultSafetyConfig() SafetyConfig {
	def := safety.DefaultCooldownConfig()
	return SafetyConfig{
		MaxConsecutiveLosses: safety.DefaultMaxConsecutiveLosses,
		LockTimeout:          safety.DefaultLockTimeout,
		LockCooldown:         safety.DefaultLockCooldown,
		Cooldown: CooldownSection{
			Base:         def.Base,
			Min:          def.Min,
			Max:          def.Max,
			MaxFrequency: def.MaxFrequency,
			MinVolFactor: def.MinVolFactor,
			MaxVolFactor: def.MaxVolFactor,
		},
	}
}

// Cooldowns converts the cooldown section.
func (c SafetyConfig) Cooldowns() safety.CooldownConfig {
	return safety.CooldownConfig{
		Base:         c.Cooldown.Base,
		Min:          c.Cooldown.Min,
		Max:          c.Cooldown.Max,
		MaxFrequency: c.Cooldown.MaxFrequency,
		MinVolFactor: c.Cooldown.MinVolFactor,
		MaxVolFactor: c.Cooldown.MaxVolFactor,
	}
}

func (c SafetyConfig) validate() error {
	if c.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("maxConsecutiveLosses must be > 0")
	}
	if c.LockTimeout <= 0 || c.LockCooldown < 0 {
		return fmt.Errorf("lockTimeout must be > 0 and lockCooldown >= 0")
	}
	if c.Cooldown.Min <= 0 || c.Cooldown.Max < c.Cooldown.Min || c.Cooldown.Base <= 0 {
		return fmt.Errorf("cooldown durations must satisfy 0 < min <= max and base > 0")
	}
	if c.Cooldown.MinVolFactor <= 0 || c.Cooldown.MaxVolFactor < c.Cooldown.MinVolFactor {
		return fmt.Errorf("cooldown volatility factors must satisfy 0 < min <= max")
	}
	return nil
}

// RoutingConfig maps asset classes to ordered venue preferences.
type RoutingConfig struct {
	Classes            map[string][]string `yaml:"classes"`
	RefreshConcurrency int                 `yaml:"refreshConcurrency"`
}

// Router converts the section into the router's configuration.
func (c RoutingConfig) Router() routing.Config {
	classes := make(map[routing.AssetClass][]string, len(c.Classes))
	for class, venues := range c.Classes {
		names := make([]string, 0, len(venues))
		for _, v := range venues {
			names = append(names, normalizeVenueName(v))
		}
		classes[routing.AssetClass(strings.ToLower(strings.TrimSpace(class)))] = names
	}
	return routing.Config{Classes: classes}
}

func (c RoutingConfig) validate(venues map[string]VenueConfig) error {
	for class, names := range c.Classes {
		switch routing.AssetClass(class) {
		case routing.AssetCryptoPerp, routing.AssetFX, routing.AssetEquity:
		default:
			return fmt.Errorf("unknown asset class %q", class)
		}
		for _, name := range names {
			if _, ok := venues[normalizeVenueName(name)]; !ok {
				return fmt.Errorf("class %s references unknown venue %q", class, name)
			}
		}
	}
	if c.RefreshConcurrency < 0 {
		return fmt.Errorf("refreshConcurrency must be >= 0")
	}
	return nil
}

// RetryConfig bounds retries of transient venue failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
}

// VenueConfig describes one configured venue.
type VenueConfig struct {
	Type      VenueType          `yaml:"type"`
	Enabled   bool               `yaml:"enabled"`
	RateLimit float64            `yaml:"rateLimit"`
	Burst     int                `yaml:"burst"`
	Retry     RetryConfig        `yaml:"retry"`
	Asset     string             `yaml:"asset"`
	Cash      float64            `yaml:"cash"`
	Prices    map[string]float64 `yaml:"prices"`
}

// Policy returns the retry policy for calls to this venue.
func (c VenueConfig) Policy() retry.Policy {
	p := retry.DefaultPolicy()
	if c.Retry.MaxAttempts > 0 {
		p.MaxAttempts = c.Retry.MaxAttempts
	}
	if c.Retry.BaseDelay > 0 {
		p.BaseDelay = c.Retry.BaseDelay
	}
	return p
}

func defaultVenueConfig() VenueConfig {
	return VenueConfig{
		Type:      VenueFake,
		Enabled:   true,
		RateLimit: 10,
		Burst:     5,
		Retry:     RetryConfig{MaxAttempts: retry.DefaultAttempts, BaseDelay: retry.DefaultBaseDelay},
		Asset:     "USDT",
		Cash:      10000,
		Prices:    map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000, "SOLUSDT": 150},
	}
}

func (c *VenueConfig) applyDefaults() {
	c.Type = VenueType(strings.ToLower(strings.TrimSpace(string(c.Type))))
	if c.Type == "" {
		c.Type = VenueFake
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = retry.DefaultAttempts
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = retry.DefaultBaseDelay
	}
	c.Asset = strings.ToUpper(strings.TrimSpace(c.Asset))
	if c.Asset == "" {
		c.Asset = "USDT"
	}
	if len(c.Prices) > 0 {
		prices := make(map[string]float64, len(c.Prices))
		for sym, p := range c.Prices {
			prices[schema.NormalizeSymbol(sym)] = p
		}
		c.Prices = prices
	}
}

func (c VenueConfig) validate() error {
	if c.Type != VenueFake {
		return fmt.Errorf("unsupported type %q", c.Type)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rateLimit must be >= 0")
	}
	if c.Cash < 0 {
		return fmt.Errorf("cash must be >= 0")
	}
	for sym, p := range c.Prices {
		if p <= 0 {
			return fmt.Errorf("price for %s must be > 0", sym)
		}
	}
	return nil
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	Enabled          bool          `yaml:"enabled"`
	OTLPEndpoint     string        `yaml:"otlpEndpoint"`
	OTLPInsecure     bool          `yaml:"otlpInsecure"`
	MetricInterval   time.Duration `yaml:"metricInterval"`
	ServiceName      string        `yaml:"serviceName"`
	ServiceVersion   string        `yaml:"serviceVersion"`
	ServiceNamespace string        `yaml:"serviceNamespace"`
}

func defaultTelemetryConfig() TelemetryConfig {
	def := telemetry.DefaultConfig()
	return TelemetryConfig{
		Enabled:          def.Enabled,
		OTLPEndpoint:     def.OTLPEndpoint,
		OTLPInsecure:     def.OTLPInsecure,
		MetricInterval:   def.MetricInterval,
		ServiceName:      def.ServiceName,
		ServiceVersion:   def.ServiceVersion,
		ServiceNamespace: def.ServiceNamespace,
	}
}

// Provider converts the section into the telemetry provider configuration.
func (c TelemetryConfig) Provider(env Environment) telemetry.Config {
	return telemetry.Config{
		Enabled:          c.Enabled,
		OTLPEndpoint:     c.OTLPEndpoint,
		OTLPInsecure:     c.OTLPInsecure,
		MetricInterval:   c.MetricInterval,
		ServiceName:      c.ServiceName,
		ServiceVersion:   c.ServiceVersion,
		ServiceNamespace: c.ServiceNamespace,
		Environment:      string(env),
	}
}

// NotifyConfig configures operator alerts.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhookUrl"`
	Source     string        `yaml:"source"`
	Timeout    time.Duration `yaml:"timeout"`
}

// StrategiesConfig locates scripted strategies.
type StrategiesConfig struct {
	Directory string `yaml:"directory"`
}
