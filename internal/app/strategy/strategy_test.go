package strategy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/bastion/internal/domain/schema"
)

const momentumScript = `
module.exports = {
  metadata: { name: "Momentum" },
  entryParams: function (market) {
    var mult = market.adx > 30 ? 2.5 : 1.5;
    return { atrMultiplier: mult, tpRatio: 3, stopPercent: 0.015 };
  }
};
`

func TestBuiltinsRegistered(t *testing.T) {
	reg, err := NewRegistry(Builtins()...)
	require.NoError(t, err)
	require.Equal(t, []string{"default", "scalp", "swing"}, reg.Names())

	params, ok := reg.EntryParams("SWING", schema.MarketData{})
	require.True(t, ok)
	require.Equal(t, 3.0, params.TPRatio)

	_, ok = reg.EntryParams("unknown", schema.MarketData{})
	require.False(t, ok)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(NewFixed("a", schema.EntryParams{StopPercent: 0.01}), NewFixed("A", schema.EntryParams{}))
	require.Error(t, err)
}

func TestScriptComputesParams(t *testing.T) {
	script, err := CompileScript("momentum.js", []byte(momentumScript))
	require.NoError(t, err)
	require.Equal(t, "momentum", script.Name())
	require.Len(t, script.Hash(), 64)

	params, err := script.CalculateEntryParams(schema.MarketData{Symbol: "BTCUSDT", Price: 50000, ADX: 35})
	require.NoError(t, err)
	require.Equal(t, schema.EntryParams{ATRMultiplier: 2.5, TPRatio: 3, StopPercent: 0.015}, params)

	params, err = script.CalculateEntryParams(schema.MarketData{ADX: 10})
	require.NoError(t, err)
	require.Equal(t, 1.5, params.ATRMultiplier)
}

func TestScriptValidation(t *testing.T) {
	_, err := CompileScript("bad.js", []byte(`module.exports = { entryParams: function () { return {}; } };`))
	require.ErrorContains(t, err, "metadata")

	_, err = CompileScript("bad.js", []byte(`module.exports = { metadata: { name: "x" } };`))
	require.ErrorContains(t, err, "entryParams")

	_, err = CompileScript("bad.js", []byte(`module.exports = {`))
	require.ErrorContains(t, err, "compile")
}

func TestScriptErrorFallsBack(t *testing.T) {
	script, err := CompileScript("boom.js", []byte(`module.exports = { metadata: { name: "boom" }, entryParams: function () { throw new Error("nope"); } };`))
	require.NoError(t, err)
	reg, err := NewRegistry(script)
	require.NoError(t, err)

	var reported error
	reg.OnError(func(_ string, err error) { reported = err })
	_, ok := reg.EntryParams("boom", schema.MarketData{})
	require.False(t, ok)
	require.Error(t, reported)
}

func TestLoadIntoReplacesBuiltin(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "momentum.js"), []byte(momentumScript), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scalp.js"), []byte(`module.exports = { metadata: { name: "scalp" }, entryParams: function () { return { atrMultiplier: 0.5, tpRatio: 1, stopPercent: 0.005 }; } };`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	reg, err := NewRegistry(Builtins()...)
	require.NoError(t, err)
	names, err := LoadInto(context.Background(), reg, dir)
	require.NoError(t, err)
	require.Equal(t, []string{"momentum", "scalp"}, names)

	params, ok := reg.EntryParams("scalp", schema.MarketData{})
	require.True(t, ok)
	require.Equal(t, 0.5, params.ATRMultiplier)
	require.Len(t, reg.Names(), 4)
}

func TestLoadDirMissingIsEmpty(t *testing.T) {
	scripts, err := LoadDir(context.Background(), filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	require.Empty(t, scripts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "m.js"), []byte(momentumScript), 0o600))
	_, err = LoadDir(ctx, dir)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestBundledStrategiesLoad(t *testing.T) {
	reg, err := NewRegistry(Builtins()...)
	require.NoError(t, err)
	names, err := LoadInto(context.Background(), reg, filepath.Join("..", "..", "..", "strategies"))
	require.NoError(t, err)
	require.Contains(t, names, "trend")

	params, ok := reg.EntryParams("trend", schema.MarketData{ADX: 35, ATRRatio: 1})
	require.True(t, ok)
	require.InDelta(t, 2.5, params.ATRMultiplier, 1e-12)
	require.InDelta(t, 3.0, params.TPRatio, 1e-12)
}
