package strategy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/coachpo/bastion/internal/domain/schema"
)

// Script is a strategy backed by a JavaScript module. The module must export
// `metadata` with a `name` and an `entryParams(market)` function returning
// `{atrMultiplier, tpRatio, stopPercent}`.
type Script struct {
	name string
	path string
	hash string

	mu      sync.Mutex
	rt      *goja.Runtime
	compute goja.Callable
}

// CompileScript compiles and instantiates a strategy module from source.
func CompileScript(path string, source []byte) (*Script, error) {
	prog, err := goja.Compile(path, string(source), true)
	if err != nil {
		return nil, fmt.Errorf("strategy script: compile %q: %w", path, err)
	}
	rt := goja.New()
	exports, err := runModule(rt, prog)
	if err != nil {
		return nil, fmt.Errorf("strategy script: %s: %w", path, err)
	}
	name, err := scriptName(exports)
	if err != nil {
		return nil, fmt.Errorf("strategy script: %s: %w", path, err)
	}
	compute, ok := goja.AssertFunction(exports.Get("entryParams"))
	if !ok {
		return nil, fmt.Errorf("strategy script: %s: entryParams export must be a function", path)
	}
	sum := sha256.Sum256(source)
	return &Script{
		name:    name,
		path:    path,
		hash:    hex.EncodeToString(sum[:]),
		mu:      sync.Mutex{},
		rt:      rt,
		compute: compute,
	}, nil
}

// Name implements Strategy.
func (s *Script) Name() string { return s.name }

// Hash returns the SHA-256 of the module source.
func (s *Script) Hash() string { return s.hash }

// CalculateEntryParams implements Strategy. Runtime access is serialised.
func (s *Script) CalculateEntryParams(market schema.MarketData) (out schema.EntryParams, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("strategy %s: panic: %v", s.name, rec)
		}
	}()
	arg := s.rt.ToValue(map[string]any{
		"symbol":   market.Symbol,
		"price":    market.Price,
		"atr":      market.ATR,
		"adx":      market.ADX,
		"atrRatio": market.ATRRatio,
	})
	value, err := s.compute(goja.Undefined(), arg)
	if err != nil {
		return schema.EntryParams{}, fmt.Errorf("strategy %s: entryParams: %w", s.name, err)
	}
	obj := value.ToObject(s.rt)
	if obj == nil {
		return schema.EntryParams{}, fmt.Errorf("strategy %s: entryParams returned non-object", s.name)
	}
	return schema.EntryParams{
		ATRMultiplier: floatField(obj, "atrMultiplier"),
		TPRatio:       floatField(obj, "tpRatio"),
		StopPercent:   floatField(obj, "stopPercent"),
	}, nil
}

func floatField(obj *goja.Object, key string) float64 {
	v := obj.Get(key)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	return v.ToFloat()
}

func scriptName(exports *goja.Object) (string, error) {
	raw := exports.Get("metadata")
	if raw == nil || goja.IsUndefined(raw) || goja.IsNull(raw) {
		return "", fmt.Errorf("metadata export missing")
	}
	meta, ok := raw.(*goja.Object)
	if !ok {
		return "", fmt.Errorf("metadata export must be an object")
	}
	nameValue := meta.Get("name")
	if nameValue == nil || goja.IsUndefined(nameValue) {
		return "", fmt.Errorf("metadata name required")
	}
	name := normalizeName(nameValue.String())
	if name == "" {
		return "", fmt.Errorf("metadata name required")
	}
	return name, nil
}

func runModule(rt *goja.Runtime, program *goja.Program) (*goja.Object, error) {
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	console := rt.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	_ = console.Set("log", noop)
	_ = console.Set("warn", noop)
	if err := rt.Set("console", console); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}
	object := module.Get("exports").ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}

// LoadDir compiles every .js module in dir. A missing directory yields no scripts.
func LoadDir(ctx context.Context, dir string) ([]*Script, error) {
	root := strings.TrimSpace(dir)
	if root == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(filepath.Clean(root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("strategy loader: read directory %q: %w", root, err)
	}
	seen := make(map[string]string)
	out := make([]*Script, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("strategy loader: load canceled: %w", err)
		}
		if entry.IsDir() || !isJavaScriptFile(entry.Name()) {
			continue
		}
		fullPath := filepath.Join(root, entry.Name())
		// #nosec G304 -- fullPath comes from os.ReadDir within the configured root.
		source, err := os.ReadFile(fullPath)
		if err != nil {
			return nil, fmt.Errorf("strategy loader: read %q: %w", fullPath, err)
		}
		script, err := CompileScript(fullPath, source)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[script.Name()]; dup {
			return nil, fmt.Errorf("strategy loader: duplicate strategy name %q in %s and %s", script.Name(), prev, entry.Name())
		}
		seen[script.Name()] = entry.Name()
		out = append(out, script)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// LoadInto compiles the scripts in dir and registers them, replacing same-named built-ins.
func LoadInto(ctx context.Context, registry *Registry, dir string) ([]string, error) {
	scripts, err := LoadDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(scripts))
	for _, script := range scripts {
		registry.Replace(script)
		names = append(names, script.Name())
	}
	return names, nil
}

func isJavaScriptFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".js") || strings.HasSuffix(lower, ".mjs")
}
