package evaluator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
)

// DefaultArtifactPath is where the compiled expression module is looked
// up, relative to the process working directory.
const DefaultArtifactPath = "evaluator.wasm"

// Engine owns one wazero runtime, the compiled expression module, and
// the host module guest instances import. Evaluators created from one
// Engine share the compiled module but run in separate instances, so
// independent Evaluators may be used concurrently.
type Engine struct {
	cfg     engineConfig
	runtime wazero.Runtime
	cache   wazero.CompilationCache
	log     *zap.Logger
	clock   func() time.Time

	// readFile is swapped in white-box tests to count artifact reads.
	readFile func(string) ([]byte, error)

	mu       sync.RWMutex
	compiled wazero.CompiledModule
	routes   map[string]*Evaluator
	closed   bool
}

// NewEngine creates an Engine. The artifact is not read until the first
// Evaluator is requested.
func NewEngine(opts ...EngineOption) (*Engine, error) {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	var err error
	if cfg.diskCache {
		dir := cfg.cacheDir
		if dir == "" {
			dir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)

	e := &Engine{
		cfg:      cfg,
		runtime:  rt,
		cache:    cache,
		log:      cfg.logger,
		clock:    cfg.clock,
		readFile: os.ReadFile,
		routes:   make(map[string]*Evaluator),
	}

	if err := e.instantiateHostModule(ctx); err != nil {
		rt.Close(ctx)
		if cache != nil {
			cache.Close(ctx)
		}
		return nil, err
	}

	return e, nil
}

// compiledModule returns the compiled expression module, reading and
// compiling the artifact on first use. At most one read and one
// compilation happen per Engine; later callers get the cached module.
func (e *Engine) compiledModule(ctx context.Context) (wazero.CompiledModule, error) {
	e.mu.RLock()
	if e.compiled != nil {
		compiled := e.compiled
		e.mu.RUnlock()
		return compiled, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.compiled != nil {
		return e.compiled, nil
	}
	if e.closed {
		return nil, ErrClosed
	}

	data, err := e.readFile(e.cfg.artifactPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w at %q: build the expression module first",
				ErrArtifactNotFound, e.cfg.artifactPath)
		}
		return nil, fmt.Errorf("read evaluator module: %w", err)
	}

	start := time.Now()
	compiled, err := e.runtime.CompileModule(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("compile evaluator module: %w", err)
	}
	e.log.Debug("compiled evaluator module",
		zap.String("path", e.cfg.artifactPath),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)))

	e.compiled = compiled
	return compiled, nil
}

// NewEvaluator instantiates a fresh guest and wires it to the output
// import. The instance name is a UUID so that multiple instances coexist
// in one runtime and output callbacks can be routed back to their owner.
func (e *Engine) NewEvaluator(ctx context.Context) (*Evaluator, error) {
	compiled, err := e.compiledModule(ctx)
	if err != nil {
		return nil, err
	}

	name := uuid.NewString()
	ev := &Evaluator{
		engine: e,
		name:   name,
		log:    e.log.With(zap.String("instance", name)),
		clock:  e.clock,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.routes[name] = ev
	e.mu.Unlock()

	modConfig := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions()

	start := time.Now()
	mod, err := e.runtime.InstantiateModule(ctx, compiled, modConfig)
	if err != nil {
		e.unroute(name)
		return nil, fmt.Errorf("instantiate evaluator module: %w", err)
	}

	// The guest's exports exist only once instantiation has returned;
	// only now can the bridge capture them.
	alloc := mod.ExportedFunction("alloc")
	free := mod.ExportedFunction("free")
	run := mod.ExportedFunction("run")
	if alloc == nil || free == nil || run == nil || mod.Memory() == nil {
		mod.Close(ctx)
		e.unroute(name)
		return nil, fmt.Errorf("evaluator module missing required exports (alloc/free/run/memory)")
	}

	ev.module = mod
	ev.run = run
	ev.bridge = &memoryBridge{mem: mod.Memory(), alloc: alloc, free: free}

	e.log.Debug("instantiated evaluator",
		zap.String("instance", name),
		zap.Duration("elapsed", time.Since(start)))
	return ev, nil
}

func (e *Engine) route(name string) *Evaluator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.routes[name]
}

func (e *Engine) unroute(name string) {
	e.mu.Lock()
	delete(e.routes, name)
	e.mu.Unlock()
}

// Close releases the runtime and every instance created from it.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.routes = make(map[string]*Evaluator)
	e.mu.Unlock()

	var errs []error
	if err := e.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.cache != nil {
		if err := e.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Process-wide default Engine. Initialized once, never torn down; tests
// that need isolation construct their own Engines instead.
var (
	defaultEngine     *Engine
	defaultEngineErr  error
	defaultEngineOnce sync.Once
)

// Default returns the process-wide Engine, creating it on first use with
// default options.
func Default() (*Engine, error) {
	defaultEngineOnce.Do(func() {
		defaultEngine, defaultEngineErr = NewEngine()
	})
	return defaultEngine, defaultEngineErr
}

// Evaluate runs a single expression against a throwaway instance on the
// default Engine. Callers making repeated evaluations should hold an
// Evaluator instead to skip per-call instantiation.
func Evaluate(ctx context.Context, expression string, value any, opts ...EvalOption) (any, error) {
	e, err := Default()
	if err != nil {
		return nil, err
	}
	ev, err := e.NewEvaluator(ctx)
	if err != nil {
		return nil, err
	}
	defer ev.Close(ctx)
	return ev.Evaluate(ctx, expression, value, opts...)
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "rcpeval")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "rcpeval")
	}
	return filepath.Join(os.TempDir(), "rcpeval-cache")
}
