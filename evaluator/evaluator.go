package evaluator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Evaluator is one live guest instance reused across calls, holding its
// memory bridge and output slot. A single instance has a single allocator
// and a single output slot, so calls are strictly serialized: an
// overlapping Evaluate fails fast with ErrBusy instead of corrupting
// shared guest state. Use separate Evaluators for concurrency.
type Evaluator struct {
	engine *Engine
	name   string
	module api.Module
	run    guestFunc
	bridge *memoryBridge
	slot   outputSlot
	log    *zap.Logger
	clock  func() time.Time

	callMu  sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// Evaluate runs one expression against value. The result is the decoded
// JSON value the expression produced (bool, float64, string, nil, or
// nested map/slice). Semantic failures from the expression engine come
// back as *EvalError.
func (ev *Evaluator) Evaluate(ctx context.Context, expression string, value any, opts ...EvalOption) (any, error) {
	if !ev.callMu.TryLock() {
		return nil, ErrBusy
	}
	defer ev.callMu.Unlock()

	if ev.isClosed() {
		return nil, ErrClosed
	}

	var cfg evalConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	payload, err := encodeRequest(expression, value, ev.clock(), cfg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := ev.dispatch(ctx, payload)
	if err != nil {
		return nil, err
	}

	ev.log.Debug("evaluated expression",
		zap.String("expression", expression),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

// dispatch performs one request/response exchange: write the payload into
// guest memory, invoke run, release the buffer, interpret the output.
func (ev *Evaluator) dispatch(ctx context.Context, payload []byte) (any, error) {
	handle, err := ev.bridge.writeRequest(ctx, payload)
	if err != nil {
		return nil, err
	}

	ev.slot.reset()
	runErr := ev.callRun(ctx, handle)

	// The request buffer is guest-side; releasing it on the trap path too
	// keeps repeated calls on a reused instance from leaking guest memory.
	if err := ev.bridge.releaseRequest(ctx, handle); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return nil, runErr
	}

	text, fired, refired := ev.slot.take()
	if !fired {
		return nil, fmt.Errorf("%w: run(0x%x, %d) returned silently",
			ErrNoOutput, handle.ptr, handle.length)
	}
	if refired {
		return nil, fmt.Errorf("guest produced more than one output per call")
	}

	return decodeResponse(text)
}

func (ev *Evaluator) callRun(ctx context.Context, h bufferHandle) error {
	if _, err := ev.run.Call(ctx, uint64(h.ptr), uint64(h.length)); err != nil {
		return fmt.Errorf("evaluator trapped: %w", err)
	}
	return nil
}

// Close tears down the guest instance. Safe to call more than once.
func (ev *Evaluator) Close(ctx context.Context) error {
	ev.closeMu.Lock()
	defer ev.closeMu.Unlock()

	if ev.closed {
		return nil
	}
	ev.closed = true

	if ev.engine != nil {
		ev.engine.unroute(ev.name)
	}
	if ev.module != nil {
		return ev.module.Close(ctx)
	}
	return nil
}

func (ev *Evaluator) isClosed() bool {
	ev.closeMu.Lock()
	defer ev.closeMu.Unlock()
	return ev.closed
}
