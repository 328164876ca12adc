package evaluator

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// hostModuleName is the single import namespace the guest requires.
const hostModuleName = "evaluator"

// outputSlot captures the one response the guest hands back through the
// output import during a run call. Zero or one writes are legal per call;
// anything else surfaces as a protocol error when the slot is drained.
type outputSlot struct {
	text    string
	fired   bool
	refired bool
}

func (s *outputSlot) reset() { *s = outputSlot{} }

func (s *outputSlot) set(text string) {
	if s.fired {
		s.refired = true
		return
	}
	s.fired = true
	s.text = text
}

// take drains the slot so a stale response can never leak into a later
// call on the same instance.
func (s *outputSlot) take() (text string, fired, refired bool) {
	text, fired, refired = s.text, s.fired, s.refired
	s.reset()
	return text, fired, refired
}

// instantiateHostModule exports evaluator.output, the one import the
// guest needs. The callback runs synchronously inside the guest's run
// call and must copy the referenced bytes out of guest memory before
// returning, because the next allocator call may invalidate the region.
func (e *Engine) instantiateHostModule(ctx context.Context) error {
	_, err := e.runtime.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			ptr := api.DecodeU32(stack[0])
			length := api.DecodeU32(stack[1])
			e.handleOutput(mod, ptr, length)
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export("output").
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("instantiate host module: %w", err)
	}
	return nil
}

// handleOutput routes an output callback to the instance that fired it.
// Memory is looked up on the calling module at fire time, never captured
// at bind time: the guest's memory does not exist until instantiation
// returns.
func (e *Engine) handleOutput(mod api.Module, ptr, length uint32) {
	ev := e.route(mod.Name())
	if ev == nil {
		e.log.Warn("output from unknown instance", zap.String("instance", mod.Name()))
		return
	}

	text, err := readGuestMemory(mod.Memory(), ptr, length)
	if err != nil {
		ev.log.Warn("unreadable output region",
			zap.Uint32("ptr", ptr),
			zap.Uint32("len", length),
			zap.Error(err))
		return
	}
	ev.slot.set(text)
}
