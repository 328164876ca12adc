// Package evaluator hosts the WebAssembly-compiled RCP19 expression
// evaluator and owns the byte-level protocol for talking to it.
//
// # Overview
//
// The guest module exposes a tiny C-style surface: alloc/free for
// request buffers, a run entry point, and exported linear memory. It
// imports exactly one host function, evaluator.output, which it calls
// once per run with the location of its JSON response. Everything in
// this package exists to move one JSON envelope in and one JSON
// envelope out across that boundary.
//
// # Basic Usage
//
//	result, err := evaluator.Evaluate(ctx,
//	    "ListPrice < LAST ListPrice",
//	    map[string]any{"ListPrice": 490000},
//	    evaluator.WithPrevious(map[string]any{"ListPrice": 500000}))
//
// # Reuse
//
// One-shot Evaluate pays instantiation on every call. Hold an Evaluator
// to amortize it:
//
//	engine, err := evaluator.NewEngine()
//	defer engine.Close(ctx)
//
//	ev, err := engine.NewEvaluator(ctx)
//	defer ev.Close(ctx)
//
//	a, _ := ev.Evaluate(ctx, "ListPrice > 100000", record)
//	b, _ := ev.Evaluate(ctx, "IIF(BathroomsFull = .EMPTY., 0, BathroomsFull)", record)
//
// Calls on one Evaluator must not overlap; a second call while one is in
// flight returns ErrBusy. Separate Evaluators are fully independent and
// may run concurrently.
package evaluator
