// Package rcpeval evaluates RCP19 validation expressions (RESO Web API /
// RETS rules like "ListPrice < LAST ListPrice") against listing records.
//
// # Overview
//
// The expression engine itself is a separately-built WebAssembly module
// running in a fully isolated sandbox: no filesystem, no network, no
// clock. This repository is the host side: it moves JSON request
// envelopes into the guest's linear memory, invokes the guest, and
// collects the JSON response the guest hands back through its single
// host import.
//
// # Basic Usage
//
//	result, err := evaluator.Evaluate(ctx,
//	    "ListPrice < LAST ListPrice",
//	    map[string]any{"ListPrice": 490000},
//	    evaluator.WithPrevious(map[string]any{"ListPrice": 500000}))
//	// result == true
//
// Repeated evaluations should reuse one instance:
//
//	engine, _ := evaluator.NewEngine()
//	defer engine.Close(ctx)
//	ev, _ := engine.NewEvaluator(ctx)
//	defer ev.Close(ctx)
//
// The compiled module is expected at evaluator.wasm relative to the
// working directory; build it before first use.
//
// See the [evaluator] package for the full API, and cmd/rcpeval for the
// command-line interface (one-shot eval, REPL, HTTP server).
package rcpeval
